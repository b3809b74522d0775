// Package anchor 把槽的封存状态作为检查点写入外部 EVM 链。检查点是一笔
// 零转账的 EIP-1559 交易，calldata 为 "POH1" ‖ 槽号 ‖ 封存计数 ‖ 封存哈希。
package anchor

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
)

var checkpointMagic = []byte("POH1")

// CheckpointSize 是检查点 calldata 的固定长度。
const CheckpointSize = 4 + 8 + 8 + common.HashLength

// Checkpoint 是从 calldata 解析出的槽封存状态。
type Checkpoint struct {
	Slot         uint64      `json:"slot_number"`
	CloseCounter uint64      `json:"close_counter"`
	CloseHash    common.Hash `json:"close_hash"`
}

// EncodeCheckpoint 生成槽的检查点 calldata。
func EncodeCheckpoint(slot ledger.Slot) []byte {
	out := make([]byte, 0, CheckpointSize)
	out = append(out, checkpointMagic...)
	out = binary.BigEndian.AppendUint64(out, slot.Number)
	out = binary.BigEndian.AppendUint64(out, slot.CloseCounter)
	return append(out, slot.CloseHash.Bytes()...)
}

// DecodeCheckpoint 解析检查点 calldata。
func DecodeCheckpoint(data []byte) (Checkpoint, error) {
	if len(data) != CheckpointSize || !bytes.Equal(data[:4], checkpointMagic) {
		return Checkpoint{}, xerrors.New(xerrors.CodeInvalidArgument, "不是检查点 calldata")
	}
	return Checkpoint{
		Slot:         binary.BigEndian.Uint64(data[4:12]),
		CloseCounter: binary.BigEndian.Uint64(data[12:20]),
		CloseHash:    common.BytesToHash(data[20:]),
	}, nil
}

// Matches 判断检查点是否与槽的封存状态一致。
func (c Checkpoint) Matches(slot ledger.Slot) bool {
	return c.Slot == slot.Number && c.CloseCounter == slot.CloseCounter && c.CloseHash == slot.CloseHash
}

// Anchorer 把槽检查点写到外部并返回外部交易哈希。
type Anchorer interface {
	Anchor(ctx context.Context, slot ledger.Slot) (common.Hash, error)
}

// Backend 是 EVMAnchorer 依赖的链接口，*ethclient.Client 满足它。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// Config 描述检查点交易的参数。
type Config struct {
	RPCURL     string
	PrivateKey string
	To         string
	GasLimit   uint64
}

// EVMAnchorer 使用本地私钥签名检查点交易。
type EVMAnchorer struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	to       common.Address
	gasLimit uint64

	mu      sync.Mutex
	chainID *big.Int
}

// Dial 连接 RPC 节点并创建 EVMAnchorer。
func Dial(ctx context.Context, cfg Config) (*EVMAnchorer, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置检查点 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAnchorFailure, err, "连接以太坊节点失败")
	}
	return NewEVMAnchorer(client, cfg)
}

// NewEVMAnchorer 使用给定后端创建 EVMAnchorer。未配置目标地址时发给自己。
func NewEVMAnchorer(backend Backend, cfg Config) (*EVMAnchorer, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链后端")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析检查点私钥失败")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := from
	if strings.TrimSpace(cfg.To) != "" {
		if !common.IsHexAddress(cfg.To) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的检查点地址 %q", cfg.To))
		}
		to = common.HexToAddress(cfg.To)
	}
	return &EVMAnchorer{backend: backend, key: key, from: from, to: to, gasLimit: cfg.GasLimit}, nil
}

// From 返回签名账户地址。
func (a *EVMAnchorer) From() common.Address { return a.from }

// Anchor 签名并发送检查点交易。
func (a *EVMAnchorer) Anchor(ctx context.Context, slot ledger.Slot) (common.Hash, error) {
	chainID, err := a.loadChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	data := EncodeCheckpoint(slot)

	nonce, err := a.backend.PendingNonceAt(ctx, a.from)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeAnchorFailure, err, "获取 nonce 失败")
	}
	tip, err := a.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeAnchorFailure, err, "获取小费失败")
	}
	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeAnchorFailure, err, "获取最新区块失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas := a.gasLimit
	if gas == 0 {
		gas, err = a.backend.EstimateGas(ctx, gethcore.CallMsg{From: a.from, To: &a.to, Data: data})
		if err != nil {
			return common.Hash{}, xerrors.Wrap(xerrors.CodeAnchorFailure, err, "估算 gas 失败")
		}
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &a.to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeAnchorFailure, err, "签名检查点交易失败")
	}
	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeAnchorFailure, err, fmt.Sprintf("发送槽 %d 检查点失败", slot.Number))
	}
	return signed.Hash(), nil
}

func (a *EVMAnchorer) loadChainID(ctx context.Context) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chainID != nil {
		return a.chainID, nil
	}
	id, err := a.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAnchorFailure, err, "获取链 ID 失败")
	}
	a.chainID = id
	return id, nil
}
