package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/poh"
)

// Transaction 是一笔最小化的转账记录。AnchorHash 在提交时由账本写入。
type Transaction struct {
	From       string      `json:"from"`
	To         string      `json:"to"`
	Amount     uint64      `json:"amount"`
	AnchorHash common.Hash `json:"anchor_hash"`
}

// ID 返回交易规范编码的 Keccak-256，用于回执和日志。
func (tx Transaction) ID() common.Hash {
	encoded, err := rlp.EncodeToBytes(&tx)
	if err != nil {
		panic(xerrors.Wrap(poh.CodeIntegrityFault, err, "encode transaction"))
	}
	return crypto.Keccak256Hash(encoded)
}

// Slot 是一批已提交交易及其在链上的开闭状态，追加后不可变。
type Slot struct {
	Number       uint64        `json:"slot_number"`
	OpenHash     common.Hash   `json:"open_hash"`
	Transactions []Transaction `json:"transactions"`
	CloseCounter uint64        `json:"close_counter"`
	CloseHash    common.Hash   `json:"close_hash"`
}

// OpenCounter 返回开槽那一步的计数。开槽 tick 之后紧跟批次 record。
func (s Slot) OpenCounter() uint64 {
	if s.Number == 0 {
		return 0
	}
	return s.CloseCounter - 1
}

// Open 返回开槽时的链状态。
func (s Slot) Open() poh.State {
	return poh.State{Hash: s.OpenHash, Counter: s.OpenCounter()}
}

// Close 返回折叠批次之后的链状态。
func (s Slot) Close() poh.State {
	return poh.State{Hash: s.CloseHash, Counter: s.CloseCounter}
}

// Clone 深拷贝交易列表，保证调用方拿到的副本不会影响已提交的槽。
func (s Slot) Clone() Slot {
	clone := s
	if s.Transactions != nil {
		clone.Transactions = make([]Transaction, len(s.Transactions))
		copy(clone.Transactions, s.Transactions)
	}
	return clone
}

// Applier 是账户状态协作者：把一笔已提交交易结算到余额上。
// 返回 nil、余额不足或账户不存在。
type Applier interface {
	Apply(ctx context.Context, tx Transaction) error
}

// SlotValidator 是验证者/共识协作者：接收新提交的槽用于投票与排序。
type SlotValidator interface {
	SubmitSlot(ctx context.Context, slot Slot) error
}

// SlotObserver 在每个槽提交后被同步通知，不得阻塞。
type SlotObserver interface {
	SlotCommitted(slot Slot)
}

// ObserverFunc 让普通函数满足 SlotObserver。
type ObserverFunc func(slot Slot)

// SlotCommitted 实现 SlotObserver。
func (f ObserverFunc) SlotCommitted(slot Slot) { f(slot) }

const (
	CodeSlotNotFound  xerrors.Code = "SLOT_NOT_FOUND"
	CodeBatchEncoding xerrors.Code = "BATCH_ENCODING"
)

var (
	// ErrSlotNotFound 表示请求的槽号尚未提交。
	ErrSlotNotFound = xerrors.New(CodeSlotNotFound, "slot not found")
	// ErrBatchEncoding 表示外部传入的批次或槽编码无法解析。
	ErrBatchEncoding = xerrors.New(CodeBatchEncoding, "malformed batch encoding")
)

func init() {
	xerrors.Register(CodeSlotNotFound, xerrors.Attributes{
		Message:  "slot not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBatchEncoding, xerrors.Attributes{
		Message:  "malformed batch encoding",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}
