package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/poh"
)

// BatchEncodingVersion 是规范批次编码的版本前缀。修改编码规则会使此前
// 所有链扩展无法重放，只能以新版本号引入。
const BatchEncodingVersion byte = 0x01

// EncodeBatch 生成交易批次的规范字节：版本字节后接 RLP 列表，顺序与提交顺序一致。
func EncodeBatch(txs []Transaction) ([]byte, error) {
	if txs == nil {
		txs = []Transaction{}
	}
	body, err := rlp.EncodeToBytes(txs)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, BatchEncodingVersion)
	return append(out, body...), nil
}

// DecodeBatch 解析 EncodeBatch 的输出。
func DecodeBatch(data []byte) ([]Transaction, error) {
	body, err := stripVersion(data)
	if err != nil {
		return nil, err
	}
	var txs []Transaction
	if err := rlp.DecodeBytes(body, &txs); err != nil {
		return nil, xerrors.Wrap(CodeBatchEncoding, err, "decode batch")
	}
	return txs, nil
}

// EncodeSlot 生成整槽的传输编码，供广播与持久化使用。
func EncodeSlot(slot Slot) ([]byte, error) {
	if slot.Transactions == nil {
		slot.Transactions = []Transaction{}
	}
	body, err := rlp.EncodeToBytes(&slot)
	if err != nil {
		return nil, err
	}
	return append([]byte{BatchEncodingVersion}, body...), nil
}

// DecodeSlot 解析 EncodeSlot 的输出。
func DecodeSlot(data []byte) (Slot, error) {
	body, err := stripVersion(data)
	if err != nil {
		return Slot{}, err
	}
	var slot Slot
	if err := rlp.DecodeBytes(body, &slot); err != nil {
		return Slot{}, xerrors.Wrap(CodeBatchEncoding, err, "decode slot")
	}
	return slot, nil
}

// mustEncodeBatch 用于提交路径：交易数据是加密承诺的一部分，编码失败只能视为数据损坏。
func mustEncodeBatch(txs []Transaction) []byte {
	encoded, err := EncodeBatch(txs)
	if err != nil {
		panic(xerrors.Wrap(poh.CodeIntegrityFault, err, "canonical batch encoding failed"))
	}
	return encoded
}

func stripVersion(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, xerrors.Wrap(CodeBatchEncoding, nil, "empty payload")
	}
	if data[0] != BatchEncodingVersion {
		return nil, xerrors.Wrap(CodeBatchEncoding, nil, fmt.Sprintf("unsupported encoding version 0x%02x", data[0]))
	}
	return data[1:], nil
}
