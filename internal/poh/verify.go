package poh

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoH-Ledger/internal/errors"
)

const (
	CodeInvalidRange    xerrors.Code = "CHAIN_INVALID_RANGE"
	CodeHashMismatch    xerrors.Code = "CHAIN_HASH_MISMATCH"
	CodeCounterMismatch xerrors.Code = "CHAIN_COUNTER_MISMATCH"
	CodeIntegrityFault  xerrors.Code = "CHAIN_INTEGRITY_FAULT"
)

var (
	// ErrInvalidRange 表示校验区间本身不合法，与篡改无关。
	ErrInvalidRange = xerrors.New(CodeInvalidRange, "invalid verification range")
	// ErrHashMismatch 表示重放得到的哈希与声明不符，事件内容或顺序被改动。
	ErrHashMismatch = xerrors.New(CodeHashMismatch, "chain hash mismatch")
	// ErrCounterMismatch 表示事件数超出区间，或槽位之间的计数结构不成立。
	// 单纯声明了错误的终点计数时，重放到该计数的哈希不同，报告为 ErrHashMismatch。
	ErrCounterMismatch = xerrors.New(CodeCounterMismatch, "chain counter mismatch")
)

func init() {
	xerrors.Register(CodeInvalidRange, xerrors.Attributes{
		Message:  "invalid verification range",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeHashMismatch, xerrors.Attributes{
		Message:  "chain hash mismatch",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeCounterMismatch, xerrors.Attributes{
		Message:  "chain counter mismatch",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeIntegrityFault, xerrors.Attributes{
		Message:  "chain integrity fault",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// VerifySequence 从 (startHash, startCounter) 开始依次折叠 events，每个事件
// 消耗一步；若尚未到达 endCounter，则继续空步推进，最后比对 endCounter
// 处的哈希。计数耗尽的区间（任一端为 math.MaxUint64）无法再推进，视为非法区间。
func VerifySequence(startHash common.Hash, startCounter uint64, endHash common.Hash, endCounter uint64, events [][]byte) error {
	if startCounter == math.MaxUint64 || endCounter == math.MaxUint64 {
		return xerrors.Wrap(CodeInvalidRange, nil,
			fmt.Sprintf("counter range %d..%d exhausts the counter space", startCounter, endCounter),
			xerrors.WithSeverity(xerrors.SeverityWarning))
	}
	if endCounter < startCounter {
		return xerrors.Wrap(CodeInvalidRange, nil,
			fmt.Sprintf("end counter %d precedes start counter %d", endCounter, startCounter))
	}
	if uint64(len(events)) > endCounter-startCounter {
		return xerrors.Wrap(CodeCounterMismatch, nil,
			fmt.Sprintf("%d events overrun end counter %d from %d", len(events), endCounter, startCounter))
	}

	engine := Resume(startHash, startCounter)
	for _, event := range events {
		engine.Record(event)
	}
	for engine.Head().Counter < endCounter {
		engine.Tick()
	}

	head := engine.Head()
	if head.Hash != endHash {
		return xerrors.Wrap(CodeHashMismatch, nil,
			fmt.Sprintf("replayed %s at counter %d, claimed %s", head.Hash.Hex(), endCounter, endHash.Hex()))
	}
	return nil
}

// Verify 是 VerifySequence 的布尔形式，不区分失败原因。
func Verify(startHash common.Hash, startCounter uint64, endHash common.Hash, endCounter uint64, events [][]byte) bool {
	return VerifySequence(startHash, startCounter, endHash, endCounter, events) == nil
}
