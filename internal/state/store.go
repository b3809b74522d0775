// Package state 维护账户余额，并把已提交的交易结算到余额上。
package state

import (
	"context"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
)

const (
	CodeUnknownAccount    xerrors.Code = "ACCOUNT_UNKNOWN"
	CodeInsufficientFunds xerrors.Code = "ACCOUNT_INSUFFICIENT_FUNDS"
	CodeBalanceOverflow   xerrors.Code = "ACCOUNT_BALANCE_OVERFLOW"
)

var (
	// ErrUnknownAccount 表示交易的付款方或收款方不存在。
	ErrUnknownAccount = xerrors.New(CodeUnknownAccount, "unknown account")
	// ErrInsufficientFunds 表示付款方余额不足。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrBalanceOverflow 表示入账后收款方余额超出后端可表示的范围。
	ErrBalanceOverflow = xerrors.New(CodeBalanceOverflow, "balance overflow")
)

func init() {
	xerrors.Register(CodeUnknownAccount, xerrors.Attributes{
		Message:  "unknown account",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "insufficient funds",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBalanceOverflow, xerrors.Attributes{
		Message:  "balance overflow",
		Severity: xerrors.SeverityWarning,
	})
}

// Store 定义账户状态的持久化接口。
type Store interface {
	ledger.Applier
	// Open 创建账户或覆盖其余额。
	Open(ctx context.Context, account string, balance uint64) error
	Balance(ctx context.Context, account string) (uint64, error)
}
