package state

import (
	"context"
	"fmt"
	"math"
	"sync"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
)

// MemoryStore 是基于内存的账户存储，适合本地开发与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]uint64
}

// NewMemoryStore 创建内存账户存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]uint64)}
}

// Open 实现 Store 接口。
func (s *MemoryStore) Open(_ context.Context, account string, balance uint64) error {
	if account == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "account 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = balance
	return nil
}

// Balance 实现 Store 接口。
func (s *MemoryStore) Balance(_ context.Context, account string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	balance, ok := s.balances[account]
	if !ok {
		return 0, xerrors.Wrap(CodeUnknownAccount, nil, fmt.Sprintf("account %q", account))
	}
	return balance, nil
}

// Apply 原子地从付款方扣款并记入收款方。
func (s *MemoryStore) Apply(_ context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.balances[tx.From]
	if !ok {
		return xerrors.Wrap(CodeUnknownAccount, nil, fmt.Sprintf("payer %q", tx.From))
	}
	to, ok := s.balances[tx.To]
	if !ok {
		return xerrors.Wrap(CodeUnknownAccount, nil, fmt.Sprintf("payee %q", tx.To))
	}
	if from < tx.Amount {
		return xerrors.Wrap(CodeInsufficientFunds, nil,
			fmt.Sprintf("%q holds %d, needs %d", tx.From, from, tx.Amount))
	}
	if tx.From == tx.To {
		return nil
	}
	if to > math.MaxUint64-tx.Amount {
		return xerrors.Wrap(CodeBalanceOverflow, nil,
			fmt.Sprintf("%q holds %d, cannot take %d", tx.To, to, tx.Amount))
	}
	s.balances[tx.From] = from - tx.Amount
	s.balances[tx.To] = to + tx.Amount
	return nil
}
