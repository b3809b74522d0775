package main

import (
	"context"
	"fmt"
	"io"

	"PoH-Ledger/internal/ledger"
	"PoH-Ledger/internal/settlement"
	"PoH-Ledger/internal/state"
)

// runDemo 演示一次完整的流程：两个槽、一千次时钟 tick、历史校验、篡改
// 检测，以及对账户状态的结算。
func runDemo(ctx context.Context, w io.Writer) error {
	l := ledger.New()
	l.Submit(ledger.Transaction{From: "Alice", To: "Bob", Amount: 50})
	l.CloseSlot()
	for i := 0; i < 1000; i++ {
		l.Tick()
	}
	l.Submit(ledger.Transaction{From: "Bob", To: "Charlie", Amount: 10})
	l.Submit(ledger.Transaction{From: "Charlie", To: "Alice", Amount: 10})
	l.CloseSlot()

	if err := l.Dump(w); err != nil {
		return err
	}
	fmt.Fprintf(w, "verify_range(0, 2) = %v\n", ledger.Valid(l.VerifyRange(0, 2)))

	tampered := l.Slots()
	tampered[2].Transactions[0].Amount = 1000
	err := ledger.VerifySlots(tampered, 0, 2, 0)
	fmt.Fprintf(w, "verify_range(0, 2) after tampering = %v (%v)\n", ledger.Valid(err), err)

	store := state.NewMemoryStore()
	for account, balance := range map[string]uint64{"Alice": 100, "Bob": 0, "Charlie": 0} {
		if err := store.Open(ctx, account, balance); err != nil {
			return err
		}
	}
	processor := settlement.NewProcessor(store, nil)
	for _, slot := range l.Slots()[1:] {
		if err := processor.Handle(ctx, slot); err != nil {
			return err
		}
	}
	for _, account := range []string{"Alice", "Bob", "Charlie"} {
		balance, err := store.Balance(ctx, account)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "balance %s = %d\n", account, balance)
	}
	return nil
}
