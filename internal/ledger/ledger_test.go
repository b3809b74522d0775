package ledger

import (
	"bytes"
	stdErrors "errors"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"PoH-Ledger/internal/poh"
)

func TestNewLedgerGenesis(t *testing.T) {
	a, b := New(), New()
	ga, _ := a.Slot(0)
	gb, _ := b.Slot(0)
	if ga.CloseHash != gb.CloseHash {
		t.Fatalf("genesis differs between ledgers: %s vs %s", ga.CloseHash.Hex(), gb.CloseHash.Hex())
	}
	if ga.Number != 0 || ga.CloseCounter != 0 || ga.OpenHash != ga.CloseHash || len(ga.Transactions) != 0 {
		t.Fatalf("unexpected genesis slot %+v", ga)
	}
	if a.Height() != 1 {
		t.Fatalf("expected height 1, got %d", a.Height())
	}
	if a.Anchor() != ga.CloseHash {
		t.Fatal("first anchor must be the genesis hash")
	}
}

func TestSubmitStampsAnchor(t *testing.T) {
	l := New()
	genesis, _ := l.Slot(0)

	stamped := l.Submit(Transaction{From: "Alice", To: "Bob", Amount: 5, AnchorHash: common.HexToHash("0xff")})
	if stamped.AnchorHash != genesis.CloseHash {
		t.Fatalf("expected anchor %s, got %s", genesis.CloseHash.Hex(), stamped.AnchorHash.Hex())
	}
	if l.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", l.Pending())
	}

	slot1 := l.CloseSlot()
	if l.Pending() != 0 {
		t.Fatal("close must drain the buffer")
	}
	next := l.Submit(Transaction{From: "Bob", To: "Alice", Amount: 1})
	if next.AnchorHash != slot1.CloseHash {
		t.Fatal("anchor must follow the latest committed slot")
	}
}

func TestCloseSlotCounters(t *testing.T) {
	l := New()
	empty := l.CloseSlot()
	if empty.Number != 1 || len(empty.Transactions) != 0 {
		t.Fatalf("unexpected empty slot %+v", empty)
	}
	if empty.CloseCounter != 2 || empty.OpenCounter() != 1 {
		t.Fatalf("unexpected counters open=%d close=%d", empty.OpenCounter(), empty.CloseCounter)
	}

	for i := 0; i < 10; i++ {
		l.Tick()
	}
	second := l.CloseSlot()
	if second.CloseCounter != empty.CloseCounter+12 {
		t.Fatalf("expected close counter %d, got %d", empty.CloseCounter+12, second.CloseCounter)
	}
	if head := l.Head(); head.Hash != second.CloseHash || head.Counter != second.CloseCounter {
		t.Fatalf("head %+v does not match last close", head)
	}
	if err := l.VerifyRange(0, 2); err != nil {
		t.Fatalf("verify empty slots: %v", err)
	}
}

func runScenario(t *testing.T) *Ledger {
	t.Helper()
	l := New()
	l.Submit(Transaction{From: "Alice", To: "Bob", Amount: 50})
	l.CloseSlot()
	for i := 0; i < 1000; i++ {
		l.Tick()
	}
	l.Submit(Transaction{From: "Bob", To: "Charlie", Amount: 10})
	l.Submit(Transaction{From: "Charlie", To: "Alice", Amount: 10})
	l.CloseSlot()
	return l
}

func TestScenarioVerifiesAndDetectsTampering(t *testing.T) {
	l := runScenario(t)
	if l.Height() != 3 {
		t.Fatalf("expected 3 slots, got %d", l.Height())
	}
	s1, _ := l.Slot(1)
	s2, _ := l.Slot(2)
	if s2.CloseCounter <= s1.CloseCounter+1000 {
		t.Fatalf("clock ticks missing: %d -> %d", s1.CloseCounter, s2.CloseCounter)
	}
	if s2.Transactions[0].AnchorHash != s1.CloseHash || s1.Transactions[0].AnchorHash == s1.CloseHash {
		t.Fatal("unexpected anchors")
	}
	if err := l.VerifyRange(0, 2); !Valid(err) {
		t.Fatalf("untampered history rejected: %v", err)
	}

	l.slots[2].Transactions[0].Amount = 1000

	if err := l.VerifyRange(0, 2); !stdErrors.Is(err, poh.ErrHashMismatch) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
	if err := l.VerifyRange(1, 2); !stdErrors.Is(err, poh.ErrHashMismatch) {
		t.Fatalf("expected hash mismatch on [1,2], got %v", err)
	}
	if err := l.VerifyRange(0, 1); err != nil {
		t.Fatalf("range not covering the tampered slot must stay valid: %v", err)
	}
}

func TestTamperedEarlierSlotOutsideRange(t *testing.T) {
	l := runScenario(t)
	l.slots[1].Transactions[0].To = "Mallory"
	if err := l.VerifyRange(1, 2); err != nil {
		t.Fatalf("range starting at the tampered slot only trusts its close state: %v", err)
	}
	if err := l.VerifyRange(0, 2); !stdErrors.Is(err, poh.ErrHashMismatch) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestReorderingDetected(t *testing.T) {
	l := runScenario(t)
	txs := l.slots[2].Transactions
	txs[0], txs[1] = txs[1], txs[0]
	if err := l.VerifyRange(0, 2); !stdErrors.Is(err, poh.ErrHashMismatch) {
		t.Fatalf("expected hash mismatch after reorder, got %v", err)
	}
}

func TestForgedCountersDetected(t *testing.T) {
	l := runScenario(t)
	l.slots[2].CloseCounter++
	if err := l.VerifyRange(0, 2); err == nil {
		t.Fatal("forged counter accepted")
	}

	l = runScenario(t)
	l.slots[2].CloseCounter = l.slots[1].CloseCounter
	if err := l.VerifyRange(1, 2); !stdErrors.Is(err, poh.ErrCounterMismatch) {
		t.Fatalf("expected counter mismatch, got %v", err)
	}
}

func TestVerifyRangeRejectsMalformedRanges(t *testing.T) {
	l := runScenario(t)
	for _, r := range [][2]int{{-1, 1}, {1, 1}, {2, 1}, {0, 3}} {
		if err := l.VerifyRange(r[0], r[1]); !stdErrors.Is(err, poh.ErrInvalidRange) {
			t.Fatalf("range %v: expected invalid range, got %v", r, err)
		}
	}
}

func TestConcurrentSubmitDuringClose(t *testing.T) {
	l := New(WithVerifyWorkers(2))
	const writers, perWriter = 8, 200

	var wg sync.WaitGroup
	stop := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			select {
			case <-stop:
				return
			default:
				l.CloseSlot()
			}
		}
	}()
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				l.Submit(Transaction{From: "w", To: "x", Amount: uint64(w*perWriter + i)})
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	<-closed
	l.CloseSlot()

	seen := make(map[uint64]bool)
	for _, slot := range l.Slots() {
		for _, tx := range slot.Transactions {
			if seen[tx.Amount] {
				t.Fatalf("transaction %d committed twice", tx.Amount)
			}
			seen[tx.Amount] = true
		}
	}
	if len(seen) != writers*perWriter {
		t.Fatalf("expected %d transactions, got %d", writers*perWriter, len(seen))
	}
	if err := l.VerifyRange(0, l.Height()-1); err != nil {
		t.Fatalf("verify after concurrent closes: %v", err)
	}
}

func TestObserverNotified(t *testing.T) {
	var got []uint64
	l := New(WithObserver(ObserverFunc(func(slot Slot) {
		got = append(got, slot.Number)
	})))
	l.CloseSlot()
	l.CloseSlot()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected notifications %v", got)
	}
}

func TestSlotsAreCopies(t *testing.T) {
	l := runScenario(t)
	slots := l.Slots()
	slots[2].Transactions[0].Amount = 1
	slot, _ := l.Slot(2)
	slot.Transactions[1].From = "Eve"
	if err := l.VerifyRange(0, 2); err != nil {
		t.Fatalf("mutating returned copies changed the ledger: %v", err)
	}
	if _, ok := l.Slot(3); ok {
		t.Fatal("slot beyond height reported present")
	}
}

func TestRestoreContinuesChain(t *testing.T) {
	original := runScenario(t)
	restored, err := Restore(original.Slots())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Height() != original.Height() {
		t.Fatalf("height mismatch %d vs %d", restored.Height(), original.Height())
	}

	last, _ := original.Slot(2)
	if restored.Anchor() != last.CloseHash {
		t.Fatal("restored anchor must be the last close hash")
	}
	next := restored.CloseSlot()
	if next.Number != 3 || next.CloseCounter != last.CloseCounter+2 {
		t.Fatalf("unexpected continuation %+v", next)
	}
	if err := restored.VerifyRange(0, 3); err != nil {
		t.Fatalf("restored chain does not verify: %v", err)
	}
}

func TestRestoreRejectsTamperedHistory(t *testing.T) {
	slots := runScenario(t).Slots()
	slots[1].Transactions[0].Amount = 49
	if _, err := Restore(slots); !stdErrors.Is(err, poh.ErrHashMismatch) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}

	slots = runScenario(t).Slots()
	slots[0].CloseHash = common.HexToHash("0x01")
	if _, err := Restore(slots); !stdErrors.Is(err, poh.ErrHashMismatch) {
		t.Fatalf("expected genesis mismatch, got %v", err)
	}
	if _, err := Restore(nil); err == nil {
		t.Fatal("expected error for empty history")
	}
}

func TestDump(t *testing.T) {
	l := runScenario(t)
	var buf bytes.Buffer
	if err := l.Dump(&buf); err != nil {
		t.Fatalf("dump: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"slot 0", "slot 2", "Alice -> Bob amount=50", "Charlie -> Alice amount=10", "(no transactions)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump missing %q:\n%s", want, out)
		}
	}
}
