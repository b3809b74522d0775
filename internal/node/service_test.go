package node

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PoH-Ledger/internal/anchor"
	"PoH-Ledger/internal/broadcast"
	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
	"PoH-Ledger/internal/poh"
	"PoH-Ledger/internal/storage/mysql"
)

type recordingAnchorer struct {
	mu    sync.Mutex
	slots []uint64
	fail  bool
}

func (a *recordingAnchorer) Anchor(_ context.Context, slot ledger.Slot) (common.Hash, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return common.Hash{}, xerrors.New(xerrors.CodeAnchorFailure, "rpc unavailable")
	}
	a.slots = append(a.slots, slot.Number)
	return common.BytesToHash(anchor.EncodeCheckpoint(slot)), nil
}

type flakyRepository struct {
	mysql.SlotRepository
	failures int
}

func (r *flakyRepository) Save(ctx context.Context, slot ledger.Slot) error {
	if r.failures > 0 {
		r.failures--
		return xerrors.New(xerrors.CodeStorageFailure, "disk full")
	}
	return r.SlotRepository.Save(ctx, slot)
}

func newRepo(t *testing.T) *mysql.FileSlotRepository {
	t.Helper()
	repo, err := mysql.NewFileSlotRepository(t.TempDir())
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	return repo
}

func drain(q *broadcast.MemoryQueue, n int) []uint64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var (
		mu  sync.Mutex
		got []uint64
	)
	_ = q.Consume(ctx, 1, func(_ context.Context, slot ledger.Slot) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, slot.Number)
		if len(got) == n {
			cancel()
		}
		return nil
	})
	mu.Lock()
	defer mu.Unlock()
	return got
}

func TestCloseSlotPersistsPublishesAnchors(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	queue := broadcast.NewMemoryQueue(8)
	anchorer := &recordingAnchorer{}
	svc, err := New(ctx, ledger.New(),
		WithRepository(repo),
		WithValidator(broadcast.NewValidatorFeed(queue)),
		WithAnchorer(anchorer, 2),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if height, _ := repo.Height(ctx); height != 1 {
		t.Fatalf("genesis must be persisted on start, height=%d", height)
	}

	if _, err := svc.Submit(ledger.Transaction{From: "Alice", To: "Bob", Amount: 50}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.CloseSlot(ctx); err != nil {
			t.Fatalf("close slot: %v", err)
		}
	}

	if height, _ := repo.Height(ctx); height != 4 {
		t.Fatalf("expected 4 persisted slots, got %d", height)
	}
	stored, err := repo.Get(ctx, 1)
	if err != nil || len(stored.Transactions) != 1 || stored.Transactions[0].Amount != 50 {
		t.Fatalf("unexpected stored slot %+v (%v)", stored, err)
	}
	if got := drain(queue, 3); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("unexpected published slots %v", got)
	}
	if len(anchorer.slots) != 1 || anchorer.slots[0] != 2 {
		t.Fatalf("expected slot 2 anchored, got %v", anchorer.slots)
	}

	status := svc.Status()
	if status.Height != 4 || status.Persisted != 4 || status.Published != 4 || status.LastAnchor == nil || status.LastAnchor.Slot != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	last, _ := svc.Ledger().Slot(3)
	if status.Anchor != last.CloseHash {
		t.Fatal("status anchor must be the last close hash")
	}
}

func TestCloseSlotRetriesPersistence(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepository{SlotRepository: newRepo(t)}
	svc, err := New(ctx, ledger.New(), WithRepository(repo))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	repo.failures = 1
	slot, err := svc.CloseSlot(ctx)
	if err == nil || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable persistence error, got %v", err)
	}
	if slot.Number != 1 || svc.Ledger().Height() != 2 {
		t.Fatal("slot must stay committed when persistence fails")
	}
	if svc.Status().Persisted != 1 {
		t.Fatalf("unexpected persisted cursor %d", svc.Status().Persisted)
	}

	if _, err := svc.CloseSlot(ctx); err != nil {
		t.Fatalf("close slot: %v", err)
	}
	if height, _ := repo.Height(ctx); height != 3 {
		t.Fatalf("missed slot not persisted on retry, height=%d", height)
	}
}

func TestAnchorFailureDoesNotFailClose(t *testing.T) {
	svc, err := New(context.Background(), ledger.New(), WithAnchorer(&recordingAnchorer{fail: true}, 1))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.CloseSlot(context.Background()); err != nil {
		t.Fatalf("anchor failure must not fail the close: %v", err)
	}
	if svc.Status().LastAnchor != nil {
		t.Fatal("failed anchor must not be recorded")
	}
}

func TestSubmitAndVerify(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, ledger.New())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.Submit(ledger.Transaction{From: " ", To: "Bob", Amount: 1}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	tx, err := svc.Submit(ledger.Transaction{From: " Alice ", To: "Bob", Amount: 1})
	if err != nil || tx.From != "Alice" || tx.AnchorHash != svc.Ledger().Anchor() {
		t.Fatalf("unexpected submitted transaction %+v (%v)", tx, err)
	}
	if _, err := svc.CloseSlot(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.VerifyRange(ctx, 0, 1); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := svc.VerifyRange(ctx, 1, 1); !stdErrors.Is(err, poh.ErrInvalidRange) {
		t.Fatalf("expected invalid range, got %v", err)
	}
}

func TestNewRejectsRepositoryAhead(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	l := ledger.New()
	l.CloseSlot()
	for _, slot := range l.Slots() {
		if err := repo.Save(ctx, slot); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if _, err := New(ctx, ledger.New(), WithRepository(repo)); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := New(ctx, nil); err == nil {
		t.Fatal("expected error without ledger")
	}
	if _, err := New(ctx, ledger.New(), WithIntervals(time.Second, time.Millisecond)); err == nil {
		t.Fatal("expected error when slot interval is shorter than tick interval")
	}
}

func TestPublishFromReplaysHistory(t *testing.T) {
	source := ledger.New()
	source.CloseSlot()
	source.CloseSlot()
	restored, err := ledger.Restore(source.Slots())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	queue := broadcast.NewMemoryQueue(8)
	svc, err := New(context.Background(), restored,
		WithValidator(broadcast.NewValidatorFeed(queue)),
		WithPublishFrom(0),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.CloseSlot(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := drain(queue, 3); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("expected history replayed before new slot, got %v", got)
	}
}

func TestRunDrivesClock(t *testing.T) {
	svc, err := New(context.Background(), ledger.New(), WithIntervals(time.Millisecond, 20*time.Millisecond))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := svc.Run(ctx); !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	status := svc.Status()
	if status.Height < 2 {
		t.Fatalf("expected slots to be closed, height=%d", status.Height)
	}
	if err := svc.VerifyRange(context.Background(), 0, status.Height-1); err != nil {
		t.Fatalf("clock-driven history must verify: %v", err)
	}
}
