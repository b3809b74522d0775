// Package ledger 把待提交交易按槽封存到 PoH 链上，并提供基于重放的历史校验。
package ledger

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/poh"
	"PoH-Ledger/pkg/logger"
)

// Option 自定义账本行为。
type Option func(*Ledger)

// WithObserver 注册槽提交后的同步回调。观察者运行在写锁内，不得回调账本。
func WithObserver(observer SlotObserver) Option {
	return func(l *Ledger) {
		if observer != nil {
			l.observers = append(l.observers, observer)
		}
	}
}

// WithLogger 指定账本日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.logger = log
		}
	}
}

// WithVerifyWorkers 设置区间校验的并发度，<=0 时使用 GOMAXPROCS。
func WithVerifyWorkers(n int) Option {
	return func(l *Ledger) {
		l.verifyWorkers = n
	}
}

// Ledger 是槽序列器：唯一的链写入者，持有已提交槽和待提交缓冲。
type Ledger struct {
	mu     sync.RWMutex
	engine *poh.Engine
	slots  []Slot

	bufMu   sync.Mutex
	pending []Transaction
	anchor  common.Hash

	observers     []SlotObserver
	logger        *slog.Logger
	verifyWorkers int
}

// Genesis 返回任意新链的创世槽：链的第一步空 tick，开闭哈希相同，计数为 0。
func Genesis() Slot {
	genesis, _ := poh.NewEngine().Tick()
	return Slot{
		Number:       0,
		OpenHash:     genesis,
		Transactions: []Transaction{},
		CloseCounter: 0,
		CloseHash:    genesis,
	}
}

// New 初始化账本：推进一步得到创世哈希，并写入空的创世槽。
func New(opts ...Option) *Ledger {
	l := newLedger(opts)
	genesis, _ := l.engine.Tick()
	l.slots = []Slot{{
		Number:       0,
		OpenHash:     genesis,
		Transactions: []Transaction{},
		CloseCounter: 0,
		CloseHash:    genesis,
	}}
	l.anchor = genesis
	l.logger.Info("账本已初始化", "genesis", genesis.Hex())
	return l
}

// Restore 用已持久化的槽重建账本。整段历史先经重放校验，链从最后一个槽的
// 封存状态继续。
func Restore(slots []Slot, opts ...Option) (*Ledger, error) {
	if len(slots) == 0 {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, nil, "restore requires at least the genesis slot")
	}
	genesis := Genesis()
	first := slots[0]
	if first.Number != 0 || first.CloseCounter != 0 || first.OpenHash != genesis.OpenHash || first.CloseHash != genesis.CloseHash || len(first.Transactions) != 0 {
		return nil, xerrors.Wrap(poh.CodeHashMismatch, nil, "genesis slot does not match this chain")
	}

	l := newLedger(opts)
	if len(slots) > 1 {
		if err := VerifySlots(slots, 0, len(slots)-1, l.verifyWorkers); err != nil {
			return nil, fmt.Errorf("restore ledger: %w", err)
		}
	}
	l.slots = make([]Slot, len(slots))
	for i, slot := range slots {
		l.slots[i] = slot.Clone()
	}
	last := l.slots[len(l.slots)-1]
	l.engine = poh.Resume(last.CloseHash, last.CloseCounter)
	l.anchor = last.CloseHash
	l.logger.Info("账本已从历史恢复", "height", len(l.slots), "counter", last.CloseCounter)
	return l, nil
}

func newLedger(opts []Option) *Ledger {
	l := &Ledger{
		engine: poh.NewEngine(),
		logger: logger.Named("ledger"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Submit 为交易写入当前锚点并放入待提交缓冲，返回写入锚点后的副本。
// 不做余额或签名校验。
func (l *Ledger) Submit(tx Transaction) Transaction {
	l.bufMu.Lock()
	defer l.bufMu.Unlock()
	tx.AnchorHash = l.anchor
	l.pending = append(l.pending, tx)
	return tx
}

// CloseSlot 封存当前缓冲：开槽 tick，随后把规范编码的批次 record 进链。
// 空缓冲同样产生一个槽。
func (l *Ledger) CloseSlot() Slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.bufMu.Lock()
	batch := l.pending
	l.pending = nil
	l.bufMu.Unlock()
	if batch == nil {
		batch = []Transaction{}
	}

	encoded := mustEncodeBatch(batch)
	openHash, _ := l.engine.Tick()
	closeHash, closeCounter := l.engine.Record(encoded)

	slot := Slot{
		Number:       uint64(len(l.slots)),
		OpenHash:     openHash,
		Transactions: batch,
		CloseCounter: closeCounter,
		CloseHash:    closeHash,
	}
	l.slots = append(l.slots, slot)

	l.bufMu.Lock()
	l.anchor = closeHash
	l.bufMu.Unlock()

	l.logger.Debug("槽已封存",
		"slot", slot.Number,
		"transactions", len(batch),
		"close_counter", closeCounter,
		"close_hash", closeHash.Hex(),
	)
	for _, observer := range l.observers {
		observer.SlotCommitted(slot.Clone())
	}
	return slot.Clone()
}

// Tick 在两个槽之间空转链时钟。
func (l *Ledger) Tick() (common.Hash, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine.Tick()
}

// Height 返回已提交槽的数量（含创世槽）。
func (l *Ledger) Height() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.slots)
}

// Slot 返回指定槽的副本。
func (l *Ledger) Slot(i int) (Slot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.slots) {
		return Slot{}, false
	}
	return l.slots[i].Clone(), true
}

// Slots 返回全部已提交槽的副本。
func (l *Ledger) Slots() []Slot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot()
}

// Head 返回链的最新公开状态，可能领先于最后一个槽的封存状态。
func (l *Ledger) Head() poh.State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.engine.Head()
}

// Pending 返回缓冲中等待封存的交易数量。
func (l *Ledger) Pending() int {
	l.bufMu.Lock()
	defer l.bufMu.Unlock()
	return len(l.pending)
}

// Anchor 返回下一笔提交将被写入的锚点。
func (l *Ledger) Anchor() common.Hash {
	l.bufMu.Lock()
	defer l.bufMu.Unlock()
	return l.anchor
}

func (l *Ledger) snapshot() []Slot {
	out := make([]Slot, len(l.slots))
	for i, slot := range l.slots {
		out[i] = slot.Clone()
	}
	return out
}
