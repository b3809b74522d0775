// Package settlement 作为独立观察者消费槽流：先重放校验槽与上一个已结算槽的
// 衔接，再把其中的交易逐笔结算到账户状态。
package settlement

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"PoH-Ledger/internal/broadcast"
	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
	"PoH-Ledger/internal/observability/alerting"
	"PoH-Ledger/internal/observability/metrics"
	"PoH-Ledger/internal/state"
	"PoH-Ledger/pkg/logger"
)

// 结算结果标签。
const (
	OutcomeApplied      = "applied"
	OutcomeUnknown      = "unknown_account"
	OutcomeInsufficient = "insufficient_funds"
	OutcomeOverflow     = "balance_overflow"
)

// Stats 聚合结算进度，常用于状态接口或健康检查。
type Stats struct {
	Slots        uint64 `json:"slots"`
	LastSlot     uint64 `json:"last_slot"`
	Applied      uint64 `json:"applied"`
	Rejected     uint64 `json:"rejected_slots"`
	Unknown      uint64 `json:"unknown_account"`
	Insufficient uint64 `json:"insufficient_funds"`
	Overflow     uint64 `json:"balance_overflow"`
	Buffered     int    `json:"buffered"`
}

// Processor 负责从队列消费槽并结算。槽按槽号顺序结算，乱序到达的槽先缓存。
type Processor struct {
	applier     ledger.Applier
	consumer    broadcast.Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher

	mu      sync.Mutex
	last    ledger.Slot
	nextTx  int
	pending map[uint64]ledger.Slot
	stats   Stats
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithResumeFrom 声明 slot 及之前的槽已经结算过，重启时使用。
func WithResumeFrom(slot ledger.Slot) ProcessorOption {
	return func(p *Processor) {
		p.last = slot.Clone()
		p.stats.LastSlot = slot.Number
	}
}

// NewProcessor 构造 Processor，默认从创世槽之后开始结算。
func NewProcessor(applier ledger.Applier, consumer broadcast.Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		applier:     applier,
		consumer:    consumer,
		workerCount: 1,
		last:        ledger.Genesis(),
		pending:     make(map[uint64]ledger.Slot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.logger == nil {
		p.logger = logger.Named("settlement")
	}
	return p
}

// Start 启动结算循环，直到上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置槽消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Stats 返回结算统计的快照。
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.Buffered = len(p.pending)
	return stats
}

// Handle 处理一个到达的槽，可直接作为 broadcast.Handler 使用。
func (p *Processor) Handle(ctx context.Context, slot ledger.Slot) error {
	if p.applier == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "结算器未初始化")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case slot.Number <= p.last.Number:
		p.logger.Debug("跳过已结算的槽", slog.Uint64("slot", slot.Number))
		return nil
	case slot.Number > p.last.Number+1:
		p.pending[slot.Number] = slot.Clone()
		p.logger.Debug("缓存乱序到达的槽", slog.Uint64("slot", slot.Number), slog.Uint64("expecting", p.last.Number+1))
		return nil
	}

	if err := p.settle(ctx, slot); err != nil {
		return err
	}
	for {
		next, ok := p.pending[p.last.Number+1]
		if !ok {
			return nil
		}
		delete(p.pending, next.Number)
		if err := p.settle(ctx, next); err != nil {
			return err
		}
	}
}

// settle 在持锁状态下执行：校验衔接、逐笔结算、推进游标。
func (p *Processor) settle(ctx context.Context, slot ledger.Slot) error {
	if p.nextTx == 0 {
		if err := ledger.VerifySlots([]ledger.Slot{p.last, slot}, 0, 1, 2); err != nil {
			p.stats.Rejected++
			metrics.ObserveVerification(false)
			logger.Audit().Error("槽衔接校验失败，拒绝结算",
				slog.Uint64("slot", slot.Number),
				slog.Uint64("previous", p.last.Number),
				slog.String("error", err.Error()),
			)
			p.emitAlert(ctx, err, "verify", p.last.Number, slot.Number)
			return nil
		}
		metrics.ObserveVerification(true)
	}

	for i := p.nextTx; i < len(slot.Transactions); i++ {
		tx := slot.Transactions[i]
		outcome, err := p.apply(ctx, tx)
		if err != nil {
			// 中途失败时记住进度，重投后从这一笔继续。
			p.nextTx = i
			p.logger.Error("结算交易失败", slog.Uint64("slot", slot.Number), slog.Int("index", i), slog.Any("error", err))
			p.emitAlert(ctx, err, "apply", slot.Number, slot.Number)
			return err
		}
		metrics.ObserveSettlement(outcome)
		logger.Audit().Info("交易已结算",
			slog.Uint64("slot", slot.Number),
			slog.String("tx_id", tx.ID().Hex()),
			slog.String("from", tx.From),
			slog.String("to", tx.To),
			slog.Uint64("amount", tx.Amount),
			slog.String("outcome", outcome),
		)
	}

	p.nextTx = 0
	p.last = slot.Clone()
	p.stats.Slots++
	p.stats.LastSlot = slot.Number
	return nil
}

func (p *Processor) apply(ctx context.Context, tx ledger.Transaction) (string, error) {
	err := p.applier.Apply(ctx, tx)
	switch {
	case err == nil:
		p.stats.Applied++
		return OutcomeApplied, nil
	case stdErrors.Is(err, state.ErrUnknownAccount):
		p.stats.Unknown++
		return OutcomeUnknown, nil
	case stdErrors.Is(err, state.ErrInsufficientFunds):
		p.stats.Insufficient++
		return OutcomeInsufficient, nil
	case stdErrors.Is(err, state.ErrBalanceOverflow):
		p.stats.Overflow++
		return OutcomeOverflow, nil
	default:
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("结算交易 %s 失败", tx.ID().Hex()))
		}
		return "", err
	}
}

func (p *Processor) emitAlert(ctx context.Context, cause error, stage string, start, end uint64) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.Notify(ctx, alerting.NewEvent(cause, stage, start, end)); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("stage", stage))
	}
}
