// Package node 组合账本、槽仓库、验证者推送与检查点上链，对外提供节点服务。
package node

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PoH-Ledger/internal/anchor"
	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
	"PoH-Ledger/internal/observability/alerting"
	"PoH-Ledger/internal/observability/metrics"
	"PoH-Ledger/internal/poh"
	"PoH-Ledger/internal/storage/mysql"
	"PoH-Ledger/pkg/logger"
)

// Status 汇总节点当前的链状态。
type Status struct {
	Height      int         `json:"height"`
	HeadCounter uint64      `json:"head_counter"`
	HeadHash    common.Hash `json:"head_hash"`
	Anchor      common.Hash `json:"anchor"`
	Pending     int         `json:"pending"`
	Persisted   uint64      `json:"persisted"`
	Published   uint64      `json:"published"`
	LastAnchor  *Checkpoint `json:"last_anchor,omitempty"`
}

// Checkpoint 记录最近一次上链的检查点。
type Checkpoint struct {
	Slot   uint64      `json:"slot_number"`
	TxHash common.Hash `json:"tx_hash"`
	At     time.Time   `json:"at"`
}

// Option 定义 Service 的可选依赖。
type Option func(*Service)

// WithRepository 配置槽持久化仓库。
func WithRepository(repo mysql.SlotRepository) Option {
	return func(s *Service) { s.repo = repo }
}

// WithValidator 配置接收新槽的验证者。
func WithValidator(validator ledger.SlotValidator) Option {
	return func(s *Service) { s.validator = validator }
}

// WithPublishFrom 指定从哪个槽号开始向验证者推送，默认只推送新封存的槽。
func WithPublishFrom(number uint64) Option {
	return func(s *Service) { s.publishFrom = &number }
}

// WithAnchorer 配置检查点上链，每 every 个槽上链一次。
func WithAnchorer(anchorer anchor.Anchorer, every int) Option {
	return func(s *Service) {
		s.anchorer = anchorer
		if every > 0 {
			s.anchorEvery = uint64(every)
		}
	}
}

// WithIntervals 设置链时钟与封槽周期。
func WithIntervals(tick, slot time.Duration) Option {
	return func(s *Service) {
		if tick > 0 {
			s.tickInterval = tick
		}
		if slot > 0 {
			s.slotInterval = slot
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Service) { s.alerter = dispatcher }
}

// Service 是节点的业务入口。封槽后依次持久化、推送、上链；持久化与推送
// 各自维护游标，失败的槽在下一次封槽时补做。
type Service struct {
	ledger      *ledger.Ledger
	repo        mysql.SlotRepository
	validator   ledger.SlotValidator
	anchorer    anchor.Anchorer
	anchorEvery uint64
	alerter     alerting.Dispatcher
	logger      *slog.Logger

	tickInterval time.Duration
	slotInterval time.Duration
	publishFrom  *uint64

	closeMu    sync.Mutex
	stateMu    sync.RWMutex
	persisted  uint64
	published  uint64
	lastAnchor *Checkpoint
}

// New 创建节点服务。若仓库中的槽少于账本，立即补写缺失的槽。
func New(ctx context.Context, l *ledger.Ledger, opts ...Option) (*Service, error) {
	if l == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置账本")
	}
	s := &Service{
		ledger:       l,
		anchorEvery:  1,
		tickInterval: 10 * time.Millisecond,
		slotInterval: 400 * time.Millisecond,
		logger:       logger.Named("node"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.slotInterval < s.tickInterval {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "封槽周期不能小于时钟周期")
	}

	height := uint64(l.Height())
	if s.repo != nil {
		stored, err := s.repo.Height(ctx)
		if err != nil {
			return nil, err
		}
		if stored > height {
			return nil, xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("仓库中有 %d 个槽，账本只有 %d 个", stored, height))
		}
		s.persisted = stored
		if err := s.persist(ctx); err != nil {
			return nil, err
		}
	} else {
		s.persisted = height
	}

	s.published = height
	if s.publishFrom != nil && *s.publishFrom < height {
		s.published = *s.publishFrom
		if s.published == 0 {
			s.published = 1
		}
	}
	metrics.SetChainCounter(l.Head().Counter)
	return s, nil
}

// Ledger 返回底层账本。
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Submit 校验交易的基本字段后放入待提交缓冲，返回带锚点的交易。
func (s *Service) Submit(tx ledger.Transaction) (ledger.Transaction, error) {
	tx.From = strings.TrimSpace(tx.From)
	tx.To = strings.TrimSpace(tx.To)
	if tx.From == "" || tx.To == "" {
		return ledger.Transaction{}, xerrors.New(xerrors.CodeInvalidArgument, "from 与 to 不能为空")
	}
	return s.ledger.Submit(tx), nil
}

// CloseSlot 封存当前缓冲并完成后续的持久化、推送与上链。槽一经封存即已
// 提交，返回的错误只说明后续步骤未完成，这些步骤会在下一次封槽时重试。
func (s *Service) CloseSlot(ctx context.Context) (ledger.Slot, error) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	slot := s.ledger.CloseSlot()
	metrics.ObserveSlotCommitted(len(slot.Transactions), slot.CloseCounter)
	logger.Audit().Info("槽已提交",
		slog.Uint64("slot", slot.Number),
		slog.Int("transactions", len(slot.Transactions)),
		slog.Uint64("close_counter", slot.CloseCounter),
		slog.String("close_hash", slot.CloseHash.Hex()),
	)

	var errs []error
	if err := s.persist(ctx); err != nil {
		s.emitAlert(ctx, err, "persist", slot.Number)
		errs = append(errs, err)
	}
	if err := s.publish(ctx); err != nil {
		s.emitAlert(ctx, err, "publish", slot.Number)
		errs = append(errs, err)
	}
	s.maybeAnchor(ctx, slot)
	return slot, stdErrors.Join(errs...)
}

// VerifyRange 重放校验槽 start 到槽 end 之间的链扩展。
func (s *Service) VerifyRange(ctx context.Context, start, end int) error {
	err := s.ledger.VerifyRange(start, end)
	if stdErrors.Is(err, poh.ErrInvalidRange) {
		return err
	}
	metrics.ObserveVerification(err == nil)
	if err != nil {
		logger.Audit().Error("区间校验失败",
			slog.Int("start", start),
			slog.Int("end", end),
			slog.String("error", err.Error()),
		)
		s.emitAlert(ctx, err, "verify", uint64(start), uint64(end))
	}
	return err
}

// Status 返回节点状态快照。
func (s *Service) Status() Status {
	head := s.ledger.Head()
	status := Status{
		Height:      s.ledger.Height(),
		HeadCounter: head.Counter,
		HeadHash:    head.Hash,
		Anchor:      s.ledger.Anchor(),
		Pending:     s.ledger.Pending(),
	}
	s.stateMu.RLock()
	status.Persisted = s.persisted
	status.Published = s.published
	if s.lastAnchor != nil {
		cp := *s.lastAnchor
		status.LastAnchor = &cp
	}
	s.stateMu.RUnlock()
	return status
}

// Run 驱动链时钟：每个时钟周期 tick 一次，每个封槽周期封存一个槽，直到
// 上下文取消。
func (s *Service) Run(ctx context.Context) error {
	tick := time.NewTicker(s.tickInterval)
	defer tick.Stop()
	slot := time.NewTicker(s.slotInterval)
	defer slot.Stop()

	s.logger.Info("链时钟已启动",
		slog.Duration("tick_interval", s.tickInterval),
		slog.Duration("slot_interval", s.slotInterval),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("链时钟已停止", slog.Int("height", s.ledger.Height()))
			return ctx.Err()
		case <-tick.C:
			_, counter := s.ledger.Tick()
			metrics.SetChainCounter(counter)
		case <-slot.C:
			if _, err := s.CloseSlot(ctx); err != nil {
				s.logger.Warn("槽后续处理未完成", slog.Any("error", err))
			}
		}
	}
}

func (s *Service) persist(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	for {
		s.stateMu.RLock()
		next := s.persisted
		s.stateMu.RUnlock()

		slot, ok := s.ledger.Slot(int(next))
		if !ok {
			return nil
		}
		if err := s.repo.Save(ctx, slot); err != nil {
			return fmt.Errorf("persist slot %d: %w", slot.Number, err)
		}
		s.stateMu.Lock()
		s.persisted = next + 1
		s.stateMu.Unlock()
	}
}

func (s *Service) publish(ctx context.Context) error {
	if s.validator == nil {
		return nil
	}
	for {
		s.stateMu.RLock()
		next := s.published
		s.stateMu.RUnlock()

		slot, ok := s.ledger.Slot(int(next))
		if !ok {
			return nil
		}
		if err := s.validator.SubmitSlot(ctx, slot); err != nil {
			return fmt.Errorf("publish slot %d: %w", slot.Number, err)
		}
		s.stateMu.Lock()
		s.published = next + 1
		s.stateMu.Unlock()
	}
}

func (s *Service) maybeAnchor(ctx context.Context, slot ledger.Slot) {
	if s.anchorer == nil || slot.Number%s.anchorEvery != 0 {
		return
	}
	txHash, err := s.anchorer.Anchor(ctx, slot)
	metrics.ObserveAnchor(err == nil)
	if err != nil {
		s.logger.Error("检查点上链失败", slog.Uint64("slot", slot.Number), slog.Any("error", err))
		s.emitAlert(ctx, err, "anchor", slot.Number)
		return
	}
	s.stateMu.Lock()
	s.lastAnchor = &Checkpoint{Slot: slot.Number, TxHash: txHash, At: time.Now().UTC()}
	s.stateMu.Unlock()
	logger.Audit().Info("检查点已上链",
		slog.Uint64("slot", slot.Number),
		slog.String("tx_hash", txHash.Hex()),
	)
}

func (s *Service) emitAlert(ctx context.Context, cause error, stage string, slots ...uint64) {
	if s.alerter == nil || cause == nil {
		return
	}
	start, end := slots[0], slots[len(slots)-1]
	if err := s.alerter.Notify(ctx, alerting.NewEvent(cause, stage, start, end)); err != nil {
		s.logger.Error("告警通知失败", slog.Any("error", err), slog.String("stage", stage))
	}
}
