package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"PoH-Ledger/internal/anchor"
	"PoH-Ledger/internal/api"
	"PoH-Ledger/internal/broadcast"
	"PoH-Ledger/internal/config"
	"PoH-Ledger/internal/ledger"
	"PoH-Ledger/internal/node"
	"PoH-Ledger/internal/observability/alerting"
	"PoH-Ledger/internal/observability/metrics"
	"PoH-Ledger/internal/settlement"
	"PoH-Ledger/internal/state"
	"PoH-Ledger/internal/storage/mysql"
	"PoH-Ledger/pkg/logger"
)

// main 是 pohd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if os.Getenv("POH_DEMO") == "1" {
		if err := runDemo(ctx, os.Stdout); err != nil {
			log.Fatalf("pohd 演示失败: %v", err)
		}
		return
	}
	if err := run(ctx); err != nil {
		log.Fatalf("pohd 运行失败: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	configPath := os.Getenv("POH_CONFIG")
	if configPath != "" {
		return config.Load(configPath)
	}
	configPath = filepath.Join("configs", "pohd.yaml")
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return config.Default("."), nil
	}
	return config.Load(configPath)
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()
	appLog := logger.Named("pohd")

	repo, err := openRepo(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	store, err := openStateStore(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			appLog.Warn("关闭槽队列失败", slog.Any("error", err))
		}
	}()

	alerter := buildAlerter(cfg)

	l, restored, err := restoreLedger(ctx, repo, cfg)
	if err != nil {
		return err
	}

	// 内存账户状态在重启后为空，需要从头重放历史；持久化的状态只需继续。
	var (
		nodeOpts = []node.Option{
			node.WithRepository(repo),
			node.WithValidator(broadcast.NewValidatorFeed(queue)),
			node.WithIntervals(cfg.Ledger.TickInterval.Std(), cfg.Ledger.SlotInterval.Std()),
			node.WithAlertDispatcher(alerter),
		}
		procOpts = []settlement.ProcessorOption{
			settlement.WithWorkerCount(cfg.Broadcast.Workers),
			settlement.WithAlertDispatcher(alerter),
		}
	)
	if restored && cfg.State.Driver == "memory" {
		nodeOpts = append(nodeOpts, node.WithPublishFrom(1))
	} else if last, ok := l.Slot(l.Height() - 1); ok {
		procOpts = append(procOpts, settlement.WithResumeFrom(last))
	}

	if cfg.Anchor.Enabled {
		anchorer, err := anchor.Dial(ctx, anchor.Config{
			RPCURL:     cfg.Anchor.RPCURL,
			PrivateKey: cfg.Anchor.PrivateKey,
			To:         cfg.Anchor.To,
			GasLimit:   cfg.Anchor.GasLimit,
		})
		if err != nil {
			return err
		}
		appLog.Info("检查点上链已启用", slog.String("from", anchorer.From().Hex()), slog.Int("every", cfg.Anchor.Every))
		nodeOpts = append(nodeOpts, node.WithAnchorer(anchorer, cfg.Anchor.Every))
	}

	svc, err := node.New(ctx, l, nodeOpts...)
	if err != nil {
		return err
	}
	processor := settlement.NewProcessor(store, queue, procOpts...)
	server := api.NewServer(cfg.Server.Address, svc, api.WithSettlement(processor))

	appLog.Info("pohd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.Int("height", l.Height()),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("state", cfg.State.Driver),
		slog.String("broadcast", cfg.Broadcast.Driver),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(svc.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, cfg.Server.MetricsAddress)) })
	}
	return g.Wait()
}

func openRepo(ctx context.Context, cfg *config.Config) (mysql.SlotRepository, error) {
	return mysql.Open(ctx, mysql.Config{
		Driver:          cfg.Storage.Driver,
		DSN:             cfg.Storage.DSN,
		DataDir:         cfg.Runtime.DataDir,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime.Std(),
		ConnMaxIdleTime: cfg.Storage.ConnMaxIdleTime.Std(),
	})
}

func restoreLedger(ctx context.Context, repo mysql.SlotRepository, cfg *config.Config) (*ledger.Ledger, bool, error) {
	opts := []ledger.Option{ledger.WithVerifyWorkers(cfg.Ledger.VerifyWorkers)}
	height, err := repo.Height(ctx)
	if err != nil {
		return nil, false, err
	}
	if height == 0 {
		return ledger.New(opts...), false, nil
	}
	slots, err := repo.Range(ctx, 0, height-1)
	if err != nil {
		return nil, false, err
	}
	l, err := ledger.Restore(slots, opts...)
	if err != nil {
		return nil, false, err
	}
	return l, true, nil
}

func openStateStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	var store state.Store
	switch cfg.State.Driver {
	case "memory":
		store = state.NewMemoryStore()
	case "redis":
		redisStore, err := state.NewRedisStore(ctx, state.RedisConfig{
			Address:   cfg.State.Redis.Address,
			Password:  cfg.State.Redis.Password,
			DB:        cfg.State.Redis.DB,
			KeyPrefix: cfg.State.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		store = redisStore
	default:
		return nil, fmt.Errorf("未知的账户存储驱动: %s", cfg.State.Driver)
	}
	// 只为尚不存在的账户开户，已持久化的余额保持不变。
	for account, balance := range cfg.State.Accounts {
		_, err := store.Balance(ctx, account)
		if err == nil {
			continue
		}
		if !errors.Is(err, state.ErrUnknownAccount) {
			return nil, err
		}
		if err := store.Open(ctx, account, balance); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func openQueue(ctx context.Context, cfg *config.Config) (broadcast.Queue, error) {
	switch cfg.Broadcast.Driver {
	case "memory":
		return broadcast.NewMemoryQueue(cfg.Broadcast.Buffer), nil
	case "redis":
		queue, err := broadcast.NewRedisQueue(ctx, broadcast.RedisQueueConfig{
			Address:  cfg.Broadcast.Redis.Address,
			Password: cfg.Broadcast.Redis.Password,
			DB:       cfg.Broadcast.Redis.DB,
			Queue:    cfg.Broadcast.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := broadcast.NewRabbitMQQueue(broadcast.RabbitMQConfig{
			URL:      cfg.Broadcast.RabbitMQ.URL,
			Queue:    cfg.Broadcast.RabbitMQ.Queue,
			Prefetch: cfg.Broadcast.RabbitMQ.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的广播驱动: %s", cfg.Broadcast.Driver)
	}
}

func buildAlerter(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Audit()}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Alerting.WebhookURL,
			Headers: cfg.Alerting.Headers,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
