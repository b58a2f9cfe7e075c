package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Agora-Substrate/internal/agent"
	"Agora-Substrate/internal/api"
	"Agora-Substrate/internal/artifact"
	"Agora-Substrate/internal/auction"
	"Agora-Substrate/internal/auth"
	"Agora-Substrate/internal/config"
	xerrors "Agora-Substrate/internal/errors"
	"Agora-Substrate/internal/eventlog"
	"Agora-Substrate/internal/intent"
	"Agora-Substrate/internal/ledger"
	"Agora-Substrate/internal/observability/alerting"
	"Agora-Substrate/internal/pipeline"
	"Agora-Substrate/internal/scheduler"
	"Agora-Substrate/internal/snapshot"
	"Agora-Substrate/pkg/logger"
)

// main 是 Agora 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agorad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(config.Resolve(*configPath))
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging.LoggerConfig()); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 资源类型定义来自配置，内核不硬编码任何速率或配额。
	defs, err := config.LoadResourceDefinitions(cfg.Runtime.ResourcesFile)
	if err != nil {
		return err
	}
	led := ledger.New(defs.Resources)
	store := artifact.NewStore()

	events, err := buildEventStore(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := events.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var pipeOpts []pipeline.Option
	if cfg.Export.Enabled {
		exporter, err := eventlog.NewAMQPExporter(cfg.Export.AMQP)
		if err != nil {
			return err
		}
		defer exporter.Close()
		pipeOpts = append(pipeOpts, pipeline.WithExporter(exporter))
	}

	pipe, err := pipeline.New(ctx, cfg.Pipeline, led, store, events, cfg.Sandbox, pipeOpts...)
	if err != nil {
		return err
	}
	defer pipe.Close(context.Background())

	// 外部评审尚未接入时 scorer 为空，拍卖只做再分配不铸币。
	oracle := auction.New(cfg.Auction, led, store, nil)

	alerter := buildAlerter(cfg.Alerting)
	schedOpts := []scheduler.Option{scheduler.WithResolver(oracle)}
	if alerter != nil {
		schedOpts = append(schedOpts, scheduler.WithAlertDispatcher(alerter))
	}
	sched := scheduler.New(cfg.Scheduler, led, store, pipe, schedOpts...)

	checkpoints := snapshot.New(cfg.Runtime.SnapshotPath, led, store, oracle, sched)
	if cfg.Runtime.ResumeSnapshot {
		cp, err := checkpoints.Load()
		if err != nil {
			return err
		}
		tick, err := checkpoints.Restore(cp)
		if err != nil {
			return err
		}
		sched.ResumeAt(tick)
		logger.L().Info("从检查点恢复", slog.Int64("tick", tick))
	}
	spawnGenesis(led, cfg.Runtime.Genesis)
	registerAgents(sched, cfg.Runtime.Agents)

	queue, err := buildIntentQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭意图队列失败", slog.Any("error", err))
		}
	}()

	// 队列里的外部意图与 HTTP 提交走同一条提交通道。
	go func() {
		err := queue.Consume(ctx, cfg.Scheduler.WorkerCount, func(ctx context.Context, in *intent.Intent) error {
			sched.Submit(ctx, in)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("意图队列消费退出", slog.Any("error", err))
		}
	}()

	go runCheckpoints(ctx, cfg, sched, checkpoints, alerter)
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("调度器异常退出", slog.Any("error", err))
		}
	}()

	authSvc := auth.NewService(cfg.Auth, auth.WithAuditLogger(logger.Audit()))
	server := api.NewServer(cfg.Server.Address, sched, events, led, api.WithAuth(authSvc))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildEventStore(ctx context.Context, cfg *config.Config) (eventlog.Store, error) {
	switch cfg.Storage.EventStore.Driver {
	case "", "memory":
		return eventlog.NewMemoryStore(cfg.Runtime.DataDir)
	case "mysql":
		return eventlog.NewMySQLStore(ctx, cfg.Storage.EventStore.MySQL)
	default:
		return nil, fmt.Errorf("未知的事件存储驱动: %s", cfg.Storage.EventStore.Driver)
	}
}

func buildIntentQueue(cfg *config.Config) (intent.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return intent.NewMemoryQueue(cfg.Queue.Size), nil
	case "redis":
		return intent.NewRedisQueue(cfg.Queue.Redis)
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// spawnGenesis 创建配置中声明的初始主体。重复启动时主体已存在，
// 冲突按原样跳过。
func spawnGenesis(led *ledger.Ledger, genesis []config.GenesisPrincipal) {
	for _, g := range genesis {
		if led.Exists(g.ID) {
			continue
		}
		if _, err := led.Spawn(g.ID, g.Scrip); err != nil {
			logger.L().Warn("创建初始主体失败",
				slog.String("principal", g.ID),
				slog.Any("error", err),
			)
		}
	}
}

// registerAgents 把配置中的脚本 Agent 注册到调度器。
func registerAgents(sched *scheduler.Scheduler, scripts []config.AgentScript) {
	for _, sc := range scripts {
		if sc.Principal == "" {
			continue
		}
		var opts []agent.Option
		if sc.Loop {
			opts = append(opts, agent.WithLoop())
		}
		sched.Register(sc.Principal, agent.NewScripted(sc.Script, opts...))
	}
}

// buildAlerter 根据配置组装告警通道，未配置时返回 nil。
func buildAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	if cfg.Slack.WebhookURL == "" {
		return nil
	}
	return alerting.NewFanout(&alerting.SlackNotifier{
		Sender:    &alerting.SlackWebhookSender{WebhookURL: cfg.Slack.WebhookURL},
		ChannelID: cfg.Slack.Channel,
	})
}

// runCheckpoints 按配置的 tick 间隔周期性写出检查点。
func runCheckpoints(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler, checkpoints *snapshot.Manager, alerter alerting.Dispatcher) {
	tickInterval := cfg.Scheduler.TickInterval
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	interval := tickInterval * time.Duration(cfg.Runtime.SnapshotInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick := sched.Tick()
			if err := checkpoints.Save(tick); err != nil {
				logger.L().Error("检查点写入失败", slog.Any("error", err))
				if alerter != nil {
					_ = alerter.Notify(ctx, alerting.Event{
						Code:       xerrors.CodeStorageFailure,
						Message:    err.Error(),
						Severity:   xerrors.SeverityOf(err),
						Component:  "snapshot",
						Tick:       tick,
						OccurredAt: time.Now(),
					})
				}
			}
		}
	}
}
