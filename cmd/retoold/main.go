package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ReTool-Life/internal/api"
	"ReTool-Life/internal/approval"
	"ReTool-Life/internal/auth"
	"ReTool-Life/internal/config"
	"ReTool-Life/internal/evaluation"
	"ReTool-Life/internal/llm"
	"ReTool-Life/internal/llm/openai"
	"ReTool-Life/internal/llm/scripted"
	"ReTool-Life/internal/observability/alerting"
	"ReTool-Life/internal/observability/metrics"
	"ReTool-Life/internal/orchestrator"
	"ReTool-Life/internal/reward"
	"ReTool-Life/internal/scenario"
	"ReTool-Life/internal/storage/mysql"
	"ReTool-Life/internal/task"
	"ReTool-Life/internal/tools"
	"ReTool-Life/internal/variant"
	"ReTool-Life/pkg/logger"
)

// main 是 retoold 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("retoold 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	l := logger.Named("retoold")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	approvalStore, err := createApprovalStore(cfg)
	if err != nil {
		return err
	}
	defer approvalStore.Close()

	gate := approval.NewGate(approvalStore, nil)
	toolRegistry := tools.NewRegistry(gate)
	gate.SetExecutor(toolRegistry)

	backend, err := createBackend(cfg, toolRegistry)
	if err != nil {
		return err
	}

	history, err := createRewardHistory(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := history.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	templates := variant.DefaultRegistry()
	if cfg.Variant.TemplatesFile != "" {
		if templates, err = variant.LoadTemplates(cfg.Variant.TemplatesFile); err != nil {
			return err
		}
	}
	suite := scenario.DefaultSuite()
	if cfg.Evaluation.ScenariosFile != "" {
		if suite, err = scenario.LoadSuite(cfg.Evaluation.ScenariosFile); err != nil {
			return err
		}
	}
	var profiles []variant.Profile
	if cfg.Variant.UsersFile != "" {
		if profiles, err = variant.LoadProfiles(cfg.Variant.UsersFile); err != nil {
			return err
		}
	}

	alerts := createAlerts(cfg)
	orch := orchestrator.New(backend, gate,
		orchestrator.WithGenerator(variant.NewGenerator(templates,
			variant.WithModels(cfg.LLM.StandardModel, cfg.LLM.FastModel),
			variant.WithMaxHistory(cfg.Variant.MaxHistory),
		)),
		orchestrator.WithEvaluator(evaluation.NewEvaluator(backend,
			evaluation.WithWorkers(cfg.Evaluation.Workers),
			evaluation.WithTimeout(cfg.Evaluation.Timeout()),
		)),
		orchestrator.WithSuite(suite),
		orchestrator.WithCalculator(reward.NewCalculator(
			reward.WithThresholds(cfg.Reward.UpgradeThreshold, cfg.Reward.WeakAreaThreshold),
			reward.WithHistory(history),
		)),
		orchestrator.WithRegenerator(reward.NewRegenerator(backend, cfg.LLM.RewriteModel)),
		orchestrator.WithAlertDispatcher(alerts),
		orchestrator.WithChatTimeout(cfg.LLM.Timeout()),
		orchestrator.WithProfiles(profiles...),
	)
	l.Info("用户档案已加载", slog.Int("users", len(profiles)))

	taskStore, err := createTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer taskStore.Close()

	taskQueue, err := createTaskQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			l.Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	taskService := task.NewService(taskStore, taskQueue, cfg.TaskQueue.MaxRetries)
	processor := task.NewProcessor(task.OrchestratorProvisioner(orch), taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithAlertDispatcher(alerts),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(processor.Start(gctx))
	})
	if cfg.Reward.Schedule != "" {
		sweeper, err := orchestrator.NewSweeper(orch, cfg.Reward.Schedule, 0)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return ignoreCanceled(sweeper.Start(gctx))
		})
		l.Info("周期奖励计算已启用", slog.String("schedule", cfg.Reward.Schedule))
	}
	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address))
		})
	}

	authService, err := createAuth(cfg)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server.Address, orch, taskService,
		api.WithAuth(authService),
		api.WithMetricsEndpoint(cfg.Metrics.Address == ""),
	)
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func createAuth(cfg *config.Config) (*auth.Service, error) {
	operators := make([]auth.Operator, 0, len(cfg.Auth.Operators))
	for _, op := range cfg.Auth.Operators {
		operators = append(operators, auth.Operator{
			Name:        op.Name,
			Token:       op.ResolveToken(),
			TokenHash:   op.TokenHash,
			Permissions: op.Permissions,
		})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Auth.Mode), Operators: operators})
}

func createBackend(cfg *config.Config, toolRegistry *tools.Registry) (llm.Backend, error) {
	switch cfg.LLM.Provider {
	case "scripted":
		return scripted.New(scripted.WithToolInvoker(toolRegistry)), nil
	case "openai":
		apiKey := cfg.LLM.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:        apiKey,
			BaseURL:       cfg.LLM.BaseURL,
			Model:         cfg.LLM.StandardModel,
			Timeout:       cfg.LLM.Timeout(),
			MaxToolRounds: cfg.LLM.MaxToolRounds,
		}, openai.WithToolInvoker(toolRegistry), openai.WithToolSpecs(toolRegistry))
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createApprovalStore(cfg *config.Config) (approval.Store, error) {
	switch cfg.Approval.Driver {
	case "memory":
		return approval.NewMemoryStore(), nil
	case "mysql":
		return approval.NewMySQLStore(cfg.Approval.DSN)
	default:
		return nil, fmt.Errorf("未知的审批存储: %s", cfg.Approval.Driver)
	}
}

func createRewardHistory(ctx context.Context, cfg *config.Config) (reward.History, error) {
	switch cfg.Reward.History.Driver {
	case "memory":
		return reward.NewMemoryHistory(), nil
	case "file":
		return mysql.NewFileRewardRepository(cfg.Runtime.DataDir)
	case "mysql":
		return mysql.NewSQLRewardRepository(ctx, mysql.Config{DSN: cfg.Reward.History.DSN})
	default:
		return nil, fmt.Errorf("未知的奖励历史存储: %s", cfg.Reward.History.Driver)
	}
}

func createTaskStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, cfg.Storage.TaskStore.DSN)
	default:
		return nil, fmt.Errorf("未知的任务存储: %s", cfg.Storage.TaskStore.Driver)
	}
}

func createTaskQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.TaskQueue.Buffer), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: 5 * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.TaskQueue.RabbitMQ.URL,
			Queue:    cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch: cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:  cfg.TaskQueue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
}

func createAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if token := cfg.Alerting.Slack.ResolveToken(); token != "" && cfg.Alerting.Slack.Channel != "" {
		notifiers = append(notifiers, alerting.NewSlackNotifier(token, cfg.Alerting.Slack.Channel))
	}
	return alerting.NewFanout(notifiers...)
}
