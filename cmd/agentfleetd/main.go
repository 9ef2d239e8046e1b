package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"AgentFleet-Chain/internal/agent"
	"AgentFleet-Chain/internal/config"
	"AgentFleet-Chain/internal/events"
	"AgentFleet-Chain/internal/execution"
	"AgentFleet-Chain/internal/gateway"
	"AgentFleet-Chain/internal/observability/alerting"
	"AgentFleet-Chain/internal/observability/metrics"
	"AgentFleet-Chain/internal/oracle"
	"AgentFleet-Chain/internal/oracle/openai"
	"AgentFleet-Chain/internal/scheduler"
	"AgentFleet-Chain/internal/store"
	"AgentFleet-Chain/internal/store/mysql"
	"AgentFleet-Chain/internal/web3/provider"
	"AgentFleet-Chain/pkg/logger"
)

// main 是 AgentFleet 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentfleetd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTFLEET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentfleet.json")
	}

	cfg, err := config.Load(configPath)
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
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 持久化后端。
	persistence, err := createStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = persistence.Close()
	}()

	// 链客户端注册表。
	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()
	logger.L().Info("链客户端已就绪", slog.Any("chains", chainRegistry.Chains()))

	// 函数决策器。
	oracleClient, err := createOracleClient(cfg)
	if err != nil {
		return err
	}

	// 事件投递与告警。
	eventSink, err := createEventSink(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if eventSink != nil {
			_ = eventSink.Close()
		}
	}()
	alerts, err := createAlertDispatcher(cfg)
	if err != nil {
		return err
	}

	// 连接注册表既是状态广播器，也是执行结果广播器。
	registry := gateway.NewRegistry()

	manager := agent.NewManager(
		agent.WithRepository(persistence),
		agent.WithStatusNotifier(registry),
		agent.WithAlertDispatcher(alerts),
		agent.WithFailureThreshold(cfg.Execution.FailureThreshold),
	)

	pipeline := execution.NewPipeline(chainRegistry, oracleClient, persistence,
		execution.WithExecutionTimeout(time.Duration(cfg.Execution.TimeoutSeconds)*time.Second),
		execution.WithHistoryDepth(cfg.Execution.HistoryDepth),
		execution.WithBroadcaster(registry),
	)

	runner := execution.NewRunner(manager, pipeline,
		execution.WithEventSink(eventSink),
	)

	sched := scheduler.New(runner.Run)
	manager.BindTrigger(sched)
	runner.BindDispatcher(sched)

	// 恢复上一次进程退出前处于运行态的智能体。
	restored, err := persistence.LoadAgents(ctx)
	if err != nil {
		return fmt.Errorf("加载持久化的智能体失败: %w", err)
	}
	manager.Restore(ctx, restored)
	logger.L().Info("智能体已恢复", slog.Int("count", len(restored)))

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	sched.Start(schedCtx)
	defer sched.Wait()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := gateway.NewServer(cfg.Server.Address, manager, runner, persistence, registry)
	return server.Start(ctx)
}

// createStore 按配置选择持久化实现。
func createStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "mysql":
		return mysql.New(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeMin) * time.Minute,
			ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleMin) * time.Minute,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// createOracleClient 按配置选择函数决策器。
func createOracleClient(cfg *config.Config) (oracle.Client, error) {
	switch cfg.Oracle.Provider {
	case "", "static":
		return oracle.StaticClient{}, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.Oracle.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("AGENTFLEET_ORACLE_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("openai provider 需要配置 api_key 或环境变量 AGENTFLEET_ORACLE_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Oracle.BaseURL,
			Model:   cfg.Oracle.Model,
			Timeout: time.Duration(cfg.Oracle.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的决策器 provider: %s", cfg.Oracle.Provider)
	}
}

// createEventSink 汇聚启用的外部事件投递端。未启用任何端时返回 nil。
func createEventSink(cfg *config.Config) (events.Sink, error) {
	var sinks []events.Sink

	if cfg.Events.Redis.Enabled {
		sink, err := events.NewRedisSink(events.RedisSinkConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Stream:   cfg.Events.Redis.Stream,
			MaxLen:   cfg.Events.Redis.MaxLen,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	if cfg.Events.RabbitMQ.Enabled {
		sink, err := events.NewRabbitMQSink(events.RabbitMQSinkConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Exchange:   cfg.Events.RabbitMQ.Exchange,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return events.NewFanout(sinks...), nil
	}
}

// createAlertDispatcher 组装告警渠道，日志渠道始终开启。
func createAlertDispatcher(cfg *config.Config) (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}

	if cfg.Alerting.WebhookURL != "" {
		sender, err := alerting.NewHTTPWebhookSender(cfg.Alerting.WebhookURL)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, &alerting.WebhookNotifier{Sender: sender})
	}

	return alerting.NewFanout(notifiers...), nil
}
