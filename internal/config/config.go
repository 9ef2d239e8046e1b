package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentFleet 启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Oracle    OracleConfig    `json:"oracle"`
	Web3      Web3Config      `json:"web3"`
	Events    EventsConfig    `json:"events"`
	Alerting  AlertingConfig  `json:"alerting"`
	Execution ExecutionConfig `json:"execution"`
}

// ServerConfig 控制网关与指标服务的监听地址。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与滚动。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// StorageConfig 选择智能体与执行记录的持久化后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                string `json:"dsn"`
	MaxOpenConns       int    `json:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns"`
	ConnMaxLifetimeMin int    `json:"conn_max_lifetime_minutes"`
	ConnMaxIdleMin     int    `json:"conn_max_idle_minutes"`
}

// OracleConfig 配置函数决策器的调用方式。
type OracleConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Web3Config 包含访问区块链节点所需的配置。
// ChainConfig 指向多链定义文件，RPCURL 是单链模式的回退入口。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	RPCURL       string `json:"rpc_url"`
	DefaultChain string `json:"default_chain"`
	From         string `json:"from"`
}

// EventsConfig 配置执行事件的外部投递。
type EventsConfig struct {
	Redis    RedisEventsConfig    `json:"redis"`
	RabbitMQ RabbitMQEventsConfig `json:"rabbitmq"`
}

// RedisEventsConfig 描述 Redis 事件流的连接参数。
type RedisEventsConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`
	MaxLen   int64  `json:"max_len"`
}

// RabbitMQEventsConfig 描述 RabbitMQ 事件投递的连接参数。
type RabbitMQEventsConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AlertingConfig 配置连续失败之外的告警渠道。
// 日志渠道始终开启，不需要配置。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// ExecutionConfig 控制执行管线与失败熔断的参数。
type ExecutionConfig struct {
	TimeoutSeconds   int `json:"timeout_seconds"`
	HistoryDepth     int `json:"history_depth"`
	FailureThreshold int `json:"failure_threshold"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "static"
	}
	if c.Oracle.TimeoutSeconds <= 0 {
		c.Oracle.TimeoutSeconds = 60
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Execution.TimeoutSeconds <= 0 {
		c.Execution.TimeoutSeconds = 120
	}
	if c.Execution.HistoryDepth <= 0 {
		c.Execution.HistoryDepth = 5
	}
	if c.Execution.FailureThreshold <= 0 {
		c.Execution.FailureThreshold = 3
	}
}
