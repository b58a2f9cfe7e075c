package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"Agora-Substrate/internal/auction"
	"Agora-Substrate/internal/auth"
	"Agora-Substrate/internal/eventlog"
	"Agora-Substrate/internal/intent"
	"Agora-Substrate/internal/pipeline"
	"Agora-Substrate/internal/sandbox"
	"Agora-Substrate/internal/scheduler"
	"Agora-Substrate/pkg/logger"
)

// EnvConfigPath 是覆盖配置文件路径的环境变量。
const EnvConfigPath = "AGORA_CONFIG"

// Config 描述基底在启动阶段需要加载的核心配置。
// 资源类型定义在单独的 YAML 文件中（见 resources.go）。
type Config struct {
	Server    ServerConfig     `json:"server"`
	Storage   StorageConfig    `json:"storage"`
	Queue     QueueConfig      `json:"queue"`
	Export    ExportConfig     `json:"export"`
	Auth      auth.Config      `json:"auth"`
	Alerting  AlertingConfig   `json:"alerting"`
	Logging   LoggingConfig    `json:"logging"`
	Pipeline  pipeline.Config  `json:"pipeline"`
	Sandbox   sandbox.Config   `json:"sandbox"`
	Scheduler scheduler.Config `json:"scheduler"`
	Auction   auction.Config   `json:"auction"`
	Runtime   RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述事件日志存储的后端。
type StorageConfig struct {
	EventStore EventStoreConfig `json:"event_store"`
}

// EventStoreConfig 支持 memory 与 mysql 两种驱动。
type EventStoreConfig struct {
	Driver string                `json:"driver"`
	MySQL  eventlog.MySQLConfig  `json:"mysql"`
}

// QueueConfig 描述外部意图队列的后端。
type QueueConfig struct {
	Driver string                  `json:"driver"`
	Size   int                     `json:"size"`
	Redis  intent.RedisQueueConfig `json:"redis"`
}

// ExportConfig 控制事件记录向 RabbitMQ 的导出。
type ExportConfig struct {
	Enabled bool                `json:"enabled"`
	AMQP    eventlog.AMQPConfig `json:"amqp"`
}

// AlertingConfig 控制运营侧告警通道。
type AlertingConfig struct {
	Slack SlackAlertConfig `json:"slack"`
}

// SlackAlertConfig 配置 Slack Incoming Webhook 告警。
type SlackAlertConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

// LoggingConfig 是 pkg/logger 配置的 JSON 映射。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// LoggerConfig 转换为 pkg/logger 的配置结构。
func (c LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       c.Level,
		Format:      c.Format,
		OutputPaths: c.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    c.Audit.Enabled,
			Path:       c.Audit.Path,
			MaxSizeMB:  c.Audit.MaxSizeMB,
			MaxBackups: c.Audit.MaxBackups,
			MaxAgeDays: c.Audit.MaxAgeDays,
		},
	}
}

// GenesisPrincipal 是启动时预创建的主体。
type GenesisPrincipal struct {
	ID    string `json:"id"`
	Scrip int64  `json:"scrip"`
}

// AgentScript 把一个主体绑定到内置的脚本 Agent 上，
// 用于没有外部推理层时的演示与回归运行。
type AgentScript struct {
	Principal string           `json:"principal"`
	Loop      bool             `json:"loop"`
	Script    []*intent.Intent `json:"script"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir          string             `json:"data_dir"`
	ResourcesFile    string             `json:"resources_file"`
	SnapshotPath     string             `json:"snapshot_path"`
	SnapshotInterval int64              `json:"snapshot_interval"`
	ResumeSnapshot   bool               `json:"resume_snapshot"`
	Genesis          []GenesisPrincipal `json:"genesis"`
	Agents           []AgentScript      `json:"agents"`
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

// Resolve 决定配置文件路径：命令行参数优先，其次环境变量，
// 最后落在默认位置。
func Resolve(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return "configs/config.json"
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.EventStore.Driver == "" {
		c.Storage.EventStore.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
	if c.Queue.Redis.BlockWait <= 0 {
		c.Queue.Redis.BlockWait = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.ResourcesFile == "" {
		c.Runtime.ResourcesFile = filepath.Join(baseDir, "resources.yaml")
	} else if !filepath.IsAbs(c.Runtime.ResourcesFile) {
		c.Runtime.ResourcesFile = filepath.Join(baseDir, c.Runtime.ResourcesFile)
	}
	if c.Runtime.SnapshotPath == "" {
		c.Runtime.SnapshotPath = filepath.Join(c.Runtime.DataDir, "checkpoint.json")
	} else if !filepath.IsAbs(c.Runtime.SnapshotPath) {
		c.Runtime.SnapshotPath = filepath.Join(baseDir, c.Runtime.SnapshotPath)
	}
	if c.Runtime.SnapshotInterval <= 0 {
		c.Runtime.SnapshotInterval = 100
	}
}
