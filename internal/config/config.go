package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "RETOOL_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
const DefaultPath = "configs/retool.json"

// Config 描述了 retoold 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	Logging    LoggingConfig    `json:"logging"`
	LLM        LLMConfig        `json:"llm"`
	Variant    VariantConfig    `json:"variant"`
	Evaluation EvaluationConfig `json:"evaluation"`
	Reward     RewardConfig     `json:"reward"`
	Approval   ApprovalConfig   `json:"approval"`
	Storage    StorageConfig    `json:"storage"`
	TaskQueue  TaskQueueConfig  `json:"task_queue"`
	Metrics    MetricsConfig    `json:"metrics"`
	Alerting   AlertingConfig   `json:"alerting"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// AuthConfig 控制 API 的操作员认证。mode 取 disabled 或 token。
type AuthConfig struct {
	Mode      string           `json:"mode"`
	Operators []OperatorConfig `json:"operators"`
}

// OperatorConfig 描述一个操作员。token、token_env 与 token_hash 任选其一。
type OperatorConfig struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	TokenHash   string   `json:"token_hash"`
	Permissions []string `json:"permissions"`
}

// ResolveToken 返回明文 Token，未显式配置时读取 token_env。
func (c OperatorConfig) ResolveToken() string {
	if token := strings.TrimSpace(c.Token); token != "" {
		return token
	}
	if c.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.TokenEnv))
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与切割。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// LLMConfig 用于配置补全后端。provider 取 scripted 或 openai。
type LLMConfig struct {
	Provider       string `json:"provider"`
	StandardModel  string `json:"standard_model"`
	FastModel      string `json:"fast_model"`
	RewriteModel   string `json:"rewrite_model"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxToolRounds  int    `json:"max_tool_rounds"`
}

// Timeout 返回单次补全调用的超时时间。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先返回显式配置的 Key，否则读取 api_key_env 指定的环境变量。
func (c LLMConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// VariantConfig 控制变体模板与会话历史。
type VariantConfig struct {
	TemplatesFile string `json:"templates_file"`
	MaxHistory    int    `json:"max_history"`
	UsersFile     string `json:"users_file"`
}

// EvaluationConfig 控制场景评估的并发与超时。
type EvaluationConfig struct {
	Workers        int    `json:"workers"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	ScenariosFile  string `json:"scenarios_file"`
	Persona        string `json:"persona"`
}

// Timeout 返回单个场景调用的超时时间。
func (c EvaluationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RewardConfig 控制奖励阈值、历史存储与周期计算。
type RewardConfig struct {
	UpgradeThreshold  float64       `json:"upgrade_threshold"`
	WeakAreaThreshold float64       `json:"weak_area_threshold"`
	History           HistoryConfig `json:"history"`
	Schedule          string        `json:"schedule"`
}

// HistoryConfig 选择奖励历史的存储方式：memory、file 或 mysql。
type HistoryConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ApprovalConfig 选择审批请求的存储方式：memory 或 mysql。
type ApprovalConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// StorageConfig 统一描述任务存储的连接信息。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store"`
}

// TaskStoreConfig 选择任务存储：memory 或 mysql。
type TaskStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// TaskQueueConfig 选择任务队列：memory、redis 或 rabbitmq。
type TaskQueueConfig struct {
	Driver     string         `json:"driver"`
	Workers    int            `json:"workers"`
	MaxRetries int            `json:"max_retries"`
	Buffer     int            `json:"buffer"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// MetricsConfig 控制 Prometheus 暴露地址。为空时挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Address string `json:"address"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	Slack SlackConfig `json:"slack"`
}

// SlackConfig 配置 Slack 告警。Token 为空时不启用。
type SlackConfig struct {
	Token    string `json:"token"`
	TokenEnv string `json:"token_env"`
	Channel  string `json:"channel"`
}

// ResolveToken 返回 Slack Token，未显式配置时读取 token_env。
func (c SlackConfig) ResolveToken() string {
	if token := strings.TrimSpace(c.Token); token != "" {
		return token
	}
	if c.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.TokenEnv))
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PathFromEnv 返回 RETOOL_CONFIG 指定的路径，以及是否为显式设置。
func PathFromEnv() (string, bool) {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path, true
	}
	return DefaultPath, false
}

// LoadFromEnv 加载 RETOOL_CONFIG 指定的配置。未显式设置且默认文件不存在时使用默认值。
func LoadFromEnv() (*Config, error) {
	path, explicit := PathFromEnv()
	cfg, err := Load(path)
	if err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Default 返回只包含默认值的配置，相对路径以当前目录为基准。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	return &cfg
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 检查取值是否在支持范围内。
func (c *Config) Validate() error {
	checks := []struct {
		field   string
		value   string
		allowed []string
	}{
		{"auth.mode", c.Auth.Mode, []string{"disabled", "token"}},
		{"llm.provider", c.LLM.Provider, []string{"scripted", "openai"}},
		{"reward.history.driver", c.Reward.History.Driver, []string{"memory", "file", "mysql"}},
		{"approval.driver", c.Approval.Driver, []string{"memory", "mysql"}},
		{"storage.task_store.driver", c.Storage.TaskStore.Driver, []string{"memory", "mysql"}},
		{"task_queue.driver", c.TaskQueue.Driver, []string{"memory", "redis", "rabbitmq"}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return fmt.Errorf("%s 不支持 %q，可选值: %s", check.field, check.value, strings.Join(check.allowed, ", "))
		}
	}
	if c.Reward.UpgradeThreshold < 0 || c.Reward.UpgradeThreshold > 1 {
		return fmt.Errorf("reward.upgrade_threshold 必须位于 [0,1]，当前 %v", c.Reward.UpgradeThreshold)
	}
	if c.Reward.WeakAreaThreshold < 0 || c.Reward.WeakAreaThreshold > 1 {
		return fmt.Errorf("reward.weak_area_threshold 必须位于 [0,1]，当前 %v", c.Reward.WeakAreaThreshold)
	}
	return nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = "audit.log"
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "scripted"
	}
	if c.LLM.StandardModel == "" {
		c.LLM.StandardModel = "gpt-4.1"
	}
	if c.LLM.FastModel == "" {
		c.LLM.FastModel = "gpt-4.1-mini"
	}
	if c.LLM.RewriteModel == "" {
		c.LLM.RewriteModel = c.LLM.StandardModel
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}

	if c.Variant.MaxHistory <= 0 {
		c.Variant.MaxHistory = 20
	}

	if c.Evaluation.Workers <= 0 {
		c.Evaluation.Workers = 4
	}
	if c.Evaluation.TimeoutSeconds <= 0 {
		c.Evaluation.TimeoutSeconds = 30
	}

	if c.Reward.UpgradeThreshold == 0 {
		c.Reward.UpgradeThreshold = 0.8
	}
	if c.Reward.WeakAreaThreshold == 0 {
		c.Reward.WeakAreaThreshold = 0.7
	}
	c.Reward.History.Driver = strings.ToLower(strings.TrimSpace(c.Reward.History.Driver))
	if c.Reward.History.Driver == "" {
		c.Reward.History.Driver = "memory"
	}

	c.Approval.Driver = strings.ToLower(strings.TrimSpace(c.Approval.Driver))
	if c.Approval.Driver == "" {
		c.Approval.Driver = "memory"
	}

	c.Storage.TaskStore.Driver = strings.ToLower(strings.TrimSpace(c.Storage.TaskStore.Driver))
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}

	c.TaskQueue.Driver = strings.ToLower(strings.TrimSpace(c.TaskQueue.Driver))
	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 2
	}
	if c.TaskQueue.MaxRetries <= 0 {
		c.TaskQueue.MaxRetries = 3
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 256
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")
	c.Variant.TemplatesFile = resolvePath(baseDir, c.Variant.TemplatesFile, "")
	c.Variant.UsersFile = resolvePath(baseDir, c.Variant.UsersFile, "")
	c.Evaluation.ScenariosFile = resolvePath(baseDir, c.Evaluation.ScenariosFile, "")
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path, "")
	}
}

// resolvePath 把相对路径解析到配置文件所在目录，空值时使用 fallback。
func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
