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

	"gopkg.in/yaml.v3"

	"PoH-Ledger/pkg/logger"
)

// Config 描述了 pohd 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Ledger    LedgerConfig    `json:"ledger" yaml:"ledger"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	State     StateConfig     `json:"state" yaml:"state"`
	Broadcast BroadcastConfig `json:"broadcast" yaml:"broadcast"`
	Anchor    AnchorConfig    `json:"anchor" yaml:"anchor"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Log       logger.Config   `json:"log" yaml:"log"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 与指标服务的监听地址。
type ServerConfig struct {
	Address        string `json:"address" yaml:"address"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
}

// LedgerConfig 控制链时钟与槽节奏。
type LedgerConfig struct {
	TickInterval  Duration `json:"tick_interval" yaml:"tick_interval"`
	SlotInterval  Duration `json:"slot_interval" yaml:"slot_interval"`
	VerifyWorkers int      `json:"verify_workers" yaml:"verify_workers"`
}

// StorageConfig 描述已提交槽的持久化后端。
type StorageConfig struct {
	Driver          string   `json:"driver" yaml:"driver"`
	DSN             string   `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
}

// StateConfig 描述账户余额存储以及启动时开户的初始余额。
type StateConfig struct {
	Driver   string            `json:"driver" yaml:"driver"`
	Redis    RedisConfig       `json:"redis" yaml:"redis"`
	Accounts map[string]uint64 `json:"accounts" yaml:"accounts"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// BroadcastConfig 描述向验证者推送槽的队列。
type BroadcastConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Workers  int            `json:"workers" yaml:"workers"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// AnchorConfig 控制检查点上链。
type AnchorConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	RPCURL     string `json:"rpc_url" yaml:"rpc_url"`
	PrivateKey string `json:"private_key" yaml:"private_key"`
	To         string `json:"to" yaml:"to"`
	Every      int    `json:"every" yaml:"every"`
	GasLimit   uint64 `json:"gas_limit" yaml:"gas_limit"`
}

// AlertingConfig 描述告警的额外投递渠道。
type AlertingConfig struct {
	WebhookURL string            `json:"webhook_url" yaml:"webhook_url"`
	Headers    map[string]string `json:"headers" yaml:"headers"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Duration 允许在配置中以 "400ms" 这样的字符串书写时长。
type Duration time.Duration

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON 实现 json.Marshaler。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 同时接受时长字符串与纳秒整数。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return d.parse(text)
	}
	var nanos int64
	if err := json.Unmarshal(data, &nanos); err != nil {
		return fmt.Errorf("非法的时长 %s", string(data))
	}
	*d = Duration(nanos)
	return nil
}

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("非法的时长 %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load 负责解析指定路径的 JSON 或 YAML 配置文件，按扩展名选择格式。
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
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的内置配置，数据目录相对于 baseDir。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	return &cfg
}

// Validate 检查字段组合是否合法。
func (c *Config) Validate() error {
	if c.Ledger.SlotInterval < c.Ledger.TickInterval {
		return fmt.Errorf("slot_interval (%s) 不能小于 tick_interval (%s)",
			c.Ledger.SlotInterval.Std(), c.Ledger.TickInterval.Std())
	}
	switch c.Storage.Driver {
	case "memory", "file", "mysql":
	default:
		return fmt.Errorf("未知的存储驱动 %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "mysql" && c.Storage.DSN == "" {
		return errors.New("mysql 存储需要配置 dsn")
	}
	switch c.State.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("未知的账户存储驱动 %q", c.State.Driver)
	}
	switch c.Broadcast.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的广播驱动 %q", c.Broadcast.Driver)
	}
	if c.Broadcast.Driver == "rabbitmq" && c.Broadcast.RabbitMQ.URL == "" {
		return errors.New("rabbitmq 广播需要配置 url")
	}
	if c.Anchor.Enabled && (c.Anchor.RPCURL == "" || c.Anchor.PrivateKey == "") {
		return errors.New("启用检查点时需要配置 rpc_url 与 private_key")
	}
	return nil
}

// applyEnv 允许通过环境变量注入不宜写入文件的敏感配置。
func (c *Config) applyEnv() {
	if v := os.Getenv("POH_MYSQL_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("POH_ANCHOR_PRIVATE_KEY"); v != "" {
		c.Anchor.PrivateKey = v
	}
	if v := os.Getenv("POH_ANCHOR_RPC_URL"); v != "" {
		c.Anchor.RPCURL = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Ledger.TickInterval <= 0 {
		c.Ledger.TickInterval = Duration(10 * time.Millisecond)
	}
	if c.Ledger.SlotInterval <= 0 {
		c.Ledger.SlotInterval = Duration(400 * time.Millisecond)
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	c.State.Driver = strings.ToLower(strings.TrimSpace(c.State.Driver))
	if c.State.Driver == "" {
		c.State.Driver = "memory"
	}
	c.Broadcast.Driver = strings.ToLower(strings.TrimSpace(c.Broadcast.Driver))
	if c.Broadcast.Driver == "" {
		c.Broadcast.Driver = "memory"
	}
	if c.Broadcast.Buffer <= 0 {
		c.Broadcast.Buffer = 64
	}
	if c.Broadcast.Workers <= 0 {
		c.Broadcast.Workers = 2
	}

	if c.Anchor.Every <= 0 {
		c.Anchor.Every = 1
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Log.Audit.Enabled && c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(c.Runtime.DataDir, c.Log.Audit.Path)
	}
}
