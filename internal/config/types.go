package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Experts   []ExpertConfig  `mapstructure:"experts"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述券商网关连接信息。Paper 为 true 时使用内存纸面券商。
type BrokerConfig struct {
	Name        string        `mapstructure:"name"`
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	APIPass     string        `mapstructure:"api_password"`
	UseSandbox  bool          `mapstructure:"use_sandbox"`
	Paper       bool          `mapstructure:"paper"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述专家建议源的大模型调用参数。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TradingConfig 控制仓位调整行为。
type TradingConfig struct {
	MaxEquityPerInstrumentPct float64 `mapstructure:"max_equity_per_instrument_pct"`
	ShareEpsilonPct           float64 `mapstructure:"share_epsilon_pct"`
}

// RulesConfig 指定规则集文件目录。
type RulesConfig struct {
	Dir string `mapstructure:"dir"`
}

// DatabaseConfig 管理数据库连接与存储层重试。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
	Retry           RetryConfig   `mapstructure:"retry"`
}

// AuditConfig 控制审计日志队列。
type AuditConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制触发扫描与对账节奏。
type SchedulerConfig struct {
	AnalysisInterval     time.Duration `mapstructure:"analysis_interval"`
	TriggerSweepInterval time.Duration `mapstructure:"trigger_sweep_interval"`
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
}

// MonitorConfig 控制监控 HTTP 服务。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ExpertConfig 描述一个专家实例的运行范围。
// VirtualEquity 是该实例允许支配的资金额度。
type ExpertConfig struct {
	ID            string   `mapstructure:"id"`
	UseCase       string   `mapstructure:"use_case"`
	Symbols       []string `mapstructure:"symbols"`
	VirtualEquity float64  `mapstructure:"virtual_equity"`
	Ruleset       string   `mapstructure:"ruleset"`
}

func validateRetry(prefix string, r RetryConfig) error {
	var err error
	if r.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.max_attempts 必须大于0", prefix))
	}
	if r.MinDelay <= 0 || r.MaxDelay <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.delay 必须为正", prefix))
	}
	if r.MinDelay > r.MaxDelay {
		err = multierr.Append(err, fmt.Errorf("%s.min_delay 不能大于 max_delay", prefix))
	}
	return err
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if !c.Broker.Paper && c.Broker.Name == "" {
		err = multierr.Append(err, errors.New("broker.name 不能为空"))
	}
	if c.Broker.CallTimeout <= 0 {
		err = multierr.Append(err, errors.New("broker.call_timeout 必须大于0"))
	}
	err = multierr.Append(err, validateRetry("broker.retry", c.Broker.Retry))

	if c.OpenAI.APIKey != "" {
		if c.OpenAI.Model == "" {
			err = multierr.Append(err, errors.New("openai.model 不能为空"))
		}
		if c.OpenAI.Timeout <= 0 {
			err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
		}
	}
	if c.Trading.MaxEquityPerInstrumentPct <= 0 || c.Trading.MaxEquityPerInstrumentPct > 100 {
		err = multierr.Append(err, errors.New("trading.max_equity_per_instrument_pct 必须位于(0,100]"))
	}
	if c.Trading.ShareEpsilonPct < 0 {
		err = multierr.Append(err, errors.New("trading.share_epsilon_pct 不能为负"))
	}
	if c.Rules.Dir == "" {
		err = multierr.Append(err, errors.New("rules.dir 不能为空"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	err = multierr.Append(err, validateRetry("database.retry", c.Database.Retry))

	if c.Audit.QueueSize <= 0 {
		err = multierr.Append(err, errors.New("audit.queue_size 必须大于0"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.AnalysisInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.analysis_interval 必须大于0"))
	}
	if c.Scheduler.TriggerSweepInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.trigger_sweep_interval 必须大于0"))
	}
	if c.Scheduler.ReconcileInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.reconcile_interval 必须大于0"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	seen := make(map[string]struct{}, len(c.Experts))
	for i, exp := range c.Experts {
		if exp.ID == "" {
			err = multierr.Append(err, fmt.Errorf("experts[%d].id 不能为空", i))
			continue
		}
		if exp.UseCase == "" {
			err = multierr.Append(err, fmt.Errorf("experts[%d].use_case 不能为空", i))
		}
		if exp.VirtualEquity <= 0 {
			err = multierr.Append(err, fmt.Errorf("experts[%d].virtual_equity 必须为正", i))
		}
		if len(exp.Symbols) == 0 {
			err = multierr.Append(err, fmt.Errorf("experts[%d].symbols 至少包含一个标的", i))
		}
		key := exp.ID + "/" + exp.UseCase
		if _, dup := seen[key]; dup {
			err = multierr.Append(err, fmt.Errorf("experts 中存在重复的 (id, use_case): %s", key))
		}
		seen[key] = struct{}{}
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	return nil
}
