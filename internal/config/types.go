package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Quotes     QuotesConfig     `mapstructure:"quotes"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述券商连接信息。
type BrokerConfig struct {
	Name       string        `mapstructure:"name"`
	APIKey     string        `mapstructure:"api_key"`
	APISecret  string        `mapstructure:"api_secret"`
	APIPass    string        `mapstructure:"api_password"`
	UseSandbox bool          `mapstructure:"use_sandbox"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retry      RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// QuotesConfig 控制行情获取。
type QuotesConfig struct {
	MaxAge       time.Duration `mapstructure:"max_age"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ExecutionConfig 控制下单与智能执行行为。
type ExecutionConfig struct {
	EnableSmartExecution bool          `mapstructure:"enable_smart_execution"`
	MaxRepegs            int           `mapstructure:"max_repegs"`
	FillWait             time.Duration `mapstructure:"fill_wait"`
	WaitPerCheck         time.Duration `mapstructure:"wait_per_check"`
	MaxChecks            int           `mapstructure:"max_checks"`
	AdjustmentFactor     float64       `mapstructure:"adjustment_factor"`
	MinPriceIncrement    float64       `mapstructure:"min_price_increment"`
	MinOrderNotional     float64       `mapstructure:"min_order_notional"`
	FallbackQuantity     float64       `mapstructure:"fallback_quantity"`
	BuyingPowerTolerance float64       `mapstructure:"buying_power_tolerance"`
	TreatPartialAsFail   bool          `mapstructure:"treat_partial_as_failure"`
}

// SettlementConfig 控制卖出结算等待行为。
type SettlementConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ConfirmRatio float64       `mapstructure:"confirm_ratio"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Broker.Name == "" {
		err = multierr.Append(err, errors.New("broker.name 不能为空"))
	}
	if c.Broker.Timeout <= 0 {
		err = multierr.Append(err, errors.New("broker.timeout 必须大于0"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	if c.Quotes.MaxAge <= 0 {
		err = multierr.Append(err, errors.New("quotes.max_age 必须大于0"))
	}
	if c.Quotes.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("quotes.poll_interval 必须大于0"))
	}
	if c.Execution.MaxRepegs < 0 {
		err = multierr.Append(err, errors.New("execution.max_repegs 不能为负"))
	}
	if c.Execution.FillWait <= 0 {
		err = multierr.Append(err, errors.New("execution.fill_wait 必须大于0"))
	}
	if c.Execution.WaitPerCheck <= 0 {
		err = multierr.Append(err, errors.New("execution.wait_per_check 必须大于0"))
	}
	if c.Execution.MaxChecks <= 0 {
		err = multierr.Append(err, errors.New("execution.max_checks 必须大于0"))
	}
	if c.Execution.AdjustmentFactor <= 0 || c.Execution.AdjustmentFactor > 1 {
		err = multierr.Append(err, errors.New("execution.adjustment_factor 必须位于(0,1]"))
	}
	if c.Execution.MinPriceIncrement <= 0 {
		err = multierr.Append(err, errors.New("execution.min_price_increment 必须大于0"))
	}
	if c.Execution.MinOrderNotional < 0 {
		err = multierr.Append(err, errors.New("execution.min_order_notional 不能为负"))
	}
	if c.Execution.FallbackQuantity <= 0 {
		err = multierr.Append(err, errors.New("execution.fallback_quantity 必须大于0"))
	}
	if c.Execution.BuyingPowerTolerance < 0 {
		err = multierr.Append(err, errors.New("execution.buying_power_tolerance 不能为负"))
	}
	if c.Settlement.Enabled {
		if c.Settlement.PollInterval <= 0 {
			err = multierr.Append(err, errors.New("settlement.poll_interval 必须大于0"))
		}
		if c.Settlement.Timeout <= 0 {
			err = multierr.Append(err, errors.New("settlement.timeout 必须大于0"))
		}
		if c.Settlement.PollInterval > c.Settlement.Timeout {
			err = multierr.Append(err, errors.New("settlement.poll_interval 不能大于 timeout"))
		}
		if c.Settlement.ConfirmRatio <= 0 || c.Settlement.ConfirmRatio > 1 {
			err = multierr.Append(err, errors.New("settlement.confirm_ratio 必须位于(0,1]"))
		}
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

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
