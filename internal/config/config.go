package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "rebal"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.name", "binance")
	v.SetDefault("broker.use_sandbox", false)
	v.SetDefault("broker.timeout", "10s")
	v.SetDefault("broker.retry.max_attempts", 3)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")

	v.SetDefault("quotes.max_age", "10s")
	v.SetDefault("quotes.poll_interval", "2s")

	v.SetDefault("execution.enable_smart_execution", true)
	v.SetDefault("execution.max_repegs", 3)
	v.SetDefault("execution.fill_wait", "30s")
	v.SetDefault("execution.wait_per_check", "5s")
	v.SetDefault("execution.max_checks", 24)
	v.SetDefault("execution.adjustment_factor", 0.5)
	v.SetDefault("execution.min_price_increment", 0.01)
	v.SetDefault("execution.min_order_notional", 1.0)
	v.SetDefault("execution.fallback_quantity", 1.0)
	v.SetDefault("execution.buying_power_tolerance", 0.05)
	v.SetDefault("execution.treat_partial_as_failure", false)

	v.SetDefault("settlement.enabled", true)
	v.SetDefault("settlement.poll_interval", "3s")
	v.SetDefault("settlement.timeout", "30s")
	v.SetDefault("settlement.confirm_ratio", 0.9)

	v.SetDefault("database.path", "data/rebalancer.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
