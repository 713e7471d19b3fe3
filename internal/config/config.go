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
	envPrefix         = "gateway"
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

	v.SetDefault("server.port", 5000)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.query_timeout", "30s")
	v.SetDefault("server.lookup_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("venue.name", "extended")
	v.SetDefault("venue.gateway", "rest")
	v.SetDefault("venue.base_url", "https://api.starknet.extended.exchange")
	v.SetDefault("venue.api_key", "")
	v.SetDefault("venue.api_secret", "")
	v.SetDefault("venue.api_password", "")
	v.SetDefault("venue.use_sandbox", false)
	v.SetDefault("venue.request_timeout", "30s")

	v.SetDefault("orders.retry_attempts", 3)
	v.SetDefault("orders.retry_delay", "3s")
	v.SetDefault("orders.place_timeout", "20s")
	v.SetDefault("orders.close_timeout", "8s")
	v.SetDefault("orders.settle_delay", "1500ms")
	v.SetDefault("orders.poll_interval", "300ms")
	v.SetDefault("orders.close_confirm_timeout", "10s")
	v.SetDefault("orders.close_slippage_pct", "2.0")
	v.SetDefault("orders.dust_size", "0.001")

	v.SetDefault("market.cache_ttl", "30s")

	v.SetDefault("database.path", "data/gateway.db")
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
