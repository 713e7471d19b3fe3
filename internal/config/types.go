package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了网关运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Venue    VenueConfig    `mapstructure:"venue"`
	Orders   OrdersConfig   `mapstructure:"orders"`
	Market   MarketConfig   `mapstructure:"market"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ServerConfig 控制对外 HTTP 服务。
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	LookupTimeout   time.Duration `mapstructure:"lookup_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// VenueConfig 描述交易所接入信息。
type VenueConfig struct {
	Name           string        `mapstructure:"name"`
	Gateway        string        `mapstructure:"gateway"` // rest | ccxt
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	APIPass        string        `mapstructure:"api_password"`
	UseSandbox     bool          `mapstructure:"use_sandbox"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OrdersConfig 控制订单编排行为。
type OrdersConfig struct {
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	PlaceTimeout        time.Duration `mapstructure:"place_timeout"`
	CloseTimeout        time.Duration `mapstructure:"close_timeout"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	CloseConfirmTimeout time.Duration `mapstructure:"close_confirm_timeout"`
	CloseSlippagePct    string        `mapstructure:"close_slippage_pct"`
	DustSize            string        `mapstructure:"dust_size"`
}

// MarketConfig 控制市场元数据缓存。
type MarketConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// DatabaseConfig 管理审计数据库连接。
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
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}
	if c.Server.QueryTimeout <= 0 || c.Server.LookupTimeout <= 0 {
		err = multierr.Append(err, errors.New("server.query_timeout/lookup_timeout 必须大于0"))
	}
	if c.Venue.Name == "" {
		err = multierr.Append(err, errors.New("venue.name 不能为空"))
	}
	switch strings.ToLower(c.Venue.Gateway) {
	case "rest":
		if c.Venue.BaseURL == "" {
			err = multierr.Append(err, errors.New("rest 网关需要配置 venue.base_url"))
		}
		if c.Venue.APIKey == "" {
			err = multierr.Append(err, errors.New("rest 网关需要配置 venue.api_key"))
		}
	case "ccxt":
		if c.Venue.APIKey == "" || c.Venue.APISecret == "" {
			err = multierr.Append(err, errors.New("ccxt 网关需要配置 venue.api_key 与 venue.api_secret"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("venue.gateway 仅支持 rest/ccxt, 当前为 %q", c.Venue.Gateway))
	}
	if c.Venue.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("venue.request_timeout 必须大于0"))
	}
	if c.Orders.RetryAttempts <= 0 {
		err = multierr.Append(err, errors.New("orders.retry_attempts 必须大于0"))
	}
	if c.Orders.RetryDelay <= 0 {
		err = multierr.Append(err, errors.New("orders.retry_delay 必须大于0"))
	}
	if c.Orders.PlaceTimeout <= 0 || c.Orders.CloseTimeout <= 0 {
		err = multierr.Append(err, errors.New("orders.place_timeout/close_timeout 必须大于0"))
	}
	if c.Orders.SettleDelay < 0 {
		err = multierr.Append(err, errors.New("orders.settle_delay 不能为负"))
	}
	if c.Orders.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("orders.poll_interval 必须大于0"))
	}
	if c.Orders.CloseConfirmTimeout < c.Orders.PollInterval {
		err = multierr.Append(err, errors.New("orders.close_confirm_timeout 不应小于 poll_interval"))
	}
	if c.Market.CacheTTL <= 0 {
		err = multierr.Append(err, errors.New("market.cache_ttl 必须大于0"))
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
