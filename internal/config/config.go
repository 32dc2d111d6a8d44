package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"trade-guard/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App            AppConfig                   `mapstructure:"app"`
	Logging        logging.Config              `mapstructure:"logging"`
	Database       DatabaseConfig              `mapstructure:"database"`
	Scheduler      SchedulerConfig             `mapstructure:"scheduler"`
	Retry          RetryConfig                 `mapstructure:"retry"`
	RateLimit      RateLimitConfig             `mapstructure:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig        `mapstructure:"circuit_breaker"`
	State          StateConfig                 `mapstructure:"state"`
	Risk           RiskConfig                  `mapstructure:"risk"`
	Venues         map[string]VenueRetryConfig `mapstructure:"venues"`
	Venue          VenueConfig                 `mapstructure:"venue"`
	Alerting       AlertingConfig              `mapstructure:"alerting"`
	Metrics        MetricsConfig               `mapstructure:"metrics"`
	Export         ExportConfig                `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the trade journal.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs the supervision loop cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// RetryConfig holds global retry defaults.
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	ExponentialBase float64       `mapstructure:"exponential_base"`
	JitterRange     time.Duration `mapstructure:"jitter_range"`
	HistorySize     int           `mapstructure:"history_size"`
}

// VenueRetryConfig overrides retry defaults for one venue.
type VenueRetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

// RateLimitConfig bounds request frequency and concurrency.
type RateLimitConfig struct {
	Window        time.Duration `mapstructure:"window"`
	GlobalLimit   int           `mapstructure:"global_limit"`
	PerKeyLimit   int           `mapstructure:"per_key_limit"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	WarnCooldown  time.Duration `mapstructure:"warn_cooldown"`
}

// CircuitBreakerConfig holds loss and error thresholds.
type CircuitBreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	DailyLossThreshold  float64       `mapstructure:"daily_loss_threshold"`
	SingleLossThreshold float64       `mapstructure:"single_loss_threshold"`
	ErrorThreshold      int           `mapstructure:"error_threshold"`
	RecoveryTime        time.Duration `mapstructure:"recovery_time"`
	StateFile           string        `mapstructure:"state_file"`
}

// StateConfig governs durable snapshotting.
type StateConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	StateFile          string        `mapstructure:"state_file"`
	SaveInterval       time.Duration `mapstructure:"save_interval"`
	MaxBackups         int           `mapstructure:"max_backups"`
	OperationGrace     time.Duration `mapstructure:"operation_grace"`
	DiscoveryCacheSize int           `mapstructure:"discovery_cache_size"`
}

// RiskConfig bounds pre-trade admission.
type RiskConfig struct {
	MaxDailyLoss     float64       `mapstructure:"max_daily_loss"`
	MaxTradeAmount   float64       `mapstructure:"max_trade_amount"`
	MaxOpenPositions int           `mapstructure:"max_open_positions"`
	TradeCooldown    time.Duration `mapstructure:"trade_cooldown"`
}

// VenueConfig points the reference venue adapters at their endpoints.
type VenueConfig struct {
	Name           string        `mapstructure:"name"`
	BaseURL        string        `mapstructure:"base_url"`
	RPCURL         string        `mapstructure:"rpc_url"`
	VaultAddress   string        `mapstructure:"vault_address"`
	BaseToken      string        `mapstructure:"base_token"`
	QuoteToken     string        `mapstructure:"quote_token"`
	NotionalAmount float64       `mapstructure:"notional_amount"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tradeguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74726764))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.exponential_base", 2.0)
	v.SetDefault("retry.jitter_range", "1s")
	v.SetDefault("retry.history_size", 20)

	v.SetDefault("rate_limit.window", "10s")
	v.SetDefault("rate_limit.global_limit", 100)
	v.SetDefault("rate_limit.per_key_limit", 40)
	v.SetDefault("rate_limit.max_concurrent", 8)
	v.SetDefault("rate_limit.warn_cooldown", "30s")

	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.daily_loss_threshold", 1.0)
	v.SetDefault("circuit_breaker.single_loss_threshold", 0.5)
	v.SetDefault("circuit_breaker.error_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_time", "5m")
	v.SetDefault("circuit_breaker.state_file", "data/circuit-breaker.json")

	v.SetDefault("state.enabled", true)
	v.SetDefault("state.state_file", "data/bot-state.json")
	v.SetDefault("state.save_interval", "30s")
	v.SetDefault("state.max_backups", 3)
	v.SetDefault("state.operation_grace", "1m")
	v.SetDefault("state.discovery_cache_size", 100)

	v.SetDefault("risk.max_daily_loss", 1.0)
	v.SetDefault("risk.max_trade_amount", 0.5)
	v.SetDefault("risk.max_open_positions", 3)
	v.SetDefault("risk.trade_cooldown", "30s")

	v.SetDefault("venue.name", "primary")
	v.SetDefault("venue.notional_amount", 1.0)
	v.SetDefault("venue.request_timeout", "10s")
	v.SetDefault("venue.user_agent", "tradeguard/1.0")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9109")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be greater than zero")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be at least retry.base_delay")
	}
	if c.Retry.ExponentialBase <= 1 {
		return fmt.Errorf("retry.exponential_base must be greater than one")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be greater than zero")
	}
	if c.RateLimit.GlobalLimit <= 0 || c.RateLimit.PerKeyLimit <= 0 {
		return fmt.Errorf("rate_limit limits must be greater than zero")
	}
	if c.RateLimit.PerKeyLimit > c.RateLimit.GlobalLimit {
		return fmt.Errorf("rate_limit.per_key_limit cannot exceed rate_limit.global_limit")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.DailyLossThreshold <= 0 {
			return fmt.Errorf("circuit_breaker.daily_loss_threshold must be greater than zero")
		}
		if c.CircuitBreaker.RecoveryTime <= 0 {
			return fmt.Errorf("circuit_breaker.recovery_time must be greater than zero")
		}
	}
	if c.State.Enabled {
		if c.State.SaveInterval <= 0 {
			return fmt.Errorf("state.save_interval must be greater than zero")
		}
		if c.State.MaxBackups < 0 {
			return fmt.Errorf("state.max_backups cannot be negative")
		}
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// VenueRetry returns the retry override for a venue, if configured.
func (c *Config) VenueRetry(venue string) (VenueRetryConfig, bool) {
	if venue == "" || len(c.Venues) == 0 {
		return VenueRetryConfig{}, false
	}
	override, ok := c.Venues[strings.ToLower(venue)]
	return override, ok
}
