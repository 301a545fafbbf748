package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ethereum EthereumConfig `mapstructure:"ethereum"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Gas      GasConfig      `mapstructure:"gas"`
	ExecMode ExecModeConfig `mapstructure:"exec_mode"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig covers the coordination store used for execution mode
// flags and nonce reservation.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// EthereumConfig covers on-chain access and signing identity.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	PrivateKey     string        `mapstructure:"private_key"`
	RouterAddress  string        `mapstructure:"router_address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ExecutorConfig governs the submission pipeline.
type ExecutorConfig struct {
	InclusionTimeout    time.Duration `mapstructure:"inclusion_timeout"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	MaxReplacements     int           `mapstructure:"max_replacements"`
	IdempotencyBucket   time.Duration `mapstructure:"idempotency_bucket"`
	DefaultGasLimit     uint64        `mapstructure:"default_gas_limit"`
}

// GasConfig parameterises fee construction and replacement bumps.
type GasConfig struct {
	SurgeMultiplier    float64 `mapstructure:"surge_multiplier"`
	PriorityFeeGwei    float64 `mapstructure:"priority_fee_gwei"`
	CeilingGwei        float64 `mapstructure:"ceiling_gwei"`
	ReplacementBumpPct int     `mapstructure:"replacement_bump_pct"`
}

// ExecModeConfig drives the dry/live circuit breaker.
type ExecModeConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ConsecutiveOK int           `mapstructure:"consecutive_ok"`
}

// WatchdogConfig tunes the daemon's pending-intent ledger sweep.
type WatchdogConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	PendingAge    time.Duration `mapstructure:"pending_age"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// MetricsConfig controls the Prometheus endpoint of the daemon.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VANTA")
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
	v.SetDefault("app.name", "vanta-executor")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "vanta")

	v.SetDefault("ethereum.chain_id", int64(8453))
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("executor.inclusion_timeout", "60s")
	v.SetDefault("executor.receipt_poll_interval", "5s")
	v.SetDefault("executor.max_replacements", 2)
	v.SetDefault("executor.idempotency_bucket", "1s")
	v.SetDefault("executor.default_gas_limit", uint64(500000))

	v.SetDefault("gas.surge_multiplier", 2.0)
	v.SetDefault("gas.priority_fee_gwei", 2.0)
	v.SetDefault("gas.ceiling_gwei", 300.0)
	v.SetDefault("gas.replacement_bump_pct", 15)

	v.SetDefault("exec_mode.poll_interval", "5s")
	v.SetDefault("exec_mode.consecutive_ok", 3)

	v.SetDefault("watchdog.sweep_interval", "1m")
	v.SetDefault("watchdog.pending_age", "10m")
	v.SetDefault("watchdog.startup_delay", "10s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9090")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Executor.IdempotencyBucket <= 0 {
		return fmt.Errorf("executor.idempotency_bucket must be greater than zero")
	}
	if c.Executor.InclusionTimeout <= 0 {
		return fmt.Errorf("executor.inclusion_timeout must be greater than zero")
	}
	if c.Executor.ReceiptPollInterval <= 0 {
		return fmt.Errorf("executor.receipt_poll_interval must be greater than zero")
	}
	if c.Executor.MaxReplacements < 0 {
		return fmt.Errorf("executor.max_replacements cannot be negative")
	}
	if c.Gas.SurgeMultiplier < 1 {
		return fmt.Errorf("gas.surge_multiplier must be at least 1")
	}
	if c.Gas.PriorityFeeGwei <= 0 {
		return fmt.Errorf("gas.priority_fee_gwei must be greater than zero")
	}
	if c.Gas.CeilingGwei <= 0 {
		return fmt.Errorf("gas.ceiling_gwei must be greater than zero")
	}
	if c.Gas.ReplacementBumpPct < 12 {
		return fmt.Errorf("gas.replacement_bump_pct must be at least 12 to outbid the mempool")
	}
	if c.ExecMode.ConsecutiveOK < 1 {
		return fmt.Errorf("exec_mode.consecutive_ok must be at least 1")
	}
	if c.ExecMode.PollInterval <= 0 {
		return fmt.Errorf("exec_mode.poll_interval must be greater than zero")
	}
	if c.Watchdog.SweepInterval <= 0 {
		return fmt.Errorf("watchdog.sweep_interval must be greater than zero")
	}
	if c.Watchdog.PendingAge <= 0 {
		return fmt.Errorf("watchdog.pending_age must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
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
