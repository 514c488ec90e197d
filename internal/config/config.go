package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"driftwatch/internal/aggregate"
	"driftwatch/internal/alerting"
	"driftwatch/internal/api"
	"driftwatch/internal/correlate"
	"driftwatch/internal/detect"
	"driftwatch/internal/explain"
	"driftwatch/internal/logging"
	"driftwatch/internal/storage"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Logging   logging.Config   `mapstructure:"logging"`
	Windows   aggregate.Config `mapstructure:"windows"`
	Detector  detect.Config    `mapstructure:"detector"`
	Correlate correlate.Config `mapstructure:"correlator"`
	Severity  explain.Bands    `mapstructure:"severity"`
	Alerting  AlertingConfig   `mapstructure:"alerting"`
	Database  storage.Config   `mapstructure:"database"`
	API       api.Config       `mapstructure:"api"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// AlertingConfig defines outbound alert routing.
type AlertingConfig struct {
	Enabled  bool                   `mapstructure:"enabled"`
	Channels []string               `mapstructure:"channels"`
	Webhook  alerting.WebhookConfig `mapstructure:"webhook"`
	NATS     alerting.NATSConfig    `mapstructure:"nats"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DRIFTWATCH")
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
	v.SetDefault("app.name", "driftwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("windows.sizes", []string{"1m", "5m", "15m"})
	v.SetDefault("windows.grace_period", "30s")
	v.SetDefault("windows.flush_interval", "10s")
	v.SetDefault("windows.buffer_size", 4096)
	v.SetDefault("windows.workers", 4)
	v.SetDefault("windows.max_retained", 512)

	v.SetDefault("detector.strategy", detect.StrategyEWMA)
	v.SetDefault("detector.min_samples", 10)
	v.SetDefault("detector.damped_alpha_factor", 0.1)
	v.SetDefault("detector.recovery_after", 12)
	v.SetDefault("detector.defaults.alpha", 0.3)
	v.SetDefault("detector.defaults.z_threshold", 3.0)

	v.SetDefault("correlator.min_signal_count", 2)
	v.SetDefault("correlator.join_tolerance", "90s")
	v.SetDefault("correlator.resolve_after_healthy", 3)
	v.SetDefault("correlator.dedup_bucket", "1h")

	v.SetDefault("severity.warn_at", 3.0)
	v.SetDefault("severity.critical_at", 5.0)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.channels", []string{"console"})
	v.SetDefault("alerting.webhook.timeout", "10s")
	v.SetDefault("alerting.webhook.max_retries", 3)
	v.SetDefault("alerting.webhook.backoff", "1s")
	v.SetDefault("alerting.nats.subject", "driftwatch.alerts")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "5s")
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
	if len(c.Windows.Sizes) == 0 {
		return fmt.Errorf("windows.sizes must list at least one window")
	}
	for _, size := range c.Windows.Sizes {
		if size <= 0 {
			return fmt.Errorf("windows.sizes entries must be positive durations")
		}
	}
	if c.Windows.FlushInterval <= 0 {
		return fmt.Errorf("windows.flush_interval must be greater than zero")
	}
	if c.Windows.GracePeriod < 0 {
		return fmt.Errorf("windows.grace_period cannot be negative")
	}
	if c.Detector.Defaults.Alpha <= 0 || c.Detector.Defaults.Alpha >= 1 {
		return fmt.Errorf("detector.defaults.alpha must be in (0, 1)")
	}
	if c.Detector.Defaults.ZThreshold <= 0 {
		return fmt.Errorf("detector.defaults.z_threshold must be greater than zero")
	}
	if c.Detector.MinSamples < 0 {
		return fmt.Errorf("detector.min_samples cannot be negative")
	}
	if c.Correlate.MinSignalCount < 2 {
		return fmt.Errorf("correlator.min_signal_count must be at least 2")
	}
	if c.Correlate.ResolveAfterHealthy <= 0 {
		return fmt.Errorf("correlator.resolve_after_healthy must be greater than zero")
	}
	if c.Severity.CriticalAt < c.Severity.WarnAt {
		return fmt.Errorf("severity.critical_at must not be below severity.warn_at")
	}
	for _, channel := range c.Alerting.Channels {
		switch channel {
		case "console", "webhook", "nats":
		default:
			return fmt.Errorf("alerting.channels: unknown channel %q", channel)
		}
	}
	if contains(c.Alerting.Channels, "webhook") && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url is required for the webhook channel")
	}
	if contains(c.Alerting.Channels, "nats") && c.Alerting.NATS.URL == "" {
		return fmt.Errorf("alerting.nats.url is required for the nats channel")
	}
	return nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
