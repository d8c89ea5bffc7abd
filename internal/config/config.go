// Package config loads muse-gate configuration and initializes logging.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/muse-gate/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Warehouse  WarehouseConfig  `yaml:"warehouse" mapstructure:"warehouse"`
	Watcher    WatcherConfig    `yaml:"watcher" mapstructure:"watcher"`
	Confidence ConfidenceConfig `yaml:"confidence" mapstructure:"confidence"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Publish    PublishConfig    `yaml:"publish" mapstructure:"publish"`
	Gate       GateConfig       `yaml:"gate" mapstructure:"gate"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the write-layer backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// WarehouseConfig configures the time-series warehouse adapter. Every source
// lives in one table distinguished by SourceColumn.
type WarehouseConfig struct {
	URL              string `yaml:"url" mapstructure:"url"`
	Table            string `yaml:"table" mapstructure:"table"`
	SourceColumn     string `yaml:"source_column" mapstructure:"source_column"`
	KeyColumn        string `yaml:"key_column" mapstructure:"key_column"`
	TimeColumn       string `yaml:"time_column" mapstructure:"time_column"`
	ValueColumn      string `yaml:"value_column" mapstructure:"value_column"`
	QueryTimeoutSecs int    `yaml:"query_timeout_secs" mapstructure:"query_timeout_secs"`
}

// SourceConfig is one monitored source and its staleness threshold.
type SourceConfig struct {
	Name       string `yaml:"name" mapstructure:"name"`
	Key        string `yaml:"key" mapstructure:"key"`
	MaxLagSecs int    `yaml:"max_lag_secs" mapstructure:"max_lag_secs"`
}

// MaxLag returns the threshold as a duration.
func (s SourceConfig) MaxLag() time.Duration {
	return time.Duration(s.MaxLagSecs) * time.Second
}

// WatcherConfig configures the freshness watcher.
type WatcherConfig struct {
	GatingKey    string         `yaml:"gating_key" mapstructure:"gating_key"`
	Sources      []SourceConfig `yaml:"sources" mapstructure:"sources"`
	WindowHours  int            `yaml:"window_hours" mapstructure:"window_hours"`
	TokenTTLMins int            `yaml:"token_ttl_mins" mapstructure:"token_ttl_mins"`
}

// ConfidenceConfig configures the correlation and confidence engine.
type ConfidenceConfig struct {
	WindowDays            int     `yaml:"window_days" mapstructure:"window_days"`
	ExpectedRowsPerDay    int     `yaml:"expected_rows_per_day" mapstructure:"expected_rows_per_day"`
	MinPairs              int     `yaml:"min_pairs" mapstructure:"min_pairs"`
	PublishThreshold      float64 `yaml:"publish_threshold" mapstructure:"publish_threshold"`
	ChimeraMinConfidence  float64 `yaml:"chimera_min_confidence" mapstructure:"chimera_min_confidence"`
	ChimeraMinCorrelation float64 `yaml:"chimera_min_correlation" mapstructure:"chimera_min_correlation"`
}

// RetryConfig configures the retry policy for external calls.
type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs        int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs         int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	AttemptTimeoutSecs int     `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	Multiplier         float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction     float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// Policy converts the config to a resilience.Policy.
func (r RetryConfig) Policy() resilience.Policy {
	return resilience.FromRetryConfig(r.MaxAttempts, r.BaseDelayMs, r.MaxDelayMs, r.AttemptTimeoutSecs, r.Multiplier, r.JitterFraction)
}

// CircuitConfig configures per-collaborator circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// Breaker converts the config to a resilience.BreakerConfig.
func (c CircuitConfig) Breaker() resilience.BreakerConfig {
	return resilience.FromCircuitConfig(c.FailureThreshold, c.CooldownSecs)
}

// PublishConfig configures the deploy webhook publisher.
type PublishConfig struct {
	URL              string  `yaml:"url" mapstructure:"url"`
	Token            string  `yaml:"token" mapstructure:"token"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PollIntervalSecs int     `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	PollDeadlineSecs int     `yaml:"poll_deadline_secs" mapstructure:"poll_deadline_secs"`
	PollRatePerSec   float64 `yaml:"poll_rate_per_sec" mapstructure:"poll_rate_per_sec"`
}

// GateConfig configures coordinator decisions.
type GateConfig struct {
	// DegradedAutoPublish lets a DEGRADED run produce a ready episode. When
	// false, degraded runs always produce drafts.
	DegradedAutoPublish bool `yaml:"degraded_auto_publish" mapstructure:"degraded_auto_publish"`
	// Bootstrap is the operator flag that lets sources without any history
	// pass the gate as DEGRADED.
	Bootstrap bool `yaml:"bootstrap" mapstructure:"bootstrap"`
}

// IngestConfig configures the event ingester.
type IngestConfig struct {
	// BatchSize is how many events are written to the source record log per
	// versioned batch write.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
}

// MetricsConfig configures the metrics sink.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// MonitoringConfig configures background health alerts.
type MonitoringConfig struct {
	Enabled             bool   `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	DLQDepthThreshold   int    `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	BlockedRunThreshold int    `yaml:"blocked_run_threshold" mapstructure:"blocked_run_threshold"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultSources are the fast and batch sources the gate watches out of the box.
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{Name: "hearts", Key: "hearts", MaxLagSecs: 300},
		{Name: "packs", Key: "packs", MaxLagSecs: 5400},
	}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "muse-gate.db")
	v.SetDefault("warehouse.table", "events")
	v.SetDefault("warehouse.source_column", "source")
	v.SetDefault("warehouse.key_column", "gating_key")
	v.SetDefault("warehouse.time_column", "ts")
	v.SetDefault("warehouse.value_column", "value")
	v.SetDefault("warehouse.query_timeout_secs", 15)
	v.SetDefault("watcher.gating_key", "default")
	v.SetDefault("watcher.window_hours", 24)
	v.SetDefault("watcher.token_ttl_mins", 30)
	v.SetDefault("confidence.window_days", 7)
	v.SetDefault("confidence.expected_rows_per_day", 10)
	v.SetDefault("confidence.min_pairs", 3)
	v.SetDefault("confidence.publish_threshold", 0.6)
	v.SetDefault("confidence.chimera_min_confidence", 0.7)
	v.SetDefault("confidence.chimera_min_correlation", 0.6)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.attempt_timeout_secs", 30)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.cooldown_secs", 30)
	v.SetDefault("publish.timeout_secs", 15)
	v.SetDefault("publish.poll_interval_secs", 10)
	v.SetDefault("publish.poll_deadline_secs", 600)
	v.SetDefault("publish.poll_rate_per_sec", 1.0)
	v.SetDefault("gate.degraded_auto_publish", false)
	v.SetDefault("gate.bootstrap", false)
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "muse")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.dlq_depth_threshold", 1)
	v.SetDefault("monitoring.blocked_run_threshold", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Watcher.Sources) == 0 {
		cfg.Watcher.Sources = DefaultSources()
	}

	return &cfg, nil
}

// Validate checks the settings every command needs. Missing settings are
// reported as a ConfigurationMissing error.
func (c *Config) Validate() error {
	var missing []string
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url")
		}
	default:
		return resilience.ConfigurationMissing("config", eris.Errorf("store.driver %q is not sqlite or postgres", c.Store.Driver))
	}
	if len(c.Watcher.Sources) < 2 {
		missing = append(missing, "watcher.sources (at least two)")
	}
	seen := make(map[string]bool, len(c.Watcher.Sources))
	for _, s := range c.Watcher.Sources {
		if s.Name == "" {
			missing = append(missing, "watcher.sources[].name")
			continue
		}
		if seen[s.Name] {
			return resilience.ConfigurationMissing("config", eris.Errorf("watcher source %q listed twice", s.Name))
		}
		seen[s.Name] = true
		if s.MaxLagSecs <= 0 {
			missing = append(missing, "watcher.sources["+s.Name+"].max_lag_secs")
		}
	}
	if c.Confidence.PublishThreshold <= 0 || c.Confidence.PublishThreshold > 1 {
		return resilience.ConfigurationMissing("config", eris.Errorf("confidence.publish_threshold %.2f is outside (0, 1]", c.Confidence.PublishThreshold))
	}
	if len(missing) > 0 {
		return resilience.ConfigurationMissing("config", eris.Errorf("missing %s", strings.Join(missing, ", ")))
	}
	return nil
}

// ValidateRun checks the settings needed to execute a gate run against a
// real warehouse.
func (c *Config) ValidateRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Warehouse.URL == "" {
		return resilience.ConfigurationMissing("config", eris.New("missing warehouse.url"))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
