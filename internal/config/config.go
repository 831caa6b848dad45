package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Aggregator AggregatorConfig `yaml:"aggregator" mapstructure:"aggregator"`
	Classify   ClassifyConfig   `yaml:"classify" mapstructure:"classify"`
	Gate       GateConfig       `yaml:"gate" mapstructure:"gate"`
	Overlay    OverlayConfig    `yaml:"overlay" mapstructure:"overlay"`
	Price      PriceConfig      `yaml:"price" mapstructure:"price"`
	Cloud      CloudConfig      `yaml:"cloud" mapstructure:"cloud"`
	Thumbnail  ThumbnailConfig  `yaml:"thumbnail" mapstructure:"thumbnail"`
	Session    SessionConfig    `yaml:"session" mapstructure:"session"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the session persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AggregatorConfig controls detection-to-item merging.
type AggregatorConfig struct {
	MergeThreshold  float64       `yaml:"merge_threshold" mapstructure:"merge_threshold"`
	LabelWeight     float64       `yaml:"label_weight" mapstructure:"label_weight"`
	SpatialWeight   float64       `yaml:"spatial_weight" mapstructure:"spatial_weight"`
	RecencyWeight   float64       `yaml:"recency_weight" mapstructure:"recency_weight"`
	RecencyHalfLife time.Duration `yaml:"recency_half_life" mapstructure:"recency_half_life"`
	StaleAge        time.Duration `yaml:"stale_age" mapstructure:"stale_age"`
	HistoryLen      int           `yaml:"history_len" mapstructure:"history_len"`
}

// ClassifyConfig controls the classification orchestrator.
type ClassifyConfig struct {
	Mode           string        `yaml:"mode" mapstructure:"mode"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	MaxConcurrent  int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// GateConfig controls the cloud call gate.
type GateConfig struct {
	Cooldown         time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	StabilityWindow  int           `yaml:"stability_window" mapstructure:"stability_window"`
	StabilityEpsilon float64       `yaml:"stability_epsilon" mapstructure:"stability_epsilon"`
	HashTTL          time.Duration `yaml:"hash_ttl" mapstructure:"hash_ttl"`
}

// OverlayConfig controls focused-track selection and readiness.
type OverlayConfig struct {
	ProximityWeight    float64 `yaml:"proximity_weight" mapstructure:"proximity_weight"`
	ConfidenceWeight   float64 `yaml:"confidence_weight" mapstructure:"confidence_weight"`
	ReadinessThreshold float64 `yaml:"readiness_threshold" mapstructure:"readiness_threshold"`
}

// PriceConfig configures price estimation.
type PriceConfig struct {
	CatalogPath string `yaml:"catalog_path" mapstructure:"catalog_path"`
}

// CloudConfig holds remote classifier (Claude vision) settings.
type CloudConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ThumbnailConfig configures thumbnail preparation.
type ThumbnailConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider"`
	Dir      string `yaml:"dir" mapstructure:"dir"`
}

// SessionConfig configures per-session behavior.
type SessionConfig struct {
	AlertBuffer   int     `yaml:"alert_buffer" mapstructure:"alert_buffer"`
	AlertsPerMin  float64 `yaml:"alerts_per_min" mapstructure:"alerts_per_min"`
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// ServerConfig configures the frame intake server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCANPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "scanpipe.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("aggregator.merge_threshold", 0.55)
	v.SetDefault("aggregator.label_weight", 0.4)
	v.SetDefault("aggregator.spatial_weight", 0.45)
	v.SetDefault("aggregator.recency_weight", 0.15)
	v.SetDefault("aggregator.recency_half_life", "2s")
	v.SetDefault("aggregator.stale_age", "10s")
	v.SetDefault("aggregator.history_len", 8)
	v.SetDefault("classify.mode", "on_device")
	v.SetDefault("classify.max_attempts", 3)
	v.SetDefault("classify.initial_backoff", "500ms")
	v.SetDefault("classify.max_backoff", "10s")
	v.SetDefault("classify.max_concurrent", 4)
	v.SetDefault("gate.cooldown", "3s")
	v.SetDefault("gate.stability_window", 3)
	v.SetDefault("gate.stability_epsilon", 0.02)
	v.SetDefault("gate.hash_ttl", "60s")
	v.SetDefault("overlay.proximity_weight", 0.7)
	v.SetDefault("overlay.confidence_weight", 0.3)
	v.SetDefault("overlay.readiness_threshold", 0.6)
	v.SetDefault("price.catalog_path", "taxonomy.yaml")
	v.SetDefault("cloud.model", "claude-haiku-4-5-20251001")
	v.SetDefault("cloud.max_tokens", 1024)
	v.SetDefault("thumbnail.provider", "noop")
	v.SetDefault("thumbnail.dir", "")
	v.SetDefault("session.alert_buffer", 16)
	v.SetDefault("session.alerts_per_min", 6)
	v.SetDefault("session.min_confidence", 0.2)

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

	return &cfg, nil
}

// Validate checks configuration consistency for a given run mode
// ("scan", "serve", "export"). It collects all problems instead of
// stopping at the first.
func (c *Config) Validate(mode string) error {
	var problems []string

	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch mode {
	case "scan", "serve":
		check(c.Aggregator.MergeThreshold > 0 && c.Aggregator.MergeThreshold <= 1,
			"aggregator.merge_threshold must be in (0, 1]")
		check(c.Aggregator.StaleAge > 0, "aggregator.stale_age must be > 0")
		check(c.Classify.Mode == string(ModeOnDeviceName) || c.Classify.Mode == string(ModeCloudName),
			"classify.mode must be on_device or cloud")
		check(c.Classify.MaxAttempts >= 1 && c.Classify.MaxAttempts <= 10,
			"classify.max_attempts must be between 1 and 10")
		check(c.Classify.MaxConcurrent >= 1 && c.Classify.MaxConcurrent <= 32,
			"classify.max_concurrent must be between 1 and 32")
		check(c.Overlay.ProximityWeight >= 0 && c.Overlay.ConfidenceWeight >= 0,
			"overlay weights must be >= 0")
		check(c.Overlay.ReadinessThreshold >= 0 && c.Overlay.ReadinessThreshold <= 1,
			"overlay.readiness_threshold must be in [0, 1]")
		if c.Classify.Mode == string(ModeCloudName) {
			check(c.Cloud.Key != "", "cloud.key is required for cloud mode")
		}
		if mode == "serve" {
			check(c.Server.Port > 0, "server.port must be > 0")
		}
	case "export":
		check(c.Store.DatabaseURL != "", "store.database_url is required")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Mode names accepted by classify.mode.
const (
	ModeOnDeviceName = "on_device"
	ModeCloudName    = "cloud"
)

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
