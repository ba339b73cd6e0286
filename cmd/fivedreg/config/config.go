// Package config loads the fivedreg runtime configuration.
//
// Values are layered by viper. In order of precedence:
//  1. Command-line flags
//  2. FIVEDREG_* environment variables (FIVEDREG_STORE_BACKEND, FIVEDREG_LISTEN, ...)
//  3. An optional YAML file passed with --config
//  4. Default values
//
// Example usage:
//
//	fs := pflag.NewFlagSet("fivedreg", pflag.ContinueOnError)
//	config.RegisterFlags(fs)
//	_ = fs.Parse(os.Args[1:])
//	cfg, err := config.Load(fs)
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/HatiCode/fivedreg/pkg/dataset"
	"github.com/HatiCode/fivedreg/pkg/tls"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FIVEDREG"

// Config holds all fivedreg configuration.
type Config struct {
	Listen          string        `mapstructure:"listen"`
	GRPCListen      string        `mapstructure:"grpc_listen"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`

	DataDir      string `mapstructure:"data_dir"`
	ModelPath    string `mapstructure:"model_path"`
	ScalerPath   string `mapstructure:"scaler_path"`
	PreloadModel bool   `mapstructure:"preload_model"`

	Store    StoreConfig    `mapstructure:"store"`
	Training TrainingConfig `mapstructure:"training"`
	Dataset  DatasetConfig  `mapstructure:"dataset"`

	// TLS secures the HTTP and gRPC listeners.
	TLS tls.Config `mapstructure:"tls"`
}

// StoreConfig selects and configures the job record backend.
type StoreConfig struct {
	Backend       string        `mapstructure:"backend"`
	MemoryTTL     time.Duration `mapstructure:"memory_ttl"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl"`
	SQLDriver     string        `mapstructure:"sql_driver"`
	SQLDSN        string        `mapstructure:"sql_dsn"`
}

// TrainingConfig holds the settings fixed per process rather than per request.
type TrainingConfig struct {
	Seed            int64   `mapstructure:"seed"`
	TrainRatio      float64 `mapstructure:"train_ratio"`
	ValRatio        float64 `mapstructure:"val_ratio"`
	TestRatio       float64 `mapstructure:"test_ratio"`
	ValidationSplit float64 `mapstructure:"validation_split"`
	Patience        int     `mapstructure:"patience"`
}

// Ratios returns the configured split ratios.
func (t TrainingConfig) Ratios() dataset.Ratios {
	return dataset.Ratios{Train: t.TrainRatio, Validation: t.ValRatio, Test: t.TestRatio}
}

// DatasetConfig controls how dataset files and remote sources are read.
type DatasetConfig struct {
	FeaturesField string            `mapstructure:"features_field"`
	TargetsField  string            `mapstructure:"targets_field"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	MaxBytes      int64             `mapstructure:"max_bytes"`
	Headers       map[string]string `mapstructure:"headers"`

	// TemplateVars fill {{.name}} placeholders in Headers. Viper lower-cases the
	// names.
	TemplateVars map[string]string `mapstructure:"template_vars"`

	// TLS is applied to https:// dataset sources.
	TLS tls.Config `mapstructure:"tls"`
}

// flagKeys maps flag names to their viper keys.
var flagKeys = map[string]string{
	"listen":           "listen",
	"grpc-listen":      "grpc_listen",
	"log-level":        "log_level",
	"log-format":       "log_format",
	"shutdown-timeout": "shutdown_timeout",
	"cors-origins":     "cors_origins",

	"data-dir":      "data_dir",
	"model-path":    "model_path",
	"scaler-path":   "scaler_path",
	"preload-model": "preload_model",

	"store":          "store.backend",
	"memory-ttl":     "store.memory_ttl",
	"redis-addr":     "store.redis_addr",
	"redis-password": "store.redis_password",
	"redis-db":       "store.redis_db",
	"redis-ttl":      "store.redis_ttl",
	"sql-driver":     "store.sql_driver",
	"sql-dsn":        "store.sql_dsn",

	"seed":             "training.seed",
	"train-ratio":      "training.train_ratio",
	"val-ratio":        "training.val_ratio",
	"test-ratio":       "training.test_ratio",
	"validation-split": "training.validation_split",
	"patience":         "training.patience",

	"features-field":   "dataset.features_field",
	"targets-field":    "dataset.targets_field",
	"source-timeout":   "dataset.timeout",
	"source-max-bytes": "dataset.max_bytes",

	"tls-enabled":   "tls.enabled",
	"tls-cert-file": "tls.cert_file",
	"tls-key-file":  "tls.key_file",
	"tls-ca-file":   "tls.ca_file",

	"source-tls-enabled":   "dataset.tls.enabled",
	"source-tls-cert-file": "dataset.tls.cert_file",
	"source-tls-key-file":  "dataset.tls.key_file",
	"source-tls-ca-file":   "dataset.tls.ca_file",
}

// RegisterFlags defines every configuration flag on fs. Flag defaults double as
// the configuration defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML configuration file")

	fs.String("listen", ":8000", "HTTP listen address")
	fs.String("grpc-listen", "", "gRPC health listen address (empty disables it)")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.String("log-format", "text", "Log format: text or json")
	fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	fs.StringSlice("cors-origins", []string{"http://localhost:3000"}, "Origins allowed to call the API from a browser")

	fs.String("data-dir", "data", "Directory receiving uploaded datasets")
	fs.String("model-path", "models/saved_model.json", "Trained model artifact path")
	fs.String("scaler-path", "models/scaler_params.json", "Feature scaler parameters path")
	fs.Bool("preload-model", false, "Load the persisted model at startup")

	fs.String("store", "memory", "Job store backend: memory, redis or sqlite")
	fs.Duration("memory-ttl", 24*time.Hour, "Retention of finished jobs in the memory store")
	fs.String("redis-addr", "localhost:6379", "Redis server address")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database number")
	fs.Duration("redis-ttl", 24*time.Hour, "Redis job record TTL")
	fs.String("sql-driver", "sqlite", "database/sql driver for the sqlite store")
	fs.String("sql-dsn", "fivedreg.db", "Data source name for the sqlite store")

	fs.Int64("seed", dataset.DefaultSeed, "Seed for the dataset split and weight initialisation")
	fs.Float64("train-ratio", dataset.DefaultRatios.Train, "Fraction of samples used for training")
	fs.Float64("val-ratio", dataset.DefaultRatios.Validation, "Fraction of samples held out for validation")
	fs.Float64("test-ratio", dataset.DefaultRatios.Test, "Fraction of samples held out for testing")
	fs.Float64("validation-split", 0.2, "Fraction of the training subset monitored for early stopping")
	fs.Int("patience", 10, "Early stopping patience in epochs")

	fs.String("features-field", "X", "JSON field holding the feature matrix")
	fs.String("targets-field", "y", "JSON field holding the target vector")
	fs.Duration("source-timeout", time.Minute, "Timeout for fetching remote datasets")
	fs.Int64("source-max-bytes", 256<<20, "Maximum size of a remote dataset")

	fs.Bool("tls-enabled", false, "Serve HTTPS and gRPC over TLS")
	fs.String("tls-cert-file", "", "Server certificate file")
	fs.String("tls-key-file", "", "Server private key file")
	fs.String("tls-ca-file", "", "CA file; when set, clients must present a certificate")

	fs.Bool("source-tls-enabled", false, "Apply TLS settings to https dataset sources")
	fs.String("source-tls-cert-file", "", "Client certificate for dataset sources")
	fs.String("source-tls-key-file", "", "Client private key for dataset sources")
	fs.String("source-tls-ca-file", "", "CA file for dataset sources")
}

// Load builds a Config from the flags registered by RegisterFlags, the environment
// and the optional --config file, then validates it.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	logLevels     = []string{"debug", "info", "warn", "error"}
	logFormats    = []string{"text", "json"}
	storeBackends = []string{"memory", "redis", "sqlite"}
)

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if !oneOf(c.LogLevel, logLevels) {
		errs = append(errs, fmt.Errorf("log level %q must be one of %v", c.LogLevel, logLevels))
	}
	if !oneOf(c.LogFormat, logFormats) {
		errs = append(errs, fmt.Errorf("log format %q must be one of %v", c.LogFormat, logFormats))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive, got %v", c.ShutdownTimeout))
	}
	if c.DataDir == "" || c.ModelPath == "" || c.ScalerPath == "" {
		errs = append(errs, errors.New("data dir, model path and scaler path are required"))
	}

	switch c.Store.Backend {
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("redis store requires a redis address"))
		}
	case "sqlite":
		if c.Store.SQLDSN == "" {
			errs = append(errs, errors.New("sqlite store requires a DSN"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store backend %q must be one of %v", c.Store.Backend, storeBackends))
	}

	if err := c.Training.Ratios().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Training.ValidationSplit < 0 || c.Training.ValidationSplit >= 1 {
		errs = append(errs, fmt.Errorf("validation split must be in [0, 1), got %v", c.Training.ValidationSplit))
	}
	if c.Training.Patience < 0 {
		errs = append(errs, fmt.Errorf("patience must be >= 0, got %d", c.Training.Patience))
	}

	if c.Dataset.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("source max bytes must be positive, got %d", c.Dataset.MaxBytes))
	}
	if c.Dataset.FeaturesField == "" || c.Dataset.TargetsField == "" {
		errs = append(errs, errors.New("dataset field names are required"))
	}

	if err := c.TLS.ValidateServer(); err != nil {
		errs = append(errs, fmt.Errorf("tls: %w", err))
	}
	if err := c.Dataset.TLS.ValidateClient(); err != nil {
		errs = append(errs, fmt.Errorf("source tls: %w", err))
	}

	return errors.Join(errs...)
}

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
