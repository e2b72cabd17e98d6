package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig               `yaml:"store" mapstructure:"store"`
	Redis     RedisConfig               `yaml:"redis" mapstructure:"redis"`
	Log       LogConfig                 `yaml:"log" mapstructure:"log"`
	Server    ServerConfig              `yaml:"server" mapstructure:"server"`
	Worker    WorkerConfig              `yaml:"worker" mapstructure:"worker"`
	Retry     RetryConfig               `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig             `yaml:"circuit" mapstructure:"circuit"`
	Anthropic AnthropicConfig           `yaml:"anthropic" mapstructure:"anthropic"`
	Providers map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Notify    NotifyConfig              `yaml:"notify" mapstructure:"notify"`
	Policy    PolicyFileConfig          `yaml:"policy" mapstructure:"policy"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the per-report claim lock. An empty URL selects the
// in-process locker, which is only safe with a single worker process.
type RedisConfig struct {
	URL       string `yaml:"url" mapstructure:"url"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	AdminToken  string   `yaml:"admin_token" mapstructure:"admin_token"`
}

// WorkerConfig configures the verification worker pool.
type WorkerConfig struct {
	Concurrency          int `yaml:"concurrency" mapstructure:"concurrency"`
	PollIntervalMs       int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	BatchSize            int `yaml:"batch_size" mapstructure:"batch_size"`
	ClaimTTLSecs         int `yaml:"claim_ttl_secs" mapstructure:"claim_ttl_secs"`
	JobBudgetSecs        int `yaml:"job_budget_secs" mapstructure:"job_budget_secs"`
	EvaluatorTimeoutSecs int `yaml:"evaluator_timeout_secs" mapstructure:"evaluator_timeout_secs"`
}

// PollInterval returns the idle poll interval.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// ClaimTTL returns the claim lifetime, used both for the report lock and the
// job visibility timeout.
func (w WorkerConfig) ClaimTTL() time.Duration {
	return time.Duration(w.ClaimTTLSecs) * time.Second
}

// JobBudget returns the wall-clock budget for one job.
func (w WorkerConfig) JobBudget() time.Duration {
	return time.Duration(w.JobBudgetSecs) * time.Second
}

// EvaluatorTimeout returns the per-evaluator timeout.
func (w WorkerConfig) EvaluatorTimeout() time.Duration {
	return time.Duration(w.EvaluatorTimeoutSecs) * time.Second
}

// RetryConfig configures job-level retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings for the classification
// adapter. The API key comes from the policy's service credential.
type AnthropicConfig struct {
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ProviderConfig configures an HTTP verification provider. The map key is
// the provider name; policies refer to it as "http:<name>".
type ProviderConfig struct {
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst      int     `yaml:"burst" mapstructure:"burst"`
}

// NotifyConfig configures where side-effect events go. With nothing set,
// events are only logged.
type NotifyConfig struct {
	WebhookURL   string   `yaml:"webhook_url" mapstructure:"webhook_url"`
	KafkaBrokers []string `yaml:"kafka_brokers" mapstructure:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" mapstructure:"kafka_topic"`
}

// PolicyFileConfig points at an optional YAML policy used to bootstrap an
// empty policy store.
type PolicyFileConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REPORTVERIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.key_prefix", "report-verify:claim:")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.batch_size", 4)
	v.SetDefault("worker.claim_ttl_secs", 60)
	v.SetDefault("worker.job_budget_secs", 30)
	v.SetDefault("worker.evaluator_timeout_secs", 5)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 2000)
	v.SetDefault("retry.max_backoff_ms", 60000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("notify.kafka_topic", "report-verification-events")

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

// Validate checks the settings a command mode depends on and reports every
// problem at once. Modes: "serve", "worker", "cli".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "cli":
	case "serve", "worker":
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
			errs = append(errs, "worker.concurrency must be between 1 and 64")
		}
		if c.Worker.BatchSize < 1 {
			errs = append(errs, "worker.batch_size must be > 0")
		} else if c.Worker.BatchSize > c.Worker.Concurrency {
			errs = append(errs, "worker.batch_size must not exceed worker.concurrency")
		}
		if c.Worker.ClaimTTLSecs <= 0 || c.Worker.JobBudgetSecs <= 0 || c.Worker.EvaluatorTimeoutSecs <= 0 {
			errs = append(errs, "worker timeouts must be > 0")
		} else if c.Worker.JobBudgetSecs >= c.Worker.ClaimTTLSecs {
			errs = append(errs, "worker.job_budget_secs must be shorter than worker.claim_ttl_secs")
		}
		if c.Retry.MaxAttempts < 1 {
			errs = append(errs, "retry.max_attempts must be > 0")
		}
		if len(c.Notify.KafkaBrokers) > 0 && c.Notify.KafkaTopic == "" {
			errs = append(errs, "notify.kafka_topic is required with notify.kafka_brokers")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
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
