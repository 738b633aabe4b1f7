package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Replay modes
const (
	ModeBaseline      = "baseline"
	ModeDisaggregated = "disaggregated"
)

// Trace sources
const (
	SourceCSV       = "csv"
	SourceSynthetic = "synthetic"
)

// Endpoint names used by the replay modes
const (
	EndpointDefault = "default"
	EndpointPrefill = "prefill"
	EndpointDecode  = "decode"
)

// Config holds all application configuration
type Config struct {
	Trace    TraceConfig    `mapstructure:"trace"`
	Target   TargetConfig   `mapstructure:"target"`
	Replay   ReplayConfig   `mapstructure:"replay"`
	SLO      SLOConfig      `mapstructure:"slo"`
	Output   OutputConfig   `mapstructure:"output"`
	Database DatabaseConfig `mapstructure:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Stress   StressConfig   `mapstructure:"stress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// TraceConfig controls where the trace comes from and how it is thinned
type TraceConfig struct {
	Source         string          `mapstructure:"source" validate:"oneof=csv synthetic"`
	Path           string          `mapstructure:"path"`
	RemotePath     string          `mapstructure:"remote_path"` // Fetched over SFTP into Path when set
	Format         string          `mapstructure:"format" validate:"oneof=azure burstgpt custom"`
	Columns        ColumnsConfig   `mapstructure:"columns"`
	ReadLimit      int             `mapstructure:"read_limit" validate:"gte=0"`
	SampleInterval int             `mapstructure:"sample_interval" validate:"gte=1"`
	MaxRequests    int             `mapstructure:"max_requests" validate:"gte=0"`
	Speedup        float64         `mapstructure:"speedup" validate:"gt=0"`
	FallbackTokens int             `mapstructure:"fallback_tokens" validate:"gte=0"`
	Synthetic      SyntheticConfig `mapstructure:"synthetic"`
}

// ColumnsConfig names the trace columns when format is "custom"
type ColumnsConfig struct {
	Timestamp string `mapstructure:"timestamp"`
	Input     string `mapstructure:"input"`
	Output    string `mapstructure:"output"`
}

// SyntheticConfig describes a generated Poisson trace
type SyntheticConfig struct {
	Count        int     `mapstructure:"count" validate:"gte=0"`
	Rate         float64 `mapstructure:"rate" validate:"gte=0"` // Mean arrivals per second
	InputTokens  int     `mapstructure:"input_tokens" validate:"gte=0"`
	OutputTokens int     `mapstructure:"output_tokens" validate:"gte=0"`
	Seed         uint64  `mapstructure:"seed"`
}

// TargetConfig describes the inference endpoints under test
type TargetConfig struct {
	Model     string            `mapstructure:"model"` // Discovered from /v1/models when empty
	Endpoints map[string]string `mapstructure:"endpoints"`
	Timeout   time.Duration     `mapstructure:"timeout" validate:"gte=0"` // Per request, 0 = none
}

// ReplayConfig holds dispatcher settings
type ReplayConfig struct {
	Mode               string  `mapstructure:"mode" validate:"oneof=baseline disaggregated"`
	PoolSize           int     `mapstructure:"pool_size" validate:"gte=1"`
	MaxInFlight        int     `mapstructure:"max_in_flight" validate:"gte=0"` // 0 = pool size
	MaxRate            float64 `mapstructure:"max_rate" validate:"gte=0"`      // Requests per second, 0 = unlimited
	ExcludeFailures    bool    `mapstructure:"exclude_failures"`
	DecodePromptTokens int     `mapstructure:"decode_prompt_tokens" validate:"gte=0"`
	ProgressEvery      int     `mapstructure:"progress_every" validate:"gte=0"`
	Seed               uint64  `mapstructure:"seed"` // Prompt word selection, 0 = random
}

// SLOConfig holds latency thresholds
type SLOConfig struct {
	TTFT time.Duration `mapstructure:"ttft" validate:"gte=0"` // Request level
	TPOT time.Duration `mapstructure:"tpot" validate:"gte=0"` // Inter-token gap level
}

// OutputConfig controls result files
type OutputConfig struct {
	Dir          string `mapstructure:"dir"`
	OutcomesFile string `mapstructure:"outcomes_file"` // Derived from mode, sample and speedup when empty
	SummaryFile  string `mapstructure:"summary_file"`
	JSONFile     string `mapstructure:"json_file"`
	UploadDir    string `mapstructure:"upload_dir"` // Remote directory for SFTP upload
}

// DatabaseConfig holds run store configuration
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MetricsConfig holds Prometheus listener configuration
type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // e.g. ":9090", empty disables
}

// SinkConfig holds live outcome publishing configuration
type SinkConfig struct {
	NATS NATSConfig `mapstructure:"nats"`
}

// NATSConfig holds NATS publisher configuration
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// RemoteConfig holds SSH credentials for trace fetch and result upload
type RemoteConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	User    string        `mapstructure:"user"`
	KeyPath string        `mapstructure:"key_path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StressConfig holds the prefill/decode interference test settings
type StressConfig struct {
	PrefillURL       string        `mapstructure:"prefill_url"`
	DecodeURL        string        `mapstructure:"decode_url"`
	PrefillRequests  int           `mapstructure:"prefill_requests" validate:"gte=0"`
	DecodeRequests   int           `mapstructure:"decode_requests" validate:"gte=0"`
	PrefillPromptLen int           `mapstructure:"prefill_prompt_len" validate:"gte=0"`
	PrefillOutputLen int           `mapstructure:"prefill_output_len" validate:"gte=0"`
	DecodePromptLen  int           `mapstructure:"decode_prompt_len" validate:"gte=0"`
	DecodeOutputLen  int           `mapstructure:"decode_output_len" validate:"gte=0"`
	Pause            time.Duration `mapstructure:"pause" validate:"gte=0"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Trace defaults
	v.SetDefault("trace.source", SourceCSV)
	v.SetDefault("trace.path", "AzureLLMInferenceTrace_conv_1week.csv")
	v.SetDefault("trace.format", "azure")
	v.SetDefault("trace.read_limit", 200000)
	v.SetDefault("trace.sample_interval", 2)
	v.SetDefault("trace.max_requests", 10000)
	v.SetDefault("trace.speedup", 1.1)
	v.SetDefault("trace.fallback_tokens", 10)
	v.SetDefault("trace.synthetic.count", 1000)
	v.SetDefault("trace.synthetic.rate", 10.0)
	v.SetDefault("trace.synthetic.input_tokens", 512)
	v.SetDefault("trace.synthetic.output_tokens", 128)

	// Target defaults
	v.SetDefault("target.model", "")
	v.SetDefault("target.endpoints", map[string]string{
		EndpointDefault: "http://127.0.0.1:30001/v1/completions",
		EndpointPrefill: "http://127.0.0.1:30001/v1/completions",
		EndpointDecode:  "http://127.0.0.1:30002/v1/completions",
	})
	v.SetDefault("target.timeout", time.Duration(0))

	// Replay defaults
	v.SetDefault("replay.mode", ModeBaseline)
	v.SetDefault("replay.pool_size", 2000)
	v.SetDefault("replay.max_in_flight", 0)
	v.SetDefault("replay.max_rate", 0.0)
	v.SetDefault("replay.exclude_failures", true)
	v.SetDefault("replay.decode_prompt_tokens", 5)
	v.SetDefault("replay.progress_every", 10)

	// SLO defaults
	v.SetDefault("slo.ttft", time.Second)
	v.SetDefault("slo.tpot", 100*time.Millisecond)

	// Output defaults
	v.SetDefault("output.dir", ".")

	// Database defaults
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.path", "./data/tracebench.db")

	// Sink defaults
	v.SetDefault("sink.nats.subject", "tracebench.outcomes")

	// Remote defaults
	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.timeout", 30*time.Second)

	// Stress defaults
	v.SetDefault("stress.prefill_url", "http://localhost:30002/generate")
	v.SetDefault("stress.decode_url", "http://localhost:30001/generate")
	v.SetDefault("stress.prefill_requests", 128)
	v.SetDefault("stress.decode_requests", 256)
	v.SetDefault("stress.prefill_prompt_len", 32000)
	v.SetDefault("stress.prefill_output_len", 1)
	v.SetDefault("stress.decode_prompt_len", 10)
	v.SetDefault("stress.decode_output_len", 256)
	v.SetDefault("stress.pause", 2*time.Second)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func bindEnvVars(v *viper.Viper) {
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	bindEnv("trace.path", "TRACEBENCH_TRACE_PATH")
	bindEnv("trace.format", "TRACEBENCH_TRACE_FORMAT")
	bindEnv("trace.speedup", "TRACEBENCH_SPEEDUP")
	bindEnv("trace.sample_interval", "TRACEBENCH_SAMPLE_INTERVAL")
	bindEnv("trace.max_requests", "TRACEBENCH_MAX_REQUESTS")

	bindEnv("target.model", "TRACEBENCH_MODEL")
	bindEnv("target.endpoints.default", "TRACEBENCH_ENDPOINT")
	bindEnv("target.endpoints.prefill", "TRACEBENCH_PREFILL_ENDPOINT")
	bindEnv("target.endpoints.decode", "TRACEBENCH_DECODE_ENDPOINT")

	bindEnv("replay.mode", "TRACEBENCH_MODE")

	bindEnv("database.path", "DATABASE_PATH")

	bindEnv("sink.nats.url", "NATS_URL")

	bindEnv("remote.host", "TRACEBENCH_REMOTE_HOST")
	bindEnv("remote.user", "TRACEBENCH_REMOTE_USER")
	bindEnv("remote.key_path", "TRACEBENCH_REMOTE_KEY")

	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// EndpointsFor returns the endpoint names the given mode dispatches to
func EndpointsFor(mode string) []string {
	if mode == ModeDisaggregated {
		return []string{EndpointPrefill, EndpointDecode}
	}
	return []string{EndpointDefault}
}

// EffectiveMaxInFlight returns the admission cap, defaulting to the pool size
func (r ReplayConfig) EffectiveMaxInFlight() int {
	if r.MaxInFlight > 0 {
		return r.MaxInFlight
	}
	return r.PoolSize
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q constraint", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Trace.Source {
	case SourceCSV:
		if c.Trace.Path == "" {
			return fmt.Errorf("trace.path is required for csv traces")
		}
		if c.Trace.Format == "custom" {
			cols := c.Trace.Columns
			if cols.Timestamp == "" || cols.Input == "" || cols.Output == "" {
				return fmt.Errorf("trace.columns.timestamp, input and output are required for custom format")
			}
		}
	case SourceSynthetic:
		if c.Trace.Synthetic.Rate <= 0 {
			return fmt.Errorf("trace.synthetic.rate must be positive")
		}
	}

	for _, name := range EndpointsFor(c.Replay.Mode) {
		if c.Target.Endpoints[name] == "" {
			return fmt.Errorf("target.endpoints.%s is required in %s mode", name, c.Replay.Mode)
		}
	}

	if c.Trace.RemotePath != "" || c.Output.UploadDir != "" {
		if c.Remote.Host == "" || c.Remote.User == "" || c.Remote.KeyPath == "" {
			return fmt.Errorf("remote.host, remote.user and remote.key_path are required for SFTP transfer")
		}
	}

	return nil
}
