package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Staging modes for downloaded voice attachments
const (
	StagingMemory = "memory"
	StagingDisk   = "disk"
)

// Config holds all configuration for the voice transcriber service
type Config struct {
	// Operator HTTP server (health, readiness, metrics, run feed)
	Port string `envconfig:"PORT" default:"8080"`

	// Telegram Bot API configuration
	TelegramBotToken      string `envconfig:"TELEGRAM_BOT_TOKEN" required:"true"`
	TelegramAPIEndpoint   string `envconfig:"TELEGRAM_API_ENDPOINT" default:""`     // Empty uses the library default
	TelegramFileEndpoint  string `envconfig:"TELEGRAM_FILE_ENDPOINT" default:""`    // Empty uses the library default
	TelegramUpdateTimeout int    `envconfig:"TELEGRAM_UPDATE_TIMEOUT" default:"60"` // Long-poll timeout in seconds

	// AssemblyAI speech-to-text configuration
	AssemblyAIAPIKey      string `envconfig:"ASSEMBLYAI_API_KEY" required:"true"`
	AssemblyAIBaseURL     string `envconfig:"ASSEMBLYAI_BASE_URL" default:"https://api.assemblyai.com"`
	AssemblyAIHTTPTimeout int    `envconfig:"ASSEMBLYAI_HTTP_TIMEOUT" default:"30"` // Per-request timeout in seconds

	// Job polling
	PollInterval      int `envconfig:"POLL_INTERVAL" default:"1000"`     // Milliseconds between status checks
	PollTimeout       int `envconfig:"POLL_TIMEOUT" default:"300"`       // Overall bound in seconds
	PollMaxUnexpected int `envconfig:"POLL_MAX_UNEXPECTED" default:"5"` // Consecutive unknown statuses tolerated

	// Attachment staging
	StagingMode        string `envconfig:"STAGING_MODE" default:"memory"` // memory or disk
	StagingDir         string `envconfig:"STAGING_DIR" default:""`        // Empty uses os.TempDir()
	MaxAttachmentBytes int64  `envconfig:"MAX_ATTACHMENT_BYTES" default:"20971520"`
	FetchTimeout       int    `envconfig:"FETCH_TIMEOUT" default:"60"` // Bound on resolving and downloading one attachment, seconds

	// Run scheduling
	MaxConcurrentRuns int `envconfig:"MAX_CONCURRENT_RUNS" default:"16"`
	ShutdownTimeout   int `envconfig:"SHUTDOWN_TIMEOUT" default:"30"` // seconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // 1 disables retry
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"200"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// User-facing messages
	MessageProgress string `envconfig:"MESSAGE_PROGRESS" default:"Transcription in progress..."`
	MessageFailure  string `envconfig:"MESSAGE_FAILURE" default:"Sorry, I could not transcribe this voice message. Please try again later."`
	MessageUsage    string `envconfig:"MESSAGE_USAGE" default:"This bot will help translate your voice into text, just send a voice message to get started."`
	MessageEmpty    string `envconfig:"MESSAGE_EMPTY" default:"No speech was recognized in this voice message."`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`        // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`      // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`  // Enable Prometheus metrics
	RunFeedEnabled bool   `envconfig:"RUN_FEED_ENABLED" default:"true"` // Enable /runs/stream WebSocket feed
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if c.AssemblyAIAPIKey == "" {
		return fmt.Errorf("ASSEMBLYAI_API_KEY is required")
	}
	if c.StagingMode != StagingMemory && c.StagingMode != StagingDisk {
		return fmt.Errorf("STAGING_MODE must be %q or %q, got %q", StagingMemory, StagingDisk, c.StagingMode)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.PollTimeoutDuration() <= c.PollIntervalDuration() {
		return fmt.Errorf("POLL_TIMEOUT must be longer than POLL_INTERVAL")
	}
	if c.PollMaxUnexpected < 1 {
		return fmt.Errorf("POLL_MAX_UNEXPECTED must be at least 1")
	}
	if c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("MAX_CONCURRENT_RUNS must be at least 1")
	}
	if c.MaxAttachmentBytes <= 0 {
		return fmt.Errorf("MAX_ATTACHMENT_BYTES must be positive")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// PollIntervalDuration returns the fixed delay between job status checks
func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// PollTimeoutDuration returns the overall bound on waiting for a job
func (c *Config) PollTimeoutDuration() time.Duration {
	return time.Duration(c.PollTimeout) * time.Second
}

// HTTPTimeoutDuration returns the per-request timeout for AssemblyAI calls
func (c *Config) HTTPTimeoutDuration() time.Duration {
	return time.Duration(c.AssemblyAIHTTPTimeout) * time.Second
}

// FetchTimeoutDuration returns the bound on retrieving one attachment
func (c *Config) FetchTimeoutDuration() time.Duration {
	return time.Duration(c.FetchTimeout) * time.Second
}

// ShutdownTimeoutDuration returns how long shutdown waits for in-flight runs
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// StagingDirectory returns the directory used for disk staging
func (c *Config) StagingDirectory() string {
	if c.StagingDir == "" {
		return os.TempDir()
	}
	return c.StagingDir
}
