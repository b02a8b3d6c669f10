// Package config loads convoq settings from an optional YAML file and
// CONVOQ_-prefixed environment variables, then validates them.
package config

import "time"

type Config struct {
	Server   ServerConfig           `mapstructure:"server"`
	Redis    RedisConfig            `mapstructure:"redis"`
	Database DatabaseConfig         `mapstructure:"database"`
	LLM      LLMConfig              `mapstructure:"llm"`
	Email    EmailConfig            `mapstructure:"email"`
	Retry    RetryConfig            `mapstructure:"retry"`
	Stream   StreamConfig           `mapstructure:"stream"`
	Worker   WorkerConfig           `mapstructure:"worker"`
	Queues   map[string]QueueConfig `mapstructure:"queues" validate:"required,min=1,dive"`
}

type ServerConfig struct {
	Port      int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel  string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"required,oneof=text json"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// DatabaseConfig points at the Postgres history archive. An empty DSN runs
// without the archive.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	QualityModel string `mapstructure:"quality_model" validate:"required"`
	FastModel    string `mapstructure:"fast_model" validate:"required"`
}

type EmailConfig struct {
	SendGridAPIKey string `mapstructure:"sendgrid_api_key"`
	FromName       string `mapstructure:"from_name"`
	FromAddress    string `mapstructure:"from_address" validate:"omitempty,email"`
	FeedbackTo     string `mapstructure:"feedback_to" validate:"omitempty,email"`
}

type RetryConfig struct {
	BaseDelay      time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay       time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	JitterFraction float64       `mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`
}

// StreamConfig bounds a streaming session. A zero timeout disables it.
// Both timeouts restart on every fragment, so IdleTimeout only takes effect
// when it is below FragmentTimeout or FragmentTimeout is zero.
type StreamConfig struct {
	FragmentTimeout time.Duration `mapstructure:"fragment_timeout" validate:"gte=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	CancelGrace     time.Duration `mapstructure:"cancel_grace" validate:"gt=0"`
}

type WorkerConfig struct {
	ID              string        `mapstructure:"id"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_interval" validate:"gtefield=PollInterval"`
	ReapInterval    time.Duration `mapstructure:"reap_interval" validate:"gt=0"`
}

type QueueConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gte=1"`
	Concurrency       int           `mapstructure:"concurrency" validate:"gte=1"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
	Retention         time.Duration `mapstructure:"retention" validate:"gt=0"`
}

// HandlerTimeout leaves a fifth of the visibility timeout to settle the task.
func (q QueueConfig) HandlerTimeout() time.Duration {
	return q.VisibilityTimeout - q.VisibilityTimeout/5
}
