package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nadmax/convoq/internal/task"
	"github.com/spf13/viper"
)

const EnvPrefix = "CONVOQ"

var queueDefaults = map[string]QueueConfig{
	task.DefaultQueue:   {MaxAttempts: 3, Concurrency: 4, VisibilityTimeout: time.Minute, Retention: 24 * time.Hour},
	task.LLMQueue:       {MaxAttempts: 3, Concurrency: 2, VisibilityTimeout: 5 * time.Minute, Retention: 24 * time.Hour},
	task.FeedbackQueue:  {MaxAttempts: 3, Concurrency: 1, VisibilityTimeout: 2 * time.Minute, Retention: 24 * time.Hour},
	task.AnalyticsQueue: {MaxAttempts: 3, Concurrency: 2, VisibilityTimeout: time.Minute, Retention: 24 * time.Hour},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "text")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("database.dsn", "")

	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.quality_model", "gemini-2.5-pro")
	v.SetDefault("llm.fast_model", "gemini-2.5-flash")

	v.SetDefault("email.sendgrid_api_key", "")
	v.SetDefault("email.from_name", "convoq")
	v.SetDefault("email.from_address", "")
	v.SetDefault("email.feedback_to", "")

	v.SetDefault("retry.base_delay", 60*time.Second)
	v.SetDefault("retry.max_delay", 240*time.Second)
	v.SetDefault("retry.jitter_fraction", 0.5)

	v.SetDefault("stream.fragment_timeout", 15*time.Second)
	v.SetDefault("stream.idle_timeout", 30*time.Second)
	v.SetDefault("stream.cancel_grace", time.Second)

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.poll_interval", 100*time.Millisecond)
	v.SetDefault("worker.max_poll_interval", 2*time.Second)
	v.SetDefault("worker.reap_interval", 10*time.Second)

	for name, q := range queueDefaults {
		prefix := "queues." + name + "."
		v.SetDefault(prefix+"max_attempts", q.MaxAttempts)
		v.SetDefault(prefix+"concurrency", q.Concurrency)
		v.SetDefault(prefix+"visibility_timeout", q.VisibilityTimeout)
		v.SetDefault(prefix+"retention", q.Retention)
	}
}

// Load reads configuration from the YAML file at path, when path is not
// empty, and from the environment. Environment variables win over the file;
// the key server.log_level is read from CONVOQ_SERVER_LOG_LEVEL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}
