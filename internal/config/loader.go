package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// LoadConfig loads and validates configuration from:
// 1. Default values
// 2. The YAML file at configPath (optional)
// 3. ROLODEX_* environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Setup environment variables
	v.SetEnvPrefix("ROLODEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow missing config file; defaults and environment cover it
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: failed to read config file %s: %v", ErrConfiguration, configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return cfg, nil
}

// setDefaults sets default values for optional configuration parameters
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("logger.level", DefaultLogLevel)
	v.SetDefault("logger.json", DefaultLogJSON)

	// Server defaults
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.read_timeout", DefaultServerReadTimeout)
	v.SetDefault("server.write_timeout", DefaultServerWriteTimeout)
	v.SetDefault("server.idle_timeout", DefaultServerIdleTimeout)
	v.SetDefault("server.shutdown_timeout", DefaultServerShutdownTimeout)

	// Database defaults
	v.SetDefault("database.driver", DefaultDBDriver)
	v.SetDefault("database.dsn", DefaultDBDSN)
	v.SetDefault("database.max_open_conns", DefaultDBMaxOpenConns)
	v.SetDefault("database.max_idle_conns", DefaultDBMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", DefaultDBConnMaxLifetime)

	// State store defaults
	v.SetDefault("state.path", DefaultStatePath)
	v.SetDefault("state.idempotency_ttl", DefaultIdempotencyTTL)
	v.SetDefault("state.context_ttl", DefaultContextTTL)
	v.SetDefault("state.batch_ttl", DefaultBatchTTL)

	// Gemini defaults
	v.SetDefault("gemini.model_name", DefaultGeminiModel)
	v.SetDefault("gemini.temperature", DefaultGeminiTemperature)
	v.SetDefault("gemini.max_retries", DefaultGeminiMaxRetries)
	v.SetDefault("gemini.retry_delay_seconds", DefaultGeminiRetryDelaySeconds)
	v.SetDefault("gemini.timeout", DefaultGeminiTimeout)

	// Twilio defaults
	v.SetDefault("twilio.validate_signature", true)

	// Pipeline defaults
	v.SetDefault("pipeline.batch_window", DefaultBatchWindow)
	v.SetDefault("pipeline.parse_timeout", DefaultParseTimeout)
	v.SetDefault("pipeline.store_timeout", DefaultStoreTimeout)
	v.SetDefault("pipeline.send_timeout", DefaultSendTimeout)
	v.SetDefault("pipeline.recent_log_limit", DefaultRecentLogLimit)

	// Reminder defaults
	v.SetDefault("reminder.advance_days", DefaultReminderAdvanceDays)

	// Scheduler defaults
	v.SetDefault("scheduler.tasks", DefaultSchedulerTasks)

	// Message defaults
	v.SetDefault("messages.not_registered", DefaultMessages.NotRegistered)
	v.SetDefault("messages.general_error", DefaultMessages.GeneralError)
	v.SetDefault("messages.help", DefaultMessages.Help)
	v.SetDefault("messages.empty_message", DefaultMessages.EmptyMessage)
	v.SetDefault("messages.cant_understand", DefaultMessages.CantUnderstand)
	v.SetDefault("messages.cancelled", DefaultMessages.Cancelled)
}
