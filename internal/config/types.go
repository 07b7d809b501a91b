// Package config provides configuration loading, validation, and management
// for the Rolodex application. It handles reading from YAML files, applying
// ROLODEX_* environment overrides, and validating configuration parameters.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfiguration indicates that the configuration could not be loaded or
// failed validation.
var ErrConfiguration = errors.New("configuration error")

// Config defines the application configuration for all components of the
// Rolodex system: logging, HTTP server, record store, ephemeral state,
// parsing, channels, pipeline tuning, reminders, and scheduled tasks.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	State     StateConfig     `mapstructure:"state"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Twilio    TwilioConfig    `mapstructure:"twilio"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Reminder  ReminderConfig  `mapstructure:"reminder"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Messages  MessagesConfig  `mapstructure:"messages"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// ServerConfig controls the HTTP server that receives webhooks and the
// scheduled-scan trigger.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"             validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     validate:"min=1s"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    validate:"min=1s"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"     validate:"min=1s"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`

	// CronToken authorizes POST /reminder-cron. When empty the endpoint
	// rejects every request.
	CronToken string `mapstructure:"cron_token"`
}

// DatabaseConfig controls the record store connection. Driver selects the
// backend; DSN is a file path for sqlite or a connection string for postgres.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"            validate:"oneof=sqlite postgres"`
	DSN             string        `mapstructure:"dsn"               validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StateConfig controls the ephemeral state store holding idempotency
// markers, pending conversational context, and pending message batches.
type StateConfig struct {
	Path           string        `mapstructure:"path"            validate:"required"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" validate:"min=1m"`
	ContextTTL     time.Duration `mapstructure:"context_ttl"     validate:"min=1m"`
	BatchTTL       time.Duration `mapstructure:"batch_ttl"       validate:"min=1m"`
}

// GeminiConfig contains settings for the Gemini parsing client.
type GeminiConfig struct {
	APIKey            string        `mapstructure:"api_key" validate:"required"`
	ModelName         string        `mapstructure:"model_name"`
	Temperature       float32       `mapstructure:"temperature"         validate:"min=0,max=2"`
	MaxRetries        int           `mapstructure:"max_retries"         validate:"min=0,max=10"`
	RetryDelaySeconds int           `mapstructure:"retry_delay_seconds" validate:"min=0"`
	Timeout           time.Duration `mapstructure:"timeout"             validate:"min=1s,max=10m"`
}

// TelegramConfig contains settings for the Telegram channel. An empty token
// disables the channel.
type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	SecretToken string `mapstructure:"secret_token"`
	WebhookURL  string `mapstructure:"webhook_url" validate:"omitempty,url"`
}

// TwilioConfig contains settings for the SMS channel. An empty account SID
// disables the channel.
type TwilioConfig struct {
	AccountSID        string `mapstructure:"account_sid"`
	AuthToken         string `mapstructure:"auth_token"`
	FromNumber        string `mapstructure:"from_number"`
	ValidateSignature bool   `mapstructure:"validate_signature"`

	// WebhookURL is the public URL Twilio posts to, used to verify
	// request signatures. Required when ValidateSignature is true.
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url"`
}

// PipelineConfig tunes the inbound message pipeline. The batch window plus
// worst-case parse and store latency must stay under the channel webhook
// response budget.
type PipelineConfig struct {
	BatchWindow    time.Duration `mapstructure:"batch_window"     validate:"min=0s,max=30s"`
	ParseTimeout   time.Duration `mapstructure:"parse_timeout"    validate:"min=1s"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout"    validate:"min=1s"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"     validate:"min=1s"`
	RecentLogLimit int           `mapstructure:"recent_log_limit" validate:"min=0,max=50"`
}

// ReminderConfig tunes the daily reminder sweep.
type ReminderConfig struct {
	AdvanceDays int `mapstructure:"advance_days" validate:"min=1,max=30"`
}

// TaskConfig describes one scheduled task entry.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// SchedulerConfig holds the scheduled task table, keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// MessagesConfig holds the fixed user-facing reply texts.
type MessagesConfig struct {
	NotRegistered  string `mapstructure:"not_registered"  validate:"required"`
	GeneralError   string `mapstructure:"general_error"   validate:"required"`
	Help           string `mapstructure:"help"            validate:"required"`
	EmptyMessage   string `mapstructure:"empty_message"   validate:"required"`
	CantUnderstand string `mapstructure:"cant_understand" validate:"required"`
	Cancelled      string `mapstructure:"cancelled"       validate:"required"`
}

// Validate applies cross-field rules that struct tags cannot express.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" && c.Twilio.AccountSID == "" {
		return fmt.Errorf("at least one channel must be configured (telegram.token or twilio.account_sid)")
	}
	if c.Twilio.AccountSID != "" && c.Twilio.AuthToken == "" {
		return fmt.Errorf("twilio.auth_token is required when twilio.account_sid is set")
	}
	if c.Twilio.AccountSID != "" && c.Twilio.ValidateSignature && c.Twilio.WebhookURL == "" {
		return fmt.Errorf("twilio.webhook_url is required when twilio.validate_signature is enabled")
	}

	// Inbound requests block for the batch window plus parse, store, and
	// send; the server must not time the response out underneath them.
	budget := c.Pipeline.BatchWindow + c.Pipeline.ParseTimeout + c.Pipeline.StoreTimeout + c.Pipeline.SendTimeout
	if budget >= c.Server.WriteTimeout {
		return fmt.Errorf("server.write_timeout (%s) must exceed the pipeline budget (%s)", c.Server.WriteTimeout, budget)
	}
	return nil
}
