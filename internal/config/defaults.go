package config

import "time"

// Default values for configuration
const (
	// Log defaults
	DefaultLogLevel = "info"
	DefaultLogJSON  = true

	// Server defaults
	DefaultServerAddr            = ":8080"
	DefaultServerReadTimeout     = 15 * time.Second
	DefaultServerWriteTimeout    = 60 * time.Second // Must cover the batch window plus parse, store, and send
	DefaultServerIdleTimeout     = 60 * time.Second
	DefaultServerShutdownTimeout = 10 * time.Second

	// Database defaults
	DefaultDBDriver          = "sqlite"
	DefaultDBDSN             = "rolodex.db"
	DefaultDBMaxOpenConns    = 1 // SQLite doesn't support concurrent writes
	DefaultDBMaxIdleConns    = 1
	DefaultDBConnMaxLifetime = 5 * time.Minute

	// State store defaults
	DefaultStatePath      = "state.db"
	DefaultIdempotencyTTL = time.Hour
	DefaultContextTTL     = 10 * time.Minute
	DefaultBatchTTL       = time.Hour

	// Gemini defaults
	DefaultGeminiModel             = "gemini-2.0-flash"
	DefaultGeminiTemperature       = 0.2
	DefaultGeminiMaxRetries        = 2
	DefaultGeminiRetryDelaySeconds = 2
	DefaultGeminiTimeout           = 30 * time.Second

	// Pipeline defaults
	DefaultBatchWindow    = 5 * time.Second
	DefaultParseTimeout   = 30 * time.Second
	DefaultStoreTimeout   = 10 * time.Second
	DefaultSendTimeout    = 10 * time.Second
	DefaultRecentLogLimit = 10

	// Reminder defaults
	DefaultReminderAdvanceDays = 7
)

// Default user-facing messages
var DefaultMessages = MessagesConfig{
	NotRegistered: "Sorry, I don't recognize this number. Rolodex is invite-only right now.",
	GeneralError:  "Something went wrong. Please try again.",
	Help: "I keep track of the people you care about. Text me things like:\n" +
		"- \"Had coffee with Sarah, she just got back from Peru\"\n" +
		"- \"Remind me to call Dad in two weeks\"\n" +
		"- \"When did I last talk to Mike?\"",
	EmptyMessage:   "I didn't catch that. Try something like \"Had lunch with Alex\".",
	CantUnderstand: "I couldn't understand that. Try something like 'Had coffee with Sarah'.",
	Cancelled:      "OK, cancelled.",
}

// Default scheduled tasks. State compaction runs hourly; the in-process
// reminder sweep and database maintenance ship disabled (the sweep is
// normally triggered through /reminder-cron).
var DefaultSchedulerTasks = map[string]TaskConfig{
	"reminder_sweep":   {Enabled: false, Schedule: "0 0 9 * * *"},
	"state_compaction": {Enabled: true, Schedule: "0 15 * * * *"},
	"db_maintenance":   {Enabled: false, Schedule: "0 30 3 * * 0"},
}
