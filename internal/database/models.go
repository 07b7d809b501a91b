package database

import (
	"log/slog"
	"time"
)

// DateLayout is the storage format for calendar date fields (reminder_date,
// last_contact_date, entry_date). Dates in this layout compare correctly as
// strings.
const DateLayout = "2006-01-02"

// Contact status values. The active -> archived transition is one-way;
// a later mention of an archived name creates a new contact.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// User represents a registered Rolodex user and their settings. Users are
// provisioned externally; the orchestration core only reads them.
type User struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	Name           string `db:"name"`
	Phone          string `db:"phone"`
	TelegramChatID string `db:"telegram_chat_id"`
	Timezone       string `db:"timezone"`
	ReminderDays   int    `db:"reminder_days"`
}

// Location resolves the user's IANA timezone, falling back to UTC when the
// configured name does not resolve.
func (u *User) Location() *time.Location {
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		slog.Warn("Invalid user timezone, falling back to UTC", "user_id", u.ID, "timezone", u.Timezone)
		return time.UTC
	}
	return loc
}

// Today returns the calendar date at the given instant in the user's timezone.
func (u *User) Today(now time.Time) string {
	return now.In(u.Location()).Format(DateLayout)
}

// Contact represents one person in a user's rolodex. Date fields hold
// DateLayout strings and are empty when unset.
type Contact struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	UserID          string `db:"user_id"`
	Name            string `db:"name"`
	ReminderDate    string `db:"reminder_date"`
	LastContactDate string `db:"last_contact_date"`
	LastSummary     string `db:"last_summary"`
	Status          string `db:"status"`
}

// LogEntry is an immutable, append-only record of one executed intent.
// DedupeKey is derived from the owning batch so that re-running a batch
// cannot create duplicate rows.
type LogEntry struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	UserID      string `db:"user_id"`
	EntryDate   string `db:"entry_date"`
	ContactName string `db:"contact_name"`
	Intent      string `db:"intent"`
	Notes       string `db:"notes"`
	RawMessage  string `db:"raw_message"`
	DedupeKey   string `db:"dedupe_key"`
}
