package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"
)

// Sentinel errors callers branch on.
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrContactNotFound = errors.New("contact not found")
)

// Store defines the record store operations that are not scoped to a single
// user. Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// LookupUserByPhone retrieves the user owning the given phone number.
	// Returns ErrUserNotFound if no user is registered for it.
	LookupUserByPhone(ctx context.Context, phone string) (*User, error)

	// LookupUserByTelegram retrieves the user owning the given Telegram chat ID.
	// Returns ErrUserNotFound if no user is registered for it.
	LookupUserByTelegram(ctx context.Context, chatID string) (*User, error)

	// Users retrieves all registered users, for the reminder sweep.
	Users(ctx context.Context) ([]*User, error)

	// CreateUser inserts a new user record. Used by provisioning, never by
	// the message pipeline.
	CreateUser(ctx context.Context, user *User) error

	// ForUser returns a handle scoped to one user's contacts and logs.
	ForUser(user *User) UserRecords

	// RunMaintenance performs database maintenance tasks like VACUUM.
	RunMaintenance(ctx context.Context) error
}

// UserRecords is a per-user handle over one user's contacts and logs.
// The pipeline passes a handle through instead of the shared store so that
// concurrent requests for different users cannot interfere and tests can
// inject fakes per scenario.
type UserRecords interface {
	// User returns the owning user record.
	User() *User

	// ActiveContacts retrieves all active contacts, ordered by name.
	ActiveContacts(ctx context.Context) ([]Contact, error)

	// ContactByName retrieves one active contact by case-insensitive name.
	// Returns ErrContactNotFound if no active contact matches.
	ContactByName(ctx context.Context, name string) (*Contact, error)

	// CreateContact inserts a new contact, assigning its ID and timestamps.
	CreateContact(ctx context.Context, contact *Contact) error

	// UpdateContact persists the mutable fields of an existing contact.
	UpdateContact(ctx context.Context, contact *Contact) error

	// AppendLog inserts a log entry. Inserts are keyed on DedupeKey; a
	// conflicting key is silently skipped and reported as inserted=false.
	AppendLog(ctx context.Context, entry *LogEntry) (inserted bool, err error)

	// RecentLogs retrieves the most recent 'limit' log entries, newest first.
	RecentLogs(ctx context.Context, limit int) ([]LogEntry, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LookupUserByPhone retrieves the user owning the given phone number.
func (s *sqlxStore) LookupUserByPhone(ctx context.Context, phone string) (*User, error) {
	if phone == "" {
		return nil, fmt.Errorf("phone cannot be empty")
	}
	return s.lookupUser(ctx, `SELECT * FROM users WHERE phone = ?`, phone)
}

// LookupUserByTelegram retrieves the user owning the given Telegram chat ID.
func (s *sqlxStore) LookupUserByTelegram(ctx context.Context, chatID string) (*User, error) {
	if chatID == "" {
		return nil, fmt.Errorf("chat_id cannot be empty")
	}
	return s.lookupUser(ctx, `SELECT * FROM users WHERE telegram_chat_id = ?`, chatID)
}

func (s *sqlxStore) lookupUser(ctx context.Context, query, address string) (*User, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var user User
	err := s.db.GetContext(ctx, &user, s.db.Rebind(query), address)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No user found for channel address")
		return nil, ErrUserNotFound

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation during user lookup", "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error looking up user", "error", err)
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	return &user, nil
}

// Users retrieves all registered users ordered by creation time.
func (s *sqlxStore) Users(ctx context.Context) ([]*User, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var users []*User
	query := `SELECT * FROM users ORDER BY created_at ASC, id ASC`

	err := s.db.SelectContext(ctx, &users, query)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching users", "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting all users", "error", err)
		return nil, fmt.Errorf("failed to get users: %w", err)
	}

	s.logger.DebugContext(ctx, "Fetched users successfully", "count", len(users))
	return users, nil
}

// CreateUser inserts a new user record, assigning its ID and timestamps.
func (s *sqlxStore) CreateUser(ctx context.Context, user *User) error {
	if user == nil {
		return fmt.Errorf("cannot create nil user")
	}
	if user.Name == "" {
		return fmt.Errorf("user must have a non-empty name")
	}
	if user.Phone == "" && user.TelegramChatID == "" {
		return fmt.Errorf("user must have at least one channel address")
	}

	if user.ID == "" {
		user.ID = ulid.Make().String()
	}
	if user.Timezone == "" {
		user.Timezone = "UTC"
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `
        INSERT INTO users (id, name, phone, telegram_chat_id, timezone, reminder_days, created_at, updated_at)
        VALUES (:id, :name, :phone, :telegram_chat_id, :timezone, :reminder_days, :created_at, :updated_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, user); err != nil {
		s.logger.ErrorContext(ctx, "Error creating user", "user_id", user.ID, "error", err)
		return fmt.Errorf("failed to create user %s: %w", user.Name, err)
	}

	s.logger.InfoContext(ctx, "User created", "user_id", user.ID, "name", user.Name)
	return nil
}

// ForUser returns a handle scoped to one user's contacts and logs.
func (s *sqlxStore) ForUser(user *User) UserRecords {
	return &userRecords{
		store:  s,
		user:   user,
		logger: s.logger.With("user_id", user.ID),
	}
}

// RunMaintenance executes a VACUUM command on the database.
func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	_, err := s.db.ExecContext(ctx, "VACUUM;")

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	return nil
}

// userRecords implements UserRecords over the shared sqlx pool.
type userRecords struct {
	store  *sqlxStore
	user   *User
	logger *slog.Logger
}

// User returns the owning user record.
func (r *userRecords) User() *User {
	return r.user
}

// ActiveContacts retrieves all active contacts for the user, ordered by name.
func (r *userRecords) ActiveContacts(ctx context.Context) ([]Contact, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var contacts []Contact
	query := `
        SELECT * FROM contacts
        WHERE user_id = ? AND status = ?
        ORDER BY name ASC;
    `

	err := r.store.db.SelectContext(ctx, &contacts, r.store.db.Rebind(query), r.user.ID, StatusActive)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		r.logger.WarnContext(ctx, "Context timeout or cancellation while fetching contacts", "error", err)
		return nil, err

	case err != nil:
		r.logger.ErrorContext(ctx, "Error getting active contacts", "error", err)
		return nil, fmt.Errorf("failed to get active contacts: %w", err)
	}

	r.logger.DebugContext(ctx, "Fetched active contacts successfully", "count", len(contacts))
	return contacts, nil
}

// ContactByName retrieves one active contact by case-insensitive name.
func (r *userRecords) ContactByName(ctx context.Context, name string) (*Contact, error) {
	if name == "" {
		return nil, fmt.Errorf("contact name cannot be empty")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var contact Contact
	query := `
        SELECT * FROM contacts
        WHERE user_id = ? AND LOWER(name) = LOWER(?) AND status = ?
        LIMIT 1;
    `

	err := r.store.db.GetContext(ctx, &contact, r.store.db.Rebind(query), r.user.ID, name, StatusActive)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		r.logger.DebugContext(ctx, "No active contact found", "name", name)
		return nil, ErrContactNotFound

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		r.logger.WarnContext(ctx, "Context timeout or cancellation during contact lookup", "name", name, "error", err)
		return nil, err

	case err != nil:
		r.logger.ErrorContext(ctx, "Error looking up contact", "name", name, "error", err)
		return nil, fmt.Errorf("failed to look up contact %q: %w", name, err)
	}

	return &contact, nil
}

// CreateContact inserts a new contact, assigning its ID and timestamps.
func (r *userRecords) CreateContact(ctx context.Context, contact *Contact) error {
	if contact == nil {
		return fmt.Errorf("cannot create nil contact")
	}
	if contact.Name == "" {
		return fmt.Errorf("contact must have a non-empty name")
	}

	if contact.ID == "" {
		contact.ID = ulid.Make().String()
	}
	contact.UserID = r.user.ID
	if contact.Status == "" {
		contact.Status = StatusActive
	}
	now := time.Now().UTC()
	contact.CreatedAt = now
	contact.UpdatedAt = now

	query := `
        INSERT INTO contacts (id, user_id, name, reminder_date, last_contact_date, last_summary, status, created_at, updated_at)
        VALUES (:id, :user_id, :name, :reminder_date, :last_contact_date, :last_summary, :status, :created_at, :updated_at);
    `

	if _, err := r.store.db.NamedExecContext(ctx, query, contact); err != nil {
		r.logger.ErrorContext(ctx, "Error creating contact", "name", contact.Name, "error", err)
		return fmt.Errorf("failed to create contact %q: %w", contact.Name, err)
	}

	r.logger.DebugContext(ctx, "Contact created", "contact_id", contact.ID, "name", contact.Name)
	return nil
}

// UpdateContact persists the mutable fields of an existing contact.
func (r *userRecords) UpdateContact(ctx context.Context, contact *Contact) error {
	if contact == nil {
		return fmt.Errorf("cannot update nil contact")
	}
	if contact.ID == "" {
		return fmt.Errorf("contact must have an ID")
	}

	contact.UpdatedAt = time.Now().UTC()

	query := `
        UPDATE contacts SET
            name = :name,
            reminder_date = :reminder_date,
            last_contact_date = :last_contact_date,
            last_summary = :last_summary,
            status = :status,
            updated_at = :updated_at
        WHERE id = :id AND user_id = :user_id;
    `

	result, err := r.store.db.NamedExecContext(ctx, query, contact)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating contact", "contact_id", contact.ID, "error", err)
		return fmt.Errorf("failed to update contact %q: %w", contact.Name, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		r.logger.WarnContext(ctx, "Could not get affected row count when updating contact",
			"contact_id", contact.ID, "error", err)
	} else if affected == 0 {
		return fmt.Errorf("%w: %s", ErrContactNotFound, contact.ID)
	}

	r.logger.DebugContext(ctx, "Contact updated", "contact_id", contact.ID, "name", contact.Name)
	return nil
}

// AppendLog inserts a log entry keyed on DedupeKey. A conflicting key means
// the entry was already written by an earlier run of the same batch; the
// insert is skipped and reported as inserted=false.
func (r *userRecords) AppendLog(ctx context.Context, entry *LogEntry) (bool, error) {
	if entry == nil {
		return false, fmt.Errorf("cannot append nil log entry")
	}
	if entry.DedupeKey == "" {
		return false, fmt.Errorf("log entry must have a dedupe key")
	}

	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	entry.UserID = r.user.ID
	entry.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO logs (id, user_id, entry_date, contact_name, intent, notes, raw_message, dedupe_key, created_at)
        VALUES (:id, :user_id, :entry_date, :contact_name, :intent, :notes, :raw_message, :dedupe_key, :created_at)
        ON CONFLICT (dedupe_key) DO NOTHING;
    `

	result, err := r.store.db.NamedExecContext(ctx, query, entry)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error appending log entry", "contact_name", entry.ContactName, "error", err)
		return false, fmt.Errorf("failed to append log entry for %q: %w", entry.ContactName, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		r.logger.WarnContext(ctx, "Could not get affected row count when appending log entry", "error", err)
		return true, nil
	}
	if affected == 0 {
		r.logger.InfoContext(ctx, "Log entry already written, skipping duplicate",
			"dedupe_key", entry.DedupeKey)
		return false, nil
	}

	r.logger.DebugContext(ctx, "Log entry appended", "log_id", entry.ID, "intent", entry.Intent)
	return true, nil
}

// RecentLogs retrieves the most recent 'limit' log entries, newest first.
func (r *userRecords) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 10
	} else if limit > 100 {
		limit = 100
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var entries []LogEntry
	query := `
        SELECT * FROM logs
        WHERE user_id = ?
        ORDER BY created_at DESC, id DESC
        LIMIT ?;
    `

	err := r.store.db.SelectContext(ctx, &entries, r.store.db.Rebind(query), r.user.ID, limit)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		r.logger.WarnContext(ctx, "Context timeout or cancellation while fetching logs", "error", err)
		return nil, err

	case err != nil:
		r.logger.ErrorContext(ctx, "Error getting recent logs", "error", err)
		return nil, fmt.Errorf("failed to get recent logs: %w", err)
	}

	r.logger.DebugContext(ctx, "Fetched recent logs successfully", "count", len(entries))
	return entries, nil
}
