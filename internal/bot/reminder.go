package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rolodex-crm/rolodex/internal/channel"
	"github.com/rolodex-crm/rolodex/internal/database"
)

// ErrSweepInFlight is returned when a sweep is requested while another one
// is still running.
var ErrSweepInFlight = errors.New("reminder sweep already in flight")

// SweepReport summarizes one reminder sweep.
type SweepReport struct {
	Users    int `json:"users"`
	Notified int `json:"notified"`
	Failures int `json:"failures"`
}

// Scanner runs the daily reminder sweep: for every user it computes "today"
// in the user's own timezone, picks the contacts due today or coming due,
// and sends one combined message. The sweep only reads contact records;
// reminders advance only when the user actually gets in touch.
type Scanner struct {
	logger      *slog.Logger
	store       database.Store
	messenger   channel.Messenger
	clock       clockwork.Clock
	advanceDays int
	sendTimeout time.Duration

	mu sync.Mutex
}

// NewScanner returns a Scanner. advanceDays controls how far ahead the
// "coming due" notice looks.
func NewScanner(store database.Store, messenger channel.Messenger, clock clockwork.Clock, advanceDays int, sendTimeout time.Duration, logger *slog.Logger) *Scanner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scanner{
		logger:      logger.With("component", "reminder"),
		store:       store,
		messenger:   messenger,
		clock:       clock,
		advanceDays: advanceDays,
		sendTimeout: sendTimeout,
	}
}

// Sweep runs one reminder pass over all users. Only one sweep runs at a
// time; overlapping calls get ErrSweepInFlight. A failure for one user is
// logged and skipped, it never stops the rest of the pass.
func (s *Scanner) Sweep(ctx context.Context) (*SweepReport, error) {
	if !s.mu.TryLock() {
		return nil, ErrSweepInFlight
	}
	defer s.mu.Unlock()

	users, err := s.store.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users for reminder sweep: %w", err)
	}

	report := &SweepReport{Users: len(users)}
	now := s.clock.Now()

	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		sent, err := s.sweepUser(ctx, user, now)
		if err != nil {
			report.Failures++
			s.logger.ErrorContext(ctx, "Reminder sweep failed for user",
				"user_id", user.ID,
				"error", err)
			continue
		}
		if sent {
			report.Notified++
		}
	}

	s.logger.InfoContext(ctx, "Reminder sweep finished",
		"users", report.Users,
		"notified", report.Notified,
		"failures", report.Failures)
	return report, nil
}

func (s *Scanner) sweepUser(ctx context.Context, user *database.User, now time.Time) (bool, error) {
	today := user.Today(now)

	contacts, err := s.store.ForUser(user).ActiveContacts(ctx)
	if err != nil {
		return false, err
	}

	notices := reminderNotices(contacts, today, s.advanceDays)
	if len(notices) == 0 {
		return false, nil
	}

	body := "Rolodex reminders:\n" + strings.Join(notices, "\n")

	sendCtx := ctx
	if s.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()
	}
	if err := s.messenger.Send(sendCtx, user, body); err != nil {
		return false, err
	}

	s.logger.InfoContext(ctx, "Reminder sent",
		"user_id", user.ID,
		"today", today,
		"notices", len(notices))
	return true, nil
}

// reminderNotices picks the notice lines for one user's contacts. A contact
// is due today when its reminder date equals today. It is coming due when
// the reminder lands exactly advanceDays out and the last contact was not
// itself within advanceDays of the reminder, so a fresh interaction
// suppresses the advance notice.
func reminderNotices(contacts []database.Contact, today string, advanceDays int) []string {
	horizon := addDays(today, advanceDays)
	ahead := fmt.Sprintf("in %d days", advanceDays)
	if advanceDays == 7 {
		ahead = "in 1 week"
	}

	var notices []string
	for _, contact := range contacts {
		if contact.ReminderDate == "" {
			continue
		}
		if _, err := time.Parse(database.DateLayout, contact.ReminderDate); err != nil {
			continue
		}

		if contact.ReminderDate == today {
			notices = append(notices, fmt.Sprintf("- %s (last: %s)", contact.Name, contact.LastSummary))
			continue
		}

		if contact.ReminderDate == horizon && contact.LastContactDate != "" {
			if _, err := time.Parse(database.DateLayout, contact.LastContactDate); err != nil {
				continue
			}
			if contact.ReminderDate > addDays(contact.LastContactDate, advanceDays) {
				notices = append(notices, fmt.Sprintf("- %s %s (last: %s)", contact.Name, ahead, contact.LastSummary))
			}
		}
	}
	return notices
}
