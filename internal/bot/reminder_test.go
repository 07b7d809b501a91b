package bot_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rolodex-crm/rolodex/internal/bot"
	"github.com/rolodex-crm/rolodex/internal/config"
	"github.com/rolodex-crm/rolodex/internal/database"
)

type sentMessage struct {
	userID string
	text   string
}

// fakeMessenger records outbound messages. It can be told to fail for
// specific users or to block until released, for exercising the sweep's
// error isolation and single-flight behavior.
type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[string]bool

	block     chan struct{}
	started   chan struct{}
	startOnce sync.Once
}

func (f *fakeMessenger) Send(ctx context.Context, user *database.User, text string) error {
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[user.ID] {
		return errors.New("provider rejected the message")
	}
	f.sent = append(f.sent, sentMessage{userID: user.ID, text: text})
	return nil
}

func (f *fakeMessenger) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func newTestStore(t *testing.T) database.Store {
	t.Helper()

	db, err := database.NewDB(config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             filepath.Join(t.TempDir(), "records.db"),
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })
	return database.NewStore(db, discardLogger())
}

func addUser(t *testing.T, store database.Store, name, phone, timezone string) *database.User {
	t.Helper()
	user := &database.User{Name: name, Phone: phone, Timezone: timezone, ReminderDays: 30}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create user %s: %v", name, err)
	}
	return user
}

func seedContact(t *testing.T, store database.Store, user *database.User, contact *database.Contact) {
	t.Helper()
	if err := store.ForUser(user).CreateContact(context.Background(), contact); err != nil {
		t.Fatalf("failed to seed contact %s: %v", contact.Name, err)
	}
}

func newScanner(store database.Store, messenger *fakeMessenger, at time.Time) *bot.Scanner {
	clock := clockwork.NewFakeClockAt(at)
	return bot.NewScanner(store, messenger, clock, 7, time.Second, discardLogger())
}

func TestSweepComposesOneMessagePerUser(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	user := addUser(t, store, "Pat", "+15551230000", "UTC")

	// Due today.
	seedContact(t, store, user, &database.Contact{Name: "Aldo", ReminderDate: "2026-03-14", LastSummary: "espresso chat"})
	// Not due yet.
	seedContact(t, store, user, &database.Contact{Name: "Berta", ReminderDate: "2026-03-15"})
	// No reminder at all.
	seedContact(t, store, user, &database.Contact{Name: "Cleo"})
	// Coming due in a week, last touched long ago.
	seedContact(t, store, user, &database.Contact{Name: "Drew", ReminderDate: "2026-03-21", LastContactDate: "2026-03-01", LastSummary: "museum"})
	// Coming due, but the reminder stems from a fresh interaction.
	seedContact(t, store, user, &database.Contact{Name: "Elle", ReminderDate: "2026-03-21", LastContactDate: "2026-03-14"})
	// Coming due but never contacted; no advance notice without a baseline.
	seedContact(t, store, user, &database.Contact{Name: "Fynn", ReminderDate: "2026-03-21"})
	// Malformed reminder dates are skipped, not fatal.
	seedContact(t, store, user, &database.Contact{Name: "Gus", ReminderDate: "soon"})
	// Archived contacts are invisible to the sweep.
	seedContact(t, store, user, &database.Contact{Name: "Hana", ReminderDate: "2026-03-14", Status: database.StatusArchived})

	messenger := &fakeMessenger{}
	scanner := newScanner(store, messenger, testNow)

	report, err := scanner.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Users != 1 || report.Notified != 1 || report.Failures != 0 {
		t.Errorf("report = %+v", report)
	}

	sent := messenger.messages()
	if len(sent) != 1 {
		t.Fatalf("got %d messages, want 1 combined message", len(sent))
	}
	want := "Rolodex reminders:\n- Aldo (last: espresso chat)\n- Drew in 1 week (last: museum)"
	if sent[0].text != want {
		t.Errorf("message = %q\nwant      %q", sent[0].text, want)
	}
}

func TestSweepSkipsQuietUsers(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	busy := addUser(t, store, "Pat", "+15551230000", "UTC")
	quiet := addUser(t, store, "Quinn", "+15551230001", "UTC")

	seedContact(t, store, busy, &database.Contact{Name: "Aldo", ReminderDate: "2026-03-14"})
	seedContact(t, store, quiet, &database.Contact{Name: "Berta", ReminderDate: "2026-09-01"})

	messenger := &fakeMessenger{}
	report, err := newScanner(store, messenger, testNow).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Users != 2 || report.Notified != 1 {
		t.Errorf("report = %+v", report)
	}

	sent := messenger.messages()
	if len(sent) != 1 || sent[0].userID != busy.ID {
		t.Errorf("messages = %+v, want only the user with a due contact", sent)
	}
}

func TestSweepUsesEachUsersTimezone(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	auckland := addUser(t, store, "Aroha", "+6421555000", "Pacific/Auckland")
	honolulu := addUser(t, store, "Keanu", "+18085550000", "Pacific/Honolulu")

	// At 02:00 UTC on March 14 it is already the 14th in Auckland but
	// still the 13th in Honolulu.
	seedContact(t, store, auckland, &database.Contact{Name: "Mere", ReminderDate: "2026-03-14"})
	seedContact(t, store, honolulu, &database.Contact{Name: "Lani", ReminderDate: "2026-03-14"})

	messenger := &fakeMessenger{}
	at := time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)
	report, err := newScanner(store, messenger, at).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Notified != 1 {
		t.Errorf("report = %+v, want exactly one notification", report)
	}

	sent := messenger.messages()
	if len(sent) != 1 || sent[0].userID != auckland.ID {
		t.Errorf("messages = %+v, want only the user whose local date matched", sent)
	}
}

func TestSweepIsolatesPerUserFailures(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	broken := addUser(t, store, "Pat", "+15551230000", "UTC")
	fine := addUser(t, store, "Quinn", "+15551230001", "UTC")

	seedContact(t, store, broken, &database.Contact{Name: "Aldo", ReminderDate: "2026-03-14"})
	seedContact(t, store, fine, &database.Contact{Name: "Berta", ReminderDate: "2026-03-14"})

	messenger := &fakeMessenger{failFor: map[string]bool{broken.ID: true}}
	report, err := newScanner(store, messenger, testNow).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if report.Users != 2 || report.Notified != 1 || report.Failures != 1 {
		t.Errorf("report = %+v", report)
	}
	sent := messenger.messages()
	if len(sent) != 1 || sent[0].userID != fine.ID {
		t.Errorf("messages = %+v, want the healthy user still notified", sent)
	}
}

func TestSweepSingleFlight(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	user := addUser(t, store, "Pat", "+15551230000", "UTC")
	seedContact(t, store, user, &database.Contact{Name: "Aldo", ReminderDate: "2026-03-14"})

	release := make(chan struct{})
	messenger := &fakeMessenger{block: release, started: make(chan struct{})}
	scanner := newScanner(store, messenger, testNow)

	done := make(chan error, 1)
	go func() {
		_, err := scanner.Sweep(context.Background())
		done <- err
	}()

	<-messenger.started
	if _, err := scanner.Sweep(context.Background()); !errors.Is(err, bot.ErrSweepInFlight) {
		t.Errorf("overlapping Sweep() error = %v, want ErrSweepInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Sweep() error = %v", err)
	}
}
