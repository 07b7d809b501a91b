package bot_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rolodex-crm/rolodex/internal/bot"
	"github.com/rolodex-crm/rolodex/internal/config"
	"github.com/rolodex-crm/rolodex/internal/database"
	"github.com/rolodex-crm/rolodex/internal/parser"
)

// The fixed test instant puts "today" at 2026-03-14 UTC.
var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

const (
	testToday        = "2026-03-14"
	testReminderDflt = "2026-03-28" // today + 14
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRecords(t *testing.T) database.UserRecords {
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

	store := database.NewStore(db, discardLogger())
	user := &database.User{
		Name:         "Pat",
		Phone:        "+15551230000",
		Timezone:     "UTC",
		ReminderDays: 14,
	}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return store.ForUser(user)
}

func newTestExecutor() *bot.Executor {
	clock := clockwork.NewFakeClockAt(testNow)
	return bot.NewExecutor(clock, config.DefaultMessages, discardLogger())
}

func addContact(t *testing.T, records database.UserRecords, contact *database.Contact) *database.Contact {
	t.Helper()
	if err := records.CreateContact(context.Background(), contact); err != nil {
		t.Fatalf("failed to seed contact %s: %v", contact.Name, err)
	}
	return contact
}

func mustContact(t *testing.T, records database.UserRecords, name string) *database.Contact {
	t.Helper()
	contact, err := records.ContactByName(context.Background(), name)
	if err != nil {
		t.Fatalf("expected contact %q on file: %v", name, err)
	}
	return contact
}

func allLogs(t *testing.T, records database.UserRecords) []database.LogEntry {
	t.Helper()
	logs, err := records.RecentLogs(context.Background(), 50)
	if err != nil {
		t.Fatalf("failed to read logs: %v", err)
	}
	return logs
}

func testBatch(text string) *bot.Batch {
	return &bot.Batch{
		SenderKey: "sms/+15551230000",
		ID:        "SM100",
		Text:      text,
		OwnerSeq:  1,
	}
}

func TestSaveInteraction(t *testing.T) {
	t.Parallel()

	t.Run("existing reminder survives without explicit follow-up", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()
		addContact(t, records, &database.Contact{
			Name:            "Sarah Chen",
			ReminderDate:    "2026-06-01",
			LastContactDate: "2026-01-05",
		})

		batch := testBatch("Had coffee with Sarah")
		out, err := exec.Execute(context.Background(), records, nil, &parser.Result{
			Intent:          parser.IntentLogInteraction,
			Contacts:        []parser.ContactRef{{Name: "Sarah Chen", MatchType: parser.MatchExact}},
			ResponseMessage: "Logged coffee with Sarah Chen.",
		}, batch)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		contact := mustContact(t, records, "Sarah Chen")
		if contact.LastContactDate != testToday {
			t.Errorf("last contact = %q, want %q", contact.LastContactDate, testToday)
		}
		if contact.LastSummary != "Had coffee with Sarah" {
			t.Errorf("summary = %q", contact.LastSummary)
		}
		if contact.ReminderDate != "2026-06-01" {
			t.Errorf("reminder = %q, want preserved 2026-06-01", contact.ReminderDate)
		}
		if out.Reply != "Logged coffee with Sarah Chen." {
			t.Errorf("reply = %q", out.Reply)
		}

		logs := allLogs(t, records)
		if len(logs) != 1 {
			t.Fatalf("got %d log entries, want 1", len(logs))
		}
		if logs[0].Intent != parser.IntentLogInteraction || logs[0].ContactName != "Sarah Chen" {
			t.Errorf("log entry = %+v", logs[0])
		}
		if logs[0].DedupeKey != "SM100|sarah chen|log_interaction" {
			t.Errorf("dedupe key = %q", logs[0].DedupeKey)
		}
	})

	t.Run("missing reminder gets the registration default", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()
		addContact(t, records, &database.Contact{Name: "Mike"})

		_, err := exec.Execute(context.Background(), records, nil, &parser.Result{
			Intent:   parser.IntentLogInteraction,
			Contacts: []parser.ContactRef{{Name: "Mike", MatchType: parser.MatchExact}},
		}, testBatch("Talked to Mike"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		if got := mustContact(t, records, "Mike").ReminderDate; got != testReminderDflt {
			t.Errorf("reminder = %q, want %q", got, testReminderDflt)
		}
	})

	t.Run("explicit follow-up overrides the reminder", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()
		addContact(t, records, &database.Contact{Name: "Mike", ReminderDate: "2026-06-01"})

		_, err := exec.Execute(context.Background(), records, nil, &parser.Result{
			Intent:       parser.IntentLogInteraction,
			Contacts:     []parser.ContactRef{{Name: "Mike", MatchType: parser.MatchExact}},
			FollowUpDate: "2026-04-01",
		}, testBatch("Lunch with Mike, follow up in a couple weeks"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		if got := mustContact(t, records, "Mike").ReminderDate; got != "2026-04-01" {
			t.Errorf("reminder = %q, want explicit 2026-04-01", got)
		}
	})

	t.Run("backdated interaction keeps default reminder anchored to today", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()
		addContact(t, records, &database.Contact{Name: "Mike"})

		_, err := exec.Execute(context.Background(), records, nil, &parser.Result{
			Intent:          parser.IntentLogInteraction,
			Contacts:        []parser.ContactRef{{Name: "Mike", MatchType: parser.MatchExact}},
			InteractionDate: "2026-03-01",
		}, testBatch("Saw Mike a couple weeks ago"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		contact := mustContact(t, records, "Mike")
		if contact.LastContactDate != "2026-03-01" {
			t.Errorf("last contact = %q, want backdated 2026-03-01", contact.LastContactDate)
		}
		if contact.ReminderDate != testReminderDflt {
			t.Errorf("reminder = %q, want %q (anchored to today)", contact.ReminderDate, testReminderDflt)
		}
	})
}

func TestSetReminder(t *testing.T) {
	t.Parallel()

	t.Run("explicit date wins", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()
		addContact(t, records, &database.Contact{Name: "Dad", ReminderDate: "2026-03-20"})

		_, err := exec.Execute(context.Background(), records, nil, &parser.Result{
			Intent:       parser.IntentSetReminder,
			Contacts:     []parser.ContactRef{{Name: "Dad", MatchType: parser.MatchExact}},
			FollowUpDate: "2026-05-01",
		}, testBatch("Remind me to call Dad on May 1st"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		if got := mustContact(t, records, "Dad").ReminderDate; got != "2026-05-01" {
			t.Errorf("reminder = %q, want 2026-05-01", got)
		}
		logs := allLogs(t, records)
		if len(logs) != 1 || logs[0].Intent != parser.IntentSetReminder {
			t.Errorf("logs = %+v, want one set_reminder entry", logs)
		}
	})

	t.Run("no date falls back to the default horizon", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()
		addContact(t, records, &database.Contact{Name: "Dad", ReminderDate: "2026-03-20"})

		_, err := exec.Execute(context.Background(), records, nil, &parser.Result{
			Intent:   parser.IntentSetReminder,
			Contacts: []parser.ContactRef{{Name: "Dad", MatchType: parser.MatchExact}},
		}, testBatch("Remind me about Dad"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		if got := mustContact(t, records, "Dad").ReminderDate; got != testReminderDflt {
			t.Errorf("reminder = %q, want %q", got, testReminderDflt)
		}
	})

	t.Run("last contact date is untouched", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()
		addContact(t, records, &database.Contact{Name: "Dad", LastContactDate: "2026-02-01", LastSummary: "birthday call"})

		_, err := exec.Execute(context.Background(), records, nil, &parser.Result{
			Intent:       parser.IntentSetReminder,
			Contacts:     []parser.ContactRef{{Name: "Dad", MatchType: parser.MatchExact}},
			FollowUpDate: "2026-05-01",
		}, testBatch("Remind me to call Dad on May 1st"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		contact := mustContact(t, records, "Dad")
		if contact.LastContactDate != "2026-02-01" || contact.LastSummary != "birthday call" {
			t.Errorf("interaction fields changed: %+v", contact)
		}
	})
}

func TestRename(t *testing.T) {
	t.Parallel()

	records := newTestRecords(t)
	exec := newTestExecutor()
	addContact(t, records, &database.Contact{Name: "Sara", ReminderDate: "2026-06-01", LastContactDate: "2026-02-01"})

	_, err := exec.Execute(context.Background(), records, nil, &parser.Result{
		Intent:   parser.IntentUpdateContact,
		Contacts: []parser.ContactRef{{Name: "Sara", MatchType: parser.MatchExact}},
		NewName:  "Sara Johansson",
	}, testBatch("Sara's full name is Sara Johansson"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if _, err := records.ContactByName(context.Background(), "Sara"); !errors.Is(err, database.ErrContactNotFound) {
		t.Errorf("old name still resolves, err = %v", err)
	}
	contact := mustContact(t, records, "Sara Johansson")
	if contact.ReminderDate != "2026-06-01" || contact.LastContactDate != "2026-02-01" {
		t.Errorf("rename clobbered other fields: %+v", contact)
	}

	logs := allLogs(t, records)
	if len(logs) != 1 {
		t.Fatalf("got %d log entries, want 1", len(logs))
	}
	if logs[0].ContactName != "Sara Johansson" {
		t.Errorf("log recorded under %q, want the new name", logs[0].ContactName)
	}
}

func TestArchiveTwoStep(t *testing.T) {
	t.Parallel()

	t.Run("first mention only asks", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()
		addContact(t, records, &database.Contact{Name: "Tom Odd"})

		out, err := exec.Execute(context.Background(), records, nil, &parser.Result{
			Intent:                parser.IntentArchive,
			Contacts:              []parser.ContactRef{{Name: "Tom Odd", MatchType: parser.MatchExact}},
			NeedsClarification:    true,
			ClarificationQuestion: "Archive Tom Odd for good?",
		}, testBatch("archive tom"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		if out.PutContext == nil {
			t.Fatal("expected a pending confirmation context")
		}
		if out.PutContext.Kind != parser.KindAwaitingConfirmation || out.PutContext.Action != parser.ActionArchive {
			t.Errorf("context = %+v", out.PutContext)
		}
		if out.PutContext.ContactName != "Tom Odd" {
			t.Errorf("context contact = %q", out.PutContext.ContactName)
		}
		if out.Reply != "Archive Tom Odd for good?" {
			t.Errorf("reply = %q", out.Reply)
		}

		if got := mustContact(t, records, "Tom Odd").Status; got != database.StatusActive {
			t.Errorf("contact status = %q before confirmation", got)
		}
		if logs := allLogs(t, records); len(logs) != 0 {
			t.Errorf("first mention wrote %d log entries", len(logs))
		}
	})

	t.Run("confirmation archives and logs", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()
		addContact(t, records, &database.Contact{Name: "Tom Odd"})

		pending := &parser.PendingContext{
			Kind:            parser.KindAwaitingConfirmation,
			Action:          parser.ActionArchive,
			PendingIntent:   parser.IntentArchive,
			OriginalMessage: "archive tom",
			ContactName:     "Tom Odd",
		}
		out, err := exec.Execute(context.Background(), records, pending, &parser.Result{
			IsContinuation:  true,
			PendingIntent:   parser.IntentArchive,
			Intent:          parser.IntentArchive,
			Contacts:        []parser.ContactRef{{Name: "Tom Odd", MatchType: parser.MatchExact}},
			ResponseMessage: "Archived Tom Odd.",
		}, testBatch("yes"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		if !out.ClearContext {
			t.Error("context not cleared after confirmation")
		}
		if out.Reply != "Archived Tom Odd." {
			t.Errorf("reply = %q", out.Reply)
		}

		if _, err := records.ContactByName(context.Background(), "Tom Odd"); !errors.Is(err, database.ErrContactNotFound) {
			t.Errorf("contact still active, err = %v", err)
		}

		logs := allLogs(t, records)
		if len(logs) != 1 || logs[0].Intent != parser.IntentArchive {
			t.Fatalf("logs = %+v, want one archive entry", logs)
		}
		if logs[0].RawMessage != "archive tom" {
			t.Errorf("archive logged raw message %q, want the original instruction", logs[0].RawMessage)
		}
	})

	t.Run("denial cancels without mutation", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()
		addContact(t, records, &database.Contact{Name: "Tom Odd"})

		pending := &parser.PendingContext{
			Kind:          parser.KindAwaitingConfirmation,
			Action:        parser.ActionArchive,
			PendingIntent: parser.IntentArchive,
			ContactName:   "Tom Odd",
		}
		out, err := exec.Execute(context.Background(), records, pending, &parser.Result{
			IsContinuation:  true,
			PendingIntent:   parser.IntentArchive,
			Intent:          parser.IntentUnknown,
			ResponseMessage: "OK, cancelled.",
		}, testBatch("no"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		if !out.ClearContext {
			t.Error("context not cleared after denial")
		}
		if out.Reply != "OK, cancelled." {
			t.Errorf("reply = %q", out.Reply)
		}
		if got := mustContact(t, records, "Tom Odd").Status; got != database.StatusActive {
			t.Errorf("denial changed status to %q", got)
		}
	})
}

func TestSupersession(t *testing.T) {
	t.Parallel()

	records := newTestRecords(t)
	exec := newTestExecutor()
	addContact(t, records, &database.Contact{Name: "Tom Odd"})
	addContact(t, records, &database.Contact{Name: "Mike", ReminderDate: "2026-06-01"})

	// An archive confirmation is pending, but the user starts a new topic.
	pending := &parser.PendingContext{
		Kind:          parser.KindAwaitingConfirmation,
		Action:        parser.ActionArchive,
		PendingIntent: parser.IntentArchive,
		ContactName:   "Tom Odd",
	}
	out, err := exec.Execute(context.Background(), records, pending, &parser.Result{
		IsContinuation:  false,
		Intent:          parser.IntentLogInteraction,
		Contacts:        []parser.ContactRef{{Name: "Mike", MatchType: parser.MatchExact}},
		ResponseMessage: "Logged lunch with Mike.",
	}, testBatch("just had lunch with Mike"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !out.ClearContext {
		t.Error("stale context not cleared on supersession")
	}
	if got := mustContact(t, records, "Tom Odd").Status; got != database.StatusActive {
		t.Errorf("superseded archive still ran, status = %q", got)
	}
	if got := mustContact(t, records, "Mike").LastContactDate; got != testToday {
		t.Errorf("new intent not executed, last contact = %q", got)
	}
}

func TestUnknownContactFlows(t *testing.T) {
	t.Parallel()

	t.Run("new name suspends instead of creating", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()

		out, err := exec.Execute(context.Background(), records, nil, &parser.Result{
			Intent:                parser.IntentLogInteraction,
			Contacts:              []parser.ContactRef{{Name: "Tom", MatchType: parser.MatchNew}},
			NeedsClarification:    true,
			ClarificationQuestion: "I don't have Tom yet. Add them?",
		}, testBatch("had dinner with Tom"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		if out.PutContext == nil || out.PutContext.Action != parser.ActionCreateContact {
			t.Fatalf("context = %+v, want create_contact confirmation", out.PutContext)
		}
		if _, err := records.ContactByName(context.Background(), "Tom"); !errors.Is(err, database.ErrContactNotFound) {
			t.Errorf("contact created before confirmation, err = %v", err)
		}
	})

	t.Run("affirmative creates and completes the original intent", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()

		pending := &parser.PendingContext{
			Kind:            parser.KindAwaitingConfirmation,
			Action:          parser.ActionCreateContact,
			PendingIntent:   parser.IntentLogInteraction,
			OriginalMessage: "had dinner with Tom",
			ContactName:     "Tom",
		}
		out, err := exec.Execute(context.Background(), records, pending, &parser.Result{
			IsContinuation:  true,
			PendingIntent:   parser.IntentLogInteraction,
			Intent:          parser.IntentLogInteraction,
			Contacts:        []parser.ContactRef{{Name: "Tom", MatchType: parser.MatchNew}},
			ResponseMessage: "Added Tom and logged dinner.",
		}, testBatch("yes please"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		contact := mustContact(t, records, "Tom")
		if contact.LastContactDate != testToday {
			t.Errorf("last contact = %q", contact.LastContactDate)
		}
		if contact.LastSummary != "had dinner with Tom" {
			t.Errorf("summary = %q, want the original message", contact.LastSummary)
		}
		if contact.ReminderDate != testReminderDflt {
			t.Errorf("reminder = %q, want %q", contact.ReminderDate, testReminderDflt)
		}
		if !out.ClearContext {
			t.Error("context not cleared")
		}

		logs := allLogs(t, records)
		if len(logs) != 1 || logs[0].Intent != parser.IntentLogInteraction || logs[0].ContactName != "Tom" {
			t.Errorf("logs = %+v", logs)
		}
	})

	t.Run("close spelling resolves to the existing contact", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()
		addContact(t, records, &database.Contact{Name: "John Smith", ReminderDate: "2026-06-01"})

		out, err := exec.Execute(context.Background(), records, nil, &parser.Result{
			Intent:                parser.IntentLogInteraction,
			Contacts:              []parser.ContactRef{{Name: "Jon Smith", MatchType: parser.MatchNew, Candidates: []string{"John Smith"}}},
			NeedsClarification:    true,
			ClarificationQuestion: "Did you mean John Smith, or someone new?",
		}, testBatch("coffee with Jon Smith"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if out.PutContext == nil || out.PutContext.Action != parser.ActionMatchOrCreate {
			t.Fatalf("context = %+v, want match_or_create", out.PutContext)
		}
		if out.PutContext.MatchCandidate != "John Smith" {
			t.Errorf("match candidate = %q", out.PutContext.MatchCandidate)
		}

		// The user picks the existing contact.
		out2, err := exec.Execute(context.Background(), records, out.PutContext, &parser.Result{
			IsContinuation:  true,
			PendingIntent:   parser.IntentLogInteraction,
			Intent:          parser.IntentLogInteraction,
			Contacts:        []parser.ContactRef{{Name: "John Smith", MatchType: parser.MatchExact}},
			ResponseMessage: "Logged coffee with John Smith.",
		}, testBatch("the first one"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if !out2.ClearContext {
			t.Error("context not cleared")
		}

		if got := mustContact(t, records, "John Smith").LastContactDate; got != testToday {
			t.Errorf("existing contact not updated, last contact = %q", got)
		}
		if _, err := records.ContactByName(context.Background(), "Jon Smith"); !errors.Is(err, database.ErrContactNotFound) {
			t.Errorf("duplicate card created, err = %v", err)
		}
	})

	t.Run("someone new creates under the name as typed", func(t *testing.T) {
		t.Parallel()
		records := newTestRecords(t)
		exec := newTestExecutor()
		addContact(t, records, &database.Contact{Name: "John Smith"})

		pending := &parser.PendingContext{
			Kind:            parser.KindAwaitingConfirmation,
			Action:          parser.ActionMatchOrCreate,
			PendingIntent:   parser.IntentLogInteraction,
			OriginalMessage: "coffee with Jon Smith",
			ContactName:     "Jon Smith",
			MatchCandidate:  "John Smith",
		}
		_, err := exec.Execute(context.Background(), records, pending, &parser.Result{
			IsContinuation: true,
			PendingIntent:  parser.IntentLogInteraction,
			Intent:         parser.IntentLogInteraction,
			Contacts:       []parser.ContactRef{{Name: "Jon Smith", MatchType: parser.MatchNew}},
		}, testBatch("someone new"))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		if got := mustContact(t, records, "Jon Smith").LastSummary; got != "coffee with Jon Smith" {
			t.Errorf("new card summary = %q", got)
		}
		if got := mustContact(t, records, "John Smith").LastContactDate; got != "" {
			t.Errorf("existing contact touched, last contact = %q", got)
		}
	})
}

func TestAmbiguousClarification(t *testing.T) {
	t.Parallel()

	records := newTestRecords(t)
	exec := newTestExecutor()
	addContact(t, records, &database.Contact{Name: "John Doe"})
	addContact(t, records, &database.Contact{Name: "Jane Doe"})

	out, err := exec.Execute(context.Background(), records, nil, &parser.Result{
		Intent:                parser.IntentLogInteraction,
		Contacts:              []parser.ContactRef{{Name: "Doe", MatchType: parser.MatchAmbiguous, Candidates: []string{"John Doe", "Jane Doe"}}},
		FollowUpDate:          "2026-04-01",
		NeedsClarification:    true,
		ClarificationQuestion: "Which Doe: John or Jane?",
	}, testBatch("caught up with Doe, follow up April 1st"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if out.PutContext == nil || out.PutContext.Kind != parser.KindAwaitingClarification {
		t.Fatalf("context = %+v, want clarification", out.PutContext)
	}
	if len(out.PutContext.Candidates) != 2 {
		t.Errorf("candidates = %v", out.PutContext.Candidates)
	}
	if out.PutContext.FollowUpDate != "2026-04-01" {
		t.Errorf("context follow-up = %q, want carried over", out.PutContext.FollowUpDate)
	}

	// The answer resolves the contact; the date from the original message
	// still applies.
	out2, err := exec.Execute(context.Background(), records, out.PutContext, &parser.Result{
		IsContinuation:  true,
		PendingIntent:   parser.IntentLogInteraction,
		Intent:          parser.IntentLogInteraction,
		Contacts:        []parser.ContactRef{{Name: "John Doe", MatchType: parser.MatchExact}},
		ResponseMessage: "Logged for John Doe.",
	}, testBatch("John"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !out2.ClearContext {
		t.Error("context not cleared after merge")
	}

	john := mustContact(t, records, "John Doe")
	if john.LastContactDate != testToday {
		t.Errorf("last contact = %q", john.LastContactDate)
	}
	if john.ReminderDate != "2026-04-01" {
		t.Errorf("reminder = %q, want merged follow-up 2026-04-01", john.ReminderDate)
	}
	if got := mustContact(t, records, "Jane Doe").LastContactDate; got != "" {
		t.Errorf("wrong Doe updated, last contact = %q", got)
	}
}

func TestQueryIsReadOnly(t *testing.T) {
	t.Parallel()

	records := newTestRecords(t)
	exec := newTestExecutor()
	addContact(t, records, &database.Contact{Name: "Mike", LastContactDate: "2026-02-01", ReminderDate: "2026-06-01"})

	out, err := exec.Execute(context.Background(), records, nil, &parser.Result{
		Intent:          parser.IntentQuery,
		Contacts:        []parser.ContactRef{{Name: "Mike", MatchType: parser.MatchExact}},
		ResponseMessage: "You last talked to Mike on Feb 1.",
	}, testBatch("when did I last talk to Mike?"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if out.Reply != "You last talked to Mike on Feb 1." {
		t.Errorf("reply = %q", out.Reply)
	}
	contact := mustContact(t, records, "Mike")
	if contact.LastContactDate != "2026-02-01" || contact.ReminderDate != "2026-06-01" {
		t.Errorf("query mutated the contact: %+v", contact)
	}
	if logs := allLogs(t, records); len(logs) != 0 {
		t.Errorf("query wrote %d log entries", len(logs))
	}
}

func TestUnknownIntentReply(t *testing.T) {
	t.Parallel()

	records := newTestRecords(t)
	exec := newTestExecutor()

	out, err := exec.Execute(context.Background(), records, nil, &parser.Result{
		Intent:          parser.IntentUnknown,
		ResponseMessage: "Hi! I'm your Rolodex assistant.",
	}, testBatch("hello"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Reply != "Hi! I'm your Rolodex assistant." {
		t.Errorf("reply = %q, want the parser's text verbatim", out.Reply)
	}

	out, err = exec.Execute(context.Background(), records, nil, &parser.Result{Intent: parser.IntentUnknown}, testBatch("???"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Reply != config.DefaultMessages.CantUnderstand {
		t.Errorf("empty reply fallback = %q", out.Reply)
	}
}

func TestMultiTargetIndependence(t *testing.T) {
	t.Parallel()

	records := newTestRecords(t)
	exec := newTestExecutor()
	addContact(t, records, &database.Contact{Name: "Sarah Chen", ReminderDate: "2026-06-01"})

	out, err := exec.Execute(context.Background(), records, nil, &parser.Result{
		Intent: parser.IntentLogInteraction,
		Contacts: []parser.ContactRef{
			{Name: "Sarah Chen", MatchType: parser.MatchExact},
			{Name: "Tom", MatchType: parser.MatchNew},
		},
		NeedsClarification:    true,
		ClarificationQuestion: "Logged for Sarah. I don't have Tom yet. Add him?",
	}, testBatch("dinner with Sarah and Tom"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// The recognized contact executed.
	if got := mustContact(t, records, "Sarah Chen").LastContactDate; got != testToday {
		t.Errorf("recognized contact not updated, last contact = %q", got)
	}
	// The unknown one suspended instead of blocking the rest.
	if out.PutContext == nil || out.PutContext.ContactName != "Tom" {
		t.Fatalf("context = %+v, want suspension for Tom", out.PutContext)
	}

	logs := allLogs(t, records)
	if len(logs) != 1 || logs[0].ContactName != "Sarah Chen" {
		t.Errorf("logs = %+v, want one entry for Sarah", logs)
	}
}

func TestRerunDoesNotDuplicateLogs(t *testing.T) {
	t.Parallel()

	records := newTestRecords(t)
	exec := newTestExecutor()
	addContact(t, records, &database.Contact{Name: "Mike"})

	result := &parser.Result{
		Intent:   parser.IntentLogInteraction,
		Contacts: []parser.ContactRef{{Name: "Mike", MatchType: parser.MatchExact}},
	}
	batch := testBatch("talked to Mike")

	for range 2 {
		if _, err := exec.Execute(context.Background(), records, nil, result, batch); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}

	if logs := allLogs(t, records); len(logs) != 1 {
		t.Errorf("got %d log entries after re-run, want 1", len(logs))
	}
}

func TestRenameAsksWhenNewNameMissing(t *testing.T) {
	t.Parallel()

	records := newTestRecords(t)
	exec := newTestExecutor()
	addContact(t, records, &database.Contact{Name: "Sara"})

	out, err := exec.Execute(context.Background(), records, nil, &parser.Result{
		Intent:                parser.IntentUpdateContact,
		Contacts:              []parser.ContactRef{{Name: "Sara", MatchType: parser.MatchExact}},
		NeedsClarification:    true,
		ClarificationQuestion: "What should I call Sara instead?",
	}, testBatch("update Sara's name"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if out.PutContext == nil || out.PutContext.Kind != parser.KindAwaitingClarification {
		t.Fatalf("context = %+v, want clarification", out.PutContext)
	}
	if out.PutContext.ContactName != "Sara" {
		t.Errorf("context contact = %q", out.PutContext.ContactName)
	}

	// The answer only carries the new name; the contact comes from context.
	_, err = exec.Execute(context.Background(), records, out.PutContext, &parser.Result{
		IsContinuation: true,
		PendingIntent:  parser.IntentUpdateContact,
		Intent:         parser.IntentUpdateContact,
		NewName:        "Sara Johansson",
	}, testBatch("Sara Johansson"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	mustContact(t, records, "Sara Johansson")
}
