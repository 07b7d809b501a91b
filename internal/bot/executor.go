package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rolodex-crm/rolodex/internal/config"
	"github.com/rolodex-crm/rolodex/internal/database"
	"github.com/rolodex-crm/rolodex/internal/parser"
)

// Outcome is what one executed batch produced: the reply to send and the
// conversational context transition to apply. The caller persists the
// transition only after every record write in the batch has succeeded.
type Outcome struct {
	// Reply is the message to send back to the user.
	Reply string

	// PutContext, when set, becomes the sender's new pending context and
	// restarts the context window. It replaces any existing context.
	PutContext *parser.PendingContext

	// ClearContext drops the sender's pending context. Ignored when
	// PutContext is set.
	ClearContext bool
}

// Executor turns parsed results into record mutations. First mentions of
// destructive or creating operations never mutate; they suspend into a
// pending context and only the confirming follow-up message executes them.
type Executor struct {
	clock    clockwork.Clock
	messages config.MessagesConfig
	logger   *slog.Logger
}

// NewExecutor returns an Executor using the given clock for "today"
// computations.
func NewExecutor(clock clockwork.Clock, messages config.MessagesConfig, logger *slog.Logger) *Executor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		clock:    clock,
		messages: messages,
		logger:   logger.With("component", "executor"),
	}
}

// DedupeKey builds the idempotency key for a log write. It depends only on
// the batch id, the contact, and the intent, so re-running the same batch
// produces the same key and the duplicate insert is skipped.
func DedupeKey(batchID, contactName, intent string) string {
	return batchID + "|" + strings.ToLower(strings.TrimSpace(contactName)) + "|" + intent
}

// Execute applies one parsed batch against the user's records. pending is
// the sender's current conversational context, or nil. Execute never
// touches the context store itself; the transition comes back in the
// Outcome so the caller can order it after the record writes.
func (e *Executor) Execute(ctx context.Context, records database.UserRecords, pending *parser.PendingContext, result *parser.Result, batch *Batch) (*Outcome, error) {
	today := records.User().Today(e.clock.Now())

	if pending != nil {
		if result.IsContinuation {
			return e.resume(ctx, records, pending, result, batch, today)
		}

		// The user changed topic: the suspended operation is abandoned,
		// never executed, and the new message stands on its own.
		e.logger.InfoContext(ctx, "pending context superseded",
			"user_id", records.User().ID,
			"pending_intent", pending.PendingIntent,
			"new_intent", result.Intent)
		out, err := e.run(ctx, records, result, batch, today)
		if err != nil {
			return nil, err
		}
		if out.PutContext == nil {
			out.ClearContext = true
		}
		return out, nil
	}

	return e.run(ctx, records, result, batch, today)
}

// resume continues a suspended operation with the user's answer.
func (e *Executor) resume(ctx context.Context, records database.UserRecords, pending *parser.PendingContext, result *parser.Result, batch *Batch, today string) (*Outcome, error) {
	// A denial parses as unknown with a cancellation reply.
	if result.Intent == parser.IntentUnknown {
		reply := firstNonEmpty(result.ResponseMessage, e.messages.Cancelled)
		return &Outcome{Reply: reply, ClearContext: true}, nil
	}

	if pending.Kind == parser.KindAwaitingConfirmation {
		return e.resumeConfirmation(ctx, records, pending, result, batch, today)
	}
	return e.resumeClarification(ctx, records, pending, result, batch, today)
}

// resumeClarification re-runs the suspended intent with the answer merged
// in: the model resolves the contact, the context supplies whatever the
// original message already established.
func (e *Executor) resumeClarification(ctx context.Context, records database.UserRecords, pending *parser.PendingContext, result *parser.Result, batch *Batch, today string) (*Outcome, error) {
	merged := *result
	if merged.InteractionDate == "" {
		merged.InteractionDate = pending.InteractionDate
	}
	if merged.FollowUpDate == "" {
		merged.FollowUpDate = pending.FollowUpDate
	}
	if len(merged.Contacts) == 0 && pending.ContactName != "" {
		merged.Contacts = []parser.ContactRef{{Name: pending.ContactName, MatchType: parser.MatchExact}}
	}

	out, err := e.run(ctx, records, &merged, batch, today)
	if err != nil {
		return nil, err
	}
	if out.PutContext == nil {
		out.ClearContext = true
	}
	return out, nil
}

// resumeConfirmation executes the suspended action after an affirmative
// answer.
func (e *Executor) resumeConfirmation(ctx context.Context, records database.UserRecords, pending *parser.PendingContext, result *parser.Result, batch *Batch, today string) (*Outcome, error) {
	switch pending.Action {
	case parser.ActionArchive:
		return e.archiveConfirmed(ctx, records, pending, result, batch, today)

	case parser.ActionMatchOrCreate:
		// The answer either picks the existing contact or asks for a new
		// card under the name as typed.
		if ref := primaryRef(result); ref != nil && (ref.MatchType == parser.MatchExact || ref.MatchType == parser.MatchFuzzy) {
			merged := *result
			if merged.InteractionDate == "" {
				merged.InteractionDate = pending.InteractionDate
			}
			if merged.FollowUpDate == "" {
				merged.FollowUpDate = pending.FollowUpDate
			}
			err := e.apply(ctx, records, ref.Name, &merged, batch, today)
			if err != nil && !errors.Is(err, database.ErrContactNotFound) {
				return nil, err
			}
			if err == nil {
				reply := e.replyFor(result, "Got it.")
				return &Outcome{Reply: reply, ClearContext: true}, nil
			}
			// The picked name is not on file after all; create it.
		}
		return e.createConfirmed(ctx, records, pending, result, batch, today)

	default:
		return e.createConfirmed(ctx, records, pending, result, batch, today)
	}
}

// archiveConfirmed performs the archive the user just approved. The two-step
// dance means this is the only place a contact ever leaves the active set.
func (e *Executor) archiveConfirmed(ctx context.Context, records database.UserRecords, pending *parser.PendingContext, result *parser.Result, batch *Batch, today string) (*Outcome, error) {
	contact, err := records.ContactByName(ctx, pending.ContactName)
	if errors.Is(err, database.ErrContactNotFound) {
		reply := fmt.Sprintf("I don't have an active contact named %s.", pending.ContactName)
		return &Outcome{Reply: reply, ClearContext: true}, nil
	}
	if err != nil {
		return nil, err
	}

	contact.Status = database.StatusArchived
	if err := records.UpdateContact(ctx, contact); err != nil {
		return nil, err
	}

	raw := firstNonEmpty(pending.OriginalMessage, batch.Text)
	if err := e.appendLog(ctx, records, contact.Name, parser.IntentArchive, raw, batch.ID, today); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "contact archived",
		"user_id", records.User().ID,
		"contact", contact.Name)

	reply := firstNonEmpty(result.ResponseMessage, fmt.Sprintf("Archived %s.", contact.Name))
	return &Outcome{Reply: reply, ClearContext: true}, nil
}

// createConfirmed creates the contact the user just approved and completes
// the operation that was originally asked for.
func (e *Executor) createConfirmed(ctx context.Context, records database.UserRecords, pending *parser.PendingContext, result *parser.Result, batch *Batch, today string) (*Outcome, error) {
	name := pending.ContactName
	if ref := primaryRef(result); ref != nil && ref.Name != "" {
		name = ref.Name
	}
	if name == "" {
		reply := firstNonEmpty(result.ResponseMessage, e.messages.CantUnderstand)
		return &Outcome{Reply: reply, ClearContext: true}, nil
	}

	intent := firstNonEmpty(pending.PendingIntent, parser.IntentLogInteraction)
	interaction := firstNonEmpty(result.InteractionDate, pending.InteractionDate)
	followUp := firstNonEmpty(result.FollowUpDate, pending.FollowUpDate)
	raw := firstNonEmpty(pending.OriginalMessage, batch.Text)

	contact := &database.Contact{
		Name:         name,
		ReminderDate: followUp,
	}
	if contact.ReminderDate == "" {
		contact.ReminderDate = addDays(today, records.User().ReminderDays)
	}
	if intent == parser.IntentLogInteraction {
		contact.LastContactDate = firstNonEmpty(interaction, today)
		contact.LastSummary = raw
	}

	if err := records.CreateContact(ctx, contact); err != nil {
		return nil, err
	}
	if err := e.appendLog(ctx, records, contact.Name, intent, raw, batch.ID, today); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "contact created",
		"user_id", records.User().ID,
		"contact", contact.Name,
		"intent", intent)

	reply := firstNonEmpty(result.ResponseMessage, fmt.Sprintf("Added %s.", contact.Name))
	return &Outcome{Reply: reply, ClearContext: true}, nil
}

// run executes a parsed result with no suspended context in play.
func (e *Executor) run(ctx context.Context, records database.UserRecords, result *parser.Result, batch *Batch, today string) (*Outcome, error) {
	switch result.Intent {
	case parser.IntentQuery:
		// Read-only: the model answered from the records in its prompt.
		// Queries leave no trace in the interaction log.
		return &Outcome{Reply: e.replyFor(result, e.messages.CantUnderstand)}, nil

	case parser.IntentUnknown:
		return &Outcome{Reply: e.replyFor(result, e.messages.CantUnderstand)}, nil
	}

	if len(result.Contacts) == 0 {
		if result.NeedsClarification {
			reply := e.replyFor(result, "Who do you mean?")
			return &Outcome{
				Reply: reply,
				PutContext: &parser.PendingContext{
					Kind:            parser.KindAwaitingClarification,
					PendingIntent:   result.Intent,
					OriginalMessage: batch.Text,
					Question:        reply,
					InteractionDate: result.InteractionDate,
					FollowUpDate:    result.FollowUpDate,
				},
			}, nil
		}
		return &Outcome{Reply: e.replyFor(result, e.messages.CantUnderstand)}, nil
	}

	// Each mentioned contact is handled independently: recognized names
	// execute now, the first unresolved one suspends the conversation.
	// Only one question can be pending per sender, so later unresolved
	// names ride on the model's combined reply and get asked again when
	// the user returns to them.
	var suspend *parser.PendingContext
	reply := e.replyFor(result, "")

	for _, ref := range result.Contacts {
		switch ref.MatchType {
		case parser.MatchExact, parser.MatchFuzzy:
			if result.Intent == parser.IntentArchive {
				pc, err := e.suspendArchive(ctx, records, ref, batch, reply)
				if err != nil {
					return nil, err
				}
				if suspend == nil && pc != nil {
					suspend = pc
				}
				continue
			}
			if result.Intent == parser.IntentUpdateContact && result.NewName == "" {
				// The model is asking what the new name should be.
				if suspend == nil {
					suspend = &parser.PendingContext{
						Kind:            parser.KindAwaitingClarification,
						PendingIntent:   result.Intent,
						OriginalMessage: batch.Text,
						Question:        reply,
						ContactName:     ref.Name,
					}
				}
				continue
			}

			err := e.apply(ctx, records, ref.Name, result, batch, today)
			if errors.Is(err, database.ErrContactNotFound) {
				// Matched against a name that is not actually on file;
				// fall back to the new-contact flow.
				if suspend == nil {
					suspend = e.suspendCreate(ref, result, batch, reply)
				}
				continue
			}
			if err != nil {
				return nil, err
			}

		case parser.MatchAmbiguous:
			if suspend == nil {
				suspend = &parser.PendingContext{
					Kind:            parser.KindAwaitingClarification,
					PendingIntent:   result.Intent,
					OriginalMessage: batch.Text,
					Question:        reply,
					ContactName:     ref.Name,
					Candidates:      ref.Candidates,
					InteractionDate: result.InteractionDate,
					FollowUpDate:    result.FollowUpDate,
				}
			}

		case parser.MatchNew:
			if suspend == nil {
				suspend = e.suspendCreate(ref, result, batch, reply)
			}

		case parser.MatchNone:
			// Nothing on file to act on; the model's reply says so.
		}
	}

	out := &Outcome{PutContext: suspend}
	out.Reply = firstNonEmpty(reply, e.fallbackReply(result.Intent, suspend != nil))
	if suspend != nil && suspend.Question == "" {
		suspend.Question = out.Reply
	}
	return out, nil
}

// suspendArchive verifies the target exists and suspends the archive for
// confirmation. A first mention never archives.
func (e *Executor) suspendArchive(ctx context.Context, records database.UserRecords, ref parser.ContactRef, batch *Batch, reply string) (*parser.PendingContext, error) {
	contact, err := records.ContactByName(ctx, ref.Name)
	if errors.Is(err, database.ErrContactNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &parser.PendingContext{
		Kind:            parser.KindAwaitingConfirmation,
		Action:          parser.ActionArchive,
		PendingIntent:   parser.IntentArchive,
		OriginalMessage: batch.Text,
		Question:        reply,
		ContactName:     contact.Name,
	}, nil
}

// suspendCreate suspends an operation on an unknown name. With a
// close-spelling candidate on file the question becomes "them or someone
// new?", otherwise a plain create confirmation.
func (e *Executor) suspendCreate(ref parser.ContactRef, result *parser.Result, batch *Batch, reply string) *parser.PendingContext {
	pc := &parser.PendingContext{
		Kind:            parser.KindAwaitingConfirmation,
		Action:          parser.ActionCreateContact,
		PendingIntent:   result.Intent,
		OriginalMessage: batch.Text,
		Question:        reply,
		ContactName:     ref.Name,
		InteractionDate: result.InteractionDate,
		FollowUpDate:    result.FollowUpDate,
	}
	if len(ref.Candidates) > 0 {
		pc.Action = parser.ActionMatchOrCreate
		pc.MatchCandidate = ref.Candidates[0]
		pc.Candidates = ref.Candidates
	}
	return pc
}

// apply performs the mutation for one resolved contact.
func (e *Executor) apply(ctx context.Context, records database.UserRecords, name string, result *parser.Result, batch *Batch, today string) error {
	contact, err := records.ContactByName(ctx, name)
	if err != nil {
		return err
	}

	switch result.Intent {
	case parser.IntentLogInteraction:
		return e.saveInteraction(ctx, records, contact, result, batch, today)
	case parser.IntentSetReminder:
		return e.setReminder(ctx, records, contact, result, batch, today)
	case parser.IntentUpdateContact:
		return e.rename(ctx, records, contact, result, batch, today)
	default:
		return fmt.Errorf("intent %q does not apply to a contact", result.Intent)
	}
}

// saveInteraction records that the user was in touch with the contact. An
// existing reminder survives unless the message named an explicit follow-up;
// only a contact with no reminder at all gets the registration default.
func (e *Executor) saveInteraction(ctx context.Context, records database.UserRecords, contact *database.Contact, result *parser.Result, batch *Batch, today string) error {
	contact.LastContactDate = firstNonEmpty(result.InteractionDate, today)
	contact.LastSummary = batch.Text

	switch {
	case result.FollowUpDate != "":
		contact.ReminderDate = result.FollowUpDate
	case contact.ReminderDate == "":
		contact.ReminderDate = addDays(today, records.User().ReminderDays)
	}

	if err := records.UpdateContact(ctx, contact); err != nil {
		return err
	}
	return e.appendLog(ctx, records, contact.Name, parser.IntentLogInteraction, batch.Text, batch.ID, today)
}

// setReminder pins the contact's reminder to the explicit date, or to
// today plus the registration default when none was given.
func (e *Executor) setReminder(ctx context.Context, records database.UserRecords, contact *database.Contact, result *parser.Result, batch *Batch, today string) error {
	contact.ReminderDate = result.FollowUpDate
	if contact.ReminderDate == "" {
		contact.ReminderDate = addDays(today, records.User().ReminderDays)
	}

	if err := records.UpdateContact(ctx, contact); err != nil {
		return err
	}
	return e.appendLog(ctx, records, contact.Name, parser.IntentSetReminder, batch.Text, batch.ID, today)
}

// rename changes the contact's display name, keeping everything else. The
// log entry goes under the new name.
func (e *Executor) rename(ctx context.Context, records database.UserRecords, contact *database.Contact, result *parser.Result, batch *Batch, today string) error {
	if result.NewName == "" {
		return nil
	}

	previous := contact.Name
	contact.Name = result.NewName
	if err := records.UpdateContact(ctx, contact); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "contact renamed",
		"user_id", records.User().ID,
		"from", previous,
		"to", contact.Name)

	return e.appendLog(ctx, records, contact.Name, parser.IntentUpdateContact, batch.Text, batch.ID, today)
}

// appendLog writes the interaction log row for one executed intent. A row
// with the same dedupe key already on file means this batch ran before; the
// duplicate is skipped, not an error.
func (e *Executor) appendLog(ctx context.Context, records database.UserRecords, contactName, intent, raw, batchID, today string) error {
	entry := &database.LogEntry{
		EntryDate:   today,
		ContactName: contactName,
		Intent:      intent,
		RawMessage:  raw,
		DedupeKey:   DedupeKey(batchID, contactName, intent),
	}

	inserted, err := records.AppendLog(ctx, entry)
	if err != nil {
		return err
	}
	if !inserted {
		e.logger.InfoContext(ctx, "log entry already recorded for batch",
			"user_id", records.User().ID,
			"dedupe_key", entry.DedupeKey)
	}
	return nil
}

// replyFor picks the outgoing text from a parsed result: the clarification
// question when one was asked, otherwise the drafted response.
func (e *Executor) replyFor(result *parser.Result, fallback string) string {
	if result.NeedsClarification && result.ClarificationQuestion != "" {
		return result.ClarificationQuestion
	}
	if result.ResponseMessage != "" {
		return result.ResponseMessage
	}
	return firstNonEmpty(result.ClarificationQuestion, fallback)
}

// fallbackReply covers the rare case of a model reply with no usable text.
func (e *Executor) fallbackReply(intent string, suspended bool) string {
	if suspended {
		return "Can you confirm?"
	}
	switch intent {
	case parser.IntentLogInteraction:
		return "Logged."
	case parser.IntentSetReminder:
		return "Reminder set."
	case parser.IntentUpdateContact:
		return "Updated."
	default:
		return "Done."
	}
}

func primaryRef(result *parser.Result) *parser.ContactRef {
	if len(result.Contacts) == 0 {
		return nil
	}
	return &result.Contacts[0]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// addDays shifts a DateLayout day by a number of days.
func addDays(day string, days int) string {
	t, err := time.Parse(database.DateLayout, day)
	if err != nil {
		return day
	}
	return t.AddDate(0, 0, days).Format(database.DateLayout)
}
