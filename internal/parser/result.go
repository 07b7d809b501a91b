package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rolodex-crm/rolodex/internal/database"
)

// Intent values the executor understands. Anything else normalizes to
// IntentUnknown.
const (
	IntentLogInteraction = "log_interaction"
	IntentQuery          = "query"
	IntentSetReminder    = "set_reminder"
	IntentUpdateContact  = "update_contact"
	IntentArchive        = "archive"
	IntentUnknown        = "unknown"
)

// Match types describing how a mentioned name relates to the active contact
// list.
const (
	MatchExact     = "exact"
	MatchFuzzy     = "fuzzy"
	MatchAmbiguous = "ambiguous"
	MatchNew       = "new"
	MatchNone      = "none"
)

var (
	validIntents = map[string]bool{
		IntentLogInteraction: true,
		IntentQuery:          true,
		IntentSetReminder:    true,
		IntentUpdateContact:  true,
		IntentArchive:        true,
		IntentUnknown:        true,
	}

	validMatchTypes = map[string]bool{
		MatchExact:     true,
		MatchFuzzy:     true,
		MatchAmbiguous: true,
		MatchNew:       true,
		MatchNone:      true,
	}
)

// ContactRef is one person the parsed message concerns.
type ContactRef struct {
	Name       string   `json:"name"`
	MatchType  string   `json:"match_type"`
	Candidates []string `json:"candidates"`
}

// Result is a parsed, normalized inbound message. Every field has been
// checked against the closed vocabularies; dates are valid YYYY-MM-DD or
// empty.
type Result struct {
	Intent                string
	Contacts              []ContactRef
	InteractionDate       string
	FollowUpDate          string
	NewName               string
	IsContinuation        bool
	PendingIntent         string
	NeedsClarification    bool
	ClarificationQuestion string
	ResponseMessage       string
}

// PendingContext is the stored conversational context for one sender: the
// question the system asked and what it needs to resume the suspended
// operation. The executor writes it; the parser renders it into the prompt.
type PendingContext struct {
	// Kind is either awaiting_clarification or awaiting_confirmation.
	Kind string `json:"kind"`

	// Action names the suspended operation for confirmation flows:
	// archive, create_contact, or match_or_create.
	Action string `json:"action,omitempty"`

	PendingIntent   string   `json:"pending_intent"`
	OriginalMessage string   `json:"original_message"`
	Question        string   `json:"question,omitempty"`
	ContactName     string   `json:"contact_name,omitempty"`
	MatchCandidate  string   `json:"match_candidate,omitempty"`
	Candidates      []string `json:"candidates,omitempty"`
	InteractionDate string   `json:"interaction_date,omitempty"`
	FollowUpDate    string   `json:"follow_up_date,omitempty"`
}

// Context kinds.
const (
	KindAwaitingClarification = "awaiting_clarification"
	KindAwaitingConfirmation  = "awaiting_confirmation"
)

// Confirmation actions.
const (
	ActionArchive       = "archive"
	ActionCreateContact = "create_contact"
	ActionMatchOrCreate = "match_or_create"
)

// Request carries everything the model needs to interpret one message.
type Request struct {
	// Text is the coalesced message text, newline-joined in receipt order.
	Text string

	// Today is the current date in the user's timezone, YYYY-MM-DD.
	Today string

	// DateLine is the spelled-out current date ("Friday, February 13, 2026").
	DateLine string

	Contacts   []database.Contact
	RecentLogs []database.LogEntry
	Pending    *PendingContext
}

// wireResult matches the JSON schema requested from the model, before
// normalization.
type wireResult struct {
	IsContinuation        bool         `json:"is_continuation"`
	PendingIntent         string       `json:"pending_intent"`
	Intent                string       `json:"intent"`
	Contacts              []ContactRef `json:"contacts"`
	InteractionDate       string       `json:"interaction_date"`
	FollowUpDate          string       `json:"follow_up_date"`
	NewName               string       `json:"new_name"`
	NeedsClarification    bool         `json:"needs_clarification"`
	ClarificationQuestion string       `json:"clarification_question"`
	ResponseMessage       string       `json:"response_message"`
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?\\s*```")

// ExtractJSON pulls a JSON object out of model output that may be wrapped in
// markdown fences or surrounding prose. It tries a direct parse, then a
// fenced block, then the outermost brace span.
func ExtractJSON(text string) (json.RawMessage, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}

	if raw, ok := tryParseObject(text); ok {
		return raw, true
	}

	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		if raw, ok := tryParseObject(m[1]); ok {
			return raw, true
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if raw, ok := tryParseObject(text[start : end+1]); ok {
			return raw, true
		}
	}

	return nil, false
}

func tryParseObject(s string) (json.RawMessage, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return nil, false
	}
	return json.RawMessage(s), true
}

// DecodeResult decodes raw model output and validates it against the closed
// vocabularies. Unknown intents collapse to IntentUnknown, unknown match
// types to MatchNone, and malformed dates to empty. The model is never
// trusted to stay inside its schema.
func DecodeResult(raw json.RawMessage) (*Result, error) {
	var wire wireResult
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode parse result: %w", err)
	}
	return normalizeResult(wire), nil
}

func normalizeResult(wire wireResult) *Result {
	intent := strings.TrimSpace(strings.ToLower(wire.Intent))
	if !validIntents[intent] {
		intent = IntentUnknown
	}

	var contacts []ContactRef
	for _, ref := range wire.Contacts {
		ref.Name = strings.TrimSpace(ref.Name)
		ref.MatchType = strings.TrimSpace(strings.ToLower(ref.MatchType))
		if !validMatchTypes[ref.MatchType] {
			ref.MatchType = MatchNone
		}
		if ref.Name == "" && ref.MatchType != MatchNone {
			continue
		}

		var candidates []string
		for _, c := range ref.Candidates {
			if c = strings.TrimSpace(c); c != "" {
				candidates = append(candidates, c)
			}
		}
		ref.Candidates = candidates
		contacts = append(contacts, ref)
	}

	return &Result{
		Intent:                intent,
		Contacts:              contacts,
		InteractionDate:       normalizeDate(wire.InteractionDate),
		FollowUpDate:          normalizeDate(wire.FollowUpDate),
		NewName:               strings.TrimSpace(wire.NewName),
		IsContinuation:        wire.IsContinuation,
		PendingIntent:         strings.TrimSpace(strings.ToLower(wire.PendingIntent)),
		NeedsClarification:    wire.NeedsClarification,
		ClarificationQuestion: sanitizeReply(wire.ClarificationQuestion),
		ResponseMessage:       sanitizeReply(wire.ResponseMessage),
	}
}

func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if _, err := time.Parse(database.DateLayout, s); err != nil {
		return ""
	}
	return s
}
