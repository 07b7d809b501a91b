// Package state provides the short-lived conversation state store backing
// message deduplication, burst coalescing, and pending conversational
// context. Entries carry explicit expiry timestamps; readers treat expired
// entries as absent, and a periodic compaction pass removes them from disk.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no live entry exists for the given key.
var ErrNotFound = errors.New("state entry not found")

// PendingMessage is one inbound message buffered for burst coalescing.
type PendingMessage struct {
	Seq        uint64    `json:"seq"`
	MessageID  string    `json:"message_id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Context is a pending conversational exchange for one sender. The payload
// is opaque to the store; the intent executor owns its shape.
type Context struct {
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Store is the conversation state store. All methods are safe for
// concurrent use.
type Store interface {
	// Admit records the message ID as processed and reports whether the
	// caller owns it. It returns false for an ID already admitted within
	// the idempotency window. On storage errors it returns false so that a
	// message is dropped rather than processed twice.
	Admit(ctx context.Context, messageID string) (bool, error)

	// AppendPending buffers a message for the sender and returns its
	// sequence number. Sequence numbers increase with arrival order.
	AppendPending(ctx context.Context, senderKey string, msg PendingMessage) (uint64, error)

	// Pending returns the sender's buffered messages in arrival order,
	// skipping expired entries.
	Pending(ctx context.Context, senderKey string) ([]PendingMessage, error)

	// ClearPending removes the sender's buffered messages with sequence
	// numbers up to and including throughSeq. Later arrivals stay buffered.
	ClearPending(ctx context.Context, senderKey string, throughSeq uint64) error

	// Context returns the sender's live conversational context, or
	// ErrNotFound if none exists or it has expired.
	Context(ctx context.Context, senderKey string) (*Context, error)

	// PutContext stores the payload as the sender's conversational context,
	// replacing any previous one and restarting the expiry window.
	PutContext(ctx context.Context, senderKey string, payload json.RawMessage) error

	// ClearContext removes the sender's conversational context. Clearing a
	// missing context is not an error.
	ClearContext(ctx context.Context, senderKey string) error

	// Compact removes expired entries from all buckets and returns how many
	// were deleted. Correctness never depends on compaction running.
	Compact(ctx context.Context) (int, error)

	// Ping checks that the underlying database is readable.
	Ping(ctx context.Context) error

	// Close releases the underlying database file.
	Close() error
}
