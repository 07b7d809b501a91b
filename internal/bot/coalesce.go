// Package bot contains the conversational core: burst coalescing,
// intent execution against per-user records, the reminder sweep, and
// the gateway that ties channels, parser, and storage together.
package bot

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rolodex-crm/rolodex/internal/state"
)

// Batch is a coalesced run of messages from one sender, ready to be
// parsed and executed as a single utterance.
type Batch struct {
	// SenderKey identifies the sender across channels.
	SenderKey string

	// ID is the provider message id of the newest constituent. It is
	// stable for a given set of constituents and seeds the dedupe key
	// for log writes, so re-running the same batch cannot double-log.
	ID string

	// Text is the constituent texts joined with newlines, oldest first.
	Text string

	// Messages are the constituents in arrival order.
	Messages []state.PendingMessage

	// OwnerSeq is the buffer sequence of the newest constituent. The
	// consumer clears the buffer through this sequence only, so
	// messages that arrive during processing stay buffered.
	OwnerSeq uint64
}

// Coalescer folds rapid message bursts from one sender into a single
// batch. Every arrival is appended to the sender's buffer and then
// waits out one debounce window; the arrival that is still the newest
// after its window owns the whole buffer, everyone else drops out.
type Coalescer struct {
	state  state.Store
	clock  clockwork.Clock
	window time.Duration
	logger *slog.Logger
}

// NewCoalescer returns a Coalescer with the given debounce window.
func NewCoalescer(st state.Store, clock clockwork.Clock, window time.Duration, logger *slog.Logger) *Coalescer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coalescer{
		state:  st,
		clock:  clock,
		window: window,
		logger: logger.With("component", "coalescer"),
	}
}

// Collect buffers msg for senderKey and waits one debounce window. If a
// newer message arrived for the sender in the meantime, Collect returns
// (nil, nil): the newer arrival's call owns the batch. Otherwise it
// returns the full buffered batch, including any entries left behind by
// an earlier run that died before clearing them.
//
// Collect does not clear the buffer. The caller must call Release after
// the batch has been fully processed.
func (c *Coalescer) Collect(ctx context.Context, senderKey string, msg state.PendingMessage) (*Batch, error) {
	seq, err := c.state.AppendPending(ctx, senderKey, msg)
	if err != nil {
		return nil, err
	}

	select {
	case <-c.clock.After(c.window):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	pending, err := c.state.Pending(ctx, senderKey)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		// Another run consumed the buffer, nothing left to own.
		return nil, nil
	}

	newest := pending[len(pending)-1]
	if newest.Seq != seq {
		c.logger.DebugContext(ctx, "yielding batch to newer arrival",
			"sender", senderKey,
			"seq", seq,
			"newest_seq", newest.Seq)
		return nil, nil
	}

	texts := make([]string, 0, len(pending))
	for _, m := range pending {
		texts = append(texts, m.Text)
	}

	c.logger.DebugContext(ctx, "batch collected",
		"sender", senderKey,
		"batch_id", newest.MessageID,
		"messages", len(pending))

	return &Batch{
		SenderKey: senderKey,
		ID:        newest.MessageID,
		Text:      strings.Join(texts, "\n"),
		Messages:  pending,
		OwnerSeq:  seq,
	}, nil
}

// Release deletes the batch's constituents from the sender's buffer.
// Entries appended after the batch was collected are left in place for
// the next run.
func (c *Coalescer) Release(ctx context.Context, batch *Batch) error {
	return c.state.ClearPending(ctx, batch.SenderKey, batch.OwnerSeq)
}
