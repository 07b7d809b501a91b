package bot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/rolodex-crm/rolodex/internal/channel"
	"github.com/rolodex-crm/rolodex/internal/config"
	"github.com/rolodex-crm/rolodex/internal/database"
	"github.com/rolodex-crm/rolodex/internal/parser"
	"github.com/rolodex-crm/rolodex/internal/state"
)

// Gateway drives one inbound message through the pipeline: admit once,
// look up the sender, coalesce the burst, parse the batch, execute it,
// and reply. Webhook handlers call HandleInbound synchronously; whatever
// happens inside, the transport acks the delivery.
type Gateway struct {
	logger    *slog.Logger
	cfg       *config.Config
	store     database.Store
	state     state.Store
	parser    parser.Parser
	messenger channel.Messenger
	coalescer *Coalescer
	executor  *Executor
	clock     clockwork.Clock
	senders   senderLocks
}

// NewGateway wires the pipeline components together.
func NewGateway(cfg *config.Config, store database.Store, st state.Store, p parser.Parser, messenger channel.Messenger, clock clockwork.Clock, logger *slog.Logger) *Gateway {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		logger:    logger.With("component", "gateway"),
		cfg:       cfg,
		store:     store,
		state:     st,
		parser:    p,
		messenger: messenger,
		coalescer: NewCoalescer(st, clock, cfg.Pipeline.BatchWindow, logger),
		executor:  NewExecutor(clock, cfg.Messages, logger),
		clock:     clock,
	}
}

// HandleInbound processes one webhook delivery end to end. It never
// panics: processing failures turn into an apology to the sender and a
// normal return, so the transport always gets its ack and does not
// redeliver a message we cannot handle.
func (g *Gateway) HandleInbound(ctx context.Context, in *channel.Inbound) {
	log := g.logger.With("channel", in.Channel, "message_id", in.MessageID)

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "Panic while processing inbound message",
				"panic", r,
				"stack", string(debug.Stack()))
			g.sendToAddress(ctx, in, g.cfg.Messages.GeneralError)
		}
	}()

	// Exactly-once admission. On a state store error the message is
	// dropped: losing one delivery beats mutating records twice.
	admitted, err := g.state.Admit(ctx, in.MessageID)
	if err != nil {
		log.ErrorContext(ctx, "Admission check failed, dropping message", "error", err)
		return
	}
	if !admitted {
		log.InfoContext(ctx, "Duplicate delivery ignored")
		return
	}

	user, err := g.lookupUser(ctx, in)
	if errors.Is(err, database.ErrUserNotFound) {
		log.InfoContext(ctx, "Message from unregistered sender", "address", in.Address)
		g.sendToAddress(ctx, in, g.cfg.Messages.NotRegistered)
		return
	}
	if err != nil {
		log.ErrorContext(ctx, "User lookup failed", "error", err)
		g.sendToAddress(ctx, in, g.cfg.Messages.GeneralError)
		return
	}
	log = log.With("user_id", user.ID)

	text := strings.TrimSpace(in.Text)
	if text == "" {
		g.send(ctx, user, g.cfg.Messages.EmptyMessage)
		return
	}

	// Slash commands never reach the parser or the record store.
	if strings.HasPrefix(text, "/") {
		log.InfoContext(ctx, "Slash command", "command", text)
		g.send(ctx, user, g.cfg.Messages.Help)
		return
	}

	batch, err := g.coalescer.Collect(ctx, in.SenderKey, state.PendingMessage{
		MessageID:  in.MessageID,
		Text:       text,
		ReceivedAt: g.clock.Now(),
	})
	if err != nil {
		log.ErrorContext(ctx, "Burst coalescing failed", "error", err)
		g.send(ctx, user, g.cfg.Messages.GeneralError)
		return
	}
	if batch == nil {
		// A newer arrival owns the batch and will answer for all of it.
		return
	}

	reply := g.processBatch(ctx, log, user, batch)
	if reply != "" {
		g.send(ctx, user, reply)
	}
}

// processBatch parses and executes one owned batch and returns the reply
// text. Batches for the same sender are serialized; the record writes of
// one batch land before the next batch reads.
func (g *Gateway) processBatch(ctx context.Context, log *slog.Logger, user *database.User, batch *Batch) string {
	unlock := g.senders.lock(batch.SenderKey)
	defer unlock()

	records := g.store.ForUser(user)

	pending, err := g.loadContext(ctx, log, batch.SenderKey)
	if err != nil {
		return g.cfg.Messages.GeneralError
	}

	contacts, err := records.ActiveContacts(ctx)
	if err != nil {
		log.ErrorContext(ctx, "Failed to load contacts", "error", err)
		return g.cfg.Messages.GeneralError
	}
	recent, err := records.RecentLogs(ctx, g.cfg.Pipeline.RecentLogLimit)
	if err != nil {
		log.ErrorContext(ctx, "Failed to load recent logs", "error", err)
		return g.cfg.Messages.GeneralError
	}

	now := g.clock.Now().In(user.Location())
	parseCtx, cancelParse := context.WithTimeout(ctx, g.cfg.Pipeline.ParseTimeout)
	defer cancelParse()
	result, err := g.parser.Parse(parseCtx, parser.Request{
		Text:       batch.Text,
		Today:      now.Format(database.DateLayout),
		DateLine:   now.Format("Monday, January 2, 2006"),
		Contacts:   contacts,
		RecentLogs: recent,
		Pending:    pending,
	})
	if err != nil {
		log.ErrorContext(ctx, "Parse failed", "error", err)
		return g.cfg.Messages.GeneralError
	}

	execCtx, cancelExec := context.WithTimeout(ctx, g.cfg.Pipeline.StoreTimeout)
	defer cancelExec()
	outcome, err := g.executor.Execute(execCtx, records, pending, result, batch)
	if err != nil {
		// Record writes may have partially landed. The batch stays
		// buffered and the context untouched, so the next arrival
		// re-runs it and the dedupe keys swallow the repeats.
		log.ErrorContext(ctx, "Batch execution failed",
			"intent", result.Intent,
			"error", err)
		return g.cfg.Messages.GeneralError
	}

	if err := g.applyTransition(ctx, batch.SenderKey, outcome); err != nil {
		log.ErrorContext(ctx, "Failed to persist context transition", "error", err)
		return g.cfg.Messages.GeneralError
	}

	if err := g.coalescer.Release(ctx, batch); err != nil {
		// The batch will be re-collected and re-run; dedupe keys keep
		// the log writes single.
		log.ErrorContext(ctx, "Failed to clear consumed batch", "error", err)
		return g.cfg.Messages.GeneralError
	}

	log.InfoContext(ctx, "Batch executed",
		"batch_id", batch.ID,
		"messages", len(batch.Messages),
		"intent", result.Intent)
	return outcome.Reply
}

// loadContext reads the sender's pending context. Expired or missing
// context is simply absent; a corrupt payload is dropped rather than
// allowed to wedge the conversation.
func (g *Gateway) loadContext(ctx context.Context, log *slog.Logger, senderKey string) (*parser.PendingContext, error) {
	stored, err := g.state.Context(ctx, senderKey)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		log.ErrorContext(ctx, "Failed to load pending context", "error", err)
		return nil, err
	}

	var pending parser.PendingContext
	if err := json.Unmarshal(stored.Payload, &pending); err != nil {
		log.WarnContext(ctx, "Discarding malformed pending context", "error", err)
		if err := g.state.ClearContext(ctx, senderKey); err != nil {
			log.WarnContext(ctx, "Failed to clear malformed context", "error", err)
		}
		return nil, nil
	}
	return &pending, nil
}

// applyTransition persists the context change the executor decided on.
func (g *Gateway) applyTransition(ctx context.Context, senderKey string, outcome *Outcome) error {
	if outcome.PutContext != nil {
		payload, err := json.Marshal(outcome.PutContext)
		if err != nil {
			return err
		}
		return g.state.PutContext(ctx, senderKey, payload)
	}
	if outcome.ClearContext {
		return g.state.ClearContext(ctx, senderKey)
	}
	return nil
}

func (g *Gateway) lookupUser(ctx context.Context, in *channel.Inbound) (*database.User, error) {
	if in.Channel == channel.ChannelTelegram {
		return g.store.LookupUserByTelegram(ctx, in.Address)
	}
	return g.store.LookupUserByPhone(ctx, in.Address)
}

// send delivers a reply to a registered user. Send failures are logged and
// dropped; the channel provider would retry the whole webhook otherwise.
func (g *Gateway) send(ctx context.Context, user *database.User, text string) {
	sendCtx, cancel := context.WithTimeout(ctx, g.cfg.Pipeline.SendTimeout)
	defer cancel()
	if err := g.messenger.Send(sendCtx, user, text); err != nil {
		g.logger.ErrorContext(ctx, "Failed to send reply",
			"user_id", user.ID,
			"error", err)
	}
}

// sendToAddress replies to a sender we could not resolve to a registered
// user, routing by the channel the message came in on.
func (g *Gateway) sendToAddress(ctx context.Context, in *channel.Inbound, text string) {
	transient := &database.User{}
	if in.Channel == channel.ChannelTelegram {
		transient.TelegramChatID = in.Address
	} else {
		transient.Phone = in.Address
	}
	g.send(ctx, transient, text)
}

// senderLocks hands out one mutex per sender key.
type senderLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (s *senderLocks) lock(key string) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}
