package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/rolodex-crm/rolodex/internal/config"
)

// Different logical datasets are kept in separate buckets within one DB file.
var (
	bucketProcessed = []byte("processed_messages")
	bucketContext   = []byte("pending_context")
	bucketPending   = []byte("pending_messages")
)

// processedRecord is the idempotency marker for one message ID.
type processedRecord struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// expiringRecord reads just the expiry field of any bucket value, for the
// compaction scan.
type expiringRecord struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// boltStore implements Store on a single BoltDB file.
type boltStore struct {
	db             *bolt.DB
	clock          clockwork.Clock
	logger         *slog.Logger
	idempotencyTTL time.Duration
	contextTTL     time.Duration
	batchTTL       time.Duration
}

// NewBoltStore opens (or creates) the state database file and ensures all
// buckets exist. The clock is injectable for tests; pass nil for wall time.
func NewBoltStore(cfg config.StateConfig, clock clockwork.Clock, logger *slog.Logger) (Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketProcessed, bucketContext, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("Error closing state database after setup failure", "error", closeErr)
		}
		return nil, err
	}

	logger.Info("State database opened", "path", cfg.Path)
	return &boltStore{
		db:             db,
		clock:          clock,
		logger:         logger.With("component", "state"),
		idempotencyTTL: cfg.IdempotencyTTL,
		contextTTL:     cfg.ContextTTL,
		batchTTL:       cfg.BatchTTL,
	}, nil
}

// Admit records the message ID as processed and reports whether the caller
// owns it. A storage error reports false: dropping one message is safer
// than processing it twice.
func (s *boltStore) Admit(ctx context.Context, messageID string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	var admitted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcessed)

		if raw := b.Get([]byte(messageID)); raw != nil {
			var rec processedRecord
			if err := json.Unmarshal(raw, &rec); err == nil && s.clock.Now().Before(rec.ExpiresAt) {
				admitted = false
				return nil
			}
			// Expired or unreadable marker: reclaim the key.
		}

		enc, err := json.Marshal(processedRecord{ExpiresAt: s.clock.Now().Add(s.idempotencyTTL)})
		if err != nil {
			return fmt.Errorf("failed to encode idempotency marker: %w", err)
		}
		if err := b.Put([]byte(messageID), enc); err != nil {
			return fmt.Errorf("failed to store idempotency marker: %w", err)
		}
		admitted = true
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Idempotency check failed", "message_id", messageID, "error", err)
		return false, err
	}

	if !admitted {
		s.logger.InfoContext(ctx, "Duplicate message ignored", "message_id", messageID)
	}
	return admitted, nil
}

// AppendPending buffers a message for the sender and returns its sequence
// number.
func (s *boltStore) AppendPending(ctx context.Context, senderKey string, msg PendingMessage) (uint64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)

		var err error
		seq, err = b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence number: %w", err)
		}

		msg.Seq = seq
		msg.ExpiresAt = s.clock.Now().Add(s.batchTTL)
		enc, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode pending message: %w", err)
		}
		return b.Put(pendingKey(senderKey, seq), enc)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to buffer pending message",
			"sender", senderKey, "message_id", msg.MessageID, "error", err)
		return 0, err
	}

	s.logger.DebugContext(ctx, "Pending message buffered", "sender", senderKey, "seq", seq)
	return seq, nil
}

// Pending returns the sender's buffered messages in arrival order, skipping
// expired entries.
func (s *boltStore) Pending(ctx context.Context, senderKey string) ([]PendingMessage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var msgs []PendingMessage
	now := s.clock.Now()
	prefix := []byte(senderKey + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPending).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var msg PendingMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				// Skip malformed entries instead of failing the whole read;
				// compaction removes them later.
				s.logger.Warn("Skipping malformed pending entry", "key", string(k))
				continue
			}
			if !now.Before(msg.ExpiresAt) {
				continue
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read pending messages: %w", err)
	}
	return msgs, nil
}

// ClearPending removes the sender's buffered messages with sequence numbers
// up to and including throughSeq. The bound keeps messages that arrived after
// the caller read its batch.
func (s *boltStore) ClearPending(ctx context.Context, senderKey string, throughSeq uint64) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	prefix := []byte(senderKey + "/")
	maxKey := pendingKey(senderKey, throughSeq)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		c := b.Cursor()

		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if bytes.Compare(k, maxKey) > 0 {
				break
			}
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to clear pending messages",
			"sender", senderKey, "through_seq", throughSeq, "error", err)
		return fmt.Errorf("failed to clear pending messages: %w", err)
	}
	return nil
}

// Context returns the sender's live conversational context, or ErrNotFound.
func (s *boltStore) Context(ctx context.Context, senderKey string) (*Context, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var found *Context
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketContext).Get([]byte(senderKey))
		if raw == nil {
			return nil
		}
		var c Context
		if err := json.Unmarshal(raw, &c); err != nil {
			s.logger.Warn("Skipping malformed context entry", "sender", senderKey)
			return nil
		}
		if !s.clock.Now().Before(c.ExpiresAt) {
			return nil
		}
		found = &c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read context: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// PutContext stores the payload as the sender's conversational context,
// replacing any previous one and restarting the expiry window.
func (s *boltStore) PutContext(ctx context.Context, senderKey string, payload json.RawMessage) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	enc, err := json.Marshal(Context{
		Payload:   payload,
		ExpiresAt: s.clock.Now().Add(s.contextTTL),
	})
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContext).Put([]byte(senderKey), enc)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to store context", "sender", senderKey, "error", err)
		return fmt.Errorf("failed to store context: %w", err)
	}

	s.logger.DebugContext(ctx, "Context stored", "sender", senderKey)
	return nil
}

// ClearContext removes the sender's conversational context.
func (s *boltStore) ClearContext(ctx context.Context, senderKey string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContext).Delete([]byte(senderKey))
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to clear context", "sender", senderKey, "error", err)
		return fmt.Errorf("failed to clear context: %w", err)
	}
	return nil
}

// Compact removes expired and unreadable entries from all buckets.
func (s *boltStore) Compact(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	now := s.clock.Now()
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketProcessed, bucketContext, bucketPending} {
			b := tx.Bucket(name)
			c := b.Cursor()

			var keys [][]byte
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var rec expiringRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					keys = append(keys, append([]byte(nil), k...))
					continue
				}
				if !now.Before(rec.ExpiresAt) {
					keys = append(keys, append([]byte(nil), k...))
				}
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("failed to delete from bucket %s: %w", name, err)
				}
			}
			removed += len(keys)
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "State compaction failed", "error", err)
		return removed, err
	}

	if removed > 0 {
		s.logger.InfoContext(ctx, "State compaction completed", "removed", removed)
	}
	return removed, nil
}

// Ping checks that the underlying database is readable.
func (s *boltStore) Ping(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketProcessed) == nil {
			return fmt.Errorf("state database is missing its buckets")
		}
		return nil
	})
}

// Close releases the underlying database file.
func (s *boltStore) Close() error {
	return s.db.Close()
}

// pendingKey builds a pending bucket key whose lexicographic order matches
// sequence order within one sender.
func pendingKey(senderKey string, seq uint64) []byte {
	return fmt.Appendf(nil, "%s/%020d", senderKey, seq)
}
