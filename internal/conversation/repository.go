// Package conversation stores chat transcripts under the chats collection
// and tracks the per-conversation reminder flag.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"salesdesk/assistant/internal/docstore"
	"salesdesk/assistant/internal/expiry"
)

const (
	Path               = "chats"
	DefaultMaxMessages = 30
)

var ErrInvalidUserID = errors.New("user id is required")

type Config struct {
	// MaxMessages caps the stored transcript; older messages are dropped.
	MaxMessages      int
	MaxWriteAttempts int
	Logger           *slog.Logger
}

// Repository reads and mutates the chats collection. Mutations touch only
// the addressed records; entries that fail to decode are carried over
// verbatim.
type Repository struct {
	store       docstore.Store
	maxMessages int
	maxAttempts int
	logger      *slog.Logger
	nowFunc     func() time.Time
}

func NewRepository(store docstore.Store, cfg Config) (*Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.MaxWriteAttempts <= 0 {
		cfg.MaxWriteAttempts = docstore.DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Repository{
		store:       store,
		maxMessages: cfg.MaxMessages,
		maxAttempts: cfg.MaxWriteAttempts,
		logger:      cfg.Logger,
		nowFunc:     time.Now,
	}, nil
}

// Load returns every decodable conversation. A corrupt collection reads as
// empty; store failures are returned wrapping docstore.ErrUnavailable.
func (r *Repository) Load(ctx context.Context) (map[string]Record, error) {
	raw, err := r.store.Read(ctx, Path)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	out := make(map[string]Record)
	for id, entry := range r.decode(raw) {
		if string(entry) == "null" {
			continue
		}
		var rec Record
		if err := json.Unmarshal(entry, &rec); err != nil {
			r.logger.Warn("skipping corrupt conversation record", "user_id", id, "error", err)
			continue
		}
		out[id] = rec
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, userID string) (Record, bool, error) {
	all, err := r.Load(ctx)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := all[userID]
	return rec, ok, nil
}

func (r *Repository) Messages(ctx context.Context, userID string) ([]Message, error) {
	rec, _, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return rec.Messages, nil
}

// Append adds msgs to the conversation, trims it to the configured size and
// marks it active again, which also clears the reminder flag.
func (r *Repository) Append(ctx context.Context, userID string, msgs ...Message) (Record, error) {
	if strings.TrimSpace(userID) == "" {
		return Record{}, ErrInvalidUserID
	}
	now := r.nowFunc()
	var updated Record
	err := r.mutate(ctx, func(all map[string]json.RawMessage) (bool, error) {
		var rec Record
		if entry, ok := all[userID]; ok {
			if err := json.Unmarshal(entry, &rec); err != nil {
				r.logger.Warn("replacing corrupt conversation record", "user_id", userID, "error", err)
				rec = Record{}
			}
		}
		rec.Messages = trimMessages(append(rec.Messages, msgs...), r.maxMessages)
		rec.LastUpdate = nextUpdate(rec.LastUpdate, now)
		rec.ReminderSent = false
		updated = rec
		return true, put(all, userID, rec)
	})
	if err != nil {
		return Record{}, err
	}
	return updated, nil
}

// Reset replaces the conversation with seed, or an empty transcript.
func (r *Repository) Reset(ctx context.Context, userID string, seed ...Message) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}
	now := r.nowFunc()
	return r.mutate(ctx, func(all map[string]json.RawMessage) (bool, error) {
		var prev Record
		if entry, ok := all[userID]; ok {
			_ = json.Unmarshal(entry, &prev)
		}
		rec := Record{
			LastUpdate: nextUpdate(prev.LastUpdate, now),
			Messages:   trimMessages(append([]Message(nil), seed...), r.maxMessages),
		}
		return true, put(all, userID, rec)
	})
}

// MarkReminderSent flags the conversations in seen, keyed by user id with
// the lastUpdate observed when the reminder was chosen. A record is flagged
// only while it is still in that episode: a conversation that resumed in
// the meantime keeps its flag clear. It returns how many records changed.
func (r *Repository) MarkReminderSent(ctx context.Context, seen map[string]expiry.Millis) (int, error) {
	if len(seen) == 0 {
		return 0, nil
	}
	var marked int
	err := r.mutate(ctx, func(all map[string]json.RawMessage) (bool, error) {
		marked = 0
		for id, lastUpdate := range seen {
			entry, ok := all[id]
			if !ok {
				continue
			}
			var rec Record
			if err := json.Unmarshal(entry, &rec); err != nil {
				continue
			}
			if rec.ReminderSent || rec.LastUpdate != lastUpdate {
				continue
			}
			rec.ReminderSent = true
			if err := put(all, id, rec); err != nil {
				return false, err
			}
			marked++
		}
		return marked > 0, nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

func (r *Repository) mutate(ctx context.Context, fn func(all map[string]json.RawMessage) (bool, error)) error {
	err := docstore.Update(ctx, r.store, Path, r.maxAttempts, func(current []byte) ([]byte, bool, error) {
		all := r.decode(current)
		write, err := fn(all)
		if err != nil || !write {
			return nil, false, err
		}
		b, err := json.Marshal(all)
		return b, true, err
	})
	if err != nil {
		return fmt.Errorf("update conversations: %w", err)
	}
	return nil
}

func (r *Repository) decode(raw []byte) map[string]json.RawMessage {
	all := make(map[string]json.RawMessage)
	if err := docstore.DecodeJSON(raw, &all); err != nil {
		r.logger.Warn("conversations collection is corrupt, treating as empty", "error", err)
		return make(map[string]json.RawMessage)
	}
	return all
}

func put(all map[string]json.RawMessage, id string, rec Record) error {
	if rec.Messages == nil {
		rec.Messages = []Message{}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", id, err)
	}
	all[id] = b
	return nil
}

// nextUpdate is now, moved past prev when the clock has not advanced, so
// each write opens a distinguishable episode.
func nextUpdate(prev expiry.Millis, now time.Time) expiry.Millis {
	next := expiry.FromTime(now)
	if next <= prev {
		next = prev + 1
	}
	return next
}

func trimMessages(msgs []Message, limit int) []Message {
	if len(msgs) <= limit {
		return msgs
	}
	return append([]Message(nil), msgs[len(msgs)-limit:]...)
}
