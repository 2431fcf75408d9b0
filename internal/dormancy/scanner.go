// Package dormancy finds conversations that have gone quiet and have not
// been nudged yet. It only reads.
package dormancy

import (
	"context"
	"fmt"
	"time"

	"salesdesk/assistant/internal/conversation"
	"salesdesk/assistant/internal/expiry"
)

const DefaultThreshold = 30 * time.Minute

// Source supplies the full conversation collection.
type Source interface {
	Load(ctx context.Context) (map[string]conversation.Record, error)
}

type Scanner struct {
	source    Source
	threshold time.Duration
	nowFunc   func() time.Time
}

// NewScanner returns a scanner whose default inactivity threshold is
// threshold, or DefaultThreshold when threshold is not positive.
func NewScanner(source Source, threshold time.Duration) (*Scanner, error) {
	if source == nil {
		return nil, fmt.Errorf("conversation source is required")
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Scanner{source: source, threshold: threshold, nowFunc: time.Now}, nil
}

func (s *Scanner) Threshold() time.Duration {
	return s.threshold
}

// ScanDormant returns the conversations idle for longer than threshold whose
// reminder has not been sent. A non-positive threshold selects the
// scanner's default. Store failures are returned unchanged.
func (s *Scanner) ScanDormant(ctx context.Context, threshold time.Duration) (map[string]conversation.Record, error) {
	if threshold <= 0 {
		threshold = s.threshold
	}
	all, err := s.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan dormant conversations: %w", err)
	}

	now := s.nowFunc()
	out := make(map[string]conversation.Record)
	for id, rec := range all {
		if rec.ReminderSent {
			continue
		}
		if expiry.Dormant(rec.LastUpdate, now, threshold) {
			out[id] = rec
		}
	}
	return out, nil
}
