// Package reminder nudges users whose conversations went dormant and
// records that the nudge was delivered.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"salesdesk/assistant/internal/conversation"
	"salesdesk/assistant/internal/expiry"
)

type Scanner interface {
	ScanDormant(ctx context.Context, threshold time.Duration) (map[string]conversation.Record, error)
}

type Marker interface {
	MarkReminderSent(ctx context.Context, seen map[string]expiry.Millis) (int, error)
}

type Result struct {
	Dormant int `json:"dormant"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

type JobConfig struct {
	// Threshold overrides the scanner's default when positive.
	Threshold time.Duration
	Logger    *slog.Logger
}

type Job struct {
	scanner   Scanner
	marker    Marker
	sender    Sender
	threshold time.Duration
	logger    *slog.Logger
}

func NewJob(scanner Scanner, marker Marker, sender Sender, cfg JobConfig) (*Job, error) {
	if scanner == nil || marker == nil || sender == nil {
		return nil, fmt.Errorf("scanner, marker and sender are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Job{
		scanner:   scanner,
		marker:    marker,
		sender:    sender,
		threshold: cfg.Threshold,
		logger:    cfg.Logger,
	}, nil
}

// RunOnce scans for dormant conversations, sends one reminder each in user
// id order and flags the ones that were delivered. A user whose send fails
// stays eligible for the next run.
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	dormant, err := j.scanner.ScanDormant(ctx, j.threshold)
	if err != nil {
		return Result{}, err
	}

	ids := make([]string, 0, len(dormant))
	for id := range dormant {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := Result{Dormant: len(ids)}
	sent := make(map[string]expiry.Millis, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := j.sender.SendReminder(ctx, id, dormant[id]); err != nil {
			res.Failed++
			j.logger.Warn("send reminder failed", "user_id", id, "error", err)
			continue
		}
		sent[id] = dormant[id].LastUpdate
	}
	res.Sent = len(sent)

	if len(sent) > 0 {
		marked, err := j.marker.MarkReminderSent(ctx, sent)
		if err != nil {
			return res, fmt.Errorf("mark reminders sent: %w", err)
		}
		if marked < len(sent) {
			j.logger.Info("conversations resumed before their reminder was recorded", "count", len(sent)-marked)
		}
	}

	j.logger.Info("reminder run complete", "dormant", res.Dormant, "sent", res.Sent, "failed", res.Failed)
	return res, nil
}

// Run adapts RunOnce to the scheduler's task signature.
func (j *Job) Run(ctx context.Context) error {
	_, err := j.RunOnce(ctx)
	return err
}
