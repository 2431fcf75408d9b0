// Package expiry holds the time predicates shared by the session and
// dormancy lifecycles. Timestamps are persisted as Unix milliseconds, the
// native format of the document tree.
package expiry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Millis is an absolute timestamp encoded as Unix milliseconds.
type Millis int64

func FromTime(t time.Time) Millis {
	return Millis(t.UnixMilli())
}

func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m))
}

// UnmarshalJSON accepts integral and fractional numbers; the JS writers of
// the tree occasionally store floats.
func (m *Millis) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*m = 0
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("decode millis timestamp: %w", err)
	}
	*m = Millis(int64(f))
	return nil
}

// Live reports whether a record expiring at expiresAt is still valid at now.
// A record is live only while expiresAt is strictly after now.
func Live(expiresAt Millis, now time.Time) bool {
	return int64(expiresAt) > now.UnixMilli()
}

// Dormant reports whether more than threshold has elapsed since lastUpdate.
func Dormant(lastUpdate Millis, now time.Time, threshold time.Duration) bool {
	return now.UnixMilli()-int64(lastUpdate) > threshold.Milliseconds()
}

// Deadline returns now+ttl as a persisted timestamp.
func Deadline(now time.Time, ttl time.Duration) Millis {
	return FromTime(now.Add(ttl))
}
