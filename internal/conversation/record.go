package conversation

import (
	"encoding/json"

	"salesdesk/assistant/internal/expiry"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Record is the stored state of one conversation, keyed by the messaging
// transport's user id.
type Record struct {
	LastUpdate   expiry.Millis `json:"lastUpdate"`
	Messages     []Message     `json:"messages"`
	ReminderSent bool          `json:"reminderSent"`
}

// UnmarshalJSON also honours the reminderLast flag written by older bot
// versions.
func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	var aux struct {
		plain
		ReminderLast *bool `json:"reminderLast"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Record(aux.plain)
	if aux.ReminderLast != nil && *aux.ReminderLast {
		r.ReminderSent = true
	}
	return nil
}
