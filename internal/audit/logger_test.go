package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)
	require.NoError(t, l.Log(Event{Actor: "admin", Action: "session.sweep", RequestID: "req-1", Outcome: OutcomeSuccess, Detail: "removed=2"}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(b))
	require.NotEmpty(t, line)

	var e Event
	require.NoError(t, json.Unmarshal([]byte(line), &e))
	assert.Equal(t, "admin", e.Actor)
	assert.Equal(t, "session.sweep", e.Action)
	assert.Equal(t, OutcomeSuccess, e.Outcome)
	assert.Equal(t, "req-1", e.RequestID)
	assert.NotEmpty(t, e.At)
}

func TestLoggerRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)

	got, err := l.Recent(5)
	require.NoError(t, err)
	assert.Empty(t, got)

	for i := 0; i < 4; i++ {
		require.NoError(t, l.Log(Event{Actor: "admin", Action: fmt.Sprintf("a%d", i), Outcome: OutcomeSuccess}))
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, _ = f.WriteString("garbage\n")
	f.Close()

	got, err = l.Recent(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a3", got[0].Action)
	assert.Equal(t, "a2", got[1].Action)
}

func TestDisabledLogger(t *testing.T) {
	assert.NoError(t, NewLogger("").Log(Event{Action: "noop"}))
	var nilLogger *Logger
	assert.NoError(t, nilLogger.Log(Event{Action: "noop"}))
}
