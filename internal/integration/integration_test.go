package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesdesk/assistant/internal/auth"
	"salesdesk/assistant/internal/conversation"
	"salesdesk/assistant/internal/docstore"
	"salesdesk/assistant/internal/dormancy"
	"salesdesk/assistant/internal/expiry"
)

// Both backends run the same checks against the shared admins, sessions and
// chats documents. Usernames and user ids are unique per run so parallel
// runs against one database do not interfere beyond CAS retries.

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func runConditionalWrite(t *testing.T, store docstore.Versioned) {
	t.Helper()
	ctx := context.Background()
	path := uniqueName("itest_doc")

	_, version, err := store.ReadVersion(ctx, path)
	require.NoError(t, err)
	require.Zero(t, version, "missing document")
	require.NoError(t, store.CompareAndSwap(ctx, path, []byte(`[1]`), 0))
	assert.ErrorIs(t, store.CompareAndSwap(ctx, path, []byte(`[2]`), 0), docstore.ErrConflict, "second create")

	value, version, err := store.ReadVersion(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, `[1]`, string(value))
	require.EqualValues(t, 1, version)
	require.NoError(t, store.CompareAndSwap(ctx, path, []byte(`[3]`), version))
	assert.ErrorIs(t, store.CompareAndSwap(ctx, path, []byte(`[4]`), version), docstore.ErrConflict, "stale version")

	require.NoError(t, store.Write(ctx, path, []byte(`[5]`)))
	got, err := store.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, `[5]`, string(got))
}

func runSessionLifecycle(t *testing.T, store docstore.Store) {
	t.Helper()
	ctx := context.Background()
	hasher := &auth.BcryptHasher{Cost: 4}
	newService := func() *auth.Service {
		svc, err := auth.NewService(store, auth.ServiceConfig{
			SessionTTL:       time.Minute,
			Passwords:        hasher,
			Tokens:           hasher,
			MaxWriteAttempts: 20,
		})
		require.NoError(t, err)
		return svc
	}

	svc := newService()
	username := uniqueName("itest_admin")
	require.NoError(t, svc.PutCredential(ctx, username, "Password123!"))
	require.True(t, svc.CheckCredential(ctx, username, "Password123!"))

	res, err := svc.Login(ctx, username, "Password123!")
	require.NoError(t, err)

	// a second instance sees the session through the store alone
	other := newService()
	assert.True(t, other.ValidateSession(ctx, username, res.Token))
	assert.False(t, other.ValidateSession(ctx, username, res.Token+"x"), "tampered token")
	other.ExtendSession(ctx, username, res.Token)
	assert.True(t, svc.ValidateSession(ctx, username, res.Token), "extended session stays valid")

	require.NoError(t, svc.IssueSession(ctx, username, "expired-token", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	assert.False(t, svc.ValidateSession(ctx, username, "expired-token"))
}

func runDormancyScan(t *testing.T, store docstore.Store) {
	t.Helper()
	ctx := context.Background()
	repo, err := conversation.NewRepository(store, conversation.Config{MaxWriteAttempts: 20})
	require.NoError(t, err)
	scanner, err := dormancy.NewScanner(repo, time.Minute)
	require.NoError(t, err)

	userID := uniqueName("itest_user")
	_, err = repo.Append(ctx, userID, conversation.Message{Role: conversation.RoleUser, Content: "hi"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	dormant, err := scanner.ScanDormant(ctx, time.Millisecond)
	require.NoError(t, err)
	require.Contains(t, dormant, userID)

	marked, err := repo.MarkReminderSent(ctx, map[string]expiry.Millis{userID: dormant[userID].LastUpdate})
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	dormant, err = scanner.ScanDormant(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.NotContains(t, dormant, userID, "reminded conversations are excluded")
}
