package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesdesk/assistant/internal/audit"
	"salesdesk/assistant/internal/auth"
	"salesdesk/assistant/internal/conversation"
	"salesdesk/assistant/internal/docstore"
	"salesdesk/assistant/internal/expiry"
	"salesdesk/assistant/internal/migrations"
	"salesdesk/assistant/internal/reminder"
)

type fakeAuthService struct {
	loginFunc    func(username, password string) (auth.LoginResult, error)
	validateFunc func(username, token string) bool
	extendFunc   func(username, token string)
	listFunc     func() ([]auth.SessionView, error)
	sweepFunc    func() (int, error)
}

func (f fakeAuthService) Login(_ context.Context, username, password string) (auth.LoginResult, error) {
	if f.loginFunc == nil {
		return auth.LoginResult{}, errors.New("not implemented")
	}
	return f.loginFunc(username, password)
}

func (f fakeAuthService) ValidateSession(_ context.Context, username, token string) bool {
	if f.validateFunc == nil {
		return false
	}
	return f.validateFunc(username, token)
}

func (f fakeAuthService) ExtendSession(_ context.Context, username, token string) {
	if f.extendFunc != nil {
		f.extendFunc(username, token)
	}
}

func (f fakeAuthService) ListSessions(context.Context) ([]auth.SessionView, error) {
	if f.listFunc == nil {
		return nil, errors.New("not implemented")
	}
	return f.listFunc()
}

func (f fakeAuthService) Sweep(context.Context) (int, error) {
	if f.sweepFunc == nil {
		return 0, errors.New("not implemented")
	}
	return f.sweepFunc()
}

func (f fakeAuthService) SessionTTL() time.Duration { return time.Hour }

func validAdmin() fakeAuthService {
	return fakeAuthService{validateFunc: func(username, token string) bool {
		return username == "admin" && token == "tok"
	}}
}

type fakeScanner struct {
	scanFunc func(threshold time.Duration) (map[string]conversation.Record, error)
}

func (f fakeScanner) ScanDormant(_ context.Context, threshold time.Duration) (map[string]conversation.Record, error) {
	return f.scanFunc(threshold)
}

func (f fakeScanner) Threshold() time.Duration { return 30 * time.Minute }

type fakeConversations struct {
	getFunc    func(id string) (conversation.Record, bool, error)
	appendFunc func(id string, msgs []conversation.Message) (conversation.Record, error)
	resetFunc  func(id string, seed []conversation.Message) error
}

func (f fakeConversations) Get(_ context.Context, id string) (conversation.Record, bool, error) {
	return f.getFunc(id)
}

func (f fakeConversations) Append(_ context.Context, id string, msgs ...conversation.Message) (conversation.Record, error) {
	return f.appendFunc(id, msgs)
}

func (f fakeConversations) Reset(_ context.Context, id string, seed ...conversation.Message) error {
	return f.resetFunc(id, seed)
}

type fakeReminders struct {
	res reminder.Result
	err error
}

func (f fakeReminders) RunOnce(context.Context) (reminder.Result, error) { return f.res, f.err }

type memoryAudit struct {
	events []audit.Event
}

func (m *memoryAudit) Log(e audit.Event) error {
	m.events = append(m.events, e)
	return nil
}

func (m *memoryAudit) Recent(limit int) ([]audit.Event, error) {
	if limit > len(m.events) {
		limit = len(m.events)
	}
	return m.events[len(m.events)-limit:], nil
}

func withSession(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: usernameCookie, Value: "admin"})
	req.AddCookie(&http.Cookie{Name: tokenCookie, Value: "tok"})
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	handler := loggingMiddleware(Deps{}.logger(), NewHandler(Deps{}))
	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestReadyzReportsStoreFailure(t *testing.T) {
	handler := NewHandler(Deps{Ready: func(context.Context) error { return docstore.ErrUnavailable }})
	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInfo(t *testing.T) {
	rec := serve(NewHandler(Deps{}), httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "salesdesk-admin-api", got["service"])
}

func TestLoginSuccessSetsCookies(t *testing.T) {
	expires := time.Date(2026, 2, 16, 13, 0, 0, 0, time.UTC)
	al := &memoryAudit{}
	handler := NewHandler(Deps{Audit: al, Auth: fakeAuthService{loginFunc: func(username, password string) (auth.LoginResult, error) {
		if username != "admin" || password != "secret" {
			return auth.LoginResult{}, auth.ErrInvalidCredentials
		}
		return auth.LoginResult{Token: "tok", Username: "admin", ExpiresAt: expires}, nil
	}}})

	body := bytes.NewBufferString(`{"username":"admin","password":"secret"}`)
	rec := serve(handler, httptest.NewRequest(http.MethodPost, "/v1/auth/login", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cookies := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		cookies[c.Name] = c
	}
	require.Contains(t, cookies, usernameCookie)
	assert.Equal(t, "admin", cookies[usernameCookie].Value)
	require.Contains(t, cookies, tokenCookie)
	assert.Equal(t, "tok", cookies[tokenCookie].Value)
	assert.True(t, cookies[tokenCookie].HttpOnly)
	require.Len(t, al.events, 1)
	assert.Equal(t, audit.OutcomeSuccess, al.events[0].Outcome)
}

func TestLoginFailuresLookTheSame(t *testing.T) {
	for _, loginErr := range []error{
		auth.ErrInvalidCredentials,
		errors.Join(auth.ErrStoreUnavailable, docstore.ErrUnavailable),
	} {
		handler := NewHandler(Deps{Auth: fakeAuthService{loginFunc: func(string, string) (auth.LoginResult, error) {
			return auth.LoginResult{}, loginErr
		}}})
		body := bytes.NewBufferString(`{"username":"admin","password":"x"}`)
		rec := serve(handler, httptest.NewRequest(http.MethodPost, "/v1/auth/login", body))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%v", loginErr)
		assert.Contains(t, rec.Body.String(), "authentication failed")
	}
}

func TestLoginRejectsBadBody(t *testing.T) {
	handler := NewHandler(Deps{Auth: fakeAuthService{}})
	rec := serve(handler, httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(handler, httptest.NewRequest(http.MethodGet, "/v1/auth/login", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMeValidatesThenExtends(t *testing.T) {
	var calls []string
	fake := fakeAuthService{
		validateFunc: func(username, token string) bool {
			calls = append(calls, "validate")
			return username == "admin" && token == "tok"
		},
		extendFunc: func(username, token string) {
			calls = append(calls, "extend")
		},
	}
	handler := NewHandler(Deps{Auth: fake})

	rec := serve(handler, withSession(httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"validate", "extend"}, calls)
	assert.Len(t, rec.Result().Cookies(), 2, "session cookies are refreshed")
}

func TestMeRejectsMissingOrInvalidSession(t *testing.T) {
	handler := NewHandler(Deps{Auth: validAdmin()})

	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no cookies")

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: usernameCookie, Value: "admin"})
	req.AddCookie(&http.Cookie{Name: tokenCookie, Value: "stale"})
	rec = serve(handler, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "stale token")
	for _, c := range rec.Result().Cookies() {
		assert.Negative(t, c.MaxAge, "cookie %s is cleared", c.Name)
	}
}

func TestBearerTokenWithUsernameHeader(t *testing.T) {
	handler := NewHandler(Deps{Auth: validAdmin()})
	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set(usernameHeader, "admin")
	rec := serve(handler, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionAdminRoutes(t *testing.T) {
	al := &memoryAudit{}
	fake := validAdmin()
	fake.listFunc = func() ([]auth.SessionView, error) {
		return []auth.SessionView{{ID: "s1", Username: "admin"}}, nil
	}
	fake.sweepFunc = func() (int, error) { return 3, nil }
	handler := NewHandler(Deps{Auth: fake, Audit: al})

	rec := serve(handler, withSession(httptest.NewRequest(http.MethodGet, "/v1/system/sessions", nil)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"s1"`)

	rec = serve(handler, withSession(httptest.NewRequest(http.MethodPost, "/v1/system/sessions/sweep", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got["removed"])
	require.Len(t, al.events, 1)
	assert.Equal(t, "session.sweep", al.events[0].Action)

	rec = serve(handler, withSession(httptest.NewRequest(http.MethodGet, "/v1/system/audit?limit=5", nil)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "session.sweep")
}

func TestDormantRoute(t *testing.T) {
	var gotThreshold time.Duration
	scanner := fakeScanner{scanFunc: func(threshold time.Duration) (map[string]conversation.Record, error) {
		gotThreshold = threshold
		return map[string]conversation.Record{
			"u2": {LastUpdate: expiry.Millis(2000)},
			"u1": {LastUpdate: expiry.Millis(1000), Messages: []conversation.Message{{Role: "user", Content: "hi"}}},
		}, nil
	}}
	handler := NewHandler(Deps{Auth: validAdmin(), Dormancy: scanner})

	rec := serve(handler, withSession(httptest.NewRequest(http.MethodGet, "/v1/conversations/dormant", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30*time.Minute, gotThreshold, "default threshold")
	var body struct {
		Items []conversationView `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 2)
	assert.Equal(t, "u1", body.Items[0].UserID)
	assert.Equal(t, "u2", body.Items[1].UserID)

	rec = serve(handler, withSession(httptest.NewRequest(http.MethodGet, "/v1/conversations/dormant?threshold=2h", nil)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2*time.Hour, gotThreshold)

	rec = serve(handler, withSession(httptest.NewRequest(http.MethodGet, "/v1/conversations/dormant?threshold=-1m", nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	failing := NewHandler(Deps{Auth: validAdmin(), Dormancy: fakeScanner{scanFunc: func(time.Duration) (map[string]conversation.Record, error) {
		return nil, docstore.ErrUnavailable
	}}})
	rec = serve(failing, withSession(httptest.NewRequest(http.MethodGet, "/v1/conversations/dormant", nil)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConversationResetAndGet(t *testing.T) {
	var resetID string
	var resetSeed []conversation.Message
	convs := fakeConversations{
		getFunc: func(id string) (conversation.Record, bool, error) {
			return conversation.Record{}, id == "u1", nil
		},
		resetFunc: func(id string, seed []conversation.Message) error {
			resetID, resetSeed = id, seed
			return nil
		},
	}
	handler := NewHandler(Deps{Auth: validAdmin(), Conversations: convs})

	body := bytes.NewBufferString(`{"messages":[{"role":"assistant","content":"Welcome"}]}`)
	rec := serve(handler, withSession(httptest.NewRequest(http.MethodPost, "/v1/conversations/u1/reset", body)))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u1", resetID)
	require.Len(t, resetSeed, 1)
	assert.Equal(t, "Welcome", resetSeed[0].Content)

	rec = serve(handler, withSession(httptest.NewRequest(http.MethodGet, "/v1/conversations/u1", nil)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"messages":[]`)
	rec = serve(handler, withSession(httptest.NewRequest(http.MethodGet, "/v1/conversations/nobody", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(handler, httptest.NewRequest(http.MethodPost, "/v1/conversations/u1/reset", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestMessages(t *testing.T) {
	var appended []conversation.Message
	convs := fakeConversations{appendFunc: func(id string, msgs []conversation.Message) (conversation.Record, error) {
		appended = msgs
		return conversation.Record{Messages: msgs}, nil
	}}

	disabled := NewHandler(Deps{Conversations: convs})
	rec := serve(disabled, httptest.NewRequest(http.MethodPost, "/v1/conversations/u1/messages", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code, "ingest disabled")

	handler := NewHandler(Deps{Conversations: convs, IngestSecret: "s3cret"})
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/u1/messages", bytes.NewBufferString(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set(ingestHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(handler, req).Code, "wrong secret")

	req = httptest.NewRequest(http.MethodPost, "/v1/conversations/u1/messages", bytes.NewBufferString(`{"messages":[{"role":"system","content":"x"}]}`))
	req.Header.Set(ingestHeader, "s3cret")
	assert.Equal(t, http.StatusBadRequest, serve(handler, req).Code, "bad role")

	req = httptest.NewRequest(http.MethodPost, "/v1/conversations/u1/messages", bytes.NewBufferString(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set(ingestHeader, "s3cret")
	rec = serve(handler, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, appended, 1)
	assert.Equal(t, "hi", appended[0].Content)
}

func TestRunReminders(t *testing.T) {
	al := &memoryAudit{}
	handler := NewHandler(Deps{Auth: validAdmin(), Audit: al, Reminders: fakeReminders{res: reminder.Result{Dormant: 2, Sent: 1, Failed: 1}}})
	rec := serve(handler, withSession(httptest.NewRequest(http.MethodPost, "/v1/reminders/run", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	var got reminder.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, reminder.Result{Dormant: 2, Sent: 1, Failed: 1}, got)
	require.Len(t, al.events, 1)
	assert.Equal(t, "reminder.run", al.events[0].Action)

	failing := NewHandler(Deps{Auth: validAdmin(), Reminders: fakeReminders{err: docstore.ErrUnavailable}})
	rec = serve(failing, withSession(httptest.NewRequest(http.MethodPost, "/v1/reminders/run", nil)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoginCookieFlowWithRealService(t *testing.T) {
	ctx := context.Background()
	store, err := docstore.NewFileStore(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	hasher := &auth.BcryptHasher{Cost: 4}
	svc, err := auth.NewService(store, auth.ServiceConfig{SessionTTL: time.Hour, Passwords: hasher, Tokens: hasher})
	require.NoError(t, err)
	require.NoError(t, svc.PutCredential(ctx, "admin", "secret"))
	handler := loggingMiddleware(Deps{}.logger(), NewHandler(Deps{Auth: svc}))

	rec := serve(handler, httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewBufferString(`{"username":"admin","password":"secret"}`)))
	require.Equal(t, http.StatusOK, rec.Code, "login")

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	rec = serve(handler, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"admin"`)

	rec = serve(handler, httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewBufferString(`{"username":"admin","password":"Secret"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "login with wrong case")
}

type fakeMigrations struct {
	items []migrations.Status
}

func (f fakeMigrations) Status(context.Context) ([]migrations.Status, error) { return f.items, nil }

func TestMigrationStatusRoute(t *testing.T) {
	rec := serve(NewHandler(Deps{Auth: validAdmin()}), withSession(httptest.NewRequest(http.MethodGet, "/v1/system/migrations", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no tracked schema")

	handler := NewHandler(Deps{Auth: validAdmin(), Migrations: fakeMigrations{items: []migrations.Status{{Name: "0001_documents.sql", Applied: true}}}})
	rec = serve(handler, withSession(httptest.NewRequest(http.MethodGet, "/v1/system/migrations", nil)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "0001_documents.sql")
}
