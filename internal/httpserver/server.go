package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"salesdesk/assistant/internal/audit"
	"salesdesk/assistant/internal/auth"
	"salesdesk/assistant/internal/config"
	"salesdesk/assistant/internal/conversation"
	"salesdesk/assistant/internal/migrations"
	"salesdesk/assistant/internal/reminder"
)

const (
	usernameCookie = "username"
	tokenCookie    = "session_token"
	ingestHeader   = "X-Ingest-Secret"
	usernameHeader = "X-Username"
)

type AuthService interface {
	Login(ctx context.Context, username, password string) (auth.LoginResult, error)
	ValidateSession(ctx context.Context, username, rawToken string) bool
	ExtendSession(ctx context.Context, username, rawToken string)
	ListSessions(ctx context.Context) ([]auth.SessionView, error)
	Sweep(ctx context.Context) (int, error)
	SessionTTL() time.Duration
}

type DormancyScanner interface {
	ScanDormant(ctx context.Context, threshold time.Duration) (map[string]conversation.Record, error)
	Threshold() time.Duration
}

type ConversationService interface {
	Get(ctx context.Context, userID string) (conversation.Record, bool, error)
	Append(ctx context.Context, userID string, msgs ...conversation.Message) (conversation.Record, error)
	Reset(ctx context.Context, userID string, seed ...conversation.Message) error
}

type ReminderRunner interface {
	RunOnce(ctx context.Context) (reminder.Result, error)
}

type MigrationStatus interface {
	Status(ctx context.Context) ([]migrations.Status, error)
}

type AuditLogger interface {
	Log(e audit.Event) error
	Recent(limit int) ([]audit.Event, error)
}

type Deps struct {
	Auth          AuthService
	Dormancy      DormancyScanner
	Conversations ConversationService
	Reminders     ReminderRunner
	Audit         AuditLogger
	// Migrations is set only for stores with a tracked SQL schema.
	Migrations MigrationStatus
	Logger     *slog.Logger
	// Ready reports whether the document store answers; nil means always.
	Ready        func(ctx context.Context) error
	CookieSecure bool
	// IngestSecret guards the message ingest route; empty disables it.
	IngestSecret string
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	handler := NewHandler(deps)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      loggingMiddleware(deps.logger(), handler),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func NewHandler(deps Deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				deps.logger().Warn("readiness check failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, "document store unavailable")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": "salesdesk-admin-api",
			"version": "0.1.0",
		})
	})

	registerAuthHandlers(mux, deps)
	registerSessionAdminHandlers(mux, deps)
	registerConversationHandlers(mux, deps)
	registerReminderHandlers(mux, deps)

	return mux
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// credentials returns the username and raw token presented by the client,
// from the session cookies or from a bearer token plus X-Username.
func credentials(r *http.Request) (string, string, bool) {
	if u, err := r.Cookie(usernameCookie); err == nil {
		if t, err := r.Cookie(tokenCookie); err == nil && u.Value != "" && t.Value != "" {
			return u.Value, t.Value, true
		}
	}
	token, err := extractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return "", "", false
	}
	username := strings.TrimSpace(r.Header.Get(usernameHeader))
	if username == "" {
		return "", "", false
	}
	return username, token, true
}

// requireSession validates the presented session and slides its expiry.
func requireSession(w http.ResponseWriter, r *http.Request, deps Deps) (string, bool) {
	if deps.Auth == nil {
		writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
		return "", false
	}
	username, token, ok := credentials(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	if !deps.Auth.ValidateSession(r.Context(), username, token) {
		clearSessionCookies(w, deps.CookieSecure)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	deps.Auth.ExtendSession(r.Context(), username, token)
	setSessionCookies(w, username, token, time.Now().Add(deps.Auth.SessionTTL()), deps.CookieSecure)
	return username, true
}

func setSessionCookies(w http.ResponseWriter, username, token string, expires time.Time, secure bool) {
	for name, value := range map[string]string{usernameCookie: username, tokenCookie: token} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			Expires:  expires,
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func clearSessionCookies(w http.ResponseWriter, secure bool) {
	for _, name := range []string{usernameCookie, tokenCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func requireIngestSecret(w http.ResponseWriter, r *http.Request, secret string) bool {
	if secret == "" {
		writeError(w, http.StatusNotFound, "ingest disabled")
		return false
	}
	got := r.Header.Get(ingestHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid ingest secret")
		return false
	}
	return true
}

func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Info("http request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	v := ctx.Value(requestIDKey{})
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func auditReq(a AuditLogger, r *http.Request, actor, action, target, outcome, detail string) {
	if a == nil {
		return
	}
	parts := []string{
		"ip=" + clientIP(r),
		"ua=" + strings.TrimSpace(r.UserAgent()),
	}
	if strings.TrimSpace(detail) != "" {
		parts = append(parts, "detail="+strings.TrimSpace(detail))
	}
	_ = a.Log(audit.Event{
		RequestID: requestIDFromContext(r.Context()),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Outcome:   outcome,
		Detail:    strings.Join(parts, " | "),
	})
}
