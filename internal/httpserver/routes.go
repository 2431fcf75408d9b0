package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"salesdesk/assistant/internal/audit"
	"salesdesk/assistant/internal/auth"
	"salesdesk/assistant/internal/conversation"
)

func registerAuthHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if deps.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
			return
		}

		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		res, err := deps.Auth.Login(r.Context(), req.Username, req.Password)
		if err != nil {
			detail := "invalid credentials"
			if !errors.Is(err, auth.ErrInvalidCredentials) {
				detail = err.Error()
				deps.logger().Error("login failed", "username", req.Username, "error", err)
			}
			auditReq(deps.Audit, r, req.Username, "auth.login", "", audit.OutcomeFailure, detail)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		auditReq(deps.Audit, r, res.Username, "auth.login", "", audit.OutcomeSuccess, "")

		setSessionCookies(w, res.Username, res.Token, res.ExpiresAt, deps.CookieSecure)
		writeJSON(w, http.StatusOK, map[string]any{
			"token":      res.Token,
			"username":   res.Username,
			"expires_at": res.ExpiresAt.UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		username, ok := requireSession(w, r, deps)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"username": username})
	})

	// Sessions are never revoked server side; logging out only drops the
	// cookies and the stored session expires on its own.
	mux.HandleFunc("/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		username, _, _ := credentials(r)
		clearSessionCookies(w, deps.CookieSecure)
		auditReq(deps.Audit, r, username, "auth.logout", "", audit.OutcomeSuccess, "")
		w.WriteHeader(http.StatusNoContent)
	})
}

func registerSessionAdminHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/system/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := requireSession(w, r, deps); !ok {
			return
		}
		items, err := deps.Auth.ListSessions(r.Context())
		if err != nil {
			deps.logger().Error("list sessions failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "list sessions failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	})

	mux.HandleFunc("/v1/system/sessions/sweep", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		username, ok := requireSession(w, r, deps)
		if !ok {
			return
		}
		removed, err := deps.Auth.Sweep(r.Context())
		if err != nil {
			auditReq(deps.Audit, r, username, "session.sweep", "", audit.OutcomeFailure, err.Error())
			writeError(w, http.StatusServiceUnavailable, "sweep sessions failed")
			return
		}
		auditReq(deps.Audit, r, username, "session.sweep", "", audit.OutcomeSuccess, "removed="+strconv.Itoa(removed))
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	})

	mux.HandleFunc("/v1/system/migrations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := requireSession(w, r, deps); !ok {
			return
		}
		if deps.Migrations == nil {
			writeError(w, http.StatusNotFound, "schema migrations are not tracked for this store")
			return
		}
		items, err := deps.Migrations.Status(r.Context())
		if err != nil {
			deps.logger().Error("migration status failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "migration status failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	})

	mux.HandleFunc("/v1/system/audit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := requireSession(w, r, deps); !ok {
			return
		}
		if deps.Audit == nil {
			writeError(w, http.StatusServiceUnavailable, "audit log unavailable")
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 1000 {
				writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
				return
			}
			limit = n
		}
		items, err := deps.Audit.Recent(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "read audit log failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	})
}

type conversationView struct {
	UserID       string                 `json:"user_id"`
	LastUpdate   time.Time              `json:"last_update"`
	ReminderSent bool                   `json:"reminder_sent"`
	Messages     []conversation.Message `json:"messages"`
}

func newConversationView(id string, rec conversation.Record) conversationView {
	msgs := rec.Messages
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	return conversationView{
		UserID:       id,
		LastUpdate:   rec.LastUpdate.Time().UTC(),
		ReminderSent: rec.ReminderSent,
		Messages:     msgs,
	}
}

func registerConversationHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/conversations/dormant", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := requireSession(w, r, deps); !ok {
			return
		}
		if deps.Dormancy == nil {
			writeError(w, http.StatusServiceUnavailable, "dormancy scanner unavailable")
			return
		}

		threshold := deps.Dormancy.Threshold()
		if raw := r.URL.Query().Get("threshold"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, "threshold must be a positive duration")
				return
			}
			threshold = d
		}

		dormant, err := deps.Dormancy.ScanDormant(r.Context(), threshold)
		if err != nil {
			deps.logger().Error("scan dormant conversations failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "scan failed")
			return
		}
		items := make([]conversationView, 0, len(dormant))
		for id, rec := range dormant {
			items = append(items, newConversationView(id, rec))
		}
		sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
		writeJSON(w, http.StatusOK, map[string]any{
			"threshold": threshold.String(),
			"items":     items,
		})
	})

	mux.HandleFunc("/v1/conversations/", func(w http.ResponseWriter, r *http.Request) {
		if deps.Conversations == nil {
			writeError(w, http.StatusServiceUnavailable, "conversation service unavailable")
			return
		}

		trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/conversations/"), "/")
		id, action, _ := strings.Cut(trimmed, "/")
		if id == "" || strings.Contains(action, "/") {
			writeError(w, http.StatusNotFound, "conversation route not found")
			return
		}

		switch action {
		case "":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if _, ok := requireSession(w, r, deps); !ok {
				return
			}
			rec, found, err := deps.Conversations.Get(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "load conversation failed")
				return
			}
			if !found {
				writeError(w, http.StatusNotFound, "conversation not found")
				return
			}
			writeJSON(w, http.StatusOK, newConversationView(id, rec))

		case "reset":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			username, ok := requireSession(w, r, deps)
			if !ok {
				return
			}
			var req struct {
				Messages []conversation.Message `json:"messages"`
			}
			if r.ContentLength != 0 {
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, http.StatusBadRequest, "invalid request body")
					return
				}
			}
			if err := deps.Conversations.Reset(r.Context(), id, req.Messages...); err != nil {
				auditReq(deps.Audit, r, username, "conversation.reset", id, audit.OutcomeFailure, err.Error())
				writeError(w, http.StatusServiceUnavailable, "reset conversation failed")
				return
			}
			auditReq(deps.Audit, r, username, "conversation.reset", id, audit.OutcomeSuccess, "")
			w.WriteHeader(http.StatusNoContent)

		case "messages":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if !requireIngestSecret(w, r, deps.IngestSecret) {
				return
			}
			var req struct {
				Messages []conversation.Message `json:"messages"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if len(req.Messages) == 0 {
				writeError(w, http.StatusBadRequest, "messages are required")
				return
			}
			for _, m := range req.Messages {
				if m.Role != conversation.RoleUser && m.Role != conversation.RoleAssistant {
					writeError(w, http.StatusBadRequest, "message role must be user or assistant")
					return
				}
			}
			rec, err := deps.Conversations.Append(r.Context(), id, req.Messages...)
			if err != nil {
				deps.logger().Error("append conversation failed", "user_id", id, "error", err)
				writeError(w, http.StatusServiceUnavailable, "append messages failed")
				return
			}
			writeJSON(w, http.StatusOK, newConversationView(id, rec))

		default:
			writeError(w, http.StatusNotFound, "conversation route not found")
		}
	})
}

func registerReminderHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/reminders/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		username, ok := requireSession(w, r, deps)
		if !ok {
			return
		}
		if deps.Reminders == nil {
			writeError(w, http.StatusServiceUnavailable, "reminder job unavailable")
			return
		}
		res, err := deps.Reminders.RunOnce(r.Context())
		if err != nil {
			auditReq(deps.Audit, r, username, "reminder.run", "", audit.OutcomeFailure, err.Error())
			writeError(w, http.StatusServiceUnavailable, "reminder run failed")
			return
		}
		auditReq(deps.Audit, r, username, "reminder.run", "", audit.OutcomeSuccess,
			"dormant="+strconv.Itoa(res.Dormant)+" sent="+strconv.Itoa(res.Sent)+" failed="+strconv.Itoa(res.Failed))
		writeJSON(w, http.StatusOK, res)
	})
}
