package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"salesdesk/assistant/internal/docstore"
	"salesdesk/assistant/internal/expiry"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrStoreUnavailable   = errors.New("session store unavailable")
)

// Paths of the collections owned by this package.
const (
	CredentialsPath = "admins"
	SessionsPath    = "sessions"
)

// Service manages admin credentials and sessions held in the document
// store. It keeps no state between calls: every operation re-reads the
// collection, computes, and writes the result back.
//
// When the store is not docstore.Versioned, two concurrent mutations may
// race and the later writer silently drops a session committed by the
// other in between. That loss is accepted for session data.
type Service struct {
	store       docstore.Store
	ttl         time.Duration
	passwords   Hasher
	tokens      Hasher
	maxAttempts int
	logger      *slog.Logger
	nowFunc     func() time.Time
	dummyHash   string
}

type ServiceConfig struct {
	SessionTTL time.Duration
	// Passwords hashes admin passwords.
	Passwords Hasher
	// Tokens hashes session tokens; a cheaper hasher than Passwords is fine.
	Tokens           Hasher
	MaxWriteAttempts int
	Logger           *slog.Logger
}

func NewService(store docstore.Store, cfg ServiceConfig) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("session TTL must be > 0")
	}
	if cfg.Passwords == nil || cfg.Tokens == nil {
		return nil, fmt.Errorf("password and token hashers are required")
	}
	if cfg.MaxWriteAttempts <= 0 {
		cfg.MaxWriteAttempts = docstore.DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dummy, err := cfg.Passwords.Hash("not-a-real-password")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}

	return &Service{
		store:       store,
		ttl:         cfg.SessionTTL,
		passwords:   cfg.Passwords,
		tokens:      cfg.Tokens,
		maxAttempts: cfg.MaxWriteAttempts,
		logger:      cfg.Logger,
		nowFunc:     time.Now,
		dummyHash:   dummy,
	}, nil
}

// SessionTTL is the default lifetime of issued and extended sessions.
func (s *Service) SessionTTL() time.Duration {
	return s.ttl
}

// IssueSession records a new session for username expiring ttl from now.
// A non-positive ttl selects the configured default.
func (s *Service) IssueSession(ctx context.Context, username, rawToken string, ttl time.Duration) error {
	_, err := s.issue(ctx, username, rawToken, ttl)
	return err
}

func (s *Service) issue(ctx context.Context, username, rawToken string, ttl time.Duration) (Session, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	tokenHash, err := s.tokens.Hash(rawToken)
	if err != nil {
		return Session{}, fmt.Errorf("hash session token: %w", err)
	}

	sess := Session{
		ID:        uuid.NewString(),
		Username:  username,
		TokenHash: tokenHash,
		ExpiresAt: expiry.Deadline(s.nowFunc(), ttl),
	}
	err = docstore.Update(ctx, s.store, SessionsPath, s.maxAttempts, func(current []byte) ([]byte, bool, error) {
		sessions := append(s.decodeSessions(current), sess)
		b, err := json.Marshal(sessions)
		return b, true, err
	})
	if err != nil {
		return Session{}, storeError("issue session", err)
	}
	return sess, nil
}

// ValidateSession reports whether a live session matches username and
// rawToken. Expired sessions are pruned from the store as a side effect.
// Any store failure yields false.
func (s *Service) ValidateSession(ctx context.Context, username, rawToken string) bool {
	now := s.nowFunc()
	var matched bool
	err := docstore.Update(ctx, s.store, SessionsPath, s.maxAttempts, func(current []byte) ([]byte, bool, error) {
		sessions := s.decodeSessions(current)
		live := liveSessions(sessions, now)
		matched = s.findSession(live, username, rawToken) >= 0
		if len(live) == len(sessions) {
			return nil, false, nil
		}
		b, err := json.Marshal(live)
		return b, true, err
	})
	if err != nil {
		s.logger.Warn("validate session failed", "username", username, "error", err)
		return false
	}
	return matched
}

// ExtendSession pushes the expiry of the matching live session to now plus
// the session TTL and prunes expired sessions. An expiry is never moved
// earlier, so a session issued with a longer TTL keeps it until the sliding
// deadline passes it. It is best effort: failures are logged, and without a
// match or a later deadline the store is left untouched.
func (s *Service) ExtendSession(ctx context.Context, username, rawToken string) {
	now := s.nowFunc()
	err := docstore.Update(ctx, s.store, SessionsPath, s.maxAttempts, func(current []byte) ([]byte, bool, error) {
		live := liveSessions(s.decodeSessions(current), now)
		i := s.findSession(live, username, rawToken)
		if i < 0 {
			return nil, false, nil
		}
		next := expiry.Deadline(now, s.ttl)
		if next <= live[i].ExpiresAt {
			return nil, false, nil
		}
		live[i].ExpiresAt = next
		b, err := json.Marshal(live)
		return b, true, err
	})
	if err != nil {
		s.logger.Warn("extend session failed", "username", username, "error", err)
	}
}

// CheckCredential reports whether username exists and rawPassword verifies
// against its stored hash. Any store failure yields false.
func (s *Service) CheckCredential(ctx context.Context, username, rawPassword string) bool {
	ok, err := s.verifyCredential(ctx, username, rawPassword)
	if err != nil {
		s.logger.Warn("check credential failed", "username", username, "error", err)
		return false
	}
	return ok
}

func (s *Service) verifyCredential(ctx context.Context, username, rawPassword string) (bool, error) {
	creds, err := s.loadCredentials(ctx)
	if err != nil {
		return false, err
	}

	var found, matched bool
	for _, c := range creds {
		if c.Username != username {
			continue
		}
		found = true
		if s.passwords.Verify(rawPassword, c.PasswordHash) {
			matched = true
		}
	}
	if !found {
		// keep the miss path as expensive as the hit path
		s.passwords.Verify(rawPassword, s.dummyHash)
	}
	return matched, nil
}

// Login checks the credential pair and issues a fresh session.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	ok, err := s.verifyCredential(ctx, username, password)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := GenerateToken()
	if err != nil {
		return LoginResult{}, fmt.Errorf("generate token: %w", err)
	}
	sess, err := s.issue(ctx, username, token, s.ttl)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Token:     token,
		Username:  username,
		ExpiresAt: sess.ExpiresAt.Time(),
	}, nil
}

// PutCredential stores a credential for username, replacing any existing
// one with the same name.
func (s *Service) PutCredential(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	hash, err := s.passwords.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	err = docstore.Update(ctx, s.store, CredentialsPath, s.maxAttempts, func(current []byte) ([]byte, bool, error) {
		creds := s.decodeCredentials(current)
		next := make([]Credential, 0, len(creds)+1)
		for _, c := range creds {
			if c.Username != username {
				next = append(next, c)
			}
		}
		next = append(next, Credential{Username: username, PasswordHash: hash})
		b, err := json.Marshal(next)
		return b, true, err
	})
	if err != nil {
		return storeError("put credential", err)
	}
	return nil
}

func (s *Service) HasCredential(ctx context.Context, username string) (bool, error) {
	creds, err := s.loadCredentials(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range creds {
		if c.Username == username {
			return true, nil
		}
	}
	return false, nil
}

// ListSessions returns the live sessions ordered by expiry. It does not
// prune.
func (s *Service) ListSessions(ctx context.Context) ([]SessionView, error) {
	raw, err := s.store.Read(ctx, SessionsPath)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return nil, storeError("list sessions", err)
	}

	live := liveSessions(s.decodeSessions(raw), s.nowFunc())
	sort.Slice(live, func(i, j int) bool { return live[i].ExpiresAt < live[j].ExpiresAt })

	out := make([]SessionView, 0, len(live))
	for _, sess := range live {
		out = append(out, SessionView{
			ID:        sess.ID,
			Username:  sess.Username,
			ExpiresAt: sess.ExpiresAt.Time().UTC(),
		})
	}
	return out, nil
}

// Sweep removes every expired session and reports how many were dropped.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.nowFunc()
	var removed int
	err := docstore.Update(ctx, s.store, SessionsPath, s.maxAttempts, func(current []byte) ([]byte, bool, error) {
		sessions := s.decodeSessions(current)
		live := liveSessions(sessions, now)
		removed = len(sessions) - len(live)
		if removed == 0 {
			return nil, false, nil
		}
		b, err := json.Marshal(live)
		return b, true, err
	})
	if err != nil {
		return 0, storeError("sweep sessions", err)
	}
	return removed, nil
}

func (s *Service) findSession(sessions []Session, username, rawToken string) int {
	for i, sess := range sessions {
		if sess.Username == username && s.tokens.Verify(rawToken, sess.TokenHash) {
			return i
		}
	}
	return -1
}

// liveSessions is the single liveness predicate shared by validate, extend,
// list and sweep.
func liveSessions(sessions []Session, now time.Time) []Session {
	live := make([]Session, 0, len(sessions))
	for _, sess := range sessions {
		if expiry.Live(sess.ExpiresAt, now) {
			live = append(live, sess)
		}
	}
	return live
}

func (s *Service) loadCredentials(ctx context.Context) ([]Credential, error) {
	raw, err := s.store.Read(ctx, CredentialsPath)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return nil, storeError("load credentials", err)
	}
	return s.decodeCredentials(raw), nil
}

func (s *Service) decodeSessions(raw []byte) []Session {
	var sessions []Session
	if err := docstore.DecodeJSON(raw, &sessions); err != nil {
		s.logger.Warn("sessions collection is corrupt, treating as empty", "error", err)
		return nil
	}
	return sessions
}

func (s *Service) decodeCredentials(raw []byte) []Credential {
	var creds []Credential
	if err := docstore.DecodeJSON(raw, &creds); err != nil {
		s.logger.Warn("credentials collection is corrupt, treating as empty", "error", err)
		return nil
	}
	return creds
}

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
