package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultSessionTimeout is how long an idle session stays bound to a
// user before it expires.
const DefaultSessionTimeout = 24 * time.Hour

// DefaultUser is the broker user ID for unauthenticated and stdio
// sessions.
const DefaultUser = "default"

// ErrNoAuthorizationHeader is returned when an HTTP request carries no
// Authorization header to derive a session from.
var ErrNoAuthorizationHeader = errors.New("no authorization header provided")

// SessionManager maps session IDs to broker user IDs. Session IDs are
// derived from Bearer tokens, so each caller of a shared HTTP server
// gets its own user and therefore its own linked accounts. Entries
// expire after the session timeout; every lookup slides the deadline.
type SessionManager struct {
	cache  *ttlcache.Cache[string, string]
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSessionManager creates a session manager with the given idle
// timeout. Pass 0 for the default.
func NewSessionManager(timeout time.Duration, logger *slog.Logger) *SessionManager {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &SessionManager{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, string](timeout),
		),
		logger: logger,
	}
	m.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		if reason == ttlcache.EvictionReasonExpired {
			logger.Debug("session expired", "user", item.Value())
		}
	})
	return m
}

// Start launches the expiry loop.
func (m *SessionManager) Start() {
	m.startOnce.Do(func() {
		go m.cache.Start()
	})
}

// Stop ends the expiry loop.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(m.cache.Stop)
}

// ResolveSessionID derives the session ID for an HTTP request from its
// Authorization header. The raw token is hashed so it never appears in
// session state or logs.
func (m *SessionManager) ResolveSessionID(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrNoAuthorizationHeader
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")

	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:]), nil
}

// Bind associates a session with a broker user ID, replacing any
// first-sight binding made by Resolve.
func (m *SessionManager) Bind(sessionID, userID string) {
	m.cache.Set(sessionID, userID, ttlcache.DefaultTTL)
}

// Resolve returns the user for a session, binding the session to itself
// on first sight. Each Bearer token therefore maps to its own broker
// user, and with it its own linked accounts. A concurrent first sight
// writes the same value, so the race is benign.
func (m *SessionManager) Resolve(sessionID string) string {
	if item := m.cache.Get(sessionID); item != nil {
		return item.Value()
	}
	m.cache.Set(sessionID, sessionID, ttlcache.DefaultTTL)
	return sessionID
}

// UserForSession returns the user bound to a session, or DefaultUser
// when the session is unknown or expired. A hit extends the session.
func (m *SessionManager) UserForSession(sessionID string) string {
	item := m.cache.Get(sessionID)
	if item == nil {
		return DefaultUser
	}
	return item.Value()
}

// Remove drops a session.
func (m *SessionManager) Remove(sessionID string) {
	m.cache.Delete(sessionID)
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	return m.cache.Len()
}
