// Package session owns authenticated retailer sessions: one cached session
// per retailer, refreshed on expiry or explicit invalidation, with at most one
// login in flight per retailer.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/grocer/internal/model"
)

// Session is an authenticated retailer session. Callers receive it per call
// and must not keep it beyond the operation that asked for it.
type Session struct {
	Token      string
	RetailerID string
	ExpiresAt  time.Time
}

// Valid reports whether the session can still be used at now.
func (s Session) Valid(now time.Time) bool {
	return s.Token != "" && now.Before(s.ExpiresAt)
}

// Authenticator logs in to a retailer.
type Authenticator interface {
	Login(ctx context.Context, retailerID string) (Session, error)
}

// Manager hands out sessions.
type Manager struct {
	auth         Authenticator
	loginTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]Session
	group    singleflight.Group

	nowFunc func() time.Time
}

// NewManager creates a session manager. loginTimeout bounds each login.
func NewManager(auth Authenticator, loginTimeout time.Duration) *Manager {
	if loginTimeout <= 0 {
		loginTimeout = 20 * time.Second
	}
	return &Manager{
		auth:         auth,
		loginTimeout: loginTimeout,
		sessions:     make(map[string]Session),
		nowFunc:      time.Now,
	}
}

// Acquire returns the cached session for retailerID when it has not
// expired, and otherwise logs in. Concurrent callers share one login.
func (m *Manager) Acquire(ctx context.Context, retailerID string) (Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[retailerID]; ok && s.Valid(m.nowFunc()) {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan(retailerID, func() (any, error) {
		return m.login(retailerID)
	})

	select {
	case <-ctx.Done():
		return Session{}, model.WrapError(model.KindCanceled, ctx.Err(), "waiting for login")
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

// login runs detached from any single caller so that one caller giving up
// does not fail the others waiting on the same login.
func (m *Manager) login(retailerID string) (Session, error) {
	// A caller may have finished a login between our cache miss and now.
	m.mu.Lock()
	if s, ok := m.sessions[retailerID]; ok && s.Valid(m.nowFunc()) {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.loginTimeout)
	defer cancel()

	start := m.nowFunc()
	s, err := m.auth.Login(ctx, retailerID)
	if err != nil {
		zap.L().Warn("retailer login failed", zap.String("retailer_id", retailerID), zap.Error(err))
		if model.KindOf(err) != "" {
			return Session{}, err
		}
		if ctx.Err() == context.DeadlineExceeded {
			return Session{}, model.WrapError(model.KindNetworkTimeout, err, "login timed out")
		}
		return Session{}, model.WrapError(model.KindBackendUnavailable, err, "login failed")
	}
	if s.Token == "" {
		return Session{}, model.NewError(model.KindBackendUnavailable, "login returned no session")
	}
	if s.RetailerID == "" {
		s.RetailerID = retailerID
	}

	m.mu.Lock()
	m.sessions[retailerID] = s
	m.mu.Unlock()

	zap.L().Info("retailer login succeeded",
		zap.String("retailer_id", retailerID),
		zap.Time("expires_at", s.ExpiresAt),
		zap.Duration("elapsed", m.nowFunc().Sub(start)),
	)
	return s, nil
}

// Invalidate drops s from the cache if it is still the cached session. A
// newer session obtained by another caller is kept.
func (m *Manager) Invalidate(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.RetailerID]
	if !ok || cur.Token != s.Token {
		return
	}
	delete(m.sessions, s.RetailerID)
	zap.L().Info("session invalidated", zap.String("retailer_id", s.RetailerID))
}

// Cached returns the cached session for retailerID, if any.
func (m *Manager) Cached(retailerID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[retailerID]
	return s, ok
}
