package session

import (
	"errors"
	"sync"
	"time"

	"security-core/internal/audit"
	"security-core/internal/bucketing"
	"security-core/internal/clock"
	"security-core/internal/config"
	"security-core/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCapacityExceeded is returned when a user already holds the maximum
// number of stored sessions.
var ErrCapacityExceeded = errors.New("session capacity exceeded")

// Session is one login session bound to a device fingerprint and IP.
type Session struct {
	ID           string
	UserID       string
	DeviceID     string
	Fingerprint  string
	IPAddress    string
	UserAgent    string
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
}

// Info is the caller-facing view of a stored session.
type Info struct {
	DeviceID     string    `json:"device_id"`
	LastActivity time.Time `json:"last_activity"`
	UserAgent    string    `json:"user_agent"`
	IPAddress    string    `json:"ip_address"`
}

// shard holds the sessions of the users mapped onto it. All sessions of a
// given user live in one shard, so the capacity check and insert happen
// under a single lock.
type shard struct {
	mu    sync.Mutex
	users map[string]map[string]*Session // userID -> sessionID -> session
}

// Manager owns all login sessions: bounded creation, fingerprint/IP-bound
// validation with sliding expiry, explicit termination, and a periodic
// sweep of expired entries.
type Manager struct {
	timeout    time.Duration
	maxPerUser int
	sweepEvery time.Duration

	sharder *bucketing.Sharder
	shards  []*shard

	ownerMu sync.RWMutex
	owner   map[string]string // sessionID -> userID

	clk    clock.Clock
	audit  *audit.Logger
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager creates a session manager. Call Start to run the background
// sweep and Stop on shutdown.
func NewManager(sec config.SecurityConfig, shardCount int, clk clock.Clock, auditLog *audit.Logger, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = util.Get()
	}

	sharder := bucketing.NewSharder(shardCount)
	shards := make([]*shard, sharder.Shards())
	for i := range shards {
		shards[i] = &shard{users: make(map[string]map[string]*Session)}
	}

	return &Manager{
		timeout:    sec.SessionTimeout,
		maxPerUser: sec.MaxSessionsPerUser,
		sweepEvery: sec.SessionSweep,
		sharder:    sharder,
		shards:     shards,
		owner:      make(map[string]string),
		clk:        clk,
		audit:      auditLog,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// CreateSession stores a new session for the user, failing with
// ErrCapacityExceeded when the user already holds the maximum. The count
// covers every stored session for the user, including expired ones the
// sweep has not reaped yet; the sweep interval bounds that window.
func (m *Manager) CreateSession(userID, deviceID, fingerprint, ipAddress, userAgent string) (string, error) {
	sh := m.shardFor(userID)

	sh.mu.Lock()
	sessions := sh.users[userID]
	if len(sessions) >= m.maxPerUser {
		sh.mu.Unlock()
		m.audit.Log("SESSION_LIMIT_REACHED", map[string]interface{}{
			"user_id":       userID,
			"device_id":     deviceID,
			"ip_address":    ipAddress,
			"session_count": len(sessions),
		}, audit.SeverityMedium)
		return "", ErrCapacityExceeded
	}

	now := m.clk.Now()
	s := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		DeviceID:     deviceID,
		Fingerprint:  fingerprint,
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.timeout),
	}
	if sessions == nil {
		sessions = make(map[string]*Session)
		sh.users[userID] = sessions
	}
	sessions[s.ID] = s
	sh.mu.Unlock()

	m.ownerMu.Lock()
	m.owner[s.ID] = userID
	m.ownerMu.Unlock()

	m.audit.Log("SESSION_CREATED", map[string]interface{}{
		"user_id":    userID,
		"device_id":  deviceID,
		"ip_address": ipAddress,
	}, audit.SeverityLow)

	return s.ID, nil
}

// ValidateSession checks existence, expiry, idle timeout, and the
// fingerprint/IP binding. On success the expiry window slides forward; on
// any failure the session is removed and false is returned.
func (m *Manager) ValidateSession(sessionID, fingerprint, ipAddress string) bool {
	userID, ok := m.lookupOwner(sessionID)
	if !ok {
		return false
	}

	sh := m.shardFor(userID)
	sh.mu.Lock()
	s, ok := sh.users[userID][sessionID]
	if !ok {
		sh.mu.Unlock()
		return false
	}

	now := m.clk.Now()
	var reason string
	switch {
	case now.After(s.ExpiresAt):
		reason = "expired"
	case now.Sub(s.LastActivity) > m.timeout:
		reason = "idle_timeout"
	case s.Fingerprint != fingerprint:
		reason = "fingerprint_mismatch"
	case s.IPAddress != ipAddress:
		reason = "ip_mismatch"
	}

	if reason != "" {
		m.removeLocked(sh, s)
		sh.mu.Unlock()
		m.forgetOwner(sessionID)
		m.audit.Log("SESSION_VALIDATION_FAILED", map[string]interface{}{
			"user_id":    s.UserID,
			"session_id": sessionID,
			"reason":     reason,
			"ip_address": ipAddress,
		}, audit.SeverityMedium)
		return false
	}

	// Slide the expiry window
	s.LastActivity = now
	s.ExpiresAt = now.Add(m.timeout)
	sh.mu.Unlock()
	return true
}

// UpdateSession is the permissive touch-up used on ordinary request
// handling: an IP change is logged but not rejected, and the expiry
// window slides forward.
func (m *Manager) UpdateSession(sessionID, ipAddress string) {
	userID, ok := m.lookupOwner(sessionID)
	if !ok {
		return
	}

	sh := m.shardFor(userID)
	sh.mu.Lock()
	s, ok := sh.users[userID][sessionID]
	if !ok {
		sh.mu.Unlock()
		return
	}

	ipChanged := s.IPAddress != ipAddress
	oldIP := s.IPAddress
	now := m.clk.Now()
	s.IPAddress = ipAddress
	s.LastActivity = now
	s.ExpiresAt = now.Add(m.timeout)
	sh.mu.Unlock()

	if ipChanged {
		m.audit.Log("IP_CHANGE_DETECTED", map[string]interface{}{
			"user_id":    userID,
			"session_id": sessionID,
			"old_ip":     oldIP,
			"new_ip":     ipAddress,
		}, audit.SeverityMedium)
	}
}

// TerminateSession removes a session. Idempotent.
func (m *Manager) TerminateSession(sessionID string) {
	userID, ok := m.lookupOwner(sessionID)
	if !ok {
		return
	}

	sh := m.shardFor(userID)
	sh.mu.Lock()
	s, ok := sh.users[userID][sessionID]
	if !ok {
		sh.mu.Unlock()
		return
	}
	m.removeLocked(sh, s)
	sh.mu.Unlock()
	m.forgetOwner(sessionID)

	m.audit.Log("SESSION_TERMINATED", map[string]interface{}{
		"user_id":    userID,
		"session_id": sessionID,
	}, audit.SeverityLow)
}

// TerminateAllUserSessions removes every stored session of a user.
func (m *Manager) TerminateAllUserSessions(userID string) {
	sh := m.shardFor(userID)

	sh.mu.Lock()
	sessions := sh.users[userID]
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	delete(sh.users, userID)
	sh.mu.Unlock()

	for _, id := range ids {
		m.forgetOwner(id)
		m.audit.Log("SESSION_TERMINATED", map[string]interface{}{
			"user_id":    userID,
			"session_id": id,
		}, audit.SeverityLow)
	}
}

// GetActiveSessions returns the stored sessions of a user. Like the
// capacity count, the list is not filtered by expiry between sweeps.
func (m *Manager) GetActiveSessions(userID string) []Info {
	sh := m.shardFor(userID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sessions := sh.users[userID]
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Info{
			DeviceID:     s.DeviceID,
			LastActivity: s.LastActivity,
			UserAgent:    s.UserAgent,
			IPAddress:    s.IPAddress,
		})
	}
	return out
}

// SessionCount returns the total number of stored sessions.
func (m *Manager) SessionCount() int {
	m.ownerMu.RLock()
	defer m.ownerMu.RUnlock()
	return len(m.owner)
}

// Start launches the background sweep loop.
func (m *Manager) Start() {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Debug("Expired sessions swept", util.Int("count", n))
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// Sweep removes every session past its expiry or idle timeout, logging a
// SESSION_EXPIRED event per removal. Returns the number removed.
func (m *Manager) Sweep() int {
	now := m.clk.Now()
	removed := 0

	for _, sh := range m.shards {
		type reaped struct{ userID, sessionID string }
		var dead []reaped

		sh.mu.Lock()
		for userID, sessions := range sh.users {
			for id, s := range sessions {
				if now.After(s.ExpiresAt) || now.Sub(s.LastActivity) > m.timeout {
					delete(sessions, id)
					dead = append(dead, reaped{userID, id})
				}
			}
			if len(sessions) == 0 {
				delete(sh.users, userID)
			}
		}
		sh.mu.Unlock()

		for _, d := range dead {
			m.forgetOwner(d.sessionID)
			m.audit.Log("SESSION_EXPIRED", map[string]interface{}{
				"user_id":    d.userID,
				"session_id": d.sessionID,
			}, audit.SeverityLow)
			removed++
		}
	}
	return removed
}

func (m *Manager) shardFor(userID string) *shard {
	return m.shards[m.sharder.ShardFor(userID)]
}

func (m *Manager) lookupOwner(sessionID string) (string, bool) {
	m.ownerMu.RLock()
	defer m.ownerMu.RUnlock()
	userID, ok := m.owner[sessionID]
	return userID, ok
}

func (m *Manager) forgetOwner(sessionID string) {
	m.ownerMu.Lock()
	delete(m.owner, sessionID)
	m.ownerMu.Unlock()
}

func (m *Manager) removeLocked(sh *shard, s *Session) {
	sessions := sh.users[s.UserID]
	delete(sessions, s.ID)
	if len(sessions) == 0 {
		delete(sh.users, s.UserID)
	}
}
