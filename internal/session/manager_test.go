package session

import (
	"fmt"
	"testing"
	"time"

	"security-core/internal/audit"
	"security-core/internal/clock"
	"security-core/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *audit.Logger, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	auditLog := audit.NewLogger(1000, clk, nil, nil, zap.NewNop())
	m := NewManager(config.DefaultSecurityConfig(), 4, clk, auditLog, zap.NewNop())
	return m, auditLog, clk
}

func mustCreate(t *testing.T, m *Manager, userID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := m.CreateSession(userID, fmt.Sprintf("device-%d", i), "fp1", "1.2.3.4", "ua")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestSessionCap(t *testing.T) {
	m, auditLog, _ := newTestManager(t)

	ids := mustCreate(t, m, "42", 5)

	_, err := m.CreateSession("42", "device-6", "fp1", "1.2.3.4", "ua")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Len(t, auditLog.GetLogs(audit.Filter{Type: "SESSION_LIMIT_REACHED"}), 1)

	// Terminating one frees a slot
	m.TerminateSession(ids[0])
	_, err = m.CreateSession("42", "device-6", "fp1", "1.2.3.4", "ua")
	assert.NoError(t, err)
}

func TestExpiredSessionsStillCountTowardCap(t *testing.T) {
	m, _, clk := newTestManager(t)

	mustCreate(t, m, "42", 5)

	// All five are past expiry but the sweep has not run yet; the stored
	// count still blocks creation until a sweep runs
	clk.Advance(31 * time.Minute)
	_, err := m.CreateSession("42", "device-6", "fp1", "1.2.3.4", "ua")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	require.Equal(t, 5, m.Sweep())
	_, err = m.CreateSession("42", "device-6", "fp1", "1.2.3.4", "ua")
	assert.NoError(t, err)
}

func TestSlidingExpiry(t *testing.T) {
	m, _, clk := newTestManager(t)

	id, err := m.CreateSession("42", "d1", "fp1", "1.2.3.4", "ua")
	require.NoError(t, err)

	clk.Advance(30*time.Minute - time.Second)
	assert.True(t, m.ValidateSession(id, "fp1", "1.2.3.4"))

	// Validation slid the window forward, so another near-timeout gap passes
	clk.Advance(30*time.Minute - time.Second)
	assert.True(t, m.ValidateSession(id, "fp1", "1.2.3.4"))

	clk.Advance(30*time.Minute + time.Second)
	assert.False(t, m.ValidateSession(id, "fp1", "1.2.3.4"))

	// The failed validation removed the session
	assert.False(t, m.ValidateSession(id, "fp1", "1.2.3.4"))
}

func TestFingerprintBinding(t *testing.T) {
	m, auditLog, _ := newTestManager(t)

	id, err := m.CreateSession("42", "d1", "fpA", "1.2.3.4", "ua")
	require.NoError(t, err)

	require.True(t, m.ValidateSession(id, "fpA", "1.2.3.4"))
	assert.False(t, m.ValidateSession(id, "fpB", "1.2.3.4"))

	// Removed: the original binding no longer validates either
	assert.False(t, m.ValidateSession(id, "fpA", "1.2.3.4"))

	failures := auditLog.GetLogs(audit.Filter{Type: "SESSION_VALIDATION_FAILED"})
	require.Len(t, failures, 1)
	assert.Equal(t, "fingerprint_mismatch", failures[0].Details["reason"])
	assert.Equal(t, audit.SeverityMedium, failures[0].Severity)
}

func TestIPBinding(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, err := m.CreateSession("42", "d1", "fp1", "1.2.3.4", "ua")
	require.NoError(t, err)

	require.True(t, m.ValidateSession(id, "fp1", "1.2.3.4"))
	assert.False(t, m.ValidateSession(id, "fp1", "5.6.7.8"))
	assert.False(t, m.ValidateSession(id, "fp1", "1.2.3.4"))
}

func TestUpdateSessionLogsIPChangeButKeepsSession(t *testing.T) {
	m, auditLog, _ := newTestManager(t)

	id, err := m.CreateSession("42", "d1", "fp1", "1.2.3.4", "ua")
	require.NoError(t, err)

	m.UpdateSession(id, "5.6.7.8")

	changes := auditLog.GetLogs(audit.Filter{Type: "IP_CHANGE_DETECTED"})
	require.Len(t, changes, 1)
	assert.Equal(t, "1.2.3.4", changes[0].Details["old_ip"])
	assert.Equal(t, "5.6.7.8", changes[0].Details["new_ip"])

	// The stored IP was overwritten; validation now expects the new one
	assert.True(t, m.ValidateSession(id, "fp1", "5.6.7.8"))
}

func TestUpdateSessionSameIPDoesNotLog(t *testing.T) {
	m, auditLog, _ := newTestManager(t)

	id, err := m.CreateSession("42", "d1", "fp1", "1.2.3.4", "ua")
	require.NoError(t, err)

	m.UpdateSession(id, "1.2.3.4")
	assert.Empty(t, auditLog.GetLogs(audit.Filter{Type: "IP_CHANGE_DETECTED"}))
}

func TestUpdateSessionSlidesExpiry(t *testing.T) {
	m, _, clk := newTestManager(t)

	id, err := m.CreateSession("42", "d1", "fp1", "1.2.3.4", "ua")
	require.NoError(t, err)

	clk.Advance(29 * time.Minute)
	m.UpdateSession(id, "1.2.3.4")

	clk.Advance(29 * time.Minute)
	assert.True(t, m.ValidateSession(id, "fp1", "1.2.3.4"))
}

func TestTerminateSessionIsIdempotent(t *testing.T) {
	m, auditLog, _ := newTestManager(t)

	id, err := m.CreateSession("42", "d1", "fp1", "1.2.3.4", "ua")
	require.NoError(t, err)

	m.TerminateSession(id)
	m.TerminateSession(id)

	assert.False(t, m.ValidateSession(id, "fp1", "1.2.3.4"))
	assert.Len(t, auditLog.GetLogs(audit.Filter{Type: "SESSION_TERMINATED"}), 1)
}

func TestTerminateAllUserSessions(t *testing.T) {
	m, auditLog, _ := newTestManager(t)

	ids := mustCreate(t, m, "42", 3)
	otherID, err := m.CreateSession("43", "d1", "fp1", "1.2.3.4", "ua")
	require.NoError(t, err)

	m.TerminateAllUserSessions("42")

	for _, id := range ids {
		assert.False(t, m.ValidateSession(id, "fp1", "1.2.3.4"))
	}
	assert.True(t, m.ValidateSession(otherID, "fp1", "1.2.3.4"))
	assert.Len(t, auditLog.GetLogs(audit.Filter{Type: "SESSION_TERMINATED"}), 3)
}

func TestGetActiveSessionsIncludesUnsweptExpired(t *testing.T) {
	m, _, clk := newTestManager(t)

	mustCreate(t, m, "42", 2)

	clk.Advance(31 * time.Minute)
	// Not swept yet, so both still show up
	assert.Len(t, m.GetActiveSessions("42"), 2)

	m.Sweep()
	assert.Empty(t, m.GetActiveSessions("42"))
}

func TestGetActiveSessionsFields(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.CreateSession("42", "laptop", "fp1", "1.2.3.4", "Mozilla/5.0")
	require.NoError(t, err)

	infos := m.GetActiveSessions("42")
	require.Len(t, infos, 1)
	assert.Equal(t, "laptop", infos[0].DeviceID)
	assert.Equal(t, "Mozilla/5.0", infos[0].UserAgent)
	assert.Equal(t, "1.2.3.4", infos[0].IPAddress)
}

func TestSweepLogsExpiredSessions(t *testing.T) {
	m, auditLog, clk := newTestManager(t)

	mustCreate(t, m, "42", 2)
	clk.Advance(31 * time.Minute)

	assert.Equal(t, 2, m.Sweep())
	assert.Len(t, auditLog.GetLogs(audit.Filter{Type: "SESSION_EXPIRED"}), 2)
	assert.Equal(t, 0, m.SessionCount())

	// Nothing left to sweep
	assert.Equal(t, 0, m.Sweep())
}

func TestSweepKeepsLiveSessions(t *testing.T) {
	m, _, clk := newTestManager(t)

	staleID, err := m.CreateSession("42", "d1", "fp1", "1.2.3.4", "ua")
	require.NoError(t, err)

	clk.Advance(20 * time.Minute)
	freshID, err := m.CreateSession("42", "d2", "fp1", "1.2.3.4", "ua")
	require.NoError(t, err)

	clk.Advance(15 * time.Minute)
	assert.Equal(t, 1, m.Sweep())

	assert.False(t, m.ValidateSession(staleID, "fp1", "1.2.3.4"))
	assert.True(t, m.ValidateSession(freshID, "fp1", "1.2.3.4"))
}

// The concrete scenario from the acceptance checklist: a session bound to
// fp1/1.2.3.4 validates with those values, fails with a different IP, and
// is gone afterwards even for the original values.
func TestBindingScenario(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, err := m.CreateSession("42", "d1", "fp1", "1.2.3.4", "ua")
	require.NoError(t, err)

	assert.True(t, m.ValidateSession(id, "fp1", "1.2.3.4"))
	assert.False(t, m.ValidateSession(id, "fp1", "5.6.7.8"))
	assert.False(t, m.ValidateSession(id, "fp1", "1.2.3.4"))
}

func TestStartStopSweeper(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Start()
	m.Stop() // must not hang or panic
}
