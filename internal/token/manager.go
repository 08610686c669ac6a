package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"security-core/internal/audit"
	"security-core/internal/clock"
	"security-core/internal/config"
	"security-core/internal/keys"
	"security-core/internal/util"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrGenerationFailed is returned when signing fails; the underlying
	// cryptographic error is logged, never returned.
	ErrGenerationFailed = errors.New("token generation failed")
	// ErrVerificationFailed covers every rejection: revoked, bad
	// signature, malformed claims, or past the absolute age ceiling.
	ErrVerificationFailed = errors.New("token verification failed")
)

// Manager issues and verifies HS256-signed tokens keyed by per-user
// secrets, with explicit revocation and a service-wide secondary key
// rotated on a fixed period.
type Manager struct {
	keys      *keys.Manager
	audit     *audit.Logger
	logger    *zap.Logger
	clk       clock.Clock
	ttl       time.Duration
	retention time.Duration
	rotation  time.Duration

	mu           sync.Mutex
	revoked      map[string]time.Time // token -> blacklist deadline
	secondaryKey string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager creates a token manager. Call Start for the background
// rotation/cleanup loop and Stop on shutdown.
func NewManager(sec config.SecurityConfig, km *keys.Manager, clk clock.Clock, auditLog *audit.Logger, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = util.Get()
	}
	m := &Manager{
		keys:      km,
		audit:     auditLog,
		logger:    logger,
		clk:       clk,
		ttl:       sec.TokenTTL,
		retention: sec.RevocationRetention,
		rotation:  sec.GlobalKeyRotation,
		revoked:   make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	m.secondaryKey = newSecondaryKey()
	return m
}

// GenerateToken signs the payload plus a fresh jti and iat with the
// user's current secret. The token carries the configured validity window.
func (m *Manager) GenerateToken(payload map[string]interface{}, userID string) (string, error) {
	now := m.clk.Now()
	claims := jwt.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	claims["jti"] = uuid.New().String()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(m.ttl).Unix()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(m.keys.GetKey(userID)))
	if err != nil {
		m.logger.Error("Token signing failed",
			util.String("user_id", userID),
			util.ErrorField(err))
		return "", ErrGenerationFailed
	}

	m.audit.Log("TOKEN_ISSUED", map[string]interface{}{
		"user_id": userID,
		"jti":     claims["jti"],
	}, audit.SeverityLow)

	return signed, nil
}

// VerifyToken returns the decoded payload, or ErrVerificationFailed when
// the token is revoked, mis-signed, missing jti/iat, or older than the
// validity window. Every failure path logs a medium-severity event.
func (m *Manager) VerifyToken(tokenString, userID string) (map[string]interface{}, error) {
	if m.isRevoked(tokenString) {
		return nil, m.failVerification(userID, "revoked")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.clk.Now),
	)
	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(m.keys.GetKey(userID)), nil
	})
	if err != nil || !tok.Valid {
		return nil, m.failVerification(userID, "invalid_signature")
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil, m.failVerification(userID, "missing_jti")
	}
	iat, ok := numericClaim(claims["iat"])
	if !ok {
		return nil, m.failVerification(userID, "missing_iat")
	}

	// Absolute age ceiling, independent of the exp claim check above
	issuedAt := time.Unix(iat, 0)
	if m.clk.Now().Sub(issuedAt) > m.ttl {
		return nil, m.failVerification(userID, "expired")
	}

	return claims, nil
}

// InvalidateToken adds the token to the revocation set. The entry is
// dropped after the retention window, since the token is naturally
// expired by then.
func (m *Manager) InvalidateToken(tokenString string) {
	m.mu.Lock()
	m.revoked[tokenString] = m.clk.Now().Add(m.retention)
	m.mu.Unlock()

	m.audit.Log("TOKEN_REVOKED", map[string]interface{}{
		"token_length": len(tokenString),
	}, audit.SeverityLow)
}

// RotateUserKey installs a fresh signing secret for the user. All
// previously issued tokens for that user fail verification afterwards.
func (m *Manager) RotateUserKey(userID string) {
	m.keys.RotateKey(userID)
	m.audit.Log("USER_KEY_ROTATED", map[string]interface{}{
		"user_id": userID,
	}, audit.SeverityLow)
}

// RevokedCount returns the current size of the revocation set.
func (m *Manager) RevokedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.revoked)
}

// CleanupRevoked drops revocation entries past their retention deadline.
func (m *Manager) CleanupRevoked() int {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for tok, deadline := range m.revoked {
		if now.After(deadline) {
			delete(m.revoked, tok)
			removed++
		}
	}
	return removed
}

// Start launches the background loop rotating the service-wide secondary
// key and cleaning the revocation set.
func (m *Manager) Start() {
	go func() {
		defer close(m.doneCh)
		rotate := time.NewTicker(m.rotation)
		cleanup := time.NewTicker(m.retention)
		defer rotate.Stop()
		defer cleanup.Stop()
		for {
			select {
			case <-rotate.C:
				m.rotateSecondaryKey()
			case <-cleanup.C:
				if n := m.CleanupRevoked(); n > 0 {
					m.logger.Debug("Revocation set cleaned", util.Int("removed", n))
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the background loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// rotateSecondaryKey regenerates the service-wide auxiliary signing key.
// Per-user token verification does not depend on it.
func (m *Manager) rotateSecondaryKey() {
	m.mu.Lock()
	m.secondaryKey = newSecondaryKey()
	m.mu.Unlock()

	m.audit.Log("KEY_ROTATION", map[string]interface{}{
		"scope": "service",
	}, audit.SeverityLow)
}

func (m *Manager) isRevoked(tokenString string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline, ok := m.revoked[tokenString]
	if !ok {
		return false
	}
	if m.clk.Now().After(deadline) {
		// Lazy removal keeps the set bounded even between cleanup ticks
		delete(m.revoked, tokenString)
		return false
	}
	return true
}

func (m *Manager) failVerification(userID, reason string) error {
	m.audit.Log("TOKEN_VERIFICATION_FAILED", map[string]interface{}{
		"user_id": userID,
		"reason":  reason,
	}, audit.SeverityMedium)
	return ErrVerificationFailed
}

func numericClaim(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func newSecondaryKey() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		util.Fatal("Failed to generate secondary key", util.ErrorField(err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
