package keys

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"security-core/internal/clock"
	"security-core/internal/util"

	"go.uber.org/zap"
)

const keyLength = 32 // AES-256 / HMAC-SHA256 material

// MaterialSource supplies cryptographically secure key material from an
// external provider (e.g. AWS KMS). The manager falls back to the local
// CSPRNG when the source is absent or failing.
type MaterialSource interface {
	GenerateKeyMaterial(ctx context.Context, length int) ([]byte, error)
}

type userKeyRecord struct {
	secret  string
	created time.Time
	expires time.Time
}

// Manager owns one ephemeral signing secret per user identity. Secrets are
// generated lazily, expire after the configured TTL, and are never
// persisted or logged.
type Manager struct {
	mu     sync.Mutex
	keys   map[string]*userKeyRecord
	ttl    time.Duration
	clk    clock.Clock
	source MaterialSource
	logger *zap.Logger
}

// NewManager creates a key manager. source may be nil, in which case all
// material comes from crypto/rand.
func NewManager(ttl time.Duration, clk clock.Clock, source MaterialSource, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = util.Get()
	}
	return &Manager{
		keys:   make(map[string]*userKeyRecord),
		ttl:    ttl,
		clk:    clk,
		source: source,
		logger: logger,
	}
}

// GetKey returns the current live secret for the user, generating one if
// absent or expired. It never fails.
func (m *Manager) GetKey(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.keys[userID]
	if !ok || m.clk.Now().After(rec.expires) {
		rec = m.generateLocked(userID)
	}
	return rec.secret
}

// RotateKey unconditionally installs a fresh secret for the user. Callers
// holding the old value must re-fetch; it no longer verifies anything.
func (m *Manager) RotateKey(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateLocked(userID).secret
}

// InvalidateKey removes the user's secret entirely. The next GetKey
// regenerates from scratch.
func (m *Manager) InvalidateKey(userID string) {
	m.mu.Lock()
	delete(m.keys, userID)
	m.mu.Unlock()
}

// KeyCount returns the number of live key records, for stats endpoints.
func (m *Manager) KeyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *Manager) generateLocked(userID string) *userKeyRecord {
	now := m.clk.Now()
	rec := &userKeyRecord{
		secret:  m.newSecret(),
		created: now,
		expires: now.Add(m.ttl),
	}
	m.keys[userID] = rec
	return rec
}

func (m *Manager) newSecret() string {
	if m.source != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if material, err := m.source.GenerateKeyMaterial(ctx, keyLength); err == nil && len(material) == keyLength {
			return base64.RawURLEncoding.EncodeToString(material)
		} else if err != nil {
			m.logger.Warn("Key material source failed, falling back to local CSPRNG",
				util.ErrorField(err))
		}
	}

	material := make([]byte, keyLength)
	if _, err := rand.Read(material); err != nil {
		// crypto/rand never fails on supported platforms; treat it as fatal
		util.Fatal("Failed to generate key material", util.ErrorField(err))
	}
	return base64.RawURLEncoding.EncodeToString(material)
}
