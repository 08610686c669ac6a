package keys

import (
	"context"
	"errors"
	"testing"
	"time"

	"security-core/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, ttl time.Duration, source MaterialSource) (*Manager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(ttl, clk, source, zap.NewNop()), clk
}

func TestGetKeyIsStableWithinTTL(t *testing.T) {
	m, clk := newTestManager(t, 24*time.Hour, nil)

	first := m.GetKey("user-1")
	require.NotEmpty(t, first)
	assert.Len(t, first, 43) // 32 bytes, raw URL base64

	clk.Advance(23 * time.Hour)
	assert.Equal(t, first, m.GetKey("user-1"))
}

func TestGetKeyRegeneratesAfterExpiry(t *testing.T) {
	m, clk := newTestManager(t, 24*time.Hour, nil)

	first := m.GetKey("user-1")
	clk.Advance(24*time.Hour + time.Second)
	second := m.GetKey("user-1")

	assert.NotEqual(t, first, second)
	assert.Equal(t, second, m.GetKey("user-1"))
}

func TestKeysAreDistinctPerUser(t *testing.T) {
	m, _ := newTestManager(t, 24*time.Hour, nil)
	assert.NotEqual(t, m.GetKey("user-1"), m.GetKey("user-2"))
}

func TestRotateKeyReplacesSecret(t *testing.T) {
	m, _ := newTestManager(t, 24*time.Hour, nil)

	first := m.GetKey("user-1")
	rotated := m.RotateKey("user-1")

	assert.NotEqual(t, first, rotated)
	assert.Equal(t, rotated, m.GetKey("user-1"))
}

func TestInvalidateKeyForcesRegeneration(t *testing.T) {
	m, _ := newTestManager(t, 24*time.Hour, nil)

	first := m.GetKey("user-1")
	m.InvalidateKey("user-1")
	assert.Equal(t, 0, m.KeyCount())

	second := m.GetKey("user-1")
	assert.NotEqual(t, first, second)
}

type fakeSource struct {
	material []byte
	err      error
	calls    int
}

func (f *fakeSource) GenerateKeyMaterial(ctx context.Context, length int) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.material, nil
}

func TestMaterialSourceIsUsedWhenHealthy(t *testing.T) {
	material := make([]byte, 32)
	for i := range material {
		material[i] = byte(i)
	}
	source := &fakeSource{material: material}
	m, _ := newTestManager(t, 24*time.Hour, source)

	secret := m.GetKey("user-1")
	assert.Equal(t, 1, source.calls)
	assert.Equal(t, "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8", secret)
}

func TestMaterialSourceFailureFallsBackToLocal(t *testing.T) {
	source := &fakeSource{err: errors.New("kms unavailable")}
	m, _ := newTestManager(t, 24*time.Hour, source)

	secret := m.GetKey("user-1")
	require.NotEmpty(t, secret)
	assert.Len(t, secret, 43)
	assert.Equal(t, 1, source.calls)
}
