package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"security-core/internal/audit"
	"security-core/internal/clock"
	"security-core/internal/config"
	"security-core/internal/keys"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *keys.Manager, *audit.Logger) {
	t.Helper()
	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	auditLog := audit.NewLogger(1000, clk, nil, nil, zap.NewNop())
	km := keys.NewManager(24*time.Hour, clk, nil, zap.NewNop())
	return NewManager(config.DefaultSecurityConfig(), km, auditLog, zap.NewNop()), km, auditLog
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t)

	payload := map[string]interface{}{
		"name":   "alice",
		"age":    float64(30),
		"tags":   []interface{}{"a", "b"},
		"active": true,
	}
	blob, err := m.Encrypt(payload, "user-1")
	require.NoError(t, err)

	decoded, err := m.Decrypt(blob, "user-1")
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestEncryptOutputFormat(t *testing.T) {
	m, _, _ := newTestManager(t)

	blob, err := m.Encrypt("hello", "user-1")
	require.NoError(t, err)

	parts := strings.Split(blob, ":")
	require.Len(t, parts, 3)

	salt, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	assert.Len(t, salt, 16)

	iv, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	assert.Len(t, iv, 16)

	ciphertext, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	assert.NotEmpty(t, ciphertext)
	assert.Zero(t, len(ciphertext)%16)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	m, _, _ := newTestManager(t)

	first, err := m.Encrypt("same input", "user-1")
	require.NoError(t, err)
	second, err := m.Encrypt("same input", "user-1")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDecryptWithWrongUserFails(t *testing.T) {
	m, _, auditLog := newTestManager(t)

	blob, err := m.Encrypt("secret", "user-1")
	require.NoError(t, err)

	_, err = m.Decrypt(blob, "user-2")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	failures := auditLog.GetLogs(audit.Filter{Type: "DECRYPTION_FAILED"})
	require.NotEmpty(t, failures)
	assert.Equal(t, audit.SeverityHigh, failures[0].Severity)
}

func TestDecryptAfterKeyRotationFails(t *testing.T) {
	m, km, _ := newTestManager(t)

	blob, err := m.Encrypt("secret", "user-1")
	require.NoError(t, err)

	km.RotateKey("user-1")

	_, err = m.Decrypt(blob, "user-1")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	m, _, auditLog := newTestManager(t)

	cases := []struct {
		name  string
		input string
	}{
		{"not enough parts", "onlyone"},
		{"too many parts", "a:b:c:d"},
		{"bad base64", "!!!:!!!:!!!"},
		{"empty ciphertext", "AAAA:AAAA:"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Decrypt(tc.input, "user-1")
			assert.ErrorIs(t, err, ErrDecryptionFailed)
		})
	}

	assert.Len(t, auditLog.GetLogs(audit.Filter{Type: "DECRYPTION_FAILED"}), len(cases))
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	m, _, _ := newTestManager(t)

	blob, err := m.Encrypt(map[string]interface{}{"k": "v"}, "user-1")
	require.NoError(t, err)

	parts := strings.Split(blob, ":")
	ciphertext, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xff
	parts[2] = base64.RawURLEncoding.EncodeToString(ciphertext)

	_, err = m.Decrypt(strings.Join(parts, ":"), "user-1")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestErrorsDoNotLeakKeyMaterial(t *testing.T) {
	m, km, _ := newTestManager(t)

	blob, err := m.Encrypt("secret", "user-1")
	require.NoError(t, err)

	_, err = m.Decrypt(blob, "user-2")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), km.GetKey("user-1"))
	assert.NotContains(t, err.Error(), km.GetKey("user-2"))
}
