package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"security-core/internal/audit"
	"security-core/internal/config"
	"security-core/internal/keys"
	"security-core/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const partSeparator = ":"

// Manager encrypts and decrypts arbitrary JSON-serializable payloads under
// a key derived per call from the user's current signing secret and a
// fresh random salt. Because decryption re-derives from the current
// secret, blobs encrypted before a key rotation are not decryptable; the
// envelope is intended for short-lived payloads.
type Manager struct {
	keys   *keys.Manager
	audit  *audit.Logger
	logger *zap.Logger

	iterations int
	keyLength  int
	saltLength int
	ivLength   int
}

func NewManager(sec config.SecurityConfig, km *keys.Manager, auditLog *audit.Logger, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = util.Get()
	}
	return &Manager{
		keys:       km,
		audit:      auditLog,
		logger:     logger,
		iterations: sec.PBKDF2Iterations,
		keyLength:  sec.DerivedKeyLength,
		saltLength: sec.SaltLength,
		ivLength:   sec.IVLength,
	}
}

// Encrypt serializes data as JSON and encrypts it with AES-256-CBC under a
// PBKDF2-derived key. Output is salt:iv:ciphertext, each part base64
// encoded; salt and IV are fresh per call so equal inputs never produce
// equal output.
func (m *Manager) Encrypt(data interface{}, userID string) (string, error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: payload not serializable", ErrEncryptionFailed)
	}

	salt := make([]byte, m.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	iv := make([]byte, m.ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	key := m.deriveKey(userID, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return strings.Join([]string{
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(iv),
		base64.RawURLEncoding.EncodeToString(ciphertext),
	}, partSeparator), nil
}

// Decrypt reverses Encrypt using the user's current secret. Any failure
// (malformed input, wrong key after rotation, padding or JSON errors)
// yields ErrDecryptionFailed and a high-severity audit event.
func (m *Manager) Decrypt(encryptedData, userID string) (interface{}, error) {
	parts := strings.Split(encryptedData, partSeparator)
	if len(parts) != 3 {
		return nil, m.fail(userID, "malformed input")
	}

	salt, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, m.fail(userID, "invalid salt encoding")
	}
	iv, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, m.fail(userID, "invalid iv encoding")
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, m.fail(userID, "invalid ciphertext encoding")
	}

	key := m.deriveKey(userID, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, m.fail(userID, "key derivation failed")
	}
	if len(iv) != block.BlockSize() || len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, m.fail(userID, "invalid block structure")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, block.BlockSize())
	if err != nil {
		return nil, m.fail(userID, "invalid padding")
	}

	var data interface{}
	if err := json.Unmarshal(unpadded, &data); err != nil {
		return nil, m.fail(userID, "invalid plaintext")
	}
	return data, nil
}

func (m *Manager) deriveKey(userID string, salt []byte) []byte {
	secret := m.keys.GetKey(userID)
	return pbkdf2.Key([]byte(secret), salt, m.iterations, m.keyLength, sha256.New)
}

func (m *Manager) fail(userID, reason string) error {
	m.audit.Log("DECRYPTION_FAILED", map[string]interface{}{
		"user_id": userID,
		"reason":  reason,
	}, audit.SeverityHigh)
	return fmt.Errorf("%w: %s", ErrDecryptionFailed, reason)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, errors.New("invalid padding byte")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}
