// Package security seals secret material at rest with a passphrase.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// ErrDecryptFailed is returned when the passphrase is wrong or the payload was modified.
var ErrDecryptFailed = errors.New("sealed payload could not be opened")

const payloadVersion = 1

// EncryptionConfig defines the scrypt cost parameters used to derive the AES-256 key
type EncryptionConfig struct {
	SCryptN      int // CPU/memory cost parameter
	SCryptR      int // Block size parameter
	SCryptP      int // Parallelization parameter
	SCryptKeyLen int // Key length in bytes (32 for AES-256)
}

// EncryptedPayload is the self-describing sealed form. Cost parameters travel
// with the payload so a key sealed under one config opens under any other.
type EncryptedPayload struct {
	Version    uint8  `json:"version"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Integrity  []byte `json:"integrity"`
}

// DefaultEncryptionConfig returns OWASP ASVS compliant encryption configuration
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
	}
}

// Seal encrypts plaintext with AES-256-GCM under a key derived from passphrase.
func Seal(plaintext, passphrase []byte, config *EncryptionConfig) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt, config.SCryptN, config.SCryptR, config.SCryptP)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return &EncryptedPayload{
		Version:    payloadVersion,
		N:          config.SCryptN,
		R:          config.SCryptR,
		P:          config.SCryptP,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Integrity:  generateIntegrityHash(ciphertext, salt, nonce),
	}, nil
}

// Open reverses Seal. Any wrong passphrase or modified byte yields ErrDecryptFailed.
func Open(payload *EncryptedPayload, passphrase []byte) ([]byte, error) {
	if payload == nil {
		return nil, errors.New("payload cannot be nil")
	}
	if payload.Version != payloadVersion {
		return nil, fmt.Errorf("unsupported payload version: %d", payload.Version)
	}

	expected := generateIntegrityHash(payload.Ciphertext, payload.Salt, payload.Nonce)
	if subtle.ConstantTimeCompare(payload.Integrity, expected) != 1 {
		return nil, ErrDecryptFailed
	}

	gcm, err := newGCM(passphrase, payload.Salt, payload.N, payload.R, payload.P)
	if err != nil {
		return nil, err
	}
	if len(payload.Nonce) != gcm.NonceSize() {
		return nil, ErrDecryptFailed
	}

	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// SealBytes is Seal followed by JSON encoding, for embedding in PEM blocks.
func SealBytes(plaintext, passphrase []byte, config *EncryptionConfig) ([]byte, error) {
	payload, err := Seal(plaintext, passphrase, config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

// OpenBytes decodes a SealBytes result and opens it.
func OpenBytes(sealed, passphrase []byte) ([]byte, error) {
	var payload EncryptedPayload
	if err := json.Unmarshal(sealed, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return Open(&payload, passphrase)
}

func newGCM(passphrase, salt []byte, n, r, p int) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, n, r, p, 32)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// generateIntegrityHash creates a hash for binary integrity verification
func generateIntegrityHash(ciphertext, salt, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte("LRAG-SEAL-V1"))
	h.Write(ciphertext)
	h.Write(salt)
	h.Write(nonce)
	return h.Sum(nil)
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ValidateEncryptionConfig validates encryption configuration parameters
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}
	if config.SCryptN < 2 || config.SCryptN&(config.SCryptN-1) != 0 {
		return errors.New("SCryptN must be a power of two greater than 1")
	}
	if config.SCryptR < 1 {
		return errors.New("SCryptR must be at least 1")
	}
	if config.SCryptP < 1 {
		return errors.New("SCryptP must be at least 1")
	}
	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}
	return nil
}
