package chronos

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// encryptionNonceSize is the AES-GCM nonce size.
	encryptionNonceSize = 12
	// encryptionKeySize is the AES-256 key size.
	encryptionKeySize = 32
	// pbkdf2Iterations is the iteration count for password-derived keys.
	pbkdf2Iterations = 100_000
)

// keyDerivationContext salts password-based key derivation. Deterministic so
// that any process configured with the same password can decrypt existing
// payloads; payload confidentiality rests on the password, not the salt.
const keyDerivationContext = "chronos.payload.v1"

// payloadEncryptor seals and opens payload blobs with AES-256-GCM.
type payloadEncryptor struct {
	gcm cipher.AEAD
}

// newPayloadEncryptor builds an encryptor from an explicit key or a password.
// Returns (nil, nil) when encryption is disabled.
func newPayloadEncryptor(cfg EncryptionConfig) (*payloadEncryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var key []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != encryptionKeySize {
			return nil, &ConfigError{Section: "encryption", Message: "key must be 32 bytes for AES-256"}
		}
		key = cfg.Key
	case cfg.KeyPassword != "":
		salt := sha256.Sum256([]byte(keyDerivationContext + cfg.KeyPassword))
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt[:], pbkdf2Iterations, encryptionKeySize, sha256.New)
	default:
		return nil, &ConfigError{Section: "encryption", Message: "enabled but no key or keyPassword provided"}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &payloadEncryptor{gcm: gcm}, nil
}

// seal encrypts plaintext, prepending the random nonce.
func (e *payloadEncryptor) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, encryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a sealed blob.
func (e *payloadEncryptor) open(sealed []byte) ([]byte, error) {
	if len(sealed) < encryptionNonceSize {
		return nil, errors.New("encrypted payload too short")
	}
	nonce, ciphertext := sealed[:encryptionNonceSize], sealed[encryptionNonceSize:]
	return e.gcm.Open(nil, nonce, ciphertext, nil)
}
