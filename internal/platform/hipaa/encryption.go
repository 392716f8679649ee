package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// cipherPrefix tags the ciphertext format so a future scheme can be told
// apart from this one.
const cipherPrefix = "v1:"

const reasonAuthFailed = "authentication failed"

// FieldEncryptor encrypts and decrypts single field values.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// DecryptionError is returned whenever a stored value cannot be decrypted
// with the configured key. It is fatal for the read that hit it.
type DecryptionError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	msg := "phi decrypt"
	if e.Field != "" {
		msg += " " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// PHIEncryptor provides AES-256-GCM field-level encryption and decryption for PHI data.
type PHIEncryptor struct {
	aead cipher.AEAD
}

// NewPHIEncryptor creates a new PHIEncryptor with the given 32-byte AES-256 key.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}

	return &PHIEncryptor{aead: aead}, nil
}

// Encrypt returns "v1:" followed by base64(nonce || ciphertext). Every call
// draws a fresh nonce.
func (e *PHIEncryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any format or authentication failure yields a
// *DecryptionError; partial plaintext is never returned.
func (e *PHIEncryptor) Decrypt(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, cipherPrefix)
	if !ok {
		return "", &DecryptionError{Reason: "unknown ciphertext format"}
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &DecryptionError{Reason: "base64 decode", Err: err}
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize+e.aead.Overhead() {
		return "", &DecryptionError{Reason: "ciphertext too short"}
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Reason: reasonAuthFailed, Err: err}
	}
	return string(plaintext), nil
}
