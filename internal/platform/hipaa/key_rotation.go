package hipaa

import (
	"errors"
	"fmt"
)

// KeyRing encrypts with the current key and decrypts with the current key or
// any retired one. It lets PHI_ENCRYPTION_KEY be rotated without first
// rewriting every stored value: rows written under a retired key stay
// readable, and ReEncrypt moves them to the current key when they are next
// written.
type KeyRing struct {
	current *PHIEncryptor
	retired []*PHIEncryptor
}

// NewKeyRing builds a ring from the current key and the retired keys, newest
// first.
func NewKeyRing(current []byte, retired ...[]byte) (*KeyRing, error) {
	enc, err := NewPHIEncryptor(current)
	if err != nil {
		return nil, fmt.Errorf("key ring: current key: %w", err)
	}
	r := &KeyRing{current: enc}
	for i, key := range retired {
		old, err := NewPHIEncryptor(key)
		if err != nil {
			return nil, fmt.Errorf("key ring: retired key %d: %w", i+1, err)
		}
		r.retired = append(r.retired, old)
	}
	return r, nil
}

func (r *KeyRing) Encrypt(plaintext string) (string, error) {
	return r.current.Encrypt(plaintext)
}

// Decrypt tries the current key, then each retired key. GCM authentication
// tells a wrong key apart from a right one, so trying is safe. Format errors
// are reported at once.
func (r *KeyRing) Decrypt(ciphertext string) (string, error) {
	pt, err := r.current.Decrypt(ciphertext)
	if err == nil || !authFailure(err) {
		return pt, err
	}
	for _, old := range r.retired {
		if pt, oldErr := old.Decrypt(ciphertext); oldErr == nil {
			return pt, nil
		}
	}
	return "", err
}

// NeedsReEncryption reports whether ciphertext was written under a retired
// key.
func (r *KeyRing) NeedsReEncryption(ciphertext string) bool {
	_, err := r.current.Decrypt(ciphertext)
	return err != nil && authFailure(err)
}

// ReEncrypt decrypts with whichever key fits and encrypts with the current one.
func (r *KeyRing) ReEncrypt(ciphertext string) (string, error) {
	pt, err := r.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: %w", err)
	}
	return r.current.Encrypt(pt)
}

func authFailure(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de) && de.Reason == reasonAuthFailed
}
