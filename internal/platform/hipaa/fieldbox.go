package hipaa

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Record maps field names to optional values. A nil value is an absent field
// and stays absent; an empty string is a present, empty value.
type Record map[string]*string

// FieldBox applies a FieldEncryptor to every field of a Record.
type FieldBox struct {
	enc FieldEncryptor
}

func NewFieldBox(enc FieldEncryptor) *FieldBox {
	return &FieldBox{enc: enc}
}

// NewFieldBoxFromHex builds a FieldBox from 64-character hex keys: the
// current key and any retired keys still needed to read older rows. There is
// no disabled mode: a missing or malformed key refuses startup.
func NewFieldBoxFromHex(key string, retired []string, logger zerolog.Logger) (*FieldBox, error) {
	if key == "" {
		return nil, errors.New("PHI_ENCRYPTION_KEY is not set")
	}
	current, err := decodeKey("PHI_ENCRYPTION_KEY", key)
	if err != nil {
		return nil, err
	}
	old := make([][]byte, 0, len(retired))
	for _, k := range retired {
		b, err := decodeKey("PHI_ENCRYPTION_KEYS_RETIRED", k)
		if err != nil {
			return nil, err
		}
		old = append(old, b)
	}

	ring, err := NewKeyRing(current, old...)
	if err != nil {
		return nil, fmt.Errorf("create PHI encryptor: %w", err)
	}

	logger.Info().Int("retired_keys", len(old)).Msg("PHI field-level encryption enabled")
	return NewFieldBox(ring), nil
}

func decodeKey(name, key string) ([]byte, error) {
	b, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(b))
	}
	return b, nil
}

// EncryptRecord returns a new Record with every present field encrypted.
func (b *FieldBox) EncryptRecord(plain Record) (Record, error) {
	out := make(Record, len(plain))
	for name, v := range plain {
		if v == nil {
			out[name] = nil
			continue
		}
		ct, err := b.enc.Encrypt(*v)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s: %w", name, err)
		}
		out[name] = &ct
	}
	return out, nil
}

// DecryptRecord returns a new Record with every present field decrypted. The
// first failure aborts the whole record.
func (b *FieldBox) DecryptRecord(cipher Record) (Record, error) {
	out := make(Record, len(cipher))
	for name, v := range cipher {
		if v == nil {
			out[name] = nil
			continue
		}
		pt, err := b.enc.Decrypt(*v)
		if err != nil {
			return nil, fieldError(name, "decrypt", err)
		}
		out[name] = &pt
	}
	return out, nil
}

// rotator is implemented by encryptors holding retired keys.
type rotator interface {
	NeedsReEncryption(ciphertext string) bool
	ReEncrypt(ciphertext string) (string, error)
}

// Rekey returns cipher with every field written under a retired key
// re-encrypted under the current one, and whether any field changed. Fields
// already under the current key keep their ciphertext.
func (b *FieldBox) Rekey(cipher Record) (Record, bool, error) {
	rot, ok := b.enc.(rotator)
	if !ok {
		return cipher, false, nil
	}
	out := make(Record, len(cipher))
	changed := false
	for name, v := range cipher {
		if v == nil || !rot.NeedsReEncryption(*v) {
			out[name] = v
			continue
		}
		ct, err := rot.ReEncrypt(*v)
		if err != nil {
			return nil, false, fieldError(name, "re-encrypt", err)
		}
		out[name] = &ct
		changed = true
	}
	return out, changed, nil
}

func fieldError(name, reason string, err error) error {
	var de *DecryptionError
	if errors.As(err, &de) {
		cp := *de
		cp.Field = name
		return &cp
	}
	return &DecryptionError{Field: name, Reason: reason, Err: err}
}
