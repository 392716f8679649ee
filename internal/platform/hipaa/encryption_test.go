package hipaa

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func newTestBox(t *testing.T) *FieldBox {
	t.Helper()
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	return NewFieldBox(enc)
}

func strPtr(s string) *string { return &s }

func TestNewPHIEncryptor_KeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := NewPHIEncryptor(make([]byte, n)); err == nil {
			t.Errorf("expected error for %d-byte key", n)
		}
	}
	if _, err := NewPHIEncryptor(make([]byte, 32)); err != nil {
		t.Errorf("32-byte key: %v", err)
	}
}

func TestEncrypt_Format(t *testing.T) {
	enc, _ := NewPHIEncryptor(generateTestKey(t))
	ct, err := enc.Encrypt("Jane")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(ct, "v1:") {
		t.Fatalf("ciphertext %q lacks version prefix", ct)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ct, "v1:"))
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	// 12-byte nonce + 4 bytes plaintext + 16-byte tag
	if len(raw) != 12+4+16 {
		t.Errorf("payload length = %d", len(raw))
	}
}

func TestRecordRoundTrip(t *testing.T) {
	box := newTestBox(t)
	plain := Record{
		"first_name":      strPtr("Zoë"),
		"last_name":       strPtr("O'Brien-García"),
		"date_of_birth":   strPtr("2017-04-09"),
		"ssn":             strPtr(""),
		"address":         strPtr("東京都千代田区 1-1"),
		"emergency_phone": nil,
	}

	cipher, err := box.EncryptRecord(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if cipher["emergency_phone"] != nil {
		t.Error("absent field must stay absent")
	}
	if cipher["ssn"] == nil || *cipher["ssn"] == "" {
		t.Error("empty string must still be encrypted")
	}

	back, err := box.DecryptRecord(cipher)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(back) != len(plain) {
		t.Fatalf("field count = %d, want %d", len(back), len(plain))
	}
	for k, v := range plain {
		got := back[k]
		if v == nil {
			if got != nil {
				t.Errorf("%s: expected nil, got %q", k, *got)
			}
			continue
		}
		if got == nil || *got != *v {
			t.Errorf("%s: round trip mismatch", k)
		}
	}
}

func TestEncryptNeverRepeats(t *testing.T) {
	box := newTestBox(t)
	for _, v := range []string{"", "Jane Smith", "ßü🙂"} {
		a, _ := box.EncryptRecord(Record{"f": strPtr(v)})
		b, _ := box.EncryptRecord(Record{"f": strPtr(v)})
		if *a["f"] == *b["f"] {
			t.Errorf("identical ciphertext for %q", v)
		}
	}
}

func TestDecrypt_FailuresAreDecryptionErrors(t *testing.T) {
	box := newTestBox(t)
	enc, _ := box.EncryptRecord(Record{"last_name": strPtr("secret PHI data")})
	good := enc["last_name"]

	other := newTestBox(t)

	payload, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(*good, "v1:"))
	payload[len(payload)-1] ^= 0x01
	tampered := "v1:" + base64.StdEncoding.EncodeToString(payload)

	tests := []struct {
		name string
		box  *FieldBox
		ct   string
	}{
		{"wrong key", other, *good},
		{"tampered", box, tampered},
		{"no prefix", box, strings.TrimPrefix(*good, "v1:")},
		{"plaintext", box, "Jane"},
		{"bad base64", box, "v1:not-valid-base64!!!"},
		{"too short", box, "v1:AQID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.box.DecryptRecord(Record{"last_name": strPtr(tt.ct)})
			if err == nil {
				t.Fatal("expected error")
			}
			if out != nil {
				t.Error("no partial record may be returned")
			}
			var de *DecryptionError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecryptionError, got %T", err)
			}
			if de.Field != "last_name" {
				t.Errorf("field = %q", de.Field)
			}
		})
	}
}

func TestNewFieldBoxFromHex(t *testing.T) {
	logger := zerolog.Nop()
	if _, err := NewFieldBoxFromHex("", nil, logger); err == nil {
		t.Error("expected error for missing key")
	}
	if _, err := NewFieldBoxFromHex("zz", nil, logger); err == nil {
		t.Error("expected error for non-hex key")
	}
	if _, err := NewFieldBoxFromHex(hex.EncodeToString(make([]byte, 16)), nil, logger); err == nil {
		t.Error("expected error for short key")
	}
	box, err := NewFieldBoxFromHex(hex.EncodeToString(generateTestKey(t)), nil, logger)
	if err != nil {
		t.Fatalf("valid key: %v", err)
	}
	if _, err := NewFieldBoxFromHex(hex.EncodeToString(generateTestKey(t)), []string{"abcd"}, logger); err == nil {
		t.Error("expected error for malformed retired key")
	}
	rec, err := box.DecryptRecord(Record{"x": nil})
	if err != nil || rec["x"] != nil {
		t.Errorf("nil field: %v %v", rec["x"], err)
	}
}

func TestBlindIndex(t *testing.T) {
	idx, err := NewBlindIndexer(generateTestKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if idx.Index("Smith", "2017-04-09") != idx.Index("  smith ", "2017-04-09") {
		t.Error("index must normalize case and whitespace")
	}
	if idx.Index("Smith", "2017-04-09") == idx.Index("Smith", "2017-04-10") {
		t.Error("different inputs collided")
	}
	if idx.Index("ab", "c") == idx.Index("a", "bc") {
		t.Error("part boundaries must be preserved")
	}

	other, _ := NewBlindIndexer(generateTestKey(t))
	if idx.Index("Smith") == other.Index("Smith") {
		t.Error("index must depend on the key")
	}

	if _, err := NewBlindIndexer(make([]byte, 8)); err == nil {
		t.Error("expected error for short key")
	}
}
