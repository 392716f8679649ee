package credential

import (
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/ehr/planflow/internal/platform/apperror"
)

const (
	MinPasswordLength = 12
	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
)

// Hasher hashes and verifies passwords with bcrypt and enforces the password
// policy on every new hash.
type Hasher struct {
	cost int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewHasher returns a Hasher with the given bcrypt cost. Costs outside
// bcrypt's range fall back to bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// policyViolation describes why password is unacceptable, or returns "".
func policyViolation(password string) string {
	switch {
	case strings.TrimSpace(password) == "":
		return "is required"
	case utf8.RuneCountInString(password) < MinPasswordLength:
		return "must be at least 12 characters"
	case len(password) > maxPasswordBytes:
		return "must be at most 72 bytes"
	}
	return ""
}

// CheckPolicy validates a candidate password.
func CheckPolicy(password string) error {
	if msg := policyViolation(password); msg != "" {
		return apperror.Invalid("password", msg)
	}
	return nil
}

func (h *Hasher) Hash(password string) (string, error) {
	if err := CheckPolicy(password); err != nil {
		return "", err
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify reports whether password matches hash. An empty hash, as held by
// invited users who never set a password, matches nothing.
func (h *Hasher) Verify(hash, password string) bool {
	if hash == "" {
		// Spend comparable time so unknown accounts are not distinguishable.
		_ = bcrypt.CompareHashAndPassword(h.dummy(), []byte(password))
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// dummy is a fixed hash at the hasher's cost used to equalize timing.
func (h *Hasher) dummy() []byte {
	h.dummyOnce.Do(func() {
		h.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("planflow-timing-equalizer"), h.cost)
	})
	return h.dummyHash
}
