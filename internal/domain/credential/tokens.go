package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/db"
)

const resetTokenBytes = 32

// ResetToken is the stored half of a password-reset token. The raw token is
// only ever mailed; the row keeps its SHA-256.
type ResetToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// newRawToken returns a URL-safe token and the hash to store for it.
func newRawToken() (raw, hash string, err error) {
	b := make([]byte, resetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate reset token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(b)
	return raw, HashToken(raw), nil
}

// HashToken returns the hex SHA-256 of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type TokenRepository interface {
	Create(ctx context.Context, t *ResetToken) error
	// Consume marks the unexpired, unused token with hash as used and returns
	// it. It returns apperror.ErrNotFound when no such token exists, so a
	// token can be consumed at most once.
	Consume(ctx context.Context, hash string, now time.Time) (*ResetToken, error)
	// Expire marks every outstanding token of the user as used.
	Expire(ctx context.Context, userID uuid.UUID, now time.Time) error
}

type tokenRepoPG struct {
	db db.Querier
}

func NewTokenRepoPG(q db.Querier) TokenRepository {
	return &tokenRepoPG{db: q}
}

func (r *tokenRepoPG) Create(ctx context.Context, t *ResetToken) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := db.Conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO password_reset_token (id, user_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt,
	).Scan(&t.CreatedAt)
	return db.MapError(err)
}

func (r *tokenRepoPG) Consume(ctx context.Context, hash string, now time.Time) (*ResetToken, error) {
	var t ResetToken
	err := db.Conn(ctx, r.db).QueryRow(ctx, `
		UPDATE password_reset_token SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING id, user_id, token_hash, expires_at, used_at, created_at`,
		hash, now,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFoundf("reset token")
	}
	if err != nil {
		return nil, db.MapError(err)
	}
	return &t, nil
}

func (r *tokenRepoPG) Expire(ctx context.Context, userID uuid.UUID, now time.Time) error {
	_, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE password_reset_token SET used_at = $2
		WHERE user_id = $1 AND used_at IS NULL`, userID, now)
	return db.MapError(err)
}

// MemoryTokens is an in-memory TokenRepository for tests and local runs.
type MemoryTokens struct {
	mu     sync.Mutex
	tokens []*ResetToken
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{}
}

func (m *MemoryTokens) Create(_ context.Context, t *ResetToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tokens {
		if existing.TokenHash == t.TokenHash {
			return &db.ConstraintError{Constraint: "password_reset_token_hash_key", Err: db.ErrUniqueViolation}
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()
	c := *t
	m.tokens = append(m.tokens, &c)
	return nil
}

func (m *MemoryTokens) Consume(_ context.Context, hash string, now time.Time) (*ResetToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == hash && t.UsedAt == nil && t.ExpiresAt.After(now) {
			used := now
			t.UsedAt = &used
			c := *t
			return &c, nil
		}
	}
	return nil, apperror.NotFoundf("reset token")
}

func (m *MemoryTokens) Expire(_ context.Context, userID uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userID && t.UsedAt == nil {
			used := now
			t.UsedAt = &used
		}
	}
	return nil
}

// All returns copies of every stored token.
func (m *MemoryTokens) All() []ResetToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ResetToken, len(m.tokens))
	for i, t := range m.tokens {
		out[i] = *t
	}
	return out
}
