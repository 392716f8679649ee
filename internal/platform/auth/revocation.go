package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Revocations withdraws bearer tokens before they expire. A single token is
// revoked by its id on logout; every token of a user issued before a cutoff
// is revoked when the user's password changes.
//
// State is held in memory and cleaned up once the affected tokens would have
// expired anyway.
type Revocations struct {
	mu     sync.RWMutex
	tokens map[string]time.Time // token id -> token expiry
	users  map[uuid.UUID]cutoff
	maxTTL time.Duration
	now    func() time.Time
	done   chan struct{}
	once   sync.Once
}

type cutoff struct {
	at    time.Time
	until time.Time
}

// NewRevocations starts a store whose per-user cutoffs are kept for maxTTL,
// the longest lifetime of any token the server accepts.
func NewRevocations(maxTTL time.Duration) *Revocations {
	r := &Revocations{
		tokens: make(map[string]time.Time),
		users:  make(map[uuid.UUID]cutoff),
		maxTTL: maxTTL,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// RevokeToken revokes one token until its natural expiry.
func (r *Revocations) RevokeToken(tokenID string, expiresAt time.Time) {
	if tokenID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[tokenID] = expiresAt
}

// RevokeUser revokes every token of userID issued before at. JWT issue times
// have second precision, so tokens issued within the same second survive.
func (r *Revocations) RevokeUser(userID uuid.UUID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = cutoff{at: at.Truncate(time.Second), until: at.Add(r.maxTTL)}
}

// Revoked reports whether the token behind id has been withdrawn.
func (r *Revocations) Revoked(id Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.tokens[id.TokenID]; ok && id.TokenID != "" {
		return true
	}
	c, ok := r.users[id.UserID]
	return ok && id.IssuedAt.Before(c.at)
}

// Count returns the number of tracked token and user revocations.
func (r *Revocations) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens) + len(r.users)
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (r *Revocations) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *Revocations) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

func (r *Revocations) cleanup() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, exp := range r.tokens {
		if now.After(exp) {
			delete(r.tokens, id)
		}
	}
	for uid, c := range r.users {
		if now.After(c.until) {
			delete(r.users, uid)
		}
	}
}
