//go:build integration

package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/planflow/internal/domain/organization"
	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/db/dbtest"
)

func TestTokenRepoPG_ConsumeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	pool := dbtest.Start(t)

	user := &organization.User{Email: "reset@acme.test", Name: "Reset User"}
	require.NoError(t, organization.NewUserRepoPG(pool).Create(ctx, user))

	repo := NewTokenRepoPG(pool)
	now := time.Now().UTC()
	raw, hash, err := newRawToken()
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, &ResetToken{UserID: user.ID, TokenHash: hash, ExpiresAt: now.Add(time.Hour)}))
	require.Equal(t, hash, HashToken(raw))

	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		missing atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Consume(ctx, hash, now)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, apperror.ErrNotFound):
				missing.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(4), missing.Load())
}

func TestTokenRepoPG_ExpiredAndSuperseded(t *testing.T) {
	ctx := context.Background()
	pool := dbtest.Start(t)

	user := &organization.User{Email: "old@acme.test", Name: "Old Token"}
	require.NoError(t, organization.NewUserRepoPG(pool).Create(ctx, user))

	repo := NewTokenRepoPG(pool)
	now := time.Now().UTC()

	_, expired, err := newRawToken()
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, &ResetToken{UserID: user.ID, TokenHash: expired, ExpiresAt: now.Add(-time.Minute)}))
	_, err = repo.Consume(ctx, expired, now)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, live, err := newRawToken()
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, &ResetToken{UserID: user.ID, TokenHash: live, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, repo.Expire(ctx, user.ID, now))
	_, err = repo.Consume(ctx, live, now)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}
