package organization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/planflow/internal/platform/db"
)

// ChangeChannel is the Postgres notification channel. Each payload is the
// subdomain of an organization whose status or features changed.
const ChangeChannel = "planflow_org_changed"

// ChangePublisher announces an organization change to other processes.
type ChangePublisher interface {
	Publish(ctx context.Context, subdomain string) error
}

// Invalidator drops cached tenant state. *Resolver satisfies it.
type Invalidator interface {
	Invalidate(subdomain string)
	Purge()
}

// ChangeFeed carries organization changes between processes over
// LISTEN/NOTIFY. A status set from the CLI reaches the cache of every
// running server without waiting for the cache TTL.
type ChangeFeed struct {
	pool   *pgxpool.Pool
	cache  Invalidator
	logger zerolog.Logger
}

func NewChangeFeed(pool *pgxpool.Pool, cache Invalidator, logger zerolog.Logger) *ChangeFeed {
	return &ChangeFeed{
		pool:   pool,
		cache:  cache,
		logger: logger.With().Str("component", "org_change_feed").Logger(),
	}
}

// Publish queues a notice for subdomain. Inside a transaction Postgres holds
// it until commit and drops it on rollback.
func (f *ChangeFeed) Publish(ctx context.Context, subdomain string) error {
	if _, err := db.Conn(ctx, f.pool).Exec(ctx, `SELECT pg_notify($1, $2)`, ChangeChannel, subdomain); err != nil {
		return fmt.Errorf("publish organization change: %w", db.MapError(err))
	}
	return nil
}

// Listen invalidates the cache for every notice until ctx ends. A lost
// connection is re-established with backoff, and the whole cache is purged
// on each (re)connect because notices sent in between are gone.
func (f *ChangeFeed) Listen(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	for {
		err := f.listenOnce(ctx, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		f.logger.Warn().Err(err).Dur("retry_in", wait).Msg("organization change feed disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (f *ChangeFeed) listenOnce(ctx context.Context, connected func()) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	defer func() {
		// The connection goes back to the pool; stop it collecting notices.
		_, _ = conn.Exec(context.WithoutCancel(ctx), "UNLISTEN *")
	}()

	connected()
	f.cache.Purge()
	f.logger.Info().Str("channel", ChangeChannel).Msg("listening for organization changes")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		f.apply(n.Payload)
	}
}

func (f *ChangeFeed) apply(subdomain string) {
	f.cache.Invalidate(subdomain)
	f.logger.Debug().Str("subdomain", subdomain).Msg("organization cache invalidated")
}
