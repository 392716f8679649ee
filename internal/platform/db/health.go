package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is an additional readiness check, e.g. the audit queue depth.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReport is the body of the health endpoint.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Pool   *PoolStats        `json:"pool,omitempty"`
}

// RunChecks pings the database and runs every extra check.
func RunChecks(ctx context.Context, p Pinger, checks ...Check) HealthReport {
	report := HealthReport{Status: "healthy", Checks: map[string]string{}}

	all := append([]Check{{Name: "database", Fn: p.Ping}}, checks...)
	for _, c := range all {
		if err := c.Fn(ctx); err != nil {
			report.Status = "unhealthy"
			report.Checks[c.Name] = err.Error()
			continue
		}
		report.Checks[c.Name] = "ok"
	}
	return report
}

// HealthHandler returns a handler for the health check endpoint.
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	return healthHandler(pool, func() *PoolStats { return GetPoolStats(pool) }, checks...)
}

func healthHandler(p Pinger, stats func() *PoolStats, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report := RunChecks(ctx, p, checks...)
		if stats != nil {
			report.Pool = stats()
		}
		if report.Status != "healthy" {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
