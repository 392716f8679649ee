package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/planflow/internal/config"
	"github.com/ehr/planflow/internal/domain/credential"
	"github.com/ehr/planflow/internal/domain/organization"
	"github.com/ehr/planflow/internal/domain/patient"
	"github.com/ehr/planflow/internal/domain/treatmentplan"
	"github.com/ehr/planflow/internal/platform/aireview"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/db"
	"github.com/ehr/planflow/internal/platform/hipaa"
	"github.com/ehr/planflow/internal/platform/middleware"
	"github.com/ehr/planflow/internal/platform/notification"
	"github.com/ehr/planflow/internal/platform/tenant"
)

// app holds the wired services and the resources that need closing.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	echo   *echo.Echo

	recorder    *hipaa.Recorder
	dispatcher  *notification.AsyncDispatcher
	revocations *auth.Revocations
	changes     *organization.ChangeFeed

	orgs        *organization.Service
	credentials *credential.Service
	patients    *patient.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a, err := assemble(cfg, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// assemble wires repositories, services and routes on top of pool. It does
// not touch the database.
func assemble(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	box, err := hipaa.NewFieldBoxFromHex(cfg.PHIEncryptionKey, cfg.PHIRetiredKeys, logger)
	if err != nil {
		return nil, err
	}
	index, err := hipaa.NewBlindIndexerFromHex(cfg.PHIBlindIndexKey)
	if err != nil {
		return nil, err
	}
	publicKey, err := cfg.RSAPublicKey()
	if err != nil {
		return nil, err
	}
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		PublicKey:  publicKey,
		TTL:        cfg.AuthTokenTTL,
	}
	if cfg.AuthSigningKey == "" {
		jwtCfg.SigningKey = nil
	}

	tx := db.NewTransactor(pool)
	orgRepo := organization.NewOrganizationRepoPG(pool)
	userRepo := organization.NewUserRepoPG(pool)
	memberRepo := organization.NewMembershipRepoPG(pool)
	patientRepo := patient.NewRepoPG(pool)
	planRepo := treatmentplan.NewRepoPG(pool)
	auditSink := hipaa.NewPGAuditSink(pool)
	notifications := notification.NewPGStore(pool)

	recorder := hipaa.NewRecorder(auditSink, logger, cfg.AuditQueueSize)
	dispatcher := notification.NewAsyncDispatcher(notifications, logger)
	revocations := auth.NewRevocations(cfg.AuthTokenTTL)
	hasher := credential.NewHasher(cfg.BcryptCost)

	resolver := organization.NewResolver(orgRepo, memberRepo, organization.ResolverConfig{
		TTL:      cfg.TenantCacheTTL,
		Reserved: cfg.ReservedSubdomains,
		Logger:   logger,
	})
	changes := organization.NewChangeFeed(pool, resolver, logger)
	orgSvc := organization.NewService(orgRepo, userRepo, memberRepo, tx, hasher, resolver, recorder,
		organization.WithChangePublisher(changes))
	credSvc := credential.NewService(credential.Config{
		JWT:             jwtCfg,
		ResetURL:        cfg.PasswordResetURL,
		MaxAttempts:     cfg.LockoutMaxAttempts,
		LockoutDuration: cfg.LockoutDuration,
	}, credential.Stores{
		Orgs:    orgRepo,
		Users:   userRepo,
		Members: memberRepo,
		Tokens:  credential.NewTokenRepoPG(pool),
	}, tx, hasher, orgSvc, emailSender(cfg, logger), dispatcher, recorder, logger,
		credential.WithRevoker(revocations))
	patientSvc := patient.NewService(patientRepo, box, index, orgSvc, memberRepo, recorder)
	planSvc := treatmentplan.NewService(planRepo, patientRepo, memberRepo, dispatcher,
		aireview.New(cfg.AIReviewURL, cfg.AIReviewTimeout, logger), recorder, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled || cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID, tenant.SubdomainHeader},
	}))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, map[string]time.Duration{
		// The review call has its own timeout; the plan write after it gets the usual budget.
		"/api/v1/treatment-plans/:id/ai-review": cfg.AIReviewTimeout + cfg.RequestTimeout,
	}))

	e.GET("/health", db.HealthHandler(pool, db.Check{Name: "audit", Fn: recorder.HealthCheck}))

	identity := auth.IdentityMiddleware(jwtCfg, auth.WithRevocations(revocations))

	public := e.Group("/api/v1", middleware.RateLimit(rateLimitConfig(cfg)))
	signedIn := e.Group("/api/v1", identity)
	tenanted := e.Group("/api/v1", identity, tenant.Middleware(resolver, cfg.BaseDomain))

	orgHandler := organization.NewHandler(orgSvc)
	orgHandler.RegisterPublicRoutes(public)
	orgHandler.RegisterRoutes(tenanted)

	credHandler := credential.NewHandler(credSvc)
	credHandler.RegisterPublicRoutes(public)
	credHandler.RegisterIdentityRoutes(signedIn)
	credHandler.RegisterRoutes(tenanted)

	patient.NewHandler(patientSvc).RegisterRoutes(tenanted)
	treatmentplan.NewHandler(planSvc).RegisterRoutes(tenanted)
	hipaa.NewAuditSearchHandler(auditSink, recorder).RegisterRoutes(tenanted)
	notification.NewHandler(notifications).RegisterRoutes(tenanted)

	return &app{
		cfg:         cfg,
		logger:      logger,
		pool:        pool,
		echo:        e,
		recorder:    recorder,
		dispatcher:  dispatcher,
		revocations: revocations,
		changes:     changes,
		orgs:        orgSvc,
		credentials: credSvc,
		patients:    patientSvc,
	}, nil
}

func emailSender(cfg *config.Config, logger zerolog.Logger) notification.EmailSender {
	if cfg.EmailSender == config.EmailSenderSMTP {
		return notification.NewSMTPEmailSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger)
	}
	return notification.NewLogEmailSender(logger)
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// close drains background work. Pending notifications finish before the
// audit queue is flushed so their audit entries are not lost.
func (a *app) close(ctx context.Context) {
	a.credentials.Wait()
	a.dispatcher.Wait()
	if err := a.recorder.Close(ctx); err != nil {
		a.logger.Error().Err(err).Msg("audit queue not fully flushed")
	}
	a.revocations.Close()
	if a.pool != nil {
		a.pool.Close()
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	logger.Info().Msg("connected to database")

	listenCtx, stopListening := context.WithCancel(ctx)
	listening := make(chan struct{})
	go func() {
		defer close(listening)
		_ = a.changes.Listen(listenCtx)
	}()

	addr := ":" + cfg.Port
	go func() {
		var err error
		if cfg.TLSEnabled {
			logger.Info().Str("addr", addr).Msg("starting TLS server")
			err = a.echo.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			logger.Info().Str("addr", addr).Msg("starting server")
			err = a.echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	stopListening()
	<-listening
	a.close(shutdownCtx)
	return nil
}
