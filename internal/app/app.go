// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/choreboard/choreboard-auth/internal/clock"
	"github.com/choreboard/choreboard-auth/internal/config"
	"github.com/choreboard/choreboard-auth/internal/maintenance"
	"github.com/choreboard/choreboard-auth/internal/security"
	"github.com/choreboard/choreboard-auth/internal/server"
	"github.com/choreboard/choreboard-auth/internal/sms"
	"github.com/choreboard/choreboard-auth/internal/storage"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// App holds the wired components.
type App struct {
	Config *config.Config
	DB     *storage.DB

	Registry    *prometheus.Registry
	Metrics     *security.Metrics
	Accounts    *storage.Accounts
	Credentials *security.CredentialStore
	Limiter     *security.LoginAttemptLimiter
	Codes       *security.OneTimeCodeService
	Sessions    *security.SessionManager
	Guard       *security.ChildSessionGuard
	Audit       security.AuditSink
	Gateway     *security.AuthGateway

	clock     clock.Clock
	sender    security.CodeSender
	auditFile *security.FileAuditSink
}

// Option configures Build.
type Option func(*options)

type options struct {
	clock  clock.Clock
	sender security.CodeSender
}

// WithClock substitutes the time source for every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSender replaces the SMS sender selected by the config.
func WithSender(s security.CodeSender) Option {
	return func(o *options) { o.sender = s }
}

// Build opens storage and wires the auth core. Close releases it.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	o := options{clock: clock.System()}
	for _, opt := range opts {
		opt(&o)
	}

	path := cfg.Database.Path
	if cfg.Database.IsMemory() {
		path = storage.MemoryPath
	}
	db, err := storage.Open(ctx, path, storage.WithClock(o.clock))
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		DB:       db,
		Registry: prometheus.NewRegistry(),
		Accounts: db.Accounts(),
		clock:    o.clock,
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = security.NewMetrics(a.Registry)

	if err := a.wireAudit(cfg.Audit); err != nil {
		db.Close()
		return nil, err
	}
	a.sender = o.sender
	if a.sender == nil {
		a.sender = newSender(cfg.SMS)
	}

	kv := db.KV()
	a.Credentials = security.NewCredentialStore(a.Accounts,
		security.WithBcryptCost(cfg.Credentials.BcryptCost),
		security.WithHashConcurrency(cfg.Credentials.HashConcurrency),
	)
	a.Limiter = security.NewLoginAttemptLimiter(kv, cfg.Lockout.LimiterConfig(),
		security.WithLimiterClock(o.clock),
		security.WithLimiterMetrics(a.Metrics),
	)
	a.Codes = security.NewOneTimeCodeService(kv, cfg.OTP.CodeConfig(), o.clock)
	a.Sessions = security.NewSessionManager(db.Sessions(), cfg.Session.Policy(),
		security.WithSessionClock(o.clock),
		security.WithSessionMetrics(a.Metrics),
	)
	a.Guard = security.NewChildSessionGuard(a.Accounts, a.Credentials, a.Limiter, a.Sessions,
		security.WithIdleTimeout(cfg.Child.IdleTimeout.Duration),
		security.WithGuardAudit(a.Audit),
		security.WithGuardMetrics(a.Metrics),
	)
	a.Gateway, err = security.NewAuthGateway(security.GatewayDeps{
		Accounts:    a.Accounts,
		Credentials: a.Credentials,
		Codes:       a.Codes,
		Limiter:     a.Limiter,
		Sessions:    a.Sessions,
		Guard:       a.Guard,
		Sender:      a.sender,
		Store:       kv,
		Audit:       a.Audit,
		Metrics:     a.Metrics,
		Clock:       o.clock,
	}, cfg.OTP.GatewayConfig())
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wireAudit(cfg config.AuditConfig) error {
	if cfg.Sink != config.AuditSinkFile {
		a.Audit = a.DB.Audit()
		return nil
	}
	sink, err := security.NewFileAuditSink(cfg.FilePath)
	if err != nil {
		return err
	}
	a.Audit = sink
	a.auditFile = sink
	return nil
}

func newSender(cfg config.SMSConfig) security.CodeSender {
	if cfg.Mode == config.SMSModeHTTP {
		return sms.NewHTTPSender(cfg.SenderConfig())
	}
	return sms.LogSender{RevealCodes: cfg.LogCodes}
}

// AuditReader returns the configured sink as a reader.
func (a *App) AuditReader() (security.AuditReader, error) {
	r, ok := a.Audit.(security.AuditReader)
	if !ok {
		return nil, fmt.Errorf("audit sink %T cannot be read back", a.Audit)
	}
	return r, nil
}

// Close releases the audit file and the database.
func (a *App) Close() error {
	var errs []error
	if a.auditFile != nil {
		errs = append(errs, a.auditFile.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}

// ApplyConfig swaps the settings that can change without a restart.
// Currently that is the lockout policy.
func (a *App) ApplyConfig(ctx context.Context, cfg *config.Config) {
	next := cfg.Lockout.LimiterConfig()
	if next == a.Limiter.Config() {
		return
	}
	a.Limiter.SetConfig(next)
	util.Log(ctx).With(
		"max_attempts", next.Threshold,
		"window", next.Window.String(),
		"duration", next.LockoutDuration.String(),
	).Info("lockout policy reloaded")
}

// NewServer builds the HTTP server over the wired components.
func (a *App) NewServer() (*server.Server, error) {
	hashKey, blockKey, err := a.Config.Server.CookieKeys()
	if err != nil {
		return nil, err
	}
	return server.New(server.Options{
		Addr:              a.Config.Server.Addr,
		RequestTimeout:    a.Config.Server.RequestTimeout.Duration,
		TrustProxyHeaders: a.Config.Server.TrustProxyHeaders,
		CookieHashKey:     hashKey,
		CookieBlockKey:    blockKey,
		CookieSecure:      a.Config.Server.CookieSecure,
		RateLimit:         a.Config.Server.RateLimit,
		RateBurst:         a.Config.Server.RateBurst,
		Gatherer:          a.Registry,
		Health:            a.DB.Ping,
	}, a.Gateway, a.Guard)
}

// Serve runs the HTTP server and the maintenance sweeps until ctx is done.
// A non-empty configPath is watched and reloaded.
func (a *App) Serve(ctx context.Context, configPath string) error {
	srv, err := a.NewServer()
	if err != nil {
		return err
	}

	sweeper, err := maintenance.New(a.Sessions, a.DB.KV(), a.Config.Maintenance.SweepInterval.Duration)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	if configPath != "" {
		w, err := config.NewWatcher(configPath, func(cfg *config.Config) { a.ApplyConfig(ctx, cfg) })
		if err != nil {
			util.Log(ctx).WithError(err).Warn("config reload disabled")
		} else {
			go w.Run(ctx)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		util.Log(ctx).WithField("addr", a.Config.Server.Addr).Info("auth server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
