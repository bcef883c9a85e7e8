// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"
	"github.com/pitabwire/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/choreboard/choreboard-auth/internal/security"
)

// DefaultAddr is used when Options.Addr is empty.
const DefaultAddr = ":8080"

// ============================================================================
// OPTIONS
// ============================================================================

// Options configures the HTTP surface.
type Options struct {
	Addr           string
	RequestTimeout time.Duration

	// TrustProxyHeaders honours X-Forwarded-For / X-Real-IP from proxies in
	// private or loopback ranges.
	TrustProxyHeaders bool

	// CookieHashKey signs the session cookie; nil generates a random key.
	// CookieBlockKey, when set, also encrypts it.
	CookieHashKey  []byte
	CookieBlockKey []byte
	CookieSecure   bool

	// Per client IP request budget.
	RateLimit float64
	RateBurst int

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	// Health is consulted by /healthz. Nil always reports healthy.
	Health func(ctx context.Context) error
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 5
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
	if o.Gatherer == nil {
		o.Gatherer = prometheus.DefaultGatherer
	}
	return o
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP front of the auth gateway.
type Server struct {
	opts    Options
	gateway *security.AuthGateway
	guard   *security.ChildSessionGuard
	cookies *securecookie.SecureCookie
	limiter *RateLimiter
	router  *mux.Router
	server  *http.Server
}

// New builds the server and its routes.
func New(opts Options, gateway *security.AuthGateway, guard *security.ChildSessionGuard) (*Server, error) {
	if gateway == nil || guard == nil {
		return nil, errors.New("server: gateway and child guard are required")
	}
	opts = opts.withDefaults()

	hashKey := opts.CookieHashKey
	if len(hashKey) == 0 {
		hashKey = securecookie.GenerateRandomKey(32)
		if hashKey == nil {
			return nil, errors.New("server: could not generate cookie key")
		}
		util.Log(context.Background()).Warn("no cookie hash key configured, session cookies will not survive a restart")
	}
	cookies := securecookie.New(hashKey, opts.CookieBlockKey)
	// Expiry is enforced by the session store, not the cookie timestamp.
	cookies.MaxAge(0)

	s := &Server{
		opts:    opts,
		gateway: gateway,
		guard:   guard,
		cookies: cookies,
		limiter: NewRateLimiter(opts.RateLimit, opts.RateBurst),
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      opts.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusNotFound, "not_found", "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet).Name("Health")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).
		Methods(http.MethodGet).Name("Metrics")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimit)

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/otp/send", s.handleSendCode).Methods(http.MethodPost).Name("SendCode")
	auth.HandleFunc("/login/password", s.handleLoginPassword).Methods(http.MethodPost).Name("LoginPassword")
	auth.HandleFunc("/login/otp", s.handleLoginOTP).Methods(http.MethodPost).Name("LoginOTP")
	auth.HandleFunc("/login/pin", s.handleLoginPIN).Methods(http.MethodPost).Name("LoginChildPIN")
	auth.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost).Name("Logout")
	auth.Handle("/session", s.requireSession(http.HandlerFunc(s.handleSession))).
		Methods(http.MethodGet).Name("Session")

	child := api.PathPrefix("/child").Subrouter()
	child.Handle("/touch", s.requireSession(http.HandlerFunc(s.handleSession))).
		Methods(http.MethodPost).Name("ChildTouch")
	child.HandleFunc("/lock", s.handleChildLock).Methods(http.MethodPost).Name("ChildLock")
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	chain := Chain(
		RecoveryMiddleware(),
		s.proxyHeaders,
		SecurityHeadersMiddleware(),
		LoggingMiddleware(),
		TimeoutMiddleware(s.opts.RequestTimeout),
	)
	return chain(s.router)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	util.Log(context.Background()).WithField("addr", s.opts.Addr).Info("http server listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	util.Log(ctx).Info("http server shutting down")
	return s.server.Shutdown(ctx)
}
