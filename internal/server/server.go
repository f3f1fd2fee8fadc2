package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/flightcheckhq/flightcheck/internal/artifact"
	"github.com/flightcheckhq/flightcheck/internal/email"
	"github.com/flightcheckhq/flightcheck/internal/handler"
	"github.com/flightcheckhq/flightcheck/internal/livestatus"
	"github.com/flightcheckhq/flightcheck/internal/middleware"
	"github.com/flightcheckhq/flightcheck/internal/plan"
	"github.com/flightcheckhq/flightcheck/internal/profile"
	"github.com/flightcheckhq/flightcheck/internal/report"
	"github.com/flightcheckhq/flightcheck/internal/runner"
	"github.com/flightcheckhq/flightcheck/internal/store"
	ws "github.com/flightcheckhq/flightcheck/internal/websocket"
)

// Config collects everything the server needs beyond the database handle.
type Config struct {
	BaseURL              string
	Runner               runner.Config
	Artifact             artifact.Config
	PaymentWebhookSecret string
	RunnerWebhookSecret  string
	ReportSecret         string
	PlanPrices           map[string]plan.Tier
	EmailClient          *email.Client
}

type Server struct {
	db           *sql.DB
	hub          *ws.Hub
	cache        *livestatus.Cache
	authH        *handler.AuthHandler
	profileH     *handler.ProfileHandler
	testRunH     *handler.TestRunHandler
	apiKeyH      *handler.APIKeyHandler
	paymentWH    *handler.PaymentWebhookHandler
	runnerWH     *handler.RunnerWebhookHandler
	sessionStore *store.SessionStore
	resetStore   *store.PasswordResetStore
	apiKeyStore  *store.APIKeyStore
	eventStore   *store.WebhookEventStore
	rateLimiter  *middleware.RateLimiter
	logger       *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))
	cache := livestatus.NewCache()

	userStore := store.NewUserStore(db)
	sessionStore := store.NewSessionStore(db)
	resetStore := store.NewPasswordResetStore(db)
	profileStore := store.NewProfileStore(db)
	testRunStore := store.NewTestRunStore(db)
	findingStore := store.NewFindingStore(db)
	apiKeyStore := store.NewAPIKeyStore(db)
	eventStore := store.NewWebhookEventStore(db)

	bootstrap := profile.New(profileStore, profile.Config{}, logger.With("component", "bootstrap"))
	runnerClient := runner.NewClient(cfg.Runner)
	artifacts := artifact.NewStore(cfg.Artifact)
	signer := report.NewSigner(cfg.ReportSecret, 0)
	planTable := plan.NewTable(cfg.PlanPrices)

	return &Server{
		db:    db,
		hub:   hub,
		cache: cache,
		authH: handler.NewAuthHandler(
			userStore, sessionStore, resetStore, bootstrap, cfg.EmailClient, logger),
		profileH: handler.NewProfileHandler(profileStore, userStore, bootstrap, logger),
		testRunH: handler.NewTestRunHandler(
			testRunStore, findingStore, profileStore, userStore,
			bootstrap, runnerClient, artifacts, signer, cache, hub, logger),
		apiKeyH: handler.NewAPIKeyHandler(apiKeyStore, profileStore, logger),
		paymentWH: handler.NewPaymentWebhookHandler(
			profileStore, eventStore, planTable, cfg.PaymentWebhookSecret, logger),
		runnerWH: handler.NewRunnerWebhookHandler(
			testRunStore, findingStore, profileStore, userStore, eventStore,
			cache, hub, cfg.EmailClient, artifacts, cfg.RunnerWebhookSecret, logger),
		sessionStore: sessionStore,
		resetStore:   resetStore,
		apiKeyStore:  apiKeyStore,
		eventStore:   eventStore,
		rateLimiter:  middleware.NewRateLimiter(),
		logger:       logger,
	}
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// PasswordResetStore returns the reset store for cleanup tasks.
func (s *Server) PasswordResetStore() *store.PasswordResetStore {
	return s.resetStore
}

// WebhookEventStore returns the webhook dedup store for cleanup tasks.
func (s *Server) WebhookEventStore() *store.WebhookEventStore {
	return s.eventStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("POST /register", s.rateLimitedHandler(s.authH.Register))
	outerMux.HandleFunc("POST /login", s.rateLimitedHandler(s.authH.Login))
	outerMux.HandleFunc("POST /password-reset/request", s.rateLimitedHandler(s.authH.RequestPasswordReset))
	outerMux.HandleFunc("POST /password-reset/confirm", s.authH.ConfirmPasswordReset)
	outerMux.HandleFunc("POST /webhooks/payment", s.paymentWH.Handle)
	outerMux.HandleFunc("POST /webhooks/runner", s.runnerWH.Handle)
	// Report downloads carry their own signed token
	outerMux.HandleFunc("GET /tests/{id}/report", s.testRunH.DownloadReport)
	outerMux.HandleFunc("GET /health", s.healthHandler)

	// Programmatic read API, authenticated by bearer API key
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/v1/tests", s.testRunH.List)
	apiMux.HandleFunc("GET /api/v1/tests/{id}", s.testRunH.Get)
	outerMux.Handle("/api/v1/", middleware.RequireAPIKey(s.apiKeyStore)(apiMux))

	// Session-authenticated routes
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)
	outerMux.Handle("/", middleware.RequireAuth(s.sessionStore)(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /logout", s.authH.Logout)
	mux.HandleFunc("PUT /password", s.authH.UpdatePassword)

	mux.HandleFunc("GET /profile", s.profileH.Get)
	mux.HandleFunc("PUT /profile", s.profileH.Update)

	mux.HandleFunc("POST /tests", s.testRunH.Submit)
	mux.HandleFunc("GET /tests", s.testRunH.List)
	mux.HandleFunc("GET /tests/{id}", s.testRunH.Get)
	mux.HandleFunc("POST /tests/{id}/cancel", s.testRunH.Cancel)
	mux.HandleFunc("GET /tests/{id}/report-link", s.testRunH.ReportLink)
	mux.HandleFunc("GET /tests/{id}/artifact", s.testRunH.DownloadArtifact)

	mux.HandleFunc("POST /apikeys", s.apiKeyH.Create)
	mux.HandleFunc("GET /apikeys", s.apiKeyH.List)
	mux.HandleFunc("POST /apikeys/{id}/deactivate", s.apiKeyH.Deactivate)
	mux.HandleFunc("DELETE /apikeys/{id}", s.apiKeyH.Delete)

	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}
