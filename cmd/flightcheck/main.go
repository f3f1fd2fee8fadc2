package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flightcheckhq/flightcheck/internal/artifact"
	"github.com/flightcheckhq/flightcheck/internal/database"
	"github.com/flightcheckhq/flightcheck/internal/email"
	"github.com/flightcheckhq/flightcheck/internal/logging"
	"github.com/flightcheckhq/flightcheck/internal/plan"
	"github.com/flightcheckhq/flightcheck/internal/runner"
	"github.com/flightcheckhq/flightcheck/internal/server"
)

func main() {
	logger := logging.Setup(os.Getenv("FLIGHTCHECK_LOG_LEVEL"), os.Getenv("FLIGHTCHECK_LOG_FORMAT"))

	port := os.Getenv("FLIGHTCHECK_PORT")
	if port == "" {
		port = "8080"
	}

	dbPath := os.Getenv("FLIGHTCHECK_DB_PATH")
	if dbPath == "" {
		dbPath = "flightcheck.db"
	}

	baseURL := os.Getenv("FLIGHTCHECK_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:" + port
	}

	db, err := database.Open(dbPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	emailClient := email.NewClient(
		os.Getenv("FLIGHTCHECK_POSTMARK_TOKEN"),
		os.Getenv("FLIGHTCHECK_FROM_EMAIL"),
		baseURL,
	)

	cfg := server.Config{
		BaseURL: baseURL,
		Runner: runner.Config{
			BaseURL:  os.Getenv("FLIGHTCHECK_RUNNER_URL"),
			APIToken: os.Getenv("FLIGHTCHECK_RUNNER_TOKEN"),
		},
		Artifact: artifact.Config{
			Endpoint:  os.Getenv("FLIGHTCHECK_S3_ENDPOINT"),
			Region:    os.Getenv("FLIGHTCHECK_S3_REGION"),
			Bucket:    os.Getenv("FLIGHTCHECK_S3_BUCKET"),
			AccessKey: os.Getenv("FLIGHTCHECK_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("FLIGHTCHECK_S3_SECRET_KEY"),
		},
		PaymentWebhookSecret: os.Getenv("FLIGHTCHECK_PAYMENT_WEBHOOK_SECRET"),
		RunnerWebhookSecret:  os.Getenv("FLIGHTCHECK_RUNNER_WEBHOOK_SECRET"),
		ReportSecret:         os.Getenv("FLIGHTCHECK_REPORT_SECRET"),
		PlanPrices:           planPrices(),
		EmailClient:          emailClient,
	}

	srv := server.New(db, cfg, logger)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go cleanupLoop(cleanupCtx, srv, logger)

	go func() {
		logger.Info("flightcheck starting", "addr", ":"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// planPrices reads the provider price id lists for the paid tiers.
// Example: FLIGHTCHECK_PRICES_PRO="plan-pro-monthly,pri_01abc"
func planPrices() map[string]plan.Tier {
	prices := make(map[string]plan.Tier)
	for _, id := range splitList(os.Getenv("FLIGHTCHECK_PRICES_PRO")) {
		prices[id] = plan.TierPro
	}
	for _, id := range splitList(os.Getenv("FLIGHTCHECK_PRICES_ENTERPRISE")) {
		prices[id] = plan.TierEnterprise
	}
	return prices
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func cleanupLoop(ctx context.Context, srv *server.Server, logger *slog.Logger) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := srv.SessionStore().DeleteExpired(); err != nil {
				logger.Error("cleanup expired sessions", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up expired sessions", "count", n)
			}
			if n, err := srv.PasswordResetStore().DeleteExpired(); err != nil {
				logger.Error("cleanup expired password resets", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up expired password resets", "count", n)
			}
			if n, err := srv.WebhookEventStore().DeleteOlderThan(30); err != nil {
				logger.Error("cleanup webhook events", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up webhook events", "count", n)
			}
			srv.RateLimiter().Cleanup()
		case <-ctx.Done():
			return
		}
	}
}
