package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/flightcheckhq/flightcheck/internal/artifact"
	"github.com/flightcheckhq/flightcheck/internal/email"
	"github.com/flightcheckhq/flightcheck/internal/livestatus"
	"github.com/flightcheckhq/flightcheck/internal/model"
	"github.com/flightcheckhq/flightcheck/internal/store"
	"github.com/flightcheckhq/flightcheck/internal/websocket"
)

const runnerWebhookKind = "runner"

type RunnerWebhookHandler struct {
	testRunStore *store.TestRunStore
	findingStore *store.FindingStore
	profileStore *store.ProfileStore
	userStore    *store.UserStore
	eventStore   *store.WebhookEventStore
	cache        *livestatus.Cache
	hub          *websocket.Hub
	emailClient  *email.Client
	artifacts    *artifact.Store
	secret       string
	logger       *slog.Logger
}

func NewRunnerWebhookHandler(
	ts *store.TestRunStore,
	fs *store.FindingStore,
	ps *store.ProfileStore,
	us *store.UserStore,
	es *store.WebhookEventStore,
	cache *livestatus.Cache,
	hub *websocket.Hub,
	ec *email.Client,
	as *artifact.Store,
	secret string,
	logger *slog.Logger,
) *RunnerWebhookHandler {
	return &RunnerWebhookHandler{
		testRunStore: ts,
		findingStore: fs,
		profileStore: ps,
		userStore:    us,
		eventStore:   es,
		cache:        cache,
		hub:          hub,
		emailClient:  ec,
		artifacts:    as,
		secret:       secret,
		logger:       logger.With("component", "runner_webhook"),
	}
}

// runnerPayload is one status update from the test backend. Absent fields
// leave the corresponding run columns untouched.
type runnerPayload struct {
	TestID      string  `json:"test_id"`
	Status      string  `json:"status"`
	Progress    *int    `json:"progress"`
	BugsFound   *int    `json:"bugs_found"`
	ReportURL   *string `json:"report_url"`
	Error       *string `json:"error"`
	MinutesUsed *int    `json:"minutes_used"`
	Findings    []struct {
		Title       string `json:"title"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
	} `json:"findings"`
}

// Handle applies one runner status update. Updates are idempotent on the
// delivery id; updates for terminal runs are acknowledged without mutation,
// except that a late report URL is backfilled.
func (h *RunnerWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	if !validSignature(body, r.Header.Get("X-Runner-Signature"), h.secret) {
		writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	eventID := r.Header.Get("X-Runner-Delivery")
	if eventID == "" {
		// Deliveries without an id dedup on the body digest
		sum := sha256.Sum256(body)
		eventID = hex.EncodeToString(sum[:])
	}

	seen, err := h.eventStore.Seen(eventID, runnerWebhookKind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if seen {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	var p runnerPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if p.TestID == "" {
		writeError(w, http.StatusBadRequest, "test_id is required")
		return
	}

	run, err := h.testRunStore.GetByID(p.TestID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if run == nil {
		// Never create runs from webhook traffic
		writeError(w, http.StatusNotFound, "unknown test")
		return
	}

	if run.Status.Terminal() {
		if p.ReportURL != nil && run.ReportURL == nil {
			if err := h.testRunStore.BackfillReportURL(run.ID, *p.ReportURL); err != nil {
				h.logger.Error("backfill report url", "id", run.ID, "error", err)
			}
			// Terminal records never take events, so force a re-prime
			h.cache.Drop(run.UserID)
		}
		h.record(eventID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	upd := model.TestRunUpdate{
		Progress:     p.Progress,
		BugCount:     p.BugsFound,
		ReportURL:    p.ReportURL,
		ErrorMessage: p.Error,
	}

	if p.Status != "" {
		next := model.Status(p.Status)
		if !next.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		if !run.Status.CanTransition(next) {
			// Out-of-order delivery; the newer state already won
			h.logger.Warn("ignoring out-of-order status",
				"id", run.ID, "from", run.Status, "to", next)
			h.record(eventID)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}

		upd.Status = &next
		now := time.Now().UTC()
		if next == model.StatusRunning && run.StartedAt == nil {
			upd.StartedAt = &now
		}
		if next.Terminal() {
			upd.CompletedAt = &now
		}
	}

	updated, err := h.testRunStore.ApplyUpdate(run.ID, upd)
	if err != nil {
		h.logger.Error("apply run update", "id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	for _, f := range p.Findings {
		if _, err := h.findingStore.Create(run.ID, f.Title, f.Severity, f.Description); err != nil {
			h.logger.Error("create finding", "id", run.ID, "error", err)
		}
	}

	if updated.Status.Terminal() {
		h.settle(r.Context(), updated, p.MinutesUsed)
	}

	ev := pushEvent(updated, p)
	h.cache.Apply(run.UserID, ev)
	h.hub.Send(run.UserID, ev)

	h.record(eventID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *RunnerWebhookHandler) record(eventID string) {
	if err := h.eventStore.Record(eventID, runnerWebhookKind); err != nil && err != store.ErrConflict {
		h.logger.Error("record runner event", "event_id", eventID, "error", err)
	}
}

// settle charges the actual minutes used against the monthly allowance,
// releases the stored artifact, and sends the completion email.
func (h *RunnerWebhookHandler) settle(ctx context.Context, run *model.TestRun, minutesUsed *int) {
	if h.artifacts != nil && run.ArtifactKey != nil {
		if err := h.artifacts.Delete(ctx, *run.ArtifactKey); err != nil {
			h.logger.Error("delete artifact", "id", run.ID, "key", *run.ArtifactKey, "error", err)
		}
	}

	if minutesUsed != nil && *minutesUsed > 0 {
		prof, err := h.profileStore.GetByUserID(run.UserID)
		if err != nil || prof == nil {
			h.logger.Error("load profile for usage accounting", "user_id", run.UserID, "error", err)
		} else if err := h.profileStore.AddMinutesUsed(prof.ID, *minutesUsed); err != nil {
			h.logger.Error("add minutes used", "profile_id", prof.ID, "error", err)
		}
	}

	if h.emailClient == nil || !h.emailClient.Configured() {
		return
	}
	user, err := h.userStore.GetByID(run.UserID)
	if err != nil || user == nil {
		return
	}
	if err := h.emailClient.SendTestComplete(user.Email, run.Name, string(run.Status)); err != nil {
		h.logger.Error("send completion email", "id", run.ID, "error", err)
	}
}

// pushEvent translates an applied update into a push-channel event carrying
// the new record version.
func pushEvent(run *model.TestRun, p runnerPayload) livestatus.Event {
	ev := livestatus.Event{
		TestID:    run.ID,
		Progress:  p.Progress,
		BugsFound: p.BugsFound,
		ReportURL: p.ReportURL,
		Error:     p.Error,
		Version:   run.Version,
	}

	switch run.Status {
	case model.StatusCompleted:
		ev.Type = livestatus.TypeCompleted
	case model.StatusFailed:
		ev.Type = livestatus.TypeFailed
	case model.StatusCancelled:
		ev.Type = livestatus.TypeCancelled
	default:
		if p.Status != "" {
			ev.Type = livestatus.TypeStatusChange
		} else {
			ev.Type = livestatus.TypeProgress
		}
	}

	if p.Status != "" || run.Status.Terminal() {
		status := string(run.Status)
		ev.Status = &status
	}
	return ev
}
