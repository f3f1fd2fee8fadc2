package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/flightcheckhq/flightcheck/internal/model"
	"github.com/flightcheckhq/flightcheck/internal/payment"
	"github.com/flightcheckhq/flightcheck/internal/plan"
	"github.com/flightcheckhq/flightcheck/internal/store"
)

const paymentWebhookKind = "payment"

// errUnknownProfile marks an event whose target profile does not exist yet.
// The delivery is rejected without being recorded so the provider's retry can
// land once the user has signed up.
var errUnknownProfile = errors.New("unknown profile")

type PaymentWebhookHandler struct {
	profileStore *store.ProfileStore
	eventStore   *store.WebhookEventStore
	planTable    *plan.Table
	secret       string
	logger       *slog.Logger
}

func NewPaymentWebhookHandler(
	ps *store.ProfileStore,
	es *store.WebhookEventStore,
	table *plan.Table,
	secret string,
	logger *slog.Logger,
) *PaymentWebhookHandler {
	return &PaymentWebhookHandler{
		profileStore: ps,
		eventStore:   es,
		planTable:    table,
		secret:       secret,
		logger:       logger.With("component", "payment_webhook"),
	}
}

// Handle verifies, deduplicates, and applies one provider notification.
// Replays of an already-processed event id are acknowledged without touching
// the profile.
func (h *PaymentWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	if !validSignature(body, r.Header.Get("X-Payment-Signature"), h.secret) {
		writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	event, err := payment.Parse(body)
	if err != nil {
		h.logger.Warn("unparseable payment webhook", "error", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if event.Kind == payment.KindIgnored {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	seen, err := h.eventStore.Seen(event.ID, paymentWebhookKind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if seen {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	switch event.Kind {
	case payment.KindSubscriptionCreated, payment.KindSubscriptionUpdated:
		err = h.applySubscription(event)
	case payment.KindSubscriptionCancelled:
		err = h.applyCancellation(event)
	case payment.KindTransactionCompleted:
		err = h.applyTransaction(event)
	}
	if errors.Is(err, errUnknownProfile) {
		h.logger.Warn("payment event for unknown profile",
			"event_id", event.ID, "kind", event.Kind,
			"user_id", event.UserID, "subscription_id", event.SubscriptionID)
		writeError(w, http.StatusNotFound, "unknown profile")
		return
	}
	if err != nil {
		h.logger.Error("apply payment event",
			"event_id", event.ID, "kind", event.Kind, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.eventStore.Record(event.ID, paymentWebhookKind); err != nil && err != store.ErrConflict {
		h.logger.Error("record payment event", "event_id", event.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// findProfile locates the target profile by the passthrough user id, falling
// back to the stored subscription id for events that omit it.
func (h *PaymentWebhookHandler) findProfile(event payment.Event) (*model.Profile, error) {
	if event.UserID != 0 {
		return h.profileStore.GetByUserID(event.UserID)
	}
	if event.SubscriptionID != "" {
		return h.profileStore.GetBySubscriptionID(event.SubscriptionID)
	}
	return nil, nil
}

func (h *PaymentWebhookHandler) applySubscription(event payment.Event) error {
	prof, err := h.findProfile(event)
	if err != nil {
		return err
	}
	if prof == nil {
		return errUnknownProfile
	}

	tier := h.planTable.TierForPrice(event.PriceID)

	var subID, custID *string
	if event.SubscriptionID != "" {
		subID = &event.SubscriptionID
	}
	if event.CustomerID != "" {
		custID = &event.CustomerID
	}

	return h.profileStore.UpdateSubscription(
		prof.ID, string(tier), event.Status, plan.Slots(tier),
		subID, custID, event.PeriodEnd,
	)
}

func (h *PaymentWebhookHandler) applyCancellation(event payment.Event) error {
	prof, err := h.findProfile(event)
	if err != nil {
		return err
	}
	if prof == nil {
		return errUnknownProfile
	}

	return h.profileStore.UpdateSubscription(
		prof.ID, string(plan.TierFree), "canceled", plan.Slots(plan.TierFree),
		nil, nil, event.PeriodEnd,
	)
}

// applyTransaction handles a successful renewal payment: the usage counter
// resets for the new billing period.
func (h *PaymentWebhookHandler) applyTransaction(event payment.Event) error {
	prof, err := h.findProfile(event)
	if err != nil {
		return err
	}
	if prof == nil {
		return errUnknownProfile
	}

	if err := h.profileStore.ResetMonthlyUsage(prof.ID); err != nil {
		return err
	}
	if event.PeriodEnd != nil {
		return h.profileStore.UpdateSubscription(
			prof.ID, prof.PlanType, "active", prof.ConcurrentSlots,
			nil, nil, event.PeriodEnd,
		)
	}
	return nil
}
