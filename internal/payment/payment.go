// Package payment parses webhook payloads from the payment provider. The
// provider speaks two dialects: "classic" payloads keyed by alert_name and
// "v2" payloads keyed by event_type. Both are decoded through a tagged union
// on the discriminant field and normalized into one Event shape.
package payment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Dialect identifies which payload generation delivered an event.
type Dialect string

const (
	DialectClassic Dialect = "classic"
	DialectV2      Dialect = "v2"
)

// Kind is a normalized event kind. Payload types outside this set parse to
// KindIgnored and are acknowledged without mutation.
type Kind string

const (
	KindSubscriptionCreated   Kind = "subscription_created"
	KindSubscriptionUpdated   Kind = "subscription_updated"
	KindSubscriptionCancelled Kind = "subscription_cancelled"
	KindTransactionCompleted  Kind = "transaction_completed"
	KindIgnored               Kind = "ignored"
)

// Event is a dialect-independent view of one provider notification.
type Event struct {
	ID             string
	Kind           Kind
	Dialect        Dialect
	UserID         int64
	SubscriptionID string
	CustomerID     string
	PriceID        string
	Status         string
	PeriodEnd      *time.Time
}

type discriminant struct {
	AlertName string `json:"alert_name"`
	EventType string `json:"event_type"`
}

// Parse decodes a webhook body. The discriminant field selects the dialect;
// a body carrying neither discriminant is an error.
func Parse(body []byte) (Event, error) {
	var d discriminant
	if err := json.Unmarshal(body, &d); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}

	switch {
	case d.AlertName != "":
		return parseClassic(body, d.AlertName)
	case d.EventType != "":
		return parseV2(body, d.EventType)
	default:
		return Event{}, fmt.Errorf("payload has neither alert_name nor event_type")
	}
}

// classicPayload is the flat, string-typed first-generation shape.
type classicPayload struct {
	AlertID            string `json:"alert_id"`
	SubscriptionID     string `json:"subscription_id"`
	SubscriptionPlanID string `json:"subscription_plan_id"`
	Status             string `json:"status"`
	Passthrough        string `json:"passthrough"`
	CustomerID         string `json:"customer_id"`
	NextBillDate       string `json:"next_bill_date"`
}

func parseClassic(body []byte, alertName string) (Event, error) {
	var p classicPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("decode classic payload: %w", err)
	}
	if p.AlertID == "" {
		return Event{}, fmt.Errorf("classic payload missing alert_id")
	}

	e := Event{
		ID:             p.AlertID,
		Dialect:        DialectClassic,
		SubscriptionID: p.SubscriptionID,
		CustomerID:     p.CustomerID,
		PriceID:        p.SubscriptionPlanID,
		Status:         p.Status,
	}

	switch alertName {
	case "subscription_created":
		e.Kind = KindSubscriptionCreated
	case "subscription_updated":
		e.Kind = KindSubscriptionUpdated
	case "subscription_cancelled":
		e.Kind = KindSubscriptionCancelled
	case "subscription_payment_succeeded":
		e.Kind = KindTransactionCompleted
	default:
		e.Kind = KindIgnored
		return e, nil
	}

	if p.Passthrough != "" {
		var pt struct {
			UserID int64 `json:"user_id"`
		}
		if err := json.Unmarshal([]byte(p.Passthrough), &pt); err != nil {
			return Event{}, fmt.Errorf("decode passthrough: %w", err)
		}
		e.UserID = pt.UserID
	}

	if p.NextBillDate != "" {
		// Classic dates are day-granular
		t, err := time.Parse("2006-01-02", p.NextBillDate)
		if err != nil {
			return Event{}, fmt.Errorf("parse next_bill_date: %w", err)
		}
		e.PeriodEnd = &t
	}

	return e, nil
}

// v2Payload is the nested second-generation shape.
type v2Payload struct {
	EventID string `json:"event_id"`
	Data    struct {
		ID             string `json:"id"`
		SubscriptionID string `json:"subscription_id"`
		Status         string `json:"status"`
		CustomerID     string `json:"customer_id"`
		CustomData     struct {
			UserID json.Number `json:"user_id"`
		} `json:"custom_data"`
		Items []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"items"`
		CurrentBillingPeriod struct {
			EndsAt string `json:"ends_at"`
		} `json:"current_billing_period"`
	} `json:"data"`
}

func parseV2(body []byte, eventType string) (Event, error) {
	var p v2Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("decode v2 payload: %w", err)
	}
	if p.EventID == "" {
		return Event{}, fmt.Errorf("v2 payload missing event_id")
	}

	e := Event{
		ID:         p.EventID,
		Dialect:    DialectV2,
		CustomerID: p.Data.CustomerID,
		Status:     p.Data.Status,
	}

	switch eventType {
	case "subscription.created":
		e.Kind = KindSubscriptionCreated
		e.SubscriptionID = p.Data.ID
	case "subscription.updated":
		e.Kind = KindSubscriptionUpdated
		e.SubscriptionID = p.Data.ID
	case "subscription.canceled":
		e.Kind = KindSubscriptionCancelled
		e.SubscriptionID = p.Data.ID
	case "transaction.completed":
		e.Kind = KindTransactionCompleted
		e.SubscriptionID = p.Data.SubscriptionID
	default:
		e.Kind = KindIgnored
		return e, nil
	}

	if len(p.Data.Items) > 0 {
		e.PriceID = p.Data.Items[0].Price.ID
	}

	if raw := p.Data.CustomData.UserID.String(); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("parse custom_data.user_id: %w", err)
		}
		e.UserID = id
	}

	if p.Data.CurrentBillingPeriod.EndsAt != "" {
		t, err := time.Parse(time.RFC3339, p.Data.CurrentBillingPeriod.EndsAt)
		if err != nil {
			return Event{}, fmt.Errorf("parse billing period end: %w", err)
		}
		e.PeriodEnd = &t
	}

	return e, nil
}
