package model

import "time"

// Profile holds per-user plan and usage state. Exactly one row exists per
// user; the unique constraint on user_id is enforced by the database.
type Profile struct {
	ID                 int64      `json:"id"`
	UserID             int64      `json:"user_id"`
	Email              string     `json:"email"`
	DisplayName        string     `json:"display_name"`
	PlanType           string     `json:"plan_type"`
	SubscriptionStatus string     `json:"subscription_status"`
	MinutesUsedMonth   int        `json:"minutes_used_month"`
	ConcurrentSlots    int        `json:"concurrent_test_slots"`
	SubscriptionID     *string    `json:"subscription_id,omitempty"`
	CustomerID         *string    `json:"customer_id,omitempty"`
	BillingPeriodEnd   *time.Time `json:"billing_period_end,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	// Persisted is false for a synthesized fallback profile that was never
	// written to the database.
	Persisted bool `json:"persisted"`
}
