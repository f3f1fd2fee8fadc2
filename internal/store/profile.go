package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/flightcheckhq/flightcheck/internal/model"
)

type ProfileStore struct {
	db *sql.DB
}

func NewProfileStore(db *sql.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

func scanProfile(scanner interface{ Scan(...any) error }) (*model.Profile, error) {
	var p model.Profile
	var subID, custID sql.NullString
	var periodEnd sql.NullTime
	err := scanner.Scan(
		&p.ID, &p.UserID, &p.Email, &p.DisplayName, &p.PlanType,
		&p.SubscriptionStatus, &p.MinutesUsedMonth, &p.ConcurrentSlots,
		&subID, &custID, &periodEnd, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if subID.Valid {
		p.SubscriptionID = &subID.String
	}
	if custID.Valid {
		p.CustomerID = &custID.String
	}
	if periodEnd.Valid {
		p.BillingPeriodEnd = &periodEnd.Time
	}
	p.Persisted = true
	return &p, nil
}

const profileCols = `id, user_id, email, display_name, plan_type, subscription_status, minutes_used_month, concurrent_test_slots, subscription_id, customer_id, billing_period_end, created_at, updated_at`

// Create inserts a free-tier profile with default allowances. Returns
// ErrConflict if a profile already exists for the user.
func (s *ProfileStore) Create(userID int64, email, displayName string) (*model.Profile, error) {
	result, err := s.db.Exec(
		`INSERT INTO profiles (user_id, email, display_name) VALUES (?, ?, ?)`,
		userID, email, displayName,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *ProfileStore) GetByID(id int64) (*model.Profile, error) {
	row := s.db.QueryRow(`SELECT `+profileCols+` FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *ProfileStore) GetByUserID(userID int64) (*model.Profile, error) {
	row := s.db.QueryRow(`SELECT `+profileCols+` FROM profiles WHERE user_id = ?`, userID)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile by user id: %w", err)
	}
	return p, nil
}

// GetBySubscriptionID looks up a profile by the payment provider's
// subscription identifier.
func (s *ProfileStore) GetBySubscriptionID(subscriptionID string) (*model.Profile, error) {
	row := s.db.QueryRow(`SELECT `+profileCols+` FROM profiles WHERE subscription_id = ?`, subscriptionID)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile by subscription id: %w", err)
	}
	return p, nil
}

func (s *ProfileStore) UpdateDisplayName(id int64, displayName string) error {
	_, err := s.db.Exec(
		`UPDATE profiles SET display_name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		displayName, id,
	)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	return nil
}

// UpdateSubscription applies a plan change coming from the payment provider.
func (s *ProfileStore) UpdateSubscription(id int64, planType, status string, slots int, subscriptionID, customerID *string, periodEnd *time.Time) error {
	var subID, custID sql.NullString
	if subscriptionID != nil {
		subID = sql.NullString{String: *subscriptionID, Valid: true}
	}
	if customerID != nil {
		custID = sql.NullString{String: *customerID, Valid: true}
	}
	var end sql.NullTime
	if periodEnd != nil {
		end = sql.NullTime{Time: *periodEnd, Valid: true}
	}
	_, err := s.db.Exec(
		`UPDATE profiles SET plan_type = ?, subscription_status = ?, concurrent_test_slots = ?,
			subscription_id = COALESCE(?, subscription_id),
			customer_id = COALESCE(?, customer_id),
			billing_period_end = COALESCE(?, billing_period_end),
			updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		planType, status, slots, subID, custID, end, id,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

// AddMinutesUsed increments the monthly usage counter.
func (s *ProfileStore) AddMinutesUsed(id int64, minutes int) error {
	_, err := s.db.Exec(
		`UPDATE profiles SET minutes_used_month = minutes_used_month + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		minutes, id,
	)
	if err != nil {
		return fmt.Errorf("add minutes used: %w", err)
	}
	return nil
}

// ResetMonthlyUsage zeroes the usage counter, called at billing period roll-over.
func (s *ProfileStore) ResetMonthlyUsage(id int64) error {
	_, err := s.db.Exec(
		`UPDATE profiles SET minutes_used_month = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("reset monthly usage: %w", err)
	}
	return nil
}
