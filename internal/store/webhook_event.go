package store

import (
	"database/sql"
	"fmt"
)

type WebhookEventStore struct {
	db *sql.DB
}

func NewWebhookEventStore(db *sql.DB) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

// Seen reports whether the external event has already been applied.
func (s *WebhookEventStore) Seen(eventID, kind string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM webhook_events WHERE event_id = ? AND kind = ?`,
		eventID, kind,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return true, nil
}

// Record marks an external event as applied. Returns ErrConflict if another
// delivery recorded it first.
func (s *WebhookEventStore) Record(eventID, kind string) error {
	_, err := s.db.Exec(
		`INSERT INTO webhook_events (event_id, kind) VALUES (?, ?)`,
		eventID, kind,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

// DeleteOlderThan prunes processed-event rows past the retention window.
func (s *WebhookEventStore) DeleteOlderThan(days int) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM webhook_events WHERE created_at < datetime('now', ?)`,
		fmt.Sprintf("-%d days", days),
	)
	if err != nil {
		return 0, fmt.Errorf("prune webhook events: %w", err)
	}
	return result.RowsAffected()
}
