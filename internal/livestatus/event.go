// Package livestatus applies incremental push events to an in-memory view of
// a user's test runs, without refetching the full list.
package livestatus

import (
	"encoding/json"
	"fmt"

	"github.com/flightcheckhq/flightcheck/internal/model"
)

// Event types delivered over the push channel.
const (
	TypeProgress     = "test.progress"
	TypeStatusChange = "test.status_change"
	TypeCompleted    = "test.completed"
	TypeFailed       = "test.failed"
	TypeCancelled    = "test.cancelled"
)

// Event is one push-channel message. Only the fields relevant to its Type are
// set; absent fields leave the record untouched when applied.
type Event struct {
	Type      string  `json:"type"`
	TestID    string  `json:"test_id"`
	Status    *string `json:"status,omitempty"`
	Progress  *int    `json:"progress,omitempty"`
	BugsFound *int    `json:"bugs_found,omitempty"`
	ReportURL *string `json:"report_url,omitempty"`
	Error     *string `json:"error,omitempty"`

	// Version is the record version after the originating mutation. Events
	// carrying a version older than the local record are stale and dropped.
	// Zero means the sender supplied no version token.
	Version int64 `json:"version,omitempty"`
}

// Validate checks the event's discriminant and identifier.
func (e Event) Validate() error {
	if e.TestID == "" {
		return fmt.Errorf("event missing test_id")
	}
	switch e.Type {
	case TypeProgress, TypeStatusChange, TypeCompleted, TypeFailed, TypeCancelled:
		return nil
	}
	return fmt.Errorf("unknown event type %q", e.Type)
}

// Decode parses a push-channel message.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// apply copies r and writes the event's fields onto the copy. Terminal
// semantics and version checks are the collection's concern; apply only
// performs the field merge.
func apply(r model.TestRun, e Event) model.TestRun {
	switch e.Type {
	case TypeProgress:
		if e.Progress != nil {
			r.Progress = *e.Progress
		}
	case TypeStatusChange:
		if e.Status != nil {
			r.Status = model.Status(*e.Status)
		}
		if e.Progress != nil {
			r.Progress = *e.Progress
		}
	case TypeCompleted:
		r.Status = model.StatusCompleted
		r.Progress = 100
		if e.BugsFound != nil {
			r.BugCount = *e.BugsFound
		}
		if e.ReportURL != nil {
			r.ReportURL = e.ReportURL
		}
	case TypeFailed:
		r.Status = model.StatusFailed
		if e.Error != nil {
			r.ErrorMessage = e.Error
		}
	case TypeCancelled:
		r.Status = model.StatusCancelled
	}
	if e.Version > 0 {
		r.Version = e.Version
	} else {
		r.Version++
	}
	return r
}
