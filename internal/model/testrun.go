package model

import "time"

// Status is the lifecycle state of a test run.
type Status string

const (
	StatusQueued            Status = "queued"
	StatusRunning           Status = "running"
	StatusProcessingResults Status = "processing_results"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusProcessingResults,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits moving from s to next.
// Transitions only move forward; cancellation is allowed from any
// non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusProcessingResults || next == StatusCompleted || next == StatusFailed
	case StatusProcessingResults:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// TestKind is the kind of application under test.
type TestKind string

const (
	KindWebURL     TestKind = "web_url"
	KindWebBundle  TestKind = "web_bundle"
	KindAndroidAPK TestKind = "android_apk"
)

func (k TestKind) Valid() bool {
	switch k {
	case KindWebURL, KindWebBundle, KindAndroidAPK:
		return true
	}
	return false
}

// TestRun is one submitted test. The ID is assigned by the runner backend.
// Version increases by one on every applied update; stale push events are
// rejected by comparing against it.
type TestRun struct {
	ID               string     `json:"id"`
	UserID           int64      `json:"user_id"`
	Name             string     `json:"name"`
	Kind             TestKind   `json:"test_type"`
	SourceURL        *string    `json:"test_source_url,omitempty"`
	ArtifactKey      *string    `json:"artifact_key,omitempty"`
	RequestedMinutes int        `json:"requested_duration_minutes"`
	PlanAtSubmission string     `json:"plan_type_at_submission"`
	Status           Status     `json:"status"`
	Progress         int        `json:"progress"`
	BugCount         int        `json:"bug_count"`
	ReportURL        *string    `json:"report_download_url,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	Version          int64      `json:"version"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// TestRunUpdate is a partial update to a run. Nil fields leave the
// corresponding column untouched.
type TestRunUpdate struct {
	Status       *Status
	Progress     *int
	BugCount     *int
	ReportURL    *string
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Empty reports whether the update carries no fields.
func (u TestRunUpdate) Empty() bool {
	return u.Status == nil && u.Progress == nil && u.BugCount == nil &&
		u.ReportURL == nil && u.ErrorMessage == nil &&
		u.StartedAt == nil && u.CompletedAt == nil
}
