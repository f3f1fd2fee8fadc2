package model

import "time"

// Finding is a single bug reported by the runner for a test run.
type Finding struct {
	ID          int64     `json:"id"`
	TestRunID   string    `json:"test_run_id"`
	Title       string    `json:"title"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}
