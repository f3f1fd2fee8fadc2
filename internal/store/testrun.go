package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/flightcheckhq/flightcheck/internal/model"
)

type TestRunStore struct {
	db *sql.DB
}

func NewTestRunStore(db *sql.DB) *TestRunStore {
	return &TestRunStore{db: db}
}

func scanTestRun(scanner interface{ Scan(...any) error }) (*model.TestRun, error) {
	var tr model.TestRun
	var sourceURL, artifactKey, reportURL, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := scanner.Scan(
		&tr.ID, &tr.UserID, &tr.Name, &tr.Kind, &sourceURL, &artifactKey,
		&tr.RequestedMinutes, &tr.PlanAtSubmission, &tr.Status, &tr.Progress,
		&tr.BugCount, &reportURL, &errMsg, &tr.Version, &tr.SubmittedAt,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if sourceURL.Valid {
		tr.SourceURL = &sourceURL.String
	}
	if artifactKey.Valid {
		tr.ArtifactKey = &artifactKey.String
	}
	if reportURL.Valid {
		tr.ReportURL = &reportURL.String
	}
	if errMsg.Valid {
		tr.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		tr.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		tr.CompletedAt = &completedAt.Time
	}
	return &tr, nil
}

const testRunCols = `id, user_id, name, test_type, source_url, artifact_key, requested_minutes, plan_at_submission, status, progress, bug_count, report_url, error_message, version, submitted_at, started_at, completed_at`

// Create inserts a run using the identifier and initial status returned by
// the runner backend.
func (s *TestRunStore) Create(tr *model.TestRun) (*model.TestRun, error) {
	var sourceURL, artifactKey sql.NullString
	if tr.SourceURL != nil {
		sourceURL = sql.NullString{String: *tr.SourceURL, Valid: true}
	}
	if tr.ArtifactKey != nil {
		artifactKey = sql.NullString{String: *tr.ArtifactKey, Valid: true}
	}
	status := tr.Status
	if status == "" {
		status = model.StatusQueued
	}
	_, err := s.db.Exec(
		`INSERT INTO test_runs (id, user_id, name, test_type, source_url, artifact_key, requested_minutes, plan_at_submission, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.UserID, tr.Name, tr.Kind, sourceURL, artifactKey,
		tr.RequestedMinutes, tr.PlanAtSubmission, status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert test run: %w", err)
	}
	return s.GetByID(tr.ID)
}

func (s *TestRunStore) GetByID(id string) (*model.TestRun, error) {
	row := s.db.QueryRow(`SELECT `+testRunCols+` FROM test_runs WHERE id = ?`, id)
	tr, err := scanTestRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get test run: %w", err)
	}
	return tr, nil
}

// ListByUser returns the user's runs, newest first.
func (s *TestRunStore) ListByUser(userID int64) ([]model.TestRun, error) {
	rows, err := s.db.Query(
		`SELECT `+testRunCols+` FROM test_runs WHERE user_id = ? ORDER BY submitted_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list test runs: %w", err)
	}
	defer rows.Close()

	var runs []model.TestRun
	for rows.Next() {
		tr, err := scanTestRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test run: %w", err)
		}
		runs = append(runs, *tr)
	}
	return runs, rows.Err()
}

// CountActiveByUser counts runs in a non-terminal state, for the
// concurrent-slot guard.
func (s *TestRunStore) CountActiveByUser(userID int64) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM test_runs WHERE user_id = ? AND status IN (?, ?, ?)`,
		userID, model.StatusQueued, model.StatusRunning, model.StatusProcessingResults,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active test runs: %w", err)
	}
	return count, nil
}

// ApplyUpdate writes the non-nil fields of upd and bumps the version.
// Columns absent from upd keep their prior value.
func (s *TestRunStore) ApplyUpdate(id string, upd model.TestRunUpdate) (*model.TestRun, error) {
	if upd.Empty() {
		return s.GetByID(id)
	}

	sets := []string{"version = version + 1"}
	var args []any
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *upd.Progress)
	}
	if upd.BugCount != nil {
		sets = append(sets, "bug_count = ?")
		args = append(args, *upd.BugCount)
	}
	if upd.ReportURL != nil {
		sets = append(sets, "report_url = ?")
		args = append(args, *upd.ReportURL)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *upd.CompletedAt)
	}
	args = append(args, id)

	_, err := s.db.Exec(
		`UPDATE test_runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("apply test run update: %w", err)
	}
	return s.GetByID(id)
}

// BackfillReportURL sets the report reference on a terminal run without
// touching any lifecycle column.
func (s *TestRunStore) BackfillReportURL(id, reportURL string) error {
	_, err := s.db.Exec(
		`UPDATE test_runs SET report_url = ?, version = version + 1 WHERE id = ?`,
		reportURL, id,
	)
	if err != nil {
		return fmt.Errorf("backfill report url: %w", err)
	}
	return nil
}
