package store

import (
	"database/sql"
	"fmt"

	"github.com/flightcheckhq/flightcheck/internal/model"
)

type FindingStore struct {
	db *sql.DB
}

func NewFindingStore(db *sql.DB) *FindingStore {
	return &FindingStore{db: db}
}

func scanFinding(scanner interface{ Scan(...any) error }) (*model.Finding, error) {
	var f model.Finding
	err := scanner.Scan(&f.ID, &f.TestRunID, &f.Title, &f.Severity, &f.Description, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

const findingCols = `id, test_run_id, title, severity, description, created_at`

func (s *FindingStore) Create(testRunID, title, severity, description string) (*model.Finding, error) {
	if severity == "" {
		severity = "medium"
	}
	result, err := s.db.Exec(
		`INSERT INTO findings (test_run_id, title, severity, description) VALUES (?, ?, ?, ?)`,
		testRunID, title, severity, description,
	)
	if err != nil {
		return nil, fmt.Errorf("insert finding: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRow(`SELECT `+findingCols+` FROM findings WHERE id = ?`, id)
	return scanFinding(row)
}

func (s *FindingStore) ListByTestRun(testRunID string) ([]model.Finding, error) {
	rows, err := s.db.Query(
		`SELECT `+findingCols+` FROM findings WHERE test_run_id = ? ORDER BY id`,
		testRunID,
	)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var findings []model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		findings = append(findings, *f)
	}
	return findings, rows.Err()
}
