package store

import (
	"testing"

	"github.com/flightcheckhq/flightcheck/internal/database"
	"github.com/flightcheckhq/flightcheck/internal/model"
)

func TestFindingCreateAndList(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	us := NewUserStore(db)
	u, _ := us.Create("alice@example.com", "Alice", "hash")

	ts := NewTestRunStore(db)
	ts.Create(&model.TestRun{
		ID: "run-1", UserID: u.ID, Name: "t", Kind: model.KindWebURL,
		RequestedMinutes: 5, PlanAtSubmission: "free", Status: model.StatusQueued,
	})

	fs := NewFindingStore(db)
	if _, err := fs.Create("run-1", "Broken checkout button", "high", "Tapping pay does nothing"); err != nil {
		t.Fatalf("create finding: %v", err)
	}
	if _, err := fs.Create("run-1", "Slow page load", "", ""); err != nil {
		t.Fatalf("create finding: %v", err)
	}

	findings, err := fs.ListByTestRun("run-1")
	if err != nil {
		t.Fatalf("list findings: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("len = %d, want 2", len(findings))
	}
	if findings[1].Severity != "medium" {
		t.Errorf("default severity = %q, want medium", findings[1].Severity)
	}
}
