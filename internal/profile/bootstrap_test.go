package profile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flightcheckhq/flightcheck/internal/database"
	"github.com/flightcheckhq/flightcheck/internal/model"
	"github.com/flightcheckhq/flightcheck/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig keeps retry delays out of test runtime.
func fastConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

type flakyStore struct {
	failGets    int
	failCreates int
	inner       Store
	getCalls    int
	createCalls int
}

func (f *flakyStore) GetByUserID(userID int64) (*model.Profile, error) {
	f.getCalls++
	if f.failGets > 0 {
		f.failGets--
		return nil, errors.New("connection reset")
	}
	return f.inner.GetByUserID(userID)
}

func (f *flakyStore) Create(userID int64, email, displayName string) (*model.Profile, error) {
	f.createCalls++
	if f.failCreates > 0 {
		f.failCreates--
		return nil, errors.New("connection reset")
	}
	return f.inner.Create(userID, email, displayName)
}

func setupStores(t *testing.T) (*store.ProfileStore, int64) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	us := store.NewUserStore(db)
	u, err := us.Create("alice@example.com", "Alice", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return store.NewProfileStore(db), u.ID
}

func TestBootstrapCreatesOnFirstSignIn(t *testing.T) {
	ps, userID := setupStores(t)
	b := New(ps, fastConfig(), discardLogger())

	res, err := b.Run(context.Background(), userID, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateReady {
		t.Errorf("state = %q, want ready", res.State)
	}
	if res.Profile == nil || !res.Profile.Persisted {
		t.Fatal("expected persisted profile")
	}
	if res.Profile.PlanType != "free" {
		t.Errorf("plan_type = %q, want free", res.Profile.PlanType)
	}

	// Second run fetches the same row rather than creating another
	again, err := b.Run(context.Background(), userID, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.Profile.ID != res.Profile.ID {
		t.Errorf("profile id = %d, want %d", again.Profile.ID, res.Profile.ID)
	}
}

func TestBootstrapRecoversAfterTransientFailures(t *testing.T) {
	ps, userID := setupStores(t)
	fs := &flakyStore{failGets: 2, inner: ps}
	b := New(fs, fastConfig(), discardLogger())

	var states []State
	b.OnState = func(s State) { states = append(states, s) }

	res, err := b.Run(context.Background(), userID, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateReady {
		t.Errorf("state = %q, want ready", res.State)
	}
	if fs.getCalls < 3 {
		t.Errorf("get calls = %d, want >= 3", fs.getCalls)
	}

	sawRetrying := false
	for _, s := range states {
		if s == StateRetrying {
			sawRetrying = true
		}
	}
	if !sawRetrying {
		t.Errorf("states %v missing retrying", states)
	}
}

func TestBootstrapFallsBackAfterExhaustion(t *testing.T) {
	ps, userID := setupStores(t)
	fs := &flakyStore{failGets: 10, inner: ps}
	b := New(fs, fastConfig(), discardLogger())

	res, err := b.Run(context.Background(), userID, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateDegraded {
		t.Errorf("state = %q, want degraded", res.State)
	}
	if res.Profile == nil {
		t.Fatal("expected fallback profile")
	}
	if res.Profile.Persisted {
		t.Error("fallback profile must not claim persistence")
	}
	if res.Profile.PlanType != "free" {
		t.Errorf("fallback plan_type = %q, want free", res.Profile.PlanType)
	}
	if res.Profile.ConcurrentSlots != 1 {
		t.Errorf("fallback slots = %d, want 1", res.Profile.ConcurrentSlots)
	}
	// 1 initial attempt + 3 retries
	if fs.getCalls != 4 {
		t.Errorf("get calls = %d, want 4", fs.getCalls)
	}
}

func TestBootstrapIncompleteWithoutEmail(t *testing.T) {
	ps, userID := setupStores(t)
	fs := &flakyStore{failGets: 10, inner: ps}
	b := New(fs, fastConfig(), discardLogger())

	res, err := b.Run(context.Background(), userID, "", "")
	if !errors.Is(err, ErrSetupIncomplete) {
		t.Fatalf("err = %v, want ErrSetupIncomplete", err)
	}
	if res.State != StateIncomplete {
		t.Errorf("state = %q, want incomplete", res.State)
	}
	if res.Profile != nil {
		t.Error("expected no profile in incomplete state")
	}
}

func TestBootstrapCreateRace(t *testing.T) {
	ps, userID := setupStores(t)

	// The store reports no row, then creation conflicts because another
	// session inserted first. Bootstrap must refetch instead of failing.
	raced := &raceStore{inner: ps, userID: userID}
	b := New(raced, fastConfig(), discardLogger())

	res, err := b.Run(context.Background(), userID, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateReady {
		t.Errorf("state = %q, want ready", res.State)
	}
	if res.Profile == nil || !res.Profile.Persisted {
		t.Fatal("expected the row created by the concurrent session")
	}
	if raced.createCalls != 1 {
		t.Errorf("create calls = %d, want 1", raced.createCalls)
	}
}

// raceStore simulates a concurrent tab winning the create.
type raceStore struct {
	inner       *store.ProfileStore
	userID      int64
	firstGet    bool
	createCalls int
}

func (r *raceStore) GetByUserID(userID int64) (*model.Profile, error) {
	if !r.firstGet {
		r.firstGet = true
		return nil, nil
	}
	return r.inner.GetByUserID(userID)
}

func (r *raceStore) Create(userID int64, email, displayName string) (*model.Profile, error) {
	r.createCalls++
	// The "other tab" inserts the row, then this create hits the constraint.
	if _, err := r.inner.Create(userID, email, displayName); err != nil {
		return nil, err
	}
	return nil, store.ErrConflict
}
