package handler

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/flightcheckhq/flightcheck/internal/auth"
	"github.com/flightcheckhq/flightcheck/internal/database"
	"github.com/flightcheckhq/flightcheck/internal/model"
	"github.com/flightcheckhq/flightcheck/internal/store"
)

// testEnv bundles the stores every handler test needs against one in-memory
// database.
type testEnv struct {
	db           *sql.DB
	userStore    *store.UserStore
	sessionStore *store.SessionStore
	resetStore   *store.PasswordResetStore
	profileStore *store.ProfileStore
	testRunStore *store.TestRunStore
	findingStore *store.FindingStore
	apiKeyStore  *store.APIKeyStore
	eventStore   *store.WebhookEventStore
	logger       *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &testEnv{
		db:           db,
		userStore:    store.NewUserStore(db),
		sessionStore: store.NewSessionStore(db),
		resetStore:   store.NewPasswordResetStore(db),
		profileStore: store.NewProfileStore(db),
		testRunStore: store.NewTestRunStore(db),
		findingStore: store.NewFindingStore(db),
		apiKeyStore:  store.NewAPIKeyStore(db),
		eventStore:   store.NewWebhookEventStore(db),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// seedUser creates a user with a persisted profile and returns both.
func (e *testEnv) seedUser(t *testing.T, email string) (*model.User, *model.Profile) {
	t.Helper()
	user, err := e.userStore.Create(email, "Test User", "x")
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	prof, err := e.profileStore.Create(user.ID, email, "Test User")
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	return user, prof
}

func (e *testEnv) seedRun(t *testing.T, id string, userID int64, status model.Status) *model.TestRun {
	t.Helper()
	run, err := e.testRunStore.Create(&model.TestRun{
		ID:               id,
		UserID:           userID,
		Name:             "checkout flow",
		Kind:             model.KindWebURL,
		RequestedMinutes: 15,
		PlanAtSubmission: "free",
		Status:           status,
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run
}

// withAuth attaches a session auth context to the request.
func withAuth(r *http.Request, userID int64) *http.Request {
	ac := auth.AuthContext{UserID: userID, SessionID: 1, Method: auth.MethodSession}
	return r.WithContext(auth.WithAuth(context.Background(), ac))
}
