package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/flightcheckhq/flightcheck/internal/auth"
	"github.com/flightcheckhq/flightcheck/internal/profile"
)

func newAuthHandler(e *testEnv) *AuthHandler {
	pb := profile.New(e.profileStore, profile.Config{
		MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond,
	}, e.logger)
	return NewAuthHandler(e.userStore, e.sessionStore, e.resetStore, pb, nil, e.logger)
}

func postJSON(h http.HandlerFunc, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestRegisterCreatesUserProfileAndSession(t *testing.T) {
	e := newTestEnv(t)
	h := newAuthHandler(e)

	rec := postJSON(h.Register, "/register",
		`{"email":"alice@example.com","name":"Alice","password":"hunter2hunter2"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ProfileState string `json:"profile_state"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ProfileState != "ready" {
		t.Errorf("profile_state = %q, want ready", resp.ProfileState)
	}

	user, _ := e.userStore.GetByEmail("alice@example.com")
	if user == nil {
		t.Fatal("user not created")
	}
	prof, _ := e.profileStore.GetByUserID(user.ID)
	if prof == nil {
		t.Fatal("profile not created on registration")
	}
	if prof.PlanType != "free" {
		t.Errorf("plan = %q, want free", prof.PlanType)
	}

	var found bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "flightcheck_session" && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Error("session cookie not set")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	e := newTestEnv(t)
	h := newAuthHandler(e)

	body := `{"email":"alice@example.com","name":"Alice","password":"hunter2hunter2"}`
	postJSON(h.Register, "/register", body)
	rec := postJSON(h.Register, "/register", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	e := newTestEnv(t)
	h := newAuthHandler(e)

	rec := postJSON(h.Register, "/register",
		`{"email":"alice@example.com","password":"short"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)
	h := newAuthHandler(e)

	hash, _ := bcrypt.GenerateFromPassword([]byte("hunter2hunter2"), bcrypt.MinCost)
	e.userStore.Create("alice@example.com", "Alice", string(hash))

	rec := postJSON(h.Login, "/login",
		`{"email":"alice@example.com","password":"hunter2hunter2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// First login bootstraps the profile
	user, _ := e.userStore.GetByEmail("alice@example.com")
	prof, _ := e.profileStore.GetByUserID(user.ID)
	if prof == nil {
		t.Fatal("profile not created on first login")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	e := newTestEnv(t)
	h := newAuthHandler(e)

	hash, _ := bcrypt.GenerateFromPassword([]byte("hunter2hunter2"), bcrypt.MinCost)
	e.userStore.Create("alice@example.com", "Alice", string(hash))

	for _, body := range []string{
		`{"email":"alice@example.com","password":"wrong"}`,
		`{"email":"nobody@example.com","password":"hunter2hunter2"}`,
	} {
		rec := postJSON(h.Login, "/login", body)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "invalid email or password") {
			t.Errorf("body = %s, want uniform error", rec.Body.String())
		}
	}
}

func TestPasswordResetFlow(t *testing.T) {
	e := newTestEnv(t)
	h := newAuthHandler(e)

	hash, _ := bcrypt.GenerateFromPassword([]byte("oldpassword1"), bcrypt.MinCost)
	user, _ := e.userStore.Create("alice@example.com", "Alice", string(hash))
	sess, _ := e.sessionStore.Create(user.ID)

	pr, err := e.resetStore.Create(user.ID)
	if err != nil {
		t.Fatalf("create reset: %v", err)
	}

	rec := postJSON(h.ConfirmPasswordReset, "/reset/confirm",
		`{"token":"`+pr.Token+`","new_password":"newpassword1"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// New password works, sessions are revoked, token is spent
	updated, _ := e.userStore.GetByID(user.ID)
	if bcrypt.CompareHashAndPassword([]byte(updated.PasswordHash), []byte("newpassword1")) != nil {
		t.Error("new password not set")
	}
	if s, _ := e.sessionStore.GetByToken(sess.Token); s != nil {
		t.Error("old session still valid after reset")
	}

	rec = postJSON(h.ConfirmPasswordReset, "/reset/confirm",
		`{"token":"`+pr.Token+`","new_password":"anotherpass1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reused token status = %d, want 400", rec.Code)
	}
}

func TestRequestPasswordResetAlwaysAccepted(t *testing.T) {
	e := newTestEnv(t)
	h := newAuthHandler(e)

	rec := postJSON(h.RequestPasswordReset, "/reset/request",
		`{"email":"nobody@example.com"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 for unknown email", rec.Code)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	e := newTestEnv(t)
	h := newAuthHandler(e)

	user, _ := e.seedUser(t, "alice@example.com")
	sess, _ := e.sessionStore.Create(user.ID)

	req := httptest.NewRequest("POST", "/logout", nil)
	ac := auth.AuthContext{UserID: user.ID, SessionID: sess.ID, Method: auth.MethodSession}
	req = req.WithContext(auth.WithAuth(req.Context(), ac))

	rec := httptest.NewRecorder()
	h.Logout(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	if s, _ := e.sessionStore.GetByToken(sess.Token); s != nil {
		t.Error("session not deleted")
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "flightcheck_session" && c.MaxAge >= 0 {
			t.Error("session cookie not cleared")
		}
	}
}
