package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/flightcheckhq/flightcheck/internal/auth"
	"github.com/flightcheckhq/flightcheck/internal/email"
	"github.com/flightcheckhq/flightcheck/internal/middleware"
	"github.com/flightcheckhq/flightcheck/internal/profile"
	"github.com/flightcheckhq/flightcheck/internal/store"
)

const (
	sessionMaxAge     = 30 * 24 * 60 * 60 // matches the session store's TTL
	minPasswordLength = 8
)

type AuthHandler struct {
	userStore    *store.UserStore
	sessionStore *store.SessionStore
	resetStore   *store.PasswordResetStore
	bootstrap    *profile.Bootstrap
	emailClient  *email.Client
	logger       *slog.Logger
}

func NewAuthHandler(
	us *store.UserStore,
	ss *store.SessionStore,
	rs *store.PasswordResetStore,
	pb *profile.Bootstrap,
	ec *email.Client,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		userStore:    us,
		sessionStore: ss,
		resetStore:   rs,
		bootstrap:    pb,
		emailClient:  ec,
		logger:       logger.With("component", "auth"),
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := h.userStore.Create(req.Email, req.Name, string(hash))
	if err == store.ErrConflict {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	if err != nil {
		h.logger.Error("create user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	res, err := h.bootstrap.Run(r.Context(), user.ID, user.Email, user.Name)
	if err != nil {
		// Registration still succeeds; the profile is retried on next fetch
		h.logger.Warn("profile bootstrap on register", "user_id", user.ID, "error", err)
	}

	sess, err := h.sessionStore.Create(user.ID)
	if err != nil {
		h.logger.Error("create session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, middleware.SessionCookie(sess.Token, sessionMaxAge, r.TLS != nil))

	writeJSON(w, http.StatusCreated, map[string]any{
		"user":          user,
		"profile":       res.Profile,
		"profile_state": res.State,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	user, err := h.userStore.GetByEmail(req.Email)
	if err != nil {
		h.logger.Error("login lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// Same response whether the email or the password is wrong
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	res, err := h.bootstrap.Run(r.Context(), user.ID, user.Email, user.Name)
	if err != nil {
		h.logger.Warn("profile bootstrap on login", "user_id", user.ID, "error", err)
	}

	sess, err := h.sessionStore.Create(user.ID)
	if err != nil {
		h.logger.Error("create session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, middleware.SessionCookie(sess.Token, sessionMaxAge, r.TLS != nil))

	writeJSON(w, http.StatusOK, map[string]any{
		"user":          user,
		"profile":       res.Profile,
		"profile_state": res.State,
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if ac, ok := auth.FromContext(r.Context()); ok && ac.SessionID != 0 {
		if err := h.sessionStore.Delete(ac.SessionID); err != nil {
			h.logger.Error("delete session", "error", err)
		}
	}
	http.SetCookie(w, middleware.SessionCookie("", -1, r.TLS != nil))
	w.WriteHeader(http.StatusNoContent)
}

type updatePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *AuthHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req updatePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	user, err := h.userStore.GetByID(ac.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)) != nil {
		writeError(w, http.StatusForbidden, "current password is incorrect")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.userStore.UpdatePasswordHash(user.ID, string(hash)); err != nil {
		h.logger.Error("update password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Changing the password invalidates every session, then re-issues one
	// for the current client.
	if err := h.sessionStore.DeleteByUserID(user.ID); err != nil {
		h.logger.Error("delete sessions after password change", "error", err)
	}
	sess, err := h.sessionStore.Create(user.ID)
	if err != nil {
		h.logger.Error("create session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, middleware.SessionCookie(sess.Token, sessionMaxAge, r.TLS != nil))

	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	// Always accepted, to prevent user enumeration
	defer writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})

	user, err := h.userStore.GetByEmail(req.Email)
	if err != nil {
		h.logger.Error("reset lookup", "error", err)
		return
	}
	if user == nil {
		return
	}

	pr, err := h.resetStore.Create(user.ID)
	if err != nil {
		h.logger.Error("create password reset", "error", err)
		return
	}
	if h.emailClient != nil && h.emailClient.Configured() {
		if err := h.emailClient.SendPasswordReset(user.Email, pr.Token); err != nil {
			h.logger.Error("send password reset", "error", err)
		}
	}
}

type confirmResetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req confirmResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	pr, err := h.resetStore.GetByToken(req.Token)
	if err != nil {
		h.logger.Error("reset token lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if pr == nil {
		writeError(w, http.StatusBadRequest, "invalid or expired token")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.userStore.UpdatePasswordHash(pr.UserID, string(hash)); err != nil {
		h.logger.Error("update password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.resetStore.MarkUsed(pr.ID); err != nil {
		h.logger.Error("mark reset used", "error", err)
	}
	if err := h.sessionStore.DeleteByUserID(pr.UserID); err != nil {
		h.logger.Error("delete sessions after reset", "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}
