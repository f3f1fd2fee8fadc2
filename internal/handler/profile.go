package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/flightcheckhq/flightcheck/internal/auth"
	"github.com/flightcheckhq/flightcheck/internal/plan"
	"github.com/flightcheckhq/flightcheck/internal/profile"
	"github.com/flightcheckhq/flightcheck/internal/store"
)

type ProfileHandler struct {
	profileStore *store.ProfileStore
	userStore    *store.UserStore
	bootstrap    *profile.Bootstrap
	logger       *slog.Logger
}

func NewProfileHandler(ps *store.ProfileStore, us *store.UserStore, pb *profile.Bootstrap, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{
		profileStore: ps,
		userStore:    us,
		bootstrap:    pb,
		logger:       logger.With("component", "profile"),
	}
}

// Get returns the caller's profile, creating it on first access. The
// response carries the bootstrap state so clients can tell a degraded
// fallback from a persisted profile.
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	user, err := h.userStore.GetByID(ac.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	res, err := h.bootstrap.Run(r.Context(), user.ID, user.Email, user.Name)
	if err != nil {
		h.logger.Error("profile bootstrap", "user_id", user.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "profile setup incomplete, please retry")
		return
	}

	tier := plan.Tier(res.Profile.PlanType)
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":         res.Profile,
		"profile_state":   res.State,
		"monthly_minutes": plan.MonthlyMinutes(tier),
		"api_keys":        plan.APIKeysAllowed(tier),
	})
}

type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
}

func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "display_name is required")
		return
	}

	p, err := h.profileStore.GetByUserID(ac.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}

	if err := h.profileStore.UpdateDisplayName(p.ID, req.DisplayName); err != nil {
		h.logger.Error("update display name", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	p, err = h.profileStore.GetByUserID(ac.UserID)
	if err != nil || p == nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
