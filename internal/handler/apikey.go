package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/flightcheckhq/flightcheck/internal/auth"
	"github.com/flightcheckhq/flightcheck/internal/model"
	"github.com/flightcheckhq/flightcheck/internal/plan"
	"github.com/flightcheckhq/flightcheck/internal/store"
)

type APIKeyHandler struct {
	apiKeyStore  *store.APIKeyStore
	profileStore *store.ProfileStore
	logger       *slog.Logger
}

func NewAPIKeyHandler(ks *store.APIKeyStore, ps *store.ProfileStore, logger *slog.Logger) *APIKeyHandler {
	return &APIKeyHandler{
		apiKeyStore:  ks,
		profileStore: ps,
		logger:       logger.With("component", "apikey"),
	}
}

type createKeyRequest struct {
	Name string `json:"name"`
}

// Create issues a new key. The secret appears in this response only; the
// store keeps just its hash.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	prof, err := h.profileStore.GetByUserID(ac.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if prof == nil || !plan.APIKeysAllowed(plan.Tier(prof.PlanType)) {
		writeError(w, http.StatusForbidden, "API keys require the enterprise plan")
		return
	}

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	key, secret, err := h.apiKeyStore.Create(ac.UserID, req.Name)
	if err != nil {
		h.logger.Error("create api key", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"key":    key,
		"secret": secret,
	})
}

func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	keys, err := h.apiKeyStore.ListByUser(ac.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list API keys")
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (h *APIKeyHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	key := h.ownedKey(w, r)
	if key == nil {
		return
	}
	if err := h.apiKeyStore.Deactivate(key.ID); err != nil {
		h.logger.Error("deactivate api key", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key := h.ownedKey(w, r)
	if key == nil {
		return
	}
	if err := h.apiKeyStore.Delete(key.ID); err != nil {
		h.logger.Error("delete api key", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIKeyHandler) ownedKey(w http.ResponseWriter, r *http.Request) *model.APIKey {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}

	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return nil
	}

	key, err := h.apiKeyStore.GetByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if key == nil || key.UserID != ac.UserID {
		writeError(w, http.StatusNotFound, "API key not found")
		return nil
	}
	return key
}
