package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/flightcheckhq/flightcheck/internal/artifact"
	"github.com/flightcheckhq/flightcheck/internal/auth"
	"github.com/flightcheckhq/flightcheck/internal/livestatus"
	"github.com/flightcheckhq/flightcheck/internal/model"
	"github.com/flightcheckhq/flightcheck/internal/plan"
	"github.com/flightcheckhq/flightcheck/internal/profile"
	"github.com/flightcheckhq/flightcheck/internal/report"
	"github.com/flightcheckhq/flightcheck/internal/runner"
	"github.com/flightcheckhq/flightcheck/internal/store"
	"github.com/flightcheckhq/flightcheck/internal/websocket"
)

const maxUploadSize = 200 << 20 // bundles and APKs

type TestRunHandler struct {
	testRunStore *store.TestRunStore
	findingStore *store.FindingStore
	profileStore *store.ProfileStore
	userStore    *store.UserStore
	bootstrap    *profile.Bootstrap
	runnerClient *runner.Client
	artifacts    *artifact.Store
	signer       *report.Signer
	cache        *livestatus.Cache
	hub          *websocket.Hub
	logger       *slog.Logger
}

func NewTestRunHandler(
	ts *store.TestRunStore,
	fs *store.FindingStore,
	ps *store.ProfileStore,
	us *store.UserStore,
	pb *profile.Bootstrap,
	rc *runner.Client,
	as *artifact.Store,
	signer *report.Signer,
	cache *livestatus.Cache,
	hub *websocket.Hub,
	logger *slog.Logger,
) *TestRunHandler {
	return &TestRunHandler{
		testRunStore: ts,
		findingStore: fs,
		profileStore: ps,
		userStore:    us,
		bootstrap:    pb,
		runnerClient: rc,
		artifacts:    as,
		signer:       signer,
		cache:        cache,
		hub:          hub,
		logger:       logger.With("component", "testrun"),
	}
}

// Submit accepts a multipart form, enforces plan limits, forwards the test
// to the runner backend, and records the run under the runner-assigned id.
func (h *TestRunHandler) Submit(w http.ResponseWriter, r *http.Request) {
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
		writeError(w, http.StatusServiceUnavailable, "profile setup incomplete, please retry")
		return
	}
	prof := res.Profile
	tier := plan.Tier(prof.PlanType)

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	name := strings.TrimSpace(r.FormValue("test_name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "test_name is required")
		return
	}
	kind := model.TestKind(r.FormValue("test_type"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown test_type")
		return
	}

	minutes, err := strconv.Atoi(r.FormValue("requested_duration_minutes"))
	if err != nil || minutes < 1 {
		writeError(w, http.StatusBadRequest, "requested_duration_minutes must be a positive integer")
		return
	}
	if prof.MinutesUsedMonth+minutes > plan.MonthlyMinutes(tier) {
		writeError(w, http.StatusConflict, "monthly testing quota exceeded")
		return
	}

	active, err := h.testRunStore.CountActiveByUser(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if active >= plan.Slots(tier) {
		writeError(w, http.StatusConflict, "concurrent test limit reached")
		return
	}

	sub := runner.SubmitRequest{
		Name:             name,
		Kind:             kind,
		RequestedMinutes: minutes,
		PlanType:         string(tier),
	}

	switch kind {
	case model.KindWebURL:
		sub.SourceURL = strings.TrimSpace(r.FormValue("test_source_url"))
		if sub.SourceURL == "" {
			writeError(w, http.StatusBadRequest, "test_source_url is required for web_url tests")
			return
		}
	case model.KindWebBundle, model.KindAndroidAPK:
		file, header, err := r.FormFile("uploaded_file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "uploaded_file is required for this test_type")
			return
		}
		defer file.Close()

		ext := strings.ToLower(path.Ext(header.Filename))
		if (kind == model.KindWebBundle && ext != ".zip") ||
			(kind == model.KindAndroidAPK && ext != ".apk") {
			writeError(w, http.StatusBadRequest, "invalid file type")
			return
		}

		if h.artifacts != nil {
			key, err := h.artifacts.Upload(r.Context(), header.Filename, file)
			if err != nil {
				h.logger.Error("artifact upload", "error", err)
				writeError(w, http.StatusInternalServerError, "failed to store uploaded file")
				return
			}
			sub.ArtifactKey = key
			// The reader was consumed by the upload
			if _, err := file.Seek(0, 0); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to rewind uploaded file")
				return
			}
		}
		sub.UploadedFile = file
		sub.UploadedFileName = header.Filename
	}

	resp, err := h.runnerClient.Submit(r.Context(), sub)
	if err != nil {
		if sub.ArtifactKey != "" {
			// The stored copy is orphaned without a run record
			if derr := h.artifacts.Delete(r.Context(), sub.ArtifactKey); derr != nil {
				h.logger.Error("delete orphaned artifact", "key", sub.ArtifactKey, "error", derr)
			}
		}
		var apiErr *runner.APIError
		if errors.As(err, &apiErr) {
			writeError(w, runnerErrorStatus(apiErr), apiErr.Error())
			return
		}
		h.logger.Error("runner submit", "error", err)
		writeError(w, http.StatusBadGateway, "test runner unavailable")
		return
	}

	run := &model.TestRun{
		ID:               resp.TestID,
		UserID:           user.ID,
		Name:             name,
		Kind:             kind,
		RequestedMinutes: minutes,
		PlanAtSubmission: string(tier),
		Status:           resp.Status,
	}
	if sub.SourceURL != "" {
		run.SourceURL = &sub.SourceURL
	}
	if sub.ArtifactKey != "" {
		run.ArtifactKey = &sub.ArtifactKey
	}

	created, err := h.testRunStore.Create(run)
	if err != nil {
		h.logger.Error("create test run", "id", resp.TestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Force a fresh prime on the next list fetch
	h.cache.Drop(user.ID)

	writeJSON(w, http.StatusCreated, map[string]any{
		"testId": created.ID,
		"status": created.Status,
	})
}

// runnerErrorStatus maps the backend's error vocabulary onto HTTP statuses.
func runnerErrorStatus(e *runner.APIError) int {
	switch e.Code {
	case "quota_exceeded", "concurrent_limit_reached":
		return http.StatusConflict
	case "invalid_file_type":
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// List returns the caller's runs newest-first. A primed live-status view,
// advanced by push events since the last fetch, is served as-is; otherwise
// the list is fetched fresh and primes the view.
func (h *TestRunHandler) List(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if runs := h.cache.Snapshot(ac.UserID); runs != nil {
		writeJSON(w, http.StatusOK, runs)
		return
	}

	runs, err := h.testRunStore.ListByUser(ac.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tests")
		return
	}
	if runs == nil {
		runs = []model.TestRun{}
	}
	h.cache.Prime(ac.UserID, runs)
	writeJSON(w, http.StatusOK, runs)
}

type testRunDetail struct {
	model.TestRun
	Findings []model.Finding `json:"findings"`
}

func (h *TestRunHandler) Get(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	run, err := h.ownedRun(w, r, ac.UserID)
	if run == nil || err != nil {
		return
	}

	findings, err := h.findingStore.ListByTestRun(run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load findings")
		return
	}
	if findings == nil {
		findings = []model.Finding{}
	}

	writeJSON(w, http.StatusOK, testRunDetail{TestRun: *run, Findings: findings})
}

// Cancel asks the runner to stop the test, then marks the run cancelled.
func (h *TestRunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	run, err := h.ownedRun(w, r, ac.UserID)
	if run == nil || err != nil {
		return
	}
	if run.Status.Terminal() {
		writeError(w, http.StatusConflict, "test already finished")
		return
	}

	if err := h.runnerClient.Cancel(r.Context(), run.ID); err != nil {
		h.logger.Error("runner cancel", "id", run.ID, "error", err)
		writeError(w, http.StatusBadGateway, "test runner unavailable")
		return
	}

	now := time.Now().UTC()
	cancelled := model.StatusCancelled
	updated, err := h.testRunStore.ApplyUpdate(run.ID, model.TestRunUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := string(model.StatusCancelled)
	ev := livestatus.Event{
		Type:    livestatus.TypeCancelled,
		TestID:  run.ID,
		Status:  &status,
		Version: updated.Version,
	}
	h.cache.Apply(ac.UserID, ev)
	h.hub.Send(ac.UserID, ev)

	writeJSON(w, http.StatusOK, updated)
}

// ReportLink issues a short-lived signed URL for the run's report.
func (h *TestRunHandler) ReportLink(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	run, err := h.ownedRun(w, r, ac.UserID)
	if run == nil || err != nil {
		return
	}
	if run.ReportURL == nil {
		writeError(w, http.StatusNotFound, "report not ready")
		return
	}

	token, err := h.signer.Sign(run.ID)
	if err != nil {
		h.logger.Error("sign report token", "id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url": "/tests/" + run.ID + "/report?token=" + token,
	})
}

// DownloadReport redirects to the stored report URL. The route is public;
// access control is the signed token.
func (h *TestRunHandler) DownloadReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token := r.URL.Query().Get("token")

	runID, err := h.signer.Verify(token)
	if err != nil || runID != id {
		writeError(w, http.StatusForbidden, "invalid or expired link")
		return
	}

	run, err := h.testRunStore.GetByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if run == nil || run.ReportURL == nil {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}

	http.Redirect(w, r, *run.ReportURL, http.StatusFound)
}

// DownloadArtifact streams the originally uploaded bundle or APK back to its
// owner. Artifacts are removed when the run finishes, so this serves active
// runs only.
func (h *TestRunHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	run, err := h.ownedRun(w, r, ac.UserID)
	if run == nil || err != nil {
		return
	}
	if h.artifacts == nil || run.ArtifactKey == nil {
		writeError(w, http.StatusNotFound, "artifact not available")
		return
	}

	rc, err := h.artifacts.Open(r.Context(), *run.ArtifactKey)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not available")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(*run.ArtifactKey)+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Error("stream artifact", "id", run.ID, "error", err)
	}
}

// ownedRun loads the path's run and enforces ownership. It writes the error
// response itself; callers bail out on a nil run.
func (h *TestRunHandler) ownedRun(w http.ResponseWriter, r *http.Request, userID int64) (*model.TestRun, error) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid id")
		return nil, nil
	}
	run, err := h.testRunStore.GetByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, err
	}
	if run == nil || run.UserID != userID {
		// Same response for missing and foreign runs
		writeError(w, http.StatusNotFound, "test not found")
		return nil, nil
	}
	return run, nil
}
