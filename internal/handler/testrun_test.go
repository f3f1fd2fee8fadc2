package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/flightcheckhq/flightcheck/internal/artifact"
	"github.com/flightcheckhq/flightcheck/internal/livestatus"
	"github.com/flightcheckhq/flightcheck/internal/model"
	"github.com/flightcheckhq/flightcheck/internal/profile"
	"github.com/flightcheckhq/flightcheck/internal/report"
	"github.com/flightcheckhq/flightcheck/internal/runner"
	"github.com/flightcheckhq/flightcheck/internal/websocket"
)

// fakeRunner is a stand-in test backend that acknowledges every submission.
func fakeRunner(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/cancel") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"testId": "run-abc", "status": "queued"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRunHandler(t *testing.T, e *testEnv) (*TestRunHandler, *livestatus.Cache) {
	t.Helper()
	return newTestRunHandlerWith(t, e, fakeRunner(t).URL, nil)
}

func newTestRunHandlerWith(t *testing.T, e *testEnv, runnerURL string, as *artifact.Store) (*TestRunHandler, *livestatus.Cache) {
	t.Helper()
	rc := runner.NewClient(runner.Config{BaseURL: runnerURL, APIToken: "token"})
	pb := profile.New(e.profileStore, profile.Config{
		MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond,
	}, e.logger)
	cache := livestatus.NewCache()
	hub := websocket.NewHub(e.logger)
	signer := report.NewSigner("report-secret", time.Minute)

	h := NewTestRunHandler(
		e.testRunStore, e.findingStore, e.profileStore, e.userStore,
		pb, rc, as, signer, cache, hub, e.logger,
	)
	return h, cache
}

// fakeObjectClient is an in-memory stand-in for the S3 backend.
type fakeObjectClient struct {
	objects map[string][]byte
}

func newFakeObjectClient() *fakeObjectClient {
	return &fakeObjectClient{objects: make(map[string][]byte)}
}

func (f *fakeObjectClient) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjectClient) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeObjectClient) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func newFakeArtifacts() (*artifact.Store, *fakeObjectClient) {
	client := newFakeObjectClient()
	return artifact.NewStoreWithClient(artifact.Config{Bucket: "artifacts"}, client), client
}

// submitForm builds a multipart submission request for the given fields.
func submitForm(t *testing.T, userID int64, fields map[string]string, fileName string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("uploaded_file", fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write([]byte("not a real archive"))
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/tests", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return withAuth(req, userID)
}

func TestSubmitWebURL(t *testing.T) {
	e := newTestEnv(t)
	h, _ := newTestRunHandler(t, e)
	user, _ := e.seedUser(t, "alice@example.com")

	req := submitForm(t, user.ID, map[string]string{
		"test_name":                  "checkout flow",
		"test_type":                  "web_url",
		"requested_duration_minutes": "15",
		"test_source_url":            "https://shop.example.com",
	}, "")
	rec := httptest.NewRecorder()
	h.Submit(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		TestID string `json:"testId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TestID != "run-abc" || resp.Status != "queued" {
		t.Errorf("response = %+v", resp)
	}

	run, _ := e.testRunStore.GetByID("run-abc")
	if run == nil {
		t.Fatal("run not persisted")
	}
	if run.UserID != user.ID || run.PlanAtSubmission != "free" {
		t.Errorf("run = %+v", run)
	}
}

func TestSubmitRequiresSourceURLForWebTests(t *testing.T) {
	e := newTestEnv(t)
	h, _ := newTestRunHandler(t, e)
	user, _ := e.seedUser(t, "alice@example.com")

	req := submitForm(t, user.ID, map[string]string{
		"test_name":                  "checkout flow",
		"test_type":                  "web_url",
		"requested_duration_minutes": "15",
	}, "")
	rec := httptest.NewRecorder()
	h.Submit(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitRejectsWrongFileExtension(t *testing.T) {
	e := newTestEnv(t)
	h, _ := newTestRunHandler(t, e)
	user, _ := e.seedUser(t, "alice@example.com")

	cases := map[string]struct {
		kind string
		file string
	}{
		"bundle needs zip": {"web_bundle", "app.exe"},
		"apk needs apk":    {"android_apk", "app.zip"},
	}
	for name, tc := range cases {
		req := submitForm(t, user.ID, map[string]string{
			"test_name":                  "upload test",
			"test_type":                  tc.kind,
			"requested_duration_minutes": "10",
		}, tc.file)
		rec := httptest.NewRecorder()
		h.Submit(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "invalid file type") {
			t.Errorf("%s: body = %s", name, rec.Body.String())
		}
	}
}

func TestSubmitConcurrencyGuard(t *testing.T) {
	e := newTestEnv(t)
	h, _ := newTestRunHandler(t, e)
	user, _ := e.seedUser(t, "alice@example.com")

	// Free plan allows one active run
	e.seedRun(t, "busy-1", user.ID, model.StatusRunning)

	req := submitForm(t, user.ID, map[string]string{
		"test_name":                  "second test",
		"test_type":                  "web_url",
		"requested_duration_minutes": "5",
		"test_source_url":            "https://shop.example.com",
	}, "")
	rec := httptest.NewRecorder()
	h.Submit(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "concurrent test limit reached") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestSubmitQuotaGuard(t *testing.T) {
	e := newTestEnv(t)
	h, _ := newTestRunHandler(t, e)
	user, prof := e.seedUser(t, "alice@example.com")

	// 55 of the free plan's 60 minutes already used
	e.profileStore.AddMinutesUsed(prof.ID, 55)

	req := submitForm(t, user.ID, map[string]string{
		"test_name":                  "long test",
		"test_type":                  "web_url",
		"requested_duration_minutes": "10",
		"test_source_url":            "https://shop.example.com",
	}, "")
	rec := httptest.NewRecorder()
	h.Submit(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "monthly testing quota exceeded") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestSubmitArchivesUploadAndServesArtifact(t *testing.T) {
	e := newTestEnv(t)
	artifacts, client := newFakeArtifacts()
	h, _ := newTestRunHandlerWith(t, e, fakeRunner(t).URL, artifacts)
	user, _ := e.seedUser(t, "alice@example.com")

	req := submitForm(t, user.ID, map[string]string{
		"test_name":                  "bundle smoke",
		"test_type":                  "web_bundle",
		"requested_duration_minutes": "15",
	}, "bundle.zip")
	rec := httptest.NewRecorder()
	h.Submit(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(client.objects) != 1 {
		t.Fatalf("stored objects = %d, want 1", len(client.objects))
	}
	run, _ := e.testRunStore.GetByID("run-abc")
	if run.ArtifactKey == nil {
		t.Fatal("artifact key not recorded on the run")
	}

	dlReq := withAuth(httptest.NewRequest("GET", "/tests/run-abc/artifact", nil), user.ID)
	dlReq.SetPathValue("id", "run-abc")
	dlRec := httptest.NewRecorder()
	h.DownloadArtifact(dlRec, dlReq)

	if dlRec.Code != http.StatusOK {
		t.Fatalf("download status = %d, body %s", dlRec.Code, dlRec.Body.String())
	}
	if dlRec.Body.String() != "not a real archive" {
		t.Errorf("downloaded body = %q", dlRec.Body.String())
	}
	if cd := dlRec.Header().Get("Content-Disposition"); !strings.Contains(cd, "bundle.zip") {
		t.Errorf("content disposition = %q", cd)
	}
}

func TestSubmitRunnerFailureReleasesArtifact(t *testing.T) {
	e := newTestEnv(t)
	artifacts, client := newFakeArtifacts()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)

	h, _ := newTestRunHandlerWith(t, e, down.URL, artifacts)
	user, _ := e.seedUser(t, "alice@example.com")

	req := submitForm(t, user.ID, map[string]string{
		"test_name":                  "bundle smoke",
		"test_type":                  "web_bundle",
		"requested_duration_minutes": "15",
	}, "bundle.zip")
	rec := httptest.NewRecorder()
	h.Submit(rec, req)

	if rec.Code == http.StatusCreated {
		t.Fatalf("status = %d, want failure", rec.Code)
	}
	if len(client.objects) != 0 {
		t.Errorf("stored objects = %d, want orphan cleaned up", len(client.objects))
	}
}

func TestDownloadArtifactNotAvailable(t *testing.T) {
	e := newTestEnv(t)
	h, _ := newTestRunHandler(t, e)
	user, _ := e.seedUser(t, "alice@example.com")
	e.seedRun(t, "t-1", user.ID, model.StatusRunning)

	req := withAuth(httptest.NewRequest("GET", "/tests/t-1/artifact", nil), user.ID)
	req.SetPathValue("id", "t-1")
	rec := httptest.NewRecorder()
	h.DownloadArtifact(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListPrimesLiveCache(t *testing.T) {
	e := newTestEnv(t)
	h, cache := newTestRunHandler(t, e)
	user, _ := e.seedUser(t, "alice@example.com")
	e.seedRun(t, "t-1", user.ID, model.StatusRunning)
	e.seedRun(t, "t-2", user.ID, model.StatusQueued)

	req := withAuth(httptest.NewRequest("GET", "/tests", nil), user.ID)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var runs []model.TestRun
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if snap := cache.Snapshot(user.ID); len(snap) != 2 {
		t.Errorf("cache snapshot = %d runs, want 2", len(snap))
	}
}

func TestListServesEventAdvancedView(t *testing.T) {
	e := newTestEnv(t)
	h, cache := newTestRunHandler(t, e)
	user, _ := e.seedUser(t, "alice@example.com")
	e.seedRun(t, "t-1", user.ID, model.StatusRunning)

	listRuns := func() []model.TestRun {
		t.Helper()
		req := withAuth(httptest.NewRequest("GET", "/tests", nil), user.ID)
		rec := httptest.NewRecorder()
		h.List(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("list status = %d", rec.Code)
		}
		var runs []model.TestRun
		if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return runs
	}

	listRuns() // primes the view

	// A push event advances the primed view without a database write.
	progress := 65
	if !cache.Apply(user.ID, livestatus.Event{
		Type:     livestatus.TypeProgress,
		TestID:   "t-1",
		Progress: &progress,
	}) {
		t.Fatal("event was not applied to the primed view")
	}

	runs := listRuns()
	if len(runs) != 1 || runs[0].Progress != 65 {
		t.Fatalf("primed view progress = %d, want 65", runs[0].Progress)
	}

	// Dropping the view falls back to a fresh fetch.
	cache.Drop(user.ID)
	runs = listRuns()
	if len(runs) != 1 || runs[0].Progress != 0 {
		t.Errorf("refetched progress = %d, want 0", runs[0].Progress)
	}
}

func TestGetIncludesFindings(t *testing.T) {
	e := newTestEnv(t)
	h, _ := newTestRunHandler(t, e)
	user, _ := e.seedUser(t, "alice@example.com")
	e.seedRun(t, "t-1", user.ID, model.StatusCompleted)
	e.findingStore.Create("t-1", "Broken back button", "low", "")

	req := withAuth(httptest.NewRequest("GET", "/tests/t-1", nil), user.ID)
	req.SetPathValue("id", "t-1")
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var detail testRunDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(detail.Findings) != 1 {
		t.Errorf("findings = %d, want 1", len(detail.Findings))
	}
}

func TestGetHidesForeignRuns(t *testing.T) {
	e := newTestEnv(t)
	h, _ := newTestRunHandler(t, e)
	alice, _ := e.seedUser(t, "alice@example.com")
	bob, _ := e.seedUser(t, "bob@example.com")
	e.seedRun(t, "t-alice", alice.ID, model.StatusRunning)

	req := withAuth(httptest.NewRequest("GET", "/tests/t-alice", nil), bob.ID)
	req.SetPathValue("id", "t-alice")
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancel(t *testing.T) {
	e := newTestEnv(t)
	h, _ := newTestRunHandler(t, e)
	user, _ := e.seedUser(t, "alice@example.com")
	run := e.seedRun(t, "t-1", user.ID, model.StatusRunning)

	req := withAuth(httptest.NewRequest("POST", "/tests/t-1/cancel", nil), user.ID)
	req.SetPathValue("id", "t-1")
	rec := httptest.NewRecorder()
	h.Cancel(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	after, _ := e.testRunStore.GetByID("t-1")
	if after.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", after.Status)
	}
	if after.Version != run.Version+1 {
		t.Errorf("version = %d, want %d", after.Version, run.Version+1)
	}
	if after.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestCancelFinishedRunConflicts(t *testing.T) {
	e := newTestEnv(t)
	h, _ := newTestRunHandler(t, e)
	user, _ := e.seedUser(t, "alice@example.com")
	e.seedRun(t, "t-done", user.ID, model.StatusCompleted)

	req := withAuth(httptest.NewRequest("POST", "/tests/t-done/cancel", nil), user.ID)
	req.SetPathValue("id", "t-done")
	rec := httptest.NewRecorder()
	h.Cancel(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestReportLinkAndDownload(t *testing.T) {
	e := newTestEnv(t)
	h, _ := newTestRunHandler(t, e)
	user, _ := e.seedUser(t, "alice@example.com")
	run := e.seedRun(t, "t-1", user.ID, model.StatusQueued)

	completed := model.StatusCompleted
	url := "https://reports.example.com/t-1.pdf"
	e.testRunStore.ApplyUpdate(run.ID, model.TestRunUpdate{Status: &completed, ReportURL: &url})

	req := withAuth(httptest.NewRequest("GET", "/tests/t-1/report-link", nil), user.ID)
	req.SetPathValue("id", "t-1")
	rec := httptest.NewRecorder()
	h.ReportLink(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("report link status = %d", rec.Code)
	}
	var link struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &link); err != nil {
		t.Fatalf("decode link: %v", err)
	}
	token := link.URL[strings.Index(link.URL, "token=")+len("token="):]

	dreq := httptest.NewRequest("GET", link.URL, nil)
	dreq.SetPathValue("id", "t-1")
	drec := httptest.NewRecorder()
	h.DownloadReport(drec, dreq)

	if drec.Code != http.StatusFound {
		t.Fatalf("download status = %d", drec.Code)
	}
	if loc := drec.Header().Get("Location"); loc != url {
		t.Errorf("redirect = %q, want %q", loc, url)
	}

	// The token binds to its run id
	oreq := httptest.NewRequest("GET", "/tests/t-other/report?token="+token, nil)
	oreq.SetPathValue("id", "t-other")
	orec := httptest.NewRecorder()
	h.DownloadReport(orec, oreq)
	if orec.Code != http.StatusForbidden {
		t.Errorf("cross-run token status = %d, want 403", orec.Code)
	}
}

func TestReportLinkNotReady(t *testing.T) {
	e := newTestEnv(t)
	h, _ := newTestRunHandler(t, e)
	user, _ := e.seedUser(t, "alice@example.com")
	e.seedRun(t, "t-1", user.ID, model.StatusRunning)

	req := withAuth(httptest.NewRequest("GET", "/tests/t-1/report-link", nil), user.ID)
	req.SetPathValue("id", "t-1")
	rec := httptest.NewRecorder()
	h.ReportLink(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
