// Package runner is the HTTP client for the external test-execution backend.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/flightcheckhq/flightcheck/internal/model"
)

// Config holds runner backend configuration.
type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// Client submits tests to the runner backend. Submissions are never retried;
// a failure is reported to the caller as-is.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// SubmitRequest is one outbound test submission.
type SubmitRequest struct {
	Name             string
	Kind             model.TestKind
	SourceURL        string
	ArtifactKey      string
	UploadedFile     io.Reader
	UploadedFileName string
	RequestedMinutes int
	PlanType         string
}

// SubmitResponse is the backend's acknowledgement.
type SubmitResponse struct {
	TestID string       `json:"testId"`
	Status model.Status `json:"status"`
}

// APIError is a business error returned by the backend. Known codes are
// mapped to a fixed human-readable vocabulary; unknown codes surface the
// provider's message verbatim.
type APIError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	switch e.Code {
	case "quota_exceeded":
		return "monthly testing quota exceeded"
	case "invalid_file_type":
		return "invalid file type"
	case "concurrent_limit_reached":
		return "concurrent test limit reached"
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("runner error %s", e.Code)
}

// Submit posts a new test as a multipart form. On success the backend
// returns the assigned identifier and initial status.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := map[string]string{
		"test_name":                  req.Name,
		"test_type":                  string(req.Kind),
		"requested_duration_minutes": strconv.Itoa(req.RequestedMinutes),
		"plan_type_at_submission":    req.PlanType,
	}
	if req.SourceURL != "" {
		fields["test_source_url"] = req.SourceURL
	}
	if req.ArtifactKey != "" {
		fields["artifact_key"] = req.ArtifactKey
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("write field %s: %w", name, err)
		}
	}

	if req.UploadedFile != nil {
		fw, err := mw.CreateFormFile("uploaded_file", req.UploadedFileName)
		if err != nil {
			return nil, fmt.Errorf("create form file: %w", err)
		}
		if _, err := io.Copy(fw, req.UploadedFile); err != nil {
			return nil, fmt.Errorf("copy uploaded file: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/tests", &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if c.cfg.APIToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submit test: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, decodeAPIError(resp)
	}

	var sr SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if sr.TestID == "" {
		return nil, fmt.Errorf("runner returned empty test id")
	}
	if sr.Status == "" {
		sr.Status = model.StatusQueued
	}
	return &sr, nil
}

// Cancel asks the backend to stop a running test.
func (c *Client) Cancel(ctx context.Context, testID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/tests/"+testID+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cancel test: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return decodeAPIError(resp)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("runner: status %d", resp.StatusCode)
	}
	var apiErr APIError
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Code == "" && apiErr.Message == "" {
		return fmt.Errorf("runner: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	apiErr.Status = resp.StatusCode
	return &apiErr
}
