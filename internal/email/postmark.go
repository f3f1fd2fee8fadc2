package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

const defaultAPIURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	apiURL      string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithAPIURL overrides the Postmark endpoint. Used by tests.
func WithAPIURL(url string) Option {
	return func(cl *Client) {
		cl.apiURL = url
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		apiURL:      defaultAPIURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// SendPasswordReset sends a password reset link. The token expires after 30
// minutes, matching the reset store's TTL.
func (c *Client) SendPasswordReset(toEmail, token string) error {
	link := fmt.Sprintf("%s/reset?token=%s", c.baseURL, token)
	textBody := fmt.Sprintf("Click the link below to reset your Flightcheck password:\n\n%s\n\nThis link expires in 30 minutes. If you didn't request a reset, you can ignore this email.", link)
	htmlBody := fmt.Sprintf(
		`<p>Click the link below to reset your Flightcheck password:</p><p><a href="%s">Reset password</a></p><p>This link expires in 30 minutes. If you didn't request a reset, you can ignore this email.</p>`,
		link,
	)

	return c.send(postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  "Reset your Flightcheck password",
		HtmlBody: htmlBody,
		TextBody: textBody,
	})
}

// SendTestComplete notifies a user that a test run reached a terminal state.
func (c *Client) SendTestComplete(toEmail, testName, status string) error {
	link := fmt.Sprintf("%s/tests", c.baseURL)
	textBody := fmt.Sprintf("Your test %q finished with status %s.\n\nView the results:\n\n%s", testName, status, link)
	htmlBody := fmt.Sprintf(
		`<p>Your test <strong>%s</strong> finished with status <strong>%s</strong>.</p><p><a href="%s">View the results</a></p>`,
		testName, status, link,
	)

	return c.send(postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  fmt.Sprintf("Test %s: %s", status, testName),
		HtmlBody: htmlBody,
		TextBody: textBody,
	})
}

func (c *Client) send(payload postmarkEmail) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequest("POST", c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
