package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// ErrMissingAPIKey is returned when the image API key is not configured.
var ErrMissingAPIKey = errors.New("render: API key is missing")

const (
	// triggerAttempts bounds the trigger retry loop.
	triggerAttempts = 5
	// defaultFilename is the renderer's output name when the payload names none.
	defaultFilename = "ComfyUI_00001_.png"
)

// RunState is one observation of an external render run.
type RunState struct {
	Status  string      `json:"status"`
	Outputs []RunOutput `json:"outputs"`
	Error   string      `json:"error"`
}

// RunOutput describes one produced asset.
type RunOutput struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Pending reports whether the run is still in flight.
func (s RunState) Pending() bool {
	switch s.Status {
	case "processing", "not-started", "running", "uploading", "queued":
		return true
	}
	return false
}

// Succeeded reports whether the renderer finished the run.
func (s RunState) Succeeded() bool {
	return s.Status == "success" || s.Status == "complete"
}

// Options configures the render client.
type Options struct {
	BaseURL      string
	APIKey       string
	DeploymentID string
	CDNBaseURL   string
	HTTPClient   *http.Client
	// RetryBaseDelay scales the linear trigger backoff (attempt x base).
	RetryBaseDelay time.Duration
}

// Client talks to the external image renderer: trigger a run, poll it by
// run id, and download the produced asset from the renderer's CDN.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	deploymentID string
	cdnBaseURL   string
	retryDelay   time.Duration
}

// NewClient builds a render client from options.
func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	delay := opts.RetryBaseDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Client{
		httpClient:   client,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		token:        strings.TrimSpace(opts.APIKey),
		deploymentID: opts.DeploymentID,
		cdnBaseURL:   strings.TrimRight(opts.CDNBaseURL, "/"),
		retryDelay:   delay,
	}
}

type triggerRequest struct {
	DeploymentID string            `json:"deployment_id"`
	Inputs       map[string]string `json:"inputs"`
}

type triggerResponse struct {
	RunID string `json:"run_id"`
}

// Trigger starts a render run for the prompt and returns its run id. The
// call is retried up to triggerAttempts times with linearly increasing
// backoff; a response without a run id counts as a failure.
func (c *Client) Trigger(ctx context.Context, prompt string) (string, error) {
	if c.token == "" {
		return "", ErrMissingAPIKey
	}
	var runID string
	err := retry.Do(
		func() error {
			id, err := c.triggerOnce(ctx, prompt)
			if err != nil {
				return err
			}
			runID = id
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(triggerAttempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * c.retryDelay
		}),
	)
	if err != nil {
		return "", fmt.Errorf("render: trigger failed after %d attempts: %w", triggerAttempts, err)
	}
	return runID, nil
}

func (c *Client) triggerOnce(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(triggerRequest{
		DeploymentID: c.deploymentID,
		Inputs:       map[string]string{"prompt": prompt},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("render: trigger http %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	var out triggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("render: decode trigger response: %w", err)
	}
	if out.RunID == "" {
		return "", errors.New("render: trigger response missing run_id")
	}
	return out.RunID, nil
}

// Poll fetches the current state of a run. One call per poll; the bounded
// loop lives in the caller.
func (c *Client) Poll(ctx context.Context, runID string) (RunState, error) {
	endpoint := c.baseURL + "?run_id=" + url.QueryEscape(runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return RunState{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RunState{}, fmt.Errorf("render: poll failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RunState{}, fmt.Errorf("render: poll http %d", resp.StatusCode)
	}
	var state RunState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return RunState{}, fmt.Errorf("render: decode poll response: %w", err)
	}
	return state, nil
}

// Download fetches a finished run's asset from the CDN. The filename comes
// from the run payload, falling back to the basename of a provided URL and
// finally to the renderer's default output name. Empty payloads are
// rejected.
func (c *Client) Download(ctx context.Context, runID string, state RunState) ([]byte, error) {
	assetURL := fmt.Sprintf("%s/%s/%s", c.cdnBaseURL, runID, resolveFilename(state))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render: download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("render: download http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("render: read asset: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("render: downloaded asset is empty")
	}
	return data, nil
}

func resolveFilename(state RunState) string {
	if len(state.Outputs) == 0 {
		return defaultFilename
	}
	if name := strings.TrimSpace(state.Outputs[0].Filename); name != "" {
		return name
	}
	if raw := strings.TrimSpace(state.Outputs[0].URL); raw != "" {
		parts := strings.Split(raw, "/")
		if name := parts[len(parts)-1]; name != "" {
			return name
		}
	}
	return defaultFilename
}
