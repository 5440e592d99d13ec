package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyvo/appbuilder/pkg/flows"
)

// DefaultHealthPath is a cheap endpoint that answers 200 whenever the engine is up.
const DefaultHealthPath = "/configs"

// ErrNotFound is returned when the engine reports a missing execution.
var ErrNotFound = errors.New("execution not found")

// ErrUnreadableResponse is returned when the engine accepted a trigger but
// its reply carried no usable execution id.
var ErrUnreadableResponse = errors.New("unreadable engine response")

// StatusError is returned when the engine answers with a non-success status.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s failed: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Client talks to the workflow engine over HTTP.
type Client struct {
	baseURL    string
	healthPath string
	username   string
	password   string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithBasicAuth enables HTTP basic auth on every request.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithHealthPath overrides the endpoint used by Probe.
func WithHealthPath(path string) Option {
	return func(c *Client) {
		if strings.TrimSpace(path) != "" {
			c.healthPath = "/" + strings.TrimPrefix(path, "/")
		}
	}
}

// NewClient creates a new engine client with sane defaults.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		healthPath: DefaultHealthPath,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized engine base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Probe reports whether the engine is reachable. It never returns an error:
// transport failures and non-2xx answers both mean unhealthy.
func (c *Client) Probe(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type triggerResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	State  json.RawMessage `json:"state"`
}

// Trigger submits a build request to the selected flow. Failures are not
// retried here: a second submission could duplicate work on the engine.
func (c *Client) Trigger(ctx context.Context, target flows.FlowTarget, req flows.BuildRequest) (ExecutionHandle, error) {
	body, contentType, err := encodeInputs(target, req)
	if err != nil {
		return ExecutionHandle{}, fmt.Errorf("encode trigger inputs: %w", err)
	}

	endpoint := fmt.Sprintf("%s/executions/trigger/%s/%s", c.baseURL, url.PathEscape(target.Namespace), url.PathEscape(target.Flow))
	httpReq, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return ExecutionHandle{}, fmt.Errorf("create trigger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ExecutionHandle{}, fmt.Errorf("trigger flow %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ExecutionHandle{}, &StatusError{Op: "trigger " + target.String(), StatusCode: resp.StatusCode, Message: readErrorBody(resp)}
	}

	var out triggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExecutionHandle{}, fmt.Errorf("trigger %s: status %d: %w: %w", target, resp.StatusCode, ErrUnreadableResponse, err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return ExecutionHandle{}, fmt.Errorf("trigger %s: status %d: %w: missing execution id", target, resp.StatusCode, ErrUnreadableResponse)
	}
	return ExecutionHandle{ID: out.ID}, nil
}

func encodeInputs(target flows.FlowTarget, req flows.BuildRequest) (io.Reader, string, error) {
	switch target.Encoding {
	case flows.EncodingJSON:
		inputs := map[string]string{"prompt": req.Prompt}
		if req.HasContext() {
			inputs["githubRepo"] = req.ExistingContext.URL
		}
		payload, err := json.Marshal(map[string]any{"inputs": inputs})
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(payload), "application/json", nil
	default:
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		if err := writer.WriteField("prompt", req.Prompt); err != nil {
			return nil, "", err
		}
		if req.HasContext() {
			if err := writer.WriteField("githubRepo", req.ExistingContext.URL); err != nil {
				return nil, "", err
			}
		}
		if err := writer.Close(); err != nil {
			return nil, "", err
		}
		return &buf, writer.FormDataContentType(), nil
	}
}

// Execution fetches the current snapshot of an execution.
func (c *Client) Execution(ctx context.Context, id string) (ExecutionSnapshot, error) {
	endpoint := fmt.Sprintf("%s/executions/%s", c.baseURL, url.PathEscape(id))
	httpReq, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ExecutionSnapshot{}, fmt.Errorf("create execution request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ExecutionSnapshot{}, fmt.Errorf("get execution: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ExecutionSnapshot{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return ExecutionSnapshot{}, &StatusError{Op: "get execution", StatusCode: resp.StatusCode, Message: readErrorBody(resp)}
	}

	var payload executionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ExecutionSnapshot{}, fmt.Errorf("decode execution: %w", err)
	}
	snap := payload.snapshot()
	if snap.ID == "" {
		snap.ID = id
	}
	return snap, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

func readErrorBody(resp *http.Response) string {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(payload))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return msg
}
