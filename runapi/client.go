// Package runapi is the HTTP client for the backend's thread/run/stream
// API. The backend is a black box; this package only shapes requests and
// decodes responses. Transport failures surface as plain errors whose text
// feeds the stream failure classifier unmodified.
package runapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tether/schema"
)

const defaultRequestTimeout = 30 * time.Second

// Config configures the client.
type Config struct {
	// BaseURL is the backend root, e.g. "https://agent.example.com".
	BaseURL string
	// APIKey is sent as the x-api-key header when non-empty.
	APIKey string
	// RequestTimeout bounds non-streaming calls. Zero means the default.
	RequestTimeout time.Duration
}

// Client talks to the backend. Safe for concurrent use.
type Client struct {
	base   *url.URL
	apiKey string
	// api carries a timeout; stream must not, SSE connections are
	// expected to live for minutes.
	api    *http.Client
	stream *http.Client
	log    pslog.Logger
}

// New constructs a client.
func New(cfg Config, logger pslog.Logger) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, errors.New("backend base url is required")
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse backend base url: %w", err)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		base:   base,
		apiKey: cfg.APIKey,
		api:    &http.Client{Timeout: timeout},
		stream: &http.Client{},
		log:    logger,
	}, nil
}

// ListRuns returns runs for a thread, optionally filtered by status,
// freshest first as the backend orders them. An empty result is not an
// error.
func (c *Client) ListRuns(ctx context.Context, threadID schema.ThreadID, status string, limit int) ([]schema.Run, error) {
	if threadID == "" {
		return nil, schema.ErrInvalidThread
	}
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var runs []schema.Run
	if err := c.getJSON(ctx, c.endpoint("threads", string(threadID), "runs"), query, &runs); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetThread fetches the thread's current server-side view.
func (c *Client) GetThread(ctx context.Context, threadID schema.ThreadID) (schema.Thread, error) {
	if threadID == "" {
		return schema.Thread{}, schema.ErrInvalidThread
	}
	var thread schema.Thread
	if err := c.getJSON(ctx, c.endpoint("threads", string(threadID)), nil, &thread); err != nil {
		return schema.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return thread, nil
}

// CreateRunRequest shapes a new run submission.
type CreateRunRequest struct {
	Messages []schema.Message `json:"messages"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

type createRunPayload struct {
	Input             createRunInput `json:"input"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	MultitaskStrategy string         `json:"multitask_strategy"`
	OnDisconnect      string         `json:"on_disconnect"`
	StreamMode        []string       `json:"stream_mode"`
	StreamResumable   bool           `json:"stream_resumable"`
}

type createRunInput struct {
	Messages []schema.Message `json:"messages"`
}

// CreateRun submits a new run for the thread. The backend rejects a second
// concurrent run with a conflict response; that error text is what the
// classifier keys on.
func (c *Client) CreateRun(ctx context.Context, threadID schema.ThreadID, req CreateRunRequest) (schema.Run, error) {
	if threadID == "" {
		return schema.Run{}, schema.ErrInvalidThread
	}
	payload := createRunPayload{
		Input:             createRunInput{Messages: req.Messages},
		Metadata:          req.Metadata,
		MultitaskStrategy: "reject",
		OnDisconnect:      "continue",
		StreamMode:        []string{"values"},
		StreamResumable:   true,
	}
	var run schema.Run
	if err := c.postJSON(ctx, c.endpoint("threads", string(threadID), "runs"), payload, &run); err != nil {
		return schema.Run{}, fmt.Errorf("create run: %w", err)
	}
	if run.RunID == "" {
		return schema.Run{}, fmt.Errorf("create run: backend returned no run id")
	}
	return run, nil
}

// CancelRun requests best-effort cancellation of a run.
func (c *Client) CancelRun(ctx context.Context, threadID schema.ThreadID, runID schema.RunID) error {
	if threadID == "" {
		return schema.ErrInvalidThread
	}
	if runID == "" {
		return schema.ErrInvalidRun
	}
	if err := c.postJSON(ctx, c.endpoint("threads", string(threadID), "runs", string(runID), "cancel"), nil, nil); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

// CreateThread asks the backend for a fresh thread.
func (c *Client) CreateThread(ctx context.Context, metadata map[string]any) (schema.Thread, error) {
	payload := map[string]any{}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}
	var thread schema.Thread
	if err := c.postJSON(ctx, c.endpoint("threads"), payload, &thread); err != nil {
		return schema.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return thread, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(parts, "/")
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	c.decorate(req)
	resp, err := c.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}

// statusError preserves the backend's status line and body text so the
// classifier sees markers like "409" or "conflict" verbatim.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Errorf("backend returned %s", resp.Status)
	}
	return fmt.Errorf("backend returned %s: %s", resp.Status, text)
}
