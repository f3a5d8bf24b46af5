package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:8080/api"

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("not found")

// Client talks to a procwarden daemon over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	// HTTPClient replaces the default client; Timeout is then ignored.
	HTTPClient *http.Client
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: config.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  hc,
	}
}

// IsReachable checks if the daemon is running and answering.
func (c *Client) IsReachable(ctx context.Context) bool {
	var out []Task
	err := c.do(ctx, http.MethodGet, "/tasks", nil, &out)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

func (c *Client) Tasks(ctx context.Context) ([]Task, error) {
	var out []Task
	return out, c.do(ctx, http.MethodGet, "/tasks", nil, &out)
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var out Task
	return out, c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out)
}

func (c *Client) Launch(ctx context.Context, req LaunchRequest) (TaskInfo, error) {
	var out TaskInfo
	return out, c.do(ctx, http.MethodPost, "/tasks", req, &out)
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/stop", nil, nil)
}

// Lock locks the task directory for hold. Zero hold uses the server default.
// name selects the lock marker; empty means the server default.
func (c *Client) Lock(ctx context.Context, id string, hold time.Duration, name string) (LockState, error) {
	q := url.Values{}
	if hold > 0 {
		q.Set("hold", hold.String())
	}
	if name != "" {
		q.Set("name", name)
	}
	var out LockState
	return out, c.do(ctx, http.MethodPost, withQuery("/tasks/"+url.PathEscape(id)+"/lock", q), nil, &out)
}

func (c *Client) ResetLock(ctx context.Context, id, name string) (LockState, error) {
	var out LockState
	return out, c.do(ctx, http.MethodPost, withQuery("/tasks/"+url.PathEscape(id)+"/lock/reset", nameQuery(name)), nil, &out)
}

func (c *Client) Unlock(ctx context.Context, id, name string) (LockState, error) {
	var out LockState
	return out, c.do(ctx, http.MethodDelete, withQuery("/tasks/"+url.PathEscape(id)+"/lock", nameQuery(name)), nil, &out)
}

// History returns recorded events for id, newest first. limit <= 0 leaves the
// cap to the server.
func (c *Client) History(ctx context.Context, id string, limit int) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Event
	return out, c.do(ctx, http.MethodGet, withQuery("/tasks/"+url.PathEscape(id)+"/history", q), nil, &out)
}

// Sweep runs one cleanup pass on the daemon.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var out SweepResult
	return out, c.do(ctx, http.MethodPost, "/sweep", nil, &out)
}

func nameQuery(name string) url.Values {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	return q
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		er.Error = http.StatusText(resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, er.Error)
	}
	return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, er.Error)
}
