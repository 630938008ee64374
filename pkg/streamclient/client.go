package streamclient

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
)

// ErrStreamDropped is returned when the connection ends before a terminal event.
var ErrStreamDropped = errors.New("stream closed before a terminal event")

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// StartRequest describes a run to start.
type StartRequest struct {
	TaskID   string         `json:"taskId"`
	ModelKey string         `json:"modelKey"`
	Mode     string         `json:"mode,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// Pending is a prepared run returned by Prepare.
type Pending struct {
	SessionID string    `json:"sessionId"`
	Feature   string    `json:"feature"`
	TaskID    string    `json:"taskId"`
	ModelKey  string    `json:"modelKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient. It must not set a Timeout
// shorter than the longest expected run.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLimits caps the log buffer at maxLogs lines and each text buffer at maxChars characters.
func WithLimits(maxLogs, maxChars int) Option {
	return func(c *Client) {
		c.maxLogs = maxLogs
		c.maxChars = maxChars
	}
}

// WithOnUpdate registers a callback invoked with a fresh State after every change.
func WithOnUpdate(fn func(State)) Option {
	return func(c *Client) { c.onUpdate = fn }
}

// Client subscribes to relay streams. There is no reconnection: a dropped
// connection ends the run as failed.
type Client struct {
	baseURL  string
	http     *http.Client
	maxLogs  int
	maxChars int
	onUpdate func(State)
}

// New creates a client for the API rooted at baseURL, e.g. http://localhost:8080/api.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		http:     http.DefaultClient,
		maxLogs:  DefaultMaxLogs,
		maxChars: DefaultMaxChars,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream starts a run directly and follows it until a terminal status.
// A run that fails on the server is reported through State, not the error.
func (c *Client) Stream(ctx context.Context, feature string, req StartRequest) (State, error) {
	query := url.Values{}
	if req.Mode != "" {
		query.Set("mode", req.Mode)
	}
	if len(req.Options) > 0 {
		raw, err := json.Marshal(req.Options)
		if err != nil {
			return State{Status: StatusFailed, Error: err.Error()}, fmt.Errorf("marshal options: %w", err)
		}
		query.Set("options", string(raw))
	}

	endpoint := fmt.Sprintf("%s/stream/%s/%s/%s", c.baseURL,
		url.PathEscape(feature), url.PathEscape(req.TaskID), url.PathEscape(req.ModelKey))
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return c.subscribe(ctx, endpoint)
}

// Prepare registers a run and returns its session id without starting it.
func (c *Client) Prepare(ctx context.Context, feature string, req StartRequest) (Pending, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Pending{}, fmt.Errorf("marshal start request: %w", err)
	}

	var pending Pending
	err = c.doJSON(ctx, http.MethodPost, "/stream/"+url.PathEscape(feature), body, http.StatusCreated, &pending)
	return pending, err
}

// Attach follows a prepared run over SSE.
func (c *Client) Attach(ctx context.Context, sessionID string) (State, error) {
	return c.subscribe(ctx, c.baseURL+"/stream/sessions/"+url.PathEscape(sessionID))
}

// Cancel asks the relay to abort a pending or running session.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/stream/sessions/"+url.PathEscape(sessionID)+"/cancel", nil, http.StatusAccepted, nil)
}

func (c *Client) subscribe(ctx context.Context, endpoint string) (State, error) {
	acc := NewAccumulator(c.maxLogs, c.maxChars, c.onUpdate)
	acc.SetStatus(StatusConnecting)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		acc.Fail(err.Error())
		return acc.Snapshot(), fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.abort(ctx, acc, fmt.Errorf("connect: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := decodeAPIError(resp)
		acc.Fail(apiErr.Message)
		return acc.Snapshot(), apiErr
	}

	readErr := readEvents(resp.Body, func(ev Event) bool {
		acc.Apply(ev)
		return !acc.Snapshot().Status.Done()
	})

	if state := acc.Snapshot(); state.Status.Done() {
		return state, nil
	}
	if readErr != nil {
		return c.abort(ctx, acc, fmt.Errorf("%w: %v", ErrStreamDropped, readErr))
	}
	return c.abort(ctx, acc, ErrStreamDropped)
}

// abort ends a run that never saw a terminal event. A cancelled ctx counts as
// cancellation, anything else as a transport failure.
func (c *Client) abort(ctx context.Context, acc *Accumulator, err error) (State, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		acc.Cancel("cancelled by client")
		return acc.Snapshot(), ctxErr
	}
	acc.Fail(err.Error())
	return acc.Snapshot(), err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	}
	return apiErr
}
