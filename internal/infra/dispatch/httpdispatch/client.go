// Package httpdispatch sends device-server commands over HTTP.
package httpdispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"beamlinecore/pkg/domain"
)

const (
	// RequestIDHeader carries the per-command correlation id.
	RequestIDHeader = "X-Request-ID"
	// MessageHeader is where the device server puts a human-readable failure reason.
	MessageHeader = "message"

	maxBodyBytes = 8 << 20
)

// Logger is the structured logging surface; *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// Client implements domain.Dispatcher against the device server REST API.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger Logger
	newID  func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithLogger logs one debug line per request.
func WithLogger(l Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithRequestIDs overrides request id generation for commands that carry no
// request id of their own.
func WithRequestIDs(fn func() string) Option {
	return func(cl *Client) {
		if fn != nil {
			cl.newID = fn
		}
	}
}

// New returns a client resolving command paths against baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse device base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("device base url %q must be http or https", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	c := &Client{base: base, http: http.DefaultClient, logger: noopLogger{}, newID: uuid.NewString}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dispatch implements domain.Dispatcher. Statuses >= 400 become OK=false
// responses; only transport failures are returned as errors.
func (c *Client) Dispatch(ctx context.Context, cmd domain.Command) (domain.Response, error) {
	target, err := c.base.Parse(strings.TrimPrefix(cmd.Path, "/"))
	if err != nil {
		return domain.Response{}, fmt.Errorf("resolve %s: %w", cmd.Path, err)
	}
	var body io.Reader
	if cmd.Body != nil {
		raw, err := json.Marshal(cmd.Body)
		if err != nil {
			return domain.Response{}, fmt.Errorf("encode %s body: %w", cmd.Operation, err)
		}
		body = bytes.NewReader(raw)
	}
	method := cmd.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return domain.Response{}, err
	}
	id := cmd.RequestID
	if id == "" {
		id = c.newID()
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, id)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Response{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.Response{}, fmt.Errorf("read %s response: %w", cmd.Operation, err)
	}
	c.logger.Debug("device request",
		"operation", cmd.Operation,
		"request_id", id,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		return domain.Response{OK: false, Status: resp.StatusCode, Message: failureMessage(resp, raw)}, nil
	}
	return domain.Response{OK: true, Status: resp.StatusCode, Payload: payload(raw)}, nil
}

// failureMessage prefers the message header, then a {"message": ...} body,
// then the plain body text.
func failureMessage(resp *http.Response, raw []byte) string {
	if msg := strings.TrimSpace(resp.Header.Get(MessageHeader)); msg != "" {
		return msg
	}
	var wrapped struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if json.Unmarshal(raw, &wrapped) == nil {
		if wrapped.Message != "" {
			return wrapped.Message
		}
		if wrapped.Msg != "" {
			return wrapped.Msg
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && !strings.HasPrefix(text, "{") {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// payload keeps JSON bodies as-is and wraps plain text as a JSON string.
func payload(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}

var _ domain.Dispatcher = (*Client)(nil)
