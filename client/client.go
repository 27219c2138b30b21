// Package client implements the JSON-RPC transport boundary to one daemon
// node: HTTP POST per call, per-node credential injection, and conversion of
// transport and application failures into structured errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"kdfharness/config"
	"kdfharness/observability"
	"kdfharness/observability/logging"
)

// ErrInvalidCredential marks the one failure class with process-wide blast
// radius: a node rejecting its configured userpass. Callers must stop the
// run instead of issuing further doomed requests.
var ErrInvalidCredential = errors.New("client: rpc credential rejected")

const (
	invalidCredentialMarker = "userpass is invalid"
	invalidCredentialType   = "InvalidUserpass"
)

// RPCError is a structured application-level error returned by a node. It
// carries enough context to diagnose the failure from the aggregated results.
type RPCError struct {
	Node       string
	Method     string
	HTTPStatus int
	Type       string
	Message    string
	Raw        json.RawMessage
}

func (e *RPCError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("rpc %s on %s failed: %s: %s", e.Method, e.Node, e.Type, e.Message)
	}
	if e.HTTPStatus != 0 && e.HTTPStatus != http.StatusOK {
		return fmt.Sprintf("rpc %s on %s failed: status=%d %s", e.Method, e.Node, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("rpc %s on %s failed: %s", e.Method, e.Node, e.Message)
}

// IsType reports whether the daemon tagged the error with errorType.
func (e *RPCError) IsType(errorType string) bool {
	return e != nil && e.Type == errorType
}

// MessageContains reports a case-insensitive substring match on the error
// message, used for legacy responses that carry no error_type tag.
func (e *RPCError) MessageContains(substr string) bool {
	return e != nil && strings.Contains(strings.ToLower(e.Message), strings.ToLower(substr))
}

// NewHTTPClient builds the outbound HTTP client shared by all node workers.
// It is safe for concurrent use; tracing spans propagate through the
// otelhttp transport.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Client is the per-node RPC caller. All calls inject the node's credential;
// outbound volume is bounded by a per-node rate limiter.
type Client struct {
	node       config.Node
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	nextID     atomic.Int64
}

// New constructs a client for one node sharing the supplied HTTP client.
func New(node config.Node, httpClient *http.Client, requestsPerSecond float64, logger *slog.Logger) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		node:       node,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		logger:     logger.With(slog.String("node", node.Name)),
	}
}

// Node returns the immutable node descriptor this client talks to.
func (c *Client) Node() config.Node {
	return c.node
}

// Response carries a successful call's full response document and its result
// field.
type Response struct {
	Body   json.RawMessage
	Result json.RawMessage
}

// envelope covers both the legacy ({result}/{error}) and mmrpc-2.0 response
// shapes.
type envelope struct {
	Result    json.RawMessage `json:"result"`
	Error     json.RawMessage `json:"error"`
	ErrorType string          `json:"error_type"`
	ErrorData json.RawMessage `json:"error_data"`
}

// Do sends a prepared request body as-is, after injecting the node credential
// and a request id. This is the path used for template-driven example
// requests; the engine owns the body shape.
func (c *Client) Do(ctx context.Context, body map[string]any) (*Response, error) {
	if body == nil {
		body = map[string]any{}
	}
	method, _ := body["method"].(string)
	body["userpass"] = c.node.Userpass
	if _, ok := body["id"]; !ok {
		body["id"] = c.nextID.Add(1)
	}
	return c.send(ctx, method, body)
}

// CallV2 issues an mmrpc-2.0 call and decodes its result into out (out may be
// nil to discard the payload). Used for the engine's own bookkeeping calls.
func (c *Client) CallV2(ctx context.Context, method string, params any, out any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	body := map[string]any{
		"mmrpc":  "2.0",
		"method": method,
		"params": params,
		"id":     c.nextID.Add(1),
	}
	body["userpass"] = c.node.Userpass
	resp, err := c.send(ctx, method, body)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if len(resp.Result) == 0 {
			return nil, fmt.Errorf("client: rpc %s on %s returned empty result", method, c.node.Name)
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return nil, fmt.Errorf("client: decode %s result: %w", method, err)
		}
	}
	return resp.Result, nil
}

// CallLegacy issues a legacy-style call with fields at the top level next to
// the method name.
func (c *Client) CallLegacy(ctx context.Context, method string, fields map[string]any) (*Response, error) {
	body := map[string]any{"method": method}
	for key, value := range fields {
		body[key] = value
	}
	body["userpass"] = c.node.Userpass
	return c.send(ctx, method, body)
}

func (c *Client) send(ctx context.Context, method string, body map[string]any) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("client: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.node.URL, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("rpc request", slog.String("method", method))
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.Metrics().ObserveRequest(c.node.Name, method, err)
		return nil, fmt.Errorf("client: rpc %s on %s: %w", method, c.node.Name, err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		observability.Metrics().ObserveRequest(c.node.Name, method, err)
		return nil, &RPCError{
			Node:       c.node.Name,
			Method:     method,
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("undecodable response body: %v", err),
		}
	}

	callErr := c.classify(method, resp.StatusCode, raw)
	observability.Metrics().ObserveRequest(c.node.Name, method, callErr)
	c.logger.Debug("rpc response",
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)))
	if callErr != nil {
		return nil, callErr
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Some legacy responses are bare documents without a result wrapper.
		return &Response{Body: raw, Result: raw}, nil
	}
	result := env.Result
	if len(result) == 0 {
		result = raw
	}
	return &Response{Body: raw, Result: result}, nil
}

// classify converts non-2xx statuses and application error bodies into a
// structured error, and detects the fatal invalid-credential condition.
func (c *Client) classify(method string, status int, raw json.RawMessage) error {
	var env envelope
	_ = json.Unmarshal(raw, &env)
	if string(env.Error) == "null" {
		env.Error = nil
	}

	message := decodeErrorMessage(env.Error)
	if message == "" && status >= 300 {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" && len(env.Error) == 0 {
		if status >= 300 {
			return &RPCError{Node: c.node.Name, Method: method, HTTPStatus: status, Raw: raw}
		}
		return nil
	}

	if env.ErrorType == invalidCredentialType ||
		strings.Contains(strings.ToLower(message), invalidCredentialMarker) ||
		strings.Contains(strings.ToLower(string(raw)), invalidCredentialMarker) {
		c.logger.Error("credential rejected, aborting run",
			logging.MaskField("userpass", c.node.Userpass))
		return fmt.Errorf("%w: node %s", ErrInvalidCredential, c.node.Name)
	}

	return &RPCError{
		Node:       c.node.Name,
		Method:     method,
		HTTPStatus: status,
		Type:       env.ErrorType,
		Message:    message,
		Raw:        raw,
	}
}

// decodeErrorMessage handles both string and object error fields. An explicit
// null is not an error.
func decodeErrorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return strings.TrimSpace(obj.Message)
	}
	return strings.TrimSpace(string(raw))
}
