// Package engine orchestrates request execution across every configured
// daemon node: per-node activation of referenced assets, chained-value
// injection, task lifecycle routing, concurrent fan-out and artifact
// persistence.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"kdfharness/activation"
	"kdfharness/artifacts"
	"kdfharness/client"
	"kdfharness/coins"
	"kdfharness/config"
	"kdfharness/methods"
	"kdfharness/observability"
	"kdfharness/observability/logging"
	"kdfharness/runstore"
	"kdfharness/tasks"
)

// Result is one node's outcome for one dispatched request. A dispatch over N
// nodes always yields exactly N results; failures are carried here, never
// swallowed.
type Result struct {
	Node     string
	OK       bool
	Response json.RawMessage
	Err      error
	Artifact string
}

// Engine drives requests across the node fleet.
type Engine struct {
	cfg     *config.Config
	coins   *coins.Catalogue
	catalog *methods.Catalog
	builder *activation.Builder
	writer  *artifacts.Writer
	store   *runstore.Store
	errLog  *logging.ErrorLog
	logger  *slog.Logger

	httpClient   *http.Client
	states       []*nodeState
	pollInterval time.Duration
	pollAttempts int
}

// Option customizes engine construction.
type Option func(*Engine)

// WithRunStore attaches the persistent completed-methods record. Without it
// the engine still runs; nothing is recorded across invocations.
func WithRunStore(store *runstore.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithErrorLog attaches the append-only failure journal.
func WithErrorLog(errLog *logging.ErrorLog) Option {
	return func(e *Engine) { e.errLog = errLog }
}

// WithHTTPClient overrides the outbound HTTP client, used by tests to point
// the engine at in-process nodes.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(e *Engine) { e.httpClient = httpClient }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New wires an engine over the configured fleet. The coin and method
// catalogues are read-only and shared by all node workers.
func New(cfg *config.Config, catalogue *coins.Catalogue, catalog *methods.Catalog, opts ...Option) (*Engine, error) {
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("engine: no nodes configured")
	}
	writer, err := artifacts.NewWriter(cfg.ArtifactDir)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:          cfg,
		coins:        catalogue,
		catalog:      catalog,
		builder:      activation.NewBuilder(catalogue, catalog),
		writer:       writer,
		logger:       slog.Default(),
		pollInterval: cfg.PollInterval(),
		pollAttempts: cfg.PollAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.httpClient == nil {
		e.httpClient = client.NewHTTPClient(cfg.RequestTimeout())
	}
	for _, node := range cfg.Nodes {
		rpc := client.New(node, e.httpClient, cfg.RequestsPerSecond, e.logger)
		e.states = append(e.states, newNodeState(node, rpc))
	}
	return e, nil
}

// Refresh synchronizes every node's enabled-asset view with the daemon. Run
// once at startup so short-circuit decisions start from ground truth.
func (e *Engine) Refresh(ctx context.Context) error {
	for _, ns := range e.states {
		if err := ns.refreshEnabled(ctx); err != nil {
			return err
		}
	}
	return nil
}

// baselineState returns the node whose clean responses feed the
// completed-methods record.
func (e *Engine) baselineState() *nodeState {
	name := e.cfg.Baseline().Name
	for _, ns := range e.states {
		if ns.node.Name == name {
			return ns
		}
	}
	return e.states[0]
}

// Dispatch sends one request template to every node concurrently and blocks
// until all workers report. The returned slice holds exactly one result per
// configured node, in configuration order. The error is non-nil only for the
// fatal invalid-credential condition, which must abort the whole run.
func (e *Engine) Dispatch(ctx context.Context, method string, template map[string]any, example int) ([]Result, error) {
	start := time.Now()
	type indexed struct {
		pos int
		res Result
	}
	ch := make(chan indexed, len(e.states))
	for i, ns := range e.states {
		go func(pos int, ns *nodeState) {
			ch <- indexed{pos: pos, res: e.dispatchNode(ctx, ns, method, template, example)}
		}(i, ns)
	}

	results := make([]Result, len(e.states))
	for range e.states {
		out := <-ch
		results[out.pos] = out.res
	}
	observability.Metrics().ObserveFanout(method, time.Since(start))

	var fatal error
	for _, res := range results {
		if res.Err != nil && errors.Is(res.Err, client.ErrInvalidCredential) {
			fatal = res.Err
		}
	}

	e.record(method, example, results)
	return results, fatal
}

// record persists per-node summaries and, when the baseline node answered
// cleanly, bumps the method's completed counter.
func (e *Engine) record(method string, example int, results []Result) {
	if e.store == nil {
		return
	}
	baseline := e.baselineState().node.Name
	for _, res := range results {
		summary := runstore.ResultSummary{
			Method:   method,
			Example:  example,
			Node:     res.Node,
			OK:       res.OK,
			Artifact: res.Artifact,
			At:       time.Now().UTC(),
		}
		if res.Err != nil {
			summary.Error = res.Err.Error()
		}
		if err := e.store.RecordResult(summary); err != nil {
			e.logger.Warn("record result", slog.String("method", method), slog.Any("error", err))
		}
		if res.Node == baseline && res.OK {
			if err := e.store.MarkCompleted(method); err != nil {
				e.logger.Warn("mark completed", slog.String("method", method), slog.Any("error", err))
			}
		}
	}
}

// dispatchNode runs the whole per-node sequence: clone, inject, activate
// referenced assets, send (directly or through the task lifecycle), persist
// the artifact and update the cache. Every exit path produces a Result.
func (e *Engine) dispatchNode(ctx context.Context, ns *nodeState, method string, template map[string]any, example int) Result {
	res := Result{Node: ns.node.Name}

	body, err := cloneBody(template)
	if err != nil {
		res.Err = fmt.Errorf("engine: clone request template: %w", err)
		return res
	}
	e.shapeBody(method, body)
	ns.cache.Inject(method, body)

	if !e.catalog.IsActivation(method) {
		for _, ticker := range referencedAssets(body) {
			if err := e.ensureActive(ctx, ns, ticker); err != nil {
				return e.fail(ns, method, example, body, nil, err)
			}
		}
	}

	var raw json.RawMessage
	if e.catalog.IsTaskMethod(method) && methods.IsInit(method) {
		raw, err = e.runTask(ctx, ns, method, body)
	} else {
		var resp *client.Response
		resp, err = ns.rpc.Do(ctx, body)
		if resp != nil {
			raw = resp.Body
		}
	}
	if err != nil {
		return e.fail(ns, method, example, body, raw, err)
	}

	ns.cache.Update(method, resultOf(raw))
	if method == "disable_coin" {
		e.afterDisable(ctx, ns, body)
	}

	res.OK = true
	res.Response = raw
	if path, werr := e.writer.Write(method, example, ns.node, raw); werr != nil {
		e.logger.Warn("write artifact", slog.String("method", method), slog.Any("error", werr))
	} else {
		res.Artifact = path
	}
	return res
}

// runTask drives a task-based method from init through its terminal status
// and returns the final observation as the response document.
func (e *Engine) runTask(ctx context.Context, ns *nodeState, method string, body map[string]any) (json.RawMessage, error) {
	params, _ := body["params"].(map[string]any)
	poller := tasks.NewPoller(ns.rpc, e.pollInterval, e.pollAttempts, e.logger)
	handle, initRaw, err := poller.Submit(ctx, ns.node.Name, method, params)
	if err != nil {
		return nil, err
	}
	ns.cache.Update(method, initRaw)
	outcome, err := poller.Wait(ctx, handle)
	if err != nil {
		return nil, err
	}
	return outcome.Raw, nil
}

// afterDisable re-activates the assets a disable_coin call tore down so the
// node stays usable for the rest of the run. Re-activation failures are
// logged, never surfaced: the disable itself succeeded.
func (e *Engine) afterDisable(ctx context.Context, ns *nodeState, body map[string]any) {
	tickers := referencedAssets(body)
	for _, ticker := range tickers {
		delete(ns.enabled, ticker)
	}
	if err := ns.refreshEnabled(ctx); err != nil {
		e.logger.Warn("refresh after disable", slog.String("node", ns.node.Name), slog.Any("error", err))
	}
	for _, ticker := range tickers {
		if err := e.ensureActive(ctx, ns, ticker); err != nil {
			e.logger.Warn("re-activation after disable failed",
				slog.String("node", ns.node.Name),
				slog.String("ticker", ticker),
				slog.Any("error", err))
		}
	}
}

// fail journals a failure, persists its error artifact and shapes the Result.
func (e *Engine) fail(ns *nodeState, method string, example int, body map[string]any, raw json.RawMessage, err error) Result {
	res := Result{Node: ns.node.Name, Err: err, Response: raw}
	if e.errLog != nil {
		if lerr := e.errLog.Append(method, ns.node.Name, example, body, raw, err); lerr != nil {
			e.logger.Warn("append error log", slog.Any("error", lerr))
		}
	}
	doc := artifacts.ErrorDocument{
		Node:     ns.node.Name,
		Method:   method,
		Error:    err.Error(),
		Response: raw,
	}
	var rpcErr *client.RPCError
	if errors.As(err, &rpcErr) {
		doc.ErrorType = rpcErr.Type
		doc.HTTPStatus = rpcErr.HTTPStatus
	}
	if path, werr := e.writer.Write(method, example, ns.node, doc); werr != nil {
		e.logger.Warn("write error artifact", slog.String("method", method), slog.Any("error", werr))
	} else {
		res.Artifact = path
	}
	return res
}

// shapeBody normalizes a template to the wire shape the method version
// expects: v2 calls always carry the mmrpc marker, and parameterless v2
// calls still need an explicit empty params object.
func (e *Engine) shapeBody(method string, body map[string]any) {
	if _, ok := body["method"]; !ok {
		body["method"] = method
	}
	if e.catalog.IsLegacy(method) {
		delete(body, "mmrpc")
		return
	}
	if _, ok := body["mmrpc"]; !ok {
		body["mmrpc"] = "2.0"
	}
	if e.catalog.NeedsEmptyParams(method) {
		if _, ok := body["params"]; !ok {
			body["params"] = map[string]any{}
		}
	}
}

// cloneBody deep-copies a template so concurrent node workers never share
// mutable request state.
func cloneBody(template map[string]any) (map[string]any, error) {
	buf, err := json.Marshal(template)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(buf, &body); err != nil {
		return nil, err
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

// resultOf extracts a response document's result field, falling back to the
// document itself for bare legacy replies.
func resultOf(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Result) > 0 {
		return env.Result
	}
	return raw
}

// referencedAssets extracts every asset ticker a request names, looking at
// the conventional top-level and nested positions.
func referencedAssets(body map[string]any) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(value any) {
		ticker, ok := value.(string)
		if !ok || ticker == "" {
			return
		}
		if _, dup := seen[ticker]; dup {
			return
		}
		seen[ticker] = struct{}{}
		out = append(out, ticker)
	}
	keys := []string{"coin", "ticker", "base", "rel"}
	for _, key := range keys {
		add(body[key])
	}
	if params, ok := body["params"].(map[string]any); ok {
		for _, key := range keys {
			add(params[key])
		}
	}
	return out
}
