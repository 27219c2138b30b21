// Package daemon provides an in-process stub of a wallet daemon node for
// integration tests: one HTTP listener per node, a scriptable State behind
// it, and just enough RPC surface to exercise activation, task polling,
// chained requests and fan-out.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
)

// Node is one stub daemon instance bound to 127.0.0.1:0.
type Node struct {
	state    *State
	server   *http.Server
	listener net.Listener
	addr     string
}

// State is the scriptable node-side world. All access is mutex-guarded so
// tests can inspect it while the engine is talking to the node.
type State struct {
	mu sync.Mutex

	userpass string
	enabled  map[string]struct{}

	// taskScripts maps a task group to the status sequence its ::status
	// endpoint walks through; the last entry repeats.
	taskScripts map[string][]string
	taskCursor  map[string]int
	nextTaskID  int64
	// pendingTasks maps an allocated task id to the ticker it activates
	// once its status run reaches Ok.
	pendingTasks map[int64]string

	// activationErrors maps a ticker to a one-shot error the next
	// activation of it returns.
	activationErrors map[string]RPCFault

	orders  map[string]struct{}
	nextSeq int
	calls   []string
}

// RPCFault scripts one application-level error response.
type RPCFault struct {
	Type    string
	Message string
}

// NewState builds a state accepting the given credential.
func NewState(userpass string) *State {
	return &State{
		userpass:         userpass,
		enabled:          make(map[string]struct{}),
		taskScripts:      make(map[string][]string),
		taskCursor:       make(map[string]int),
		pendingTasks:     make(map[int64]string),
		activationErrors: make(map[string]RPCFault),
		orders:           make(map[string]struct{}),
	}
}

// Start launches a stub node over state on an ephemeral loopback port.
func Start(ctx context.Context, state *State) (*Node, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("daemon: listen: %w", err)
	}
	node := &Node{
		state:    state,
		listener: listener,
		addr:     listener.Addr().String(),
	}
	node.server = &http.Server{Handler: http.HandlerFunc(node.handle)}
	go func() {
		_ = node.server.Serve(listener)
	}()
	go func() {
		<-ctx.Done()
		_ = node.server.Close()
	}()
	return node, nil
}

// URL returns the node's RPC endpoint.
func (n *Node) URL() string {
	return "http://" + n.addr
}

// Stop shuts the listener down.
func (n *Node) Stop(ctx context.Context) error {
	return n.server.Shutdown(ctx)
}

// State exposes the scriptable world for assertions.
func (n *Node) State() *State {
	return n.state
}

// SetEnabled marks tickers active without going through activation.
func (s *State) SetEnabled(tickers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickers {
		s.enabled[t] = struct{}{}
	}
}

// Enabled reports whether a ticker is active.
func (s *State) Enabled(ticker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.enabled[ticker]
	return ok
}

// ScriptTaskStatuses sets the status sequence a task group's status endpoint
// reports. The final entry repeats once the sequence is exhausted.
func (s *State) ScriptTaskStatuses(group string, statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskScripts[group] = statuses
	s.taskCursor[group] = 0
}

// FailNextActivation scripts a one-shot activation error for ticker.
func (s *State) FailNextActivation(ticker string, fault RPCFault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activationErrors[ticker] = fault
}

// Calls returns the method names seen so far, in order.
func (s *State) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times a method was invoked.
func (s *State) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.calls {
		if m == method {
			count++
		}
	}
	return count
}

func (n *Node) handle(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "", "undecodable request body")
		return
	}
	method, _ := body["method"].(string)
	userpass, _ := body["userpass"].(string)

	n.state.mu.Lock()
	n.state.calls = append(n.state.calls, method)
	expected := n.state.userpass
	n.state.mu.Unlock()

	if userpass != expected {
		writeError(w, http.StatusUnauthorized, "", "userpass is invalid")
		return
	}

	n.dispatch(w, method, body)
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	doc := map[string]any{"error": message}
	if errorType != "" {
		doc["error_type"] = errorType
	}
	_ = json.NewEncoder(w).Encode(doc)
}

func params(body map[string]any) map[string]any {
	if p, ok := body["params"].(map[string]any); ok {
		return p
	}
	return map[string]any{}
}

func firstString(candidates ...any) string {
	for _, c := range candidates {
		if s, ok := c.(string); ok && s != "" {
			return s
		}
	}
	return ""
}
