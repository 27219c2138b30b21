// Package tasks implements the init/status/user_action/cancel lifecycle for
// long-running daemon operations. It depends only on the RPC transport.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kdfharness/methods"
	"kdfharness/observability"
)

// Status is a task's observed lifecycle state.
type Status string

const (
	StatusOk                 Status = "Ok"
	StatusInProgress         Status = "InProgress"
	StatusUserActionRequired Status = "UserActionRequired"
	StatusError              Status = "Error"
	StatusAborted            Status = "Aborted"
	StatusFailed             Status = "Failed"
)

// terminalFailure reports whether the daemon said no (as opposed to "not yet").
func terminalFailure(s Status) bool {
	return s == StatusError || s == StatusAborted || s == StatusFailed
}

// ErrTimeout is returned when the attempt budget is exhausted before a
// terminal state. It is distinct from a task failure: the server never
// answered in time, and the server-side task may still be running.
var ErrTimeout = errors.New("tasks: polling timed out")

// FailedError carries a terminal Error/Aborted/Failed status and its details.
type FailedError struct {
	TaskID  int64
	Status  Status
	Details json.RawMessage
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("tasks: task %d ended with status %s", e.TaskID, e.Status)
}

// Handle identifies one server-side task.
type Handle struct {
	Group string
	ID    int64
	Node  string
}

// Caller is the minimal transport surface the poller needs.
type Caller interface {
	CallV2(ctx context.Context, method string, params any, out any) (json.RawMessage, error)
}

// Outcome is the final observation for a polled task.
type Outcome struct {
	Status  Status
	Details json.RawMessage
	Raw     json.RawMessage
}

// Poller drives status polling with a bounded interval and attempt budget.
// It never cancels a task on its own; Cancel is always an explicit caller
// decision.
type Poller struct {
	caller   Caller
	interval time.Duration
	attempts int
	logger   *slog.Logger
}

// NewPoller constructs a poller. Zero interval/attempts select the defaults
// (5 seconds, 20 attempts).
func NewPoller(caller Caller, interval time.Duration, attempts int, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if attempts <= 0 {
		attempts = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{caller: caller, interval: interval, attempts: attempts, logger: logger}
}

// statusResult mirrors the status response payload.
type statusResult struct {
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details"`
}

// Submit issues the init call and returns the handle for the created task.
func (p *Poller) Submit(ctx context.Context, node, initMethod string, params map[string]any) (Handle, json.RawMessage, error) {
	var result struct {
		TaskID int64 `json:"task_id"`
	}
	raw, err := p.caller.CallV2(ctx, initMethod, params, &result)
	if err != nil {
		return Handle{}, nil, err
	}
	group, ok := methods.TaskGroup(initMethod)
	if !ok {
		return Handle{}, nil, fmt.Errorf("tasks: %s is not a task init method", initMethod)
	}
	return Handle{Group: group, ID: result.TaskID, Node: node}, raw, nil
}

// Wait polls the task's status until a terminal state or the attempt budget
// is exhausted. A UserActionRequired observation is terminal for this call:
// the poller takes no action itself; the caller must submit the requested
// action via UserAction and resume with another Wait.
func (p *Poller) Wait(ctx context.Context, h Handle) (*Outcome, error) {
	return p.wait(ctx, h, p.attempts, false)
}

// WaitDeadline is the generic variant: the attempt budget is derived from the
// supplied timeout, and a response carrying a success-shaped payload without
// an explicit status envelope is treated as completed.
func (p *Poller) WaitDeadline(ctx context.Context, h Handle, timeout time.Duration) (*Outcome, error) {
	attempts := int(timeout / p.interval)
	if attempts < 1 {
		attempts = 1
	}
	return p.wait(ctx, h, attempts, true)
}

func (p *Poller) wait(ctx context.Context, h Handle, attempts int, heuristic bool) (*Outcome, error) {
	statusMethod := h.Group + "::status"
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.interval):
			}
		}

		var result statusResult
		raw, err := p.caller.CallV2(ctx, statusMethod, map[string]any{"task_id": h.ID}, &result)
		if err != nil {
			return nil, fmt.Errorf("tasks: status poll for task %d: %w", h.ID, err)
		}

		status := Status(result.Status)
		if result.Status == "" && heuristic && successShaped(raw) {
			// Some responses omit the status envelope once the task is
			// done; a success-shaped payload counts as completion.
			observability.Metrics().ObserveTaskPoll(h.Group, string(StatusOk))
			return &Outcome{Status: StatusOk, Details: raw, Raw: raw}, nil
		}
		observability.Metrics().ObserveTaskPoll(h.Group, result.Status)
		p.logger.Debug("task status",
			slog.Int64("task_id", h.ID),
			slog.String("group", h.Group),
			slog.String("status", result.Status))

		switch {
		case status == StatusOk:
			return &Outcome{Status: StatusOk, Details: result.Details, Raw: raw}, nil
		case status == StatusUserActionRequired:
			return &Outcome{Status: StatusUserActionRequired, Details: result.Details, Raw: raw}, nil
		case terminalFailure(status):
			return nil, &FailedError{TaskID: h.ID, Status: status, Details: result.Details}
		case status == StatusInProgress || result.Status == "":
			continue
		default:
			// Unknown status strings are treated as still-running; the
			// attempt budget bounds how long that can go on.
			continue
		}
	}
	return nil, fmt.Errorf("%w: task %d after %d attempts", ErrTimeout, h.ID, attempts)
}

// UserAction submits the user-provided action (a PIN, a passphrase) for a
// task waiting on it.
func (p *Poller) UserAction(ctx context.Context, h Handle, action map[string]any) error {
	params := map[string]any{"task_id": h.ID, "user_action": action}
	_, err := p.caller.CallV2(ctx, h.Group+"::user_action", params, nil)
	return err
}

// Cancel asks the daemon to abort the task. The poller never calls this on
// its own, even after its own timeout.
func (p *Poller) Cancel(ctx context.Context, h Handle) error {
	_, err := p.caller.CallV2(ctx, h.Group+"::cancel", map[string]any{"task_id": h.ID}, nil)
	return err
}

// successShaped reports whether a statusless payload looks like a completed
// result: a wallet balance or details object.
func successShaped(raw json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	for _, key := range []string{"wallet_balance", "details", "balance"} {
		if _, ok := probe[key]; ok {
			return true
		}
	}
	return false
}
