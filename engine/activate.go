package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kdfharness/activation"
	"kdfharness/client"
	"kdfharness/observability"
	"kdfharness/tasks"
)

// ErrDeactivateFailed reports that the automatic recovery from a
// platform-already-activated response could not tear the asset down. It is
// distinct from the activation error itself so operators can tell a stuck
// platform coin from a plain activation failure.
var ErrDeactivateFailed = errors.New("engine: could not deactivate asset for re-activation")

// retryDelay is the settle time between deactivating a platform coin and the
// single activation retry.
const retryDelay = 2 * time.Second

// ensureActive makes ticker usable on the node, activating it if the node's
// enabled view says it is absent. Activation errors that merely report the
// asset is already active are benign: the view is refreshed and the call
// succeeds. A platform-already-activated response triggers one explicit
// deactivate followed by exactly one retry; the loop is bounded, never
// recursive.
func (e *Engine) ensureActive(ctx context.Context, ns *nodeState, ticker string) error {
	if ns.isEnabled(ticker) {
		return nil
	}

	custody, err := activation.ParseCustody(ns.node.Custody)
	if err != nil {
		return err
	}
	req, err := e.builder.Build(ticker, "", custody)
	if err != nil {
		return err
	}

	logger := e.logger.With(
		slog.String("node", ns.node.Name),
		slog.String("ticker", ticker),
		slog.String("method", req.Method))

	for attempt := 0; attempt < 2; attempt++ {
		err := e.activateOnce(ctx, ns, req)
		switch {
		case err == nil:
			observability.Metrics().ObserveActivation(string(req.Family), "ok")
			logger.Info("asset activated")
			return ns.refreshEnabled(ctx)

		case isAlreadyActive(err) && !isPlatformConflict(err):
			// The daemon knows better than our view; adopt its answer.
			observability.Metrics().ObserveActivation(string(req.Family), "already_active")
			logger.Debug("asset already active")
			return ns.refreshEnabled(ctx)

		case isPlatformConflict(err) && attempt == 0:
			target := e.platformTicker(ticker)
			logger.Warn("platform already activated, deactivating and retrying once",
				slog.String("target", target))
			if derr := e.deactivate(ctx, ns, target); derr != nil {
				observability.Metrics().ObserveActivation(string(req.Family), "error")
				return fmt.Errorf("%w: %s on %s: %v", ErrDeactivateFailed, target, ns.node.Name, derr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			continue

		default:
			observability.Metrics().ObserveActivation(string(req.Family), "error")
			return fmt.Errorf("engine: activate %s on %s: %w", ticker, ns.node.Name, err)
		}
	}
	return fmt.Errorf("engine: activate %s on %s: platform still active after retry", ticker, ns.node.Name)
}

// activateOnce issues a single activation call, driving the task lifecycle
// when the method is task-based.
func (e *Engine) activateOnce(ctx context.Context, ns *nodeState, req *activation.Request) error {
	if req.TaskBased {
		poller := tasks.NewPoller(ns.rpc, e.pollInterval, e.pollAttempts, e.logger)
		handle, raw, err := poller.Submit(ctx, ns.node.Name, req.Method, req.Params)
		if err != nil {
			return err
		}
		ns.cache.Update(req.Method, raw)
		outcome, err := poller.Wait(ctx, handle)
		if err != nil {
			return err
		}
		if outcome.Status == tasks.StatusUserActionRequired {
			return fmt.Errorf("engine: activation of %s needs a user action on %s", req.Method, ns.node.Name)
		}
		return nil
	}

	if e.catalog.IsLegacy(req.Method) {
		_, err := ns.rpc.CallLegacy(ctx, req.Method, req.Params)
		return err
	}
	_, err := ns.rpc.CallV2(ctx, req.Method, req.Params, nil)
	return err
}

// deactivate tears an asset down. An error reporting the asset was never
// active is benign.
func (e *Engine) deactivate(ctx context.Context, ns *nodeState, ticker string) error {
	_, err := ns.rpc.CallLegacy(ctx, "disable_coin", map[string]any{"coin": ticker})
	if err != nil {
		var rpcErr *client.RPCError
		if errors.As(err, &rpcErr) &&
			(rpcErr.IsType("CoinIsNotActive") || rpcErr.MessageContains("no such coin") || rpcErr.MessageContains("not enabled")) {
			err = nil
		}
	}
	if err != nil {
		return err
	}
	delete(ns.enabled, ticker)
	return nil
}

// platformTicker resolves the asset to deactivate when the daemon reports a
// platform conflict: the token's parent when it has one, otherwise the asset
// itself.
func (e *Engine) platformTicker(ticker string) string {
	coin, err := e.coins.Lookup(ticker)
	if err != nil || coin.ParentCoin == "" {
		return ticker
	}
	return coin.ParentCoin
}

// isPlatformConflict matches the daemon's platform-already-activated family
// of responses. Checked before the generic already-active match because the
// messages overlap.
func isPlatformConflict(err error) bool {
	var rpcErr *client.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.IsType("PlatformIsAlreadyActivated") ||
		rpcErr.MessageContains("platform is already activated")
}

// isAlreadyActive matches the benign the-asset-exists family of responses.
func isAlreadyActive(err error) bool {
	var rpcErr *client.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.IsType("CoinIsAlreadyActivated") ||
		rpcErr.IsType("TokenIsAlreadyActivated") ||
		rpcErr.MessageContains("already activated") ||
		rpcErr.MessageContains("already initialized")
}
