package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"kdfharness/client"
	"kdfharness/config"
)

// nodeState bundles everything owned by exactly one node: its RPC client,
// its chained-value cache and its enabled-asset view. A node's worker is the
// only goroutine that touches it during a dispatch, so no locking is needed.
type nodeState struct {
	node    config.Node
	rpc     *client.Client
	cache   *ChainedCache
	enabled map[string]struct{}
}

func newNodeState(node config.Node, rpc *client.Client) *nodeState {
	return &nodeState{
		node:    node,
		rpc:     rpc,
		cache:   NewChainedCache(),
		enabled: make(map[string]struct{}),
	}
}

func (ns *nodeState) isEnabled(ticker string) bool {
	_, ok := ns.enabled[ticker]
	return ok
}

// refreshEnabled replaces the node's enabled-asset view with the daemon's
// authoritative answer. The view is advisory: a stale entry only costs one
// extra round trip when the daemon disagrees.
func (ns *nodeState) refreshEnabled(ctx context.Context) error {
	resp, err := ns.rpc.CallLegacy(ctx, "get_enabled_coins", nil)
	if err != nil {
		return fmt.Errorf("engine: refresh enabled coins on %s: %w", ns.node.Name, err)
	}
	entries, err := decodeEnabledCoins(resp.Result)
	if err != nil {
		return fmt.Errorf("engine: refresh enabled coins on %s: %w", ns.node.Name, err)
	}
	ns.enabled = make(map[string]struct{}, len(entries))
	for _, ticker := range entries {
		ns.enabled[ticker] = struct{}{}
	}
	return nil
}

type enabledCoin struct {
	Ticker string `json:"ticker"`
}

// decodeEnabledCoins accepts both the legacy list-of-objects shape and the
// v2 {coins: [...]} wrapper.
func decodeEnabledCoins(result json.RawMessage) ([]string, error) {
	var list []enabledCoin
	if err := json.Unmarshal(result, &list); err == nil {
		return tickersOf(list), nil
	}
	var wrapped struct {
		Coins []enabledCoin `json:"coins"`
	}
	if err := json.Unmarshal(result, &wrapped); err != nil {
		return nil, fmt.Errorf("undecodable enabled-coins payload: %w", err)
	}
	return tickersOf(wrapped.Coins), nil
}

func tickersOf(entries []enabledCoin) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Ticker != "" {
			out = append(out, e.Ticker)
		}
	}
	return out
}
