package engine

import (
	"encoding/json"

	"kdfharness/methods"
)

// SignatureRecord pairs a message signature with the public key that made it.
type SignatureRecord struct {
	Signature string
	Pubkey    string
}

// ChainedCache holds the per-node values that flow from one response into a
// later request. Each category is an explicit typed slot; the cache belongs
// to exactly one node and is only touched from that node's processing path,
// so it needs no locking.
type ChainedCache struct {
	taskIDs       map[string]int64
	swapIDs       []string
	orderIDs      []string
	signature     *SignatureRecord
	unsignedTxHex string
}

// NewChainedCache returns an empty cache.
func NewChainedCache() *ChainedCache {
	return &ChainedCache{taskIDs: make(map[string]int64)}
}

// TaskID returns the most recent task id cached for a task group.
func (c *ChainedCache) TaskID(group string) (int64, bool) {
	id, ok := c.taskIDs[group]
	return id, ok
}

// LatestSwapID returns the most recently observed swap identifier.
func (c *ChainedCache) LatestSwapID() (string, bool) {
	if len(c.swapIDs) == 0 {
		return "", false
	}
	return c.swapIDs[len(c.swapIDs)-1], true
}

// LatestOrderID returns the most recently observed order identifier.
func (c *ChainedCache) LatestOrderID() (string, bool) {
	if len(c.orderIDs) == 0 {
		return "", false
	}
	return c.orderIDs[len(c.orderIDs)-1], true
}

// orderLifecycleMethods receive the latest order id in both the top-level and
// nested-parameter positions, covering both API shapes.
var orderLifecycleMethods = map[string]struct{}{
	"cancel_order":       {},
	"order_status":       {},
	"update_maker_order": {},
}

// Inject fills a request body with cached values the method is known to
// depend on. Missing cache entries leave the body untouched; the daemon's
// own validation reports what the caller actually forgot.
func (c *ChainedCache) Inject(method string, body map[string]any) {
	_, hadParams := body["params"].(map[string]any)
	params := paramsOf(body)

	if group, ok := methods.TaskGroup(method); ok && !methods.IsInit(method) {
		if id, cached := c.taskIDs[group]; cached {
			params["task_id"] = id
		}
	}

	switch {
	case method == "my_swap_status":
		if id, ok := c.LatestSwapID(); ok {
			params["uuid"] = id
		}
	case method == "verify_message":
		if c.signature != nil {
			params["signature"] = c.signature.Signature
			if c.signature.Pubkey != "" {
				params["pubkey"] = c.signature.Pubkey
			}
		}
	case method == "send_raw_transaction":
		if c.unsignedTxHex != "" {
			body["tx_hex"] = c.unsignedTxHex
			params["tx_hex"] = c.unsignedTxHex
		}
	default:
		if _, ok := orderLifecycleMethods[method]; ok {
			if id, cached := c.LatestOrderID(); cached {
				body["uuid"] = id
				params["uuid"] = id
			}
		}
	}

	if !hadParams && len(params) == 0 {
		delete(body, "params")
	}
}

// Update records chained values from a successful response. Task, signature
// and transaction slots are overwritten; swap and order identifiers append so
// the most recent wins on lookup.
func (c *ChainedCache) Update(method string, result json.RawMessage) {
	if len(result) == 0 {
		return
	}

	if methods.IsInit(method) {
		group, _ := methods.TaskGroup(method)
		var payload struct {
			TaskID *int64 `json:"task_id"`
		}
		if err := json.Unmarshal(result, &payload); err == nil && payload.TaskID != nil {
			c.taskIDs[group] = *payload.TaskID
		}
		return
	}

	switch method {
	case "buy", "sell":
		if uuid := extractString(result, "uuid"); uuid != "" {
			c.swapIDs = append(c.swapIDs, uuid)
		}
	case "setprice":
		if uuid := extractString(result, "uuid"); uuid != "" {
			c.orderIDs = append(c.orderIDs, uuid)
		}
	case "sign_message":
		if sig := extractString(result, "signature"); sig != "" {
			c.signature = &SignatureRecord{
				Signature: sig,
				Pubkey:    extractString(result, "pubkey"),
			}
		}
	case "get_unsigned_transaction":
		if hex := extractString(result, "tx_hex"); hex != "" {
			c.unsignedTxHex = hex
		}
	}
}

// paramsOf returns the body's nested parameter object, creating it when the
// body carries none.
func paramsOf(body map[string]any) map[string]any {
	if params, ok := body["params"].(map[string]any); ok {
		return params
	}
	params := map[string]any{}
	body["params"] = params
	return params
}

func extractString(raw json.RawMessage, key string) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(doc[key], &value); err != nil {
		return ""
	}
	return value
}
