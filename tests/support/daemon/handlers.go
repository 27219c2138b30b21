package daemon

import (
	"fmt"
	"net/http"
	"strings"
)

func (n *Node) dispatch(w http.ResponseWriter, method string, body map[string]any) {
	s := n.state

	if strings.Contains(method, "::") {
		n.dispatchTask(w, method, body)
		return
	}

	switch method {
	case "get_enabled_coins":
		writeResult(w, s.enabledEntries())

	case "electrum", "enable":
		ticker := firstString(body["coin"], params(body)["ticker"])
		if fault, ok := s.takeActivationFault(ticker); ok {
			writeError(w, http.StatusOK, fault.Type, fault.Message)
			return
		}
		s.SetEnabled(ticker)
		writeResult(w, map[string]any{
			"coin":    ticker,
			"address": "stub-address-" + ticker,
			"balance": "100",
			"result":  "success",
		})

	case "enable_tendermint_with_assets", "enable_tendermint_token", "enable_eth_with_tokens", "enable_erc20":
		ticker := firstString(params(body)["ticker"], body["coin"])
		if fault, ok := s.takeActivationFault(ticker); ok {
			writeError(w, http.StatusOK, fault.Type, fault.Message)
			return
		}
		s.SetEnabled(ticker)
		writeResult(w, map[string]any{
			"ticker":         ticker,
			"current_block":  1000,
			"balances":       map[string]any{},
			"address_infos":  map[string]any{},
			"wallet_balance": map[string]any{"wallet_type": "Iguana"},
		})

	case "disable_coin":
		ticker := firstString(body["coin"], params(body)["coin"])
		if !s.Enabled(ticker) {
			writeError(w, http.StatusOK, "", fmt.Sprintf("No such coin: %s", ticker))
			return
		}
		s.disable(ticker)
		writeResult(w, map[string]any{
			"coin":             ticker,
			"cancelled_orders": []string{},
			"passivized":       false,
		})

	case "sign_message":
		coin := firstString(params(body)["coin"], body["coin"])
		writeResult(w, map[string]any{
			"signature": "sig:" + coin,
			"pubkey":    "pub:" + coin,
		})

	case "verify_message":
		signature := firstString(params(body)["signature"])
		if signature == "" {
			writeError(w, http.StatusOK, "InvalidRequest", "signature is required")
			return
		}
		writeResult(w, map[string]any{
			"is_valid": strings.HasPrefix(signature, "sig:"),
		})

	case "buy", "sell":
		action := "Buy"
		if method == "sell" {
			action = "Sell"
		}
		writeResult(w, map[string]any{
			"uuid":   s.newID("swap"),
			"action": action,
		})

	case "setprice":
		uuid := s.newID("order")
		s.addOrder(uuid)
		writeResult(w, map[string]any{"uuid": uuid})

	case "cancel_order":
		uuid := firstString(body["uuid"], params(body)["uuid"])
		if !s.hasOrder(uuid) {
			writeError(w, http.StatusOK, "", fmt.Sprintf("Order with uuid %s is not found", uuid))
			return
		}
		s.removeOrder(uuid)
		writeResult(w, "success")

	case "order_status":
		uuid := firstString(body["uuid"], params(body)["uuid"])
		if !s.hasOrder(uuid) {
			writeError(w, http.StatusOK, "", fmt.Sprintf("Order with uuid %s is not found", uuid))
			return
		}
		writeResult(w, map[string]any{"type": "Maker", "uuid": uuid})

	case "my_swap_status":
		uuid := firstString(params(body)["uuid"], body["uuid"])
		if uuid == "" {
			writeError(w, http.StatusOK, "", "uuid is required")
			return
		}
		writeResult(w, map[string]any{"uuid": uuid, "events": []any{}})

	case "send_raw_transaction":
		hex := firstString(body["tx_hex"], params(body)["tx_hex"])
		if hex == "" {
			writeError(w, http.StatusOK, "", "tx_hex is required")
			return
		}
		writeResult(w, map[string]any{"tx_hash": "hash:" + hex})

	case "get_unsigned_transaction":
		writeResult(w, map[string]any{"tx_hex": "deadbeef"})

	case "version":
		writeResult(w, "stub-1.0")

	default:
		writeError(w, http.StatusOK, "", fmt.Sprintf("Unknown method: %s", method))
	}
}

// dispatchTask handles the task lifecycle endpoints. Init allocates a task
// id; status walks the scripted sequence, defaulting to an immediate Ok.
func (n *Node) dispatchTask(w http.ResponseWriter, method string, body map[string]any) {
	s := n.state
	parts := strings.Split(method, "::")
	group := strings.Join(parts[:len(parts)-1], "::")
	action := parts[len(parts)-1]

	switch action {
	case "init":
		ticker := firstString(params(body)["ticker"], params(body)["coin"], body["coin"])
		if fault, ok := s.takeActivationFault(ticker); ok {
			writeError(w, http.StatusOK, fault.Type, fault.Message)
			return
		}
		id := s.allocateTask(ticker)
		writeResult(w, map[string]any{"task_id": id})

	case "status":
		id, ok := taskIDOf(params(body))
		if !ok {
			writeError(w, http.StatusOK, "NoSuchTask", "task_id is required")
			return
		}
		status := s.nextStatus(group)
		if status == "Ok" {
			s.completeTask(id)
		}
		writeResult(w, map[string]any{
			"status":  status,
			"details": map[string]any{"wallet_balance": map[string]any{}},
		})

	case "cancel", "user_action":
		writeResult(w, "success")

	default:
		writeError(w, http.StatusOK, "", fmt.Sprintf("Unknown task action: %s", action))
	}
}

func taskIDOf(p map[string]any) (int64, bool) {
	switch v := p["task_id"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func (s *State) enabledEntries() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.enabled))
	for ticker := range s.enabled {
		out = append(out, map[string]any{
			"ticker":  ticker,
			"address": "stub-address-" + ticker,
		})
	}
	return out
}

func (s *State) takeActivationFault(ticker string) (RPCFault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fault, ok := s.activationErrors[ticker]
	if ok {
		delete(s.activationErrors, ticker)
	}
	return fault, ok
}

func (s *State) disable(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.enabled, ticker)
}

func (s *State) allocateTask(ticker string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTaskID++
	s.pendingTasks[s.nextTaskID] = ticker
	return s.nextTaskID
}

func (s *State) completeTask(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticker, ok := s.pendingTasks[id]; ok && ticker != "" {
		s.enabled[ticker] = struct{}{}
	}
	delete(s.pendingTasks, id)
}

func (s *State) nextStatus(group string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	script, ok := s.taskScripts[group]
	if !ok || len(script) == 0 {
		return "Ok"
	}
	cursor := s.taskCursor[group]
	if cursor >= len(script) {
		cursor = len(script) - 1
	} else {
		s.taskCursor[group] = cursor + 1
	}
	return script[cursor]
}

func (s *State) newID(kind string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	return fmt.Sprintf("%s-%04d", kind, s.nextSeq)
}

func (s *State) addOrder(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[uuid] = struct{}{}
}

func (s *State) hasOrder(uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.orders[uuid]
	return ok
}

func (s *State) removeOrder(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, uuid)
}
