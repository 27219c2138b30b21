package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kdfharness/client"
	"kdfharness/coins"
	"kdfharness/config"
	"kdfharness/engine"
	"kdfharness/methods"
	"kdfharness/tests/support/daemon"
)

const testUserpass = "testpass"

const coinsFixture = `{
  "DOC": {"coin": "DOC", "electrum": [{"url": "electrum1.cipig.net:10020"}], "protocol": {"type": "UTXO"}},
  "MARTY": {"coin": "MARTY", "electrum": [{"url": "electrum2.cipig.net:10021"}], "protocol": {"type": "UTXO"}},
  "ATOM": {"coin": "ATOM", "nodes": [{"url": "https://rpc.example.org"}], "protocol": {"type": "TENDERMINT"}},
  "USDC-IBC": {"coin": "USDC-IBC", "parent_coin": "ATOM", "protocol": {"type": "TENDERMINTTOKEN"}}
}`

type harness struct {
	eng    *engine.Engine
	nodes  []*daemon.Node
	states []*daemon.State
	cfg    *config.Config
}

func newHarness(t *testing.T, nodeCount int, opts ...engine.Option) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{}
	var cfgNodes []config.Node
	for i := 0; i < nodeCount; i++ {
		state := daemon.NewState(testUserpass)
		node, err := daemon.Start(ctx, state)
		require.NoError(t, err)
		t.Cleanup(func() { _ = node.Stop(context.Background()) })
		h.states = append(h.states, state)
		h.nodes = append(h.nodes, node)
		cfgNodes = append(cfgNodes, config.Node{
			Name:     fmt.Sprintf("node%d", i+1),
			URL:      node.URL(),
			Userpass: testUserpass,
		})
	}

	h.cfg = &config.Config{
		Nodes:                 cfgNodes,
		ArtifactDir:           t.TempDir(),
		ExamplesDir:           t.TempDir(),
		RequestTimeoutSeconds: 10,
		PollIntervalSeconds:   1,
		PollAttempts:          5,
		RequestsPerSecond:     200,
	}

	catalogue, err := coins.Parse([]byte(coinsFixture))
	require.NoError(t, err)
	catalog, err := methods.Load("")
	require.NoError(t, err)

	opts = append(opts, engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	eng, err := engine.New(h.cfg, catalogue, catalog, opts...)
	require.NoError(t, err)
	h.eng = eng
	return h
}

func signMessageTemplate(coin string) map[string]any {
	return map[string]any{
		"method": "sign_message",
		"params": map[string]any{"coin": coin, "message": "hello"},
	}
}

func TestDispatchYieldsOneResultPerNode(t *testing.T) {
	h := newHarness(t, 3)
	for _, state := range h.states {
		state.SetEnabled("DOC")
	}
	require.NoError(t, h.eng.Refresh(context.Background()))

	results, fatal := h.eng.Dispatch(context.Background(), "sign_message", signMessageTemplate("DOC"), 1)
	require.NoError(t, fatal)
	require.Len(t, results, 3)
	for i, res := range results {
		require.NoError(t, res.Err)
		require.True(t, res.OK)
		require.Equal(t, fmt.Sprintf("node%d", i+1), res.Node)
		require.NotEmpty(t, res.Artifact)
	}
}

func TestDispatchKeepsFailuresPerNode(t *testing.T) {
	h := newHarness(t, 3)
	results, fatal := h.eng.Dispatch(context.Background(), "bogus_method", map[string]any{"method": "bogus_method"}, 1)
	require.NoError(t, fatal)
	require.Len(t, results, 3)
	for _, res := range results {
		require.Error(t, res.Err)
		require.False(t, res.OK)
		var rpcErr *client.RPCError
		require.ErrorAs(t, res.Err, &rpcErr)
	}
}

func TestActivationShortCircuitsWhenEnabled(t *testing.T) {
	h := newHarness(t, 1)
	h.states[0].SetEnabled("DOC")
	require.NoError(t, h.eng.Refresh(context.Background()))

	results, fatal := h.eng.Dispatch(context.Background(), "sign_message", signMessageTemplate("DOC"), 1)
	require.NoError(t, fatal)
	require.NoError(t, results[0].Err)
	require.Zero(t, h.states[0].CallCount("task::enable_utxo::init"))
}

func TestActivatesAbsentAssetBeforeDispatch(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.eng.Refresh(context.Background()))

	results, fatal := h.eng.Dispatch(context.Background(), "sign_message", signMessageTemplate("DOC"), 1)
	require.NoError(t, fatal)
	require.NoError(t, results[0].Err)
	require.Equal(t, 1, h.states[0].CallCount("task::enable_utxo::init"))
	require.True(t, h.states[0].Enabled("DOC"))
}

func TestPlatformConflictDeactivatesAndRetriesOnce(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.eng.Refresh(context.Background()))
	h.states[0].FailNextActivation("DOC", daemon.RPCFault{
		Type:    "PlatformIsAlreadyActivated",
		Message: "Platform coin DOC is already activated",
	})

	results, fatal := h.eng.Dispatch(context.Background(), "sign_message", signMessageTemplate("DOC"), 1)
	require.NoError(t, fatal)
	require.NoError(t, results[0].Err)
	require.Equal(t, 2, h.states[0].CallCount("task::enable_utxo::init"))
	require.Equal(t, 1, h.states[0].CallCount("disable_coin"))
	require.True(t, h.states[0].Enabled("DOC"))
}

func TestBenignAlreadyActiveIsSuccess(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.eng.Refresh(context.Background()))
	// The daemon has the coin but the engine's view does not; the
	// activation attempt gets the benign refusal.
	h.states[0].SetEnabled("DOC")
	h.states[0].FailNextActivation("DOC", daemon.RPCFault{
		Type:    "CoinIsAlreadyActivated",
		Message: "Coin DOC is already activated",
	})

	results, fatal := h.eng.Dispatch(context.Background(), "sign_message", signMessageTemplate("DOC"), 1)
	require.NoError(t, fatal)
	require.NoError(t, results[0].Err)
	require.Zero(t, h.states[0].CallCount("disable_coin"))
}

func TestInvalidCredentialAbortsRun(t *testing.T) {
	h := newHarness(t, 2)
	// Second node rotates its credential out from under the run.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	badState := daemon.NewState("rotated")
	badNode, err := daemon.Start(ctx, badState)
	require.NoError(t, err)
	t.Cleanup(func() { _ = badNode.Stop(context.Background()) })
	h.cfg.Nodes = append(h.cfg.Nodes, config.Node{Name: "node3", URL: badNode.URL(), Userpass: testUserpass})

	catalogue, err := coins.Parse([]byte(coinsFixture))
	require.NoError(t, err)
	catalog, err := methods.Load("")
	require.NoError(t, err)
	eng, err := engine.New(h.cfg, catalogue, catalog,
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	results, fatal := eng.Dispatch(context.Background(), "version", map[string]any{"method": "version", "mmrpc": "2.0"}, 1)
	require.Error(t, fatal)
	require.ErrorIs(t, fatal, client.ErrInvalidCredential)
	require.Len(t, results, 3)
}

func TestDisableCoinReactivates(t *testing.T) {
	h := newHarness(t, 1)
	h.states[0].SetEnabled("DOC")
	require.NoError(t, h.eng.Refresh(context.Background()))

	template := map[string]any{"method": "disable_coin", "coin": "DOC"}
	results, fatal := h.eng.Dispatch(context.Background(), "disable_coin", template, 1)
	require.NoError(t, fatal)
	require.NoError(t, results[0].Err)
	require.Equal(t, 1, h.states[0].CallCount("disable_coin"))
	require.Equal(t, 1, h.states[0].CallCount("task::enable_utxo::init"))
	require.True(t, h.states[0].Enabled("DOC"))
}

func TestChainedSignatureFlowsIntoVerify(t *testing.T) {
	h := newHarness(t, 1)
	h.states[0].SetEnabled("DOC")
	require.NoError(t, h.eng.Refresh(context.Background()))

	results, fatal := h.eng.Dispatch(context.Background(), "sign_message", signMessageTemplate("DOC"), 1)
	require.NoError(t, fatal)
	require.NoError(t, results[0].Err)

	verify := map[string]any{
		"method": "verify_message",
		"params": map[string]any{"coin": "DOC", "message": "hello"},
	}
	results, fatal = h.eng.Dispatch(context.Background(), "verify_message", verify, 1)
	require.NoError(t, fatal)
	require.NoError(t, results[0].Err)

	var doc struct {
		Result struct {
			IsValid bool `json:"is_valid"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(results[0].Response, &doc))
	require.True(t, doc.Result.IsValid)
}

func TestTaskInitRunsThroughLifecycle(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.eng.Refresh(context.Background()))
	h.states[0].ScriptTaskStatuses("task::enable_utxo", "InProgress", "Ok")

	template := map[string]any{
		"method": "task::enable_utxo::init",
		"params": map[string]any{"ticker": "MARTY"},
	}
	start := time.Now()
	results, fatal := h.eng.Dispatch(context.Background(), "task::enable_utxo::init", template, 1)
	require.NoError(t, fatal)
	require.NoError(t, results[0].Err)
	// One InProgress observation forces at least one poll interval of waiting.
	require.GreaterOrEqual(t, time.Since(start), time.Second)
	require.Equal(t, 1, h.states[0].CallCount("task::enable_utxo::init"))
	require.GreaterOrEqual(t, h.states[0].CallCount("task::enable_utxo::status"), 2)
	require.True(t, h.states[0].Enabled("MARTY"))
}

func TestPerNodeCachesStayIsolated(t *testing.T) {
	h := newHarness(t, 2)
	for _, state := range h.states {
		state.SetEnabled("DOC", "MARTY")
	}
	require.NoError(t, h.eng.Refresh(context.Background()))

	// Each node places its own order; cancel must use the node's own uuid.
	results, fatal := h.eng.Dispatch(context.Background(), "setprice", map[string]any{
		"method": "setprice", "base": "DOC", "rel": "MARTY", "price": "1", "volume": "1",
	}, 1)
	require.NoError(t, fatal)
	for _, res := range results {
		require.NoError(t, res.Err)
	}

	results, fatal = h.eng.Dispatch(context.Background(), "cancel_order", map[string]any{
		"method": "cancel_order",
	}, 2)
	require.NoError(t, fatal)
	for _, res := range results {
		require.NoError(t, res.Err, "each node must cancel its own order")
	}
}

func TestMissingExampleDirFailsRunMethod(t *testing.T) {
	h := newHarness(t, 1)
	err := h.eng.RunMethod(context.Background(), "sign_message")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no example requests")
}
