package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"kdfharness/coins"
	"kdfharness/config"
	"kdfharness/engine"
	"kdfharness/methods"
	"kdfharness/observability/logging"
	"kdfharness/runstore"
	"kdfharness/tests/support/daemon"
)

const userpass = "e2epass"

const catalogueJSON = `{
  "DOC": {"coin": "DOC", "electrum": [{"url": "electrum1.cipig.net:10020"}], "protocol": {"type": "UTXO"}},
  "MARTY": {"coin": "MARTY", "electrum": [{"url": "electrum2.cipig.net:10021"}], "protocol": {"type": "UTXO"}}
}`

type fleet struct {
	cfg    *config.Config
	states []*daemon.State
	store  *runstore.Store
	eng    *engine.Engine
}

func startFleet(t *testing.T, nodeCount int) *fleet {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fleet{}
	var nodes []config.Node
	for i := 0; i < nodeCount; i++ {
		state := daemon.NewState(userpass)
		node, err := daemon.Start(ctx, state)
		require.NoError(t, err)
		t.Cleanup(func() { _ = node.Stop(context.Background()) })
		f.states = append(f.states, state)
		nodes = append(nodes, config.Node{
			Name:     fmt.Sprintf("node%d", i+1),
			URL:      node.URL(),
			Userpass: userpass,
		})
	}

	dataDir := t.TempDir()
	f.cfg = &config.Config{
		Nodes:                 nodes,
		BaselineNode:          "node1",
		ArtifactDir:           filepath.Join(dataDir, "artifacts"),
		ExamplesDir:           filepath.Join(dataDir, "examples"),
		RequestTimeoutSeconds: 10,
		PollIntervalSeconds:   1,
		PollAttempts:          5,
		RequestsPerSecond:     500,
	}
	require.NoError(t, os.MkdirAll(f.cfg.ExamplesDir, 0o755))

	store, err := runstore.Open(filepath.Join(dataDir, "run.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f.store = store

	catalogue, err := coins.Parse([]byte(catalogueJSON))
	require.NoError(t, err)
	catalog, err := methods.Load("")
	require.NoError(t, err)

	errLog := logging.NewErrorLog(filepath.Join(dataDir, "request_errors.log"))
	t.Cleanup(func() { _ = errLog.Close() })

	eng, err := engine.New(f.cfg, catalogue, catalog,
		engine.WithRunStore(store),
		engine.WithErrorLog(errLog),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	f.eng = eng
	return f
}

func (f *fleet) addExample(t *testing.T, method string, index int, body map[string]any) {
	t.Helper()
	dir := filepath.Join(f.cfg.ExamplesDir, method)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.MarshalIndent(body, "", "  ")
	require.NoError(t, err)
	name := fmt.Sprintf("request_%03d.json", index)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestRunExecutesExamplesAcrossFleet(t *testing.T) {
	f := startFleet(t, 2)
	f.addExample(t, "sign_message", 1, map[string]any{
		"method": "sign_message",
		"params": map[string]any{"coin": "DOC", "message": "first"},
	})
	f.addExample(t, "sign_message", 2, map[string]any{
		"method": "sign_message",
		"params": map[string]any{"coin": "DOC", "message": "second"},
	})

	require.NoError(t, f.eng.Refresh(context.Background()))
	require.NoError(t, f.eng.Run(context.Background(), []string{"sign_message"}, false))

	// Both examples reached both nodes; the coin was activated on demand.
	for _, state := range f.states {
		require.Equal(t, 2, state.CallCount("sign_message"))
		require.True(t, state.Enabled("DOC"))
	}

	// The baseline node's clean responses feed the completed record.
	rec, err := f.store.Completed("sign_message")
	require.NoError(t, err)
	require.Equal(t, 2, rec.Examples)

	// One artifact per (example, node).
	entries, err := os.ReadDir(f.cfg.ArtifactDir)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	results, err := f.store.Results("sign_message")
	require.NoError(t, err)
	require.Len(t, results, 4)
}

func TestRunSkipsCompletedMethods(t *testing.T) {
	f := startFleet(t, 1)
	f.addExample(t, "sign_message", 1, map[string]any{
		"method": "sign_message",
		"params": map[string]any{"coin": "DOC", "message": "hello"},
	})
	require.NoError(t, f.eng.Refresh(context.Background()))

	require.NoError(t, f.eng.Run(context.Background(), []string{"sign_message"}, false))
	require.Equal(t, 1, f.states[0].CallCount("sign_message"))

	// Second run without force skips; with force it re-runs.
	require.NoError(t, f.eng.Run(context.Background(), []string{"sign_message"}, false))
	require.Equal(t, 1, f.states[0].CallCount("sign_message"))

	require.NoError(t, f.eng.Run(context.Background(), []string{"sign_message"}, true))
	require.Equal(t, 2, f.states[0].CallCount("sign_message"))
}

func TestRunRecordsPerNodeFailures(t *testing.T) {
	f := startFleet(t, 2)
	f.addExample(t, "my_swap_status", 1, map[string]any{
		"method": "my_swap_status",
		"params": map[string]any{},
	})
	require.NoError(t, f.eng.Refresh(context.Background()))

	// No swap uuid is cached anywhere, so the daemon rejects the call on
	// every node; the run itself still completes.
	require.NoError(t, f.eng.Run(context.Background(), []string{"my_swap_status"}, false))

	results, err := f.store.Results("my_swap_status")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.False(t, res.OK)
		require.NotEmpty(t, res.Error)
	}

	_, err = f.store.Completed("my_swap_status")
	require.ErrorIs(t, err, runstore.ErrNotFound)
}

func TestTaskActivationAcrossMixedFleet(t *testing.T) {
	f := startFleet(t, 3)
	// One node already has DOC active; the other two must earn it through
	// the full init/status lifecycle.
	f.states[2].SetEnabled("DOC")
	for _, state := range f.states {
		state.ScriptTaskStatuses("task::enable_utxo", "InProgress", "Ok")
	}
	f.addExample(t, "task-enable_utxo-init", 1, map[string]any{
		"method": "task::enable_utxo::init",
		"params": map[string]any{"ticker": "DOC"},
	})

	require.NoError(t, f.eng.Refresh(context.Background()))
	require.NoError(t, f.eng.Run(context.Background(), []string{"task::enable_utxo::init"}, false))

	for _, state := range f.states {
		require.True(t, state.Enabled("DOC"))
		// Exactly one init per node: the dispatched example itself, with no
		// extra activation pass in front of it.
		require.Equal(t, 1, state.CallCount("task::enable_utxo::init"))
		require.GreaterOrEqual(t, state.CallCount("task::enable_utxo::status"), 2)
	}

	results, err := f.store.Results("task::enable_utxo::init")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		require.True(t, res.OK)
	}
}

func TestMethodsListsExampleDirectories(t *testing.T) {
	f := startFleet(t, 1)
	f.addExample(t, "sign_message", 1, map[string]any{"method": "sign_message"})
	f.addExample(t, "task-enable_utxo-init", 1, map[string]any{
		"method": "task::enable_utxo::init",
		"params": map[string]any{"ticker": "DOC"},
	})

	names, err := f.eng.Methods()
	require.NoError(t, err)
	require.Equal(t, []string{"sign_message", "task::enable_utxo::init"}, names)
}
