package activation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kdfharness/coins"
	"kdfharness/methods"
)

const catalogueFixture = `{
  "DOC": {"coin": "DOC", "electrum": [{"url": "electrum1.cipig.net:10020"}], "protocol": {"type": "UTXO"}},
  "ETH": {"coin": "ETH", "nodes": [{"url": "https://eth.example.org"}], "swap_contract_address": "0xswap", "fallback_swap_contract": "0xfallback", "protocol": {"type": "ETH"}},
  "QTUM": {"coin": "QTUM", "electrum": [{"url": "electrum1.qtum.info:50002"}], "contract_address": "0xqtum", "protocol": {"type": "QTUM"}},
  "ATOM": {"coin": "ATOM", "nodes": [{"url": "https://rpc.cosmos.example"}], "protocol": {"type": "TENDERMINT"}},
  "USDC-IBC": {"coin": "USDC-IBC", "parent_coin": "ATOM", "protocol": {"type": "TENDERMINTTOKEN"}},
  "ZOMBIE": {"coin": "ZOMBIE", "electrum": [{"url": "zombie.example:10133"}], "light_wallet_d_servers": ["https://lightd.example"], "protocol": {"type": "ZHTLC"}},
  "BARE-Z": {"coin": "BARE-Z", "electrum": [{"url": "z.example:10133"}], "protocol": {"type": "ZHTLC"}},
  "SC": {"coin": "SC", "sia_server_url": "https://sia.example", "sia_password": "walletpass", "protocol": {"type": "SIA"}},
  "SC-NOPASS": {"coin": "SC-NOPASS", "sia_server_url": "https://sia.example", "protocol": {"type": "SIA"}}
}`

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	catalogue, err := coins.Parse([]byte(catalogueFixture))
	require.NoError(t, err)
	catalog, err := methods.Load("")
	require.NoError(t, err)
	return NewBuilder(catalogue, catalog)
}

func TestUTXOActivationPayload(t *testing.T) {
	b := newTestBuilder(t)
	req, err := b.Build("DOC", "", nil)
	require.NoError(t, err)
	require.Equal(t, "task::enable_utxo::init", req.Method)
	require.True(t, req.TaskBased)
	require.Equal(t, coins.FamilyUTXO, req.Family)

	require.Equal(t, "DOC", req.Params["ticker"])
	activationParams := req.Params["activation_params"].(map[string]any)
	mode := activationParams["mode"].(map[string]any)
	require.Equal(t, "Electrum", mode["rpc"])
	merge := activationParams["utxo_merge_params"].(map[string]any)
	require.Equal(t, 10, merge["merge_at"])
	require.Equal(t, 25, merge["max_merge_at_once"])
	_, hasPolicy := activationParams["priv_key_policy"]
	require.False(t, hasPolicy, "no custody means no policy field")
}

func TestUTXOLegacyVariant(t *testing.T) {
	b := newTestBuilder(t)
	req, err := b.Build("DOC", "legacy", nil)
	require.NoError(t, err)
	require.Equal(t, "electrum", req.Method)
	require.False(t, req.TaskBased)
}

func TestUTXOCustodyIsBareString(t *testing.T) {
	b := newTestBuilder(t)
	req, err := b.Build("DOC", "", &Custody{Type: "Trezor"})
	require.NoError(t, err)
	activationParams := req.Params["activation_params"].(map[string]any)
	require.Equal(t, "Trezor", activationParams["priv_key_policy"])
}

func TestEVMActivationPayload(t *testing.T) {
	b := newTestBuilder(t)
	req, err := b.Build("ETH", "", &Custody{Type: "Trezor"})
	require.NoError(t, err)
	require.Equal(t, "task::enable_eth::init", req.Method)
	require.Equal(t, "0xswap", req.Params["swap_contract_address"])
	require.Equal(t, "0xfallback", req.Params["fallback_swap_contract"])
	policy := req.Params["priv_key_policy"].(map[string]any)
	require.Equal(t, "Trezor", policy["type"])
}

func TestQTUMKeepsLegacyCustodyShape(t *testing.T) {
	b := newTestBuilder(t)
	req, err := b.Build("QTUM", "", &Custody{Type: "Trezor"})
	require.NoError(t, err)
	require.Equal(t, "task::enable_qtum::init", req.Method)
	require.Equal(t, "0xqtum", req.Params["contract_address"])
	activationParams := req.Params["activation_params"].(map[string]any)
	require.Equal(t, "Trezor", activationParams["priv_key_policy"])
}

func TestTendermintPlatformPayload(t *testing.T) {
	b := newTestBuilder(t)
	req, err := b.Build("ATOM", "", nil)
	require.NoError(t, err)
	require.Equal(t, "enable_tendermint_with_assets", req.Method)
	require.False(t, req.TaskBased)
	require.Equal(t, []string{"https://rpc.cosmos.example"}, req.Params["rpc_urls"])
	require.Equal(t, false, req.Params["tx_history"])
	require.Equal(t, false, req.Params["get_balances"])
}

func TestTendermintTokenUsesTokenMethod(t *testing.T) {
	b := newTestBuilder(t)
	req, err := b.Build("USDC-IBC", "", nil)
	require.NoError(t, err)
	require.Equal(t, "enable_tendermint_token", req.Method)
	// Tokens inherit connection data from the platform coin.
	require.Equal(t, map[string]any{"ticker": "USDC-IBC"}, req.Params)
}

func TestZHTLCPayloadDefaults(t *testing.T) {
	b := newTestBuilder(t)
	req, err := b.Build("ZOMBIE", "", nil)
	require.NoError(t, err)
	require.Equal(t, "task::enable_z_coin::init", req.Method)
	activationParams := req.Params["activation_params"].(map[string]any)
	require.Equal(t, 1000, activationParams["scan_blocks_per_iteration"])
	require.Equal(t, 100, activationParams["scan_interval_ms"])
	require.NotEmpty(t, activationParams["zcash_params_path"])
	mode := activationParams["mode"].(map[string]any)
	require.Equal(t, "Light", mode["rpc"])
}

func TestZHTLCRejectsCustody(t *testing.T) {
	b := newTestBuilder(t)
	_, err := b.Build("ZOMBIE", "", &Custody{Type: "Trezor"})
	require.ErrorIs(t, err, ErrCustodyUnsupported)
}

func TestZHTLCRequiresLightClientServers(t *testing.T) {
	b := newTestBuilder(t)
	_, err := b.Build("BARE-Z", "", nil)
	require.ErrorIs(t, err, ErrMissingConnectionData)
}

func TestSiaPayloadAndValidation(t *testing.T) {
	b := newTestBuilder(t)
	req, err := b.Build("SC", "", nil)
	require.NoError(t, err)
	require.Equal(t, "task::enable_sia::init", req.Method)
	activationParams := req.Params["activation_params"].(map[string]any)
	conf := activationParams["client_conf"].(map[string]any)
	require.Equal(t, "https://sia.example", conf["server_url"])
	require.Equal(t, "walletpass", conf["password"])

	_, err = b.Build("SC-NOPASS", "", nil)
	require.ErrorIs(t, err, ErrMissingConnectionData)

	_, err = b.Build("SC", "", &Custody{Type: "Trezor"})
	require.ErrorIs(t, err, ErrCustodyUnsupported)
}

func TestUnknownTicker(t *testing.T) {
	b := newTestBuilder(t)
	_, err := b.Build("NOPE", "", nil)
	require.ErrorIs(t, err, coins.ErrUnknownTicker)
}

func TestParseCustodyShapes(t *testing.T) {
	custody, err := ParseCustody("Trezor")
	require.NoError(t, err)
	require.Equal(t, "Trezor", custody.Type)

	custody, err = ParseCustody(map[string]any{"type": "Trezor"})
	require.NoError(t, err)
	require.Equal(t, "Trezor", custody.Type)

	custody, err = ParseCustody(nil)
	require.NoError(t, err)
	require.Nil(t, custody)

	custody, err = ParseCustody("  ")
	require.NoError(t, err)
	require.Nil(t, custody)

	_, err = ParseCustody(map[string]any{})
	require.Error(t, err)

	_, err = ParseCustody(42)
	require.Error(t, err)
}
