package activation

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"kdfharness/coins"
)

// ErrMissingConnectionData is returned when the catalogue entry lacks a field
// the family's activation payload requires. No request is built.
var ErrMissingConnectionData = errors.New("activation: catalogue entry missing required connection data")

const (
	zcashParamsEnv = "ZCASH_PARAMS_PATH"

	// Conservative shielded-chain scan batching: small enough to keep the
	// daemon responsive while the wallet syncs.
	zhtlcScanBlocksPerIteration = 1000
	zhtlcScanIntervalMS         = 100

	utxoMergeAt        = 10
	utxoMaxMergeAtOnce = 25
)

// payloadBuilder produces the activation parameter object for one protocol
// family. Adding a chain type means adding one implementation here, not
// another branch in the dispatcher.
type payloadBuilder interface {
	build(coin coins.Coin, custody *Custody) (map[string]any, error)
}

var familyBuilders = map[coins.Family]payloadBuilder{
	coins.FamilyUTXO:       utxoBuilder{},
	coins.FamilyEVM:        evmBuilder{},
	coins.FamilyQTUM:       qtumBuilder{},
	coins.FamilyTendermint: tendermintBuilder{},
	coins.FamilyZHTLC:      zhtlcBuilder{},
	coins.FamilySia:        siaBuilder{},
}

type utxoBuilder struct{}

func (utxoBuilder) build(coin coins.Coin, custody *Custody) (map[string]any, error) {
	if len(coin.Electrum) == 0 {
		return nil, fmt.Errorf("%w: %s has no electrum servers", ErrMissingConnectionData, coin.Ticker)
	}
	activationParams := map[string]any{
		"mode": map[string]any{
			"rpc":      "Electrum",
			"rpc_data": map[string]any{"servers": coin.Electrum},
		},
		"utxo_merge_params": map[string]any{
			"merge_at":          utxoMergeAt,
			"max_merge_at_once": utxoMaxMergeAtOnce,
		},
	}
	if custody != nil {
		policy, err := custody.policyParam(coins.FamilyUTXO)
		if err != nil {
			return nil, err
		}
		activationParams["priv_key_policy"] = policy
	}
	return map[string]any{
		"ticker":            coin.Ticker,
		"activation_params": activationParams,
	}, nil
}

type evmBuilder struct{}

func (evmBuilder) build(coin coins.Coin, custody *Custody) (map[string]any, error) {
	if len(coin.Nodes) == 0 {
		return nil, fmt.Errorf("%w: %s has no rpc nodes", ErrMissingConnectionData, coin.Ticker)
	}
	params := map[string]any{
		"ticker": coin.Ticker,
		"nodes":  coin.Nodes,
	}
	if coin.SwapContractAddress != "" {
		params["swap_contract_address"] = coin.SwapContractAddress
	}
	if coin.FallbackSwapContract != "" {
		params["fallback_swap_contract"] = coin.FallbackSwapContract
	}
	if custody != nil {
		policy, err := custody.policyParam(coins.FamilyEVM)
		if err != nil {
			return nil, err
		}
		params["priv_key_policy"] = policy
	}
	return params, nil
}

type qtumBuilder struct{}

func (qtumBuilder) build(coin coins.Coin, custody *Custody) (map[string]any, error) {
	if len(coin.Electrum) == 0 {
		return nil, fmt.Errorf("%w: %s has no electrum servers", ErrMissingConnectionData, coin.Ticker)
	}
	activationParams := map[string]any{
		"mode": map[string]any{
			"rpc":      "Electrum",
			"rpc_data": map[string]any{"servers": coin.Electrum},
		},
	}
	if custody != nil {
		policy, err := custody.policyParam(coins.FamilyQTUM)
		if err != nil {
			return nil, err
		}
		activationParams["priv_key_policy"] = policy
	}
	params := map[string]any{
		"ticker":            coin.Ticker,
		"activation_params": activationParams,
	}
	if coin.ContractAddress != "" {
		params["contract_address"] = coin.ContractAddress
	}
	return params, nil
}

type tendermintBuilder struct{}

func (tendermintBuilder) build(coin coins.Coin, custody *Custody) (map[string]any, error) {
	params := map[string]any{"ticker": coin.Ticker}
	if coin.IsToken() {
		// Tokens inherit the platform coin's node list.
		return params, nil
	}
	if len(coin.Nodes) == 0 {
		return nil, fmt.Errorf("%w: %s has no rpc nodes", ErrMissingConnectionData, coin.Ticker)
	}
	urls := make([]string, 0, len(coin.Nodes))
	for _, node := range coin.Nodes {
		urls = append(urls, node.URL)
	}
	params["rpc_urls"] = urls
	// Conservative platform defaults: no history indexing, no eager
	// balance fetching.
	params["tx_history"] = false
	params["get_balances"] = false
	if custody != nil {
		policy, err := custody.policyParam(coins.FamilyTendermint)
		if err != nil {
			return nil, err
		}
		params["priv_key_policy"] = policy
	}
	return params, nil
}

type zhtlcBuilder struct{}

func (zhtlcBuilder) build(coin coins.Coin, custody *Custody) (map[string]any, error) {
	if custody != nil {
		return nil, fmt.Errorf("%w: %s", ErrCustodyUnsupported, coins.FamilyZHTLC)
	}
	if len(coin.Electrum) == 0 {
		return nil, fmt.Errorf("%w: %s has no electrum servers", ErrMissingConnectionData, coin.Ticker)
	}
	if len(coin.LightWalletDServers) == 0 {
		return nil, fmt.Errorf("%w: %s has no light client servers", ErrMissingConnectionData, coin.Ticker)
	}
	return map[string]any{
		"ticker": coin.Ticker,
		"activation_params": map[string]any{
			"mode": map[string]any{
				"rpc": "Light",
				"rpc_data": map[string]any{
					"electrum_servers":       coin.Electrum,
					"light_wallet_d_servers": coin.LightWalletDServers,
				},
			},
			"zcash_params_path":         zcashParamsPath(),
			"scan_blocks_per_iteration": zhtlcScanBlocksPerIteration,
			"scan_interval_ms":          zhtlcScanIntervalMS,
		},
	}, nil
}

type siaBuilder struct{}

func (siaBuilder) build(coin coins.Coin, custody *Custody) (map[string]any, error) {
	if custody != nil {
		return nil, fmt.Errorf("%w: %s", ErrCustodyUnsupported, coins.FamilySia)
	}
	if coin.SiaServerURL == "" {
		return nil, fmt.Errorf("%w: %s has no server url", ErrMissingConnectionData, coin.Ticker)
	}
	if coin.SiaPassword == "" {
		return nil, fmt.Errorf("%w: %s has no access credential", ErrMissingConnectionData, coin.Ticker)
	}
	return map[string]any{
		"ticker": coin.Ticker,
		"activation_params": map[string]any{
			"client_conf": map[string]any{
				"server_url": coin.SiaServerURL,
				"password":   coin.SiaPassword,
			},
		},
	}, nil
}

var (
	zcashParamsOnce sync.Once
	zcashParamsDir  string
)

// zcashParamsPath resolves the shielded-chain parameter directory from the
// environment, falling back to the conventional location with a warning.
func zcashParamsPath() string {
	zcashParamsOnce.Do(func() {
		if dir := os.Getenv(zcashParamsEnv); dir != "" {
			zcashParamsDir = dir
			return
		}
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		zcashParamsDir = filepath.Join(home, ".zcash-params")
		slog.Warn("ZCASH_PARAMS_PATH not set, using default location",
			slog.String("path", zcashParamsDir))
	})
	return zcashParamsDir
}
