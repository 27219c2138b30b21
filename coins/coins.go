package coins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
)

// Family identifies which activation payload shape an asset requires. The set
// is closed: adding a new chain type means adding a tag here and a builder for
// it in the activation package.
type Family string

const (
	// FamilyUTXO covers Bitcoin-style chains served by Electrum servers
	// (UTXO, BCH, SLP).
	FamilyUTXO Family = "UTXO"
	// FamilyEVM covers account-based smart-contract chains (ETH, ERC20 and
	// other EVM networks).
	FamilyEVM Family = "EVM"
	// FamilyQTUM covers the QTUM/QRC20 sub-family: account-based contracts
	// reached through Electrum servers with legacy payload quirks.
	FamilyQTUM Family = "QTUM"
	// FamilyTendermint covers Cosmos-SDK chains and their tokens.
	FamilyTendermint Family = "TENDERMINT"
	// FamilyZHTLC covers shielded-ledger chains (ARRR, ZOMBIE).
	FamilyZHTLC Family = "ZHTLC"
	// FamilySia covers independent-ledger chains that require a dedicated
	// server URL and access credential.
	FamilySia Family = "SIA"
)

var (
	// ErrUnknownTicker is returned when an asset is missing from the catalogue.
	ErrUnknownTicker = errors.New("coins: ticker not present in catalogue")
	// ErrUnknownProtocol is returned when an asset's protocol type maps to no
	// known family.
	ErrUnknownProtocol = errors.New("coins: protocol type has no known family")
)

// Server describes an Electrum or light-client endpoint entry.
type Server struct {
	URL      string `json:"url"`
	Protocol string `json:"protocol,omitempty"`
}

// Node describes an RPC node endpoint entry.
type Node struct {
	URL string `json:"url"`
}

// Coin is the read-only connection metadata for one tradable asset. The
// catalogue is externally maintained; this process never validates it beyond
// presence of the fields a builder needs.
type Coin struct {
	Ticker               string   `json:"coin"`
	Name                 string   `json:"name"`
	ProtocolType         string   `json:"-"`
	ParentCoin           string   `json:"parent_coin,omitempty"`
	Electrum             []Server `json:"electrum,omitempty"`
	Nodes                []Node   `json:"nodes,omitempty"`
	LightWalletDServers  []string `json:"light_wallet_d_servers,omitempty"`
	SwapContractAddress  string   `json:"swap_contract_address,omitempty"`
	FallbackSwapContract string   `json:"fallback_swap_contract,omitempty"`
	ContractAddress      string   `json:"contract_address,omitempty"`
	DerivationPath       string   `json:"derivation_path,omitempty"`
	SiaServerURL         string   `json:"sia_server_url,omitempty"`
	SiaPassword          string   `json:"sia_password,omitempty"`
}

// Family resolves the coin's protocol family tag.
func (c Coin) Family() (Family, error) {
	return FamilyFor(c.ProtocolType)
}

// IsToken reports whether the asset inherits its connection from a platform
// coin (ERC20-style and Tendermint token protocols, or an explicit parent).
func (c Coin) IsToken() bool {
	switch c.ProtocolType {
	case "ERC20", "QRC20", "SLPTOKEN", "TENDERMINTTOKEN":
		return true
	}
	return c.ParentCoin != ""
}

// FamilyFor maps a raw protocol type string from the catalogue to a family
// tag.
func FamilyFor(protocolType string) (Family, error) {
	switch strings.ToUpper(strings.TrimSpace(protocolType)) {
	case "UTXO", "BCH", "SLP", "SLPTOKEN":
		return FamilyUTXO, nil
	case "ETH", "ERC20":
		return FamilyEVM, nil
	case "QTUM", "QRC20":
		return FamilyQTUM, nil
	case "TENDERMINT", "TENDERMINTTOKEN":
		return FamilyTendermint, nil
	case "ZHTLC":
		return FamilyZHTLC, nil
	case "SIA":
		return FamilySia, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, protocolType)
}

// Catalogue is the immutable set of coin records loaded at startup.
type Catalogue struct {
	coins map[string]Coin
}

// Lookup returns the record for ticker.
func (c *Catalogue) Lookup(ticker string) (Coin, error) {
	if c == nil {
		return Coin{}, ErrUnknownTicker
	}
	coin, ok := c.coins[strings.TrimSpace(ticker)]
	if !ok {
		return Coin{}, fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	}
	return coin, nil
}

// Tickers returns the sorted ticker list, mainly for diagnostics.
func (c *Catalogue) Tickers() []string {
	out := make([]string, 0, len(c.coins))
	for ticker := range c.coins {
		out = append(out, ticker)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of catalogued assets.
func (c *Catalogue) Len() int {
	if c == nil {
		return 0
	}
	return len(c.coins)
}

// rawCoin mirrors the catalogue file entry. The protocol type lives inside a
// nested object in the upstream coins_config.json format.
type rawCoin struct {
	Coin
	Protocol struct {
		Type         string `json:"type"`
		ProtocolData struct {
			ConsensusParams json.RawMessage `json:"consensus_params,omitempty"`
		} `json:"protocol_data,omitempty"`
	} `json:"protocol"`
}

// Parse decodes a coins_config.json document.
func Parse(data []byte) (*Catalogue, error) {
	var raw map[string]rawCoin
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("coins: decode catalogue: %w", err)
	}
	out := make(map[string]Coin, len(raw))
	for ticker, entry := range raw {
		coin := entry.Coin
		if coin.Ticker == "" {
			coin.Ticker = ticker
		}
		coin.ProtocolType = entry.Protocol.Type
		out[ticker] = coin
	}
	return &Catalogue{coins: out}, nil
}

// LoadFile reads the catalogue from a local file.
func LoadFile(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("coins: read catalogue %s: %w", path, err)
	}
	return Parse(data)
}

// Fetch downloads the catalogue from url using the supplied client. Used when
// no local copy exists; the result is not persisted here.
func Fetch(ctx context.Context, httpClient *http.Client, url string) (*Catalogue, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coins: fetch catalogue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coins: fetch catalogue: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coins: read catalogue body: %w", err)
	}
	return Parse(data)
}
