// Package activation builds fully-formed activation requests for each asset
// protocol family. The family tag selects a payload builder; the method
// catalogue decides whether the resulting call is task-based or a single
// synchronous call.
package activation

import (
	"fmt"

	"kdfharness/coins"
	"kdfharness/methods"
)

// Request is a ready-to-send activation call. TaskBased requests must be
// routed through the task lifecycle poller after the init call returns.
type Request struct {
	Method    string
	Params    map[string]any
	TaskBased bool
	Family    coins.Family
}

// Builder maps (ticker, variant, custody policy) to activation requests using
// the read-only coin catalogue and method catalogue.
type Builder struct {
	coins   *coins.Catalogue
	catalog *methods.Catalog
}

// NewBuilder constructs the builder facade.
func NewBuilder(catalogue *coins.Catalogue, catalog *methods.Catalog) *Builder {
	return &Builder{coins: catalogue, catalog: catalog}
}

// Build resolves the asset's family, selects the activation method for the
// requested variant (empty means the family default; Tendermint tokens
// automatically use the token variant), and produces the payload. Any failure
// here is an input error: nothing has been sent.
func (b *Builder) Build(ticker, variant string, custody *Custody) (*Request, error) {
	coin, err := b.coins.Lookup(ticker)
	if err != nil {
		return nil, err
	}
	family, err := coin.Family()
	if err != nil {
		return nil, err
	}
	if family == coins.FamilyTendermint && coin.IsToken() && variant == "" {
		variant = "token"
	}
	method, err := b.catalog.ActivationMethod(string(family), variant)
	if err != nil {
		return nil, err
	}
	payloadFor, ok := familyBuilders[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coins.ErrUnknownProtocol, family)
	}
	params, err := payloadFor.build(coin, custody)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method:    method,
		Params:    params,
		TaskBased: b.catalog.IsTaskMethod(method),
		Family:    family,
	}, nil
}
