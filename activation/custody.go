package activation

import (
	"errors"
	"fmt"
	"strings"

	"kdfharness/coins"
)

// ErrCustodyUnsupported is returned when a protocol family cannot delegate
// signing to an external device.
var ErrCustodyUnsupported = errors.New("activation: protocol family does not support delegated custody")

// Custody designates that signing for an asset is delegated to an external
// signer, e.g. a hardware device.
type Custody struct {
	Type string
}

// ParseCustody accepts either the bare string form ("Trezor") or the object
// form ({"type": "Trezor"}) and normalizes it. Nil input means in-process
// keys.
func ParseCustody(value any) (*Custody, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return &Custody{Type: strings.TrimSpace(v)}, nil
	case map[string]any:
		t, _ := v["type"].(string)
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("activation: custody object missing type field")
		}
		return &Custody{Type: strings.TrimSpace(t)}, nil
	case *Custody:
		return v, nil
	case Custody:
		return &v, nil
	}
	return nil, fmt.Errorf("activation: unsupported custody value %T", value)
}

// policyParam renders the custody policy in the shape a family's activation
// method expects. The UTXO family and the QTUM sub-family still take the
// legacy bare string; account-based and Cosmos chains take the object form;
// shielded and independent ledgers cannot delegate custody at all.
func (c *Custody) policyParam(family coins.Family) (any, error) {
	if c == nil {
		return nil, nil
	}
	switch family {
	case coins.FamilyUTXO, coins.FamilyQTUM:
		return c.Type, nil
	case coins.FamilyEVM, coins.FamilyTendermint:
		return map[string]any{"type": c.Type}, nil
	case coins.FamilyZHTLC, coins.FamilySia:
		return nil, fmt.Errorf("%w: %s", ErrCustodyUnsupported, family)
	}
	return nil, fmt.Errorf("%w: %s", ErrCustodyUnsupported, family)
}
