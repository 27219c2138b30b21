// Package methods holds the externally supplied RPC method catalogue: which
// methods are task-based, which method activates each protocol family, and
// which methods still use the legacy dispatch style. The catalogue is loaded
// once at startup and treated as immutable reference data.
package methods

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	initSuffix       = "::init"
	statusSuffix     = "::status"
	userActionSuffix = "::user_action"
	cancelSuffix     = "::cancel"
)

var (
	// ErrUnknownFamily is returned when the catalogue has no activation entry
	// for a protocol family.
	ErrUnknownFamily = errors.New("methods: no activation entry for protocol family")
	// ErrNoActivationMethod is returned when a family entry exists but the
	// requested variant is not registered.
	ErrNoActivationMethod = errors.New("methods: no activation method for variant")
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ActivationEntry maps activation variants to method names for one family.
// The Default field names the variant used when the caller does not pick one.
type ActivationEntry struct {
	Default  string            `yaml:"default"`
	Variants map[string]string `yaml:"variants"`
}

// Catalog is the immutable method reference data.
type Catalog struct {
	// TaskGroups lists the task-based method groups, e.g. "task::enable_utxo".
	TaskGroups []string `yaml:"task_groups"`
	// Activation maps family tag -> variant -> activation method.
	Activation map[string]ActivationEntry `yaml:"activation"`
	// Legacy lists methods dispatched in the legacy style (no mmrpc
	// envelope, top-level fields).
	Legacy []string `yaml:"legacy"`
	// NoParamsV2 lists v2 methods that require an explicit empty params
	// object; omitting it triggers InvalidRequest on the daemon.
	NoParamsV2 []string `yaml:"no_params_v2"`

	taskGroups map[string]struct{}
	legacy     map[string]struct{}
	noParams   map[string]struct{}
	activation map[string]struct{}
}

// Load reads a catalogue file, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if strings.TrimSpace(path) != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("methods: read catalogue %s: %w", path, err)
		}
		data = fileData
	}
	return Parse(data)
}

// Parse decodes a YAML catalogue document and builds the lookup indexes.
func Parse(data []byte) (*Catalog, error) {
	cat := &Catalog{}
	if err := yaml.Unmarshal(data, cat); err != nil {
		return nil, fmt.Errorf("methods: decode catalogue: %w", err)
	}
	cat.taskGroups = make(map[string]struct{}, len(cat.TaskGroups))
	for _, group := range cat.TaskGroups {
		cat.taskGroups[group] = struct{}{}
	}
	cat.legacy = make(map[string]struct{}, len(cat.Legacy))
	for _, m := range cat.Legacy {
		cat.legacy[m] = struct{}{}
	}
	cat.noParams = make(map[string]struct{}, len(cat.NoParamsV2))
	for _, m := range cat.NoParamsV2 {
		cat.noParams[m] = struct{}{}
	}
	cat.activation = make(map[string]struct{})
	for _, entry := range cat.Activation {
		for _, m := range entry.Variants {
			cat.activation[m] = struct{}{}
		}
	}
	return cat, nil
}

// IsActivation reports whether method is one of the activation entry points.
// Dispatching an activation method never pre-activates the asset it names.
func (c *Catalog) IsActivation(method string) bool {
	_, ok := c.activation[method]
	return ok
}

// IsTaskMethod reports whether method belongs to a registered task group.
func (c *Catalog) IsTaskMethod(method string) bool {
	group, ok := TaskGroup(method)
	if !ok {
		return false
	}
	_, registered := c.taskGroups[group]
	return registered
}

// IsLegacy reports whether method uses the legacy dispatch style.
func (c *Catalog) IsLegacy(method string) bool {
	_, ok := c.legacy[method]
	return ok
}

// NeedsEmptyParams reports whether a v2 method must carry an explicit empty
// params object.
func (c *Catalog) NeedsEmptyParams(method string) bool {
	_, ok := c.noParams[method]
	return ok
}

// ActivationMethod resolves the activation method for a family and variant.
// An empty variant selects the family's default.
func (c *Catalog) ActivationMethod(family, variant string) (string, error) {
	entry, ok := c.Activation[family]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	if variant == "" {
		variant = entry.Default
	}
	method, ok := entry.Variants[variant]
	if !ok || strings.TrimSpace(method) == "" {
		return "", fmt.Errorf("%w: family %s variant %q", ErrNoActivationMethod, family, variant)
	}
	return method, nil
}

// TaskGroup extracts the method group from a task-style method name, e.g.
// "task::enable_utxo::status" -> "task::enable_utxo". The second return is
// false for non-task method names.
func TaskGroup(method string) (string, bool) {
	for _, suffix := range []string{initSuffix, statusSuffix, userActionSuffix, cancelSuffix} {
		if strings.HasSuffix(method, suffix) {
			return strings.TrimSuffix(method, suffix), true
		}
	}
	return "", false
}

// IsInit reports whether method is a task init call.
func IsInit(method string) bool {
	return strings.HasSuffix(method, initSuffix)
}

// StatusMethod derives the status method from an init method name.
func StatusMethod(initMethod string) string {
	return strings.TrimSuffix(initMethod, initSuffix) + statusSuffix
}

// CancelMethod derives the cancel method from an init method name.
func CancelMethod(initMethod string) string {
	return strings.TrimSuffix(initMethod, initSuffix) + cancelSuffix
}

// UserActionMethod derives the user_action method from an init method name.
func UserActionMethod(initMethod string) string {
	return strings.TrimSuffix(initMethod, initSuffix) + userActionSuffix
}
