package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Node describes one reachable daemon instance. Records are immutable for the
// process lifetime; they are created once at startup from the config file and
// environment.
type Node struct {
	Name     string `toml:"Name"`
	URL      string `toml:"URL"`
	Userpass string `toml:"Userpass"`
	// HDMode marks a hierarchical-deterministic wallet instance.
	HDMode bool `toml:"HDMode"`
	// WasmMode marks a browser-sandboxed (WASM) runtime instance.
	WasmMode bool `toml:"WasmMode"`
	// Custody optionally delegates signing to an external device, e.g.
	// "Trezor". Empty means in-process keys.
	Custody string `toml:"Custody,omitempty"`
}

// CustodyLabel returns the artifact-name label for the node's wallet mode.
func (n Node) CustodyLabel() string {
	if n.HDMode {
		return "hd"
	}
	return "iguana"
}

// RuntimeLabel returns the artifact-name label for the node's runtime mode.
func (n Node) RuntimeLabel() string {
	if n.WasmMode {
		return "wasm"
	}
	return "native"
}

// Config is the run configuration for the orchestration harness.
type Config struct {
	Nodes []Node `toml:"Nodes"`
	// BaselineNode names the node whose clean responses feed the
	// completed-methods record. Defaults to the first configured node.
	BaselineNode string `toml:"BaselineNode"`
	ArtifactDir  string `toml:"ArtifactDir"`
	DataDir      string `toml:"DataDir"`
	// CoinsFile points at the local coins_config.json catalogue. When the
	// file is absent CoinsURL is fetched instead.
	CoinsFile string `toml:"CoinsFile"`
	CoinsURL  string `toml:"CoinsURL"`
	// MethodsFile optionally overrides the embedded method catalogue.
	MethodsFile string `toml:"MethodsFile"`
	// ExamplesDir holds per-method request_*.json example directories.
	ExamplesDir string `toml:"ExamplesDir"`
	ErrorLog    string `toml:"ErrorLog"`

	RequestTimeoutSeconds int     `toml:"RequestTimeoutSeconds"`
	PollIntervalSeconds   int     `toml:"PollIntervalSeconds"`
	PollAttempts          int     `toml:"PollAttempts"`
	RequestsPerSecond     float64 `toml:"RequestsPerSecond"`
}

const (
	defaultCoinsURL = "https://raw.githubusercontent.com/KomodoPlatform/coins/master/utils/coins_config.json"

	userpassEnv = "KDF_RPC_PASSWORD"
)

// UserpassSource lazily resolves a credential for nodes whose Userpass field
// is empty (env first, interactive prompt second).
type UserpassSource func() (string, error)

type loadOptions struct {
	userpass UserpassSource
}

// Option adjusts Load behaviour.
type Option func(*loadOptions)

// WithUserpassSource supplies the fallback credential resolver.
func WithUserpassSource(source UserpassSource) Option {
	return func(o *loadOptions) {
		o.userpass = source
	}
}

// Load reads the configuration from path, creating a default file when none
// exists. Node credentials left empty in the file are resolved from
// KDF_RPC_PASSWORD or the supplied source.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		created, createErr := createDefault(path)
		if createErr != nil {
			return nil, createErr
		}
		cfg = created
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	if err := resolveCredentials(cfg, options.userpass); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./kdf-data"
	}
	if strings.TrimSpace(cfg.ArtifactDir) == "" {
		cfg.ArtifactDir = filepath.Join(cfg.DataDir, "artifacts")
	}
	if strings.TrimSpace(cfg.CoinsFile) == "" {
		cfg.CoinsFile = filepath.Join(cfg.DataDir, "coins_config.json")
	}
	if strings.TrimSpace(cfg.CoinsURL) == "" {
		cfg.CoinsURL = defaultCoinsURL
	}
	if strings.TrimSpace(cfg.ExamplesDir) == "" {
		cfg.ExamplesDir = filepath.Join(cfg.DataDir, "examples")
	}
	if strings.TrimSpace(cfg.ErrorLog) == "" {
		cfg.ErrorLog = filepath.Join(cfg.DataDir, "request_errors.log")
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 90
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 5
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 20
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if strings.TrimSpace(cfg.BaselineNode) == "" && len(cfg.Nodes) > 0 {
		cfg.BaselineNode = cfg.Nodes[0].Name
	}
}

func resolveCredentials(cfg *Config, source UserpassSource) error {
	envPass := strings.TrimSpace(os.Getenv(userpassEnv))
	for i := range cfg.Nodes {
		if strings.TrimSpace(cfg.Nodes[i].Userpass) != "" {
			continue
		}
		if envPass != "" {
			cfg.Nodes[i].Userpass = envPass
			continue
		}
		if source == nil {
			return fmt.Errorf("config: node %s has no credential; set Userpass or %s", cfg.Nodes[i].Name, userpassEnv)
		}
		pass, err := source()
		if err != nil {
			return fmt.Errorf("config: resolve credential for node %s: %w", cfg.Nodes[i].Name, err)
		}
		cfg.Nodes[i].Userpass = pass
	}
	return nil
}

// Validate checks structural invariants: at least one node, unique names, a
// URL per node, and a baseline that exists.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: at least one node must be configured")
	}
	seen := make(map[string]struct{}, len(c.Nodes))
	baselineFound := false
	for _, node := range c.Nodes {
		name := strings.TrimSpace(node.Name)
		if name == "" {
			return fmt.Errorf("config: node with empty name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: duplicate node name %q", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(node.URL) == "" {
			return fmt.Errorf("config: node %s has no URL", name)
		}
		if name == c.BaselineNode {
			baselineFound = true
		}
	}
	if !baselineFound {
		return fmt.Errorf("config: baseline node %q is not configured", c.BaselineNode)
	}
	return nil
}

// Baseline returns the configured baseline node.
func (c *Config) Baseline() Node {
	for _, node := range c.Nodes {
		if node.Name == c.BaselineNode {
			return node
		}
	}
	return c.Nodes[0]
}

// RequestTimeout returns the outbound call timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// PollInterval returns the task status poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// createDefault writes a four-node local default mirroring the standard
// docker-compose layout and returns it.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Nodes: []Node{
			{Name: "kdf_native_nonhd", URL: "http://127.0.0.1:8778"},
			{Name: "kdf_native_hd", URL: "http://127.0.0.1:8779", HDMode: true},
			{Name: "kdf_wasm_hd", URL: "http://127.0.0.1:8780", HDMode: true, WasmMode: true},
			{Name: "kdf_wasm_nonhd", URL: "http://127.0.0.1:8781", WasmMode: true},
		},
		BaselineNode: "kdf_native_nonhd",
	}
	applyDefaults(cfg)

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: write default %s: %w", path, err)
	}
	return cfg, nil
}
