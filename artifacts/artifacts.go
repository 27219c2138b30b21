// Package artifacts persists one response or error document per
// (method, example, node) so external tooling can diff node behavior after a
// run without reproducing it.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kdfharness/config"
)

// Writer writes deterministic artifact files under a single directory.
type Writer struct {
	dir string
}

// NewWriter ensures the artifact directory exists.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create dir %s: %w", dir, err)
	}
	return &Writer{dir: dir}, nil
}

// Name builds the stable artifact file name for one result:
// <method>_<example>_<custody>_<runtime>_<node>.json with "::" flattened for
// the filesystem. The name is a pure function of its inputs, so repeated runs
// overwrite rather than accumulate.
func Name(method string, example int, node config.Node) string {
	return fmt.Sprintf("%s_%03d_%s_%s_%s.json",
		sanitizeMethod(method), example, node.CustodyLabel(), node.RuntimeLabel(), node.Name)
}

// Write persists a response document (or a structured error document) and
// returns the file path. Exactly one file exists per (method, example, node).
func (w *Writer) Write(method string, example int, node config.Node, doc any) (string, error) {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("artifacts: encode %s: %w", method, err)
	}
	path := filepath.Join(w.dir, Name(method, example, node))
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write %s: %w", path, err)
	}
	return path, nil
}

// ErrorDocument is the persisted shape for a failed per-node request.
type ErrorDocument struct {
	Node       string          `json:"node"`
	Method     string          `json:"method"`
	Error      string          `json:"error"`
	ErrorType  string          `json:"error_type,omitempty"`
	HTTPStatus int             `json:"http_status,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
}

func sanitizeMethod(method string) string {
	return strings.ReplaceAll(method, "::", "-")
}
