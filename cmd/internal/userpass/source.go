// Package userpass resolves the daemon RPC credential for nodes whose
// config entry leaves it empty: environment variable first, interactive
// terminal prompt second.
package userpass

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves an RPC userpass. The value is cached after the
// first successful retrieval so every node without an explicit credential
// shares the same secret.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before prompting.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get returns the cached credential or resolves it on first call. When the
// environment variable is set its exact value is used; otherwise the
// operator is prompted on stderr. Whitespace-only values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("rpc userpass required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("rpc userpass required and no terminal available")
			}
			return
		}

		fmt.Fprint(os.Stderr, "Enter RPC userpass: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read userpass: %w", err)
			return
		}

		value := string(bytes)
		if strings.TrimSpace(value) == "" {
			s.err = errors.New("rpc userpass cannot be empty")
			return
		}

		s.value = value
	})

	return s.value, s.err
}
