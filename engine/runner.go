package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// exampleDir maps a method name to its on-disk example directory. Task
// method separators are not valid in every filesystem, so they map to
// hyphens, matching the artifact naming scheme.
func (e *Engine) exampleDir(method string) string {
	return filepath.Join(e.cfg.ExamplesDir, strings.ReplaceAll(method, "::", "-"))
}

// exampleFiles lists a method's request templates in deterministic order.
func (e *Engine) exampleFiles(method string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(e.exampleDir(method), "request_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// RunMethod executes every example request recorded for the method, one file
// at a time, each fanned out across the whole fleet. Per-node failures are
// journaled and do not stop the sequence; only the fatal invalid-credential
// condition aborts.
func (e *Engine) RunMethod(ctx context.Context, method string) error {
	files, err := e.exampleFiles(method)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("engine: no example requests for %s under %s", method, e.exampleDir(method))
	}

	for i, path := range files {
		template, err := readTemplate(path)
		if err != nil {
			return fmt.Errorf("engine: example %s: %w", path, err)
		}
		example := i + 1
		e.logger.Info("dispatching example",
			slog.String("method", method),
			slog.Int("example", example),
			slog.String("file", filepath.Base(path)))

		results, fatal := e.Dispatch(ctx, method, template, example)
		for _, res := range results {
			if res.Err != nil {
				e.logger.Warn("example failed on node",
					slog.String("method", method),
					slog.Int("example", example),
					slog.String("node", res.Node),
					slog.Any("error", res.Err))
			}
		}
		if fatal != nil {
			return fatal
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Run executes a sequence of methods, skipping those the persistent record
// already marks completed. Pass force to re-run regardless of the record.
func (e *Engine) Run(ctx context.Context, methodNames []string, force bool) error {
	for _, method := range methodNames {
		if !force && e.isCompleted(method) {
			e.logger.Info("skipping completed method", slog.String("method", method))
			continue
		}
		if err := e.RunMethod(ctx, method); err != nil {
			return err
		}
	}
	return nil
}

// Methods lists every method that has at least one example request on disk.
func (e *Engine) Methods() ([]string, error) {
	entries, err := os.ReadDir(e.cfg.ExamplesDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		out = append(out, strings.ReplaceAll(entry.Name(), "-", "::"))
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) isCompleted(method string) bool {
	if e.store == nil {
		return false
	}
	_, err := e.store.Completed(method)
	return err == nil
}

func readTemplate(path string) (map[string]any, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var template map[string]any
	if err := json.Unmarshal(buf, &template); err != nil {
		return nil, fmt.Errorf("decode request template: %w", err)
	}
	return template, nil
}
