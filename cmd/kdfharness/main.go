package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"kdfharness/client"
	"kdfharness/cmd/internal/userpass"
	"kdfharness/coins"
	"kdfharness/config"
	"kdfharness/engine"
	"kdfharness/methods"
	"kdfharness/observability/logging"
	"kdfharness/runstore"
)

const rpcPassEnv = "KDF_RPC_PASSWORD"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	methodList := flag.String("methods", "", "Comma-separated methods to run (default: every method with examples)")
	force := flag.Bool("force", false, "Re-run methods already marked completed")
	list := flag.Bool("list", false, "List runnable methods and exit")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("KDF_ENV"))
	logger := logging.Setup("kdfharness", env, *verbose)

	passSource := userpass.NewSource(rpcPassEnv)

	cfg, err := config.Load(*configFile, config.WithUserpassSource(passSource.Get))
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalogue, err := loadCoins(ctx, cfg)
	if err != nil {
		logger.Error("Failed to load coin catalogue", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("coin catalogue loaded", slog.Int("coins", catalogue.Len()))

	catalog, err := methods.Load(cfg.MethodsFile)
	if err != nil {
		logger.Error("Failed to load method catalogue", slog.Any("error", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("Failed to prepare data directory: %v", err))
	}
	store, err := runstore.Open(filepath.Join(cfg.DataDir, "run.db"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open run store: %v", err))
	}
	defer store.Close()

	errLog := logging.NewErrorLog(cfg.ErrorLog)
	defer errLog.Close()

	eng, err := engine.New(cfg, catalogue, catalog,
		engine.WithRunStore(store),
		engine.WithErrorLog(errLog),
		engine.WithLogger(logger),
	)
	if err != nil {
		logger.Error("Failed to build engine", slog.Any("error", err))
		os.Exit(1)
	}

	if *list {
		names, err := eng.Methods()
		if err != nil {
			logger.Error("Failed to list methods", slog.Any("error", err))
			os.Exit(1)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return
	}

	if err := eng.Refresh(ctx); err != nil {
		logger.Error("Failed to query node state", slog.Any("error", err))
		os.Exit(1)
	}

	names, err := selectedMethods(eng, *methodList)
	if err != nil {
		logger.Error("Failed to resolve method list", slog.Any("error", err))
		os.Exit(1)
	}
	if len(names) == 0 {
		logger.Warn("nothing to run", slog.String("examples_dir", cfg.ExamplesDir))
		return
	}

	if err := eng.Run(ctx, names, *force); err != nil {
		logger.Error("Run aborted", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("run finished", slog.Int("methods", len(names)))
}

// loadCoins prefers the local catalogue file and falls back to fetching the
// published one.
func loadCoins(ctx context.Context, cfg *config.Config) (*coins.Catalogue, error) {
	if cfg.CoinsFile != "" {
		if _, err := os.Stat(cfg.CoinsFile); err == nil {
			return coins.LoadFile(cfg.CoinsFile)
		}
	}
	httpClient := client.NewHTTPClient(cfg.RequestTimeout())
	return coins.Fetch(ctx, httpClient, cfg.CoinsURL)
}

func selectedMethods(eng *engine.Engine, flagValue string) ([]string, error) {
	if strings.TrimSpace(flagValue) == "" {
		return eng.Methods()
	}
	var names []string
	for _, name := range strings.Split(flagValue, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}
