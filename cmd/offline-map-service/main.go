package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geoyee/seacache/internal/api"
	"github.com/geoyee/seacache/internal/config"
	"github.com/geoyee/seacache/internal/kvstore"
	"github.com/geoyee/seacache/internal/offline"
)

const shutdownTimeout = 15 * time.Second

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("offline-map-service", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "[Optional] YAML config file")
	envFile := fs.String("env", ".env", "[Optional] .env file")
	listen := fs.String("listen", "", "[Optional] Listen address (e.g., 127.0.0.1:8765)")
	cacheDir := fs.String("dir", "", "[Optional] Tile cache directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configFile, *envFile)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := config.SetupLogger(cfg, stderr)

	store, err := kvstore.NewFileStore(cfg.StoreDir, "seacache")
	if err != nil {
		return err
	}
	svc := offline.New(cfg, store, logger, nil)

	logger.Info("starting offline map service",
		"listen", cfg.ListenAddr,
		"cache_dir", cfg.CacheDir,
		"store_dir", cfg.StoreDir,
	)
	return api.NewServer(svc, logger).Run(ctx, shutdownTimeout)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("offline-map-service failed", "error", err)
		os.Exit(1)
	}
}
