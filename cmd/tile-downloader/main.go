package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"

	"github.com/geoyee/seacache/internal/config"
	"github.com/geoyee/seacache/internal/download"
	"github.com/geoyee/seacache/internal/kvstore"
	"github.com/geoyee/seacache/internal/model"
	"github.com/geoyee/seacache/internal/offline"
	"github.com/geoyee/seacache/internal/util"
)

type options struct {
	configFile string
	envFile    string
	name       string
	bounds     model.Bounds
	zoom       model.ZoomRange
	estimate   bool
	list       bool
	clear      bool

	cacheDir  string
	storeDir  string
	retries   int
	rateLimit int
	proxy     string
	batch     int
	logLevel  string
}

func parseArgs(args []string, output io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("tile-downloader", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&opts.configFile, "config", "", "[Optional] YAML config file")
	fs.StringVar(&opts.envFile, "env", ".env", "[Optional] .env file")
	fs.StringVar(&opts.name, "name", "", "[Optional] Region name (default: generated from the date)")
	fs.Float64Var(&opts.bounds.North, "north", math.NaN(), "[Required] North latitude (e.g., 44.0)")
	fs.Float64Var(&opts.bounds.South, "south", math.NaN(), "[Required] South latitude (e.g., 43.0)")
	fs.Float64Var(&opts.bounds.East, "east", math.NaN(), "[Required] East longitude (e.g., 12.0)")
	fs.Float64Var(&opts.bounds.West, "west", math.NaN(), "[Required] West longitude (e.g., 11.0)")
	fs.IntVar(&opts.zoom[0], "min-zoom", 1, "[Optional] Minimum zoom level")
	fs.IntVar(&opts.zoom[1], "max-zoom", 18, "[Optional] Maximum zoom level")
	fs.BoolVar(&opts.estimate, "estimate", false, "[Optional] Only print the tile count and size estimate")
	fs.BoolVar(&opts.list, "list", false, "[Optional] List saved regions and exit")
	fs.BoolVar(&opts.clear, "clear", false, "[Optional] Clear the tile cache and the region list, then exit")
	fs.StringVar(&opts.cacheDir, "dir", "", "[Optional] Tile cache directory")
	fs.StringVar(&opts.storeDir, "store", "", "[Optional] Key-value store directory")
	fs.IntVar(&opts.retries, "retries", -1, "[Optional] Retries per layer")
	fs.IntVar(&opts.rateLimit, "rate", -1, "[Optional] Rate limit in requests/second (0 disables)")
	fs.StringVar(&opts.proxy, "proxy", "", "[Optional] Proxy URL (e.g., http://127.0.0.1:7890)")
	fs.IntVar(&opts.batch, "batch", 0, "[Optional] Tiles downloaded concurrently per batch")
	fs.StringVar(&opts.logLevel, "log-level", "", "[Optional] Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.list || opts.clear {
		return opts, nil
	}

	for name, v := range map[string]float64{
		"north": opts.bounds.North,
		"south": opts.bounds.South,
		"east":  opts.bounds.East,
		"west":  opts.bounds.West,
	} {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("-%s parameter is required", name)
		}
	}
	return opts, nil
}

// apply 用命令行参数覆盖已加载的配置
func (o *options) apply(cfg *model.Config) {
	if o.cacheDir != "" {
		cfg.CacheDir = o.cacheDir
	}
	if o.storeDir != "" {
		cfg.StoreDir = o.storeDir
	}
	if o.retries >= 0 {
		cfg.Retries = o.retries
	}
	if o.rateLimit >= 0 {
		cfg.RateLimit = o.rateLimit
	}
	if o.proxy != "" {
		cfg.ProxyURL = o.proxy
	}
	if o.batch > 0 {
		cfg.DownloadBatchSize = o.batch
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
}

func run(ctx context.Context, opts *options, out io.Writer) error {
	cfg, err := config.Load(opts.configFile, opts.envFile)
	if err != nil {
		return err
	}
	opts.apply(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := config.SetupLogger(cfg, os.Stderr)

	store, err := kvstore.NewFileStore(cfg.StoreDir, "seacache")
	if err != nil {
		return err
	}
	svc := offline.New(cfg, store, logger, nil)

	switch {
	case opts.list:
		for _, r := range svc.Regions(ctx) {
			fmt.Fprintf(out, "%s  %-24s  z%d-%d  %d/%d tiles  %s  %s\n",
				r.ID, r.Name, r.ZoomLevels.Min(), r.ZoomLevels.Max(),
				r.DownloadedTiles, r.TilesCount, util.FormatSize(r.ActualSize), r.Status)
		}
		return nil
	case opts.clear:
		if !svc.ClearCache(ctx) {
			return errors.New("failed to clear cache")
		}
		fmt.Fprintln(out, "Cache cleared")
		return nil
	}

	estimate, err := svc.Estimate(opts.bounds, opts.zoom)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "========================================")
	fmt.Fprintln(out, "seacache - Offline Nautical Tile Downloader")
	fmt.Fprintln(out, "========================================")
	fmt.Fprintf(out, "Bounds: N%.6f S%.6f E%.6f W%.6f\n", opts.bounds.North, opts.bounds.South, opts.bounds.East, opts.bounds.West)
	fmt.Fprintf(out, "Zoom levels: %d - %d\n", opts.zoom.Min(), opts.zoom.Max())
	fmt.Fprintf(out, "Tiles: %d (about %s)\n", estimate.TilesCount, estimate.FormattedSize)
	fmt.Fprintf(out, "Cache directory: %s\n", cfg.CacheDir)
	fmt.Fprintln(out, "========================================")
	if opts.estimate {
		return nil
	}

	bar := progressbar.NewOptions(estimate.TilesCount,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("Downloading tiles"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
	)

	type outcome struct {
		region *model.OfflineRegion
		err    error
	}
	done := make(chan outcome, 1)
	cb := offline.RegionCallbacks{
		OnProgress: func(p model.Progress) {
			_ = bar.Set(p.DownloadedCount)
		},
		OnComplete: func(r model.OfflineRegion) {
			done <- outcome{region: &r}
		},
		OnError: func(msg string) {
			done <- outcome{err: errors.New(msg)}
		},
	}
	req := download.Request{Bounds: opts.bounds, ZoomLevels: opts.zoom}
	if err := svc.DownloadRegion(ctx, opts.name, req, cb); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		svc.AbortDownload()
		svc.Wait()
		return errors.New("download aborted")
	case res := <-done:
		svc.Wait()
		_ = bar.Finish()
		fmt.Fprintln(out)
		if res.err != nil {
			return fmt.Errorf("download failed: %s", res.err)
		}
		r := res.region
		fmt.Fprintf(out, "Region %q saved: %d/%d tiles, %s, %s\n",
			r.Name, r.DownloadedTiles, r.TilesCount, util.FormatSize(r.ActualSize), r.Status)
		if errs := svc.ErrorSummary(); len(errs) > 0 {
			for class, n := range errs {
				fmt.Fprintf(out, "  %s: %d\n", class, n)
			}
		}
		return nil
	}
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("invalid arguments", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		slog.Error("tile-downloader failed", "error", err)
		os.Exit(1)
	}
}
