package download

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geoyee/seacache/internal/calculator"
	"github.com/geoyee/seacache/internal/model"
	"github.com/geoyee/seacache/internal/stats"
	"github.com/geoyee/seacache/internal/tilecache"
	"github.com/geoyee/seacache/internal/util"
)

// State 下载状态
type State int

const (
	StateIdle State = iota
	StateDownloading
	StateCompleted
	StatePartiallyCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateCompleted:
		return "completed"
	case StatePartiallyCompleted:
		return "partially_completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Request 下载请求
type Request struct {
	Bounds     model.Bounds    `json:"bounds"`
	ZoomLevels model.ZoomRange `json:"zoomLevels"`
}

// Callbacks 下载回调，均可为 nil，中止的下载不触发任何回调
type Callbacks struct {
	OnProgress func(model.Progress)
	OnComplete func(model.RegionSummary)
	OnError    func(string)
}

// CacheBudget 下载后的缓存淘汰
type CacheBudget interface {
	ManageCacheSize(ctx context.Context) bool
}

// Orchestrator 区域下载调度器，同时最多一个下载
type Orchestrator struct {
	config     *model.Config
	downloader TileDownloader
	calc       *calculator.TileCalculator
	monitor    *stats.StatsMonitor
	budget     CacheBudget
	logger     *slog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	cancel     context.CancelFunc
	active     model.Bounds
	last       State

	wg sync.WaitGroup
}

func NewOrchestrator(config *model.Config, downloader TileDownloader, monitor *stats.StatsMonitor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if monitor == nil {
		monitor = stats.NewStatsMonitor()
	}
	return &Orchestrator{
		config:     config,
		downloader: downloader,
		calc:       calculator.NewTileCalculator(),
		monitor:    monitor,
		logger:     logger.With("component", "orchestrator"),
	}
}

// SetCacheBudget 设置下载后的缓存淘汰
func (o *Orchestrator) SetCacheBudget(budget CacheBudget) {
	o.mu.Lock()
	o.budget = budget
	o.mu.Unlock()
}

// State 当前状态
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastResult 最近一次下载的结束状态
func (o *Orchestrator) LastResult() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// ActiveBounds 正在下载的范围
func (o *Orchestrator) ActiveBounds() (model.Bounds, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateDownloading {
		return model.Bounds{}, false
	}
	return o.active, true
}

// StartDownload 后台开始下载，已有下载时返回 false 且状态不变；下载不随 ctx 取消，需调用 AbortDownload
func (o *Orchestrator) StartDownload(ctx context.Context, req Request, cb Callbacks) bool {
	o.mu.Lock()
	if o.state == StateDownloading {
		o.mu.Unlock()
		return false
	}
	o.generation++
	gen := o.generation
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.state = StateDownloading
	o.cancel = cancel
	o.active = req.Bounds
	o.wg.Add(1)
	o.mu.Unlock()

	stats.DownloadStarted()
	go o.run(runCtx, gen, req, cb)
	return true
}

// AbortDownload 取消下载并在返回前重置为 Idle，无下载时不做任何事
func (o *Orchestrator) AbortDownload() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateDownloading {
		return
	}
	o.cancel()
	o.cancel = nil
	o.state = StateIdle
	o.last = StateAborted
	// 之后的下载会再次递增 generation，当前下载已过期
	o.generation++
	stats.DownloadFinished()
	o.logger.Info("download aborted")
}

// Wait 等待所有下载返回
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// finish 重置为 Idle，已中止或被替代的下载除外
func (o *Orchestrator) finish(gen uint64, terminal State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation || o.state != StateDownloading {
		return
	}
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.state = StateIdle
	o.last = terminal
	stats.DownloadFinished()
}

func (o *Orchestrator) live(ctx context.Context, gen uint64) bool {
	if ctx.Err() != nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen == o.generation && o.state == StateDownloading
}

func (o *Orchestrator) run(ctx context.Context, gen uint64, req Request, cb Callbacks) {
	defer o.wg.Done()

	terminal := StateFailed
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("download panicked", "panic", r)
			terminal = StateFailed
			o.emitError(ctx, gen, cb, fmt.Sprintf("download failed: %v", r))
		}
		o.finish(gen, terminal)
	}()

	summary, err := o.download(ctx, gen, req, cb)
	if !o.live(ctx, gen) {
		terminal = StateAborted
		return
	}
	if err != nil {
		o.logger.Error("download failed", "error", err)
		o.emitError(ctx, gen, cb, err.Error())
		return
	}

	terminal = StatePartiallyCompleted
	if summary.Status == model.StatusCompleted {
		terminal = StateCompleted
	}
	o.logger.Info("download finished",
		"tiles", summary.TilesCount,
		"downloaded", summary.DownloadedTiles,
		"bytes", summary.ActualSize,
		"status", summary.Status)
	if cb.OnComplete != nil && o.live(ctx, gen) {
		cb.OnComplete(summary)
	}
}

func (o *Orchestrator) download(ctx context.Context, gen uint64, req Request, cb Callbacks) (model.RegionSummary, error) {
	var summary model.RegionSummary

	if err := o.calc.ValidateBounds(req.Bounds); err != nil {
		return summary, err
	}
	if err := o.calc.ValidateZoomRange(req.ZoomLevels); err != nil {
		return summary, err
	}
	if err := util.EnsureDirExists(o.config.CacheDir); err != nil {
		return summary, fmt.Errorf("failed to create cache directory: %w", err)
	}

	tiles := o.calc.CalculateTiles(req.Bounds, req.ZoomLevels)
	if len(tiles) == 0 {
		return summary, calculator.ErrNoTilesFound
	}
	total := len(tiles)
	o.monitor.InitStats(total)
	o.logger.Info("download started", "tiles", total, "zoom", req.ZoomLevels)

	var (
		downloaded int
		size       int64
	)
	batches := Batches(tiles, o.config.DownloadBatchSize)
	for i, batch := range batches {
		if !o.live(ctx, gen) {
			return summary, ctx.Err()
		}

		for _, r := range runBatch(ctx, o.downloader, batch) {
			if r.err != nil {
				if ctx.Err() == nil {
					o.logger.Warn("tile download failed", "tile", r.coord.Key(), "error", r.err)
				}
				continue
			}
			downloaded++
			size += r.result.SizeBytes
		}

		if !o.live(ctx, gen) {
			return summary, ctx.Err()
		}
		if cb.OnProgress != nil {
			cb.OnProgress(model.Progress{
				Progress:            float64(downloaded) / float64(total) * 100,
				DownloadedCount:     downloaded,
				TotalCount:          total,
				DownloadedSizeBytes: size,
			})
		}

		if i < len(batches)-1 && o.config.InterBatchPause > 0 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(o.config.InterBatchPause):
			}
		}
	}

	if !o.live(ctx, gen) {
		return summary, ctx.Err()
	}
	o.mu.Lock()
	budget := o.budget
	o.mu.Unlock()
	if budget != nil {
		budget.ManageCacheSize(ctx)
	}
	o.monitor.LogFinalStats(o.logger)

	summary = model.RegionSummary{
		Bounds:          req.Bounds,
		ZoomLevels:      req.ZoomLevels,
		TilesCount:      total,
		DownloadedTiles: downloaded,
		ActualSize:      size,
		EstimatedSize:   int64(total) * tilecache.DefaultTileSize,
		Status:          model.StatusFor(downloaded, total),
	}
	return summary, nil
}

func (o *Orchestrator) emitError(ctx context.Context, gen uint64, cb Callbacks, msg string) {
	if cb.OnError != nil && o.live(ctx, gen) {
		cb.OnError(msg)
	}
}
