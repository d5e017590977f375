package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/geoyee/seacache/internal/client"
	"github.com/geoyee/seacache/internal/model"
	"github.com/geoyee/seacache/internal/stats"
	"github.com/geoyee/seacache/internal/tilecache"
	"github.com/geoyee/seacache/internal/util"
)

// Downloader 瓦片下载器
type Downloader struct {
	config     *model.Config
	httpClient *client.HTTPClient
	ledger     *tilecache.Ledger
	monitor    *stats.StatsMonitor
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func NewDownloader(config *model.Config, httpClient *client.HTTPClient, ledger *tilecache.Ledger, monitor *stats.StatsMonitor, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	if monitor == nil {
		monitor = stats.NewStatsMonitor()
	}
	d := &Downloader{
		config:     config,
		httpClient: httpClient,
		ledger:     ledger,
		monitor:    monitor,
		logger:     logger.With("component", "downloader"),
	}
	if config.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimit)
		d.logger.Info("rate limit enabled", "requests_per_sec", config.RateLimit)
	}
	return d
}

// ErrorStats 本次下载的错误统计
func (d *Downloader) ErrorStats() *util.ErrorStats {
	return d.monitor.Errors()
}

// LayersFor 缩放级别对应的图层，水深图层仅到 MaxDepthZoom
func LayersFor(zoom int) []model.Layer {
	if zoom <= model.MaxDepthZoom {
		return model.Layers
	}
	return model.Layers[:2]
}

// DownloadTile 下载瓦片：命中缓存直接返回；各图层独立失败，至少一层成功且未取消时写入元数据，全部失败时返回错误
func (d *Downloader) DownloadTile(ctx context.Context, coord model.TileCoordinate) (model.TileResult, error) {
	key := coord.Key()
	result := model.TileResult{Key: key}

	if d.ledger.IsTileCached(ctx, coord) {
		d.monitor.RecordCached()
		result.Cached = true
		return result, nil
	}

	var (
		total     int64
		succeeded int
		errs      []error
	)
	for _, layer := range LayersFor(coord.Zoom) {
		if ctx.Err() != nil {
			break
		}
		size, err := d.downloadLayer(ctx, coord, layer)
		if err != nil {
			if ctx.Err() == nil {
				d.monitor.RecordLayerError(layer, err)
				d.logger.Warn("layer download failed", "tile", key, "layer", layer, "error", err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", layer, err))
			continue
		}
		total += size
		succeeded++
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	if succeeded == 0 {
		d.monitor.RecordFailed()
		return result, fmt.Errorf("tile %s: %w", key, errors.Join(errs...))
	}

	meta := model.TileMetadata{
		Key:         key,
		TimestampMs: time.Now().UnixMilli(),
		SizeBytes:   total,
		Zoom:        coord.Zoom,
		X:           coord.X,
		Y:           coord.Y,
	}
	if err := d.ledger.Save(ctx, meta); err != nil {
		d.logger.Warn("failed to save tile metadata", "tile", key, "error", err)
	}

	d.monitor.RecordSuccess(total)
	result.SizeBytes = total
	return result, nil
}

// downloadLayer 下载单个图层，网络错误和5xx会重试
func (d *Downloader) downloadLayer(ctx context.Context, coord model.TileCoordinate, layer model.Layer) (int64, error) {
	template := d.config.URLTemplate(layer)
	if template == "" {
		return 0, fmt.Errorf("no url template for layer %s", layer)
	}
	url := util.GetTileURL(template, coord.X, coord.Y, coord.Zoom)
	path := d.ledger.LayerPath(coord, layer)

	var lastErr error
	maxAttempts := max(d.config.Retries, 0) + 1
	for attempt := range maxAttempts {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			delay = min(delay, 30*time.Second)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
			d.monitor.RecordRetry()
		}

		size, err := d.doDownload(ctx, url, path)
		if err == nil {
			return size, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			break
		}
	}
	return 0, lastErr
}

func isRetryable(err error) bool {
	if errors.Is(err, util.ErrInvalidImage) || errors.Is(err, errTooLarge) {
		return false
	}
	errStr := err.Error()
	if strings.Contains(errStr, "HTTP 5") {
		return true
	}
	if strings.Contains(errStr, "HTTP ") {
		return false
	}
	return isNetworkError(errStr)
}

func isNetworkError(errStr string) bool {
	lowerErr := strings.ToLower(errStr)
	return strings.Contains(lowerErr, "timeout") ||
		strings.Contains(lowerErr, "deadline") ||
		strings.Contains(lowerErr, "connection") ||
		strings.Contains(lowerErr, "network") ||
		strings.Contains(lowerErr, "eof")
}

var errTooLarge = errors.New("file size exceeds limit")

func (d *Downloader) doDownload(ctx context.Context, url, path string) (int64, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	reqCtx := ctx
	if d.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, d.config.RequestTimeout)
		defer cancel()
	}

	resp, err := d.httpClient.Get(reqCtx, url)
	if err != nil {
		return 0, err
	}
	defer client.SafeCloseResponse(resp)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	limit := d.config.MaxFileSize
	if limit <= 0 {
		limit = model.DefaultConfig().MaxFileSize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > limit {
		return 0, fmt.Errorf("%w: > %d", errTooLarge, limit)
	}
	if _, err := util.ValidateImage(data); err != nil {
		return 0, err
	}
	if err := util.WriteFileAtomic(path, data); err != nil {
		return 0, fmt.Errorf("failed to save file: %w", err)
	}
	return int64(len(data)), nil
}

// LogErrorStats 输出错误统计
func (d *Downloader) LogErrorStats() {
	errs := d.monitor.Errors()
	if errs.Empty() {
		return
	}
	for class, count := range errs.Snapshot() {
		d.logger.Info("error statistics", "class", class, "count", count)
	}
}
