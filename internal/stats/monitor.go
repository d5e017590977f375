// Package stats 提供下载统计和 Prometheus 指标
package stats

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/geoyee/seacache/internal/model"
	"github.com/geoyee/seacache/internal/util"
)

var (
	tilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seacache_tiles_total",
		Help: "Tiles processed by the downloader, by result.",
	}, []string{"result"})

	layerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seacache_layer_errors_total",
		Help: "Failed layer fetches, by layer and error class.",
	}, []string{"layer", "class"})

	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seacache_download_bytes_total",
		Help: "Bytes written to the tile cache.",
	})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seacache_retries_total",
		Help: "Layer fetch retries.",
	})

	activeDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seacache_active_downloads",
		Help: "Region downloads currently running (0 or 1).",
	})

	cacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seacache_cache_size_bytes",
		Help: "Last measured size of the tile cache directory.",
	})

	evictedTilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seacache_evicted_tiles_total",
		Help: "Tiles removed by the cache budget pass.",
	})
)

// StatsMonitor 下载统计
type StatsMonitor struct {
	stats  atomic.Pointer[model.DownloadStats]
	errors *util.ErrorStats
}

func NewStatsMonitor() *StatsMonitor {
	sm := &StatsMonitor{errors: util.NewErrorStats()}
	sm.stats.Store(&model.DownloadStats{})
	return sm
}

// InitStats 开始新的下载统计，并清空上次的错误分类
func (sm *StatsMonitor) InitStats(totalTiles int) {
	sm.stats.Store(&model.DownloadStats{
		Total:     int64(totalTiles),
		StartTime: time.Now(),
	})
	sm.errors.Reset()
}

// Errors 当前下载的错误分类统计
func (sm *StatsMonitor) Errors() *util.ErrorStats {
	return sm.errors
}

// GetStats 获取统计副本
func (sm *StatsMonitor) GetStats() model.DownloadStats {
	s := sm.stats.Load()
	return model.DownloadStats{
		Total:      s.Total,
		Success:    atomic.LoadInt64(&s.Success),
		Failed:     atomic.LoadInt64(&s.Failed),
		Cached:     atomic.LoadInt64(&s.Cached),
		Retries:    atomic.LoadInt64(&s.Retries),
		BytesTotal: atomic.LoadInt64(&s.BytesTotal),
		StartTime:  s.StartTime,
	}
}

func (sm *StatsMonitor) RecordSuccess(bytes int64) {
	s := sm.stats.Load()
	atomic.AddInt64(&s.Success, 1)
	atomic.AddInt64(&s.BytesTotal, bytes)
	tilesTotal.WithLabelValues("downloaded").Inc()
	downloadBytesTotal.Add(float64(bytes))
}

func (sm *StatsMonitor) RecordCached() {
	atomic.AddInt64(&sm.stats.Load().Cached, 1)
	tilesTotal.WithLabelValues("cached").Inc()
}

func (sm *StatsMonitor) RecordFailed() {
	atomic.AddInt64(&sm.stats.Load().Failed, 1)
	tilesTotal.WithLabelValues("failed").Inc()
}

func (sm *StatsMonitor) RecordRetry() {
	atomic.AddInt64(&sm.stats.Load().Retries, 1)
	retriesTotal.Inc()
}

// RecordLayerError 记录图层下载错误并返回其分类
func (sm *StatsMonitor) RecordLayerError(layer model.Layer, err error) string {
	class := sm.errors.RecordError(err)
	if class != "" {
		layerErrorsTotal.WithLabelValues(string(layer), class).Inc()
	}
	return class
}

// DownloadStarted / DownloadFinished 更新活动下载指标
func DownloadStarted()  { activeDownloads.Set(1) }
func DownloadFinished() { activeDownloads.Set(0) }

// ObserveCacheSize 记录缓存目录大小
func ObserveCacheSize(bytes int64) {
	cacheSizeBytes.Set(float64(bytes))
}

// ObserveEviction 记录被淘汰的瓦片数
func ObserveEviction(tiles int) {
	evictedTilesTotal.Add(float64(tiles))
}

// LogFinalStats 输出最终统计
func (sm *StatsMonitor) LogFinalStats(logger *slog.Logger) {
	s := sm.GetStats()
	duration := time.Since(s.StartTime)
	processed := s.Success + s.Cached

	var percent float64
	if s.Total > 0 {
		percent = float64(processed) / float64(s.Total) * 100
	}

	attrs := []any{
		"duration", duration.Round(time.Millisecond),
		"total", s.Total,
		"downloaded", s.Success,
		"cached", s.Cached,
		"failed", s.Failed,
		"retries", s.Retries,
		"bytes", s.BytesTotal,
		"completion", percent,
	}
	if duration.Seconds() > 0 {
		attrs = append(attrs, "tiles_per_sec", float64(s.Success)/duration.Seconds())
	}
	logger.Info("download statistics", attrs...)
}
