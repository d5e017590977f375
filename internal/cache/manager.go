// Package cache 提供缓存容量管理功能
package cache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/geoyee/seacache/internal/model"
	"github.com/geoyee/seacache/internal/stats"
	"github.com/geoyee/seacache/internal/tilecache"
	"github.com/geoyee/seacache/internal/util"
)

// TargetRatio 淘汰后缓存占容量上限的比例
const TargetRatio = 0.8

// maxPasses 单次淘汰的最大重测轮数
const maxPasses = 4

// Aborter 中止当前下载
type Aborter interface {
	AbortDownload()
}

// RegionResetter 清空区域列表
type RegionResetter interface {
	Reset(ctx context.Context) error
}

type Manager struct {
	config  *model.Config
	ledger  *tilecache.Ledger
	regions RegionResetter
	aborter Aborter
	logger  *slog.Logger
}

func NewManager(config *model.Config, ledger *tilecache.Ledger, regions RegionResetter, aborter Aborter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  config,
		ledger:  ledger,
		regions: regions,
		aborter: aborter,
		logger:  logger.With("component", "cache"),
	}
}

// GetCacheInfo 获取缓存信息，出错时返回零值
func (m *Manager) GetCacheInfo(ctx context.Context) model.CacheInfo {
	size, err := util.DirSize(m.config.CacheDir)
	if err != nil {
		m.logger.Warn("failed to measure cache", "error", err)
		return model.CacheInfo{FormattedSize: util.FormatSize(0)}
	}
	stats.ObserveCacheSize(size)
	return model.CacheInfo{
		SizeBytes:     size,
		FormattedSize: util.FormatSize(size),
		EntryCount:    m.ledger.Count(ctx),
		LastUpdated:   time.Now().UTC().Format(time.RFC3339),
	}
}

// ManageCacheSize 缓存超限时按下载时间从旧到新淘汰瓦片，直到 TargetRatio，返回是否执行了淘汰
func (m *Manager) ManageCacheSize(ctx context.Context) bool {
	budget := m.config.MaxCacheSizeBytes
	size, err := util.DirSize(m.config.CacheDir)
	if err != nil {
		m.logger.Warn("failed to measure cache", "error", err)
		return false
	}
	stats.ObserveCacheSize(size)
	if size <= budget {
		return false
	}

	m.logger.Info("cache over budget, evicting",
		"size", util.FormatSize(size), "budget", util.FormatSize(budget))

	target := int64(float64(budget) * TargetRatio)
	evicted := 0
	for pass := 0; pass < maxPasses && size > budget; pass++ {
		victims, err := m.selectVictims(ctx, size, target)
		if err != nil {
			m.logger.Warn("failed to read tile metadata", "error", err)
			break
		}
		if len(victims) == 0 {
			break
		}
		removed, err := m.ledger.DeleteTiles(ctx, victims)
		if err != nil {
			m.logger.Warn("failed to rewrite tile metadata", "error", err)
		}
		evicted += removed
		stats.ObserveEviction(len(victims))

		next, err := util.DirSize(m.config.CacheDir)
		if err != nil {
			m.logger.Warn("failed to measure cache", "error", err)
			break
		}
		if next >= size {
			// 剩余文件不在元数据中，无可淘汰瓦片
			break
		}
		size = next
	}

	stats.ObserveCacheSize(size)
	m.logger.Info("cache eviction finished", "evicted", evicted, "size", util.FormatSize(size))
	return true
}

func (m *Manager) selectVictims(ctx context.Context, size, target int64) ([]model.TileCoordinate, error) {
	entries, err := m.ledger.Entries(ctx)
	if err != nil {
		return nil, err
	}
	sorted := make([]model.TileMetadata, 0, len(entries))
	for key, meta := range entries {
		if meta.Key == "" {
			meta.Key = key
		}
		sorted = append(sorted, meta)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].TimestampMs != sorted[j].TimestampMs {
			return sorted[i].TimestampMs < sorted[j].TimestampMs
		}
		return sorted[i].Key < sorted[j].Key
	})

	projected := size
	var victims []model.TileCoordinate
	for _, meta := range sorted {
		if projected <= target {
			break
		}
		victims = append(victims, meta.Coordinate())
		projected -= m.ledger.DiskSize(meta)
	}
	return victims, nil
}

// ClearCache 中止下载，删除缓存目录，并清空瓦片元数据和区域列表
func (m *Manager) ClearCache(ctx context.Context) bool {
	if m.aborter != nil {
		m.aborter.AbortDownload()
	}

	if err := os.RemoveAll(m.config.CacheDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to delete cache directory", "error", err)
		return false
	}

	ok := true
	if err := m.ledger.Reset(ctx); err != nil {
		m.logger.Warn("failed to reset tile metadata", "error", err)
		ok = false
	}
	if m.regions != nil {
		if err := m.regions.Reset(ctx); err != nil {
			m.logger.Warn("failed to reset regions", "error", err)
			ok = false
		}
	}
	stats.ObserveCacheSize(0)
	if ok {
		m.logger.Info("cache cleared")
	}
	return ok
}
