// Package tilecache 管理瓦片元数据和图层文件
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/geoyee/seacache/internal/kvstore"
	"github.com/geoyee/seacache/internal/model"
	"github.com/geoyee/seacache/internal/util"
)

// DefaultTileSize 大小未知时假定的瓦片大小
const DefaultTileSize int64 = 15000

// Ledger 瓦片元数据账本
//
// 全部元数据保存在同一个键下，每次修改整体重写；mu 串行化读改写
type Ledger struct {
	store    kvstore.Store
	cacheDir string
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// NewLedger 创建元数据账本
func NewLedger(store kvstore.Store, cacheDir string, ttl time.Duration, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:    store,
		cacheDir: cacheDir,
		ttl:      ttl,
		logger:   logger.With("component", "tilecache"),
		now:      time.Now,
	}
}

// CacheDir 缓存目录
func (l *Ledger) CacheDir() string {
	return l.cacheDir
}

// LayerPath 图层文件路径
func (l *Ledger) LayerPath(coord model.TileCoordinate, layer model.Layer) string {
	return util.LayerPath(l.cacheDir, coord, layer)
}

func (l *Ledger) load(ctx context.Context) (map[string]model.TileMetadata, error) {
	entries := make(map[string]model.TileMetadata)
	if _, err := l.store.Get(ctx, kvstore.KeyTileCacheInfo, &entries); err != nil {
		return nil, fmt.Errorf("failed to load tile metadata: %w", err)
	}
	if entries == nil {
		entries = make(map[string]model.TileMetadata)
	}
	return entries, nil
}

func (l *Ledger) save(ctx context.Context, entries map[string]model.TileMetadata) error {
	if err := l.store.Set(ctx, kvstore.KeyTileCacheInfo, entries); err != nil {
		return fmt.Errorf("failed to save tile metadata: %w", err)
	}
	return nil
}

// Entries 返回全部元数据的快照
func (l *Ledger) Entries(ctx context.Context) (map[string]model.TileMetadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx)
}

// Count 元数据条目数
func (l *Ledger) Count(ctx context.Context) int {
	entries, err := l.Entries(ctx)
	if err != nil {
		l.logger.Warn("failed to count tile metadata", "error", err)
		return 0
	}
	return len(entries)
}

// Get 获取瓦片元数据
func (l *Ledger) Get(ctx context.Context, key string) (model.TileMetadata, bool) {
	entries, err := l.Entries(ctx)
	if err != nil {
		l.logger.Warn("failed to read tile metadata", "tile", key, "error", err)
		return model.TileMetadata{}, false
	}
	meta, ok := entries[key]
	return meta, ok
}

// IsTileCached 检查瓦片元数据未过期且底图文件存在，过期条目在发现时即删除
func (l *Ledger) IsTileCached(ctx context.Context, coord model.TileCoordinate) bool {
	key := coord.Key()

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		l.logger.Warn("failed to read tile metadata", "tile", key, "error", err)
		return false
	}
	meta, ok := entries[key]
	if !ok {
		return false
	}

	age := l.now().Sub(time.UnixMilli(meta.TimestampMs))
	if age > l.ttl {
		l.logger.Debug("tile expired", "tile", key, "age", age.Round(time.Second))
		l.removeFiles(coord)
		delete(entries, key)
		if err := l.save(ctx, entries); err != nil {
			l.logger.Warn("failed to drop expired tile", "tile", key, "error", err)
		}
		return false
	}

	return util.FileExists(l.LayerPath(coord, model.LayerBase))
}

// Save 写入瓦片元数据
func (l *Ledger) Save(ctx context.Context, meta model.TileMetadata) error {
	if meta.Key == "" {
		meta.Key = meta.Coordinate().Key()
	}
	if meta.TimestampMs == 0 {
		meta.TimestampMs = l.now().UnixMilli()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return err
	}
	entries[meta.Key] = meta
	return l.save(ctx, entries)
}

// DeleteTiles 删除瓦片的图层文件和元数据，元数据只重写一次，不存在的瓦片忽略
func (l *Ledger) DeleteTiles(ctx context.Context, coords []model.TileCoordinate) (int, error) {
	if len(coords) == 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, coord := range coords {
		l.removeFiles(coord)
	}

	entries, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, coord := range coords {
		if _, ok := entries[coord.Key()]; ok {
			delete(entries, coord.Key())
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, l.save(ctx, entries)
}

// Reset 清空元数据
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save(ctx, map[string]model.TileMetadata{})
}

// DiskSize 瓦片各图层文件的磁盘大小，缺失时依次退回记录大小和 DefaultTileSize
func (l *Ledger) DiskSize(meta model.TileMetadata) int64 {
	var size int64
	for _, layer := range model.Layers {
		size += util.FileSize(l.LayerPath(meta.Coordinate(), layer))
	}
	if size > 0 {
		return size
	}
	if meta.SizeBytes > 0 {
		return meta.SizeBytes
	}
	return DefaultTileSize
}

func (l *Ledger) removeFiles(coord model.TileCoordinate) {
	for _, layer := range model.Layers {
		path := l.LayerPath(coord, layer)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("failed to delete tile layer", "tile", coord.Key(), "layer", layer, "error", err)
		}
	}
}
