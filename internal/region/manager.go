package region

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geoyee/seacache/internal/calculator"
	"github.com/geoyee/seacache/internal/kvstore"
	"github.com/geoyee/seacache/internal/model"
	"github.com/geoyee/seacache/internal/tilecache"
	"github.com/geoyee/seacache/internal/util"
)

// DefaultZoomLevels 默认缩放级别
var DefaultZoomLevels = model.ZoomRange{1, 18}

// maxCascadeTiles 删除区域时直接枚举的瓦片上限，超过后改为扫描元数据
const maxCascadeTiles = 100000

// RegionInput 新区域数据，nil 字段使用默认值
type RegionInput struct {
	Name            string             `json:"name"`
	Bounds          *model.Bounds      `json:"bounds"`
	ZoomLevels      *model.ZoomRange   `json:"zoomLevels,omitempty"`
	TilesCount      int                `json:"tilesCount,omitempty"`
	DownloadedTiles int                `json:"downloadedTiles,omitempty"`
	ActualSize      int64              `json:"actualSize,omitempty"`
	EstimatedSize   int64              `json:"estimatedSize,omitempty"`
	Status          model.RegionStatus `json:"status,omitempty"`
}

// InputFromSummary 由下载结果构建区域数据
func InputFromSummary(name string, s model.RegionSummary) RegionInput {
	bounds := s.Bounds
	zoom := s.ZoomLevels
	return RegionInput{
		Name:            name,
		Bounds:          &bounds,
		ZoomLevels:      &zoom,
		TilesCount:      s.TilesCount,
		DownloadedTiles: s.DownloadedTiles,
		ActualSize:      s.ActualSize,
		EstimatedSize:   s.EstimatedSize,
		Status:          s.Status,
	}
}

// RegionPatch 区域更新字段，nil 字段不变
type RegionPatch struct {
	Name            *string             `json:"name,omitempty"`
	Bounds          *model.Bounds       `json:"bounds,omitempty"`
	ZoomLevels      *model.ZoomRange    `json:"zoomLevels,omitempty"`
	TilesCount      *int                `json:"tilesCount,omitempty"`
	DownloadedTiles *int                `json:"downloadedTiles,omitempty"`
	ActualSize      *int64              `json:"actualSize,omitempty"`
	EstimatedSize   *int64              `json:"estimatedSize,omitempty"`
	Status          *model.RegionStatus `json:"status,omitempty"`
}

// Estimate 区域大小估算
type Estimate struct {
	TilesCount    int    `json:"tilesCount"`
	EstimatedSize int64  `json:"estimatedSize"`
	FormattedSize string `json:"formattedSize"`
}

// Manager 区域管理器，存储错误只记录日志，降级为 false 或空列表
type Manager struct {
	store  kvstore.Store
	ledger *tilecache.Ledger
	calc   *calculator.TileCalculator
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

func NewManager(store kvstore.Store, ledger *tilecache.Ledger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		ledger: ledger,
		calc:   calculator.NewTileCalculator(),
		logger: logger.With("component", "region"),
		now:    time.Now,
	}
}

func (m *Manager) load(ctx context.Context) ([]model.OfflineRegion, error) {
	var regions []model.OfflineRegion
	if _, err := m.store.Get(ctx, kvstore.KeyOfflineRegions, &regions); err != nil {
		return nil, err
	}
	if regions == nil {
		regions = []model.OfflineRegion{}
	}
	return regions, nil
}

func (m *Manager) save(ctx context.Context, regions []model.OfflineRegion) error {
	if regions == nil {
		regions = []model.OfflineRegion{}
	}
	return m.store.Set(ctx, kvstore.KeyOfflineRegions, regions)
}

// List 区域列表，未初始化时为空
func (m *Manager) List(ctx context.Context) []model.OfflineRegion {
	m.mu.Lock()
	defer m.mu.Unlock()

	regions, err := m.load(ctx)
	if err != nil {
		m.logger.Warn("failed to load regions", "error", err)
		return []model.OfflineRegion{}
	}
	return regions
}

// Get 按ID查找区域
func (m *Manager) Get(ctx context.Context, id string) (model.OfflineRegion, bool) {
	for _, r := range m.List(ctx) {
		if r.ID == id {
			return r, true
		}
	}
	return model.OfflineRegion{}, false
}

// Add 添加区域
func (m *Manager) Add(ctx context.Context, in RegionInput) (model.OfflineRegion, bool) {
	id, err := uuid.NewV7()
	if err != nil {
		m.logger.Warn("failed to generate region id", "error", err)
		return model.OfflineRegion{}, false
	}

	now := m.now()
	region := model.OfflineRegion{
		ID:              id.String(),
		Name:            in.Name,
		DownloadDate:    now.UTC().Format(time.RFC3339),
		ZoomLevels:      DefaultZoomLevels,
		TilesCount:      max(in.TilesCount, 0),
		DownloadedTiles: max(in.DownloadedTiles, 0),
		ActualSize:      max(in.ActualSize, 0),
		EstimatedSize:   max(in.EstimatedSize, 0),
		Status:          in.Status,
	}
	if region.Name == "" {
		region.Name = GenerateName(now)
	}
	if in.Bounds != nil {
		region.Bounds = *in.Bounds
	}
	if in.ZoomLevels != nil {
		region.ZoomLevels = clampZoom(*in.ZoomLevels)
	}
	normalize(&region)

	m.mu.Lock()
	defer m.mu.Unlock()

	regions, err := m.load(ctx)
	if err != nil {
		m.logger.Warn("failed to load regions", "error", err)
		return model.OfflineRegion{}, false
	}
	if err := m.save(ctx, append(regions, region)); err != nil {
		m.logger.Warn("failed to save regions", "region_id", region.ID, "error", err)
		return model.OfflineRegion{}, false
	}
	m.logger.Info("region added", "region_id", region.ID, "name", region.Name, "status", region.Status)
	return region, true
}

// Delete 删除区域及其范围内的瓦片，未知ID视为成功
func (m *Manager) Delete(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	regions, err := m.load(ctx)
	if err != nil {
		m.logger.Warn("failed to load regions", "error", err)
		return false
	}

	kept := make([]model.OfflineRegion, 0, len(regions))
	var target *model.OfflineRegion
	for i := range regions {
		if regions[i].ID == id {
			target = &regions[i]
			continue
		}
		kept = append(kept, regions[i])
	}
	if target == nil {
		return true
	}

	if m.ledger != nil {
		m.deleteTiles(ctx, *target)
	}

	if err := m.save(ctx, kept); err != nil {
		m.logger.Warn("failed to save regions", "region_id", id, "error", err)
		return false
	}
	return true
}

// deleteTiles 删除区域范围内的瓦片；无范围或范围无效的区域不删除任何瓦片
func (m *Manager) deleteTiles(ctx context.Context, r model.OfflineRegion) {
	if r.Bounds == (model.Bounds{}) {
		m.logger.Debug("region has no bounds, keeping tiles", "region_id", r.ID)
		return
	}
	if err := m.calc.ValidateBounds(r.Bounds); err != nil {
		m.logger.Warn("invalid region bounds, keeping tiles", "region_id", r.ID, "error", err)
		return
	}
	if err := m.calc.ValidateZoomRange(r.ZoomLevels); err != nil {
		m.logger.Warn("invalid region zoom levels, keeping tiles", "region_id", r.ID, "zoom", r.ZoomLevels, "error", err)
		return
	}

	var tiles []model.TileCoordinate
	if m.calc.CountTiles(r.Bounds, r.ZoomLevels) <= maxCascadeTiles {
		tiles = m.calc.CalculateTiles(r.Bounds, r.ZoomLevels)
	} else {
		entries, err := m.ledger.Entries(ctx)
		if err != nil {
			m.logger.Warn("failed to read tile metadata", "region_id", r.ID, "error", err)
			return
		}
		for _, meta := range entries {
			if m.covers(r, meta.Coordinate()) {
				tiles = append(tiles, meta.Coordinate())
			}
		}
	}

	removed, err := m.ledger.DeleteTiles(ctx, tiles)
	if err != nil {
		m.logger.Warn("failed to delete region tiles", "region_id", r.ID, "error", err)
		return
	}
	m.logger.Info("region tiles deleted", "region_id", r.ID, "tiles", removed)
}

// covers 判断瓦片是否落在区域范围内
func (m *Manager) covers(r model.OfflineRegion, c model.TileCoordinate) bool {
	if c.Zoom < r.ZoomLevels.Min() || c.Zoom > r.ZoomLevels.Max() {
		return false
	}
	minX, minY, maxX, maxY := m.calc.TileRange(r.Bounds, c.Zoom)
	return c.X >= minX && c.X <= maxX && c.Y >= minY && c.Y <= maxY
}

// ValidatePatch 校验更新中的范围和缩放级别
func (m *Manager) ValidatePatch(p RegionPatch) error {
	if p.Bounds != nil {
		if err := m.calc.ValidateBounds(*p.Bounds); err != nil {
			return err
		}
	}
	if p.ZoomLevels != nil {
		return m.calc.ValidateZoomRange(*p.ZoomLevels)
	}
	return nil
}

// Update 合并非 nil 字段；未知ID视为成功，无效更新不做修改并返回 false
func (m *Manager) Update(ctx context.Context, id string, patch RegionPatch) bool {
	if err := m.ValidatePatch(patch); err != nil {
		m.logger.Warn("rejected region patch", "region_id", id, "error", err)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	regions, err := m.load(ctx)
	if err != nil {
		m.logger.Warn("failed to load regions", "error", err)
		return false
	}

	found := false
	for i := range regions {
		if regions[i].ID != id {
			continue
		}
		applyPatch(&regions[i], patch)
		found = true
	}
	if !found {
		return true
	}

	if err := m.save(ctx, regions); err != nil {
		m.logger.Warn("failed to save regions", "region_id", id, "error", err)
		return false
	}
	return true
}

// Reset 清空区域列表
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.save(ctx, []model.OfflineRegion{}); err != nil {
		return fmt.Errorf("failed to reset regions: %w", err)
	}
	return nil
}

// Validate 校验区域名称和范围
func (m *Manager) Validate(in RegionInput) error {
	if in.Name == "" {
		return ErrNameRequired
	}
	if in.Bounds == nil || *in.Bounds == (model.Bounds{}) {
		return ErrBoundsRequired
	}
	if err := m.calc.ValidateBounds(*in.Bounds); err != nil {
		return err
	}
	if in.ZoomLevels != nil {
		return m.calc.ValidateZoomRange(*in.ZoomLevels)
	}
	return nil
}

// Estimate 估算区域的瓦片数和大小
func (m *Manager) Estimate(bounds model.Bounds, zoom model.ZoomRange) Estimate {
	count := m.calc.CountTiles(bounds, zoom)
	size := int64(count) * tilecache.DefaultTileSize
	return Estimate{
		TilesCount:    count,
		EstimatedSize: size,
		FormattedSize: util.FormatSize(size),
	}
}

// GenerateName 生成默认区域名称
func GenerateName(t time.Time) string {
	return "Region " + t.Format("2006-01-02 15:04")
}

func applyPatch(r *model.OfflineRegion, p RegionPatch) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Bounds != nil {
		r.Bounds = *p.Bounds
	}
	if p.ZoomLevels != nil {
		r.ZoomLevels = *p.ZoomLevels
	}
	if p.TilesCount != nil {
		r.TilesCount = *p.TilesCount
	}
	if p.DownloadedTiles != nil {
		r.DownloadedTiles = *p.DownloadedTiles
	}
	if p.ActualSize != nil {
		r.ActualSize = *p.ActualSize
	}
	if p.EstimatedSize != nil {
		r.EstimatedSize = *p.EstimatedSize
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.TilesCount != nil || p.DownloadedTiles != nil || p.Status != nil {
		normalize(r)
	}
}

// clampZoom 将缩放级别限制在 [0, MaxZoom] 内并保证 min <= max
func clampZoom(z model.ZoomRange) model.ZoomRange {
	lo := min(max(z.Min(), 0), calculator.MaxZoom)
	hi := min(max(z.Max(), 0), calculator.MaxZoom)
	if lo > hi {
		lo, hi = hi, lo
	}
	return model.ZoomRange{lo, hi}
}

// normalize 保证 DownloadedTiles <= TilesCount 且状态与计数一致
func normalize(r *model.OfflineRegion) {
	r.TilesCount = max(r.TilesCount, 0)
	r.DownloadedTiles = min(max(r.DownloadedTiles, 0), r.TilesCount)
	r.Status = model.StatusFor(r.DownloadedTiles, r.TilesCount)
}
