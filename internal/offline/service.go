package offline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/geoyee/seacache/internal/cache"
	"github.com/geoyee/seacache/internal/client"
	"github.com/geoyee/seacache/internal/download"
	"github.com/geoyee/seacache/internal/kvstore"
	"github.com/geoyee/seacache/internal/model"
	"github.com/geoyee/seacache/internal/region"
	"github.com/geoyee/seacache/internal/stats"
	"github.com/geoyee/seacache/internal/tilecache"
	"github.com/geoyee/seacache/internal/util"
)

// StatusCheckInterval 网络状态检测间隔
const StatusCheckInterval = 30 * time.Second

// RegionCallbacks 区域下载回调，OnComplete 收到已保存的区域
type RegionCallbacks struct {
	OnProgress func(model.Progress)
	OnComplete func(model.OfflineRegion)
	OnError    func(string)
}

// Status 下载状态快照
type Status struct {
	State      string              `json:"state"`
	LastResult string              `json:"lastResult"`
	Active     *model.Bounds       `json:"activeBounds,omitempty"`
	Stats      model.DownloadStats `json:"stats"`
}

// Service 离线地图服务
type Service struct {
	config       *model.Config
	httpClient   *client.HTTPClient
	ledger       *tilecache.Ledger
	monitor      *stats.StatsMonitor
	downloader   *download.Downloader
	orchestrator *download.Orchestrator
	cache        *cache.Manager
	regions      *region.Manager
	logger       *slog.Logger
}

// New 创建服务，httpClient 为 nil 时按配置创建
func New(config *model.Config, store kvstore.Store, logger *slog.Logger, httpClient *client.HTTPClient) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = client.NewHTTPClient(&client.Config{
			Timeout:   config.RequestTimeout,
			ProxyURL:  config.ProxyURL,
			UseHTTP2:  config.UseHTTP2,
			UserAgent: config.UserAgent,
			Logger:    logger,
		})
	}

	ledger := tilecache.NewLedger(store, config.CacheDir, config.CacheDuration, logger)
	monitor := stats.NewStatsMonitor()
	downloader := download.NewDownloader(config, httpClient, ledger, monitor, logger)
	orchestrator := download.NewOrchestrator(config, downloader, monitor, logger)
	regions := region.NewManager(store, ledger, logger)
	cacheManager := cache.NewManager(config, ledger, regions, orchestrator, logger)
	orchestrator.SetCacheBudget(cacheManager)

	return &Service{
		config:       config,
		httpClient:   httpClient,
		ledger:       ledger,
		monitor:      monitor,
		downloader:   downloader,
		orchestrator: orchestrator,
		cache:        cacheManager,
		regions:      regions,
		logger:       logger.With("component", "offline"),
	}
}

// Config 当前配置
func (s *Service) Config() *model.Config {
	return s.config
}

// DownloadRegion 后台下载区域，完成后先保存区域再调用 OnComplete，保存失败时调用 OnError
func (s *Service) DownloadRegion(ctx context.Context, name string, req download.Request, cb RegionCallbacks) error {
	persist := context.WithoutCancel(ctx)
	inner := download.Callbacks{
		OnProgress: cb.OnProgress,
		OnError:    cb.OnError,
		OnComplete: func(summary model.RegionSummary) {
			saved, ok := s.regions.Add(persist, region.InputFromSummary(name, summary))
			if !ok {
				if cb.OnError != nil {
					cb.OnError("failed to save region")
				}
				return
			}
			if cb.OnComplete != nil {
				cb.OnComplete(saved)
			}
		},
	}
	if !s.orchestrator.StartDownload(ctx, req, inner) {
		return ErrDownloadInProgress
	}
	s.logger.Info("region download started", "name", name, "zoom", req.ZoomLevels)
	return nil
}

// AbortDownload 取消当前下载
func (s *Service) AbortDownload() {
	s.orchestrator.AbortDownload()
}

// Wait 等待后台下载返回
func (s *Service) Wait() {
	s.orchestrator.Wait()
}

// DownloadStatus 当前下载状态
func (s *Service) DownloadStatus() Status {
	st := Status{
		State:      s.orchestrator.State().String(),
		LastResult: s.orchestrator.LastResult().String(),
		Stats:      s.monitor.GetStats(),
	}
	if b, ok := s.orchestrator.ActiveBounds(); ok {
		st.Active = &b
	}
	return st
}

func (s *Service) Regions(ctx context.Context) []model.OfflineRegion {
	return s.regions.List(ctx)
}

func (s *Service) Region(ctx context.Context, id string) (model.OfflineRegion, bool) {
	return s.regions.Get(ctx, id)
}

// SaveRegion 校验并保存非下载产生的区域（如导入）
func (s *Service) SaveRegion(ctx context.Context, in region.RegionInput) (model.OfflineRegion, error) {
	if err := s.regions.Validate(in); err != nil {
		return model.OfflineRegion{}, err
	}
	saved, ok := s.regions.Add(ctx, in)
	if !ok {
		return model.OfflineRegion{}, ErrStorage
	}
	return saved, nil
}

func (s *Service) UpdateRegion(ctx context.Context, id string, patch region.RegionPatch) error {
	if err := s.regions.ValidatePatch(patch); err != nil {
		return err
	}
	if !s.regions.Update(ctx, id, patch) {
		return ErrStorage
	}
	return nil
}

// DeleteRegion 删除区域及其瓦片，与正在下载的范围相交时返回 ErrRegionBusy
func (s *Service) DeleteRegion(ctx context.Context, id string) error {
	if target, ok := s.regions.Get(ctx, id); ok {
		if active, running := s.orchestrator.ActiveBounds(); running &&
			target.Bounds.Bound().Intersects(active.Bound()) {
			return ErrRegionBusy
		}
	}
	if !s.regions.Delete(ctx, id) {
		return ErrStorage
	}
	return nil
}

// Estimate 估算区域下载量
func (s *Service) Estimate(bounds model.Bounds, zoom model.ZoomRange) (region.Estimate, error) {
	check := region.RegionInput{Name: "estimate", Bounds: &bounds, ZoomLevels: &zoom}
	if err := s.regions.Validate(check); err != nil {
		return region.Estimate{}, err
	}
	return s.regions.Estimate(bounds, zoom), nil
}

func (s *Service) CacheInfo(ctx context.Context) model.CacheInfo {
	return s.cache.GetCacheInfo(ctx)
}

// ManageCache 立即执行缓存淘汰
func (s *Service) ManageCache(ctx context.Context) bool {
	return s.cache.ManageCacheSize(ctx)
}

func (s *Service) ClearCache(ctx context.Context) bool {
	return s.cache.ClearCache(ctx)
}

// TilePath 图层文件路径（不检查是否存在）
func (s *Service) TilePath(coord model.TileCoordinate, layer model.Layer) string {
	return s.ledger.LayerPath(coord, layer)
}

// ErrorSummary 下载错误分类统计
func (s *Service) ErrorSummary() map[string]int {
	return s.downloader.ErrorStats().Snapshot()
}

// IsOnline 检测底图服务是否可达
func (s *Service) IsOnline(ctx context.Context) bool {
	url := util.GetTileURL(s.config.BaseURL, 0, 0, 0)
	if err := s.httpClient.CheckReachable(ctx, url); err != nil {
		s.logger.Debug("tile server unreachable", "error", err)
		return false
	}
	return true
}

// Shutdown 中止下载并在 ctx 期限内等待其结束
func (s *Service) Shutdown(ctx context.Context) error {
	s.orchestrator.AbortDownload()
	done := make(chan struct{})
	go func() {
		s.orchestrator.Wait()
		close(done)
	}()
	defer s.httpClient.CloseIdleConnections()

	select {
	case <-done:
		s.downloader.LogErrorStats()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("download did not stop: %w", ctx.Err())
	}
}
