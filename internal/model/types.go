// Package model 定义数据模型
package model

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// TileCoordinate 瓦片坐标
type TileCoordinate struct {
	Zoom int `json:"zoom"`
	X    int `json:"x"`
	Y    int `json:"y"`
}

// Key 瓦片唯一标识 "{zoom}_{x}_{y}"
func (t TileCoordinate) Key() string {
	return TileKey(t.Zoom, t.X, t.Y)
}

// TileKey 生成瓦片唯一标识
func TileKey(z, x, y int) string {
	return fmt.Sprintf("%d_%d_%d", z, x, y)
}

// Bounds 地理范围（度）
type Bounds struct {
	North float64 `json:"north" yaml:"north"`
	South float64 `json:"south" yaml:"south"`
	East  float64 `json:"east" yaml:"east"`
	West  float64 `json:"west" yaml:"west"`
}

// Bound 转换为 orb.Bound（经度在前）
func (b Bounds) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.West, b.South},
		Max: orb.Point{b.East, b.North},
	}
}

// ZoomRange 缩放级别范围 [min, max]，含两端
type ZoomRange [2]int

func (z ZoomRange) Min() int { return z[0] }
func (z ZoomRange) Max() int { return z[1] }

// Layer 图层
type Layer string

const (
	LayerBase    Layer = "base"
	LayerSeamark Layer = "seamark"
	LayerDepth   Layer = "depth"
)

// Layers 所有图层，按下载顺序
var Layers = []Layer{LayerBase, LayerSeamark, LayerDepth}

// MaxDepthZoom 水深图层的最大缩放级别
const MaxDepthZoom = 16

// TileMetadata 瓦片元数据
type TileMetadata struct {
	Key         string `json:"key"`
	TimestampMs int64  `json:"timestamp"`
	SizeBytes   int64  `json:"size"`
	Zoom        int    `json:"zoom"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
}

// Coordinate 元数据对应的瓦片坐标
func (m TileMetadata) Coordinate() TileCoordinate {
	return TileCoordinate{Zoom: m.Zoom, X: m.X, Y: m.Y}
}

// TileResult 单个瓦片下载结果
type TileResult struct {
	Key       string
	SizeBytes int64
	Cached    bool
}

// RegionStatus 区域状态
type RegionStatus string

const (
	StatusCompleted RegionStatus = "completed"
	StatusPartial   RegionStatus = "partial"
)

// StatusFor 根据瓦片计数得出区域状态
func StatusFor(downloaded, total int) RegionStatus {
	if downloaded == total {
		return StatusCompleted
	}
	return StatusPartial
}

// OfflineRegion 离线区域
type OfflineRegion struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Bounds          Bounds       `json:"bounds"`
	DownloadDate    string       `json:"downloadDate"`
	ZoomLevels      ZoomRange    `json:"zoomLevels"`
	TilesCount      int          `json:"tilesCount"`
	DownloadedTiles int          `json:"downloadedTiles"`
	ActualSize      int64        `json:"actualSize"`
	EstimatedSize   int64        `json:"estimatedSize"`
	Status          RegionStatus `json:"status"`
}

// RegionSummary 下载完成后的区域数据
type RegionSummary struct {
	Bounds          Bounds       `json:"bounds"`
	ZoomLevels      ZoomRange    `json:"zoomLevels"`
	TilesCount      int          `json:"tilesCount"`
	DownloadedTiles int          `json:"downloadedTiles"`
	ActualSize      int64        `json:"actualSize"`
	EstimatedSize   int64        `json:"estimatedSize"`
	Status          RegionStatus `json:"status"`
}

// Progress 下载进度
type Progress struct {
	Progress            float64 `json:"progress"`
	DownloadedCount     int     `json:"downloadedCount"`
	TotalCount          int     `json:"totalCount"`
	DownloadedSizeBytes int64   `json:"downloadedSize"`
}

// CacheInfo 缓存信息（按需计算，不持久化）
type CacheInfo struct {
	SizeBytes     int64  `json:"size"`
	FormattedSize string `json:"formattedSize"`
	EntryCount    int    `json:"entries"`
	LastUpdated   string `json:"lastUpdated,omitempty"`
}

// DownloadStats 下载统计
type DownloadStats struct {
	Total      int64
	Success    int64
	Failed     int64
	Cached     int64
	Retries    int64
	BytesTotal int64
	StartTime  time.Time
}

// Config 配置
type Config struct {
	CacheDir           string        `yaml:"cache_dir"`
	StoreDir           string        `yaml:"store_dir"`
	MaxCacheSizeBytes  int64         `yaml:"max_cache_size_bytes"`
	CacheDuration      time.Duration `yaml:"cache_duration"`
	DownloadBatchSize  int           `yaml:"download_batch_size"`
	InterBatchPause    time.Duration `yaml:"inter_batch_pause"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	Retries            int           `yaml:"retries"`
	RateLimit          int           `yaml:"rate_limit"`
	UserAgent          string        `yaml:"user_agent"`
	ProxyURL           string        `yaml:"proxy_url"`
	UseHTTP2           bool          `yaml:"use_http2"`
	MaxFileSize        int64         `yaml:"max_file_size"`
	BaseURL            string        `yaml:"base_url"`
	SeamarkURL         string        `yaml:"seamark_url"`
	DepthURL           string        `yaml:"depth_url"`
	ListenAddr         string        `yaml:"listen_addr"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
	TileServerCacheLen int           `yaml:"tile_server_cache_size"`
	TileServerCacheTTL time.Duration `yaml:"tile_server_cache_ttl"`
}

// URLTemplate 图层对应的URL模板
func (c *Config) URLTemplate(layer Layer) string {
	switch layer {
	case LayerBase:
		return c.BaseURL
	case LayerSeamark:
		return c.SeamarkURL
	case LayerDepth:
		return c.DepthURL
	}
	return ""
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		CacheDir:           "./data/leaflet_cache",
		StoreDir:           "./data/store",
		MaxCacheSizeBytes:  100 * 1024 * 1024,
		CacheDuration:      7 * 24 * time.Hour,
		DownloadBatchSize:  5,
		InterBatchPause:    100 * time.Millisecond,
		RequestTimeout:     15 * time.Second,
		Retries:            1,
		RateLimit:          0,
		UserAgent:          "seacache/1.0",
		UseHTTP2:           true,
		MaxFileSize:        2097152,
		BaseURL:            "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
		SeamarkURL:         "https://tiles.openseamap.org/seamark/{z}/{x}/{y}.png",
		DepthURL:           "https://tiles.openseamap.org/depth/{z}/{x}/{y}.png",
		ListenAddr:         "127.0.0.1:8765",
		LogLevel:           "info",
		LogFormat:          "text",
		TileServerCacheLen: 512,
		TileServerCacheTTL: 30 * time.Second,
	}
}
