package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/paulmach/orb/maptile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/geoyee/seacache/internal/calculator"
	"github.com/geoyee/seacache/internal/model"
)

var (
	tileCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seacache_tile_server_cache_hits_total",
		Help: "Tile server responses served from the in-memory cache.",
	})
	tileCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seacache_tile_server_cache_misses_total",
		Help: "Tile server responses read from disk.",
	})
)

var errBadTile = errors.New("invalid tile coordinates")

// TileSource 图层文件路径
type TileSource interface {
	TilePath(coord model.TileCoordinate, layer model.Layer) string
}

// TileServer 本地瓦片服务，带短期内存缓存
type TileServer struct {
	source TileSource
	hot    *expirable.LRU[string, []byte]
	logger *slog.Logger
}

func NewTileServer(source TileSource, size int, ttl time.Duration, logger *slog.Logger) *TileServer {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 1
	}
	return &TileServer{
		source: source,
		hot:    expirable.NewLRU[string, []byte](size, nil, ttl),
		logger: logger.With("component", "tileserver"),
	}
}

// Purge 清空内存缓存
func (ts *TileServer) Purge() {
	ts.hot.Purge()
}

// ServeHTTP 处理 /tiles/{layer}/{z}/{x}/{y}.png
func (ts *TileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	layer, coord, err := parseTile(
		chi.URLParam(r, "layer"),
		chi.URLParam(r, "z"),
		chi.URLParam(r, "x"),
		chi.URLParam(r, "y"),
	)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	path := ts.source.TilePath(coord, layer)
	data, ok := ts.hot.Get(path)
	if ok {
		tileCacheHits.Inc()
	} else {
		tileCacheMisses.Inc()
		data, err = os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				ts.logger.Warn("failed to read tile", "tile", coord.Key(), "layer", layer, "error", err)
			}
			http.NotFound(w, r)
			return
		}
		ts.hot.Add(path, data)
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "max-age=300")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func parseTile(layerParam, zParam, xParam, yParam string) (model.Layer, model.TileCoordinate, error) {
	var coord model.TileCoordinate

	layer := model.Layer(layerParam)
	known := false
	for _, l := range model.Layers {
		if l == layer {
			known = true
			break
		}
	}
	if !known {
		return "", coord, fmt.Errorf("unknown layer %q", layerParam)
	}

	z, errZ := strconv.ParseUint(zParam, 10, 8)
	x, errX := strconv.ParseUint(xParam, 10, 32)
	y, errY := strconv.ParseUint(yParam, 10, 32)
	if errZ != nil || errX != nil || errY != nil || z > calculator.MaxZoom {
		return "", coord, errBadTile
	}
	tile := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))
	if !tile.Valid() {
		return "", coord, errBadTile
	}
	if layer == model.LayerDepth && int(z) > model.MaxDepthZoom {
		return "", coord, fmt.Errorf("depth layer is not available above zoom %d", model.MaxDepthZoom)
	}

	coord = model.TileCoordinate{Zoom: int(tile.Z), X: int(tile.X), Y: int(tile.Y)}
	return layer, coord, nil
}
