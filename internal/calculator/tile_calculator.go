package calculator

import (
	"math"

	"github.com/geoyee/seacache/internal/model"
)

const (
	MaxZoom = 22
	// MaxLatitude Web墨卡托投影的纬度上限
	MaxLatitude = 85.0511287798
)

type TileCalculator struct{}

func NewTileCalculator() *TileCalculator {
	return &TileCalculator{}
}

// CalculateTiles 计算范围内的所有瓦片，按缩放级别、x、y 排序
func (tc *TileCalculator) CalculateTiles(bounds model.Bounds, zr model.ZoomRange) []model.TileCoordinate {
	tiles := make([]model.TileCoordinate, 0, tc.CountTiles(bounds, zr))
	for zoom := zr.Min(); zoom <= zr.Max(); zoom++ {
		minX, minY, maxX, maxY := tc.TileRange(bounds, zoom)
		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				tiles = append(tiles, model.TileCoordinate{
					Zoom: zoom,
					X:    x,
					Y:    y,
				})
			}
		}
	}
	return tiles
}

func (tc *TileCalculator) CountTiles(bounds model.Bounds, zr model.ZoomRange) int {
	var totalTiles int
	for zoom := zr.Min(); zoom <= zr.Max(); zoom++ {
		minX, minY, maxX, maxY := tc.TileRange(bounds, zoom)
		if maxX < minX || maxY < minY {
			continue
		}
		totalTiles += (maxX - minX + 1) * (maxY - minY + 1)
	}
	return totalTiles
}

// TileRange 计算指定缩放级别的瓦片范围（闭区间），北边界对应最小 y
func (tc *TileCalculator) TileRange(bounds model.Bounds, zoom int) (minX, minY, maxX, maxY int) {
	minX, minY = tc.Deg2Num(bounds.West, bounds.North, zoom)
	maxX, maxY = tc.Deg2Num(bounds.East, bounds.South, zoom)
	return tc.ClampTileCoords(minX, minY, maxX, maxY, zoom)
}

func (tc *TileCalculator) ClampTileCoords(minX, minY, maxX, maxY, zoom int) (int, int, int, int) {
	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	maxTile := 1 << zoom
	if maxX >= maxTile {
		maxX = maxTile - 1
	}
	if maxY >= maxTile {
		maxY = maxTile - 1
	}
	return minX, minY, maxX, maxY
}

func (tc *TileCalculator) Deg2Num(lon, lat float64, zoom int) (x, y int) {
	n := math.Exp2(float64(zoom))
	x = int(math.Floor((lon + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180.0
	y = int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))
	return x, y
}

func (tc *TileCalculator) ValidateZoomRange(zr model.ZoomRange) error {
	if zr.Min() < 0 || zr.Max() > MaxZoom || zr.Min() > zr.Max() {
		return ErrInvalidZoomRange
	}
	return nil
}

func (tc *TileCalculator) ValidateBounds(bounds model.Bounds) error {
	if bounds.West < -180 || bounds.East > 180 || bounds.West > bounds.East {
		return ErrInvalidLonRange
	}
	if bounds.South < -MaxLatitude || bounds.North > MaxLatitude || bounds.South > bounds.North {
		return ErrInvalidLatRange
	}
	return nil
}
