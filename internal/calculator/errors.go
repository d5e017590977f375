// Package calculator 提供瓦片坐标计算功能
package calculator

import "errors"

var (
	// ErrInvalidZoomRange 无效的缩放级别范围
	ErrInvalidZoomRange = errors.New("invalid zoom range (0 <= min-zoom <= max-zoom <= 22)")
	// ErrInvalidLonRange 无效的经度范围
	ErrInvalidLonRange = errors.New("invalid longitude range (-180 <= west <= east <= 180)")
	// ErrInvalidLatRange 无效的纬度范围
	ErrInvalidLatRange = errors.New("invalid latitude range (-85.0511 <= south <= north <= 85.0511)")
	// ErrNoTilesFound 没有找到范围内的瓦片
	ErrNoTilesFound = errors.New("no tiles in range")
)
