// Package offline 组装瓦片缓存、下载和区域管理为离线地图服务
package offline

import "errors"

var (
	// ErrDownloadInProgress 已有下载任务在运行
	ErrDownloadInProgress = errors.New("a download is already in progress")
	// ErrRegionBusy 区域与正在下载的范围重叠
	ErrRegionBusy = errors.New("region overlaps the running download")
	// ErrStorage 存储不可用
	ErrStorage = errors.New("storage unavailable")
)
