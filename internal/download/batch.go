// Package download 提供下载相关功能
package download

import (
	"context"
	"fmt"
	"sync"

	"github.com/geoyee/seacache/internal/model"
)

// TileDownloader 单个瓦片下载器
type TileDownloader interface {
	DownloadTile(ctx context.Context, coord model.TileCoordinate) (model.TileResult, error)
}

type batchResult struct {
	coord  model.TileCoordinate
	result model.TileResult
	err    error
}

// Batches 按批次切分瓦片，保持枚举顺序
func Batches(tiles []model.TileCoordinate, batchSize int) [][]model.TileCoordinate {
	if batchSize <= 0 {
		batchSize = 1
	}
	batches := make([][]model.TileCoordinate, 0, (len(tiles)+batchSize-1)/batchSize)
	for i := 0; i < len(tiles); i += batchSize {
		end := min(i+batchSize, len(tiles))
		batches = append(batches, tiles[i:end])
	}
	return batches
}

// runBatch 并发下载一批瓦片并等待全部完成，单个瓦片失败或 panic 不影响其他瓦片
func runBatch(ctx context.Context, d TileDownloader, batch []model.TileCoordinate) []batchResult {
	results := make([]batchResult, len(batch))
	var wg sync.WaitGroup
	wg.Add(len(batch))
	for i, coord := range batch {
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = batchResult{coord: coord, err: fmt.Errorf("tile %s panicked: %v", coord.Key(), r)}
				}
			}()
			res, err := d.DownloadTile(ctx, coord)
			results[i] = batchResult{coord: coord, result: res, err: err}
		}()
	}
	wg.Wait()
	return results
}
