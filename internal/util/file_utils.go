// Package util 提供工具函数
package util

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	_ "golang.org/x/image/webp"

	"github.com/geoyee/seacache/internal/model"
)

// ErrInvalidImage 响应内容不是图片
var ErrInvalidImage = errors.New("invalid image payload")

// GetTileURL 获取瓦片URL
func GetTileURL(urlTemplate string, x, y, z int) string {
	url := urlTemplate
	url = strings.ReplaceAll(url, "{x}", strconv.Itoa(x))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(y))
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(z))
	url = strings.ReplaceAll(url, "{-y}", strconv.Itoa((1<<z)-y-1))
	return url
}

// LayerFileName 图层文件名 "{z}_{x}_{y}_{layer}.png"
func LayerFileName(coord model.TileCoordinate, layer model.Layer) string {
	return fmt.Sprintf("%s_%s.png", coord.Key(), layer)
}

// LayerPath 图层文件路径
func LayerPath(cacheDir string, coord model.TileCoordinate, layer model.Layer) string {
	return filepath.Join(cacheDir, LayerFileName(coord, layer))
}

// ValidateImage 校验数据是 PNG、JPEG 或 WebP 图片
func ValidateImage(data []byte) (string, error) {
	if len(data) < 8 {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidImage, len(data))
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return format, nil
}

// EnsureDirExists 确保目录存在
func EnsureDirExists(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// FileSize 获取文件大小，失败时返回0
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// FileExists 文件是否存在
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// DirSize 目录下所有文件大小之和，目录不存在时为0
func DirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// 遍历期间被删除的文件
			return nil
		}
		size += info.Size()
		return nil
	})
	return size, err
}

// WriteFileAtomic 先写同目录临时文件再重命名，读方只会看到旧内容或新内容
func WriteFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := EnsureDirExists(dir); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

// FormatSize 格式化字节数，如 "1.5MiB"
func FormatSize(bytes int64) string {
	return units.BytesSize(float64(bytes))
}
