// Package kvstore 提供键值存储，字符串原样保存，其他值以JSON编码
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/geoyee/seacache/internal/util"
)

// 持久化的键
const (
	KeyOfflineRegions = "offline_regions"
	KeyTileCacheInfo  = "tile_cache_info"
)

var ErrInvalidKey = errors.New("invalid key")

// Store 带命名空间的键值存储接口
type Store interface {
	// Get 将键对应的值解码到 out，并返回键是否存在
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Remove(ctx context.Context, key string) error
}

func encode(value any) ([]byte, error) {
	if s, ok := value.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(value)
}

func decode(raw []byte, out any) error {
	err := json.Unmarshal(raw, out)
	if err == nil {
		return nil
	}
	// 字符串不做JSON引号转义
	if sp, ok := out.(*string); ok {
		*sp = string(raw)
		return nil
	}
	return err
}

// FileStore 文件存储，每个键一个文件
type FileStore struct {
	dir       string
	namespace string
	mu        sync.RWMutex
}

// NewFileStore 创建文件存储
func NewFileStore(dir, namespace string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir, namespace: namespace}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	name := key
	if s.namespace != "" {
		name = s.namespace + "." + key
	}
	return filepath.Join(s.dir, name+".json"), nil
}

func (s *FileStore) Get(ctx context.Context, key string, out any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.path(key)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(path)
	s.mu.RUnlock()
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := decode(data, out); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *FileStore) Set(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return util.WriteFileAtomic(path, data)
}

func (s *FileStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// MemoryStore 内存存储
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string, out any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	data, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := decode(data, out); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	s.mu.Lock()
	s.items[key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}
