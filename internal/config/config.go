// Package config 加载配置：默认值、YAML文件、.env文件和SEACACHE_*环境变量
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/geoyee/seacache/internal/model"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "SEACACHE_"

var (
	ErrInvalidBudget    = errors.New("max cache size must be positive")
	ErrInvalidBatchSize = errors.New("download batch size must be positive")
	ErrMissingCacheDir  = errors.New("cache directory is required")
	ErrMissingBaseURL   = errors.New("base layer URL is required")
)

// Load 加载配置：默认值、YAML文件、.env 文件、环境变量依次覆盖，path 可为空，envFile 不存在时忽略
func Load(path, envFile string) (*model.Config, error) {
	cfg := model.DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *model.Config) error {
	var err error

	cfg.CacheDir = getEnvDefault("CACHE_DIR", cfg.CacheDir)
	cfg.StoreDir = getEnvDefault("STORE_DIR", cfg.StoreDir)
	cfg.UserAgent = getEnvDefault("USER_AGENT", cfg.UserAgent)
	cfg.ProxyURL = getEnvDefault("PROXY_URL", cfg.ProxyURL)
	cfg.BaseURL = getEnvDefault("BASE_URL", cfg.BaseURL)
	cfg.SeamarkURL = getEnvDefault("SEAMARK_URL", cfg.SeamarkURL)
	cfg.DepthURL = getEnvDefault("DEPTH_URL", cfg.DepthURL)
	cfg.ListenAddr = getEnvDefault("LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = getEnvDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvDefault("LOG_FORMAT", cfg.LogFormat)

	if cfg.MaxCacheSizeBytes, err = getEnvInt64("MAX_CACHE_SIZE_BYTES", cfg.MaxCacheSizeBytes); err != nil {
		return err
	}
	if cfg.MaxFileSize, err = getEnvInt64("MAX_FILE_SIZE", cfg.MaxFileSize); err != nil {
		return err
	}
	if cfg.DownloadBatchSize, err = getEnvInt("DOWNLOAD_BATCH_SIZE", cfg.DownloadBatchSize); err != nil {
		return err
	}
	if cfg.Retries, err = getEnvInt("RETRIES", cfg.Retries); err != nil {
		return err
	}
	if cfg.RateLimit, err = getEnvInt("RATE_LIMIT", cfg.RateLimit); err != nil {
		return err
	}
	if cfg.TileServerCacheLen, err = getEnvInt("TILE_SERVER_CACHE_SIZE", cfg.TileServerCacheLen); err != nil {
		return err
	}
	if cfg.CacheDuration, err = getEnvDuration("CACHE_DURATION", cfg.CacheDuration); err != nil {
		return err
	}
	if cfg.InterBatchPause, err = getEnvDuration("INTER_BATCH_PAUSE", cfg.InterBatchPause); err != nil {
		return err
	}
	if cfg.RequestTimeout, err = getEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return err
	}
	if cfg.TileServerCacheTTL, err = getEnvDuration("TILE_SERVER_CACHE_TTL", cfg.TileServerCacheTTL); err != nil {
		return err
	}
	if cfg.UseHTTP2, err = getEnvBool("USE_HTTP2", cfg.UseHTTP2); err != nil {
		return err
	}
	return nil
}

// Validate 验证配置
func Validate(cfg *model.Config) error {
	if cfg.CacheDir == "" {
		return ErrMissingCacheDir
	}
	if cfg.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if cfg.MaxCacheSizeBytes <= 0 {
		return ErrInvalidBudget
	}
	if cfg.DownloadBatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("retries must not be negative: %d", cfg.Retries)
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative: %d", cfg.RateLimit)
	}
	if cfg.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive: %d", cfg.MaxFileSize)
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("invalid log format %q, expected json or text", cfg.LogFormat)
	}
	return nil
}

// SetupLogger 创建日志记录器并设为 slog 默认值
func SetupLogger(cfg *model.Config, w io.Writer) *slog.Logger {
	level, err := ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLogLevel 解析日志级别
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q, expected debug, info, warn or error", level)
}

func getEnvDefault(key, defaultVal string) string {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(EnvPrefix + key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s%s: invalid integer %q", EnvPrefix, key, val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(EnvPrefix + key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s%s: invalid integer %q", EnvPrefix, key, val)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(EnvPrefix + key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s%s: invalid duration %q (use Go format: 30s, 15m, 168h)", EnvPrefix, key, val)
	}
	return d, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(EnvPrefix + key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s%s: invalid boolean %q", EnvPrefix, key, val)
	}
	return b, nil
}
