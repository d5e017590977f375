// Package client 提供HTTP客户端相关功能
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
)

const (
	// MaxIdleConns 最大空闲连接数
	MaxIdleConns = 100
	// MaxIdleConnsPerHost 每个主机的最大空闲连接数
	MaxIdleConnsPerHost = 16
	// MaxConnsPerHost 每个主机的最大连接数
	MaxConnsPerHost = 16
	// IdleConnTimeout 空闲连接超时时间
	IdleConnTimeout = 30 * time.Second

	reachTimeout = 5 * time.Second
)

// HTTPClient HTTP客户端封装
type HTTPClient struct {
	client *http.Client
	config *Config
}

// Config HTTP客户端配置
type Config struct {
	// Timeout 单次请求超时（含读取响应体）
	Timeout   time.Duration
	ProxyURL  string
	UseHTTP2  bool
	UserAgent string
	Logger    *slog.Logger
}

// NewHTTPClient 创建新的HTTP客户端
func NewHTTPClient(config *Config) *HTTPClient {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &HTTPClient{
		config: config,
		client: createHTTPClient(config),
	}
}

// createHTTPClient 创建HTTP客户端
func createHTTPClient(config *Config) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     config.UseHTTP2,
		MaxIdleConns:          MaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		MaxConnsPerHost:       MaxConnsPerHost,
		IdleConnTimeout:       IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	// 设置代理
	if config.ProxyURL != "" {
		proxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			config.Logger.Warn("invalid proxy url, using environment", "proxy", config.ProxyURL, "error", err)
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
			config.Logger.Info("proxy configured", "host", proxyURL.Host)
		}
	}

	if config.UseHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			config.Logger.Warn("http2 transport setup failed", "error", err)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	return req, nil
}

// Get 请求瓦片图片
func (c *HTTPClient) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/webp,image/png,image/*,*/*;q=0.8")
	return c.client.Do(req)
}

// CheckReachable 检测地址是否可达，任何HTTP状态都视为在线
func (c *HTTPClient) CheckReachable(ctx context.Context, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, reachTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	SafeCloseResponse(resp)
	return nil
}

// GetClient 获取HTTP客户端
func (c *HTTPClient) GetClient() *http.Client {
	return c.client
}

// CloseIdleConnections 关闭空闲连接
func (c *HTTPClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// SafeCloseResponse 安全关闭响应体
func SafeCloseResponse(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
