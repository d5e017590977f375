// Package util 提供工具函数
package util

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// errorClasses 错误信息片段到分类的映射，按顺序匹配
var errorClasses = []struct {
	fragment string
	class    string
}{
	{"connection refused", "connection refused"},
	{"no such host", "dns failure"},
	{"i/o timeout", "io timeout"},
	{"proxyconnect", "proxy failure"},
	{"tls handshake", "tls handshake failure"},
	{"HTTP 403", "HTTP 403 forbidden"},
	{"HTTP 404", "HTTP 404 not found"},
	{"HTTP 429", "HTTP 429 too many requests"},
	{"HTTP 5", "HTTP 5xx server error"},
}

const maxClassLen = 50

// ClassifyError 将图层错误归类，用于下载结束后的汇总
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidImage):
		return "invalid image"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}

	msg := err.Error()
	for _, c := range errorClasses {
		if strings.Contains(msg, c.fragment) {
			return c.class
		}
	}
	if len(msg) > maxClassLen {
		return msg[:maxClassLen] + "..."
	}
	return msg
}

// ErrorStats 单次下载的图层错误分类统计
type ErrorStats struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewErrorStats() *ErrorStats {
	return &ErrorStats{counts: make(map[string]int)}
}

// RecordError 记录错误并返回其分类
func (es *ErrorStats) RecordError(err error) string {
	class := ClassifyError(err)
	if class == "" {
		return ""
	}
	es.mu.Lock()
	es.counts[class]++
	es.mu.Unlock()
	return class
}

// Snapshot 返回统计副本
func (es *ErrorStats) Snapshot() map[string]int {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make(map[string]int, len(es.counts))
	for class, n := range es.counts {
		out[class] = n
	}
	return out
}

func (es *ErrorStats) Empty() bool {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.counts) == 0
}

func (es *ErrorStats) Reset() {
	es.mu.Lock()
	clear(es.counts)
	es.mu.Unlock()
}
