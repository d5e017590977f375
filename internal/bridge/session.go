package bridge

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/geoyee/seacache/internal/download"
	"github.com/geoyee/seacache/internal/model"
	"github.com/geoyee/seacache/internal/offline"
)

// Service 会话使用的离线服务
type Service interface {
	DownloadRegion(ctx context.Context, name string, req download.Request, cb offline.RegionCallbacks) error
	AbortDownload()
}

// SendFunc 向渲染端发送消息
type SendFunc func(Message) error

// Session 渲染端会话
type Session struct {
	svc    Service
	send   SendFunc
	logger *slog.Logger

	mu       sync.Mutex
	ready    bool
	mapErr   string
	awaiting bool
	name     string
}

func NewSession(svc Service, send SendFunc, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		svc:    svc,
		send:   send,
		logger: logger.With("component", "bridge"),
	}
}

// Ready 渲染端是否就绪，未就绪时返回最近的错误
func (s *Session) Ready() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready, s.mapErr
}

// Handle 处理渲染端消息
func (s *Session) Handle(ctx context.Context, msg Message) {
	switch m := msg.(type) {
	case StartDownload:
		s.mu.Lock()
		s.awaiting = true
		s.name = m.Name
		s.mu.Unlock()
		s.emit(GetBounds{})

	case BoundsReady:
		s.startDownload(ctx, m)

	case MapReady:
		s.mu.Lock()
		s.ready = true
		s.mapErr = ""
		s.mu.Unlock()
		s.logger.Info("map ready")

	case MapError:
		s.mu.Lock()
		s.ready = false
		s.mapErr = m.Error
		s.mu.Unlock()
		s.logger.Warn("map error", "error", m.Error)

	case GetBounds, DownloadProgress, DownloadComplete, DownloadError, NetworkStatus, NavigateToRegion:
		s.logger.Warn("unexpected message from renderer", "type", m.Type())

	case Unknown:
		s.logger.Warn("unknown bridge message", "type", m.Kind, "payload", string(m.Raw))

	default:
		s.logger.Warn("unhandled bridge message", "type", msg.Type())
	}
}

func (s *Session) startDownload(ctx context.Context, m BoundsReady) {
	s.mu.Lock()
	if !s.awaiting {
		s.mu.Unlock()
		s.logger.Debug("bounds received without a pending download")
		return
	}
	s.awaiting = false
	name := s.name
	s.mu.Unlock()

	zoom := m.ZoomLevels
	if zoom == (model.ZoomRange{}) {
		zoom = ZoomLevelsAround(m.Zoom)
	}
	req := download.Request{Bounds: m.Bounds, ZoomLevels: zoom}

	cb := offline.RegionCallbacks{
		OnProgress: func(p model.Progress) {
			s.emit(DownloadProgress{
				Progress:        int(math.Round(p.Progress)),
				DownloadedCount: p.DownloadedCount,
				TotalCount:      p.TotalCount,
			})
		},
		OnComplete: func(r model.OfflineRegion) {
			s.emit(DownloadComplete{OfflineRegion: r})
		},
		OnError: func(msg string) {
			s.emit(DownloadError{Error: msg})
		},
	}
	if err := s.svc.DownloadRegion(ctx, name, req, cb); err != nil {
		s.logger.Warn("download not started", "error", err)
		s.emit(DownloadError{Error: err.Error()})
	}
}

// NotifyNetworkStatus 通知渲染端网络状态
func (s *Session) NotifyNetworkStatus(online bool) {
	s.emit(NetworkStatus{IsOnline: online})
}

// NavigateTo 让渲染端定位到区域
func (s *Session) NavigateTo(r model.OfflineRegion) {
	s.emit(NavigateToRegion{Bounds: r.Bounds})
}

func (s *Session) emit(msg Message) {
	if err := s.send(msg); err != nil {
		s.logger.Warn("failed to send bridge message", "type", msg.Type(), "error", err)
	}
}
