package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geoyee/seacache/internal/bridge"
	"github.com/geoyee/seacache/internal/offline"
)

// Server 本地控制API服务
type Server struct {
	svc        *offline.Service
	tiles      *TileServer
	renderers  *bridge.Hub
	httpServer *http.Server
	logger     *slog.Logger
}

func NewServer(svc *offline.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := svc.Config()
	s := &Server{
		svc:       svc,
		tiles:     NewTileServer(svc, cfg.TileServerCacheLen, cfg.TileServerCacheTTL, logger),
		renderers: bridge.NewHub(),
		logger:    logger.With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler 构建路由
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(metricsMiddleware)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/regions", s.handleListRegions)
		r.Post("/regions", s.handleImportRegion)
		r.Post("/regions/download", s.handleDownload)
		r.Get("/regions/{id}", s.handleGetRegion)
		r.Patch("/regions/{id}", s.handleUpdateRegion)
		r.Delete("/regions/{id}", s.handleDeleteRegion)
		r.Post("/regions/{id}/navigate", s.handleNavigate)

		r.Get("/download/status", s.handleDownloadStatus)
		r.Post("/download/abort", s.handleAbort)
		r.Get("/download/errors", s.handleDownloadErrors)

		r.Get("/cache", s.handleCacheInfo)
		r.Delete("/cache", s.handleClearCache)
		r.Post("/cache/manage", s.handleManageCache)

		r.Get("/estimate", s.handleEstimate)
	})

	r.Method(http.MethodGet, "/tiles/{layer}/{z}/{x}/{y}.png", s.tiles)
	r.Get("/bridge", bridge.Handler(s.svc, s.renderers, s.logger))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Run 运行服务直到 ctx 取消，然后优雅关闭
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("local API listening", "addr", s.httpServer.Addr)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down local API")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	if err := s.svc.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("local API stopped")
	return nil
}
