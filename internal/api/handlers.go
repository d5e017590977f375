package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/geoyee/seacache/internal/download"
	"github.com/geoyee/seacache/internal/model"
	"github.com/geoyee/seacache/internal/offline"
	"github.com/geoyee/seacache/internal/region"
)

// DownloadRequest 区域下载请求
type DownloadRequest struct {
	Name       string           `json:"name"`
	Bounds     *model.Bounds    `json:"bounds"`
	ZoomLevels *model.ZoomRange `json:"zoomLevels,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, "", map[string]interface{}{
		"status":   "healthy",
		"time":     time.Now().Format(time.RFC3339),
		"online":    s.svc.IsOnline(r.Context()),
		"download":  s.svc.DownloadStatus().State,
		"renderers": s.renderers.Status(),
	})
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, "", s.svc.Regions(r.Context()))
}

func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	found, ok := s.svc.Region(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "Region not found")
		return
	}
	respondOK(w, http.StatusOK, "", found)
}

func (s *Server) handleImportRegion(w http.ResponseWriter, r *http.Request) {
	var in region.RegionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	saved, err := s.svc.SaveRegion(r.Context(), in)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondOK(w, http.StatusCreated, "Region saved", saved)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.Bounds == nil {
		respondError(w, http.StatusBadRequest, region.ErrBoundsRequired.Error())
		return
	}
	zoom := region.DefaultZoomLevels
	if req.ZoomLevels != nil {
		zoom = *req.ZoomLevels
	}

	estimate, err := s.svc.Estimate(*req.Bounds, zoom)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger := s.logger.With("name", req.Name)
	cb := offline.RegionCallbacks{
		OnComplete: func(saved model.OfflineRegion) {
			logger.Info("region saved", "region_id", saved.ID, "status", saved.Status)
		},
		OnError: func(msg string) {
			logger.Warn("region download failed", "error", msg)
		},
	}
	dl := download.Request{Bounds: *req.Bounds, ZoomLevels: zoom}
	if err := s.svc.DownloadRegion(r.Context(), req.Name, dl, cb); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondOK(w, http.StatusAccepted, "Download started", estimate)
}

func (s *Server) handleUpdateRegion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.svc.Region(r.Context(), id); !ok {
		respondError(w, http.StatusNotFound, "Region not found")
		return
	}

	var patch region.RegionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := s.svc.UpdateRegion(r.Context(), id, patch); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	updated, _ := s.svc.Region(r.Context(), id)
	respondOK(w, http.StatusOK, "Region updated", updated)
}

func (s *Server) handleDeleteRegion(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteRegion(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	s.tiles.Purge()
	respondOK(w, http.StatusOK, "Region deleted", nil)
}

// handleNavigate 让已连接的地图渲染端定位到区域
func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	found, ok := s.svc.Region(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "Region not found")
		return
	}
	n := s.renderers.Navigate(found)
	if n == 0 {
		respondError(w, http.StatusConflict, "No map renderer connected")
		return
	}
	respondOK(w, http.StatusOK, "Navigation sent", map[string]int{"renderers": n})
}

func (s *Server) handleDownloadStatus(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, "", s.svc.DownloadStatus())
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.svc.AbortDownload()
	respondOK(w, http.StatusOK, "Download aborted", s.svc.DownloadStatus())
}

func (s *Server) handleDownloadErrors(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, "", s.svc.ErrorSummary())
}

func (s *Server) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, "", s.svc.CacheInfo(r.Context()))
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	ok := s.svc.ClearCache(r.Context())
	s.tiles.Purge()
	if !ok {
		respondError(w, http.StatusInternalServerError, "Failed to clear cache")
		return
	}
	respondOK(w, http.StatusOK, "Cache cleared", s.svc.CacheInfo(r.Context()))
}

func (s *Server) handleManageCache(w http.ResponseWriter, r *http.Request) {
	evicted := s.svc.ManageCache(r.Context())
	if evicted {
		s.tiles.Purge()
	}
	respondOK(w, http.StatusOK, "", map[string]interface{}{
		"evicted": evicted,
		"cache":   s.svc.CacheInfo(r.Context()),
	})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		bounds model.Bounds
		zoom   = region.DefaultZoomLevels
		err    error
	)
	parse := func(name string, dst *float64) {
		if err != nil {
			return
		}
		if *dst, err = strconv.ParseFloat(q.Get(name), 64); err != nil {
			err = fmt.Errorf("invalid %s: %q", name, q.Get(name))
		}
	}
	parse("north", &bounds.North)
	parse("south", &bounds.South)
	parse("east", &bounds.East)
	parse("west", &bounds.West)
	for i, name := range []string{"minZoom", "maxZoom"} {
		if err != nil || q.Get(name) == "" {
			continue
		}
		if zoom[i], err = strconv.Atoi(q.Get(name)); err != nil {
			err = fmt.Errorf("invalid %s: %q", name, q.Get(name))
		}
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	estimate, err := s.svc.Estimate(bounds, zoom)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondOK(w, http.StatusOK, "", estimate)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, offline.ErrDownloadInProgress), errors.Is(err, offline.ErrRegionBusy):
		return http.StatusConflict
	case errors.Is(err, offline.ErrStorage):
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}
