package offline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/geoyee/seacache/internal/calculator"
	"github.com/geoyee/seacache/internal/download"
	"github.com/geoyee/seacache/internal/kvstore"
	"github.com/geoyee/seacache/internal/model"
	"github.com/geoyee/seacache/internal/region"
)

var fixture = model.Bounds{North: 44, South: 43, East: 12, West: 11}

// newTileServer serves a small PNG for every path. A non-nil gate holds each
// response until it is closed.
func newTileServer(t *testing.T, gate chan struct{}) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	body := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gate != nil && r.Method == http.MethodGet {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, serverURL string) (*Service, *model.Config) {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.CacheDir = t.TempDir()
	cfg.BaseURL = serverURL + "/base/{z}/{x}/{y}.png"
	cfg.SeamarkURL = serverURL + "/seamark/{z}/{x}/{y}.png"
	cfg.DepthURL = serverURL + "/depth/{z}/{x}/{y}.png"
	cfg.InterBatchPause = 0
	cfg.RequestTimeout = 5 * time.Second
	return New(cfg, kvstore.NewMemoryStore(), nil, nil), cfg
}

type result struct {
	region *model.OfflineRegion
	err    string
}

func collect(progress *[]model.Progress) (RegionCallbacks, chan result) {
	done := make(chan result, 1)
	return RegionCallbacks{
		OnProgress: func(p model.Progress) { *progress = append(*progress, p) },
		OnComplete: func(r model.OfflineRegion) { done <- result{region: &r} },
		OnError:    func(msg string) { done <- result{err: msg} },
	}, done
}

func wait(t *testing.T, done chan result) result {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("download did not finish")
	}
	return result{}
}

func TestDownloadRegionSavesRecord(t *testing.T) {
	srv := newTileServer(t, nil)
	s, cfg := newTestService(t, srv.URL)
	ctx := context.Background()

	var progress []model.Progress
	cb, done := collect(&progress)
	req := download.Request{Bounds: fixture, ZoomLevels: model.ZoomRange{10, 10}}
	if err := s.DownloadRegion(ctx, "Elba", req, cb); err != nil {
		t.Fatalf("DownloadRegion failed: %v", err)
	}
	res := wait(t, done)
	s.Wait()

	if res.region == nil {
		t.Fatalf("Expected completion, got error %q", res.err)
	}
	got := *res.region
	if got.Name != "Elba" || got.TilesCount != 20 || got.DownloadedTiles != 20 || got.Status != model.StatusCompleted {
		t.Errorf("Unexpected region %+v", got)
	}
	if got.EstimatedSize != 20*15000 {
		t.Errorf("Expected estimated size 300000, got %d", got.EstimatedSize)
	}
	if len(progress) != 4 || progress[3].Progress != 100 {
		t.Errorf("Expected 4 progress reports ending at 100, got %+v", progress)
	}

	list := s.Regions(ctx)
	if len(list) != 1 || list[0].ID != got.ID {
		t.Errorf("Expected the saved region in the list, got %+v", list)
	}

	for _, c := range calculator.NewTileCalculator().CalculateTiles(fixture, req.ZoomLevels) {
		for _, layer := range model.Layers {
			if _, err := os.Stat(s.TilePath(c, layer)); err != nil {
				t.Errorf("Missing %s layer of %s: %v", layer, c.Key(), err)
			}
		}
	}

	info := s.CacheInfo(ctx)
	if info.SizeBytes == 0 || info.EntryCount != 20 {
		t.Errorf("Unexpected cache info %+v", info)
	}
	if s.Config() != cfg {
		t.Error("Config accessor should return the service config")
	}

	status := s.DownloadStatus()
	if status.State != "idle" || status.LastResult != "completed" || status.Active != nil {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestDownloadRegionBusy(t *testing.T) {
	gate := make(chan struct{})
	srv := newTileServer(t, gate)
	s, _ := newTestService(t, srv.URL)
	ctx := context.Background()

	req := download.Request{Bounds: fixture, ZoomLevels: model.ZoomRange{10, 10}}
	if err := s.DownloadRegion(ctx, "first", req, RegionCallbacks{}); err != nil {
		t.Fatal(err)
	}
	if err := s.DownloadRegion(ctx, "second", req, RegionCallbacks{}); !errors.Is(err, ErrDownloadInProgress) {
		t.Errorf("Expected ErrDownloadInProgress, got %v", err)
	}

	status := s.DownloadStatus()
	if status.State != "downloading" || status.Active == nil || *status.Active != fixture {
		t.Errorf("Unexpected status while running %+v", status)
	}

	s.AbortDownload()
	close(gate)
	s.Wait()
	if status := s.DownloadStatus(); status.LastResult != "aborted" {
		t.Errorf("Expected aborted last result, got %+v", status)
	}
	if list := s.Regions(ctx); len(list) != 0 {
		t.Errorf("An aborted run must not save a region, got %+v", list)
	}
}

func TestDeleteRegionPolicy(t *testing.T) {
	gate := make(chan struct{})
	srv := newTileServer(t, gate)
	s, _ := newTestService(t, srv.URL)
	ctx := context.Background()

	overlapping := model.Bounds{North: 43.5, South: 42.5, East: 11.5, West: 10.5}
	elsewhere := model.Bounds{North: 10, South: 9, East: -60, West: -61}
	zoom := model.ZoomRange{10, 10}
	busy, err := s.SaveRegion(ctx, region.RegionInput{Name: "busy", Bounds: &overlapping, ZoomLevels: &zoom})
	if err != nil {
		t.Fatal(err)
	}
	free, err := s.SaveRegion(ctx, region.RegionInput{Name: "free", Bounds: &elsewhere, ZoomLevels: &zoom})
	if err != nil {
		t.Fatal(err)
	}

	req := download.Request{Bounds: fixture, ZoomLevels: model.ZoomRange{10, 10}}
	if err := s.DownloadRegion(ctx, "run", req, RegionCallbacks{}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteRegion(ctx, busy.ID); !errors.Is(err, ErrRegionBusy) {
		t.Errorf("Expected ErrRegionBusy, got %v", err)
	}
	if err := s.DeleteRegion(ctx, free.ID); err != nil {
		t.Errorf("Deleting a non-overlapping region failed: %v", err)
	}
	if err := s.DeleteRegion(ctx, "missing"); err != nil {
		t.Errorf("Deleting an unknown region failed: %v", err)
	}

	s.AbortDownload()
	close(gate)
	s.Wait()

	if err := s.DeleteRegion(ctx, busy.ID); err != nil {
		t.Errorf("Delete after abort failed: %v", err)
	}
	if list := s.Regions(ctx); len(list) != 0 {
		t.Errorf("Expected no regions left, got %+v", list)
	}
}

func TestSaveRegionValidates(t *testing.T) {
	srv := newTileServer(t, nil)
	s, _ := newTestService(t, srv.URL)
	if _, err := s.SaveRegion(context.Background(), region.RegionInput{Bounds: &fixture}); !errors.Is(err, region.ErrNameRequired) {
		t.Errorf("Expected ErrNameRequired, got %v", err)
	}
}

func TestUpdateRegion(t *testing.T) {
	srv := newTileServer(t, nil)
	s, _ := newTestService(t, srv.URL)
	ctx := context.Background()

	r, err := s.SaveRegion(ctx, region.RegionInput{Name: "old", Bounds: &fixture})
	if err != nil {
		t.Fatal(err)
	}
	name := "new"
	if err := s.UpdateRegion(ctx, r.ID, region.RegionPatch{Name: &name}); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Region(ctx, r.ID)
	if !ok || got.Name != "new" {
		t.Errorf("Expected renamed region, got %+v", got)
	}

	bad := model.ZoomRange{-1, 2}
	if err := s.UpdateRegion(ctx, r.ID, region.RegionPatch{ZoomLevels: &bad}); !errors.Is(err, calculator.ErrInvalidZoomRange) {
		t.Errorf("Expected ErrInvalidZoomRange, got %v", err)
	}
	if err := s.DeleteRegion(ctx, r.ID); err != nil {
		t.Errorf("Delete after a rejected patch failed: %v", err)
	}
}

func TestEstimate(t *testing.T) {
	srv := newTileServer(t, nil)
	s, _ := newTestService(t, srv.URL)

	est, err := s.Estimate(fixture, model.ZoomRange{10, 10})
	if err != nil {
		t.Fatal(err)
	}
	if est.TilesCount != 20 || est.EstimatedSize != 300000 {
		t.Errorf("Unexpected estimate %+v", est)
	}

	if _, err := s.Estimate(fixture, model.ZoomRange{5, 2}); !errors.Is(err, calculator.ErrInvalidZoomRange) {
		t.Errorf("Expected ErrInvalidZoomRange, got %v", err)
	}
}

func TestIsOnline(t *testing.T) {
	srv := newTileServer(t, nil)
	s, _ := newTestService(t, srv.URL)
	if !s.IsOnline(context.Background()) {
		t.Error("Expected reachable tile server")
	}

	cfg := model.DefaultConfig()
	cfg.CacheDir = t.TempDir()
	cfg.BaseURL = "http://127.0.0.1:1/{z}/{x}/{y}.png"
	offline := New(cfg, kvstore.NewMemoryStore(), nil, nil)
	if offline.IsOnline(context.Background()) {
		t.Error("Expected unreachable tile server")
	}
}

func TestShutdown(t *testing.T) {
	gate := make(chan struct{})
	srv := newTileServer(t, gate)
	defer close(gate)
	s, _ := newTestService(t, srv.URL)

	req := download.Request{Bounds: fixture, ZoomLevels: model.ZoomRange{10, 10}}
	if err := s.DownloadRegion(context.Background(), "run", req, RegionCallbacks{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if status := s.DownloadStatus(); status.State != "idle" {
		t.Errorf("Expected idle after shutdown, got %+v", status)
	}
}
