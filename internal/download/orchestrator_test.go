package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geoyee/seacache/internal/model"
)

var fixtureBounds = model.Bounds{North: 44, South: 43, East: 12, West: 11}

// fakeDownloader fails the keys in fail and, when gate is set, blocks every
// call until the gate closes or ctx is cancelled.
type fakeDownloader struct {
	fail  map[string]bool
	gate  chan struct{}
	calls atomic.Int64
}

func (f *fakeDownloader) DownloadTile(ctx context.Context, coord model.TileCoordinate) (model.TileResult, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return model.TileResult{}, ctx.Err()
		}
	}
	if f.fail[coord.Key()] {
		return model.TileResult{}, errors.New("HTTP 500")
	}
	return model.TileResult{Key: coord.Key(), SizeBytes: 100}, nil
}

type countingBudget struct{ runs atomic.Int64 }

func (b *countingBudget) ManageCacheSize(context.Context) bool {
	b.runs.Add(1)
	return false
}

type recorder struct {
	mu        sync.Mutex
	progress  []model.Progress
	completed []model.RegionSummary
	errs      []string
	done      chan struct{}
	once      sync.Once
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(p model.Progress) {
			r.mu.Lock()
			r.progress = append(r.progress, p)
			r.mu.Unlock()
		},
		OnComplete: func(s model.RegionSummary) {
			r.mu.Lock()
			r.completed = append(r.completed, s)
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
		OnError: func(msg string) {
			r.mu.Lock()
			r.errs = append(r.errs, msg)
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for a terminal callback")
	}
}

func newTestOrchestrator(t *testing.T, d TileDownloader) *Orchestrator {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.CacheDir = t.TempDir()
	cfg.InterBatchPause = time.Millisecond
	return NewOrchestrator(cfg, d, nil, nil)
}

func TestBatches(t *testing.T) {
	tiles := make([]model.TileCoordinate, 12)
	for i := range tiles {
		tiles[i] = model.TileCoordinate{Zoom: 5, X: i}
	}

	batches := Batches(tiles, 5)
	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(batches))
	}
	if len(batches[2]) != 2 || batches[2][1].X != 11 {
		t.Errorf("Unexpected last batch %v", batches[2])
	}
	if batches[1][0].X != 5 {
		t.Errorf("Batches must keep enumeration order, got %v", batches[1])
	}
}

func TestStartDownloadCanonicalFixture(t *testing.T) {
	fake := &fakeDownloader{}
	o := newTestOrchestrator(t, fake)
	budget := &countingBudget{}
	o.SetCacheBudget(budget)
	rec := newRecorder()

	if !o.StartDownload(context.Background(), Request{Bounds: fixtureBounds, ZoomLevels: model.ZoomRange{10, 10}}, rec.callbacks()) {
		t.Fatal("StartDownload returned false")
	}
	rec.wait(t)
	o.Wait()

	if len(rec.errs) != 0 {
		t.Fatalf("Unexpected errors: %v", rec.errs)
	}
	if len(rec.progress) != 4 {
		t.Errorf("Expected 4 progress reports for 20 tiles in batches of 5, got %d", len(rec.progress))
	}
	last := rec.progress[len(rec.progress)-1]
	if last.Progress != 100 || last.DownloadedCount != 20 || last.TotalCount != 20 || last.DownloadedSizeBytes != 2000 {
		t.Errorf("Unexpected final progress %+v", last)
	}

	summary := rec.completed[0]
	if summary.TilesCount != 20 || summary.DownloadedTiles != 20 || summary.Status != model.StatusCompleted {
		t.Errorf("Unexpected summary %+v", summary)
	}
	if summary.EstimatedSize != 20*15000 {
		t.Errorf("Expected estimated size 300000, got %d", summary.EstimatedSize)
	}
	if budget.runs.Load() != 1 {
		t.Errorf("Expected one budget pass, got %d", budget.runs.Load())
	}
	if o.State() != StateIdle || o.LastResult() != StateCompleted {
		t.Errorf("Expected idle/completed, got %v/%v", o.State(), o.LastResult())
	}
}

func TestPartialDownloadAccounting(t *testing.T) {
	fake := &fakeDownloader{fail: map[string]bool{
		"10_543_372": true,
		"10_544_374": true,
		"10_546_376": true,
	}}
	o := newTestOrchestrator(t, fake)
	rec := newRecorder()

	o.StartDownload(context.Background(), Request{Bounds: fixtureBounds, ZoomLevels: model.ZoomRange{10, 10}}, rec.callbacks())
	rec.wait(t)
	o.Wait()

	if len(rec.completed) != 1 {
		t.Fatalf("Expected completion, got errors %v", rec.errs)
	}
	summary := rec.completed[0]
	if summary.TilesCount != 20 || summary.DownloadedTiles != 17 || summary.Status != model.StatusPartial {
		t.Errorf("Unexpected summary %+v", summary)
	}
	if o.LastResult() != StatePartiallyCompleted {
		t.Errorf("Expected partially completed, got %v", o.LastResult())
	}
}

func TestStartDownloadBusy(t *testing.T) {
	fake := &fakeDownloader{gate: make(chan struct{})}
	o := newTestOrchestrator(t, fake)
	req := Request{Bounds: fixtureBounds, ZoomLevels: model.ZoomRange{10, 10}}

	if !o.StartDownload(context.Background(), req, Callbacks{}) {
		t.Fatal("First StartDownload should succeed")
	}
	if o.StartDownload(context.Background(), req, Callbacks{}) {
		t.Error("Second StartDownload should be refused while running")
	}
	if o.State() != StateDownloading {
		t.Errorf("Refused start must not change state, got %v", o.State())
	}
	if b, ok := o.ActiveBounds(); !ok || b != fixtureBounds {
		t.Errorf("Expected active bounds %v, got %v (%v)", fixtureBounds, b, ok)
	}

	o.AbortDownload()
	close(fake.gate)
	o.Wait()
}

func TestAbortDownloadNoCallbacks(t *testing.T) {
	fake := &fakeDownloader{gate: make(chan struct{})}
	o := newTestOrchestrator(t, fake)
	rec := newRecorder()

	o.StartDownload(context.Background(), Request{Bounds: fixtureBounds, ZoomLevels: model.ZoomRange{10, 10}}, rec.callbacks())
	for fake.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	o.AbortDownload()
	if o.State() != StateIdle {
		t.Fatalf("AbortDownload must reset to idle synchronously, got %v", o.State())
	}
	o.AbortDownload()
	o.Wait()

	rec.mu.Lock()
	if len(rec.completed) != 0 || len(rec.errs) != 0 || len(rec.progress) != 0 {
		t.Errorf("Aborted run must not call back: %d complete, %d errors, %d progress",
			len(rec.completed), len(rec.errs), len(rec.progress))
	}
	rec.mu.Unlock()
	if fake.calls.Load() > 5 {
		t.Errorf("Abort should stop at the first batch, got %d calls", fake.calls.Load())
	}
	if o.LastResult() != StateAborted {
		t.Errorf("Expected aborted, got %v", o.LastResult())
	}

	// a fresh run succeeds and is not reset by the stale one
	next := &fakeDownloader{}
	o.downloader = next
	rec2 := newRecorder()
	if !o.StartDownload(context.Background(), Request{Bounds: fixtureBounds, ZoomLevels: model.ZoomRange{10, 10}}, rec2.callbacks()) {
		t.Fatal("StartDownload after abort should succeed")
	}
	rec2.wait(t)
	o.Wait()
	if len(rec2.completed) != 1 {
		t.Errorf("Expected the new run to complete, errors %v", rec2.errs)
	}
}

func TestStartDownloadInvalidBounds(t *testing.T) {
	o := newTestOrchestrator(t, &fakeDownloader{})
	rec := newRecorder()

	inverted := model.Bounds{North: 43, South: 44, East: 12, West: 11}
	if !o.StartDownload(context.Background(), Request{Bounds: inverted, ZoomLevels: model.ZoomRange{10, 10}}, rec.callbacks()) {
		t.Fatal("StartDownload returned false")
	}
	rec.wait(t)
	o.Wait()

	if len(rec.errs) != 1 || len(rec.completed) != 0 {
		t.Errorf("Expected exactly one error, got %v / %v", rec.errs, rec.completed)
	}
	if o.State() != StateIdle || o.LastResult() != StateFailed {
		t.Errorf("Expected idle/failed, got %v/%v", o.State(), o.LastResult())
	}
}

func TestStartDownloadPanicSurfacesAsError(t *testing.T) {
	o := newTestOrchestrator(t, &fakeDownloader{})
	rec := newRecorder()
	cb := rec.callbacks()
	cb.OnProgress = func(model.Progress) { panic("renderer went away") }

	o.StartDownload(context.Background(), Request{Bounds: fixtureBounds, ZoomLevels: model.ZoomRange{10, 10}}, cb)
	rec.wait(t)
	o.Wait()

	if len(rec.errs) != 1 {
		t.Fatalf("Expected one error, got %v", rec.errs)
	}
	if o.State() != StateIdle {
		t.Errorf("Expected idle after panic, got %v", o.State())
	}
}

func TestStartDownloadDetachedFromCallerContext(t *testing.T) {
	o := newTestOrchestrator(t, &fakeDownloader{})
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	o.StartDownload(ctx, Request{Bounds: fixtureBounds, ZoomLevels: model.ZoomRange{10, 10}}, rec.callbacks())
	cancel()
	rec.wait(t)
	o.Wait()

	if len(rec.completed) != 1 {
		t.Errorf("Cancelling the caller context must not abort the run, errors %v", rec.errs)
	}
}
