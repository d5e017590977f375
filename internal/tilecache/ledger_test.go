package tilecache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/geoyee/seacache/internal/kvstore"
	"github.com/geoyee/seacache/internal/model"
)

func newTestLedger(t *testing.T) (*Ledger, kvstore.Store) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	return NewLedger(store, t.TempDir(), 7*24*time.Hour, nil), store
}

func writeLayers(t *testing.T, l *Ledger, coord model.TileCoordinate, sizes map[model.Layer]int) {
	t.Helper()
	if err := os.MkdirAll(l.CacheDir(), 0755); err != nil {
		t.Fatal(err)
	}
	for layer, size := range sizes {
		if err := os.WriteFile(l.LayerPath(coord, layer), make([]byte, size), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLedgerSaveAndGet(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	coord := model.TileCoordinate{Zoom: 10, X: 543, Y: 372}

	if err := l.Save(ctx, model.TileMetadata{Zoom: 10, X: 543, Y: 372, SizeBytes: 42}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	meta, ok := l.Get(ctx, coord.Key())
	if !ok {
		t.Fatal("Expected metadata after Save")
	}
	if meta.Key != "10_543_372" || meta.SizeBytes != 42 || meta.TimestampMs == 0 {
		t.Errorf("Unexpected metadata %+v", meta)
	}

	var raw map[string]model.TileMetadata
	if found, err := store.Get(ctx, kvstore.KeyTileCacheInfo, &raw); !found || err != nil {
		t.Fatalf("Expected tile_cache_info blob, found=%v err=%v", found, err)
	}
	if len(raw) != 1 {
		t.Errorf("Expected 1 persisted entry, got %d", len(raw))
	}
	if l.Count(ctx) != 1 {
		t.Errorf("Expected Count 1, got %d", l.Count(ctx))
	}
}

func TestIsTileCached(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	coord := model.TileCoordinate{Zoom: 12, X: 2170, Y: 1490}

	if l.IsTileCached(ctx, coord) {
		t.Fatal("Tile without metadata must not be cached")
	}

	if err := l.Save(ctx, model.TileMetadata{Key: coord.Key(), Zoom: 12, X: 2170, Y: 1490, SizeBytes: 10}); err != nil {
		t.Fatal(err)
	}
	if l.IsTileCached(ctx, coord) {
		t.Error("Tile without base layer file must not be cached")
	}

	writeLayers(t, l, coord, map[model.Layer]int{model.LayerBase: 10})
	if !l.IsTileCached(ctx, coord) {
		t.Error("Fresh tile with base layer should be cached")
	}
}

func TestIsTileCachedExpiry(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	coord := model.TileCoordinate{Zoom: 8, X: 135, Y: 93}
	writeLayers(t, l, coord, map[model.Layer]int{model.LayerBase: 10, model.LayerSeamark: 5})

	old := time.Now().Add(-8 * 24 * time.Hour)
	if err := l.Save(ctx, model.TileMetadata{Key: coord.Key(), TimestampMs: old.UnixMilli(), Zoom: 8, X: 135, Y: 93}); err != nil {
		t.Fatal(err)
	}

	if l.IsTileCached(ctx, coord) {
		t.Fatal("Expired tile must not be cached")
	}
	if _, ok := l.Get(ctx, coord.Key()); ok {
		t.Error("Expired metadata should be deleted")
	}
	for _, layer := range []model.Layer{model.LayerBase, model.LayerSeamark} {
		if _, err := os.Stat(l.LayerPath(coord, layer)); !os.IsNotExist(err) {
			t.Errorf("Expired %s layer should be deleted", layer)
		}
	}
}

func TestDeleteTiles(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	keep := model.TileCoordinate{Zoom: 10, X: 1, Y: 1}
	drop := []model.TileCoordinate{{Zoom: 10, X: 2, Y: 2}, {Zoom: 10, X: 3, Y: 3}}

	for _, c := range append([]model.TileCoordinate{keep}, drop...) {
		writeLayers(t, l, c, map[model.Layer]int{model.LayerBase: 3, model.LayerDepth: 2})
		if err := l.Save(ctx, model.TileMetadata{Zoom: c.Zoom, X: c.X, Y: c.Y, SizeBytes: 5}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := l.DeleteTiles(ctx, append(drop, model.TileCoordinate{Zoom: 10, X: 9, Y: 9}))
	if err != nil {
		t.Fatalf("DeleteTiles failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if l.Count(ctx) != 1 {
		t.Errorf("Expected 1 remaining entry, got %d", l.Count(ctx))
	}
	if _, err := os.Stat(l.LayerPath(drop[0], model.LayerDepth)); !os.IsNotExist(err) {
		t.Error("Deleted tile files should be gone")
	}
	if _, err := os.Stat(l.LayerPath(keep, model.LayerBase)); err != nil {
		t.Errorf("Kept tile file should remain: %v", err)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	if err := l.Save(ctx, model.TileMetadata{Zoom: 1, X: 0, Y: 0}); err != nil {
		t.Fatal(err)
	}
	if err := l.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if l.Count(ctx) != 0 {
		t.Errorf("Expected empty ledger, got %d", l.Count(ctx))
	}
}

func TestDiskSize(t *testing.T) {
	l, _ := newTestLedger(t)
	coord := model.TileCoordinate{Zoom: 5, X: 1, Y: 2}
	meta := model.TileMetadata{Key: coord.Key(), Zoom: 5, X: 1, Y: 2}

	if got := l.DiskSize(meta); got != DefaultTileSize {
		t.Errorf("Expected default size, got %d", got)
	}

	meta.SizeBytes = 700
	if got := l.DiskSize(meta); got != 700 {
		t.Errorf("Expected metadata size 700, got %d", got)
	}

	writeLayers(t, l, coord, map[model.Layer]int{model.LayerBase: 100, model.LayerSeamark: 20})
	if got := l.DiskSize(meta); got != 120 {
		t.Errorf("Expected on-disk size 120, got %d", got)
	}
}
