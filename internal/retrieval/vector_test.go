package retrieval

import (
	"path/filepath"
	"testing"
)

func TestVectorIndexSearchRanksBySimilarity(t *testing.T) {
	idx := NewVectorIndex(filepath.Join(t.TempDir(), "index.ndjson"))
	idx.Add("a", []float64{1, 0, 0})
	idx.Add("b", []float64{0, 1, 0})
	idx.Add("c", []float64{0.9, 0.1, 0})

	hits := idx.Search([]float64{1, 0, 0}, 2)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != "a" {
		t.Fatalf("expected exact match 'a' first, got %s", hits[0].ID)
	}
}

func TestVectorIndexSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.ndjson")
	idx := NewVectorIndex(path)
	idx.Add("a", []float64{1, 2, 3})
	idx.Add("b", []float64{4, 5, 6})

	manifest, err := idx.Save(12.5)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if manifest.EntryCount != 2 {
		t.Fatalf("expected entry count 2, got %d", manifest.EntryCount)
	}
	if manifest.SHA256 == "" {
		t.Fatal("expected non-empty checksum")
	}

	loaded := NewVectorIndex(path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Count() != 2 {
		t.Fatalf("expected 2 loaded vectors, got %d", loaded.Count())
	}
}

func TestVectorIndexLoadMissingFileIsNotError(t *testing.T) {
	idx := NewVectorIndex(filepath.Join(t.TempDir(), "missing.ndjson"))
	if err := idx.Load(); err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if idx.Count() != 0 {
		t.Fatalf("expected empty index, got %d entries", idx.Count())
	}
}
