package retrieval

import "testing"

func TestBM25RanksMoreRelevantDocHigher(t *testing.T) {
	idx := NewBM25Index()
	idx.IndexDocument("doc1", "the cats sat on the mat")
	idx.IndexDocument("doc2", "cats and dogs are popular pets, cats especially")
	idx.IndexDocument("doc3", "completely unrelated text about weather")

	hits := idx.Search("cats", 10)
	if len(hits) < 2 {
		t.Fatalf("expected at least 2 hits, got %d", len(hits))
	}
	if hits[0].DocID != "doc2" {
		t.Fatalf("expected doc2 to rank first, got %s", hits[0].DocID)
	}
}

func TestBM25RemoveAndReindex(t *testing.T) {
	idx := NewBM25Index()
	idx.IndexDocument("doc1", "alpha beta gamma")
	if idx.Count() != 1 {
		t.Fatalf("expected count 1, got %d", idx.Count())
	}
	idx.Remove("doc1")
	if idx.Count() != 0 {
		t.Fatalf("expected count 0 after remove, got %d", idx.Count())
	}
	hits := idx.Search("alpha", 10)
	if len(hits) != 0 {
		t.Fatalf("expected no hits after removal, got %d", len(hits))
	}
}

func TestBM25EmptyQueryReturnsNothing(t *testing.T) {
	idx := NewBM25Index()
	idx.IndexDocument("doc1", "some content")
	if hits := idx.Search("", 10); hits != nil {
		t.Fatalf("expected nil hits for empty query, got %v", hits)
	}
}
