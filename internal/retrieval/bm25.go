package retrieval

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// BM25Index is a hand-rolled in-memory Okapi BM25 index over short-lived
// memory content. Safe for concurrent use.
type BM25Index struct {
	mu          sync.RWMutex
	docLengths  map[string]int
	postings    map[string]map[string]int // term -> docID -> term frequency
	docTermSets map[string]map[string]struct{}
	totalLength int
	docCount    int
}

// NewBM25Index constructs an empty index.
func NewBM25Index() *BM25Index {
	return &BM25Index{
		docLengths:  make(map[string]int),
		postings:    make(map[string]map[string]int),
		docTermSets: make(map[string]map[string]struct{}),
	}
}

// IndexDocument (re-)indexes a document under docID, replacing any prior
// content for that id.
func (b *BM25Index) IndexDocument(docID, content string) {
	tokens := tokenize(content)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(docID)

	termFreq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		termFreq[t]++
	}
	termSet := make(map[string]struct{}, len(termFreq))
	for term, freq := range termFreq {
		if b.postings[term] == nil {
			b.postings[term] = make(map[string]int)
		}
		b.postings[term][docID] = freq
		termSet[term] = struct{}{}
	}
	b.docTermSets[docID] = termSet
	b.docLengths[docID] = len(tokens)
	b.totalLength += len(tokens)
	b.docCount++
}

// Remove deletes docID from the index, if present.
func (b *BM25Index) Remove(docID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(docID)
}

func (b *BM25Index) removeLocked(docID string) {
	terms, ok := b.docTermSets[docID]
	if !ok {
		return
	}
	for term := range terms {
		delete(b.postings[term], docID)
		if len(b.postings[term]) == 0 {
			delete(b.postings, term)
		}
	}
	b.totalLength -= b.docLengths[docID]
	b.docCount--
	delete(b.docTermSets, docID)
	delete(b.docLengths, docID)
}

// Scored is a single (docID, score) search hit.
type Scored struct {
	DocID string
	Score float64
}

// Search returns the top `limit` documents ranked by BM25 score for query.
func (b *BM25Index) Search(query string, limit int) []Scored {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.docCount == 0 {
		return nil
	}
	avgLength := float64(b.totalLength) / float64(b.docCount)

	scores := make(map[string]float64)
	seen := make(map[string]struct{})
	for _, term := range queryTerms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		docs, ok := b.postings[term]
		if !ok {
			continue
		}
		idf := math.Log(1 + (float64(b.docCount)-float64(len(docs))+0.5)/(float64(len(docs))+0.5))
		for docID, freq := range docs {
			length := float64(b.docLengths[docID])
			denom := float64(freq) + bm25K1*(1-bm25B+bm25B*length/avgLength)
			scores[docID] += idf * (float64(freq) * (bm25K1 + 1) / denom)
		}
	}

	out := make([]Scored, 0, len(scores))
	for docID, score := range scores {
		if score > 0 {
			out = append(out, Scored{DocID: docID, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Count returns the number of currently indexed documents.
func (b *BM25Index) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.docCount
}
