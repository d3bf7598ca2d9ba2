package search

import "math"

// BM25 parameters, standard Okapi values.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// BM25 is an in-memory Okapi BM25 index over pre-tokenized documents.
// Built once per index load; scoring is read-only and safe for concurrent
// use.
type BM25 struct {
	termFreqs []map[string]int
	docLens   []int
	docFreq   map[string]int
	avgLen    float64
	n         int
}

// NewBM25 builds the index from one token slice per document.
func NewBM25(docs [][]string) *BM25 {
	b := &BM25{
		termFreqs: make([]map[string]int, len(docs)),
		docLens:   make([]int, len(docs)),
		docFreq:   make(map[string]int),
		n:         len(docs),
	}
	total := 0
	for i, tokens := range docs {
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		b.termFreqs[i] = tf
		b.docLens[i] = len(tokens)
		total += len(tokens)
		for t := range tf {
			b.docFreq[t]++
		}
	}
	if b.n > 0 {
		b.avgLen = float64(total) / float64(b.n)
	}
	return b
}

func (b *BM25) idf(term string) float64 {
	df := b.docFreq[term]
	return math.Log(1 + (float64(b.n)-float64(df)+0.5)/(float64(df)+0.5))
}

// Scores returns the raw BM25 score of every document for the query tokens.
func (b *BM25) Scores(query []string) []float64 {
	scores := make([]float64, b.n)
	if b.n == 0 || len(query) == 0 {
		return scores
	}
	for _, term := range query {
		idf := b.idf(term)
		for i, tf := range b.termFreqs {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			dl := float64(b.docLens[i])
			denom := f + bm25K1*(1-bm25B+bm25B*dl/b.avgLen)
			scores[i] += idf * f * (bm25K1 + 1) / denom
		}
	}
	return scores
}
