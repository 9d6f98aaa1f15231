package retrieve

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/tesserai/tessera/engine/domain"
)

// Okapi BM25 parameters. k1 controls term-frequency saturation, b the
// document-length normalization.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// bm25Index is an in-memory keyword index over one space's docstore
// corpus. It is rebuilt per query; a space holds what one knowledge
// base ingested, so the corpus stays small enough for that to be the
// simpler trade.
type bm25Index struct {
	nodes  []domain.Node
	tf     []map[string]int
	lens   []int
	df     map[string]int
	avgLen float64
}

func newBM25Index(nodes []domain.Node) *bm25Index {
	idx := &bm25Index{
		nodes: nodes,
		tf:    make([]map[string]int, len(nodes)),
		lens:  make([]int, len(nodes)),
		df:    make(map[string]int),
	}
	var total int
	for i, n := range nodes {
		terms := tokenize(n.Text)
		counts := make(map[string]int, len(terms))
		for _, t := range terms {
			counts[t]++
		}
		idx.tf[i] = counts
		idx.lens[i] = len(terms)
		total += len(terms)
		for t := range counts {
			idx.df[t]++
		}
	}
	if len(nodes) > 0 {
		idx.avgLen = float64(total) / float64(len(nodes))
	}
	return idx
}

// search scores the corpus against the query terms and returns the
// topK best documents. Zero-scoring documents are omitted; score ties
// break by node id so rankings are deterministic.
func (idx *bm25Index) search(query string, topK int) []domain.Scored {
	terms := tokenize(query)
	if len(terms) == 0 || len(idx.nodes) == 0 {
		return nil
	}
	n := float64(len(idx.nodes))

	var hits []domain.Scored
	for i, node := range idx.nodes {
		var score float64
		for _, t := range terms {
			tf := float64(idx.tf[i][t])
			if tf == 0 {
				continue
			}
			df := float64(idx.df[t])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := 1 - bm25B + bm25B*float64(idx.lens[i])/idx.avgLen
			score += idf * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
		if score > 0 {
			hits = append(hits, domain.Scored{Node: node, Score: score})
		}
	}
	sortHits(hits)
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// sortHits orders by score descending, ties by node id ascending.
func sortHits(hits []domain.Scored) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Node.ID < hits[j].Node.ID
	})
}

// tokenize lowercases and splits on any non-letter, non-digit rune.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
