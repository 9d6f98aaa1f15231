package rerank

import (
	"context"
	"sort"
	"strings"
)

// mockBackend ranks by lexical overlap with the query. It backs the
// "mock" provider for tests and offline runs; equal inputs always rank
// identically.
type mockBackend struct{}

func (mockBackend) Rerank(_ context.Context, query string, docs []string, topN int) ([]Ranked, error) {
	qTerms := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(query)) {
		qTerms[t] = true
	}
	ranked := make([]Ranked, len(docs))
	for i, d := range docs {
		var matched, total int
		for _, t := range strings.Fields(strings.ToLower(d)) {
			total++
			if qTerms[t] {
				matched++
			}
		}
		var score float64
		if total > 0 {
			score = float64(matched) / float64(total)
		}
		ranked[i] = Ranked{Index: i, Score: score}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked, nil
}
