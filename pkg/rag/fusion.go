package rag

import (
	"sort"

	"github.com/csbot-dev/csbot/pkg/domain"
)

// FuseRRF merges ranked result lists with reciprocal rank fusion. Each
// list contributes 1/(k + rank + 1) per chunk, rank counted from zero.
// Output is sorted by fused score descending; chunks with equal score
// keep the order they were first seen across the input lists.
func FuseRRF(k int, lists ...[]domain.SearchResult) []domain.SearchResult {
	scores := make(map[string]float64)
	firstSeen := make(map[string]int)
	byID := make(map[string]domain.SearchResult)
	next := 0

	for _, list := range lists {
		for rank, r := range list {
			if _, seen := firstSeen[r.ChunkID]; !seen {
				firstSeen[r.ChunkID] = next
				next++
				byID[r.ChunkID] = r
			}
			scores[r.ChunkID] += 1.0 / float64(k+rank+1)
		}
	}

	fused := make([]domain.SearchResult, 0, len(scores))
	for id, score := range scores {
		r := byID[id]
		r.Score = score
		fused = append(fused, r)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return firstSeen[fused[i].ChunkID] < firstSeen[fused[j].ChunkID]
	})

	return fused
}
