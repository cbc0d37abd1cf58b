package chat

import (
	"sort"

	"github.com/coursebot/backend/internal/index"
)

// mergeResults combines per-variant result lists into one ranked list.
// Duplicate chunk texts keep the first occurrence, so a chunk surfaced
// by the original query wins over the same chunk from an expansion.
func mergeResults(lists [][]index.ScoredChunk, topK int) []index.ScoredChunk {
	seen := make(map[string]struct{})
	var merged []index.ScoredChunk
	for _, list := range lists {
		for _, c := range list {
			if _, ok := seen[c.Text]; ok {
				continue
			}
			seen[c.Text] = struct{}{}
			merged = append(merged, c)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	if topK > 0 && len(merged) > topK {
		merged = merged[:topK]
	}
	return merged
}
