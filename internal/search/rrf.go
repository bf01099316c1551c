package search

import "sort"

// fusedHit is a candidate with its reciprocal-rank fusion score.
type fusedHit struct {
	id    string
	score float64
}

// fuse merges ranked ID lists with reciprocal-rank fusion:
// score(item) = sum over lists of 1/(k + rank), rank 1-indexed.
// Items appearing in multiple lists accumulate, so agreement between
// retrievers outranks a single strong placement. Returns candidates
// sorted by score descending.
func fuse(k int, lists ...[]string) []fusedHit {
	scores := make(map[string]float64)
	for _, list := range lists {
		for rank, id := range list {
			if id == "" {
				continue
			}
			scores[id] += 1.0 / float64(k+rank+1)
		}
	}

	fused := make([]fusedHit, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, fusedHit{id: id, score: score})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].id < fused[j].id
	})
	return fused
}
