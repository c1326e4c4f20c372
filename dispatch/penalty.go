package dispatch

import (
	"math"
	"sort"
)

// PenaltyGroups finds clusters of near-identical submissions. Feature
// vectors are L2-normalized, compared pairwise by cosine similarity, and
// workers whose similarity exceeds the threshold are joined into one
// group. Only groups of two or more workers are returned; copying needs
// an accomplice.
func PenaltyGroups(features map[string][]float64, threshold float64) [][]string {
	ids := make([]string, 0, len(features))
	for workerId := range features {
		if len(features[workerId]) > 0 {
			ids = append(ids, workerId)
		}
	}
	sort.Strings(ids)

	normalized := make(map[string][]float64, len(ids))
	for _, workerId := range ids {
		normalized[workerId] = l2Normalize(features[workerId])
	}

	parent := make(map[string]string, len(ids))
	for _, workerId := range ids {
		parent[workerId] = workerId
	}
	var find func(string) string
	find = func(workerId string) string {
		if parent[workerId] != workerId {
			parent[workerId] = find(parent[workerId])
		}
		return parent[workerId]
	}

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if cosine(normalized[ids[i]], normalized[ids[j]]) > threshold {
				parent[find(ids[i])] = find(ids[j])
			}
		}
	}

	members := make(map[string][]string)
	for _, workerId := range ids {
		root := find(workerId)
		members[root] = append(members[root], workerId)
	}

	var groups [][]string
	for _, workerId := range ids {
		group := members[workerId]
		if workerId == find(workerId) && len(group) >= 2 {
			sort.Strings(group)
			groups = append(groups, group)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}

func l2Normalize(vector []float64) []float64 {
	sum := 0.0
	for _, v := range vector {
		sum += v * v
	}
	if sum == 0 {
		return nil
	}
	norm := math.Sqrt(sum)
	normalized := make([]float64, len(vector))
	for i, v := range vector {
		normalized[i] = v / norm
	}
	return normalized
}

// cosine of two already-normalized vectors; mismatched or empty vectors
// are treated as wholly dissimilar.
func cosine(a []float64, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	dot := 0.0
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}
