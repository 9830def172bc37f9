package structures

import (
	"sort"
)

// TopK returns the indices of the min(k, len(scores)) highest scores in
// descending order. Equal scores are ordered by their original index.
func TopK(scores []float32, k int) []int {
	if k <= 0 || len(scores) == 0 {
		return []int{}
	}
	if k > len(scores) {
		k = len(scores)
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	return order[:k]
}

// KthLargest returns the k-th largest value (1-based), with k clamped to
// [1, len(values)]. It returns false for an empty input.
func KthLargest(values []float32, k int) (float32, bool) {
	if len(values) == 0 {
		return 0, false
	}
	if k < 1 {
		k = 1
	}
	if k > len(values) {
		k = len(values)
	}
	sorted := append([]float32(nil), values...)
	// Only the value is returned, so equal elements may move.
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	return sorted[k-1], true
}
