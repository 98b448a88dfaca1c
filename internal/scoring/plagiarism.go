package scoring

import "sort"

const (
	PlagiarismFound    = "found"
	PlagiarismNotFound = "not_found"

	// DefaultPlagiarismThreshold is the aggregate score at or above which plagiarism is reported.
	DefaultPlagiarismThreshold = 40.0
)

// Comparison is one edge between a submission and a sibling of the same assignment.
type Comparison struct {
	PeerSubmissionID uint    `json:"peer_submission_id"`
	SimilarityScore  float64 `json:"similarity_score"`
}

// Aggregate returns the highest pairwise similarity, or 0 when there are no siblings.
func Aggregate(comparisons []Comparison) float64 {
	highest := 0.0
	for _, comparison := range comparisons {
		if comparison.SimilarityScore > highest {
			highest = comparison.SimilarityScore
		}
	}
	return highest
}

// Classify maps the aggregate score to found / not_found.
func Classify(aggregate, threshold float64) string {
	if aggregate >= threshold {
		return PlagiarismFound
	}
	return PlagiarismNotFound
}

// SortComparisons orders edges by descending score, ties broken by peer id.
func SortComparisons(comparisons []Comparison) {
	sort.SliceStable(comparisons, func(i, j int) bool {
		if comparisons[i].SimilarityScore == comparisons[j].SimilarityScore {
			return comparisons[i].PeerSubmissionID < comparisons[j].PeerSubmissionID
		}
		return comparisons[i].SimilarityScore > comparisons[j].SimilarityScore
	})
}
