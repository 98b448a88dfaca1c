package scorer

import (
	"context"
	"errors"
	"fmt"
)

// ErrScorer marks failures reported by a scorer, as opposed to a legitimate zero score.
var ErrScorer = errors.New("scorer error")

// Peer is a sibling answer available for comparison.
type Peer struct {
	SubmissionID uint
	Text         string
}

// CorrectnessResult is the outcome of comparing an answer to the model answer.
type CorrectnessResult struct {
	// Score is bounded to [0, 100].
	Score     float64
	Rationale string
}

// Similarity is the pairwise score between an answer and one peer, bounded to [0, 100].
type Similarity struct {
	PeerSubmissionID uint
	Score            float64
}

// Scorer computes correctness and pairwise similarity. Implementations must be
// deterministic for identical inputs and must report failure through an error
// wrapping ErrScorer rather than a zero score.
type Scorer interface {
	Correctness(ctx context.Context, modelAnswer, answer string) (CorrectnessResult, error)
	Compare(ctx context.Context, answer string, peers []Peer) ([]Similarity, error)
}

func scorerError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrScorer, fmt.Sprintf(format, args...))
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
