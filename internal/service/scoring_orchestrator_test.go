package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-scoring-api/internal/models"
	"github.com/noah-isme/gema-scoring-api/internal/scoring"
	"github.com/noah-isme/gema-scoring-api/pkg/scorer"
)

func seedCorpus(t *testing.T, h *scoringHarness, studentID, submissionID uint, text string) {
	t.Helper()
	require.NoError(t, h.corpus.Append(context.Background(), &models.CorpusEntry{
		AssignmentID: h.assignment.ID,
		SubmissionID: submissionID,
		StudentID:    studentID,
		Text:         text,
		CommittedAt:  time.Now().Add(-time.Minute),
	}))
}

func TestOrchestratorCompletesWithLexicalScorer(t *testing.T) {
	h := newScoringHarness(t)
	orchestrator := h.orchestrator(scorer.NewLexicalScorer(), OrchestratorConfig{})
	ctx := context.Background()

	first := h.createPending(t, h.alice.ID, h.assignment.ModelAnswer)
	require.NoError(t, orchestrator.Process(ctx, first.ID))

	stored := h.reload(t, first.ID)
	require.Equal(t, models.SubmissionStatusCompleted, stored.Status)
	require.Equal(t, 100.0, *stored.CorrectnessScore)
	require.Equal(t, scoring.LabelStrong, *stored.CorrectnessLabel)
	require.Equal(t, scoring.PlagiarismNotFound, *stored.PlagiarismResult)
	require.Equal(t, 0.0, *stored.PlagiarismScore)
	require.Empty(t, stored.ComparisonList())

	copied := h.createPending(t, h.bob.ID, h.assignment.ModelAnswer)
	require.NoError(t, orchestrator.Process(ctx, copied.ID))

	stored = h.reload(t, copied.ID)
	require.Equal(t, models.SubmissionStatusCompleted, stored.Status)
	require.Equal(t, scoring.PlagiarismFound, *stored.PlagiarismResult)
	require.Equal(t, 100.0, *stored.PlagiarismScore)
	comparisons := stored.ComparisonList()
	require.Len(t, comparisons, 1)
	require.Equal(t, first.ID, comparisons[0].PeerSubmissionID)

	require.Equal(t, int64(2), h.corpusSize(t))
}

func TestOrchestratorAggregatesMaximumSimilarity(t *testing.T) {
	h := newScoringHarness(t)
	seedCorpus(t, h, 10, 101, "peer one")
	seedCorpus(t, h, 11, 102, "peer two")
	seedCorpus(t, h, 12, 103, "peer three")
	seedCorpus(t, h, h.alice.ID, 104, "alice earlier text")

	stub := &stubScorer{correctness: 80, similarity: map[uint]float64{101: 30, 102: 85, 103: 10}}
	orchestrator := h.orchestrator(stub, OrchestratorConfig{PlagiarismThreshold: 40})

	submission := h.createPending(t, h.alice.ID, "alice answer text")
	require.NoError(t, orchestrator.Process(context.Background(), submission.ID))

	require.Len(t, stub.peersSeen, 3, "own submissions must not be compared")
	stored := h.reload(t, submission.ID)
	require.Equal(t, 85.0, *stored.PlagiarismScore)
	require.Equal(t, scoring.PlagiarismFound, *stored.PlagiarismResult)

	comparisons := stored.ComparisonList()
	require.Equal(t, []uint{102, 101, 103}, []uint{comparisons[0].PeerSubmissionID, comparisons[1].PeerSubmissionID, comparisons[2].PeerSubmissionID})

	final := scoring.FinalScore(stored.CorrectnessScore, *stored.PlagiarismResult, stored.Assignment.SeverityLevel())
	require.Equal(t, 60.0, *final)
}

func TestOrchestratorScorerFailureLeavesNoResults(t *testing.T) {
	h := newScoringHarness(t)
	stub := &stubScorer{correctnessErr: fmt.Errorf("%w: upstream returned 503", scorer.ErrScorer)}
	orchestrator := h.orchestrator(stub, OrchestratorConfig{})

	submission := h.createPending(t, h.alice.ID, "some answer")
	err := orchestrator.Process(context.Background(), submission.ID)
	require.ErrorIs(t, err, scorer.ErrScorer)

	stored := h.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusFailed, stored.Status)
	require.Equal(t, "scoring failed: upstream returned 503", *stored.ProcessingError)
	require.Nil(t, stored.CorrectnessScore)
	require.Nil(t, stored.CorrectnessLabel)
	require.Nil(t, stored.PlagiarismResult)
	require.Nil(t, stored.PlagiarismScore)

	require.Zero(t, h.corpusSize(t))
}

func TestOrchestratorCompareFailureFailsSubmission(t *testing.T) {
	h := newScoringHarness(t)
	seedCorpus(t, h, 10, 101, "peer one")
	stub := &stubScorer{correctness: 50, compareErr: fmt.Errorf("%w: similarity backend down", scorer.ErrScorer)}
	orchestrator := h.orchestrator(stub, OrchestratorConfig{})

	submission := h.createPending(t, h.alice.ID, "some answer")
	require.Error(t, orchestrator.Process(context.Background(), submission.ID))

	stored := h.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusFailed, stored.Status)
	require.Nil(t, stored.CorrectnessScore, "correctness from an earlier step must not leak into a failed record")
}

func TestOrchestratorExtractionFailure(t *testing.T) {
	h := newScoringHarness(t)
	orchestrator := h.orchestrator(&stubScorer{correctness: 90}, OrchestratorConfig{})

	submission := h.createPending(t, h.alice.ID, "%PDF-1.4\n%binary")
	require.Error(t, orchestrator.Process(context.Background(), submission.ID))

	stored := h.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusFailed, stored.Status)
	require.True(t, strings.HasPrefix(*stored.ProcessingError, "extraction failed: unsupported document type"), *stored.ProcessingError)
}

func TestOrchestratorTimesOutHungScorer(t *testing.T) {
	h := newScoringHarness(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	orchestrator := h.orchestrator(&stubScorer{block: block}, OrchestratorConfig{ProcessingTimeout: 50 * time.Millisecond})

	submission := h.createPending(t, h.alice.ID, "some answer")
	err := orchestrator.Process(context.Background(), submission.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stored := h.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusFailed, stored.Status)
	require.Equal(t, "processing timed out", *stored.ProcessingError)
}

func TestOrchestratorRecoversFromPanickingScorer(t *testing.T) {
	h := newScoringHarness(t)
	orchestrator := h.orchestrator(&stubScorer{panicMessage: "nil model"}, OrchestratorConfig{})

	submission := h.createPending(t, h.alice.ID, "some answer")
	require.Error(t, orchestrator.Process(context.Background(), submission.ID))

	stored := h.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusFailed, stored.Status)
	require.Equal(t, "processing failed: internal error: nil model", *stored.ProcessingError)
}

func TestOrchestratorIgnoresNonPendingSubmission(t *testing.T) {
	h := newScoringHarness(t)
	orchestrator := h.orchestrator(&stubScorer{correctness: 70}, OrchestratorConfig{})
	ctx := context.Background()

	submission := h.createPending(t, h.alice.ID, "some answer")
	require.NoError(t, orchestrator.Process(ctx, submission.ID))
	require.ErrorIs(t, orchestrator.Process(ctx, submission.ID), ErrInvalidTransition)
	require.ErrorIs(t, orchestrator.Process(ctx, 4242), ErrSubmissionNotFound)

	require.Equal(t, models.SubmissionStatusCompleted, h.reload(t, submission.ID).Status)
}

func TestOrchestratorRecoverFailsStaleAndRedispatchesPending(t *testing.T) {
	h := newScoringHarness(t)
	orchestrator := h.orchestrator(&stubScorer{correctness: 70}, OrchestratorConfig{ProcessingTimeout: time.Minute})
	ctx := context.Background()

	stale := h.createPending(t, h.alice.ID, "stale")
	_, err := h.state.BeginProcessing(ctx, stale.ID)
	require.NoError(t, err)
	require.NoError(t, h.db.Model(&models.Submission{}).Where("id = ?", stale.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	pending := h.createPending(t, h.bob.ID, "waiting")

	require.NoError(t, orchestrator.Recover(ctx, h.dispatcher))

	stored := h.reload(t, stale.ID)
	require.Equal(t, models.SubmissionStatusFailed, stored.Status)
	require.Equal(t, "processing interrupted", *stored.ProcessingError)
	require.Equal(t, []uint{pending.ID}, h.dispatcher.dispatched())
}

func TestOrchestratorCompletesWithoutModelAnswer(t *testing.T) {
	h := newScoringHarness(t)
	require.NoError(t, h.db.Model(&models.Assignment{}).Where("id = ?", h.assignment.ID).Update("model_answer", "  ").Error)
	seedCorpus(t, h, 10, 101, "peer one")

	stub := &stubScorer{
		correctnessErr: fmt.Errorf("%w: correctness must not be requested", scorer.ErrScorer),
		similarity:     map[uint]float64{101: 20},
	}
	orchestrator := h.orchestrator(stub, OrchestratorConfig{})

	submission := h.createPending(t, h.alice.ID, "alice answer text")
	require.NoError(t, orchestrator.Process(context.Background(), submission.ID))

	stored := h.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusCompleted, stored.Status)
	require.Nil(t, stored.CorrectnessScore)
	require.Nil(t, stored.CorrectnessLabel)
	require.Equal(t, scoring.PlagiarismNotFound, *stored.PlagiarismResult)
	require.Equal(t, 20.0, *stored.PlagiarismScore)
	require.Nil(t, scoring.FinalScore(stored.CorrectnessScore, *stored.PlagiarismResult, stored.Assignment.SeverityLevel()))
	require.Equal(t, int64(2), h.corpusSize(t))
}

func TestOrchestratorSweepFailsRowsThatOutliveTimeout(t *testing.T) {
	h := newScoringHarness(t)
	orchestrator := h.orchestrator(&stubScorer{correctness: 70}, OrchestratorConfig{ProcessingTimeout: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	claimed := h.createPending(t, h.alice.ID, "claimed by a node that died")
	_, err := h.state.BeginProcessing(ctx, claimed.ID)
	require.NoError(t, err)

	require.NoError(t, orchestrator.Recover(ctx, h.dispatcher))
	require.Equal(t, models.SubmissionStatusProcessing, h.reload(t, claimed.ID).Status, "fresh rows survive the startup pass")

	done := make(chan struct{})
	go func() {
		defer close(done)
		orchestrator.Sweep(ctx, h.dispatcher, 20*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.reload(t, claimed.ID).Status != models.SubmissionStatusFailed {
		if time.Now().After(deadline) {
			t.Fatal("sweep never failed the abandoned submission")
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, "processing interrupted", *h.reload(t, claimed.ID).ProcessingError)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop with its context")
	}
}

func TestOrchestratorSweepRedispatchesOnlyStalePending(t *testing.T) {
	h := newScoringHarness(t)
	orchestrator := h.orchestrator(&stubScorer{correctness: 70}, OrchestratorConfig{}).(*scoringOrchestrator)
	ctx := context.Background()

	stale := h.createPending(t, h.alice.ID, "queue was full")
	require.NoError(t, h.db.Model(&models.Submission{}).Where("id = ?", stale.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)
	h.createPending(t, h.bob.ID, "just submitted")

	require.NoError(t, orchestrator.recoverPass(ctx, h.dispatcher, time.Now().Add(-time.Minute)))
	require.Equal(t, []uint{stale.ID}, h.dispatcher.dispatched())
}

func TestOrchestratorRecoverLeavesPendingWhenDispatchFails(t *testing.T) {
	h := newScoringHarness(t)
	orchestrator := h.orchestrator(&stubScorer{correctness: 70}, OrchestratorConfig{})
	h.dispatcher.err = errors.New("worker queue full")

	first := h.createPending(t, h.alice.ID, "one")
	second := h.createPending(t, h.bob.ID, "two")

	require.NoError(t, orchestrator.Recover(context.Background(), h.dispatcher))
	require.Equal(t, models.SubmissionStatusPending, h.reload(t, first.ID).Status)
	require.Equal(t, models.SubmissionStatusPending, h.reload(t, second.ID).Status)
}
