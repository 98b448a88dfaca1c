package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-scoring-api/internal/models"
	"github.com/noah-isme/gema-scoring-api/internal/observability"
	"github.com/noah-isme/gema-scoring-api/internal/repository"
	"github.com/noah-isme/gema-scoring-api/internal/scoring"
	"github.com/noah-isme/gema-scoring-api/pkg/extract"
	"github.com/noah-isme/gema-scoring-api/pkg/scorer"
)

const (
	defaultProcessingTimeout = 2 * time.Minute
	defaultSweepInterval     = time.Minute
	persistTimeout           = 10 * time.Second

	reasonTimedOut    = "processing timed out"
	reasonInterrupted = "processing interrupted"
)

// Dispatcher hands a pending submission to the pipeline, usually through a worker queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, submissionID uint) error
}

// OrchestratorConfig tunes the scoring pipeline.
type OrchestratorConfig struct {
	PlagiarismThreshold float64
	ProcessingTimeout   time.Duration
}

// ScoringOrchestrator drives one submission through extraction, scoring and completion.
type ScoringOrchestrator interface {
	Process(ctx context.Context, submissionID uint) error
	Recover(ctx context.Context, dispatcher Dispatcher) error
	Sweep(ctx context.Context, dispatcher Dispatcher, interval time.Duration)
}

type scoringOrchestrator struct {
	state       SubmissionStateMachine
	submissions repository.SubmissionRepository
	assignments repository.AssignmentRepository
	corpus      repository.CorpusRepository
	extractor   extract.Extractor
	scorer      scorer.Scorer
	threshold   float64
	timeout     time.Duration
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

type stepResult struct {
	outcome ScoringOutcome
	text    string
	err     error
}

// NewScoringOrchestrator constructs the orchestrator.
func NewScoringOrchestrator(
	state SubmissionStateMachine,
	submissions repository.SubmissionRepository,
	assignments repository.AssignmentRepository,
	corpus repository.CorpusRepository,
	extractor extract.Extractor,
	scorerImpl scorer.Scorer,
	cfg OrchestratorConfig,
	logger zerolog.Logger,
) ScoringOrchestrator {
	threshold := cfg.PlagiarismThreshold
	if threshold <= 0 {
		threshold = scoring.DefaultPlagiarismThreshold
	}
	timeout := cfg.ProcessingTimeout
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}

	return &scoringOrchestrator{
		state:       state,
		submissions: submissions,
		assignments: assignments,
		corpus:      corpus,
		extractor:   extractor,
		scorer:      scorerImpl,
		threshold:   threshold,
		timeout:     timeout,
		logger:      logger.With().Str("component", "scoring_orchestrator").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-scoring-api/internal/service/scoring"),
		now:         time.Now,
	}
}

func (o *scoringOrchestrator) Process(ctx context.Context, submissionID uint) error {
	ctx, span := o.tracer.Start(ctx, "scoring.process", trace.WithAttributes(
		attribute.Int64("submission.id", int64(submissionID)),
	))
	defer span.End()

	submission, err := o.state.BeginProcessing(ctx, submissionID)
	if err != nil {
		// Already claimed or finished elsewhere; nothing to resolve here.
		span.RecordError(err)
		return err
	}

	logger := o.logger.With().Uint("submission_id", submission.ID).Uint("assignment_id", submission.AssignmentID).Logger()
	started := o.now()

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	results := make(chan stepResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- stepResult{err: fmt.Errorf("internal error: %v", r)}
			}
		}()
		outcome, text, err := o.score(runCtx, submission)
		results <- stepResult{outcome: outcome, text: text, err: err}
	}()

	var result stepResult
	select {
	case result = <-results:
		if result.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result.err = context.DeadlineExceeded
		}
	case <-runCtx.Done():
		result.err = runCtx.Err()
	}

	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()

	if result.err == nil {
		result.err = o.state.Complete(persistCtx, submission, result.outcome)
	}

	if result.err != nil {
		reason := failureReason(result.err)
		span.RecordError(result.err)
		span.SetStatus(codes.Error, "scoring_failed")
		if err := o.state.Fail(persistCtx, submission, reason); err != nil {
			logger.Error().Err(err).Str("reason", reason).Msg("failed to record submission failure")
			return errors.Join(result.err, err)
		}
		observability.SubmissionsProcessed().WithLabelValues(models.SubmissionStatusFailed).Inc()
		observability.PipelineStepDuration().WithLabelValues("total").Observe(o.now().Sub(started).Seconds())
		logger.Warn().Err(result.err).Str("reason", reason).Msg("submission scoring failed")
		return result.err
	}

	o.commitToCorpus(persistCtx, submission, result.text, logger)

	observability.SubmissionsProcessed().WithLabelValues(models.SubmissionStatusCompleted).Inc()
	observability.PipelineStepDuration().WithLabelValues("total").Observe(o.now().Sub(started).Seconds())
	if result.outcome.PlagiarismResult == scoring.PlagiarismFound {
		observability.PlagiarismFound().Inc()
	}
	span.SetAttributes(
		attribute.Float64("scoring.plagiarism", result.outcome.PlagiarismScore),
		attribute.String("scoring.plagiarism_result", result.outcome.PlagiarismResult),
	)
	event := logger.Info()
	if result.outcome.CorrectnessScore != nil {
		span.SetAttributes(attribute.Float64("scoring.correctness", *result.outcome.CorrectnessScore))
		event = event.Float64("correctness_score", *result.outcome.CorrectnessScore)
	}
	event.
		Float64("plagiarism_score", result.outcome.PlagiarismScore).
		Str("plagiarism_result", result.outcome.PlagiarismResult).
		Int("peers", len(result.outcome.Comparisons)).
		Msg("submission scored")
	return nil
}

// score runs the pipeline steps; it never touches the submission status.
func (o *scoringOrchestrator) score(ctx context.Context, submission models.Submission) (ScoringOutcome, string, error) {
	document, err := o.submissions.GetDocument(ctx, submission.ID)
	if err != nil {
		return ScoringOutcome{}, "", fmt.Errorf("load document: %w", err)
	}

	var text string
	err = o.step(ctx, "extract", func(stepCtx context.Context) error {
		var extractErr error
		text, extractErr = o.extractor.Extract(stepCtx, extract.Document{
			FileName:    document.FileName,
			ContentType: document.ContentType,
			Content:     document.Content,
		})
		return extractErr
	})
	if err != nil {
		return ScoringOutcome{}, "", err
	}

	assignment, err := o.assignments.GetByID(ctx, submission.AssignmentID)
	if err != nil {
		return ScoringOutcome{}, "", fmt.Errorf("load assignment: %w", err)
	}

	// Without a model answer there is nothing to grade against; the
	// submission still completes with plagiarism results only.
	var correctnessScore *float64
	if strings.TrimSpace(assignment.ModelAnswer) != "" {
		var correctness scorer.CorrectnessResult
		err = o.step(ctx, "correctness", func(stepCtx context.Context) error {
			var scoreErr error
			correctness, scoreErr = o.scorer.Correctness(stepCtx, assignment.ModelAnswer, text)
			return scoreErr
		})
		if err != nil {
			return ScoringOutcome{}, "", err
		}
		rounded := scoring.RoundOneDecimal(scoring.ClampScore(correctness.Score))
		correctnessScore = &rounded
	}

	entries, err := o.corpus.ListForComparison(ctx, submission.AssignmentID, submission.ID, submission.StudentID)
	if err != nil {
		return ScoringOutcome{}, "", fmt.Errorf("load corpus: %w", err)
	}
	peers := make([]scorer.Peer, 0, len(entries))
	for _, entry := range entries {
		peers = append(peers, scorer.Peer{SubmissionID: entry.SubmissionID, Text: entry.Text})
	}

	var similarities []scorer.Similarity
	err = o.step(ctx, "compare", func(stepCtx context.Context) error {
		if len(peers) == 0 {
			return nil
		}
		var compareErr error
		similarities, compareErr = o.scorer.Compare(stepCtx, text, peers)
		return compareErr
	})
	if err != nil {
		return ScoringOutcome{}, "", err
	}

	comparisons := make([]scoring.Comparison, 0, len(similarities))
	for _, similarity := range similarities {
		comparisons = append(comparisons, scoring.Comparison{
			PeerSubmissionID: similarity.PeerSubmissionID,
			SimilarityScore:  scoring.ClampScore(similarity.Score),
		})
	}
	aggregate := scoring.Aggregate(comparisons)

	outcome := ScoringOutcome{
		CorrectnessScore: correctnessScore,
		PlagiarismResult: scoring.Classify(aggregate, o.threshold),
		PlagiarismScore:  aggregate,
		Comparisons:      comparisons,
	}
	if correctnessScore != nil {
		outcome.CorrectnessLabel = scoring.CorrectnessLabel(*correctnessScore)
	}
	return outcome, text, nil
}

func (o *scoringOrchestrator) step(ctx context.Context, name string, fn func(context.Context) error) error {
	stepCtx, span := o.tracer.Start(ctx, "scoring."+name)
	defer span.End()

	started := o.now()
	err := fn(stepCtx)
	observability.PipelineStepDuration().WithLabelValues(name).Observe(o.now().Sub(started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+"_failed")
	}
	return err
}

func (o *scoringOrchestrator) commitToCorpus(ctx context.Context, submission models.Submission, text string, logger zerolog.Logger) {
	entry := models.CorpusEntry{
		AssignmentID: submission.AssignmentID,
		SubmissionID: submission.ID,
		StudentID:    submission.StudentID,
		Text:         text,
		CommittedAt:  o.now().UTC(),
	}
	if err := o.corpus.Append(ctx, &entry); err != nil {
		logger.Error().Err(err).Msg("failed to add answer to plagiarism corpus")
	}
}

// Recover is the startup pass: it fails submissions left in processing longer
// than the processing timeout and re-dispatches every pending one.
func (o *scoringOrchestrator) Recover(ctx context.Context, dispatcher Dispatcher) error {
	return o.recoverPass(ctx, dispatcher, time.Time{})
}

// Sweep repeats the recovery pass every interval until ctx is done. Rows that
// were still fresh at startup are failed once they outlive the processing
// timeout, and pending rows untouched for a whole interval are offered to the
// dispatcher again.
func (o *scoringOrchestrator) Sweep(ctx context.Context, dispatcher Dispatcher, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.recoverPass(ctx, dispatcher, o.now().Add(-interval)); err != nil && ctx.Err() == nil {
				o.logger.Warn().Err(err).Msg("scoring recovery sweep failed")
			}
		}
	}
}

// recoverPass fails stuck processing rows and re-dispatches pending rows last
// touched before pendingBefore; a zero pendingBefore selects every pending row.
func (o *scoringOrchestrator) recoverPass(ctx context.Context, dispatcher Dispatcher, pendingBefore time.Time) error {
	processing := models.SubmissionStatusProcessing
	stuck, err := o.submissions.List(ctx, repository.SubmissionFilter{Status: &processing})
	if err != nil {
		return err
	}

	cutoff := o.now().Add(-o.timeout)
	interrupted := 0
	for _, submission := range stuck {
		if submission.UpdatedAt.After(cutoff) {
			continue
		}
		if err := o.state.Fail(ctx, submission, reasonInterrupted); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return err
		}
		interrupted++
	}

	pending := models.SubmissionStatusPending
	queued, err := o.submissions.List(ctx, repository.SubmissionFilter{Status: &pending})
	if err != nil {
		return err
	}
	redispatched := 0
	for _, submission := range queued {
		if !pendingBefore.IsZero() && submission.UpdatedAt.After(pendingBefore) {
			continue
		}
		if err := dispatcher.Dispatch(ctx, submission.ID); err != nil {
			// Queue saturated or broker down; the rest wait for the next sweep.
			o.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("redispatch deferred")
			break
		}
		redispatched++
	}

	if interrupted > 0 || redispatched > 0 || pendingBefore.IsZero() {
		o.logger.Info().Int("interrupted", interrupted).Int("redispatched", redispatched).Msg("scoring recovery finished")
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return reasonTimedOut
	case errors.Is(err, extract.ErrExtraction):
		return "extraction failed: " + strings.TrimPrefix(err.Error(), extract.ErrExtraction.Error()+": ")
	case errors.Is(err, scorer.ErrScorer):
		return "scoring failed: " + strings.TrimPrefix(err.Error(), scorer.ErrScorer.Error()+": ")
	default:
		return "processing failed: " + err.Error()
	}
}
