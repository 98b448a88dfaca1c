package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-scoring-api/internal/models"
	"github.com/noah-isme/gema-scoring-api/internal/repository"
	"github.com/noah-isme/gema-scoring-api/internal/scoring"
)

const maxProcessingErrorLength = 1000

// ScoringOutcome is the full result written when a submission completes.
// CorrectnessScore is nil, and CorrectnessLabel empty, when the assignment has
// no model answer.
type ScoringOutcome struct {
	CorrectnessScore *float64
	CorrectnessLabel string
	PlagiarismResult string
	PlagiarismScore  float64
	Comparisons      []scoring.Comparison
}

// Validate rejects outcomes that would leave a completed record inconsistent.
func (o ScoringOutcome) Validate() error {
	if o.CorrectnessScore == nil {
		if o.CorrectnessLabel != "" {
			return fmt.Errorf("%w: correctness label %q without a score", ErrValidation, o.CorrectnessLabel)
		}
	} else {
		if !validScore(*o.CorrectnessScore) {
			return fmt.Errorf("%w: correctness score %v out of range", ErrValidation, *o.CorrectnessScore)
		}
		switch o.CorrectnessLabel {
		case scoring.LabelStrong, scoring.LabelPartial, scoring.LabelWeak:
		default:
			return fmt.Errorf("%w: unknown correctness label %q", ErrValidation, o.CorrectnessLabel)
		}
	}
	if !validScore(o.PlagiarismScore) {
		return fmt.Errorf("%w: plagiarism score %v out of range", ErrValidation, o.PlagiarismScore)
	}
	if o.PlagiarismResult != scoring.PlagiarismFound && o.PlagiarismResult != scoring.PlagiarismNotFound {
		return fmt.Errorf("%w: unknown plagiarism result %q", ErrValidation, o.PlagiarismResult)
	}
	for _, comparison := range o.Comparisons {
		if !validScore(comparison.SimilarityScore) {
			return fmt.Errorf("%w: similarity %v for peer %d out of range", ErrValidation, comparison.SimilarityScore, comparison.PeerSubmissionID)
		}
	}
	return nil
}

func validScore(value float64) bool {
	return !math.IsNaN(value) && value >= 0 && value <= 100
}

// SubmissionStateMachine owns every lifecycle transition of a submission.
type SubmissionStateMachine interface {
	Create(ctx context.Context, submission *models.Submission, document *models.SubmissionDocument) error
	BeginProcessing(ctx context.Context, id uint) (models.Submission, error)
	Complete(ctx context.Context, submission models.Submission, outcome ScoringOutcome) error
	Fail(ctx context.Context, submission models.Submission, reason string) error
}

type submissionStateMachine struct {
	repo      repository.SubmissionRepository
	events    StatusBroadcaster
	cache     scoringCache
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	now       func() time.Time
}

// NewSubmissionStateMachine constructs the lifecycle owner. events may be nil.
func NewSubmissionStateMachine(repo repository.SubmissionRepository, events StatusBroadcaster, cache *redis.Client, logger zerolog.Logger) SubmissionStateMachine {
	scoped := logger.With().Str("component", "submission_state").Logger()
	return &submissionStateMachine{
		repo:      repo,
		events:    events,
		cache:     newScoringCache(cache, scoped),
		sanitizer: bluemonday.StrictPolicy(),
		logger:    scoped,
		now:       time.Now,
	}
}

func (m *submissionStateMachine) Create(ctx context.Context, submission *models.Submission, document *models.SubmissionDocument) error {
	if submission == nil || document == nil {
		return fmt.Errorf("%w: submission and document are required", ErrValidation)
	}

	submission.Status = models.SubmissionStatusPending
	submission.CorrectnessScore = nil
	submission.CorrectnessLabel = nil
	submission.PlagiarismResult = nil
	submission.PlagiarismScore = nil
	submission.ProcessingError = nil
	if submission.SubmittedAt.IsZero() {
		submission.SubmittedAt = m.now().UTC()
	}

	if err := m.repo.CreateWithDocument(ctx, submission, document); err != nil {
		if errors.Is(err, repository.ErrActiveSubmission) {
			return fmt.Errorf("%w: %w", ErrValidation, ErrActiveSubmissionExists)
		}
		return err
	}

	m.announce(ctx, *submission, models.SubmissionStatusPending)
	return nil
}

func (m *submissionStateMachine) BeginProcessing(ctx context.Context, id uint) (models.Submission, error) {
	if err := m.repo.Transition(ctx, id, models.SubmissionStatusPending, models.SubmissionStatusProcessing); err != nil {
		return models.Submission{}, m.translate(err, id, models.SubmissionStatusProcessing)
	}

	submission, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return models.Submission{}, m.translate(err, id, models.SubmissionStatusProcessing)
	}

	m.announce(ctx, submission, models.SubmissionStatusProcessing)
	return submission, nil
}

func (m *submissionStateMachine) Complete(ctx context.Context, submission models.Submission, outcome ScoringOutcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}

	comparisons := append([]scoring.Comparison(nil), outcome.Comparisons...)
	scoring.SortComparisons(comparisons)
	encoded, err := models.EncodeComparisons(comparisons)
	if err != nil {
		return err
	}

	fields := repository.CompletionFields{
		PlagiarismResult: outcome.PlagiarismResult,
		PlagiarismScore:  outcome.PlagiarismScore,
		Comparisons:      encoded,
	}
	if outcome.CorrectnessScore != nil {
		score := scoring.RoundOneDecimal(*outcome.CorrectnessScore)
		label := outcome.CorrectnessLabel
		fields.CorrectnessScore = &score
		fields.CorrectnessLabel = &label
	}
	if err := m.repo.Complete(ctx, submission.ID, fields); err != nil {
		return m.translate(err, submission.ID, models.SubmissionStatusCompleted)
	}

	m.announce(ctx, submission, models.SubmissionStatusCompleted)
	return nil
}

func (m *submissionStateMachine) Fail(ctx context.Context, submission models.Submission, reason string) error {
	message := m.sanitizeReason(reason)
	if err := m.repo.Fail(ctx, submission.ID, models.SubmissionStatusProcessing, message); err != nil {
		return m.translate(err, submission.ID, models.SubmissionStatusFailed)
	}

	m.announce(ctx, submission, models.SubmissionStatusFailed)
	return nil
}

func (m *submissionStateMachine) sanitizeReason(reason string) string {
	message := strings.Join(strings.Fields(html.UnescapeString(m.sanitizer.Sanitize(reason))), " ")
	if message == "" {
		message = "processing failed"
	}
	if utf8.RuneCountInString(message) > maxProcessingErrorLength {
		runes := []rune(message)
		message = string(runes[:maxProcessingErrorLength])
	}
	return message
}

func (m *submissionStateMachine) translate(err error, id uint, target string) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrSubmissionNotFound
	case errors.Is(err, repository.ErrStatusConflict):
		m.logger.Warn().Uint("submission_id", id).Str("target", target).Msg("rejected out-of-order transition")
		return fmt.Errorf("%w: submission %d cannot move to %s", ErrInvalidTransition, id, target)
	default:
		return err
	}
}

func (m *submissionStateMachine) announce(ctx context.Context, submission models.Submission, status string) {
	m.cache.evict(ctx, statsCacheKey(submission.AssignmentID))

	m.logger.Info().
		Uint("submission_id", submission.ID).
		Uint("assignment_id", submission.AssignmentID).
		Str("status", status).
		Msg("submission status changed")

	if m.events == nil {
		return
	}
	m.events.Publish(ctx, StatusEvent{
		SubmissionID: submission.ID,
		AssignmentID: submission.AssignmentID,
		StudentID:    submission.StudentID,
		Status:       status,
		OccurredAt:   m.now().UTC(),
	})
}
