package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-scoring-api/internal/dto"
	"github.com/noah-isme/gema-scoring-api/internal/models"
	"github.com/noah-isme/gema-scoring-api/internal/repository"
	"github.com/noah-isme/gema-scoring-api/internal/scoring"
)

// AssignmentService exposes the per-assignment scoring operations.
type AssignmentService interface {
	SetSeverity(ctx context.Context, actor Actor, assignmentID uint, payload dto.SeverityUpdateRequest) (dto.AssignmentSeverityResponse, error)
	ListSubmissions(ctx context.Context, actor Actor, assignmentID uint) ([]dto.SubmissionStatusResponse, error)
	Stats(ctx context.Context, actor Actor, assignmentID uint) (dto.AssignmentStatsResponse, error)
}

type assignmentService struct {
	assignments repository.AssignmentRepository
	submissions repository.SubmissionRepository
	validator   *validator.Validate
	cache       scoringCache
	statsTTL    time.Duration
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewAssignmentService constructs the assignment scoring service.
func NewAssignmentService(assignments repository.AssignmentRepository, submissions repository.SubmissionRepository, validate *validator.Validate, cache *redis.Client, statsTTL time.Duration, logger zerolog.Logger) AssignmentService {
	if statsTTL <= 0 {
		statsTTL = time.Minute
	}

	scoped := logger.With().Str("component", "assignment_service").Logger()
	return &assignmentService{
		assignments: assignments,
		submissions: submissions,
		validator:   validate,
		cache:       newScoringCache(cache, scoped),
		statsTTL:    statsTTL,
		logger:      scoped,
		tracer:      otel.Tracer("github.com/noah-isme/gema-scoring-api/internal/service/assignment"),
		now:         time.Now,
	}
}

func (s *assignmentService) SetSeverity(ctx context.Context, actor Actor, assignmentID uint, payload dto.SeverityUpdateRequest) (dto.AssignmentSeverityResponse, error) {
	if !actor.IsStaff() {
		return dto.AssignmentSeverityResponse{}, ErrForbidden
	}

	payload.Severity = strings.ToLower(strings.TrimSpace(payload.Severity))
	if err := s.validator.Struct(payload); err != nil {
		return dto.AssignmentSeverityResponse{}, err
	}

	current, err := s.assignment(ctx, assignmentID)
	if err != nil {
		return dto.AssignmentSeverityResponse{}, err
	}
	if !actor.Manages(current) {
		return dto.AssignmentSeverityResponse{}, ErrForbidden
	}

	assignment, err := s.assignments.UpdateSeverity(ctx, assignmentID, payload.Severity)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AssignmentSeverityResponse{}, ErrAssignmentNotFound
		}
		return dto.AssignmentSeverityResponse{}, err
	}

	s.cache.evict(ctx, statsCacheKey(assignmentID))
	s.logger.Info().
		Uint("assignment_id", assignmentID).
		Uint("actor_id", actor.ID).
		Str("severity", assignment.Severity).
		Msg("plagiarism severity updated")

	return dto.NewAssignmentSeverityResponse(assignment), nil
}

func (s *assignmentService) ListSubmissions(ctx context.Context, actor Actor, assignmentID uint) ([]dto.SubmissionStatusResponse, error) {
	assignment, submissions, err := s.load(ctx, actor, assignmentID)
	if err != nil {
		return nil, err
	}

	return dto.NewSubmissionStatusResponseSlice(submissions, assignment.SeverityLevel()), nil
}

func (s *assignmentService) Stats(ctx context.Context, actor Actor, assignmentID uint) (dto.AssignmentStatsResponse, error) {
	if !actor.IsStaff() {
		return dto.AssignmentStatsResponse{}, ErrForbidden
	}

	ctx, span := s.tracer.Start(ctx, "assignment.stats", trace.WithAttributes(
		attribute.Int64("assignment.id", int64(assignmentID)),
	))
	defer span.End()

	// Ownership is checked before the cache so a cached summary never leaks.
	owned, err := s.assignment(ctx, assignmentID)
	if err != nil {
		return dto.AssignmentStatsResponse{}, err
	}
	if !actor.Manages(owned) {
		return dto.AssignmentStatsResponse{}, ErrForbidden
	}

	key := statsCacheKey(assignmentID)
	var cached dto.AssignmentStatsResponse
	if s.cache.load(ctx, key, &cached) {
		cached.CacheHit = true
		span.SetAttributes(attribute.Bool("assignment.stats_cache_hit", true))
		return cached, nil
	}

	assignment, submissions, err := s.load(ctx, actor, assignmentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load_submissions_failed")
		return dto.AssignmentStatsResponse{}, err
	}

	stats := SummarizeSubmissions(assignmentID, submissions, assignment.SeverityLevel())
	stats.GeneratedAt = s.now().UTC()
	s.cache.store(ctx, key, stats, s.statsTTL)

	return stats, nil
}

func (s *assignmentService) load(ctx context.Context, actor Actor, assignmentID uint) (models.Assignment, []models.Submission, error) {
	if actor.ID == 0 && !actor.IsStaff() {
		return models.Assignment{}, nil, ErrForbidden
	}

	assignment, err := s.assignment(ctx, assignmentID)
	if err != nil {
		return models.Assignment{}, nil, err
	}

	filter := repository.SubmissionFilter{AssignmentID: &assignmentID}
	switch {
	case actor.Manages(assignment):
	case actor.IsStaff():
		return models.Assignment{}, nil, ErrForbidden
	default:
		studentID := actor.ID
		filter.StudentID = &studentID
	}

	submissions, err := s.submissions.List(ctx, filter)
	if err != nil {
		return models.Assignment{}, nil, err
	}

	return assignment, submissions, nil
}

func (s *assignmentService) assignment(ctx context.Context, assignmentID uint) (models.Assignment, error) {
	assignment, err := s.assignments.GetByID(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Assignment{}, ErrAssignmentNotFound
		}
		return models.Assignment{}, err
	}
	return assignment, nil
}

// SummarizeSubmissions folds an ordered submission list into dashboard statistics.
func SummarizeSubmissions(assignmentID uint, submissions []models.Submission, severity scoring.Severity) dto.AssignmentStatsResponse {
	stats := dto.AssignmentStatsResponse{
		AssignmentID: assignmentID,
		Severity:     string(severity),
		Total:        len(submissions),
		ByStatus: map[string]int{
			models.SubmissionStatusPending:    0,
			models.SubmissionStatusProcessing: 0,
			models.SubmissionStatusCompleted:  0,
			models.SubmissionStatusFailed:     0,
		},
		LabelCounts: map[string]int{},
	}

	var (
		scored           int
		correctnessTotal float64
		finalTotal       float64
	)
	for _, submission := range submissions {
		stats.ByStatus[submission.Status]++
		if submission.Status != models.SubmissionStatusCompleted || submission.CorrectnessScore == nil {
			continue
		}

		result := ""
		if submission.PlagiarismResult != nil {
			result = *submission.PlagiarismResult
		}
		if result == scoring.PlagiarismFound {
			stats.HighPlagiarism++
		}
		if submission.CorrectnessLabel != nil {
			stats.LabelCounts[*submission.CorrectnessLabel]++
		}

		scored++
		correctnessTotal += *submission.CorrectnessScore
		if final := scoring.FinalScore(submission.CorrectnessScore, result, severity); final != nil {
			finalTotal += *final
		}
	}

	if scored > 0 {
		avgCorrectness := scoring.RoundOneDecimal(correctnessTotal / float64(scored))
		avgFinal := scoring.RoundOneDecimal(finalTotal / float64(scored))
		stats.AverageCorrectness = &avgCorrectness
		stats.AverageFinalScore = &avgFinal
	}

	return stats
}
