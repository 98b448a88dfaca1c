package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-scoring-api/internal/dto"
	"github.com/noah-isme/gema-scoring-api/internal/models"
	"github.com/noah-isme/gema-scoring-api/internal/observability"
	"github.com/noah-isme/gema-scoring-api/internal/repository"
	"github.com/noah-isme/gema-scoring-api/pkg/extract"
)

const defaultMaxUploadBytes = 10 << 20

// FileUploader abstracts archiving binary data and returning a URL.
type FileUploader interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// SubmissionServiceConfig tunes submission intake and status reads.
type SubmissionServiceConfig struct {
	PollInterval   time.Duration
	StatusCacheTTL time.Duration
	MaxUploadBytes int64
}

// SubmissionService exposes the submit and status operations.
type SubmissionService interface {
	Submit(ctx context.Context, actor Actor, payload dto.SubmissionCreateRequest, file *multipart.FileHeader) (dto.SubmissionStatusResponse, error)
	GetStatus(ctx context.Context, actor Actor, id uint) (dto.SubmissionStatusResponse, error)
	Watch(ctx context.Context, actor Actor, id uint) (<-chan dto.SubmissionStatusResponse, error)
}

type submissionService struct {
	state       SubmissionStateMachine
	submissions repository.SubmissionRepository
	assignments repository.AssignmentRepository
	students    repository.StudentRepository
	sniffer     extract.Sniffer
	dispatcher  Dispatcher
	events      StatusBroadcaster
	uploader    FileUploader
	validator   *validator.Validate
	cache       scoringCache
	cfg         SubmissionServiceConfig
	logger      zerolog.Logger
	now         func() time.Time
}

// SubmissionServiceDeps groups the collaborators of the submission service.
// Uploader and Events are optional.
type SubmissionServiceDeps struct {
	State       SubmissionStateMachine
	Submissions repository.SubmissionRepository
	Assignments repository.AssignmentRepository
	Students    repository.StudentRepository
	Sniffer     extract.Sniffer
	Dispatcher  Dispatcher
	Events      StatusBroadcaster
	Uploader    FileUploader
	Validator   *validator.Validate
	Cache       *redis.Client
}

// NewSubmissionService constructs a SubmissionService instance.
func NewSubmissionService(deps SubmissionServiceDeps, cfg SubmissionServiceConfig, logger zerolog.Logger) SubmissionService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = 10 * time.Minute
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	scoped := logger.With().Str("component", "submission_service").Logger()
	return &submissionService{
		state:       deps.State,
		submissions: deps.Submissions,
		assignments: deps.Assignments,
		students:    deps.Students,
		sniffer:     deps.Sniffer,
		dispatcher:  deps.Dispatcher,
		events:      deps.Events,
		uploader:    deps.Uploader,
		validator:   deps.Validator,
		cache:       newScoringCache(deps.Cache, scoped),
		cfg:         cfg,
		logger:      scoped,
		now:         time.Now,
	}
}

func (s *submissionService) Submit(ctx context.Context, actor Actor, payload dto.SubmissionCreateRequest, file *multipart.FileHeader) (dto.SubmissionStatusResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionStatusResponse{}, err
	}
	if actor.ID == 0 || actor.Role != RoleStudent {
		return dto.SubmissionStatusResponse{}, ErrForbidden
	}
	if file == nil {
		return dto.SubmissionStatusResponse{}, fmt.Errorf("%w: submission file is required", ErrValidation)
	}
	if file.Size > s.cfg.MaxUploadBytes {
		return dto.SubmissionStatusResponse{}, fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, s.cfg.MaxUploadBytes)
	}

	if _, err := s.students.GetByID(ctx, actor.ID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionStatusResponse{}, ErrForbidden
		}
		return dto.SubmissionStatusResponse{}, err
	}

	assignment, err := s.assignments.GetByID(ctx, payload.AssignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionStatusResponse{}, ErrAssignmentNotFound
		}
		return dto.SubmissionStatusResponse{}, err
	}
	if assignment.IsPastDue(s.now()) {
		return dto.SubmissionStatusResponse{}, fmt.Errorf("%w: assignment is past due", ErrValidation)
	}

	content, err := readUpload(file, s.cfg.MaxUploadBytes)
	if err != nil {
		return dto.SubmissionStatusResponse{}, err
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return dto.SubmissionStatusResponse{}, fmt.Errorf("%w: submission file is empty", ErrValidation)
	}

	detected := mimetype.Detect(content)
	if s.sniffer != nil && !s.sniffer.Supported(content) {
		return dto.SubmissionStatusResponse{}, fmt.Errorf("%w: unsupported file type %s", ErrValidation, detected.String())
	}

	submission := models.Submission{
		AssignmentID: assignment.ID,
		StudentID:    actor.ID,
		SubmittedAt:  s.now().UTC(),
		FileName:     file.Filename,
		ContentType:  detected.String(),
	}
	document := models.SubmissionDocument{
		FileName:    file.Filename,
		ContentType: detected.String(),
		Content:     content,
	}
	if err := s.state.Create(ctx, &submission, &document); err != nil {
		return dto.SubmissionStatusResponse{}, err
	}
	observability.SubmissionsAccepted().Inc()

	logger := s.logger.With().Uint("submission_id", submission.ID).Uint("assignment_id", assignment.ID).Logger()
	s.archive(ctx, &submission, content, logger)

	if err := s.dispatcher.Dispatch(ctx, submission.ID); err != nil {
		// The row stays pending and the recovery sweep offers it again.
		logger.Error().Err(err).Msg("failed to dispatch submission for scoring")
	}

	logger.Info().Uint("student_id", actor.ID).Msg("submission accepted")

	return dto.NewSubmissionStatusResponse(submission).
		WithSeverity(assignment.SeverityLevel()).
		WithPollInterval(s.cfg.PollInterval), nil
}

func (s *submissionService) GetStatus(ctx context.Context, actor Actor, id uint) (dto.SubmissionStatusResponse, error) {
	var snapshot dto.SubmissionStatusResponse
	if s.cache.load(ctx, statusCacheKey(id), &snapshot) {
		assignment, err := s.assignments.GetByID(ctx, snapshot.AssignmentID)
		if err != nil {
			return dto.SubmissionStatusResponse{}, err
		}
		if !actor.CanView(snapshot.StudentID, assignment) {
			return dto.SubmissionStatusResponse{}, ErrForbidden
		}
		return snapshot.WithSeverity(assignment.SeverityLevel()), nil
	}

	submission, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionStatusResponse{}, ErrSubmissionNotFound
		}
		return dto.SubmissionStatusResponse{}, err
	}
	if !actor.CanView(submission.StudentID, submission.Assignment) {
		return dto.SubmissionStatusResponse{}, ErrForbidden
	}

	snapshot = dto.NewSubmissionStatusResponse(submission)
	if snapshot.Terminal {
		s.cache.store(ctx, statusCacheKey(id), snapshot, s.cfg.StatusCacheTTL)
	}

	return snapshot.
		WithSeverity(submission.Assignment.SeverityLevel()).
		WithPollInterval(s.cfg.PollInterval), nil
}

// Watch streams snapshots until the submission is terminal or ctx ends. Status
// events trigger immediate reads; the poll interval acts as a fallback.
func (s *submissionService) Watch(ctx context.Context, actor Actor, id uint) (<-chan dto.SubmissionStatusResponse, error) {
	var (
		events      <-chan StatusEvent
		unsubscribe = func() {}
	)
	if s.events != nil {
		events, unsubscribe = s.events.Subscribe(id)
	}

	initial, err := s.GetStatus(ctx, actor, id)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	updates := make(chan dto.SubmissionStatusResponse, 1)
	updates <- initial
	if initial.Terminal {
		unsubscribe()
		close(updates)
		return updates, nil
	}

	go func() {
		defer close(updates)
		defer unsubscribe()

		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		last := initial.Status
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					events = nil
					continue
				}
			case <-ticker.C:
			}

			snapshot, err := s.GetStatus(ctx, actor, id)
			if err != nil {
				s.logger.Warn().Err(err).Uint("submission_id", id).Msg("status watch read failed")
				return
			}
			if snapshot.Status == last && !snapshot.Terminal {
				continue
			}
			last = snapshot.Status

			select {
			case updates <- snapshot:
			case <-ctx.Done():
				return
			}
			if snapshot.Terminal {
				return
			}
		}
	}()

	return updates, nil
}

func (s *submissionService) archive(ctx context.Context, submission *models.Submission, content []byte, logger zerolog.Logger) {
	if s.uploader == nil {
		return
	}

	url, err := s.uploader.Upload(ctx, submission.FileName, bytes.NewReader(content))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to archive submission upload")
		return
	}
	if err := s.submissions.UpdateFileURL(ctx, submission.ID, url); err != nil {
		logger.Warn().Err(err).Msg("failed to store archive url")
		return
	}
	submission.FileURL = url
}

func readUpload(file *multipart.FileHeader, limit int64) ([]byte, error) {
	reader, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if int64(len(content)) > limit {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, limit)
	}
	return content, nil
}
