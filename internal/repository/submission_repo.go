package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-scoring-api/internal/models"
)

var (
	// ErrActiveSubmission indicates the author already has a submission that has not failed.
	ErrActiveSubmission = errors.New("active submission exists")
	// ErrStatusConflict indicates the row was not in the expected status.
	ErrStatusConflict = errors.New("submission status conflict")
)

// SubmissionFilter allows narrowing submission queries.
type SubmissionFilter struct {
	AssignmentID *uint
	StudentID    *uint
	Status       *string
}

// CompletionFields is the scoring outcome persisted when a submission completes.
// Correctness stays nil when the assignment has no model answer to grade against.
type CompletionFields struct {
	CorrectnessScore *float64
	CorrectnessLabel *string
	PlagiarismResult string
	PlagiarismScore  float64
	Comparisons      datatypes.JSON
}

// SubmissionRepository defines data operations for submissions.
type SubmissionRepository interface {
	List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error)
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	GetDocument(ctx context.Context, submissionID uint) (models.SubmissionDocument, error)
	CreateWithDocument(ctx context.Context, submission *models.Submission, document *models.SubmissionDocument) error
	UpdateFileURL(ctx context.Context, id uint, url string) error
	Transition(ctx context.Context, id uint, from, to string) error
	Complete(ctx context.Context, id uint, fields CompletionFields) error
	Fail(ctx context.Context, id uint, from, message string) error
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Submission{}).
		Preload("Assignment").
		Preload("Student")
}

func (r *submissionRepository) List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	query := r.db.WithContext(ctx).Model(&models.Submission{})

	if filter.AssignmentID != nil {
		query = query.Where("assignment_id = ?", *filter.AssignmentID)
	}

	if filter.StudentID != nil {
		query = query.Where("student_id = ?", *filter.StudentID)
	}

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var submissions []models.Submission
	if err := query.Order("submitted_at ASC").Order("id ASC").Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.baseQuery(ctx).First(&submission, id).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

func (r *submissionRepository) GetDocument(ctx context.Context, submissionID uint) (models.SubmissionDocument, error) {
	var document models.SubmissionDocument
	if err := r.db.WithContext(ctx).Where("submission_id = ?", submissionID).First(&document).Error; err != nil {
		return models.SubmissionDocument{}, err
	}

	return document, nil
}

// CreateWithDocument inserts the submission and its document atomically, refusing
// when the same student already holds a submission that has not failed. The
// count gives the common case a clean answer; the partial unique index settles
// concurrent inserts that both pass it.
func (r *submissionRepository) CreateWithDocument(ctx context.Context, submission *models.Submission, document *models.SubmissionDocument) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&models.Submission{}).
			Where("assignment_id = ? AND student_id = ?", submission.AssignmentID, submission.StudentID).
			Where("status <> ?", models.SubmissionStatusFailed).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrActiveSubmission
		}

		if err := tx.Omit("Assignment", "Student").Create(submission).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrActiveSubmission
			}
			return err
		}

		document.SubmissionID = submission.ID
		return tx.Create(document).Error
	})
}

func (r *submissionRepository) UpdateFileURL(ctx context.Context, id uint, url string) error {
	return r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ?", id).
		Update("file_url", url).Error
}

func (r *submissionRepository) Transition(ctx context.Context, id uint, from, to string) error {
	return r.guardedUpdate(ctx, id, from, map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	})
}

func (r *submissionRepository) Complete(ctx context.Context, id uint, fields CompletionFields) error {
	return r.guardedUpdate(ctx, id, models.SubmissionStatusProcessing, map[string]interface{}{
		"status":            models.SubmissionStatusCompleted,
		"correctness_score": fields.CorrectnessScore,
		"correctness_label": fields.CorrectnessLabel,
		"plagiarism_result": fields.PlagiarismResult,
		"plagiarism_score":  fields.PlagiarismScore,
		"comparisons":       fields.Comparisons,
		"processing_error":  nil,
		"updated_at":        time.Now().UTC(),
	})
}

func (r *submissionRepository) Fail(ctx context.Context, id uint, from, message string) error {
	return r.guardedUpdate(ctx, id, from, map[string]interface{}{
		"status":           models.SubmissionStatusFailed,
		"processing_error": message,
		"updated_at":       time.Now().UTC(),
	})
}

// guardedUpdate applies values only while the row still holds the expected status.
func (r *submissionRepository) guardedUpdate(ctx context.Context, id uint, expected string, values map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Submission{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return gorm.ErrRecordNotFound
	}
	return ErrStatusConflict
}

// isDuplicateKey recognises unique violations whether or not the dialector
// translated them into gorm.ErrDuplicatedKey.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "SQLSTATE 23505") ||
		strings.Contains(message, models.ActiveAuthorIndex)
}
