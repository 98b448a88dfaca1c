package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-scoring-api/internal/models"
)

// CorpusRepository stores committed answer texts per assignment.
type CorpusRepository interface {
	Append(ctx context.Context, entry *models.CorpusEntry) error
	// ListForComparison returns the entries of an assignment in commit order,
	// skipping the given submission and every entry authored by the given student.
	ListForComparison(ctx context.Context, assignmentID, excludeSubmissionID, excludeStudentID uint) ([]models.CorpusEntry, error)
}

type corpusRepository struct {
	db *gorm.DB
}

// NewCorpusRepository constructs the corpus repository.
func NewCorpusRepository(db *gorm.DB) CorpusRepository {
	return &corpusRepository{db: db}
}

func (r *corpusRepository) Append(ctx context.Context, entry *models.CorpusEntry) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "submission_id"}}, DoNothing: true}).
		Create(entry).Error
}

func (r *corpusRepository) ListForComparison(ctx context.Context, assignmentID, excludeSubmissionID, excludeStudentID uint) ([]models.CorpusEntry, error) {
	var entries []models.CorpusEntry
	err := r.db.WithContext(ctx).
		Where("assignment_id = ?", assignmentID).
		Where("submission_id <> ?", excludeSubmissionID).
		Where("student_id <> ?", excludeStudentID).
		Order("committed_at ASC").
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}

	return entries, nil
}
