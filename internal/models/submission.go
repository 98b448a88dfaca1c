package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/gema-scoring-api/internal/scoring"
)

// ActiveAuthorIndex backs the one-live-submission-per-author rule: at most one
// non-failed submission per (assignment, student).
const ActiveAuthorIndex = "idx_submission_active_author"

// Submission processing states.
const (
	SubmissionStatusPending    = "pending"
	SubmissionStatusProcessing = "processing"
	SubmissionStatusCompleted  = "completed"
	SubmissionStatusFailed     = "failed"
)

// Submission is one student's answer to one assignment and its scoring result.
type Submission struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	AssignmentID     uint           `gorm:"not null;uniqueIndex:idx_submission_active_author,priority:1,where:status <> 'failed'" json:"assignment_id"`
	StudentID        uint           `gorm:"not null;uniqueIndex:idx_submission_active_author,priority:2" json:"student_id"`
	SubmittedAt      time.Time      `gorm:"not null;index" json:"submitted_at"`
	Status           string         `gorm:"size:16;not null;index" json:"status"`
	CorrectnessScore *float64       `json:"correctness_score"`
	CorrectnessLabel *string        `gorm:"size:16" json:"correctness_label"`
	PlagiarismResult *string        `gorm:"size:16" json:"plagiarism_result"`
	PlagiarismScore  *float64       `json:"plagiarism_score"`
	Comparisons      datatypes.JSON `json:"comparisons"`
	ProcessingError  *string        `gorm:"type:text" json:"processing_error"`
	FileName         string         `gorm:"size:255" json:"file_name"`
	ContentType      string         `gorm:"size:128" json:"content_type"`
	FileURL          string         `gorm:"size:512" json:"file_url"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Assignment       Assignment     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"assignment"`
	Student          Student        `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"student"`
}

// IsTerminal reports whether no further transition is allowed.
func (s Submission) IsTerminal() bool {
	return IsTerminalStatus(s.Status)
}

// ComparisonList decodes the stored comparison edges.
func (s Submission) ComparisonList() []scoring.Comparison {
	if len(s.Comparisons) == 0 {
		return nil
	}

	var comparisons []scoring.Comparison
	if err := json.Unmarshal(s.Comparisons, &comparisons); err != nil {
		return nil
	}
	return comparisons
}

// EncodeComparisons serialises comparison edges for storage.
func EncodeComparisons(comparisons []scoring.Comparison) (datatypes.JSON, error) {
	if comparisons == nil {
		comparisons = []scoring.Comparison{}
	}
	payload, err := json.Marshal(comparisons)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(payload), nil
}

// IsTerminalStatus reports whether status is completed or failed.
func IsTerminalStatus(status string) bool {
	return status == SubmissionStatusCompleted || status == SubmissionStatusFailed
}
