package dto

import (
	"time"

	"github.com/noah-isme/gema-scoring-api/internal/models"
)

// SeverityUpdateRequest changes the plagiarism penalty tier of an assignment.
type SeverityUpdateRequest struct {
	Severity string `json:"severity" validate:"required,oneof=easy medium hard"`
}

// AssignmentSeverityResponse reports the tier now in effect.
type AssignmentSeverityResponse struct {
	ID        uint      `json:"id"`
	Title     string    `json:"title"`
	Severity  string    `json:"severity"`
	Deduction float64   `json:"deduction"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAssignmentSeverityResponse converts an assignment into its severity view.
func NewAssignmentSeverityResponse(model models.Assignment) AssignmentSeverityResponse {
	level := model.SeverityLevel()
	return AssignmentSeverityResponse{
		ID:        model.ID,
		Title:     model.Title,
		Severity:  string(level),
		Deduction: level.Deduction(),
		UpdatedAt: model.UpdatedAt,
	}
}

// AssignmentStatsResponse aggregates the submissions of one assignment.
type AssignmentStatsResponse struct {
	AssignmentID       uint           `json:"assignment_id"`
	Severity           string         `json:"severity"`
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	HighPlagiarism     int            `json:"high_plagiarism"`
	AverageCorrectness *float64       `json:"average_correctness"`
	AverageFinalScore  *float64       `json:"average_final_score"`
	LabelCounts        map[string]int `json:"label_counts"`
	GeneratedAt        time.Time      `json:"generated_at"`
	CacheHit           bool           `json:"cache_hit"`
}
