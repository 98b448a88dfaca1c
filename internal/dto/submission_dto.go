package dto

import (
	"time"

	"github.com/noah-isme/gema-scoring-api/internal/models"
	"github.com/noah-isme/gema-scoring-api/internal/scoring"
)

// SubmissionCreateRequest describes the multipart fields accompanying an uploaded answer.
type SubmissionCreateRequest struct {
	AssignmentID uint `form:"assignment_id" validate:"required,gt=0"`
}

// ComparisonResponse is one pairwise similarity against a sibling submission.
type ComparisonResponse struct {
	PeerSubmissionID uint    `json:"peer_submission_id"`
	SimilarityScore  float64 `json:"similarity_score"`
}

// SubmissionStatusResponse is the snapshot returned to polling observers.
type SubmissionStatusResponse struct {
	ID               uint                 `json:"id"`
	AssignmentID     uint                 `json:"assignment_id"`
	StudentID        uint                 `json:"student_id"`
	Status           string               `json:"status"`
	Terminal         bool                 `json:"terminal"`
	SubmittedAt      time.Time            `json:"submitted_at"`
	FileName         string               `json:"file_name"`
	FileURL          string               `json:"file_url,omitempty"`
	CorrectnessScore *float64             `json:"correctness_score"`
	CorrectnessLabel *string              `json:"correctness_label"`
	PlagiarismResult *string              `json:"plagiarism_result"`
	PlagiarismScore  *float64             `json:"plagiarism_score"`
	Comparisons      []ComparisonResponse `json:"comparisons"`
	Severity         string               `json:"severity"`
	FinalScore       *float64             `json:"final_score"`
	Error            *string              `json:"error"`
	PollIntervalMS   int64                `json:"poll_interval_ms,omitempty"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// NewSubmissionStatusResponse converts a submission into a snapshot without the derived final score.
func NewSubmissionStatusResponse(model models.Submission) SubmissionStatusResponse {
	response := SubmissionStatusResponse{
		ID:           model.ID,
		AssignmentID: model.AssignmentID,
		StudentID:    model.StudentID,
		Status:       model.Status,
		Terminal:     model.IsTerminal(),
		SubmittedAt:  model.SubmittedAt,
		FileName:     model.FileName,
		FileURL:      model.FileURL,
		Comparisons:  []ComparisonResponse{},
		UpdatedAt:    model.UpdatedAt,
	}

	if model.Status == models.SubmissionStatusCompleted {
		response.CorrectnessScore = model.CorrectnessScore
		response.CorrectnessLabel = model.CorrectnessLabel
		response.PlagiarismResult = model.PlagiarismResult
		response.PlagiarismScore = model.PlagiarismScore
		for _, comparison := range model.ComparisonList() {
			response.Comparisons = append(response.Comparisons, ComparisonResponse{
				PeerSubmissionID: comparison.PeerSubmissionID,
				SimilarityScore:  comparison.SimilarityScore,
			})
		}
	}

	if model.Status == models.SubmissionStatusFailed {
		response.Error = model.ProcessingError
	}

	return response
}

// WithSeverity derives the final score under the given severity tier.
func (r SubmissionStatusResponse) WithSeverity(severity scoring.Severity) SubmissionStatusResponse {
	r.Severity = string(severity)
	result := ""
	if r.PlagiarismResult != nil {
		result = *r.PlagiarismResult
	}
	r.FinalScore = scoring.FinalScore(r.CorrectnessScore, result, severity)
	return r
}

// WithPollInterval advertises how often observers should poll while non-terminal.
func (r SubmissionStatusResponse) WithPollInterval(interval time.Duration) SubmissionStatusResponse {
	if r.Terminal {
		r.PollIntervalMS = 0
		return r
	}
	r.PollIntervalMS = interval.Milliseconds()
	return r
}

// NewSubmissionStatusResponseSlice converts submissions scored under one severity tier.
func NewSubmissionStatusResponseSlice(submissions []models.Submission, severity scoring.Severity) []SubmissionStatusResponse {
	responses := make([]SubmissionStatusResponse, 0, len(submissions))
	for _, submission := range submissions {
		responses = append(responses, NewSubmissionStatusResponse(submission).WithSeverity(severity))
	}

	return responses
}
