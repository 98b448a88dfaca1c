package models

import "time"

// CorpusEntry is an answer text made available for future plagiarism comparisons.
// Rows are only ever inserted.
type CorpusEntry struct {
	ID           uint      `gorm:"primaryKey"`
	AssignmentID uint      `gorm:"not null;index"`
	SubmissionID uint      `gorm:"not null;uniqueIndex"`
	StudentID    uint      `gorm:"not null"`
	Text         string    `gorm:"type:text;not null"`
	CommittedAt  time.Time `gorm:"not null;index"`
}
