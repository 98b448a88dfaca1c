package models

import "time"

// SubmissionDocument keeps the uploaded answer bytes for the extraction step.
type SubmissionDocument struct {
	ID           uint   `gorm:"primaryKey"`
	SubmissionID uint   `gorm:"not null;uniqueIndex"`
	FileName     string `gorm:"size:255"`
	ContentType  string `gorm:"size:128"`
	Content      []byte `gorm:"not null"`
	CreatedAt    time.Time
}
