package models

import (
	"time"

	"github.com/noah-isme/gema-scoring-api/internal/scoring"
)

// Assignment carries the model answer and the plagiarism severity tier.
type Assignment struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Title       string     `gorm:"size:255;not null" json:"title"`
	OwnerID     uint       `gorm:"index" json:"owner_id"`
	ModelAnswer string     `gorm:"type:text;not null" json:"-"`
	Severity    string     `gorm:"size:16;not null;default:medium" json:"severity"`
	DueDate     *time.Time `json:"due_date"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SeverityLevel returns the effective severity, defaulting unknown values to medium.
func (a Assignment) SeverityLevel() scoring.Severity {
	return scoring.ParseSeverity(a.Severity)
}

// OwnedBy reports whether the teacher with the given id manages the assignment.
func (a Assignment) OwnedBy(teacherID uint) bool {
	return teacherID != 0 && a.OwnerID == teacherID
}

// IsPastDue returns true when the assignment has a deadline that already passed.
func (a Assignment) IsPastDue(reference time.Time) bool {
	return a.DueDate != nil && reference.After(*a.DueDate)
}
