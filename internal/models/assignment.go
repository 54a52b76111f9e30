package models

import "time"

// DefaultMaxPoints is the grading scale ceiling applied when an assignment does not set one.
const DefaultMaxPoints = 100

// Assignment represents a course assignment students submit work against.
type Assignment struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	CourseID     uint         `gorm:"index" json:"course_id"`
	Title        string       `gorm:"size:255;not null" json:"title"`
	Description  string       `gorm:"type:text" json:"description"`
	Instructions string       `gorm:"type:text" json:"instructions"`
	MaxPoints    int          `gorm:"not null;default:100" json:"max_points"`
	DueDate      *time.Time   `json:"due_date"`
	AllowLate    bool         `gorm:"not null;default:false" json:"allow_late"`
	CreatedBy    uint         `json:"created_by"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Submissions  []Submission `json:"-"`
}

// IsPastDue returns true when the assignment has a deadline that already passed.
func (a Assignment) IsPastDue(reference time.Time) bool {
	return a.DueDate != nil && reference.After(*a.DueDate)
}

// AcceptsSubmissionAt reports whether work may still be turned in at the given time.
func (a Assignment) AcceptsSubmissionAt(reference time.Time) bool {
	return a.AllowLate || !a.IsPastDue(reference)
}

// GradingScale returns the upper bound of the score range.
func (a Assignment) GradingScale() int {
	if a.MaxPoints <= 0 {
		return DefaultMaxPoints
	}
	return a.MaxPoints
}

// GradingInstructions returns the text the grader should evaluate against.
func (a Assignment) GradingInstructions() string {
	if a.Instructions != "" {
		return a.Instructions
	}
	return a.Description
}
