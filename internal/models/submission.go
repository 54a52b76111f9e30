package models

import "time"

const (
	// SubmissionStatusDraft indicates the student saved work without turning it in.
	SubmissionStatusDraft = "draft"
	// SubmissionStatusSubmitted indicates the submission is waiting for a grade.
	SubmissionStatusSubmitted = "submitted"
	// SubmissionStatusGraded indicates a teacher recorded a final grade.
	SubmissionStatusGraded = "graded"
)

// Submission represents a student's attempt at an assignment.
type Submission struct {
	ID               uint                `gorm:"primaryKey" json:"id"`
	AssignmentID     uint                `gorm:"not null;index" json:"assignment_id"`
	StudentID        uint                `gorm:"not null;index" json:"student_id"`
	Content          string              `gorm:"type:text" json:"content"`
	Status           string              `gorm:"size:32;not null" json:"status"`
	SubmittedAt      *time.Time          `json:"submitted_at"`
	Grade            *float64            `json:"grade"`
	Feedback         string              `gorm:"type:text" json:"feedback"`
	GradedBy         *uint               `json:"graded_by"`
	GradedAt         *time.Time          `json:"graded_at"`
	AIFeedback       string              `gorm:"column:ai_feedback;type:text" json:"ai_feedback"`
	AISuggestedGrade *int                `gorm:"column:ai_suggested_grade" json:"ai_suggested_grade"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	Assignment       Assignment          `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"assignment"`
	Files            []SubmissionFile    `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"files"`
	Evaluations      []GradingEvaluation `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"evaluations"`
}

// IsDraft reports whether the submission has not been turned in yet.
func (s Submission) IsDraft() bool {
	return s.Status == SubmissionStatusDraft
}

// IsGraded reports whether the submission has a final grade.
func (s Submission) IsGraded() bool {
	return s.Status == SubmissionStatusGraded
}

// SubmissionFile is an uploaded attachment addressed by its blob store path.
type SubmissionFile struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SubmissionID uint      `gorm:"not null;index" json:"submission_id"`
	FileName     string    `gorm:"size:255;not null" json:"file_name"`
	FilePath     string    `gorm:"size:1024;not null" json:"file_path"`
	FileSize     int64     `json:"file_size"`
	MimeType     string    `gorm:"size:128" json:"mime_type"`
	UploadedAt   time.Time `gorm:"autoCreateTime" json:"uploaded_at"`
}
