package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	GradingEvaluationCompleted = "completed"
	GradingEvaluationFailed    = "failed"
)

// GradingEvaluation records one automated grading attempt for a submission.
type GradingEvaluation struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	SubmissionID   uint              `gorm:"not null;index" json:"submission_id"`
	Status         string            `gorm:"size:32;not null" json:"status"`
	SuggestedGrade *int              `json:"suggested_grade"`
	Feedback       string            `gorm:"type:text" json:"feedback"`
	Error          string            `gorm:"type:text" json:"error"`
	Provider       string            `gorm:"size:32" json:"provider"`
	Model          string            `gorm:"size:128" json:"model"`
	Usage          datatypes.JSONMap `json:"usage"`
	CreatedAt      time.Time         `json:"created_at"`
}
