package dto

import (
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// SubmissionCreateRequest describes the payload for creating a submission.
type SubmissionCreateRequest struct {
	AssignmentID uint   `form:"assignment_id" json:"assignment_id" validate:"required,gt=0"`
	Content      string `form:"content" json:"content" validate:"max=100000"`
	Draft        bool   `form:"draft" json:"draft"`
}

// SubmissionGradeRequest is used by teachers to record a final grade.
type SubmissionGradeRequest struct {
	Score    *float64 `json:"score" validate:"required,gte=0"`
	Feedback string   `json:"feedback" validate:"max=20000"`
}

// SubmissionFilter describes query string filters for listing submissions.
type SubmissionFilter struct {
	AssignmentID *uint   `query:"assignment_id"`
	StudentID    *uint   `query:"student_id"`
	Status       *string `query:"status" validate:"omitempty,oneof=draft submitted graded"`
}

// SubmissionResponse is returned to API clients when viewing submissions.
type SubmissionResponse struct {
	ID               uint                 `json:"id"`
	AssignmentID     uint                 `json:"assignment_id"`
	StudentID        uint                 `json:"student_id"`
	Content          string               `json:"content"`
	Status           string               `json:"status"`
	SubmittedAt      *time.Time           `json:"submitted_at"`
	Grade            *float64             `json:"grade"`
	Feedback         string               `json:"feedback"`
	GradedBy         *uint                `json:"graded_by"`
	GradedAt         *time.Time           `json:"graded_at"`
	AIFeedback       string               `json:"ai_feedback"`
	AISuggestedGrade *int                 `json:"ai_suggested_grade"`
	Files            []SubmissionFileLite `json:"files"`
	Evaluations      []EvaluationLite     `json:"evaluations,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
	Assignment       AssignmentLite       `json:"assignment"`
}

// AssignmentLite summarizes an assignment in submission responses.
type AssignmentLite struct {
	ID        uint       `json:"id"`
	Title     string     `json:"title"`
	MaxPoints int        `json:"max_points"`
	DueDate   *time.Time `json:"due_date"`
}

// SubmissionFileLite describes an attachment.
type SubmissionFileLite struct {
	ID       uint   `json:"id"`
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`
}

// EvaluationLite serializes an automated grading attempt.
type EvaluationLite struct {
	ID             uint      `json:"id"`
	Status         string    `json:"status"`
	SuggestedGrade *int      `json:"suggested_grade"`
	Error          string    `json:"error,omitempty"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewSubmissionResponse converts a Submission model into a DTO.
func NewSubmissionResponse(model models.Submission) SubmissionResponse {
	response := SubmissionResponse{
		ID:               model.ID,
		AssignmentID:     model.AssignmentID,
		StudentID:        model.StudentID,
		Content:          model.Content,
		Status:           model.Status,
		SubmittedAt:      model.SubmittedAt,
		Grade:            model.Grade,
		Feedback:         model.Feedback,
		GradedBy:         model.GradedBy,
		GradedAt:         model.GradedAt,
		AIFeedback:       model.AIFeedback,
		AISuggestedGrade: model.AISuggestedGrade,
		Files:            make([]SubmissionFileLite, 0, len(model.Files)),
		CreatedAt:        model.CreatedAt,
		UpdatedAt:        model.UpdatedAt,
	}

	if model.Assignment.ID != 0 {
		response.Assignment = AssignmentLite{
			ID:        model.Assignment.ID,
			Title:     model.Assignment.Title,
			MaxPoints: model.Assignment.GradingScale(),
			DueDate:   model.Assignment.DueDate,
		}
	}

	for _, file := range model.Files {
		response.Files = append(response.Files, SubmissionFileLite{
			ID:       file.ID,
			FileName: file.FileName,
			FilePath: file.FilePath,
			FileSize: file.FileSize,
			MimeType: file.MimeType,
		})
	}

	if len(model.Evaluations) > 0 {
		evaluations := make([]EvaluationLite, 0, len(model.Evaluations))
		for _, evaluation := range model.Evaluations {
			evaluations = append(evaluations, EvaluationLite{
				ID:             evaluation.ID,
				Status:         evaluation.Status,
				SuggestedGrade: evaluation.SuggestedGrade,
				Error:          evaluation.Error,
				Provider:       evaluation.Provider,
				Model:          evaluation.Model,
				CreatedAt:      evaluation.CreatedAt,
			})
		}
		response.Evaluations = evaluations
	}

	return response
}

// NewSubmissionResponseSlice converts submission models into DTOs.
func NewSubmissionResponseSlice(models []models.Submission) []SubmissionResponse {
	responses := make([]SubmissionResponse, 0, len(models))
	for _, submission := range models {
		responses = append(responses, NewSubmissionResponse(submission))
	}

	return responses
}
