package dto

import (
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

const isoLayout = time.RFC3339

// AssignmentCreateRequest describes the payload for creating a new assignment.
type AssignmentCreateRequest struct {
	CourseID     uint   `form:"course_id" json:"course_id"`
	Title        string `form:"title" json:"title" validate:"required,min=3,max=255"`
	Description  string `form:"description" json:"description"`
	Instructions string `form:"instructions" json:"instructions"`
	MaxPoints    int    `form:"max_points" json:"max_points" validate:"omitempty,gte=1,lte=1000"`
	DueDate      string `form:"due_date" json:"due_date" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	AllowLate    bool   `form:"allow_late" json:"allow_late"`
}

// AssignmentResponse is the serialized representation returned to API clients.
type AssignmentResponse struct {
	ID           uint       `json:"id"`
	CourseID     uint       `json:"course_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Instructions string     `json:"instructions"`
	MaxPoints    int        `json:"max_points"`
	DueDate      *time.Time `json:"due_date"`
	AllowLate    bool       `json:"allow_late"`
	CreatedBy    uint       `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewAssignmentResponse converts a model into a DTO.
func NewAssignmentResponse(model models.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:           model.ID,
		CourseID:     model.CourseID,
		Title:        model.Title,
		Description:  model.Description,
		Instructions: model.Instructions,
		MaxPoints:    model.GradingScale(),
		DueDate:      model.DueDate,
		AllowLate:    model.AllowLate,
		CreatedBy:    model.CreatedBy,
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}
}

// NewAssignmentResponseSlice converts a slice of models into DTOs.
func NewAssignmentResponseSlice(assignments []models.Assignment) []AssignmentResponse {
	responses := make([]AssignmentResponse, 0, len(assignments))
	for _, assignment := range assignments {
		responses = append(responses, NewAssignmentResponse(assignment))
	}

	return responses
}

// ParseDueDate parses the optional RFC3339 deadline.
func (r AssignmentCreateRequest) ParseDueDate() (*time.Time, error) {
	if r.DueDate == "" {
		return nil, nil
	}
	parsed, err := time.Parse(isoLayout, r.DueDate)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
