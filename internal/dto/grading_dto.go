package dto

import "github.com/noah-isme/gema-grading-api/pkg/ai"

// GradingRequest is the body accepted by the grade-assignment function.
type GradingRequest struct {
	SubmissionContent      string `json:"submissionContent"`
	AssignmentTitle        string `json:"assignmentTitle"`
	AssignmentInstructions string `json:"assignmentInstructions"`
	MaxPoints              int    `json:"maxPoints"`
}

// Input converts the request into grader input.
func (r GradingRequest) Input() ai.GradingInput {
	return ai.GradingInput{
		SubmissionContent:      r.SubmissionContent,
		AssignmentTitle:        r.AssignmentTitle,
		AssignmentInstructions: r.AssignmentInstructions,
		MaxPoints:              r.MaxPoints,
	}
}

// GradingResponse carries the model feedback and the score read from it.
type GradingResponse struct {
	Feedback       string `json:"feedback"`
	SuggestedGrade *int   `json:"suggestedGrade"`
}

// NewGradingResponse converts a grader result into the wire shape.
func NewGradingResponse(result ai.GradingResult) GradingResponse {
	return GradingResponse{
		Feedback:       result.Feedback,
		SuggestedGrade: result.SuggestedGrade,
	}
}

// GradingErrorResponse is returned for every failed grading call.
type GradingErrorResponse struct {
	Error string `json:"error"`
}
