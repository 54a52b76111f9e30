package ai

import "context"

// DefaultMaxPoints is the grading scale ceiling used when a request leaves it unset.
const DefaultMaxPoints = 100

const defaultInstructions = "No specific instructions were provided. Evaluate the submission on overall quality, correctness, and clarity."

// GradingInput contains the assignment context and the student's work to be graded.
type GradingInput struct {
	SubmissionContent      string
	AssignmentTitle        string
	AssignmentInstructions string
	MaxPoints              int
}

func (in GradingInput) normalized() GradingInput {
	if in.MaxPoints == 0 {
		in.MaxPoints = DefaultMaxPoints
	}
	if in.AssignmentInstructions == "" {
		in.AssignmentInstructions = defaultInstructions
	}
	return in
}

// GradingResult is the feedback returned by a grader. SuggestedGrade is nil when no
// score could be read from the reply.
type GradingResult struct {
	Feedback       string                 `json:"feedback"`
	SuggestedGrade *int                   `json:"suggestedGrade"`
	Provider       string                 `json:"-"`
	Model          string                 `json:"-"`
	Usage          map[string]interface{} `json:"-"`
}

// Grader grades a single submission with exactly one call to a language model.
type Grader interface {
	Grade(ctx context.Context, input GradingInput) (GradingResult, error)
}

// ReplyFormat selects how the model is asked to lay out its reply.
type ReplyFormat string

const (
	// ReplyFormatText asks for the sectioned plain-text layout and reads the score with a pattern.
	ReplyFormatText ReplyFormat = "text"
	// ReplyFormatJSON asks for a JSON object validated against a schema.
	ReplyFormatJSON ReplyFormat = "json"
)

// ScorePolicy decides what happens to a parsed score outside [0, maxPoints].
type ScorePolicy string

const (
	ScorePolicyPassthrough ScorePolicy = "passthrough"
	ScorePolicyClamp       ScorePolicy = "clamp"
	ScorePolicyReject      ScorePolicy = "reject"
)
