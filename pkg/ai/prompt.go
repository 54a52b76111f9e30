package ai

import (
	"fmt"
	"strings"
)

const graderGuidelines = `You are an expert educational assistant that evaluates student assignments.
Give constructive, detailed feedback that helps the student improve their work.

Guidelines for grading:
1. Evaluate the submission against the assignment instructions provided
2. Be fair, constructive, and encouraging
3. Identify both strengths and areas for improvement
4. Refer to specific examples from the submission
5. Suggest concrete steps for improvement
6. Grade on a scale of 0-%d points
7. Return your response in the structured format below`

const textReplyLayout = `Format your response as follows:
SCORE: [numerical score out of %d]

STRENGTHS:
- [key strengths]

AREAS FOR IMPROVEMENT:
- [areas that need work]

DETAILED FEEDBACK:
[detailed paragraph feedback]

SUGGESTIONS:
- [specific actionable suggestions]`

const jsonReplyLayout = `Respond with a single JSON object and nothing else, using these keys:
"score": integer between 0 and %d,
"strengths": array of strings,
"improvements": array of strings,
"detailedFeedback": string,
"suggestions": array of strings`

func systemPrompt(maxPoints int, format ReplyFormat) string {
	layout := textReplyLayout
	if format == ReplyFormatJSON {
		layout = jsonReplyLayout
	}

	return fmt.Sprintf(graderGuidelines, maxPoints) + "\n\n" + fmt.Sprintf(layout, maxPoints)
}

// userPrompt interpolates the assignment and the submission verbatim.
func userPrompt(input GradingInput) string {
	builder := strings.Builder{}
	builder.WriteString("Assignment Title: ")
	builder.WriteString(input.AssignmentTitle)
	builder.WriteString("\n\nAssignment Instructions:\n")
	builder.WriteString(input.AssignmentInstructions)
	builder.WriteString("\n\nStudent Submission:\n")
	builder.WriteString(input.SubmissionContent)
	builder.WriteString("\n\nPlease evaluate this submission and provide comprehensive feedback.")
	return builder.String()
}
