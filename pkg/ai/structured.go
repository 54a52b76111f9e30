package ai

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const structuredReplySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["score", "strengths", "improvements", "detailedFeedback", "suggestions"],
  "properties": {
    "score": {"type": "integer", "minimum": 0},
    "strengths": {"type": "array", "items": {"type": "string"}},
    "improvements": {"type": "array", "items": {"type": "string"}},
    "detailedFeedback": {"type": "string"},
    "suggestions": {"type": "array", "items": {"type": "string"}}
  }
}`

var replySchema = jsonschema.MustCompileString("grading_reply.schema.json", structuredReplySchema)

type structuredReply struct {
	Score            int      `json:"score"`
	Strengths        []string `json:"strengths"`
	Improvements     []string `json:"improvements"`
	DetailedFeedback string   `json:"detailedFeedback"`
	Suggestions      []string `json:"suggestions"`
}

func parseStructuredReply(content string) (structuredReply, error) {
	body := stripCodeFence(content)

	var document interface{}
	if err := json.Unmarshal([]byte(body), &document); err != nil {
		return structuredReply{}, fmt.Errorf("decode structured reply: %w", err)
	}
	if err := replySchema.Validate(document); err != nil {
		return structuredReply{}, fmt.Errorf("validate structured reply: %w", err)
	}

	var reply structuredReply
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		return structuredReply{}, fmt.Errorf("decode structured reply: %w", err)
	}
	return reply, nil
}

// render lays the reply out in the same sections the text format asks for, so callers
// storing feedback never see the difference.
func (r structuredReply) render() string {
	builder := strings.Builder{}
	builder.WriteString("SCORE: ")
	builder.WriteString(strconv.Itoa(r.Score))
	writeSection(&builder, "STRENGTHS:", bulletList(r.Strengths))
	writeSection(&builder, "AREAS FOR IMPROVEMENT:", bulletList(r.Improvements))
	writeSection(&builder, "DETAILED FEEDBACK:", strings.TrimSpace(r.DetailedFeedback))
	writeSection(&builder, "SUGGESTIONS:", bulletList(r.Suggestions))
	return builder.String()
}

func writeSection(builder *strings.Builder, heading, body string) {
	builder.WriteString("\n\n")
	builder.WriteString(heading)
	builder.WriteString("\n")
	builder.WriteString(body)
}

func bulletList(items []string) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		lines = append(lines, "- "+item)
	}
	return strings.Join(lines, "\n")
}

func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		trimmed = trimmed[newline+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
