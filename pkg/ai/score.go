package ai

import (
	"regexp"
	"strconv"
)

var scorePattern = regexp.MustCompile(`(?i)SCORE:\s*(\d+)`)

// ExtractScore reads the first "SCORE: <n>" occurrence from a reply. It returns nil when
// the reply carries no such line or the digits do not fit an int.
func ExtractScore(reply string) *int {
	match := scorePattern.FindStringSubmatch(reply)
	if len(match) < 2 {
		return nil
	}

	score, err := strconv.Atoi(match[1])
	if err != nil {
		return nil
	}
	return &score
}

// ApplyScorePolicy enforces policy on a parsed score against the [0, maxPoints] scale.
func ApplyScorePolicy(policy ScorePolicy, score *int, maxPoints int) *int {
	if score == nil {
		return nil
	}
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}

	value := *score
	inRange := value >= 0 && value <= maxPoints

	switch policy {
	case ScorePolicyClamp:
		if value < 0 {
			value = 0
		}
		if value > maxPoints {
			value = maxPoints
		}
		return &value
	case ScorePolicyReject:
		if !inRange {
			return nil
		}
		return &value
	default:
		return &value
	}
}
