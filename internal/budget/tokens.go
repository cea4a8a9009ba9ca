package budget

import (
	"math"
	"strings"
)

// EstimateTokens approximates the token count of text (~1.3 tokens per word).
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * 1.3))
}

// TruncateToTokens keeps the leading words of text so that its estimate
// fits within maxTokens.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if EstimateTokens(text) <= maxTokens {
		return text
	}
	words := strings.Fields(text)
	keep := int(math.Floor(float64(maxTokens) / 1.3))
	for keep > 0 && EstimateTokens(strings.Join(words[:keep], " ")) > maxTokens {
		keep--
	}
	if keep <= 0 {
		return ""
	}
	return strings.Join(words[:keep], " ")
}
