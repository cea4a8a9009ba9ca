package think

import (
	"regexp"
	"strings"
)

var (
	thinkingBlock = regexp.MustCompile(`(?is)<(thinking|reasoning|scratchpad)>(.*?)</(?:thinking|reasoning|scratchpad)>`)
	reasoningLine = regexp.MustCompile(`(?i)^\s*(reasoning|thought|thinking|scratchpad)\s*:`)
)

// SplitReasoning separates internal reasoning from the answer text. Tagged
// blocks such as <thinking>...</thinking> and lines prefixed "Reasoning:"
// or "Thought:" are reasoning; everything else is answer.
func SplitReasoning(text string) (answer, reasoning string) {
	var notes []string
	text = thinkingBlock.ReplaceAllStringFunc(text, func(m string) string {
		sub := thinkingBlock.FindStringSubmatch(m)
		if n := strings.TrimSpace(sub[2]); n != "" {
			notes = append(notes, n)
		}
		return ""
	})

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if reasoningLine.MatchString(line) {
			notes = append(notes, strings.TrimSpace(reasoningLine.ReplaceAllString(line, "")))
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), strings.Join(notes, "\n")
}
