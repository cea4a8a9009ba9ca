package memory

import (
	"context"
	"regexp"
	"strings"

	"github.com/rand/finagent/internal/pipeline/compress"
	"github.com/rand/finagent/internal/pipeline/llm"
)

// DefaultFactsPrompt asks the model for durable facts about the user. It
// receives {{conversation}}.
const DefaultFactsPrompt = `List the lasting facts the user stated about themselves: goals, accounts, income, family, risk appetite.
Skip questions, advice and anything the agent said.
Conversation:
{{conversation}}
Reply with one fact per line starting with "- ", or NONE.`

const factsMaxTokens = 256

// firstPerson matches statements a user makes about themselves.
var firstPerson = regexp.MustCompile(`(?i)^(i|i'm|i've|i'd|my|we|we're|we've|our)\b`)

// factsSource renders what consolidation reads: the summary and the buffer.
func factsSource(rec Record) string {
	var b strings.Builder
	if rec.Summary != "" {
		b.WriteString("Summary: ")
		b.WriteString(rec.Summary)
		b.WriteString("\n")
	}
	for _, msg := range rec.Buffer {
		role := "User"
		if msg.Role == RoleAgent {
			role = "Agent"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(msg.Text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// deriveFacts extracts facts from the session held in rec. It asks the
// generator when one is set and falls back to extraction when there is
// none or its reply is unusable.
func (m *Manager) deriveFacts(ctx context.Context, rec Record) []string {
	source := factsSource(rec)
	if source == "" {
		return nil
	}
	if m.generator != nil {
		prompt := strings.ReplaceAll(m.config.FactsPrompt, "{{conversation}}", source)
		resp, err := m.generator.Generate(ctx, llm.Request{Prompt: prompt, MaxTokens: factsMaxTokens})
		if err == nil {
			if facts := parseFacts(resp.Text); len(facts) > 0 {
				return facts
			}
			if strings.EqualFold(strings.TrimSpace(resp.Text), "NONE") {
				return nil
			}
		}
		m.logger.Debug("Model fact extraction unusable, extracting statements",
			"user", rec.UserID, "error", err)
	}
	return extractFacts(rec)
}

// parseFacts reads one fact per bulleted line.
func parseFacts(reply string) []string {
	var facts []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		trimmed := strings.TrimLeft(line, "-*• ")
		if trimmed == line || trimmed == "" {
			continue
		}
		facts = append(facts, trimmed)
	}
	return facts
}

// extractFacts keeps the first-person statements of the user's messages.
// Questions are skipped.
func extractFacts(rec Record) []string {
	var facts []string
	for _, msg := range rec.Buffer {
		if msg.Role != RoleUser {
			continue
		}
		for _, s := range compress.SplitSentences(msg.Text) {
			s = strings.TrimSpace(s)
			if s == "" || strings.HasSuffix(s, "?") || !firstPerson.MatchString(s) {
				continue
			}
			facts = append(facts, s)
		}
	}
	return facts
}
