// Package synthesize turns verified drafts into the answer shown to the
// user.
package synthesize

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/think"
)

// Config holds the notices attached to each mode.
type Config struct {
	FastDisclaimer   string
	UnverifiedNotice string
	RefusalText      string

	// SimpleSentences is how many sentences the simple depth keeps.
	SimpleSentences int
}

// Explainer renders final answers.
type Explainer struct {
	config Config
	logger *slog.Logger
}

// New creates an explainer.
func New(config Config) *Explainer {
	if config.SimpleSentences <= 0 {
		config.SimpleSentences = 2
	}
	return &Explainer{config: config, logger: slog.Default()}
}

// SetLogger sets the logger.
func (e *Explainer) SetLogger(l *slog.Logger) {
	e.logger = l
}

// Combine joins per-step drafts, in plan order, into one draft. Evidence is
// merged by source id and claims are concatenated.
func Combine(drafts []pipeline.Draft) pipeline.Draft {
	if len(drafts) == 1 {
		return drafts[0]
	}
	var out pipeline.Draft
	var parts, notes []string
	seen := make(map[string]bool)
	for _, d := range drafts {
		if t := strings.TrimSpace(d.Text); t != "" {
			parts = append(parts, t)
		}
		if d.Reasoning != "" {
			notes = append(notes, d.Reasoning)
		}
		for _, ev := range d.Evidence {
			if !seen[ev.SourceID] {
				seen[ev.SourceID] = true
				out.Evidence = append(out.Evidence, ev)
			}
		}
		out.Claims = append(out.Claims, d.Claims...)
		out.LowConfidence = out.LowConfidence || d.LowConfidence
		out.Tokens += d.Tokens
		if d.Attempt > out.Attempt {
			out.Attempt = d.Attempt
		}
	}
	out.Text = strings.Join(parts, "\n\n")
	out.Reasoning = strings.Join(notes, "\n")
	out.EvidenceRefs = think.Citations(out.Text)
	return out
}

// Explain renders draft for a user with profile in the given mode. Internal
// reasoning is never part of the result.
func (e *Explainer) Explain(draft pipeline.Draft, profile pipeline.Profile, mode pipeline.Mode) pipeline.FinalAnswer {
	if mode == pipeline.ModeRefused {
		return pipeline.FinalAnswer{Text: e.config.RefusalText, Mode: mode}
	}

	text, _ := think.SplitReasoning(draft.Text)
	text = e.depth(text, draft.Claims, profile.ExplanationDepth)
	text = style(text, profile.Style)

	answer := pipeline.FinalAnswer{
		Text:      text,
		Citations: grounded(text, draft.Evidence),
		Mode:      mode,
	}
	switch mode {
	case pipeline.ModeFast, pipeline.ModeDegraded:
		answer.Notice = e.config.FastDisclaimer
	case pipeline.ModeUnverified:
		answer.Notice = e.config.UnverifiedNotice
	}

	e.logger.Debug("Explained answer",
		"step", draft.StepID,
		"mode", mode,
		"depth", profile.ExplanationDepth,
		"style", profile.Style,
		"citations", len(answer.Citations))
	return answer
}

// grounded returns the ids cited in text that name evidence the draft was
// written against, in first-use order.
func grounded(text string, evidence []pipeline.Evidence) []string {
	known := make(map[string]bool, len(evidence))
	for _, ev := range evidence {
		known[ev.SourceID] = true
	}
	var out []string
	for _, id := range think.Citations(text) {
		if known[id] {
			out = append(out, id)
		}
	}
	return out
}

func (e *Explainer) depth(text string, claims []pipeline.NumericClaim, depth pipeline.Depth) string {
	switch depth {
	case pipeline.DepthSimple:
		sentences := think.Sentences(text)
		if len(sentences) <= e.config.SimpleSentences {
			return text
		}
		kept := make([]string, e.config.SimpleSentences)
		for i := range kept {
			kept[i] = sentences[i].Text
		}
		return strings.Join(kept, " ")
	case pipeline.DepthTechnical:
		if len(claims) == 0 {
			return text
		}
		var b strings.Builder
		b.WriteString(text)
		b.WriteString("\n\nKey figures:")
		for _, c := range claims {
			fmt.Fprintf(&b, "\n- %s", figure(c))
			if c.SourceID != "" {
				fmt.Fprintf(&b, " [%s]", c.SourceID)
			}
		}
		return b.String()
	default:
		return text
	}
}

func figure(c pipeline.NumericClaim) string {
	v := strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.4f", c.Value), "0"), ".")
	switch c.Unit {
	case "%":
		return v + "%"
	case "$":
		return "$" + v
	case "":
		return v
	default:
		return v + " " + c.Unit
	}
}

var contractions = strings.NewReplacer(
	"don't", "do not", "Don't", "Do not",
	"can't", "cannot", "Can't", "Cannot",
	"won't", "will not", "Won't", "Will not",
	"it's", "it is", "It's", "It is",
	"you're", "you are", "You're", "You are",
	"isn't", "is not", "aren't", "are not",
	"doesn't", "does not", "there's", "there is", "There's", "There is",
)

var filler = regexp.MustCompile(`(?i)\b(basically|essentially|actually|really|very)\s+`)

func style(text string, s pipeline.Style) string {
	switch s {
	case pipeline.StyleFormal:
		return contractions.Replace(text)
	case pipeline.StyleCasual:
		return "Sure! " + text
	case pipeline.StyleConcise:
		var kept []string
		for _, sent := range think.Sentences(text) {
			if sent.Assertive {
				kept = append(kept, filler.ReplaceAllString(sent.Text, ""))
			}
		}
		if len(kept) == 0 {
			return text
		}
		return strings.Join(kept, " ")
	default:
		return text
	}
}
