// Package think drafts an answer for one plan step from its evidence.
package think

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/llm"
)

// ErrStepDecomposition reports that a step cannot be answered as it was
// decomposed. The orchestrator answers it with a re-plan.
var ErrStepDecomposition = errors.New("step cannot be answered as decomposed")

// DefaultReplanMarker is the reply marker that raises ErrStepDecomposition.
const DefaultReplanMarker = "[REPLAN]"

// Config configures a Thinker.
type Config struct {
	// Prompt receives {{intent}}, {{evidence}}, {{memory}} and {{guidance}}.
	Prompt string

	MaxTokens    int
	Temperature  float64
	Stop         []string
	ReplanMarker string
}

// Thinker produces drafts.
type Thinker struct {
	config    Config
	generator llm.Generator
	logger    *slog.Logger
}

// New creates a thinker.
func New(config Config, generator llm.Generator) *Thinker {
	if config.ReplanMarker == "" {
		config.ReplanMarker = DefaultReplanMarker
	}
	return &Thinker{config: config, generator: generator, logger: slog.Default()}
}

// SetLogger sets the logger.
func (t *Thinker) SetLogger(l *slog.Logger) {
	t.logger = l
}

// Think drafts an answer to step grounded in bundle. priorFailures are the
// failed checks of the previous draft for this step; each becomes one
// corrective line in the prompt. memctx is the user's conversation context.
func (t *Thinker) Think(ctx context.Context, step pipeline.Step, bundle pipeline.EvidenceBundle, priorFailures []pipeline.FailedCheck, memctx string) (pipeline.Draft, error) {
	prompt := t.Prompt(step, bundle, priorFailures, memctx)

	resp, err := t.generator.Generate(ctx, llm.Request{
		Prompt:      prompt,
		MaxTokens:   t.config.MaxTokens,
		Temperature: t.config.Temperature,
		Stop:        t.config.Stop,
	})
	if err != nil {
		return pipeline.Draft{}, fmt.Errorf("think step %s: %w", step.ID, err)
	}
	if strings.Contains(resp.Text, t.config.ReplanMarker) {
		return pipeline.Draft{Tokens: resp.Tokens}, fmt.Errorf("think step %s: %w", step.ID, ErrStepDecomposition)
	}

	draft := parseReply(resp.Text)
	if draft.Text == "" {
		return pipeline.Draft{Tokens: resp.Tokens}, fmt.Errorf("think step %s: %w", step.ID,
			llm.NewModelError(llm.KindInvalidResponse, errors.New("reply has no answer text")))
	}
	draft.StepID = step.ID
	draft.Evidence = bundle.Clone().Items
	draft.EvidenceRefs = Citations(draft.Text)
	draft.LowConfidence = bundle.Empty()
	draft.Tokens = resp.Tokens

	t.logger.Debug("Drafted step",
		"step", step.ID,
		"evidence", len(bundle.Items),
		"citations", len(draft.EvidenceRefs),
		"claims", len(draft.Claims),
		"guidance", len(priorFailures))
	return draft, nil
}

// Prompt renders the prompt template for one call.
func (t *Thinker) Prompt(step pipeline.Step, bundle pipeline.EvidenceBundle, priorFailures []pipeline.FailedCheck, memctx string) string {
	var evidence strings.Builder
	if bundle.Empty() {
		evidence.WriteString("(no evidence retrieved; say what you are unsure about)")
	}
	for i, e := range bundle.Items {
		if i > 0 {
			evidence.WriteByte('\n')
		}
		fmt.Fprintf(&evidence, "[%s] %s", e.SourceID, e.Text)
	}

	if strings.TrimSpace(memctx) == "" {
		memctx = "(none)"
	}

	return strings.NewReplacer(
		"{{intent}}", step.Intent,
		"{{evidence}}", evidence.String(),
		"{{memory}}", memctx,
		"{{guidance}}", Guidance(priorFailures),
	).Replace(t.config.Prompt)
}

// Guidance renders failed checks as corrective instructions, one per line.
func Guidance(failures []pipeline.FailedCheck) string {
	if len(failures) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Your previous draft failed verification. Correct every item:\n")
	for _, f := range failures {
		b.WriteString("Fix: ")
		b.WriteString(f.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// parseReply reads a JSON reply {"answer", "reasoning", "claims"} and falls
// back to treating the reply as plain text.
func parseReply(reply string) pipeline.Draft {
	var draft pipeline.Draft

	doc := strings.TrimSpace(reply)
	if i, j := strings.IndexByte(doc, '{'), strings.LastIndexByte(doc, '}'); i >= 0 && j > i {
		doc = doc[i : j+1]
	}
	if gjson.Valid(doc) && gjson.Get(doc, "answer").Exists() {
		draft.Text, draft.Reasoning = SplitReasoning(gjson.Get(doc, "answer").String())
		if r := gjson.Get(doc, "reasoning").String(); r != "" {
			draft.Reasoning = strings.TrimSpace(strings.Join([]string{r, draft.Reasoning}, "\n"))
		}
		gjson.Get(doc, "claims").ForEach(func(_, c gjson.Result) bool {
			if !c.Get("value").Exists() {
				return true
			}
			draft.Claims = append(draft.Claims, pipeline.NumericClaim{
				Text:     c.Get("text").String(),
				Value:    c.Get("value").Float(),
				Unit:     c.Get("unit").String(),
				SourceID: c.Get("source_id").String(),
			})
			return true
		})
	} else {
		draft.Text, draft.Reasoning = SplitReasoning(reply)
	}

	if len(draft.Claims) == 0 {
		draft.Claims = ExtractClaims(draft.Text)
	}
	return draft
}
