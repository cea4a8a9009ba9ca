// Package decompose breaks a query into the ordered steps of a plan.
package decompose

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/llm"
)

// Mode selects how plans are produced.
type Mode string

const (
	// ModeHeuristic splits the query text without a model call.
	ModeHeuristic Mode = "heuristic"

	// ModeModel asks the generation collaborator for a decomposition and
	// falls back to the heuristic when the reply cannot be used.
	ModeModel Mode = "model"
)

const defaultMaxSteps = 4

// Config configures a Planner.
type Config struct {
	Mode     Mode
	MaxSteps int

	// PlanPrompt receives {{query}} and {{max_steps}}.
	PlanPrompt string

	// ReplanPrompt also receives {{failures}}.
	ReplanPrompt string

	MaxTokens int
}

// Planner produces plans.
type Planner struct {
	config    Config
	generator llm.Generator
	logger    *slog.Logger
}

// New creates a planner. generator may be nil in heuristic mode.
func New(config Config, generator llm.Generator) *Planner {
	if config.MaxSteps <= 0 {
		config.MaxSteps = defaultMaxSteps
	}
	if config.Mode == "" {
		config.Mode = ModeHeuristic
	}
	return &Planner{
		config:    config,
		generator: generator,
		logger:    slog.Default(),
	}
}

// SetLogger sets the logger.
func (p *Planner) SetLogger(l *slog.Logger) {
	p.logger = l
}

// Plan decomposes q into at most MaxSteps steps. It only fails when ctx is
// done; model problems fall back to the heuristic split.
func (p *Planner) Plan(ctx context.Context, q pipeline.Query) (pipeline.Plan, error) {
	if p.config.Mode == ModeModel && p.generator != nil {
		prompt := render(p.config.PlanPrompt, q.Text, p.config.MaxSteps, "")
		plan, err := p.fromModel(ctx, prompt)
		if err == nil {
			return plan, nil
		}
		if ctx.Err() != nil {
			return pipeline.Plan{}, ctx.Err()
		}
		p.logger.Warn("Model plan unusable, using heuristic split", "error", err)
	}
	return Heuristic(q.Text, p.config.MaxSteps), nil
}

// Replan produces a new plan after previous could not be answered. The
// heuristic re-plan collapses the query into a single step.
func (p *Planner) Replan(ctx context.Context, q pipeline.Query, previous pipeline.Plan, failures []pipeline.FailedCheck) (pipeline.Plan, error) {
	if p.config.Mode == ModeModel && p.generator != nil {
		details := make([]string, len(failures))
		for i, f := range failures {
			details[i] = f.String()
		}
		prompt := render(p.config.ReplanPrompt, q.Text, p.config.MaxSteps, strings.Join(details, "; "))
		plan, err := p.fromModel(ctx, prompt)
		if err == nil {
			return plan, nil
		}
		if ctx.Err() != nil {
			return pipeline.Plan{}, ctx.Err()
		}
		p.logger.Warn("Model re-plan unusable, collapsing to one step",
			"previous_steps", len(previous.Steps), "error", err)
	}
	return Single(q.Text), nil
}

func (p *Planner) fromModel(ctx context.Context, prompt string) (pipeline.Plan, error) {
	resp, err := p.generator.Generate(ctx, llm.Request{Prompt: prompt, MaxTokens: p.config.MaxTokens})
	if err != nil {
		return pipeline.Plan{}, err
	}
	intents, required, err := ParseSteps(resp.Text)
	if err != nil {
		return pipeline.Plan{}, err
	}
	plan := build(intents, p.config.MaxSteps)
	for i := range plan.Steps {
		if i < len(required) {
			plan.Steps[i].Required = required[i]
		}
	}
	ensureRequired(&plan)
	return plan, plan.Validate()
}

// ParseSteps reads {"steps": [...]} from a model reply. Elements are either
// strings or objects with "intent" and an optional "required" flag, which
// defaults to true.
func ParseSteps(reply string) (intents []string, required []bool, err error) {
	doc := extractJSON(reply)
	if doc == "" || !gjson.Valid(doc) {
		return nil, nil, fmt.Errorf("parse plan: reply is not JSON")
	}
	steps := gjson.Get(doc, "steps")
	if !steps.IsArray() {
		return nil, nil, fmt.Errorf("parse plan: missing steps array")
	}
	steps.ForEach(func(_, v gjson.Result) bool {
		var intent string
		req := true
		switch {
		case v.Type == gjson.String:
			intent = v.String()
		case v.IsObject():
			intent = v.Get("intent").String()
			if r := v.Get("required"); r.Exists() {
				req = r.Bool()
			}
		}
		if intent = strings.TrimSpace(intent); intent != "" {
			intents = append(intents, intent)
			required = append(required, req)
		}
		return true
	})
	if len(intents) == 0 {
		return nil, nil, fmt.Errorf("parse plan: no usable steps")
	}
	return intents, required, nil
}

// extractJSON returns the outermost {...} span of s.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

var (
	listItem  = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+)$`)
	separator = regexp.MustCompile(`(?i);|\s+and then\s+`)
)

// Heuristic splits text on numbered or bulleted lists, question marks,
// semicolons and "and then". Every step is required.
func Heuristic(text string, maxSteps int) pipeline.Plan {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return build(splitIntents(text), maxSteps)
}

// Single returns a one-step plan carrying the whole text.
func Single(text string) pipeline.Plan {
	return pipeline.Plan{Steps: []pipeline.Step{{ID: "s1", Intent: strings.TrimSpace(text), Required: true}}}
}

func splitIntents(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		if m := listItem.FindStringSubmatch(line); m != nil {
			items = append(items, strings.TrimSpace(m[1]))
		}
	}
	if len(items) >= 2 {
		return items
	}

	var parts []string
	for _, chunk := range separator.Split(text, -1) {
		for _, q := range splitQuestions(chunk) {
			if hasWord(q) {
				parts = append(parts, q)
			}
		}
	}
	if len(parts) == 0 {
		return []string{strings.TrimSpace(text)}
	}
	return parts
}

// splitQuestions cuts s after each question mark, keeping the mark.
func splitQuestions(s string) []string {
	var out []string
	for {
		i := strings.IndexByte(s, '?')
		if i < 0 {
			break
		}
		out = append(out, strings.TrimSpace(s[:i+1]))
		s = s[i+1:]
	}
	if t := strings.TrimSpace(s); t != "" {
		out = append(out, t)
	}
	return out
}

func hasWord(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}

// build assigns positional ids. Intents past maxSteps are folded into the
// last step.
func build(intents []string, maxSteps int) pipeline.Plan {
	if len(intents) > maxSteps {
		tail := strings.Join(intents[maxSteps-1:], " ")
		intents = append(intents[:maxSteps-1:maxSteps-1], tail)
	}
	plan := pipeline.Plan{Steps: make([]pipeline.Step, len(intents))}
	for i, intent := range intents {
		plan.Steps[i] = pipeline.Step{ID: "s" + strconv.Itoa(i+1), Intent: intent, Required: true}
	}
	return plan
}

func ensureRequired(plan *pipeline.Plan) {
	for _, s := range plan.Steps {
		if s.Required {
			return
		}
	}
	for i := range plan.Steps {
		plan.Steps[i].Required = true
	}
}

func render(tmpl, query string, maxSteps int, failures string) string {
	return strings.NewReplacer(
		"{{query}}", query,
		"{{max_steps}}", strconv.Itoa(maxSteps),
		"{{failures}}", failures,
	).Replace(tmpl)
}
