package synthesize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rand/finagent/internal/pipeline"
)

var cfg = Config{
	FastDisclaimer:   "fast disclaimer",
	UnverifiedNotice: "unverified notice",
	RefusalText:      "refused",
}

func profile(depth pipeline.Depth, style pipeline.Style) pipeline.Profile {
	p := pipeline.DefaultProfile()
	p.ExplanationDepth = depth
	p.Style = style
	return p
}

var draft = pipeline.Draft{
	StepID:    "s1",
	Text:      "<thinking>the user is new</thinking>Index funds track an index [idx]. Fees are low at 0.05% [fees]. It's a popular choice [idx]. Want more?",
	Reasoning: "internal notes",
	Evidence:  []pipeline.Evidence{{SourceID: "idx"}, {SourceID: "fees"}},
	Claims:    []pipeline.NumericClaim{{Text: "Fees are low at 0.05%", Value: 0.05, Unit: "%", SourceID: "fees"}},
}

func TestExplain_StripsReasoning(t *testing.T) {
	got := New(cfg).Explain(draft, profile(pipeline.DepthDetailed, pipeline.StyleFormal), pipeline.ModeVerified)

	assert.NotContains(t, got.Text, "the user is new")
	assert.NotContains(t, got.Text, "internal notes")
	assert.Equal(t, "Index funds track an index [idx]. Fees are low at 0.05% [fees]. It is a popular choice [idx]. Want more?", got.Text)
	assert.Equal(t, []string{"idx", "fees"}, got.Citations)
	assert.Equal(t, pipeline.ModeVerified, got.Mode)
	assert.Empty(t, got.Notice)
}

func TestExplain_CitesOnlyDraftEvidence(t *testing.T) {
	d := pipeline.Draft{
		Text:     "Index funds track an index [idx]. Rates rose [rumor]. Fees are low [fees].",
		Evidence: []pipeline.Evidence{{SourceID: "fees"}, {SourceID: "idx"}, {SourceID: "unused"}},
	}
	got := New(cfg).Explain(d, pipeline.DefaultProfile(), pipeline.ModeVerified)
	assert.Equal(t, []string{"idx", "fees"}, got.Citations)

	d.Evidence = nil
	got = New(cfg).Explain(d, pipeline.DefaultProfile(), pipeline.ModeFast)
	assert.Empty(t, got.Citations, "nothing is cited without evidence")
}

func TestExplain_Depth(t *testing.T) {
	e := New(cfg)

	simple := e.Explain(draft, profile(pipeline.DepthSimple, pipeline.StyleCasual), pipeline.ModeVerified)
	assert.Equal(t, "Sure! Index funds track an index [idx]. Fees are low at 0.05% [fees].", simple.Text)

	technical := e.Explain(draft, profile(pipeline.DepthTechnical, pipeline.StyleCasual), pipeline.ModeVerified)
	assert.Contains(t, technical.Text, "\n\nKey figures:\n- 0.05% [fees]")
}

func TestExplain_Concise(t *testing.T) {
	got := New(cfg).Explain(draft, profile(pipeline.DepthDetailed, pipeline.StyleConcise), pipeline.ModeVerified)
	assert.Equal(t, "Index funds track an index [idx]. Fees are low at 0.05% [fees]. It's a popular choice [idx].", got.Text)
}

func TestExplain_Modes(t *testing.T) {
	e := New(cfg)
	p := pipeline.DefaultProfile()

	assert.Equal(t, "fast disclaimer", e.Explain(draft, p, pipeline.ModeFast).Notice)
	assert.Equal(t, "fast disclaimer", e.Explain(draft, p, pipeline.ModeDegraded).Notice)
	assert.Equal(t, "unverified notice", e.Explain(draft, p, pipeline.ModeUnverified).Notice)

	refused := e.Explain(draft, p, pipeline.ModeRefused)
	assert.Equal(t, pipeline.FinalAnswer{Text: "refused", Mode: pipeline.ModeRefused}, refused)
}

func TestCombine(t *testing.T) {
	a := pipeline.Draft{StepID: "s1", Text: "A is true [x].", Evidence: []pipeline.Evidence{{SourceID: "x"}}, Attempt: 1, Tokens: 10}
	b := pipeline.Draft{StepID: "s2", Text: "B is true [y] [x].", Evidence: []pipeline.Evidence{{SourceID: "y"}, {SourceID: "x"}}, Attempt: 2, Tokens: 5, LowConfidence: true}

	got := Combine([]pipeline.Draft{a, b})

	assert.Equal(t, "A is true [x].\n\nB is true [y] [x].", got.Text)
	assert.Equal(t, []string{"x", "y"}, got.EvidenceRefs)
	assert.Len(t, got.Evidence, 2)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, 15, got.Tokens)
	assert.True(t, got.LowConfidence)

	assert.Equal(t, a, Combine([]pipeline.Draft{a}))
}
