package verify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/think"
)

var rules = []Rule{
	{
		Name:       "guaranteed-returns",
		Terms:      []string{"guaranteed returns"},
		Patterns:   []string{`(?i)\bguarantee[sd]?\b.{0,40}\b(profit|return|gain)s?\b`},
		Qualifiers: []string{"fdic-insured"},
	},
	{
		Name:       "personalized-advice",
		Terms:      []string{"you should buy"},
		Qualifiers: []string{"not financial advice"},
	},
}

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := New(Config{NumericTolerance: 0.5, Rules: rules})
	require.NoError(t, err)
	return v
}

var evidence = []pipeline.Evidence{
	{SourceID: "idx", Text: "Index funds track a market index."},
	{SourceID: "fees", Text: "The average expense ratio is 0.05% and account minimums start at $1,000."},
}

func draft(text string) pipeline.Draft {
	return pipeline.Draft{
		StepID:   "s1",
		Text:     text,
		Evidence: evidence,
		Claims:   think.ExtractClaims(text),
		Attempt:  1,
	}
}

func kinds(v pipeline.Verdict) []pipeline.CheckKind {
	out := make([]pipeline.CheckKind, len(v.Failed))
	for i, f := range v.Failed {
		out[i] = f.Kind
	}
	return out
}

func TestVerify_Pass(t *testing.T) {
	v := newVerifier(t)
	verdict := v.Verify(draft("Index funds track an index [idx]. Fees average 0.05% [fees]. Would you like more detail?"))
	assert.True(t, verdict.Pass, verdict.Reason())
	assert.Empty(t, verdict.Failed)
}

func TestVerify_Factual(t *testing.T) {
	v := newVerifier(t)

	verdict := v.Verify(draft("Index funds track an index [idx]. They always beat active funds. Costs are low [blog]."))
	assert.False(t, verdict.Pass)
	assert.Equal(t, []pipeline.CheckKind{pipeline.CheckFactual, pipeline.CheckFactual}, kinds(verdict))
	assert.Contains(t, verdict.Failed[0].Detail, "They always beat active funds.")
	assert.Contains(t, verdict.Failed[1].Detail, "unknown source [blog]")

	noEvidence := draft("Index funds track an index [idx].")
	noEvidence.Evidence = nil
	verdict = v.Verify(noEvidence)
	require.Len(t, verdict.Failed, 1)
	assert.Equal(t, "factual: no citable evidence for step s1", verdict.Failed[0].String())
}

func TestVerify_Numeric(t *testing.T) {
	v := newVerifier(t)

	tests := []struct {
		name string
		text string
		pass bool
	}{
		{"arithmetic holds", "Stocks and bonds: 60% + 40% = 100% of the plan [idx].", true},
		{"arithmetic off", "Stocks and bonds: 60% + 30% = 100% of the plan [idx].", false},
		{"within tolerance", "Returns of 3.2 + 1.1 = 4.5 overall [idx].", true},
		{"subtraction", "Real return is 7% - 2% = 5% [idx].", true},
		{"allocation sums", "A balanced mix holds 60% stocks and 40% bonds [idx].", true},
		{"allocation off", "Allocate 50% to stocks, 30% to bonds and 30% to cash [idx].", false},
		{"claim matches source", "The expense ratio is 0.05% [fees].", true},
		{"claim contradicts source", "The expense ratio is 1.5% [fees].", false},
		{"currency contradicts source", "Minimums start at $3,000 [fees].", false},
		{"plain numbers unchecked", "There are 500 stocks in the index [fees].", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failed := v.Numeric(draft(tt.text))
			if tt.pass {
				assert.Empty(t, failed)
			} else {
				require.NotEmpty(t, failed)
				assert.Equal(t, pipeline.CheckNumeric, failed[0].Kind)
			}
		})
	}

	failed := v.Numeric(draft("The expense ratio is 1.5% [fees]."))
	assert.Equal(t, "1.5% contradicts [fees], which states 0.05%", failed[0].Detail)
}

func TestVerify_Compliance(t *testing.T) {
	v := newVerifier(t)

	assert.Len(t, v.Compliance("You should buy this fund. This fund has guaranteed returns."), 2)
	assert.Len(t, v.Compliance("We guarantee a 10% profit."), 1)
	assert.Empty(t, v.Compliance("You should buy this fund. This is not financial advice."))
	assert.Empty(t, v.Compliance("FDIC-insured accounts have guaranteed returns up to the limit."))

	got := v.Compliance("Honestly, you should buy now.")
	require.Len(t, got, 1)
	assert.Equal(t, `compliance: personalized-advice: "you should buy"`, got[0].String())
}

func TestVerify_Order(t *testing.T) {
	v := newVerifier(t)
	verdict := v.Verify(draft("You should buy it. The split is 60% + 30% = 100% [idx]."))
	assert.Equal(t, []pipeline.CheckKind{pipeline.CheckFactual, pipeline.CheckNumeric, pipeline.CheckCompliance}, kinds(verdict))
	assert.True(t, verdict.Has(pipeline.CheckCompliance))
}

func TestNew_BadPattern(t *testing.T) {
	_, err := New(Config{Rules: []Rule{{Name: "bad", Patterns: []string{"("}}}})
	assert.ErrorContains(t, err, "bad")
}

func TestVerify_PassIffNoFailures(t *testing.T) {
	v := newVerifier(t)
	sentences := []string{
		"Index funds track an index [idx].",
		"Fees average 0.05% [fees].",
		"They are popular.",
		"You should buy them.",
		"The split is 60% + 30% = 100% [idx].",
		"Is that right?",
	}
	rapid.Check(t, func(t *rapid.T) {
		picked := rapid.SliceOfN(rapid.SampledFrom(sentences), 1, 5).Draw(t, "sentences")
		verdict := v.Verify(draft(strings.Join(picked, " ")))
		if verdict.Pass != (len(verdict.Failed) == 0) {
			t.Fatalf("pass=%v with %d failures", verdict.Pass, len(verdict.Failed))
		}
	})
}
