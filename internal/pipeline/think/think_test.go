package think

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/llm"
)

const testPrompt = "T={{intent}}\nE={{evidence}}\nM={{memory}}\n{{guidance}}"

func reply(text string) (llm.Generator, *[]string) {
	var prompts []string
	return llm.GeneratorFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
		prompts = append(prompts, req.Prompt)
		return llm.Response{Text: text, Tokens: 42}, nil
	}), &prompts
}

var (
	step   = pipeline.Step{ID: "s1", Intent: "What is an index fund?", Required: true}
	bundle = pipeline.EvidenceBundle{
		Items: []pipeline.Evidence{
			{SourceID: "idx", Text: "An index fund tracks a market index.", Score: 0.9},
			{SourceID: "fees", Text: "Expense ratios average 0.05%.", Score: 0.7},
		},
		Tokens:     12,
		Provenance: pipeline.ProvenanceFreshRetrieval,
	}
)

func TestThinker_Prompt(t *testing.T) {
	th := New(Config{Prompt: testPrompt}, nil)
	failures := []pipeline.FailedCheck{
		{Kind: pipeline.CheckFactual, Detail: "sentence 2 cites no source"},
		{Kind: pipeline.CheckNumeric, Detail: "60% + 30% = 100% does not hold"},
	}

	got := th.Prompt(step, bundle, failures, "User: hi")

	assert.Contains(t, got, "T=What is an index fund?")
	assert.Contains(t, got, "E=[idx] An index fund tracks a market index.\n[fees] Expense ratios average 0.05%.")
	assert.Contains(t, got, "M=User: hi")
	assert.Contains(t, got, "Fix: factual: sentence 2 cites no source\nFix: numeric: 60% + 30% = 100% does not hold\n")

	empty := th.Prompt(step, pipeline.EvidenceBundle{}, nil, "")
	assert.Contains(t, empty, "E=(no evidence retrieved")
	assert.Contains(t, empty, "M=(none)")
	assert.NotContains(t, empty, "Fix:")
}

func TestThinker_JSONReply(t *testing.T) {
	gen, _ := reply(`{"answer": "<thinking>recall basics</thinking>An index fund tracks an index [idx]. Fees are near 0.05% [fees].",
		"claims": [{"text": "Fees are near 0.05%", "value": 0.05, "unit": "%", "source_id": "fees"}]}`)
	th := New(Config{Prompt: testPrompt}, gen)

	d, err := th.Think(context.Background(), step, bundle, nil, "")
	require.NoError(t, err)

	assert.Equal(t, "s1", d.StepID)
	assert.Equal(t, "An index fund tracks an index [idx]. Fees are near 0.05% [fees].", d.Text)
	assert.Equal(t, "recall basics", d.Reasoning)
	assert.Equal(t, []string{"idx", "fees"}, d.EvidenceRefs)
	assert.Equal(t, bundle.Items, d.Evidence)
	assert.Equal(t, []pipeline.NumericClaim{{Text: "Fees are near 0.05%", Value: 0.05, Unit: "%", SourceID: "fees"}}, d.Claims)
	assert.False(t, d.LowConfidence)
	assert.Equal(t, 42, d.Tokens)
}

func TestThinker_PlainReply(t *testing.T) {
	gen, _ := reply("Reasoning: the user wants basics\nIndex funds cost about $3 per $10,000 [fees]. They track an index. [idx]")
	d, err := New(Config{Prompt: testPrompt}, gen).Think(context.Background(), step, bundle, nil, "")
	require.NoError(t, err)

	assert.Equal(t, "the user wants basics", d.Reasoning)
	assert.Equal(t, []string{"fees", "idx"}, d.EvidenceRefs)
	require.Len(t, d.Claims, 2)
	assert.Equal(t, 3.0, d.Claims[0].Value)
	assert.Equal(t, "$", d.Claims[0].Unit)
	assert.Equal(t, 10000.0, d.Claims[1].Value)
	assert.Equal(t, "fees", d.Claims[1].SourceID)
}

func TestThinker_EmptyBundleIsLowConfidence(t *testing.T) {
	gen, _ := reply("I could not find sources on this.")
	d, err := New(Config{Prompt: testPrompt}, gen).Think(context.Background(), step, pipeline.EvidenceBundle{Provenance: pipeline.ProvenanceRetrievalFailed}, nil, "")
	require.NoError(t, err)
	assert.True(t, d.LowConfidence)
	assert.Empty(t, d.Evidence)
}

func TestThinker_Errors(t *testing.T) {
	t.Run("replan marker", func(t *testing.T) {
		gen, _ := reply("[REPLAN] this step mixes two questions")
		_, err := New(Config{Prompt: testPrompt}, gen).Think(context.Background(), step, bundle, nil, "")
		assert.ErrorIs(t, err, ErrStepDecomposition)
	})

	t.Run("empty answer", func(t *testing.T) {
		gen, _ := reply(`{"answer": "<thinking>hmm</thinking>"}`)
		_, err := New(Config{Prompt: testPrompt}, gen).Think(context.Background(), step, bundle, nil, "")
		var me *llm.ModelError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, llm.KindInvalidResponse, me.Kind)
	})

	t.Run("model error", func(t *testing.T) {
		gen := llm.GeneratorFunc(func(context.Context, llm.Request) (llm.Response, error) {
			return llm.Response{}, llm.NewModelError(llm.KindTimeout, errors.New("slow"))
		})
		_, err := New(Config{Prompt: testPrompt}, gen).Think(context.Background(), step, bundle, nil, "")
		assert.True(t, llm.IsModelError(err))
	})
}

func TestSentences(t *testing.T) {
	got := Sentences("Index funds are cheap [a]. Why? Consider fees. Returns vary. [b]")
	require.Len(t, got, 4)

	assert.Equal(t, []string{"a"}, got[0].Citations)
	assert.True(t, got[0].Assertive)
	assert.False(t, got[1].Assertive, "question")
	assert.False(t, got[2].Assertive, "instruction")
	assert.Equal(t, "Returns vary. [b]", got[3].Text)
	assert.Equal(t, []string{"b"}, got[3].Citations)
	assert.True(t, got[3].Assertive)
}

func TestCitations(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Citations("x [a] y [b] z [a] [sic] [Note]"))
	assert.Equal(t, "x y [sic]", StripCitations("x [a] y [sic]"))
}

func TestFigures(t *testing.T) {
	got := Figures("A 401k allows $23,000, or 15% of pay, across 2 accounts in s2.")
	assert.Equal(t, []Figure{{23000, "$"}, {15, "%"}, {2, ""}}, got)
	assert.Equal(t, []Figure{{7.5, "%"}}, Figures("about 7.5 percent"))
}

func TestSplitReasoning(t *testing.T) {
	answer, reasoning := SplitReasoning("<thinking>step one</thinking>\nThought: compare\nBonds pay coupons.")
	assert.Equal(t, "Bonds pay coupons.", answer)
	assert.Equal(t, "step one\ncompare", reasoning)
}
