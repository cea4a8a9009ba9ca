package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rand/finagent/internal/budget"
	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/llm"
)

var vocabulary = []string{
	"what", "is", "an", "index", "fund", "savings", "account", "how",
	"does", "work", "rate", "fee", "crypto", "guaranteed", "10%", "$500",
	"compare", "explain", "bonds", "stocks",
}

func TestRun_PathProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		words := rapid.SliceOfN(rapid.SampledFrom(vocabulary), 1, 10).Draw(rt, "words")
		query := strings.Join(words, " ") + "?"
		h := newHarness(t, always("Savings pay 4% a year [rates]."))

		resp, err := h.run(t, "alice", query)
		require.NoError(rt, err)

		switch resp.State.Path {
		case pipeline.PathFast:
			assert.Zero(rt, h.verifier.calls, "fast path never verifies")
			assert.Zero(rt, h.planner.plans, "fast path never plans")
			assert.NotEqual(rt, pipeline.ModeVerified, resp.Answer.Mode)
		case pipeline.PathVerified:
			assert.Equal(rt, pipeline.RiskHigh, resp.Risk)
			assert.GreaterOrEqual(rt, h.verifier.calls, 1)
		}
		if resp.Risk == pipeline.RiskHigh {
			assert.Equal(rt, pipeline.PathVerified, resp.State.Path)
		}
		if resp.Answer.Mode == pipeline.ModeVerified {
			require.NotEmpty(rt, resp.Trace.Verdicts)
			assert.True(rt, resp.Trace.Verdicts[len(resp.Trace.Verdicts)-1].Pass)
		}
	})
}

func TestRun_RetryProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxAttempts := rapid.IntRange(1, 5).Draw(rt, "max_attempts")
		outcomes := rapid.SliceOfN(rapid.SampledFrom([]string{"pass", "fail", "error"}), 8, 8).Draw(rt, "outcomes")

		h := newHarness(t, func(n int, _ call) (string, error) {
			switch outcomes[(n-1)%len(outcomes)] {
			case "pass":
				return "Savings pay 4% a year [rates].", nil
			case "fail":
				return "Savings pay 7% a year [rates].", nil
			default:
				return "", llm.NewModelError(llm.KindRateLimited, errors.New("slow down"))
			}
		}, func(h *harness) {
			h.config.MaxAttempts = maxAttempts
		})

		resp, err := h.run(t, "alice", "What is the interest rate on savings?")
		assert.LessOrEqual(rt, h.gen.count(), maxAttempts, "one draft per attempt for a single step")

		if err != nil {
			assert.True(rt, llm.IsModelError(err))
			assert.Zero(rt, h.verifier.calls)
			assert.Zero(rt, h.cached(t, ""))
			return
		}

		assert.LessOrEqual(rt, resp.State.Attempt, maxAttempts)
		switch resp.Answer.Mode {
		case pipeline.ModeVerified:
			assert.Equal(rt, 1, h.cached(t, "answer/"), "verified answers are stored")
			assert.NoError(rt, resp.Err)
		case pipeline.ModeUnverified:
			assert.Equal(rt, maxAttempts, resp.State.Attempt)
			assert.ErrorIs(rt, resp.Err, pipeline.ErrVerificationExhausted)
			assert.Zero(rt, h.cached(t, ""), "nothing is stored without a pass")
		default:
			rt.Fatalf("unexpected mode %s", resp.Answer.Mode)
		}
	})
}

func TestRun_TokenCeilingProperty(t *testing.T) {
	intents := []string{
		"what is the interest rate on savings",
		"what fee does a savings account charge",
		"what is an index fund",
		"how do bonds pay interest",
	}

	rapid.Check(t, func(rt *rapid.T) {
		perRun := rapid.IntRange(1, 80).Draw(rt, "per_run")
		perBundle := rapid.IntRange(1, 80).Draw(rt, "per_bundle")
		steps := rapid.IntRange(1, len(intents)).Draw(rt, "steps")

		h := newHarness(t, always("Savings pay 4% a year [rates]."), func(h *harness) {
			h.config.Budget = budget.Limits{
				PerRunTokens:     perRun,
				PerBundleTokens:  perBundle,
				PerExcerptTokens: perBundle,
			}
		})

		_, err := h.run(t, "alice", strings.Join(intents[:steps], "; ")+"?")
		require.NoError(rt, err)
		assert.LessOrEqual(rt, h.assembler.tokens, perRun,
			fmt.Sprintf("bundles used %d tokens over a %d ceiling", h.assembler.tokens, perRun))
	})
}
