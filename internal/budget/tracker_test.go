package budget

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewTracker(t *testing.T) {
	tracker := NewTracker(DefaultLimits())

	assert.NotNil(t, tracker)
	state := tracker.State()
	assert.False(t, state.RunStart.IsZero())
	assert.Equal(t, 0, state.EvidenceTokens)
	assert.Equal(t, DefaultLimits().PerRunTokens, tracker.Remaining())
}

func TestTrackerChargeBundle(t *testing.T) {
	tracker := NewTracker(Limits{PerRunTokens: 1000, PerBundleTokens: 600, PerExcerptTokens: 100})

	require.NoError(t, tracker.ChargeBundle(400))
	assert.Equal(t, 600, tracker.Remaining())
	assert.Equal(t, 600, tracker.BundleBudget())

	require.NoError(t, tracker.ChargeBundle(500))
	assert.Equal(t, 100, tracker.Remaining())
	assert.Equal(t, 100, tracker.BundleBudget(), "bundle budget shrinks to what is left of the run")

	state := tracker.State()
	assert.Equal(t, 900, state.EvidenceTokens)
	assert.Equal(t, 2, state.Bundles)
}

func TestTrackerLimitExceeded(t *testing.T) {
	tracker := NewTracker(Limits{PerRunTokens: 1000, PerBundleTokens: 1000, PerExcerptTokens: 100})

	require.NoError(t, tracker.ChargeBundle(900))

	err := tracker.ChargeBundle(200)
	require.Error(t, err)

	var violation Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "evidence_tokens", violation.Metric)
	assert.True(t, violation.Hard)

	// Rejected charges are not recorded.
	assert.Equal(t, 900, tracker.State().EvidenceTokens)
}

func TestTrackerExactCeilingAllowed(t *testing.T) {
	tracker := NewTracker(Limits{PerRunTokens: 500, PerBundleTokens: 500, PerExcerptTokens: 100})
	require.NoError(t, tracker.ChargeBundle(500))
	assert.Equal(t, 0, tracker.Remaining())
	assert.Equal(t, 0, tracker.BundleBudget())
}

func TestTrackerWarningThreshold(t *testing.T) {
	tracker := NewTracker(Limits{PerRunTokens: 1000, PerBundleTokens: 1000, PerExcerptTokens: 100, TokenWarningThreshold: 0.80})

	var warnings []Violation
	tracker.SetLimitCallback(func(v Violation) {
		warnings = append(warnings, v)
	})

	require.NoError(t, tracker.ChargeBundle(850)) // warnings don't return errors

	require.Len(t, warnings, 1)
	assert.True(t, warnings[0].Warning)
	assert.InDelta(t, 85.0, tracker.Usage().EvidenceTokensPercent, 0.001)
}

func TestTrackerGenerationTokens(t *testing.T) {
	tracker := NewTracker(Limits{PerRunTokens: 10, PerBundleTokens: 10, PerExcerptTokens: 5})
	tracker.AddGenerationTokens(5000)
	tracker.AddGenerationTokens(-3)

	state := tracker.State()
	assert.Equal(t, 5000, state.GenerationTokens)
	assert.Equal(t, 5000, state.Total())
	assert.Equal(t, 10, tracker.Remaining(), "generation tokens do not consume the evidence ceiling")
}

func TestTrackerConcurrentCharges(t *testing.T) {
	tracker := NewTracker(Limits{PerRunTokens: 1000, PerBundleTokens: 1000, PerExcerptTokens: 10})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tracker.ChargeBundle(30)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, tracker.State().EvidenceTokens, 1000)
	assert.Equal(t, 990, tracker.State().EvidenceTokens)
}

func TestLimitsValidate(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())

	bad := DefaultLimits()
	bad.PerExcerptTokens = bad.PerBundleTokens + 1
	assert.Error(t, bad.Validate())

	bad = DefaultLimits()
	bad.PerRunTokens = 0
	assert.Error(t, bad.Validate())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 0, EstimateTokens("   \n\t"))
	assert.Equal(t, 2, EstimateTokens("one"))
	assert.Equal(t, 13, EstimateTokens(strings.Repeat("word ", 10)))
}

func TestTruncateToTokens(t *testing.T) {
	text := strings.Repeat("alpha ", 100)
	out := TruncateToTokens(text, 20)
	assert.LessOrEqual(t, EstimateTokens(out), 20)
	assert.True(t, strings.HasPrefix(text, out))

	assert.Equal(t, "short text", TruncateToTokens("short text", 20))
	assert.Equal(t, "", TruncateToTokens("anything", 0))
}

// Property: the tracker never records more evidence than the ceiling, no
// matter the sequence of charges.
func TestTrackerCeilingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ceiling := rapid.IntRange(1, 5000).Draw(t, "ceiling")
		tracker := NewTracker(Limits{PerRunTokens: ceiling, PerBundleTokens: ceiling, PerExcerptTokens: 1})

		charges := rapid.SliceOf(rapid.IntRange(0, 2000)).Draw(t, "charges")
		accepted := 0
		for _, c := range charges {
			if err := tracker.ChargeBundle(c); err == nil {
				accepted += c
			}
			if tracker.State().EvidenceTokens > ceiling {
				t.Fatalf("evidence %d exceeds ceiling %d", tracker.State().EvidenceTokens, ceiling)
			}
		}
		if accepted != tracker.State().EvidenceTokens {
			t.Fatalf("accepted %d but recorded %d", accepted, tracker.State().EvidenceTokens)
		}
	})
}

// Property: truncated text always fits and is a prefix of the input words.
func TestTruncateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		words := rapid.SliceOf(rapid.StringMatching(`[a-z]{1,8}`)).Draw(t, "words")
		max := rapid.IntRange(0, 200).Draw(t, "max")
		text := strings.Join(words, " ")

		out := TruncateToTokens(text, max)
		if EstimateTokens(out) > max {
			t.Fatalf("estimate %d > %d", EstimateTokens(out), max)
		}
		if !strings.HasPrefix(text, out) {
			t.Fatalf("%q is not a prefix of %q", out, text)
		}
	})
}
