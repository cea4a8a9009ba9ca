package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/observability"
	"github.com/rand/finagent/internal/pipeline/orchestrator"
)

func TestPrintResponse(t *testing.T) {
	tests := []struct {
		name     string
		answer   pipeline.FinalAnswer
		contains []string
		excludes []string
	}{
		{
			name: "verified with sources",
			answer: pipeline.FinalAnswer{
				Text:      "Savings accounts pay 4%.",
				Citations: []string{"rates", "fees"},
				Mode:      pipeline.ModeVerified,
			},
			contains: []string{"Savings accounts pay 4%.", "Sources: rates, fees"},
			excludes: []string{"Note:", "[verified]"},
		},
		{
			name: "fast with disclaimer",
			answer: pipeline.FinalAnswer{
				Text:   "An ETF is a fund.",
				Mode:   pipeline.ModeFast,
				Notice: "This answer was produced without full analysis.",
			},
			contains: []string{"Note: This answer was produced without full analysis."},
			excludes: []string{"Sources:", "[fast]"},
		},
		{
			name: "refused shows mode",
			answer: pipeline.FinalAnswer{
				Text: "I can't help with that request.",
				Mode: pipeline.ModeRefused,
			},
			contains: []string{"[refused]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printResponse(&buf, &orchestrator.Response{Answer: tt.answer})
			for _, s := range tt.contains {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}
}

func TestPrintTrace(t *testing.T) {
	resp := &orchestrator.Response{
		Trace: observability.RunTrace{
			RunID:      "run-1",
			Path:       "verified",
			Risk:       "high",
			Complexity: 0.5,
			Attempts:   2,
			Transitions: []observability.Transition{
				{From: "", To: "classify"},
				{From: "classify", To: "verified"},
				{From: "verified", To: "verify"},
			},
			Verdicts: []observability.VerdictRecord{
				{StepID: "s1", Attempt: 1, Pass: false, Failed: []string{"numeric mismatch"}},
				{StepID: "s1", Attempt: 2, Pass: true},
			},
			Errors:      []string{"retrieval timeout"},
			Warnings:    []string{"Evidence tokens at 85% of ceiling"},
			CacheMisses: 1,
			TotalTokens: 420,
			Outcome:     observability.OutcomeVerified,
			Duration:    1234567 * time.Microsecond,
		},
	}

	var buf bytes.Buffer
	printTrace(&buf, resp)
	out := buf.String()

	assert.Contains(t, out, "--- Trace run-1 ---")
	assert.Contains(t, out, "Risk: high  Complexity: 0.50  Path: verified")
	assert.Contains(t, out, "States: classify -> verified -> verify")
	assert.Contains(t, out, "step s1 attempt 1: fail: numeric mismatch")
	assert.Contains(t, out, "step s1 attempt 2: pass")
	assert.Contains(t, out, "error: retrieval timeout")
	assert.Contains(t, out, "warning: Evidence tokens at 85% of ceiling")
	assert.Contains(t, out, "Cache: 0 hit / 1 miss  Tokens: 420  Outcome: verified  Duration: 1.235s")
}
