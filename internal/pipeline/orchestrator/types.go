package orchestrator

import (
	"context"

	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/assemble"
	"github.com/rand/finagent/internal/pipeline/observability"
)

// State names used in run traces.
const (
	StateClassify       = "CLASSIFY"
	StateFast           = "FAST"
	StateFull           = "FULL"
	StateVerified       = "VERIFIED"
	StateRetrieveReason = "RETRIEVE_REASON"
	StateVerify         = "VERIFY"
	StateRetry          = "RETRY"
	StateReplan         = "REPLAN"
	StateExplain        = "EXPLAIN"
	StateAbort          = "ABORT"
)

// Planner decomposes a query into steps.
type Planner interface {
	Plan(ctx context.Context, q pipeline.Query) (pipeline.Plan, error)
	Replan(ctx context.Context, q pipeline.Query, previous pipeline.Plan, failures []pipeline.FailedCheck) (pipeline.Plan, error)
}

// Assembler builds the evidence bundle for a step.
type Assembler interface {
	Assemble(ctx context.Context, step pipeline.Step, userID string, budgetTokens int) assemble.Result
}

// Thinker drafts an answer for a step.
type Thinker interface {
	Think(ctx context.Context, step pipeline.Step, bundle pipeline.EvidenceBundle, priorFailures []pipeline.FailedCheck, memctx string) (pipeline.Draft, error)
}

// Verifier checks a draft.
type Verifier interface {
	Verify(draft pipeline.Draft) pipeline.Verdict
}

// RunState is the mutable state of one run. It is owned by the run and
// never shared.
type RunState struct {
	RunID   string                `json:"run_id"`
	Path    pipeline.Path         `json:"path"`
	Attempt int                   `json:"attempt"`
	Replans int                   `json:"replans"`
	Tokens  int                   `json:"tokens"`
	Result  observability.Outcome `json:"result"`
}

// Response is the result of a run that produced an answer.
type Response struct {
	Answer pipeline.FinalAnswer   `json:"answer"`
	State  RunState               `json:"state"`
	Trace  observability.RunTrace `json:"trace"`
	Risk   pipeline.RiskClass     `json:"risk"`

	// Err explains a non-verified answer: pipeline.ErrComplianceViolation
	// for a refusal, pipeline.ErrVerificationExhausted for an answer
	// explained from unverified drafts.
	Err error `json:"-"`
}

// Verified reports whether the answer passed verification or came from
// the verified answer cache.
func (r *Response) Verified() bool {
	return r.Answer.Mode == pipeline.ModeVerified
}
