// Package orchestrator runs the answering state machine: classify, route,
// plan, retrieve and reason, verify with bounded retries, and explain.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rand/finagent/internal/budget"
	"github.com/rand/finagent/internal/memory"
	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/assemble"
	"github.com/rand/finagent/internal/pipeline/cache"
	"github.com/rand/finagent/internal/pipeline/decompose"
	"github.com/rand/finagent/internal/pipeline/observability"
	"github.com/rand/finagent/internal/pipeline/routing"
	"github.com/rand/finagent/internal/pipeline/synthesize"
)

// Config configures the orchestrator.
type Config struct {
	// MaxAttempts bounds the reason/verify loop.
	MaxAttempts int

	// ParallelSteps drafts pending steps concurrently, at most MaxParallel
	// at a time. Bundles are still assembled sequentially first.
	ParallelSteps bool
	MaxParallel   int

	// AnswerCache serves and stores verified answers for low and medium
	// risk queries.
	AnswerCache bool

	// Budget bounds the evidence tokens of each run.
	Budget budget.Limits
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		MaxParallel: 4,
		AnswerCache: true,
		Budget:      budget.DefaultLimits(),
	}
}

// Components are the pipeline stages a run drives. Classifier, Planner,
// Assembler, Thinker, Verifier and Explainer are required.
type Components struct {
	Classifier *routing.Classifier
	Planner    Planner
	Assembler  Assembler
	Thinker    Thinker
	Verifier   Verifier
	Explainer  *synthesize.Explainer

	// Cache stores bundles and verified answers after a pass. Optional.
	Cache *cache.Cache

	// Memory supplies the user's profile and context and records each
	// completed turn. Optional.
	Memory *memory.Manager
}

// Orchestrator runs queries through the pipeline. It holds no per-run
// state, so one Orchestrator serves concurrent runs.
type Orchestrator struct {
	config Config
	c      Components
	sink   observability.Sink
	logger *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink sets where run traces are emitted.
func WithSink(s observability.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator.
func New(config Config, c Components, opts ...Option) (*Orchestrator, error) {
	switch {
	case c.Classifier == nil:
		return nil, errors.New("orchestrator: classifier is required")
	case c.Planner == nil:
		return nil, errors.New("orchestrator: planner is required")
	case c.Assembler == nil:
		return nil, errors.New("orchestrator: assembler is required")
	case c.Thinker == nil:
		return nil, errors.New("orchestrator: thinker is required")
	case c.Verifier == nil:
		return nil, errors.New("orchestrator: verifier is required")
	case c.Explainer == nil:
		return nil, errors.New("orchestrator: explainer is required")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = 4
	}
	if err := config.Budget.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		config: config,
		c:      c,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// run is the per-run working set.
type run struct {
	o       *Orchestrator
	q       pipeline.Query
	state   RunState
	trace   *observability.Builder
	tracker *budget.Tracker
	profile pipeline.Profile
	memctx  string
	risk    pipeline.RiskClass
	logger  *slog.Logger

	// verr is set when the answer is a refusal or unverified.
	verr error
}

// Run answers q. A run that produces an answer returns a Response with a
// nil error even when the answer is a refusal or is unverified;
// Response.Err says which. The error is non-nil only when no answer could
// be produced: the context was cancelled, or generation failed with no
// draft to fall back on.
//
// A cancelled run writes nothing to the cache or to memory.
func (o *Orchestrator) Run(ctx context.Context, q pipeline.Query) (*Response, error) {
	r := &run{
		o:       o,
		q:       q,
		state:   RunState{RunID: uuid.NewString()},
		tracker: budget.NewTracker(o.config.Budget),
		profile: pipeline.DefaultProfile(),
	}
	r.trace = observability.NewBuilder(r.state.RunID, q.UserID)
	r.trace.Turn(q.Turn)
	r.logger = o.logger.With("run_id", r.state.RunID, "user", q.UserID, "turn", q.Turn)
	r.tracker.SetLimitCallback(func(v budget.Violation) {
		if !v.Warning {
			return
		}
		r.trace.Warn(v.Message)
		r.logger.Warn("Evidence budget nearly spent",
			"percent", v.Percent,
			"tokens", v.Current,
			"ceiling", v.Limit)
	})

	answer, err := r.execute(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	r.state.Tokens = r.tracker.State().Total()
	r.trace.Tokens(r.state.Tokens)
	if err != nil {
		r.trace.Error(err)
		r.state.Result = observability.OutcomeFailed
		if ctx.Err() != nil {
			r.state.Result = observability.OutcomeCancelled
		}
	}
	t := r.trace.Finish(r.state.Result)
	r.emit(ctx, t)

	if err != nil {
		r.logger.Warn("Run failed", "path", r.state.Path, "outcome", r.state.Result, "error", err)
		return nil, fmt.Errorf("run %s: %w", r.state.RunID, err)
	}

	r.remember(ctx, answer)

	r.logger.Info("Run finished",
		"path", r.state.Path,
		"outcome", r.state.Result,
		"attempts", r.state.Attempt,
		"tokens", r.state.Tokens,
		"evidence_pct", r.tracker.Usage().EvidenceTokensPercent,
		"evidence_remaining", r.tracker.Remaining())
	return &Response{
		Answer: answer,
		State:  r.state,
		Trace:  t,
		Risk:   r.risk,
		Err:    r.verr,
	}, nil
}

func (r *run) execute(ctx context.Context) (pipeline.FinalAnswer, error) {
	r.trace.Enter(StateClassify)
	r.loadMemory(ctx)
	if err := ctx.Err(); err != nil {
		return pipeline.FinalAnswer{}, err
	}

	cl, err := r.o.c.Classifier.Classify(r.q, r.profile)
	var cerr *pipeline.ClassificationError
	if errors.As(err, &cerr) {
		r.trace.Error(err)
		r.trace.Classified("unknown", 0, string(pipeline.PathFast))
		r.state.Path = pipeline.PathFast
		r.logger.Warn("Classification failed, answering on the fast path", "reason", cerr.Reason)
		return r.fast(ctx, pipeline.ModeDegraded)
	}
	if err != nil {
		return pipeline.FinalAnswer{}, fmt.Errorf("classify: %w", err)
	}

	r.risk = cl.Risk
	r.state.Path = r.o.c.Classifier.Route(cl)
	r.trace.Classified(cl.Risk.String(), cl.Complexity, string(r.state.Path))
	r.logger.Debug("Classified query",
		"risk", cl.Risk,
		"complexity", cl.Complexity,
		"path", r.state.Path,
		"signals", cl.Signals)

	if answer, ok := r.cachedAnswer(ctx); ok {
		return answer, nil
	}
	if err := ctx.Err(); err != nil {
		return pipeline.FinalAnswer{}, err
	}

	if r.state.Path == pipeline.PathFast {
		return r.fast(ctx, pipeline.ModeFast)
	}
	return r.full(ctx)
}

// loadMemory reads the user's record and applies any profile change
// stated in the query to the run's copy of the profile.
func (r *run) loadMemory(ctx context.Context) {
	mem := r.o.c.Memory
	if mem == nil {
		return
	}
	rec, err := mem.Get(ctx, r.q.UserID)
	if err != nil {
		r.trace.Error(fmt.Errorf("load memory: %w", err))
		r.logger.Warn("Failed to load memory", "error", err)
		return
	}
	if rec.Profile.Validate() == nil {
		r.profile = rec.Profile
	}
	profile, changes := memory.ProfileDelta(r.q.Text, r.profile)
	if len(changes) > 0 {
		r.logger.Debug("Profile adjusted from query", "changes", changes)
	}
	r.profile = profile
	r.memctx = mem.Context(rec)
}

// cachedAnswer serves a verified answer stored by an earlier run. High
// risk queries always re-verify.
func (r *run) cachedAnswer(ctx context.Context) (pipeline.FinalAnswer, bool) {
	c := r.o.c.Cache
	if c == nil || !r.o.config.AnswerCache || r.risk == pipeline.RiskHigh {
		return pipeline.FinalAnswer{}, false
	}
	fp := cache.Fingerprint(cache.KindAnswer, r.q.Text, r.q.UserID)
	entry, ok, err := c.Lookup(ctx, cache.KindAnswer, fp)
	if err != nil {
		r.trace.Error(fmt.Errorf("answer cache lookup: %w", err))
		r.logger.Warn("Answer cache lookup failed", "error", err)
	}
	r.trace.Cache(ok && entry.Answer != nil)
	if !ok || entry.Answer == nil {
		return pipeline.FinalAnswer{}, false
	}

	r.trace.Enter(StateExplain)
	r.state.Result = observability.OutcomeCached
	return r.o.c.Explainer.Explain(*entry.Answer, r.profile, pipeline.ModeVerified), true
}

// fast answers with one unverified draft. The planner and the verifier
// are never called and nothing is cached.
func (r *run) fast(ctx context.Context, mode pipeline.Mode) (pipeline.FinalAnswer, error) {
	r.trace.Enter(StateFast)
	plan := decompose.Single(r.q.Text)
	step := plan.Steps[0]
	r.trace.Steps(1)

	r.trace.Enter(StateRetrieveReason)
	res := r.assemble(ctx, step)
	if err := ctx.Err(); err != nil {
		return pipeline.FinalAnswer{}, err
	}

	r.state.Attempt = 1
	r.trace.Attempt(1)
	draft, err := r.o.c.Thinker.Think(ctx, step, res.Bundle, nil, r.memctx)
	r.tracker.AddGenerationTokens(draft.Tokens)
	if err != nil {
		return pipeline.FinalAnswer{}, err
	}
	if err := ctx.Err(); err != nil {
		return pipeline.FinalAnswer{}, err
	}
	draft.Attempt = 1

	r.trace.Enter(StateExplain)
	r.state.Result = observability.OutcomeFast
	return r.o.c.Explainer.Explain(draft, r.profile, mode), nil
}

// assemble builds the bundle for step within what is left of the run's
// budget and charges the tracker with it.
func (r *run) assemble(ctx context.Context, step pipeline.Step) assemble.Result {
	res := r.o.c.Assembler.Assemble(ctx, step, r.q.UserID, r.tracker.BundleBudget())
	if res.Failure != nil {
		r.trace.Error(res.Failure)
	}
	if r.o.c.Cache != nil {
		r.trace.Cache(res.CacheHit())
	}
	if err := r.tracker.ChargeBundle(res.Bundle.Tokens); err != nil {
		r.trace.Error(err)
		r.logger.Warn("Bundle rejected by run budget", "step", step.ID, "tokens", res.Bundle.Tokens, "error", err)
		res.Bundle = pipeline.EvidenceBundle{Provenance: pipeline.ProvenanceRetrievalFailed}
	}
	return res
}

// remember records the completed turn. Failures are logged and do not
// affect the answer.
func (r *run) remember(ctx context.Context, answer pipeline.FinalAnswer) {
	mem := r.o.c.Memory
	if mem == nil || ctx.Err() != nil {
		return
	}
	err := mem.RecordTurn(ctx, r.q.UserID, memory.Turn{
		Query:   r.q.Text,
		Answer:  answer.Text,
		Profile: r.profile,
	})
	if err != nil {
		r.logger.Warn("Failed to record turn", "error", err)
	}
}

func (r *run) emit(ctx context.Context, t observability.RunTrace) {
	if r.o.sink == nil {
		return
	}
	if err := r.o.sink.Emit(context.WithoutCancel(ctx), t); err != nil {
		r.logger.Warn("Failed to emit run trace", "error", err)
	}
}
