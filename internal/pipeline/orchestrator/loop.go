package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/assemble"
	"github.com/rand/finagent/internal/pipeline/cache"
	"github.com/rand/finagent/internal/pipeline/llm"
	"github.com/rand/finagent/internal/pipeline/observability"
	"github.com/rand/finagent/internal/pipeline/synthesize"
	"github.com/rand/finagent/internal/pipeline/think"
)

// thought is the Thinker's result for one step in one attempt.
type thought struct {
	step  pipeline.Step
	draft pipeline.Draft
	err   error
}

// candidate is the best unverified draft seen for a step.
type candidate struct {
	draft    pipeline.Draft
	failures int
}

// loop holds the retry loop's per-plan state. A re-plan starts a new one
// that keeps the old one as prior.
type loop struct {
	plan     pipeline.Plan
	bundles  map[string]assemble.Result
	passed   map[string]pipeline.Draft
	best     map[string]candidate
	failures map[string][]pipeline.FailedCheck

	// prior is the loop of the superseded plan. Its drafts are the
	// fallback when the new plan produced none.
	prior *loop
}

func newLoop(plan pipeline.Plan) *loop {
	return &loop{
		plan:     plan,
		bundles:  make(map[string]assemble.Result, len(plan.Steps)),
		passed:   make(map[string]pipeline.Draft, len(plan.Steps)),
		best:     make(map[string]candidate, len(plan.Steps)),
		failures: make(map[string][]pipeline.FailedCheck, len(plan.Steps)),
	}
}

// pending returns the steps without a passing draft, in plan order.
func (l *loop) pending() []pipeline.Step {
	var out []pipeline.Step
	for _, s := range l.plan.Steps {
		if _, ok := l.passed[s.ID]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// done reports whether every required step has passed.
func (l *loop) done() bool {
	for _, s := range l.plan.Steps {
		if _, ok := l.passed[s.ID]; s.Required && !ok {
			return false
		}
	}
	return true
}

// allFailures collects the latest failed checks of every step.
func (l *loop) allFailures() []pipeline.FailedCheck {
	var out []pipeline.FailedCheck
	for _, s := range l.plan.Steps {
		out = append(out, l.failures[s.ID]...)
	}
	return out
}

// record keeps d as the step's best candidate when it has fewer failures
// than the current one. Ties keep the earlier attempt.
func (l *loop) record(d pipeline.Draft, v pipeline.Verdict) {
	if v.Pass {
		l.passed[d.StepID] = d
		delete(l.failures, d.StepID)
		return
	}
	l.failures[d.StepID] = v.Failed
	if c, ok := l.best[d.StepID]; !ok || len(v.Failed) < c.failures {
		l.best[d.StepID] = candidate{draft: d, failures: len(v.Failed)}
	}
}

// verified combines the passing drafts in plan order. Failed steps that
// are not required are left out.
func (l *loop) verified() pipeline.Draft {
	var drafts []pipeline.Draft
	for _, s := range l.plan.Steps {
		if d, ok := l.passed[s.ID]; ok {
			drafts = append(drafts, d)
		}
	}
	return synthesize.Combine(drafts)
}

// fallback combines the passing drafts and the best candidate of every
// other step, in plan order. Without any, it falls back to the prior
// plan's drafts. It reports false when there is nothing to explain.
func (l *loop) fallback() (pipeline.Draft, bool) {
	var drafts []pipeline.Draft
	for _, s := range l.plan.Steps {
		if d, ok := l.passed[s.ID]; ok {
			drafts = append(drafts, d)
		} else if c, ok := l.best[s.ID]; ok {
			drafts = append(drafts, c.draft)
		}
	}
	if len(drafts) == 0 {
		if l.prior != nil {
			return l.prior.fallback()
		}
		return pipeline.Draft{}, false
	}
	return synthesize.Combine(drafts), true
}

// full runs the planner and the bounded reason/verify loop.
func (r *run) full(ctx context.Context) (pipeline.FinalAnswer, error) {
	if r.state.Path == pipeline.PathVerified {
		r.trace.Enter(StateVerified)
	} else {
		r.trace.Enter(StateFull)
	}

	plan, err := r.o.c.Planner.Plan(ctx, r.q)
	if err != nil {
		return pipeline.FinalAnswer{}, fmt.Errorf("plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return pipeline.FinalAnswer{}, fmt.Errorf("plan: %w", err)
	}
	r.trace.Steps(len(plan.Steps))

	l := newLoop(plan)
	var lastErr error
	for attempt := 1; attempt <= r.o.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			r.trace.Enter(StateRetry)
		}
		r.state.Attempt = attempt
		r.trace.Attempt(attempt)

		r.trace.Enter(StateRetrieveReason)
		pending := l.pending()
		for _, s := range pending {
			if _, ok := l.bundles[s.ID]; !ok {
				l.bundles[s.ID] = r.assemble(ctx, s)
			}
			if err := ctx.Err(); err != nil {
				return pipeline.FinalAnswer{}, err
			}
		}

		thoughts := r.thinkAll(ctx, pending, l, attempt)
		if err := ctx.Err(); err != nil {
			return pipeline.FinalAnswer{}, err
		}

		if r.needsReplan(thoughts, attempt) {
			next, err := r.o.c.Planner.Replan(ctx, r.q, l.plan, l.allFailures())
			if cerr := ctx.Err(); cerr != nil {
				return pipeline.FinalAnswer{}, cerr
			}
			if err != nil {
				r.trace.Error(fmt.Errorf("replan: %w", err))
				r.logger.Warn("Re-plan failed, keeping the current plan", "error", err)
			} else if err := next.Validate(); err != nil {
				r.trace.Error(fmt.Errorf("replan: %w", err))
			} else {
				r.trace.Steps(len(next.Steps))
				prior := l
				l = newLoop(next)
				l.prior = prior
				r.logger.Debug("Re-planned", "attempt", attempt, "steps", len(next.Steps))
				continue
			}
		}

		r.trace.Enter(StateVerify)
		lastErr = nil
		for _, t := range thoughts {
			if t.err != nil {
				r.trace.Error(t.err)
				lastErr = t.err
				continue
			}
			v := r.o.c.Verifier.Verify(t.draft)
			r.trace.Verdict(observability.VerdictRecord{
				StepID:  t.step.ID,
				Attempt: attempt,
				Pass:    v.Pass,
				Failed:  checkStrings(v.Failed),
			})
			if v.Has(pipeline.CheckCompliance) {
				r.logger.Info("Compliance violation, refusing", "step", t.step.ID, "reason", v.Reason())
				return r.refuse(), nil
			}
			l.record(t.draft, v)
		}

		if l.done() {
			return r.pass(ctx, l), nil
		}
		r.logger.Debug("Attempt failed verification",
			"attempt", attempt,
			"pending", len(l.pending()))
	}

	return r.exhausted(l, lastErr)
}

// needsReplan reports whether a thought asked for a re-plan that the run
// may still perform. A second request in the same run, or one made on the
// final attempt, is an ordinary failed attempt for that step.
func (r *run) needsReplan(thoughts []thought, attempt int) bool {
	if r.state.Replans > 0 || attempt >= r.o.config.MaxAttempts {
		return false
	}
	for _, t := range thoughts {
		if errors.Is(t.err, think.ErrStepDecomposition) {
			r.state.Replans++
			r.trace.Enter(StateReplan)
			r.trace.Replanned()
			r.trace.Error(t.err)
			return true
		}
	}
	return false
}

// thinkAll drafts every pending step. The bundles are already assembled.
func (r *run) thinkAll(ctx context.Context, steps []pipeline.Step, l *loop, attempt int) []thought {
	out := make([]thought, len(steps))
	one := func(i int) {
		s := steps[i]
		d, err := r.o.c.Thinker.Think(ctx, s, l.bundles[s.ID].Bundle, l.failures[s.ID], r.memctx)
		r.tracker.AddGenerationTokens(d.Tokens)
		d.Attempt = attempt
		out[i] = thought{step: s, draft: d, err: err}
	}

	if !r.o.config.ParallelSteps || len(steps) < 2 {
		for i := range steps {
			one(i)
			if ctx.Err() != nil {
				break
			}
		}
		return out
	}

	var g errgroup.Group
	g.SetLimit(r.o.config.MaxParallel)
	for i := range steps {
		g.Go(func() error {
			one(i)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// pass explains the verified drafts and stores them in the cache.
func (r *run) pass(ctx context.Context, l *loop) pipeline.FinalAnswer {
	r.trace.Enter(StateExplain)
	r.state.Result = observability.OutcomeVerified
	draft := l.verified()
	if ctx.Err() == nil {
		r.store(ctx, l, draft)
	}
	return r.o.c.Explainer.Explain(draft, r.profile, pipeline.ModeVerified)
}

// store writes the freshly retrieved bundles of passing steps and, for
// low and medium risk, the verified answer.
func (r *run) store(ctx context.Context, l *loop, draft pipeline.Draft) {
	c := r.o.c.Cache
	if c == nil {
		return
	}
	for _, s := range l.plan.Steps {
		if _, ok := l.passed[s.ID]; !ok {
			continue
		}
		res := l.bundles[s.ID]
		if res.Bundle.Provenance != pipeline.ProvenanceFreshRetrieval || res.Bundle.Empty() {
			continue
		}
		b := res.Bundle.Clone()
		err := c.Store(ctx, cache.Entry{
			Kind:        cache.KindBundle,
			Fingerprint: res.Fingerprint,
			Tag:         res.Tag,
			Bundle:      &b,
		})
		if err != nil {
			r.logger.Warn("Failed to cache bundle", "step", s.ID, "error", err)
		}
	}

	if !r.o.config.AnswerCache || r.risk == pipeline.RiskHigh {
		return
	}
	answer := draft
	answer.Reasoning = ""
	err := c.Store(ctx, cache.Entry{
		Kind:        cache.KindAnswer,
		Fingerprint: cache.Fingerprint(cache.KindAnswer, r.q.Text, r.q.UserID),
		Tag:         cache.Tag(draft.Text),
		Answer:      &answer,
	})
	if err != nil {
		r.logger.Warn("Failed to cache answer", "error", err)
	}
}

func (r *run) refuse() pipeline.FinalAnswer {
	r.trace.Enter(StateAbort)
	r.trace.Error(pipeline.ErrComplianceViolation)
	r.state.Result = observability.OutcomeRefused
	r.verr = pipeline.ErrComplianceViolation
	return r.o.c.Explainer.Explain(pipeline.Draft{}, r.profile, pipeline.ModeRefused)
}

// exhausted ends a run that ran out of attempts. The best draft per step
// is explained as unverified. With no draft at all the last generation
// error is returned, or a degraded answer when there is none.
func (r *run) exhausted(l *loop, lastErr error) (pipeline.FinalAnswer, error) {
	r.trace.Enter(StateAbort)
	r.trace.Error(pipeline.ErrVerificationExhausted)
	draft, ok := l.fallback()
	if !ok {
		if lastErr != nil {
			return pipeline.FinalAnswer{}, lastErr
		}
		r.state.Result = observability.OutcomeExhausted
		r.verr = pipeline.ErrVerificationExhausted
		r.logger.Warn("Verification exhausted with no draft, answering degraded", "attempts", r.state.Attempt)
		return r.o.c.Explainer.Explain(pipeline.Draft{}, r.profile, pipeline.ModeDegraded), nil
	}

	r.state.Result = observability.OutcomeExhausted
	if llm.IsModelError(lastErr) {
		r.state.Result = observability.OutcomeAborted
	}
	r.verr = pipeline.ErrVerificationExhausted
	r.logger.Info("Verification exhausted, explaining best draft",
		"attempts", r.state.Attempt,
		"steps", len(l.plan.Steps),
		"passed", len(l.passed))
	return r.o.c.Explainer.Explain(draft, r.profile, pipeline.ModeUnverified), nil
}

func checkStrings(failed []pipeline.FailedCheck) []string {
	if len(failed) == 0 {
		return nil
	}
	out := make([]string, len(failed))
	for i, f := range failed {
		out[i] = f.String()
	}
	return out
}
