// Package budget enforces the per-run token ceiling for evidence bundles and
// keeps a tally of generation tokens for the run trace.
package budget

import (
	"fmt"
	"sync"
	"time"
)

// State tracks current resource usage.
type State struct {
	// EvidenceTokens is the sum of all evidence bundles charged to the run.
	EvidenceTokens int `json:"evidence_tokens"`

	// GenerationTokens counts prompt and completion tokens reported by the
	// generation backend. It is informational and not bounded here.
	GenerationTokens int `json:"generation_tokens"`

	// Bundles is the number of bundles charged.
	Bundles int `json:"bundles"`

	RunStart time.Time `json:"run_start"`
}

// Total returns all tokens consumed by the run.
func (s State) Total() int {
	return s.EvidenceTokens + s.GenerationTokens
}

// Tracker tracks token usage for one run. It is safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	state  State
	limits Limits

	// onLimitExceeded sees every violation, warnings included, while the
	// tracker lock is held. It must not call back into the tracker.
	onLimitExceeded func(violation Violation)
}

// NewTracker creates a new budget tracker with the given limits.
func NewTracker(limits Limits) *Tracker {
	return &Tracker{
		state: State{
			RunStart: time.Now(),
		},
		limits: limits,
	}
}

// SetLimitCallback sets a callback for when limits are exceeded or near.
func (t *Tracker) SetLimitCallback(cb func(Violation)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLimitExceeded = cb
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Remaining returns the evidence tokens still available to the run.
func (t *Tracker) Remaining() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remainingLocked()
}

// BundleBudget returns the budget for the next bundle: the per-bundle cap
// or whatever remains of the run ceiling, whichever is smaller.
func (t *Tracker) BundleBudget() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return min(t.limits.PerBundleTokens, t.remainingLocked())
}

func (t *Tracker) remainingLocked() int {
	r := t.limits.PerRunTokens - t.state.EvidenceTokens
	if r < 0 {
		return 0
	}
	return r
}

// ChargeBundle records an assembled bundle. A charge that would push the
// run over its ceiling is rejected with a hard Violation and not recorded.
func (t *Tracker) ChargeBundle(tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("negative token charge: %d", tokens)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.state
	next.EvidenceTokens += tokens
	next.Bundles++

	violations := t.limits.Check(next)
	t.notifyLocked(violations)
	for _, v := range violations {
		if v.Hard {
			return v
		}
	}

	t.state = next
	return nil
}

// AddGenerationTokens records tokens spent on generation calls.
func (t *Tracker) AddGenerationTokens(tokens int) {
	if tokens <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.GenerationTokens += tokens
}

func (t *Tracker) notifyLocked(violations []Violation) {
	if t.onLimitExceeded == nil {
		return
	}
	for _, v := range violations {
		t.onLimitExceeded(v)
	}
}

// Usage returns the evidence usage as a percentage of the run ceiling.
func (t *Tracker) Usage() Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u := Usage{}
	if t.limits.PerRunTokens > 0 {
		u.EvidenceTokensPercent = float64(t.state.EvidenceTokens) / float64(t.limits.PerRunTokens) * 100
	}
	return u
}

// Usage represents resource usage as percentages of limits.
type Usage struct {
	EvidenceTokensPercent float64 `json:"evidence_tokens_percent"`
}
