// Package observability records one trace per orchestration run and keeps
// process-wide pipeline metrics.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rand/finagent/internal/store"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeVerified  Outcome = "verified"
	OutcomeFast      Outcome = "fast"
	OutcomeCached    Outcome = "cached"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeRefused   Outcome = "refused"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Transition is one state machine step.
type Transition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// VerdictRecord is the verdict for one draft.
type VerdictRecord struct {
	StepID  string   `json:"step_id"`
	Attempt int      `json:"attempt"`
	Pass    bool     `json:"pass"`
	Failed  []string `json:"failed,omitempty"`
}

// RunTrace summarizes one run.
type RunTrace struct {
	RunID       string          `json:"run_id"`
	UserID      string          `json:"user_id"`
	Turn        int             `json:"turn"`
	Path        string          `json:"path"`
	Risk        string          `json:"risk"`
	Complexity  float64         `json:"complexity"`
	Attempts    int             `json:"attempts"`
	Replanned   bool            `json:"replanned"`
	Steps       int             `json:"steps"`
	Verdicts    []VerdictRecord `json:"verdicts,omitempty"`
	CacheHits   int             `json:"cache_hits"`
	CacheMisses int             `json:"cache_misses"`
	TotalTokens int             `json:"total_tokens"`
	Transitions []Transition    `json:"transitions,omitempty"`
	Errors      []string        `json:"errors,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	Outcome     Outcome         `json:"outcome"`
	StartedAt   time.Time       `json:"started_at"`
	Duration    time.Duration   `json:"duration"`
}

// Builder accumulates a RunTrace. It is safe for concurrent use so that
// parallel steps can record into the same trace.
type Builder struct {
	mu    sync.Mutex
	trace RunTrace
	state string
}

// NewBuilder starts a trace.
func NewBuilder(runID, userID string) *Builder {
	return &Builder{
		trace: RunTrace{RunID: runID, UserID: userID, StartedAt: time.Now()},
		state: "START",
	}
}

// Enter records a state transition.
func (b *Builder) Enter(state string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Transitions = append(b.trace.Transitions, Transition{From: b.state, To: state, At: time.Now()})
	b.state = state
}

// Turn records the user's conversation turn index.
func (b *Builder) Turn(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Turn = n
}

// State returns the current state.
func (b *Builder) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Classified records the classification.
func (b *Builder) Classified(risk string, complexity float64, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Risk = risk
	b.trace.Complexity = complexity
	b.trace.Path = path
}

// Path overrides the recorded path.
func (b *Builder) Path(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Path = path
}

// Steps records the plan size.
func (b *Builder) Steps(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Steps = n
}

// Attempt records the attempt counter.
func (b *Builder) Attempt(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Attempts = n
}

// Replanned marks the run as re-planned.
func (b *Builder) Replanned() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Replanned = true
}

// Verdict records a verdict.
func (b *Builder) Verdict(v VerdictRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Verdicts = append(b.trace.Verdicts, v)
}

// Cache records a cache lookup result.
func (b *Builder) Cache(hit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hit {
		b.trace.CacheHits++
	} else {
		b.trace.CacheMisses++
	}
}

// Tokens adds to the token total.
func (b *Builder) Tokens(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.TotalTokens += n
}

// Error records an error.
func (b *Builder) Error(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Errors = append(b.trace.Errors, err.Error())
}

// Warn records a non-fatal condition such as a budget warning.
func (b *Builder) Warn(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Warnings = append(b.trace.Warnings, msg)
}

// Finish seals the trace with the outcome and returns it.
func (b *Builder) Finish(outcome Outcome) RunTrace {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Outcome = outcome
	b.trace.Duration = time.Since(b.trace.StartedAt)
	b.trace.Transitions = append(b.trace.Transitions, Transition{From: b.state, To: "DONE", At: time.Now()})
	b.state = "DONE"

	out := b.trace
	out.Verdicts = append([]VerdictRecord(nil), b.trace.Verdicts...)
	out.Transitions = append([]Transition(nil), b.trace.Transitions...)
	out.Errors = append([]string(nil), b.trace.Errors...)
	out.Warnings = append([]string(nil), b.trace.Warnings...)
	return out
}

// Sink receives finished traces.
type Sink interface {
	Emit(ctx context.Context, t RunTrace) error
}

// SlogSink logs each trace as one structured record.
type SlogSink struct {
	Logger *slog.Logger
}

// Emit implements Sink.
func (s SlogSink) Emit(ctx context.Context, t RunTrace) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "run complete",
		"run_id", t.RunID,
		"user_id", t.UserID,
		"path", t.Path,
		"risk", t.Risk,
		"attempts", t.Attempts,
		"replanned", t.Replanned,
		"cache_hits", t.CacheHits,
		"tokens", t.TotalTokens,
		"outcome", t.Outcome,
		"errors", len(t.Errors),
		"warnings", len(t.Warnings),
		"duration", t.Duration)
	return nil
}

// JSONLSink writes one JSON object per line.
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLSink creates a sink writing to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

// Emit implements Sink.
func (s *JSONLSink) Emit(_ context.Context, t RunTrace) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(data, '\n'))
	return err
}

// StoreSink persists traces under trace/<run-id>.
type StoreSink struct {
	KV store.KV
}

// TraceKey returns the store key for a run.
func TraceKey(runID string) string {
	return "trace/" + runID
}

// Emit implements Sink.
func (s StoreSink) Emit(ctx context.Context, t RunTrace) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	if _, err := s.KV.Set(ctx, TraceKey(t.RunID), data); err != nil {
		return fmt.Errorf("store trace: %w", err)
	}
	return nil
}

// Recorder keeps traces in memory.
type Recorder struct {
	mu     sync.Mutex
	traces []RunTrace
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, t RunTrace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = append(r.traces, t)
	return nil
}

// Traces returns a copy of the recorded traces.
func (r *Recorder) Traces() []RunTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunTrace(nil), r.traces...)
}

// Last returns the most recent trace.
func (r *Recorder) Last() (RunTrace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.traces) == 0 {
		return RunTrace{}, false
	}
	return r.traces[len(r.traces)-1], true
}

// MultiSink fans out to several sinks. Every sink is called; the first
// error is returned.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ctx context.Context, t RunTrace) error {
	var first error
	for _, s := range m {
		if err := s.Emit(ctx, t); err != nil && first == nil {
			first = err
		}
	}
	return first
}
