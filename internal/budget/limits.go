package budget

import (
	"fmt"
)

// Limits defines the token ceilings for a single run.
type Limits struct {
	// PerRunTokens caps the evidence tokens a run may consume in total.
	PerRunTokens int `json:"per_run_tokens" yaml:"per_run_tokens"`

	// PerBundleTokens caps a single evidence bundle.
	PerBundleTokens int `json:"per_bundle_tokens" yaml:"per_bundle_tokens"`

	// PerExcerptTokens caps a single excerpt inside a bundle; longer
	// excerpts are summarized.
	PerExcerptTokens int `json:"per_excerpt_tokens" yaml:"per_excerpt_tokens"`

	// Warning threshold (0-1)
	TokenWarningThreshold float64 `json:"token_warning_threshold" yaml:"token_warning_threshold"`
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		PerRunTokens:          6000,
		PerBundleTokens:       2000,
		PerExcerptTokens:      400,
		TokenWarningThreshold: 0.80,
	}
}

// Violation represents a limit that has been exceeded or is near being exceeded.
type Violation struct {
	Metric  string  `json:"metric"`
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
	Percent float64 `json:"percent"`
	Hard    bool    `json:"hard"`    // true if this is a hard limit (blocks operation)
	Warning bool    `json:"warning"` // true if this is a warning threshold
	Message string  `json:"message"`
}

func (v Violation) Error() string {
	return v.Message
}

// Check evaluates the current state against limits and returns any violations.
func (l Limits) Check(state State) []Violation {
	var violations []Violation

	if l.PerRunTokens > 0 {
		percent := float64(state.EvidenceTokens) / float64(l.PerRunTokens)
		if percent > 1.0 {
			violations = append(violations, Violation{
				Metric:  "evidence_tokens",
				Current: float64(state.EvidenceTokens),
				Limit:   float64(l.PerRunTokens),
				Percent: percent * 100,
				Hard:    true,
				Message: fmt.Sprintf("Evidence token ceiling exceeded: %d/%d", state.EvidenceTokens, l.PerRunTokens),
			})
		} else if l.TokenWarningThreshold > 0 && percent >= l.TokenWarningThreshold {
			violations = append(violations, Violation{
				Metric:  "evidence_tokens",
				Current: float64(state.EvidenceTokens),
				Limit:   float64(l.PerRunTokens),
				Percent: percent * 100,
				Warning: true,
				Message: fmt.Sprintf("Evidence tokens at %.0f%% of ceiling", percent*100),
			})
		}
	}

	return violations
}

// Validate reports inconsistent limits.
func (l Limits) Validate() error {
	switch {
	case l.PerRunTokens <= 0:
		return fmt.Errorf("per_run_tokens must be positive")
	case l.PerBundleTokens <= 0:
		return fmt.Errorf("per_bundle_tokens must be positive")
	case l.PerExcerptTokens <= 0:
		return fmt.Errorf("per_excerpt_tokens must be positive")
	case l.PerExcerptTokens > l.PerBundleTokens:
		return fmt.Errorf("per_excerpt_tokens (%d) exceeds per_bundle_tokens (%d)", l.PerExcerptTokens, l.PerBundleTokens)
	}
	return nil
}
