// Package pipeline defines the data model shared by the stages of the
// answering pipeline: classify, plan, retrieve and reason, verify, explain.
package pipeline

import (
	"fmt"
	"strings"
)

// Query is a single user question. It is immutable once created.
type Query struct {
	// UserID identifies the asking user.
	UserID string `json:"user_id"`

	// Text is the raw query text as typed by the user.
	Text string `json:"text"`

	// Turn is the conversation turn index for this user.
	Turn int `json:"turn"`
}

// RiskClass is the coarse sensitivity tier of a query.
type RiskClass int

const (
	RiskLow RiskClass = iota
	RiskMedium
	RiskHigh
)

func (r RiskClass) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MarshalText encodes the class by name.
func (r RiskClass) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a class name.
func (r *RiskClass) UnmarshalText(b []byte) error {
	v, err := ParseRiskClass(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseRiskClass parses a risk class name as produced by String.
func ParseRiskClass(s string) (RiskClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	default:
		return RiskLow, fmt.Errorf("unknown risk class %q", s)
	}
}

// Depth is how much explanation a user wants.
type Depth string

const (
	DepthSimple    Depth = "simple"
	DepthDetailed  Depth = "detailed"
	DepthTechnical Depth = "technical"
)

// Style is the tone of a final answer.
type Style string

const (
	StyleFormal  Style = "formal"
	StyleCasual  Style = "casual"
	StyleConcise Style = "concise"
)

// Profile holds a user's presentation and risk preferences.
type Profile struct {
	RiskTolerance    RiskClass `json:"risk_tolerance" yaml:"risk_tolerance"`
	ExplanationDepth Depth     `json:"explanation_depth" yaml:"explanation_depth"`
	Style            Style     `json:"style" yaml:"style"`
}

// DefaultProfile is the profile of a user who has not set one.
func DefaultProfile() Profile {
	return Profile{
		RiskTolerance:    RiskMedium,
		ExplanationDepth: DepthDetailed,
		Style:            StyleFormal,
	}
}

// Validate checks that every field holds a known value.
func (p Profile) Validate() error {
	if p.RiskTolerance < RiskLow || p.RiskTolerance > RiskHigh {
		return fmt.Errorf("unknown risk tolerance %d", p.RiskTolerance)
	}
	switch p.ExplanationDepth {
	case DepthSimple, DepthDetailed, DepthTechnical:
	default:
		return fmt.Errorf("unknown explanation depth %q", p.ExplanationDepth)
	}
	switch p.Style {
	case StyleFormal, StyleCasual, StyleConcise:
	default:
		return fmt.Errorf("unknown style %q", p.Style)
	}
	return nil
}

// Path is the route a run takes through the pipeline.
type Path string

const (
	// PathFast skips the planner and the verifier.
	PathFast Path = "fast"

	// PathFull runs the planner and the verify-retry loop.
	PathFull Path = "full"

	// PathVerified is the full path with verification mandatory.
	PathVerified Path = "verification-enforced"
)

// Step is one sub-intent of a Plan.
type Step struct {
	ID       string `json:"id"`
	Intent   string `json:"intent"`
	Required bool   `json:"required"`
}

// Plan is the ordered decomposition of a query into steps.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Validate checks that every step has a unique id and a non-empty intent.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("step %d has empty id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.Intent) == "" {
			return fmt.Errorf("step %q has empty intent", s.ID)
		}
	}
	return nil
}

// Provenance records where an evidence bundle came from.
type Provenance string

const (
	ProvenanceCacheHit        Provenance = "cache-hit"
	ProvenanceFreshRetrieval  Provenance = "fresh-retrieval"
	ProvenanceRetrievalFailed Provenance = "retrieval-failed"
)

// Evidence is one retrieved excerpt.
type Evidence struct {
	SourceID string  `json:"source_id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// EvidenceBundle is the token-bounded context assembled for a step.
// A bundle is treated as a value: once assembled it is never modified.
type EvidenceBundle struct {
	Items      []Evidence `json:"items"`
	Tokens     int        `json:"tokens"`
	Provenance Provenance `json:"provenance"`
}

// Empty reports whether the bundle carries no evidence.
func (b EvidenceBundle) Empty() bool {
	return len(b.Items) == 0
}

// Source returns the evidence item with the given source id.
func (b EvidenceBundle) Source(id string) (Evidence, bool) {
	for _, e := range b.Items {
		if e.SourceID == id {
			return e, true
		}
	}
	return Evidence{}, false
}

// Clone returns a deep copy of the bundle.
func (b EvidenceBundle) Clone() EvidenceBundle {
	out := b
	out.Items = append([]Evidence(nil), b.Items...)
	return out
}

// NumericClaim is a number asserted in a draft.
type NumericClaim struct {
	Text     string  `json:"text"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit,omitempty"`
	SourceID string  `json:"source_id,omitempty"`
}

// Draft is a candidate answer for one step. A retry produces a new Draft;
// drafts are never modified after the Thinker returns them.
type Draft struct {
	StepID string `json:"step_id"`
	Text   string `json:"text"`

	// Reasoning holds internal reasoning returned by the model. It is
	// never shown to the user.
	Reasoning string `json:"reasoning,omitempty"`

	// EvidenceRefs lists the source ids cited in Text, in first-use order.
	EvidenceRefs []string `json:"evidence_refs,omitempty"`

	// Evidence is the bundle content the draft was written against.
	Evidence []Evidence `json:"evidence,omitempty"`

	Claims        []NumericClaim `json:"claims,omitempty"`
	LowConfidence bool           `json:"low_confidence,omitempty"`
	Attempt       int            `json:"attempt"`

	// Tokens is the generation cost of producing the draft.
	Tokens int `json:"tokens,omitempty"`
}

// CheckKind names a verifier check family.
type CheckKind string

const (
	CheckFactual    CheckKind = "factual"
	CheckNumeric    CheckKind = "numeric"
	CheckCompliance CheckKind = "compliance"
)

// FailedCheck is one itemized verification failure.
type FailedCheck struct {
	Kind   CheckKind `json:"kind"`
	Detail string    `json:"detail"`
}

func (f FailedCheck) String() string {
	return string(f.Kind) + ": " + f.Detail
}

// Verdict is the verification outcome for a single draft.
type Verdict struct {
	Pass   bool          `json:"pass"`
	Failed []FailedCheck `json:"failed,omitempty"`
}

// Has reports whether the verdict contains a failure of the given kind.
func (v Verdict) Has(kind CheckKind) bool {
	for _, f := range v.Failed {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// Reason joins the failure details in order.
func (v Verdict) Reason() string {
	parts := make([]string, len(v.Failed))
	for i, f := range v.Failed {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}

// Mode is how a final answer is presented.
type Mode string

const (
	ModeVerified   Mode = "verified"
	ModeFast       Mode = "fast"
	ModeDegraded   Mode = "degraded"
	ModeUnverified Mode = "unverified"
	ModeRefused    Mode = "refused"
)

// FinalAnswer is the user-facing response.
type FinalAnswer struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
	Mode      Mode     `json:"mode"`
	Notice    string   `json:"notice,omitempty"`
}
