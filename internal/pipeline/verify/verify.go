// Package verify checks drafts for grounding, arithmetic and compliance.
package verify

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/think"
)

const defaultTolerance = 0.5

// Rule is a compliance rule. A term or pattern match fails the draft
// unless one of the qualifiers also appears in it.
type Rule struct {
	Name       string
	Terms      []string
	Patterns   []string
	Qualifiers []string
}

type compiledRule struct {
	name       string
	terms      []string
	patterns   []*regexp.Regexp
	qualifiers []string
}

// Config configures a Verifier.
type Config struct {
	// NumericTolerance is the absolute slack for arithmetic and source
	// comparisons.
	NumericTolerance float64

	Rules []Rule
}

// Verifier runs the factual, numeric and compliance checks in that order.
type Verifier struct {
	tolerance float64
	rules     []compiledRule
	logger    *slog.Logger
}

// New compiles the rules.
func New(config Config) (*Verifier, error) {
	if config.NumericTolerance <= 0 {
		config.NumericTolerance = defaultTolerance
	}
	v := &Verifier{tolerance: config.NumericTolerance, logger: slog.Default()}
	for _, r := range config.Rules {
		cr := compiledRule{name: r.Name}
		for _, t := range r.Terms {
			cr.terms = append(cr.terms, strings.ToLower(t))
		}
		for _, q := range r.Qualifiers {
			cr.qualifiers = append(cr.qualifiers, strings.ToLower(q))
		}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("compile rule %s pattern: %w", r.Name, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		v.rules = append(v.rules, cr)
	}
	return v, nil
}

// SetLogger sets the logger.
func (v *Verifier) SetLogger(l *slog.Logger) {
	v.logger = l
}

// Verify checks draft. The verdict passes only when every check passes;
// failures are listed factual first, then numeric, then compliance.
func (v *Verifier) Verify(draft pipeline.Draft) pipeline.Verdict {
	var failed []pipeline.FailedCheck
	failed = append(failed, v.Factual(draft)...)
	failed = append(failed, v.Numeric(draft)...)
	failed = append(failed, v.Compliance(draft.Text)...)

	verdict := pipeline.Verdict{Pass: len(failed) == 0, Failed: failed}
	v.logger.Debug("Verified draft",
		"step", draft.StepID,
		"attempt", draft.Attempt,
		"pass", verdict.Pass,
		"failed", len(failed))
	return verdict
}

// Factual requires every assertive sentence to cite a source that is part
// of the draft's evidence.
func (v *Verifier) Factual(draft pipeline.Draft) []pipeline.FailedCheck {
	if len(draft.Evidence) == 0 {
		return []pipeline.FailedCheck{{
			Kind:   pipeline.CheckFactual,
			Detail: "no citable evidence for step " + draft.StepID,
		}}
	}
	known := make(map[string]bool, len(draft.Evidence))
	for _, e := range draft.Evidence {
		known[e.SourceID] = true
	}

	var failed []pipeline.FailedCheck
	for _, s := range think.Sentences(draft.Text) {
		if !s.Assertive {
			continue
		}
		if len(s.Citations) == 0 {
			failed = append(failed, pipeline.FailedCheck{
				Kind:   pipeline.CheckFactual,
				Detail: fmt.Sprintf("uncited claim %q", s.Text),
			})
			continue
		}
		for _, id := range s.Citations {
			if !known[id] {
				failed = append(failed, pipeline.FailedCheck{
					Kind:   pipeline.CheckFactual,
					Detail: fmt.Sprintf("%q cites unknown source [%s]", s.Text, id),
				})
			}
		}
	}
	return failed
}

var (
	arithmetic  = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*(%?)\s*([+\-])\s*(-?\d+(?:\.\d+)?)\s*%?\s*=\s*(-?\d+(?:\.\d+)?)\s*(%?)`)
	thousands   = regexp.MustCompile(`(\d),(\d{3})`)
	allocation  = regexp.MustCompile(`(?i)\b(allocat\w*|split|divid\w*|mix)\b`)
	percentTerm = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:%|percent\b)`)
)

// Numeric checks stated arithmetic, allocation totals and agreement of
// cited figures with their sources.
func (v *Verifier) Numeric(draft pipeline.Draft) []pipeline.FailedCheck {
	var failed []pipeline.FailedCheck
	text := thousands.ReplaceAllString(think.StripCitations(draft.Text), "$1$2")

	for _, m := range arithmetic.FindAllStringSubmatch(text, -1) {
		a, _ := strconv.ParseFloat(m[1], 64)
		b, _ := strconv.ParseFloat(m[4], 64)
		c, _ := strconv.ParseFloat(m[5], 64)
		got := a + b
		if m[3] == "-" {
			got = a - b
		}
		if math.Abs(got-c) > v.tolerance {
			failed = append(failed, pipeline.FailedCheck{
				Kind:   pipeline.CheckNumeric,
				Detail: fmt.Sprintf("%q does not hold (computes to %s)", strings.TrimSpace(m[0]), format(got)),
			})
		}
	}

	for _, s := range think.Sentences(draft.Text) {
		plain := think.StripCitations(s.Text)
		if !allocation.MatchString(plain) || strings.Contains(plain, "=") {
			continue
		}
		parts := percentTerm.FindAllStringSubmatch(plain, -1)
		if len(parts) < 2 {
			continue
		}
		total := 0.0
		for _, p := range parts {
			f, _ := strconv.ParseFloat(p[1], 64)
			total += f
		}
		if math.Abs(total-100) > v.tolerance {
			failed = append(failed, pipeline.FailedCheck{
				Kind:   pipeline.CheckNumeric,
				Detail: fmt.Sprintf("allocation in %q sums to %s%%, not 100%%", plain, format(total)),
			})
		}
	}

	sources := make(map[string]string, len(draft.Evidence))
	for _, e := range draft.Evidence {
		sources[e.SourceID] = e.Text
	}
	for _, c := range draft.Claims {
		if c.SourceID == "" || (c.Unit != "%" && c.Unit != "$") {
			continue
		}
		src, ok := sources[c.SourceID]
		if !ok {
			continue
		}
		var stated []string
		matched := false
		for _, f := range think.Figures(src) {
			if f.Unit != c.Unit {
				continue
			}
			stated = append(stated, withUnit(f.Value, f.Unit))
			if math.Abs(f.Value-c.Value) <= v.tolerance {
				matched = true
			}
		}
		if len(stated) > 0 && !matched {
			failed = append(failed, pipeline.FailedCheck{
				Kind: pipeline.CheckNumeric,
				Detail: fmt.Sprintf("%s contradicts [%s], which states %s",
					withUnit(c.Value, c.Unit), c.SourceID, strings.Join(stated, ", ")),
			})
		}
	}
	return failed
}

// Compliance applies the configured rules to text. Each rule fails at most
// once.
func (v *Verifier) Compliance(text string) []pipeline.FailedCheck {
	lower := strings.ToLower(text)
	var failed []pipeline.FailedCheck
	for _, r := range v.rules {
		if qualified(lower, r.qualifiers) {
			continue
		}
		if hit := r.match(text, lower); hit != "" {
			failed = append(failed, pipeline.FailedCheck{
				Kind:   pipeline.CheckCompliance,
				Detail: fmt.Sprintf("%s: %q", r.name, hit),
			})
		}
	}
	return failed
}

func (r compiledRule) match(text, lower string) string {
	for _, t := range r.terms {
		if strings.Contains(lower, t) {
			return t
		}
	}
	for _, p := range r.patterns {
		if m := p.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

func qualified(lower string, qualifiers []string) bool {
	for _, q := range qualifiers {
		if strings.Contains(lower, q) {
			return true
		}
	}
	return false
}

func format(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func withUnit(f float64, unit string) string {
	switch unit {
	case "%":
		return format(f) + "%"
	case "$":
		return "$" + format(f)
	default:
		return format(f)
	}
}
