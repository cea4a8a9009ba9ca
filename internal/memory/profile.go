package memory

import (
	"regexp"
	"strings"

	"github.com/rand/finagent/internal/pipeline"
)

type profileRule struct {
	pattern *regexp.Regexp
	apply   func(*pipeline.Profile)
}

func depthRule(expr string, d pipeline.Depth) profileRule {
	return profileRule{
		pattern: regexp.MustCompile(`(?i)` + expr),
		apply:   func(p *pipeline.Profile) { p.ExplanationDepth = d },
	}
}

func styleRule(expr string, s pipeline.Style) profileRule {
	return profileRule{
		pattern: regexp.MustCompile(`(?i)` + expr),
		apply:   func(p *pipeline.Profile) { p.Style = s },
	}
}

func riskRule(expr string, r pipeline.RiskClass) profileRule {
	return profileRule{
		pattern: regexp.MustCompile(`(?i)` + expr),
		apply:   func(p *pipeline.Profile) { p.RiskTolerance = r },
	}
}

// Evaluated in order; a later rule for the same field wins.
var profileRules = []profileRule{
	depthRule(`\b(explain (it |this |that )?simply|in simple terms|keep it simple|eli5|like i'?m five)\b`, pipeline.DepthSimple),
	depthRule(`\b(in (more )?detail|more detail(ed)?|go deeper)\b`, pipeline.DepthDetailed),
	depthRule(`\b(technical (detail|answer|explanation)|show (me )?the math|with formulas)\b`, pipeline.DepthTechnical),
	styleRule(`\b(be formal|formally|professional tone)\b`, pipeline.StyleFormal),
	styleRule(`\b(be casual|casually|keep it casual)\b`, pipeline.StyleCasual),
	styleRule(`\b(be (brief|concise)|short answer|tl;?dr|keep it short)\b`, pipeline.StyleConcise),
	riskRule(`\b(conservative investor|risk[- ]averse|low risk tolerance|can'?t afford to lose)\b`, pipeline.RiskLow),
	riskRule(`\b(moderate risk|medium risk tolerance|balanced investor)\b`, pipeline.RiskMedium),
	riskRule(`\b(aggressive investor|high risk tolerance|comfortable with (high )?risk)\b`, pipeline.RiskHigh),
}

// ProfileDelta applies explicit preference statements in query to current
// and returns the adjusted profile with the list of changes made.
func ProfileDelta(query string, current pipeline.Profile) (pipeline.Profile, []string) {
	next := current
	for _, r := range profileRules {
		if r.pattern.MatchString(query) {
			r.apply(&next)
		}
	}

	var changes []string
	for _, p := range profileDiff(current, next) {
		changes = append(changes, p.key+"="+p.value)
	}
	return next, changes
}

// preference is one profile field a user set explicitly.
type preference struct {
	key, value string
}

func profileDiff(prev, next pipeline.Profile) []preference {
	var out []preference
	if next.ExplanationDepth != prev.ExplanationDepth {
		out = append(out, preference{"explanation_depth", string(next.ExplanationDepth)})
	}
	if next.Style != prev.Style {
		out = append(out, preference{"style", string(next.Style)})
	}
	if next.RiskTolerance != prev.RiskTolerance {
		out = append(out, preference{"risk_tolerance", next.RiskTolerance.String()})
	}
	return out
}

// setProfile replaces the record's profile and remembers every changed
// field as a stated preference.
func (r *Record) setProfile(next pipeline.Profile) {
	for _, p := range profileDiff(r.Profile, next) {
		if r.Preferences == nil {
			r.Preferences = make(map[string]string)
		}
		r.Preferences[p.key] = p.value
	}
	r.Profile = next
}

// OverrideProfile sets the non-empty fields on current. Names are matched
// case-insensitively and the result is validated.
func OverrideProfile(current pipeline.Profile, risk, depth, style string) (pipeline.Profile, error) {
	next := current
	if risk != "" {
		r, err := pipeline.ParseRiskClass(risk)
		if err != nil {
			return current, err
		}
		next.RiskTolerance = r
	}
	if depth != "" {
		next.ExplanationDepth = pipeline.Depth(strings.ToLower(strings.TrimSpace(depth)))
	}
	if style != "" {
		next.Style = pipeline.Style(strings.ToLower(strings.TrimSpace(style)))
	}
	if err := next.Validate(); err != nil {
		return current, err
	}
	return next, nil
}
