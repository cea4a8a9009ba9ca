// Package routing classifies queries by risk and complexity and picks the
// pipeline path.
package routing

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rand/finagent/internal/pipeline"
)

// Classification is the outcome of classifying one query.
type Classification struct {
	Risk       pipeline.RiskClass
	Complexity float64

	// Signals names what drove the decision, in evaluation order.
	Signals []string
}

// Config configures a Classifier.
type Config struct {
	ComplexityThreshold float64
	HighRiskTerms       []string
	MediumRiskTerms     []string
	LongQueryWords      int
	MaxQueryChars       int
}

// Classifier assigns risk and complexity with fixed keyword rules. The same
// query and profile always classify the same way.
type Classifier struct {
	config Config
	high   []string
	medium []string
}

// New creates a classifier.
func New(config Config) *Classifier {
	if config.ComplexityThreshold <= 0 {
		config.ComplexityThreshold = 0.35
	}
	if config.LongQueryWords <= 0 {
		config.LongQueryWords = 40
	}
	if config.MaxQueryChars <= 0 {
		config.MaxQueryChars = 4000
	}
	return &Classifier{
		config: config,
		high:   lowerAll(config.HighRiskTerms),
		medium: lowerAll(config.MediumRiskTerms),
	}
}

func lowerAll(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

var (
	numericSignal = regexp.MustCompile(`\d|%|\$`)
	listItem      = regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*•])\s+`)

	analysisTerms = []string{
		"compare", "versus", " vs ", "difference between", "pros and cons",
		"strategy", "plan for", "optimize", "calculate", "project", "scenario",
		"trade-off", "tradeoff",
	}
)

// Classify classifies q for a user with profile. Malformed queries return a
// *pipeline.ClassificationError.
func (c *Classifier) Classify(q pipeline.Query, profile pipeline.Profile) (Classification, error) {
	text := strings.TrimSpace(q.Text)
	switch {
	case text == "":
		return Classification{}, &pipeline.ClassificationError{Reason: "empty query"}
	case strings.IndexFunc(text, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0:
		return Classification{}, &pipeline.ClassificationError{Reason: "query has no words"}
	case utf8.RuneCountInString(text) > c.config.MaxQueryChars:
		return Classification{}, &pipeline.ClassificationError{
			Reason: fmt.Sprintf("query exceeds %d characters", c.config.MaxQueryChars),
		}
	}

	lower := " " + strings.Join(strings.Fields(strings.ToLower(text)), " ") + " "
	var cl Classification

	cl.Risk = pipeline.RiskLow
	if t, ok := firstMatch(lower, c.high); ok {
		cl.Risk = pipeline.RiskHigh
		cl.Signals = append(cl.Signals, "high-risk:"+t)
	} else if t, ok := firstMatch(lower, c.medium); ok {
		cl.Risk = pipeline.RiskMedium
		cl.Signals = append(cl.Signals, "medium-risk:"+t)
	} else if numericSignal.MatchString(text) {
		cl.Risk = pipeline.RiskMedium
		cl.Signals = append(cl.Signals, "numeric")
	}
	if profile.RiskTolerance == pipeline.RiskLow && cl.Risk < pipeline.RiskHigh {
		cl.Risk++
		cl.Signals = append(cl.Signals, "low-tolerance-profile")
	}

	words := len(strings.Fields(text))
	length := math.Min(float64(words)/float64(c.config.LongQueryWords), 1)

	parts := strings.Count(text, "?") - 1
	parts += strings.Count(text, ";")
	parts += strings.Count(lower, " and then ")
	if items := len(listItem.FindAllString(text, -1)); items >= 2 {
		parts += items - 1
	}
	multi := math.Min(math.Max(float64(parts), 0)/2, 1)
	if parts > 0 {
		cl.Signals = append(cl.Signals, fmt.Sprintf("sub-questions:%d", parts+1))
	}

	analysis := 0.0
	for _, t := range analysisTerms {
		if strings.Contains(lower, t) {
			analysis += 0.5
			cl.Signals = append(cl.Signals, "analysis:"+strings.TrimSpace(t))
		}
	}
	analysis = math.Min(analysis, 1)

	cl.Complexity = math.Min(0.4*length+0.3*multi+0.3*analysis, 1)
	return cl, nil
}

// Route picks the path for a classification.
func (c *Classifier) Route(cl Classification) pipeline.Path {
	switch {
	case cl.Risk == pipeline.RiskHigh:
		return pipeline.PathVerified
	case cl.Risk == pipeline.RiskLow && cl.Complexity < c.config.ComplexityThreshold:
		return pipeline.PathFast
	default:
		return pipeline.PathFull
	}
}

// firstMatch returns the first term contained in text as a whole phrase.
func firstMatch(text string, terms []string) (string, bool) {
	for _, t := range terms {
		if containsPhrase(text, t) {
			return t, true
		}
	}
	return "", false
}

func containsPhrase(text, phrase string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], phrase)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(phrase)
		if boundary(text, start-1) && boundary(text, end) {
			return true
		}
		i = start + 1
	}
}

func boundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	r := rune(text[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
