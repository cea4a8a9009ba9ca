package think

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/compress"
)

// Sentence is one sentence of a draft with the sources it cites.
type Sentence struct {
	Text      string
	Citations []string

	// Assertive is false for questions, instructions and commentary about
	// the answer itself.
	Assertive bool
}

var citationPattern = regexp.MustCompile(`\[([^\[\]]+)\]`)

// Brackets that are editorial, not citations.
var nonCitations = map[string]bool{
	"edit": true, "note": true, "sic": true, "emphasis added": true,
	"citation needed": true, "replan": true,
}

// Citations returns the source ids cited in text, deduplicated in first-use
// order.
func Citations(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range citationsIn(text) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func citationsIn(text string) []string {
	var ids []string
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		id := strings.TrimSpace(m[1])
		if id == "" || len(id) > 50 || nonCitations[strings.ToLower(id)] {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// StripCitations removes citation markers from text.
func StripCitations(text string) string {
	out := citationPattern.ReplaceAllStringFunc(text, func(m string) string {
		id := strings.TrimSpace(m[1 : len(m)-1])
		if nonCitations[strings.ToLower(id)] {
			return m
		}
		return ""
	})
	return strings.Join(strings.Fields(out), " ")
}

// Sentences splits text into sentences. A fragment made only of citations,
// as in "Rates rose. [fed-2024]", belongs to the sentence before it.
func Sentences(text string) []Sentence {
	var out []Sentence
	for _, s := range compress.SplitSentences(text) {
		cites := citationsIn(s)
		if len(out) > 0 && len(cites) > 0 && !hasWord(StripCitations(s)) {
			last := &out[len(out)-1]
			last.Text += " " + s
			last.Citations = append(last.Citations, cites...)
			continue
		}
		out = append(out, Sentence{Text: s, Citations: cites, Assertive: isAssertive(s)})
	}
	return out
}

var (
	imperativeStarters = []string{
		"please ", "let me ", "let's ", "try ", "consider ", "remember ",
		"don't ", "do not ", "make sure ", "be sure ", "ensure ", "check ",
		"talk to ", "consult ", "ask ",
	}
	metaStarters = []string{
		"i'll ", "i will ", "i can ", "i would ", "here's ", "here is ",
		"to summarize", "in summary", "as mentioned", "as noted", "great question",
	}
)

func isAssertive(sentence string) bool {
	s := strings.TrimSpace(StripCitations(sentence))
	if !hasWord(s) || strings.HasSuffix(s, "?") || strings.HasSuffix(s, ":") {
		return false
	}
	lower := strings.ToLower(s)
	for _, p := range imperativeStarters {
		if strings.HasPrefix(lower, p) {
			return false
		}
	}
	for _, p := range metaStarters {
		if strings.HasPrefix(lower, p) {
			return false
		}
	}
	return true
}

func hasWord(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}

// Figure is a number found in text.
type Figure struct {
	Value float64

	// Unit is "%", "$" or empty for a plain number.
	Unit string
}

var figurePattern = regexp.MustCompile(`(\$\s?)?(-?\d{1,3}(?:,\d{3})+(?:\.\d+)?|-?\d+(?:\.\d+)?)(\s*(?:%|percent\b))?`)

// Figures returns the numbers in text in order. Digits glued to letters,
// as in "401k" or "s2", are not figures.
func Figures(text string) []Figure {
	var out []Figure
	for _, m := range figurePattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[0], m[1]
		if start > 0 && isWordRune(text[start-1]) {
			continue
		}
		if end < len(text) && isWordRune(text[end]) && m[6] < 0 {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(text[m[4]:m[5]], ",", ""), 64)
		if err != nil {
			continue
		}
		f := Figure{Value: v}
		switch {
		case m[6] >= 0:
			f.Unit = "%"
		case m[2] >= 0:
			f.Unit = "$"
		}
		out = append(out, f)
	}
	return out
}

func isWordRune(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// ExtractClaims returns one claim per figure in text. A claim takes the
// first source cited by its sentence.
func ExtractClaims(text string) []pipeline.NumericClaim {
	var claims []pipeline.NumericClaim
	for _, s := range Sentences(text) {
		var source string
		if len(s.Citations) > 0 {
			source = s.Citations[0]
		}
		for _, f := range Figures(StripCitations(s.Text)) {
			claims = append(claims, pipeline.NumericClaim{
				Text:     s.Text,
				Value:    f.Value,
				Unit:     f.Unit,
				SourceID: source,
			})
		}
	}
	return claims
}
