// Package compress shrinks text to a token budget by extractive sentence
// selection. It summarizes oversized evidence excerpts and keeps the
// rolling conversation summary under its cap.
package compress

import (
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/rand/finagent/internal/budget"
)

// Compressor performs extractive compression.
type Compressor struct {
	compressions atomic.Int64
	tokensSaved  atomic.Int64
}

// New creates a compressor.
func New() *Compressor {
	return &Compressor{}
}

// Metrics reports compression activity.
type Metrics struct {
	Compressions int64 `json:"compressions"`
	TokensSaved  int64 `json:"tokens_saved"`
}

// Metrics returns a snapshot.
func (c *Compressor) Metrics() Metrics {
	return Metrics{
		Compressions: c.compressions.Load(),
		TokensSaved:  c.tokensSaved.Load(),
	}
}

// Summarize returns text unchanged when it fits maxTokens. Otherwise it
// keeps the highest-scoring sentences, in their original order, and
// truncates by words if a single sentence still overflows. The result
// never exceeds maxTokens.
func (c *Compressor) Summarize(text, query string, maxTokens int) string {
	original := budget.EstimateTokens(text)
	if original <= maxTokens {
		return text
	}
	if maxTokens <= 0 {
		return ""
	}

	sentences := SplitSentences(text)
	scores := scoreSentences(sentences, query, false)
	out := strings.Join(selectSentences(sentences, scores, maxTokens), " ")
	if budget.EstimateTokens(out) > maxTokens {
		out = budget.TruncateToTokens(out, maxTokens)
	}

	c.compressions.Add(1)
	c.tokensSaved.Add(int64(original - budget.EstimateTokens(out)))
	return out
}

// Compact appends addition to summary and compresses the result back
// under maxTokens, favouring recent sentences.
func (c *Compressor) Compact(summary, addition string, maxTokens int) string {
	combined := strings.TrimSpace(strings.TrimSpace(summary) + " " + strings.TrimSpace(addition))
	original := budget.EstimateTokens(combined)
	if original <= maxTokens {
		return combined
	}
	if maxTokens <= 0 {
		return ""
	}

	sentences := SplitSentences(combined)
	scores := scoreSentences(sentences, "", true)
	out := strings.Join(selectSentences(sentences, scores, maxTokens), " ")
	if budget.EstimateTokens(out) > maxTokens {
		out = budget.TruncateToTokens(out, maxTokens)
	}

	c.compressions.Add(1)
	c.tokensSaved.Add(int64(original - budget.EstimateTokens(out)))
	return out
}

var signalWords = []string{
	"percent", "rate", "return", "risk", "fee", "tax", "important",
	"key", "however", "therefore", "must",
}

func scoreSentences(sentences []string, query string, recent bool) []float64 {
	queryTerms := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.TrimFunc(w, unicode.IsPunct)
		if len(w) > 2 {
			queryTerms[w] = true
		}
	}

	n := len(sentences)
	scores := make([]float64, n)
	for i, sent := range sentences {
		// Position: leading sentences for excerpts, trailing for summaries.
		pos := i
		if recent {
			pos = n - 1 - i
		}
		scores[i] = max(1.0-float64(pos)*0.05, 0.5)

		words := strings.Fields(sent)
		switch {
		case len(words) < 3:
			scores[i] *= 0.5
		case len(words) <= 30:
			scores[i] *= 1.2
		case len(words) > 50:
			scores[i] *= 0.8
		}

		lower := strings.ToLower(sent)
		if strings.ContainsFunc(sent, unicode.IsDigit) {
			scores[i] += 0.4
		}
		for _, kw := range signalWords {
			if strings.Contains(lower, kw) {
				scores[i] += 0.2
				break
			}
		}
		for _, w := range words {
			if queryTerms[strings.TrimFunc(strings.ToLower(w), unicode.IsPunct)] {
				scores[i] += 0.5
			}
		}
	}
	return scores
}

// selectSentences takes sentences by descending score while they fit,
// then restores their original order. At least one sentence is kept.
func selectSentences(sentences []string, scores []float64, maxTokens int) []string {
	idx := make([]int, len(sentences))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})

	var chosen []int
	used := 0
	for _, i := range idx {
		t := budget.EstimateTokens(sentences[i])
		if used+t > maxTokens {
			if len(chosen) == 0 {
				chosen = append(chosen, i)
			}
			continue
		}
		chosen = append(chosen, i)
		used += t
	}
	sort.Ints(chosen)

	out := make([]string, len(chosen))
	for j, i := range chosen {
		out[j] = sentences[i]
	}
	return out
}

// SplitSentences splits text on sentence-ending punctuation followed by
// whitespace and an uppercase letter, digit, or end of text. Newlines
// always end a sentence. Decimal points and abbreviations such as "e.g."
// do not split.
func SplitSentences(text string) []string {
	var sentences []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sentences = append(sentences, splitLine(line)...)
	}
	return sentences
}

func splitLine(line string) []string {
	var out []string
	runes := []rune(line)
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		j := i + 1
		for j < len(runes) && (runes[j] == '"' || runes[j] == ')' || runes[j] == ']') {
			j++
		}
		if j < len(runes) && !unicode.IsSpace(runes[j]) {
			continue
		}
		k := j
		for k < len(runes) && unicode.IsSpace(runes[k]) {
			k++
		}
		if k < len(runes) && !(unicode.IsUpper(runes[k]) || unicode.IsDigit(runes[k]) || runes[k] == '[') {
			continue
		}
		if isAbbreviation(runes[start : i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start:j])); s != "" {
			out = append(out, s)
		}
		start = k
		i = k - 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var abbreviations = []string{"e.g.", "i.e.", "etc.", "vs.", "approx.", "inc.", "corp.", "mr.", "ms.", "dr.", "u.s."}

func isAbbreviation(prefix []rune) bool {
	s := strings.ToLower(string(prefix))
	for _, a := range abbreviations {
		if !strings.HasSuffix(s, a) {
			continue
		}
		rest := strings.TrimSuffix(s, a)
		if r, _ := utf8.DecodeLastRuneInString(rest); rest == "" || !unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
