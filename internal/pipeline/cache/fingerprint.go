package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	emailPattern  = regexp.MustCompile(`[\p{L}\p{N}._%+-]+@[\p{L}\p{N}.-]+\.\p{L}{2,}`)
	handlePattern = regexp.MustCompile(`@[\p{L}\p{N}_]+`)
	longDigits    = regexp.MustCompile(`\d{8,}`)
)

// Normalize canonicalizes text for fingerprinting: NFKC, case folding,
// removal of user-specific tokens, and whitespace collapse.
func Normalize(text, userID string) string {
	folder := cases.Fold()
	s := folder.String(norm.NFKC.String(text))
	s = emailPattern.ReplaceAllString(s, " ")
	s = handlePattern.ReplaceAllString(s, " ")
	s = longDigits.ReplaceAllString(s, " ")

	uid := folder.String(norm.NFKC.String(userID))
	fields := strings.Fields(s)
	kept := fields[:0]
	for _, f := range fields {
		if uid != "" && strings.TrimFunc(f, unicode.IsPunct) == uid {
			continue
		}
		kept = append(kept, f)
	}

	return strings.TrimRightFunc(strings.Join(kept, " "), func(r rune) bool {
		return unicode.IsPunct(r) && r != '%'
	})
}

// Fingerprint returns the cache key for text. Two texts that normalize to
// the same string share a fingerprint regardless of who asked.
func Fingerprint(kind Kind, text, userID string) string {
	payload, _ := json.Marshal(struct {
		Kind string `json:"kind"`
		Text string `json:"text"`
	}{string(kind), Normalize(text, userID)})

	canonical, err := jcs.Transform(payload)
	if err != nil {
		// Transform only fails on malformed input, which json.Marshal does
		// not produce.
		canonical = payload
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Tag classifies content for ttl selection: numeric when it carries
// digits, general otherwise.
func Tag(texts ...string) string {
	for _, t := range texts {
		if strings.ContainsFunc(t, unicode.IsDigit) {
			return TagNumeric
		}
	}
	return TagGeneral
}
