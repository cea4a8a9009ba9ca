// Package llm adapts text generation providers to the pipeline.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Request is one generation call.
type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// Response is the text produced by a generation call.
type Response struct {
	Text   string
	Tokens int
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (Response, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// ErrorKind classifies generation failures.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindUnavailable     ErrorKind = "unavailable"
	KindRateLimited     ErrorKind = "rate_limited"
	KindInvalidResponse ErrorKind = "invalid_response"
	KindProvider        ErrorKind = "provider"
)

// ModelError is a failure of the generation collaborator. It consumes the
// attempt during which it occurred.
type ModelError struct {
	Kind ErrorKind
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("model error (%s)", e.Kind)
	}
	return fmt.Sprintf("model error (%s): %v", e.Kind, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// NewModelError wraps err with kind.
func NewModelError(kind ErrorKind, err error) *ModelError {
	return &ModelError{Kind: kind, Err: err}
}

// IsModelError reports whether err is a ModelError.
func IsModelError(err error) bool {
	var me *ModelError
	return errors.As(err, &me)
}

// classify maps a provider failure to a kind.
func classify(err error) ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"):
		return KindRateLimited
	case strings.Contains(msg, "overloaded"), strings.Contains(msg, "503"), strings.Contains(msg, "529"):
		return KindUnavailable
	default:
		return KindProvider
	}
}

// TruncateAtStop cuts text at the earliest stop sequence.
func TruncateAtStop(text string, stop []string) string {
	cut := len(text)
	for _, s := range stop {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && i < cut {
			cut = i
		}
	}
	return text[:cut]
}
