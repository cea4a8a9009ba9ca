package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrComplianceViolation marks a run refused by the compliance checks.
	ErrComplianceViolation = errors.New("compliance violation")

	// ErrVerificationExhausted marks a run that used every attempt
	// without a passing verdict.
	ErrVerificationExhausted = errors.New("verification exhausted")
)

// ClassificationError reports a query the classifier could not handle.
type ClassificationError struct {
	Reason string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify query: %s", e.Reason)
}

// RetrievalFailure describes a retrieval collaborator failure. The context
// assembler absorbs it into an empty bundle; it only ever reaches the trace.
type RetrievalFailure struct {
	StepID string
	Err    error
}

func (e *RetrievalFailure) Error() string {
	return fmt.Sprintf("retrieval for step %s: %v", e.StepID, e.Err)
}

func (e *RetrievalFailure) Unwrap() error {
	return e.Err
}
