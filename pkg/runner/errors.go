// Package runner implements the iteration core: context assembly, action
// execution, gutter detection, budget enforcement, and the run lifecycle
// controller with its worker pool.
package runner

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a runner error by its propagation policy.
type ErrorKind int

const (
	// KindValidation marks a malformed action batch. Retried once with a
	// repair instruction, then fatal to the iteration.
	KindValidation ErrorKind = iota
	// KindExecution marks a command/patch/commit failure. Recorded and
	// surfaced to the next iteration's context, never fatal by itself.
	KindExecution
	// KindProvider marks an unreachable or rejecting backend (sandbox,
	// SCM, model). Fatal to the run; may be resumable.
	KindProvider
	// KindPolicy marks a disallowed path or secret exposure attempt.
	// Always fatal to the offending action, never silently dropped.
	KindPolicy
	// KindBudget marks an exceeded budget ceiling. Forces stop_failure.
	KindBudget
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindExecution:
		return "execution"
	case KindProvider:
		return "provider"
	case KindPolicy:
		return "policy"
	case KindBudget:
		return "budget"
	default:
		return "unknown"
	}
}

// RunError carries the error taxonomy through the engine and controller.
type RunError struct {
	Kind    ErrorKind
	Message string
	Cause   error
	// Resumable marks provider errors where the sandbox session may
	// still exist, so a later resume can reconnect.
	Resumable bool
}

func (e *RunError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error { return e.Cause }

// NewValidationError marks a malformed action batch.
func NewValidationError(cause error, message string) *RunError {
	return &RunError{Kind: KindValidation, Message: message, Cause: cause}
}

// NewExecutionError marks a non-fatal action failure.
func NewExecutionError(cause error, message string) *RunError {
	return &RunError{Kind: KindExecution, Message: message, Cause: cause}
}

// NewProviderError marks a fatal backend failure.
func NewProviderError(cause error, resumable bool, message string) *RunError {
	return &RunError{Kind: KindProvider, Message: message, Cause: cause, Resumable: resumable}
}

// NewPolicyViolation marks a disallowed action.
func NewPolicyViolation(message string) *RunError {
	return &RunError{Kind: KindPolicy, Message: message}
}

// NewBudgetExceeded marks an exceeded ceiling.
func NewBudgetExceeded(message string) *RunError {
	return &RunError{Kind: KindBudget, Message: message}
}

// KindOf extracts the taxonomy kind from an error chain. Unclassified
// errors report as provider errors, the conservative fatal default.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindProvider
}

// IsResumable reports whether a failed run may later reconnect to its
// sandbox session.
func IsResumable(err error) bool {
	var re *RunError
	if errors.As(err, &re) {
		return re.Resumable
	}
	return false
}

// Sentinel action failures named by the execution contract.
var (
	// ErrPatchConflict: the unified diff does not apply cleanly against
	// current file content. No hunk is partially applied.
	ErrPatchConflict = errors.New("patch conflict")
	// ErrNothingToCommit: a commit action found no staged changes.
	ErrNothingToCommit = errors.New("nothing to commit")
	// ErrPathPolicy: a write targeted a disallowed location.
	ErrPathPolicy = errors.New("path policy violation")
)
