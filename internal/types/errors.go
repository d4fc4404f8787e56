package types

import "fmt"

// ErrorKind classifies the error kinds described by the control plane's
// error-handling design: validation, capacity, consistency, durability, and
// external-collaborator failures. Fatal errors do not exist within the core;
// it never aborts the process.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindCapacity    ErrorKind = "capacity"
	KindConsistency ErrorKind = "consistency"
	KindDurability  ErrorKind = "durability"
	KindExternal    ErrorKind = "external"
)

// CoreError is the structured error type every public operation returns.
// Callers branch on Kind/Code with errors.As rather than string matching.
type CoreError struct {
	Kind ErrorKind
	Code string
	Msg  string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s/%s): %v", e.Msg, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s/%s)", e.Msg, e.Kind, e.Code)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &CoreError{Kind: ..., Code: ...}) style matching
// on kind and code alone, ignoring Msg/Err.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

func newErr(kind ErrorKind, code, msg string, err error) *CoreError {
	return &CoreError{Kind: kind, Code: code, Msg: msg, Err: err}
}

// Validation errors: malformed request, no state mutation.
func NewValidationError(code, msg string, err error) *CoreError {
	return newErr(KindValidation, code, msg, err)
}

// Capacity errors: non-fatal, caller may retry.
func NewCapacityError(code, msg string) *CoreError {
	return newErr(KindCapacity, code, msg, nil)
}

// Capacity error codes used by the scheduler's terminal-failure classification.
const (
	CodeNoHealthyNodes         = "no-healthy-nodes"
	CodeNoPreferredNodes       = "no-preferred-nodes"
	CodeAffinityEliminatesAll  = "affinity-eliminates-all"
	CodeInsufficientResources  = "insufficient-resources"
	CodePreemptionInsufficient = "preemption-insufficient"
	CodeAlreadyScheduled       = "already-scheduled"
	CodeInvalidAffinity        = "invalid-affinity"
)

// Consistency errors: unknown node/agent/budget id, treated as a no-op with
// a warning by the caller.
func NewConsistencyError(code, msg string) *CoreError {
	return newErr(KindConsistency, code, msg, nil)
}

// Durability errors: persistence write failure, logged but never fatal.
func NewDurabilityError(code, msg string, err error) *CoreError {
	return newErr(KindDurability, code, msg, err)
}

// External errors: session-gateway unreachable or erroring.
func NewExternalError(code, msg string, err error) *CoreError {
	return newErr(KindExternal, code, msg, err)
}
