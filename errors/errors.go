package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseValidate Phase = "validate" // request validation
	PhaseFetch    Phase = "fetch"    // artifact acquisition
	PhaseCatalog  Phase = "catalog"  // catalog bookkeeping
	PhasePersist  Phase = "persist"  // catalog file I/O
	PhaseCache    Phase = "cache"    // module cache
	PhaseCompile  Phase = "compile"  // instrumentation and compilation
	PhaseLink     Phase = "link"     // host module linking
	PhaseEncode   Phase = "encode"   // host to guest marshaling
	PhaseDecode   Phase = "decode"   // guest to host marshaling
	PhaseRuntime  Phase = "runtime"  // guest execution
)

// Kind categorizes the error
type Kind string

const (
	KindAlreadyExists      Kind = "already_exists"
	KindNotFound           Kind = "not_found"
	KindFetchFailure       Kind = "fetch_failure"
	KindUnpackFailure      Kind = "unpack_failure"
	KindMalformedArtifact  Kind = "malformed_artifact"
	KindMissingExport      Kind = "missing_export"
	KindAbiMismatch        Kind = "abi_mismatch"
	KindOversizedInput     Kind = "oversized_input"
	KindOversizedOutput    Kind = "oversized_output"
	KindInvalidEncoding    Kind = "invalid_encoding"
	KindTrap               Kind = "trap"
	KindPersistenceFailure Kind = "persistence_failure"
	KindInvalidInput       Kind = "invalid_input"
	KindCompile            Kind = "compile"
	KindUnsupported        Kind = "unsupported"
)

// Error is the structured error type used throughout the engine
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Name   string // function name the error concerns, if any
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Name != "" {
		b.WriteString(" (")
		b.WriteString(e.Name)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Kinds must match; the phase is only compared when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Phase == "" || t.Phase == e.Phase
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Name sets the function name
func (b *Builder) Name(name string) *Builder {
	b.err.Name = name
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for errors.Is comparisons. They carry no phase, so they
// match errors of the same kind raised anywhere.
var (
	ErrAlreadyExists      = &Error{Kind: KindAlreadyExists}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrFetchFailure       = &Error{Kind: KindFetchFailure}
	ErrUnpackFailure      = &Error{Kind: KindUnpackFailure}
	ErrMalformedArtifact  = &Error{Kind: KindMalformedArtifact}
	ErrMissingExport      = &Error{Kind: KindMissingExport}
	ErrAbiMismatch        = &Error{Kind: KindAbiMismatch}
	ErrOversizedInput     = &Error{Kind: KindOversizedInput}
	ErrOversizedOutput    = &Error{Kind: KindOversizedOutput}
	ErrInvalidEncoding    = &Error{Kind: KindInvalidEncoding}
	ErrTrap               = &Error{Kind: KindTrap}
	ErrPersistenceFailure = &Error{Kind: KindPersistenceFailure}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
)

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Convenience constructors for common error patterns

// AlreadyExists creates a duplicate name error
func AlreadyExists(phase Phase, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAlreadyExists,
		Name:   name,
		Detail: fmt.Sprintf("function %q already exists", name),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Name:   name,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// MissingExport creates an error for a required export the guest lacks
func MissingExport(export string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindMissingExport,
		Detail: fmt.Sprintf("module does not export %q", export),
	}
}

// Trap creates a guest trap error
func Trap(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindTrap,
		Name:   name,
		Detail: "guest trapped",
		Cause:  cause,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
