package pipeline

import (
	"errors"
	"fmt"

	"github.com/spineprep/spineprep/internal/tools"
)

// Kind discriminates pipeline errors. Recoverable kinds downgrade a
// step to SKIP; fatal kinds fail the invocation.
type Kind int

const (
	// KindConfigInvalid is fatal and computed before execution.
	KindConfigInvalid Kind = iota
	// KindMissingInput is fatal at the step level.
	KindMissingInput
	// KindToolUnavailable is recoverable: the step emits placeholders.
	KindToolUnavailable
	// KindToolFailure is recoverable like KindToolUnavailable.
	KindToolFailure
	// KindNumericalDegenerate is recoverable inside the confounds
	// engine.
	KindNumericalDegenerate
	// KindAtomicCommitFailed is fatal; no partial artifact is visible.
	KindAtomicCommitFailed
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindMissingInput:
		return "MissingRequiredInput"
	case KindToolUnavailable:
		return "ToolUnavailable"
	case KindToolFailure:
		return "ToolFailure"
	case KindNumericalDegenerate:
		return "NumericalDegenerate"
	case KindAtomicCommitFailed:
		return "AtomicCommitFailed"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error tags an underlying error with its kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E formats an error from format and args and tags it with kind.
func E(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err; ok is false when err carries no
// Kind.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// toolErrorKind classifies an external-tool error: absent tools map to
// ToolUnavailable, everything else to ToolFailure.
func toolErrorKind(err error) Kind {
	if errors.Is(err, tools.ErrUnavailable) {
		return KindToolUnavailable
	}
	return KindToolFailure
}

// Recoverable reports whether err may be downgraded to a SKIP.
func Recoverable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case KindToolUnavailable, KindToolFailure, KindNumericalDegenerate:
		return true
	}
	return false
}
