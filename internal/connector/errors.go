package connector

import "fmt"

// ErrorKind classifies a failed AI turn.
type ErrorKind string

const (
	ErrCommandNotFound ErrorKind = "command-not-found"
	ErrSpawnFailed     ErrorKind = "spawn-failed"
	ErrNonZeroExit     ErrorKind = "non-zero-exit"
	ErrTimeout         ErrorKind = "timeout"
	ErrEmptyOutput     ErrorKind = "empty-output"
	ErrCancelled       ErrorKind = "cancelled"
)

// Error is a typed connector failure. Partial carries whatever output the
// child produced before dying; on timeout it feeds the checkpoint.
type Error struct {
	Kind    ErrorKind
	Detail  string
	Partial string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// UserMessage is the short channel-facing rendering of the failure.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case ErrCommandNotFound:
		return "The assistant engine is not installed or not on PATH."
	case ErrTimeout:
		return "The assistant ran out of time on that one."
	case ErrEmptyOutput:
		return "The assistant came back empty-handed. Try rephrasing?"
	case ErrCancelled:
		return "That run was cancelled."
	default:
		return "The assistant hit an error. Check the logs for details."
	}
}

// AsError unwraps err to a connector *Error when it is one.
func AsError(err error) (*Error, bool) {
	ce, ok := err.(*Error)
	return ce, ok
}
