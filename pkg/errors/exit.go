package errors

import (
	"context"
	stderrors "errors"
)

// ExitCode maps the error that ended a run to a process exit status.
// A nil error and a canceled context are both a normal shutdown.
func ExitCode(err error) int {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return ExitOK
	}
	var e *Errno
	if stderrors.As(err, &e) {
		if e.Exit == ExitOK {
			return ExitFailure
		}
		return e.Exit
	}
	return ExitFailure
}
