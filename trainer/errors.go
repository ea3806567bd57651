package trainer

import (
	"fmt"

	"github.com/pkg/errors"
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitTrainingSet    = 1 // empty or unreadable training set, also any runtime abort
	ExitSizeMismatch   = 2
	ExitTestSet        = 3
	ExitInvalidDevice  = 4
	exitRuntimeFailure = 1
)

// ErrInterrupted is returned when a run is cancelled between iterations.
var ErrInterrupted = errors.New("training interrupted")

// ExitError is a configuration failure that ends the process with Code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit %d: %v", e.Code, e.Err) }
func (e *ExitError) Unwrap() error { return e.Err }
func (e *ExitError) Cause() error  { return e.Err }

// Format keeps the wrapped stack trace visible under %+v.
func (e *ExitError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "exit %d: %+v", e.Code, e.Err)
		return
	}
	fmt.Fprint(s, e.Error())
}

func exitError(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

// ExitCode maps the result of a run to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitRuntimeFailure
}
