package export

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a run failed.
type ErrorKind string

const (
	// KindAuth: the credential was rejected or sign-in failed.
	KindAuth ErrorKind = "auth"
	// KindConnectivity: the source was unreachable or had no exportable calendar.
	KindConnectivity ErrorKind = "connectivity"
	// KindTransform: a single event could not be converted. Never run-fatal.
	KindTransform ErrorKind = "transform"
	// KindIO: the output artifact could not be written.
	KindIO ErrorKind = "io"
)

// RunError is a run-fatal pipeline failure. Its message is what observers
// see as the tenant's last error.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " error"
	}
	return e.Err.Error()
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func runErr(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind of err. Errors that did not come from the
// pipeline are reported as connectivity failures.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindConnectivity
}
