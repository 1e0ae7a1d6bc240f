package connection

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	ErrNotConnected = errors.New("Connection Closed: no open session")
	ErrLoggedOut    = errors.New("session logged out: clear credentials to reconnect")
	ErrSuperseded   = errors.New("connect superseded by a newer attempt")
)

// TransientError is a send failure worth one reconnect-and-retry cycle.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a send failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// transientSignatures are the failure messages the bridge reports for a
// dropped socket or an unanswered request.
var transientSignatures = []string{"Connection Closed", "Timed Out"}

// Classify wraps err into a TransientError or PermanentError. Errors that
// are already classified are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var te *TransientError
	var pe *PermanentError
	if errors.As(err, &te) || errors.As(err, &pe) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return &TransientError{Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TransientError{Err: err}
	}
	for _, sig := range transientSignatures {
		if strings.Contains(err.Error(), sig) {
			return &TransientError{Err: err}
		}
	}
	return &PermanentError{Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(Classify(err), &te)
}
