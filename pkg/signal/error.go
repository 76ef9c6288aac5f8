package signal

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTransport is matched by every failure to complete a signaling round
	// trip: network errors and non-2xx responses.
	ErrTransport = errors.New("signaling transport failure")

	// ErrProtocol is matched by responses that arrived but do not have the
	// shape the wire contract promises, e.g. a session without an id.
	ErrProtocol = errors.New("signaling protocol violation")
)

// Error classifies a failed signaling operation as ErrTransport or ErrProtocol
// while keeping the underlying cause reachable through errors.Unwrap.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// StatusError is the cause of an ErrTransport raised by a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}

	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func transportError(op string, err error) error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}

func protocolError(op string, err error) error {
	return &Error{Kind: ErrProtocol, Op: op, Err: err}
}
