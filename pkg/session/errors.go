package session

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCapability is matched by every error the peer connection returned
	// for an operation the handshake asked of it.
	ErrCapability = errors.New("peer connection rejected operation")

	ErrAlreadyStarted   = errors.New("handshake already started")
	ErrPollerStarted    = errors.New("poller already started")
	ErrConnectionFailed = errors.New("peer connection failed")
)

type CapabilityError struct {
	Op  string
	Err error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

func (e *CapabilityError) Is(target error) bool {
	return target == ErrCapability
}
