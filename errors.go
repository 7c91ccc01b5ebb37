package trama

import (
	"errors"
	"fmt"
)

// Public result taxonomy. Every error returned by this package wraps one
// of these sentinels, so callers branch with errors.Is; the wrapped
// detail names the subsystem cause.
var (
	ErrInvalidArgument    = errors.New("trama: invalid argument")
	ErrFailedPrecondition = errors.New("trama: failed precondition")
	ErrAlreadyExists      = errors.New("trama: already exists")
	ErrResourceExhausted  = errors.New("trama: resource exhausted")
	ErrUnavailable        = errors.New("trama: unavailable")
	ErrNotFound           = errors.New("trama: not found")
	ErrUnimplemented      = errors.New("trama: unimplemented")
)

// ErrInvalidConfig reports a rejected option on node creation.
var ErrInvalidConfig = errors.New("node: invalid options")

var (
	errPortalClosed     = errors.New("portal: closed")
	errPortalMoved      = errors.New("portal: in transit to another node")
	errPortalIntoItself = errors.New("portal: cannot travel through itself")
	errPortalIntoPeer   = errors.New("portal: cannot travel through its own peer")
	errPeerGone         = errors.New("portal: peer closed")
	errNoParcel         = errors.New("portal: no parcel queued")
	errQueueLimits      = errors.New("portal: destination queue limits reached")
	errParcelTooLarge   = errors.New("portal: parcel exceeds the node memory capacity")
	errTwoPhaseInFlight = errors.New("portal: a two-phase operation is already in progress")
	errNoTwoPhase       = errors.New("portal: no two-phase operation in progress")
	errCommitTooLong    = errors.New("portal: commit exceeds the pending operation")

	errNotABox        = errors.New("handle: not a box")
	errNilTrapHandler = errors.New("trap: a handler is required")
	errEmptyHandle    = errors.New("handle: carries neither portal nor box")
	errRoleMismatch   = errors.New("node: connect mode does not match the node role")
	errDriverRequired = errors.New("node: a driver is required")
)

func failure(class, cause error) error {
	return fmt.Errorf("%w: %w", class, cause)
}
