package matchmaking

import "errors"

var (
	// ErrWaitingForPeer is returned by RequestMatch when the requester is the
	// only available connection. Recoverable; the client is expected to retry.
	ErrWaitingForPeer = errors.New("waiting for another user to join")

	// ErrNotRegistered is returned when an operation references a connection
	// id that is not live.
	ErrNotRegistered = errors.New("connection not registered")

	// ErrAlreadyRegistered is returned by Register on a duplicate connection id.
	ErrAlreadyRegistered = errors.New("connection already registered")

	// ErrNotAvailable is returned by RequestMatch when the requester is live
	// but already bound to a room.
	ErrNotAvailable = errors.New("connection not available for matching")

	// ErrUnknownTarget is returned when a target-addressed relay names a
	// connection id that is no longer present.
	ErrUnknownTarget = errors.New("unknown target connection")

	// ErrTooManyConnections is returned by Register when the configured
	// connection cap is reached.
	ErrTooManyConnections = errors.New("too many connections")
)
