package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrClosed           = errors.New("closed")
	ErrConnectionClosed = errors.New("connection closed")

	// Mutation cycle failures.
	ErrLockTimeout      = errors.New("thingsync: lock acquisition timed out")
	ErrWaitTimeout      = errors.New("thingsync: protocol step timed out")
	ErrTransport        = errors.New("thingsync: transport failure")
	ErrSequenceMismatch = errors.New("thingsync: sequence number mismatch")
	ErrUnknownProperty  = errors.New("thingsync: unknown property")
	ErrInvalidValue     = errors.New("thingsync: invalid property value")

	// Gateway side of the handshake.
	ErrNotLockHolder = errors.New("thingsync: session does not hold the thing lock")
	ErrUnknownThing  = errors.New("thingsync: unknown thing")
)
