package feed

import (
	"fmt"
)

// DecodeError reports a producer frame that could not be turned into a reading.
// The connection stays open.
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a reading the storage collaborator refused or
// failed to write. Nothing is cached or broadcast.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist reading: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// DisconnectError reports a transport that failed rather than closed cleanly.
// It is terminal for the connection only.
type DisconnectError struct {
	ConnID string
	Err    error
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("connection %s lost: %v", e.ConnID, e.Err)
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}
