package poll

import (
	"errors"
	"fmt"
)

// ErrReadOnly is returned by mutations when no signing key is configured.
var ErrReadOnly = errors.New("read-only client: no signing key configured")

// TransportError means the log could not be reached. Retried by the
// collector with a resubscribe and full resync; never fatal.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError unless it is nil or already one.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// DecodeError marks a snapshot record that violates Poll invariants. The
// poll is dropped from the view.
type DecodeError struct {
	PollID ID
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode poll %d: %s", e.PollID, e.Reason)
}

// ConsistencyViolation marks a live event that disagrees with what the log
// announced earlier. The event is discarded.
type ConsistencyViolation struct {
	Position Position
	PollID   ID
	Reason   string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation at %s on poll %d: %s", e.Position, e.PollID, e.Reason)
}

// ValidationError is a client-side pre-submission rejection.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RangeError rejects an option index outside the locally known poll.
type RangeError struct {
	PollID  ID
	Index   int
	Options int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("option %d out of range for poll %d (%d options)", e.Index, e.PollID, e.Options)
}
