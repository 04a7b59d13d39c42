// Package chain is the capability boundary to the VotingSystem contract:
// read queries, write operations and the typed event stream.
package chain

import (
	"context"

	"poll-monitoring/internal/poll"
)

// OpKind selects the contract method an Operation calls.
type OpKind uint8

const (
	OpCreateVote OpKind = iota + 1
	OpCastVote
)

func (k OpKind) String() string {
	switch k {
	case OpCreateVote:
		return "createVote"
	case OpCastVote:
		return "castVote"
	default:
		return "unknown"
	}
}

// Operation is a mutation submitted to the contract.
type Operation struct {
	Kind OpKind

	// createVote
	Question string
	Options  []string

	// castVote
	PollID      poll.ID
	OptionIndex int
}

// Receipt acknowledges that an operation was accepted for processing. It
// says nothing about the operation's effect on the ledger.
type Receipt struct {
	Op     OpKind
	TxHash string
	Nonce  uint64
}

// Delivery is one item of the live stream. Err is set when a log could not
// be turned into an Event; the stream keeps going after it.
type Delivery struct {
	Event poll.Event
	Err   error
}

// Subscription is a live, restartable event stream. Err yields at most one
// error, after which the stream is dead and must be re-opened.
type Subscription interface {
	Deliveries() <-chan Delivery
	Err() <-chan error
	Unsubscribe()
}

// Client is the LogClient capability. Queries are pinned to a block so a
// snapshot reads one consistent state.
type Client interface {
	Head(ctx context.Context) (uint64, error)
	PollCount(ctx context.Context, block uint64) (uint64, error)
	PollDetails(ctx context.Context, id poll.ID, block uint64) (poll.Poll, error)
	Submit(ctx context.Context, op Operation) (Receipt, error)
	Subscribe(ctx context.Context) (Subscription, error)
	Close()
}
