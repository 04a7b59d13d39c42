// Package poll defines the poll ledger data model shared by the loader,
// the reconciler, the store and the gateway.
package poll

import (
	"fmt"
	"math"
)

// MinOptions is the smallest number of options a poll may carry.
const MinOptions = 2

// ID identifies a poll. Assigned by the contract, never reused.
type ID uint64

// Poll is the materialized state of a single poll.
type Poll struct {
	ID       ID
	Question string
	Options  []string
	Counts   []uint64
}

// New returns a poll with every count set to zero.
func New(id ID, question string, options []string) Poll {
	return Poll{
		ID:       id,
		Question: question,
		Options:  append([]string(nil), options...),
		Counts:   make([]uint64, len(options)),
	}
}

// Clone returns a deep copy so callers never share slices with the store.
func (p Poll) Clone() Poll {
	return Poll{
		ID:       p.ID,
		Question: p.Question,
		Options:  append([]string(nil), p.Options...),
		Counts:   append([]uint64(nil), p.Counts...),
	}
}

// Validate checks the structural invariants of a poll record.
func (p Poll) Validate() error {
	if len(p.Options) < MinOptions {
		return &DecodeError{PollID: p.ID, Reason: fmt.Sprintf("%d options, need at least %d", len(p.Options), MinOptions)}
	}
	if len(p.Counts) != len(p.Options) {
		return &DecodeError{PollID: p.ID, Reason: fmt.Sprintf("%d counts for %d options", len(p.Counts), len(p.Options))}
	}
	return nil
}

// Total returns the sum of all counts.
func (p Poll) Total() uint64 {
	var sum uint64
	for _, c := range p.Counts {
		sum += c
	}
	return sum
}

// Position is the log-assigned place of an event: block number, then log
// index within the block.
type Position struct {
	Block uint64
	Index uint
}

// Less reports whether p sorts strictly before o.
func (p Position) Less(o Position) bool {
	if p.Block != o.Block {
		return p.Block < o.Block
	}
	return p.Index < o.Index
}

// String implements fmt.Stringer.
func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Block, p.Index)
}

// EndOfBlock is the last possible position inside block n. Used for state
// read at block n, which reflects every log emitted in it.
func EndOfBlock(n uint64) Position {
	return Position{Block: n, Index: math.MaxUint32}
}

// Kind tags the Event variant.
type Kind uint8

const (
	KindCreated Kind = iota + 1
	KindCast
)

func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindCast:
		return "cast"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is one VoteCreated or VoteCast log decoded from the contract.
// Only the fields of its Kind are meaningful.
type Event struct {
	Kind     Kind
	Position Position
	TxHash   string

	PollID ID

	// Created
	Question string
	Options  []string

	// Cast
	OptionIndex int
	NewCount    uint64
}

// Created builds a Created event.
func Created(pos Position, id ID, question string, options []string) Event {
	return Event{Kind: KindCreated, Position: pos, PollID: id, Question: question, Options: options}
}

// Cast builds a Cast event.
func Cast(pos Position, id ID, optionIndex int, newCount uint64) Event {
	return Event{Kind: KindCast, Position: pos, PollID: id, OptionIndex: optionIndex, NewCount: newCount}
}

func (e Event) String() string {
	switch e.Kind {
	case KindCreated:
		return fmt.Sprintf("Created{poll=%d options=%d @%s}", e.PollID, len(e.Options), e.Position)
	case KindCast:
		return fmt.Sprintf("Cast{poll=%d option=%d count=%d @%s}", e.PollID, e.OptionIndex, e.NewCount, e.Position)
	default:
		return fmt.Sprintf("Event{%s @%s}", e.Kind, e.Position)
	}
}
