package chain

import (
	_ "embed"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poll-monitoring/internal/poll"
)

// Contract method and event names.
const (
	MethodVoteCount      = "voteCount"
	MethodGetVoteDetails = "getVoteDetails"
	MethodCreateVote     = "createVote"
	MethodCastVote       = "castVote"

	EventVoteCreated = "VoteCreated"
	EventVoteCast    = "VoteCast"
)

//go:embed VotingSystem.abi.json
var votingSystemABI string

// ParseABI returns the parsed VotingSystem ABI.
func ParseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(votingSystemABI))
}

type voteCreatedLog struct {
	VoteId   *big.Int
	Question string
	Options  []string
}

type voteCastLog struct {
	VoteId      *big.Int
	OptionIndex *big.Int
	NewCount    *big.Int
}

// Decoder turns raw contract logs into poll events.
type Decoder struct {
	abi abi.ABI
}

// NewDecoder builds a decoder for the given ABI.
func NewDecoder(contractABI abi.ABI) *Decoder {
	return &Decoder{abi: contractABI}
}

// Topics returns the topic-0 filter matching both poll events.
func (d *Decoder) Topics() [][]common.Hash {
	return [][]common.Hash{{
		d.abi.Events[EventVoteCreated].ID,
		d.abi.Events[EventVoteCast].ID,
	}}
}

// Decode converts one log. Errors are ConsistencyViolations: the log does
// not match what the contract is supposed to emit.
func (d *Decoder) Decode(l types.Log) (poll.Event, error) {
	pos := poll.Position{Block: l.BlockNumber, Index: l.Index}
	violation := func(id poll.ID, format string, args ...interface{}) error {
		return &poll.ConsistencyViolation{Position: pos, PollID: id, Reason: fmt.Sprintf(format, args...)}
	}

	if l.Removed {
		return poll.Event{}, violation(0, "log removed by chain reorganisation (tx %s)", l.TxHash.Hex())
	}
	if len(l.Topics) == 0 {
		return poll.Event{}, violation(0, "log without event signature")
	}
	ev, err := d.abi.EventByID(l.Topics[0])
	if err != nil {
		return poll.Event{}, violation(0, "unknown event %s", l.Topics[0].Hex())
	}

	var out poll.Event
	switch ev.Name {
	case EventVoteCreated:
		var raw voteCreatedLog
		if err := d.unpack(&raw, ev, l); err != nil {
			return poll.Event{}, violation(0, "unpack %s: %v", ev.Name, err)
		}
		id, err := pollID(raw.VoteId)
		if err != nil {
			return poll.Event{}, violation(0, "%s: %v", ev.Name, err)
		}
		out = poll.Created(pos, id, raw.Question, raw.Options)
	case EventVoteCast:
		var raw voteCastLog
		if err := d.unpack(&raw, ev, l); err != nil {
			return poll.Event{}, violation(0, "unpack %s: %v", ev.Name, err)
		}
		id, err := pollID(raw.VoteId)
		if err != nil {
			return poll.Event{}, violation(0, "%s: %v", ev.Name, err)
		}
		if raw.OptionIndex == nil || !raw.OptionIndex.IsUint64() || raw.OptionIndex.Uint64() > math.MaxInt32 {
			return poll.Event{}, violation(id, "option index %v out of range", raw.OptionIndex)
		}
		if raw.NewCount == nil || !raw.NewCount.IsUint64() {
			return poll.Event{}, violation(id, "count %v does not fit uint64", raw.NewCount)
		}
		out = poll.Cast(pos, id, int(raw.OptionIndex.Uint64()), raw.NewCount.Uint64())
	default:
		return poll.Event{}, violation(0, "unexpected event %s", ev.Name)
	}
	out.TxHash = l.TxHash.Hex()
	return out, nil
}

// unpack mirrors bind.BoundContract.UnpackLog: data for non-indexed
// arguments, topics for indexed ones.
func (d *Decoder) unpack(out interface{}, ev *abi.Event, l types.Log) error {
	if len(l.Data) > 0 {
		if err := d.abi.UnpackIntoInterface(out, ev.Name, l.Data); err != nil {
			return err
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return abi.ParseTopics(out, indexed, l.Topics[1:])
}

func pollID(v *big.Int) (poll.ID, error) {
	if v == nil || !v.IsUint64() {
		return 0, fmt.Errorf("poll id %v does not fit uint64", v)
	}
	return poll.ID(v.Uint64()), nil
}
