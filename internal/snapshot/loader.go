// Package snapshot reads the full poll set from the contract, pinned to one
// block.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"poll-monitoring/internal/chain"
	"poll-monitoring/internal/poll"
)

const maxPrealloc = 1024

// Snapshot is every poll as of block Head. Records that failed decoding are
// listed in Dropped and left out of Polls.
type Snapshot struct {
	Head    uint64
	Polls   []poll.Poll
	Dropped []error
	// TakenAt is when the load started: anything submitted earlier and
	// mined by Head is reflected in Polls.
	TakenAt time.Time
}

// Watermark is the last log position the snapshot reflects.
func (s Snapshot) Watermark() poll.Position {
	return poll.EndOfBlock(s.Head)
}

// Loader fetches snapshots through a borrowed chain client.
type Loader struct {
	client chain.Client
	now    func() time.Time
}

func NewLoader(client chain.Client) *Loader {
	return &Loader{client: client, now: time.Now}
}

// Load reads the head block, then every poll at that block. A transport
// failure aborts the whole load; a malformed record only drops that poll.
func (l *Loader) Load(ctx context.Context) (Snapshot, error) {
	started := l.now()
	head, err := l.client.Head(ctx)
	if err != nil {
		return Snapshot{}, poll.Transport("snapshot head", err)
	}

	count, err := l.client.PollCount(ctx, head)
	if err != nil {
		return Snapshot{}, poll.Transport("snapshot count", err)
	}

	// count comes from the contract; it only bounds the loop, never an
	// allocation.
	snap := Snapshot{Head: head, TakenAt: started, Polls: make([]poll.Poll, 0, min(count, maxPrealloc))}
	for i := uint64(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, err
		}
		id := poll.ID(i)
		p, err := l.client.PollDetails(ctx, id, head)
		if err != nil {
			var de *poll.DecodeError
			if errors.As(err, &de) {
				snap.Dropped = append(snap.Dropped, err)
				continue
			}
			return Snapshot{}, poll.Transport(fmt.Sprintf("snapshot poll %d", id), err)
		}
		p.ID = id
		if err := p.Validate(); err != nil {
			snap.Dropped = append(snap.Dropped, err)
			continue
		}
		snap.Polls = append(snap.Polls, p)
	}
	return snap, nil
}
