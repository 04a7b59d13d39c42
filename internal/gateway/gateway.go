// Package gateway validates and submits poll mutations. It never writes the
// view: results become visible only when the contract's events come back
// through the reconciler.
package gateway

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"poll-monitoring/internal/chain"
	"poll-monitoring/internal/poll"
	"poll-monitoring/internal/reconciler"
	"poll-monitoring/internal/snapshot"
	"poll-monitoring/internal/store"
)

// Pending is a submitted operation whose event has not been seen yet.
type Pending struct {
	Receipt   chain.Receipt
	Op        chain.Operation
	Submitted time.Time
}

// Gateway submits createVote and castVote through a borrowed client.
type Gateway struct {
	client chain.Client
	view   store.Reader

	mu      sync.Mutex
	pending map[string]Pending
	now     func() time.Time
}

// New returns a gateway. view is used for the castVote pre-flight check and
// may be nil, in which case no local range check happens.
func New(client chain.Client, view store.Reader) *Gateway {
	return &Gateway{
		client:  client,
		view:    view,
		pending: make(map[string]Pending),
		now:     time.Now,
	}
}

// CreateVote submits a new poll. Blank options are dropped first; at least
// two must remain.
func (g *Gateway) CreateVote(ctx context.Context, question string, options []string) (chain.Receipt, error) {
	cleaned := make([]string, 0, len(options))
	for _, o := range options {
		if o = strings.TrimSpace(o); o != "" {
			cleaned = append(cleaned, o)
		}
	}
	if len(cleaned) < poll.MinOptions {
		return chain.Receipt{}, &poll.ValidationError{Field: "options", Reason: "at least two non-empty options are required"}
	}
	return g.submit(ctx, chain.Operation{Kind: chain.OpCreateVote, Question: strings.TrimSpace(question), Options: cleaned})
}

// CastVote submits a vote. When the poll is known locally the option index
// is range-checked before anything is sent; the contract checks again.
func (g *Gateway) CastVote(ctx context.Context, id poll.ID, optionIndex int) (chain.Receipt, error) {
	if optionIndex < 0 {
		return chain.Receipt{}, &poll.RangeError{PollID: id, Index: optionIndex}
	}
	if g.view != nil {
		if p, ok := g.view.Get(id); ok && optionIndex >= len(p.Options) {
			return chain.Receipt{}, &poll.RangeError{PollID: id, Index: optionIndex, Options: len(p.Options)}
		}
	}
	return g.submit(ctx, chain.Operation{Kind: chain.OpCastVote, PollID: id, OptionIndex: optionIndex})
}

func (g *Gateway) submit(ctx context.Context, op chain.Operation) (chain.Receipt, error) {
	rcpt, err := g.client.Submit(ctx, op)
	if err != nil {
		if errors.Is(err, poll.ErrReadOnly) {
			return chain.Receipt{}, err
		}
		return chain.Receipt{}, poll.Transport(op.Kind.String(), err)
	}
	g.mu.Lock()
	g.pending[strings.ToLower(rcpt.TxHash)] = Pending{Receipt: rcpt, Op: op, Submitted: g.now()}
	g.mu.Unlock()
	return rcpt, nil
}

// Pending lists operations still waiting for their event, oldest first.
func (g *Gateway) Pending() []Pending {
	g.mu.Lock()
	list := make([]Pending, 0, len(g.pending))
	for _, p := range g.pending {
		list = append(list, p)
	}
	g.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Receipt.Nonce < list[j].Receipt.Nonce })
	return list
}

// Observed clears a pending operation once any event from its transaction
// reaches the reconciler, whatever the outcome.
func (g *Gateway) Observed(ev poll.Event, _ reconciler.Outcome) {
	if ev.TxHash == "" {
		return
	}
	g.mu.Lock()
	delete(g.pending, strings.ToLower(ev.TxHash))
	g.mu.Unlock()
}

// Reported is part of reconciler.Observer; the gateway has no use for it.
func (g *Gateway) Reported(error) {}

// Seeded drops operations submitted before the snapshot load started. Their
// echo may have fallen into a resubscribe gap; if they were mined by the
// snapshot head their effect is already in the view.
func (g *Gateway) Seeded(snap snapshot.Snapshot) {
	if snap.TakenAt.IsZero() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for hash, p := range g.pending {
		if p.Submitted.Before(snap.TakenAt) {
			delete(g.pending, hash)
		}
	}
}

var (
	_ reconciler.Observer         = (*Gateway)(nil)
	_ reconciler.SnapshotObserver = (*Gateway)(nil)
)
