// Package reconciler merges snapshots and the live event stream into the
// poll store. It is the store's only writer.
//
// Every distinct event takes effect at most once. Deduplication is keyed by
// the log position of the event, never by transport delivery guarantees:
//
//   - a position already in the ledger is a silent no-op;
//   - a position at or below the snapshot watermark is already reflected in
//     the store and is skipped as well;
//   - a Cast for a poll that is not yet known is held back until the poll's
//     Created event (or a snapshot containing it) shows up.
//
// All mutations run under one mutex, which is the single ordering point for
// the snapshot path and the live path.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"poll-monitoring/internal/chain"
	"poll-monitoring/internal/logger"
	"poll-monitoring/internal/poll"
	"poll-monitoring/internal/snapshot"
	"poll-monitoring/internal/store"
)

// DefaultErrorBuffer is the capacity of the error channel.
const DefaultErrorBuffer = 128

// Outcome says what Apply did with an event.
type Outcome uint8

const (
	// Applied: the event changed the store.
	Applied Outcome = iota + 1
	// Duplicate: the position was already in the ledger.
	Duplicate
	// Covered: the position is at or below the snapshot watermark.
	Covered
	// Kept: a Created for a poll that already exists; the existing entry wins.
	Kept
	// Buffered: a Cast whose poll is not known yet.
	Buffered
	// Rejected: the event violated an invariant and was discarded.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Covered:
		return "covered"
	case Kept:
		return "kept"
	case Buffered:
		return "buffered"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Observer is told about every processed event and every surfaced error.
// It runs under the reconciler lock and must not call back into it.
type Observer interface {
	Observed(ev poll.Event, outcome Outcome)
	Reported(err error)
}

// SnapshotObserver is an optional Observer extension told about every
// seeded snapshot, after the merge. Same locking rules as Observer.
type SnapshotObserver interface {
	Seeded(snap snapshot.Snapshot)
}

// Stats are running counters, for status displays.
type Stats struct {
	Applied       uint64
	Duplicates    uint64
	Covered       uint64
	Buffered      uint64
	Violations    uint64
	DroppedErrors uint64
	Pending       int
	Ledger        int
	Watermark     uint64
	Snapshots     uint64
}

type Option func(*Reconciler)

// WithObserver registers an observer. May be given several times.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) { r.observers = append(r.observers, o) }
}

// WithErrorBuffer sets the error channel capacity.
func WithErrorBuffer(n int) Option {
	return func(r *Reconciler) { r.errBuf = n }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *logger.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// Reconciler owns the store and the reconciliation ledger.
type Reconciler struct {
	mu sync.Mutex

	store  *store.Store
	ledger map[poll.Position]struct{}

	hasWatermark bool
	watermark    poll.Position

	// lastPos is the position of the newest change applied to each poll.
	lastPos map[poll.ID]poll.Position
	// pending holds Casts for unknown polls, in arrival order.
	pending map[poll.ID][]poll.Event

	observers []Observer
	errBuf    int
	errs      chan error
	log       *logger.Logger
	stats     Stats
}

// New creates a reconciler writing into s.
func New(s *store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:   s,
		ledger:  make(map[poll.Position]struct{}),
		lastPos: make(map[poll.ID]poll.Position),
		pending: make(map[poll.ID][]poll.Event),
		errBuf:  DefaultErrorBuffer,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Discard()
	}
	r.errs = make(chan error, r.errBuf)
	return r
}

// Store returns the read-only view.
func (r *Reconciler) Store() store.Reader {
	return r.store
}

// Errors delivers DecodeErrors and ConsistencyViolations. Sends never
// block: when the buffer is full the error is counted and dropped.
func (r *Reconciler) Errors() <-chan error {
	return r.errs
}

// Stats returns a copy of the counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Ledger = len(r.ledger)
	s.Pending = 0
	for _, list := range r.pending {
		s.Pending += len(list)
	}
	if r.hasWatermark {
		s.Watermark = r.watermark.Block
	}
	return s
}

// Apply processes one live event.
func (r *Reconciler) Apply(ev poll.Event) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apply(ev)
}

func (r *Reconciler) apply(ev poll.Event) Outcome {
	pos := ev.Position
	if _, seen := r.ledger[pos]; seen {
		r.stats.Duplicates++
		return r.observe(ev, Duplicate)
	}
	if r.covered(pos) {
		r.stats.Covered++
		return r.observe(ev, Covered)
	}
	r.ledger[pos] = struct{}{}

	switch ev.Kind {
	case poll.KindCreated:
		return r.applyCreated(ev)
	case poll.KindCast:
		return r.applyCast(ev)
	default:
		return r.reject(ev, fmt.Sprintf("unknown event kind %s", ev.Kind))
	}
}

func (r *Reconciler) covered(pos poll.Position) bool {
	return r.hasWatermark && !r.watermark.Less(pos)
}

func (r *Reconciler) applyCreated(ev poll.Event) Outcome {
	if len(ev.Options) < poll.MinOptions {
		return r.reject(ev, fmt.Sprintf("created with %d options", len(ev.Options)))
	}
	if !r.store.Insert(poll.New(ev.PollID, ev.Question, ev.Options)) {
		r.log.Printf("poll %d already present, keeping existing entry (%s)", ev.PollID, ev.Position)
		return r.observe(ev, Kept)
	}
	r.lastPos[ev.PollID] = ev.Position
	r.stats.Applied++
	r.observe(ev, Applied)
	r.flushPending(ev.PollID)
	return Applied
}

func (r *Reconciler) applyCast(ev poll.Event) Outcome {
	if !r.store.Has(ev.PollID) {
		r.pending[ev.PollID] = append(r.pending[ev.PollID], ev)
		r.stats.Buffered++
		return r.observe(ev, Buffered)
	}

	var reason string
	r.store.Update(ev.PollID, func(p *poll.Poll) {
		switch {
		case ev.OptionIndex < 0 || ev.OptionIndex >= len(p.Options):
			reason = fmt.Sprintf("option index %d out of range (%d options)", ev.OptionIndex, len(p.Options))
		case ev.Position.Less(r.lastPos[ev.PollID]):
			reason = fmt.Sprintf("delivered out of order, last applied %s", r.lastPos[ev.PollID])
		case ev.NewCount < p.Counts[ev.OptionIndex]:
			reason = fmt.Sprintf("count for option %d went down from %d to %d", ev.OptionIndex, p.Counts[ev.OptionIndex], ev.NewCount)
		default:
			p.Counts[ev.OptionIndex] = ev.NewCount
		}
	})
	if reason != "" {
		return r.reject(ev, reason)
	}
	r.lastPos[ev.PollID] = ev.Position
	r.stats.Applied++
	return r.observe(ev, Applied)
}

// flushPending applies the held-back casts of a poll that just appeared.
func (r *Reconciler) flushPending(id poll.ID) {
	held := r.pending[id]
	if len(held) == 0 {
		return
	}
	delete(r.pending, id)
	for _, ev := range held {
		if r.covered(ev.Position) {
			r.stats.Covered++
			r.observe(ev, Covered)
			continue
		}
		r.applyCast(ev)
	}
}

// Seed merges a snapshot. Polls absent from the store are inserted; polls
// the store already has are merged option by option, so counts the live
// path missed during a gap are caught up without undoing newer ones. The
// watermark moves forward and the ledger is pruned below it.
func (r *Reconciler) Seed(snap snapshot.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wm := snap.Watermark()
	if !r.hasWatermark || r.watermark.Less(wm) {
		r.watermark = wm
		r.hasWatermark = true
	}
	r.stats.Snapshots++

	for _, err := range snap.Dropped {
		r.report(err)
	}

	for _, p := range snap.Polls {
		if r.store.Insert(p) {
			r.lastPos[p.ID] = wm
			r.flushPending(p.ID)
			continue
		}
		r.merge(p, wm)
		if r.lastPos[p.ID].Less(wm) {
			r.lastPos[p.ID] = wm
		}
	}

	r.prune(snap.Head)
	for _, obs := range r.observers {
		if so, ok := obs.(SnapshotObserver); ok {
			so.Seeded(snap)
		}
	}
	r.log.Printf("snapshot at block %d seeded: %d polls, %d dropped, %d in view", snap.Head, len(snap.Polls), len(snap.Dropped), r.store.Len())
}

// merge refreshes the counts of a known poll from a snapshot record. Counts
// only grow, so each option keeps the larger of the two values. A lower
// snapshot count is a violation only when the view holds nothing newer than
// the snapshot. Question and options are immutable once observed.
func (r *Reconciler) merge(p poll.Poll, wm poll.Position) {
	viewNewer := wm.Less(r.lastPos[p.ID])
	var problems []string
	r.store.Update(p.ID, func(cur *poll.Poll) {
		if !sameOptions(cur.Options, p.Options) {
			problems = append(problems, fmt.Sprintf("snapshot options %q differ from %q", p.Options, cur.Options))
			return
		}
		for i, c := range p.Counts {
			if c > cur.Counts[i] {
				cur.Counts[i] = c
				continue
			}
			if c < cur.Counts[i] && !viewNewer {
				problems = append(problems, fmt.Sprintf("snapshot count for option %d is %d, view has %d", i, c, cur.Counts[i]))
			}
		}
	})
	for _, msg := range problems {
		r.stats.Violations++
		r.report(&poll.ConsistencyViolation{Position: wm, PollID: p.ID, Reason: msg})
	}
}

func sameOptions(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// prune drops ledger entries the watermark subsumes. A held-back cast at or
// below the watermark names a poll the snapshot at head does not contain:
// it is reported and dropped.
func (r *Reconciler) prune(head uint64) {
	for pos := range r.ledger {
		if r.covered(pos) {
			delete(r.ledger, pos)
		}
	}
	for id, held := range r.pending {
		kept := held[:0]
		for _, ev := range held {
			if !r.covered(ev.Position) {
				kept = append(kept, ev)
				continue
			}
			r.stats.Violations++
			r.report(&poll.ConsistencyViolation{Position: ev.Position, PollID: id, Reason: fmt.Sprintf("cast for poll %d, which does not exist at block %d", id, head)})
		}
		if len(kept) == 0 {
			delete(r.pending, id)
			continue
		}
		r.pending[id] = kept
	}
}

func (r *Reconciler) reject(ev poll.Event, reason string) Outcome {
	r.stats.Violations++
	r.report(&poll.ConsistencyViolation{Position: ev.Position, PollID: ev.PollID, Reason: reason})
	return r.observe(ev, Rejected)
}

func (r *Reconciler) observe(ev poll.Event, o Outcome) Outcome {
	for _, obs := range r.observers {
		obs.Observed(ev, o)
	}
	return o
}

// Report surfaces an error that did not come from Apply or Seed, such as an
// undecodable log.
func (r *Reconciler) Report(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cv *poll.ConsistencyViolation
	if errors.As(err, &cv) {
		r.stats.Violations++
	}
	r.report(err)
}

func (r *Reconciler) report(err error) {
	r.log.With("reconciler").WithError(err).Warn("event not applied")
	for _, obs := range r.observers {
		obs.Reported(err)
	}
	select {
	case r.errs <- err:
	default:
		r.stats.DroppedErrors++
		r.log.With("reconciler").WithFields(logrus.Fields{"dropped": r.stats.DroppedErrors}).Warn("error channel full")
	}
}

// Consume applies deliveries from a live subscription until ctx ends or the
// subscription fails. The subscription error is returned as is.
func (r *Reconciler) Consume(ctx context.Context, sub chain.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case d, ok := <-sub.Deliveries():
			if !ok {
				select {
				case err := <-sub.Err():
					return err
				default:
					return poll.Transport("subscription", errors.New("delivery channel closed"))
				}
			}
			if d.Err != nil {
				r.Report(d.Err)
				continue
			}
			outcome := r.Apply(d.Event)
			r.log.Printf("%s: %s", d.Event, outcome)
		}
	}
}
