// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"poll-monitoring/internal/chain"
	"poll-monitoring/internal/poll"
)

// Fake is a scriptable chain.Client. Polls are served by id from the
// Polls slice regardless of the requested block.
type Fake struct {
	mu sync.Mutex

	HeadBlock uint64
	Polls     []poll.Poll

	HeadErr      error
	CountErr     error
	DetailErrs   map[poll.ID]error
	SubmitErr    error
	SubscribeErr error

	Submitted []chain.Operation
	subs      []*Subscription
	nonce     uint64
	closed    bool
}

var _ chain.Client = (*Fake)(nil)

func (f *Fake) Head(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HeadErr != nil {
		return 0, f.HeadErr
	}
	return f.HeadBlock, nil
}

// SetHead moves the head block.
func (f *Fake) SetHead(n uint64) {
	f.mu.Lock()
	f.HeadBlock = n
	f.mu.Unlock()
}

// SetHeadErr makes Head fail until cleared with nil.
func (f *Fake) SetHeadErr(err error) {
	f.mu.Lock()
	f.HeadErr = err
	f.mu.Unlock()
}

func (f *Fake) PollCount(ctx context.Context, block uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CountErr != nil {
		return 0, f.CountErr
	}
	return uint64(len(f.Polls)), nil
}

func (f *Fake) PollDetails(ctx context.Context, id poll.ID, block uint64) (poll.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.DetailErrs[id]; err != nil {
		return poll.Poll{}, err
	}
	if int(id) >= len(f.Polls) {
		return poll.Poll{}, fmt.Errorf("poll %d not found", id)
	}
	return f.Polls[id].Clone(), nil
}

func (f *Fake) Submit(ctx context.Context, op chain.Operation) (chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return chain.Receipt{}, poll.Transport(op.Kind.String(), f.SubmitErr)
	}
	f.Submitted = append(f.Submitted, op)
	f.nonce++
	return chain.Receipt{Op: op.Kind, TxHash: TxHash(f.nonce), Nonce: f.nonce}, nil
}

// TxHash is the hash the fake assigns to its n-th submission.
func TxHash(n uint64) string {
	return fmt.Sprintf("0x%064x", n)
}

func (f *Fake) Subscribe(ctx context.Context) (chain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return nil, poll.Transport("subscribe", f.SubscribeErr)
	}
	s := &Subscription{
		deliveries: make(chan chain.Delivery, 64),
		errs:       make(chan error, 1),
	}
	f.subs = append(f.subs, s)
	return s, nil
}

// Subscriptions returns every subscription opened so far.
func (f *Fake) Subscriptions() []*Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Subscription(nil), f.subs...)
}

// Last returns the most recent subscription, or nil.
func (f *Fake) Last() *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

// SubmittedOps returns a copy of the submitted operations.
func (f *Fake) SubmittedOps() []chain.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.Operation(nil), f.Submitted...)
}

func (f *Fake) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Subscription is a fake live stream driven by the test.
type Subscription struct {
	mu           sync.Mutex
	deliveries   chan chain.Delivery
	errs         chan error
	unsubscribed bool
}

func (s *Subscription) Deliveries() <-chan chain.Delivery { return s.deliveries }

func (s *Subscription) Err() <-chan error { return s.errs }

func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	s.unsubscribed = true
	s.mu.Unlock()
}

// Unsubscribed reports whether Unsubscribe was called.
func (s *Subscription) Unsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

// Emit delivers an event.
func (s *Subscription) Emit(ev poll.Event) {
	s.deliveries <- chain.Delivery{Event: ev}
}

// EmitErr delivers an undecodable log.
func (s *Subscription) EmitErr(err error) {
	s.deliveries <- chain.Delivery{Err: err}
}

// Fail kills the stream with a transport error.
func (s *Subscription) Fail(err error) {
	s.errs <- poll.Transport("subscription", err)
}
