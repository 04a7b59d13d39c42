package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poll-monitoring/internal/chain"
	"poll-monitoring/internal/chain/chaintest"
	"poll-monitoring/internal/poll"
	"poll-monitoring/internal/reconciler"
	"poll-monitoring/internal/snapshot"
	"poll-monitoring/internal/store"
)

func TestCreateVoteValidation(t *testing.T) {
	tests := []struct {
		name    string
		options []string
		want    []string
		wantErr bool
	}{
		{name: "two options", options: []string{"Red", "Blue"}, want: []string{"Red", "Blue"}},
		{name: "blanks dropped", options: []string{"Red", "", "  ", "Blue "}, want: []string{"Red", "Blue"}},
		{name: "one left after trimming", options: []string{"Red", "", " "}, wantErr: true},
		{name: "none", options: nil, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &chaintest.Fake{}
			g := New(fake, nil)

			rcpt, err := g.CreateVote(context.Background(), "Color?", tt.options)
			if tt.wantErr {
				var ve *poll.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Empty(t, fake.SubmittedOps(), "nothing may be submitted")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, chain.OpCreateVote, rcpt.Op)
			ops := fake.SubmittedOps()
			require.Len(t, ops, 1)
			assert.Equal(t, tt.want, ops[0].Options)
			assert.Equal(t, "Color?", ops[0].Question)
		})
	}
}

func TestCastVoteRangeCheck(t *testing.T) {
	s := store.New()
	s.Insert(poll.New(1, "Color?", []string{"Red", "Blue"}))
	fake := &chaintest.Fake{}
	g := New(fake, s)

	_, err := g.CastVote(context.Background(), 1, 2)
	var re *poll.RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 2, re.Options)

	_, err = g.CastVote(context.Background(), 1, -1)
	require.ErrorAs(t, err, &re)
	assert.Empty(t, fake.SubmittedOps())

	rcpt, err := g.CastVote(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, chain.OpCastVote, rcpt.Op)

	// unknown locally: the contract is the judge
	_, err = g.CastVote(context.Background(), 99, 7)
	require.NoError(t, err)
	assert.Len(t, fake.SubmittedOps(), 2)
}

func TestSubmitFailures(t *testing.T) {
	boom := errors.New("nonce too low")
	g := New(&chaintest.Fake{SubmitErr: boom}, nil)

	_, err := g.CreateVote(context.Background(), "q", []string{"a", "b"})
	var te *poll.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, g.Pending())

	ro := New(&chaintest.Fake{SubmitErr: poll.ErrReadOnly}, nil)
	_, err = ro.CastVote(context.Background(), 0, 0)
	assert.ErrorIs(t, err, poll.ErrReadOnly)
}

func TestGatewayDoesNotTouchView(t *testing.T) {
	s := store.New()
	s.Insert(poll.New(1, "q", []string{"a", "b"}))
	g := New(&chaintest.Fake{}, s)

	_, err := g.CastVote(context.Background(), 1, 0)
	require.NoError(t, err)

	p, _ := s.Get(1)
	assert.Equal(t, []uint64{0, 0}, p.Counts)
}

func TestPendingClearedByEcho(t *testing.T) {
	s := store.New()
	g := New(&chaintest.Fake{}, s)
	r := reconciler.New(s, reconciler.WithObserver(g))

	first, err := g.CreateVote(context.Background(), "q", []string{"a", "b"})
	require.NoError(t, err)
	second, err := g.CastVote(context.Background(), 0, 1)
	require.NoError(t, err)

	pending := g.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, first.TxHash, pending[0].Receipt.TxHash)
	assert.Equal(t, second.TxHash, pending[1].Receipt.TxHash)

	created := poll.Created(poll.Position{Block: 4}, 0, "q", []string{"a", "b"})
	created.TxHash = first.TxHash
	r.Apply(created)

	pending = g.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, second.TxHash, pending[0].Receipt.TxHash)

	cast := poll.Cast(poll.Position{Block: 5}, 0, 1, 1)
	cast.TxHash = chaintest.TxHash(2)
	r.Apply(cast)
	assert.Empty(t, g.Pending())
}

func TestPendingExpiredByResync(t *testing.T) {
	s := store.New()
	g := New(&chaintest.Fake{}, s)
	r := reconciler.New(s, reconciler.WithObserver(g))

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	_, err := g.CastVote(context.Background(), 0, 1)
	require.NoError(t, err)

	g.now = func() time.Time { return base.Add(2 * time.Second) }
	later, err := g.CastVote(context.Background(), 0, 0)
	require.NoError(t, err)

	// the first echo was lost in a resubscribe gap; the snapshot read
	// started between the two submissions
	r.Seed(snapshot.Snapshot{Head: 30, TakenAt: base.Add(time.Second), Polls: []poll.Poll{
		{ID: 0, Question: "q", Options: []string{"a", "b"}, Counts: []uint64{0, 1}},
	}})

	pending := g.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, later.TxHash, pending[0].Receipt.TxHash)

	// a snapshot without a start time expires nothing
	r.Seed(snapshot.Snapshot{Head: 31})
	assert.Len(t, g.Pending(), 1)
}
