package collector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poll-monitoring/internal/chain"
	"poll-monitoring/internal/chain/chaintest"
	"poll-monitoring/internal/config"
	"poll-monitoring/internal/poll"
	"poll-monitoring/internal/reconciler"
	"poll-monitoring/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		ReconnectDelay:   10 * time.Millisecond,
		WatchdogInterval: 20 * time.Millisecond,
	}
}

func newFake() *chaintest.Fake {
	return &chaintest.Fake{
		HeadBlock: 5,
		Polls:     []poll.Poll{{ID: 0, Question: "Lunch?", Options: []string{"Pizza", "Sushi"}, Counts: []uint64{0, 0}}},
	}
}

func fakeDialer(f *chaintest.Fake) Dialer {
	return func(ctx context.Context) (chain.Client, error) { return f, nil }
}

type running struct {
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, c *Collector) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
		r.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestSeedsAndFollowsLiveEvents(t *testing.T) {
	fake := newFake()
	rec := reconciler.New(store.New())
	updates := make(chan interface{}, UIChannelBufferSize)
	c := NewCollector(testConfig(), fakeDialer(fake), rec, updates, nil)
	r := start(t, c)

	require.Eventually(t, func() bool {
		return rec.Stats().Snapshots == 1 && fake.Last() != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.Store().Len())

	fake.Last().Emit(poll.Cast(poll.Position{Block: 6}, 0, 1, 1))
	require.Eventually(t, func() bool {
		p, ok := rec.Store().Get(0)
		return ok && p.Counts[1] == 1
	}, time.Second, 5*time.Millisecond)

	r.stop(t)

	var phases []Phase
	for len(updates) > 0 {
		if st, ok := (<-updates).(Status); ok {
			phases = append(phases, st.Phase)
		}
	}
	require.GreaterOrEqual(t, len(phases), 3)
	assert.Equal(t, []Phase{PhaseConnecting, PhaseSyncing, PhaseLive}, phases[:3])
}

func TestResyncsAfterSubscriptionFailure(t *testing.T) {
	fake := newFake()
	rec := reconciler.New(store.New())
	c := NewCollector(testConfig(), fakeDialer(fake), rec, nil, nil)
	r := start(t, c)

	require.Eventually(t, func() bool { return rec.Stats().Snapshots == 1 && fake.Last() != nil }, time.Second, 5*time.Millisecond)
	first := fake.Last()
	first.Emit(poll.Cast(poll.Position{Block: 6}, 0, 0, 1))
	require.Eventually(t, func() bool { return rec.Stats().Applied == 1 }, time.Second, 5*time.Millisecond)

	first.Fail(errors.New("websocket closed"))

	require.Eventually(t, func() bool {
		return len(fake.Subscriptions()) == 2 && rec.Stats().Snapshots >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.Unsubscribed())

	// the resync snapshot is older than the live change and must not undo it
	p, ok := rec.Store().Get(0)
	require.True(t, ok)
	assert.Equal(t, []uint64{1, 0}, p.Counts)
	assert.Zero(t, rec.Stats().Violations)

	// the replayed event is already in the ledger
	fake.Last().Emit(poll.Cast(poll.Position{Block: 6}, 0, 0, 1))
	require.Eventually(t, func() bool { return rec.Stats().Duplicates == 1 }, time.Second, 5*time.Millisecond)

	r.stop(t)
}

func TestRetriesFailedDial(t *testing.T) {
	fake := newFake()
	rec := reconciler.New(store.New())
	var attempts atomic.Int32
	dial := func(ctx context.Context) (chain.Client, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return fake, nil
	}
	c := NewCollector(testConfig(), dial, rec, nil, nil)
	r := start(t, c)

	require.Eventually(t, func() bool { return rec.Stats().Snapshots == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
	r.stop(t)
}

func TestResyncsWhenHeadIsStale(t *testing.T) {
	fake := newFake()
	rec := reconciler.New(store.New())
	cfg := testConfig()
	cfg.WatchdogInterval = 10 * time.Millisecond
	cfg.StaleAfter = 30 * time.Millisecond
	c := NewCollector(cfg, fakeDialer(fake), rec, nil, nil)
	r := start(t, c)

	require.Eventually(t, func() bool { return rec.Stats().Snapshots >= 2 }, 2*time.Second, 5*time.Millisecond)
	r.stop(t)
}

func TestStaleCheckDisabled(t *testing.T) {
	fake := newFake()
	rec := reconciler.New(store.New())
	cfg := testConfig()
	cfg.WatchdogInterval = 5 * time.Millisecond
	c := NewCollector(cfg, fakeDialer(fake), rec, nil, nil)
	r := start(t, c)

	require.Eventually(t, func() bool { return rec.Stats().Snapshots == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, uint64(1), rec.Stats().Snapshots)
	assert.Len(t, fake.Subscriptions(), 1)
	r.stop(t)
}

func TestWatchdogHeadFailureTriggersResync(t *testing.T) {
	fake := newFake()
	rec := reconciler.New(store.New())
	c := NewCollector(testConfig(), fakeDialer(fake), rec, nil, nil)
	r := start(t, c)

	require.Eventually(t, func() bool { return rec.Stats().Snapshots == 1 }, time.Second, 5*time.Millisecond)
	fake.SetHeadErr(errors.New("timeout"))
	require.Eventually(t, func() bool { return len(fake.Subscriptions()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	fake.SetHeadErr(nil)
	require.Eventually(t, func() bool { return rec.Stats().Snapshots >= 2 }, 2*time.Second, 5*time.Millisecond)

	r.stop(t)
	require.NoError(t, c.Close())
	assert.True(t, fake.Closed())
}
