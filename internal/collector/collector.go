package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"poll-monitoring/internal/chain"
	"poll-monitoring/internal/config"
	"poll-monitoring/internal/logger"
	"poll-monitoring/internal/reconciler"
	"poll-monitoring/internal/snapshot"
)

const (
	// UIChannelBufferSize is the buffer size for presentation updates
	UIChannelBufferSize = 100
	// UICloseDelay gives the TUI time to process channel close
	UICloseDelay = 100 * time.Millisecond

	cleanupTimeout = 2 * time.Second
)

// Phase is where the collector is in its connection cycle.
type Phase string

const (
	PhaseConnecting   Phase = "connecting"
	PhaseSyncing      Phase = "syncing"
	PhaseLive         Phase = "live"
	PhaseReconnecting Phase = "reconnecting"
)

// Status is pushed to the presentation layer on every change of phase and
// on every watchdog tick.
type Status struct {
	Phase   Phase
	Head    uint64
	Cycles  int
	Stats   reconciler.Stats
	LastErr error
	At      time.Time
}

// Notice carries a reconciler error to the presentation layer.
type Notice struct {
	Err error
	At  time.Time
}

// Dialer opens a fresh client for one connection cycle.
type Dialer func(ctx context.Context) (chain.Client, error)

// Collector keeps the reconciler fed: it subscribes, loads a snapshot, and
// starts over with a full resync whenever the transport fails.
type Collector struct {
	cfg  config.Config
	dial Dialer
	rec  *reconciler.Reconciler
	log  *logger.Logger

	updates chan<- interface{}

	clientMu sync.Mutex
	client   chain.Client
	sub      chain.Subscription

	lastHead     uint64
	lastHeadTime time.Time
	lastHeadMu   sync.RWMutex

	cycles  int
	lastErr error
}

// NewCollector wires a collector. updates may be nil when nobody displays
// the status.
func NewCollector(cfg config.Config, dial Dialer, rec *reconciler.Reconciler, updates chan<- interface{}, log *logger.Logger) *Collector {
	if log == nil {
		log = logger.Discard()
	}
	return &Collector{
		cfg:     cfg,
		dial:    dial,
		rec:     rec,
		log:     log,
		updates: updates,
	}
}

// Run drives connection cycles until ctx is cancelled. Nothing is sent on
// the updates channel after Run returns.
func (c *Collector) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.forwardErrors(ctx)
	}()
	defer wg.Wait()

	for {
		if err := c.runLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return nil // Context cancelled, normal shutdown
			}
			c.lastErr = err
			// Only log actual errors, not planned reconnects
			if !strings.Contains(err.Error(), "reconnect:") {
				c.log.Warnf("Run loop error: %v, resyncing...", err)
			}
			c.publish(PhaseReconnecting)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.ReconnectDelay):
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Collector) runLoop(ctx context.Context) error {
	// Create a cancellable context for this connection cycle
	// This ensures that when we reconnect, all old goroutines are properly stopped
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.cycles++
	c.publish(PhaseConnecting)

	// Cleanup existing client if present (reconnect case)
	c.cleanupClient()

	client, err := c.initClient(loopCtx)
	if err != nil {
		return err
	}

	// Subscribe before the snapshot read: anything emitted in between is
	// seen twice and deduplicated, never missed.
	sub, err := client.Subscribe(loopCtx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.clientMu.Lock()
	c.sub = sub
	c.clientMu.Unlock()

	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- c.rec.Consume(loopCtx, sub)
	}()

	c.publish(PhaseSyncing)
	snap, err := snapshot.NewLoader(client).Load(loopCtx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	c.rec.Seed(snap)
	c.log.Printf("Resync #%d complete: head=%d polls=%d dropped=%d", c.cycles, snap.Head, len(snap.Polls), len(snap.Dropped))

	c.resetLastHead(snap.Head)
	c.lastErr = nil
	c.publish(PhaseLive)

	return c.watchdogLoop(loopCtx, client, consumeErr)
}

// cleanupClient stops and cleans up existing client
func (c *Collector) cleanupClient() {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// initClient dials a new client for this cycle
func (c *Collector) initClient(ctx context.Context) (chain.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.WatchdogInterval)
	defer cancel()

	client, err := c.dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.clientMu.Lock()
	c.client = client
	c.clientMu.Unlock()
	return client, nil
}

// updateLastHead records head progress (thread-safe)
func (c *Collector) updateLastHead(head uint64) {
	c.lastHeadMu.Lock()
	defer c.lastHeadMu.Unlock()
	if head > c.lastHead || c.lastHeadTime.IsZero() {
		c.lastHead = head
		c.lastHeadTime = time.Now()
	}
}

// resetLastHead restarts the stale clock for a fresh cycle.
func (c *Collector) resetLastHead(head uint64) {
	c.lastHeadMu.Lock()
	defer c.lastHeadMu.Unlock()
	c.lastHead = head
	c.lastHeadTime = time.Now()
}

// watchdogLoop checks the node and the subscription until one of them fails
func (c *Collector) watchdogLoop(ctx context.Context, client chain.Client, consumeErr <-chan error) error {
	watchdog := time.NewTicker(c.cfg.WatchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-consumeErr:
			if err == nil {
				return nil
			}
			return fmt.Errorf("subscription: %w", err)
		case <-watchdog.C:
			headCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
			head, err := client.Head(headCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("watchdog: %w", err)
			}
			c.updateLastHead(head)
			if c.shouldReconnect() {
				c.log.Warnf("Head stuck at %d for %s+, resubscribing...", head, c.cfg.StaleAfter)
				return errors.New("reconnect: head not advancing")
			}
			c.publish(PhaseLive)
		}
	}
}

// shouldReconnect checks if the head has been stuck for too long
func (c *Collector) shouldReconnect() bool {
	if c.cfg.StaleAfter <= 0 {
		return false
	}
	c.lastHeadMu.RLock()
	defer c.lastHeadMu.RUnlock()
	return time.Since(c.lastHeadTime) > c.cfg.StaleAfter
}

func (c *Collector) head() uint64 {
	c.lastHeadMu.RLock()
	defer c.lastHeadMu.RUnlock()
	return c.lastHead
}

func (c *Collector) publish(phase Phase) {
	c.send(Status{
		Phase:   phase,
		Head:    c.head(),
		Cycles:  c.cycles,
		Stats:   c.rec.Stats(),
		LastErr: c.lastErr,
		At:      time.Now(),
	})
}

// forwardErrors relays reconciler errors to the presentation layer.
func (c *Collector) forwardErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.rec.Errors():
			c.send(Notice{Err: err, At: time.Now()})
		}
	}
}

func (c *Collector) send(msg interface{}) {
	if c.updates == nil {
		return
	}
	select {
	case c.updates <- msg:
	default:
		c.log.Printf("ui update dropped: %T", msg)
	}
}

func (c *Collector) Close() error {
	c.cleanupClient()
	return nil
}
