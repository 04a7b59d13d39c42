package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cli "gopkg.in/urfave/cli.v1"

	"poll-monitoring/internal/chain"
	"poll-monitoring/internal/gateway"
	"poll-monitoring/internal/logger"
	"poll-monitoring/internal/poll"
	"poll-monitoring/internal/reconciler"
	"poll-monitoring/internal/snapshot"
	"poll-monitoring/internal/store"
)

const echoPollInterval = 200 * time.Millisecond

var (
	questionFlag = cli.StringFlag{
		Name:  "question",
		Usage: "Poll question",
	}
	optionsFlag = cli.StringSliceFlag{
		Name:  "option",
		Usage: "Poll option, repeat for each option",
	}
	pollFlag = cli.Uint64Flag{
		Name:  "poll",
		Usage: "Poll id",
	}
	choiceFlag = cli.IntFlag{
		Name:  "option",
		Usage: "Zero-based option index",
		Value: -1,
	}
	waitFlag = cli.DurationFlag{
		Name:  "wait",
		Usage: "Wait up to this long for the contract event to come back (0: don't wait)",
	}
)

var listCommand = cli.Command{
	Name:   "list",
	Usage:  "Print every poll at the current block",
	Action: runList,
}

var createCommand = cli.Command{
	Name:   "create",
	Usage:  "Create a poll",
	Flags:  []cli.Flag{questionFlag, optionsFlag, waitFlag},
	Action: runCreate,
}

var voteCommand = cli.Command{
	Name:   "vote",
	Usage:  "Vote on a poll",
	Flags:  []cli.Flag{pollFlag, choiceFlag, waitFlag},
	Action: runVote,
}

// session is a one-shot connection used by the non-interactive commands.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger
	client *chain.EthClient
}

func openSession(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg, os.Stderr)
	log.Printf("Config loaded: %s", cfg.DebugString())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	client, err := dial(ctx, cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	return &session{ctx: ctx, cancel: cancel, log: log, client: client}, nil
}

func (s *session) Close() {
	s.client.Close()
	s.cancel()
}

// load reads a snapshot into a fresh reconciler.
func (s *session) load(opts ...reconciler.Option) (*reconciler.Reconciler, snapshot.Snapshot, error) {
	snap, err := snapshot.NewLoader(s.client).Load(s.ctx)
	if err != nil {
		return nil, snap, err
	}
	rec := reconciler.New(store.New(), append([]reconciler.Option{reconciler.WithLogger(s.log)}, opts...)...)
	rec.Seed(snap)
	return rec, snap, nil
}

func runList(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, snap, err := s.load()
	if err != nil {
		return err
	}
	for _, d := range snap.Dropped {
		fmt.Fprintf(os.Stderr, "skipped: %v\n", d)
	}
	printPolls(c.App.Writer, snap.Head, rec.Store().All())
	return nil
}

func printPolls(w io.Writer, head uint64, polls []poll.Poll) {
	fmt.Fprintf(w, "%d polls at block %d\n", len(polls), head)
	for _, p := range polls {
		fmt.Fprintf(w, "\n#%d %s (%d votes)\n", p.ID, p.Question, p.Total())
		for i, o := range p.Options {
			fmt.Fprintf(w, "  [%d] %-24s %d\n", i, o, p.Counts[i])
		}
	}
}

func runCreate(c *cli.Context) error {
	question := strings.TrimSpace(c.String(questionFlag.Name))
	if question == "" {
		return errors.New("--question is required")
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	gw := gateway.New(s.client, nil)
	return submitAndWait(c, s, gw, nil, func() (chain.Receipt, error) {
		return gw.CreateVote(s.ctx, question, c.StringSlice(optionsFlag.Name))
	})
}

func runVote(c *cli.Context) error {
	if !c.IsSet(pollFlag.Name) {
		return errors.New("--poll is required")
	}
	option := c.Int(choiceFlag.Name)
	if option < 0 {
		return errors.New("--option is required")
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	// The gateway range-checks against the current view.
	view := store.New()
	gw := gateway.New(s.client, view)
	rec := reconciler.New(view, reconciler.WithLogger(s.log), reconciler.WithObserver(gw))
	snap, err := snapshot.NewLoader(s.client).Load(s.ctx)
	if err != nil {
		return err
	}
	rec.Seed(snap)

	id := poll.ID(c.Uint64(pollFlag.Name))
	return submitAndWait(c, s, gw, rec, func() (chain.Receipt, error) {
		return gw.CastVote(s.ctx, id, option)
	})
}

// submitAndWait submits and, with --wait, follows the live stream until the
// transaction's event has been applied. rec may be nil; a fresh one is made.
func submitAndWait(c *cli.Context, s *session, gw *gateway.Gateway, rec *reconciler.Reconciler, submit func() (chain.Receipt, error)) error {
	wait := c.Duration(waitFlag.Name)

	var consumeErr chan error
	if wait > 0 {
		if rec == nil {
			rec = reconciler.New(store.New(), reconciler.WithLogger(s.log), reconciler.WithObserver(gw))
		}
		// Subscribe first so the echo cannot slip by.
		sub, err := s.client.Subscribe(s.ctx)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
		consumeErr = make(chan error, 1)
		go func() { consumeErr <- rec.Consume(s.ctx, sub) }()
	}

	rcpt, err := submit()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s submitted: tx %s nonce %d\n", rcpt.Op, rcpt.TxHash, rcpt.Nonce)
	if wait <= 0 {
		return nil
	}

	timeout := time.NewTimer(wait)
	defer timeout.Stop()
	ticker := time.NewTicker(echoPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case err := <-consumeErr:
			return fmt.Errorf("live stream ended before confirmation: %w", err)
		case <-timeout.C:
			return fmt.Errorf("no event for tx %s within %s", rcpt.TxHash, wait)
		case <-ticker.C:
			if len(gw.Pending()) == 0 {
				fmt.Fprintf(c.App.Writer, "confirmed by contract event\n")
				if rcpt.Op == chain.OpCastVote {
					printPolls(c.App.Writer, rec.Stats().Watermark, rec.Store().All())
				}
				return nil
			}
		}
	}
}
