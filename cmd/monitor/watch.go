package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "gopkg.in/urfave/cli.v1"

	"poll-monitoring/internal/collector"
	dbpkg "poll-monitoring/internal/db"
	"poll-monitoring/internal/gateway"
	"poll-monitoring/internal/reconciler"
	"poll-monitoring/internal/store"
	"poll-monitoring/internal/tui"
)

var watchCommand = cli.Command{
	Name:   "watch",
	Usage:  "Follow all polls live in a terminal UI (default)",
	Action: runWatch,
}

func runWatch(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// If debug logs are enabled, write them to file to avoid interfering with TUI
	var logWriter io.Writer = io.Discard
	if cfg.Debug {
		logFile, err := os.OpenFile("monitor.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			defer logFile.Close()
			logWriter = logFile
			fmt.Fprintf(os.Stderr, "Debug logs written to monitor.log\n")
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to open log file, debug logs disabled: %v\n", err)
		}
	}
	log := newLogger(cfg, logWriter)

	fmt.Printf("Poll monitor starting...\n")
	fmt.Printf("Config loaded: %s\n", cfg.DebugString())
	fmt.Printf("Loading...\n")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gormDB, err := dbpkg.Open(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	var opts []reconciler.Option
	opts = append(opts, reconciler.WithLogger(log))

	var journal *dbpkg.Journal
	if gormDB != nil {
		log.Printf("DB connected")
		if err := dbpkg.AutoMigrate(gormDB); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Printf("Migrations applied")
		journal = dbpkg.NewJournal(gormDB, log)
		defer journal.Close()
		opts = append(opts, reconciler.WithObserver(journal))
	} else {
		log.Printf("DATABASE_URL not provided – journal disabled")
	}

	st := store.New()

	// The gateway gets its own connection so a resync never drops an
	// in-flight transaction.
	var voter tui.Voter
	if !cfg.ReadOnly() {
		dialCtx, dialCancel := context.WithTimeout(ctx, cfg.WatchdogInterval)
		gwClient, err := dial(dialCtx, cfg)
		dialCancel()
		if err != nil {
			return fmt.Errorf("failed to connect signer: %w", err)
		}
		defer gwClient.Close()
		log.Printf("Signing as %s", gwClient.Account().Hex())

		gw := gateway.New(gwClient, st)
		opts = append(opts, reconciler.WithObserver(gw))
		voter = gw
	}

	rec := reconciler.New(st, opts...)

	// Create channel for TUI updates
	updates := make(chan interface{}, collector.UIChannelBufferSize)
	go func() {
		if err := tui.Run(updates, rec.Store(), voter); err != nil {
			log.Printf("TUI error: %v", err)
		}
		// TUI exited, cancel context to trigger shutdown
		cancel()
	}()

	coll := collector.NewCollector(cfg, readOnlyDialer(cfg), rec, updates, log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := coll.Run(ctx); err != nil {
			log.Printf("collector stopped: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	<-done

	// Close collector (this will stop the subscription and the connection)
	if err := coll.Close(); err != nil {
		log.Printf("close error: %v", err)
	}

	// Close TUI update channel to stop sending updates
	close(updates)
	// Give TUI a moment to process the close and quit
	time.Sleep(collector.UICloseDelay)

	// The TUI is gone; report losses on the terminal.
	if journal != nil && journal.Dropped() > 0 {
		fmt.Fprintf(os.Stderr, "Warning: journal dropped %d rows\n", journal.Dropped())
	}
	if d := rec.Stats().DroppedErrors; d > 0 {
		fmt.Fprintf(os.Stderr, "Warning: %d reconciliation errors were dropped from the error queue\n", d)
	}

	// Ensure logs flushed in some environments
	_ = os.Stderr.Sync()
	_ = os.Stdout.Sync()
	return nil
}
