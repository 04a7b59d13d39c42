// Package main provides the entry point for the poll monitoring application.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	cli "gopkg.in/urfave/cli.v1"

	"poll-monitoring/internal/chain"
	"poll-monitoring/internal/collector"
	"poll-monitoring/internal/config"
	"poll-monitoring/internal/logger"
)

var (
	rpcFlag = cli.StringFlag{
		Name:  "rpc",
		Usage: "Websocket or IPC endpoint of the node (overrides RPC_URL)",
	}
	contractFlag = cli.StringFlag{
		Name:  "contract",
		Usage: "VotingSystem contract address (overrides CONTRACT_ADDRESS)",
	}
	keyFlag = cli.StringFlag{
		Name:  "key",
		Usage: "Hex private key used to sign transactions (overrides PRIVATE_KEY)",
	}
	chainIDFlag = cli.Int64Flag{
		Name:  "chain-id",
		Usage: "Chain id for signing, 0 asks the node (overrides CHAIN_ID)",
	}
	dbFlag = cli.StringFlag{
		Name:  "db",
		Usage: "postgres:// URL of the audit journal (overrides DATABASE_URL)",
	}
	debugFlag = cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
)

func main() {
	// Try to load .env from CWD if present; otherwise use environment as-is
	if _, statErr := os.Stat(".env"); statErr == nil {
		_ = godotenv.Load(".env")
	}

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "poll-monitor"
	app.Usage = "Follow VotingSystem polls and vote on them"
	app.Version = "0.1.0"
	app.Writer = os.Stdout
	app.Flags = []cli.Flag{rpcFlag, contractFlag, keyFlag, chainIDFlag, dbFlag, debugFlag}
	app.Commands = []cli.Command{watchCommand, listCommand, createCommand, voteCommand}
	app.Action = runWatch
	return app
}

// loadConfig layers command line flags over the environment.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Load()
	if c.GlobalIsSet(rpcFlag.Name) {
		cfg.RPCURL = c.GlobalString(rpcFlag.Name)
	}
	if c.GlobalIsSet(contractFlag.Name) {
		cfg.ContractAddress = c.GlobalString(contractFlag.Name)
	}
	if c.GlobalIsSet(keyFlag.Name) {
		cfg.PrivateKey = c.GlobalString(keyFlag.Name)
	}
	if c.GlobalIsSet(chainIDFlag.Name) {
		cfg.ChainID = c.GlobalInt64(chainIDFlag.Name)
	}
	if c.GlobalIsSet(dbFlag.Name) {
		cfg.SetDatabaseURL(c.GlobalString(dbFlag.Name))
	}
	if c.GlobalBool(debugFlag.Name) {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newLogger builds the process logger and hooks up Sentry when configured.
func newLogger(cfg config.Config, w io.Writer) *logger.Logger {
	log := logger.NewWithWriter(cfg.Debug, w)
	if cfg.SentryDSN != "" {
		if err := log.AttachSentry(cfg.SentryDSN); err != nil {
			log.Warnf("sentry disabled: %v", err)
		}
	}
	return log
}

func dial(ctx context.Context, cfg config.Config) (*chain.EthClient, error) {
	return chain.Dial(ctx, chain.Options{
		RPCURL:     cfg.RPCURL,
		Contract:   cfg.ContractAddress,
		PrivateKey: cfg.PrivateKey,
		ChainID:    cfg.ChainID,
	})
}

// readOnlyDialer dials without the key: the collector never signs.
func readOnlyDialer(cfg config.Config) collector.Dialer {
	cfg.PrivateKey = ""
	return func(ctx context.Context) (chain.Client, error) {
		client, err := dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
