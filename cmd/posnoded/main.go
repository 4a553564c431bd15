// Command posnoded runs a single proof-of-stake node: it loads its chain
// from the configured BlockStore, verifies full integrity, registers with
// the discovery endpoint, and serves the RPC/gossip surface until it
// receives SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/forgenet/posnode/internal/blockchain"
	"github.com/forgenet/posnode/internal/config"
	"github.com/forgenet/posnode/internal/node"
)

func runNode(cfg *config.Config, log zerolog.Logger) error {
	wallet, err := cfg.Wallet()
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	log.Info().Str("address", wallet.Address.String()).Msg("wallet loaded")

	store := blockchain.NewMemoryBlockStore()
	bc := blockchain.New(store, cfg.ChainMemoryLength, log)

	if err := bc.LoadFromStore(context.Background()); err != nil {
		return fmt.Errorf("load persisted chain: %w", err)
	}
	if _, hasBlock := bc.CurrentIndex(); !hasBlock {
		log.Info().Msg("no persisted chain found; awaiting a genesis block via add_block")
	}
	if err := blockchain.VerifyFullChain(context.Background(), store, cfg.ChainMemoryLength, log); err != nil {
		return fmt.Errorf("chain integrity verification failed: %w", err)
	}

	senders := node.NewWSTransactionSenders(log)
	blockSender := node.NewHTTPBlockSender(log)
	n := node.New(cfg, wallet, bc, senders, blockSender, log)

	var discovery *node.DiscoveryClient
	if cfg.DiscoveryEndpoint != "" {
		discovery = node.NewDiscoveryClient(cfg.DiscoveryEndpoint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- n.Start(ctx, discovery) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		return nil
	}
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	app := &cli.App{
		Name:  "posnoded",
		Usage: "run a forgenet proof-of-stake node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to the node's TOML config file",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			return runNode(cfg, log)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("posnoded exited with error")
	}
}
