// Command keeld runs a keel ledger node in standalone mode:
// it drives consensus rounds over a local open ledger,
// serving the status API if configured.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/keel-engine/keel/kconfig"
	"github.com/keel-engine/keel/kcrypto"
	"github.com/keel-engine/keel/lc/lcapi"
	"github.com/keel-engine/keel/lc/lcarbiter"
	"github.com/keel-engine/keel/lc/lcengine"
	"github.com/keel-engine/keel/lc/lcmetrics"
	"github.com/keel-engine/keel/lc/lcstore"
	"github.com/keel-engine/keel/lcsqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "keeld",
		Short: "keel ledger consensus node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(
				cmd.Context(), os.Interrupt, syscall.SIGTERM,
			)
			defer cancel()

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))

			cfg, err := kconfig.Load(configPath)
			if err != nil {
				return err
			}

			return run(ctx, log, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")

	return cmd
}

func run(ctx context.Context, log *slog.Logger, cfg kconfig.Config) error {
	log.Info("Starting keel node", "moniker", cfg.Moniker)

	typ, err := lcengine.ParseType(cfg.ConsensusType)
	if err != nil {
		return err
	}

	var signer kcrypto.Signer
	if cfg.ValidationSeed != "" {
		seed, err := hex.DecodeString(cfg.ValidationSeed)
		if err != nil || len(seed) != ed25519.SeedSize {
			return fmt.Errorf("invalid validation seed")
		}
		signer = kcrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed))
	}

	ledgers, err := lcsqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer ledgers.Close()

	consensus := lcengine.NewConsensus(
		log.With("sys", "consensus"),
		lcstore.NewMemProposalStore(),
		typ,
	)

	var arbiter lcarbiter.Arbiter
	if typ == lcengine.TypeExternalArbiter {
		if cfg.ArbiterHosts == "" {
			return fmt.Errorf("arbiter_hosts required for external consensus")
		}
		factory := lcarbiter.NewZKFactory(
			log.With("sys", "arbiter"),
			lcarbiter.ZKConfig{Hosts: cfg.ArbiterHosts},
		)
		zkArb, err := factory.Acquire(ctx)
		if err != nil {
			return err
		}
		defer factory.Release()
		arbiter = zkArb
	}

	reg := prometheus.NewRegistry()
	metrics := lcmetrics.NewCollector(reg)

	node := newStandaloneNode(log, standaloneConfig{
		Config:    cfg,
		Ledgers:   ledgers,
		Consensus: consensus,
		Arbiter:   arbiter,
		Signer:    signer,
		Metrics:   metrics,
	})

	if cfg.HTTPListen != "" {
		ln, err := net.Listen("tcp", cfg.HTTPListen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.HTTPListen, err)
		}
		srv := lcapi.NewHTTPServer(ctx, log.With("sys", "api"), lcapi.HTTPServerConfig{
			Listener:        ln,
			Consensus:       consensus,
			CurrentRound:    node.CurrentRound,
			MetricsGatherer: reg,
		})
		defer srv.Wait()
		log.Info("Status API listening", "addr", ln.Addr().String())
	}

	return node.Run(ctx)
}
