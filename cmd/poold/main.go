// main.go - poold runs the shielded pool ledger, its HTTP API and the bridge relay.
//
// Usage:
//
//	poold setup                      compile the circuits and write the Groth16 keys
//	poold serve                      run the ledger, API, relay and payout dispatcher
//	poold export-verifier -n 2       print the Solidity verifier for an input arity
//	poold keygen -o alice.json       create a wallet file with a fresh keypair
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"shieldedpool/internal/field"
	"shieldedpool/internal/pool"
	"shieldedpool/internal/transactions/bridge"
	"shieldedpool/internal/transactions/register"
	"shieldedpool/p2p"
)

const version = "0.1.0"

// arities are the input counts the pool accepts.
var arities = []int{2, 16}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "poold",
		Short:         "Shielded pool ledger daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "poold.yaml", "config file, created with defaults when missing")

	load := func() (*Config, error) {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		return cfg, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the ledger, API, relay and payout dispatcher",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return serve(ctx, cfg)
			},
		},
		&cobra.Command{
			Use:   "setup",
			Short: "Compile the circuits and write their Groth16 keys to key_dir",
			RunE: func(*cobra.Command, []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				log, err := NewLogger(cfg.LogLevel, "", "")
				if err != nil {
					return err
				}
				if err := os.MkdirAll(cfg.KeyDir, 0o755); err != nil {
					return err
				}
				_, err = pool.SetupGroth16(cfg.KeyDir, cfg.Levels, arities, log.Logger)
				return err
			},
		},
		newExportCmd(load),
		newKeygenCmd(load),
	)
	return root
}

func newExportCmd(load func() (*Config, error)) *cobra.Command {
	var inputs int
	var out string
	cmd := &cobra.Command{
		Use:   "export-verifier",
		Short: "Write the Solidity verifier contract for an input arity",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log, err := NewLogger(cfg.LogLevel, "", "")
			if err != nil {
				return err
			}
			g, err := pool.SetupGroth16(cfg.KeyDir, cfg.Levels, []int{inputs}, log.Logger)
			if err != nil {
				return err
			}
			w := os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return g.ExportSolidity(w, inputs)
		},
	}
	cmd.Flags().IntVarP(&inputs, "inputs", "n", 2, "input arity (2 or 16)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, stdout when empty")
	return cmd
}

func newKeygenCmd(load func() (*Config, error)) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a wallet file holding a fresh shielded keypair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			h, err := field.NewHasher(cfg.Hasher)
			if err != nil {
				return err
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			kp, err := pool.NewKeypair(h)
			if err != nil {
				return err
			}
			if err := pool.NewWallet(h, nil, kp).Save(out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kp.Address())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "wallet.json", "wallet file to create")
	return cmd
}

// auditSettlement records same-domain payouts in the audit log for the operator's payer.
type auditSettlement struct{ log *Logger }

func (s auditSettlement) Transfer(_ context.Context, p pool.Payout) error {
	s.log.Audit("payout").
		Uint64("id", p.ID).
		Str("kind", string(p.Kind)).
		Str("to", p.To.Hex()).
		Str("amount", p.Amount.String()).
		Str("message", p.MessageID.Hex()).
		Str("reason", p.Reason).
		Send()
	return nil
}

func serve(ctx context.Context, cfg *Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log, err := NewLogger(cfg.LogLevel, cfg.LogFile, auditPath(cfg))
	if err != nil {
		return err
	}
	defer log.Close()
	log.Info().Str("version", version).Msg("starting poold")

	hasher, err := field.NewHasher(cfg.Hasher)
	if err != nil {
		return err
	}
	if hasher.Name() != field.HasherMiMC {
		return errNeedsMiMC
	}
	metrics := NewDaemonMetrics()

	dbPath := ""
	if cfg.DataDir != "" {
		dbPath = filepath.Join(cfg.DataDir, "ledger")
	}
	db, err := pool.OpenStore(dbPath, cfg.CacheMB, 256)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.KeyDir, 0o755); err != nil {
		return err
	}
	g16, err := pool.SetupGroth16(cfg.KeyDir, cfg.Levels, arities, log.Logger)
	if err != nil {
		return err
	}

	lcfg := pool.DefaultLedgerConfig()
	lcfg.Levels = cfg.Levels
	lcfg.HistorySize = cfg.HistorySize
	if lcfg.MaxDeposit, err = cfg.MaxDepositWei(); err != nil {
		return err
	}
	if lcfg.MinWithdrawal, err = cfg.MinWithdrawalWei(); err != nil {
		return err
	}
	ledger, err := pool.NewLedger(lcfg, db, g16, hasher, log.Logger, metrics.Pool)
	if err != nil {
		return err
	}

	registry := register.NewRegistry(db, register.Domain{
		ChainID:           big.NewInt(cfg.ChainID),
		VerifyingContract: common.HexToAddress(cfg.VerifyingContract),
	}, log.Logger)

	var wg sync.WaitGroup
	node := p2p.NewNode(cfg.RelayID, cfg.RelayAddr, cfg.RelayPeers, &wg, log.Logger)
	var channel bridge.Channel
	if cfg.BridgePeer != "" {
		channel = p2p.NewBridgeChannel(node, cfg.BridgePeer)
	}
	reconciler := bridge.NewReconciler(bridge.Config{
		Token:     common.HexToAddress(cfg.Token),
		Custodian: common.HexToAddress(cfg.Custodian),
		Unwrapper: common.HexToAddress(cfg.Unwrapper),
	}, ledger, registry, channel, auditSettlement{log: log}, log.Logger, metrics.Pool)
	p2p.ServeFundsBridged(node, cfg.BridgePeer, reconciler)

	health := NewHealthChecker(version)
	health.RegisterComponent("store", storeChecker(ledger))
	health.RegisterComponent("tree", capacityChecker(ledger))
	health.RegisterComponent("relay", relayChecker(node))

	limiter := NewClientRateLimiter(cfg.RateLimit, cfg.RateBurst)
	api := pool.NewServer(ledger, registry, health.ServeHTTP, log.Logger)
	mux := http.NewServeMux()
	mux.Handle("/v1/", api.Handler())
	mux.Handle("GET /metrics", metrics.Handler())
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           metrics.Instrument(limiter.Middleware(metrics, "/v1/transact", "/v1/register")(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := node.StartServer(nil); err != nil {
		return err
	}
	interval, _ := cfg.Interval()
	wg.Add(2)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx, interval)
	}()
	go func() {
		defer wg.Done()
		upkeep(ctx, node, limiter)
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Uint64("leaves", ledger.Len()).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	log.Info().Msg("shutting down")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if e := httpServer.Shutdown(shutdownCtx); e != nil {
		log.Warn().Err(e).Msg("api shutdown")
	}
	if e := node.Shutdown(shutdownCtx); e != nil {
		log.Warn().Err(e).Msg("relay shutdown")
	}
	wg.Wait()
	return err
}

// upkeep pings relay peers and prunes idle rate limiter entries.
func upkeep(ctx context.Context, node *p2p.Node, limiter *ClientRateLimiter) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	node.HealthCheck(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			node.HealthCheck(ctx)
			limiter.Prune()
		}
	}
}

func auditPath(cfg *Config) string {
	if !cfg.EnableAudit {
		return ""
	}
	return cfg.AuditLogPath
}
