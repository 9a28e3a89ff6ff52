package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lending-engine/internal/account"
	"lending-engine/internal/api"
	"lending-engine/internal/config"
	"lending-engine/internal/engine"
	"lending-engine/internal/fixedpoint"
	"lending-engine/internal/logging"
	"lending-engine/internal/matching"
	"lending-engine/internal/metrics"
	"lending-engine/internal/minter"
	"lending-engine/internal/oracle"
	"lending-engine/internal/persistence"
	"lending-engine/internal/pool"
	"lending-engine/internal/projection"
	"lending-engine/internal/vault"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "lendingd",
		Short:        "Tokenized fixed-rate lending engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		RunE:  runServe,
	}

	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().String("log-file", "", "rotated log file, stderr when empty")
	serveCmd.Flags().String("fee-wallet", "", "address receiving protocol fees and shortfall")
	serveCmd.Flags().Uint64("fee-numerator", 19, "interest kept by holders, numerator")
	serveCmd.Flags().Uint64("fee-denominator", 20, "interest kept by holders, denominator")
	serveCmd.Flags().Int("queue-size", 1000, "engine command queue size")
	serveCmd.Flags().Duration("idempotency-ttl", 24*time.Hour, "idempotency record TTL")
	serveCmd.Flags().Int("snapshot-every", 1, "save state after this many mutating commands; above 1 a crash "+
		"leaves journal events past the snapshot and serve refuses to start until lendingd journal-trim drops them")
	serveCmd.Flags().Int("snapshot-keep", 3, "snapshots kept on disk")
	serveCmd.Flags().String("data-dir", "./data", "journal and snapshot directory")
	serveCmd.Flags().String("pg-dsn", "", "optional Postgres DSN mirroring state and events")

	root.AddCommand(serveCmd)

	poolIDCmd := &cobra.Command{
		Use:   "pool-id",
		Short: "Print the id of a pool definition",
		RunE:  runPoolID,
	}

	poolIDCmd.Flags().String("input-asset", "", "asset consumers deposit")
	poolIDCmd.Flags().String("vault-asset", "", "asset of the yield vault")
	poolIDCmd.Flags().String("rate", "", "upfront rate, e.g. 0.05")
	poolIDCmd.Flags().String("add-interest-rate", "", "additional perpetual rate")
	poolIDCmd.Flags().String("lock-expiry", "", "time lock duration, empty for an address lock")
	poolIDCmd.Flags().String("packet-size", "", "packet size in vault asset base units")
	poolIDCmd.Flags().String("name", "", "pool name")

	root.AddCommand(poolIDCmd)

	trimCmd := &cobra.Command{
		Use:   "journal-trim",
		Short: "Drop journal events recorded after the latest snapshot",
		Long: "Drop journal events recorded after the latest snapshot. A crash with snapshot-every above 1 " +
			"leaves such events behind; the collaborator effects they describe were lost with the process.",
		RunE: runJournalTrim,
	}
	trimCmd.Flags().String("data-dir", "./data", "journal and snapshot directory")
	trimCmd.Flags().Int("snapshot-keep", 3, "snapshots kept on disk")

	root.AddCommand(trimCmd)
	return root
}

func runPoolID(cmd *cobra.Command, _ []string) error {
	get := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	cfg, err := config.PoolConfig{
		InputAsset:      get("input-asset"),
		VaultAsset:      get("vault-asset"),
		Rate:            get("rate"),
		AddInterestRate: get("add-interest-rate"),
		LockExpiry:      get("lock-expiry"),
		PacketSize:      get("packet-size"),
		Name:            get("name"),
	}.PoolConfig()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), pool.ComputeID(cfg).Hex())
	return nil
}

func runJournalTrim(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	journal, err := persistence.NewFileEventStore(filepath.Join(cfg.DataDir, "events"))
	if err != nil {
		return err
	}
	defer journal.Close()
	snapshots, err := persistence.NewFileSnapshotStore(filepath.Join(cfg.DataDir, "snapshots"), cfg.SnapshotKeep)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	rec, err := persistence.NewFileRecoveryService(journal, snapshots).DiscardPending(cmd.Context())
	if err != nil {
		return fmt.Errorf("journal-trim: %w", err)
	}
	for poolID, events := range rec.Pending {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: dropped %d events from sequence %d\n", poolID.Hex(), len(events), events[0].Sequence())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "dropped %d events\n", rec.PendingCount())
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bank, vaults, prices, err := buildCollaborators(cfg)
	if err != nil {
		return err
	}
	feeWallet, _ := cfg.FeeWalletAddress()
	fees, _ := cfg.Fees()

	core, err := matching.NewCore(pool.NewRegistry(logger), bank, prices, minter.NewMemoryMinter(), matching.Config{
		FeeWallet: feeWallet,
		Fees:      fees,
	}, logger)
	if err != nil {
		return err
	}

	journal, err := persistence.NewFileEventStore(filepath.Join(cfg.DataDir, "events"))
	if err != nil {
		return err
	}
	defer journal.Close()
	snapshots, err := persistence.NewFileSnapshotStore(filepath.Join(cfg.DataDir, "snapshots"), cfg.SnapshotKeep)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	recovery := persistence.NewFileRecoveryService(journal, snapshots)
	rec, err := recovery.RestoreCore(ctx, core)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if n := rec.PendingCount(); n > 0 {
		return fmt.Errorf("recovery: journal holds %d events past the latest snapshot; run lendingd journal-trim --data-dir %s to drop them", n, cfg.DataDir)
	}
	if rec.Snapshot != nil {
		logger.Info("state restored",
			zap.Int64("height", rec.Snapshot.Height),
			zap.Int("pools", len(rec.Snapshot.State.Pools)),
			zap.Int("positions", len(rec.Snapshot.State.Positions)),
		)
		if len(rec.Snapshot.State.Positions) > 0 {
			logger.Warn("restored positions reference tokens and vault shares of in-memory collaborators")
		}
	}

	orders := projection.NewMemoryOrderRepository()
	positions := projection.NewMemoryPositionRepository()
	projector := projection.NewProjector(orders, positions)
	history, err := recovery.Journal(ctx)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if err := projector.Apply(ctx, history); err != nil {
		return fmt.Errorf("rebuild projection: %w", err)
	}

	met := metrics.New()
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(met),
		engine.WithSink("journal", journal),
		engine.WithSink("projection", projector),
	}
	states := stateStores{snapshots}
	if cfg.PGDSN != "" {
		pg, err := persistence.NewPGStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		opts = append(opts, engine.WithSink("postgres", pg))
		states = append(states, pg)
	}
	opts = append(opts, engine.WithStateStore(states))

	eng := engine.NewEngine(core, &engine.EngineConfig{
		QueueSize:      cfg.QueueSize,
		IdempotencyTTL: cfg.IdempotencyTTL,
		SnapshotEvery:  cfg.SnapshotEvery,
	}, opts...)
	defer eng.Stop()

	for _, v := range vaults {
		res := eng.Submit(ctx, &engine.CommandEnvelope{
			CommandID:   "cmd_" + uuid.NewString(),
			CommandType: engine.CommandTypeBindAdapter,
			Payload:     &engine.BindAdapterRequest{VaultAsset: v.Asset(), Adapter: v},
			CreatedAt:   time.Now(),
		})
		if res.Err != nil {
			return fmt.Errorf("bind vault %s: %w", v.Asset().Hex(), res.Err)
		}
	}
	if err := createPools(ctx, eng, cfg.Pools, logger); err != nil {
		return err
	}

	handler := api.NewHandler(eng, orders, positions, logger)
	router := api.NewRouter(handler, met.Handler(), logger)
	return api.NewServer(cfg.Addr, router, logger).Run(ctx)
}

// buildCollaborators creates the in-memory bank, vaults and oracle
func buildCollaborators(cfg config.Config) (*account.MemoryBank, []*vault.MemoryVault, *oracle.StaticOracle, error) {
	bank := account.NewMemoryBank()
	for _, b := range cfg.Balances {
		owner, err := config.ParseAddress("balance owner", b.Owner)
		if err != nil {
			return nil, nil, nil, err
		}
		asset, err := config.ParseAddress("balance asset", b.Asset)
		if err != nil {
			return nil, nil, nil, err
		}
		amount, err := config.ParseAmount("balance amount", b.Amount)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := bank.Mint(owner, asset, amount); err != nil {
			return nil, nil, nil, err
		}
	}

	vaults := make([]*vault.MemoryVault, 0, len(cfg.Vaults))
	for _, vc := range cfg.Vaults {
		asset, err := config.ParseAddress("vault asset", vc.Asset)
		if err != nil {
			return nil, nil, nil, err
		}
		vaults = append(vaults, vault.NewMemoryVault(bank, asset, vc.Name))
	}

	prices := oracle.NewStaticOracle()
	for _, pc := range cfg.Prices {
		asset, err := config.ParseAddress("price asset", pc.Asset)
		if err != nil {
			return nil, nil, nil, err
		}
		price, err := fixedpoint.ParseAmount(pc.Price, fixedpoint.Scale)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("price %s: %w", asset.Hex(), err)
		}
		if err := prices.SetPrice(asset, price); err != nil {
			return nil, nil, nil, err
		}
	}
	return bank, vaults, prices, nil
}

// createPools submits every configured pool, skipping those restored from disk
func createPools(ctx context.Context, eng *engine.Engine, pools []config.PoolConfig, logger *zap.Logger) error {
	for _, pc := range pools {
		pcfg, err := pc.PoolConfig()
		if err != nil {
			return err
		}
		res := eng.Submit(ctx, &engine.CommandEnvelope{
			CommandID:   "cmd_" + uuid.NewString(),
			CommandType: engine.CommandTypeCreatePool,
			Payload:     &pcfg,
			CreatedAt:   time.Now(),
		})
		switch {
		case res.ErrorCode == engine.ErrorCodePoolExists:
			logger.Debug("pool already exists", zap.String("name", pcfg.Name))
		case res.Err != nil:
			return fmt.Errorf("create pool %q: %w", pcfg.Name, res.Err)
		}
	}
	return nil
}

// stateStores saves every snapshot to each store in order
type stateStores []engine.StateStore

func (s stateStores) SaveState(ctx context.Context, state *matching.State) error {
	var errs []error
	for _, store := range s {
		if err := store.SaveState(ctx, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
