// Command citaconsensus runs a full validating node: AuthPool, Chain,
// Executor and the consensus Engine sharing one in-process bus.
//
// consensus.Engine's AuthSource/HeightSource are satisfied directly by
// *authpool.Pool and *chain.Chain (see internal/consensus/engine.go) — an
// in-process pointer, not a bus round-trip. A validator cannot drive
// consensus without also admitting and applying its own blocks, so this
// binary, not the smaller citaauth/citachain/citaexecutor, is the one real
// deployment artifact for a voting node; the others stay useful as
// standalone dev/test tools and as the decomposition seam if a future
// deployment splits admission or the canonical head out over the bus
// instead of a direct reference.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/cita-io/citacore/internal/authpool"
	"github.com/cita-io/citacore/internal/bus"
	"github.com/cita-io/citacore/internal/chain"
	"github.com/cita-io/citacore/internal/config"
	"github.com/cita-io/citacore/internal/consensus"
	"github.com/cita-io/citacore/internal/crypto"
	"github.com/cita-io/citacore/internal/executor"
	"github.com/cita-io/citacore/internal/logging"
	"github.com/cita-io/citacore/internal/metrics"
	"github.com/cita-io/citacore/internal/state"
	"github.com/cita-io/citacore/internal/storage"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "citaconsensus: maxprocs: %v\n", err)
	}

	var configPath, genesisPath string

	root := &cobra.Command{
		Use:   "citaconsensus",
		Short: "citaconsensus runs a full validating CITA-style node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, genesisPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "citaconsensus.toml", "path to the node TOML config")
	root.PersistentFlags().StringVar(&genesisPath, "genesis", "genesis.json", "path to the genesis JSON document")

	wal := &cobra.Command{
		Use:   "wal-inspect",
		Short: "print the consensus WAL's records for recovery debugging",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWALInspect(configPath)
		},
	}
	root.AddCommand(wal)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWALInspect(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.DataDir + "/consensus.db")
	if err != nil {
		return err
	}
	defer store.Close()

	w := consensus.NewWAL(store)
	return w.Inspect(func(rec consensus.WALRecord) {
		fmt.Printf("height=%d round=%d step=%s kind=%s\n", rec.Height, rec.Round, rec.Step, rec.Kind)
	})
}

func run(configPath, genesisPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New("CONSENSUS", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	g, err := config.LoadGenesis(genesisPath)
	if err != nil {
		return err
	}
	validatorAddrs, err := g.ValidatorAddresses()
	if err != nil {
		return err
	}
	validatorSet := consensus.NewValidatorSet(validatorAddrs)
	validators := consensus.NewValidators(validatorSet)

	localKey, err := config.LoadPrivateKey(cfg.LocalKeyFile)
	if err != nil {
		return err
	}
	localAddr := localKey.Public().Address()

	authSet, err := config.NewStaticAuthSet(g)
	if err != nil {
		return err
	}

	authStore, err := storage.Open(cfg.DataDir + "/authpool.db")
	if err != nil {
		return err
	}
	defer authStore.Close()

	chainStore, err := storage.Open(cfg.DataDir + "/chain.db")
	if err != nil {
		return err
	}
	defer chainStore.Close()

	stateStore, err := storage.Open(cfg.DataDir + "/state.db")
	if err != nil {
		return err
	}
	defer stateStore.Close()
	stateDB := state.New(stateStore)

	consensusStore, err := storage.Open(cfg.DataDir + "/consensus.db")
	if err != nil {
		return err
	}
	defer consensusStore.Close()

	b := bus.New(logger)
	defer b.Close()
	reg := metrics.New("consensus")

	authWAL := storage.NewWAL(authStore, "authpool")
	pool := authpool.New(authWAL, authSet, logger,
		authpool.WithCapacity(cfg.PoolCapacity),
		authpool.WithBatchSize(cfg.BatchSize),
	)
	defer pool.Close()

	execCfg := executor.Config{
		AutoExecEnabled:    cfg.AutoExecEnabled,
		AutoExecQuotaLimit: cfg.AutoExecQuotaLimit,
		CacheCapacity:      cfg.CacheCapacity,
	}
	if cfg.EconomicModel == "charge" {
		execCfg.Economic = executor.EconomicCharge
	}
	if cfg.SuperAdmin != "" {
		admin, err := config.ParseAddress(cfg.SuperAdmin)
		if err != nil {
			return err
		}
		execCfg.SuperAdmin = admin
	}
	exec := executor.New(stateDB, execCfg, logger)
	if err := exec.Start(); err != nil {
		return err
	}
	defer exec.Stop() //nolint:errcheck

	c, err := chain.New(chainStore, exec, validators, b, reg, chain.Config{
		QueueCapacity: cfg.QueueCapacity,
		StatusPeriod:  cfg.StatusPeriod,
		SyncDeadline:  cfg.SyncDeadline,
		OnCommit: func(height uint64, txHashes []crypto.Hash) {
			pool.ApplyCommitted(height, txHashes)
		},
	}, logger)
	if err != nil {
		return err
	}

	if c.CurrentHeight() == 0 && len(g.Accounts) > 0 {
		logger.Infow("seeding genesis accounts", "count", len(g.Accounts))
		if err := config.SeedState(stateDB, g); err != nil {
			return err
		}
	}

	if err := c.Start(); err != nil {
		return err
	}
	defer c.Stop() //nolint:errcheck

	consensusWAL := consensus.NewWAL(consensusStore)
	engine := consensus.NewEngine(localAddr, localKey, validators, pool, exec, c, consensusWAL, b, consensus.EngineConfig{
		Timeouts: consensus.TimeoutConfig{
			Propose:   cfg.ProposeTimeout,
			Prevote:   cfg.PrevoteTimeout,
			Precommit: cfg.PrecommitTimeout,
		},
		Limits: authpool.QuotaLimits{BlockQuotaLimit: cfg.BlockQuota, AccountQuotaLimit: cfg.AccountQuota},
	}, logger)
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Stop() //nolint:errcheck

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warnw("metrics server exited", "error", err)
			}
		}()
		defer srv.Close()
	}

	logger.Infow("citaconsensus started", "data_dir", cfg.DataDir, "local_addr", localAddr, "validators", len(validatorAddrs))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Infow("citaconsensus shutting down")
	return nil
}
