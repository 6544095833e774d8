// Command citachain runs the canonical-head chain service standalone,
// following the teacher's cmd/empower1d one-binary-per-service layout: a
// root *cobra.Command plus a height query subcommand for operators.
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
	"github.com/cita-io/citacore/internal/types"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "citachain: maxprocs: %v\n", err)
	}

	var configPath, genesisPath string

	root := &cobra.Command{
		Use:   "citachain",
		Short: "citachain runs the canonical-head chain service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, genesisPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "citachain.toml", "path to the node TOML config")
	root.Flags().StringVar(&genesisPath, "genesis", "genesis.json", "path to the genesis JSON document")

	height := &cobra.Command{
		Use:   "height",
		Short: "print the current committed chain height and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printHeight(configPath)
		},
	}
	height.Flags().StringVar(&configPath, "config", "citachain.toml", "path to the node TOML config")
	root.AddCommand(height)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// printHeight opens the chain store read-only (no bus, no executor calls
// expected since no block commits while this runs) just to report the
// persisted head height, for operators checking on a stopped node.
func printHeight(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.DataDir + "/chain.db")
	if err != nil {
		return err
	}
	defer store.Close()

	logger := logging.New("CHAIN", "error")
	c, err := chain.New(store, noopExecutor{}, noopValidators{}, nil, metrics.New("chain-cli"), chain.Config{}, logger)
	if err != nil {
		return err
	}
	fmt.Println(c.CurrentHeight())
	return nil
}

type noopExecutor struct{}

func (noopExecutor) Execute(block *types.Block) (*types.ExecutedResult, error) {
	return nil, fmt.Errorf("citachain height: executor not available outside a running node")
}

type noopValidators struct{}

func (noopValidators) ValidatorsAt(height uint64) ([]crypto.Address, error) {
	return nil, fmt.Errorf("citachain height: validators not available outside a running node")
}

func run(configPath, genesisPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New("CHAIN", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	g, err := config.LoadGenesis(genesisPath)
	if err != nil {
		return err
	}
	validatorAddrs, err := g.ValidatorAddresses()
	if err != nil {
		return err
	}
	validators := consensus.NewValidators(consensus.NewValidatorSet(validatorAddrs))

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

	b := bus.New(logger)
	defer b.Close()
	reg := metrics.New("chain")

	c, err := chain.New(chainStore, exec, validators, b, reg, chain.Config{
		QueueCapacity: cfg.QueueCapacity,
		StatusPeriod:  cfg.StatusPeriod,
		SyncDeadline:  cfg.SyncDeadline,
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

	logger.Infow("citachain started", "data_dir", cfg.DataDir, "height", c.CurrentHeight())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Infow("citachain shutting down")
	return nil
}
