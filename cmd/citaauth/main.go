// Command citaauth runs the AuthPool transaction-admission service
// standalone, following the teacher's cmd/empower1d one-binary-per-service
// layout: one root *cobra.Command, flags for --config/--genesis.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/cita-io/citacore/internal/authpool"
	"github.com/cita-io/citacore/internal/bus"
	"github.com/cita-io/citacore/internal/config"
	"github.com/cita-io/citacore/internal/logging"
	"github.com/cita-io/citacore/internal/metrics"
	"github.com/cita-io/citacore/internal/storage"
	"github.com/cita-io/citacore/internal/types"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "citaauth: maxprocs: %v\n", err)
	}

	var configPath, genesisPath string

	root := &cobra.Command{
		Use:   "citaauth",
		Short: "citaauth runs the AuthPool transaction-admission service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, genesisPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "citaauth.toml", "path to the node TOML config")
	root.Flags().StringVar(&genesisPath, "genesis", "", "path to the genesis JSON document, for the authorized-sender list (optional: empty means permission-less)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, genesisPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New("AUTH_POOL", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	store, err := storage.Open(cfg.DataDir + "/authpool.db")
	if err != nil {
		return err
	}
	defer store.Close()

	g := &config.Genesis{}
	if genesisPath != "" {
		g, err = config.LoadGenesis(genesisPath)
		if err != nil {
			return err
		}
	}
	auth, err := config.NewStaticAuthSet(g)
	if err != nil {
		return err
	}

	b := bus.New(logger)
	defer b.Close()
	reg := metrics.New("authpool")

	wal := storage.NewWAL(store, "authpool")
	pool := authpool.New(wal, auth, logger,
		authpool.WithCapacity(cfg.PoolCapacity),
		authpool.WithBatchSize(cfg.BatchSize),
		authpool.WithForwardFunc(func(txs []*types.SignedTransaction) {
			logger.Debugw("forwarding packaged batch", "size", len(txs))
			env := bus.NewEnvelope(bus.SubModuleAuth, bus.OpRequest, nil)
			if err := b.PublishEnvelope(bus.KeyAuthRequest, env); err != nil {
				logger.Warnw("failed to publish batch notification", "error", err)
			}
		}),
	)
	defer pool.Close()

	done := make(chan struct{})
	defer close(done)
	go reportPoolSize(pool, reg, done)

	logger.Infow("citaauth started", "data_dir", cfg.DataDir, "pool_capacity", cfg.PoolCapacity)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Infow("citaauth shutting down")
	return nil
}

func reportPoolSize(pool *authpool.Pool, reg *metrics.Registry, done <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			reg.PoolSize.Set(float64(pool.Size()))
		}
	}
}
