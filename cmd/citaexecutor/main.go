// Command citaexecutor is an offline operator tool over the executor's
// state store: a read-only `balance` query and a privileged `set-balance`
// mutation over §4.4's amend channel. It has no CallRequest subcommand.
//
// storage.Store is single-process/single-writer (see internal/storage), so
// citaexecutor must not run against the same data directory as a live
// citachain process — it is a maintenance tool for a stopped node, not a
// fifth long-running service. The executing-blocks-against-consensus path
// stays embedded in cmd/citachain and cmd/citaconsensus, the binaries whose
// Executor runs concurrently with live traffic.
package main

import (
	"fmt"
	"math/big"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/cita-io/citacore/internal/config"
	"github.com/cita-io/citacore/internal/executor"
	"github.com/cita-io/citacore/internal/logging"
	"github.com/cita-io/citacore/internal/state"
	"github.com/cita-io/citacore/internal/storage"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "citaexecutor: maxprocs: %v\n", err)
	}

	var configPath, superAdminHex string

	root := &cobra.Command{
		Use:   "citaexecutor",
		Short: "citaexecutor inspects and amends a stopped node's account state",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "citaexecutor.toml", "path to the node TOML config")
	root.PersistentFlags().StringVar(&superAdminHex, "super-admin", "", "hex address authorized to submit amend mutations")

	balance := &cobra.Command{
		Use:   "balance [address]",
		Short: "print an account's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBalance(configPath, args[0])
		},
	}

	setBalance := &cobra.Command{
		Use:   "set-balance [address] [amount]",
		Short: "amend an account's balance directly, bypassing quota/nonce accounting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetBalance(configPath, superAdminHex, args[0], args[1])
		},
	}

	root.AddCommand(balance, setBalance)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openState(configPath string) (config.NodeConfig, *storage.Store, *state.StateDB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, nil, err
	}
	store, err := storage.Open(cfg.DataDir + "/state.db")
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, store, state.New(store), nil
}

func runBalance(configPath, addrHex string) error {
	_, store, db, err := openState(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	addr, err := config.ParseAddress(addrHex)
	if err != nil {
		return err
	}
	acc, err := db.GetAccount(addr)
	if err != nil {
		return err
	}
	fmt.Println(acc.Balance.String())
	return nil
}

func runSetBalance(configPath, superAdminHex, addrHex, amount string) error {
	if superAdminHex == "" {
		return fmt.Errorf("citaexecutor: --super-admin is required for set-balance")
	}
	_, store, db, err := openState(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	logger := logging.New("EXECUTOR_CLI", "info")
	defer logger.Sync() //nolint:errcheck

	admin, err := config.ParseAddress(superAdminHex)
	if err != nil {
		return err
	}
	target, err := config.ParseAddress(addrHex)
	if err != nil {
		return err
	}
	balance, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("citaexecutor: invalid amount %q", amount)
	}

	result, err := executor.Amend(db, admin, executor.AmendAction{
		Kind:    executor.AmendSetBalance,
		Sender:  admin,
		Account: target,
		Balance: balance,
	})
	if err != nil {
		return err
	}
	if err := db.Commit(); err != nil {
		return err
	}
	logger.Infow("amend applied", "account", addrHex, "balance", amount, "ok", result.Set)
	return nil
}
