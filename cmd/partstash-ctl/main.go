// Package main is partstash-ctl, the operator CLI. It opens the same
// manifest store and part backend as the server, using the same config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/partstash/partstash/internal/config"
	"github.com/partstash/partstash/internal/logging"
	"github.com/partstash/partstash/internal/stash"
)

// globals holds the persistent flags.
type globals struct {
	configPath string
	logLevel   string
	noProgress bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "partstash-ctl",
		Short:         "Operate a partstash store directly",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "partstash.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&g.noProgress, "no-progress", false, "disable progress bars")

	rootCmd.AddCommand(
		newUploadCmd(g),
		newFetchCmd(g),
		newLsCmd(g),
		newStatCmd(g),
		newGetCmd(g),
		newVerifyCmd(g),
		newRmCmd(g),
		newExportCmd(g),
		newImportCmd(g),
	)
	return rootCmd
}

// open loads the config and opens the stash it describes. Logs go to
// stderr so command output stays clean.
func (g *globals) open(ctx context.Context) (*stash.Stash, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	logging.Setup(g.logLevel, cfg.Logging.Format, os.Stderr)

	st, err := stash.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening stash: %w", err)
	}
	return st, nil
}

// withStash runs fn against an opened stash and closes it afterwards.
func (g *globals) withStash(cmd *cobra.Command, fn func(ctx context.Context, st *stash.Stash) error) error {
	ctx := cmd.Context()
	st, err := g.open(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, st)
	if err := st.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("closing stash: %w", err)
	}
	return runErr
}
