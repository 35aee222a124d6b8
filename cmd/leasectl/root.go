package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-lease/v1/presets"
)

// Version is the leasectl release.
const Version = "1.0.0"

// app carries the state shared by every command of one invocation.
type app struct {
	v       *viper.Viper
	cfg     *config
	stack   *presets.Stack
	cleanup func()
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "leasectl",
		Short: "inspect and operate evaluation leases",
		Long: fmt.Sprintf(`leasectl (v%s)

Acquire, release and inspect the time-boxed leases that keep two evaluators
from editing the same competitor at once. Configuration comes from flags,
LEASE_* environment variables and .env files.`, Version),
		SilenceUsage: true,
	}
	setupFlags(root)

	root.AddCommand(
		a.withStack(acquireCmd(a)),
		a.withStack(releaseCmd(a)),
		a.withStack(checkCmd(a)),
		a.withStack(holderCmd(a)),
		a.withStack(listCmd(a)),
		a.withStack(sweepCmd(a)),
		a.withStack(serveCmd(a)),
		versionCmd(),
	)
	return root
}

// withStack makes cmd resolve the configuration and open the backend before
// running, and close it afterwards.
func (a *app) withStack(cmd *cobra.Command) *cobra.Command {
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := initConfig(a.v, cmd); err != nil {
			return err
		}
		cfg, err := loadConfig(a.v)
		if err != nil {
			return err
		}
		a.cfg = cfg
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel})))
		a.stack, a.cleanup, err = cfg.openStack()
		return err
	}
	run := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		defer a.close()
		return run(cmd, args)
	}
	return cmd
}

// close releases the backend opened for the running command. cobra skips
// post-run hooks when RunE fails, so it is deferred inside RunE.
func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of leasectl",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "leasectl v%s\n", Version)
		},
	}
}
