package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitError carries a task's exit code out of RunE without printing.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// RemoteFlags selects a running daemon instead of the local base path
type RemoteFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func (f *RemoteFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:8080/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func (f *RemoteFlags) remote() bool { return f.APIUrl != "" }

// buildRoot creates the root command and all subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createRunCommand(globalFlags),
		createStatusCommand(globalFlags),
		createSweepCommand(globalFlags),
		createLockCommand(globalFlags),
		createResetLockCommand(globalFlags),
		createUnlockCommand(globalFlags),
		createHistoryCommand(globalFlags),
		createWatchCommand(),
		createInitCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "procwarden",
		Short: "Task directory supervision and cleanup",
		Long: `Procwarden launches tasks into per-task directories, tracks their PID
and lock markers, and reclaims directories whose owner is gone.

Examples:
  procwarden run --name=build -- make all
  procwarden status
  procwarden sweep --dry-run
  procwarden history build-1700000000-1
  procwarden init --type=batch --name=etl > procwarden.toml
  procwarden serve --config=procwarden.toml
  procwarden status --api-url=http://remote:8080/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
