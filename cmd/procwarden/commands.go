package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/procwarden/internal/cleanup"
	"github.com/loykin/procwarden/internal/config"
	"github.com/loykin/procwarden/internal/detector"
	"github.com/loykin/procwarden/internal/history/factory"
	"github.com/loykin/procwarden/internal/lease"
	"github.com/loykin/procwarden/internal/logger"
	"github.com/loykin/procwarden/internal/manager"
	"github.com/loykin/procwarden/internal/monitor"
	"github.com/loykin/procwarden/internal/process"
	"github.com/loykin/procwarden/internal/server"
	"github.com/loykin/procwarden/pkg/client"
)

// RunFlags holds flags for the run command
type RunFlags struct {
	RemoteFlags
	ID           string
	Name         string
	WorkDir      string
	Env          []string
	HoldFor      time.Duration
	StdoutPrefix string
	StderrPrefix string
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run --name=NAME [flags] -- command [args...]",
		Short: "Launch a task and stream its output",
		Long: `Launch a task in its own directory under the base path, forward its
output with optional prefixes and exit with its exit code.

A single argument is treated as a command line; several arguments are
executed directly without a shell.

Examples:
  procwarden run --name=build -- make all
  procwarden run --name=etl --stdout-prefix="[etl] " -- "python etl.py | tee out.txt"
  procwarden run --name=report --hold-for=1h -- ./report.sh
  procwarden run --name=job --api-url=http://remote:8080/api -- ./job.sh`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.remote() {
				return runRemote(cmd, f, args)
			}
			cfg, err := config.Load(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runLocal(ctx, cfg, f, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&f.ID, "id", "", "task id (default <name>-<unix>-<seq>)")
	cmd.Flags().StringVar(&f.Name, "name", "", "task name, also the PID marker name (required)")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory (default: the task directory)")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "extra KEY=VALUE environment, repeatable")
	cmd.Flags().DurationVar(&f.HoldFor, "hold-for", 0, "lock the task directory for this long after exit")
	cmd.Flags().StringVar(&f.StdoutPrefix, "stdout-prefix", "", "prefix for each stdout line")
	cmd.Flags().StringVar(&f.StderrPrefix, "stderr-prefix", "", "prefix for each stderr line")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func taskSpec(f *RunFlags, args []string) process.Spec {
	sp := process.Spec{Name: f.Name, Command: args[0], WorkDir: f.WorkDir, Env: f.Env}
	if len(args) > 1 {
		sp.Args = args[1:]
	}
	return sp
}

// runLocal launches one task with a private manager and waits for it. The
// directory is kept when the task asked for a hold.
func runLocal(ctx context.Context, cfg *config.Config, f *RunFlags, args []string, stdout, stderr io.Writer) error {
	log, closer, err := logger.New(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer factory.CloseAll(sinks)

	opts := cfg.ManagerOptions()
	opts.KeepDirs = opts.KeepDirs || f.HoldFor > 0
	mgr, err := manager.New(opts, manager.WithLogger(log), manager.WithHistory(sinks...))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = mgr.Shutdown(sctx)
	}()

	ls := manager.LaunchSpec{
		ID:           f.ID,
		Process:      taskSpec(f, args),
		StdoutPrefix: valOr(f.StdoutPrefix, cfg.Stream.StdoutPrefix),
		StderrPrefix: valOr(f.StderrPrefix, cfg.Stream.StderrPrefix),
		Stdout:       stdout,
		Stderr:       stderr,
		HoldFor:      f.HoldFor,
	}
	info, err := mgr.Launch(ctx, ls)
	if err != nil {
		return err
	}

	st, err := mgr.Wait(ctx, info.ID)
	if errors.Is(err, context.Canceled) {
		log.Info("interrupted, stopping task", slog.String("id", info.ID))
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mgr.Stop(sctx, info.ID); err != nil {
			return err
		}
		st, err = mgr.Wait(sctx, info.ID)
	}
	if err != nil {
		return err
	}
	if !st.Success() {
		if st.Code > 0 {
			return exitError{code: st.Code}
		}
		return exitError{code: 1}
	}
	return nil
}

func runRemote(cmd *cobra.Command, f *RunFlags, args []string) error {
	c, err := apiClient(cmd.Context(), &f.RemoteFlags)
	if err != nil {
		return err
	}
	sp := taskSpec(f, args)
	req := client.LaunchRequest{
		ID:           f.ID,
		Name:         sp.Name,
		Command:      sp.Command,
		Args:         sp.Args,
		WorkDir:      sp.WorkDir,
		Env:          sp.Env,
		StdoutPrefix: f.StdoutPrefix,
		StderrPrefix: f.StderrPrefix,
	}
	if f.HoldFor > 0 {
		req.HoldFor = f.HoldFor.String()
	}
	info, err := c.Launch(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), info)
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	RemoteFlags
	JSON bool
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show how the janitor judges task directories",
		Long: `Show the verdict (young, alive, locked or abandoned) for every task
directory under the base path, or for one task.

Examples:
  procwarden status
  procwarden status build-1700000000-1 --json
  procwarden status --api-url=http://remote:8080/api`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []client.Task
			var err error
			if f.remote() {
				rows, err = remoteStatus(cmd.Context(), &f.RemoteFlags, args)
			} else {
				rows, err = localStatus(globalFlags.ConfigPath, args)
			}
			if err != nil {
				return err
			}
			if f.JSON {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			return printTasks(cmd.OutOrStdout(), rows)
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func localStatus(configPath string, args []string) ([]client.Task, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	sel := cleanup.NewSelector(nil, nil)
	if len(args) == 1 {
		v, err := sel.Judge(filepath.Join(cfg.BasePath, args[0]), cfg.Thresholds())
		if err != nil {
			return nil, err
		}
		return []client.Task{fromVerdict(v)}, nil
	}
	vs, err := sel.Inspect(cfg.BasePath, cfg.Thresholds())
	if err != nil {
		return nil, err
	}
	out := make([]client.Task, 0, len(vs))
	for _, v := range vs {
		out = append(out, fromVerdict(v))
	}
	return out, nil
}

func remoteStatus(ctx context.Context, f *RemoteFlags, args []string) ([]client.Task, error) {
	c, err := apiClient(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(args) == 1 {
		t, err := c.Task(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return []client.Task{t}, nil
	}
	return c.Tasks(ctx)
}

// SweepFlags holds flags for the sweep command
type SweepFlags struct {
	RemoteFlags
	DryRun bool
	JSON   bool
}

func createSweepCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &SweepFlags{}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup pass now",
		Long: `Select abandoned task directories and delete them once, outside the
janitor's schedule.

Examples:
  procwarden sweep --dry-run
  procwarden sweep --config=procwarden.toml --json
  procwarden sweep --api-url=http://remote:8080/api`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res client.SweepResult
			if f.remote() {
				if f.DryRun {
					return errors.New("--dry-run is not supported with --api-url; set [cleanup].dry_run on the daemon")
				}
				c, err := apiClient(cmd.Context(), &f.RemoteFlags)
				if err != nil {
					return err
				}
				if res, err = c.Sweep(cmd.Context()); err != nil {
					return err
				}
			} else {
				var err error
				if res, err = localSweep(cmd.Context(), globalFlags.ConfigPath, f.DryRun, cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			if f.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			return printSweep(cmd.OutOrStdout(), res)
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&f.DryRun, "dry-run", false, "report what would be deleted without deleting")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a summary")
	return cmd
}

func localSweep(ctx context.Context, configPath string, dryRun bool, logOut io.Writer) (client.SweepResult, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return client.SweepResult{}, err
	}
	log, closer, err := logger.New(cfg.Log, logOut)
	if err != nil {
		return client.SweepResult{}, err
	}
	defer func() { _ = closer.Close() }()
	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return client.SweepResult{}, fmt.Errorf("history: %w", err)
	}
	defer factory.CloseAll(sinks)
	jc := cfg.JanitorConfig()
	jc.DryRun = jc.DryRun || dryRun
	j, err := cleanup.NewJanitor(jc, nil, cleanup.WithLogger(log), cleanup.WithHistory(sinks...))
	if err != nil {
		return client.SweepResult{}, err
	}
	res, err := j.Sweep(ctx)
	if err != nil {
		return client.SweepResult{}, err
	}
	return fromSweep(res), nil
}

// LockFlags holds flags for the lock commands
type LockFlags struct {
	RemoteFlags
	Name string
	Hold time.Duration
}

func (f *LockFlags) bind(cmd *cobra.Command) {
	f.RemoteFlags.bind(cmd)
	cmd.Flags().StringVar(&f.Name, "name", "", "marker name (default: the task id)")
}

func createLockCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &LockFlags{}
	cmd := &cobra.Command{
		Use:   "lock <task-id>",
		Short: "Protect a task directory from cleanup",
		Long: `Write a lock marker into the task directory. The janitor keeps the
directory until the lock is older than the lock folder threshold.

Examples:
  procwarden lock build-1700000000-1 --hold=30m
  procwarden lock results --name=worker --api-url=http://remote:8080/api`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.remote() {
				return withRemoteLease(cmd, &f.RemoteFlags, func(c *client.Client) (client.LockState, error) {
					return c.Lock(cmd.Context(), args[0], f.Hold, f.Name)
				})
			}
			return withLocalLease(cmd, globalFlags.ConfigPath, args[0], f.Name, func(l *lease.Lease) error {
				return l.Lock(f.Hold)
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().DurationVar(&f.Hold, "hold", server.DefaultLockHold, "intended hold time recorded in the marker")
	return cmd
}

func createResetLockCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &LockFlags{}
	cmd := &cobra.Command{
		Use:   "reset-lock <task-id>",
		Short: "Refresh a lock marker's timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.remote() {
				return withRemoteLease(cmd, &f.RemoteFlags, func(c *client.Client) (client.LockState, error) {
					return c.ResetLock(cmd.Context(), args[0], f.Name)
				})
			}
			return withLocalLease(cmd, globalFlags.ConfigPath, args[0], f.Name, (*lease.Lease).ResetLock)
		},
	}
	f.bind(cmd)
	return cmd
}

func createUnlockCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &LockFlags{}
	cmd := &cobra.Command{
		Use:   "unlock <task-id>",
		Short: "Remove a lock marker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.remote() {
				return withRemoteLease(cmd, &f.RemoteFlags, func(c *client.Client) (client.LockState, error) {
					return c.Unlock(cmd.Context(), args[0], f.Name)
				})
			}
			return withLocalLease(cmd, globalFlags.ConfigPath, args[0], f.Name, (*lease.Lease).Unlock)
		},
	}
	f.bind(cmd)
	return cmd
}

func withLocalLease(cmd *cobra.Command, configPath, id, name string, fn func(*lease.Lease) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if name == "" {
		name = id
	}
	codec := lease.NewCodec(nil)
	dir := filepath.Join(cfg.BasePath, filepath.Base(id))
	l, err := codec.Open(dir, name)
	if err != nil {
		return err
	}
	if err := fn(l); err != nil {
		return err
	}
	if l, err = codec.Open(dir, name); err != nil {
		return err
	}
	st := client.LockState{ID: l.ID(), Locked: l.Locked()}
	if to, ok := l.LockTimeout(); ok {
		st.LockTimeout = &to
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func withRemoteLease(cmd *cobra.Command, f *RemoteFlags, fn func(*client.Client) (client.LockState, error)) error {
	c, err := apiClient(cmd.Context(), f)
	if err != nil {
		return err
	}
	st, err := fn(c)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}

// WatchFlags holds flags for the watch command
type WatchFlags struct {
	PID      int
	PIDFile  string
	Probe    string
	Interval time.Duration
	Timeout  time.Duration
}

func (f *WatchFlags) detector() (detector.Detector, error) {
	var ds []detector.Detector
	if f.PID > 0 {
		ds = append(ds, detector.PIDDetector{PID: f.PID})
	}
	if f.PIDFile != "" {
		ds = append(ds, detector.PIDFileDetector{PIDFile: f.PIDFile})
	}
	if f.Probe != "" {
		ds = append(ds, detector.CommandDetector{Command: f.Probe})
	}
	if len(ds) != 1 {
		return nil, errors.New("exactly one of --pid, --pidfile or --probe is required")
	}
	return ds[0], nil
}

func createWatchCommand() *cobra.Command {
	f := &WatchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Block until a process exits",
		Long: `Poll a process until it is gone. The process can be named by pid, by a
PID marker or pidfile, or by a probe command that exits 0 while it runs.

Examples:
  procwarden watch --pid=4242
  procwarden watch --pidfile=/tmp/procwarden/build-1/build.pid --timeout=1h
  procwarden watch --probe="pgrep -f my-worker" --interval=5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := f.detector()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if f.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, f.Timeout)
				defer cancel()
			}
			start := time.Now()
			if err := monitor.New(monitor.DetectorTarget(d), f.Interval).Run(ctx); err != nil {
				return fmt.Errorf("%s still running: %w", d.Describe(), err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s exited after %s\n", d.Describe(), time.Since(start).Round(time.Millisecond))
			return err
		},
	}
	cmd.Flags().IntVar(&f.PID, "pid", 0, "process id")
	cmd.Flags().StringVar(&f.PIDFile, "pidfile", "", "PID marker or pidfile")
	cmd.Flags().StringVar(&f.Probe, "probe", "", "command that exits 0 while the process runs")
	cmd.Flags().DurationVar(&f.Interval, "interval", monitor.DefaultInterval, "poll interval")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}
