package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/procwarden/internal/cleanup"
	"github.com/loykin/procwarden/internal/config"
	"github.com/loykin/procwarden/internal/history"
	"github.com/loykin/procwarden/internal/history/factory"
	"github.com/loykin/procwarden/internal/logger"
	"github.com/loykin/procwarden/internal/manager"
	"github.com/loykin/procwarden/internal/metrics"
	"github.com/loykin/procwarden/internal/server"
)

const shutdownTimeout = 15 * time.Second

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the procwarden daemon",
		Long: `Run the janitor on its schedule, launch the configured tasks and serve
the HTTP API until SIGINT or SIGTERM.

Examples:
  procwarden serve --config=procwarden.toml
  procwarden serve procwarden.toml
  procwarden serve --daemonize --pidfile=/run/procwarden.pid --logfile=/var/log/procwarden.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			if serveFlags.Daemonize {
				return daemonize(serveFlags.PidFile, serveFlags.LogFile)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, os.Stderr)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID marker to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

// runServe blocks until ctx is cancelled or the HTTP server fails.
func runServe(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	log, closer, err := logger.New(cfg.Log, logOut)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer factory.CloseAll(sinks)

	mgr, err := manager.New(cfg.ManagerOptions(), manager.WithLogger(log), manager.WithHistory(sinks...))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mgr.Shutdown(sctx); err != nil {
			log.Warn("manager shutdown", slog.Any("error", err))
		}
	}()

	var routerOpts []server.Option
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", slog.Any("error", err))
		}
		sampler := metrics.NewResourceSampler(cfg.Metrics.SampleInterval, nil)
		if err := sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register resource metrics", slog.Any("error", err))
		}
		sampler.Start(ctx, mgr.Running)
		defer sampler.Stop()
		routerOpts = append(routerOpts, server.WithMetrics())
	}

	tlsCfg, err := cfg.Server.TLS.Setup()
	if err != nil {
		return err
	}

	j, err := cleanup.NewJanitor(cfg.JanitorConfig(), cleanup.NewSelector(mgr.Codec(), nil),
		cleanup.WithLogger(log), cleanup.WithHistory(sinks...))
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return j.Run(gctx) })

	for _, ls := range cfg.LaunchSpecs() {
		info, err := mgr.Launch(ctx, ls)
		if err != nil {
			log.Error("failed to launch configured task", slog.String("name", ls.Process.Name), slog.Any("error", err))
			continue
		}
		log.Info("launched configured task", slog.String("id", info.ID), slog.Int("pid", info.PID))
	}

	routerOpts = append(routerOpts, server.WithManager(mgr))
	if r := history.FirstReader(sinks); r != nil {
		routerOpts = append(routerOpts, server.WithHistoryReader(r))
	}
	srv := server.NewServer(cfg.Server.Listen, server.NewRouter(j, cfg.Server.BasePath, routerOpts...))
	srv.TLSConfig = tlsCfg
	g.Go(func() error {
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("http shutdown", slog.Any("error", err))
		}
		return nil
	})
	log.Info("procwarden serving", slog.String("listen", cfg.Server.Listen), slog.String("base_path", cfg.Server.BasePath),
		slog.Bool("tls", tlsCfg != nil), slog.String("tasks_dir", cfg.BasePath))
	return g.Wait()
}
