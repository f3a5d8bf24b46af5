// Package procwarden tracks task directories owned by short-lived processes
// and reclaims the ones whose owner is gone. It re-exports the pieces needed
// to embed the janitor, the supervision manager and the HTTP API.
package procwarden

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procwarden/internal/cleanup"
	cfg "github.com/loykin/procwarden/internal/config"
	"github.com/loykin/procwarden/internal/detector"
	"github.com/loykin/procwarden/internal/history"
	"github.com/loykin/procwarden/internal/history/factory"
	"github.com/loykin/procwarden/internal/lease"
	"github.com/loykin/procwarden/internal/manager"
	"github.com/loykin/procwarden/internal/metrics"
	"github.com/loykin/procwarden/internal/monitor"
	"github.com/loykin/procwarden/internal/process"
	iapi "github.com/loykin/procwarden/internal/server"
	"github.com/loykin/procwarden/internal/stream"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type (
	Config = cfg.Config

	Spec           = process.Spec
	LaunchSpec     = manager.LaunchSpec
	TaskInfo       = manager.Info
	Manager        = manager.Manager
	ManagerOptions = manager.Options
	ManagerOption  = manager.Option

	Thresholds    = cleanup.Thresholds
	Verdict       = cleanup.Verdict
	SweepResult   = cleanup.SweepResult
	Janitor       = cleanup.Janitor
	JanitorConfig = cleanup.JanitorConfig
	JanitorOption = cleanup.JanitorOption

	Lease = lease.Lease
	Codec = lease.Codec

	HistoryEvent  = history.Event
	HistorySink   = history.Sink
	HistoryReader = history.Reader

	Router       = iapi.Router
	RouterOption = iapi.Option
)

var (
	ErrUnknownTask = manager.ErrUnknownTask
	ErrNotStarted  = process.ErrNotStarted
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func NewManager(opts ManagerOptions, o ...ManagerOption) (*Manager, error) {
	return manager.New(opts, o...)
}

// NewJanitor builds a janitor judging directories with the wall clock and
// the host process table.
func NewJanitor(c JanitorConfig, o ...JanitorOption) (*Janitor, error) {
	return cleanup.NewJanitor(c, nil, o...)
}

// NewCodec returns a marker codec on the wall clock, for processes that manage
// their own task directory.
func NewCodec() *Codec { return lease.NewCodec(nil) }

// SelectInvalidDirectories returns the child directories of basePath that no
// live process owns and no fresh lock protects.
func SelectInvalidDirectories(basePath string, newFolderThreshold, lockFolderThreshold time.Duration) ([]string, error) {
	return cleanup.SelectInvalidDirectories(basePath, newFolderThreshold, lockFolderThreshold)
}

// InsertPrefix returns the first n bytes of b with prefix after every newline
// that is not the last byte.
func InsertPrefix(b []byte, n int, prefix []byte) []byte {
	return stream.InsertPrefix(b, n, prefix)
}

// WaitForExit blocks until pid is no longer alive or ctx is done.
// It returns nil once the process is gone.
func WaitForExit(ctx context.Context, pid int, interval time.Duration) error {
	return monitor.New(monitor.PIDTarget(detector.Native(), pid), interval).Run(ctx)
}

// WithHistory records launch, exit and lock events of managed tasks.
func WithHistory(sinks ...HistorySink) ManagerOption { return manager.WithHistory(sinks...) }

// WithJanitorHistory records every reclamation and failed reclamation.
func WithJanitorHistory(sinks ...HistorySink) JanitorOption { return cleanup.WithHistory(sinks...) }

// NewHistorySinks opens one sink per DSN (sqlite, postgres, clickhouse, opensearch).
func NewHistorySinks(dsns []string) ([]HistorySink, error) { return factory.NewSinks(dsns) }

func CloseHistorySinks(sinks []HistorySink) { factory.CloseAll(sinks) }

func NewRouter(j *Janitor, basePath string, opts ...RouterOption) *Router {
	return iapi.NewRouter(j, basePath, opts...)
}

func WithManager(m *Manager) RouterOption { return iapi.WithManager(m) }

// WithHistoryReader serves GET /tasks/:id/history from h.
func WithHistoryReader(h HistoryReader) RouterOption { return iapi.WithHistoryReader(h) }

// FirstHistoryReader picks the first sink that can be queried, or nil.
func FirstHistoryReader(sinks []HistorySink) HistoryReader { return history.FirstReader(sinks) }

// NewHTTPServer returns an unstarted server exposing the API under basePath.
func NewHTTPServer(addr, basePath string, j *Janitor, opts ...RouterOption) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(j, basePath, opts...))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
