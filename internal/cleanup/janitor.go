package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/loykin/procwarden/internal/history"
	"github.com/loykin/procwarden/internal/metrics"
)

// DefaultSchedule runs a cleanup pass once a minute.
const DefaultSchedule = "@every 1m"

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts standard cron expressions (optionally with seconds)
// and descriptors such as "@hourly" or "@every 30s".
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = DefaultSchedule
	}
	s, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", expr, err)
	}
	return s, nil
}

// JanitorConfig binds a janitor to one base path.
type JanitorConfig struct {
	BasePath   string
	Thresholds Thresholds
	Schedule   string
	DryRun     bool
}

// Failure is a selected directory that could not be deleted.
type Failure struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// SweepResult summarises one cleanup pass.
type SweepResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	DryRun    bool          `json:"dry_run"`
	Verdicts  []Verdict     `json:"verdicts"`
	Selected  []string      `json:"selected"`
	Removed   []string      `json:"removed"`
	Failed    []Failure     `json:"failed,omitempty"`
}

// Janitor periodically reclaims abandoned task directories.
type Janitor struct {
	cfg      JanitorConfig
	schedule cron.Schedule
	selector *Selector
	clock    clock.Clock
	logger   *slog.Logger
	sinks    []history.Sink
	remove   func(string) error

	// serialises passes triggered by Run and by callers of Sweep
	mu sync.Mutex
}

type JanitorOption func(*Janitor)

func WithClock(c clock.Clock) JanitorOption {
	return func(j *Janitor) {
		if c != nil {
			j.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) JanitorOption {
	return func(j *Janitor) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithHistory sends a reclaim event per deleted (or undeletable) directory to sinks.
func WithHistory(sinks ...history.Sink) JanitorOption {
	return func(j *Janitor) { j.sinks = append(j.sinks, sinks...) }
}

func NewJanitor(cfg JanitorConfig, sel *Selector, opts ...JanitorOption) (*Janitor, error) {
	if strings.TrimSpace(cfg.BasePath) == "" {
		return nil, errors.New("cleanup base path is required")
	}
	if cfg.Thresholds.NewFolder < 0 || cfg.Thresholds.LockFolder < 0 {
		return nil, errors.New("cleanup thresholds must not be negative")
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		sel = NewSelector(nil, nil)
	}
	j := &Janitor{
		cfg:      cfg,
		schedule: sched,
		selector: sel,
		clock:    clock.RealClock{},
		logger:   slog.Default(),
		remove:   os.RemoveAll,
	}
	for _, o := range opts {
		o(j)
	}
	j.logger = j.logger.With("base_path", cfg.BasePath)
	return j, nil
}

func (j *Janitor) BasePath() string       { return j.cfg.BasePath }
func (j *Janitor) Thresholds() Thresholds { return j.cfg.Thresholds }

// Inspect reports the current verdicts without deleting anything.
func (j *Janitor) Inspect() ([]Verdict, error) {
	return j.selector.Inspect(j.cfg.BasePath, j.cfg.Thresholds)
}

// Judge reports the verdict for one task directory with the janitor's thresholds.
func (j *Janitor) Judge(dir string) (Verdict, error) {
	return j.selector.Judge(dir, j.cfg.Thresholds)
}

// Run sweeps on schedule until ctx is cancelled, then returns nil.
// A pass in progress always completes; cancellation is seen between passes.
func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Info("cleanup scheduler started", "new_folder_threshold", j.cfg.Thresholds.NewFolder,
		"lock_folder_threshold", j.cfg.Thresholds.LockFolder, "schedule", j.cfg.Schedule, "dry_run", j.cfg.DryRun)
	for {
		now := j.clock.Now()
		wait := j.schedule.Next(now).Sub(now)
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup scheduler stopped")
			return nil
		case <-j.clock.After(wait):
		}
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error("cleanup pass failed", "error", err)
		}
	}
}

// Sweep performs one pass: select, then delete each selected directory.
// A deletion failure is recorded and the pass moves on; the directory is
// reconsidered next time. ctx cancellation does not interrupt the pass.
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	start := j.clock.Now()
	res := SweepResult{StartedAt: start, DryRun: j.cfg.DryRun}
	verdicts, err := j.Inspect()
	metrics.ObserveSelectDuration(j.clock.Since(start).Seconds())
	var unreadable *InspectError
	if err != nil && !errors.As(err, &unreadable) {
		metrics.IncSweep("error")
		return res, err
	}
	res.Verdicts = verdicts
	if unreadable != nil {
		for _, f := range unreadable.Failures {
			res.Failed = append(res.Failed, f)
			j.logger.Warn("cannot inspect task directory", "path", f.Path, "error", f.Err)
		}
	}

	counts := map[string]int{}
	for _, v := range verdicts {
		counts[string(v.Reason)]++
		if v.Reason != ReasonAbandoned {
			continue
		}
		res.Selected = append(res.Selected, v.Path)
		if j.cfg.DryRun {
			j.logger.Info("would reclaim task directory", "task", v.ID, "pid", v.PID, "age", v.Age)
			continue
		}
		if err := j.remove(v.Path); err != nil {
			res.Failed = append(res.Failed, Failure{Path: v.Path, Err: err.Error()})
			j.logger.Warn("failed to reclaim task directory", "task", v.ID, "error", err)
			j.record(ctx, history.EventReclaimFailed, v, err)
			continue
		}
		res.Removed = append(res.Removed, v.Path)
		j.logger.Info("reclaimed task directory", "task", v.ID, "pid", v.PID, "age", v.Age)
		j.record(ctx, history.EventReclaim, v, nil)
	}
	res.Duration = j.clock.Since(start)

	metrics.SetVerdicts(counts)
	metrics.AddReclaimed(len(res.Removed))
	metrics.AddReclaimFailures(len(res.Failed))
	metrics.IncSweep("ok")
	j.logger.Debug("cleanup pass finished", "directories", len(verdicts), "selected", len(res.Selected),
		"removed", len(res.Removed), "failed", len(res.Failed), "duration", res.Duration)
	return res, nil
}

func (j *Janitor) record(ctx context.Context, typ history.EventType, v Verdict, cause error) {
	if len(j.sinks) == 0 {
		return
	}
	e := history.Event{
		Type:       typ,
		OccurredAt: j.clock.Now().UTC(),
		TaskID:     v.ID,
		Path:       v.Path,
		Name:       v.Name,
		PID:        v.PID,
		Reason:     string(v.Reason),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	if err := history.Broadcast(ctx, j.sinks, e); err != nil {
		j.logger.Warn("history send failed", "task", v.ID, "error", err)
	}
}
