package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/loykin/procwarden/internal/detector"
	"github.com/loykin/procwarden/internal/env"
	"github.com/loykin/procwarden/internal/history"
	"github.com/loykin/procwarden/internal/lease"
	"github.com/loykin/procwarden/internal/logger"
	"github.com/loykin/procwarden/internal/metrics"
	"github.com/loykin/procwarden/internal/monitor"
	"github.com/loykin/procwarden/internal/process"
	"github.com/loykin/procwarden/internal/stream"
)

const DefaultDrainInterval = 50 * time.Millisecond

// Environment variables every launched task receives.
const (
	EnvTaskID  = "PROCWARDEN_TASK_ID"
	EnvTaskDir = "PROCWARDEN_TASK_DIR"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrTaskExists  = errors.New("task already exists")
	ErrInvalidID   = errors.New("invalid task id")
	ErrShutdown    = errors.New("manager is shut down")
)

// Options configures a Manager.
type Options struct {
	BasePath      string
	PollInterval  time.Duration // liveness poll; monitor.DefaultInterval when zero
	DrainInterval time.Duration // output drain cadence; DefaultDrainInterval when zero
	Output        logger.FileConfig
	Env           []string // KEY=VALUE applied to every task
	KeepDirs      bool     // Shutdown leaves task directories for the janitor
}

// LaunchSpec describes one task.
type LaunchSpec struct {
	// ID names the task directory. Generated from the process name when empty.
	ID      string
	Process process.Spec

	StdoutPrefix string
	StderrPrefix string
	// Stdout and Stderr receive the prefixed output. When nil, output goes to
	// rotating files inside the task directory.
	Stdout io.Writer
	Stderr io.Writer

	// HoldFor locks the task directory for this long after the process exits.
	HoldFor time.Duration
}

// Info is a point-in-time view of a task.
type Info struct {
	ID          string     `json:"id"`
	Dir         string     `json:"dir"`
	Name        string     `json:"name"`
	PID         int        `json:"pid"`
	StartedAt   time.Time  `json:"started_at"`
	Alive       bool       `json:"alive"`
	Exit        string     `json:"exit"`
	Locked      bool       `json:"locked"`
	LockTimeout *time.Time `json:"lock_timeout,omitempty"`
}

type task struct {
	id      string
	spec    LaunchSpec
	handle  *process.Handle
	lease   *lease.Lease
	monitor *monitor.Monitor
	closers []io.Closer
	holdErr error         // post-exit lock result, set before the handle reports exit
	leased  chan struct{} // closed once handle and lease are set
	drained chan struct{}
	settled chan struct{} // closed after the exit observer finished
}

// Manager launches tasks into per-task directories under a base path and
// supervises them until they exit.
type Manager struct {
	opts   Options
	codec  *lease.Codec
	clock  clock.Clock
	logger *slog.Logger
	sinks  []history.Sink
	env    *env.Overlay
	seq    atomic.Uint64

	mu     sync.RWMutex
	tasks  map[string]*task
	closed bool
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHistory sends launch, exit and lock events to sinks.
func WithHistory(sinks ...history.Sink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, sinks...) }
}

func New(opts Options, o ...Option) (*Manager, error) {
	if strings.TrimSpace(opts.BasePath) == "" {
		return nil, errors.New("manager base path is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = monitor.DefaultInterval
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = DefaultDrainInterval
	}
	if err := os.MkdirAll(opts.BasePath, 0o750); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	m := &Manager{
		opts:   opts,
		clock:  clock.RealClock{},
		logger: slog.Default(),
		env:    env.New(opts.Env...),
		tasks:  make(map[string]*task),
	}
	for _, fn := range o {
		fn(m)
	}
	m.codec = lease.NewCodec(m.clock)
	return m, nil
}

func (m *Manager) BasePath() string { return m.opts.BasePath }

// Codec is the marker codec the manager writes with. A selector sharing it
// sees the same clock.
func (m *Manager) Codec() *lease.Codec { return m.codec }

// Launch creates the task directory, starts the process, writes its PID
// marker and starts supervising it.
func (m *Manager) Launch(ctx context.Context, ls LaunchSpec) (Info, error) {
	if err := ls.Process.Validate(); err != nil {
		return Info{}, err
	}
	id := ls.ID
	if id == "" {
		id = m.nextID(ls.Process.Name)
	}
	if err := validID(id); err != nil {
		return Info{}, err
	}
	dir := filepath.Join(m.opts.BasePath, id)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Info{}, ErrShutdown
	}
	if _, ok := m.tasks[id]; ok {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", ErrTaskExists, id)
	}
	// reserve the id while the process starts
	m.tasks[id] = nil
	m.mu.Unlock()

	t, err := m.start(ctx, id, dir, ls)
	m.mu.Lock()
	if err != nil {
		delete(m.tasks, id)
	} else {
		m.tasks[id] = t
	}
	running := m.runningLocked()
	m.mu.Unlock()
	if err != nil {
		return Info{}, err
	}

	metrics.IncLaunch(ls.Process.Name)
	metrics.SetRunning(running)
	m.logger.Info("task launched", "task", id, "name", ls.Process.Name, "pid", t.handle.PID(), "dir", dir)
	m.record(context.WithoutCancel(ctx), t, history.EventLaunch, "")

	// the monitor may fire before the task is visible; start it last
	if err := t.monitor.Start(context.Background()); err != nil {
		return Info{}, err
	}
	return m.info(t), nil
}

func (m *Manager) start(ctx context.Context, id, dir string, ls LaunchSpec) (*task, error) {
	if err := os.MkdirAll(m.opts.BasePath, 0o750); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	// another process may own a directory with this id
	if err := os.Mkdir(dir, 0o750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrTaskExists, id)
		}
		return nil, fmt.Errorf("create task dir %s: %w", dir, err)
	}
	spec := ls.Process
	if spec.WorkDir == "" {
		spec.WorkDir = dir
	}
	spec.Env = m.env.Merge([]string{EnvTaskID + "=" + id, EnvTaskDir + "=" + dir}, spec.Env)

	t := &task{id: id, spec: ls, leased: make(chan struct{}), drained: make(chan struct{}), settled: make(chan struct{})}
	t.spec.Process = spec
	var startOpts []process.StartOption
	if ls.HoldFor > 0 {
		startOpts = append(startOpts, process.WithReapHook(func() { m.holdAfterExit(t) }))
	}

	h, err := process.Start(ctx, spec, startOpts...)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	l, err := m.codec.Acquire(dir, spec.Name, h.PID(), detector.ProcessStartUnix(h.PID()))
	if err != nil {
		close(t.leased)
		_ = h.Destroy()
		_ = h.Close()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write pid marker: %w", err)
	}
	t.handle, t.lease = h, l
	close(t.leased)

	outW, errW := ls.Stdout, ls.Stderr
	if outW == nil || errW == nil {
		fo, fe := m.opts.Output.OutputWriters(dir)
		if outW == nil {
			outW = fo
			t.closers = append(t.closers, fo)
		} else {
			_ = fo.Close()
		}
		if errW == nil {
			errW = fe
			t.closers = append(t.closers, fe)
		} else {
			_ = fe.Close()
		}
	}
	pipes := []*stream.Pipe{
		m.pipe(id, "stdout", h.Stdout(), outW, ls.StdoutPrefix),
		m.pipe(id, "stderr", h.Stderr(), errW, ls.StderrPrefix),
	}
	go m.drain(t, pipes)

	t.monitor = monitor.New(monitor.TargetFunc(h.IsAlive), m.opts.PollInterval,
		monitor.WithClock(m.clock),
		monitor.OnExit(func() { m.onExit(t) }),
	)
	return t, nil
}

func (m *Manager) pipe(id, name string, src *stream.Source, sink io.Writer, prefix string) *stream.Pipe {
	handler := stream.ErrorHandlerFunc(func(err error) {
		metrics.IncStreamError(name)
		m.logger.Warn("stream copy failed", "task", id, "stream", name, "error", err)
	})
	var opts []stream.PipeOption
	if prefix != "" {
		opts = append(opts, stream.WithLeadingPrefix())
	}
	opts = append(opts, stream.WithCopyHook(func(n int) { metrics.AddStreamBytes(name, n) }))
	return stream.NewPipe(src, sink, prefix, handler, opts...)
}

// drain copies output until both streams reach EOF, which happens once the
// process and anything holding its pipes have exited.
func (m *Manager) drain(t *task, pipes []*stream.Pipe) {
	var wg sync.WaitGroup
	for _, p := range pipes {
		wg.Add(1)
		go func(p *stream.Pipe) {
			defer wg.Done()
			_ = p.Drain(context.Background(), m.opts.DrainInterval, m.clock)
		}(p)
	}
	wg.Wait()
	for _, c := range t.closers {
		if err := c.Close(); err != nil {
			m.logger.Warn("close task output", "task", t.id, "error", err)
		}
	}
	close(t.drained)
}

func (m *Manager) onExit(t *task) {
	defer close(t.settled)
	ctx := context.Background()
	exit := t.handle.ExitValue()
	name := t.spec.Process.Name
	metrics.IncMonitorExit(name)
	m.mu.RLock()
	metrics.SetRunning(m.runningLocked())
	m.mu.RUnlock()

	m.logger.Info("task exited", "task", t.id, "name", name, "pid", t.handle.PID(), "status", exit.String())
	m.record(ctx, t, history.EventExit, exit.String())

	if t.spec.HoldFor > 0 {
		if t.holdErr != nil {
			m.logger.Error("lock task after exit", "task", t.id, "error", t.holdErr)
			return
		}
		m.logger.Debug("task locked for post-processing", "task", t.id, "hold_for", t.spec.HoldFor)
		m.record(ctx, t, history.EventLock, t.spec.HoldFor.String())
	}
}

// holdAfterExit locks the directory from the reap path, so no reader sees
// the owner dead without the lock marker in place.
func (m *Manager) holdAfterExit(t *task) {
	<-t.leased
	if t.lease == nil {
		return
	}
	t.holdErr = t.lease.Lock(t.spec.HoldFor)
}

func (m *Manager) record(ctx context.Context, t *task, typ history.EventType, reason string) {
	if len(m.sinks) == 0 {
		return
	}
	e := history.Event{
		Type:       typ,
		OccurredAt: m.clock.Now().UTC(),
		TaskID:     t.id,
		Path:       t.lease.Dir(),
		Name:       t.spec.Process.Name,
		PID:        t.handle.PID(),
		Reason:     reason,
	}
	if err := history.Broadcast(ctx, m.sinks, e); err != nil {
		m.logger.Warn("history send failed", "task", t.id, "error", err)
	}
}

// Get returns the task's current state.
func (m *Manager) Get(id string) (Info, error) {
	t, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return m.info(t), nil
}

// List returns every known task ordered by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	ts := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t != nil {
			ts = append(ts, t)
		}
	}
	m.mu.RUnlock()
	sort.Slice(ts, func(i, j int) bool { return ts[i].id < ts[j].id })
	out := make([]Info, 0, len(ts))
	for _, t := range ts {
		out = append(out, m.info(t))
	}
	return out
}

// Running maps the id of each live task to its pid.
func (m *Manager) Running() map[string]int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int32)
	for id, t := range m.tasks {
		if t != nil && t.handle.IsAlive() {
			out[id] = int32(t.handle.PID())
		}
	}
	return out
}

// Wait blocks until the task's process exits, its output is drained and the
// post-exit lock, if any, is in place.
func (m *Manager) Wait(ctx context.Context, id string) (process.Exited, error) {
	t, err := m.lookup(id)
	if err != nil {
		return process.Exited{}, err
	}
	st, err := t.handle.Wait(ctx)
	if err != nil {
		return st, err
	}
	select {
	case <-t.drained:
	case <-ctx.Done():
		return st, ctx.Err()
	}
	// the exit observer runs on the monitor's next poll
	select {
	case <-t.settled:
	case <-ctx.Done():
		return st, ctx.Err()
	}
	return st, nil
}

// Stop kills the task's process group and waits for it to be reaped.
// The task directory stays; it is locked if the task has a HoldFor window.
func (m *Manager) Stop(ctx context.Context, id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := t.handle.Destroy(); err != nil {
		return err
	}
	if _, err := t.handle.Wait(ctx); err != nil {
		return err
	}
	m.logger.Info("task stopped", "task", id)
	return nil
}

// Remove stops the task if needed, forgets it and deletes its directory.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	t := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return m.finish(ctx, t, false)
}

// Lock protects the task directory for d from now on.
func (m *Manager) Lock(id string, d time.Duration) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := t.lease.Lock(d); err != nil {
		return err
	}
	m.record(context.Background(), t, history.EventLock, d.String())
	return nil
}

// ResetLock restarts the current lock's hold window.
func (m *Manager) ResetLock(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	return t.lease.ResetLock()
}

func (m *Manager) Unlock(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := t.lease.Unlock(); err != nil {
		return err
	}
	m.record(context.Background(), t, history.EventUnlock, "")
	return nil
}

// Shutdown destroys every task, waits for their output to drain and, unless
// KeepDirs is set, deletes their directories. Further launches fail.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ts := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t != nil {
			ts = append(ts, t)
		}
	}
	m.tasks = make(map[string]*task)
	m.mu.Unlock()

	var errs []error
	for _, t := range ts {
		if err := t.handle.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range ts {
		if _, err := t.handle.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait %s: %w", t.id, err))
			continue
		}
		if err := m.finish(ctx, t, m.opts.KeepDirs); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.SetRunning(0)
	return errors.Join(errs...)
}

func (m *Manager) finish(ctx context.Context, t *task, keepDir bool) error {
	select {
	case <-t.drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.monitor.Stop()
	err := t.handle.Close()
	if !keepDir {
		if rerr := t.lease.Release(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("release %s: %w", t.id, rerr))
		}
	}
	return err
}

func (m *Manager) lookup(id string) (*task, error) {
	m.mu.RLock()
	t := m.tasks[id]
	m.mu.RUnlock()
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return t, nil
}

func (m *Manager) info(t *task) Info {
	i := Info{
		ID:        t.id,
		Dir:       t.lease.Dir(),
		Name:      t.spec.Process.Name,
		PID:       t.handle.PID(),
		StartedAt: t.handle.StartTime(),
		Alive:     t.handle.IsAlive(),
		Exit:      t.handle.ExitValue().String(),
		Locked:    t.lease.Locked(),
	}
	if to, ok := t.lease.LockTimeout(); ok {
		i.LockTimeout = &to
	}
	return i
}

func (m *Manager) runningLocked() int {
	n := 0
	for _, t := range m.tasks {
		if t != nil && t.handle.IsAlive() {
			n++
		}
	}
	return n
}

func (m *Manager) nextID(name string) string {
	return name + "-" + strconv.FormatInt(m.clock.Now().Unix(), 10) + "-" + strconv.FormatUint(m.seq.Add(1), 10)
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
