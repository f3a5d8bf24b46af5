package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/loykin/procwarden/internal/detector"
)

// DefaultInterval is used when a Monitor is created with a non-positive interval.
const DefaultInterval = 200 * time.Millisecond

var ErrAlreadyStarted = errors.New("monitor already started")

// Target is anything whose liveness can be polled.
type Target interface {
	IsAlive() bool
}

// TargetFunc adapts a function to Target.
type TargetFunc func() bool

func (f TargetFunc) IsAlive() bool { return f() }

// Monitor polls a Target at a fixed interval. When the target is seen dead
// it runs the exit observers once, closes Done and stops polling.
// A Monitor holds no ownership over the target.
type Monitor struct {
	target   Target
	interval time.Duration
	clock    clock.Clock

	mu        sync.Mutex
	observers []func()
	started   bool
	cancel    context.CancelFunc

	exited  chan struct{}
	stopped chan struct{}
	once    sync.Once
}

type Option func(*Monitor)

// WithClock replaces the wall clock used for sleeping between polls.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// OnExit registers fn to run when the target dies.
func OnExit(fn func()) Option {
	return func(m *Monitor) { m.observers = append(m.observers, fn) }
}

func New(t Target, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Monitor{
		target:   t,
		interval: interval,
		clock:    clock.RealClock{},
		exited:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnExit registers fn after construction. If the target has already died
// fn runs immediately on the caller's goroutine.
func (m *Monitor) OnExit(fn func()) {
	m.mu.Lock()
	select {
	case <-m.exited:
		m.mu.Unlock()
		fn()
		return
	default:
	}
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Start runs the polling loop on a new goroutine.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, err := m.begin(ctx)
	if err != nil {
		return err
	}
	go m.loop(ctx)
	return nil
}

// Run polls on the calling goroutine until the target dies or ctx is done.
// It returns nil when the target died and ctx.Err() when cancelled first.
func (m *Monitor) Run(ctx context.Context) error {
	cctx, err := m.begin(ctx)
	if err != nil {
		return err
	}
	m.loop(cctx)
	if m.Exited() {
		return nil
	}
	return ctx.Err()
}

func (m *Monitor) begin(ctx context.Context) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil, ErrAlreadyStarted
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	return ctx, nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.stopped)
	for {
		// a cancelled monitor still finishes the poll in progress
		if ctx.Err() != nil {
			return
		}
		if !m.target.IsAlive() {
			m.fire()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.interval):
		}
	}
}

func (m *Monitor) fire() {
	m.once.Do(func() {
		m.mu.Lock()
		obs := m.observers
		m.observers = nil
		close(m.exited)
		m.mu.Unlock()
		for _, fn := range obs {
			fn()
		}
	})
}

// Done is closed once the target has been observed dead. Observers run after it is closed.
func (m *Monitor) Done() <-chan struct{} { return m.exited }

func (m *Monitor) Exited() bool {
	select {
	case <-m.exited:
		return true
	default:
		return false
	}
}

// Stop cancels polling and waits for the loop to return. Stopping a monitor
// that was never started is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	started, cancel := m.started, m.cancel
	m.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-m.stopped
}

// DetectorTarget polls a detector. Detector errors count as dead.
func DetectorTarget(d detector.Detector) Target {
	return TargetFunc(func() bool {
		ok, err := d.Alive()
		return err == nil && ok
	})
}

// PIDTarget polls an oracle for pid.
func PIDTarget(o detector.Oracle, pid int) Target {
	if o == nil {
		o = detector.Native()
	}
	return TargetFunc(func() bool { return o.Alive(pid) })
}
