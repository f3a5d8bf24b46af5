package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/procwarden/internal/stream"
)

var (
	ErrNotStarted      = errors.New("process not started")
	ErrStdinRedirected = errors.New("stdin is redirected from a reader")
	ErrStillRunning    = errors.New("process still running")
)

// Handle owns one running child process and its standard streams.
type Handle struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	stdin  io.WriteCloser
	stdout *stream.Source
	stderr *stream.Source

	done    chan struct{}
	mu      sync.Mutex
	state   *os.ProcessState
	waitErr error

	onReap func()

	closeOnce sync.Once
}

// StartOption configures Start.
type StartOption func(*Handle)

// WithReapHook runs fn once the process has been reaped, before Done is
// closed and before IsAlive reports false.
func WithReapHook(fn func()) StartOption {
	return func(h *Handle) { h.onReap = fn }
}

// Start launches spec. The child outlives ctx; ctx only guards the launch.
// Launch failures wrap ErrNotStarted.
func Start(ctx context.Context, spec Spec, opts ...StartOption) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureSysProcAttr(cmd, spec)

	// Parent-side ends of the pipes are kept; child-side ends are closed
	// after Start so EOF arrives once every holder has exited.
	var parentEnds, childEnds []*os.File
	closeAll := func(fs []*os.File) {
		for _, f := range fs {
			_ = f.Close()
		}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrNotStarted, err)
	}
	parentEnds, childEnds = append(parentEnds, outR), append(childEnds, outW)
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrNotStarted, err)
	}
	parentEnds, childEnds = append(parentEnds, errR), append(childEnds, errW)
	cmd.Stdout, cmd.Stderr = outW, errW

	var stdin *os.File
	if spec.Stdin != nil {
		cmd.Stdin = spec.Stdin
		// a reader that never reaches EOF must not hold up Wait
		cmd.WaitDelay = time.Second
	} else {
		inR, inW, err := os.Pipe()
		if err != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
			return nil, fmt.Errorf("%w: stdin pipe: %v", ErrNotStarted, err)
		}
		parentEnds, childEnds = append(parentEnds, inW), append(childEnds, inR)
		cmd.Stdin = inR
		stdin = inW
	}

	if err := cmd.Start(); err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotStarted, spec.Name, err)
	}
	closeAll(childEnds)

	h := &Handle{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		stdout:    stream.NewSource(outR),
		stderr:    stream.NewSource(errR),
		done:      make(chan struct{}),
	}
	if stdin != nil {
		h.stdin = stdin
	}
	for _, o := range opts {
		o(h)
	}
	go h.reap()
	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.state = h.cmd.ProcessState
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		h.waitErr = err
	}
	h.mu.Unlock()
	if h.onReap != nil {
		h.onReap()
	}
	close(h.done)
}

func (h *Handle) Spec() Spec           { return h.spec }
func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartTime() time.Time { return h.startedAt }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitValue returns Exited once the process has terminated and StillRunning before.
func (h *Handle) ExitValue() ExitStatus {
	select {
	case <-h.done:
	default:
		return StillRunning{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return exitedFrom(h.state)
}

// ExitCode is the Go-style accessor: it fails with ErrStillRunning before exit.
func (h *Handle) ExitCode() (int, error) {
	switch s := h.ExitValue().(type) {
	case Exited:
		return s.Code, nil
	default:
		return 0, ErrStillRunning
	}
}

// Wait blocks until the process exits or ctx is done. A cancelled wait
// returns ctx.Err() and leaves the process running.
func (h *Handle) Wait(ctx context.Context) (Exited, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return Exited{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return exitedFrom(h.state), h.waitErr
}

// WaitTimeout waits at most d and reports whether the timeout elapsed first.
func (h *Handle) WaitTimeout(d time.Duration) (timedOut bool, err error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return false, h.waitErr
	case <-t.C:
		return true, nil
	}
}

// TotalCPU is user plus system CPU time consumed so far.
func (h *Handle) TotalCPU() time.Duration {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.state == nil {
			return 0
		}
		return h.state.UserTime() + h.state.SystemTime()
	default:
	}
	p, err := gopsproc.NewProcess(int32(h.pid))
	if err != nil {
		return 0
	}
	t, err := p.Times()
	if err != nil {
		return 0
	}
	return time.Duration((t.User + t.System) * float64(time.Second))
}

// Destroy kills the process and everything in its process group.
// Destroying a process that has already exited is a no-op.
func (h *Handle) Destroy() error {
	if !h.IsAlive() {
		return nil
	}
	if err := killTree(h.cmd.Process); err != nil {
		if !h.IsAlive() {
			return nil
		}
		return fmt.Errorf("destroy %s (pid %d): %w", h.spec.Name, h.pid, err)
	}
	return nil
}

// TryDestroy is Destroy without an error: it reports whether the process is
// gone or the kill was delivered.
func (h *Handle) TryDestroy() bool {
	return h.Destroy() == nil
}

// Stdin returns the write end of the child's standard input.
func (h *Handle) Stdin() (io.WriteCloser, error) {
	if h.stdin == nil {
		return nil, ErrStdinRedirected
	}
	return h.stdin, nil
}

func (h *Handle) Stdout() *stream.Source { return h.stdout }
func (h *Handle) Stderr() *stream.Source { return h.stderr }

// Close waits for the process to exit and then releases its pipes.
// Output not yet read is discarded.
func (h *Handle) Close() error {
	<-h.done
	var errs []error
	h.closeOnce.Do(func() {
		if h.stdin != nil {
			if err := h.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
		errs = append(errs, h.stdout.Close(), h.stderr.Close())
	})
	return errors.Join(errs...)
}
