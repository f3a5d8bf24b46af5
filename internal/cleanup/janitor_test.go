package cleanup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procwarden/internal/history"
)

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) snapshot() []history.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Event(nil), m.events...)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newJanitor(t *testing.T, f *fixture, cfg JanitorConfig, opts ...JanitorOption) *Janitor {
	t.Helper()
	if cfg.BasePath == "" {
		cfg.BasePath = f.base
	}
	opts = append([]JanitorOption{WithClock(f.clock), WithLogger(quietLogger())}, opts...)
	j, err := NewJanitor(cfg, f.sel, opts...)
	require.NoError(t, err)
	return j
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestJanitor_SweepRemovesAbandoned(t *testing.T) {
	f := newFixture(t)
	t1 := f.task("t1", 1, false, false)
	t2 := f.task("t2", 2, true, false)
	t3 := f.task("t3", 3, false, true)
	sink := &memSink{}
	j := newJanitor(t, f, JanitorConfig{
		Thresholds: Thresholds{NewFolder: 100 * time.Millisecond, LockFolder: time.Second},
	}, WithHistory(sink))

	f.clock.Step(200 * time.Millisecond)
	res, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{t1}, res.Selected)
	assert.Equal(t, []string{t1}, res.Removed)
	assert.Empty(t, res.Failed)
	assert.Len(t, res.Verdicts, 3)
	assert.True(t, res.StartedAt.Equal(f.clock.Now()))

	assert.False(t, exists(t1))
	assert.True(t, exists(t2))
	assert.True(t, exists(t3))

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, history.EventReclaim, events[0].Type)
	assert.Equal(t, "t1", events[0].TaskID)
	assert.Equal(t, t1, events[0].Path)
	assert.Equal(t, "abandoned", events[0].Reason)
}

func TestJanitor_DryRun(t *testing.T) {
	f := newFixture(t)
	t1 := f.task("t1", 1, false, false)
	j := newJanitor(t, f, JanitorConfig{DryRun: true})

	f.clock.Step(time.Second)
	res, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, []string{t1}, res.Selected)
	assert.Empty(t, res.Removed)
	assert.True(t, exists(t1))
}

func TestJanitor_DeletionFailureDoesNotAbortPass(t *testing.T) {
	f := newFixture(t)
	t1 := f.task("t1", 1, false, false)
	t2 := f.task("t2", 2, false, false)
	sink := &memSink{}
	j := newJanitor(t, f, JanitorConfig{}, WithHistory(sink))
	j.remove = func(p string) error {
		if p == t1 {
			return errors.New("device or resource busy")
		}
		return os.RemoveAll(p)
	}

	f.clock.Step(time.Second)
	res, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{t1, t2}, res.Selected)
	assert.Equal(t, []string{t2}, res.Removed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, t1, res.Failed[0].Path)
	assert.Contains(t, res.Failed[0].Err, "busy")

	events := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, history.EventReclaimFailed, events[0].Type)
	assert.Equal(t, "device or resource busy", events[0].Error)
	assert.Equal(t, history.EventReclaim, events[1].Type)

	j.remove = os.RemoveAll
	res, err = j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{t1}, res.Removed, "failed directory is retried on the next pass")
}

func TestJanitor_SweepMissingBase(t *testing.T) {
	f := newFixture(t)
	j := newJanitor(t, f, JanitorConfig{BasePath: filepath.Join(f.base, "nope")})
	_, err := j.Sweep(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestJanitor_SweepIgnoresCancelledContext(t *testing.T) {
	f := newFixture(t)
	t1 := f.task("t1", 1, false, false)
	j := newJanitor(t, f, JanitorConfig{})
	f.clock.Step(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{t1}, res.Removed)
}

func TestJanitor_RunOnSchedule(t *testing.T) {
	f := newFixture(t)
	t1 := f.task("t1", 1, false, false)
	j := newJanitor(t, f, JanitorConfig{
		Schedule:   "@every 1s",
		Thresholds: Thresholds{NewFolder: 1500 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- j.Run(ctx) }()

	require.Eventually(t, f.clock.HasWaiters, 2*time.Second, time.Millisecond)
	f.clock.Step(time.Second)
	require.Eventually(t, f.clock.HasWaiters, 2*time.Second, time.Millisecond)
	assert.True(t, exists(t1), "first tick is inside the grace period")

	f.clock.Step(time.Second)
	require.Eventually(t, func() bool { return !exists(t1) }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewJanitor_Validation(t *testing.T) {
	_, err := NewJanitor(JanitorConfig{}, nil)
	assert.Error(t, err)

	_, err = NewJanitor(JanitorConfig{BasePath: t.TempDir(), Schedule: "every so often"}, nil)
	assert.Error(t, err)

	_, err = NewJanitor(JanitorConfig{BasePath: t.TempDir(), Thresholds: Thresholds{NewFolder: -time.Second}}, nil)
	assert.Error(t, err)

	j, err := NewJanitor(JanitorConfig{BasePath: "/srv/tasks"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/tasks", j.BasePath())
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"", "@every 30s", "@hourly", "*/5 * * * *", "0 */2 * * * *"} {
		_, err := ParseSchedule(expr)
		assert.NoError(t, err, "expr %q", expr)
	}
	_, err := ParseSchedule("61 * * * *")
	assert.Error(t, err)

	s, err := ParseSchedule("@every 10s")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(10*time.Second), s.Next(epoch))
}

func TestJanitor_UnreadableDirectoryIsReportedAndPassContinues(t *testing.T) {
	f := newFixture(t)
	t1 := f.task("t1", 1, false, false)
	bad := unreadableDir(t, f, "sealed")
	j := newJanitor(t, f, JanitorConfig{})

	f.clock.Step(time.Second)
	res, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{t1}, res.Removed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, bad, res.Failed[0].Path)
	assert.True(t, exists(bad))
}
