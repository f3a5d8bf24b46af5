//go:build !windows

package manager

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procwarden/internal/cleanup"
	"github.com/loykin/procwarden/internal/history"
	"github.com/loykin/procwarden/internal/lease"
	"github.com/loykin/procwarden/internal/logger"
	"github.com/loykin/procwarden/internal/process"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) types(id string) []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.EventType
	for _, e := range s.events {
		if e.TaskID == id {
			out = append(out, e.Type)
		}
	}
	return out
}

func newManager(t *testing.T, opts Options, o ...Option) *Manager {
	t.Helper()
	if opts.BasePath == "" {
		opts.BasePath = t.TempDir()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.DrainInterval == 0 {
		opts.DrainInterval = 5 * time.Millisecond
	}
	m, err := New(opts, o...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLaunch_WritesMarkerAndPrefixedOutput(t *testing.T) {
	sink := &memSink{}
	m := newManager(t, Options{Env: []string{"GREETING=hi"}}, WithHistory(sink))
	var out, errOut syncBuffer

	info, err := m.Launch(context.Background(), LaunchSpec{
		ID:           "job-1",
		Process:      process.Spec{Name: "worker", Command: `sh -c 'echo $GREETING; echo $PROCWARDEN_TASK_ID; echo oops 1>&2'`},
		StdoutPrefix: "[out] ",
		StderrPrefix: "[err] ",
		Stdout:       &out,
		Stderr:       &errOut,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", info.ID)
	assert.Equal(t, filepath.Join(m.BasePath(), "job-1"), info.Dir)
	assert.Positive(t, info.PID)

	marker, err := lease.ReadPIDMarker(filepath.Join(info.Dir, "worker"+lease.PIDSuffix))
	require.NoError(t, err)
	assert.Equal(t, info.PID, marker.PID)
	assert.Equal(t, "worker", marker.Name)

	st, err := m.Wait(waitCtx(t), "job-1")
	require.NoError(t, err)
	assert.True(t, st.Success())

	assert.Equal(t, "[out] hi\n[out] job-1\n", out.String())
	assert.Equal(t, "[err] oops\n", errOut.String())
	assert.Equal(t, []history.EventType{history.EventLaunch, history.EventExit}, sink.types("job-1"))

	got, err := m.Get("job-1")
	require.NoError(t, err)
	assert.False(t, got.Alive)
	assert.Equal(t, "exit 0", got.Exit)
}

func TestLaunch_DefaultOutputFilesInTaskDir(t *testing.T) {
	m := newManager(t, Options{Output: logger.FileConfig{MaxSizeMB: 1}})
	info, err := m.Launch(context.Background(), LaunchSpec{
		Process: process.Spec{Name: "files", Command: "sh -c 'echo to-file; pwd'"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.ID, "files-"), info.ID)

	_, err = m.Wait(waitCtx(t), info.ID)
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(info.Dir, logger.StdoutFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "to-file", lines[0])
	want, _ := filepath.EvalSymlinks(info.Dir)
	got, _ := filepath.EvalSymlinks(lines[1])
	assert.Equal(t, want, got, "task runs inside its directory by default")
}

func TestHoldFor_LocksAfterExit(t *testing.T) {
	sink := &memSink{}
	m := newManager(t, Options{}, WithHistory(sink))
	info, err := m.Launch(context.Background(), LaunchSpec{
		ID:      "post",
		Process: process.Spec{Name: "p", Command: "true"},
		HoldFor: time.Hour,
	})
	require.NoError(t, err)
	_, err = m.Wait(waitCtx(t), "post")
	require.NoError(t, err)

	got, err := m.Get("post")
	require.NoError(t, err)
	assert.True(t, got.Locked)
	require.NotNil(t, got.LockTimeout)
	_, err = os.Stat(filepath.Join(info.Dir, "p"+lease.LockSuffix))
	require.NoError(t, err)
	assert.Equal(t, []history.EventType{history.EventLaunch, history.EventExit, history.EventLock}, sink.types("post"))

	// the janitor sees a dead owner with a fresh lock
	sel := cleanup.NewSelector(m.Codec(), nil)
	v, err := sel.Judge(info.Dir, cleanup.Thresholds{LockFolder: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, cleanup.ReasonLocked, v.Reason)

	require.NoError(t, m.Unlock("post"))
	v, err = sel.Judge(info.Dir, cleanup.Thresholds{LockFolder: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, cleanup.ReasonAbandoned, v.Reason)
}

func TestLiveTaskIsNeverSelected(t *testing.T) {
	m := newManager(t, Options{})
	info, err := m.Launch(context.Background(), LaunchSpec{ID: "live", Process: process.Spec{Name: "s", Command: "sleep 30"}})
	require.NoError(t, err)

	sel := cleanup.NewSelector(m.Codec(), nil)
	v, err := sel.Judge(info.Dir, cleanup.Thresholds{})
	require.NoError(t, err)
	assert.Equal(t, cleanup.ReasonAlive, v.Reason)
	assert.Equal(t, map[string]int32{"live": int32(info.PID)}, m.Running())

	require.NoError(t, m.Stop(waitCtx(t), "live"))
	v, err = sel.Judge(info.Dir, cleanup.Thresholds{})
	require.NoError(t, err)
	assert.Equal(t, cleanup.ReasonAbandoned, v.Reason)
	assert.Empty(t, m.Running())
}

func TestLockAndResetByID(t *testing.T) {
	m := newManager(t, Options{})
	_, err := m.Launch(context.Background(), LaunchSpec{ID: "l", Process: process.Spec{Name: "s", Command: "sleep 30"}})
	require.NoError(t, err)

	assert.Error(t, m.ResetLock("l"), "reset before lock")
	require.NoError(t, m.Lock("l", time.Minute))
	require.NoError(t, m.ResetLock("l"))
	got, err := m.Get("l")
	require.NoError(t, err)
	assert.True(t, got.Locked)
	require.NoError(t, m.Unlock("l"))
	got, err = m.Get("l")
	require.NoError(t, err)
	assert.False(t, got.Locked)
	assert.Nil(t, got.LockTimeout)
}

func TestUnknownAndDuplicateTasks(t *testing.T) {
	m := newManager(t, Options{})
	_, err := m.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownTask)
	assert.ErrorIs(t, m.Stop(context.Background(), "nope"), ErrUnknownTask)
	assert.ErrorIs(t, m.Lock("nope", time.Second), ErrUnknownTask)

	_, err = m.Launch(context.Background(), LaunchSpec{ID: "dup", Process: process.Spec{Name: "s", Command: "sleep 30"}})
	require.NoError(t, err)
	_, err = m.Launch(context.Background(), LaunchSpec{ID: "dup", Process: process.Spec{Name: "s", Command: "sleep 30"}})
	assert.ErrorIs(t, err, ErrTaskExists)

	for _, id := range []string{"../escape", ".hidden", "a/b"} {
		_, err = m.Launch(context.Background(), LaunchSpec{ID: id, Process: process.Spec{Name: "s", Command: "true"}})
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}

	_, err = m.Launch(context.Background(), LaunchSpec{ID: "bad", Process: process.Spec{Name: "s", Command: "/no/such/binary", Args: []string{"x"}}})
	assert.ErrorIs(t, err, process.ErrNotStarted)
	_, err = m.Get("bad")
	assert.ErrorIs(t, err, ErrUnknownTask, "failed launches are not registered")
}

func TestList_SortedByID(t *testing.T) {
	m := newManager(t, Options{})
	for _, id := range []string{"c", "a", "b"} {
		_, err := m.Launch(context.Background(), LaunchSpec{ID: id, Process: process.Spec{Name: "s", Command: "sleep 30"}})
		require.NoError(t, err)
	}
	var ids []string
	for _, i := range m.List() {
		ids = append(ids, i.ID)
		assert.True(t, i.Alive)
		assert.Equal(t, "running", i.Exit)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRemove_DeletesDirectory(t *testing.T) {
	m := newManager(t, Options{})
	info, err := m.Launch(context.Background(), LaunchSpec{ID: "gone", Process: process.Spec{Name: "s", Command: "sleep 30"}})
	require.NoError(t, err)
	require.NoError(t, m.Remove(waitCtx(t), "gone"))
	_, err = os.Stat(info.Dir)
	assert.True(t, os.IsNotExist(err))
	_, err = m.Get("gone")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestShutdown(t *testing.T) {
	t.Run("releases directories", func(t *testing.T) {
		m := newManager(t, Options{})
		info, err := m.Launch(context.Background(), LaunchSpec{ID: "x", Process: process.Spec{Name: "s", Command: "sleep 30"}})
		require.NoError(t, err)
		require.NoError(t, m.Shutdown(waitCtx(t)))
		_, err = os.Stat(info.Dir)
		assert.True(t, os.IsNotExist(err))
		assert.Empty(t, m.List())

		_, err = m.Launch(context.Background(), LaunchSpec{Process: process.Spec{Name: "late", Command: "true"}})
		assert.ErrorIs(t, err, ErrShutdown)
	})
	t.Run("keep dirs", func(t *testing.T) {
		m := newManager(t, Options{KeepDirs: true})
		info, err := m.Launch(context.Background(), LaunchSpec{ID: "x", Process: process.Spec{Name: "s", Command: "sleep 30"}})
		require.NoError(t, err)
		require.NoError(t, m.Shutdown(waitCtx(t)))
		_, err = os.Stat(filepath.Join(info.Dir, "s"+lease.PIDSuffix))
		assert.NoError(t, err)
	})
}

func TestNew_RequiresBasePath(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHoldFor_LockPrecedesObservedExit(t *testing.T) {
	m := newManager(t, Options{PollInterval: time.Hour})
	info, err := m.Launch(context.Background(), LaunchSpec{
		ID:      "slow-poll",
		Process: process.Spec{Name: "p", Command: "sleep 0.2"},
		HoldFor: time.Hour,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.Get("slow-poll")
		return err == nil && !got.Alive
	}, 5*time.Second, 10*time.Millisecond)

	// the monitor has not polled yet; the lock must already be there
	sel := cleanup.NewSelector(m.Codec(), nil)
	v, err := sel.Judge(info.Dir, cleanup.Thresholds{LockFolder: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, cleanup.ReasonLocked, v.Reason)
	assert.Equal(t, filepath.Join(info.Dir, "p"+lease.LockSuffix), v.Lock)

	got, err := m.Get("slow-poll")
	require.NoError(t, err)
	assert.True(t, got.Locked)
}

func TestLaunch_ForeignDirectoryIsNotReused(t *testing.T) {
	m := newManager(t, Options{})
	dir := filepath.Join(m.BasePath(), "taken")
	_, err := m.Codec().WritePIDMarker(dir, "other", os.Getpid(), 0)
	require.NoError(t, err)

	_, err = m.Launch(context.Background(), LaunchSpec{ID: "taken", Process: process.Spec{Name: "s", Command: "sleep 30"}})
	assert.ErrorIs(t, err, ErrTaskExists)
	_, err = m.Get("taken")
	assert.ErrorIs(t, err, ErrUnknownTask)

	pids, _, err := lease.Markers(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "other"+lease.PIDSuffix)}, pids, "the foreign marker is untouched")

	_, err = m.Launch(context.Background(), LaunchSpec{ID: "bad", Process: process.Spec{Name: "s", Command: "/no/such/binary", Args: []string{"x"}}})
	assert.ErrorIs(t, err, process.ErrNotStarted)
	assert.NoDirExists(t, filepath.Join(m.BasePath(), "bad"), "a failed launch leaves no directory behind")
}
