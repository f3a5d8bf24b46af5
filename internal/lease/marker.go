package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/clock"
)

// Marker file suffixes. The part before the suffix is the owning name.
const (
	PIDSuffix  = ".pid"
	LockSuffix = ".lock"
)

var ErrInvalidName = errors.New("invalid marker name")

// PIDMarker is the decoded content of a PID marker file.
// WrittenAt comes from the file's modification time, never from its content.
type PIDMarker struct {
	Path      string
	Name      string
	PID       int
	StartUnix int64
	WrittenAt time.Time
}

type pidMeta struct {
	Name      string `json:"name"`
	StartUnix int64  `json:"start_unix,omitempty"`
}

// Codec reads and writes marker files. All timestamps it writes and all ages it
// computes come from the same clock.
type Codec struct {
	clock clock.PassiveClock
}

// NewCodec returns a Codec using c, or the wall clock when c is nil.
func NewCodec(c clock.PassiveClock) *Codec {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Codec{clock: c}
}

func (c *Codec) Now() time.Time { return c.clock.Now() }

// WritePIDMarker creates dir (with parents) and writes <name>.pid recording pid.
// startUnix is the process start time in unix seconds, or 0 when unknown.
// Re-invocation with the same name overwrites the marker.
func (c *Codec) WritePIDMarker(dir, name string, pid int, startUnix int64) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create task dir %s: %w", dir, err)
	}
	meta, err := json.Marshal(pidMeta{Name: name, StartUnix: startUnix})
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+PIDSuffix)
	content := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	if err := c.writeAtomic(path, []byte(content)); err != nil {
		return "", err
	}
	return path, nil
}

// WriteLockMarker creates or overwrites <name>.lock under dir. The content is
// informational only; readers look at the modification time.
func (c *Codec) WriteLockMarker(dir, name string, hold time.Duration) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create task dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+LockSuffix)
	var content []byte
	if hold > 0 {
		content = []byte(hold.String() + "\n")
	}
	if err := c.writeAtomic(path, content); err != nil {
		return "", err
	}
	return path, nil
}

// ResetLock sets the marker's timestamp to now without rewriting it.
func (c *Codec) ResetLock(marker string) error {
	now := c.clock.Now()
	if err := os.Chtimes(marker, now, now); err != nil {
		return fmt.Errorf("reset lock %s: %w", marker, err)
	}
	return nil
}

// Age returns now minus the marker's last write time.
func (c *Codec) Age(marker string) (time.Duration, error) {
	fi, err := os.Stat(marker)
	if err != nil {
		return 0, err
	}
	return c.clock.Since(fi.ModTime()), nil
}

// HasReachedThreshold reports whether at least threshold has elapsed since start.
func (c *Codec) HasReachedThreshold(start time.Time, threshold time.Duration) bool {
	return c.clock.Since(start) >= threshold
}

func (c *Codec) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	now := c.clock.Now()
	if err := os.Chtimes(tmpName, now, now); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// ReadPIDMarker decodes a PID marker. Legacy files holding only the pid are accepted.
func ReadPIDMarker(path string) (PIDMarker, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return PIDMarker{}, err
	}
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return PIDMarker{}, err
	}
	m := PIDMarker{
		Path:      path,
		Name:      strings.TrimSuffix(filepath.Base(path), PIDSuffix),
		WrittenAt: fi.ModTime(),
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return m, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	m.PID = pid
	if rest = strings.TrimSpace(rest); rest != "" {
		var meta pidMeta
		if json.Unmarshal([]byte(rest), &meta) == nil {
			if meta.Name != "" {
				m.Name = meta.Name
			}
			m.StartUnix = meta.StartUnix
		}
	}
	return m, nil
}

// Markers lists the PID and lock marker paths directly inside dir.
// Both lists are ordered most recently written first; equal timestamps
// fall back to lexicographic order of the file name.
func Markers(dir string) (pids, locks []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	type stamped struct {
		path string
		mod  time.Time
	}
	var ps, ls []stamped
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between listing and stat
			continue
		}
		s := stamped{path: filepath.Join(dir, e.Name()), mod: info.ModTime()}
		switch filepath.Ext(e.Name()) {
		case PIDSuffix:
			ps = append(ps, s)
		case LockSuffix:
			ls = append(ls, s)
		}
	}
	order := func(v []stamped) []string {
		sort.SliceStable(v, func(i, j int) bool {
			if !v[i].mod.Equal(v[j].mod) {
				return v[i].mod.After(v[j].mod)
			}
			return v[i].path < v[j].path
		})
		out := make([]string, len(v))
		for i := range v {
			out[i] = v[i].path
		}
		return out
	}
	return order(ps), order(ls), nil
}

// IDFromPath returns the final path segment, which is the task identifier.
func IDFromPath(path string) string {
	return filepath.Base(filepath.Clean(path))
}

func validName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
