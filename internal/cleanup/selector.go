package cleanup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/procwarden/internal/detector"
	"github.com/loykin/procwarden/internal/lease"
)

// Reason is the selector's decision for one task directory.
type Reason string

const (
	ReasonYoung     Reason = "young"
	ReasonAlive     Reason = "alive"
	ReasonLocked    Reason = "locked"
	ReasonAbandoned Reason = "abandoned"
)

// Thresholds is the grace period for new directories and the maximum age a
// lock marker may reach before it stops protecting its directory.
type Thresholds struct {
	NewFolder  time.Duration `json:"new_folder" mapstructure:"new_folder_threshold"`
	LockFolder time.Duration `json:"lock_folder" mapstructure:"lock_folder_threshold"`
}

// Verdict explains how one task directory was judged.
type Verdict struct {
	Path      string        `json:"path"`
	ID        string        `json:"id"`
	Age       time.Duration `json:"age"`
	PIDMarker string        `json:"pid_marker,omitempty"`
	Name      string        `json:"name,omitempty"`
	PID       int           `json:"pid"`
	Alive     bool          `json:"alive"`
	Lock      string        `json:"lock_marker,omitempty"`
	LockAge   time.Duration `json:"lock_age,omitempty"`
	Reason    Reason        `json:"reason"`
}

// Selector decides which task directories under a base path are abandoned.
// It never deletes anything.
type Selector struct {
	codec  *lease.Codec
	oracle detector.Oracle
}

// NewSelector returns a Selector. A nil codec uses the wall clock and a nil
// oracle uses the host process table.
func NewSelector(codec *lease.Codec, oracle detector.Oracle) *Selector {
	if codec == nil {
		codec = lease.NewCodec(nil)
	}
	if oracle == nil {
		oracle = detector.Native()
	}
	return &Selector{codec: codec, oracle: oracle}
}

// InspectError lists task directories that exist but could not be judged.
// Inspect returns it next to the verdicts of every other directory.
type InspectError struct {
	Failures []Failure
	errs     []error
}

func (e *InspectError) Error() string {
	f := e.Failures[0]
	if len(e.Failures) == 1 {
		return fmt.Sprintf("inspect %s: %s", f.Path, f.Err)
	}
	return fmt.Sprintf("inspect: %d task directories unreadable, first %s: %s", len(e.Failures), f.Path, f.Err)
}

func (e *InspectError) Unwrap() []error { return e.errs }

// Inspect judges every immediate child directory of basePath, in listing
// order. Directories that vanish while being inspected are left out; any
// other failure is returned as an *InspectError alongside the verdicts.
func (s *Selector) Inspect(basePath string, th Thresholds) ([]Verdict, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return nil, fmt.Errorf("read base path %s: %w", basePath, err)
	}
	out := make([]Verdict, 0, len(entries))
	var ie *InspectError
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(basePath, e.Name())
		v, err := s.Judge(dir, th)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			if ie == nil {
				ie = &InspectError{}
			}
			ie.Failures = append(ie.Failures, Failure{Path: dir, Err: err.Error()})
			ie.errs = append(ie.errs, err)
			continue
		}
		out = append(out, v)
	}
	if ie != nil {
		return out, ie
	}
	return out, nil
}

// SelectInvalid returns the abandoned directories under basePath in listing
// order. With an *InspectError the list covers the directories that could be judged.
func (s *Selector) SelectInvalid(basePath string, th Thresholds) ([]string, error) {
	vs, err := s.Inspect(basePath, th)
	var out []string
	for _, v := range vs {
		if v.Reason == ReasonAbandoned {
			out = append(out, v.Path)
		}
	}
	return out, err
}

// Judge evaluates a single task directory.
func (s *Selector) Judge(dir string, th Thresholds) (Verdict, error) {
	v := Verdict{Path: dir, ID: lease.IDFromPath(dir)}
	pids, locks, err := lease.Markers(dir)
	if err != nil {
		return v, err
	}

	var written time.Time
	if len(pids) > 0 {
		// an unparseable marker still dates the directory but names no owner
		m, err := lease.ReadPIDMarker(pids[0])
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			v.PIDMarker = m.Path
			v.Name = m.Name
			v.PID = m.PID
			written = m.WrittenAt
			if err == nil && m.PID > 0 {
				v.Alive = detector.AliveWithIdentity(s.oracle, m.PID, m.StartUnix)
			}
		}
	}
	if written.IsZero() {
		fi, err := os.Stat(dir)
		if err != nil {
			return v, err
		}
		written = fi.ModTime()
	}
	v.Age = s.codec.Now().Sub(written)

	if len(locks) > 0 {
		if age, err := s.codec.Age(locks[0]); err == nil {
			v.Lock = locks[0]
			v.LockAge = age
		}
	}

	switch {
	case !s.codec.HasReachedThreshold(written, th.NewFolder):
		v.Reason = ReasonYoung
	case v.Alive:
		v.Reason = ReasonAlive
	case v.PIDMarker == "":
		// nothing ever owned it; a lock alone does not keep it
		v.Reason = ReasonAbandoned
	case v.Lock != "" && v.LockAge < th.LockFolder:
		v.Reason = ReasonLocked
	default:
		v.Reason = ReasonAbandoned
	}
	return v, nil
}

// SelectInvalidDirectories judges basePath with the wall clock and the host
// process table.
func SelectInvalidDirectories(basePath string, newFolderThreshold, lockFolderThreshold time.Duration) ([]string, error) {
	return NewSelector(nil, nil).SelectInvalid(basePath, Thresholds{
		NewFolder:  newFolderThreshold,
		LockFolder: lockFolderThreshold,
	})
}
