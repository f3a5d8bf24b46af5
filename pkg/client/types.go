package client

import "time"

// LaunchRequest asks the daemon to launch a task.
type LaunchRequest struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Command      string   `json:"command"`
	Args         []string `json:"args,omitempty"`
	WorkDir      string   `json:"work_dir,omitempty"`
	Env          []string `json:"env,omitempty"`
	HoldFor      string   `json:"hold_for,omitempty"`
	StdoutPrefix string   `json:"stdout_prefix,omitempty"`
	StderrPrefix string   `json:"stderr_prefix,omitempty"`
}

// TaskInfo is the supervision state of a task launched by the daemon.
type TaskInfo struct {
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

// Task is one task directory with the cleanup verdict for it.
// Age and LockAge are nanoseconds, as Go encodes time.Duration.
type Task struct {
	Path      string        `json:"path"`
	ID        string        `json:"id"`
	Age       time.Duration `json:"age"`
	PIDMarker string        `json:"pid_marker,omitempty"`
	Name      string        `json:"name,omitempty"`
	PID       int           `json:"pid"`
	Alive     bool          `json:"alive"`
	Lock      string        `json:"lock_marker,omitempty"`
	LockAge   time.Duration `json:"lock_age,omitempty"`
	Reason    string        `json:"reason"`
	Task      *TaskInfo     `json:"task,omitempty"`
}

// LockState is the lock marker state after a lock operation.
type LockState struct {
	ID          string     `json:"id"`
	Locked      bool       `json:"locked"`
	LockTimeout *time.Time `json:"lock_timeout,omitempty"`
}

type SweepFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// SweepResult summarises one cleanup pass.
type SweepResult struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	DryRun    bool           `json:"dry_run"`
	Verdicts  []Task         `json:"verdicts"`
	Selected  []string       `json:"selected"`
	Removed   []string       `json:"removed"`
	Failed    []SweepFailure `json:"failed,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Event is one recorded history entry for a task.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	TaskID     string    `json:"task_id"`
	Path       string    `json:"path"`
	Name       string    `json:"name,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}
