package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/loykin/procwarden/internal/cleanup"
	"github.com/loykin/procwarden/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// apiClient returns a client for the daemon and fails early when it does
// not answer.
func apiClient(ctx context.Context, f *RemoteFlags) (*client.Client, error) {
	c := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
	if !c.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it with 'procwarden serve'", f.APIUrl)
	}
	return c, nil
}

func fromVerdict(v cleanup.Verdict) client.Task {
	return client.Task{
		Path:      v.Path,
		ID:        v.ID,
		Age:       v.Age,
		PIDMarker: v.PIDMarker,
		Name:      v.Name,
		PID:       v.PID,
		Alive:     v.Alive,
		Lock:      v.Lock,
		LockAge:   v.LockAge,
		Reason:    string(v.Reason),
	}
}

func fromSweep(r cleanup.SweepResult) client.SweepResult {
	out := client.SweepResult{
		StartedAt: r.StartedAt,
		Duration:  r.Duration,
		DryRun:    r.DryRun,
		Selected:  r.Selected,
		Removed:   r.Removed,
	}
	for _, v := range r.Verdicts {
		out.Verdicts = append(out.Verdicts, fromVerdict(v))
	}
	for _, f := range r.Failed {
		out.Failed = append(out.Failed, client.SweepFailure{Path: f.Path, Error: f.Err})
	}
	return out
}

func printTasks(w io.Writer, tasks []client.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tVERDICT\tNAME\tPID\tAGE\tLOCK AGE")
	for _, t := range tasks {
		pid, lockAge := "-", "-"
		if t.PID > 0 {
			pid = fmt.Sprint(t.PID)
		}
		if t.Lock != "" {
			lockAge = t.LockAge.Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Reason, valOr(t.Name, "-"), pid, t.Age.Round(time.Second), lockAge)
	}
	return tw.Flush()
}

func printSweep(w io.Writer, r client.SweepResult) error {
	verb := "removed"
	if r.DryRun {
		verb = "would remove"
	}
	targets := r.Removed
	if r.DryRun {
		targets = r.Selected
	}
	_, _ = fmt.Fprintf(w, "inspected %d, selected %d, %s %d, failed %d (%s)\n",
		len(r.Verdicts), len(r.Selected), verb, len(targets), len(r.Failed), r.Duration.Round(time.Millisecond))
	for _, p := range targets {
		_, _ = fmt.Fprintf(w, "  %s %s\n", verb, p)
	}
	for _, f := range r.Failed {
		_, _ = fmt.Fprintf(w, "  failed %s: %s\n", f.Path, f.Error)
	}
	return nil
}
