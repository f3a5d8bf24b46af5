package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/procwarden/internal/config"
	"github.com/loykin/procwarden/internal/history"
	"github.com/loykin/procwarden/internal/history/factory"
	"github.com/loykin/procwarden/pkg/client"
)

// HistoryFlags holds flags for the history command
type HistoryFlags struct {
	RemoteFlags
	Limit int
	JSON  bool
}

func createHistoryCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show recorded launch, exit, lock and reclaim events for a task",
		Long: `Show what happened to a task directory, newest first. Locally this reads
the first queryable sink (sqlite or postgres) in [history].dsns; the
directory itself may already be reclaimed.

Examples:
  procwarden history build-1700000000-1
  procwarden history build-1700000000-1 --limit=5 --json
  procwarden history build-1700000000-1 --api-url=http://remote:8080/api`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []client.Event
			var err error
			if f.remote() {
				var c *client.Client
				if c, err = apiClient(cmd.Context(), &f.RemoteFlags); err != nil {
					return err
				}
				events, err = c.History(cmd.Context(), args[0], f.Limit)
			} else {
				events, err = localHistory(cmd.Context(), globalFlags.ConfigPath, args[0], f.Limit)
			}
			if err != nil {
				return err
			}
			if f.JSON {
				if events == nil {
					events = []client.Event{}
				}
				return printJSON(cmd.OutOrStdout(), events)
			}
			return printEvents(cmd.OutOrStdout(), events)
		},
	}
	f.bind(cmd)
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum number of events")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func localHistory(ctx context.Context, configPath, id string, limit int) ([]client.Event, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer factory.CloseAll(sinks)

	r := history.FirstReader(sinks)
	if r == nil {
		return nil, errors.New("no queryable history sink in [history] dsns (use sqlite or postgres)")
	}
	events, err := r.Events(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	out := make([]client.Event, 0, len(events))
	for _, e := range events {
		out = append(out, client.Event{
			Type:       string(e.Type),
			OccurredAt: e.OccurredAt,
			TaskID:     e.TaskID,
			Path:       e.Path,
			Name:       e.Name,
			PID:        e.PID,
			Reason:     e.Reason,
			Error:      e.Error,
		})
	}
	return out, nil
}

func printEvents(w io.Writer, events []client.Event) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "no events recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tNAME\tPID\tDETAIL")
	for _, e := range events {
		pid := "-"
		if e.PID > 0 {
			pid = fmt.Sprint(e.PID)
		}
		detail := e.Reason
		if e.Error != "" {
			detail = "error: " + e.Error
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.OccurredAt.Local().Format(time.DateTime), e.Type, valOr(e.Name, "-"), pid, valOr(detail, "-"))
	}
	return tw.Flush()
}
