package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/store"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List audit events",
	Long: `List audit events, newest first. Page backwards with --before-id set to
the smallest id of the previous page.

Examples:
  gofleet events --deployment web
  gofleet events --task 42 --json
  gofleet events --action delete --object-type vm --after 24h`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List held director locks",
	Args:  cobra.NoArgs,
	RunE:  runLocks,
}

func init() {
	rootCmd.AddCommand(eventsCmd, locksCmd)

	f := eventsCmd.Flags()
	f.Int64("before-id", 0, "Only events older than this id")
	f.String("deployment", "", "Filter by deployment")
	f.String("task", "", "Filter by task id")
	f.String("instance", "", "Filter by instance (<group>/<uuid>)")
	f.String("user", "", "Filter by user")
	f.String("action", "", "Filter by action")
	f.String("object-type", "", "Filter by object type")
	f.String("object-name", "", "Filter by object name")
	f.Duration("after", 0, "Only events newer than this age")
	f.Duration("before", 0, "Only events older than this age")
	f.Int("limit", 0, "Maximum events (default 200)")
	f.Bool("json", false, "Output as JSON")

	locksCmd.Flags().Bool("json", false, "Output as JSON")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fl := cmd.Flags()
	var f store.EventFilter
	f.BeforeID, _ = fl.GetInt64("before-id")
	f.Deployment, _ = fl.GetString("deployment")
	f.Task, _ = fl.GetString("task")
	f.Instance, _ = fl.GetString("instance")
	f.User, _ = fl.GetString("user")
	f.Action, _ = fl.GetString("action")
	f.ObjectType, _ = fl.GetString("object-type")
	f.ObjectName, _ = fl.GetString("object-name")
	f.Limit, _ = fl.GetInt("limit")
	if f.Limit < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must not be negative"))
	}
	now := time.Now()
	if d, _ := fl.GetDuration("after"); d > 0 {
		f.After = now.Add(-d)
	}
	if d, _ := fl.GetDuration("before"); d > 0 {
		f.Before = now.Add(-d)
	}
	jsonOutput, _ := fl.GetBool("json")

	db, err := openStore(ctx, loadedConfig())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director database", err)
	}
	defer func() { _ = db.Close() }()

	events, err := store.ListEvents(ctx, db, f)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if jsonOutput {
		if events == nil {
			events = []store.Event{}
		}
		return printJSON(events)
	}
	if len(events) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No events")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTIME\tUSER\tACTION\tOBJECT TYPE\tOBJECT NAME\tTASK\tDEPLOYMENT\tINSTANCE\tERROR")
	for _, e := range events {
		id := fmt.Sprint(e.ID)
		if e.ParentID != nil {
			id = fmt.Sprintf("%d <- %d", e.ID, *e.ParentID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			id, e.Timestamp.Local().Format(time.DateTime), e.User, e.Action, e.ObjectType, dash(e.ObjectName),
			dash(e.Task), dash(e.Deployment), dash(e.Instance), truncate(e.Error, 40))
	}
	_ = w.Flush()
	return nil
}

func runLocks(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	d, err := openDirector(ctx, loadedConfig(), observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director", err)
	}
	defer func() { _ = d.Close() }()

	held, err := d.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("list locks: %w", err)
	}
	if jsonOutput {
		if held == nil {
			held = []lock.Held{}
		}
		return printJSON(held)
	}
	if len(held) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No locks")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTASK\tOWNER\tEXPIRES")
	for _, h := range held {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Name, h.TaskID, h.Owner, h.ExpiresAt.Local().Format(time.DateTime))
	}
	_ = w.Flush()
	return nil
}
