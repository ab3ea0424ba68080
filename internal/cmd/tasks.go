package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/store"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List and manage director tasks",
	Long: `List tasks, newest first. Without --state only unfinished tasks are shown.

Examples:
  gofleet tasks
  gofleet tasks --recent 20 --deployment web
  gofleet tasks show 42
  gofleet tasks output 42 --type event
  gofleet tasks cancel 42`,
	RunE: runTasksList,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksShow,
}

var tasksOutputCmd = &cobra.Command{
	Use:   "output <id>",
	Short: "Print a task's event, result or debug output",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksOutput,
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Request cancellation of a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksCancel,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksShowCmd, tasksOutputCmd, tasksCancelCmd)

	tasksCmd.Flags().StringSlice("state", nil, "Filter by state (repeatable or comma separated)")
	tasksCmd.Flags().Int("recent", 0, "Show the N most recent tasks in any state")
	tasksCmd.Flags().String("deployment", "", "Filter by deployment")
	tasksCmd.Flags().String("type", "", "Filter by task type")
	tasksCmd.Flags().Bool("json", false, "Output as JSON")

	tasksShowCmd.Flags().Bool("json", false, "Output as JSON")
	tasksOutputCmd.Flags().String("type", jobrunner.StreamResult, "Output stream: event | result | debug")
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, exitError(foundry.ExitInvalidArgument, "Invalid task id", fmt.Errorf("%q is not a task id", arg))
	}
	return id, nil
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	states, _ := cmd.Flags().GetStringSlice("state")
	recent, _ := cmd.Flags().GetInt("recent")
	deploymentName, _ := cmd.Flags().GetString("deployment")
	taskType, _ := cmd.Flags().GetString("type")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	f := store.TaskFilter{Deployment: deploymentName, Type: taskType, Limit: recent}
	for _, s := range states {
		f.States = append(f.States, store.TaskState(strings.TrimSpace(s)))
	}
	if len(f.States) == 0 && recent == 0 {
		f.States = []store.TaskState{store.TaskQueued, store.TaskProcessing, store.TaskCancelling}
	}

	db, err := openStore(ctx, loadedConfig())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director database", err)
	}
	defer func() { _ = db.Close() }()

	tasks, err := store.ListTasks(ctx, db, f)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if jsonOutput {
		if tasks == nil {
			tasks = []store.Task{}
		}
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No tasks found")
		return nil
	}
	printTaskTable(tasks)
	return nil
}

func printTaskTable(tasks []store.Task) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATE\tCREATED\tUSER\tDEPLOYMENT\tDESCRIPTION\tRESULT")
	for _, t := range tasks {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.State, t.CreatedAt.Local().Format(time.DateTime), t.Username,
			dash(t.DeploymentName), t.Description, truncate(t.Result, 60))
	}
	_ = w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	db, err := openStore(ctx, loadedConfig())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director database", err)
	}
	defer func() { _ = db.Close() }()

	task, err := store.GetTask(ctx, db, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	printTaskTable([]store.Task{*task})
	return nil
}

func runTasksOutput(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	stream, _ := cmd.Flags().GetString("type")

	db, err := openStore(ctx, loadedConfig())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director database", err)
	}
	defer func() { _ = db.Close() }()

	task, err := store.GetTask(ctx, db, id)
	if err != nil {
		return err
	}
	if task.OutputLocation == "" {
		_, _ = fmt.Fprintf(os.Stderr, "Task %d has not started yet\n", id)
		return nil
	}
	b, err := jobrunner.ReadStream(task.OutputLocation, stream)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to read task output", err)
	}
	_, err = os.Stdout.Write(b)
	return err
}

func runTasksCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	d, err := openDirector(ctx, loadedConfig(), observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director", err)
	}
	defer func() { _ = d.Close() }()

	task, err := d.client.Cancel(ctx, id)
	if err != nil {
		return err
	}
	observability.CLILogger.Info("cancellation requested", zap.Int64("task_id", task.ID), zap.String("state", string(task.State)))
	_, _ = fmt.Fprintf(os.Stdout, "Task %d is %s\n", task.ID, task.State)
	return nil
}

// cliUser is the user recorded on tasks queued from the command line.
func cliUser() string {
	for _, k := range []string{"GOFLEET_USER", "USER", "USERNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "director"
}

// addTaskFlags registers the flags shared by commands that queue a task.
func addTaskFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("wait", false, "Wait for the task to finish and print its result")
	cmd.Flags().Duration("wait-poll", time.Second, "Status poll interval with --wait")
}

// enqueue queues one task and, with --wait, follows it to the end.
func enqueue(cmd *cobra.Command, jobType string, args any, opts jobrunner.EnqueueOptions) error {
	return enqueueWith(cmd, jobType, func(context.Context, *director) (any, jobrunner.EnqueueOptions, error) {
		return args, opts, nil
	})
}

// enqueueWith is enqueue for arguments that depend on director state.
func enqueueWith(cmd *cobra.Command, jobType string, build func(context.Context, *director) (any, jobrunner.EnqueueOptions, error)) error {
	ctx := cmd.Context()
	d, err := openDirector(ctx, loadedConfig(), observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director", err)
	}
	defer func() { _ = d.Close() }()

	args, opts, err := build(ctx, d)
	if err != nil {
		return err
	}
	if opts.User == "" {
		opts.User = cliUser()
	}
	task, err := d.client.Enqueue(ctx, jobType, args, opts)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "Task %d queued: %s\n", task.ID, task.Description)

	if wait, _ := cmd.Flags().GetBool("wait"); !wait {
		return nil
	}
	poll, _ := cmd.Flags().GetDuration("wait-poll")
	final, err := waitForTask(ctx, d.client, task.ID, poll)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "Task %d %s\n", final.ID, final.State)
	if final.Result != "" {
		_, _ = fmt.Fprintln(os.Stdout, final.Result)
	}
	switch final.State {
	case store.TaskDone:
		return nil
	case store.TaskCancelled:
		return exitError(foundry.ExitSignalInt, fmt.Sprintf("Task %d cancelled", final.ID), nil)
	default:
		return exitError(1, fmt.Sprintf("Task %d %s", final.ID, final.State), nil)
	}
}

func waitForTask(ctx context.Context, client *jobrunner.Client, id int64, poll time.Duration) (*store.Task, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		task, err := client.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.State.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
