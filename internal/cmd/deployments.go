package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gofleet/pkg/deployment"
	"github.com/3leaps/gofleet/pkg/errand"
	"github.com/3leaps/gofleet/pkg/instance"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/store"
)

var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "List deployments",
	Args:  cobra.NoArgs,
	RunE:  runDeploymentsList,
}

var deployCmd = &cobra.Command{
	Use:   "deploy <manifest>",
	Short: "Create or update a deployment from a manifest",
	Long: `Queue an update_deployment task for a deployment manifest. The latest
cloud and runtime configs are pinned when the task is queued.

Use "-" to read the manifest from stdin.

Examples:
  gofleet deploy web.yml
  gofleet deploy web.yml --recreate --skip-drain --wait
  gofleet deploy web.yml --dry-run
  cat web.yml | gofleet deploy -`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var deleteDeploymentCmd = &cobra.Command{
	Use:   "delete-deployment <name>",
	Short: "Delete a deployment and its instances",
	Long: `Queue a delete_deployment task. Disks of deleted instances are orphaned.

With --force CPI and agent failures are ignored so a broken deployment can
still be removed.

Examples:
  gofleet delete-deployment web
  gofleet delete-deployment web --force --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runDeleteDeployment,
}

var instancesCmd = &cobra.Command{
	Use:   "instances <deployment>",
	Short: "List a deployment's instances or change their state",
	Long: `List instances of a deployment. The start, stop and restart subcommands
queue a task for one instance, addressed as <group>/<uuid-or-index>.

Examples:
  gofleet instances web
  gofleet instances start web nginx/0
  gofleet instances stop web nginx/2c6f1a3e --hard
  gofleet instances restart web nginx/0 --skip-drain`,
	Args: cobra.ExactArgs(1),
	RunE: runInstancesList,
}

var instanceStartCmd = &cobra.Command{
	Use:   "start <deployment> <group>/<id>",
	Short: "Start one instance",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceAction,
}

var instanceStopCmd = &cobra.Command{
	Use:   "stop <deployment> <group>/<id>",
	Short: "Stop one instance",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceAction,
}

var instanceRestartCmd = &cobra.Command{
	Use:   "restart <deployment> <group>/<id>",
	Short: "Restart one instance",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceAction,
}

var errandCmd = &cobra.Command{
	Use:   "run-errand <deployment> <errand>",
	Short: "Run an errand",
	Long: `Queue a run_errand task. Without --instance only the first instance of
the errand runs. Instance filters are <group>/<index> or <group>/<uuid>
patterns and accept * and ** wildcards.

Examples:
  gofleet run-errand web smoke-tests --wait
  gofleet run-errand web smoke-tests --instance 'web/*' --keep-alive
  gofleet run-errand web migrate --when-changed`,
	Args: cobra.ExactArgs(2),
	RunE: runErrand,
}

func init() {
	rootCmd.AddCommand(deploymentsCmd, deployCmd, deleteDeploymentCmd, instancesCmd, errandCmd)
	instancesCmd.AddCommand(instanceStartCmd, instanceStopCmd, instanceRestartCmd)

	deploymentsCmd.Flags().Bool("json", false, "Output as JSON")
	instancesCmd.Flags().Bool("json", false, "Output as JSON")

	deployCmd.Flags().Bool("dry-run", false, "Plan and record variables without touching VMs")
	deployCmd.Flags().Bool("recreate", false, "Recreate every VM")
	deployCmd.Flags().Bool("skip-drain", false, "Skip drain scripts")
	deployCmd.Flags().Bool("force-latest-variables", false, "Fetch the latest variable values")
	addTaskFlags(deployCmd)

	deleteDeploymentCmd.Flags().Bool("force", false, "Ignore CPI and agent errors")
	addTaskFlags(deleteDeploymentCmd)

	instanceStopCmd.Flags().Bool("hard", false, "Delete the VM after stopping")
	instanceStopCmd.Flags().Bool("skip-drain", false, "Skip drain scripts")
	instanceRestartCmd.Flags().Bool("skip-drain", false, "Skip drain scripts")
	for _, c := range []*cobra.Command{instanceStartCmd, instanceStopCmd, instanceRestartCmd} {
		addTaskFlags(c)
	}

	errandCmd.Flags().Bool("keep-alive", false, "Keep errand VMs running afterwards")
	errandCmd.Flags().Bool("when-changed", false, "Skip instances unchanged since their last successful run")
	errandCmd.Flags().StringSlice("instance", nil, "Instance filter (repeatable)")
	addTaskFlags(errandCmd)
}

func runDeploymentsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	db, err := openStore(ctx, loadedConfig())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director database", err)
	}
	defer func() { _ = db.Close() }()

	deps, err := store.ListDeployments(ctx, db)
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}
	if jsonOutput {
		if deps == nil {
			deps = []store.Deployment{}
		}
		return printJSON(deps)
	}
	if len(deps) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No deployments")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tCLOUD CONFIG\tRUNTIME CONFIG\tCREATED")
	for _, d := range deps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, idOrDash(d.CloudConfigID), idOrDash(d.RuntimeConfigID),
			d.CreatedAt.Local().Format(time.DateTime))
	}
	_ = w.Flush()
	return nil
}

func idOrDash(id *int64) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprint(*id)
}

// readInput reads a file argument, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, exitError(foundry.ExitFileNotFound, "Failed to read "+path, err)
	}
	return b, nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	body, err := readInput(args[0])
	if err != nil {
		return err
	}
	m, err := manifest.LoadDeployment(body)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	recreate, _ := cmd.Flags().GetBool("recreate")
	skipDrain, _ := cmd.Flags().GetBool("skip-drain")
	forceLatest, _ := cmd.Flags().GetBool("force-latest-variables")

	return enqueueWith(cmd, deployment.TypeUpdate, func(ctx context.Context, d *director) (any, jobrunner.EnqueueOptions, error) {
		cloudID, runtimeID, err := deployment.LatestConfigIDs(ctx, d.db)
		if err != nil {
			return nil, jobrunner.EnqueueOptions{}, err
		}
		update := deployment.UpdateArgs{
			Manifest:             string(body),
			CloudConfigID:        cloudID,
			RuntimeConfigID:      runtimeID,
			DryRun:               dryRun,
			Deploy:               true,
			Recreate:             recreate,
			SkipDrain:            skipDrain,
			ForceLatestVariables: forceLatest,
		}
		return update, jobrunner.EnqueueOptions{Deployment: m.Name, Description: "create deployment"}, nil
	})
}

func runDeleteDeployment(cmd *cobra.Command, args []string) error {
	name := args[0]
	force, _ := cmd.Flags().GetBool("force")
	return enqueueWith(cmd, deployment.TypeDelete, func(ctx context.Context, d *director) (any, jobrunner.EnqueueOptions, error) {
		if _, err := store.GetDeployment(ctx, d.db, name); err != nil {
			return nil, jobrunner.EnqueueOptions{}, err
		}
		return deployment.DeleteArgs{Name: name, Force: force},
			jobrunner.EnqueueOptions{Deployment: name, Description: "delete deployment " + name}, nil
	})
}

func runInstancesList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	db, err := openStore(ctx, loadedConfig())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director database", err)
	}
	defer func() { _ = db.Close() }()

	dep, err := store.GetDeployment(ctx, db, args[0])
	if err != nil {
		return err
	}
	insts, err := store.ListInstances(ctx, db, dep.ID)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	if jsonOutput {
		if insts == nil {
			insts = []store.Instance{}
		}
		return printJSON(insts)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INSTANCE\tINDEX\tSTATE\tAZ\tVM CID\tBOOTSTRAP\tIGNORE")
	for _, i := range insts {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%t\t%t\n",
			i.Name(), i.Index, i.State, dash(i.AvailabilityZone), dash(i.VMCID), i.Bootstrap, i.Ignore)
	}
	_ = w.Flush()
	return nil
}

func splitInstance(arg string) (group, id string, err error) {
	group, id, ok := strings.Cut(arg, "/")
	if !ok || group == "" || id == "" {
		return "", "", exitError(foundry.ExitInvalidArgument, "Invalid instance", fmt.Errorf("%q is not <group>/<id>", arg))
	}
	return group, id, nil
}

func runInstanceAction(cmd *cobra.Command, args []string) error {
	group, id, err := splitInstance(args[1])
	if err != nil {
		return err
	}
	target := instance.InstanceArgs{Deployment: args[0], InstanceGroup: group, ID: id}
	skipDrain, _ := cmd.Flags().GetBool("skip-drain")

	var (
		jobType string
		jobArgs any
	)
	action := cmd.Name()
	switch action {
	case "start":
		jobType, jobArgs = instance.TypeStart, instance.StartArgs{InstanceArgs: target}
	case "stop":
		hard, _ := cmd.Flags().GetBool("hard")
		jobType, jobArgs = instance.TypeStop, instance.StopArgs{InstanceArgs: target, Hard: hard, SkipDrain: skipDrain}
	default:
		jobType, jobArgs = instance.TypeRestart, instance.RestartArgs{InstanceArgs: target, SkipDrain: skipDrain}
	}
	return enqueue(cmd, jobType, jobArgs, jobrunner.EnqueueOptions{
		Deployment:  target.Deployment,
		Description: action + " instance " + group + "/" + id,
	})
}

func runErrand(cmd *cobra.Command, args []string) error {
	keepAlive, _ := cmd.Flags().GetBool("keep-alive")
	whenChanged, _ := cmd.Flags().GetBool("when-changed")
	filters, _ := cmd.Flags().GetStringSlice("instance")

	return enqueue(cmd, errand.TypeRun, errand.RunArgs{
		Deployment:  args[0],
		Name:        args[1],
		KeepAlive:   keepAlive,
		WhenChanged: whenChanged,
		Instances:   filters,
	}, jobrunner.EnqueueOptions{Deployment: args[0], Description: "run errand " + args[1]})
}
