package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gofleet/pkg/cleanup"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/store"
)

var cleanupCmd = &cobra.Command{
	Use:   "clean-up",
	Short: "Delete unused releases, stemcells and compiled packages",
	Long: `Queue a cleanup_artifacts task. By default the two newest unused versions
of each release and stemcell are kept. --all removes every unused version,
orphan disks, and compiled packages whose stemcell is gone.

Examples:
  gofleet clean-up
  gofleet clean-up --all --wait`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var disksCmd = &cobra.Command{
	Use:   "disks",
	Short: "List orphaned disks",
	Long: `List persistent disks left behind by deleted instances.

Examples:
  gofleet disks
  gofleet disks --orphaned-before 168h
  gofleet disks delete disk-7f3a`,
	Args: cobra.NoArgs,
	RunE: runDisksList,
}

var disksDeleteCmd = &cobra.Command{
	Use:   "delete <disk-cid>...",
	Short: "Delete orphaned disks now",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDisksDelete,
}

func init() {
	rootCmd.AddCommand(cleanupCmd, disksCmd)
	disksCmd.AddCommand(disksDeleteCmd)

	cleanupCmd.Flags().Bool("all", false, "Remove every unused artifact")
	addTaskFlags(cleanupCmd)

	disksCmd.Flags().Duration("orphaned-before", 0, "Only disks orphaned longer ago than this")
	disksCmd.Flags().Bool("json", false, "Output as JSON")
	addTaskFlags(disksDeleteCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	all, _ := cmd.Flags().GetBool("all")
	description := "clean up"
	if all {
		description = "clean up all"
	}
	return enqueue(cmd, cleanup.TypeCleanupArtifacts, cleanup.ArtifactsArgs{RemoveAll: all},
		jobrunner.EnqueueOptions{Description: description})
}

func runDisksList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	age, _ := cmd.Flags().GetDuration("orphaned-before")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if age < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --orphaned-before value", fmt.Errorf("negative duration %s", age))
	}
	var before time.Time
	if age > 0 {
		before = time.Now().Add(-age)
	}

	db, err := openStore(ctx, loadedConfig())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director database", err)
	}
	defer func() { _ = db.Close() }()

	disks, err := store.ListOrphanDisks(ctx, db, before)
	if err != nil {
		return fmt.Errorf("list orphan disks: %w", err)
	}
	if jsonOutput {
		if disks == nil {
			disks = []store.OrphanDisk{}
		}
		return printJSON(disks)
	}
	if len(disks) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No orphaned disks")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DISK CID\tSIZE\tDEPLOYMENT\tINSTANCE\tAZ\tORPHANED AT")
	for _, d := range disks {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", d.DiskCID, d.Size, d.DeploymentName, d.InstanceName,
			dash(d.AvailabilityZone), d.CreatedAt.Local().Format(time.DateTime))
	}
	_ = w.Flush()
	return nil
}

func runDisksDelete(cmd *cobra.Command, args []string) error {
	description := "delete orphan disk " + args[0]
	if len(args) > 1 {
		description = fmt.Sprintf("delete %d orphan disks", len(args))
	}
	return enqueue(cmd, cleanup.TypeDeleteOrphanDisks, cleanup.DeleteOrphanDisksArgs{DiskCIDs: args},
		jobrunner.EnqueueOptions{Description: description})
}
