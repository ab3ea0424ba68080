package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/release"
	"github.com/3leaps/gofleet/pkg/store"
)

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "List uploaded releases",
	Args:  cobra.NoArgs,
	RunE:  runReleasesList,
}

var uploadReleaseCmd = &cobra.Command{
	Use:   "upload-release <release.yml>",
	Short: "Upload a release descriptor",
	Long: `Queue an upload_release task for a release descriptor listing the
release's jobs and packages. Use "-" to read it from stdin.

Examples:
  gofleet upload-release nginx-1.2.yml --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runUploadRelease,
}

var deleteReleaseCmd = &cobra.Command{
	Use:   "delete-release <name>[/<version>]",
	Short: "Delete a release or one of its versions",
	Long: `Queue a delete_release task. Versions still used by a deployment are
never deleted.

Examples:
  gofleet delete-release nginx/1.2
  gofleet delete-release nginx --force`,
	Args: cobra.ExactArgs(1),
	RunE: runDeleteRelease,
}

var stemcellsCmd = &cobra.Command{
	Use:   "stemcells",
	Short: "List uploaded stemcells",
	Args:  cobra.NoArgs,
	RunE:  runStemcellsList,
}

var uploadStemcellCmd = &cobra.Command{
	Use:   "upload-stemcell <stemcell.MF>",
	Short: "Upload a stemcell",
	Long: `Queue an upload_stemcell task from a stemcell manifest (name, version,
operating_system and cloud_properties). The image defaults to the file named
"image" next to the manifest.

Examples:
  gofleet upload-stemcell ./jammy/stemcell.MF
  gofleet upload-stemcell stemcell.MF --image /var/images/jammy.tgz --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runUploadStemcell,
}

var deleteStemcellCmd = &cobra.Command{
	Use:   "delete-stemcell <name>/<version>",
	Short: "Delete a stemcell",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteStemcell,
}

func init() {
	rootCmd.AddCommand(releasesCmd, uploadReleaseCmd, deleteReleaseCmd)
	rootCmd.AddCommand(stemcellsCmd, uploadStemcellCmd, deleteStemcellCmd)

	releasesCmd.Flags().Bool("json", false, "Output as JSON")
	stemcellsCmd.Flags().Bool("json", false, "Output as JSON")

	deleteReleaseCmd.Flags().Bool("force", false, "Ignore blobstore errors")
	deleteStemcellCmd.Flags().Bool("force", false, "Ignore CPI errors")
	uploadStemcellCmd.Flags().String("image", "", "Stemcell image path")

	for _, c := range []*cobra.Command{uploadReleaseCmd, deleteReleaseCmd, uploadStemcellCmd, deleteStemcellCmd} {
		addTaskFlags(c)
	}
}

// releaseRow is one line of the releases listing.
type releaseRow struct {
	Name string `json:"name"`
	store.ReleaseVersion
}

func runReleasesList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	db, err := openStore(ctx, loadedConfig())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director database", err)
	}
	defer func() { _ = db.Close() }()

	rels, err := store.ListReleases(ctx, db)
	if err != nil {
		return fmt.Errorf("list releases: %w", err)
	}
	rows := []releaseRow{}
	for _, r := range rels {
		versions, err := store.ListReleaseVersions(ctx, db, r.ID)
		if err != nil {
			return fmt.Errorf("list versions of %s: %w", r.Name, err)
		}
		for _, v := range versions {
			rows = append(rows, releaseRow{Name: r.Name, ReleaseVersion: v})
		}
	}
	if jsonOutput {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No releases")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tVERSION\tDEPLOYED\tCOMMIT")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", r.Name, r.Version, r.Deployed, dash(r.CommitHash))
	}
	_ = w.Flush()
	return nil
}

func runUploadRelease(cmd *cobra.Command, args []string) error {
	body, err := readInput(args[0])
	if err != nil {
		return err
	}
	rel, err := manifest.LoadRelease(body)
	if err != nil {
		return err
	}
	return enqueue(cmd, release.TypeUploadRelease, release.UploadReleaseArgs{Manifest: string(body)},
		jobrunner.EnqueueOptions{Description: "create release " + rel.Name})
}

func runDeleteRelease(cmd *cobra.Command, args []string) error {
	name, version := splitNameVersion(args[0])
	force, _ := cmd.Flags().GetBool("force")
	return enqueue(cmd, release.TypeDeleteRelease, release.DeleteReleaseArgs{Name: name, Version: version, Force: force},
		jobrunner.EnqueueOptions{Description: "delete release " + name})
}

func splitNameVersion(arg string) (name, version string) {
	if i := strings.LastIndex(arg, "/"); i >= 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, ""
}

func runStemcellsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	db, err := openStore(ctx, loadedConfig())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director database", err)
	}
	defer func() { _ = db.Close() }()

	stemcells, err := store.ListStemcells(ctx, db)
	if err != nil {
		return fmt.Errorf("list stemcells: %w", err)
	}
	if jsonOutput {
		if stemcells == nil {
			stemcells = []store.Stemcell{}
		}
		return printJSON(stemcells)
	}
	if len(stemcells) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No stemcells")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tVERSION\tOS\tCID\tDEPLOYED")
	for _, s := range stemcells {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", s.Name, s.Version, s.OperatingSystem, s.CID, s.Deployed)
	}
	_ = w.Flush()
	return nil
}

// stemcellManifest is the stemcell.MF document.
type stemcellManifest struct {
	Name            string         `yaml:"name"`
	Version         string         `yaml:"version"`
	OperatingSystem string         `yaml:"operating_system"`
	CloudProperties map[string]any `yaml:"cloud_properties"`
}

func runUploadStemcell(cmd *cobra.Command, args []string) error {
	body, err := readInput(args[0])
	if err != nil {
		return err
	}
	var mf stemcellManifest
	if err := yaml.Unmarshal(body, &mf); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid stemcell manifest", err)
	}
	image, _ := cmd.Flags().GetString("image")
	if image == "" && args[0] != "-" {
		image = filepath.Join(filepath.Dir(args[0]), "image")
	}
	return enqueue(cmd, release.TypeUploadStemcell, release.UploadStemcellArgs{
		Name:            mf.Name,
		Version:         mf.Version,
		OperatingSystem: mf.OperatingSystem,
		ImagePath:       image,
		CloudProperties: mf.CloudProperties,
	}, jobrunner.EnqueueOptions{Description: "create stemcell " + mf.Name})
}

func runDeleteStemcell(cmd *cobra.Command, args []string) error {
	name, version := splitNameVersion(args[0])
	if version == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid stemcell", fmt.Errorf("%q is not <name>/<version>", args[0]))
	}
	force, _ := cmd.Flags().GetBool("force")
	return enqueue(cmd, release.TypeDeleteStemcell, release.DeleteStemcellArgs{Name: name, Version: version, Force: force},
		jobrunner.EnqueueOptions{Description: "delete stemcell " + name + "/" + version})
}
