package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/store"
)

var updateConfigCmd = &cobra.Command{
	Use:   "update-config <file>",
	Short: "Store a new cloud or runtime config version",
	Long: `Validate and store a new version of a cloud or runtime config. Deploys
queued afterwards pin the new version; running deployments keep theirs.

Examples:
  gofleet update-config cloud.yml
  gofleet update-config --type runtime --name dns runtime.yml`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdateConfig,
}

var configShowCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the latest cloud or runtime config",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(updateConfigCmd, configShowCmd)

	for _, c := range []*cobra.Command{updateConfigCmd, configShowCmd} {
		c.Flags().String("type", store.ConfigTypeCloud, "Config type: cloud | runtime")
		c.Flags().String("name", "default", "Config name")
	}
	configShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func runUpdateConfig(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	typ, _ := cmd.Flags().GetString("type")
	name, _ := cmd.Flags().GetString("name")

	body, err := readInput(args[0])
	if err != nil {
		return err
	}
	switch typ {
	case store.ConfigTypeCloud:
		_, err = manifest.LoadCloudConfig(body)
	case store.ConfigTypeRuntime:
		_, err = manifest.LoadRuntimeConfig(body)
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --type value", fmt.Errorf("unknown config type %q", typ))
	}
	if err != nil {
		return err
	}

	db, err := openStore(ctx, loadedConfig())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director database", err)
	}
	defer func() { _ = db.Close() }()

	rec, err := store.CreateConfig(ctx, db, typ, name, string(body))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "Stored %s config %q as version %d\n", rec.Type, rec.Name, rec.ID)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	typ, _ := cmd.Flags().GetString("type")
	name, _ := cmd.Flags().GetString("name")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	db, err := openStore(ctx, loadedConfig())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open director database", err)
	}
	defer func() { _ = db.Close() }()

	rec, err := store.LatestConfig(ctx, db, typ, name)
	if err != nil {
		return err
	}
	if rec == nil {
		return exitError(foundry.ExitFileNotFound, fmt.Sprintf("No %s config named %q", typ, name), nil)
	}
	if jsonOutput {
		return printJSON(rec)
	}
	_, err = fmt.Fprint(os.Stdout, rec.Content)
	return err
}
