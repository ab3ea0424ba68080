package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/pkg/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Director database maintenance",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the director schema",
	Long: `Create the director schema, or upgrade it to the current version.
Migrations are idempotent; every command that opens the database runs them.

Examples:
  gofleet db migrate
  GOFLEET_DB_URL=postgres://director@db/director gofleet db migrate`,
	Args: cobra.NoArgs,
	RunE: runDBMigrate,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
}

func runDBMigrate(cmd *cobra.Command, _ []string) error {
	db, err := openStore(cmd.Context(), loadedConfig())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to migrate director database", err)
	}
	defer func() { _ = db.Close() }()

	observability.CLILogger.Info("schema migrated",
		zap.String("dialect", db.Dialect().String()),
		zap.Int("schema_version", store.SchemaVersion))
	_, _ = fmt.Fprintf(os.Stdout, "Director schema is at version %d (%s)\n", store.SchemaVersion, db.Dialect())
	return nil
}
