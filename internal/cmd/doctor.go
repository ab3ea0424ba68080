package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/config"
	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/pkg/blobstore"
	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the director environment and suggest fixes for
common issues: database, redis, blobstore and cloud provider.

Examples:
  gofleet doctor
  gofleet doctor --timeout 30s`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().Duration("timeout", 10*time.Second, "Timeout for each connectivity check")
}

// doctorCheck returns a one-line detail on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
	help func()
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg := loadedConfig()
	timeout, _ := cmd.Flags().GetDuration("timeout")
	logger := observability.CLILogger

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	logger.Info("=== " + bannerName + " ===")
	logger.Info("")
	logger.Info("Running diagnostic checks...")
	logger.Info("")

	checks := doctorChecks(cfg)
	failed := 0
	for i, c := range checks {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		detail, err := c.run(ctx)
		cancel()
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			logger.Error(prefix+" ❌ "+detail, zap.Error(err))
			if c.help != nil {
				c.help()
			}
			continue
		}
		logger.Info(prefix + " ✅ " + detail)
	}

	logger.Info("")
	if failed > 0 {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.", zap.Int("failed", failed))
		logger.Info("")
		logger.Info("=== End Diagnostics ===")
		return exitError(foundry.ExitExternalServiceUnavailable, fmt.Sprintf("%d diagnostic checks failed", failed), nil)
	}
	logger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	logger.Info("")
	logger.Info("=== End Diagnostics ===")
	return nil
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		{name: "Go version", run: checkGoVersion},
		{name: "Crucible access", run: func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Crucible == "" {
				return "Cannot access Crucible", fmt.Errorf("crucible version unavailable")
			}
			return "v" + v.Crucible, nil
		}},
		{name: "Gofulmen access", run: func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Gofulmen == "" {
				return "Cannot access Gofulmen", fmt.Errorf("gofulmen version unavailable")
			}
			return "v" + v.Gofulmen, nil
		}},
		{name: "data directory", run: func(context.Context) (string, error) {
			dir := dataDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "Cannot create " + dir, err
			}
			return dir, nil
		}},
		{name: "director database", run: func(ctx context.Context) (string, error) {
			db, err := openStore(ctx, cfg)
			if err != nil {
				return "Cannot open database", err
			}
			defer func() { _ = db.Close() }()
			if err := db.PingContext(ctx); err != nil {
				return "Database not reachable", err
			}
			return fmt.Sprintf("%s schema v%d", db.Dialect(), store.SchemaVersion), nil
		}},
	}

	if cfg.Locks.Backend == config.BackendRedis || cfg.Queue.Backend == config.BackendRedis {
		checks = append(checks, doctorCheck{name: "redis", run: func(ctx context.Context) (string, error) {
			client := lock.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			defer func() { _ = client.Close() }()
			if err := client.Ping(ctx).Err(); err != nil {
				return "Cannot reach " + cfg.Redis.Addr, err
			}
			return cfg.Redis.Addr, nil
		}})
	}

	bcfg := blobstoreConfig(cfg)
	if bcfg.Provider == blobstore.ProviderS3 {
		checks = append(checks, doctorCheck{name: "AWS credentials", run: func(ctx context.Context) (string, error) {
			return checkAWSCredentials(ctx, bcfg.S3)
		}, help: printAWSCredentialsHelp})
	}
	checks = append(checks, doctorCheck{name: "blobstore", run: func(ctx context.Context) (string, error) {
		bs, err := blobstore.Open(ctx, bcfg)
		if err != nil {
			return "Cannot open blobstore", err
		}
		if _, err := bs.Exists(ctx, "doctor-check"); err != nil {
			return "Blobstore not reachable", err
		}
		provider := bcfg.Provider
		if provider == "" {
			provider = blobstore.ProviderLocal
		}
		return provider, nil
	}})

	checks = append(checks, doctorCheck{name: "cloud provider", run: func(ctx context.Context) (string, error) {
		if _, _, err := cloud.Open(ctx, cfg.Cloud.Provider, cloud.Options{}); err != nil {
			return "Cannot open " + cfg.Cloud.Provider, err
		}
		return cfg.Cloud.Provider, nil
	}})
	return checks
}

func checkGoVersion(context.Context) (string, error) {
	goVersion := runtime.Version()
	if goVersion < "go1.23" {
		return goVersion + " (recommended: go1.23+)", fmt.Errorf("go version %s is too old", goVersion)
	}
	return fmt.Sprintf("%s %s/%s", goVersion, runtime.GOOS, runtime.GOARCH), nil
}

func checkAWSCredentials(ctx context.Context, s3 blobstore.S3Config) (string, error) {
	if s3.AccessKeyID != "" {
		return "static key " + maskAccessKey(s3.AccessKeyID), nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if s3.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(s3.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "Cannot load AWS config", err
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "Cannot retrieve credentials", err
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s from %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure blobstore credentials:")
	observability.CLILogger.Info("  1. Set blobstore.access_key_id and blobstore.secret_access_key, or")
	observability.CLILogger.Info("  2. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  3. Set blobstore.profile to a profile created with 'aws configure', or")
	observability.CLILogger.Info("  4. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - blobstore.endpoint and blobstore.force_path_style")
	observability.CLILogger.Info("")
}
