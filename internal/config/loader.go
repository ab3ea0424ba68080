// Package config loads the director configuration.
//
// Values are layered, later layers winning: built-in defaults, config
// files (user config dir, app data dir, then the project root), GOFLEET_
// environment variables and finally runtime overrides passed to Load.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/gofleet/pkg/blobstore"
	"github.com/3leaps/gofleet/pkg/cleanup"
)

// Identity names the application for config discovery and env mapping.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the gofleet binary.
var DefaultIdentity = Identity{
	BinaryName: "gofleet",
	EnvPrefix:  "GOFLEET",
	ConfigName: "gofleet",
}

// Config is the full director configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Health    HealthConfig     `mapstructure:"health"`
	Debug     DebugConfig      `mapstructure:"debug"`
	Workers   int              `mapstructure:"workers" validate:"gte=1"`
	Director  DirectorConfig   `mapstructure:"director"`
	Store     StoreConfig      `mapstructure:"store"`
	Queue     QueueConfig      `mapstructure:"queue"`
	Locks     LocksConfig      `mapstructure:"locks"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Kafka     KafkaConfig      `mapstructure:"kafka"`
	Blobstore blobstore.Config `mapstructure:"blobstore"`
	Cloud     CloudConfig      `mapstructure:"cloud"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Tasks     TasksConfig      `mapstructure:"tasks"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Profile string `mapstructure:"profile" validate:"oneof=STRUCTURED CONSOLE"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"gte=0,lte=65535"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// DirectorConfig tunes the orchestration engine.
type DirectorConfig struct {
	MaxThreads               int           `mapstructure:"max_threads" validate:"gte=1"`
	LockTimeout              time.Duration `mapstructure:"lock_timeout"`
	LockExpiry               time.Duration `mapstructure:"lock_expiry"`
	TaskTimeout              time.Duration `mapstructure:"task_timeout"`
	CancelTimeout            time.Duration `mapstructure:"cancel_timeout"`
	EnablePostDeploy         bool          `mapstructure:"enable_post_deploy"`
	IgnoreUnresponsiveAgents bool          `mapstructure:"ignore_unresponsive_agents"`
	RPCTimeout               time.Duration `mapstructure:"rpc_timeout"`
	CPIRateLimit             float64       `mapstructure:"cpi_rate_limit" validate:"gte=0"`
	AgentPollInterval        time.Duration `mapstructure:"agent_poll_interval"`
}

// StoreConfig selects the database. URL wins over Path.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// Queue backends.
const (
	BackendDB    = "db"
	BackendRedis = "redis"
	BackendKafka = "kafka"
)

type QueueConfig struct {
	Backend      string        `mapstructure:"backend" validate:"oneof=db redis kafka"`
	Name         string        `mapstructure:"name" validate:"required"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LocksConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=db redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// CloudConfig selects the CPI and agent implementation.
type CloudConfig struct {
	Provider string `mapstructure:"provider" validate:"required"`
}

// SchedulerConfig holds the cron specs of the periodic cleanup tasks. An
// empty spec disables that cleanup.
type SchedulerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	OrphanedVMs         string        `mapstructure:"orphaned_vms"`
	OrphanedVMMaxAge    time.Duration `mapstructure:"orphaned_vm_max_age"`
	OrphanDisks         string        `mapstructure:"orphan_disks"`
	OrphanDiskMaxAge    time.Duration `mapstructure:"orphan_disk_max_age"`
	OrphanNetworks      string        `mapstructure:"orphan_networks"`
	OrphanNetworkMaxAge time.Duration `mapstructure:"orphan_network_max_age"`
	DNSBlobs            string        `mapstructure:"dns_blobs"`
	DNSBlobMaxAge       time.Duration `mapstructure:"dns_blob_max_age"`
	Tasks               string        `mapstructure:"tasks"`
	TaskMaxAge          time.Duration `mapstructure:"task_max_age"`
	TasksKept           int           `mapstructure:"tasks_kept" validate:"gte=0"`
}

// Cleanup converts s into the cleanup scheduler's configuration.
func (s SchedulerConfig) Cleanup() cleanup.ScheduleConfig {
	return cleanup.ScheduleConfig{
		OrphanedVMs:         s.OrphanedVMs,
		OrphanDisks:         s.OrphanDisks,
		OrphanNetworks:      s.OrphanNetworks,
		DNSBlobs:            s.DNSBlobs,
		OrphanedVMMaxAge:    s.OrphanedVMMaxAge,
		OrphanDiskMaxAge:    s.OrphanDiskMaxAge,
		OrphanNetworkMaxAge: s.OrphanNetworkMaxAge,
		DNSBlobMaxAge:       s.DNSBlobMaxAge,
		Tasks:               s.Tasks,
		TaskMaxAge:          s.TaskMaxAge,
		TasksKept:           s.TasksKept,
	}
}

type TasksConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	Isolation string `mapstructure:"isolation" validate:"oneof=goroutine process"`
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
)

// Load builds the configuration and makes it the current one. Each
// override is a nested map keyed like the config file.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	for _, path := range configFiles() {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the configuration of the last successful Load, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// GetIdentity returns the identity in use, or nil before the first Load.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
	v.SetDefault("workers", 4)

	v.SetDefault("director.max_threads", 32)
	v.SetDefault("director.lock_timeout", "10s")
	v.SetDefault("director.lock_expiry", "10s")
	v.SetDefault("director.task_timeout", "0s")
	v.SetDefault("director.cancel_timeout", "60s")
	v.SetDefault("director.enable_post_deploy", true)
	v.SetDefault("director.ignore_unresponsive_agents", false)
	v.SetDefault("director.rpc_timeout", "30s")
	v.SetDefault("director.cpi_rate_limit", 0)
	v.SetDefault("director.agent_poll_interval", "1s")

	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("queue.backend", BackendDB)
	v.SetDefault("queue.name", "normal")
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("locks.backend", BackendDB)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "gofleet-workers")

	v.SetDefault("blobstore.provider", blobstore.ProviderLocal)
	v.SetDefault("blobstore.path", "")
	v.SetDefault("blobstore.bucket", "")
	v.SetDefault("blobstore.region", "")
	v.SetDefault("blobstore.endpoint", "")
	v.SetDefault("blobstore.profile", "")
	v.SetDefault("blobstore.access_key_id", "")
	v.SetDefault("blobstore.secret_access_key", "")
	v.SetDefault("blobstore.force_path_style", false)
	v.SetDefault("blobstore.prefix", "")

	v.SetDefault("cloud.provider", "dummy")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.orphaned_vms", "*/5 * * * *")
	v.SetDefault("scheduler.orphaned_vm_max_age", "0s")
	v.SetDefault("scheduler.orphan_disks", "0,30 * * * *")
	v.SetDefault("scheduler.orphan_disk_max_age", "120h")
	v.SetDefault("scheduler.orphan_networks", "0,30 * * * *")
	v.SetDefault("scheduler.orphan_network_max_age", "72h")
	v.SetDefault("scheduler.dns_blobs", "0,30 * * * *")
	v.SetDefault("scheduler.dns_blob_max_age", "1h")
	v.SetDefault("scheduler.tasks", "15 * * * *")
	v.SetDefault("scheduler.task_max_age", "0s")
	v.SetDefault("scheduler.tasks_kept", 100)

	v.SetDefault("tasks.output_dir", "")
	v.SetDefault("tasks.isolation", "goroutine")
}

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

var envKeys = []struct{ suffix, path string }{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"METRICS_ENABLED", "metrics.enabled"},
	{"METRICS_PORT", "metrics.port"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"DEBUG", "debug.enabled"},
	{"PPROF_ENABLED", "debug.pprof_enabled"},
	{"WORKERS", "workers"},
	{"MAX_THREADS", "director.max_threads"},
	{"LOCK_TIMEOUT", "director.lock_timeout"},
	{"LOCK_EXPIRY", "director.lock_expiry"},
	{"TASK_TIMEOUT", "director.task_timeout"},
	{"CANCEL_TIMEOUT", "director.cancel_timeout"},
	{"ENABLE_POST_DEPLOY", "director.enable_post_deploy"},
	{"IGNORE_UNRESPONSIVE_AGENTS", "director.ignore_unresponsive_agents"},
	{"RPC_TIMEOUT", "director.rpc_timeout"},
	{"CPI_RATE_LIMIT", "director.cpi_rate_limit"},
	{"DB_PATH", "store.path"},
	{"DB_URL", "store.url"},
	{"DB_AUTH_TOKEN", "store.auth_token"},
	{"QUEUE_BACKEND", "queue.backend"},
	{"QUEUE", "queue.name"},
	{"POLL_INTERVAL", "queue.poll_interval"},
	{"LOCKS_BACKEND", "locks.backend"},
	{"REDIS_ADDR", "redis.addr"},
	{"REDIS_PASSWORD", "redis.password"},
	{"KAFKA_BROKERS", "kafka.brokers"},
	{"BLOBSTORE_PROVIDER", "blobstore.provider"},
	{"BLOBSTORE_PATH", "blobstore.path"},
	{"BLOBSTORE_BUCKET", "blobstore.bucket"},
	{"BLOBSTORE_REGION", "blobstore.region"},
	{"BLOBSTORE_ENDPOINT", "blobstore.endpoint"},
	{"CLOUD_PROVIDER", "cloud.provider"},
	{"SCHEDULER_ENABLED", "scheduler.enabled"},
	{"TASKS_OUTPUT_DIR", "tasks.output_dir"},
	{"TASKS_ISOLATION", "tasks.isolation"},
}

// getEnvSpecs lists the env variables Load honours. It is empty until an
// identity is known.
func getEnvSpecs() []EnvSpec {
	id := GetIdentity()
	if id == nil || id.EnvPrefix == "" {
		return []EnvSpec{}
	}
	specs := make([]EnvSpec, 0, len(envKeys))
	for _, k := range envKeys {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + "_" + k.suffix, Path: k.path})
	}
	return specs
}

// getUserConfigPaths returns the per-user config file candidates, lowest
// precedence first.
func getUserConfigPaths() []string {
	id := GetIdentity()
	if id == nil || id.ConfigName == "" {
		return []string{}
	}
	name := id.ConfigName + ".yaml"
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName, name))
	}
	if dir := gfconfig.GetAppDataDir(id.ConfigName); dir != "" {
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths
}

// configFiles returns the existing config files in merge order.
func configFiles() []string {
	candidates := getUserConfigPaths()
	id := GetIdentity()
	if root, err := findProjectRoot(); err == nil && id != nil {
		candidates = append(candidates, filepath.Join(root, id.ConfigName+".yaml"))
	}
	if explicit := os.Getenv(envName("CONFIG")); explicit != "" {
		candidates = append(candidates, explicit)
	}
	var files []string
	seen := map[string]bool{}
	for _, p := range candidates {
		if seen[p] {
			continue
		}
		seen[p] = true
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			files = append(files, p)
		}
	}
	return files
}

func envName(suffix string) string {
	id := GetIdentity()
	if id == nil {
		return DefaultIdentity.EnvPrefix + "_" + suffix
	}
	return id.EnvPrefix + "_" + suffix
}

// ciBoundaryVars name CI workspace roots, most specific first.
var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot walks up from the working directory to the nearest
// directory holding go.mod. The walk stops at $HOME when the working
// directory is inside it. In CI the workspace root named by the CI
// environment replaces $HOME as the boundary, since checkouts often live
// outside $HOME. Without a marker the working directory is the root.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	cwd, _ = filepath.Abs(cwd)

	boundary := ""
	if home, err := os.UserHomeDir(); err == nil && within(cwd, home) {
		boundary = home
	}
	if isCI() {
		if b := ciBoundary(cwd); b != "" {
			boundary = b
		}
	}

	for dir := cwd; ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		if dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

func ciBoundary(cwd string) string {
	for _, name := range ciBoundaryVars {
		b := os.Getenv(name)
		if b == "" || !filepath.IsAbs(b) {
			continue
		}
		b = filepath.Clean(b)
		if st, err := os.Stat(b); err != nil || !st.IsDir() {
			continue
		}
		if within(cwd, b) {
			return b
		}
	}
	return ""
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// flatten turns a nested override map into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
