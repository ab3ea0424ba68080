package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/config"
	"github.com/3leaps/gofleet/pkg/blobstore"
	"github.com/3leaps/gofleet/pkg/cleanup"
	"github.com/3leaps/gofleet/pkg/cloud"
	_ "github.com/3leaps/gofleet/pkg/cloud/dummy"
	"github.com/3leaps/gofleet/pkg/deployment"
	"github.com/3leaps/gofleet/pkg/errand"
	"github.com/3leaps/gofleet/pkg/instance"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/release"
	"github.com/3leaps/gofleet/pkg/store"
)

// director is one process's wiring of the store, transports and job
// handlers. Commands that only read the database use openStore instead.
type director struct {
	cfg    *config.Config
	logger *zap.Logger

	db       *store.DB
	redis    *redis.Client
	backend  lock.Backend
	locks    *lock.Manager
	queue    jobrunner.Queue
	registry *jobrunner.Registry
	client   *jobrunner.Client

	blobs     blobstore.Blobstore
	cpi       cloud.CPI
	agents    cloud.Agents
	instances *instance.Manager
	releases  *release.Service
	orch      *deployment.Orchestrator
	errands   *errand.Runner
	collector *cleanup.Collector
}

// dataDir is where the director keeps its database, blobs and task output
// unless configured otherwise.
func dataDir() string {
	name := config.DefaultIdentity.ConfigName
	if id := config.GetIdentity(); id != nil && id.ConfigName != "" {
		name = id.ConfigName
	}
	if dir := gfconfig.GetAppDataDir(name); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), name)
}

func storeConfig(cfg *config.Config) store.Config {
	sc := store.Config{Path: cfg.Store.Path, URL: cfg.Store.URL, AuthToken: cfg.Store.AuthToken}
	if sc.Path == "" && sc.URL == "" {
		sc.Path = filepath.Join(dataDir(), "director.db")
	}
	return sc
}

func taskOutputDir(cfg *config.Config) string {
	if cfg.Tasks.OutputDir != "" {
		return cfg.Tasks.OutputDir
	}
	return filepath.Join(dataDir(), "tasks")
}

func blobstoreConfig(cfg *config.Config) blobstore.Config {
	bcfg := cfg.Blobstore
	if (bcfg.Provider == "" || bcfg.Provider == blobstore.ProviderLocal) && bcfg.Path == "" {
		bcfg.Path = filepath.Join(dataDir(), "blobs")
	}
	return bcfg
}

// openStore opens and migrates the director database.
func openStore(ctx context.Context, cfg *config.Config) (*store.DB, error) {
	sc := storeConfig(cfg)
	if sc.Path != "" && sc.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := store.Open(ctx, sc)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// openDirector wires every component from cfg.
func openDirector(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *director, err error) {
	d := &director{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if d.db, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.Locks.Backend == config.BackendRedis || cfg.Queue.Backend == config.BackendRedis {
		d.redis = lock.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	switch cfg.Locks.Backend {
	case config.BackendRedis:
		d.backend = lock.NewRedisBackend(d.redis)
	default:
		d.backend = lock.NewSQLBackend(d.db)
	}
	d.locks = lock.NewManager(d.backend,
		lock.WithExpiry(cfg.Director.LockExpiry),
		lock.WithLogger(logger.Named("locks")),
	)

	switch cfg.Queue.Backend {
	case config.BackendRedis:
		d.queue = jobrunner.NewRedisQueue(d.redis, logger.Named("queue"))
	case config.BackendKafka:
		d.queue = jobrunner.NewKafkaQueue(cfg.Kafka.Brokers, cfg.Kafka.GroupID, logger.Named("queue"))
	default:
		d.queue = jobrunner.NewDBQueue(d.db, cfg.Queue.PollInterval)
	}

	if d.blobs, err = blobstore.Open(ctx, blobstoreConfig(cfg)); err != nil {
		return nil, fmt.Errorf("open blobstore: %w", err)
	}

	d.cpi, d.agents, err = cloud.Open(ctx, cfg.Cloud.Provider, cloud.Options{
		RPCTimeout: cfg.Director.RPCTimeout,
		RateLimit:  cfg.Director.CPIRateLimit,
	})
	if err != nil {
		return nil, err
	}

	dir := cfg.Director
	d.instances = &instance.Manager{
		CPI:                      d.cpi,
		Agents:                   d.agents,
		LockTimeout:              dir.LockTimeout,
		IgnoreUnresponsiveAgents: dir.IgnoreUnresponsiveAgents,
		PollInterval:             dir.AgentPollInterval,
	}
	d.releases = &release.Service{
		CPI:         d.cpi,
		Agents:      d.agents,
		Blobs:       d.blobs,
		LockTimeout: dir.LockTimeout,
		MaxThreads:  dir.MaxThreads,
	}
	d.orch = &deployment.Orchestrator{
		CPI:              d.cpi,
		Agents:           d.agents,
		Blobs:            d.blobs,
		Instances:        d.instances,
		Compiler:         &release.Compiler{CPI: d.cpi, Agents: d.agents, LockTimeout: dir.LockTimeout},
		LockTimeout:      dir.LockTimeout,
		MaxThreads:       dir.MaxThreads,
		EnablePostDeploy: dir.EnablePostDeploy,
	}
	d.errands = &errand.Runner{
		Orchestrator: d.orch,
		Agents:       d.agents,
		Instances:    d.instances,
		LockTimeout:  dir.LockTimeout,
		MaxThreads:   dir.MaxThreads,
		PollInterval: dir.AgentPollInterval,
	}
	d.collector = &cleanup.Collector{
		CPI:         d.cpi,
		Blobs:       d.blobs,
		Releases:    d.releases,
		LockTimeout: dir.LockTimeout,
		MaxThreads:  dir.MaxThreads,
	}

	d.registry = jobrunner.NewRegistry()
	if err := errors.Join(
		deployment.Register(d.registry, d.orch),
		errand.Register(d.registry, d.errands),
		instance.Register(d.registry, d.instances),
		release.Register(d.registry, d.releases),
		cleanup.Register(d.registry, d.collector),
	); err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}
	d.client = jobrunner.NewClient(d.db, d.queue, d.registry)
	return d, nil
}

// runner builds a worker over the director's queue.
func (d *director) runner(workers int, executableArgs []string) *jobrunner.Runner {
	return jobrunner.NewRunner(d.db, d.registry, d.queue, d.locks, jobrunner.Config{
		Queue:          d.cfg.Queue.Name,
		Workers:        workers,
		PollInterval:   d.cfg.Queue.PollInterval,
		CancelTimeout:  d.cfg.Director.CancelTimeout,
		TaskTimeout:    d.cfg.Director.TaskTimeout,
		OutputDir:      taskOutputDir(d.cfg),
		Isolation:      jobrunner.Isolation(d.cfg.Tasks.Isolation),
		ExecutableArgs: executableArgs,
	}, d.logger.Named("worker"))
}

// Close releases every connection the director opened.
func (d *director) Close() error {
	var errs []error
	if d.queue != nil {
		errs = append(errs, d.queue.Close())
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	return errors.Join(errs...)
}
