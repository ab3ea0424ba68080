package store

import (
	"context"
	"fmt"
	"strings"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the director schema in-place.
//
// The schema covers the orchestration entities only: tasks, audit events,
// deployments and their instances/disks/networks, release and stemcell
// versions, variable sets, links, errand runs, local DNS state and locks.
func Migrate(ctx context.Context, db *DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	return db.InTx(ctx, func(tx *Tx) error {
		for _, stmt := range schemaStatements(db.Dialect()) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec schema statement: %w", err)
			}
		}

		var current int
		if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
			return fmt.Errorf("read schema_version: %w", err)
		}

		// v2: tasks carry the owning queue and the time they reached a terminal state.
		if current < 2 {
			alters := []string{
				`ALTER TABLE tasks ADD COLUMN queue TEXT NOT NULL DEFAULT 'normal';`,
				`ALTER TABLE tasks ADD COLUMN ended_at TEXT;`,
			}
			if db.Dialect() == DialectPostgres {
				// A failed statement aborts the whole Postgres transaction.
				for i, stmt := range alters {
					alters[i] = strings.Replace(stmt, "ADD COLUMN", "ADD COLUMN IF NOT EXISTS", 1)
				}
			}
			for _, stmt := range alters {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					msg := err.Error()
					// Fresh databases already have the columns.
					if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
						continue
					}
					return fmt.Errorf("exec migration statement: %w", err)
				}
			}
		}

		if current != SchemaVersion {
			if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
				return fmt.Errorf("update schema_version: %w", err)
			}
		}
		return nil
	})
}

func schemaStatements(dialect Dialect) []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id {{serial}},
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			result TEXT,
			output_location TEXT,
			username TEXT,
			deployment_name TEXT,
			context_id TEXT,
			queue TEXT NOT NULL DEFAULT 'normal',
			args TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			checkpoint_at TEXT,
			ended_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, queue);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_deployment ON tasks(deployment_name);`,

		`CREATE TABLE IF NOT EXISTS events (
			id {{serial}},
			parent_id BIGINT,
			created_at TEXT NOT NULL,
			username TEXT,
			action TEXT NOT NULL,
			object_type TEXT NOT NULL,
			object_name TEXT,
			task TEXT,
			deployment TEXT,
			instance TEXT,
			error TEXT,
			context TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_deployment ON events(deployment);`,
		`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task);`,

		`CREATE TABLE IF NOT EXISTS locks (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			task_id TEXT,
			expires_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS configs (
			id {{serial}},
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_configs_type_name ON configs(type, name);`,

		`CREATE TABLE IF NOT EXISTS deployments (
			id {{serial}},
			name TEXT NOT NULL UNIQUE,
			manifest TEXT,
			links_serial_id BIGINT NOT NULL DEFAULT 0,
			cloud_config_id BIGINT,
			runtime_config_id BIGINT,
			created_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS instances (
			id {{serial}},
			deployment_id BIGINT NOT NULL,
			job TEXT NOT NULL,
			idx INTEGER NOT NULL,
			uuid TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			lifecycle TEXT NOT NULL DEFAULT 'service',
			availability_zone TEXT,
			bootstrap INTEGER NOT NULL DEFAULT 0,
			ignored INTEGER NOT NULL DEFAULT 0,
			vm_cid TEXT,
			agent_id TEXT,
			stemcell_cid TEXT,
			variable_set_id BIGINT,
			spec TEXT,
			configuration_hash TEXT,
			update_completed INTEGER NOT NULL DEFAULT 0,
			UNIQUE(deployment_id, job, idx)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_deployment ON instances(deployment_id);`,

		`CREATE TABLE IF NOT EXISTS persistent_disks (
			id {{serial}},
			instance_id BIGINT,
			disk_cid TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			cloud_properties TEXT,
			active INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_persistent_disks_instance ON persistent_disks(instance_id);`,

		`CREATE TABLE IF NOT EXISTS snapshots (
			id {{serial}},
			persistent_disk_id BIGINT NOT NULL,
			snapshot_cid TEXT NOT NULL UNIQUE,
			clean INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS orphan_disks (
			id {{serial}},
			disk_cid TEXT NOT NULL UNIQUE,
			size INTEGER NOT NULL DEFAULT 0,
			availability_zone TEXT,
			deployment_name TEXT NOT NULL,
			instance_name TEXT NOT NULL,
			cloud_properties TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orphan_disks_created_at ON orphan_disks(created_at);`,

		`CREATE TABLE IF NOT EXISTS orphan_snapshots (
			id {{serial}},
			orphan_disk_id BIGINT NOT NULL,
			snapshot_cid TEXT NOT NULL UNIQUE,
			clean INTEGER NOT NULL DEFAULT 0,
			snapshot_created_at TEXT,
			created_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS orphaned_vms (
			id {{serial}},
			cid TEXT NOT NULL UNIQUE,
			availability_zone TEXT,
			cloud_properties TEXT,
			deployment_name TEXT,
			instance_name TEXT,
			orphaned_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS networks (
			id {{serial}},
			name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			orphaned INTEGER NOT NULL DEFAULT 0,
			orphaned_at TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS deployments_networks (
			deployment_id BIGINT NOT NULL,
			network_id BIGINT NOT NULL,
			PRIMARY KEY(deployment_id, network_id)
		);`,

		`CREATE TABLE IF NOT EXISTS ip_addresses (
			id {{serial}},
			deployment_id BIGINT NOT NULL,
			instance_id BIGINT,
			network_name TEXT NOT NULL,
			address TEXT NOT NULL,
			static INTEGER NOT NULL DEFAULT 0,
			task_id TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(network_name, address)
		);`,

		`CREATE TABLE IF NOT EXISTS releases (
			id {{serial}},
			name TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS release_versions (
			id {{serial}},
			release_id BIGINT NOT NULL,
			version TEXT NOT NULL,
			commit_hash TEXT,
			jobs TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(release_id, version)
		);`,
		`CREATE TABLE IF NOT EXISTS packages (
			id {{serial}},
			release_version_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			dependencies TEXT,
			UNIQUE(release_version_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS compiled_packages (
			id {{serial}},
			package_name TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			stemcell_os TEXT NOT NULL,
			stemcell_version TEXT NOT NULL,
			blobstore_id TEXT NOT NULL,
			sha1 TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(package_name, fingerprint, stemcell_os, stemcell_version)
		);`,
		`CREATE TABLE IF NOT EXISTS deployments_release_versions (
			deployment_id BIGINT NOT NULL,
			release_version_id BIGINT NOT NULL,
			PRIMARY KEY(deployment_id, release_version_id)
		);`,

		`CREATE TABLE IF NOT EXISTS stemcells (
			id {{serial}},
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			operating_system TEXT NOT NULL,
			cid TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(name, version)
		);`,
		`CREATE TABLE IF NOT EXISTS deployments_stemcells (
			deployment_id BIGINT NOT NULL,
			stemcell_id BIGINT NOT NULL,
			PRIMARY KEY(deployment_id, stemcell_id)
		);`,

		`CREATE TABLE IF NOT EXISTS variable_sets (
			id {{serial}},
			deployment_id BIGINT NOT NULL,
			created_at TEXT NOT NULL,
			deployed_successfully INTEGER NOT NULL DEFAULT 0,
			writable INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_variable_sets_deployment ON variable_sets(deployment_id);`,
		`CREATE TABLE IF NOT EXISTS variables (
			id {{serial}},
			variable_set_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			value_id TEXT NOT NULL,
			UNIQUE(variable_set_id, name)
		);`,

		`CREATE TABLE IF NOT EXISTS links (
			id {{serial}},
			deployment_id BIGINT NOT NULL,
			serial_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			link_type TEXT NOT NULL,
			provider_instance_group TEXT NOT NULL,
			provider_job TEXT NOT NULL,
			consumer_instance_group TEXT NOT NULL,
			consumer_job TEXT NOT NULL,
			content TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_links_deployment ON links(deployment_id);`,

		`CREATE TABLE IF NOT EXISTS errand_runs (
			id {{serial}},
			instance_id BIGINT NOT NULL,
			successful INTEGER NOT NULL DEFAULT 0,
			configuration_hash TEXT,
			packages_spec TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_errand_runs_instance ON errand_runs(instance_id);`,

		`CREATE TABLE IF NOT EXISTS local_dns_records (
			id {{serial}},
			instance_id BIGINT,
			ip TEXT NOT NULL DEFAULT '',
			az TEXT,
			instance_group TEXT,
			network TEXT,
			deployment TEXT,
			agent_id TEXT,
			domain TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_local_dns_records_instance ON local_dns_records(instance_id);`,
		`CREATE TABLE IF NOT EXISTS local_dns_blobs (
			id {{serial}},
			blobstore_id TEXT NOT NULL,
			sha1 TEXT NOT NULL,
			version BIGINT NOT NULL,
			created_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS blobs (
			id {{serial}},
			blobstore_id TEXT NOT NULL UNIQUE,
			sha1 TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}

	for i, stmt := range stmts {
		stmts[i] = strings.ReplaceAll(stmt, "{{serial}}", serial)
	}
	return stmts
}
