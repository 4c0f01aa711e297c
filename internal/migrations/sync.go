package migrations

import "database/sql"

// InitSyncMigrations adds the migrations for the peer sync protocol tables:
// certificates, sync sessions, transfer sessions, and their buffers.
func InitSyncMigrations(runner *Runner) {
	runner.AddMigration(
		100,
		"Create certificates table",
		`CREATE TABLE IF NOT EXISTS certificates (
			id TEXT PRIMARY KEY,
			parent_id TEXT REFERENCES certificates(id),
			profile TEXT NOT NULL,
			scope_definition TEXT NOT NULL DEFAULT '',
			scope_version INTEGER NOT NULL DEFAULT 0,
			scope_params TEXT NOT NULL DEFAULT '{}',
			algorithm TEXT NOT NULL,
			public_key BLOB NOT NULL,
			private_key BLOB,
			serialized BLOB NOT NULL,
			signature BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)

	runner.AddMigration(
		101,
		"Create sync_instance table",
		`CREATE TABLE IF NOT EXISTS sync_instance (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			hostname TEXT NOT NULL,
			system_id TEXT NOT NULL,
			version TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)

	runner.AddMigration(
		102,
		"Create sync_sessions table",
		`CREATE TABLE IF NOT EXISTS sync_sessions (
			id TEXT PRIMARY KEY,
			start_timestamp TIMESTAMP NOT NULL,
			last_activity_timestamp TIMESTAMP NOT NULL,
			active BOOLEAN NOT NULL DEFAULT 1,
			is_server BOOLEAN NOT NULL DEFAULT 0,
			client_certificate_id TEXT NOT NULL,
			server_certificate_id TEXT NOT NULL,
			profile TEXT NOT NULL,
			connection_kind TEXT NOT NULL DEFAULT 'network',
			connection_path TEXT NOT NULL,
			client_instance TEXT NOT NULL DEFAULT '{}',
			server_instance TEXT NOT NULL DEFAULT '{}',
			client_ip TEXT NOT NULL DEFAULT '',
			server_ip TEXT NOT NULL DEFAULT ''
		)`,
	)

	runner.AddMigration(
		103,
		"Create unique index enforcing one active sync session per peer pair",
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_sessions_active_peer
		ON sync_sessions(client_certificate_id, server_certificate_id)
		WHERE active = 1 AND is_server = 0`,
	)

	runner.AddMigration(
		104,
		"Create transfer_sessions table",
		`CREATE TABLE IF NOT EXISTS transfer_sessions (
			id TEXT PRIMARY KEY,
			sync_session_id TEXT NOT NULL REFERENCES sync_sessions(id),
			push BOOLEAN NOT NULL,
			filter TEXT NOT NULL,
			last_activity_timestamp TIMESTAMP NOT NULL,
			active BOOLEAN NOT NULL DEFAULT 1,
			records_total INTEGER,
			records_transferred INTEGER NOT NULL DEFAULT 0,
			client_fsic TEXT NOT NULL DEFAULT '{}',
			server_fsic TEXT NOT NULL DEFAULT '{}',
			transfer_stage TEXT NOT NULL
		)`,
	)

	runner.AddMigration(
		105,
		"Create index on transfer_sessions by sync session",
		`CREATE INDEX IF NOT EXISTS idx_transfer_sessions_sync_session
		ON transfer_sessions(sync_session_id)`,
	)

	runner.AddMigration(
		106,
		"Create buffers table",
		`CREATE TABLE IF NOT EXISTS buffers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transfer_session_id TEXT NOT NULL REFERENCES transfer_sessions(id),
			model_uuid TEXT NOT NULL,
			partition TEXT NOT NULL DEFAULT '',
			serialized BLOB NOT NULL,
			last_saved_instance TEXT NOT NULL DEFAULT '',
			last_saved_counter INTEGER NOT NULL DEFAULT 0,
			UNIQUE(transfer_session_id, model_uuid)
		)`,
	)

	runner.AddMigration(
		107,
		"Create record_max_counter_buffers table",
		`CREATE TABLE IF NOT EXISTS record_max_counter_buffers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transfer_session_id TEXT NOT NULL REFERENCES transfer_sessions(id),
			model_uuid TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			counter INTEGER NOT NULL,
			UNIQUE(transfer_session_id, model_uuid, instance_id)
		)`,
	)

	runner.AddMigration(
		108,
		"Create database_max_counters table",
		`CREATE TABLE IF NOT EXISTS database_max_counters (
			instance_id TEXT NOT NULL,
			filter TEXT NOT NULL,
			counter INTEGER NOT NULL,
			PRIMARY KEY (instance_id, filter)
		)`,
	)
}

// BootstrapSync initializes the peer sync protocol tables in the database.
func BootstrapSync(db *sql.DB) error {
	runner := NewRunner(db)
	InitSyncMigrations(runner)
	return runner.Run()
}
