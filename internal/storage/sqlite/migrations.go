package sqlite

import (
	"context"
	"database/sql"
)

// Migrate runs all database migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		// Workflows table (registered definitions)
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT NOT NULL,
			name TEXT PRIMARY KEY,
			path TEXT,
			revision TEXT NOT NULL,
			raw BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,

		// Events table
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			repo TEXT,
			ref TEXT,
			branch TEXT,
			base_branch TEXT,
			head_sha TEXT,
			actor TEXT,
			payload_json TEXT,
			received_at DATETIME NOT NULL
		)`,

		// Runs table
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			revision TEXT,
			event_id TEXT,
			attempt INTEGER NOT NULL DEFAULT 1,
			state INTEGER NOT NULL DEFAULT 10,
			conclusion TEXT NOT NULL DEFAULT '',
			env_json TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,

		// Jobs table
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			runs_on TEXT,
			needs_json TEXT,
			env_json TEXT,
			timeout_minutes INTEGER NOT NULL DEFAULT 0,
			state INTEGER NOT NULL DEFAULT 10,
			conclusion TEXT NOT NULL DEFAULT '',
			dependencies_json TEXT,
			execution_mode INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (run_id, id),
			UNIQUE (run_id, name),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,

		// Steps table (ordered within a job)
		`CREATE TABLE IF NOT EXISTS steps (
			idx INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			name TEXT,
			uses TEXT,
			run_cmd TEXT,
			shell TEXT,
			working_dir TEXT,
			with_json TEXT,
			env_json TEXT,
			if_expr TEXT,
			state INTEGER NOT NULL DEFAULT 10,
			conclusion TEXT NOT NULL DEFAULT '',
			exit_code INTEGER,
			output TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			failure_message TEXT,
			failure_at DATETIME,
			PRIMARY KEY (run_id, job_id, idx),
			FOREIGN KEY (run_id, job_id) REFERENCES jobs(run_id, id) ON DELETE CASCADE
		)`,

		// Dependencies table (needs edges between jobs)
		`CREATE TABLE IF NOT EXISTS dependencies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			job_name TEXT NOT NULL,
			needs_job TEXT NOT NULL,
			resolved BOOLEAN DEFAULT FALSE,
			satisfied BOOLEAN,
			resolved_at DATETIME,
			UNIQUE(run_id, job_name, needs_job)
		)`,

		// Runners table (registrations)
		`CREATE TABLE IF NOT EXISTS runners (
			registration_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			labels_json TEXT NOT NULL,
			address TEXT NOT NULL,
			supported_modes_json TEXT NOT NULL,
			max_concurrent INTEGER NOT NULL DEFAULT 0,
			current_load INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT,
			registered_at DATETIME NOT NULL,
			last_heartbeat DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)`,

		// Job Executions queue table
		`CREATE TABLE IF NOT EXISTS job_executions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			label TEXT NOT NULL,
			execution_mode INTEGER NOT NULL DEFAULT 1,
			state INTEGER NOT NULL DEFAULT 10,
			runner_id TEXT,
			dispatched_at DATETIME,
			started_at DATETIME,
			completed_at DATETIME,
			deadline DATETIME,
			last_progress_at DATETIME,
			current_step INTEGER DEFAULT 0,
			current_step_name TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,

		// Indexes for efficient queries
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_name, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(run_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_job ON steps(run_id, job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deps_job ON dependencies(run_id, job_name)`,
		`CREATE INDEX IF NOT EXISTS idx_deps_needs ON dependencies(run_id, needs_job)`,
		`CREATE INDEX IF NOT EXISTS idx_deps_unresolved ON dependencies(run_id, resolved) WHERE resolved = FALSE`,
		`CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_at)`,

		// Indexes for runners and executions
		`CREATE INDEX IF NOT EXISTS idx_runners_expires ON runners(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_pending ON job_executions(state, label)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_run ON job_executions(run_id, job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_runner ON job_executions(runner_id)`,
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}
