package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// NewDB creates a new MySQL database connection pool with the given DSN.
func NewDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		slog.Warn("database ping failed — continuing without DB", "error", err)
	}

	return db, nil
}

// schema is the engine's durable state. Everything the drainer, the sync
// pipeline and the batch supervisor track lives here so it survives restarts.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS mirror_records (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		organization_id VARCHAR(64) NOT NULL,
		endpoint_id VARCHAR(64) NOT NULL,
		business_key VARCHAR(128) NOT NULL,
		fields JSON NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		sync_state VARCHAR(16) NOT NULL DEFAULT 'synced',
		remote_version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE KEY uq_records_org_key (organization_id, business_key)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_modifications (
		id CHAR(36) PRIMARY KEY,
		record_id BIGINT NOT NULL,
		organization_id VARCHAR(64) NOT NULL,
		endpoint_id VARCHAR(64) NOT NULL,
		business_key VARCHAR(128) NOT NULL,
		delta JSON NOT NULL,
		snapshot JSON NOT NULL,
		author VARCHAR(128) NOT NULL DEFAULT '',
		sync_status VARCHAR(16) NOT NULL DEFAULT 'pending_sync',
		base_version BIGINT NOT NULL,
		base_remote_version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		KEY idx_mods_record (record_id, sync_status)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_jobs (
		id CHAR(36) PRIMARY KEY,
		organization_id VARCHAR(64) NOT NULL,
		endpoint_id VARCHAR(64) NOT NULL,
		mode VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'running',
		batch_id CHAR(36) NOT NULL DEFAULT '',
		total BIGINT NOT NULL DEFAULT 0,
		processed BIGINT NOT NULL DEFAULT 0,
		inserted BIGINT NOT NULL DEFAULT 0,
		updated BIGINT NOT NULL DEFAULT 0,
		errored BIGINT NOT NULL DEFAULT 0,
		current_page INT NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP NULL,
		last_error TEXT,
		KEY idx_jobs_pair (organization_id, endpoint_id, status),
		KEY idx_jobs_batch (batch_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_batches (
		id CHAR(36) PRIMARY KEY,
		kind VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'running',
		total INT NOT NULL,
		completed INT NOT NULL DEFAULT 0,
		failed INT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP NULL
	)`,
	`CREATE TABLE IF NOT EXISTS write_queue_items (
		id CHAR(36) PRIMARY KEY,
		modification_id CHAR(36) NOT NULL,
		business_key VARCHAR(128) NOT NULL,
		organization_id VARCHAR(64) NOT NULL,
		endpoint_id VARCHAR(64) NOT NULL,
		operation VARCHAR(16) NOT NULL,
		payload JSON NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		force_write TINYINT(1) NOT NULL DEFAULT 0,
		scheduled_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT,
		claimed_at TIMESTAMP NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		KEY idx_queue_drain (organization_id, status, scheduled_at),
		KEY idx_queue_mod (modification_id, status)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_conflicts (
		id CHAR(36) PRIMARY KEY,
		modification_id CHAR(36) NOT NULL,
		queue_item_id CHAR(36) NOT NULL,
		business_key VARCHAR(128) NOT NULL,
		organization_id VARCHAR(64) NOT NULL,
		endpoint_id VARCHAR(64) NOT NULL,
		local_version BIGINT NOT NULL,
		remote_version BIGINT NOT NULL,
		conflict_fields JSON NOT NULL,
		local_payload JSON NOT NULL,
		remote_payload JSON NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'unresolved',
		resolution VARCHAR(16) NOT NULL DEFAULT '',
		merged_payload JSON NULL,
		resolved_by VARCHAR(128) NOT NULL DEFAULT '',
		detected_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		resolved_at TIMESTAMP NULL,
		KEY idx_conflicts_org (organization_id, status)
	)`,
	`CREATE TABLE IF NOT EXISTS field_mappings (
		endpoint_id VARCHAR(64) NOT NULL,
		entity_type VARCHAR(64) NOT NULL,
		remote_field VARCHAR(128) NOT NULL,
		local_field VARCHAR(128) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		PRIMARY KEY (endpoint_id, remote_field)
	)`,
}

// Migrate creates the engine's tables when they do not exist yet.
func Migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// marshalFields encodes a field map for a JSON column. A nil map is stored
// as an empty object, never as SQL NULL.
func marshalFields(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encoding fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields decodes a JSON column into a field map.
func unmarshalFields(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decoding fields: %w", err)
	}
	return fields, nil
}

// nullTime converts a nullable column value to a *time.Time.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
