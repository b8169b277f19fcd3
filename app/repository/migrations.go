package repository

import (
	"context"
	"database/sql"
	"fmt"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		id CHAR(36) NOT NULL,
		order_id VARCHAR(128) NOT NULL,
		active_order_id VARCHAR(128) NULL,
		customer_ref VARCHAR(128) NULL,
		amount_minor BIGINT NOT NULL,
		total_refunded_minor BIGINT NOT NULL DEFAULT 0,
		currency CHAR(3) NOT NULL,
		method VARCHAR(16) NOT NULL,
		provider INT NOT NULL,
		status VARCHAR(32) NOT NULL,
		provider_reference VARCHAR(255) NULL,
		failure_code VARCHAR(128) NULL,
		failure_reason VARCHAR(512) NULL,
		status_callback_url VARCHAR(1024) NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL,
		callback_delivery_status INT NOT NULL DEFAULT 0,
		callback_delivery_attempts INT NOT NULL DEFAULT 0,
		callback_delivery_next_at DATETIME(6) NULL,
		callback_delivery_last_error VARCHAR(1024) NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		processed_at DATETIME(6) NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_payments_active_order (active_order_id),
		UNIQUE KEY uq_payments_provider_reference (provider, provider_reference),
		KEY idx_payments_order (order_id),
		KEY idx_payments_status_updated (status, updated_at),
		KEY idx_payments_callback_due (callback_delivery_status, callback_delivery_next_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS refunds (
		id CHAR(36) NOT NULL,
		payment_id CHAR(36) NOT NULL,
		amount_minor BIGINT NOT NULL,
		reason VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL,
		provider_refund_reference VARCHAR(255) NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		processed_at DATETIME(6) NULL,
		PRIMARY KEY (id),
		KEY idx_refunds_payment (payment_id, created_at),
		KEY idx_refunds_provider_reference (provider_refund_reference),
		KEY idx_refunds_status_created (status, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS payment_events (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		payment_id CHAR(36) NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		old_status VARCHAR(32) NULL,
		new_status VARCHAR(32) NOT NULL,
		provider_event_id VARCHAR(255) NULL,
		detail TEXT NULL,
		created_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		KEY idx_payment_events_payment (payment_id, id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS payment_callbacks (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		payment_id CHAR(36) NULL,
		provider INT NOT NULL,
		provider_event_id VARCHAR(255) NULL,
		signature VARCHAR(1024) NOT NULL DEFAULT '',
		payload_json MEDIUMTEXT NOT NULL,
		status INT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		error VARCHAR(1024) NULL,
		next_attempt_at DATETIME(6) NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		KEY idx_payment_callbacks_status (status, created_at),
		KEY idx_payment_callbacks_replay (status, next_attempt_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS payment_webhook_events (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		provider INT NOT NULL,
		event_id VARCHAR(255) NOT NULL,
		payment_id CHAR(36) NULL,
		event_type VARCHAR(128) NOT NULL,
		mapped_status VARCHAR(32) NULL,
		outcome VARCHAR(16) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_webhook_events_provider_event (provider, event_id),
		KEY idx_webhook_events_payment (payment_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT NOT NULL PRIMARY KEY,
		order_id TEXT NOT NULL,
		active_order_id TEXT NULL UNIQUE,
		customer_ref TEXT NULL,
		amount_minor INTEGER NOT NULL,
		total_refunded_minor INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		method TEXT NOT NULL,
		provider INTEGER NOT NULL,
		status TEXT NOT NULL,
		provider_reference TEXT NULL,
		failure_code TEXT NULL,
		failure_reason TEXT NULL,
		status_callback_url TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL,
		callback_delivery_status INTEGER NOT NULL DEFAULT 0,
		callback_delivery_attempts INTEGER NOT NULL DEFAULT 0,
		callback_delivery_next_at DATETIME NULL,
		callback_delivery_last_error TEXT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		processed_at DATETIME NULL,
		UNIQUE (provider, provider_reference)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_order ON payments (order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_status_updated ON payments (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS refunds (
		id TEXT NOT NULL PRIMARY KEY,
		payment_id TEXT NOT NULL,
		amount_minor INTEGER NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		provider_refund_reference TEXT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		processed_at DATETIME NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refunds_payment ON refunds (payment_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS payment_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		old_status TEXT NULL,
		new_status TEXT NOT NULL,
		provider_event_id TEXT NULL,
		detail TEXT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payment_callbacks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_id TEXT NULL,
		provider INTEGER NOT NULL,
		provider_event_id TEXT NULL,
		signature TEXT NOT NULL DEFAULT '',
		payload_json TEXT NOT NULL,
		status INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT NULL,
		next_attempt_at DATETIME NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_callbacks_replay ON payment_callbacks (status, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS payment_webhook_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider INTEGER NOT NULL,
		event_id TEXT NOT NULL,
		payment_id TEXT NULL,
		event_type TEXT NOT NULL,
		mapped_status TEXT NULL,
		outcome TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (provider, event_id)
	)`,
}

// Migrate applies the ledger schema for driver. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	var statements []string
	switch driver {
	case DriverMySQL:
		statements = mysqlSchema
	case DriverSQLite:
		statements = sqliteSchema
	default:
		return fmt.Errorf("unsupported ledger driver %q", driver)
	}

	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}
