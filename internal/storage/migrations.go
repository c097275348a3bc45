package storage

import (
	"database/sql"
	"fmt"
)

// MigrateToV1 creates the base schema: accounts, devices, proxies.
func (ss *SQLiteStorage) MigrateToV1() error {
	// Check if already migrated - also handles case where table doesn't exist
	var version int
	err := ss.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist or other error - treat as version 0
		version = 0
	}
	if version >= 1 {
		return nil // Already migrated
	}

	tx, err := ss.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			remote_id TEXT NOT NULL UNIQUE,
			name TEXT,
			power_state TEXT NOT NULL DEFAULT 'off',
			last_ip TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating devices table: %w", err)
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_devices_remote_id ON devices(remote_id)`)
	if err != nil {
		return fmt.Errorf("creating devices index: %w", err)
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS proxies (
			id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			username TEXT,
			password TEXT,
			remote_proxy_id TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(host, port)
		)
	`)
	if err != nil {
		return fmt.Errorf("creating proxies table: %w", err)
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			device_id TEXT,
			proxy_id TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE SET NULL,
			FOREIGN KEY (proxy_id) REFERENCES proxies(id) ON DELETE SET NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating accounts table: %w", err)
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_accounts_device_id ON accounts(device_id)`)
	if err != nil {
		return fmt.Errorf("creating accounts device index: %w", err)
	}
	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_accounts_proxy_id ON accounts(proxy_id)`)
	if err != nil {
		return fmt.Errorf("creating accounts proxy index: %w", err)
	}

	// Triggers for updated_at
	for _, table := range []string{"devices", "proxies", "accounts"} {
		_, err = tx.Exec(fmt.Sprintf(`
			CREATE TRIGGER IF NOT EXISTS update_%s_timestamp
			AFTER UPDATE ON %s
			FOR EACH ROW
			BEGIN
				UPDATE %s SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
			END
		`, table, table, table))
		if err != nil {
			return fmt.Errorf("creating %s trigger: %w", table, err)
		}
	}

	// Create schema_migrations table if it doesn't exist
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	// Update migration version
	_, err = tx.Exec(`INSERT OR IGNORE INTO schema_migrations (version) VALUES (1)`)
	if err != nil {
		return fmt.Errorf("setting migration version: %w", err)
	}

	return tx.Commit()
}

// MigrateToV2 creates the append-only sync_log table.
func (ss *SQLiteStorage) MigrateToV2() error {
	var version int
	err := ss.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		version = 0
	}
	if version >= 2 {
		return nil // Already migrated
	}

	tx, err := ss.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS sync_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			resource_kind TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			account_id TEXT,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating sync_log table: %w", err)
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sync_log_account ON sync_log(account_id)`)
	if err != nil {
		return fmt.Errorf("creating sync_log account index: %w", err)
	}
	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sync_log_created ON sync_log(created_at)`)
	if err != nil {
		return fmt.Errorf("creating sync_log created index: %w", err)
	}

	_, err = tx.Exec(`INSERT OR IGNORE INTO schema_migrations (version) VALUES (2)`)
	if err != nil {
		return fmt.Errorf("setting migration version: %w", err)
	}

	return tx.Commit()
}

// MigrateToV3 adds status_checked_at to devices so the staleness of the
// cached power state and IP is visible.
func (ss *SQLiteStorage) MigrateToV3() error {
	var version int
	err := ss.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		version = 0
	}
	if version >= 3 {
		return nil // Already migrated
	}

	tx, err := ss.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Check if devices table has the status_checked_at column
	var checkedAtColumn string
	err = tx.QueryRow(`
		SELECT name FROM pragma_table_info('devices')
		WHERE name='status_checked_at'
	`).Scan(&checkedAtColumn)

	if err == sql.ErrNoRows {
		_, err = tx.Exec(`ALTER TABLE devices ADD COLUMN status_checked_at TIMESTAMP`)
		if err != nil {
			return fmt.Errorf("adding status_checked_at column: %w", err)
		}
	}

	_, err = tx.Exec(`INSERT OR IGNORE INTO schema_migrations (version) VALUES (3)`)
	if err != nil {
		return fmt.Errorf("setting migration version: %w", err)
	}

	return tx.Commit()
}
