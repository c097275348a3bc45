package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinsuchenak/fleetd/internal/model"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage over a local SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// NewStorage opens (creating if needed) the fleet database under dataDir
// and applies pending migrations.
func NewStorage(dataDir string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "fleetd.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers; the driver returns
	// SQLITE_BUSY instead of queueing when two connections write.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	ss := &SQLiteStorage{db: db}
	if err := ss.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return ss, nil
}

func (ss *SQLiteStorage) migrate() error {
	migrations := []func() error{
		ss.MigrateToV1,
		ss.MigrateToV2,
		ss.MigrateToV3,
	}
	for _, m := range migrations {
		if err := m(); err != nil {
			return err
		}
	}
	return nil
}

func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}

// --- Accounts ---

func (ss *SQLiteStorage) CreateAccount(a *model.Account) error {
	if a.Status == "" {
		a.Status = model.AccountActive
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := ss.db.Exec(`
		INSERT INTO accounts (id, label, status, device_id, proxy_id, created_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)
	`, a.ID, a.Label, string(a.Status), a.DeviceID, a.ProxyID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating account: %w", err)
	}
	return nil
}

func (ss *SQLiteStorage) GetAccount(id string) (*model.Account, error) {
	row := ss.db.QueryRow(`
		SELECT id, label, status, device_id, proxy_id, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id)
	return scanAccount(row)
}

func (ss *SQLiteStorage) ListAccounts() ([]model.Account, error) {
	rows, err := ss.db.Query(`
		SELECT id, label, status, device_id, proxy_id, created_at, updated_at
		FROM accounts ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (ss *SQLiteStorage) UpdateAccountStatus(id string, status model.AccountStatus) error {
	res, err := ss.db.Exec(`UPDATE accounts SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating account status: %w", err)
	}
	return requireRow(res, ErrAccountNotFound)
}

// SetAccountDevice links an account to a device, or clears the link when
// deviceID is empty. The referenced device must exist; the check runs in
// the same transaction as the write.
func (ss *SQLiteStorage) SetAccountDevice(accountID, deviceID string) error {
	return ss.setAccountRef(accountID, "device_id", "devices", deviceID, ErrDeviceNotFound)
}

// SetAccountProxy links an account to a proxy, or clears the link when
// proxyID is empty.
func (ss *SQLiteStorage) SetAccountProxy(accountID, proxyID string) error {
	return ss.setAccountRef(accountID, "proxy_id", "proxies", proxyID, ErrProxyNotFound)
}

func (ss *SQLiteStorage) setAccountRef(accountID, column, refTable, refID string, notFound error) error {
	tx, err := ss.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if refID != "" {
		var exists int
		err = tx.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, refTable), refID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking %s reference: %w", refTable, err)
		}
		if exists == 0 {
			return notFound
		}
	}

	res, err := tx.Exec(fmt.Sprintf(`UPDATE accounts SET %s = NULLIF(?, '') WHERE id = ?`, column), refID, accountID)
	if err != nil {
		return fmt.Errorf("updating account %s: %w", column, err)
	}
	if err := requireRow(res, ErrAccountNotFound); err != nil {
		return err
	}

	return tx.Commit()
}

func (ss *SQLiteStorage) GetAccountByDevice(deviceID string) (*model.Account, error) {
	row := ss.db.QueryRow(`
		SELECT id, label, status, device_id, proxy_id, created_at, updated_at
		FROM accounts WHERE device_id = ?
	`, deviceID)
	return scanAccount(row)
}

func (ss *SQLiteStorage) GetAccountByProxy(proxyID string) (*model.Account, error) {
	row := ss.db.QueryRow(`
		SELECT id, label, status, device_id, proxy_id, created_at, updated_at
		FROM accounts WHERE proxy_id = ?
	`, proxyID)
	return scanAccount(row)
}

// --- Devices ---

// UpsertDevice inserts a device row or refreshes the cached snapshot
// fields of an existing one, keyed by the provider's remote id. The
// upsert is a single statement so concurrent refreshes cannot race
// into a unique constraint failure on remote_id.
func (ss *SQLiteStorage) UpsertDevice(d *model.Device) error {
	now := time.Now()
	if d.StatusCheckedAt == nil {
		d.StatusCheckedAt = &now
	}

	_, err := ss.db.Exec(`
		INSERT INTO devices (id, remote_id, name, power_state, last_ip, status_checked_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			name = excluded.name,
			power_state = excluded.power_state,
			last_ip = excluded.last_ip,
			status_checked_at = excluded.status_checked_at
	`, d.ID, d.RemoteID, d.Name, string(d.PowerState), d.LastIP, d.StatusCheckedAt, now, now)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}

	// Read back so the caller sees the stored identity when the row
	// already existed under a different local id.
	stored, err := ss.GetDeviceByRemoteID(d.RemoteID)
	if err != nil {
		return err
	}
	d.ID = stored.ID
	d.CreatedAt = stored.CreatedAt
	d.UpdatedAt = stored.UpdatedAt
	return nil
}

func (ss *SQLiteStorage) GetDevice(id string) (*model.Device, error) {
	row := ss.db.QueryRow(`
		SELECT id, remote_id, name, power_state, last_ip, status_checked_at, created_at, updated_at
		FROM devices WHERE id = ?
	`, id)
	return scanDevice(row)
}

func (ss *SQLiteStorage) GetDeviceByRemoteID(remoteID string) (*model.Device, error) {
	row := ss.db.QueryRow(`
		SELECT id, remote_id, name, power_state, last_ip, status_checked_at, created_at, updated_at
		FROM devices WHERE remote_id = ?
	`, remoteID)
	return scanDevice(row)
}

func (ss *SQLiteStorage) ListDevices() ([]model.Device, error) {
	rows, err := ss.db.Query(`
		SELECT id, remote_id, name, power_state, last_ip, status_checked_at, created_at, updated_at
		FROM devices ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (ss *SQLiteStorage) SetDevicePowerState(id string, state model.PowerState) error {
	res, err := ss.db.Exec(`UPDATE devices SET power_state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("updating device power state: %w", err)
	}
	return requireRow(res, ErrDeviceNotFound)
}

// --- Proxies ---

func (ss *SQLiteStorage) CreateProxy(p *model.Proxy) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := ss.db.Exec(`
		INSERT INTO proxies (id, host, port, username, password, remote_proxy_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
	`, p.ID, p.Host, p.Port, p.Username, p.Password, p.RemoteProxyID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrProxyExists
		}
		return fmt.Errorf("creating proxy: %w", err)
	}
	return nil
}

func (ss *SQLiteStorage) GetProxy(id string) (*model.Proxy, error) {
	row := ss.db.QueryRow(`
		SELECT id, host, port, username, password, remote_proxy_id, created_at, updated_at
		FROM proxies WHERE id = ?
	`, id)
	return scanProxy(row)
}

func (ss *SQLiteStorage) ListProxies() ([]model.Proxy, error) {
	rows, err := ss.db.Query(`
		SELECT id, host, port, username, password, remote_proxy_id, created_at, updated_at
		FROM proxies ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("listing proxies: %w", err)
	}
	defer rows.Close()

	var proxies []model.Proxy
	for rows.Next() {
		p, err := scanProxyRow(rows)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, *p)
	}
	return proxies, rows.Err()
}

// SetProxyRemoteID memoizes the provider-assigned id. Setting the same
// value again is a no-op; overwriting with a different value is refused.
func (ss *SQLiteStorage) SetProxyRemoteID(proxyID, remoteID string) error {
	tx, err := ss.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRow(`SELECT remote_proxy_id FROM proxies WHERE id = ?`, proxyID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrProxyNotFound
	}
	if err != nil {
		return fmt.Errorf("reading proxy remote id: %w", err)
	}

	if current.Valid && current.String != "" {
		if current.String == remoteID {
			return nil
		}
		return ErrRemoteIDConflict
	}

	if _, err := tx.Exec(`UPDATE proxies SET remote_proxy_id = ? WHERE id = ?`, remoteID, proxyID); err != nil {
		return fmt.Errorf("setting proxy remote id: %w", err)
	}

	return tx.Commit()
}

// --- Sync log ---

func (ss *SQLiteStorage) AppendSyncLog(e *model.SyncLogEntry) error {
	e.CreatedAt = time.Now()
	_, err := ss.db.Exec(`
		INSERT INTO sync_log (resource_kind, resource_id, account_id, action, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ResourceKind, e.ResourceID, e.AccountID, e.Action, e.Outcome, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending sync log: %w", err)
	}
	return nil
}

func (ss *SQLiteStorage) ListSyncLog(limit int) ([]model.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := ss.db.Query(`
		SELECT id, resource_kind, resource_id, account_id, action, outcome, detail, created_at
		FROM sync_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync log: %w", err)
	}
	defer rows.Close()

	var entries []model.SyncLogEntry
	for rows.Next() {
		var e model.SyncLogEntry
		if err := rows.Scan(&e.ID, &e.ResourceKind, &e.ResourceID, &e.AccountID, &e.Action, &e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning sync log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	a, err := scanAccountFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func scanAccountRow(rows *sql.Rows) (*model.Account, error) {
	return scanAccountFrom(rows)
}

func scanAccountFrom(s rowScanner) (*model.Account, error) {
	var a model.Account
	var status string
	var deviceID, proxyID sql.NullString
	if err := s.Scan(&a.ID, &a.Label, &status, &deviceID, &proxyID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = model.AccountStatus(status)
	a.DeviceID = deviceID.String
	a.ProxyID = proxyID.String
	return &a, nil
}

func scanDevice(row *sql.Row) (*model.Device, error) {
	d, err := scanDeviceFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

func scanDeviceRow(rows *sql.Rows) (*model.Device, error) {
	return scanDeviceFrom(rows)
}

func scanDeviceFrom(s rowScanner) (*model.Device, error) {
	var d model.Device
	var state string
	var lastIP sql.NullString
	var checkedAt sql.NullTime
	if err := s.Scan(&d.ID, &d.RemoteID, &d.Name, &state, &lastIP, &checkedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.PowerState = model.PowerState(state)
	d.LastIP = lastIP.String
	if checkedAt.Valid {
		t := checkedAt.Time
		d.StatusCheckedAt = &t
	}
	return &d, nil
}

func scanProxy(row *sql.Row) (*model.Proxy, error) {
	p, err := scanProxyFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrProxyNotFound
	}
	return p, err
}

func scanProxyRow(rows *sql.Rows) (*model.Proxy, error) {
	return scanProxyFrom(rows)
}

func scanProxyFrom(s rowScanner) (*model.Proxy, error) {
	var p model.Proxy
	var username, password, remoteID sql.NullString
	if err := s.Scan(&p.ID, &p.Host, &p.Port, &username, &password, &remoteID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Username = username.String
	p.Password = password.String
	p.RemoteProxyID = remoteID.String
	return &p, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
