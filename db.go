package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/korjavin/lpwatcher/monitor"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrWalletExists   = errors.New("wallet already added")
	ErrWalletNotFound = errors.New("wallet not found")
	ErrNoActiveWallet = errors.New("no active wallet")
)

type Database struct {
	db *sql.DB
}

// WalletRecord is a wallet row as shown to its owner.
type WalletRecord struct {
	Address              string
	Alias                string
	IsActive             bool
	NotificationsEnabled bool
	CreatedAt            time.Time
}

func (w WalletRecord) DisplayName() string {
	return monitor.Wallet{Address: w.Address, Alias: w.Alias}.DisplayName()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id INTEGER PRIMARY KEY,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS wallets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(user_id),
	address TEXT NOT NULL,
	alias TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 0,
	notifications_enabled INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, address)
);

CREATE TABLE IF NOT EXISTS position_alerts (
	user_id INTEGER NOT NULL,
	wallet_address TEXT NOT NULL,
	position_id TEXT NOT NULL,
	alert_type TEXT NOT NULL,
	alerted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	out_of_range_since TIMESTAMP,
	PRIMARY KEY (user_id, wallet_address, position_id, alert_type)
);
`

func initDB(path string) (*Database, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=10000&_foreign_keys=on", path))
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate tables: %w", err)
	}

	return &Database{db: db}, nil
}

// migrate adds columns missing from databases created by older versions.
func migrate(db *sql.DB) error {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('position_alerts') WHERE name = 'out_of_range_since'").Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := db.Exec("ALTER TABLE position_alerts ADD COLUMN out_of_range_since TIMESTAMP"); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) AddUser(userID int64) error {
	_, err := d.db.Exec("INSERT OR IGNORE INTO users (user_id) VALUES (?)", userID)
	return err
}

// AddWallet stores a wallet for a user. The first wallet of a user becomes active.
func (d *Database) AddWallet(userID int64, address, alias string) error {
	address = normalizeAddress(address)

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("INSERT OR IGNORE INTO users (user_id) VALUES (?)", userID); err != nil {
		return err
	}

	_, err = tx.Exec(
		"INSERT INTO wallets (user_id, address, alias) VALUES (?, ?, ?)",
		userID, address, alias,
	)
	if isUniqueViolation(err) {
		return ErrWalletExists
	}
	if err != nil {
		return err
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM wallets WHERE user_id = ?", userID).Scan(&count); err != nil {
		return err
	}
	if count == 1 {
		if _, err := tx.Exec("UPDATE wallets SET is_active = 1 WHERE user_id = ? AND address = ?", userID, address); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RemoveWallet deletes a wallet and its alert records. When the active
// wallet is removed the most recently added remaining one takes its place.
func (d *Database) RemoveWallet(userID int64, address string) error {
	address = normalizeAddress(address)

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var wasActive bool
	err = tx.QueryRow("SELECT is_active FROM wallets WHERE user_id = ? AND address = ?", userID, address).Scan(&wasActive)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrWalletNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM wallets WHERE user_id = ? AND address = ?", userID, address); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM position_alerts WHERE user_id = ? AND wallet_address = ?", userID, address); err != nil {
		return err
	}

	if wasActive {
		_, err := tx.Exec(`
			UPDATE wallets SET is_active = 1
			WHERE id = (SELECT id FROM wallets WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1)`,
			userID,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (d *Database) GetWallets(userID int64) ([]WalletRecord, error) {
	rows, err := d.db.Query(`
		SELECT address, alias, is_active, notifications_enabled, created_at
		FROM wallets
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []WalletRecord
	for rows.Next() {
		var w WalletRecord
		if err := rows.Scan(&w.Address, &w.Alias, &w.IsActive, &w.NotificationsEnabled, &w.CreatedAt); err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (d *Database) GetActiveWallet(userID int64) (WalletRecord, error) {
	var w WalletRecord
	err := d.db.QueryRow(`
		SELECT address, alias, is_active, notifications_enabled, created_at
		FROM wallets
		WHERE user_id = ? AND is_active = 1`,
		userID,
	).Scan(&w.Address, &w.Alias, &w.IsActive, &w.NotificationsEnabled, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WalletRecord{}, ErrNoActiveWallet
	}
	return w, err
}

func (d *Database) SetActiveWallet(userID int64, address string) error {
	address = normalizeAddress(address)

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec("UPDATE wallets SET is_active = 1 WHERE user_id = ? AND address = ?", userID, address)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWalletNotFound
	}

	if _, err := tx.Exec("UPDATE wallets SET is_active = 0 WHERE user_id = ? AND address != ?", userID, address); err != nil {
		return err
	}

	return tx.Commit()
}

func (d *Database) UpdateAlias(userID int64, address, alias string) error {
	res, err := d.db.Exec(
		"UPDATE wallets SET alias = ? WHERE user_id = ? AND address = ?",
		alias, userID, normalizeAddress(address),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// SetNotifications turns range alerts on or off for all wallets of a user.
// Turning them off also forgets the user's alert records, so a breach that
// is still open is reported again once alerts are back on.
func (d *Database) SetNotifications(userID int64, enabled bool) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec("UPDATE wallets SET notifications_enabled = ? WHERE user_id = ?", enabled, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if !enabled {
		if _, err := tx.Exec("DELETE FROM position_alerts WHERE user_id = ?", userID); err != nil {
			return 0, err
		}
	}

	return n, tx.Commit()
}

// GetAllUserIDs lists users with at least one wallet.
func (d *Database) GetAllUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT DISTINCT user_id FROM wallets ORDER BY user_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *Database) GetWalletsForMonitoring(ctx context.Context, userID int64) ([]monitor.Wallet, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT address, alias FROM wallets WHERE user_id = ? AND notifications_enabled = 1 ORDER BY id",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []monitor.Wallet
	for rows.Next() {
		var w monitor.Wallet
		if err := rows.Scan(&w.Address, &w.Alias); err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (d *Database) HasBeenAlerted(ctx context.Context, key monitor.AlertKey) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM position_alerts
			WHERE user_id = ? AND wallet_address = ? AND position_id = ? AND alert_type = ?
		)`,
		key.UserID, key.Wallet, key.PositionID, key.AlertType,
	).Scan(&exists)
	return exists, err
}

func (d *Database) MarkAsAlerted(ctx context.Context, key monitor.AlertKey, record monitor.AlertRecord) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO position_alerts (user_id, wallet_address, position_id, alert_type, alerted_at, out_of_range_since)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.UserID, key.Wallet, key.PositionID, key.AlertType, record.AlertedAt.UTC(), record.OutOfRangeSince.UTC(),
	)
	return err
}

// GetAlertRecord returns the stored record for key, or ok=false if there is none.
func (d *Database) GetAlertRecord(ctx context.Context, key monitor.AlertKey) (record monitor.AlertRecord, ok bool, err error) {
	var since sql.NullTime
	err = d.db.QueryRowContext(ctx, `
		SELECT alerted_at, out_of_range_since FROM position_alerts
		WHERE user_id = ? AND wallet_address = ? AND position_id = ? AND alert_type = ?`,
		key.UserID, key.Wallet, key.PositionID, key.AlertType,
	).Scan(&record.AlertedAt, &since)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.AlertRecord{}, false, nil
	}
	if err != nil {
		return monitor.AlertRecord{}, false, err
	}

	// rows written before the column existed
	record.OutOfRangeSince = record.AlertedAt
	if since.Valid {
		record.OutOfRangeSince = since.Time
	}
	return record, true, nil
}

func (d *Database) ListAlerts(ctx context.Context, userID int64, wallet string) ([]monitor.AlertKey, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT position_id, alert_type FROM position_alerts WHERE user_id = ? AND wallet_address = ? ORDER BY position_id",
		userID, wallet,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []monitor.AlertKey
	for rows.Next() {
		key := monitor.AlertKey{UserID: userID, Wallet: wallet}
		if err := rows.Scan(&key.PositionID, &key.AlertType); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (d *Database) ClearAlert(ctx context.Context, key monitor.AlertKey) error {
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM position_alerts WHERE user_id = ? AND wallet_address = ? AND position_id = ? AND alert_type = ?",
		key.UserID, key.Wallet, key.PositionID, key.AlertType,
	)
	return err
}

func normalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return address
	}
	return common.HexToAddress(address).Hex()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
