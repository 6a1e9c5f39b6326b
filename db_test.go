package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/korjavin/lpwatcher/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrA = "0x1111111111111111111111111111111111111111"
	addrB = "0x2222222222222222222222222222222222222222"
	// lower case form of a checksummed address
	addrMixed = "0x52908400098527886e0f7030069857d2e4169ee7"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := initDB(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAddWalletFirstBecomesActive(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.AddWallet(1, addrA, "main"))
	require.NoError(t, db.AddWallet(1, addrB, ""))

	active, err := db.GetActiveWallet(1)
	require.NoError(t, err)
	assert.Equal(t, addrA, active.Address)
	assert.Equal(t, "main", active.Alias)
	assert.True(t, active.NotificationsEnabled)

	wallets, err := db.GetWallets(1)
	require.NoError(t, err)
	require.Len(t, wallets, 2)
	assert.Equal(t, addrB, wallets[0].Address, "newest first")
	assert.False(t, wallets[0].IsActive)
	assert.False(t, wallets[0].CreatedAt.IsZero())
}

func TestAddWalletDuplicate(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.AddWallet(1, addrMixed, ""))
	err := db.AddWallet(1, strings.ToUpper(addrMixed[:2])+strings.ToUpper(addrMixed[2:]), "")
	assert.ErrorIs(t, err, ErrWalletExists)

	// other users may track the same wallet
	assert.NoError(t, db.AddWallet(2, addrMixed, ""))

	wallets, err := db.GetWallets(1)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", wallets[0].Address)
}

func TestSetActiveWallet(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.AddWallet(1, addrA, ""))
	require.NoError(t, db.AddWallet(1, addrB, ""))

	require.NoError(t, db.SetActiveWallet(1, addrB))
	active, err := db.GetActiveWallet(1)
	require.NoError(t, err)
	assert.Equal(t, addrB, active.Address)

	wallets, err := db.GetWallets(1)
	require.NoError(t, err)
	activeCount := 0
	for _, w := range wallets {
		if w.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	assert.ErrorIs(t, db.SetActiveWallet(1, "0x3333333333333333333333333333333333333333"), ErrWalletNotFound)
}

func TestRemoveWallet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.AddWallet(1, addrA, ""))
	require.NoError(t, db.AddWallet(1, addrB, ""))

	key := monitor.AlertKey{UserID: 1, Wallet: addrA, PositionID: "5", AlertType: monitor.AlertTypeOutOfRange}
	require.NoError(t, db.MarkAsAlerted(ctx, key, monitor.AlertRecord{AlertedAt: time.Now(), OutOfRangeSince: time.Now()}))

	require.NoError(t, db.RemoveWallet(1, addrA))
	assert.ErrorIs(t, db.RemoveWallet(1, addrA), ErrWalletNotFound)

	alerted, err := db.HasBeenAlerted(ctx, key)
	require.NoError(t, err)
	assert.False(t, alerted)

	active, err := db.GetActiveWallet(1)
	require.NoError(t, err)
	assert.Equal(t, addrB, active.Address)

	require.NoError(t, db.RemoveWallet(1, addrB))
	_, err = db.GetActiveWallet(1)
	assert.ErrorIs(t, err, ErrNoActiveWallet)
}

func TestUpdateAlias(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.AddWallet(1, addrA, ""))

	require.NoError(t, db.UpdateAlias(1, addrA, "cold"))
	active, err := db.GetActiveWallet(1)
	require.NoError(t, err)
	assert.Equal(t, "cold (0x1111...1111)", active.DisplayName())

	assert.ErrorIs(t, db.UpdateAlias(2, addrA, "x"), ErrWalletNotFound)
}

func TestMonitoringQueries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.AddWallet(7, addrA, "a"))
	require.NoError(t, db.AddWallet(7, addrB, ""))
	require.NoError(t, db.AddWallet(3, addrA, ""))
	require.NoError(t, db.AddUser(9))

	ids, err := db.GetAllUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7}, ids)

	wallets, err := db.GetWalletsForMonitoring(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []monitor.Wallet{{Address: addrA, Alias: "a"}, {Address: addrB}}, wallets)

	n, err := db.SetNotifications(7, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	wallets, err = db.GetWalletsForMonitoring(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, wallets)

	_, err = db.SetNotifications(7, true)
	require.NoError(t, err)
	wallets, err = db.GetWalletsForMonitoring(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, wallets, 2)
}

func TestAlertRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	key := monitor.AlertKey{UserID: 1, Wallet: addrA, PositionID: "42", AlertType: monitor.AlertTypeOutOfRange}

	alerted, err := db.HasBeenAlerted(ctx, key)
	require.NoError(t, err)
	assert.False(t, alerted)

	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alertedAt := since.Add(10 * time.Minute)
	require.NoError(t, db.MarkAsAlerted(ctx, key, monitor.AlertRecord{AlertedAt: alertedAt, OutOfRangeSince: since}))
	// the first record of an episode wins
	require.NoError(t, db.MarkAsAlerted(ctx, key, monitor.AlertRecord{AlertedAt: alertedAt.Add(time.Hour), OutOfRangeSince: alertedAt}))

	alerted, err = db.HasBeenAlerted(ctx, key)
	require.NoError(t, err)
	assert.True(t, alerted)

	record, ok, err := db.GetAlertRecord(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, record.OutOfRangeSince.Equal(since), "got %s", record.OutOfRangeSince)
	assert.True(t, record.AlertedAt.Equal(alertedAt), "got %s", record.AlertedAt)

	other := key
	other.PositionID = "43"
	alerted, err = db.HasBeenAlerted(ctx, other)
	require.NoError(t, err)
	assert.False(t, alerted)

	_, ok, err = db.GetAlertRecord(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.ClearAlert(ctx, key))
	alerted, err = db.HasBeenAlerted(ctx, key)
	require.NoError(t, err)
	assert.False(t, alerted)
}

func TestListAlerts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	record := monitor.AlertRecord{AlertedAt: now, OutOfRangeSince: now}

	for _, key := range []monitor.AlertKey{
		{UserID: 1, Wallet: addrA, PositionID: "8", AlertType: monitor.AlertTypeOutOfRange},
		{UserID: 1, Wallet: addrA, PositionID: "7", AlertType: monitor.AlertTypeOutOfRange},
		{UserID: 1, Wallet: addrB, PositionID: "9", AlertType: monitor.AlertTypeOutOfRange},
		{UserID: 2, Wallet: addrA, PositionID: "7", AlertType: monitor.AlertTypeOutOfRange},
	} {
		require.NoError(t, db.MarkAsAlerted(ctx, key, record))
	}

	keys, err := db.ListAlerts(ctx, 1, addrA)
	require.NoError(t, err)
	assert.Equal(t, []monitor.AlertKey{
		{UserID: 1, Wallet: addrA, PositionID: "7", AlertType: monitor.AlertTypeOutOfRange},
		{UserID: 1, Wallet: addrA, PositionID: "8", AlertType: monitor.AlertTypeOutOfRange},
	}, keys)

	keys, err = db.ListAlerts(ctx, 3, addrA)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestNotificationsOffForgetsAlerts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.AddWallet(1, addrA, ""))
	require.NoError(t, db.AddWallet(2, addrA, ""))

	now := time.Now()
	mine := monitor.AlertKey{UserID: 1, Wallet: addrA, PositionID: "7", AlertType: monitor.AlertTypeOutOfRange}
	theirs := monitor.AlertKey{UserID: 2, Wallet: addrA, PositionID: "7", AlertType: monitor.AlertTypeOutOfRange}
	require.NoError(t, db.MarkAsAlerted(ctx, mine, monitor.AlertRecord{AlertedAt: now, OutOfRangeSince: now}))
	require.NoError(t, db.MarkAsAlerted(ctx, theirs, monitor.AlertRecord{AlertedAt: now, OutOfRangeSince: now}))

	_, err := db.SetNotifications(1, true)
	require.NoError(t, err)
	alerted, err := db.HasBeenAlerted(ctx, mine)
	require.NoError(t, err)
	assert.True(t, alerted)

	_, err = db.SetNotifications(1, false)
	require.NoError(t, err)
	alerted, err = db.HasBeenAlerted(ctx, mine)
	require.NoError(t, err)
	assert.False(t, alerted)

	alerted, err = db.HasBeenAlerted(ctx, theirs)
	require.NoError(t, err)
	assert.True(t, alerted)
}

func TestInitDBAddsBreachColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	old, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = old.Exec(`
		CREATE TABLE position_alerts (
			user_id INTEGER NOT NULL,
			wallet_address TEXT NOT NULL,
			position_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			alerted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, wallet_address, position_id, alert_type)
		);
		INSERT INTO position_alerts (user_id, wallet_address, position_id, alert_type) VALUES (1, '` + addrA + `', '5', 'out_of_range');`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	db, err := initDB(path)
	require.NoError(t, err)

	key := monitor.AlertKey{UserID: 1, Wallet: addrA, PositionID: "5", AlertType: monitor.AlertTypeOutOfRange}
	record, ok, err := db.GetAlertRecord(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.AlertedAt, record.OutOfRangeSince)
	require.NoError(t, db.Close())

	// reopening an up to date database is a no-op
	db, err = initDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
