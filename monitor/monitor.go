// Package monitor periodically checks every tracked wallet and notifies a
// user once per breach episode when one of their positions leaves its range.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/korjavin/lpwatcher/uniswap"
	"go.uber.org/zap"
)

// ErrPassInProgress is returned by RunOnce when another pass is still running.
var ErrPassInProgress = errors.New("monitoring pass already in progress")

// AlertTypeOutOfRange marks a position that left its price range.
const AlertTypeOutOfRange = "out_of_range"

// staleAfterPasses is how many consecutive passes a recorded position must be
// missing from its wallet before the record is dropped.
const staleAfterPasses = 2

// AlertKey identifies one alert record.
type AlertKey struct {
	UserID     int64
	Wallet     string
	PositionID string
	AlertType  string
}

// AlertRecord is stored for every AlertKey that has been notified.
type AlertRecord struct {
	AlertedAt time.Time
	// OutOfRangeSince is when the breach was first observed, which is
	// earlier than AlertedAt when the first notification attempts failed.
	OutOfRangeSince time.Time
}

// Wallet is a wallet enabled for monitoring.
type Wallet struct {
	Address string
	Alias   string
}

// DisplayName renders "alias (0x1234...abcd)" or just the short address.
func (w Wallet) DisplayName() string {
	short := ShortAddress(w.Address)
	if w.Alias == "" {
		return short
	}
	return fmt.Sprintf("%s (%s)", w.Alias, short)
}

// ShortAddress abbreviates an address to its first six and last four characters.
func ShortAddress(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}

// Store keeps users, their wallets and the alert records.
type Store interface {
	GetAllUserIDs(ctx context.Context) ([]int64, error)
	GetWalletsForMonitoring(ctx context.Context, userID int64) ([]Wallet, error)
	HasBeenAlerted(ctx context.Context, key AlertKey) (bool, error)
	MarkAsAlerted(ctx context.Context, key AlertKey, record AlertRecord) error
	ClearAlert(ctx context.Context, key AlertKey) error
	// ListAlerts returns the recorded keys of one wallet of a user.
	ListAlerts(ctx context.Context, userID int64, wallet string) ([]AlertKey, error)
}

// Notifier delivers out of range alerts.
type Notifier interface {
	NotifyOutOfRange(ctx context.Context, userID int64, walletDisplay string, position uniswap.Position, pool uniswap.PoolState) error
}

// PositionSource is the part of uniswap.Client the monitor reads from.
type PositionSource interface {
	GetPositions(ctx context.Context, req uniswap.PositionRequest) ([]uniswap.Position, error)
	GetPoolState(ctx context.Context, pool common.Address) (uniswap.PoolState, error)
}

// Config tunes the monitoring schedule.
type Config struct {
	Interval    time.Duration
	WalletPause time.Duration
}

// PassStats summarizes one monitoring pass.
type PassStats struct {
	Users      int
	Wallets    int
	Positions  int
	OutOfRange int
	Notified   int
	Recovered  int
	Pruned     int
	Failures   int
	Duration   time.Duration
}

type Monitor struct {
	source   PositionSource
	store    Store
	notifier Notifier
	cfg      Config
	logger   *zap.SugaredLogger

	// running guards a pass and the fields below
	running sync.Mutex
	pause   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	// first observation of breaches not yet notified
	breachSince map[AlertKey]time.Time
	// consecutive passes a recorded position was missing
	missing map[AlertKey]int
}

func New(source PositionSource, store Store, notifier Notifier, cfg Config, logger *zap.SugaredLogger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Monitor{
		source:   source,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		pause:    sleepContext,
		now:      time.Now,

		breachSince: make(map[AlertKey]time.Time),
		missing:     make(map[AlertKey]int),
	}
}

// Run performs a pass immediately and then one per interval until ctx ends.
// A tick that fires while a pass is still running is skipped.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Infow("Position monitor started", "interval", m.cfg.Interval, "walletPause", m.cfg.WalletPause)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warnw("Monitoring pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			m.logger.Infow("Position monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce checks every notification enabled wallet of every user. Failures
// for one user, wallet or position are logged and do not stop the pass.
func (m *Monitor) RunOnce(ctx context.Context) (PassStats, error) {
	if !m.running.TryLock() {
		return PassStats{}, ErrPassInProgress
	}
	defer m.running.Unlock()

	userIDs, err := m.store.GetAllUserIDs(ctx)
	if err != nil {
		return PassStats{}, fmt.Errorf("failed to list users: %w", err)
	}

	return m.pass(ctx, userIDs, "all")
}

// CheckUser runs a pass limited to the wallets of one user. It shares the
// pass lock with RunOnce.
func (m *Monitor) CheckUser(ctx context.Context, userID int64) (PassStats, error) {
	if !m.running.TryLock() {
		return PassStats{}, ErrPassInProgress
	}
	defer m.running.Unlock()

	return m.pass(ctx, []int64{userID}, "user")
}

func (m *Monitor) pass(ctx context.Context, userIDs []int64, scope string) (PassStats, error) {
	start := time.Now()
	var stats PassStats

	first := true
	for _, userID := range userIDs {
		wallets, err := m.store.GetWalletsForMonitoring(ctx, userID)
		if err != nil {
			m.logger.Warnw("Failed to load wallets", "userId", userID, "error", err)
			stats.Failures++
			continue
		}
		stats.Users++

		for _, wallet := range wallets {
			if !first && m.cfg.WalletPause > 0 {
				if err := m.pause(ctx, m.cfg.WalletPause); err != nil {
					return stats, err
				}
			}
			first = false

			if err := m.checkWallet(ctx, userID, wallet, &stats); err != nil {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				m.logger.Warnw("Failed to check wallet", "userId", userID, "wallet", wallet.Address, "error", err)
				stats.Failures++
			}
			stats.Wallets++
		}
	}

	stats.Duration = time.Since(start)
	m.logger.Infow("Monitoring pass finished",
		"scope", scope,
		"users", stats.Users,
		"wallets", stats.Wallets,
		"positions", stats.Positions,
		"outOfRange", stats.OutOfRange,
		"notified", stats.Notified,
		"recovered", stats.Recovered,
		"pruned", stats.Pruned,
		"failures", stats.Failures,
		"duration", stats.Duration)

	return stats, nil
}

func (m *Monitor) checkWallet(ctx context.Context, userID int64, wallet Wallet, stats *PassStats) error {
	if !common.IsHexAddress(wallet.Address) {
		return fmt.Errorf("invalid wallet address %q", wallet.Address)
	}

	positions, err := m.source.GetPositions(ctx, uniswap.PositionRequest{
		WalletAddress:   common.HexToAddress(wallet.Address),
		IncludePoolInfo: true,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch positions: %w", err)
	}

	held := make(map[string]bool, len(positions))
	for _, pos := range positions {
		held[pos.TokenID.String()] = true
		if pos.Pool == nil {
			continue
		}
		stats.Positions++

		pool, err := m.source.GetPoolState(ctx, *pos.Pool)
		if err != nil {
			m.logger.Warnw("Failed to get pool state", "positionId", pos.TokenID.String(), "pool", pos.Pool.Hex(), "error", err)
			stats.Failures++
			continue
		}

		if err := m.checkPosition(ctx, userID, wallet, pos, pool, stats); err != nil {
			m.logger.Warnw("Failed to process position", "userId", userID, "positionId", pos.TokenID.String(), "error", err)
			stats.Failures++
		}
	}

	if err := m.pruneAlerts(ctx, userID, wallet, held, stats); err != nil {
		m.logger.Warnw("Failed to prune alert records", "userId", userID, "wallet", wallet.Address, "error", err)
		stats.Failures++
	}

	return nil
}

// pruneAlerts drops records of positions the wallet no longer holds, once
// they have been missing for staleAfterPasses consecutive passes.
func (m *Monitor) pruneAlerts(ctx context.Context, userID int64, wallet Wallet, held map[string]bool, stats *PassStats) error {
	for key := range m.breachSince {
		if key.UserID == userID && key.Wallet == wallet.Address && !held[key.PositionID] {
			delete(m.breachSince, key)
		}
	}

	keys, err := m.store.ListAlerts(ctx, userID, wallet.Address)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if held[key.PositionID] {
			delete(m.missing, key)
			continue
		}

		m.missing[key]++
		if m.missing[key] < staleAfterPasses {
			continue
		}

		if err := m.store.ClearAlert(ctx, key); err != nil {
			return fmt.Errorf("failed to clear alert record: %w", err)
		}
		delete(m.missing, key)
		stats.Pruned++
		m.logger.Infow("Dropped alert record of a position no longer held", "userId", userID, "wallet", wallet.Address, "positionId", key.PositionID)
	}

	return nil
}

// checkPosition applies the alert state machine: the first out of range
// observation notifies and records, later ones stay silent, and returning
// into range clears the record.
func (m *Monitor) checkPosition(ctx context.Context, userID int64, wallet Wallet, pos uniswap.Position, pool uniswap.PoolState, stats *PassStats) error {
	key := AlertKey{
		UserID:     userID,
		Wallet:     wallet.Address,
		PositionID: pos.TokenID.String(),
		AlertType:  AlertTypeOutOfRange,
	}

	alerted, err := m.store.HasBeenAlerted(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read alert record: %w", err)
	}

	if uniswap.InRange(pos.TickLower, pos.TickUpper, pool.Tick) {
		delete(m.breachSince, key)
		if alerted {
			if err := m.store.ClearAlert(ctx, key); err != nil {
				return fmt.Errorf("failed to clear alert record: %w", err)
			}
			stats.Recovered++
			m.logger.Infow("Position back in range", "userId", userID, "positionId", key.PositionID, "tick", pool.Tick)
		}
		return nil
	}

	stats.OutOfRange++
	if alerted {
		return nil
	}

	since, ok := m.breachSince[key]
	if !ok {
		since = m.now()
		m.breachSince[key] = since
	}

	if err := m.notifier.NotifyOutOfRange(ctx, userID, wallet.DisplayName(), pos, pool); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	record := AlertRecord{AlertedAt: m.now(), OutOfRangeSince: since}
	if err := m.store.MarkAsAlerted(ctx, key, record); err != nil {
		return fmt.Errorf("failed to record alert: %w", err)
	}
	delete(m.breachSince, key)

	stats.Notified++
	m.logger.Infow("Out of range alert sent",
		"userId", userID,
		"positionId", key.PositionID,
		"tick", pool.Tick,
		"tickLower", pos.TickLower,
		"tickUpper", pos.TickUpper,
		"outOfRangeSince", since)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
