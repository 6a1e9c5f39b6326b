package main

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/korjavin/lpwatcher/monitor"
	"github.com/korjavin/lpwatcher/uniswap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHandlers(t *testing.T) *BotHandlers {
	t.Helper()
	return NewBotHandlers(context.Background(), nil, newTestDB(t), nil, nil, BotHandlersConfig{ChainID: 999, ChainName: "Hyperliquid EVM"}, zap.NewNop().Sugar())
}

func TestParseAddress(t *testing.T) {
	addr, err := parseAddress("0x52908400098527886e0f7030069857d2e4169ee7")
	require.NoError(t, err)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", addr)

	for _, raw := range []string{"", "52908400098527886e0f7030069857d2e4169ee7", "0x1234", "0xZZ908400098527886e0f7030069857d2e4169ee7"} {
		_, err := parseAddress(raw)
		assert.Error(t, err, raw)
	}
}

func TestFormatWalletList(t *testing.T) {
	wallets := []WalletRecord{
		{Address: addrA, Alias: "main", IsActive: true, NotificationsEnabled: true},
		{Address: addrB},
	}

	text := formatWalletList(wallets)
	assert.Contains(t, text, "1. main (0x1111...1111) (active)")
	assert.Contains(t, text, "2. 0x2222...2222, alerts off")

	kb := walletKeyboard(wallets)
	require.Len(t, kb.InlineKeyboard, 3)
	assert.Equal(t, "✅ main (0x1111...1111)", kb.InlineKeyboard[0][0].Text)
	assert.Equal(t, selectPrefix+addrA, kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, selectPrefix+addrB, kb.InlineKeyboard[1][0].CallbackData)
	assert.Equal(t, addWalletData, kb.InlineKeyboard[2][0].CallbackData)
	assert.Equal(t, deleteMenuData, kb.InlineKeyboard[2][1].CallbackData)

	for _, row := range kb.InlineKeyboard {
		for _, button := range row {
			assert.LessOrEqual(t, len(button.CallbackData), 64)
		}
	}
}

func TestDeleteKeyboard(t *testing.T) {
	kb := deleteKeyboard([]WalletRecord{{Address: addrA, Alias: "main"}, {Address: addrB}})

	require.Len(t, kb.InlineKeyboard, 3)
	assert.Equal(t, "🗑️ main (0x1111...1111)", kb.InlineKeyboard[0][0].Text)
	assert.Equal(t, confirmDeletePrefix+addrA, kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, confirmDeletePrefix+addrB, kb.InlineKeyboard[1][0].CallbackData)
	assert.Equal(t, cancelDeleteData, kb.InlineKeyboard[2][0].CallbackData)
	assert.LessOrEqual(t, len(kb.InlineKeyboard[0][0].CallbackData), 64)
}

func TestMainKeyboardButtons(t *testing.T) {
	kb := mainKeyboard()
	require.Len(t, kb.Keyboard, 2)
	assert.True(t, kb.ResizeKeyboard)

	for _, row := range kb.Keyboard {
		for _, button := range row {
			assert.True(t, isMenuButton(button.Text), button.Text)
			assert.False(t, isPlainText(&gotgbot.Message{Text: button.Text}), button.Text)
		}
	}
	assert.False(t, isMenuButton("hello"))
}

func TestIsPlainText(t *testing.T) {
	assert.True(t, isPlainText(&gotgbot.Message{Text: "0x1111111111111111111111111111111111111111"}))
	assert.True(t, isPlainText(&gotgbot.Message{Text: "Main Wallet"}))
	assert.False(t, isPlainText(&gotgbot.Message{}))
	assert.False(t, isPlainText(&gotgbot.Message{
		Text:     "/skip",
		Entities: []gotgbot.MessageEntity{{Type: "bot_command", Offset: 0, Length: 5}},
	}))
}

func TestAddWalletReplies(t *testing.T) {
	h := newTestHandlers(t)

	text, added := h.addWallet(1, addrA, "main")
	assert.True(t, added)
	assert.Contains(t, text, "main (0x1111...1111) added successfully")

	text, added = h.addWallet(1, addrA, "")
	assert.False(t, added)
	assert.Equal(t, "❌ This wallet is already registered!", text)
}

func TestRemoveWalletKeepsLastWallet(t *testing.T) {
	h := newTestHandlers(t)
	require.NoError(t, h.db.AddWallet(1, addrA, ""))

	assert.Equal(t, "❌ You must keep at least one wallet!", h.removeWallet(1, addrA))
	assert.Equal(t, "This wallet is not in your list.", h.removeWallet(1, addrB))

	require.NoError(t, h.db.AddWallet(1, addrB, ""))
	assert.Contains(t, h.removeWallet(1, addrA), "deleted successfully")

	wallets, err := h.db.GetWallets(1)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, addrB, wallets[0].Address)
	assert.True(t, wallets[0].IsActive)
}

func TestPendingAddress(t *testing.T) {
	h := newTestHandlers(t)

	_, ok := h.takePending(1)
	assert.False(t, ok)

	h.setPending(1, addrA)
	h.setPending(2, addrB)
	address, ok := h.takePending(1)
	assert.True(t, ok)
	assert.Equal(t, addrA, address)

	_, ok = h.takePending(1)
	assert.False(t, ok, "an address is used once")
	address, _ = h.takePending(2)
	assert.Equal(t, addrB, address)
}

func valuedReport(id int64, inRange bool) uniswap.PositionReport {
	side := uniswap.Inside
	if !inRange {
		side = uniswap.Above
	}
	return uniswap.PositionReport{
		Position:  uniswap.Position{TokenID: big.NewInt(id)},
		Valuation: &uniswap.Valuation{Side: side, InRange: inRange},
	}
}

func TestPartitionReports(t *testing.T) {
	failed := uniswap.PositionReport{Position: uniswap.Position{TokenID: big.NewInt(3)}, Err: errors.New("rate limit exceeded")}
	noPool := uniswap.PositionReport{Position: uniswap.Position{TokenID: big.NewInt(4)}}

	rb := partitionReports([]uniswap.PositionReport{valuedReport(1, true), valuedReport(2, false), failed, noPool})
	assert.Equal(t, 1, rb.InRange)
	assert.Equal(t, 2, rb.Unknown)
	require.Len(t, rb.OutOfRange, 1)
	assert.Equal(t, "2", rb.OutOfRange[0].Position.TokenID.String())
}

func TestRangeHeadline(t *testing.T) {
	failed := uniswap.PositionReport{Position: uniswap.Position{TokenID: big.NewInt(3)}, Err: errors.New("rate limit exceeded")}

	tests := []struct {
		name    string
		reports []uniswap.PositionReport
		want    string
	}{
		{"all in range", []uniswap.PositionReport{valuedReport(1, true)}, "✅ All positions are IN RANGE! 🎉"},
		{"nothing checked", []uniswap.PositionReport{failed, failed}, "⚠️ None of your 2 position(s) could be checked. Please try again later."},
		{"partly checked", []uniswap.PositionReport{valuedReport(1, true), failed}, "✅ 1 position(s) in range.\n⚠️ 1 position(s) could not be checked."},
		{"out of range", []uniswap.PositionReport{valuedReport(1, false), failed}, "🚨 ALERT: 1 position(s) OUT OF RANGE\n⚠️ 1 position(s) could not be checked."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, partitionReports(tt.reports).headline())
		})
	}
}

func TestCheckResultMessage(t *testing.T) {
	assert.Equal(t, "A check is already running, alerts will arrive shortly.", checkResultMessage(monitor.PassStats{}, monitor.ErrPassInProgress))
	assert.Contains(t, checkResultMessage(monitor.PassStats{Wallets: 2}, context.DeadlineExceeded), "timed out after 2 wallet(s)")
	assert.Contains(t, checkResultMessage(monitor.PassStats{}, nil), "no wallets with range alerts on")
	assert.Equal(t,
		"Check finished: 1 wallet(s), 3 position(s), 1 out of range, 1 new alert(s).\n⚠️ 1 item(s) could not be checked.",
		checkResultMessage(monitor.PassStats{Wallets: 1, Positions: 3, OutOfRange: 1, Notified: 1, Failures: 1}, nil))
}

func TestNewBotHandlersDefaultsCheckTimeout(t *testing.T) {
	h := newTestHandlers(t)
	assert.Equal(t, fetchTimeout, h.cfg.CheckTimeout)
}
