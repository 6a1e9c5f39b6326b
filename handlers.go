package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/ethereum/go-ethereum/common"
	"github.com/korjavin/lpwatcher/monitor"
	"github.com/korjavin/lpwatcher/uniswap"
	"go.uber.org/zap"
)

const (
	selectPrefix        = "select_"
	confirmDeletePrefix = "confirm_delete_"
	addWalletData       = "add_wallet"
	deleteMenuData      = "delete_wallet"
	cancelDeleteData    = "cancel_delete"

	// conversation states of the add wallet flow
	stateAddress = "address"
	stateAlias   = "alias"

	menuPositions = "📊 My Positions"
	menuRefresh   = "🔄 Refresh"
	menuAlerts    = "⚠️ Alerts"
	menuWallets   = "💼 My Wallets"

	fetchTimeout = 2 * time.Minute
)

// BotHandlersConfig carries the settings the handlers show or obey.
type BotHandlersConfig struct {
	ChainID   uint64
	ChainName string
	// CheckTimeout bounds an on-demand /check of the caller's wallets
	CheckTimeout time.Duration
}

type BotHandlers struct {
	// ctx is cancelled on shutdown, every fetch derives from it
	ctx           context.Context
	bot           *gotgbot.Bot
	db            *Database
	uniswapClient uniswap.Client
	monitor       *monitor.Monitor
	cfg           BotHandlersConfig
	logger        *zap.SugaredLogger

	// addresses waiting for an alias, by user
	pendingMu sync.Mutex
	pending   map[int64]string
}

func NewBotHandlers(ctx context.Context, bot *gotgbot.Bot, db *Database, uniswapClient uniswap.Client, mon *monitor.Monitor, cfg BotHandlersConfig, logger *zap.SugaredLogger) *BotHandlers {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = fetchTimeout
	}
	return &BotHandlers{
		ctx:           ctx,
		bot:           bot,
		db:            db,
		uniswapClient: uniswapClient,
		monitor:       mon,
		cfg:           cfg,
		logger:        logger,
		pending:       make(map[int64]string),
	}
}

func (h *BotHandlers) RegisterHandlers(dispatcher *ext.Dispatcher) {
	dispatcher.AddHandler(handlers.NewConversation(
		[]ext.Handler{
			handlers.NewCommand("start", h.handleStart),
			handlers.NewCommand("add", h.handleAdd),
			handlers.NewCallback(callbackquery.Equal(addWalletData), h.handleAddCallback),
		},
		map[string][]ext.Handler{
			stateAddress: {
				handlers.NewMessage(isPlainText, h.receiveAddress),
			},
			stateAlias: {
				handlers.NewMessage(isPlainText, h.receiveAlias),
				handlers.NewCommand("skip", h.skipAlias),
			},
		},
		&handlers.ConversationOpts{
			Exits:        []ext.Handler{handlers.NewCommand("cancel", h.handleCancel)},
			AllowReEntry: true,
		},
	))

	dispatcher.AddHandler(handlers.NewCommand("help", h.handleHelp))
	dispatcher.AddHandler(handlers.NewCommand("add_wallet", h.handleAddWallet))
	dispatcher.AddHandler(handlers.NewCommand("remove_wallet", h.handleRemoveWallet))
	dispatcher.AddHandler(handlers.NewCommand("wallets", h.handleListWallets))
	dispatcher.AddHandler(handlers.NewCommand("select", h.handleSelect))
	dispatcher.AddHandler(handlers.NewCommand("alias", h.handleAlias))
	dispatcher.AddHandler(handlers.NewCommand("positions", h.handlePositions))
	dispatcher.AddHandler(handlers.NewCommand("alerts", h.handleAlerts))
	dispatcher.AddHandler(handlers.NewCommand("notify", h.handleNotify))
	dispatcher.AddHandler(handlers.NewCommand("check", h.handleCheck))
	dispatcher.AddHandler(handlers.NewMessage(isMenuMessage, h.handleMenu))
	dispatcher.AddHandler(handlers.NewCallback(callbackquery.Prefix(selectPrefix), h.handleSelectCallback))
	dispatcher.AddHandler(handlers.NewCallback(callbackquery.Equal(deleteMenuData), h.handleDeleteMenu))
	dispatcher.AddHandler(handlers.NewCallback(callbackquery.Prefix(confirmDeletePrefix), h.handleConfirmDelete))
	dispatcher.AddHandler(handlers.NewCallback(callbackquery.Equal(cancelDeleteData), h.handleCancelDelete))
}

func (h *BotHandlers) reply(b *gotgbot.Bot, ctx *ext.Context, text string) error {
	_, err := ctx.EffectiveMessage.Reply(b, text, &gotgbot.SendMessageOpts{})
	return err
}

func (h *BotHandlers) replyWithMenu(b *gotgbot.Bot, ctx *ext.Context, text string) error {
	_, err := ctx.EffectiveMessage.Reply(b, text, &gotgbot.SendMessageOpts{ReplyMarkup: mainKeyboard()})
	return err
}

func mainKeyboard() gotgbot.ReplyKeyboardMarkup {
	return gotgbot.ReplyKeyboardMarkup{
		Keyboard: [][]gotgbot.KeyboardButton{
			{{Text: menuPositions}, {Text: menuRefresh}},
			{{Text: menuAlerts}, {Text: menuWallets}},
		},
		IsPersistent:   true,
		ResizeKeyboard: true,
	}
}

func isMenuButton(text string) bool {
	switch text {
	case menuPositions, menuRefresh, menuAlerts, menuWallets:
		return true
	}
	return false
}

func isMenuMessage(msg *gotgbot.Message) bool {
	return isMenuButton(msg.Text)
}

// isPlainText matches free text typed by the user, not commands or menu presses.
func isPlainText(msg *gotgbot.Message) bool {
	return message.Text(msg) && !message.Command(msg) && !isMenuButton(msg.Text)
}

func (h *BotHandlers) handleMenu(b *gotgbot.Bot, ctx *ext.Context) error {
	h.logger.Infow("Received menu button", "user_id", ctx.EffectiveUser.Id, "button", ctx.EffectiveMessage.Text)

	switch ctx.EffectiveMessage.Text {
	case menuPositions, menuRefresh:
		return h.handlePositions(b, ctx)
	case menuAlerts:
		return h.handleAlerts(b, ctx)
	case menuWallets:
		return h.handleListWallets(b, ctx)
	}
	return nil
}

func (h *BotHandlers) handleStart(b *gotgbot.Bot, ctx *ext.Context) error {
	userID := ctx.EffectiveUser.Id
	h.logger.Infow("Received start command", "user_id", userID)

	if err := h.db.AddUser(userID); err != nil {
		h.logger.Errorw("Failed to register user", "user_id", userID, "error", err)
	}

	wallet, err := h.db.GetActiveWallet(userID)
	switch {
	case err == nil:
		msg := fmt.Sprintf("👋 Welcome back!\n\n📍 Active wallet:\n%s\n%s\n\nUse /wallets to manage your wallets or /help for all commands.",
			wallet.DisplayName(), wallet.Address)
		if err := h.replyWithMenu(b, ctx, msg); err != nil {
			return err
		}
		return handlers.EndConversation()
	case !errors.Is(err, ErrNoActiveWallet):
		h.logger.Errorw("Failed to get active wallet", "user_id", userID, "error", err)
		if err := h.reply(b, ctx, "Failed to retrieve wallets. Please try again later."); err != nil {
			return err
		}
		return handlers.EndConversation()
	}

	msg := fmt.Sprintf(`🤖 Welcome to the liquidity position tracker!

🔗 Chain: %s (ID: %d)

You will get a message when one of your positions leaves its price range.

To get started, send me a wallet address.
📝 Format: 0x...

Send /cancel to stop.`, h.cfg.ChainName, h.cfg.ChainID)
	if err := h.reply(b, ctx, msg); err != nil {
		return err
	}
	return handlers.NextConversationState(stateAddress)
}

func (h *BotHandlers) handleHelp(b *gotgbot.Bot, ctx *ext.Context) error {
	h.logger.Infow("Received help command", "user_id", ctx.EffectiveUser.Id)

	msg := `Available commands:
/start - Start tracking or show the active wallet
/add - Add a wallet step by step
/add_wallet <address> [alias] - Add wallet to track
/remove_wallet <address> - Remove wallet
/wallets - Show tracked wallets and pick the active one
/select <address> - Make a wallet active
/alias <address> <alias> - Rename a wallet
/positions - Show positions of the active wallet
/alerts - Show out of range positions of the active wallet
/notify on|off - Turn range alerts on or off
/check - Check your wallets now
/cancel - Stop adding a wallet`

	return h.replyWithMenu(b, ctx, msg)
}

const addressPrompt = "Send me the wallet address you want to add.\n\n📝 Format: 0x...\n\nSend /cancel to stop."

func (h *BotHandlers) handleAdd(b *gotgbot.Bot, ctx *ext.Context) error {
	h.logger.Infow("Received add command", "user_id", ctx.EffectiveUser.Id)

	if err := h.reply(b, ctx, addressPrompt); err != nil {
		return err
	}
	return handlers.NextConversationState(stateAddress)
}

func (h *BotHandlers) handleAddCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	h.logger.Infow("Received add wallet callback", "user_id", ctx.EffectiveUser.Id)

	if _, err := ctx.CallbackQuery.Answer(b, &gotgbot.AnswerCallbackQueryOpts{}); err != nil {
		return err
	}
	if _, err := b.SendMessage(ctx.EffectiveUser.Id, addressPrompt, &gotgbot.SendMessageOpts{}); err != nil {
		return err
	}
	return handlers.NextConversationState(stateAddress)
}

func (h *BotHandlers) receiveAddress(b *gotgbot.Bot, ctx *ext.Context) error {
	raw := strings.TrimSpace(ctx.EffectiveMessage.Text)

	address, err := parseAddress(raw)
	if err != nil {
		h.logger.Debugw("Rejected wallet address", "address", raw, "reason", err)
		// stay in the address state
		return h.reply(b, ctx, "❌ "+err.Error())
	}

	h.setPending(ctx.EffectiveUser.Id, address)

	msg := "✅ Address validated!\n\nSend an alias for this wallet (e.g. 'Main Wallet') or /skip to continue without one."
	if err := h.reply(b, ctx, msg); err != nil {
		return err
	}
	return handlers.NextConversationState(stateAlias)
}

func (h *BotHandlers) receiveAlias(b *gotgbot.Bot, ctx *ext.Context) error {
	return h.finishAdd(b, ctx, strings.TrimSpace(ctx.EffectiveMessage.Text))
}

func (h *BotHandlers) skipAlias(b *gotgbot.Bot, ctx *ext.Context) error {
	return h.finishAdd(b, ctx, "")
}

func (h *BotHandlers) finishAdd(b *gotgbot.Bot, ctx *ext.Context, alias string) error {
	userID := ctx.EffectiveUser.Id

	address, ok := h.takePending(userID)
	if !ok {
		if err := h.reply(b, ctx, addressPrompt); err != nil {
			return err
		}
		return handlers.NextConversationState(stateAddress)
	}

	text, added := h.addWallet(userID, address, alias)
	var err error
	if added {
		err = h.replyWithMenu(b, ctx, text)
	} else {
		err = h.reply(b, ctx, text)
	}
	if err != nil {
		return err
	}
	return handlers.EndConversation()
}

func (h *BotHandlers) handleCancel(b *gotgbot.Bot, ctx *ext.Context) error {
	h.takePending(ctx.EffectiveUser.Id)
	return h.reply(b, ctx, "❌ Operation cancelled.")
}

func (h *BotHandlers) setPending(userID int64, address string) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	h.pending[userID] = address
}

func (h *BotHandlers) takePending(userID int64) (string, bool) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	address, ok := h.pending[userID]
	delete(h.pending, userID)
	return address, ok
}

// parseAddress validates a user supplied address and returns its checksummed form.
func parseAddress(raw string) (string, error) {
	if len(raw) < 2 || (raw[:2] != "0x" && raw[:2] != "0X") {
		return "", errors.New("Address must start with '0x'. Please provide a valid address.")
	}
	if len(raw) != 42 {
		return "", errors.New("Address must be 42 characters long (including '0x' prefix). Please provide a valid address.")
	}
	if !common.IsHexAddress(raw) {
		return "", errors.New("Invalid address format. Please provide a valid address.")
	}
	return common.HexToAddress(raw).Hex(), nil
}

func (h *BotHandlers) handleAddWallet(b *gotgbot.Bot, ctx *ext.Context) error {
	h.logger.Infow("Received add_wallet command", "user_id", ctx.EffectiveUser.Id)

	// args[0] is the command itself
	args := ctx.Args()
	if len(args) < 2 {
		return h.reply(b, ctx, "Please provide a wallet address: /add_wallet <address> [alias]\nOr use /add to be asked step by step.")
	}

	address, err := parseAddress(args[1])
	if err != nil {
		h.logger.Debugw("Rejected wallet address", "address", args[1], "reason", err)
		return h.reply(b, ctx, err.Error())
	}
	alias := strings.TrimSpace(strings.Join(args[2:], " "))

	text, added := h.addWallet(ctx.EffectiveUser.Id, address, alias)
	if added {
		return h.replyWithMenu(b, ctx, text)
	}
	return h.reply(b, ctx, text)
}

// addWallet stores a wallet and returns the answer for the user.
func (h *BotHandlers) addWallet(userID int64, address, alias string) (string, bool) {
	err := h.db.AddWallet(userID, address, alias)
	if errors.Is(err, ErrWalletExists) {
		return "❌ This wallet is already registered!", false
	}
	if err != nil {
		h.logger.Errorw("Failed to add wallet", "user_id", userID, "error", err)
		return "Failed to add wallet. Please try again later.", false
	}

	h.logger.Infow("Wallet added", "user_id", userID, "address", address)
	name := monitor.Wallet{Address: address, Alias: alias}.DisplayName()
	return fmt.Sprintf("✅ Wallet %s added successfully!\n\n📍 Address: %s\n\nUse the buttons below to interact.", name, address), true
}

func (h *BotHandlers) handleRemoveWallet(b *gotgbot.Bot, ctx *ext.Context) error {
	h.logger.Infow("Received remove_wallet command", "user_id", ctx.EffectiveUser.Id)

	args := ctx.Args()
	if len(args) < 2 {
		return h.reply(b, ctx, "Please provide a wallet address: /remove_wallet <address>")
	}

	address, err := parseAddress(args[1])
	if err != nil {
		return h.reply(b, ctx, err.Error())
	}

	return h.reply(b, ctx, h.removeWallet(ctx.EffectiveUser.Id, address))
}

// removeWallet deletes a wallet unless it is the user's last one.
func (h *BotHandlers) removeWallet(userID int64, address string) string {
	wallets, err := h.db.GetWallets(userID)
	if err != nil {
		h.logger.Errorw("Failed to get wallets", "error", err)
		return "Failed to remove wallet. Please try again later."
	}

	address = normalizeAddress(address)
	found := false
	for _, w := range wallets {
		if w.Address == address {
			found = true
			break
		}
	}
	if !found {
		return "This wallet is not in your list."
	}
	if len(wallets) <= 1 {
		return "❌ You must keep at least one wallet!"
	}

	err = h.db.RemoveWallet(userID, address)
	if errors.Is(err, ErrWalletNotFound) {
		return "This wallet is not in your list."
	}
	if err != nil {
		h.logger.Errorw("Failed to remove wallet", "error", err)
		return "Failed to remove wallet. Please try again later."
	}
	return fmt.Sprintf("✅ Wallet %s deleted successfully!", monitor.ShortAddress(address))
}

func (h *BotHandlers) handleListWallets(b *gotgbot.Bot, ctx *ext.Context) error {
	h.logger.Infow("Received wallets command", "user_id", ctx.EffectiveUser.Id)

	wallets, err := h.db.GetWallets(ctx.EffectiveUser.Id)
	if err != nil {
		h.logger.Errorw("Failed to get wallets", "error", err)
		return h.reply(b, ctx, "Failed to retrieve wallets. Please try again later.")
	}

	if len(wallets) == 0 {
		return h.reply(b, ctx, "You don't have any wallets added yet. Use /add to add one.")
	}

	_, err = ctx.EffectiveMessage.Reply(b, formatWalletList(wallets), &gotgbot.SendMessageOpts{
		ReplyMarkup: walletKeyboard(wallets),
	})
	return err
}

func formatWalletList(wallets []WalletRecord) string {
	var sb strings.Builder
	sb.WriteString("💼 Your tracked wallets:\n\n")
	for i, w := range wallets {
		marker := ""
		if w.IsActive {
			marker = " (active)"
		}
		alerts := ""
		if !w.NotificationsEnabled {
			alerts = ", alerts off"
		}
		fmt.Fprintf(&sb, "%d. %s%s%s\n   %s\n", i+1, w.DisplayName(), marker, alerts, w.Address)
	}
	sb.WriteString("\nTap a wallet to make it active.")
	return sb.String()
}

func walletKeyboard(wallets []WalletRecord) gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(wallets)+1)
	for _, w := range wallets {
		label := w.DisplayName()
		if w.IsActive {
			label = "✅ " + label
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{
			{Text: label, CallbackData: selectPrefix + w.Address},
		})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{
		{Text: "➕ Add Wallet", CallbackData: addWalletData},
		{Text: "🗑️ Delete", CallbackData: deleteMenuData},
	})
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// deleteKeyboard asks which wallet to delete.
func deleteKeyboard(wallets []WalletRecord) gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(wallets)+1)
	for _, w := range wallets {
		rows = append(rows, []gotgbot.InlineKeyboardButton{
			{Text: "🗑️ " + w.DisplayName(), CallbackData: confirmDeletePrefix + w.Address},
		})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{
		{Text: "❌ Cancel", CallbackData: cancelDeleteData},
	})
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// editCallbackMessage replaces the message holding the pressed button, or
// sends a new one when that message is gone.
func (h *BotHandlers) editCallbackMessage(b *gotgbot.Bot, cb *gotgbot.CallbackQuery, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if cb.Message == nil {
		opts := &gotgbot.SendMessageOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, err := b.SendMessage(cb.From.Id, text, opts)
		return err
	}

	opts := &gotgbot.EditMessageTextOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, _, err := cb.Message.EditText(b, text, opts)
	return err
}

func (h *BotHandlers) handleSelectCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	cb := ctx.CallbackQuery
	address := strings.TrimPrefix(cb.Data, selectPrefix)
	h.logger.Infow("Received select callback", "user_id", ctx.EffectiveUser.Id, "address", address)

	text := h.selectWallet(ctx.EffectiveUser.Id, address)
	if _, err := cb.Answer(b, &gotgbot.AnswerCallbackQueryOpts{Text: text}); err != nil {
		return err
	}
	return h.editCallbackMessage(b, cb, text, nil)
}

func (h *BotHandlers) handleDeleteMenu(b *gotgbot.Bot, ctx *ext.Context) error {
	cb := ctx.CallbackQuery
	h.logger.Infow("Received delete menu callback", "user_id", ctx.EffectiveUser.Id)

	if _, err := cb.Answer(b, &gotgbot.AnswerCallbackQueryOpts{}); err != nil {
		return err
	}

	wallets, err := h.db.GetWallets(ctx.EffectiveUser.Id)
	if err != nil {
		h.logger.Errorw("Failed to get wallets", "error", err)
		_, err = b.SendMessage(ctx.EffectiveUser.Id, "Failed to retrieve wallets. Please try again later.", &gotgbot.SendMessageOpts{})
		return err
	}
	if len(wallets) <= 1 {
		_, err = b.SendMessage(ctx.EffectiveUser.Id, "❌ You must keep at least one wallet!", &gotgbot.SendMessageOpts{})
		return err
	}

	kb := deleteKeyboard(wallets)
	return h.editCallbackMessage(b, cb, "Select a wallet to delete:", &kb)
}

func (h *BotHandlers) handleConfirmDelete(b *gotgbot.Bot, ctx *ext.Context) error {
	cb := ctx.CallbackQuery
	address := strings.TrimPrefix(cb.Data, confirmDeletePrefix)
	h.logger.Infow("Received delete callback", "user_id", ctx.EffectiveUser.Id, "address", address)

	text := h.removeWallet(ctx.EffectiveUser.Id, address)
	if _, err := cb.Answer(b, &gotgbot.AnswerCallbackQueryOpts{Text: text}); err != nil {
		return err
	}
	return h.editCallbackMessage(b, cb, text, nil)
}

func (h *BotHandlers) handleCancelDelete(b *gotgbot.Bot, ctx *ext.Context) error {
	cb := ctx.CallbackQuery
	if _, err := cb.Answer(b, &gotgbot.AnswerCallbackQueryOpts{}); err != nil {
		return err
	}
	return h.editCallbackMessage(b, cb, "❌ Deletion cancelled.", nil)
}

func (h *BotHandlers) handleSelect(b *gotgbot.Bot, ctx *ext.Context) error {
	h.logger.Infow("Received select command", "user_id", ctx.EffectiveUser.Id)

	args := ctx.Args()
	if len(args) < 2 {
		return h.reply(b, ctx, "Please provide a wallet address: /select <address>")
	}
	address, err := parseAddress(args[1])
	if err != nil {
		return h.reply(b, ctx, err.Error())
	}

	return h.reply(b, ctx, h.selectWallet(ctx.EffectiveUser.Id, address))
}

func (h *BotHandlers) selectWallet(userID int64, address string) string {
	err := h.db.SetActiveWallet(userID, address)
	if errors.Is(err, ErrWalletNotFound) {
		return "This wallet is not in your list."
	}
	if err != nil {
		h.logger.Errorw("Failed to select wallet", "error", err)
		return "Failed to select wallet. Please try again later."
	}
	return fmt.Sprintf("✅ Active wallet changed to: %s", monitor.ShortAddress(address))
}

func (h *BotHandlers) handleAlias(b *gotgbot.Bot, ctx *ext.Context) error {
	h.logger.Infow("Received alias command", "user_id", ctx.EffectiveUser.Id)

	args := ctx.Args()
	if len(args) < 3 {
		return h.reply(b, ctx, "Usage: /alias <address> <alias>")
	}
	address, err := parseAddress(args[1])
	if err != nil {
		return h.reply(b, ctx, err.Error())
	}
	alias := strings.TrimSpace(strings.Join(args[2:], " "))

	err = h.db.UpdateAlias(ctx.EffectiveUser.Id, address, alias)
	if errors.Is(err, ErrWalletNotFound) {
		return h.reply(b, ctx, "This wallet is not in your list.")
	}
	if err != nil {
		h.logger.Errorw("Failed to update alias", "error", err)
		return h.reply(b, ctx, "Failed to update alias. Please try again later.")
	}

	name := monitor.Wallet{Address: address, Alias: alias}.DisplayName()
	return h.reply(b, ctx, fmt.Sprintf("Wallet renamed to %s.", name))
}

func (h *BotHandlers) handleNotify(b *gotgbot.Bot, ctx *ext.Context) error {
	h.logger.Infow("Received notify command", "user_id", ctx.EffectiveUser.Id)

	args := ctx.Args()
	if len(args) < 2 || (args[1] != "on" && args[1] != "off") {
		return h.reply(b, ctx, "Usage: /notify on|off")
	}
	enabled := args[1] == "on"

	n, err := h.db.SetNotifications(ctx.EffectiveUser.Id, enabled)
	if err != nil {
		h.logger.Errorw("Failed to update notifications", "error", err)
		return h.reply(b, ctx, "Failed to update notifications. Please try again later.")
	}
	if n == 0 {
		return h.reply(b, ctx, "You don't have any wallets added yet. Use /add to add one.")
	}

	return h.reply(b, ctx, fmt.Sprintf("Range alerts turned %s for %d wallet(s).", args[1], n))
}

// activeWalletReports fetches reports for the active wallet behind a status
// message. A nil message means the user has already been answered.
func (h *BotHandlers) activeWalletReports(b *gotgbot.Bot, ctx *ext.Context, status string) ([]uniswap.PositionReport, WalletRecord, *gotgbot.Message, error) {
	wallet, err := h.db.GetActiveWallet(ctx.EffectiveUser.Id)
	if errors.Is(err, ErrNoActiveWallet) {
		return nil, wallet, nil, h.reply(b, ctx, "❌ No active wallet configured. Use /start to add one.")
	}
	if err != nil {
		h.logger.Errorw("Failed to get active wallet", "error", err)
		return nil, wallet, nil, h.reply(b, ctx, "Failed to retrieve wallets. Please try again later.")
	}

	statusMsg, err := ctx.EffectiveMessage.Reply(b, status, &gotgbot.SendMessageOpts{})
	if err != nil {
		return nil, wallet, nil, err
	}

	fetchCtx, cancel := context.WithTimeout(h.ctx, fetchTimeout)
	defer cancel()

	reports, err := h.uniswapClient.GetPositionReports(fetchCtx, common.HexToAddress(wallet.Address))
	if err != nil {
		h.logger.Errorw("Failed to fetch positions", "wallet", wallet.Address, "error", err)
		_, _, err = statusMsg.EditText(b, "Failed to fetch positions. Please try again later.", &gotgbot.EditMessageTextOpts{})
		return nil, wallet, nil, err
	}

	return reports, wallet, statusMsg, nil
}

func (h *BotHandlers) handlePositions(b *gotgbot.Bot, ctx *ext.Context) error {
	h.logger.Infow("Received positions command", "user_id", ctx.EffectiveUser.Id)

	reports, wallet, statusMsg, err := h.activeWalletReports(b, ctx, "⏳ Fetching positions... This may take a moment.")
	if err != nil || statusMsg == nil {
		return err
	}

	if len(reports) == 0 {
		_, _, err = statusMsg.EditText(b, fmt.Sprintf("No active positions found for %s.", wallet.DisplayName()), &gotgbot.EditMessageTextOpts{})
		return err
	}

	_, _, err = statusMsg.EditText(b, fmt.Sprintf("%d active position(s) found for %s.", len(reports), wallet.DisplayName()), &gotgbot.EditMessageTextOpts{})
	if err != nil {
		h.logger.Warnw("Failed to update status message", "error", err)
	}

	for _, report := range reports {
		msg := formatPositionMessage(uniswap.FormatPositionSummary(report), false)
		if _, err := b.SendMessage(ctx.EffectiveChat.Id, msg, &gotgbot.SendMessageOpts{}); err != nil {
			return err
		}
	}
	return nil
}

// rangeBreakdown splits reports by range verdict. Reports without a
// valuation are counted as unknown, never as in range.
type rangeBreakdown struct {
	OutOfRange []uniswap.PositionReport
	InRange    int
	Unknown    int
}

func partitionReports(reports []uniswap.PositionReport) rangeBreakdown {
	var rb rangeBreakdown
	for _, report := range reports {
		switch {
		case report.Err != nil || report.Valuation == nil:
			rb.Unknown++
		case report.Valuation.InRange:
			rb.InRange++
		default:
			rb.OutOfRange = append(rb.OutOfRange, report)
		}
	}
	return rb
}

// headline is the status line shown by /alerts.
func (rb rangeBreakdown) headline() string {
	var msg string
	switch {
	case len(rb.OutOfRange) > 0:
		msg = fmt.Sprintf("🚨 ALERT: %d position(s) OUT OF RANGE", len(rb.OutOfRange))
	case rb.Unknown == 0:
		return "✅ All positions are IN RANGE! 🎉"
	case rb.InRange == 0:
		return fmt.Sprintf("⚠️ None of your %d position(s) could be checked. Please try again later.", rb.Unknown)
	default:
		msg = fmt.Sprintf("✅ %d position(s) in range.", rb.InRange)
	}

	if rb.Unknown > 0 {
		msg += fmt.Sprintf("\n⚠️ %d position(s) could not be checked.", rb.Unknown)
	}
	return msg
}

func (h *BotHandlers) handleAlerts(b *gotgbot.Bot, ctx *ext.Context) error {
	h.logger.Infow("Received alerts command", "user_id", ctx.EffectiveUser.Id)

	reports, wallet, statusMsg, err := h.activeWalletReports(b, ctx, "⏳ Checking positions...")
	if err != nil || statusMsg == nil {
		return err
	}

	if len(reports) == 0 {
		_, _, err = statusMsg.EditText(b, fmt.Sprintf("No active positions found for %s.", wallet.DisplayName()), &gotgbot.EditMessageTextOpts{})
		return err
	}

	rb := partitionReports(reports)
	_, _, err = statusMsg.EditText(b, rb.headline(), &gotgbot.EditMessageTextOpts{})
	if err != nil {
		h.logger.Warnw("Failed to update status message", "error", err)
	}

	for _, report := range rb.OutOfRange {
		msg := formatPositionMessage(uniswap.FormatPositionSummary(report), true)
		if _, err := b.SendMessage(ctx.EffectiveChat.Id, msg, &gotgbot.SendMessageOpts{}); err != nil {
			return err
		}
	}
	return nil
}

func (h *BotHandlers) handleCheck(b *gotgbot.Bot, ctx *ext.Context) error {
	userID := ctx.EffectiveUser.Id
	h.logger.Infow("Received check command", "user_id", userID)

	if h.monitor == nil {
		return h.reply(b, ctx, "Monitoring is not available.")
	}

	statusMsg, err := ctx.EffectiveMessage.Reply(b, "⏳ Checking your wallets...", &gotgbot.SendMessageOpts{})
	if err != nil {
		return err
	}

	checkCtx, cancel := context.WithTimeout(h.ctx, h.cfg.CheckTimeout)
	defer cancel()

	stats, err := h.monitor.CheckUser(checkCtx, userID)
	_, _, err = statusMsg.EditText(b, checkResultMessage(stats, err), &gotgbot.EditMessageTextOpts{})
	return err
}

func checkResultMessage(stats monitor.PassStats, err error) string {
	switch {
	case errors.Is(err, monitor.ErrPassInProgress):
		return "A check is already running, alerts will arrive shortly."
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("Check timed out after %d wallet(s). Please try again later.", stats.Wallets)
	case err != nil:
		return "Check failed. Please try again later."
	case stats.Wallets == 0:
		return "You have no wallets with range alerts on. Use /notify on to enable them."
	}

	msg := fmt.Sprintf("Check finished: %d wallet(s), %d position(s), %d out of range, %d new alert(s).",
		stats.Wallets, stats.Positions, stats.OutOfRange, stats.Notified)
	if stats.Failures > 0 {
		msg += fmt.Sprintf("\n⚠️ %d item(s) could not be checked.", stats.Failures)
	}
	return msg
}

// formatPositionMessage renders a position for chat.
func formatPositionMessage(s uniswap.PositionSummary, alert bool) string {
	var sb strings.Builder

	if alert {
		fmt.Fprintf(&sb, "🚨 Position #%s - OUT OF RANGE\n", s.ID)
	} else {
		fmt.Fprintf(&sb, "💼 Position #%s\n", s.ID)
	}
	sb.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&sb, "📌 Pair: %s\n", s.TokenPair)
	fmt.Fprintf(&sb, "💰 Fee: %s\n\n", s.FeeTier)

	sb.WriteString("📊 Liquidity Range:\n")
	fmt.Fprintf(&sb, "  Ticks: %s\n", s.TickRange)
	fmt.Fprintf(&sb, "  Prices: %s\n\n", s.PriceRange)

	if s.CurrentPrice != "" {
		sb.WriteString("🎯 Current State:\n")
		fmt.Fprintf(&sb, "  Price: %s\n", s.CurrentPrice)
	}
	fmt.Fprintf(&sb, "  Status: %s\n", s.Status)

	if s.Amounts != "" {
		sb.WriteString("\n💵 Composition:\n")
		fmt.Fprintf(&sb, "  %s\n", s.Amounts)
		fmt.Fprintf(&sb, "  %s\n", s.Composition)
	}
	fmt.Fprintf(&sb, "\n🎁 Unclaimed: %s\n", s.UnclaimedFees)

	return sb.String()
}
