package main

import (
	"context"
	"fmt"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/korjavin/lpwatcher/uniswap"
	"go.uber.org/zap"
)

// messageSender is the part of *gotgbot.Bot the notifier uses.
type messageSender interface {
	SendMessage(chatId int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}

// TelegramNotifier sends out of range alerts to the user's private chat.
type TelegramNotifier struct {
	sender messageSender
	logger *zap.SugaredLogger
}

func NewTelegramNotifier(sender messageSender, logger *zap.SugaredLogger) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, logger: logger}
}

func (n *TelegramNotifier) NotifyOutOfRange(ctx context.Context, userID int64, walletDisplay string, pos uniswap.Position, pool uniswap.PoolState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	report := uniswap.PositionReport{Position: pos, Pool: &pool}
	if valuation, err := uniswap.Evaluate(pos, pool); err == nil {
		report.Valuation = &valuation
	} else {
		n.logger.Warnw("Failed to value position for alert", "positionId", pos.TokenID.String(), "error", err)
	}

	msg := fmt.Sprintf("⚠️ Wallet %s\n\n%s", walletDisplay, formatPositionMessage(uniswap.FormatPositionSummary(report), true))
	if _, err := n.sender.SendMessage(userID, msg, &gotgbot.SendMessageOpts{}); err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}

	n.logger.Debugw("Alert delivered", "userId", userID, "positionId", pos.TokenID.String())
	return nil
}
