package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/joho/godotenv"
	"github.com/korjavin/lpwatcher/config"
	"github.com/korjavin/lpwatcher/monitor"
	"github.com/korjavin/lpwatcher/uniswap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "lpwatcher",
		Short:        "Telegram bot that watches concentrated liquidity positions",
		SilenceUsage: true,
		RunE:         runBot,
	}

	root.PersistentFlags().String("config", "", "config file path")

	root.Flags().String("telegram-token", "", "Telegram bot token")
	root.Flags().String("rpc-url", "", "EVM node RPC URL")
	root.Flags().Uint64("chain-id", 999, "chain id to read positions from")
	root.Flags().String("chains-file", "", "YAML file overriding the built-in chain contracts")
	root.Flags().Duration("rpc-delay", time.Second, "minimum delay between RPC calls")
	root.Flags().Int("max-retries", 3, "attempts per rate limited RPC call")
	root.Flags().Float64("backoff-factor", 2, "backoff multiplier between rate limited attempts")
	root.Flags().String("db-path", "bot_data.db", "SQLite database path")
	root.Flags().Bool("monitor-enabled", true, "run the periodic range monitor")
	root.Flags().Duration("monitor-interval", 5*time.Minute, "time between monitoring passes")
	root.Flags().Duration("wallet-pause", 2*time.Second, "pause between wallets within a pass")
	root.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.Flags().Bool("log-dev", false, "human readable development logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBot(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := uniswap.LoadRegistry(cfg.ChainsFile)
	if err != nil {
		return fmt.Errorf("failed to load chain registry: %w", err)
	}
	chain, err := registry.Chain(cfg.ChainID)
	if err != nil {
		sugar.Errorw("Chain is not configured", "chainId", cfg.ChainID, "supportedChains", registry.ChainIDs())
		return err
	}
	if _, err := registry.PositionManager(cfg.ChainID); err != nil {
		return err
	}

	db, err := initDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	uniswapClient, err := uniswap.NewClient(ctx, uniswap.Config{
		RPCURL:        cfg.RPCURL,
		ChainID:       cfg.ChainID,
		Registry:      registry,
		CallDelay:     cfg.RPCDelay,
		MaxRetries:    cfg.MaxRetries,
		BackoffFactor: cfg.BackoffFactor,
	}, sugar)
	if err != nil {
		return fmt.Errorf("failed to initialize position client: %w", err)
	}
	defer uniswapClient.Close()

	bot, err := gotgbot.NewBot(cfg.TelegramToken, &gotgbot.BotOpts{
		RequestOpts: &gotgbot.RequestOpts{
			Timeout: 60 * time.Second,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}

	mon := monitor.New(uniswapClient, db, NewTelegramNotifier(bot, sugar), monitor.Config{
		Interval:    cfg.MonitorInterval,
		WalletPause: cfg.WalletPause,
	}, sugar)

	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		Error: func(b *gotgbot.Bot, ctx *ext.Context, err error) ext.DispatcherAction {
			sugar.Errorw("Error in handler", "error", err)
			return ext.DispatcherActionNoop
		},
	})
	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{})

	handlers := NewBotHandlers(ctx, bot, db, uniswapClient, mon, BotHandlersConfig{
		ChainID:      cfg.ChainID,
		ChainName:    chain.Name,
		CheckTimeout: cfg.MonitorInterval,
	}, sugar)
	handlers.RegisterHandlers(dispatcher)

	err = updater.StartPolling(bot, &ext.PollingOpts{
		DropPendingUpdates: true,
	})
	if err != nil {
		return fmt.Errorf("failed to start polling: %w", err)
	}
	sugar.Infow("Bot started successfully",
		"username", bot.Username,
		"chainId", cfg.ChainID,
		"chain", chain.Name,
		"supportedChains", registry.ChainIDs(),
		"monitorEnabled", cfg.MonitorEnabled)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MonitorEnabled {
		g.Go(func() error {
			return mon.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sugar.Info("Shutting down")
		return updater.Stop()
	})

	return g.Wait()
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
