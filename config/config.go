package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	TelegramToken string
	RPCURL        string
	ChainID       uint64
	ChainsFile    string

	RPCDelay      time.Duration
	MaxRetries    int
	BackoffFactor float64

	DBPath string

	MonitorEnabled  bool
	MonitorInterval time.Duration
	WalletPause     time.Duration

	LogLevel string
	LogDev   bool
}

// legacyEnv maps keys to the variable names used by earlier deployments.
var legacyEnv = map[string]string{
	"telegram-token": "TELEGRAM_BOT_TOKEN",
	"rpc-url":        "RPC_URL",
	"chain-id":       "CHAIN_ID",
	"rpc-delay":      "DELAY",
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LPBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, name := range legacyEnv {
		envKey := "LPBOT_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if err := v.BindEnv(key, envKey, name); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", name, err)
		}
	}

	v.SetDefault("chain-id", uint64(999))
	v.SetDefault("rpc-delay", "1s")
	v.SetDefault("max-retries", 3)
	v.SetDefault("backoff-factor", 2.0)
	v.SetDefault("db-path", "bot_data.db")
	v.SetDefault("monitor-enabled", true)
	v.SetDefault("monitor-interval", 5*time.Minute)
	v.SetDefault("wallet-pause", 2*time.Second)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-dev", false)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	delay, err := parseDelay(v.GetString("rpc-delay"))
	if err != nil {
		return Config{}, fmt.Errorf("rpc-delay: %w", err)
	}

	cfg := Config{
		TelegramToken:   v.GetString("telegram-token"),
		RPCURL:          v.GetString("rpc-url"),
		ChainID:         v.GetUint64("chain-id"),
		ChainsFile:      v.GetString("chains-file"),
		RPCDelay:        delay,
		MaxRetries:      v.GetInt("max-retries"),
		BackoffFactor:   v.GetFloat64("backoff-factor"),
		DBPath:          v.GetString("db-path"),
		MonitorEnabled:  v.GetBool("monitor-enabled"),
		MonitorInterval: v.GetDuration("monitor-interval"),
		WalletPause:     v.GetDuration("wallet-pause"),
		LogLevel:        v.GetString("log-level"),
		LogDev:          v.GetBool("log-dev"),
	}

	return cfg, nil
}

// Validate reports the first setting that prevents the bot from starting.
func (c Config) Validate() error {
	switch {
	case c.TelegramToken == "":
		return errors.New("telegram token is required")
	case c.RPCURL == "":
		return errors.New("rpc url is required")
	case c.RPCDelay < 0:
		return errors.New("rpc delay must not be negative")
	case c.MaxRetries < 1:
		return errors.New("max retries must be at least 1")
	case c.BackoffFactor < 1:
		return errors.New("backoff factor must be at least 1")
	case c.MonitorEnabled && c.MonitorInterval <= 0:
		return errors.New("monitor interval must be positive")
	case c.WalletPause < 0:
		return errors.New("wallet pause must not be negative")
	}
	return nil
}

// parseDelay accepts a Go duration ("1500ms") or a bare number of seconds ("1.5").
func parseDelay(input string) (time.Duration, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(input, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(input)
}
