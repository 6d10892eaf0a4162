// Package config loads the engine's immutable configuration from the
// environment (optionally seeded by a .env file) into a single struct that
// is constructed once at startup and threaded through every component's
// constructor. There is no package-level mutable singleton.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Credentials holds exchange API credentials. KuCoin-style exchanges key on
// a passphrase in addition to key/secret; Binance-style ones leave it empty.
type Credentials struct {
	APIKey     string `validate:"required"`
	APISecret  string `validate:"required"`
	Passphrase string
}

// Config is the engine's full, validated configuration, built once in
// Load and never mutated afterward.
type Config struct {
	Credentials Credentials `validate:"required"`
	Testnet     bool

	Leverage            int     `validate:"min=1,max=125"`
	MaxPositionSize     float64 `validate:"gt=0"`
	RiskPerTrade        float64 `validate:"gt=0,lte=1"`
	MinProfitThreshold  float64 `validate:"gte=0"`
	MaxOpenPositions    int     `validate:"min=1"`
	StaleDataMultiplier float64 `validate:"gt=0"`

	CheckInterval          time.Duration `validate:"gt=0"`
	PositionUpdateInterval time.Duration `validate:"gt=0"`

	TakerFee float64 `validate:"gte=0,lt=1"`
	MakerFee float64 `validate:"gte=0,lt=1"`

	MinSignalConfidence float64 `validate:"gte=0,lte=1"`
	MinTradeConfidence  float64 `validate:"gte=0,lte=1"`

	KillSwitchDailyLossPct float64 `validate:"gt=0,lte=1"`

	SnapshotPath     string
	PersistenceLive  bool
	TelegramBotToken string
	TelegramChatID   int64
	HealthAddr       string
}

// CLI flags understood by the binary, parsed in cmd/engine and carried
// alongside Config rather than inside it, since they govern process
// behavior rather than trading parameters.
type RunMode struct {
	CloseOnExit bool
	DryRun      bool
}

var validate = validator.New()

// Load reads a .env file if present (missing is not an error — the process
// may be configured purely via the environment, e.g. in a container) and
// parses every variable enumerated in the external-interfaces surface into
// a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	secret := getenv("EXCHANGE_API_SECRET", getenv("BINANCE_API_SECRET", ""))

	cfg := &Config{
		Credentials: Credentials{
			APIKey:     getenv("EXCHANGE_API_KEY", getenv("BINANCE_API_KEY", "")),
			APISecret:  secret,
			Passphrase: getenv("EXCHANGE_API_PASSPHRASE", ""),
		},
		Testnet: getbool("EXCHANGE_TESTNET", false),

		Leverage:            getint("LEVERAGE", 10),
		MaxPositionSize:     getfloat("MAX_POSITION_SIZE", 2000.0),
		RiskPerTrade:        getfloat("RISK_PER_TRADE", 0.02),
		MinProfitThreshold:  getfloat("MIN_PROFIT_THRESHOLD", 0.005),
		MaxOpenPositions:    getint("MAX_OPEN_POSITIONS", 3),
		StaleDataMultiplier: getfloat("STALE_DATA_MULTIPLIER", 3.0),

		CheckInterval:          getduration("CHECK_INTERVAL_SECONDS", 60*time.Second),
		PositionUpdateInterval: getduration("POSITION_UPDATE_INTERVAL_SECONDS", 1*time.Second),

		TakerFee: getfloat("TAKER_FEE", 0.0006),
		MakerFee: getfloat("MAKER_FEE", 0.0002),

		MinSignalConfidence: getfloat("MIN_SIGNAL_CONFIDENCE", 0.55),
		MinTradeConfidence:  getfloat("MIN_TRADE_CONFIDENCE", 0.60),

		KillSwitchDailyLossPct: getfloat("KILL_SWITCH_DAILY_LOSS_PCT", 0.10),

		SnapshotPath:     getenv("SNAPSHOT_PATH", "/data/engine/positions.json"),
		PersistenceLive:  getbool("PERSISTENCE_LIVE", true),
		TelegramBotToken: getenv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   int64(getint("TELEGRAM_CHAT_ID", 0)),
		HealthAddr:       getenv("HEALTH_ADDR", ":9090"),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getbool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getfloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return time.Duration(secs * float64(time.Second))
}
