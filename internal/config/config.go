// Package config loads and validates the engine's configuration, combining
// a YAML file with environment-variable overrides, in the style of
// bitunix-bot's internal/cfg: env vars win whenever set, the YAML file (or
// compiled-in defaults) backstop everything else.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the environment variable that, when set, points at a
// YAML config file to load before env-var overrides are applied.
const EnvConfigFile = "GAPBOT_CONFIG_FILE"

// Config holds every tunable named in the engine's external configuration
// contract, plus the broker/store/logging wiring needed to run it.
type Config struct {
	// Broker / market data wiring
	AlpacaKeyID     string
	AlpacaSecretKey string
	AlpacaBaseURL   string
	AlpacaDataURL   string
	IsPaper         bool

	// Strategy thresholds
	MinGapPct      float64
	MaxGapPct      float64
	MinVolumeRatio float64
	ATRStopMult    float64
	MinStopDollars float64
	MinStopPct     float64
	TargetMult     float64

	// Position manager tiers
	BreakevenThreshold   float64
	QuickProfitThreshold float64
	QuickProfitWindow    time.Duration
	TierIncrement        float64
	TierBuffer           float64

	// Risk gate
	StopOutCooldown   time.Duration
	PendingEntryLock  time.Duration
	MaxConcurrent     int
	TradeCapLosing    int
	TradeCapWinning   int
	RiskPerTrade      float64
	DailyLossLimit    float64
	PerSymbolNotional float64

	// Scheduling / time gates
	MarketTimezone     string
	TradingCutoffLocal string // HH:MM
	PositionCloseLocal string // HH:MM
	PostOpenDelay      time.Duration
	ScannerPeriod      time.Duration
	MonitorPeriod      time.Duration

	// Broker rate limit
	BrokerRateLimitPerMin int

	// Storage / metrics / logging
	DBPath      string
	MetricsPort int
	LogLevel    string
	LogPretty   bool

	// Watchlist
	WatchlistStatic []string
	WatchlistURL    string
}

// fileShape mirrors the on-disk YAML layout, grouped by concern the way
// bitunix-bot's ConfigFile groups API/trading/system blocks.
type fileShape struct {
	Broker struct {
		KeyID     string `yaml:"keyID"`
		SecretKey string `yaml:"secretKey"`
		BaseURL   string `yaml:"baseURL"`
		DataURL   string `yaml:"dataURL"`
		Paper     bool   `yaml:"paper"`
		RateLimit int    `yaml:"rateLimitPerMin"`
	} `yaml:"broker"`

	Strategy struct {
		MinGapPct      float64 `yaml:"minGapPct"`
		MaxGapPct      float64 `yaml:"maxGapPct"`
		MinVolumeRatio float64 `yaml:"minVolumeRatio"`
		ATRStopMult    float64 `yaml:"atrStopMult"`
		MinStopDollars float64 `yaml:"minStopDollars"`
		MinStopPct     float64 `yaml:"minStopPct"`
		TargetMult     float64 `yaml:"targetMult"`
	} `yaml:"strategy"`

	Position struct {
		BreakevenThreshold   float64 `yaml:"breakevenThreshold"`
		QuickProfitThreshold float64 `yaml:"quickProfitThreshold"`
		QuickProfitWindowS   int     `yaml:"quickProfitWindowS"`
		TierIncrement        float64 `yaml:"tierIncrement"`
		TierBuffer           float64 `yaml:"tierBuffer"`
	} `yaml:"position"`

	Risk struct {
		StopOutCooldownS  int     `yaml:"stopOutCooldownS"`
		PendingEntryLockS int     `yaml:"pendingEntryLockS"`
		MaxConcurrent     int     `yaml:"maxConcurrent"`
		TradeCapLosing    int     `yaml:"tradeCapLosing"`
		TradeCapWinning   int     `yaml:"tradeCapWinning"`
		RiskPerTrade      float64 `yaml:"riskPerTrade"`
		DailyLossLimit    float64 `yaml:"dailyLossLimit"`
		PerSymbolNotional float64 `yaml:"perSymbolNotional"`
	} `yaml:"risk"`

	Schedule struct {
		MarketTimezone     string `yaml:"marketTimezone"`
		TradingCutoffLocal string `yaml:"tradingCutoffLocal"`
		PositionCloseLocal string `yaml:"positionCloseLocal"`
		PostOpenDelayS     int    `yaml:"postOpenDelayS"`
		ScannerPeriodS     int    `yaml:"scannerPeriodS"`
		MonitorPeriodS     int    `yaml:"monitorPeriodS"`
	} `yaml:"schedule"`

	System struct {
		DBPath      string `yaml:"dbPath"`
		MetricsPort int    `yaml:"metricsPort"`
		LogLevel    string `yaml:"logLevel"`
		LogPretty   bool   `yaml:"logPretty"`
	} `yaml:"system"`

	Watchlist struct {
		Symbols []string `yaml:"symbols"`
		URL     string   `yaml:"url"`
	} `yaml:"watchlist"`
}

// Defaults returns the compiled-in configuration baseline, matching the
// engine's documented defaults exactly.
func Defaults() Config {
	return Config{
		AlpacaBaseURL: "https://paper-api.alpaca.markets",
		AlpacaDataURL: "https://data.alpaca.markets",
		IsPaper:       true,

		MinGapPct:      0.75,
		MaxGapPct:      20.0,
		MinVolumeRatio: 1.5,
		ATRStopMult:    1.5,
		MinStopDollars: 0.30,
		MinStopPct:     1.2,
		TargetMult:     2.5,

		BreakevenThreshold:   15,
		QuickProfitThreshold: 20,
		QuickProfitWindow:    600 * time.Second,
		TierIncrement:        50,
		TierBuffer:           30,

		StopOutCooldown:   1200 * time.Second,
		PendingEntryLock:  300 * time.Second,
		MaxConcurrent:     5,
		TradeCapLosing:    10,
		TradeCapWinning:   20,
		RiskPerTrade:      100,
		DailyLossLimit:    600,
		PerSymbolNotional: 10000,

		MarketTimezone:     "America/New_York",
		TradingCutoffLocal: "14:00",
		PositionCloseLocal: "13:50",
		PostOpenDelay:      1800 * time.Second,
		ScannerPeriod:      3 * time.Second,
		MonitorPeriod:      1 * time.Second,

		BrokerRateLimitPerMin: 200,

		DBPath:      "gapbot.db",
		MetricsPort: 9090,
		LogLevel:    "info",
		LogPretty:   false,
	}
}

// Load reads configuration the way bitunix-bot's cfg.Load does: an optional
// .env file, then an optional YAML file named by EnvConfigFile layered over
// Defaults(), then individual env vars overriding whatever came before.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if path := os.Getenv(EnvConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		var fs fileShape
		if err := yaml.Unmarshal(data, &fs); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
		applyFile(&cfg, fs)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyFile(cfg *Config, fs fileShape) {
	if fs.Broker.KeyID != "" {
		cfg.AlpacaKeyID = fs.Broker.KeyID
	}
	if fs.Broker.SecretKey != "" {
		cfg.AlpacaSecretKey = fs.Broker.SecretKey
	}
	if fs.Broker.BaseURL != "" {
		cfg.AlpacaBaseURL = fs.Broker.BaseURL
	}
	if fs.Broker.DataURL != "" {
		cfg.AlpacaDataURL = fs.Broker.DataURL
	}
	cfg.IsPaper = fs.Broker.Paper
	if fs.Broker.RateLimit > 0 {
		cfg.BrokerRateLimitPerMin = fs.Broker.RateLimit
	}

	setIfPositive(&cfg.MinGapPct, fs.Strategy.MinGapPct)
	setIfPositive(&cfg.MaxGapPct, fs.Strategy.MaxGapPct)
	setIfPositive(&cfg.MinVolumeRatio, fs.Strategy.MinVolumeRatio)
	setIfPositive(&cfg.ATRStopMult, fs.Strategy.ATRStopMult)
	setIfPositive(&cfg.MinStopDollars, fs.Strategy.MinStopDollars)
	setIfPositive(&cfg.MinStopPct, fs.Strategy.MinStopPct)
	setIfPositive(&cfg.TargetMult, fs.Strategy.TargetMult)

	setIfPositive(&cfg.BreakevenThreshold, fs.Position.BreakevenThreshold)
	setIfPositive(&cfg.QuickProfitThreshold, fs.Position.QuickProfitThreshold)
	if fs.Position.QuickProfitWindowS > 0 {
		cfg.QuickProfitWindow = time.Duration(fs.Position.QuickProfitWindowS) * time.Second
	}
	setIfPositive(&cfg.TierIncrement, fs.Position.TierIncrement)
	setIfPositive(&cfg.TierBuffer, fs.Position.TierBuffer)

	if fs.Risk.StopOutCooldownS > 0 {
		cfg.StopOutCooldown = time.Duration(fs.Risk.StopOutCooldownS) * time.Second
	}
	if fs.Risk.PendingEntryLockS > 0 {
		cfg.PendingEntryLock = time.Duration(fs.Risk.PendingEntryLockS) * time.Second
	}
	if fs.Risk.MaxConcurrent > 0 {
		cfg.MaxConcurrent = fs.Risk.MaxConcurrent
	}
	if fs.Risk.TradeCapLosing > 0 {
		cfg.TradeCapLosing = fs.Risk.TradeCapLosing
	}
	if fs.Risk.TradeCapWinning > 0 {
		cfg.TradeCapWinning = fs.Risk.TradeCapWinning
	}
	setIfPositive(&cfg.RiskPerTrade, fs.Risk.RiskPerTrade)
	setIfPositive(&cfg.DailyLossLimit, fs.Risk.DailyLossLimit)
	setIfPositive(&cfg.PerSymbolNotional, fs.Risk.PerSymbolNotional)

	if fs.Schedule.MarketTimezone != "" {
		cfg.MarketTimezone = fs.Schedule.MarketTimezone
	}
	if fs.Schedule.TradingCutoffLocal != "" {
		cfg.TradingCutoffLocal = fs.Schedule.TradingCutoffLocal
	}
	if fs.Schedule.PositionCloseLocal != "" {
		cfg.PositionCloseLocal = fs.Schedule.PositionCloseLocal
	}
	if fs.Schedule.PostOpenDelayS > 0 {
		cfg.PostOpenDelay = time.Duration(fs.Schedule.PostOpenDelayS) * time.Second
	}
	if fs.Schedule.ScannerPeriodS > 0 {
		cfg.ScannerPeriod = time.Duration(fs.Schedule.ScannerPeriodS) * time.Second
	}
	if fs.Schedule.MonitorPeriodS > 0 {
		cfg.MonitorPeriod = time.Duration(fs.Schedule.MonitorPeriodS) * time.Second
	}

	if fs.System.DBPath != "" {
		cfg.DBPath = fs.System.DBPath
	}
	if fs.System.MetricsPort > 0 {
		cfg.MetricsPort = fs.System.MetricsPort
	}
	if fs.System.LogLevel != "" {
		cfg.LogLevel = fs.System.LogLevel
	}
	cfg.LogPretty = fs.System.LogPretty

	if len(fs.Watchlist.Symbols) > 0 {
		cfg.WatchlistStatic = fs.Watchlist.Symbols
	}
	if fs.Watchlist.URL != "" {
		cfg.WatchlistURL = fs.Watchlist.URL
	}
}

func setIfPositive(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

func applyEnv(cfg *Config) {
	cfg.AlpacaKeyID = envOrDefault("GAPBOT_ALPACA_KEY_ID", cfg.AlpacaKeyID)
	cfg.AlpacaSecretKey = envOrDefault("GAPBOT_ALPACA_SECRET_KEY", cfg.AlpacaSecretKey)
	cfg.AlpacaBaseURL = envOrDefault("GAPBOT_ALPACA_BASE_URL", cfg.AlpacaBaseURL)
	cfg.AlpacaDataURL = envOrDefault("GAPBOT_ALPACA_DATA_URL", cfg.AlpacaDataURL)
	cfg.IsPaper = envBoolOrDefault("GAPBOT_PAPER", cfg.IsPaper)

	cfg.MinGapPct = envFloatOrDefault("GAPBOT_MIN_GAP_PCT", cfg.MinGapPct)
	cfg.MaxGapPct = envFloatOrDefault("GAPBOT_MAX_GAP_PCT", cfg.MaxGapPct)
	cfg.MinVolumeRatio = envFloatOrDefault("GAPBOT_MIN_VOLUME_RATIO", cfg.MinVolumeRatio)
	cfg.ATRStopMult = envFloatOrDefault("GAPBOT_ATR_STOP_MULT", cfg.ATRStopMult)
	cfg.MinStopDollars = envFloatOrDefault("GAPBOT_MIN_STOP_DOLLARS", cfg.MinStopDollars)
	cfg.MinStopPct = envFloatOrDefault("GAPBOT_MIN_STOP_PCT", cfg.MinStopPct)
	cfg.TargetMult = envFloatOrDefault("GAPBOT_TARGET_MULT", cfg.TargetMult)

	cfg.BreakevenThreshold = envFloatOrDefault("GAPBOT_BREAKEVEN_THRESHOLD", cfg.BreakevenThreshold)
	cfg.QuickProfitThreshold = envFloatOrDefault("GAPBOT_QUICK_PROFIT_THRESHOLD", cfg.QuickProfitThreshold)
	cfg.QuickProfitWindow = envDurationSecOrDefault("GAPBOT_QUICK_PROFIT_WINDOW_S", cfg.QuickProfitWindow)
	cfg.TierIncrement = envFloatOrDefault("GAPBOT_TIER_INCREMENT", cfg.TierIncrement)
	cfg.TierBuffer = envFloatOrDefault("GAPBOT_TIER_BUFFER", cfg.TierBuffer)

	cfg.StopOutCooldown = envDurationSecOrDefault("GAPBOT_STOP_OUT_COOLDOWN_S", cfg.StopOutCooldown)
	cfg.PendingEntryLock = envDurationSecOrDefault("GAPBOT_PENDING_ENTRY_LOCK_S", cfg.PendingEntryLock)
	cfg.MaxConcurrent = envIntOrDefault("GAPBOT_MAX_CONCURRENT", cfg.MaxConcurrent)
	cfg.TradeCapLosing = envIntOrDefault("GAPBOT_TRADE_CAP_LOSING", cfg.TradeCapLosing)
	cfg.TradeCapWinning = envIntOrDefault("GAPBOT_TRADE_CAP_WINNING", cfg.TradeCapWinning)
	cfg.RiskPerTrade = envFloatOrDefault("GAPBOT_RISK_PER_TRADE", cfg.RiskPerTrade)
	cfg.DailyLossLimit = envFloatOrDefault("GAPBOT_DAILY_LOSS_LIMIT", cfg.DailyLossLimit)
	cfg.PerSymbolNotional = envFloatOrDefault("GAPBOT_PER_SYMBOL_NOTIONAL", cfg.PerSymbolNotional)

	cfg.MarketTimezone = envOrDefault("GAPBOT_MARKET_TIMEZONE", cfg.MarketTimezone)
	cfg.TradingCutoffLocal = envOrDefault("GAPBOT_TRADING_CUTOFF_LOCAL", cfg.TradingCutoffLocal)
	cfg.PositionCloseLocal = envOrDefault("GAPBOT_POSITION_CLOSE_LOCAL", cfg.PositionCloseLocal)
	cfg.PostOpenDelay = envDurationSecOrDefault("GAPBOT_POST_OPEN_DELAY_S", cfg.PostOpenDelay)
	cfg.ScannerPeriod = envDurationSecOrDefault("GAPBOT_SCANNER_PERIOD_S", cfg.ScannerPeriod)
	cfg.MonitorPeriod = envDurationSecOrDefault("GAPBOT_MONITOR_PERIOD_S", cfg.MonitorPeriod)

	cfg.BrokerRateLimitPerMin = envIntOrDefault("GAPBOT_BROKER_RATE_LIMIT_PER_MIN", cfg.BrokerRateLimitPerMin)

	cfg.DBPath = envOrDefault("GAPBOT_DB_PATH", cfg.DBPath)
	cfg.MetricsPort = envIntOrDefault("GAPBOT_METRICS_PORT", cfg.MetricsPort)
	cfg.LogLevel = envOrDefault("GAPBOT_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = envBoolOrDefault("GAPBOT_LOG_PRETTY", cfg.LogPretty)

	if v := os.Getenv("GAPBOT_WATCHLIST"); v != "" {
		cfg.WatchlistStatic = strings.Split(v, ",")
	}
	cfg.WatchlistURL = envOrDefault("GAPBOT_WATCHLIST_URL", cfg.WatchlistURL)
}

// Validate rejects configuration combinations that cannot correspond to any
// sane trading day: negative caps, a zero risk-per-trade, a force-close
// time that falls after the entry cutoff, and similar nonsense.
func (c Config) Validate() error {
	if c.RiskPerTrade <= 0 {
		return fmt.Errorf("riskPerTrade must be positive, got %v", c.RiskPerTrade)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("maxConcurrent must be positive, got %v", c.MaxConcurrent)
	}
	if c.TradeCapLosing <= 0 || c.TradeCapWinning <= 0 {
		return fmt.Errorf("trade caps must be positive")
	}
	if c.TradeCapWinning < c.TradeCapLosing {
		return fmt.Errorf("tradeCapWinning (%d) must be >= tradeCapLosing (%d)", c.TradeCapWinning, c.TradeCapLosing)
	}
	if c.DailyLossLimit <= 0 {
		return fmt.Errorf("dailyLossLimit must be positive, got %v", c.DailyLossLimit)
	}
	if c.MinGapPct <= 0 || c.MaxGapPct <= c.MinGapPct {
		return fmt.Errorf("invalid gap band [%v, %v]", c.MinGapPct, c.MaxGapPct)
	}
	if c.MinVolumeRatio <= 0 {
		return fmt.Errorf("minVolumeRatio must be positive, got %v", c.MinVolumeRatio)
	}
	if c.TierIncrement <= 0 || c.TierBuffer < 0 {
		return fmt.Errorf("invalid tier increment/buffer")
	}
	cutoff, err := parseClock(c.TradingCutoffLocal)
	if err != nil {
		return fmt.Errorf("tradingCutoffLocal: %w", err)
	}
	closeAt, err := parseClock(c.PositionCloseLocal)
	if err != nil {
		return fmt.Errorf("positionCloseLocal: %w", err)
	}
	if closeAt.After(cutoff) {
		return fmt.Errorf("positionCloseLocal (%s) must not be after tradingCutoffLocal (%s)", c.PositionCloseLocal, c.TradingCutoffLocal)
	}
	if _, err := time.LoadLocation(c.MarketTimezone); err != nil {
		return fmt.Errorf("marketTimezone %q: %w", c.MarketTimezone, err)
	}
	if c.BrokerRateLimitPerMin <= 0 {
		return fmt.Errorf("brokerRateLimitPerMin must be positive, got %v", c.BrokerRateLimitPerMin)
	}
	return nil
}

// parseClock parses an "HH:MM" string into a zero-date time.Time solely for
// ordering comparisons between two clock strings.
func parseClock(hhmm string) (time.Time, error) {
	return time.Parse("15:04", hhmm)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDurationSecOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return def
}
