// Command gapbot runs the gap-continuation trading engine: it loads
// configuration, wires the broker/market-data/storage components, and
// drives the Coordinator until an interrupt or SIGTERM arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/poorman/gapbot/internal/broker"
	"github.com/poorman/gapbot/internal/config"
	"github.com/poorman/gapbot/internal/coordinator"
	"github.com/poorman/gapbot/internal/ledger"
	"github.com/poorman/gapbot/internal/marketdata"
	"github.com/poorman/gapbot/internal/metrics"
	"github.com/poorman/gapbot/internal/position"
	"github.com/poorman/gapbot/internal/store"
	"github.com/poorman/gapbot/internal/strategy"
	"github.com/poorman/gapbot/internal/watchlist"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	configureLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("event store open failed")
	}
	defer rec.Close()

	schedule, err := resolveSchedule(cfg, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("schedule resolution failed")
	}

	led := ledger.New(schedule.MarketOpen)
	if stats, err := rec.Stats(schedule.MarketOpen); err != nil {
		log.Warn().Err(err).Msg("stats rebuild from event log failed, starting from zero")
	} else {
		led.Restore(stats.RealizedPnL, stats.FilledTradeCount, stats.Wins, stats.Losses)
		log.Info().Float64("realizedPnL", stats.RealizedPnL).Int("trades", stats.FilledTradeCount).Msg("restored today's tallies from event log")
	}

	br := broker.NewAlpacaBroker(cfg.AlpacaBaseURL, cfg.AlpacaKeyID, cfg.AlpacaSecretKey, cfg.BrokerRateLimitPerMin)
	market := marketdata.New(cfg.AlpacaDataURL, cfg.AlpacaKeyID, cfg.AlpacaSecretKey)

	wl := buildWatchlist(cfg)

	params := coordinator.Params{
		Schedule:         schedule,
		PostOpenDelay:    cfg.PostOpenDelay,
		MaxConcurrent:    cfg.MaxConcurrent,
		TradeCapLosing:   cfg.TradeCapLosing,
		TradeCapWinning:  cfg.TradeCapWinning,
		DailyLossLimit:   cfg.DailyLossLimit,
		StopOutCooldown:  cfg.StopOutCooldown,
		PendingEntryLock: cfg.PendingEntryLock,
		ScannerPeriod:    cfg.ScannerPeriod,
		MonitorPeriod:    cfg.MonitorPeriod,
		Strategy: strategy.Params{
			MinGapPct:         cfg.MinGapPct,
			MaxGapPct:         cfg.MaxGapPct,
			MinVolumeRatio:    cfg.MinVolumeRatio,
			ATRStopMult:       cfg.ATRStopMult,
			MinStopDollars:    cfg.MinStopDollars,
			MinStopPct:        cfg.MinStopPct,
			TargetMult:        cfg.TargetMult,
			RiskPerTrade:      cfg.RiskPerTrade,
			PerSymbolNotional: cfg.PerSymbolNotional,
		},
		Position: position.Params{
			BreakevenThreshold:   cfg.BreakevenThreshold,
			TierIncrement:        cfg.TierIncrement,
			TierBuffer:           cfg.TierBuffer,
			QuickProfitThreshold: cfg.QuickProfitThreshold,
			QuickProfitWindow:    cfg.QuickProfitWindow,
		},
	}

	co := coordinator.New(wl, market, br, led, rec, params)

	metricsServer := startMetricsServer(cfg.MetricsPort)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	runDone := make(chan error, 1)
	go func() { runDone <- co.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case err := <-runDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("coordinator run loop exited with error")
		}
		return
	}

	log.Info().Msg("shutting down gracefully")
	cancel()

	select {
	case <-runDone:
		log.Info().Msg("coordinator stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("coordinator shutdown timeout, forcing exit")
	}
}

// configureLogging sets zerolog's global level and output format from
// configuration: pretty console writer for local development, structured
// JSON otherwise.
func configureLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// resolveSchedule turns the configured local clock strings into absolute
// times for today in the configured market timezone.
func resolveSchedule(cfg config.Config, now time.Time) (coordinator.Schedule, error) {
	loc, err := time.LoadLocation(cfg.MarketTimezone)
	if err != nil {
		return coordinator.Schedule{}, fmt.Errorf("load market timezone: %w", err)
	}
	today := now.In(loc)

	cutoff, err := atLocalClock(today, cfg.TradingCutoffLocal, loc)
	if err != nil {
		return coordinator.Schedule{}, fmt.Errorf("trading cutoff: %w", err)
	}
	positionClose, err := atLocalClock(today, cfg.PositionCloseLocal, loc)
	if err != nil {
		return coordinator.Schedule{}, fmt.Errorf("position close: %w", err)
	}
	marketOpen, err := atLocalClock(today, "09:30", loc)
	if err != nil {
		return coordinator.Schedule{}, fmt.Errorf("market open: %w", err)
	}

	return coordinator.Schedule{
		MarketOpen:    marketOpen,
		TradingCutoff: cutoff,
		PositionClose: positionClose,
	}, nil
}

func atLocalClock(day time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	clock, err := time.ParseInLocation("15:04", hhmm, loc)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc), nil
}

func buildWatchlist(cfg config.Config) watchlist.Source {
	if cfg.WatchlistURL != "" {
		return watchlist.NewHTTPSource(cfg.WatchlistURL, 50)
	}
	return watchlist.NewStaticList(cfg.WatchlistStatic)
}

// startMetricsServer serves the Prometheus registry on its own listener
// so a metrics scrape never competes with broker/market-data traffic.
func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}
