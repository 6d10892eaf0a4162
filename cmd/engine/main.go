// Command engine is the trading engine's single binary: it parses the §6
// CLI surface, loads configuration, wires the Gateway/Scheduler/Risk
// Engine/Position Manager/Orchestrator graph through fx, and runs until a
// signal or an unrecoverable error stops it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/loureed691/apex-perp-engine/config"
	"github.com/loureed691/apex-perp-engine/internal/gateway"
	"github.com/loureed691/apex-perp-engine/internal/manager"
	"github.com/loureed691/apex-perp-engine/internal/marketdata"
	"github.com/loureed691/apex-perp-engine/internal/metrics"
	"github.com/loureed691/apex-perp-engine/internal/notify"
	"github.com/loureed691/apex-perp-engine/internal/orchestrator"
	"github.com/loureed691/apex-perp-engine/internal/persistence"
	"github.com/loureed691/apex-perp-engine/internal/risk"
	"github.com/loureed691/apex-perp-engine/internal/scheduler"
)

// Exit codes per §6's CLI surface.
const (
	exitClean          = 0
	exitStartupFailure = 1
	exitRuntimeFailure = 2
)

const (
	maxOrdersPerSymbolPerMinute = 5
	symbolThrottleWindow        = "1m"
	connectionPoolSize          = 4
	futuresStreamURL            = "wss://fstream.binance.com/stream"
	futuresTestnetStreamURL     = "wss://stream.binancefuture.com/stream"
)

// streamEndpoint is a fixed-URL TokenSource: Binance's combined futures
// stream needs no per-connection auth token, unlike the bullet-token
// handshake some other exchanges in this lineage require, so there is
// nothing to fetch over REST here.
type streamEndpoint string

func (s streamEndpoint) WebsocketEndpoint(ctx context.Context) (string, error) {
	return string(s), nil
}

// noopScanner is the default SignalSource: the signal/indicator pipeline is
// an explicit out-of-scope collaborator (§3), so the shipped binary runs
// with no opportunities until a real scanner is wired in its place.
type noopScanner struct{}

func (noopScanner) Scan(ctx context.Context) ([]orchestrator.Opportunity, error) {
	return nil, nil
}

func main() {
	mode := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(exitStartupFailure)
	}

	var notifier *notify.Notifier
	log := newLogger(func(msg string) { notifier.NotifyCritical(msg, nil) })
	defer log.Sync()

	notifier, err = notify.New(cfg.TelegramBotToken, cfg.TelegramChatID, log)
	if err != nil {
		log.Warn("telegram notifier unavailable", zap.Error(err))
	}
	if notifier != nil {
		go notifier.StartListener(nil, nil, nil)
	}

	metricsReg := metrics.New(log)

	sched := scheduler.New(log)
	sched.OnWait = func(d time.Duration) { metricsReg.SchedulerWait.Observe(d.Seconds()) }
	throttle, err := scheduler.NewSymbolThrottle(maxOrdersPerSymbolPerMinute, symbolThrottleWindow)
	if err != nil {
		log.Error("symbol throttle init failed", zap.Error(err))
		os.Exit(exitStartupFailure)
	}

	fc := futures.NewClient(cfg.Credentials.APIKey, cfg.Credentials.APISecret)
	if cfg.Testnet {
		fc.BaseURL = "https://testnet.binancefuture.com"
	}
	gw := gateway.New(gateway.NewBinanceClient(fc), sched, throttle, log)

	if err := gw.EnsureClockSynced(context.Background()); err != nil {
		log.Error("startup clock sync failed", zap.Error(err))
		os.Exit(exitStartupFailure)
	}
	if err := gw.RefreshMetadata(context.Background()); err != nil {
		log.Error("startup metadata refresh failed", zap.Error(err))
		os.Exit(exitStartupFailure)
	}

	balance, err := gw.GetBalance(context.Background())
	if err != nil {
		log.Error("startup balance fetch failed", zap.Error(err))
		os.Exit(exitStartupFailure)
	}

	riskEngine := risk.New(balance.Free, cfg.MaxOpenPositions, cfg.KillSwitchDailyLossPct, log)
	mgr, err := manager.New(gw, riskEngine, connectionPoolSize, log)
	if err != nil {
		log.Error("position manager init failed", zap.Error(err))
		os.Exit(exitStartupFailure)
	}
	defer mgr.Release()

	store := persistence.New(cfg.SnapshotPath, log)
	if err := recoverSnapshot(cfg, store, mgr, riskEngine, log); err != nil {
		log.Error("snapshot recovery failed", zap.Error(err))
		os.Exit(exitStartupFailure)
	}

	streamURL := futuresStreamURL
	if cfg.Testnet {
		streamURL = futuresTestnetStreamURL
	}
	feed := marketdata.New(streamEndpoint(streamURL), gw, dialWebsocket, log)
	orch := orchestrator.New(gw, mgr, riskEngine, noopScanner{}, feed, nil, feed.Liquidations(), cfg, mode, log)

	app := fx.New(
		fx.Supply(log),
		fx.NopLogger,
		fx.Invoke(func(lc fx.Lifecycle) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					go feed.Run(context.Background())
					return orch.Start(ctx)
				},
				OnStop: func(ctx context.Context) error {
					feed.Close()
					if err := orch.Stop(ctx); err != nil {
						return err
					}
					return store.Save(mgr.Snapshot(), riskEngine.Snapshot())
				},
			})
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					go func() {
						if err := metricsReg.Serve(context.Background(), cfg.HealthAddr); err != nil {
							log.Warn("metrics server stopped", zap.Error(err))
						}
					}()
					return nil
				},
			})
		}),
	)

	if err := app.Err(); err != nil {
		log.Error("engine wiring failed", zap.Error(err))
		os.Exit(exitRuntimeFailure)
	}

	app.Run()
	os.Exit(exitClean)
}

func parseFlags() config.RunMode {
	fs := flag.NewFlagSet("engine", flag.ExitOnError)
	closeOnExit := fs.Bool("close-on-exit", false, "close every open position on shutdown")
	dryRun := fs.Bool("dry-run", false, "size and log opportunities without submitting orders")

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "start" {
		args = args[1:]
	}
	_ = fs.Parse(args)

	return config.RunMode{CloseOnExit: *closeOnExit, DryRun: *dryRun}
}

// newLogger builds a production zap.Logger whose Error+ entries also fire
// onCritical, giving every call site in the engine the §7 "structured log
// entry and a health-monitor event" pairing for free instead of threading a
// notifier through every component that might log a fatal error.
func newLogger(onCritical func(msg string)) *zap.Logger {
	cfg := zap.NewProductionConfig()
	base, err := cfg.Build(zap.Hooks(func(e zapcore.Entry) error {
		if e.Level >= zapcore.ErrorLevel {
			onCritical(fmt.Sprintf("[%s] %s", e.LoggerName, e.Message))
		}
		return nil
	}))
	if err != nil {
		return zap.NewNop()
	}
	return base
}

// dialWebsocket adapts the standard gorilla dialer to marketdata.Dialer.
func dialWebsocket(url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	return conn, err
}

// recoverSnapshot loads a prior snapshot (if any), verifies the snapshot
// directory is genuinely mounted when persistence is live, and seeds the
// manager/risk engine before the caller's first reconcile_with_exchange.
func recoverSnapshot(cfg *config.Config, store *persistence.Store, mgr *manager.Manager, riskEngine *risk.Engine, log *zap.Logger) error {
	if cfg.PersistenceLive {
		if err := persistence.EnsureMounted(cfg.SnapshotPath); err != nil {
			return err
		}
	}

	snap, found, err := store.Load()
	if err != nil {
		log.Warn("snapshot load failed, starting with an empty registry", zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}

	for symbol, rec := range snap.Positions {
		mgr.Restore(symbol, rec.ToPosition())
	}
	riskEngine.RestoreState(snap.Risk)

	if err := mgr.ReconcileWithExchange(context.Background()); err != nil {
		log.Warn("post-recovery reconcile failed", zap.Error(err))
	}
	return nil
}
