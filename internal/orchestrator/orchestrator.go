// Package orchestrator implements C7 (§4.7): the three long-lived workers
// that drive the engine once the Gateway, Risk Engine, and Position Manager
// are wired up — a position-monitor sweep, a background opportunity
// scanner, and the main loop that sizes and opens positions from whatever
// the scanner last found. Each worker runs in its own goroutine; the
// opportunities slot they share is guarded by scanMu, and the Manager, Risk
// Engine and liquidation monitor each guard their own state.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/loureed691/apex-perp-engine/config"
	"github.com/loureed691/apex-perp-engine/internal/gateway"
	"github.com/loureed691/apex-perp-engine/internal/manager"
	"github.com/loureed691/apex-perp-engine/internal/marketdata"
	"github.com/loureed691/apex-perp-engine/internal/position"
	"github.com/loureed691/apex-perp-engine/internal/risk"
)

// Opportunity is one candidate trade surfaced by the external scanner
// collaborator (§6's SignalSource.scan()). Sizing and guardrail checks
// happen here, not in the scanner.
type Opportunity struct {
	Symbol         string
	Side           position.Side
	Score          float64
	Confidence     float64
	EntryPrice     float64
	Volatility     float64
	Momentum       float64
	TrendStrength  float64
	RegimeTrending bool
}

// SignalSource is the scanner collaborator §6 places out of scope for the
// core engine; the orchestrator only ever calls Scan.
type SignalSource interface {
	Scan(ctx context.Context) ([]Opportunity, error)
}

// ModelRetrainer is the delegated ML-retraining-trigger collaborator
// mentioned in §4.7's periodic maintenance list. It is optional — a nil
// retrainer simply skips the trigger.
type ModelRetrainer interface {
	TriggerRetrain(ctx context.Context) error
}

const (
	positionMonitorInterval = 50 * time.Millisecond
	mainLoopInterval        = 50 * time.Millisecond
	scannerSleepStep        = 1 * time.Second
	shutdownDrainTimeout    = 5 * time.Second
	liquidationWindow       = 15 * time.Minute
)

type opportunitySnapshot struct {
	items []Opportunity
	at    time.Time
}

// Orchestrator wires the three workers together. Shutdown cancels a single
// context shared by all three, so the separate cancellation flags a signal
// handler might otherwise juggle collapse naturally onto ctx.Done().
type Orchestrator struct {
	gw        *gateway.Gateway
	mgr       *manager.Manager
	risk      *risk.Engine
	scanner   SignalSource
	market    manager.MarketDataProvider
	retrainer ModelRetrainer
	cfg       *config.Config
	mode      config.RunMode
	log       *zap.Logger

	liquidations <-chan marketdata.LiquidationUpdate
	liqMonitor   *risk.LiquidationMonitor

	cronSched *cron.Cron

	scanMu sync.Mutex
	latest opportunitySnapshot

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Orchestrator. retrainer and liquidations may both be nil —
// a nil liquidations channel simply leaves the liquidation-feed risk
// dampener at its neutral 1.0 multiplier.
func New(gw *gateway.Gateway, mgr *manager.Manager, riskEngine *risk.Engine, scanner SignalSource, market manager.MarketDataProvider, retrainer ModelRetrainer, liquidations <-chan marketdata.LiquidationUpdate, cfg *config.Config, mode config.RunMode, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		gw:           gw,
		mgr:          mgr,
		risk:         riskEngine,
		scanner:      scanner,
		market:       market,
		retrainer:    retrainer,
		liquidations: liquidations,
		liqMonitor:   risk.NewLiquidationMonitor(liquidationWindow),
		cfg:          cfg,
		mode:         mode,
		log:          log,
	}
}

// Start launches the three workers and the hourly maintenance cron, then
// returns immediately — it does not block, so it's a natural fit for an
// fx.Lifecycle OnStart hook.
func (o *Orchestrator) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	o.cancel = cancel

	o.cronSched = cron.New()
	if _, err := o.cronSched.AddFunc("@hourly", func() { o.hourlyMaintenance(context.Background()) }); err != nil {
		cancel()
		return err
	}
	o.cronSched.Start()

	o.wg.Add(3)
	go o.runPositionMonitor(ctx)
	go o.runBackgroundScanner(ctx)
	go o.runMainLoop(ctx)

	if o.liquidations != nil {
		o.wg.Add(1)
		go o.runLiquidationConsumer(ctx)
	}
	return nil
}

// Stop signals every worker to drain, bounded by shutdownDrainTimeout,
// optionally closes all open positions, and flushes the logger. Matches an
// fx.Lifecycle OnStop hook.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cancel == nil {
		return nil
	}
	o.cancel()

	cronDone := o.cronSched.Stop()
	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(shutdownDrainTimeout):
		o.log.Warn("shutdown: workers did not drain within timeout")
	}

	select {
	case <-cronDone.Done():
	case <-time.After(shutdownDrainTimeout):
	}

	if o.mode.CloseOnExit {
		o.closeAllPositions(ctx)
	}

	_ = o.log.Sync()
	return nil
}

// runLiquidationConsumer feeds every forced-liquidation print off the
// market-data feed into the liquidation monitor, which tryOpen later
// consults as a same-side risk dampener.
func (o *Orchestrator) runLiquidationConsumer(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.liquidations:
			if !ok {
				return
			}
			o.liqMonitor.Record(ev.Symbol, ev.Side, ev.USD)
		}
	}
}

// runPositionMonitor is W1: sweeps open positions whenever the registry is
// non-empty and position_update_interval has elapsed since the last sweep.
// It never waits on the scanner or the main loop.
func (o *Orchestrator) runPositionMonitor(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(positionMonitorInterval)
	defer ticker.Stop()

	var lastSweep time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.mgr.Count() == 0 {
				continue
			}
			if time.Since(lastSweep) < o.cfg.PositionUpdateInterval {
				continue
			}
			o.mgr.UpdatePositions(ctx, o.market)
			lastSweep = time.Now()
		}
	}
}

// runBackgroundScanner is W2: calls the scanner every check_interval and
// stores the result under scanMu with a timestamp. Between scans it sleeps
// in 1s increments so shutdown is never more than a second away.
func (o *Orchestrator) runBackgroundScanner(ctx context.Context) {
	defer o.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		opps, err := o.scanner.Scan(ctx)
		if err != nil {
			o.log.Warn("background scan failed", zap.Error(err))
		} else {
			o.scanMu.Lock()
			o.latest = opportunitySnapshot{items: opps, at: time.Now()}
			o.scanMu.Unlock()
		}

		if !o.sleepInterruptible(ctx, o.cfg.CheckInterval) {
			return
		}
	}
}

func (o *Orchestrator) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	remaining := d
	for remaining > 0 {
		step := scannerSleepStep
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
		remaining -= step
	}
	return true
}

// runMainLoop is W3: once per check_interval cycle, reads the opportunities
// slot (rejecting stale data) and, for each opportunity in score order,
// sizes and opens a position if guardrails pass.
func (o *Orchestrator) runMainLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(mainLoopInterval)
	defer ticker.Stop()

	var lastCycle time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(lastCycle) < o.cfg.CheckInterval {
				continue
			}
			lastCycle = time.Now()
			o.runCycle(ctx)
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context) {
	o.scanMu.Lock()
	snap := o.latest
	o.scanMu.Unlock()

	if snap.items == nil {
		return
	}
	staleAfter := time.Duration(float64(o.cfg.CheckInterval) * o.cfg.StaleDataMultiplier)
	if time.Since(snap.at) > staleAfter {
		o.log.Warn("opportunities stale, skipping cycle", zap.Duration("age", time.Since(snap.at)))
		return
	}

	items := make([]Opportunity, len(snap.items))
	copy(items, snap.items)
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })

	for _, opp := range items {
		if opp.Confidence < o.cfg.MinSignalConfidence {
			continue
		}
		o.tryOpen(ctx, opp)
	}
}

// liquidationSideAgainst returns the liquidation side that signals elevated
// risk for opening a position on side: heavy sell-side liquidation (longs
// being forced out) is bearish fuel that argues against opening long, and
// symmetrically for short.
func liquidationSideAgainst(side position.Side) risk.LiquidationSide {
	if side == position.Long {
		return risk.LiquidationSell
	}
	return risk.LiquidationBuy
}

// tryOpen sizes opp against the Risk Engine's current state and opens a
// position if every guardrail passes. Rejections are logged, not errors —
// a rejected opportunity is the guardrails working as intended.
func (o *Orchestrator) tryOpen(ctx context.Context, opp Opportunity) {
	if opp.Confidence < o.cfg.MinTradeConfidence || opp.EntryPrice <= 0 {
		return
	}

	balance, err := o.gw.GetBalance(ctx)
	if err != nil {
		o.log.Warn("balance fetch failed, skipping opportunity", zap.String("symbol", opp.Symbol), zap.Error(err))
		return
	}

	snap := o.risk.Snapshot()
	leverage := risk.GetMaxLeverage(risk.LeverageInputs{
		Volatility:     opp.Volatility,
		Confidence:     opp.Confidence,
		Momentum:       opp.Momentum,
		TrendStrength:  opp.TrendStrength,
		RegimeTrending: opp.RegimeTrending,
		WinStreak:      snap.WinStreak,
		LossStreak:     snap.LossStreak,
		RecentWinRate:  snap.RecentWinRate,
		Drawdown:       snap.CurrentDrawdown,
	})

	dampener := o.liqMonitor.RiskDampener(opp.Symbol, liquidationSideAgainst(opp.Side))
	riskPerTrade := risk.AdjustRiskForConditions(o.cfg.RiskPerTrade, opp.Volatility, snap.RecentWinRate, risk.SessionForHour(time.Now().UTC().Hour()), dampener)
	positionValue := balance.Free * riskPerTrade * float64(leverage)
	if positionValue > o.cfg.MaxPositionSize {
		positionValue = o.cfg.MaxPositionSize
	}

	ok, reason := o.risk.ValidateTradeGuardrails(balance.Free, positionValue, o.mgr.Count(), false)
	if !ok {
		o.log.Debug("guardrails rejected opportunity", zap.String("symbol", opp.Symbol), zap.String("reason", reason))
		return
	}

	amount := positionValue / opp.EntryPrice
	stopLossPct := risk.CalculateStopLossPct(opp.Volatility)

	if o.mode.DryRun {
		o.log.Info("dry run: would open position",
			zap.String("symbol", opp.Symbol), zap.Float64("amount", amount), zap.Int("leverage", leverage))
		return
	}

	if err := o.mgr.OpenPosition(ctx, opp.Symbol, opp.Side, amount, leverage, stopLossPct); err != nil {
		o.log.Warn("open position failed", zap.String("symbol", opp.Symbol), zap.Error(err))
	}
}

// hourlyMaintenance is the §4.7 periodic maintenance block: clock sync,
// metadata refresh, and the delegated ML retraining trigger, all on the
// same hourly cadence.
func (o *Orchestrator) hourlyMaintenance(ctx context.Context) {
	if err := o.gw.EnsureClockSynced(ctx); err != nil {
		o.log.Warn("hourly clock sync failed", zap.Error(err))
	}
	if err := o.gw.RefreshMetadata(ctx); err != nil {
		o.log.Warn("hourly metadata refresh failed", zap.Error(err))
	}
	if o.retrainer != nil {
		if err := o.retrainer.TriggerRetrain(ctx); err != nil {
			o.log.Warn("model retrain trigger failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) closeAllPositions(ctx context.Context) {
	for symbol := range o.mgr.Snapshot() {
		if err := o.mgr.ClosePosition(ctx, symbol, position.ReasonShutdown); err != nil {
			o.log.Warn("close-on-exit failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}
