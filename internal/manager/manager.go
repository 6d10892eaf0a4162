// Package manager implements the Position Manager (C6, §4.6): the
// thread-safe position registry and its open/close/scale/reconcile
// operations, including the concurrent-close-prevention rule that stops
// update_positions from double-closing a position a prior candidate in the
// same sweep already closed.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/loureed691/apex-perp-engine/internal/errkind"
	"github.com/loureed691/apex-perp-engine/internal/gateway"
	"github.com/loureed691/apex-perp-engine/internal/position"
	"github.com/loureed691/apex-perp-engine/internal/risk"
)

// MarketSnapshot bundles the per-symbol inputs the position state machine
// needs on every sweep: current price plus the volatility/momentum/trend
// signals the (out-of-scope) indicator pipeline would otherwise supply.
type MarketSnapshot struct {
	Price                float64
	Volatility           float64
	Momentum             float64
	TrendStrength        float64
	RSI                  float64
	SR                   position.SupportResistance
	Drawdown             float64
	PortfolioCorrelation float64
}

// MarketDataProvider is the "market_data_provider" seam from §4.6:
// cmd/engine wires this to the Market Data Feed (stream, falling back to
// REST on staleness), whose snapshots carry only Price; every other field
// is zero.
type MarketDataProvider interface {
	Snapshot(ctx context.Context, symbol string) (MarketSnapshot, error)
}

// Manager owns the position registry exclusively (§3 ownership rule): every
// access to a Position goes through (registryMu, per-symbol lock).
type Manager struct {
	gw   *gateway.Gateway
	risk *risk.Engine
	log  *zap.Logger
	pool *ants.Pool

	makerPollInterval time.Duration
	makerFillTimeout  time.Duration

	registryMu sync.Mutex
	positions  map[string]*position.Position
	locks      map[string]*sync.Mutex
}

const (
	defaultMakerPollInterval = 1 * time.Second
	defaultMakerFillTimeout  = 5 * time.Second
)

// New builds a Manager. poolSize bounds the concurrency of a single
// update_positions sweep's per-symbol fan-out (§4.6, "Worker pool").
func New(gw *gateway.Gateway, riskEngine *risk.Engine, poolSize int, log *zap.Logger) (*Manager, error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		gw:                gw,
		risk:              riskEngine,
		log:               log,
		pool:              pool,
		makerPollInterval: defaultMakerPollInterval,
		makerFillTimeout:  defaultMakerFillTimeout,
		positions:         make(map[string]*position.Position),
		locks:             make(map[string]*sync.Mutex),
	}, nil
}

// Release stops the worker pool. Call once during shutdown.
func (m *Manager) Release() {
	m.pool.Release()
}

// Count returns the number of currently open positions.
func (m *Manager) Count() int {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	return len(m.positions)
}

// Snapshot returns a shallow copy of the registry for read-only consumers
// (metrics, the orchestrator's scoring pass).
func (m *Manager) Snapshot() map[string]*position.Position {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	out := make(map[string]*position.Position, len(m.positions))
	for k, v := range m.positions {
		out[k] = v
	}
	return out
}

func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	return m.locks[symbol]
}

func opposite(side position.Side) gateway.OrderSide {
	if side == position.Long {
		return gateway.Sell
	}
	return gateway.Buy
}

func toGatewaySide(side position.Side) gateway.OrderSide {
	if side == position.Long {
		return gateway.Buy
	}
	return gateway.Sell
}

// Restore seeds the registry directly from a recovered Position, bypassing
// reserveSlot/OpenPosition's guardrails since the position is already open
// on the exchange, not a new trade. Call before the first ReconcileWithExchange
// so the richer local state (stops, trailing flags, peak pnl) survives a
// restart instead of being rebuilt from exchange defaults.
func (m *Manager) Restore(symbol string, pos *position.Position) {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	if _, exists := m.positions[symbol]; exists {
		return
	}
	m.positions[symbol] = pos
	m.locks[symbol] = &sync.Mutex{}
	m.log.Info("position restored from snapshot", zap.String("symbol", symbol), zap.Float64("entry_price", pos.EntryPrice))
}

// reserveSlot claims symbol in the registry before a blocking order call, so
// a second OpenPosition for the same symbol fails fast instead of racing the
// exchange round trip.
func (m *Manager) reserveSlot(symbol string) error {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	if _, exists := m.positions[symbol]; exists {
		return errkind.New(errkind.InvariantViolated, "duplicate symbol: position already open for "+symbol)
	}
	m.positions[symbol] = nil
	m.locks[symbol] = &sync.Mutex{}
	return nil
}

func (m *Manager) releaseSlot(symbol string) {
	m.registryMu.Lock()
	delete(m.positions, symbol)
	delete(m.locks, symbol)
	m.registryMu.Unlock()
}

func (m *Manager) installPosition(symbol string, pos *position.Position) {
	m.registryMu.Lock()
	m.positions[symbol] = pos
	m.registryMu.Unlock()
	m.log.Info("position opened", zap.String("symbol", symbol), zap.Float64("entry_price", pos.EntryPrice), zap.Int("leverage", pos.Leverage))
}

// OpenPosition implements §4.6's open_position: forbids a duplicate symbol,
// submits the market order via the Gateway, and on confirmed fill constructs
// and registers the Position.
func (m *Manager) OpenPosition(ctx context.Context, symbol string, side position.Side, amount float64, leverage int, stopLossPct float64) error {
	if err := m.reserveSlot(symbol); err != nil {
		return err
	}

	res, err := m.gw.CreateMarketOrder(ctx, symbol, toGatewaySide(side), amount, leverage, false)
	if err != nil {
		m.releaseSlot(symbol)
		return err
	}

	pos := position.Open(symbol, side, res.FillAmount, leverage, res.FillPrice, stopLossPct, gateway.DefaultTakerFee, time.Now().UnixMilli())
	m.installPosition(symbol, pos)
	return nil
}

// OpenPositionMaker submits a post-only limit order at limitPrice, polls for
// a fill up to makerFillTimeout, and falls back to a market order (cancelling
// the resting limit first) if it never fills.
func (m *Manager) OpenPositionMaker(ctx context.Context, symbol string, side position.Side, amount float64, leverage int, stopLossPct, limitPrice float64) error {
	if err := m.reserveSlot(symbol); err != nil {
		return err
	}

	res, err := m.gw.CreateLimitOrder(ctx, symbol, toGatewaySide(side), amount, limitPrice, leverage, true, false)
	if err != nil {
		m.releaseSlot(symbol)
		return err
	}

	deadline := time.Now().Add(m.makerFillTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(m.makerPollInterval)
		polled, err := m.gw.GetOrder(ctx, symbol, res.OrderID)
		if err != nil {
			m.log.Warn("maker order poll failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if polled.Status == "FILLED" {
			pos := position.Open(symbol, side, polled.FillAmount, leverage, polled.FillPrice, stopLossPct, gateway.DefaultMakerFee, time.Now().UnixMilli())
			m.installPosition(symbol, pos)
			return nil
		}
	}

	m.log.Info("maker order did not fill in time, falling back to market", zap.String("symbol", symbol), zap.Int64("order_id", res.OrderID))
	if err := m.gw.CancelOrder(ctx, res.OrderID, symbol); err != nil {
		m.log.Warn("cancel of unfilled maker order failed", zap.String("symbol", symbol), zap.Error(err))
	}

	marketRes, err := m.gw.CreateMarketOrder(ctx, symbol, toGatewaySide(side), amount, leverage, false)
	if err != nil {
		m.releaseSlot(symbol)
		return err
	}
	pos := position.Open(symbol, side, marketRes.FillAmount, leverage, marketRes.FillPrice, stopLossPct, gateway.DefaultTakerFee, time.Now().UnixMilli())
	m.installPosition(symbol, pos)
	return nil
}

// ClosePosition implements §4.6's close_position. It is idempotent: closing
// a symbol with no registered position is a no-op, not an error, so both
// direct callers and the update_positions sweep can call it freely.
func (m *Manager) ClosePosition(ctx context.Context, symbol string, reason position.CloseReason) error {
	lock := m.symbolLock(symbol)
	if lock == nil {
		return nil
	}
	lock.Lock()
	defer lock.Unlock()
	return m.closeLocked(ctx, symbol, reason)
}

// closeLocked assumes the caller already holds symbol's per-position lock.
// It re-checks registry membership first — the concurrent-close-prevention
// rule — since a prior candidate in the same sweep may already have closed
// this symbol.
func (m *Manager) closeLocked(ctx context.Context, symbol string, reason position.CloseReason) error {
	m.registryMu.Lock()
	pos, ok := m.positions[symbol]
	m.registryMu.Unlock()
	if !ok || pos == nil {
		return nil
	}

	// §4.6: leverage is read from the exchange snapshot, not the cached
	// Position, to avoid leverage-mismatch errors on close.
	leverage := m.gw.CloseLeverageForSymbol(ctx, symbol)

	res, err := m.gw.CreateMarketOrder(ctx, symbol, opposite(pos.Side), pos.Amount, leverage, true)
	if err != nil {
		return err
	}

	pnl := pos.NetPnL(res.FillPrice)
	m.risk.RecordTradeOutcome(pnl)

	m.registryMu.Lock()
	delete(m.positions, symbol)
	delete(m.locks, symbol)
	m.registryMu.Unlock()

	m.log.Info("position closed", zap.String("symbol", symbol), zap.String("reason", string(reason)), zap.Float64("pnl_net", pnl))
	return nil
}

// UpdatePositions implements §4.6's update_positions: for each open
// position, under its per-symbol lock, refresh price/volatility-derived
// state and evaluate should_close, fanned out across the worker pool
// bounded by poolSize concurrent symbols per sweep.
func (m *Manager) UpdatePositions(ctx context.Context, provider MarketDataProvider) {
	m.registryMu.Lock()
	symbols := make([]string, 0, len(m.positions))
	for s := range m.positions {
		symbols = append(symbols, s)
	}
	m.registryMu.Unlock()

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		symbol := symbol
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			m.updateOne(ctx, symbol, provider)
		})
		if err != nil {
			wg.Done()
			m.log.Warn("update_positions: worker pool submit failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	wg.Wait()
}

func (m *Manager) updateOne(ctx context.Context, symbol string, provider MarketDataProvider) {
	lock := m.symbolLock(symbol)
	if lock == nil {
		return
	}
	lock.Lock()
	defer lock.Unlock()

	m.registryMu.Lock()
	pos, ok := m.positions[symbol]
	m.registryMu.Unlock()
	if !ok || pos == nil {
		return
	}

	snap, err := provider.Snapshot(ctx, symbol)
	if err != nil {
		m.log.Warn("update_positions: snapshot failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	basePct := risk.CalculateStopLossPct(snap.Volatility)
	pos.UpdateTrailingStop(snap.Price, basePct, snap.Volatility, snap.Momentum)
	pos.UpdateBreakevenPlus(snap.Price, snap.Volatility)
	pos.UpdateTrailingTakeProfit(snap.Price, snap.Volatility, snap.Momentum)
	pos.UpdateTakeProfit(snap.Price, snap.Momentum, snap.TrendStrength, snap.Volatility, snap.RSI, snap.SR)
	pos.RecordPnLSample(time.Now().UnixMilli(), snap.Price)

	shouldClose, reason := pos.ShouldClose(snap.Price, snap.Volatility, snap.Drawdown, snap.PortfolioCorrelation)
	if !shouldClose {
		return
	}

	// Concurrent-close-prevention: re-verify existence right before the
	// close call. Holding the per-symbol lock already serializes this
	// against other update_positions workers and ClosePosition callers, but
	// the explicit re-check keeps the invariant true even if that locking
	// discipline is loosened later.
	m.registryMu.Lock()
	_, stillExists := m.positions[symbol]
	m.registryMu.Unlock()
	if !stillExists {
		return
	}

	if err := m.closeLocked(ctx, symbol, reason); err != nil {
		m.log.Error("update_positions: close failed", zap.String("symbol", symbol), zap.String("reason", string(reason)), zap.Error(err))
	}
}

// ScaleOut implements §4.6's scale_out: submits a reduce-only order for
// fraction * amount using the Position's recorded leverage, not the
// Gateway's close-path default — the documented bug fix over a naive
// implementation that reads leverage the same way close_position does.
func (m *Manager) ScaleOut(ctx context.Context, symbol string, fraction float64) error {
	lock := m.symbolLock(symbol)
	if lock == nil {
		return errkind.New(errkind.InvalidOrder, "no open position for "+symbol)
	}
	lock.Lock()
	defer lock.Unlock()

	m.registryMu.Lock()
	pos, ok := m.positions[symbol]
	m.registryMu.Unlock()
	if !ok || pos == nil {
		return errkind.New(errkind.InvalidOrder, "no open position for "+symbol)
	}

	amount := fraction * pos.Amount
	if md, ok := m.gw.Metadata(ctx, symbol); ok && amount < md.MinAmount {
		return errkind.New(errkind.InvalidOrder, "scale-out amount below min_amount")
	}

	res, err := m.gw.CreateMarketOrder(ctx, symbol, opposite(pos.Side), amount, pos.Leverage, true)
	if err != nil {
		return err
	}

	sign := 1.0
	if pos.Side == position.Short {
		sign = -1.0
	}
	notional := pos.EntryPrice * res.FillAmount
	gross := (res.FillPrice - pos.EntryPrice) * sign * res.FillAmount
	partialPnL := gross - 2*pos.TakerFee*notional

	pos.Amount -= res.FillAmount
	m.risk.RecordTradeOutcome(partialPnL)

	m.log.Info("position scaled out", zap.String("symbol", symbol), zap.Float64("fraction", fraction), zap.Float64("pnl_net", partialPnL))
	return nil
}

// ReconcileWithExchange implements §4.6's reconcile_with_exchange: fetches
// authoritative exchange positions, adopts any without a local twin, and
// removes any local Position without an exchange twin as an untracked exit.
// Idempotent: a second call with no intervening change leaves the registry
// unchanged.
func (m *Manager) ReconcileWithExchange(ctx context.Context) error {
	exch, err := m.gw.FetchPositions(ctx)
	if err != nil {
		return err
	}
	exchBySymbol := make(map[string]gateway.ExchangePosition, len(exch))
	for _, p := range exch {
		exchBySymbol[p.Symbol] = p
	}

	m.registryMu.Lock()
	localSymbols := make([]string, 0, len(m.positions))
	for s := range m.positions {
		localSymbols = append(localSymbols, s)
	}
	m.registryMu.Unlock()

	for _, symbol := range localSymbols {
		if _, ok := exchBySymbol[symbol]; ok {
			continue
		}
		m.removeUntracked(symbol)
	}

	for symbol, ep := range exchBySymbol {
		m.registryMu.Lock()
		_, exists := m.positions[symbol]
		m.registryMu.Unlock()
		if exists {
			continue
		}
		m.adoptFromExchange(symbol, ep)
	}
	return nil
}

func (m *Manager) removeUntracked(symbol string) {
	lock := m.symbolLock(symbol)
	if lock == nil {
		return
	}
	lock.Lock()
	defer lock.Unlock()

	m.registryMu.Lock()
	pos, ok := m.positions[symbol]
	if ok {
		delete(m.positions, symbol)
		delete(m.locks, symbol)
	}
	m.registryMu.Unlock()

	if ok && pos != nil {
		m.log.Warn("reconcile: local position has no exchange twin, removing as untracked exit", zap.String("symbol", symbol))
		m.risk.RecordTradeOutcome(pos.LastPnL)
	}
}

func (m *Manager) adoptFromExchange(symbol string, ep gateway.ExchangePosition) {
	side := position.Long
	if ep.Side == "short" {
		side = position.Short
	}
	stopLossPct := risk.CalculateStopLossPct(0)
	pos := position.Open(symbol, side, ep.Amount, ep.Leverage, ep.EntryPrice, stopLossPct, gateway.DefaultTakerFee, time.Now().UnixMilli())

	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	if _, exists := m.positions[symbol]; exists {
		return
	}
	m.positions[symbol] = pos
	m.locks[symbol] = &sync.Mutex{}
	m.log.Warn("reconcile: adopted untracked exchange position", zap.String("symbol", symbol), zap.Float64("entry_price", ep.EntryPrice))
}
