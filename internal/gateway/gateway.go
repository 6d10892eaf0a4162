// Package gateway implements the Exchange Gateway (C1, §4.2): a
// priority-scheduled REST facade over the exchange with symbol-metadata
// caching, clock-sync, local order validation, and the margin-mode /
// leverage / affordability preamble every order-creating call performs.
package gateway

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/loureed691/apex-perp-engine/internal/errkind"
	"github.com/loureed691/apex-perp-engine/internal/scheduler"
)

const (
	clockSyncInterval   = 1 * time.Hour
	clockDriftThreshold = 5000 * time.Millisecond
	metadataRefreshTTL  = 1 * time.Hour

	// TakerFee / round-trip fee accounting (§4.2).
	DefaultTakerFee = 0.0006
	DefaultMakerFee = 0.0002
)

// State is GatewayState (§3): process-wide, owned exclusively by Gateway.
type State struct {
	mu              sync.RWMutex
	metadata        map[string]MarketMetadata
	metadataFetched map[string]time.Time
	lastClockCheck  time.Time
	clockDriftMs    int64
}

// Gateway is C1. All exported operations are priority-tagged per §4.1 and
// dispatched through the shared Scheduler.
type Gateway struct {
	client    ExchangeClient
	scheduler *scheduler.Scheduler
	breaker   *gobreaker.CircuitBreaker
	throttle  *scheduler.SymbolThrottle
	state     *State
	log       *zap.Logger
}

// New builds the Gateway. The circuit breaker wraps only HIGH/NORMAL/LOW
// calls (never CRITICAL order/close/cancel paths) per §9's explicit
// allowance: "Implementers may add one at the Gateway layer, but it MUST
// never block exits." throttle is a secondary per-symbol order-rate guard,
// independent of the scheduler's global gate; a nil throttle disables it.
func New(client ExchangeClient, sched *scheduler.Scheduler, throttle *scheduler.SymbolThrottle, log *zap.Logger) *Gateway {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway-non-critical",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Gateway{
		client:    client,
		scheduler: sched,
		breaker:   cb,
		throttle:  throttle,
		state: &State{
			metadata:        make(map[string]MarketMetadata),
			metadataFetched: make(map[string]time.Time),
		},
		log: log,
	}
}

// GetTicker implements §4.2's get_ticker (HIGH priority).
func (g *Gateway) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	var out Ticker
	err := g.runNonCritical(ctx, scheduler.High, func(ctx context.Context) error {
		t, err := g.client.GetTicker(ctx, symbol)
		if err != nil {
			return errkind.Wrap(errkind.NetworkTransient, err, "get_ticker")
		}
		if t.Last <= 0 {
			return errkind.New(errkind.DataUnavailable, "ticker price missing or non-positive")
		}
		out = t
		return nil
	})
	return out, err
}

// GetOHLCV implements §4.2's get_ohlcv (NORMAL priority) with a 3-attempt
// exponential backoff (1s, 2s, 3s) per §4.2/§7; returns empty on exhaustion
// rather than an error, so a caller can treat "no candles yet" the same way
// it treats "not enough history yet".
func (g *Gateway) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) []Candle {
	b := &backoff.Backoff{Min: 1 * time.Second, Max: 3 * time.Second, Factor: 2, Jitter: false}
	var out []Candle
	for attempt := 0; attempt < 3; attempt++ {
		err := g.runNonCritical(ctx, scheduler.Normal, func(ctx context.Context) error {
			candles, err := g.client.GetOHLCV(ctx, symbol, timeframe, limit)
			if err != nil {
				return errkind.Wrap(errkind.NetworkTransient, err, "get_ohlcv")
			}
			out = candles
			return nil
		})
		if err == nil {
			return out
		}
		g.log.Warn("get_ohlcv attempt failed", zap.String("symbol", symbol), zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(b.Duration())
	}
	return nil
}

// GetBalance implements §4.2's get_balance (HIGH priority).
func (g *Gateway) GetBalance(ctx context.Context) (Balance, error) {
	var out Balance
	err := g.runNonCritical(ctx, scheduler.High, func(ctx context.Context) error {
		b, err := g.client.GetBalance(ctx)
		if err != nil {
			return errkind.Wrap(errkind.NetworkTransient, err, "get_balance")
		}
		out = b
		return nil
	})
	return out, err
}

// FetchPositions implements §4.2's fetch_positions (HIGH priority).
func (g *Gateway) FetchPositions(ctx context.Context) ([]ExchangePosition, error) {
	var out []ExchangePosition
	err := g.runNonCritical(ctx, scheduler.High, func(ctx context.Context) error {
		p, err := g.client.FetchPositions(ctx)
		if err != nil {
			return errkind.Wrap(errkind.NetworkTransient, err, "fetch_positions")
		}
		out = p
		return nil
	})
	return out, err
}

// runNonCritical routes a HIGH/NORMAL/LOW call through both the priority
// scheduler and the circuit breaker.
func (g *Gateway) runNonCritical(ctx context.Context, p scheduler.Priority, fn func(context.Context) error) error {
	return g.scheduler.Run(ctx, p, func(ctx context.Context) error {
		_, err := g.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		return err
	})
}

// EnsureClockSynced implements §4.2 step 1: fetches server time at most
// once per clockSyncInterval and halts new orders when drift exceeds
// clockDriftThreshold. Returns nil when synced-enough-to-trade.
func (g *Gateway) EnsureClockSynced(ctx context.Context) error {
	g.state.mu.RLock()
	fresh := time.Since(g.state.lastClockCheck) < clockSyncInterval
	drift := g.state.clockDriftMs
	g.state.mu.RUnlock()

	if fresh {
		if math.Abs(float64(drift)) > float64(clockDriftThreshold.Milliseconds()) {
			return errkind.New(errkind.ClockDrift, "clock drift exceeds threshold since last check")
		}
		return nil
	}

	var serverMs int64
	err := g.scheduler.Run(ctx, scheduler.High, func(ctx context.Context) error {
		ms, err := g.client.ServerTimeMillis(ctx)
		if err != nil {
			return errkind.Wrap(errkind.NetworkTransient, err, "server_time")
		}
		serverMs = ms
		return nil
	})
	if err != nil {
		return err
	}

	localMs := time.Now().UnixMilli()
	newDrift := localMs - serverMs

	g.state.mu.Lock()
	g.state.lastClockCheck = time.Now()
	g.state.clockDriftMs = newDrift
	g.state.mu.Unlock()

	if math.Abs(float64(newDrift)) > float64(clockDriftThreshold.Milliseconds()) {
		return errkind.New(errkind.ClockDrift, "clock drift exceeds 5000ms threshold")
	}
	return nil
}

// RefreshMetadata implements the §3 "refreshed every ~1 hour or on
// validation failure" rule, fetching the NORMAL-priority exchange-info
// listing and filtering to the union of swap and future markets (§4.2:
// "filtering on swap only is a bug").
func (g *Gateway) RefreshMetadata(ctx context.Context) error {
	var all map[string]MarketMetadata
	err := g.runNonCritical(ctx, scheduler.Normal, func(ctx context.Context) error {
		m, err := g.client.ExchangeInfo(ctx)
		if err != nil {
			return errkind.Wrap(errkind.NetworkTransient, err, "exchange_info")
		}
		all = m
		return nil
	})
	if err != nil {
		return err
	}

	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	now := time.Now()
	for symbol, md := range all {
		if !md.IsSwap && !md.IsFuture {
			continue
		}
		g.state.metadata[symbol] = md
		g.state.metadataFetched[symbol] = now
	}
	return nil
}

// Metadata returns the cached metadata for symbol, refreshing first on a
// cache miss (§4.2: "Metadata is refreshed on cache miss or on first
// validation failure per symbol").
func (g *Gateway) Metadata(ctx context.Context, symbol string) (MarketMetadata, bool) {
	g.state.mu.RLock()
	md, ok := g.state.metadata[symbol]
	fetchedAt, hasFetch := g.state.metadataFetched[symbol]
	g.state.mu.RUnlock()

	stale := !hasFetch || time.Since(fetchedAt) > metadataRefreshTTL
	if !ok || stale {
		_ = g.RefreshMetadata(ctx)
		g.state.mu.RLock()
		md, ok = g.state.metadata[symbol]
		g.state.mu.RUnlock()
	}
	return md, ok
}

// invalidateMetadata forces the next Metadata lookup for symbol to refetch,
// used after a local-validation failure per §4.2.
func (g *Gateway) invalidateMetadata(symbol string) {
	g.state.mu.Lock()
	delete(g.state.metadataFetched, symbol)
	g.state.mu.Unlock()
}
