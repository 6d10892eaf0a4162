package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loureed691/apex-perp-engine/config"
	"github.com/loureed691/apex-perp-engine/internal/gateway"
	"github.com/loureed691/apex-perp-engine/internal/manager"
	"github.com/loureed691/apex-perp-engine/internal/position"
	"github.com/loureed691/apex-perp-engine/internal/risk"
	"github.com/loureed691/apex-perp-engine/internal/scheduler"
)

type fakeClient struct {
	metadata   map[string]gateway.MarketMetadata
	balance    gateway.Balance
	orderCalls int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		metadata: map[string]gateway.MarketMetadata{
			"BTCUSDT": {MinAmount: 0.001, MaxAmount: 100, AmountStep: 0.001, PriceStep: 0.1, ContractSize: 1, Active: true, IsSwap: true},
		},
		balance: gateway.Balance{Free: 100000},
	}
}

func (f *fakeClient) ServerTimeMillis(ctx context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

func (f *fakeClient) ExchangeInfo(ctx context.Context) (map[string]gateway.MarketMetadata, error) {
	out := make(map[string]gateway.MarketMetadata, len(f.metadata))
	for k, v := range f.metadata {
		out[k] = v
	}
	return out, nil
}

func (f *fakeClient) GetTicker(ctx context.Context, symbol string) (gateway.Ticker, error) {
	return gateway.Ticker{Last: 50000, Bid: 49999, Ask: 50001}, nil
}

func (f *fakeClient) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]gateway.Candle, error) {
	return nil, nil
}

func (f *fakeClient) GetBalance(ctx context.Context) (gateway.Balance, error) { return f.balance, nil }

func (f *fakeClient) FetchPositions(ctx context.Context) ([]gateway.ExchangePosition, error) {
	return nil, nil
}

func (f *fakeClient) SetMarginMode(ctx context.Context, symbol string) error { return nil }

func (f *fakeClient) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (f *fakeClient) CreateMarketOrder(ctx context.Context, symbol string, side gateway.OrderSide, amount float64, reduceOnly bool) (gateway.OrderResult, error) {
	atomic.AddInt32(&f.orderCalls, 1)
	return gateway.OrderResult{OrderID: 1, FillPrice: 50000, FillAmount: amount, Status: "FILLED"}, nil
}

func (f *fakeClient) CreateLimitOrder(ctx context.Context, symbol string, side gateway.OrderSide, amount, price float64, postOnly, reduceOnly bool) (gateway.OrderResult, error) {
	return gateway.OrderResult{OrderID: 2, FillPrice: price, FillAmount: amount, Status: "FILLED"}, nil
}

func (f *fakeClient) GetOrder(ctx context.Context, symbol string, orderID int64) (gateway.OrderResult, error) {
	return gateway.OrderResult{OrderID: orderID, Status: "FILLED"}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error { return nil }

type fakeScanner struct {
	opps  []Opportunity
	err   error
	calls int32
}

func (s *fakeScanner) Scan(ctx context.Context) ([]Opportunity, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.opps, s.err
}

type staticProvider struct{}

func (staticProvider) Snapshot(ctx context.Context, symbol string) (manager.MarketSnapshot, error) {
	return manager.MarketSnapshot{Price: 50000}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Leverage:               10,
		MaxPositionSize:        2000,
		RiskPerTrade:           0.02,
		MaxOpenPositions:       5,
		StaleDataMultiplier:    3.0,
		CheckInterval:          60 * time.Millisecond,
		PositionUpdateInterval: 10 * time.Millisecond,
		MinSignalConfidence:    0.55,
		MinTradeConfidence:     0.60,
		KillSwitchDailyLossPct: 0.10,
	}
}

func newTestOrchestrator(t *testing.T, client gateway.ExchangeClient, scanner SignalSource, mode config.RunMode) (*Orchestrator, *manager.Manager, *risk.Engine) {
	t.Helper()
	log := zap.NewNop()
	gw := gateway.New(client, scheduler.New(log), nil, log)
	riskEngine := risk.New(100000, 5, 0.10, log)
	mgr, err := manager.New(gw, riskEngine, 4, log)
	require.NoError(t, err)
	t.Cleanup(mgr.Release)

	o := New(gw, mgr, riskEngine, scanner, staticProvider{}, nil, nil, testConfig(), mode, log)
	return o, mgr, riskEngine
}

func sampleOpportunity() Opportunity {
	return Opportunity{
		Symbol:        "BTCUSDT",
		Side:          position.Long,
		Score:         1,
		Confidence:    0.9,
		EntryPrice:    50000,
		Volatility:    0.02,
		Momentum:      0.01,
		TrendStrength: 0.8,
	}
}

func TestRunCycleOpensPositionWhenGuardrailsPass(t *testing.T) {
	client := newFakeClient()
	o, mgr, _ := newTestOrchestrator(t, client, &fakeScanner{}, config.RunMode{})

	o.scanMu.Lock()
	o.latest = opportunitySnapshot{items: []Opportunity{sampleOpportunity()}, at: time.Now()}
	o.scanMu.Unlock()

	o.runCycle(context.Background())

	assert.Equal(t, 1, mgr.Count())
	assert.EqualValues(t, 1, atomic.LoadInt32(&client.orderCalls))
}

func TestRunCycleSkipsStaleOpportunities(t *testing.T) {
	client := newFakeClient()
	o, mgr, _ := newTestOrchestrator(t, client, &fakeScanner{}, config.RunMode{})

	staleAfter := time.Duration(float64(o.cfg.CheckInterval) * o.cfg.StaleDataMultiplier)
	o.scanMu.Lock()
	o.latest = opportunitySnapshot{items: []Opportunity{sampleOpportunity()}, at: time.Now().Add(-2 * staleAfter)}
	o.scanMu.Unlock()

	o.runCycle(context.Background())

	assert.Equal(t, 0, mgr.Count())
	assert.EqualValues(t, 0, atomic.LoadInt32(&client.orderCalls))
}

func TestRunCycleSkipsBelowMinSignalConfidence(t *testing.T) {
	client := newFakeClient()
	o, mgr, _ := newTestOrchestrator(t, client, &fakeScanner{}, config.RunMode{})

	opp := sampleOpportunity()
	opp.Confidence = 0.1
	o.scanMu.Lock()
	o.latest = opportunitySnapshot{items: []Opportunity{opp}, at: time.Now()}
	o.scanMu.Unlock()

	o.runCycle(context.Background())

	assert.Equal(t, 0, mgr.Count())
}

func TestTryOpenRejectsWhenGuardrailsFail(t *testing.T) {
	client := newFakeClient()
	client.balance = gateway.Balance{Free: 0}
	o, mgr, _ := newTestOrchestrator(t, client, &fakeScanner{}, config.RunMode{})

	o.tryOpen(context.Background(), sampleOpportunity())

	assert.Equal(t, 0, mgr.Count())
	assert.EqualValues(t, 0, atomic.LoadInt32(&client.orderCalls))
}

func TestTryOpenDryRunNeverSubmitsOrder(t *testing.T) {
	client := newFakeClient()
	o, mgr, _ := newTestOrchestrator(t, client, &fakeScanner{}, config.RunMode{DryRun: true})

	o.tryOpen(context.Background(), sampleOpportunity())

	assert.Equal(t, 0, mgr.Count())
	assert.EqualValues(t, 0, atomic.LoadInt32(&client.orderCalls))
}

func TestHourlyMaintenanceRunsClockSyncAndMetadataRefresh(t *testing.T) {
	client := newFakeClient()
	o, _, _ := newTestOrchestrator(t, client, &fakeScanner{}, config.RunMode{})

	assert.NotPanics(t, func() { o.hourlyMaintenance(context.Background()) })
}

func TestCloseAllPositionsClosesEveryOpenPosition(t *testing.T) {
	client := newFakeClient()
	o, mgr, _ := newTestOrchestrator(t, client, &fakeScanner{}, config.RunMode{CloseOnExit: true})

	require.NoError(t, mgr.OpenPosition(context.Background(), "BTCUSDT", position.Long, 0.01, 10, 0.02))
	assert.Equal(t, 1, mgr.Count())

	o.closeAllPositions(context.Background())

	assert.Equal(t, 0, mgr.Count())
}

func TestStartStopDrainsWorkersPromptly(t *testing.T) {
	client := newFakeClient()
	scanner := &fakeScanner{opps: []Opportunity{sampleOpportunity()}}
	o, _, _ := newTestOrchestrator(t, client, scanner, config.RunMode{})

	require.NoError(t, o.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, o.Stop(context.Background()))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(6 * time.Second):
		t.Fatal("Stop did not return within the bounded drain timeout")
	}
}
