package marketdata

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// TestReconnectBackoffFormula mirrors §7's "Websocket reconnect at n=10:
// delay is clamped to 300s" edge case.
func TestReconnectBackoffFormula(t *testing.T) {
	cases := []struct {
		attempt int
		want    float64
	}{
		{1, 5},
		{2, 10},
		{3, 20},
		{10, 300},
		{20, 300},
	}
	for _, c := range cases {
		got := math.Min(5*math.Pow(2, float64(c.attempt-1)), 300)
		assert.Equal(t, c.want, got, "attempt %d", c.attempt)
	}
}

func TestErrorDeduplicationCoalescesWithinWindow(t *testing.T) {
	f := New(nil, nil, nil, zap.NewNop())
	f.logDeduped("boom")
	f.logDeduped("boom")
	f.logDeduped("boom")
	assert.Equal(t, 2, f.repeatN)
	assert.Equal(t, "boom", f.lastErrMsg)
}

func TestErrorDeduplicationResetsOnDistinctError(t *testing.T) {
	f := New(nil, nil, nil, zap.NewNop())
	f.logDeduped("boom")
	f.logDeduped("boom")
	f.logDeduped("different error")
	assert.Equal(t, 0, f.repeatN)
	assert.Equal(t, "different error", f.lastErrMsg)
}

func TestLatestUsesStreamedPriceWhenFresh(t *testing.T) {
	f := New(nil, nil, nil, zap.NewNop())
	f.mu.Lock()
	f.lastPrice["BTCUSDT"] = priceEntry{ticker: TickerUpdate{Symbol: "BTCUSDT", Last: 123}, at: time.Now()}
	f.mu.Unlock()

	got, err := f.Latest(nil, "BTCUSDT") //nolint:staticcheck // nil ctx unused on the fresh-cache path
	assert.NoError(t, err)
	assert.Equal(t, 123.0, got.Last)
}

func TestDispatchTickerParsesFrame(t *testing.T) {
	f := New(nil, nil, nil, zap.NewNop())
	fr := frame{
		Type:  "message",
		Topic: "/contractMarket/tickerV2:BTCUSDT",
		Data:  []byte(`{"symbol":"BTCUSDT","price":"50000.5","bestBidPrice":"50000.1","bestAskPrice":"50000.9"}`),
	}
	f.dispatchData(fr)

	select {
	case tu := <-f.Tickers():
		assert.Equal(t, "BTCUSDT", tu.Symbol)
		assert.InDelta(t, 50000.5, tu.Last, 1e-9)
	default:
		t.Fatal("expected a ticker update")
	}
}
