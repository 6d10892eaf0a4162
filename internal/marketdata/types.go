package marketdata

import (
	"encoding/json"

	"github.com/loureed691/apex-perp-engine/internal/risk"
)

// TickerUpdate is one ticker push from the exchange stream.
type TickerUpdate struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
}

// CandleUpdate is one kline push (closed or still-forming, per Closed).
type CandleUpdate struct {
	Symbol    string
	Timeframe string
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Closed    bool
}

// DepthUpdate is a top-of-book order book push.
type DepthUpdate struct {
	Symbol   string
	BidPrice float64
	BidSize  float64
	AskPrice float64
	AskSize  float64
}

// LiquidationUpdate is one forced-liquidation print from the exchange's
// liquidation feed.
type LiquidationUpdate struct {
	Symbol string
	Side   risk.LiquidationSide
	USD    float64
}

// frame is the exchange's websocket envelope (§4.3): {type, topic, ...}.
type frame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Subject string `json:"subject"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    json.RawMessage `json:"data"`
}
