package gateway

import "context"

// MarketMetadata is the cached per-symbol trading-rule snapshot (§3).
type MarketMetadata struct {
	MinAmount    float64
	MaxAmount    float64
	AmountStep   float64
	PriceStep    float64
	ContractSize float64
	Active       bool
	IsSwap       bool
	IsFuture     bool
}

// Ticker is the minimal quote (§4.2 get_ticker).
type Ticker struct {
	Last float64
	Bid  float64
	Ask  float64
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Balance mirrors §4.2's get_balance sentinel-on-failure contract: on
// success Free/Used are populated; Gateway distinguishes failure by
// returning an error rather than a zeroed struct.
type Balance struct {
	Free float64
	Used float64
}

// ExchangePosition is the raw, exchange-native view §4.2's fetch_positions
// returns (as opposed to the engine-owned Position in internal/position).
type ExchangePosition struct {
	Symbol       string
	Side         string // "long" | "short"
	Amount       float64
	EntryPrice   float64
	Leverage     int
	UnrealizedPnL float64
}

// OrderSide is long/short direction expressed as an order action.
type OrderSide int

const (
	Buy OrderSide = iota
	Sell
)

// OrderResult is returned by both market and limit order submission.
type OrderResult struct {
	OrderID    int64
	FillPrice  float64
	FillAmount float64
	Status     string
}

// ExchangeClient is the seam the Gateway drives — small enough to fake in
// tests, wide enough to cover every §4.2/§6 operation.
type ExchangeClient interface {
	ServerTimeMillis(ctx context.Context) (int64, error)
	ExchangeInfo(ctx context.Context) (map[string]MarketMetadata, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	GetBalance(ctx context.Context) (Balance, error)
	FetchPositions(ctx context.Context) ([]ExchangePosition, error)
	SetMarginMode(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, amount float64, reduceOnly bool) (OrderResult, error)
	CreateLimitOrder(ctx context.Context, symbol string, side OrderSide, amount, price float64, postOnly, reduceOnly bool) (OrderResult, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}
