package gateway

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/loureed691/apex-perp-engine/internal/errkind"
)

// BinanceClient adapts adshao/go-binance/v2/futures to ExchangeClient. It is
// the only file in this package aware of the wire SDK's own types; every
// other file in internal/gateway speaks exclusively in terms of this
// package's own Ticker/Candle/Balance/OrderResult types.
type BinanceClient struct {
	c *futures.Client
}

// NewBinanceClient wraps an already-configured futures.Client.
func NewBinanceClient(c *futures.Client) *BinanceClient {
	return &BinanceClient{c: c}
}

func (b *BinanceClient) ServerTimeMillis(ctx context.Context) (int64, error) {
	return b.c.NewServerTimeService().Do(ctx)
}

func (b *BinanceClient) ExchangeInfo(ctx context.Context) (map[string]MarketMetadata, error) {
	info, err := b.c.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]MarketMetadata, len(info.Symbols))
	for _, s := range info.Symbols {
		md := MarketMetadata{
			Active:       s.Status == "TRADING",
			IsSwap:       s.ContractType == "PERPETUAL",
			IsFuture:     s.ContractType != "" && s.ContractType != "PERPETUAL",
			ContractSize: 1,
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				md.MinAmount = parseFloat(f["minQty"])
				md.MaxAmount = parseFloat(f["maxQty"])
				md.AmountStep = parseFloat(f["stepSize"])
			case "PRICE_FILTER":
				md.PriceStep = parseFloat(f["tickSize"])
			}
		}
		out[s.Symbol] = md
	}
	return out, nil
}

func (b *BinanceClient) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	prices, err := b.c.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil || len(prices) == 0 {
		if err == nil {
			err = fmt.Errorf("no book ticker returned for %s", symbol)
		}
		return Ticker{}, err
	}
	bt := prices[0]
	bid := parseFloat(bt.BidPrice)
	ask := parseFloat(bt.AskPrice)
	return Ticker{Last: (bid + ask) / 2, Bid: bid, Ask: ask}, nil
}

func (b *BinanceClient) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	klines, err := b.c.NewKlinesService().Symbol(symbol).Interval(timeframe).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, Candle{
			OpenTime: k.OpenTime,
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume:   parseFloat(k.Volume),
		})
	}
	return out, nil
}

func (b *BinanceClient) GetBalance(ctx context.Context) (Balance, error) {
	accounts, err := b.c.NewGetBalanceService().Do(ctx)
	if err != nil {
		return Balance{}, err
	}
	for _, a := range accounts {
		if a.Asset == "USDT" {
			free := parseMoney(a.AvailableBalance)
			total := parseMoney(a.Balance)
			usedDec, freeDec := total.Sub(free), free
			return Balance{Free: freeDec.InexactFloat64(), Used: usedDec.InexactFloat64()}, nil
		}
	}
	return Balance{}, nil
}

// parseMoney decodes a wire-format balance/margin/fee quantity as a
// decimal.Decimal rather than going straight to float64: these strings
// cross the exchange boundary and get subtracted before the
// result is handed to the engine's float64 position math, so the
// intermediate arithmetic here is exact. A malformed string decodes to
// zero, matching parseFloat's own silent-zero behavior for this client.
func parseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (b *BinanceClient) FetchPositions(ctx context.Context) ([]ExchangePosition, error) {
	risks, err := b.c.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ExchangePosition, 0, len(risks))
	for _, p := range risks {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}
		out = append(out, ExchangePosition{
			Symbol:        p.Symbol,
			Side:          side,
			Amount:        amt,
			EntryPrice:    parseFloat(p.EntryPrice),
			Leverage:      int(parseFloat(p.Leverage)),
			UnrealizedPnL: parseFloat(p.UnRealizedProfit),
		})
	}
	return out, nil
}

func (b *BinanceClient) SetMarginMode(ctx context.Context, symbol string) error {
	err := b.c.NewChangeMarginTypeService().Symbol(symbol).MarginType(futures.MarginTypeCrossed).Do(ctx)
	if err == nil {
		return nil
	}
	return translateAPIError(err)
}

func (b *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.c.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return translateAPIError(err)
	}
	return nil
}

func (b *BinanceClient) CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, amount float64, reduceOnly bool) (OrderResult, error) {
	svc := b.c.NewCreateOrderService().
		Symbol(symbol).
		Side(toBinanceSide(side)).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(amount, 'f', -1, 64)).
		NewClientOrderID(newClientOrderID()).
		ReduceOnly(reduceOnly)

	order, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, translateAPIError(err)
	}
	return toOrderResult(order), nil
}

func (b *BinanceClient) CreateLimitOrder(ctx context.Context, symbol string, side OrderSide, amount, price float64, postOnly, reduceOnly bool) (OrderResult, error) {
	tif := futures.TimeInForceTypeGTC
	if postOnly {
		tif = futures.TimeInForceTypeGTX
	}
	svc := b.c.NewCreateOrderService().
		Symbol(symbol).
		Side(toBinanceSide(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(tif).
		Quantity(strconv.FormatFloat(amount, 'f', -1, 64)).
		Price(strconv.FormatFloat(price, 'f', -1, 64)).
		NewClientOrderID(newClientOrderID()).
		ReduceOnly(reduceOnly)

	order, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, translateAPIError(err)
	}
	return toOrderResult(order), nil
}

func (b *BinanceClient) GetOrder(ctx context.Context, symbol string, orderID int64) (OrderResult, error) {
	order, err := b.c.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return OrderResult{}, translateAPIError(err)
	}
	return OrderResult{
		OrderID:    order.OrderID,
		FillPrice:  parseFloat(order.AvgPrice),
		FillAmount: parseFloat(order.ExecutedQuantity),
		Status:     string(order.Status),
	}, nil
}

func (b *BinanceClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := b.c.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return translateAPIError(err)
	}
	return nil
}

// newClientOrderID generates a client-side order ID for idempotent retry
// matching: if a submission's response is lost to a network error, the
// caller can look the order up by this ID instead of risking a duplicate
// submission. Binance caps client order IDs at 36 characters, which a
// UUID (36 with hyphens) fills exactly.
func newClientOrderID() string {
	return uuid.NewString()
}

func toBinanceSide(side OrderSide) futures.SideType {
	if side == Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func toOrderResult(order *futures.CreateOrderResponse) OrderResult {
	return OrderResult{
		OrderID:    order.OrderID,
		FillPrice:  parseFloat(order.AvgPrice),
		FillAmount: parseFloat(order.ExecutedQuantity),
		Status:     string(order.Status),
	}
}

// translateAPIError maps a *futures.APIError into the §7 taxonomy, preserving
// the numeric code for the known-recoverable set (§6).
func translateAPIError(err error) error {
	apiErr, ok := err.(*futures.APIError)
	if !ok {
		return errkind.Wrap(errkind.NetworkTransient, err, "exchange call failed")
	}
	code := int(apiErr.Code)
	switch code {
	case errkind.CodeMarginModeMismatch, errkind.CodeIsolatedMarginSet,
		errkind.CodeMaxOpenLimitReached, errkind.CodePositionModeError,
		errkind.CodeAmountPrecision:
		return errkind.Reject(code, apiErr.Message)
	}
	switch code {
	case -1021, -1022:
		return errkind.New(errkind.ClockDrift, apiErr.Message)
	case -2014, -2015:
		return errkind.New(errkind.AuthFailed, apiErr.Message)
	case -1003:
		return errkind.New(errkind.RateLimited, apiErr.Message)
	}
	return errkind.Reject(code, apiErr.Message)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
