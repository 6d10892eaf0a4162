package gateway

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/loureed691/apex-perp-engine/internal/errkind"
	"github.com/loureed691/apex-perp-engine/internal/scheduler"
)

const (
	amountTolerance     = 1e-9
	marginSafetyBuffer  = 1.05 // 5% fee/safety buffer on required margin
	marginAdjustHaircut = 0.9  // usable = free * 0.9
	minAdjustedFraction = 0.10 // reject below 10% of requested size
)

// OrderRequest is the input to every order-creating preamble, covering
// market and limit order variants (§4.2).
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Amount     float64
	Price      float64 // limit price; ignored for market orders
	Leverage   int
	ReduceOnly bool
	PostOnly   bool
	IsLimit    bool
}

// validateLocal implements §4.2 step 2: reject amount/price/market-state
// violations against the cached metadata, refreshing on first failure.
func (g *Gateway) validateLocal(ctx context.Context, req OrderRequest) error {
	md, ok := g.Metadata(ctx, req.Symbol)
	if !ok || !md.Active {
		g.invalidateMetadata(req.Symbol)
		md, ok = g.Metadata(ctx, req.Symbol)
		if !ok || !md.Active {
			return errkind.New(errkind.InvalidOrder, "market inactive or unknown")
		}
	}

	if req.Amount < md.MinAmount-amountTolerance || req.Amount > md.MaxAmount+amountTolerance {
		g.invalidateMetadata(req.Symbol)
		return errkind.New(errkind.InvalidOrder, "amount outside [min_amount, max_amount]")
	}
	if md.AmountStep > 0 {
		steps := req.Amount / md.AmountStep
		if math.Abs(steps-math.Round(steps)) > amountTolerance/md.AmountStep {
			return errkind.New(errkind.InvalidOrder, "amount not a multiple of amount_step")
		}
	}
	if req.IsLimit && md.PriceStep > 0 {
		steps := req.Price / md.PriceStep
		if math.Abs(steps-math.Round(steps)) > amountTolerance/md.PriceStep {
			return errkind.New(errkind.InvalidOrder, "price violates price_step")
		}
	}
	return nil
}

// ensureCrossMargin implements §4.2 step 3: unconditional, idempotent
// margin-mode switch — guards against error 330006 (isolated margin
// inherited from a prior position).
func (g *Gateway) ensureCrossMargin(ctx context.Context, symbol string) error {
	return g.scheduler.Run(ctx, scheduler.Critical, func(ctx context.Context) error {
		if err := g.client.SetMarginMode(ctx, symbol); err != nil {
			return classifyExchangeError(err)
		}
		return nil
	})
}

func (g *Gateway) setLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.scheduler.Run(ctx, scheduler.Critical, func(ctx context.Context) error {
		if err := g.client.SetLeverage(ctx, symbol, leverage); err != nil {
			return errkind.Wrap(errkind.NetworkTransient, err, "set_leverage")
		}
		return nil
	})
}

// checkMarginAffordability implements §4.2 step 5, including the
// reduce-then-reduce-leverage fallback and the 10%-of-requested floor.
// Returns the (possibly adjusted) amount and leverage to submit.
func (g *Gateway) checkMarginAffordability(ctx context.Context, req OrderRequest, price, contractSize float64) (float64, int, error) {
	if req.ReduceOnly {
		return req.Amount, req.Leverage, nil
	}

	bal, err := g.GetBalance(ctx)
	if err != nil {
		return 0, 0, err
	}

	required := req.Amount * price * contractSize / float64(req.Leverage) * marginSafetyBuffer
	if bal.Free >= required {
		return req.Amount, req.Leverage, nil
	}

	usable := bal.Free * marginAdjustHaircut
	adjustedAmount := usable * float64(req.Leverage) / price

	positionValue := adjustedAmount * price * contractSize
	requiredAtAdjusted := positionValue / float64(req.Leverage) * marginSafetyBuffer
	if usable < requiredAtAdjusted {
		adjustedLeverage := int(math.Ceil(positionValue / usable))
		if adjustedLeverage < 1 {
			adjustedLeverage = 1
		}
		if adjustedAmount < req.Amount*minAdjustedFraction {
			return 0, 0, errkind.New(errkind.InsufficientMargin, "adjusted amount below 10% of requested size")
		}
		return adjustedAmount, adjustedLeverage, nil
	}

	if adjustedAmount < req.Amount*minAdjustedFraction {
		return 0, 0, errkind.New(errkind.InsufficientMargin, "adjusted amount below 10% of requested size")
	}
	return adjustedAmount, req.Leverage, nil
}

// preamble runs the full §4.2 sequence shared by create_market_order and
// create_limit_order. price is the reference price used for margin sizing
// (ticker last price for market orders, the limit price for limit orders).
func (g *Gateway) preamble(ctx context.Context, req OrderRequest, price float64) (OrderRequest, error) {
	if err := g.EnsureClockSynced(ctx); err != nil {
		return req, err
	}
	if err := g.validateLocal(ctx, req); err != nil {
		return req, err
	}
	if g.throttle != nil && !req.ReduceOnly {
		allowed, err := g.throttle.Allow(ctx, req.Symbol)
		if err != nil {
			return req, errkind.Wrap(errkind.Unknown, err, "symbol throttle check failed")
		}
		if !allowed {
			return req, errkind.New(errkind.RateLimited, "per-symbol order throttle exceeded")
		}
	}
	if err := g.ensureCrossMargin(ctx, req.Symbol); err != nil {
		if kerr, ok := asKind(err); ok && kerr.Kind == errkind.ExchangeReject && errkind.Recoverable(kerr.Code) {
			if err2 := g.ensureCrossMargin(ctx, req.Symbol); err2 != nil {
				return req, err2
			}
		} else {
			return req, err
		}
	}
	if err := g.setLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return req, err
	}

	md, _ := g.Metadata(ctx, req.Symbol)
	contractSize := md.ContractSize
	if contractSize == 0 {
		contractSize = 1
	}

	adjAmount, adjLeverage, err := g.checkMarginAffordability(ctx, req, price, contractSize)
	if err != nil {
		return req, err
	}
	req.Amount = adjAmount
	req.Leverage = adjLeverage
	return req, nil
}

func asKind(err error) (*errkind.Error, bool) {
	kerr, ok := err.(*errkind.Error)
	return kerr, ok
}

// CreateMarketOrder implements §4.2's create_market_order (CRITICAL): the
// full preamble, then submission with marginMode=cross (§4.2 step 6).
func (g *Gateway) CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, amount float64, leverage int, reduceOnly bool) (OrderResult, error) {
	req := OrderRequest{Symbol: symbol, Side: side, Amount: amount, Leverage: leverage, ReduceOnly: reduceOnly}

	refPrice, err := g.referencePrice(ctx, symbol)
	if err != nil {
		return OrderResult{}, err
	}

	req, err = g.preamble(ctx, req, refPrice)
	if err != nil {
		return OrderResult{}, err
	}

	var out OrderResult
	err = g.scheduler.Run(ctx, scheduler.Critical, func(ctx context.Context) error {
		res, err := g.client.CreateMarketOrder(ctx, req.Symbol, req.Side, req.Amount, req.ReduceOnly)
		if err != nil {
			return classifyExchangeError(err)
		}
		out = res
		return nil
	})
	return out, err
}

// CreateLimitOrder implements §4.2's create_limit_order (CRITICAL).
func (g *Gateway) CreateLimitOrder(ctx context.Context, symbol string, side OrderSide, amount, price float64, leverage int, postOnly, reduceOnly bool) (OrderResult, error) {
	req := OrderRequest{Symbol: symbol, Side: side, Amount: amount, Price: price, Leverage: leverage, ReduceOnly: reduceOnly, PostOnly: postOnly, IsLimit: true}

	req, err := g.preamble(ctx, req, price)
	if err != nil {
		return OrderResult{}, err
	}

	var out OrderResult
	err = g.scheduler.Run(ctx, scheduler.Critical, func(ctx context.Context) error {
		res, err := g.client.CreateLimitOrder(ctx, req.Symbol, req.Side, req.Amount, req.Price, req.PostOnly, req.ReduceOnly)
		if err != nil {
			return classifyExchangeError(err)
		}
		out = res
		return nil
	})
	return out, err
}

// CancelOrder implements §4.2's cancel_order (CRITICAL).
func (g *Gateway) CancelOrder(ctx context.Context, id int64, symbol string) error {
	return g.scheduler.Run(ctx, scheduler.Critical, func(ctx context.Context) error {
		if err := g.client.CancelOrder(ctx, symbol, id); err != nil {
			return classifyExchangeError(err)
		}
		return nil
	})
}

// GetOrder polls order state (HIGH) — used by the async maker-first
// execution path's fill-polling loop.
func (g *Gateway) GetOrder(ctx context.Context, symbol string, orderID int64) (OrderResult, error) {
	var out OrderResult
	err := g.runNonCritical(ctx, scheduler.High, func(ctx context.Context) error {
		res, err := g.client.GetOrder(ctx, symbol, orderID)
		if err != nil {
			return errkind.Wrap(errkind.NetworkTransient, err, "get_order")
		}
		out = res
		return nil
	})
	return out, err
}

func (g *Gateway) referencePrice(ctx context.Context, symbol string) (float64, error) {
	t, err := g.GetTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.Last, nil
}

// CloseLeverageForSymbol resolves the leverage to use for a close (§4.2) by
// reading the Leverage of the symbol's exchange position. ExchangePosition
// carries a single leverage field, so there is no second, exchange-native
// field to fall back to; when the fetch fails or no position with a positive
// leverage is found, it defaults to 10 with a warning.
func (g *Gateway) CloseLeverageForSymbol(ctx context.Context, symbol string) int {
	positions, err := g.FetchPositions(ctx)
	if err != nil {
		g.log.Warn("failed to fetch positions for close-leverage lookup; defaulting to 10x", zap.String("symbol", symbol), zap.Error(err))
		return 10
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Leverage > 0 {
			return p.Leverage
		}
	}
	g.log.Warn("no exchange leverage found for symbol; defaulting to 10x", zap.String("symbol", symbol))
	return 10
}

// classifyExchangeError maps a raw exchange error into the §7 taxonomy.
// The real binance_client.go adapter returns *errkind.Error directly with
// the parsed numeric code, so this is mostly a defensive pass-through for
// errors that already carry a Kind.
func classifyExchangeError(err error) error {
	if kerr, ok := asKind(err); ok {
		return kerr
	}
	return errkind.Wrap(errkind.NetworkTransient, err, "exchange call failed")
}
