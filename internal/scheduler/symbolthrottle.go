package scheduler

import (
	"context"
	"fmt"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// SymbolThrottle is a secondary, per-symbol order-rate guard independent of
// the global inter-call gate: it exists to stop a single runaway symbol from
// storming orders even while the rest of the book trades normally.
type SymbolThrottle struct {
	limiter *limiter.Limiter
}

// NewSymbolThrottle builds a throttle allowing at most maxOrders order
// submissions per symbol per window, backed by an in-memory store (no
// cross-process coordination is needed; the engine runs as a single
// process per account).
func NewSymbolThrottle(maxOrders int, window string) (*SymbolThrottle, error) {
	rate, err := limiter.NewRateFromFormatted(fmt.Sprintf("%d-%s", maxOrders, window))
	if err != nil {
		return nil, fmt.Errorf("symbol throttle rate: %w", err)
	}
	return &SymbolThrottle{
		limiter: limiter.New(memory.NewStore(), rate),
	}, nil
}

// Allow reports whether symbol may submit another order right now, consuming
// one slot from its bucket if so.
func (t *SymbolThrottle) Allow(ctx context.Context, symbol string) (bool, error) {
	res, err := t.limiter.Get(ctx, "order:"+symbol)
	if err != nil {
		return false, fmt.Errorf("symbol throttle check: %w", err)
	}
	return !res.Reached, nil
}
