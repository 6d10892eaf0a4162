// Package marketdata implements the Market Data Feed (C2, §4.3): a single
// websocket connection that subscribes to ticker and liquidation topics per
// symbol and decodes ticker, candle, order-book and liquidation frames, with
// reconnect backoff, subscription retry, deduplicated error logging, and a
// REST fallback through the Gateway for symbols that aren't streamed or have
// gone stale. No subscription is sent for candle or order-book topics.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loureed691/apex-perp-engine/internal/gateway"
	"github.com/loureed691/apex-perp-engine/internal/manager"
	"github.com/loureed691/apex-perp-engine/internal/risk"
)

const (
	pingInterval   = 18 * time.Second
	pongTimeout    = 10 * time.Second
	staleThreshold = 2 * time.Second
	dedupWindow    = 60 * time.Second

	subscribeAttempts = 3
	subscribeSpacing  = 1 * time.Second
)

// TokenSource resolves the websocket connect URL (obtained via a REST call
// per §4.3's "connect URL obtained via a REST-provided token").
type TokenSource interface {
	WebsocketEndpoint(ctx context.Context) (url string, err error)
}

// Dialer abstracts the websocket connection for testability.
type Dialer func(url string) (*websocket.Conn, error)

type priceEntry struct {
	ticker TickerUpdate
	at     time.Time
}

// Feed is C2. Callers read updates off the channels returned by Tickers,
// Candles, Depth and Liquidations and fall back to Gateway REST calls via Latest when a symbol is stale or
// unstreamed.
type Feed struct {
	dial    Dialer
	tokens  TokenSource
	gw      *gateway.Gateway
	log     *zap.Logger

	mu          sync.RWMutex
	lastPrice   map[string]priceEntry
	subscribed  map[string]bool

	tickerCh chan TickerUpdate
	candleCh chan CandleUpdate
	depthCh  chan DepthUpdate
	liqCh    chan LiquidationUpdate

	errMu      sync.Mutex
	lastErrMsg string
	lastErrAt  time.Time
	repeatN    int

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Feed. gw is used for the REST fallback path (NORMAL priority
// per §4.3); dial defaults to a plain websocket.Dialer if nil.
func New(tokens TokenSource, gw *gateway.Gateway, dial Dialer, log *zap.Logger) *Feed {
	if dial == nil {
		dial = func(url string) (*websocket.Conn, error) {
			c, _, err := websocket.DefaultDialer.Dial(url, nil)
			return c, err
		}
	}
	return &Feed{
		dial:       dial,
		tokens:     tokens,
		gw:         gw,
		log:        log,
		lastPrice:  make(map[string]priceEntry),
		subscribed: make(map[string]bool),
		tickerCh:   make(chan TickerUpdate, 256),
		candleCh:   make(chan CandleUpdate, 256),
		depthCh:    make(chan DepthUpdate, 256),
		liqCh:      make(chan LiquidationUpdate, 256),
		done:       make(chan struct{}),
	}
}

func (f *Feed) Tickers() <-chan TickerUpdate           { return f.tickerCh }
func (f *Feed) Candles() <-chan CandleUpdate           { return f.candleCh }
func (f *Feed) Depth() <-chan DepthUpdate              { return f.depthCh }
func (f *Feed) Liquidations() <-chan LiquidationUpdate { return f.liqCh }

// Subscribe marks symbols of interest; Run (re)sends subscribe frames for
// every tracked symbol on each (re)connect.
func (f *Feed) Subscribe(symbols ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
}

// Close stops Run's reconnect loop.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or
// Close is called. It never returns an error; failures are logged and
// retried per the §4.3 reconnect-backoff policy.
func (f *Feed) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		default:
		}

		if err := f.connectAndServe(ctx, func() { attempt = 0 }); err != nil {
			f.logDeduped(err.Error())
		}
		attempt++

		delaySec := math.Min(5*math.Pow(2, float64(attempt-1)), 300)
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-time.After(time.Duration(delaySec) * time.Second):
		}
	}
}

// connectAndServe makes one connection attempt, subscribes, and serves
// frames until the connection drops or ctx is cancelled. Once subscribed
// with the read loop running it calls onServing, which Run uses to reset its
// backoff counter, so only attempts that never got that far grow the delay.
func (f *Feed) connectAndServe(ctx context.Context, onServing func()) error {
	url, err := f.tokens.WebsocketEndpoint(ctx)
	if err != nil {
		return fmt.Errorf("resolve websocket endpoint: %w", err)
	}

	conn, err := f.dial(url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := f.subscribeAll(conn); err != nil {
		return err
	}

	pongDeadline := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongDeadline <- struct{}{}:
		default:
		}
		return nil
	})

	readDone := make(chan error, 1)
	go func() {
		readDone <- f.readLoop(conn)
	}()
	onServing()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.done:
			return nil
		case err := <-readDone:
			return err
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			select {
			case <-pongDeadline:
			case <-time.After(pongTimeout):
				return fmt.Errorf("pong timeout")
			}
		}
	}
}

// subscribeAll sends a subscribe frame per tracked symbol, retrying each up
// to subscribeAttempts times spaced subscribeSpacing apart per §4.3.
func (f *Feed) subscribeAll(conn *websocket.Conn) error {
	f.mu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.mu.RUnlock()

	for _, symbol := range symbols {
		var lastErr error
		for attempt := 1; attempt <= subscribeAttempts; attempt++ {
			lastErr = conn.WriteJSON(map[string]interface{}{
				"type":           "subscribe",
				"topic":          fmt.Sprintf("/contractMarket/tickerV2:%s", symbol),
				"privateChannel": false,
				"response":       true,
			})
			if lastErr == nil {
				break
			}
			if attempt < subscribeAttempts {
				f.log.Warn("subscribe attempt failed", zap.String("symbol", symbol), zap.Int("attempt", attempt), zap.Error(lastErr))
				time.Sleep(subscribeSpacing)
			} else {
				f.log.Error("subscribe exhausted retries", zap.String("symbol", symbol), zap.Error(lastErr))
			}
		}
		if lastErr != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, lastErr)
		}

		if err := conn.WriteJSON(map[string]interface{}{
			"type":           "subscribe",
			"topic":          fmt.Sprintf("/contractMarket/liquidationOrders:%s", symbol),
			"privateChannel": false,
			"response":       true,
		}); err != nil {
			f.log.Warn("liquidation subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return nil
}

func (f *Feed) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleFrame(data)
	}
}

func (f *Feed) handleFrame(data []byte) {
	var fr frame
	if err := json.Unmarshal(data, &fr); err != nil {
		f.logDeduped(fmt.Sprintf("malformed frame: %v", err))
		return
	}

	switch fr.Type {
	case "error":
		f.log.Warn("exchange error frame", zap.String("code", fr.Code), zap.String("topic", fr.Topic), zap.String("message", fr.Message))
	case "message":
		f.dispatchData(fr)
	}
}

func (f *Feed) dispatchData(fr frame) {
	switch {
	case strings.Contains(fr.Topic, "ticker"):
		f.dispatchTicker(fr)
	case strings.Contains(fr.Topic, "candle"):
		f.dispatchCandle(fr)
	case strings.Contains(fr.Topic, "level2"):
		f.dispatchDepth(fr)
	case strings.Contains(fr.Topic, "liquidationOrders"):
		f.dispatchLiquidation(fr)
	}
}

func (f *Feed) dispatchTicker(fr frame) {
	var payload struct {
		Symbol  string  `json:"symbol"`
		Price   float64 `json:"price,string"`
		BestBid float64 `json:"bestBidPrice,string"`
		BestAsk float64 `json:"bestAskPrice,string"`
	}
	if err := json.Unmarshal(fr.Data, &payload); err != nil {
		return
	}
	tu := TickerUpdate{Symbol: payload.Symbol, Last: payload.Price, Bid: payload.BestBid, Ask: payload.BestAsk}

	f.mu.Lock()
	f.lastPrice[tu.Symbol] = priceEntry{ticker: tu, at: time.Now()}
	f.mu.Unlock()

	select {
	case f.tickerCh <- tu:
	default:
	}
}

func (f *Feed) dispatchCandle(fr frame) {
	var payload struct {
		Symbol  string `json:"symbol"`
		Candles []string `json:"candles"`
		Time    int64  `json:"time"`
	}
	if err := json.Unmarshal(fr.Data, &payload); err != nil || len(payload.Candles) < 6 {
		return
	}
	cu := CandleUpdate{
		Symbol:   payload.Symbol,
		OpenTime: parseUnix(payload.Candles[0]),
		Open:     parseFloatOrZero(payload.Candles[1]),
		Close:    parseFloatOrZero(payload.Candles[2]),
		High:     parseFloatOrZero(payload.Candles[3]),
		Low:      parseFloatOrZero(payload.Candles[4]),
		Volume:   parseFloatOrZero(payload.Candles[5]),
		Closed:   true,
	}
	select {
	case f.candleCh <- cu:
	default:
	}
}

func (f *Feed) dispatchDepth(fr frame) {
	var payload struct {
		Symbol string `json:"symbol"`
		Asks   [][]string `json:"asks"`
		Bids   [][]string `json:"bids"`
	}
	if err := json.Unmarshal(fr.Data, &payload); err != nil {
		return
	}
	du := DepthUpdate{Symbol: payload.Symbol}
	if len(payload.Bids) > 0 && len(payload.Bids[0]) >= 2 {
		du.BidPrice = parseFloatOrZero(payload.Bids[0][0])
		du.BidSize = parseFloatOrZero(payload.Bids[0][1])
	}
	if len(payload.Asks) > 0 && len(payload.Asks[0]) >= 2 {
		du.AskPrice = parseFloatOrZero(payload.Asks[0][0])
		du.AskSize = parseFloatOrZero(payload.Asks[0][1])
	}
	select {
	case f.depthCh <- du:
	default:
	}
}

func (f *Feed) dispatchLiquidation(fr frame) {
	var payload struct {
		Symbol string  `json:"symbol"`
		Side   string  `json:"side"` // "buy" | "sell", exchange's taker-side convention
		Price  float64 `json:"price,string"`
		Size   float64 `json:"size,string"`
	}
	if err := json.Unmarshal(fr.Data, &payload); err != nil {
		return
	}
	side := risk.LiquidationBuy
	if strings.EqualFold(payload.Side, "sell") {
		side = risk.LiquidationSell
	}
	lu := LiquidationUpdate{Symbol: payload.Symbol, Side: side, USD: payload.Price * payload.Size}

	select {
	case f.liqCh <- lu:
	default:
	}
}

func parseFloatOrZero(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseUnix(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// logDeduped implements §4.3's error-deduplication rule: identical messages
// within dedupWindow are coalesced into a repeat counter rather than logged
// each time.
func (f *Feed) logDeduped(msg string) {
	f.errMu.Lock()
	defer f.errMu.Unlock()

	now := time.Now()
	if msg == f.lastErrMsg && now.Sub(f.lastErrAt) < dedupWindow {
		f.repeatN++
		f.lastErrAt = now
		return
	}

	if f.repeatN > 0 {
		f.log.Warn("previous error repeated", zap.String("error", f.lastErrMsg), zap.Int("count", f.repeatN))
	}
	f.log.Warn("market data error", zap.String("error", msg))
	f.lastErrMsg = msg
	f.lastErrAt = now
	f.repeatN = 0
}

// Latest returns the most recent streamed price for symbol if it is fresh
// (within staleThreshold), falling back to a NORMAL-priority REST call via
// the Gateway per §4.3 otherwise.
func (f *Feed) Latest(ctx context.Context, symbol string) (TickerUpdate, error) {
	f.mu.RLock()
	entry, ok := f.lastPrice[symbol]
	f.mu.RUnlock()

	if ok && time.Since(entry.at) <= staleThreshold {
		return entry.ticker, nil
	}

	t, err := f.gw.GetTicker(ctx, symbol)
	if err != nil {
		return TickerUpdate{}, err
	}
	return TickerUpdate{Symbol: symbol, Last: t.Last, Bid: t.Bid, Ask: t.Ask}, nil
}

// Snapshot implements manager.MarketDataProvider against this feed's own
// price stream. The IndicatorProvider collaborator (§6: rsi, momentum,
// trend_strength, volatility, support_resistance) is explicitly out of
// scope, so every field besides Price is left at its zero value here; a
// production deployment wires a real indicator pipeline in front of this
// by decorating or replacing Snapshot, not by changing this feed.
func (f *Feed) Snapshot(ctx context.Context, symbol string) (manager.MarketSnapshot, error) {
	t, err := f.Latest(ctx, symbol)
	if err != nil {
		return manager.MarketSnapshot{}, err
	}
	return manager.MarketSnapshot{Price: t.Last}, nil
}
