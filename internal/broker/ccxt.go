package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/config"
)

// Client 基于 ccxt 实现 Broker 与 QuoteProvider，并内置超时与重试。
type Client struct {
	cfg      config.BrokerConfig
	quoteCfg config.QuotesConfig
	logger   *zap.Logger
	exchange *ccxt.Binance

	marketsMu     sync.Mutex
	marketsLoaded bool

	quotesMu   sync.Mutex
	subscribed map[string]struct{}
	lastQuotes map[string]Quote
}

var (
	_ Broker        = (*Client)(nil)
	_ QuoteProvider = (*Client)(nil)
)

// NewClient 构造券商客户端。
func NewClient(cfg config.BrokerConfig, quoteCfg config.QuotesConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:        cfg,
		quoteCfg:   quoteCfg,
		logger:     logger,
		exchange:   ex,
		subscribed: make(map[string]struct{}),
		lastQuotes: make(map[string]Quote),
	}, nil
}

// PlaceMarketOrder 提交市价单。
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal) (Order, error) {
	var raw ccxt.Order
	err := c.call(ctx, "create_market_order", func() error {
		if err := c.ensureMarketsLoaded(); err != nil {
			return err
		}
		result, err := c.exchange.CreateMarketOrder(symbol, side, quantity.InexactFloat64())
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return Order{}, fmt.Errorf("broker: 市价下单失败 (%s %s): %w", symbol, side, err)
	}
	return c.mapOrder(raw), nil
}

// PlaceLimitOrder 提交限价单。
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price decimal.Decimal) (Order, error) {
	var raw ccxt.Order
	err := c.call(ctx, "create_limit_order", func() error {
		if err := c.ensureMarketsLoaded(); err != nil {
			return err
		}
		result, err := c.exchange.CreateLimitOrder(symbol, side, quantity.InexactFloat64(), price.InexactFloat64())
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return Order{}, fmt.Errorf("broker: 限价下单失败 (%s %s): %w", symbol, side, err)
	}
	return c.mapOrder(raw), nil
}

// CancelOrder 撤销指定订单。
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) error {
	err := c.call(ctx, "cancel_order", func() error {
		_, err := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		return err
	})
	if err != nil {
		return fmt.Errorf("broker: 撤单失败 (%s): %w", orderID, err)
	}
	return nil
}

// GetOrderStatus 查询订单最新状态。
func (c *Client) GetOrderStatus(ctx context.Context, orderID, symbol string) (Order, error) {
	var raw ccxt.Order
	err := c.call(ctx, "fetch_order", func() error {
		result, err := c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return Order{}, fmt.Errorf("broker: 查询订单失败 (%s): %w", orderID, err)
	}
	return c.mapOrder(raw), nil
}

// GetOpenOrders 查询全部未完成订单。
func (c *Client) GetOpenOrders(ctx context.Context) ([]Order, error) {
	var raw []ccxt.Order
	err := c.call(ctx, "fetch_open_orders", func() error {
		result, err := c.exchange.FetchOpenOrders()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("broker: 查询未完成订单失败: %w", err)
	}

	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, c.mapOrder(o))
	}
	return orders, nil
}

// GetPosition 查询指定标的的持仓数量。
func (c *Client) GetPosition(ctx context.Context, symbol string) (Position, error) {
	base := baseAsset(symbol)
	if base == "" {
		return Position{}, fmt.Errorf("broker: 无法从 %q 解析基础资产", symbol)
	}

	var balances ccxt.Balances
	err := c.call(ctx, "fetch_balance", func() error {
		result, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}
		balances = result
		return nil
	})
	if err != nil {
		return Position{}, fmt.Errorf("broker: 获取持仓失败 (%s): %w", symbol, err)
	}

	qty := decimal.Zero
	if balances.Total != nil {
		if total, ok := balances.Total[base]; ok && total != nil {
			qty = decimal.NewFromFloat(*total)
		}
	}

	return Position{
		Symbol:    symbol,
		Quantity:  qty,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GetBuyingPower 查询当前可用购买力（计价货币的可用余额）。
func (c *Client) GetBuyingPower(ctx context.Context) (decimal.Decimal, error) {
	var balances ccxt.Balances
	err := c.call(ctx, "fetch_balance", func() error {
		result, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}
		balances = result
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("broker: 获取购买力失败: %w", err)
	}

	if balances.Free != nil {
		for _, code := range []string{"USDC", "USD", "USDT"} {
			if free, ok := balances.Free[code]; ok && free != nil {
				return decimal.NewFromFloat(*free), nil
			}
		}
	}

	return decimal.Zero, nil
}

// GetInstrument 查询标的的交易约束，字段缺失时回退到保守默认值。
func (c *Client) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	var market interface{}
	err := c.call(ctx, "fetch_instrument", func() error {
		if err := c.ensureMarketsLoaded(); err != nil {
			return err
		}
		market = c.exchange.Market(symbol)
		return nil
	})
	if err != nil {
		return Instrument{}, fmt.Errorf("broker: 获取标的信息失败 (%s): %w", symbol, err)
	}

	inst := Instrument{
		Symbol:         symbol,
		Fractionable:   true,
		MinQuantity:    decimal.Zero,
		MinNotional:    decimal.Zero,
		PriceIncrement: decimal.NewFromFloat(0.01),
	}

	marketMap, ok := market.(map[string]interface{})
	if !ok {
		return inst, nil
	}

	if precision, ok := marketMap["precision"].(map[string]interface{}); ok {
		if amount := parseNumeric(precision["amount"]); amount == 0 {
			inst.Fractionable = false
		}
		if price := parseNumeric(precision["price"]); price > 0 {
			inst.PriceIncrement = decimal.New(1, -int32(price))
		}
	}
	if limits, ok := marketMap["limits"].(map[string]interface{}); ok {
		if amount, ok := limits["amount"].(map[string]interface{}); ok {
			if min := parseNumeric(amount["min"]); min > 0 {
				inst.MinQuantity = decimal.NewFromFloat(min)
			}
		}
		if cost, ok := limits["cost"].(map[string]interface{}); ok {
			if min := parseNumeric(cost["min"]); min > 0 {
				inst.MinNotional = decimal.NewFromFloat(min)
			}
		}
	}

	return inst, nil
}

// Subscribe 登记行情订阅并预热盘口缓存。
func (c *Client) Subscribe(ctx context.Context, symbols []string) error {
	c.quotesMu.Lock()
	for _, symbol := range symbols {
		c.subscribed[symbol] = struct{}{}
	}
	c.quotesMu.Unlock()

	for _, symbol := range symbols {
		if _, err := c.GetLatestQuote(ctx, symbol); err != nil {
			c.logger.Warn("预热盘口失败", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return nil
}

// Unsubscribe 取消行情订阅并清理缓存。
func (c *Client) Unsubscribe(ctx context.Context, symbols []string) error {
	c.quotesMu.Lock()
	defer c.quotesMu.Unlock()
	for _, symbol := range symbols {
		delete(c.subscribed, symbol)
		delete(c.lastQuotes, symbol)
	}
	return nil
}

// GetLatestQuote 返回最新盘口，缓存过期时回退到 REST 拉取。
func (c *Client) GetLatestQuote(ctx context.Context, symbol string) (Quote, error) {
	c.quotesMu.Lock()
	cached, ok := c.lastQuotes[symbol]
	c.quotesMu.Unlock()
	if ok && cached.Valid(c.quoteCfg.MaxAge) {
		return cached, nil
	}

	var ticker ccxt.Ticker
	err := c.call(ctx, "fetch_ticker", func() error {
		result, err := c.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}
		ticker = result
		return nil
	})
	if err != nil {
		return Quote{}, fmt.Errorf("broker: 获取盘口失败 (%s): %w", symbol, err)
	}

	quote := Quote{
		Symbol:    symbol,
		Bid:       decimal.NewFromFloat(derefFloat(ticker.Bid)),
		Ask:       decimal.NewFromFloat(derefFloat(ticker.Ask)),
		Timestamp: time.Now().UTC(),
	}
	if quote.Bid.Sign() <= 0 || quote.Ask.Sign() <= 0 {
		return Quote{}, ErrQuoteUnavailable
	}

	c.quotesMu.Lock()
	c.lastQuotes[symbol] = quote
	c.quotesMu.Unlock()

	return quote, nil
}

func (c *Client) ensureMarketsLoaded() error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()
	if c.marketsLoaded {
		return nil
	}
	if _, err := c.exchange.LoadMarkets(); err != nil {
		return err
	}
	c.marketsLoaded = true
	return nil
}

// call 在单次超时与有界指数退避下执行券商调用。
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	boCfg := backoff.NewExponentialBackOff()
	boCfg.InitialInterval = c.cfg.Retry.MinDelay
	boCfg.MaxInterval = c.cfg.Retry.MaxDelay

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		err := runBounded(attemptCtx, fn)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == c.cfg.Retry.MaxAttempts {
			break
		}

		wait := boCfg.NextBackOff()
		c.logger.Warn("券商调用失败，准备重试",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("重试后仍失败: %w", lastErr)
}

// runBounded 在独立 goroutine 中执行阻塞调用，保证不会越过上下文超时。
func runBounded(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *Client) mapOrder(raw ccxt.Order) Order {
	quantity := decimal.NewFromFloat(derefFloat(raw.Amount))
	filled := decimal.NewFromFloat(derefFloat(raw.Filled))
	remaining := decimal.NewFromFloat(derefFloat(raw.Remaining))
	if remaining.Sign() == 0 && quantity.Sign() > 0 && filled.LessThan(quantity) {
		remaining = quantity.Sub(filled)
	}

	submitted := time.Now().UTC()
	if ts := derefFloat(raw.Timestamp); ts > 0 {
		submitted = time.UnixMilli(int64(ts)).UTC()
	}

	return Order{
		ID:             derefString(raw.Id),
		Symbol:         derefString(raw.Symbol),
		Side:           strings.ToLower(derefString(raw.Side)),
		Type:           strings.ToLower(derefString(raw.Type)),
		State:          mapState(derefString(raw.Status), filled, remaining),
		Quantity:       quantity,
		FilledQuantity: filled,
		Remaining:      remaining,
		AvgFillPrice:   decimal.NewFromFloat(derefFloat(raw.Average)),
		LimitPrice:     decimal.NewFromFloat(derefFloat(raw.Price)),
		SubmittedAt:    submitted,
		UpdatedAt:      time.Now().UTC(),
	}
}

func mapState(status string, filled, remaining decimal.Decimal) OrderState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "open", "new", "accepted", "pending_new":
		if filled.Sign() > 0 {
			return StatePartiallyFilled
		}
		return StateOpen
	case "closed", "filled":
		return StateFilled
	case "canceled", "cancelled":
		return StateCanceled
	case "expired":
		return StateExpired
	case "rejected":
		return StateRejected
	default:
		if remaining.Sign() > 0 && filled.Sign() > 0 {
			return StatePartiallyFilled
		}
		return StateUnknown
	}
}

func baseAsset(symbol string) string {
	s := strings.TrimSpace(symbol)
	if idx := strings.Index(s, "/"); idx > 0 {
		return strings.ToUpper(s[:idx])
	}
	return strings.ToUpper(s)
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if d, err := decimal.NewFromString(s); err == nil {
			return d.InexactFloat64()
		}
	}
	return 0
}
