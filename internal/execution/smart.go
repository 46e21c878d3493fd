package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/broker"
)

// SmartStrategy 负责限价单的初始定价与改价定价。
// 买入锚定卖一价、卖出锚定买一价，改价时只向目标价移动一半，
// 避免在噪声盘口上追价。
type SmartStrategy struct {
	broker      broker.Broker
	quotes      broker.QuoteProvider
	factor      decimal.Decimal
	increment   decimal.Decimal
	quoteMaxAge time.Duration
	logger      *zap.Logger
}

// NewSmartStrategy 创建智能执行策略。
func NewSmartStrategy(b broker.Broker, quotes broker.QuoteProvider, factor, increment decimal.Decimal, quoteMaxAge time.Duration, logger *zap.Logger) *SmartStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if factor.Sign() <= 0 || factor.GreaterThan(decimal.NewFromInt(1)) {
		factor = decimal.NewFromFloat(0.5)
	}
	if increment.Sign() <= 0 {
		increment = decimal.NewFromFloat(0.01)
	}
	return &SmartStrategy{
		broker:      b,
		quotes:      quotes,
		factor:      factor,
		increment:   increment,
		quoteMaxAge: quoteMaxAge,
		logger:      logger,
	}
}

// Place 执行一次智能限价下单尝试，结果不可变。
// 限价种子无效时重新从盘口取价。
func (s *SmartStrategy) Place(ctx context.Context, req SmartOrderRequest) SmartOrderResult {
	price := req.LimitPriceSeed
	if price.Sign() <= 0 {
		seeded, err := s.InitialLimitPrice(ctx, req.Symbol, req.Side)
		if err != nil {
			return SmartOrderResult{
				Error:    err.Error(),
				PlacedAt: time.Now().UTC(),
			}
		}
		price = seeded
	} else {
		price = s.Quantize(price)
	}

	order, err := s.broker.PlaceLimitOrder(ctx, req.Symbol, req.Side.BrokerSide(), req.Quantity, price)
	if err != nil {
		return SmartOrderResult{
			LimitPrice: price,
			Error:      fmt.Sprintf("限价下单失败: %v", err),
			PlacedAt:   time.Now().UTC(),
		}
	}

	s.logger.Info("限价单已提交",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("quantity", req.Quantity.String()),
		zap.String("limit_price", price.String()),
		zap.String("order_id", order.ID),
		zap.String("correlation_id", req.CorrelationID),
	)

	return SmartOrderResult{
		Success:    true,
		OrderID:    order.ID,
		LimitPrice: price,
		PlacedAt:   time.Now().UTC(),
	}
}

// InitialLimitPrice 从最新盘口计算初始限价。
func (s *SmartStrategy) InitialLimitPrice(ctx context.Context, symbol string, side Side) (decimal.Decimal, error) {
	target, err := s.targetPrice(ctx, symbol, side)
	if err != nil {
		return decimal.Zero, err
	}
	return s.Quantize(target), nil
}

// RepegPrice 计算改价后的新限价。若新价格与近期历史重复
// （流动性差或点差过宽），返回当前价格不变而不是无限循环。
func (s *SmartStrategy) RepegPrice(ctx context.Context, symbol string, side Side, current decimal.Decimal, history []decimal.Decimal) (decimal.Decimal, error) {
	target, err := s.targetPrice(ctx, symbol, side)
	if err != nil {
		return decimal.Zero, err
	}

	adjusted := s.Quantize(AdjustPrice(current, target, s.factor))
	if adjusted.Equal(current) || containsPrice(history, adjusted) {
		s.logger.Info("改价无法产生新价格，保持当前限价",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.String("current", current.String()),
			zap.String("target", target.String()),
		)
		return current, nil
	}

	return adjusted, nil
}

// Quantize 将价格对齐到最小报价单位，并保证价格为正。
func (s *SmartStrategy) Quantize(price decimal.Decimal) decimal.Decimal {
	quantized := price.Div(s.increment).Round(0).Mul(s.increment)
	if quantized.LessThan(s.increment) {
		return s.increment
	}
	return quantized
}

func (s *SmartStrategy) targetPrice(ctx context.Context, symbol string, side Side) (decimal.Decimal, error) {
	quote, err := s.quotes.GetLatestQuote(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("execution: 获取盘口失败 (%s): %w", symbol, err)
	}
	if !quote.Valid(s.quoteMaxAge) {
		return decimal.Zero, fmt.Errorf("execution: 盘口过期或无效 (%s): %w", symbol, broker.ErrQuoteUnavailable)
	}

	if side == SideBuy {
		return quote.Ask, nil
	}
	return quote.Bid, nil
}

// AdjustPrice 按调整系数向目标价移动：adjusted = original + (target-original)×factor。
func AdjustPrice(original, target, factor decimal.Decimal) decimal.Decimal {
	return original.Add(target.Sub(original).Mul(factor))
}

func containsPrice(history []decimal.Decimal, price decimal.Decimal) bool {
	for _, p := range history {
		if p.Equal(price) {
			return true
		}
	}
	return false
}
