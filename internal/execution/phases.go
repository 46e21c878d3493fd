package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/broker"
	"rebalancer/internal/ledger"
	"rebalancer/internal/plan"
)

// FillRecorder 抽象成交入账，由账本实现。
type FillRecorder interface {
	RecordFill(ctx context.Context, fill ledger.Fill) error
}

// PhaseExecutorParams 聚合阶段执行器的全部依赖。
type PhaseExecutorParams struct {
	Broker      broker.Broker
	Quotes      broker.QuoteProvider
	Intents     *IntentBuilder
	Validator   *Validator
	Guard       *BuyingPowerGuard
	Placer      *Placer
	Monitor     *Monitor
	Settlement  *SettlementMonitor
	Recorder    FillRecorder
	QuoteMaxAge time.Duration
	Logger      *zap.Logger
}

// PhaseExecutor 按先卖后买的两阶段顺序执行调仓计划：
// 卖出先释放资金，等待结算，再用释放的购买力执行买入。
type PhaseExecutor struct {
	broker      broker.Broker
	quotes      broker.QuoteProvider
	intents     *IntentBuilder
	validator   *Validator
	guard       *BuyingPowerGuard
	placer      *Placer
	monitor     *Monitor
	settlement  *SettlementMonitor
	recorder    FillRecorder
	quoteMaxAge time.Duration
	logger      *zap.Logger
}

// NewPhaseExecutor 创建阶段执行器。
func NewPhaseExecutor(params PhaseExecutorParams) (*PhaseExecutor, error) {
	if params.Broker == nil || params.Quotes == nil {
		return nil, fmt.Errorf("execution: 券商通道与行情源不能为空")
	}
	if params.Intents == nil || params.Validator == nil || params.Placer == nil || params.Monitor == nil {
		return nil, fmt.Errorf("execution: 执行链路组件不完整")
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PhaseExecutor{
		broker:      params.Broker,
		quotes:      params.Quotes,
		intents:     params.Intents,
		validator:   params.Validator,
		guard:       params.Guard,
		placer:      params.Placer,
		monitor:     params.Monitor,
		settlement:  params.Settlement,
		recorder:    params.Recorder,
		quoteMaxAge: params.QuoteMaxAge,
		logger:      logger,
	}, nil
}

// Execute 执行完整调仓：清理遗留挂单、卖出、等待结算、买入，
// 最终聚合为冻结的执行结果。单笔订单失败不中断其他订单。
func (e *PhaseExecutor) Execute(ctx context.Context, p plan.Plan) (ExecutionResult, error) {
	correlationID := p.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	tradable := p.TradableItems()
	if len(tradable) == 0 {
		e.logger.Info("计划无可交易项", zap.String("plan_id", p.ID))
		return NewExecutionResult(p.ID, correlationID, nil), nil
	}

	e.cancelStrayOrders(ctx)

	symbols := p.Symbols()
	if err := e.quotes.Subscribe(ctx, symbols); err != nil {
		e.logger.Warn("批量订阅行情失败，使用快照行情", zap.Error(err))
	}
	defer func() {
		if err := e.quotes.Unsubscribe(context.WithoutCancel(ctx), symbols); err != nil {
			e.logger.Warn("退订行情失败", zap.Error(err))
		}
	}()

	baseline, err := e.broker.GetBuyingPower(ctx)
	if err != nil {
		e.logger.Warn("获取结算基准购买力失败", zap.Error(err))
		baseline = decimal.Zero
	}

	sellResults := e.runPhase(ctx, p.SellItems(), correlationID)
	sellResults = e.applyOutcome(ctx, sellResults)

	buyItems := p.BuyItems()
	proceeds := decimal.Zero
	for _, r := range sellResults {
		if r.Success {
			proceeds = proceeds.Add(r.TradeAmount.Abs())
		}
	}
	if e.settlement != nil && proceeds.Sign() > 0 && len(buyItems) > 0 {
		e.settlement.Wait(ctx, baseline, proceeds)
	}

	buyResults := e.runPhase(ctx, buyItems, correlationID)
	buyResults = e.applyOutcome(ctx, buyResults)

	orders := make([]OrderResult, 0, len(sellResults)+len(buyResults))
	orders = append(orders, sellResults...)
	orders = append(orders, buyResults...)

	result := NewExecutionResult(p.ID, correlationID, orders)

	e.recordFills(ctx, result, p.Attribution())

	e.logger.Info("调仓执行完成",
		zap.String("plan_id", p.ID),
		zap.String("correlation_id", correlationID),
		zap.String("status", string(result.Status)),
		zap.Int("orders_placed", result.OrdersPlaced),
		zap.Int("orders_succeeded", result.OrdersSucceeded),
		zap.String("total_trade_value", result.TotalTradeValue.String()),
	)

	return result, nil
}

// cancelStrayOrders 清理上一次运行遗留的挂单，避免重复占用资金与持仓。
func (e *PhaseExecutor) cancelStrayOrders(ctx context.Context) {
	open, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		e.logger.Warn("查询遗留挂单失败", zap.Error(err))
		return
	}
	for _, order := range open {
		if err := e.broker.CancelOrder(ctx, order.ID, order.Symbol); err != nil {
			e.logger.Warn("撤销遗留挂单失败",
				zap.String("symbol", order.Symbol),
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
			continue
		}
		e.logger.Info("已撤销遗留挂单",
			zap.String("symbol", order.Symbol),
			zap.String("order_id", order.ID),
		)
	}
}

// runPhase 顺序执行一个方向的全部计划项，每笔订单独立失败。
func (e *PhaseExecutor) runPhase(ctx context.Context, items []plan.Item, correlationID string) []OrderResult {
	results := make([]OrderResult, 0, len(items))

	for _, item := range items {
		result, placed := e.executeItem(ctx, item, correlationID)
		if placed {
			results = append(results, result)
		}
	}

	return results
}

// executeItem 对单个计划项走完 意图→校验→资金检查→下单 的链路。
// 返回 placed=false 表示该项无需下单（HOLD 等）。
func (e *PhaseExecutor) executeItem(ctx context.Context, item plan.Item, correlationID string) (OrderResult, bool) {
	side := SideSell
	if item.Action == plan.ActionBuy {
		side = SideBuy
	}

	position := broker.Position{Symbol: item.Symbol}
	if item.Action == plan.ActionSell {
		fetched, err := e.broker.GetPosition(ctx, item.Symbol)
		if err != nil {
			e.logger.Warn("获取持仓失败，按零持仓处理",
				zap.String("symbol", item.Symbol),
				zap.Error(err),
			)
		} else {
			position = fetched
		}
	}

	price := e.referencePrice(ctx, item.Symbol, side)

	intent, ok, err := e.intents.Build(item, position, price, correlationID)
	if err != nil {
		return FailedOrderResult(item.Symbol, side, err.Error()), true
	}
	if !ok {
		return OrderResult{}, false
	}

	instrument, err := e.broker.GetInstrument(ctx, item.Symbol)
	if err != nil {
		e.logger.Warn("获取标的约束失败，使用宽松默认值",
			zap.String("symbol", item.Symbol),
			zap.Error(err),
		)
		instrument = broker.Instrument{Symbol: item.Symbol, Fractionable: true}
	}

	validation := e.validator.Validate(intent, instrument, price)
	for _, warning := range validation.Warnings {
		e.logger.Warn("下单预检告警",
			zap.String("symbol", item.Symbol),
			zap.String("warning", warning),
		)
	}
	if !validation.OK {
		return FailedOrderResult(intent.Symbol, intent.Side, validation.Reason), true
	}
	if validation.Adjusted {
		intent = intent.WithQuantity(validation.Quantity)
	}

	if e.guard != nil {
		verdict := e.guard.Check(ctx, intent, price)
		if verdict.Status == GuardBlocked {
			return FailedOrderResult(intent.Symbol, intent.Side, verdict.Reason), true
		}
	}

	return e.placer.Place(ctx, intent), true
}

// referencePrice 取方向相关的盘口价：买入看卖一、卖出看买一。
// 盘口不可用时返回零，由下游决定兜底策略。
func (e *PhaseExecutor) referencePrice(ctx context.Context, symbol string, side Side) decimal.Decimal {
	quote, err := e.quotes.GetLatestQuote(ctx, symbol)
	if err != nil || !quote.Valid(e.quoteMaxAge) {
		return decimal.Zero
	}
	if side == SideBuy {
		return quote.Ask
	}
	return quote.Bid
}

// applyOutcome 运行监控循环并将监控结论合并回订单结果：
// 订单号替换为最终订单号，成交的更新数量与均价，未成交的降级为失败。
func (e *PhaseExecutor) applyOutcome(ctx context.Context, results []OrderResult) []OrderResult {
	if len(results) == 0 {
		return results
	}

	outcome := e.monitor.Run(ctx, results)

	merged := make([]OrderResult, 0, len(results))
	for _, r := range results {
		finalID, tracked := outcome.Replacements[r.OrderID]
		if !tracked {
			merged = append(merged, r)
			continue
		}

		final, ok := outcome.Final[finalID]
		if !ok {
			merged = append(merged, r.WithOrderID(finalID))
			continue
		}

		merged = append(merged, e.mergeFinal(r, finalID, final))
	}

	return merged
}

// mergeFinal 用终态快照重写单笔订单结果。部分成交按已成交部分记成功，
// 剩余部分在监控阶段已尽力处理，不再算作错误。
func (e *PhaseExecutor) mergeFinal(r OrderResult, finalID string, final broker.Order) OrderResult {
	fillPrice := final.AvgFillPrice
	if fillPrice.Sign() <= 0 {
		fillPrice = r.Price
	}
	filledAt := final.UpdatedAt
	if filledAt.IsZero() {
		filledAt = time.Now().UTC()
	}

	switch {
	case final.State == broker.StateFilled:
		quantity := final.FilledQuantity
		if quantity.Sign() <= 0 {
			quantity = final.Quantity
		}
		if quantity.Sign() <= 0 {
			quantity = r.Shares
		}
		return r.ReplaceOrder(finalID, quantity, fillPrice, filledAt)

	case final.FilledQuantity.Sign() > 0:
		e.logger.Warn("订单部分成交，按已成交部分记账",
			zap.String("symbol", r.Symbol),
			zap.String("order_id", finalID),
			zap.String("filled", final.FilledQuantity.String()),
			zap.String("remaining", final.Remaining.String()),
		)
		return r.ReplaceOrder(finalID, final.FilledQuantity, fillPrice, filledAt)

	case final.State == broker.StateRejected:
		return r.WithOrderID(finalID).MarkFailed("订单被券商拒绝")

	default:
		return r.WithOrderID(finalID).MarkFailed("订单未在监控预算内成交")
	}
}

// recordFills 将成功订单写入账本，入账失败只告警不影响执行结果。
func (e *PhaseExecutor) recordFills(ctx context.Context, result ExecutionResult, attribution []plan.StrategyWeight) {
	if e.recorder == nil {
		return
	}

	for _, order := range result.Orders {
		if !order.Success || order.Shares.Sign() <= 0 || order.Price.Sign() <= 0 {
			continue
		}

		fill := ledger.Fill{
			CorrelationID: result.CorrelationID,
			OrderID:       order.OrderID,
			Symbol:        order.Symbol,
			Side:          string(order.Side),
			Quantity:      order.Shares,
			Price:         order.Price,
			Attribution:   attribution,
			FilledAt:      order.FilledAt,
		}
		if quote, err := e.quotes.GetLatestQuote(ctx, order.Symbol); err == nil {
			fill.Bid = quote.Bid
			fill.Ask = quote.Ask
		}

		if err := e.recorder.RecordFill(ctx, fill); err != nil {
			e.logger.Warn("成交入账失败",
				zap.String("symbol", order.Symbol),
				zap.String("order_id", order.OrderID),
				zap.Error(err),
			)
		}
	}
}
