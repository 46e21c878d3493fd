package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rebalancer/internal/broker"
)

const (
	minMonitorBudget = 60 * time.Second
	maxMonitorBudget = 600 * time.Second
)

// MonitorConfig 控制监控循环的节奏与上限。
type MonitorConfig struct {
	MaxRepegs        int
	FillWait         time.Duration
	WaitPerCheck     time.Duration
	MaxChecks        int
	MinOrderNotional decimal.Decimal
}

// MonitorOutcome 为一轮监控的汇总：原订单号到最终订单号的全量映射、
// 最终订单快照，以及每笔订单的改价/升级历史。
type MonitorOutcome struct {
	Replacements map[string]string
	Final        map[string]broker.Order
	Attempts     map[string][]SmartOrderResult
}

// Monitor 轮询未完成订单，在改价、升级与等待之间做决策，
// 在硬性时间预算内把订单推向终态。
type Monitor struct {
	broker broker.Broker
	smart  *SmartStrategy
	cfg    MonitorConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewMonitor 创建订单监控器。
func NewMonitor(b broker.Broker, smart *SmartStrategy, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		broker: b,
		smart:  smart,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// ShouldEscalate 判断改价次数是否已达上限。
func ShouldEscalate(repegCount, maxRepegs int) bool {
	return repegCount >= maxRepegs
}

// IsDust 判断剩余数量是否小到不值得提交：
// 可分割标的看剩余名义金额，不可分割标的看剩余数量是否凑不足整股。
func IsDust(remaining, price, minNotional decimal.Decimal, fractionable bool) bool {
	if remaining.Sign() <= 0 {
		return true
	}
	if fractionable {
		if price.Sign() > 0 && minNotional.Sign() > 0 {
			return remaining.Mul(price).LessThan(minNotional)
		}
		return false
	}
	return remaining.Floor().Sign() <= 0
}

type trackedOrder struct {
	originalID string
	currentID  string
	symbol     string
	side       Side
	limitPrice decimal.Decimal
	placedAt   time.Time
	repegs     int
	history    []decimal.Decimal
	attempts   []SmartOrderResult
	instrument broker.Instrument
	escalated  bool
	done       bool
	last       broker.Order
}

// Budget 返回本轮监控的硬性时间预算。
func (m *Monitor) Budget() time.Duration {
	budget := m.cfg.WaitPerCheck * time.Duration(m.cfg.MaxChecks)
	if budget < minMonitorBudget {
		return minMonitorBudget
	}
	if budget > maxMonitorBudget {
		return maxMonitorBudget
	}
	return budget
}

// Run 驱动一批已提交订单直到终态或预算耗尽。
// 预算耗尽时执行一次无条件升级兜底，之后无论剩余多少未完成订单都退出，
// 将其作为部分/失败结果上报而不是永远挂起。
func (m *Monitor) Run(ctx context.Context, orders []OrderResult) MonitorOutcome {
	tracked := m.track(ctx, orders)
	outcome := MonitorOutcome{
		Replacements: make(map[string]string, len(tracked)),
		Final:        make(map[string]broker.Order, len(tracked)),
		Attempts:     make(map[string][]SmartOrderResult, len(tracked)),
	}
	if len(tracked) == 0 {
		return outcome
	}

	repegWait := m.repegWait()
	deadline := m.now().Add(m.Budget())

	for {
		candidates := m.poll(ctx, tracked, repegWait)
		m.escalate(ctx, candidates, false)

		if m.openCount(tracked) == 0 {
			break
		}

		if m.now().After(deadline) || ctx.Err() != nil {
			m.logger.Warn("监控预算耗尽，执行最终升级兜底",
				zap.Int("open_orders", m.openCount(tracked)),
			)
			m.finalSweep(ctx, tracked)
			break
		}

		select {
		case <-ctx.Done():
			m.finalSweep(ctx, tracked)
			return m.collect(tracked, outcome)
		case <-time.After(m.cfg.WaitPerCheck):
		}
	}

	return m.collect(tracked, outcome)
}

// track 过滤出需要监控的订单并缓存标的约束。
func (m *Monitor) track(ctx context.Context, orders []OrderResult) []*trackedOrder {
	instruments := make(map[string]broker.Instrument, len(orders))
	tracked := make([]*trackedOrder, 0, len(orders))

	for _, order := range orders {
		if !order.Success || order.OrderID == "" {
			continue
		}
		if order.OrderType != "limit" {
			continue
		}

		inst, ok := instruments[order.Symbol]
		if !ok {
			fetched, err := m.broker.GetInstrument(ctx, order.Symbol)
			if err != nil {
				m.logger.Warn("获取标的约束失败，使用宽松默认值",
					zap.String("symbol", order.Symbol),
					zap.Error(err),
				)
				fetched = broker.Instrument{Symbol: order.Symbol, Fractionable: true}
			}
			instruments[order.Symbol] = fetched
			inst = fetched
		}

		tracked = append(tracked, &trackedOrder{
			originalID: order.OrderID,
			currentID:  order.OrderID,
			symbol:     order.Symbol,
			side:       order.Side,
			limitPrice: order.Price,
			placedAt:   order.PlacedAt,
			history:    []decimal.Decimal{order.Price},
			instrument: inst,
			last: broker.Order{
				ID:         order.OrderID,
				Symbol:     order.Symbol,
				State:      broker.StateOpen,
				Quantity:   order.Shares,
				Remaining:  order.Shares,
				LimitPrice: order.Price,
			},
		})
	}

	return tracked
}

// poll 刷新每笔订单状态，执行到期改价，并返回待升级订单。
func (m *Monitor) poll(ctx context.Context, tracked []*trackedOrder, repegWait time.Duration) []*trackedOrder {
	candidates := make([]*trackedOrder, 0, len(tracked))

	for _, t := range tracked {
		if t.done {
			continue
		}

		status, err := m.broker.GetOrderStatus(ctx, t.currentID, t.symbol)
		if err != nil {
			m.logger.Warn("查询订单状态失败",
				zap.String("symbol", t.symbol),
				zap.String("order_id", t.currentID),
				zap.Error(err),
			)
			continue
		}
		t.last = status

		switch {
		case status.State == broker.StateFilled:
			t.done = true
		case status.State == broker.StateRejected:
			// 拒单是终态，不能撤也不能升级重提。
			m.logger.Warn("订单被券商拒绝",
				zap.String("symbol", t.symbol),
				zap.String("order_id", t.currentID),
			)
			t.done = true
		case status.State == broker.StateCanceled || status.State == broker.StateExpired:
			if status.Remaining.Sign() > 0 && !t.escalated {
				candidates = append(candidates, t)
			} else {
				t.done = true
			}
		case status.IsOpen():
			if t.escalated {
				continue
			}
			if time.Since(t.placedAt) < repegWait {
				continue
			}
			if ShouldEscalate(t.repegs, m.cfg.MaxRepegs) {
				candidates = append(candidates, t)
				continue
			}
			m.repeg(ctx, t, status)
		default:
			// 状态未知时不做任何动作，留给下一轮或兜底阶段重新确认。
			m.logger.Warn("订单状态未知，等待下一轮确认",
				zap.String("symbol", t.symbol),
				zap.String("order_id", t.currentID),
				zap.String("state", string(status.State)),
			)
		}
	}

	return candidates
}

// repeg 撤销当前限价单并以调整后的价格重新挂出剩余数量。
func (m *Monitor) repeg(ctx context.Context, t *trackedOrder, status broker.Order) {
	newPrice, err := m.smart.RepegPrice(ctx, t.symbol, t.side, t.limitPrice, t.history)
	if err != nil {
		m.logger.Warn("改价定价失败，保持当前订单",
			zap.String("symbol", t.symbol),
			zap.String("order_id", t.currentID),
			zap.Error(err),
		)
		return
	}
	if newPrice.Equal(t.limitPrice) {
		// 找不到新价格时重置计时，等待下一轮而不是空转。
		t.placedAt = time.Now()
		return
	}

	if err := m.broker.CancelOrder(ctx, t.currentID, t.symbol); err != nil {
		m.logger.Warn("改价撤单失败",
			zap.String("symbol", t.symbol),
			zap.String("order_id", t.currentID),
			zap.Error(err),
		)
		return
	}

	remaining := status.Remaining
	if remaining.Sign() <= 0 {
		remaining = status.Quantity.Sub(status.FilledQuantity)
	}
	if remaining.Sign() <= 0 {
		t.done = true
		return
	}

	attempt := m.smart.Place(ctx, SmartOrderRequest{
		Symbol:         t.symbol,
		Side:           t.side,
		Quantity:       remaining,
		LimitPriceSeed: newPrice,
	})
	t.attempts = append(t.attempts, attempt)
	if !attempt.Success {
		m.logger.Warn("改价重挂失败",
			zap.String("symbol", t.symbol),
			zap.String("order_id", t.currentID),
			zap.String("reason", attempt.Error),
		)
		return
	}

	m.logger.Info("订单已改价",
		zap.String("symbol", t.symbol),
		zap.String("old_order_id", t.currentID),
		zap.String("new_order_id", attempt.OrderID),
		zap.String("old_price", t.limitPrice.String()),
		zap.String("new_price", attempt.LimitPrice.String()),
		zap.Int("repegs", t.repegs+1),
	)

	t.currentID = attempt.OrderID
	t.limitPrice = attempt.LimitPrice
	t.history = append(t.history, attempt.LimitPrice)
	t.placedAt = time.Now()
	t.repegs++
}

// escalate 并发升级一批订单，每笔独立捕获错误，单个标的失败不影响其他。
func (m *Monitor) escalate(ctx context.Context, candidates []*trackedOrder, unconditional bool) {
	if len(candidates) == 0 {
		return
	}

	var group errgroup.Group
	for _, t := range candidates {
		t := t
		group.Go(func() error {
			m.escalateOne(ctx, t, unconditional)
			return nil
		})
	}
	_ = group.Wait()
}

// escalateOne 撤销限价单并以市价提交剩余数量，粉尘数量直接跳过。
func (m *Monitor) escalateOne(ctx context.Context, t *trackedOrder, unconditional bool) {
	if t.done || (t.escalated && !unconditional) {
		return
	}

	remaining := t.last.Remaining
	if remaining.Sign() <= 0 && t.last.Quantity.Sign() > 0 {
		remaining = t.last.Quantity.Sub(t.last.FilledQuantity)
	}

	refPrice := t.limitPrice
	if IsDust(remaining, refPrice, m.cfg.MinOrderNotional, t.instrument.Fractionable) {
		m.logger.Info("剩余数量为粉尘，跳过升级",
			zap.String("symbol", t.symbol),
			zap.String("order_id", t.currentID),
			zap.String("remaining", remaining.String()),
		)
		t.done = true
		return
	}

	if t.last.IsOpen() {
		if err := m.broker.CancelOrder(ctx, t.currentID, t.symbol); err != nil {
			m.logger.Warn("升级撤单失败",
				zap.String("symbol", t.symbol),
				zap.String("order_id", t.currentID),
				zap.Error(err),
			)
			return
		}
	}

	quantity := remaining
	if !t.instrument.Fractionable {
		quantity = quantity.Floor()
		if quantity.Sign() <= 0 {
			t.done = true
			return
		}
	}

	order, err := m.broker.PlaceMarketOrder(ctx, t.symbol, t.side.BrokerSide(), quantity)
	placedAt := time.Now().UTC()
	if err != nil {
		t.attempts = append(t.attempts, SmartOrderResult{
			Error:    err.Error(),
			PlacedAt: placedAt,
		})
		m.logger.Warn("升级市价单失败",
			zap.String("symbol", t.symbol),
			zap.String("order_id", t.currentID),
			zap.Error(err),
		)
		return
	}

	t.attempts = append(t.attempts, SmartOrderResult{
		Success:  true,
		OrderID:  order.ID,
		PlacedAt: placedAt,
	})

	m.logger.Info("订单已升级为市价单",
		zap.String("symbol", t.symbol),
		zap.String("old_order_id", t.currentID),
		zap.String("new_order_id", order.ID),
		zap.String("quantity", quantity.String()),
	)

	t.currentID = order.ID
	t.last = order
	t.escalated = true
	t.placedAt = time.Now()
	if order.State == broker.StateFilled {
		t.done = true
	}
}

// finalSweep 预算耗尽时的最后一次无条件升级。
func (m *Monitor) finalSweep(ctx context.Context, tracked []*trackedOrder) {
	open := make([]*trackedOrder, 0, len(tracked))
	for _, t := range tracked {
		if !t.done {
			open = append(open, t)
		}
	}
	m.escalate(ctx, open, true)

	// 升级后再取一次终态快照，保证兜底期间的成交被计入结果。
	for _, t := range open {
		status, err := m.broker.GetOrderStatus(ctx, t.currentID, t.symbol)
		if err != nil {
			continue
		}
		t.last = status
		if status.Terminal() {
			t.done = true
		}
	}
}

func (m *Monitor) openCount(tracked []*trackedOrder) int {
	count := 0
	for _, t := range tracked {
		if !t.done {
			count++
		}
	}
	return count
}

func (m *Monitor) repegWait() time.Duration {
	slots := m.cfg.MaxRepegs + 1
	wait := m.cfg.FillWait / time.Duration(slots)
	if wait <= 0 {
		wait = m.cfg.WaitPerCheck
	}
	return wait
}

func (m *Monitor) collect(tracked []*trackedOrder, outcome MonitorOutcome) MonitorOutcome {
	for _, t := range tracked {
		outcome.Replacements[t.originalID] = t.currentID
		outcome.Final[t.currentID] = t.last
		if len(t.attempts) > 0 {
			outcome.Attempts[t.originalID] = t.attempts
		}
	}
	return outcome
}
