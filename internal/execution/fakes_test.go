package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/internal/broker"
)

// fakeBroker 同时实现 broker.Broker 与 broker.QuoteProvider，
// 行为由字段驱动，调用序列记录在 calls 中。
type fakeBroker struct {
	mu   sync.Mutex
	seq  int
	call []string

	orders     map[string]broker.Order
	totalPolls int
	// fillAfter > 0 时，从第 fillAfter 次轮询起将仍然挂出的限价单置为全部成交。
	fillAfter int
	// pollState 强制指定订单在轮询时返回的状态，模拟券商侧的拒单等异步变更。
	pollState   map[string]broker.OrderState
	stray       []broker.Order
	positions   map[string]decimal.Decimal
	instruments map[string]broker.Instrument
	quotes      map[string]broker.Quote

	buyingPower    decimal.Decimal
	buyingPowerErr error
	marketErr      map[string]error
	limitErr       map[string]error
	quoteErr       map[string]error
	instrumentErr  map[string]error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		orders:        make(map[string]broker.Order),
		pollState:     make(map[string]broker.OrderState),
		positions:     make(map[string]decimal.Decimal),
		instruments:   make(map[string]broker.Instrument),
		quotes:        make(map[string]broker.Quote),
		buyingPower:   decimal.NewFromInt(1_000_000),
		marketErr:     make(map[string]error),
		limitErr:      make(map[string]error),
		quoteErr:      make(map[string]error),
		instrumentErr: make(map[string]error),
	}
}

func (f *fakeBroker) record(name string) {
	f.call = append(f.call, name)
}

func (f *fakeBroker) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.call))
	copy(out, f.call)
	return out
}

func (f *fakeBroker) countCalls(name string) int {
	count := 0
	for _, c := range f.calls() {
		if c == name {
			count++
		}
	}
	return count
}

func (f *fakeBroker) nextID() string {
	f.seq++
	return fmt.Sprintf("ord-%d", f.seq)
}

func (f *fakeBroker) setQuote(symbol string, bid, ask float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = broker.Quote{
		Symbol:    symbol,
		Bid:       decimal.NewFromFloat(bid),
		Ask:       decimal.NewFromFloat(ask),
		Timestamp: time.Now(),
	}
}

func (f *fakeBroker) order(id string) (broker.Order, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	return o, ok
}

func (f *fakeBroker) PlaceMarketOrder(_ context.Context, symbol, side string, quantity decimal.Decimal) (broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PlaceMarketOrder")

	if err := f.marketErr[symbol]; err != nil {
		return broker.Order{}, err
	}

	price := decimal.NewFromInt(100)
	if q, ok := f.quotes[symbol]; ok {
		price = q.Mid()
	}

	order := broker.Order{
		ID:             f.nextID(),
		Symbol:         symbol,
		Side:           side,
		Type:           "market",
		State:          broker.StateFilled,
		Quantity:       quantity,
		FilledQuantity: quantity,
		AvgFillPrice:   price,
		SubmittedAt:    time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.orders[order.ID] = order
	return order, nil
}

func (f *fakeBroker) PlaceLimitOrder(_ context.Context, symbol, side string, quantity, price decimal.Decimal) (broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PlaceLimitOrder")

	if err := f.limitErr[symbol]; err != nil {
		return broker.Order{}, err
	}

	order := broker.Order{
		ID:          f.nextID(),
		Symbol:      symbol,
		Side:        side,
		Type:        "limit",
		State:       broker.StateOpen,
		Quantity:    quantity,
		Remaining:   quantity,
		LimitPrice:  price,
		SubmittedAt: time.Now(),
	}
	f.orders[order.ID] = order
	return order, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, orderID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CancelOrder")

	order, ok := f.orders[orderID]
	if !ok {
		return broker.ErrOrderNotFound
	}
	order.State = broker.StateCanceled
	order.UpdatedAt = time.Now()
	f.orders[orderID] = order
	return nil
}

func (f *fakeBroker) GetOrderStatus(_ context.Context, orderID, _ string) (broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetOrderStatus")

	order, ok := f.orders[orderID]
	if !ok {
		return broker.Order{}, broker.ErrOrderNotFound
	}

	if state, forced := f.pollState[orderID]; forced {
		order.State = state
		order.UpdatedAt = time.Now()
		f.orders[orderID] = order
		return order, nil
	}

	if order.IsOpen() && f.fillAfter > 0 {
		f.totalPolls++
		if f.totalPolls >= f.fillAfter {
			order.State = broker.StateFilled
			order.FilledQuantity = order.Quantity
			order.Remaining = decimal.Zero
			order.AvgFillPrice = order.LimitPrice
			order.UpdatedAt = time.Now()
			f.orders[orderID] = order
		}
	}

	return order, nil
}

func (f *fakeBroker) GetOpenOrders(context.Context) ([]broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetOpenOrders")
	return f.stray, nil
}

func (f *fakeBroker) GetPosition(_ context.Context, symbol string) (broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetPosition")
	return broker.Position{
		Symbol:    symbol,
		Quantity:  f.positions[symbol],
		Timestamp: time.Now(),
	}, nil
}

func (f *fakeBroker) GetBuyingPower(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetBuyingPower")
	if f.buyingPowerErr != nil {
		return decimal.Zero, f.buyingPowerErr
	}
	return f.buyingPower, nil
}

func (f *fakeBroker) GetInstrument(_ context.Context, symbol string) (broker.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetInstrument")
	if err := f.instrumentErr[symbol]; err != nil {
		return broker.Instrument{}, err
	}
	if inst, ok := f.instruments[symbol]; ok {
		return inst, nil
	}
	return broker.Instrument{Symbol: symbol, Fractionable: true}, nil
}

func (f *fakeBroker) Subscribe(_ context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Subscribe")
	return nil
}

func (f *fakeBroker) Unsubscribe(_ context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Unsubscribe")
	return nil
}

func (f *fakeBroker) GetLatestQuote(_ context.Context, symbol string) (broker.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetLatestQuote")
	if err := f.quoteErr[symbol]; err != nil {
		return broker.Quote{}, err
	}
	quote, ok := f.quotes[symbol]
	if !ok {
		return broker.Quote{}, broker.ErrQuoteUnavailable
	}
	return quote, nil
}
