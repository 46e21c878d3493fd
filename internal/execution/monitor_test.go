package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/internal/broker"
)

func TestShouldEscalate(t *testing.T) {
	cases := []struct {
		repegs int
		max    int
		want   bool
	}{
		{0, 0, true},
		{0, 3, false},
		{2, 3, false},
		{3, 3, true},
		{5, 3, true},
	}

	for _, tc := range cases {
		if got := ShouldEscalate(tc.repegs, tc.max); got != tc.want {
			t.Errorf("ShouldEscalate(%d, %d) = %v, want %v", tc.repegs, tc.max, got, tc.want)
		}
	}
}

func TestIsDust(t *testing.T) {
	minNotional := decimal.NewFromInt(1)

	cases := []struct {
		name         string
		remaining    string
		price        string
		fractionable bool
		want         bool
	}{
		{"zero remaining", "0", "100", true, true},
		{"fractional below notional", "0.001", "100", true, true},
		{"fractional above notional", "0.5", "100", true, false},
		{"whole share remaining", "1", "100", false, false},
		{"sub-share non-fractionable", "0.4", "100", false, true},
		{"sub-share above half still dust", "0.6", "100", false, true},
		{"above one whole share", "1.6", "100", false, false},
	}

	for _, tc := range cases {
		remaining := decimal.RequireFromString(tc.remaining)
		price := decimal.RequireFromString(tc.price)
		if got := IsDust(remaining, price, minNotional, tc.fractionable); got != tc.want {
			t.Errorf("%s: IsDust = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBudgetClamping(t *testing.T) {
	cases := []struct {
		waitPerCheck time.Duration
		maxChecks    int
		want         time.Duration
	}{
		{time.Millisecond, 10, 60 * time.Second},
		{10 * time.Second, 100, 600 * time.Second},
		{5 * time.Second, 24, 120 * time.Second},
	}

	for _, tc := range cases {
		monitor := NewMonitor(newFakeBroker(), nil, MonitorConfig{
			WaitPerCheck: tc.waitPerCheck,
			MaxChecks:    tc.maxChecks,
		}, nil)
		if got := monitor.Budget(); got != tc.want {
			t.Errorf("Budget(%v × %d) = %v, want %v", tc.waitPerCheck, tc.maxChecks, got, tc.want)
		}
	}
}

func newMonitorFixture(fake *fakeBroker, maxRepegs int) *Monitor {
	smart := newTestStrategy(fake)
	return NewMonitor(fake, smart, MonitorConfig{
		MaxRepegs:        maxRepegs,
		FillWait:         3 * time.Hour,
		WaitPerCheck:     10 * time.Millisecond,
		MaxChecks:        24,
		MinOrderNotional: decimal.NewFromInt(1),
	}, nil)
}

func placeTestLimit(t *testing.T, fake *fakeBroker, symbol string, qty, price decimal.Decimal) OrderResult {
	t.Helper()
	order, err := fake.PlaceLimitOrder(context.Background(), symbol, "buy", qty, price)
	if err != nil {
		t.Fatalf("seed limit order failed: %v", err)
	}
	return OrderResult{
		Symbol:    symbol,
		Side:      SideBuy,
		Shares:    qty,
		Price:     price,
		OrderID:   order.ID,
		Success:   true,
		OrderType: "limit",
		PlacedAt:  time.Now().Add(-time.Hour),
	}
}

func TestMonitorRepegsAndCollectsReplacement(t *testing.T) {
	fake := newFakeBroker()
	fake.setQuote("BTC/USDC", 99, 110)
	fake.fillAfter = 2

	monitor := newMonitorFixture(fake, 2)
	seed := placeTestLimit(t, fake, "BTC/USDC", decimal.NewFromInt(1), decimal.NewFromInt(100))

	outcome := monitor.Run(context.Background(), []OrderResult{seed})

	finalID, ok := outcome.Replacements[seed.OrderID]
	if !ok {
		t.Fatalf("replacement map missing original id %s", seed.OrderID)
	}
	if finalID == seed.OrderID {
		t.Fatalf("expected repeg to produce a new order id")
	}

	final, ok := outcome.Final[finalID]
	if !ok {
		t.Fatalf("final snapshot missing for %s", finalID)
	}
	if !final.Terminal() {
		t.Errorf("final order state = %s, want terminal", final.State)
	}
	// 改价后的新限价应当向目标价移动：100 → 105。
	if !final.LimitPrice.Equal(decimal.NewFromInt(105)) {
		t.Errorf("repegged limit price = %s, want 105", final.LimitPrice)
	}

	if attempts := outcome.Attempts[seed.OrderID]; len(attempts) != 1 || !attempts[0].Success {
		t.Errorf("expected one successful repeg attempt, got %+v", attempts)
	}
	if fake.countCalls("CancelOrder") != 1 {
		t.Errorf("repeg must cancel the original order exactly once")
	}
}

func TestMonitorEscalatesAtRepegCap(t *testing.T) {
	fake := newFakeBroker()
	fake.setQuote("BTC/USDC", 99, 110)

	monitor := newMonitorFixture(fake, 0)
	seed := placeTestLimit(t, fake, "BTC/USDC", decimal.NewFromInt(5), decimal.NewFromInt(100))
	seed.PlacedAt = time.Now().Add(-4 * time.Hour)

	outcome := monitor.Run(context.Background(), []OrderResult{seed})

	finalID := outcome.Replacements[seed.OrderID]
	if finalID == seed.OrderID {
		t.Fatalf("escalation must replace the order id")
	}
	final := outcome.Final[finalID]
	if final.Type != "market" {
		t.Errorf("escalated order type = %s, want market", final.Type)
	}
	if final.State != broker.StateFilled {
		t.Errorf("escalated order state = %s, want filled", final.State)
	}
	if fake.countCalls("PlaceMarketOrder") != 1 {
		t.Errorf("expected exactly one market escalation")
	}
}

func TestMonitorSkipsDustEscalation(t *testing.T) {
	fake := newFakeBroker()
	fake.setQuote("BTC/USDC", 99, 110)

	monitor := newMonitorFixture(fake, 0)
	seed := placeTestLimit(t, fake, "BTC/USDC", decimal.NewFromFloat(0.001), decimal.NewFromInt(100))
	seed.PlacedAt = time.Now().Add(-4 * time.Hour)

	outcome := monitor.Run(context.Background(), []OrderResult{seed})

	if fake.countCalls("PlaceMarketOrder") != 0 {
		t.Fatalf("dust remainder must never become a market order")
	}
	if finalID := outcome.Replacements[seed.OrderID]; finalID != seed.OrderID {
		t.Errorf("dust order keeps its id, got %s", finalID)
	}
}

func TestMonitorIgnoresMarketOrders(t *testing.T) {
	fake := newFakeBroker()
	monitor := newMonitorFixture(fake, 3)

	results := []OrderResult{
		{Symbol: "A", OrderID: "m-1", Success: true, OrderType: "market"},
		{Symbol: "B", Success: false, OrderType: "limit"},
		{Symbol: "C", OrderType: "limit"},
	}

	outcome := monitor.Run(context.Background(), results)
	if len(outcome.Replacements) != 0 {
		t.Fatalf("market and failed orders must not be tracked: %+v", outcome.Replacements)
	}
	if fake.countCalls("GetOrderStatus") != 0 {
		t.Errorf("no polling expected for untracked orders")
	}
}

func TestMonitorStopsOnRejectedOrder(t *testing.T) {
	fake := newFakeBroker()
	fake.setQuote("BTC/USDC", 99, 110)

	monitor := newMonitorFixture(fake, 3)
	seed := placeTestLimit(t, fake, "BTC/USDC", decimal.NewFromInt(2), decimal.NewFromInt(100))
	fake.pollState[seed.OrderID] = broker.StateRejected

	start := time.Now()
	outcome := monitor.Run(context.Background(), []OrderResult{seed})

	// 拒单是终态，监控必须立刻收敛，不能空转到预算耗尽。
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("monitor kept polling a rejected order for %v", elapsed)
	}
	if fake.countCalls("PlaceMarketOrder") != 0 {
		t.Fatalf("rejected order must never be escalated to market")
	}
	if fake.countCalls("CancelOrder") != 0 {
		t.Errorf("rejected order has nothing to cancel")
	}

	finalID := outcome.Replacements[seed.OrderID]
	if finalID != seed.OrderID {
		t.Fatalf("rejected order keeps its id, got %s", finalID)
	}
	if final := outcome.Final[finalID]; final.State != broker.StateRejected {
		t.Errorf("final state = %s, want rejected", final.State)
	}
}

func TestMonitorFinalSweepOnDeadline(t *testing.T) {
	fake := newFakeBroker()
	fake.setQuote("BTC/USDC", 99, 110)

	monitor := newMonitorFixture(fake, 3)
	seed := placeTestLimit(t, fake, "BTC/USDC", decimal.NewFromInt(2), decimal.NewFromInt(100))
	// 订单刚挂出，正常路径既不会改价也不会升级。
	seed.PlacedAt = time.Now()

	// 第一次取时间算出截止点，之后时钟直接越过它，强制走预算耗尽分支。
	base := time.Now()
	deadlineTaken := false
	monitor.now = func() time.Time {
		if !deadlineTaken {
			deadlineTaken = true
			return base
		}
		return base.Add(time.Hour)
	}

	outcome := monitor.Run(context.Background(), []OrderResult{seed})

	if fake.countCalls("PlaceMarketOrder") != 1 {
		t.Fatalf("deadline expiry must trigger exactly one sweep escalation")
	}
	finalID := outcome.Replacements[seed.OrderID]
	if finalID == seed.OrderID {
		t.Fatalf("sweep escalation must replace the order id")
	}
	final := outcome.Final[finalID]
	if final.Type != "market" {
		t.Errorf("sweep order type = %s, want market", final.Type)
	}
	if final.State != broker.StateFilled {
		t.Errorf("sweep order state = %s, want filled", final.State)
	}
}

func TestMonitorFinalSweepOnCancelledContext(t *testing.T) {
	fake := newFakeBroker()
	fake.setQuote("BTC/USDC", 99, 110)

	monitor := newMonitorFixture(fake, 3)
	seed := placeTestLimit(t, fake, "BTC/USDC", decimal.NewFromInt(2), decimal.NewFromInt(100))
	// 订单刚挂出，正常路径既不会改价也不会升级。
	seed.PlacedAt = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := monitor.Run(ctx, []OrderResult{seed})

	// 预算被取消后必须执行无条件升级兜底，而不是挂起等待。
	if fake.countCalls("PlaceMarketOrder") != 1 {
		t.Fatalf("final sweep must escalate remaining open orders")
	}
	finalID := outcome.Replacements[seed.OrderID]
	if finalID == seed.OrderID {
		t.Errorf("sweep escalation must replace the order id")
	}
}
