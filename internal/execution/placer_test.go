package execution

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestPlacer(fake *fakeBroker, smartEnabled bool) *Placer {
	return NewPlacer(fake, newTestStrategy(fake), smartEnabled, nil)
}

func TestPlacerMarketPath(t *testing.T) {
	fake := newFakeBroker()
	fake.setQuote("AAPL", 99, 101)
	placer := newTestPlacer(fake, false)

	intent := OrderIntent{Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(2)}
	result := placer.Place(context.Background(), intent)

	if !result.Success {
		t.Fatalf("market order failed: %s", result.ErrorMessage)
	}
	if result.OrderType != "market" {
		t.Errorf("order type = %s, want market", result.OrderType)
	}
	if want := decimal.NewFromInt(200); !result.TradeAmount.Equal(want) {
		t.Errorf("trade amount = %s, want %s", result.TradeAmount, want)
	}
	if fake.countCalls("PlaceLimitOrder") != 0 {
		t.Errorf("smart path must stay disabled")
	}
}

func TestPlacerMarketFailurePreservesBrokerError(t *testing.T) {
	fake := newFakeBroker()
	fake.marketErr["AAPL"] = errors.New("insufficient margin")
	placer := newTestPlacer(fake, false)

	intent := OrderIntent{Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(2)}
	result := placer.Place(context.Background(), intent)

	if result.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(result.ErrorMessage, "insufficient margin") {
		t.Errorf("broker error must survive: %q", result.ErrorMessage)
	}
	if result.Symbol != "AAPL" || result.Side != SideBuy {
		t.Errorf("failure must keep symbol/side: %+v", result)
	}
}

func TestPlacerSmartPath(t *testing.T) {
	fake := newFakeBroker()
	fake.setQuote("AAPL", 99.50, 100.50)
	placer := newTestPlacer(fake, true)

	intent := OrderIntent{Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(2)}
	result := placer.Place(context.Background(), intent)

	if !result.Success {
		t.Fatalf("smart order failed: %s", result.ErrorMessage)
	}
	if result.OrderType != "limit" {
		t.Errorf("order type = %s, want limit", result.OrderType)
	}
	if !result.Price.Equal(decimal.NewFromFloat(100.50)) {
		t.Errorf("limit price = %s, want ask 100.50", result.Price)
	}
	if fake.countCalls("PlaceMarketOrder") != 0 {
		t.Errorf("successful smart path must not touch the market path")
	}
}

func TestPlacerSmartFallsBackToMarket(t *testing.T) {
	fake := newFakeBroker()
	// 无可用盘口，智能路径必须降级为市价而不是阻塞。
	placer := newTestPlacer(fake, true)

	intent := OrderIntent{Symbol: "AAPL", Side: SideSell, Quantity: decimal.NewFromInt(2)}
	result := placer.Place(context.Background(), intent)

	if !result.Success {
		t.Fatalf("fallback market order failed: %s", result.ErrorMessage)
	}
	if result.OrderType != "market" {
		t.Errorf("order type = %s, want market fallback", result.OrderType)
	}
	if fake.countCalls("PlaceMarketOrder") != 1 {
		t.Errorf("expected one market fallback call")
	}
}

func TestPlacerSmartFallsBackOnLimitRejection(t *testing.T) {
	fake := newFakeBroker()
	fake.setQuote("AAPL", 99.50, 100.50)
	fake.limitErr["AAPL"] = errors.New("limit orders suspended")
	placer := newTestPlacer(fake, true)

	intent := OrderIntent{Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(2)}
	result := placer.Place(context.Background(), intent)

	if !result.Success {
		t.Fatalf("fallback market order failed: %s", result.ErrorMessage)
	}
	if result.OrderType != "market" {
		t.Errorf("order type = %s, want market fallback", result.OrderType)
	}
}
