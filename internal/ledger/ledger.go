package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/plan"
	"rebalancer/internal/store"
)

// Fill 描述一笔待入账的成交。
type Fill struct {
	CorrelationID string
	OrderID       string
	Symbol        string
	Side          string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Bid           decimal.Decimal
	Ask           decimal.Decimal
	Attribution   []plan.StrategyWeight
	FilledAt      time.Time
}

// Entry 为账本条目，只增不改。Bid/Ask 为零表示成交时盘口无效被丢弃。
type Entry struct {
	ID            string
	CorrelationID string
	OrderID       string
	Symbol        string
	Side          string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Bid           decimal.Decimal
	Ask           decimal.Decimal
	Attribution   []plan.StrategyWeight
	FilledAt      time.Time
	RecordedAt    time.Time
}

// Ledger 维护只增的成交账本，并支持落盘到外部持久化存储。
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	db      *sql.DB
	logger  *zap.Logger
}

// New 初始化账本并创建所需表结构。
func New(s *store.Store, logger *zap.Logger) (*Ledger, error) {
	if s == nil {
		return nil, fmt.Errorf("ledger: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		db:     s.DB(),
		logger: logger,
	}

	if err := l.initSchema(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Ledger) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS trade_ledger (
	id TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	order_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity TEXT NOT NULL,
	price TEXT NOT NULL,
	bid TEXT,
	ask TEXT,
	attribution TEXT,
	filled_at TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	UNIQUE(correlation_id, order_id)
);
CREATE INDEX IF NOT EXISTS idx_trade_ledger_correlation ON trade_ledger(correlation_id);
`
	if _, err := l.db.Exec(stmt); err != nil {
		return fmt.Errorf("ledger: 初始化表失败: %w", err)
	}
	return nil
}

// RecordFill 追加一笔成交。只接受成功、有价、正数量的成交；
// 无效盘口（非正 bid/ask）丢弃并告警，而不是写入损坏的条目。
func (l *Ledger) RecordFill(_ context.Context, fill Fill) error {
	if fill.OrderID == "" || fill.CorrelationID == "" {
		return fmt.Errorf("ledger: 成交缺少订单号或关联标识")
	}
	if fill.Quantity.Sign() <= 0 {
		return fmt.Errorf("ledger: 成交数量必须为正 (%s)", fill.Quantity.String())
	}
	if fill.Price.Sign() <= 0 {
		return fmt.Errorf("ledger: 成交价格必须为正 (%s)", fill.Price.String())
	}

	bid, ask := fill.Bid, fill.Ask
	if bid.Sign() <= 0 || ask.Sign() <= 0 {
		l.logger.Warn("成交时盘口无效，账本条目不记录盘口",
			zap.String("symbol", fill.Symbol),
			zap.String("order_id", fill.OrderID),
		)
		bid, ask = decimal.Zero, decimal.Zero
	}

	filledAt := fill.FilledAt
	if filledAt.IsZero() {
		filledAt = time.Now().UTC()
	}

	entry := Entry{
		ID:            uuid.NewString(),
		CorrelationID: fill.CorrelationID,
		OrderID:       fill.OrderID,
		Symbol:        fill.Symbol,
		Side:          fill.Side,
		Quantity:      fill.Quantity,
		Price:         fill.Price,
		Bid:           bid,
		Ask:           ask,
		Attribution:   fill.Attribution,
		FilledAt:      filledAt,
		RecordedAt:    time.Now().UTC(),
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	return nil
}

// Entries 返回账本条目的拷贝。
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Persist 将内存账本落盘。落盘失败不影响已完成的交易；
// 以 (correlation_id, order_id) 去重保证重试不会产生重复写入。
func (l *Ledger) Persist(ctx context.Context) error {
	entries := l.Entries()
	if len(entries) == 0 {
		return nil
	}

	for _, entry := range entries {
		attribution, err := json.Marshal(entry.Attribution)
		if err != nil {
			l.logger.Warn("序列化策略归因失败",
				zap.String("order_id", entry.OrderID),
				zap.Error(err),
			)
			attribution = []byte("[]")
		}

		_, err = l.db.ExecContext(ctx, `
INSERT OR IGNORE INTO trade_ledger
	(id, correlation_id, order_id, symbol, side, quantity, price, bid, ask, attribution, filled_at, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID,
			entry.CorrelationID,
			entry.OrderID,
			entry.Symbol,
			entry.Side,
			entry.Quantity.String(),
			entry.Price.String(),
			entry.Bid.String(),
			entry.Ask.String(),
			string(attribution),
			entry.FilledAt.Format(time.RFC3339),
			entry.RecordedAt.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("ledger: 账本落盘失败: %w", err)
		}
	}

	return nil
}
