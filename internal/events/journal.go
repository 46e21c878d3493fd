package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rebalancer/internal/store"
)

// Journal 把工作流事件持久化到本地存储，实现 Publisher。
// 外部事件总线不可用时，本地事件日志仍保证调仓全程可追溯。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewJournal 初始化事件日志，创建所需表结构。
func NewJournal(s *store.Store, logger *zap.Logger) (*Journal, error) {
	if s == nil {
		return nil, fmt.Errorf("events: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{
		db:     s.DB(),
		logger: logger,
	}

	if err := j.initSchema(); err != nil {
		return nil, err
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS workflow_events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	causation_id TEXT,
	payload TEXT NOT NULL,
	occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_events_correlation ON workflow_events(correlation_id);
`
	if _, err := j.db.Exec(stmt); err != nil {
		return fmt.Errorf("events: 初始化表失败: %w", err)
	}
	return nil
}

// Publish 写入单个事件。
func (j *Journal) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("events: 序列化事件失败: %w", err)
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO workflow_events (id, event_type, correlation_id, causation_id, payload, occurred_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Type), event.CorrelationID, event.CausationID,
		string(payload), occurredAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("events: 写入事件失败: %w", err)
	}

	return nil
}
