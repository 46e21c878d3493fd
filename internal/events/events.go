package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type 为工作流事件类型。
type Type string

const (
	// TypeRebalanceRequested 表示一次调仓工作流被触发。
	TypeRebalanceRequested Type = "rebalance.requested"
	// TypeTradeExecuted 表示交易执行完成，携带执行结果。
	TypeTradeExecuted Type = "trade.executed"
	// TypeWorkflowCompleted 为工作流成功终态。
	TypeWorkflowCompleted Type = "workflow.completed"
	// TypeWorkflowFailed 为工作流失败终态。
	TypeWorkflowFailed Type = "workflow.failed"
)

// Event 为不可变的工作流事件。CorrelationID 贯穿一次工作流的全部产物，
// CausationID 指向触发本事件的上游事件，用于端到端追踪。
type Event struct {
	ID            string
	Type          Type
	CorrelationID string
	CausationID   string
	OccurredAt    time.Time
	Payload       map[string]any
}

// New 构造一个事件。correlationID 为空时生成新的工作流标识。
func New(eventType Type, correlationID, causationID string, payload map[string]any) Event {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		CorrelationID: correlationID,
		CausationID:   causationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

// Follow 基于本事件构造后继事件：继承关联标识，因果指向本事件。
func (e Event) Follow(eventType Type, payload map[string]any) Event {
	return New(eventType, e.CorrelationID, e.ID, payload)
}

// Publisher 抽象事件发布通道，由外部事件总线适配实现。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
