package gateway

import (
	"fmt"
	"time"
)

// EventKind 内部事件类型（tagged variant，路由按它分派）。
type EventKind int

const (
	EventStreamStarted EventKind = iota + 1
	EventStreamEnded
	EventChatMessage
	EventFollowerGained
	EventSubscriptionGained
	EventStreamMetrics
	EventSystemAlert
	EventHeartbeat
	EventConnectionClosed
)

func (k EventKind) String() string {
	switch k {
	case EventStreamStarted:
		return "stream_started"
	case EventStreamEnded:
		return "stream_ended"
	case EventChatMessage:
		return "chat_message"
	case EventFollowerGained:
		return "follower_gained"
	case EventSubscriptionGained:
		return "subscription_gained"
	case EventStreamMetrics:
		return "stream_metrics"
	case EventSystemAlert:
		return "system_alert"
	case EventHeartbeat:
		return "heartbeat"
	case EventConnectionClosed:
		return "connection_closed"
	default:
		return fmt.Sprintf("kind_%d", int(k))
	}
}

// Event 网关内部事件信封。由 Connector（上游数据）或客户端会话（出站意图）构造，
// Router 恰好消费一次；网关自身不持久化。
type Event struct {
	Kind     EventKind      `json:"kind"`
	Platform string         `json:"platform"`
	// TargetUserID 为空表示广播（如 SystemAlert）。
	TargetUserID string         `json:"target_user_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Ts           int64          `json:"ts"` // unix ms
	// Seq 单连接器内单调递增，仅用于有界窗口去重，不承诺全局顺序。
	Seq uint64 `json:"seq"`
}

// NewEvent 补时间戳的便捷构造。
func NewEvent(kind EventKind, platform, target string, payload map[string]any) *Event {
	return &Event{
		Kind:         kind,
		Platform:     platform,
		TargetUserID: target,
		Payload:      payload,
		Ts:           time.Now().UnixMilli(),
	}
}

// IsBroadcast 目标用户为空即广播。
func (e *Event) IsBroadcast() bool { return e.TargetUserID == "" }
