package gateway

import (
	"context"
	"time"
)

// ConnStatus 连接器状态机状态。转移只经由 service/connector 的状态机发生。
type ConnStatus int32

const (
	StatusDisconnected ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusDegraded
	StatusFailedPermanently
)

func (s ConnStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDegraded:
		return "degraded"
	case StatusFailedPermanently:
		return "failed_permanently"
	default:
		return "unknown"
	}
}

// StateSnapshot 对外可见的连接器状态快照（/admin/status 输出）。
type StateSnapshot struct {
	Platform     string     `json:"platform"`
	Status       ConnStatus `json:"-"`
	StatusName   string     `json:"status"`
	LastContact  time.Time  `json:"last_contact"`
	FailureCount int        `json:"failure_count"`
}

// Connector 单个外部平台的上游链路。实现独占上游句柄，
// 网关其它组件不越过该接口触碰上游。
type Connector interface {
	Platform() string
	// Connect 发起上游握手；ctx 必须带超时。
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	// Emit 把网关侧意图（如聊天/审核动作）发往上游。
	Emit(ctx context.Context, ev *Event) error
	// Events 连接器产生的入站事件，单生产者、保序。
	Events() <-chan *Event
	State() StateSnapshot
	// Enable 运维动作：把 FailedPermanently 拉回 Disconnected。
	Enable()
}
