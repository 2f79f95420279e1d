package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"SHProject/tools/decode"
)

// 客户端入站帧类型
const (
	FrameJoinChannel        = "join_channel"
	FrameStreamEvent        = "stream_event"
	FrameHeartbeatAck       = "heartbeat_ack"
	FrameGetRecommendations = "get_recommendations"
)

// 网关出站帧类型
const (
	FrameStreamNotification    = "stream_notification"
	FrameStreamMetrics         = "stream_metrics"
	FrameHeartbeat             = "heartbeat"
	FrameCriticalAlert         = "critical_alert"
	FrameStreamRecommendations = "stream_recommendations"
	FrameError                 = "error"
)

// ClientFrame 客户端协议信封：{type, payload}。
type ClientFrame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ServerFrame 出站信封，统一带毫秒时间戳。
type ServerFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Ts      int64  `json:"ts"`
}

type JoinChannelPayload struct {
	UserID   string `json:"user_id"`
	Platform string `json:"platform"`
}

type StreamEventPayload struct {
	Kind         string         `json:"kind"`
	Platform     string         `json:"platform"`
	TargetUserID string         `json:"target_user_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type GetRecommendationsPayload struct {
	Limit int `json:"limit,omitempty"`
}

func ParseClientFrame(raw []byte) (*ClientFrame, error) {
	f := &ClientFrame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return f, nil
}

// DecodePayload 宽松解码 payload 到具体类型（tools/decode）。
func DecodePayload[T any](f *ClientFrame) (*T, error) {
	return decode.DecodeMap[T](f.Payload)
}

func marshalFrame(typ string, payload any) []byte {
	data, err := json.Marshal(ServerFrame{Type: typ, Payload: payload, Ts: time.Now().UnixMilli()})
	if err != nil {
		// ServerFrame 的 payload 都是我们自己构造的可序列化结构，走不到这里
		return []byte(`{"type":"error"}`)
	}
	return data
}

// BuildNotification 把平台事件转成推给客户端的 stream_notification。
func BuildNotification(ev *Event) []byte {
	return marshalFrame(FrameStreamNotification, map[string]any{
		"kind":     ev.Kind.String(),
		"platform": ev.Platform,
		"data":     ev.Payload,
		"seq":      ev.Seq,
		"event_ts": ev.Ts,
	})
}

func BuildHeartbeat() []byte {
	return marshalFrame(FrameHeartbeat, nil)
}

// BuildCriticalAlert SystemAlert 广播帧（平台永久失联等）。
func BuildCriticalAlert(platform, reason string) []byte {
	return marshalFrame(FrameCriticalAlert, map[string]any{
		"platform": platform,
		"reason":   reason,
	})
}

func BuildRecommendations(items any) []byte {
	return marshalFrame(FrameStreamRecommendations, map[string]any{
		"items": items,
	})
}

func BuildStreamMetrics(platform string, data map[string]any) []byte {
	return marshalFrame(FrameStreamMetrics, map[string]any{
		"platform": platform,
		"data":     data,
	})
}

// BuildError machine-readable 失败帧；admission/auth 失败时先发它再关连接。
func BuildError(code int, msg string) []byte {
	return marshalFrame(FrameError, map[string]any{
		"code": code,
		"msg":  msg,
	})
}
