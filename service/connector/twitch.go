package connector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"SHProject/logger"
	"SHProject/service/gateway"
	"SHProject/tools/errs"
	"SHProject/tools/safe"
)

// TwitchConf twitch 型（websocket 上游）连接器配置。
type TwitchConf struct {
	Platform         string
	Endpoint         string // ws(s):// 上游地址
	Credential       string // 上游鉴权（opaque，随握手头带上）
	FailureThreshold int
	WriteTimeout     time.Duration
}

func (c *TwitchConf) norm() {
	if c.Platform == "" {
		c.Platform = "twitch"
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// upstreamMsg twitch 型上游的平台原生事件形状。
type upstreamMsg struct {
	Event  string         `json:"event"`
	UserID string         `json:"user_id,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// TwitchConnector 持有单条 websocket 上游链路。
// 上游句柄只有它自己碰；读循环是该连接器唯一的事件生产者。
type TwitchConnector struct {
	base
	conf TwitchConf

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewTwitch(conf TwitchConf) *TwitchConnector {
	conf.norm()
	return &TwitchConnector{
		base: newBase(conf.Platform, conf.FailureThreshold),
		conf: conf,
	}
}

// Connect 上游握手。ctx 必须带超时（Health Supervisor 传 ProbeTimeout）。
func (t *TwitchConnector) Connect(ctx context.Context) error {
	if err := t.st.beginConnect(); err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	hdr := map[string][]string{}
	if t.conf.Credential != "" {
		hdr["Authorization"] = []string{"Bearer " + t.conf.Credential}
	}
	conn, _, err := dialer.DialContext(ctx, t.conf.Endpoint, hdr)
	if err != nil {
		permanent := t.st.connectFailed()
		if permanent {
			return errs.ErrPermanentFailure.WrapMsg("connect", "platform", t.conf.Platform, "err", err)
		}
		return errs.ErrUpstreamFailure.WrapMsg("connect", "platform", t.conf.Platform, "err", err)
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	t.st.connectOK(time.Now())
	safe.Go("connector.read."+t.conf.Platform, func() { t.readLoop(conn) })
	logger.Infof("[connector] %s connected endpoint=%s", t.conf.Platform, t.conf.Endpoint)
	return nil
}

func (t *TwitchConnector) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "drain"),
			time.Now().Add(t.conf.WriteTimeout))
		_ = conn.Close()
	}
	t.st.upstreamClosed()
	return nil
}

// HealthCheck 一次 ping 控制帧。写不出去即失败，状态转移交给 Supervisor。
func (t *TwitchConnector) HealthCheck(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.st.probeFailed()
		return errs.ErrUpstreamFailure.WithDetail("no upstream conn: " + t.conf.Platform)
	}
	deadline := time.Now().Add(t.conf.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		t.st.probeFailed()
		return errs.ErrUpstreamFailure.WrapMsg("ping", "platform", t.conf.Platform, "err", err)
	}
	t.st.probeOK(time.Now())
	return nil
}

// Emit 网关侧意图（聊天/审核动作）发往上游。
func (t *TwitchConnector) Emit(ctx context.Context, ev *gateway.Event) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errs.ErrUpstreamFailure.WithDetail("no upstream conn: " + t.conf.Platform)
	}
	out := upstreamMsg{Event: ev.Kind.String(), UserID: ev.TargetUserID, Data: ev.Payload}
	data, err := json.Marshal(out)
	if err != nil {
		return errs.Wrap(err)
	}
	deadline := time.Now().Add(t.conf.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.ErrUpstreamFailure.WrapMsg("emit", "platform", t.conf.Platform, "err", err)
	}
	return nil
}

// readLoop 唯一的上游读协程：平台原生事件 → 内部事件。
func (t *TwitchConnector) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stillOwned := t.conn == conn
			if stillOwned {
				t.conn = nil
			}
			t.mu.Unlock()
			if stillOwned {
				logger.Infof("[connector] %s upstream closed err=%v", t.conf.Platform, err)
				t.st.upstreamClosed()
				t.push(gateway.NewEvent(gateway.EventConnectionClosed, t.conf.Platform, "", nil))
			}
			return
		}
		msg := &upstreamMsg{}
		if uerr := json.Unmarshal(data, msg); uerr != nil {
			logger.Infof("[connector] %s bad upstream msg err=%v", t.conf.Platform, uerr)
			continue
		}
		t.st.probeOK(time.Now()) // 任何上游数据都算一次成功接触
		t.push(translate(msg))
	}
}

// translate 平台原生事件名 → 内部事件种类。
func translate(m *upstreamMsg) *gateway.Event {
	var kind gateway.EventKind
	switch m.Event {
	case "stream.online":
		kind = gateway.EventStreamStarted
	case "stream.offline":
		kind = gateway.EventStreamEnded
	case "channel.chat.message":
		kind = gateway.EventChatMessage
	case "channel.follow":
		kind = gateway.EventFollowerGained
	case "channel.subscribe":
		kind = gateway.EventSubscriptionGained
	case "stream.metrics":
		kind = gateway.EventStreamMetrics
	default:
		kind = gateway.EventChatMessage
	}
	return gateway.NewEvent(kind, "", m.UserID, m.Data)
}
