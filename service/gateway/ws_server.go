package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"SHProject/logger"
	"SHProject/tools/errs"
	"SHProject/tools/ids"
	"SHProject/tools/safe"
	"SHProject/tools/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Origin 白名单在 middleware 做
}

// HandleWS websocket 接入入口：限流 → 鉴权 → 升级 → 注册 → 读循环。
// 限流/鉴权失败在升级前拒绝，带 machine-readable reason code。
func (s *Server) HandleWS(c *gin.Context) {
	if s.Draining() {
		c.JSON(http.StatusServiceUnavailable, errs.ErrAdmissionRejected.WithDetail("gateway draining"))
		return
	}

	remote := clientAddr(c.Request)
	if !s.limiter.Admit(remote) {
		s.inc("admission_rejected", "reason", "rate_limit")
		c.JSON(http.StatusTooManyRequests, errs.ErrAdmissionRejected.WithDetail("rate limited"))
		return
	}

	claims, err := s.authenticate(c.Request)
	if err != nil {
		s.inc("admission_rejected", "reason", "auth")
		c.JSON(http.StatusUnauthorized, errs.ErrAuthFailed)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Infof("[ws] upgrade error remote=%s err=%v", remote, err)
		return
	}

	sess := NewSession(ids.GenerateString(), claims.UserID, "", remote, claims.Scopes, ws, s.conf.SendQueueSize)
	if err := s.register(sess); err != nil {
		logger.Infof("[ws] register failed session=%s err=%v", sess.ID, err)
		_ = ws.WriteMessage(websocket.TextMessage, BuildError(errs.CodeDuplicateSession, "session conflict"))
		_ = ws.Close()
		return
	}
	s.inc("sessions_opened")

	// 写泵：每连接唯一写协程
	safe.Go("session.write."+sess.ID, func() {
		sess.WritePump(func(id string) { s.reg.Unregister(id) })
	})

	// pong 也算心跳续期
	ws.SetPongHandler(func(string) error {
		s.hb.Ack(sess.ID)
		return nil
	})

	// 离线缓冲窗口内的事件补投
	s.router.FlushPending(sess)

	s.readLoop(sess, ws)

	// ---- 退出阶段：幂等注销 + 收尾 ----
	s.reg.Unregister(sess.ID)
	sess.Close()
	s.inc("sessions_closed")
}

// register 会话ID冲突按"新会话获胜"：旧会话视作已崩溃，强制注销。
func (s *Server) register(sess *Session) error {
	err := s.reg.Register(sess)
	if err == nil {
		return nil
	}
	if !errs.ErrDuplicateSession.Is(err) {
		return err
	}
	if old, ok := s.reg.GetBySession(sess.ID); ok {
		logger.Infof("[ws] duplicate session %s: evicting old connection", sess.ID)
		s.reg.Unregister(old.ID)
		old.Close()
	}
	return s.reg.Register(sess)
}

func (s *Server) authenticate(r *http.Request) (*security.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h := r.Header.Get("Authorization")
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		return nil, errs.ErrAuthFailed.WithDetail("missing token")
	}
	claims, err := security.Verify(s.conf.Auth, token)
	if err != nil {
		// 凭证只落哈希，原文不进日志
		logger.Infof("[ws] token rejected token=%s err=%v", security.HashToken(token), err)
		return nil, err
	}
	return claims, nil
}

func (s *Server) readLoop(sess *Session, ws *websocket.Conn) {
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed session=%s err=%v", sess.ID, rerr)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout session=%s err=%v", sess.ID, rerr)
			} else {
				logger.Infof("[ws] read err session=%s err=%v", sess.ID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseClientFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad frame session=%s err=%v sample=%q", sess.ID, perr, sample)
			continue
		}

		s.handleFrame(sess, frame)

		select {
		case <-sess.Done():
			return
		default:
		}
	}
}

func (s *Server) handleFrame(sess *Session, f *ClientFrame) {
	switch f.Type {
	case FrameHeartbeatAck:
		s.hb.Ack(sess.ID)

	case FrameJoinChannel:
		p, err := DecodePayload[JoinChannelPayload](f)
		if err != nil {
			_ = sess.Enqueue(BuildError(errs.CodeDeliveryFailure, "bad join_channel payload"))
			return
		}
		// 声明的 user 必须与鉴权声明一致
		if p.UserID != "" && p.UserID != sess.UserID {
			_ = sess.Enqueue(BuildError(errs.CodeAuthFailed, "user mismatch"))
			return
		}
		if err := s.reg.SetPlatform(sess.ID, p.Platform); err != nil {
			logger.Infof("[ws] join_channel failed session=%s err=%v", sess.ID, err)
			return
		}
		s.inc("join_channel", "platform", p.Platform)

	case FrameStreamEvent:
		p, err := DecodePayload[StreamEventPayload](f)
		if err != nil {
			_ = sess.Enqueue(BuildError(errs.CodeDeliveryFailure, "bad stream_event payload"))
			return
		}
		platform := p.Platform
		if platform == "" {
			platform = sess.Platform
		}
		ev := NewEvent(kindFromName(p.Kind), platform, p.TargetUserID, p.Data)
		if err := s.EmitUpstream(ev); err != nil {
			// 上游失败留在连接器内部消化，这里只回错误帧
			_ = sess.Enqueue(BuildError(errs.CodeUpstreamFailure, "upstream unavailable"))
		}

	case FrameGetRecommendations:
		s.handleRecommendations(sess, f)

	default:
		logger.Infof("[ws] no handler for frame type=%s session=%s", f.Type, sess.ID)
	}
}

func (s *Server) handleRecommendations(sess *Session, f *ClientFrame) {
	if s.recommender == nil {
		_ = sess.Enqueue(BuildError(errs.CodeUpstreamFailure, "recommendations unavailable"))
		return
	}
	p, err := DecodePayload[GetRecommendationsPayload](f)
	if err != nil {
		p = &GetRecommendationsPayload{}
	}
	userID := sess.UserID
	safe.Go("recommend."+sess.ID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		items, err := s.recommender.Recommend(ctx, userID, p.Limit)
		if err != nil {
			logger.Infof("[ws] recommend failed user=%s err=%v", userID, err)
			_ = sess.Enqueue(BuildError(errs.CodeUpstreamFailure, "recommendations failed"))
			return
		}
		_ = sess.Enqueue(BuildRecommendations(items))
	})
}

func kindFromName(name string) EventKind {
	switch name {
	case "stream_started":
		return EventStreamStarted
	case "stream_ended":
		return EventStreamEnded
	case "chat_message":
		return EventChatMessage
	case "follower_gained":
		return EventFollowerGained
	case "subscription_gained":
		return EventSubscriptionGained
	case "stream_metrics":
		return EventStreamMetrics
	case "system_alert":
		return EventSystemAlert
	default:
		return EventChatMessage
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
