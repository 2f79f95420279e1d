package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"SHProject/logger"
	"SHProject/tools/errs"
)

const writeDeadline = 5 * time.Second

// Session 一条已接入的客户端连接。
// 单用户可多端接入，每端一个 Session；写侧是"单写协程 + 缓冲队列"，
// gorilla/websocket 的 WriteMessage 不能并发调用。
type Session struct {
	ID       string // 会话ID（雪花，网关内唯一）
	UserID   string
	Platform string // 声明的平台归属（订阅哪个平台的事件）
	Remote   string
	Scopes   []string

	ConnectedAt time.Time

	ws   *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	lastBeat  time.Time
	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(id, userID, platform, remote string, scopes []string, ws *websocket.Conn, queue int) *Session {
	now := time.Now()
	return &Session{
		ID:          id,
		UserID:      userID,
		Platform:    platform,
		Remote:      remote,
		Scopes:      scopes,
		ConnectedAt: now,
		ws:          ws,
		send:        make(chan []byte, queue),
		lastBeat:    now,
		done:        make(chan struct{}),
	}
}

// Enqueue 非阻塞投递。队列满视作下发失败（慢客户端），由调用方决定注销。
func (s *Session) Enqueue(data []byte) error {
	select {
	case <-s.done:
		return errs.ErrDeliveryFailure.WithDetail("session closed")
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errs.ErrDeliveryFailure.WithDetail("send queue full")
	}
}

// WritePump 唯一写协程。写错误触发 onFail（注销回调）后退出。
func (s *Session) WritePump(onFail func(sessionID string)) {
	for {
		select {
		case <-s.done:
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Infof("[session] write failed session=%s user=%s err=%v", s.ID, s.UserID, err)
				if onFail != nil {
					onFail(s.ID)
				}
				s.Close()
				return
			}
		}
	}
}

// Touch 心跳续期（heartbeat_ack / pong 都会走这里）。
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastBeat = now
	s.mu.Unlock()
}

func (s *Session) LastBeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBeat
}

// Close 幂等关闭底层连接并唤醒写协程。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ws != nil {
			_ = s.ws.Close()
		}
	})
}

// Done 会话关闭信号（读循环退出、驱逐、drain 共用）。
func (s *Session) Done() <-chan struct{} { return s.done }
