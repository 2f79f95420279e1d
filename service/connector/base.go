package connector

import (
	"sync/atomic"
	"time"

	"SHProject/logger"
	"SHProject/service/gateway"
)

const eventBuffer = 1024

// base 各平台实现共用的事件出口与序号分配。
type base struct {
	st     *state
	events chan *gateway.Event
	seq    atomic.Uint64
}

func newBase(platform string, threshold int) base {
	return base{
		st:     newState(platform, threshold),
		events: make(chan *gateway.Event, eventBuffer),
	}
}

func (b *base) Platform() string              { return b.st.platform }
func (b *base) Events() <-chan *gateway.Event { return b.events }
func (b *base) State() gateway.StateSnapshot  { return b.st.snapshot() }
func (b *base) Enable()                       { b.st.enable() }
func (b *base) SetDisconnectHook(f func())    { b.st.setDisconnectHook(f) }

// push 入站事件编号后非阻塞投递；通道满丢弃并记日志（慢路由不拖垮上游读循环）。
func (b *base) push(ev *gateway.Event)        {
	ev.Platform = b.st.platform
	ev.Seq = b.seq.Add(1)
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}
	select {
	case b.events <- ev:
	default:
		logger.Warnf("[connector] %s event buffer full, dropping seq=%d kind=%s",
			b.st.platform, ev.Seq, ev.Kind)
	}
}
