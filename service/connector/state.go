package connector

import (
	"sync"
	"time"

	"SHProject/service/gateway"
	"SHProject/tools/errs"
)

// state 连接器状态机。全部转移在这把锁下发生；
// 上游句柄由各实现独占，状态机只管簿记。
type state struct {
	mu          sync.Mutex
	platform    string
	status      gateway.ConnStatus
	lastContact time.Time
	failures    int
	threshold   int

	// 上游意外断开时通知 Health Supervisor 立刻调度重连
	disconnectHook func()
}

func newState(platform string, threshold int) *state {
	if threshold <= 0 {
		threshold = 5
	}
	return &state{
		platform:  platform,
		status:    gateway.StatusDisconnected,
		threshold: threshold,
	}
}

func (s *state) snapshot() gateway.StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gateway.StateSnapshot{
		Platform:     s.platform,
		Status:       s.status,
		StatusName:   s.status.String(),
		LastContact:  s.lastContact,
		FailureCount: s.failures,
	}
}

func (s *state) setDisconnectHook(f func()) {
	s.mu.Lock()
	s.disconnectHook = f
	s.mu.Unlock()
}

// beginConnect Disconnected → Connecting。其他状态下拒绝（FailedPermanently 须先 Enable）。
func (s *state) beginConnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case gateway.StatusDisconnected:
		s.status = gateway.StatusConnecting
		return nil
	case gateway.StatusConnected, gateway.StatusDegraded, gateway.StatusConnecting:
		return errs.ErrUpstreamFailure.WithDetail("already connected: " + s.platform)
	case gateway.StatusFailedPermanently:
		return errs.ErrPermanentFailure.WithDetail(s.platform)
	}
	return nil
}

// connectOK Connecting → Connected；连败清零。
func (s *state) connectOK(now time.Time) {
	s.mu.Lock()
	s.status = gateway.StatusConnected
	s.failures = 0
	s.lastContact = now
	s.mu.Unlock()
}

// connectFailed Connecting → Disconnected；连败到阈值 → FailedPermanently。
// 返回 true 表示这次失败触发了永久失联。
func (s *state) connectFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures >= s.threshold {
		s.status = gateway.StatusFailedPermanently
		return true
	}
	s.status = gateway.StatusDisconnected
	return false
}

// probeOK 任何成功探活：Degraded → Connected，连败清零。
func (s *state) probeOK(now time.Time) {
	s.mu.Lock()
	if s.status == gateway.StatusDegraded {
		s.status = gateway.StatusConnected
	}
	s.failures = 0
	s.lastContact = now
	s.mu.Unlock()
}

// probeFailed 连败计数加一。Connected → Degraded；Degraded 再失败 → Disconnected
// （触发重连）；连败到阈值 → FailedPermanently。返回探活后的状态。
// 探活失败与握手失败共用同一个连败计数，任何成功探活都清零。
func (s *state) probeFailed() gateway.ConnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == gateway.StatusFailedPermanently {
		return s.status
	}
	s.failures++
	if s.failures >= s.threshold {
		s.status = gateway.StatusFailedPermanently
		return s.status
	}
	switch s.status {
	case gateway.StatusConnected:
		s.status = gateway.StatusDegraded
	case gateway.StatusDegraded:
		s.status = gateway.StatusDisconnected
	}
	return s.status
}

// upstreamClosed Connected/Degraded → Disconnected，并踢一脚重连调度。
func (s *state) upstreamClosed() {
	s.mu.Lock()
	var hook func()
	if s.status == gateway.StatusConnected || s.status == gateway.StatusDegraded {
		s.status = gateway.StatusDisconnected
		hook = s.disconnectHook
	}
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// enable 运维动作：FailedPermanently → Disconnected，连败清零。
func (s *state) enable() {
	s.mu.Lock()
	if s.status == gateway.StatusFailedPermanently {
		s.status = gateway.StatusDisconnected
		s.failures = 0
	}
	s.mu.Unlock()
}

func (s *state) current() gateway.ConnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
