package connector

import (
	"testing"
	"time"

	"SHProject/service/gateway"
	"SHProject/tools/errs"
)

func TestStateConnectLifecycle(t *testing.T) {
	st := newState("twitch", 5)
	if st.current() != gateway.StatusDisconnected {
		t.Fatalf("initial status = %v", st.current())
	}

	if err := st.beginConnect(); err != nil {
		t.Fatalf("beginConnect: %v", err)
	}
	if st.current() != gateway.StatusConnecting {
		t.Fatalf("status = %v, want Connecting", st.current())
	}
	if err := st.beginConnect(); err == nil {
		t.Fatalf("second beginConnect should fail")
	}

	st.connectOK(time.Now())
	if st.current() != gateway.StatusConnected {
		t.Fatalf("status = %v, want Connected", st.current())
	}
	if st.snapshot().FailureCount != 0 {
		t.Fatalf("failures not reset on connect")
	}
}

func TestStateProbeDegradation(t *testing.T) {
	st := newState("twitch", 5)
	_ = st.beginConnect()
	st.connectOK(time.Now())

	if got := st.probeFailed(); got != gateway.StatusDegraded {
		t.Fatalf("after 1 probe failure: %v, want Degraded", got)
	}
	if got := st.probeFailed(); got != gateway.StatusDisconnected {
		t.Fatalf("after 2 probe failures: %v, want Disconnected", got)
	}

	// 成功探活把 Degraded 拉回 Connected 并清零连败
	st2 := newState("twitch", 5)
	_ = st2.beginConnect()
	st2.connectOK(time.Now())
	st2.probeFailed()
	st2.probeOK(time.Now())
	snap := st2.snapshot()
	if snap.Status != gateway.StatusConnected || snap.FailureCount != 0 {
		t.Fatalf("recovery snapshot = %+v", snap)
	}
}

func TestStatePermanentFailureAfterThreshold(t *testing.T) {
	st := newState("twitch", 5)
	_ = st.beginConnect()
	st.connectOK(time.Now())

	var last gateway.ConnStatus
	for i := 0; i < 5; i++ {
		last = st.probeFailed()
		if i < 4 && last == gateway.StatusFailedPermanently {
			t.Fatalf("escalated after only %d failures", i+1)
		}
	}
	if last != gateway.StatusFailedPermanently {
		t.Fatalf("after 5 failures: %v, want FailedPermanently", last)
	}

	// 终态：拒绝自动重连，探活不再改状态
	if err := st.beginConnect(); !errs.ErrPermanentFailure.Is(err) {
		t.Fatalf("beginConnect in terminal state: %v", err)
	}
	if got := st.probeFailed(); got != gateway.StatusFailedPermanently {
		t.Fatalf("terminal state mutated: %v", got)
	}
}

func TestStateMixedFailuresShareCounter(t *testing.T) {
	st := newState("twitch", 5)

	// 握手失败 ×4
	for i := 0; i < 4; i++ {
		_ = st.beginConnect()
		if st.connectFailed() {
			t.Fatalf("escalated after %d connect failures", i+1)
		}
	}
	// 第 5 次失败（无论哪种）触发永久失联
	_ = st.beginConnect()
	if !st.connectFailed() {
		t.Fatalf("5th failure did not escalate")
	}
	if st.current() != gateway.StatusFailedPermanently {
		t.Fatalf("status = %v", st.current())
	}
}

func TestStateEnableResets(t *testing.T) {
	st := newState("twitch", 1)
	_ = st.beginConnect()
	st.connectFailed() // 阈值 1，直接永久失联

	st.enable()
	snap := st.snapshot()
	if snap.Status != gateway.StatusDisconnected || snap.FailureCount != 0 {
		t.Fatalf("after enable: %+v", snap)
	}
	if err := st.beginConnect(); err != nil {
		t.Fatalf("beginConnect after enable: %v", err)
	}
}

func TestStateUpstreamClosedFiresHook(t *testing.T) {
	st := newState("twitch", 5)
	kicked := make(chan struct{}, 1)
	st.setDisconnectHook(func() { kicked <- struct{}{} })

	_ = st.beginConnect()
	st.connectOK(time.Now())
	st.upstreamClosed()

	if st.current() != gateway.StatusDisconnected {
		t.Fatalf("status = %v", st.current())
	}
	select {
	case <-kicked:
	default:
		t.Fatalf("disconnect hook not fired")
	}

	// 已断开时再次触发是空操作
	st.upstreamClosed()
	select {
	case <-kicked:
		t.Fatalf("hook fired twice")
	default:
	}
}
