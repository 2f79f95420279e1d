package gateway

import (
	"testing"
	"time"
)

func TestHeartbeatPushAndEvict(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	reg := NewRegistry()
	m := NewHeartbeatMonitor(reg, nil, HeartbeatConf{
		Interval: 30 * time.Second,
		Timeout:  90 * time.Second,
		Clock:    clock,
	})

	s := testSession("s1", "alice", "")
	s.Touch(now)
	if err := reg.Register(s); err != nil {
		t.Fatal(err)
	}

	// 周期推送
	now = now.Add(30 * time.Second)
	m.SweepOnce(now)
	f := recvFrame(t, s)
	if f.Type != FrameHeartbeat {
		t.Fatalf("frame type = %s, want %s", f.Type, FrameHeartbeat)
	}

	// 应答续期后不驱逐
	m.Ack("s1")
	now = now.Add(60 * time.Second)
	m.SweepOnce(now)
	if _, ok := reg.GetBySession("s1"); !ok {
		t.Fatalf("acked session evicted")
	}

	// 连续三个周期无应答 → 驱逐
	now = now.Add(91 * time.Second)
	m.SweepOnce(now)
	if _, ok := reg.GetBySession("s1"); ok {
		t.Fatalf("stale session survived")
	}
	if reg.Len() != 0 {
		t.Fatalf("Len = %d after eviction", reg.Len())
	}
}

func TestHeartbeatAckMissingSession(t *testing.T) {
	reg := NewRegistry()
	m := NewHeartbeatMonitor(reg, nil, HeartbeatConf{})
	m.Ack("ghost") // 幂等空操作，不 panic
}
