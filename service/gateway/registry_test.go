package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"SHProject/tools/errs"
)

func testSession(id, user, platform string) *Session {
	return NewSession(id, user, platform, "127.0.0.1", nil, nil, 8)
}

func TestRegistryRegisterIndexesAtomically(t *testing.T) {
	r := NewRegistry()
	s := testSession("s1", "alice", "twitch")
	if err := r.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := r.ListByUser("alice"); len(got) != 1 || got[0] != s {
		t.Fatalf("ListByUser = %v", got)
	}
	if got, ok := r.GetByPlatformUser("twitch", "alice"); !ok || got != s {
		t.Fatalf("GetByPlatformUser miss")
	}
	if got, ok := r.GetBySession("s1"); !ok || got != s {
		t.Fatalf("GetBySession miss")
	}
	if err := r.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}
}

func TestRegistryDuplicateSession(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testSession("s1", "alice", "")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(testSession("s1", "bob", ""))
	if !errs.ErrDuplicateSession.Is(err) {
		t.Fatalf("want ErrDuplicateSession, got %v", err)
	}
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	s := testSession("s1", "alice", "twitch")
	if err := r.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Unregister("s1")
	r.Unregister("s1") // 二次注销是空操作
	r.Unregister("never-existed")

	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
	if _, ok := r.GetByPlatformUser("twitch", "alice"); ok {
		t.Fatalf("platform index not cleaned")
	}
	if err := r.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}
}

func TestRegistryMultiDevice(t *testing.T) {
	r := NewRegistry()
	s1 := testSession("s1", "alice", "twitch")
	s2 := testSession("s2", "alice", "youtube")
	if err := r.Register(s1); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(s2); err != nil {
		t.Fatal(err)
	}

	if got := r.ListByUser("alice"); len(got) != 2 {
		t.Fatalf("ListByUser len = %d, want 2", len(got))
	}
	r.Unregister("s1")
	if got := r.ListByUser("alice"); len(got) != 1 || got[0] != s2 {
		t.Fatalf("surviving session wrong: %v", got)
	}
	if err := r.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}
}

// recordingPresence 故意放慢 Online，拉宽旁路协程与索引写入的重叠窗口。
type recordingPresence struct {
	mu     sync.Mutex
	online int
}

func (p *recordingPresence) Online(_ context.Context, _, _, _ string) {
	time.Sleep(time.Millisecond)
	p.mu.Lock()
	p.online++
	p.mu.Unlock()
}

func (p *recordingPresence) Offline(_ context.Context, _, _ string) {}

// 旁路协程拿的是锁内快照，join_channel 并发改写平台归属不与其共享字段。
func TestRegistryPresenceConcurrentSetPlatform(t *testing.T) {
	r := NewRegistry()
	p := &recordingPresence{}
	r.SetPresence(p)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("s%d", i)
		if err := r.Register(testSession(id, fmt.Sprintf("u%d", i), "")); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			if err := r.SetPlatform(id, "twitch"); err != nil {
				t.Errorf("SetPlatform %s: %v", id, err)
			}
		}(id)
		go func(id string) {
			defer wg.Done()
			r.RefreshPresence(id)
		}(id)
	}
	wg.Wait()

	if err := r.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}
	// n 次上线 + n 次续期都落账后才算旁路协程收尾
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		got := p.online
		p.mu.Unlock()
		if got == 2*n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("presence online = %d, want %d", got, 2*n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistrySetPlatformReindexes(t *testing.T) {
	r := NewRegistry()
	s := testSession("s1", "alice", "")
	if err := r.Register(s); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.GetByPlatformUser("twitch", "alice"); ok {
		t.Fatalf("unexpected platform index before join")
	}

	if err := r.SetPlatform("s1", "twitch"); err != nil {
		t.Fatalf("SetPlatform: %v", err)
	}
	if got, ok := r.GetByPlatformUser("twitch", "alice"); !ok || got != s {
		t.Fatalf("platform index missing after join")
	}

	// 切换平台：旧索引摘除，新索引挂上
	if err := r.SetPlatform("s1", "youtube"); err != nil {
		t.Fatalf("SetPlatform switch: %v", err)
	}
	if _, ok := r.GetByPlatformUser("twitch", "alice"); ok {
		t.Fatalf("stale twitch index survived")
	}
	if _, ok := r.GetByPlatformUser("youtube", "alice"); !ok {
		t.Fatalf("youtube index missing")
	}
	if err := r.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}

	if err := r.SetPlatform("ghost", "twitch"); err == nil {
		t.Fatalf("SetPlatform on missing session should fail")
	}
}
