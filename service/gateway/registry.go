package gateway

import (
	"context"
	"sync"

	"SHProject/tools/errs"
	"SHProject/tools/safe"
)

// Presence 在线状态簿记（外部协作方，Redis 实现见 service/storage）。
// 纯旁路：失败只记日志/指标，不影响注册本身。
type Presence interface {
	Online(ctx context.Context, userID, sessionID, platform string)
	Offline(ctx context.Context, userID, sessionID string)
}

// Registry 双索引在线会话表。
// byUser / byPlatform / bySession 三个映射在同一把锁下一起改，
// 外部永远观察不到半更新状态。
type Registry struct {
	mu         sync.RWMutex
	byUser     map[string]map[string]*Session // user -> session_id -> session
	byPlatform map[string]map[string]*Session // platform -> user -> session
	bySession  map[string]*Session            // session_id -> session

	presence Presence // 可为 nil
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:     make(map[string]map[string]*Session),
		byPlatform: make(map[string]map[string]*Session),
		bySession:  make(map[string]*Session),
	}
}

// SetPresence 挂接在线簿记旁路。
func (r *Registry) SetPresence(p Presence) { r.presence = p }

// Register 原子插入全部索引。会话ID冲突返回 ErrDuplicateSession，
// 调用方按"新会话获胜"处理（见 ws_server）。
func (r *Registry) Register(s *Session) error {
	if s == nil || s.ID == "" || s.UserID == "" {
		return errs.ErrDuplicateSession.WithDetail("invalid session")
	}
	r.mu.Lock()
	if _, exists := r.bySession[s.ID]; exists {
		r.mu.Unlock()
		return errs.ErrDuplicateSession.WithDetail("session id " + s.ID)
	}
	m := r.byUser[s.UserID]
	if m == nil {
		m = make(map[string]*Session)
		r.byUser[s.UserID] = m
	}
	m[s.ID] = s

	if s.Platform != "" {
		pm := r.byPlatform[s.Platform]
		if pm == nil {
			pm = make(map[string]*Session)
			r.byPlatform[s.Platform] = pm
		}
		pm[s.UserID] = s
	}
	r.bySession[s.ID] = s
	// Platform 字段后续由 SetPlatform 在锁内改写，旁路协程只能拿锁内快照
	userID, sessID, platform := s.UserID, s.ID, s.Platform
	r.mu.Unlock()

	if r.presence != nil {
		safe.Go("presence.online", func() {
			r.presence.Online(context.Background(), userID, sessID, platform)
		})
	}
	return nil
}

// Unregister 原子移除。已不在表中不是错误——断连竞态必须幂等。
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	s, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bySession, sessionID)
	if m := r.byUser[s.UserID]; m != nil {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	if s.Platform != "" {
		if pm := r.byPlatform[s.Platform]; pm != nil {
			// 平台索引每用户只挂一条，防止误删同用户新会话
			if cur, ok := pm[s.UserID]; ok && cur.ID == sessionID {
				delete(pm, s.UserID)
				if len(pm) == 0 {
					delete(r.byPlatform, s.Platform)
				}
			}
		}
	}
	r.mu.Unlock()

	if r.presence != nil {
		safe.Go("presence.offline", func() {
			r.presence.Offline(context.Background(), s.UserID, sessionID)
		})
	}
}

// RefreshPresence 心跳应答续期在线标记（Online 重入即续 TTL）。
func (r *Registry) RefreshPresence(sessionID string) {
	if r.presence == nil {
		return
	}
	r.mu.RLock()
	s, ok := r.bySession[sessionID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	userID, platform := s.UserID, s.Platform
	r.mu.RUnlock()
	safe.Go("presence.refresh", func() {
		r.presence.Online(context.Background(), userID, sessionID, platform)
	})
}

// SetPlatform 更新会话的平台归属并同步平台索引（join_channel 用）。
// 与 Register/Unregister 同一把锁，索引对外始终成对一致。
func (r *Registry) SetPlatform(sessionID, platform string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySession[sessionID]
	if !ok {
		return errs.ErrDeliveryFailure.WithDetail("session gone: " + sessionID)
	}
	if s.Platform == platform {
		return nil
	}
	if s.Platform != "" {
		if pm := r.byPlatform[s.Platform]; pm != nil {
			if cur, ok := pm[s.UserID]; ok && cur.ID == sessionID {
				delete(pm, s.UserID)
				if len(pm) == 0 {
					delete(r.byPlatform, s.Platform)
				}
			}
		}
	}
	s.Platform = platform
	if platform != "" {
		pm := r.byPlatform[platform]
		if pm == nil {
			pm = make(map[string]*Session)
			r.byPlatform[platform] = pm
		}
		pm[s.UserID] = s
	}
	return nil
}

// ListByUser 返回快照副本，不暴露可变视图。
func (r *Registry) ListByUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

// GetByPlatformUser 该用户订阅到指定平台的那条会话。
func (r *Registry) GetByPlatformUser(platform, userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pm := r.byPlatform[platform]
	if pm == nil {
		return nil, false
	}
	s, ok := pm[userID]
	return s, ok
}

func (r *Registry) GetBySession(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySession[sessionID]
	return s, ok
}

// Snapshot 全量快照，心跳清扫用。
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.bySession))
	for _, s := range r.bySession {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// CheckConsistency 校验双索引一致性。
// 不一致属于 InternalInvariantViolation：进程应带状态转储退出，交给监督重启。
func (r *Registry) CheckConsistency() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := 0
	for user, m := range r.byUser {
		for id, s := range m {
			seen++
			got, ok := r.bySession[id]
			if !ok || got != s || s.UserID != user {
				return errs.ErrInternalInvariant.WithDetail(
					"session " + id + " present in user index but not in session index")
			}
		}
	}
	if seen != len(r.bySession) {
		return errs.ErrInternalInvariant.WithDetail("user index and session index disagree on liveness")
	}
	for platform, pm := range r.byPlatform {
		for user, s := range pm {
			if _, ok := r.bySession[s.ID]; !ok {
				return errs.ErrInternalInvariant.WithDetail(
					"platform index " + platform + "/" + user + " references dead session " + s.ID)
			}
		}
	}
	return nil
}
