package services

import (
	"sync"

	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// SessionRegistry 活动会话注册表，按呼叫腿UUID索引
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

// NewSessionRegistry 创建会话注册表
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*CallSession)}
}

// Add 注册会话，已存在同ID的会话时返回false
func (r *SessionRegistry) Add(s *CallSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID()]; ok {
		return false
	}
	r.sessions[s.ID()] = s
	return true
}

// Get 按ID取会话
func (r *SessionRegistry) Get(sessionID string) (*CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return s, nil
}

// Remove 摘除会话
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Count 返回活动会话数
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshots 返回全部活动会话的快照
func (r *SessionRegistry) Snapshots() []*types.SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.SessionSnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Each 遍历全部活动会话
func (r *SessionRegistry) Each(fn func(*CallSession)) {
	r.mu.RLock()
	list := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()
	for _, s := range list {
		fn(s)
	}
}
