package bridge

import (
	"sync"

	"github.com/geoyee/seacache/internal/model"
)

// Hub 已连接的渲染端会话
type Hub struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[*Session]struct{})}
}

// RendererStatus 渲染端状态汇总
type RendererStatus struct {
	Connected int    `json:"connected"`
	Ready     int    `json:"ready"`
	LastError string `json:"lastError,omitempty"`
}

func (h *Hub) add(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Status 渲染端连接与就绪状态
func (h *Hub) Status() RendererStatus {
	var st RendererStatus
	for _, s := range h.snapshot() {
		st.Connected++
		ready, mapErr := s.Ready()
		if ready {
			st.Ready++
		} else if mapErr != "" {
			st.LastError = mapErr
		}
	}
	return st
}

// Navigate 让所有渲染端定位到区域，返回通知的数量
func (h *Hub) Navigate(r model.OfflineRegion) int {
	sessions := h.snapshot()
	for _, s := range sessions {
		s.NavigateTo(r)
	}
	return len(sessions)
}
