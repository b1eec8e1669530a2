package stream

import (
	"sync"
	"time"

	"github.com/sawpanic/depthwatch/internal/orderbook"
)

// SubscriptionStatus reflects one pair's connection health.
type SubscriptionStatus struct {
	Key         orderbook.PairKey `json:"key"`
	IsAlive     bool              `json:"isAlive"`
	ConnectedAt time.Time         `json:"connectedAt"`
	LastEventAt time.Time         `json:"lastEventAt,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
}

type statusBoard struct {
	mu   sync.RWMutex
	subs map[orderbook.PairKey]*SubscriptionStatus
}

func newStatusBoard() *statusBoard {
	return &statusBoard{subs: make(map[orderbook.PairKey]*SubscriptionStatus)}
}

func (s *statusBoard) connected(key orderbook.PairKey, at time.Time) {
	s.mu.Lock()
	s.subs[key] = &SubscriptionStatus{Key: key, ConnectedAt: at}
	s.mu.Unlock()
}

func (s *statusBoard) alive(key orderbook.PairKey) {
	s.mu.Lock()
	if st, ok := s.subs[key]; ok {
		st.IsAlive = true
		st.LastError = ""
	}
	s.mu.Unlock()
}

func (s *statusBoard) event(key orderbook.PairKey, at time.Time) {
	s.mu.Lock()
	if st, ok := s.subs[key]; ok {
		st.LastEventAt = at
	}
	s.mu.Unlock()
}

func (s *statusBoard) failed(key orderbook.PairKey, reason string) {
	s.mu.Lock()
	st, ok := s.subs[key]
	if !ok {
		st = &SubscriptionStatus{Key: key}
		s.subs[key] = st
	}
	st.IsAlive = false
	st.LastError = reason
	s.mu.Unlock()
}

func (s *statusBoard) remove(key orderbook.PairKey) {
	s.mu.Lock()
	delete(s.subs, key)
	s.mu.Unlock()
}

func (s *statusBoard) get(key orderbook.PairKey) (SubscriptionStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.subs[key]
	if !ok {
		return SubscriptionStatus{}, false
	}
	return *st, true
}

func (s *statusBoard) list() []SubscriptionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SubscriptionStatus, 0, len(s.subs))
	for _, st := range s.subs {
		out = append(out, *st)
	}
	return out
}
