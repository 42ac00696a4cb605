package session

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	state   State
	expires time.Time
}

type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[int64]memEntry
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, entries: map[int64]memEntry{}, now: time.Now}
}

func (m *Memory) Get(_ context.Context, id int64) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return State{}, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, id)
		return State{}, false, nil
	}
	return e.state, true, nil
}

func (m *Memory) Set(_ context.Context, id int64, st State) error {
	now := m.now()
	st.UpdatedAt = now
	m.mu.Lock()
	m.entries[id] = memEntry{state: st, expires: now.Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Sweep(_ context.Context) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}
