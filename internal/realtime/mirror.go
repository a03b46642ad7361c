package realtime

import "sync"

// Mirror is a client's view of a subscribed collection: the last confirmed snapshot plus
// optimistic items the client has written but not yet seen confirmed.
type Mirror[T any] struct {
	mu        sync.Mutex
	key       func(T) string
	confirmed []T
	pending   []T
}

func NewMirror[T any](key func(T) string) *Mirror[T] {
	return &Mirror[T]{key: key}
}

func (m *Mirror[T]) AddPending(item T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, item)
}

// Confirm replaces the confirmed state with snapshot and throws away all pending items.
// A pending write that did not persist disappears here.
func (m *Mirror[T]) Confirm(snapshot []T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed = append(make([]T, 0, len(snapshot)), snapshot...)
	m.pending = nil
}

// View returns confirmed items followed by pending items not already confirmed.
func (m *Mirror[T]) View() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]T, 0, len(m.confirmed)+len(m.pending))
	out = append(out, m.confirmed...)
	seen := make(map[string]bool, len(m.confirmed))
	for _, item := range m.confirmed {
		seen[m.key(item)] = true
	}
	for _, item := range m.pending {
		if !seen[m.key(item)] {
			out = append(out, item)
		}
	}
	return out
}

func (m *Mirror[T]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
