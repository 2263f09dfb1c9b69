// Package store persists the tracker state that must survive restarts: the
// active route, the last resolved waypoint index and the pace setting.
package store

import (
	"context"
	"sync"

	"route-tracker/internal/route"
)

// Store keys, matching the names the device-side storage used.
const (
	KeyRoute  = "activeroute"
	KeyCursor = "lastwpt"
	KeyPace   = "pace"
)

// Store is the persisted state surface. Absent values are reported as nil
// (or ok=false for the pace), not as errors.
type Store interface {
	LoadRoute(ctx context.Context) (*route.Route, error)
	SaveRoute(ctx context.Context, r *route.Route) error // nil clears
	LoadCursor(ctx context.Context) (*int, error)
	SaveCursor(ctx context.Context, idx *int) error // nil clears
	LoadPace(ctx context.Context) (float64, bool, error)
	SavePace(ctx context.Context, pace float64) error
}

// MemoryStore keeps state in process memory. Routes are stored as JSON so a
// load returns an independent copy, like the database does.
type MemoryStore struct {
	mu     sync.Mutex
	route  []byte
	cursor *int
	pace   *float64
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) LoadRoute(_ context.Context) (*route.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decodeRoute(m.route)
}

func (m *MemoryStore) SaveRoute(_ context.Context, r *route.Route) error {
	b, err := encodeRoute(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.route = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadCursor(_ context.Context) (*int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor == nil {
		return nil, nil
	}
	v := *m.cursor
	return &v, nil
}

func (m *MemoryStore) SaveCursor(_ context.Context, idx *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx == nil {
		m.cursor = nil
		return nil
	}
	v := *idx
	m.cursor = &v
	return nil
}

func (m *MemoryStore) LoadPace(_ context.Context) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pace == nil {
		return 0, false, nil
	}
	return *m.pace, true, nil
}

func (m *MemoryStore) SavePace(_ context.Context, pace float64) error {
	m.mu.Lock()
	m.pace = &pace
	m.mu.Unlock()
	return nil
}
