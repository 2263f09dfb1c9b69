// Package location supplies position fixes to the tracker.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"route-tracker/internal/geo"
)

// ErrPositionUnavailable is returned when no usable fix can be acquired.
var ErrPositionUnavailable = errors.New("position unavailable")

// Fix is one position sample.
type Fix struct {
	geo.Coordinate
	Time time.Time
}

// Provider acquires the current position. Implementations may block until a
// fix arrives or ctx is done.
type Provider interface {
	CurrentPosition(ctx context.Context) (Fix, error)
}

// StaticProvider always reports the same coordinate.
type StaticProvider struct {
	Coord geo.Coordinate
}

func (p StaticProvider) CurrentPosition(ctx context.Context) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
	}
	return Fix{Coordinate: p.Coord, Time: time.Now()}, nil
}

// FixMessage is the JSON body of a fix published on the fix subject. A
// non-empty Error reports a failed acquisition on the device side.
type FixMessage struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// NATSProvider keeps the latest fix published on a NATS subject.
type NATSProvider struct {
	maxAge time.Duration
	now    func() time.Time
	sub    *nats.Subscription

	mu      sync.Mutex
	last    *Fix
	lastErr string
	arrived chan struct{} // closed and replaced on every message
}

// NewNATSProvider subscribes to subject on nc. Fixes older than maxAge are
// treated as unavailable; maxAge <= 0 disables the check.
func NewNATSProvider(nc *nats.Conn, subject string, maxAge time.Duration) (*NATSProvider, error) {
	p := newProvider(maxAge)
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) { p.ingest(m.Data) })
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	p.sub = sub
	log.Printf("listening for fixes on %s", subject)
	return p, nil
}

func newProvider(maxAge time.Duration) *NATSProvider {
	return &NATSProvider{maxAge: maxAge, now: time.Now, arrived: make(chan struct{})}
}

func (p *NATSProvider) Close() error {
	if p.sub == nil {
		return nil
	}
	return p.sub.Unsubscribe()
}

func (p *NATSProvider) ingest(data []byte) {
	var m FixMessage
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("discarding malformed fix: %v", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.Error != "" {
		p.lastErr = m.Error
	} else {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = p.now()
		}
		p.last = &Fix{Coordinate: geo.Coordinate{Lat: m.Lat, Lon: m.Lon}, Time: ts}
		p.lastErr = ""
	}
	close(p.arrived)
	p.arrived = make(chan struct{})
}

// CurrentPosition returns the latest fix. With nothing received yet it waits
// for the next message until ctx is done.
func (p *NATSProvider) CurrentPosition(ctx context.Context) (Fix, error) {
	for {
		p.mu.Lock()
		if p.lastErr != "" {
			msg := p.lastErr
			p.mu.Unlock()
			return Fix{}, fmt.Errorf("%w: %s", ErrPositionUnavailable, msg)
		}
		if p.last != nil {
			f := *p.last
			p.mu.Unlock()
			if p.maxAge > 0 && p.now().Sub(f.Time) > p.maxAge {
				return Fix{}, fmt.Errorf("%w: last fix is %s old", ErrPositionUnavailable, p.now().Sub(f.Time).Round(time.Second))
			}
			return f, nil
		}
		wait := p.arrived
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Fix{}, fmt.Errorf("%w: %v", ErrPositionUnavailable, ctx.Err())
		case <-wait:
		}
	}
}
