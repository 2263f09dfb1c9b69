package progress

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"route-tracker/internal/geo"
	"route-tracker/internal/location"
	"route-tracker/internal/route"
	"route-tracker/internal/source"
	"route-tracker/internal/store"
)

// ErrSuperseded is returned by a request whose result was discarded because
// a newer request of the same kind started while it was in flight.
var ErrSuperseded = errors.New("superseded by a newer request")

// Sink receives every computed report.
type Sink interface {
	PublishUpdate(r Report) error
}

// Metrics is the subset of instrumentation the engine reports to.
type Metrics interface {
	ComputeObserve(d time.Duration)
	StaleDiscardedInc()
	PositionFailureInc()
	RouteLoadInc(result string)
	CursorSet(idx int)
	PaceSet(pace float64)
}

// Engine owns the active route and the progress cursor. All reads and
// writes of both happen under one mutex, so at most one computation
// touches them at a time.
type Engine struct {
	store       store.Store
	src         source.Source
	fixes       location.Provider
	sink        Sink
	defaultPace float64
	tz          *time.Location
	metrics     Metrics
	now         func() time.Time

	mu     sync.Mutex
	route  *route.Route
	cursor *int
	last   Report

	loads   slot
	updates slot

	// pubMu orders sink writes so an update never lands after a newer one.
	pubMu sync.Mutex

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

func NewEngine(st store.Store, src source.Source, fixes location.Provider, sink Sink, defaultPace float64, tz *time.Location, metrics Metrics) *Engine {
	if tz == nil {
		tz = time.Local
	}
	return &Engine{
		store:       st,
		src:         src,
		fixes:       fixes,
		sink:        sink,
		defaultPace: defaultPace,
		tz:          tz,
		metrics:     metrics,
		now:         time.Now,
		last:        Report{Pace: defaultPace},
	}
}

// Restore loads the persisted route and cursor. A missing or unreadable
// cursor leaves it unset.
func (e *Engine) Restore(ctx context.Context) error {
	r, err := e.store.LoadRoute(ctx)
	if err != nil {
		return fmt.Errorf("restore route: %w", err)
	}
	var cursor *int
	if r != nil {
		cursor, err = e.store.LoadCursor(ctx)
		if err != nil {
			log.Printf("restore waypoint index: %v", err)
			cursor = nil
		}
	}

	e.mu.Lock()
	e.route = r
	e.cursor = cursor
	e.mu.Unlock()

	if r == nil {
		log.Printf("no stored route")
		return nil
	}
	log.Printf("restored route %q (%d points, precomputed=%t)", r.DisplayName(), len(r.Track), r.Precomputed())
	if e.metrics != nil && cursor != nil {
		e.metrics.CursorSet(*cursor)
	}
	return nil
}

// Pace returns the stored pace in minutes per km, or the default.
func (e *Engine) Pace(ctx context.Context) float64 {
	p, ok, err := e.store.LoadPace(ctx)
	if err != nil {
		log.Printf("load pace: %v", err)
		return e.defaultPace
	}
	if !ok || p <= 0 || math.IsNaN(p) {
		return e.defaultPace
	}
	return p
}

// SetPace stores a new pace and recomputes progress with it.
func (e *Engine) SetPace(ctx context.Context, pace float64) (Report, error) {
	if pace <= 0 || math.IsNaN(pace) || math.IsInf(pace, 0) {
		return Report{}, fmt.Errorf("invalid pace %v", pace)
	}
	if err := e.store.SavePace(ctx, pace); err != nil {
		return Report{}, fmt.Errorf("save pace: %w", err)
	}
	if e.metrics != nil {
		e.metrics.PaceSet(pace)
	}
	log.Printf("pace set to %v mins/km", pace)
	return e.RequestUpdate(ctx)
}

// Last returns the most recent report. Failed cycles leave it unchanged.
func (e *Engine) Last() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Cursor returns the last resolved waypoint index, if any.
func (e *Engine) Cursor() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor == nil {
		return 0, false
	}
	return *e.cursor, true
}

// LoadRoute fetches route text from the configured source and installs it.
func (e *Engine) LoadRoute(ctx context.Context) (Report, error) {
	if e.src == nil {
		return Report{}, errors.New("no route source configured")
	}
	return e.load(ctx, e.src.Fetch)
}

// LoadRouteText installs a route parsed from text.
func (e *Engine) LoadRouteText(ctx context.Context, text string) (Report, error) {
	return e.load(ctx, func(context.Context) (string, error) { return text, nil })
}

func (e *Engine) load(parent context.Context, fetch func(context.Context) (string, error)) (Report, error) {
	ctx, tok, cancel := e.loads.begin(parent)
	defer cancel()

	text, err := fetch(ctx)
	if err != nil {
		e.routeLoad("fetch_error")
		return Report{}, fmt.Errorf("fetch route: %w", err)
	}
	r, err := route.Load(text)
	if err != nil {
		e.routeLoad("parse_error")
		log.Printf("could not parse route: %v", err)
		return Report{}, fmt.Errorf("parse route: %w", err)
	}
	e.mu.Lock()
	if !e.loads.current(tok) {
		e.mu.Unlock()
		e.routeLoad("superseded")
		return Report{}, ErrSuperseded
	}
	// Updates started against the previous route are stale now.
	e.updates.invalidate()
	e.route = r
	zero := 0
	e.cursor = &zero
	if err := e.store.SaveRoute(parent, r); err != nil {
		log.Printf("persist route: %v", err)
	}
	if err := e.store.SaveCursor(parent, e.cursor); err != nil {
		log.Printf("persist waypoint index: %v", err)
	}
	e.mu.Unlock()

	e.routeLoad("ok")
	log.Printf("loaded route %q with %d points", r.DisplayName(), len(r.Track))
	return e.RequestUpdate(parent)
}

func (e *Engine) routeLoad(result string) {
	if e.metrics != nil {
		e.metrics.RouteLoadInc(result)
	}
}

// Clear drops the active route and cursor and publishes the empty report.
func (e *Engine) Clear(ctx context.Context) Report {
	e.loads.invalidate()
	e.updates.invalidate()

	pace := e.Pace(ctx)
	e.mu.Lock()
	e.route = nil
	e.cursor = nil
	if err := e.store.SaveRoute(ctx, nil); err != nil {
		log.Printf("clear stored route: %v", err)
	}
	if err := e.store.SaveCursor(ctx, nil); err != nil {
		log.Printf("clear stored waypoint index: %v", err)
	}
	rep := Report{Pace: pace}
	e.last = rep
	e.mu.Unlock()

	e.pubMu.Lock()
	e.publish(rep)
	e.pubMu.Unlock()
	return rep
}

// RequestUpdate acquires a fix, computes progress and publishes the report.
// If a newer update starts before this one applies, this one is discarded
// with ErrSuperseded. A position failure leaves all state untouched.
func (e *Engine) RequestUpdate(parent context.Context) (Report, error) {
	ctx, tok, cancel := e.updates.begin(parent)
	defer cancel()

	fix, err := e.fixes.CurrentPosition(ctx)
	if err != nil {
		if !e.updates.current(tok) {
			return Report{}, ErrSuperseded
		}
		if e.metrics != nil {
			e.metrics.PositionFailureInc()
		}
		log.Printf("position error: %v", err)
		if !errors.Is(err, location.ErrPositionUnavailable) {
			err = fmt.Errorf("%w: %v", location.ErrPositionUnavailable, err)
		}
		return Report{}, err
	}
	pace := e.Pace(ctx)

	e.mu.Lock()
	if !e.updates.current(tok) {
		e.mu.Unlock()
		return Report{}, e.discardStale()
	}
	start := time.Now()
	rep := e.computeLocked(parent, fix.Coordinate, pace, e.now())
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ComputeObserve(time.Since(start))
	}

	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if !e.updates.current(tok) {
		return Report{}, e.discardStale()
	}
	e.publish(rep)
	return rep, nil
}

func (e *Engine) discardStale() error {
	if e.metrics != nil {
		e.metrics.StaleDiscardedInc()
	}
	log.Printf("discarding stale progress update")
	return ErrSuperseded
}

// Compute runs one progress computation for pos synchronously, updating the
// cursor when the nearest waypoint changed.
func (e *Engine) Compute(ctx context.Context, pos geo.Coordinate, pace float64, now time.Time) Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.computeLocked(ctx, pos, pace, now)
}

func (e *Engine) computeLocked(ctx context.Context, pos geo.Coordinate, pace float64, now time.Time) Report {
	if e.route.Empty() {
		e.last = Report{Pace: pace}
		return e.last
	}
	r := e.route

	n, _ := Resolve(r.Track, pos, e.cursor)
	log.Printf("nearest waypoint %d at %.0fm", n.Index, n.Distance)
	target := ApproachingIndex(r, n)

	dtg := DistanceToGo(r, pos, target)
	ttg := TimeToGoMinutes(dtg, pace)

	if e.cursor == nil || *e.cursor != n.Index {
		idx := n.Index
		e.cursor = &idx
		if err := e.store.SaveCursor(ctx, e.cursor); err != nil {
			log.Printf("persist waypoint index: %v", err)
		}
		if e.metrics != nil {
			e.metrics.CursorSet(idx)
		}
	}

	e.last = Report{
		RouteName:    strPtr(r.DisplayName()),
		DistanceToGo: strPtr(FormatDistance(dtg)),
		TimeToGo:     strPtr(FormatDuration(ttg)),
		ETA:          strPtr(FormatETA(now.In(e.tz), ttg)),
		Pace:         pace,
	}
	return e.last
}

func (e *Engine) publish(rep Report) {
	if e.sink == nil {
		return
	}
	if err := e.sink.PublishUpdate(rep); err != nil {
		log.Printf("publish update: %v", err)
	}
}

// StartRefresher requests an update every interval until Stop or ctx is done.
func (e *Engine) StartRefresher(parent context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	e.refreshCancel = cancel
	e.refreshWG.Add(1)
	go func() {
		defer e.refreshWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.RequestUpdate(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
					log.Printf("periodic update: %v", err)
				}
			}
		}
	}()
}

func (e *Engine) Stop() {
	if e.refreshCancel != nil {
		e.refreshCancel()
	}
	e.refreshWG.Wait()
	e.loads.invalidate()
	e.updates.invalidate()
}
