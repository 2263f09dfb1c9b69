package progress

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"route-tracker/internal/geo"
	"route-tracker/internal/location"
	"route-tracker/internal/route"
	"route-tracker/internal/source"
	"route-tracker/internal/store"
)

const threePointRoute = `<gpx><trk><name>Canal path</name><trkseg>
<trkpt lat="0" lon="0"/>
<trkpt lat="0" lon="0.01"/>
<trkpt lat="0" lon="0.02"/>
</trkseg></trk></gpx>`

var fixedNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type fixFunc func(ctx context.Context) (location.Fix, error)

func (f fixFunc) CurrentPosition(ctx context.Context) (location.Fix, error) { return f(ctx) }

func fixAt(c geo.Coordinate) location.Provider {
	return location.StaticProvider{Coord: c}
}

type recordingSink struct {
	mu      sync.Mutex
	reports []Report
}

func (s *recordingSink) PublishUpdate(r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

type countingMetrics struct {
	mu                       sync.Mutex
	stale, posFail, computes int
	loads                    map[string]int
	cursor                   int
	pace                     float64
}

func newCountingMetrics() *countingMetrics { return &countingMetrics{loads: map[string]int{}} }

func (m *countingMetrics) ComputeObserve(time.Duration) { m.mu.Lock(); m.computes++; m.mu.Unlock() }
func (m *countingMetrics) StaleDiscardedInc()           { m.mu.Lock(); m.stale++; m.mu.Unlock() }
func (m *countingMetrics) PositionFailureInc()          { m.mu.Lock(); m.posFail++; m.mu.Unlock() }
func (m *countingMetrics) RouteLoadInc(r string)        { m.mu.Lock(); m.loads[r]++; m.mu.Unlock() }
func (m *countingMetrics) CursorSet(idx int)            { m.mu.Lock(); m.cursor = idx; m.mu.Unlock() }
func (m *countingMetrics) PaceSet(p float64)            { m.mu.Lock(); m.pace = p; m.mu.Unlock() }

func newTestEngine(st store.Store, fixes location.Provider, sink Sink, m Metrics) *Engine {
	e := NewEngine(st, source.StaticSource(threePointRoute), fixes, sink, 10, time.UTC, m)
	e.now = func() time.Time { return fixedNow }
	return e
}

func TestEngineEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	pos := geo.Coordinate{Lon: 0.004}
	e := newTestEngine(st, fixAt(pos), sink, nil)

	rep, err := e.LoadRoute(ctx)
	if err != nil {
		t.Fatalf("LoadRoute: %v", err)
	}

	// Nearest is waypoint 0 but the user is past it, heading for waypoint 1.
	wp1, wp2 := geo.Coordinate{Lon: 0.01}, geo.Coordinate{Lon: 0.02}
	dtg := geo.Distance(pos, wp1) + geo.Distance(wp1, wp2)
	ttg := TimeToGoMinutes(dtg, 10)
	if ttg != 18 {
		t.Fatalf("ttg = %d, want 18", ttg)
	}
	want := Report{
		RouteName:    strPtr("Canal path"),
		DistanceToGo: strPtr("1.77km"),
		TimeToGo:     strPtr("18 mins"),
		ETA:          strPtr("10:18"),
		Pace:         10,
	}
	assertReport(t, rep, want)
	assertReport(t, e.Last(), want)
	if FormatDistance(dtg) != *want.DistanceToGo {
		t.Errorf("FormatDistance(%v) = %s", dtg, FormatDistance(dtg))
	}

	if c, ok := e.Cursor(); !ok || c != 0 {
		t.Errorf("cursor = %d, %v; want 0", c, ok)
	}
	if c, _ := st.LoadCursor(ctx); c == nil || *c != 0 {
		t.Errorf("stored cursor = %v", c)
	}
	stored, _ := st.LoadRoute(ctx)
	if stored == nil || !stored.Precomputed() || stored.DisplayName() != "Canal path" {
		t.Errorf("stored route = %+v", stored)
	}
	if sink.count() != 1 {
		t.Errorf("published %d reports, want 1", sink.count())
	}
}

func TestEngineCursorFollowsProgress(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newTestEngine(st, fixAt(geo.Coordinate{}), nil, nil)
	if _, err := e.LoadRoute(ctx); err != nil {
		t.Fatal(err)
	}

	rep := e.Compute(ctx, geo.Coordinate{Lon: 0.0135}, 10, fixedNow)
	if rep.Empty() {
		t.Fatal("empty report")
	}
	if c, _ := e.Cursor(); c != 1 {
		t.Errorf("cursor = %d, want 1", c)
	}
	if c, _ := st.LoadCursor(ctx); c == nil || *c != 1 {
		t.Errorf("stored cursor = %v, want 1", c)
	}

	rep = e.Compute(ctx, geo.Coordinate{Lon: 0.0201}, 10, fixedNow)
	if *rep.DistanceToGo != "11m" || *rep.TimeToGo != "0 mins" || *rep.ETA != "10:00" {
		t.Errorf("report at finish = %s %s %s", *rep.DistanceToGo, *rep.TimeToGo, *rep.ETA)
	}
	if c, _ := e.Cursor(); c != 2 {
		t.Errorf("cursor = %d, want 2", c)
	}
}

func TestEngineNoRoute(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := newTestEngine(store.NewMemoryStore(), fixAt(geo.Coordinate{Lat: 10, Lon: 10}), sink, nil)

	rep, err := e.RequestUpdate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Empty() {
		t.Errorf("report = %+v, want empty", rep)
	}
	b, _ := json.Marshal(rep)
	if string(b) != `{"route":null,"dtg":null,"ttg":null,"eta":null,"pace":10}` {
		t.Errorf("json = %s", b)
	}
	if _, ok := e.Cursor(); ok {
		t.Error("cursor set without a route")
	}
	if sink.count() != 1 {
		t.Errorf("published %d reports", sink.count())
	}
}

func TestEngineParseFailureKeepsRoute(t *testing.T) {
	ctx := context.Background()
	m := newCountingMetrics()
	e := newTestEngine(store.NewMemoryStore(), fixAt(geo.Coordinate{Lon: 0.004}), nil, m)
	if _, err := e.LoadRoute(ctx); err != nil {
		t.Fatal(err)
	}
	before := e.Last()

	_, err := e.LoadRouteText(ctx, "lunch with Sam at noon")
	if !errors.Is(err, route.ErrNoRoute) {
		t.Fatalf("err = %v, want ErrNoRoute", err)
	}
	assertReport(t, e.Last(), before)
	rep, err := e.RequestUpdate(ctx)
	if err != nil || *rep.RouteName != "Canal path" {
		t.Errorf("route replaced after failed load: %+v, %v", rep, err)
	}
	if m.loads["ok"] != 1 || m.loads["parse_error"] != 1 {
		t.Errorf("load metrics = %v", m.loads)
	}
}

func TestEngineLoadsStrictGPX(t *testing.T) {
	doc := `<?xml version="1.0"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
<trk><name>Hill</name><trkseg>
<trkpt lat="0" lon="0"><ele>10</ele></trkpt>
<trkpt lat="0" lon="0.01"><ele>20</ele></trkpt>
</trkseg></trk></gpx>`
	e := newTestEngine(store.NewMemoryStore(), fixAt(geo.Coordinate{Lon: -0.01}), nil, nil)
	rep, err := e.LoadRouteText(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	if *rep.RouteName != "Hill" || *rep.DistanceToGo != "2.22km" {
		t.Errorf("report = %s %s", *rep.RouteName, *rep.DistanceToGo)
	}
}

func TestEnginePositionFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	fail := false
	fixes := fixFunc(func(context.Context) (location.Fix, error) {
		if fail {
			return location.Fix{}, errors.New("gps timeout")
		}
		return location.Fix{Coordinate: geo.Coordinate{Lon: 0.0135}}, nil
	})
	m := newCountingMetrics()
	sink := &recordingSink{}
	e := newTestEngine(store.NewMemoryStore(), fixes, sink, m)
	if _, err := e.LoadRoute(ctx); err != nil {
		t.Fatal(err)
	}
	before := e.Last()
	cursor, _ := e.Cursor()
	published := sink.count()

	fail = true
	if _, err := e.RequestUpdate(ctx); !errors.Is(err, location.ErrPositionUnavailable) {
		t.Fatalf("err = %v, want ErrPositionUnavailable", err)
	}
	assertReport(t, e.Last(), before)
	if c, _ := e.Cursor(); c != cursor {
		t.Errorf("cursor changed to %d", c)
	}
	if sink.count() != published {
		t.Error("published a report for a failed cycle")
	}
	if m.posFail != 1 {
		t.Errorf("position failures = %d", m.posFail)
	}
}

func TestEngineSupersededWhileWaitingForFix(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	var calls int
	var mu sync.Mutex
	fixes := fixFunc(func(ctx context.Context) (location.Fix, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(entered)
			<-ctx.Done()
			return location.Fix{}, ctx.Err()
		}
		return location.Fix{Coordinate: geo.Coordinate{Lon: 0.004}}, nil
	})
	e := newTestEngine(store.NewMemoryStore(), fixes, nil, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := e.RequestUpdate(ctx)
		errc <- err
	}()
	<-entered
	if _, err := e.RequestUpdate(ctx); err != nil {
		t.Fatalf("second request: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("first request err = %v, want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first request never finished")
	}
}

func TestEngineDiscardsStaleCompletion(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	fixes := fixFunc(func(context.Context) (location.Fix, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release // ignores cancellation, like a slow device
			return location.Fix{Coordinate: geo.Coordinate{Lon: 0.0195}}, nil
		}
		return location.Fix{Coordinate: geo.Coordinate{Lon: 0.004}}, nil
	})
	m := newCountingMetrics()
	sink := &recordingSink{}
	e := newTestEngine(store.NewMemoryStore(), fixes, sink, m)

	errc := make(chan error, 1)
	go func() {
		_, err := e.RequestUpdate(ctx)
		errc <- err
	}()
	<-entered
	fresh, err := e.RequestUpdate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("stale request err = %v, want ErrSuperseded", err)
	}
	assertReport(t, e.Last(), fresh)
	if m.stale != 1 || sink.count() != 1 {
		t.Errorf("stale = %d, published = %d", m.stale, sink.count())
	}
}

// gatedSink holds its first publish until release is closed.
type gatedSink struct {
	recordingSink
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSink) PublishUpdate(r Report) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.recordingSink.PublishUpdate(r)
}

func (s *gatedSink) lastReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[len(s.reports)-1]
}

func TestEnginePublishesInRequestOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r, err := route.Load(threePointRoute)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveRoute(ctx, r); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	pos := geo.Coordinate{Lon: 0.004}
	fixes := fixFunc(func(context.Context) (location.Fix, error) {
		mu.Lock()
		defer mu.Unlock()
		return location.Fix{Coordinate: pos}, nil
	})
	sink := &gatedSink{entered: make(chan struct{}), release: make(chan struct{})}
	e := newTestEngine(st, fixes, sink, nil)
	if err := e.Restore(ctx); err != nil {
		t.Fatal(err)
	}

	older := make(chan error, 1)
	go func() {
		_, err := e.RequestUpdate(ctx)
		older <- err
	}()
	<-sink.entered

	mu.Lock()
	pos = geo.Coordinate{Lon: 0.018}
	mu.Unlock()
	type result struct {
		rep Report
		err error
	}
	newer := make(chan result, 1)
	go func() {
		rep, err := e.RequestUpdate(ctx)
		newer <- result{rep, err}
	}()

	// The newer request may finish or queue behind the held publish.
	var res result
	var gotNewer bool
	select {
	case res = <-newer:
		gotNewer = true
	case <-time.After(100 * time.Millisecond):
	}
	close(sink.release)
	if !gotNewer {
		res = <-newer
	}
	if err := <-older; err != nil && !errors.Is(err, ErrSuperseded) {
		t.Fatalf("older request: %v", err)
	}
	if res.err != nil {
		t.Fatalf("newer request: %v", res.err)
	}

	if got := *res.rep.DistanceToGo; got != "222m" {
		t.Errorf("newer dtg = %s, want 222m", got)
	}
	assertReport(t, e.Last(), res.rep)
	assertReport(t, sink.lastReport(), res.rep)
}

func TestEngineLoadSupersededBeforeInstall(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newTestEngine(st, fixAt(geo.Coordinate{}), nil, nil)

	fetched := make(chan struct{})
	e.mu.Lock()
	errc := make(chan error, 1)
	go func() {
		_, err := e.load(ctx, func(context.Context) (string, error) {
			close(fetched)
			return threePointRoute, nil
		})
		errc <- err
	}()
	<-fetched
	time.Sleep(20 * time.Millisecond) // let the load queue on the engine lock
	// Same first step as Clear.
	e.loads.invalidate()
	e.mu.Unlock()

	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("load err = %v, want ErrSuperseded", err)
	}
	if _, ok := e.Cursor(); ok {
		t.Error("cursor set by a superseded load")
	}
	if r, _ := st.LoadRoute(ctx); r != nil {
		t.Errorf("superseded load persisted %q", r.DisplayName())
	}
}

func TestEngineRestoreLegacyRoute(t *testing.T) {
	ctx := context.Background()
	pos := geo.Coordinate{Lat: 0.001, Lon: 0.0135}

	fresh := newTestEngine(store.NewMemoryStore(), fixAt(pos), nil, nil)
	want, err := fresh.LoadRoute(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Route persisted before precomputation existed, and no cursor.
	st := store.NewMemoryStore()
	legacy, _ := route.Parse(threePointRoute)
	if err := st.SaveRoute(ctx, legacy); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(st, fixAt(pos), nil, nil)
	if err := e.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Cursor(); ok {
		t.Error("cursor set after restoring without one")
	}
	got, err := e.RequestUpdate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertReport(t, got, want)
}

func TestEngineRestoreEmptyStore(t *testing.T) {
	e := newTestEngine(store.NewMemoryStore(), fixAt(geo.Coordinate{}), nil, nil)
	if err := e.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	rep, _ := e.RequestUpdate(context.Background())
	if !rep.Empty() {
		t.Errorf("report = %+v, want empty", rep)
	}
}

func TestEngineSetPace(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newCountingMetrics()
	e := newTestEngine(st, fixAt(geo.Coordinate{Lon: 0.004}), nil, m)
	if _, err := e.LoadRoute(ctx); err != nil {
		t.Fatal(err)
	}
	for _, bad := range []float64{0, -3} {
		if _, err := e.SetPace(ctx, bad); err == nil {
			t.Errorf("SetPace(%v) succeeded", bad)
		}
	}
	rep, err := e.SetPace(ctx, 20)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Pace != 20 || *rep.TimeToGo != "36 mins" {
		t.Errorf("report = pace %v ttg %s", rep.Pace, *rep.TimeToGo)
	}
	if p, ok, _ := st.LoadPace(ctx); !ok || p != 20 {
		t.Errorf("stored pace = %v, %v", p, ok)
	}
	if e.Pace(ctx) != 20 || m.pace != 20 {
		t.Errorf("pace = %v, metric %v", e.Pace(ctx), m.pace)
	}
}

func TestEngineClear(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	e := newTestEngine(st, fixAt(geo.Coordinate{Lon: 0.004}), sink, nil)
	if _, err := e.LoadRoute(ctx); err != nil {
		t.Fatal(err)
	}
	rep := e.Clear(ctx)
	if !rep.Empty() || !e.Last().Empty() {
		t.Errorf("report after clear = %+v", rep)
	}
	if r, _ := st.LoadRoute(ctx); r != nil {
		t.Error("stored route survived clear")
	}
	if c, _ := st.LoadCursor(ctx); c != nil {
		t.Error("stored cursor survived clear")
	}
	if sink.count() != 2 {
		t.Errorf("published %d reports, want 2", sink.count())
	}
}

func TestEngineRefresher(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(store.NewMemoryStore(), fixAt(geo.Coordinate{}), sink, nil)
	e.StartRefresher(context.Background(), 5*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	e.Stop()
	if sink.count() < 2 {
		t.Errorf("refresher published %d reports", sink.count())
	}
}

func assertReport(t *testing.T, got, want Report) {
	t.Helper()
	if show(got) != show(want) {
		t.Errorf("report = %s, want %s", show(got), show(want))
	}
}

func show(r Report) string {
	b, _ := json.Marshal(r)
	return strings.TrimSpace(string(b))
}
