package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Computations     prometheus.Counter
	StaleDiscarded   prometheus.Counter
	PositionFailures prometheus.Counter
	RouteLoads       *prometheus.CounterVec // result label: ok|fetch_error|parse_error|superseded
	CommandsReceived *prometheus.CounterVec // command label
	CurrentWaypoint  prometheus.Gauge
	Pace             prometheus.Gauge // minutes per km
	UpdateInterval   prometheus.Gauge // seconds

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	ComputeDuration prometheus.Histogram
	PublishDuration prometheus.Histogram
}

func NewCollector(pace float64, updateInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Computations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_computations_total",
			Help: "Total progress computations applied.",
		}),
		StaleDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_stale_discarded_total",
			Help: "Progress computations discarded because a newer request superseded them.",
		}),
		PositionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_position_failures_total",
			Help: "Update cycles aborted because no position fix was available.",
		}),
		RouteLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_route_loads_total",
			Help: "Route load attempts by result.",
		}, []string{"result"}),
		CommandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_commands_total",
			Help: "Display commands received by command name.",
		}, []string{"command"}),
		CurrentWaypoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_current_waypoint_index",
			Help: "Index of the last resolved nearest waypoint.",
		}),
		Pace: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_pace_minutes_per_km",
			Help: "Pace used for time-to-go estimates.",
		}),
		UpdateInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_update_interval_seconds",
			Help: "Periodic update interval in seconds (0 if disabled).",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		ComputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_compute_duration_seconds",
			Help:    "Duration of progress computations.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.Computations, c.StaleDiscarded, c.PositionFailures,
		c.RouteLoads, c.CommandsReceived, c.CurrentWaypoint, c.Pace, c.UpdateInterval,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.ComputeDuration, c.PublishDuration,
	)

	c.Pace.Set(pace)
	c.UpdateInterval.Set(updateInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

// progress.Metrics implementation.

func (c *Collector) ComputeObserve(d time.Duration) {
	c.Computations.Inc()
	c.ComputeDuration.Observe(d.Seconds())
}

func (c *Collector) StaleDiscardedInc()         { c.StaleDiscarded.Inc() }
func (c *Collector) PositionFailureInc()        { c.PositionFailures.Inc() }
func (c *Collector) RouteLoadInc(result string) { c.RouteLoads.WithLabelValues(result).Inc() }
func (c *Collector) CursorSet(idx int)          { c.CurrentWaypoint.Set(float64(idx)) }
func (c *Collector) PaceSet(pace float64)       { c.Pace.Set(pace) }
func (c *Collector) CommandInc(command string)  { c.CommandsReceived.WithLabelValues(command).Inc() }
