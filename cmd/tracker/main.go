package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"route-tracker/internal/config"
	"route-tracker/internal/geo"
	"route-tracker/internal/location"
	"route-tracker/internal/logging"
	"route-tracker/internal/metrics"
	"route-tracker/internal/progress"
	"route-tracker/internal/publisher"
	"route-tracker/internal/source"
	"route-tracker/internal/store"
)

func main() {
	logging.Init()

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := openStore(ctx, cfg)

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.DefaultPace, cfg.UpdateInterval)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// NATS carries fixes in and reports out
	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.SubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer pub.Close()

	var fixes location.Provider
	if cfg.FixLat != nil {
		log.Printf("using static position %.6f,%.6f", *cfg.FixLat, *cfg.FixLon)
		fixes = location.StaticProvider{Coord: geo.Coordinate{Lat: *cfg.FixLat, Lon: *cfg.FixLon}}
	} else {
		np, err := location.NewNATSProvider(pub.Conn(), publisher.FixSubject(cfg.SubjectPrefix), cfg.FixMaxAge)
		if err != nil {
			log.Fatalf("fix subscription error: %v", err)
		}
		defer np.Close()
		fixes = np
	}

	var src source.Source
	if cfg.RouteFile != "" {
		src = source.NewFileSource(cfg.RouteFile)
	}

	eng := progress.NewEngine(st, src, fixes, pub, cfg.DefaultPace, cfg.Location, engineMetrics(mcol))
	if err := eng.Restore(ctx); err != nil {
		log.Printf("restore state: %v", err)
	}
	if mcol != nil {
		mcol.PaceSet(eng.Pace(ctx))
	}

	if _, err := pub.SubscribeCommands(ctx, eng); err != nil {
		log.Fatalf("command subscription error: %v", err)
	}

	if cfg.LoadRouteOnStart && src != nil {
		go func() {
			if _, err := eng.LoadRoute(ctx); err != nil && !errors.Is(err, progress.ErrSuperseded) {
				log.Printf("initial route load: %v", err)
			}
		}()
	}

	eng.StartRefresher(ctx, cfg.UpdateInterval)

	// Block until context cancelled
	<-ctx.Done()
	eng.Stop()
	log.Println("shutdown complete")
}

// openStore connects to Postgres when configured and falls back to memory.
func openStore(ctx context.Context, cfg *config.Config) store.Store {
	if cfg.DatabaseURL == "" {
		log.Printf("DATABASE_URL not set; state is kept in memory")
		return store.NewMemoryStore()
	}
	if err := store.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
		log.Fatalf("ensure database: %v", err)
	}
	sqlDB, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	if err := store.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	ps := store.NewPostgresStore(sqlDB)
	if err := ps.Migrate(ctx); err != nil {
		log.Fatalf("db migrate error: %v", err)
	}
	return ps
}

// engineMetrics avoids handing the engine a typed nil.
func engineMetrics(c *metrics.Collector) progress.Metrics {
	if c == nil {
		return nil
	}
	return c
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) CommandInc(command string)      { p.c.CommandInc(command) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
