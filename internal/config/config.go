package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// DefaultPace is used until a pace has been stored, in minutes per km.
const DefaultPace = 10.5

type Config struct {
	// Empty keeps state in memory only.
	DatabaseURL      string
	NATSURL          string         `validate:"required"`
	SubjectPrefix    string         `validate:"required"`
	DefaultPace      float64        `validate:"gt=0"`
	RouteFile        string
	UpdateInterval   time.Duration  `validate:"gte=0"`
	FixMaxAge        time.Duration  `validate:"gte=0"`
	FixLat           *float64       `validate:"omitempty,gte=-90,lte=90"`
	FixLon           *float64       `validate:"omitempty,gte=-180,lte=180"`
	Location         *time.Location
	LogNATSSubjects  bool
	MetricsAddr      string
	LoadRouteOnStart bool
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars when PGDATABASE is set
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		if db := os.Getenv("PGDATABASE"); db != "" {
			host := getenvDefault("PGHOST", "127.0.0.1")
			port := getenvDefault("PGPORT", "5432")
			user := getenvDefault("PGUSER", "postgres")
			pass := os.Getenv("PGPASSWORD")
			sslmode := getenvDefault("PGSSLMODE", "disable")
			if pass != "" {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
			} else {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
			}
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.SubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "tracker")
	cfg.RouteFile = os.Getenv("ROUTE_FILE")

	// Pace used when none has been stored
	if v := os.Getenv("DEFAULT_PACE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_PACE: %q", v)
		}
		cfg.DefaultPace = f
	} else {
		cfg.DefaultPace = DefaultPace
	}

	// Periodic update interval (seconds); 0 disables
	if v := os.Getenv("UPDATE_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid UPDATE_INTERVAL_SEC: %q", v)
		}
		cfg.UpdateInterval = time.Duration(sec) * time.Second
	}

	// Oldest fix still accepted (seconds); 0 disables the check
	if v := os.Getenv("FIX_MAX_AGE_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FIX_MAX_AGE_SEC: %q", v)
		}
		cfg.FixMaxAge = time.Duration(sec) * time.Second
	} else {
		cfg.FixMaxAge = 5 * time.Minute
	}

	// Static position, mostly for testing a route from a desk
	lat, err := optionalFloat("FIX_LAT")
	if err != nil {
		return nil, err
	}
	lon, err := optionalFloat("FIX_LON")
	if err != nil {
		return nil, err
	}
	if (lat == nil) != (lon == nil) {
		return nil, fmt.Errorf("FIX_LAT and FIX_LON must be set together")
	}
	cfg.FixLat, cfg.FixLon = lat, lon

	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))
	cfg.LoadRouteOnStart = parseBool(os.Getenv("LOAD_ROUTE_ON_START"))

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Time zone for ETA
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func optionalFloat(k string) (*float64, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", k, v)
	}
	return &f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
