package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"route-tracker/internal/route"
)

const schema = `
CREATE TABLE IF NOT EXISTS tracker_state (
  key        text PRIMARY KEY,
  value      jsonb NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now()
)`

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// EnsureDatabase creates the database named in dsn when it does not exist,
// using the cluster's maintenance database 'postgres'.
func EnsureDatabase(ctx context.Context, dsn string) error {
	name, err := DBName(dsn)
	if err != nil {
		return err
	}
	if name == "" || name == "postgres" {
		return nil
	}
	rootDSN, err := WithDBName(dsn, "postgres")
	if err != nil {
		return err
	}
	meta, err := Open(rootDSN)
	if err != nil {
		return fmt.Errorf("open maintenance db: %w", err)
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return fmt.Errorf("ping maintenance db: %w", err)
	}
	var exists bool
	if err := meta.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return fmt.Errorf("lookup database %q: %w", name, err)
	}
	if exists {
		return nil
	}
	// Identifiers cannot be bound as parameters.
	if _, err := meta.ExecContext(ctx, `CREATE DATABASE `+quoteIdent(name)); err != nil {
		return fmt.Errorf("create database %q: %w", name, err)
	}
	log.Printf("created database %q", name)
	return nil
}

// PostgresStore keeps each piece of state as a jsonb value in tracker_state.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Migrate creates the state table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate tracker_state: %w", err)
	}
	return nil
}

func (s *PostgresStore) get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value::text FROM tracker_state WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return v, nil
}

func (s *PostgresStore) put(ctx context.Context, key string, value []byte) error {
	q := `
INSERT INTO tracker_state (key, value, updated_at) VALUES ($1, $2::jsonb, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	if _, err := s.db.ExecContext(ctx, q, key, string(value)); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tracker_state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) LoadRoute(ctx context.Context) (*route.Route, error) {
	b, err := s.get(ctx, KeyRoute)
	if err != nil {
		return nil, err
	}
	return decodeRoute(b)
}

func (s *PostgresStore) SaveRoute(ctx context.Context, r *route.Route) error {
	if r == nil {
		return s.remove(ctx, KeyRoute)
	}
	b, err := encodeRoute(r)
	if err != nil {
		return err
	}
	return s.put(ctx, KeyRoute, b)
}

func (s *PostgresStore) LoadCursor(ctx context.Context) (*int, error) {
	b, err := s.get(ctx, KeyCursor)
	if err != nil || b == nil {
		return nil, err
	}
	return decodeCursor(b)
}

func (s *PostgresStore) SaveCursor(ctx context.Context, idx *int) error {
	if idx == nil {
		return s.remove(ctx, KeyCursor)
	}
	return s.put(ctx, KeyCursor, []byte(strconv.Itoa(*idx)))
}

func (s *PostgresStore) LoadPace(ctx context.Context) (float64, bool, error) {
	b, err := s.get(ctx, KeyPace)
	if err != nil || b == nil {
		return 0, false, err
	}
	return decodePace(b)
}

func (s *PostgresStore) SavePace(ctx context.Context, pace float64) error {
	b, err := encodePace(pace)
	if err != nil {
		return err
	}
	return s.put(ctx, KeyPace, b)
}
