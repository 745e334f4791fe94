package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and applies the schema. driver is "sqlite"
// (dsn is a file path) or "pgx" (dsn is a Postgres URL).
func Open(driver, dsn string) (*Store, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}
	return s, nil
}

func (s *Store) Driver() string { return s.driver }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS countries (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  code TEXT NOT NULL UNIQUE,
  common_foods TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS dietary_recommendations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  condition TEXT NOT NULL,
  country_id INTEGER REFERENCES countries(id) ON DELETE CASCADE,
  is_default INTEGER NOT NULL DEFAULT 0,
  morning_foods TEXT NOT NULL DEFAULT '',
  midday_foods TEXT NOT NULL DEFAULT '',
  evening_foods TEXT NOT NULL DEFAULT '',
  snack_foods TEXT NOT NULL DEFAULT '',
  foods_to_avoid TEXT NOT NULL DEFAULT '',
  general_advice TEXT NOT NULL DEFAULT '',
  eye_exercises TEXT NOT NULL DEFAULT '',
  eye_care_recommendations TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_diet_condition_country ON dietary_recommendations(condition, country_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_diet_condition_global ON dietary_recommendations(condition) WHERE country_id IS NULL;

CREATE TABLE IF NOT EXISTS retinopathy_tests (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  image_ref TEXT NOT NULL DEFAULT '',
  result TEXT NOT NULL,
  confidence REAL NOT NULL,
  created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tests_created_at ON retinopathy_tests(created_at)
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS countries (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  code TEXT NOT NULL UNIQUE,
  common_foods TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS dietary_recommendations (
  id BIGSERIAL PRIMARY KEY,
  condition TEXT NOT NULL,
  country_id BIGINT REFERENCES countries(id) ON DELETE CASCADE,
  is_default BOOLEAN NOT NULL DEFAULT false,
  morning_foods TEXT NOT NULL DEFAULT '',
  midday_foods TEXT NOT NULL DEFAULT '',
  evening_foods TEXT NOT NULL DEFAULT '',
  snack_foods TEXT NOT NULL DEFAULT '',
  foods_to_avoid TEXT NOT NULL DEFAULT '',
  general_advice TEXT NOT NULL DEFAULT '',
  eye_exercises TEXT NOT NULL DEFAULT '',
  eye_care_recommendations TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_diet_condition_country ON dietary_recommendations(condition, country_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_diet_condition_global ON dietary_recommendations(condition) WHERE country_id IS NULL;

CREATE TABLE IF NOT EXISTS retinopathy_tests (
  id BIGSERIAL PRIMARY KEY,
  image_ref TEXT NOT NULL DEFAULT '',
  result TEXT NOT NULL,
  confidence DOUBLE PRECISION NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tests_created_at ON retinopathy_tests(created_at)
`

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
