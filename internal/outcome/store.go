// Package outcome persists routing outcomes to SQLite for offline
// inspection. Recording is best-effort: a storage failure is logged and
// never reaches the router's caller.
package outcome

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pulsewire/inference-router/internal/router"
)

const schema = `
CREATE TABLE IF NOT EXISTS route_outcomes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	partition_key TEXT NOT NULL DEFAULT '',
	backend     TEXT NOT NULL DEFAULT '',
	cache_hit   INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error_kind  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_route_outcomes_created_at ON route_outcomes(created_at);
`

// Row is one persisted outcome.
type Row struct {
	ID         int64     `db:"id"`
	Partition  string    `db:"partition_key"`
	Backend    string    `db:"backend"`
	CacheHit   bool      `db:"cache_hit"`
	DurationMS int64     `db:"duration_ms"`
	ErrorKind  string    `db:"error_kind"`
	CreatedAt  time.Time `db:"created_at"`
}

// Store writes outcomes to SQLite.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Ensure Store satisfies the router's recorder contract.
var _ router.Recorder = (*Store)(nil)

// New opens (or creates) the outcome database at path.
func New(path string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outcome database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Record persists one outcome. Errors are logged and swallowed.
func (s *Store) Record(ctx context.Context, o router.Outcome) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO route_outcomes (partition_key, backend, cache_hit, duration_ms, error_kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.Partition, o.Backend, o.CacheHit, o.Duration.Milliseconds(), string(o.ErrorKind), time.Now().UTC())
	if err != nil {
		s.logger.Warn("failed to record route outcome",
			slog.String("error", err.Error()))
	}
}

// Recent returns the newest outcomes, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	var rows []Row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, partition_key, backend, cache_hit, duration_ms, error_kind, created_at
		 FROM route_outcomes ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	return rows, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
