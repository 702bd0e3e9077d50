// Package history provides PostgreSQL-backed storage for the challenge
// transition audit log. Every committed lifecycle transition is appended,
// including remote reconciliations, so disputes can be replayed later.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/stakeline/engage/internal/challenge"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store appends challenge transitions to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, runs pending migrations, and returns a Store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: postgres connection failed: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle without running migrations.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("history: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Record appends one transition to the audit log.
func (s *Store) Record(ctx context.Context, rec challenge.TransitionRecord) error {
	const query = `
		INSERT INTO challenge_transitions (challenge_id, action, from_status, to_status, actor, version, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ChallengeID,
		rec.Action,
		string(rec.From),
		string(rec.To),
		rec.Actor,
		rec.Version,
		rec.At,
	)
	if err != nil {
		return fmt.Errorf("history: insert transition: %w", err)
	}
	return nil
}

// Transitions returns the recorded transitions for a challenge, oldest first.
func (s *Store) Transitions(ctx context.Context, challengeID int64) ([]challenge.TransitionRecord, error) {
	const query = `
		SELECT challenge_id, action, from_status, to_status, actor, version, occurred_at
		FROM challenge_transitions
		WHERE challenge_id = $1
		ORDER BY version, occurred_at`

	rows, err := s.db.QueryContext(ctx, query, challengeID)
	if err != nil {
		return nil, fmt.Errorf("history: query transitions: %w", err)
	}
	defer rows.Close()

	var out []challenge.TransitionRecord
	for rows.Next() {
		var rec challenge.TransitionRecord
		var from, to string
		if err := rows.Scan(&rec.ChallengeID, &rec.Action, &from, &to, &rec.Actor, &rec.Version, &rec.At); err != nil {
			return nil, fmt.Errorf("history: scan transition: %w", err)
		}
		rec.From = challenge.Status(from)
		rec.To = challenge.Status(to)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountRecent returns how many transitions a challenge saw within the given
// window. Useful for flagging dispute churn.
func (s *Store) CountRecent(ctx context.Context, challengeID int64, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM challenge_transitions
		WHERE challenge_id = $1
		  AND occurred_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, challengeID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("history: count recent: %w", err)
	}
	return count, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
