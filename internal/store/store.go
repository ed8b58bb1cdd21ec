// internal/store/store.go
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/saimqureshi656/github-crawler-assessment/internal/model"
)

const upsertRepositorySQL = `
INSERT INTO repositories (id, name, owner, full_name, created_at, updated_at, last_crawled_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (id) DO UPDATE SET
    name            = EXCLUDED.name,
    owner           = EXCLUDED.owner,
    full_name       = EXCLUDED.full_name,
    updated_at      = EXCLUDED.updated_at,
    last_crawled_at = now()`

const appendObservationSQL = `
INSERT INTO repository_stars (repository_id, star_count, observed_at, observed_on)
VALUES ($1, $2, $3, $3::date)
ON CONFLICT (repository_id, observed_on) DO NOTHING`

const exportSQL = `
COPY (
    SELECT r.id, r.full_name, r.owner, r.name, rs.star_count, rs.observed_at
    FROM repositories r
    JOIN repository_stars rs ON r.id = rs.repository_id
    ORDER BY rs.star_count DESC
) TO STDOUT WITH CSV HEADER`

// Store owns durability of repository state and star observations. Every
// batch operation runs in its own transaction and either fully commits or
// fully rolls back.
type Store struct {
	dbpool *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store on top of an existing connection pool.
func New(dbpool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{dbpool: dbpool, logger: logger}
}

// UpsertRepositories inserts new repositories and refreshes the mutable
// fields of existing ones, keyed on the GitHub numeric id. created_at is
// written once on insert and never overwritten on conflict.
func (s *Store) UpsertRepositories(ctx context.Context, repos []model.Repository) error {
	if len(repos) == 0 {
		return nil
	}

	tx, err := s.dbpool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert transaction: %w", err)
	}
	defer tx.Rollback(ctx) // Rollback is a no-op if the transaction is already committed.

	batch := &pgx.Batch{}
	for _, r := range repos {
		batch.Queue(upsertRepositorySQL, r.ID, r.Name, r.Owner, r.FullName, r.CreatedAt, r.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert batch of %d repositories: %w", len(repos), err)
	}

	return tx.Commit(ctx)
}

// AppendStarObservations records star-count samples. A sample already stored
// for the same repository and day is skipped, never overwritten.
func (s *Store) AppendStarObservations(ctx context.Context, obs []model.StarObservation) error {
	if len(obs) == 0 {
		return nil
	}

	tx, err := s.dbpool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin observation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, o := range obs {
		batch.Queue(appendObservationSQL, o.RepositoryID, o.Stars, o.ObservedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append batch of %d observations: %w", len(obs), err)
	}

	return tx.Commit(ctx)
}

// CountRepositories returns the number of repositories currently stored.
func (s *Store) CountRepositories(ctx context.Context) (int64, error) {
	var count int64
	if err := s.dbpool.QueryRow(ctx, "SELECT COUNT(*) FROM repositories").Scan(&count); err != nil {
		return 0, fmt.Errorf("count repositories: %w", err)
	}
	return count, nil
}

// TopRepository is one row of the stats view.
type TopRepository struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Stars    int    `json:"stars"`
}

// TopRepositories returns the limit most-starred repositories on record.
func (s *Store) TopRepositories(ctx context.Context, limit int) ([]TopRepository, error) {
	rows, err := s.dbpool.Query(ctx,
		"SELECT id, full_name, stars FROM (SELECT r.id, r.full_name, rs.star_count AS stars, ROW_NUMBER() OVER (PARTITION BY r.id ORDER BY rs.observed_at DESC) rn FROM repositories r JOIN repository_stars rs ON r.id = rs.repository_id) t WHERE rn = 1 ORDER BY stars DESC LIMIT $1",
		limit)
	if err != nil {
		return nil, fmt.Errorf("query top repositories: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[TopRepository])
}

// ExportCSV streams the star history join, ordered by star count descending,
// as CSV to w. The rows are produced server-side via COPY so the result is
// never buffered in memory.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer) error {
	conn, err := s.dbpool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for export: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Conn().PgConn().CopyTo(ctx, w, exportSQL)
	if err != nil {
		return fmt.Errorf("copy export: %w", err)
	}
	s.logger.Info("Export finished", "rows", tag.RowsAffected())
	return nil
}
