package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS observations (
	station_id TEXT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	usage      DOUBLE PRECISION,
	weather    JSONB,
	PRIMARY KEY (station_id, ts)
);
CREATE TABLE IF NOT EXISTS dataset_meta (
	id       INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	version  TEXT NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL
);`

// PostgresStore keeps the dataset in an observations table.
//
// Save replaces the whole table inside one transaction (DELETE then COPY), so
// concurrent readers see either the old or the new dataset.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the tables when missing.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn cannot be empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Load reads every observation.
func (p *PostgresStore) Load(ctx context.Context) (*dataset.Snapshot, error) {
	rows, err := p.pool.Query(ctx, `SELECT station_id, ts, usage, weather FROM observations ORDER BY station_id, ts`)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var obs []dataset.Observation
	for rows.Next() {
		var (
			o       dataset.Observation
			weather []byte
		)
		if err := rows.Scan(&o.StationID, &o.Timestamp, &o.Usage, &weather); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		if len(weather) > 0 {
			if err := json.Unmarshal(weather, &o.Weather); err != nil {
				return nil, fmt.Errorf("decode weather of %s: %w", o.Key(), err)
			}
		}
		obs = append(obs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read observations: %w", err)
	}

	var version string
	err = p.pool.QueryRow(ctx, `SELECT version FROM dataset_meta WHERE id = 1`).Scan(&version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query dataset version: %w", err)
	}

	return dataset.NewSnapshot(obs).WithVersion(version), nil
}

// Save replaces the table content with snap.
func (p *PostgresStore) Save(ctx context.Context, snap *dataset.Snapshot) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `DELETE FROM observations`); err != nil {
		return fmt.Errorf("clear observations: %w", err)
	}

	src := snap.Observations()
	rows := make([][]any, 0, len(src))
	for _, o := range src {
		var weather []byte
		if len(o.Weather) > 0 {
			if weather, err = json.Marshal(o.Weather); err != nil {
				return fmt.Errorf("encode weather of %s: %w", o.Key(), err)
			}
		}
		rows = append(rows, []any{o.StationID, o.Timestamp, o.Usage, weather})
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"observations"},
		[]string{"station_id", "ts", "usage", "weather"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copy observations: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO dataset_meta (id, version, saved_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, saved_at = EXCLUDED.saved_at
	`, snap.Version(), time.Now().UTC()); err != nil {
		return fmt.Errorf("update dataset version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit dataset: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}
