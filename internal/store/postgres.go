package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chat_items (
	partition_key text NOT NULL,
	sort_key      text NOT NULL,
	author        text,
	content       text,
	created_at    double precision,
	embedding     real[],
	updated_at    timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (partition_key, sort_key)
)`

const upsertSQL = `
INSERT INTO chat_items (partition_key, sort_key, author, content, created_at, embedding, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (partition_key, sort_key) DO UPDATE SET
	author     = EXCLUDED.author,
	content    = EXCLUDED.content,
	created_at = EXCLUDED.created_at,
	embedding  = EXCLUDED.embedding,
	updated_at = now()`

const deleteSQL = `DELETE FROM chat_items WHERE partition_key = $1 AND sort_key = $2`

// Postgres stores records in a single chat_items table keyed by
// (partition_key, sort_key).
type Postgres struct {
	pool  *pgxpool.Pool
	limit int
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Postgres{pool: pool, limit: DefaultBatchLimit}, nil
}

// SetBatchLimit overrides the chunk size callers should keep batch writes
// within. Non-positive values keep the default.
func (p *Postgres) SetBatchLimit(n int) {
	if n > 0 {
		p.limit = n
	}
}

// EnsureSchema creates the chat_items table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create chat_items schema: %w", err)
	}
	log.Debug().Msg("chat_items schema ensured")
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// IDsWithPrefix returns the sort keys under partitionKey matching the prefix.
func (p *Postgres) IDsWithPrefix(ctx context.Context, partitionKey, sortKeyPrefix string) (map[string]struct{}, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT sort_key FROM chat_items WHERE partition_key = $1 AND sort_key LIKE $2`,
		partitionKey, sortKeyPrefix+"%")
	if err != nil {
		return nil, &ReadError{PartitionKey: partitionKey, Err: err}
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var sk string
		if err := rows.Scan(&sk); err != nil {
			return nil, &ReadError{PartitionKey: partitionKey, Err: err}
		}
		ids[sk] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, &ReadError{PartitionKey: partitionKey, Err: err}
	}
	return ids, nil
}

// BatchWrite applies one chunk of deletes and puts as a single pgx batch on
// one connection. Individual statements are idempotent by key, so a retried
// chunk converges to the same state.
func (p *Postgres) BatchWrite(ctx context.Context, partitionKey string, puts []Record, deletes []string) error {
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, sk := range deletes {
		batch.Queue(deleteSQL, partitionKey, sk)
	}
	for _, rec := range puts {
		batch.Queue(upsertSQL, partitionKey, rec.SortKey, rec.Author, rec.Content, rec.Timestamp, rec.Embedding)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch statement %d of %d: %w", i+1, batch.Len(), err)
		}
	}
	return nil
}

// BatchLimit reports the chunk size for batch writes.
func (p *Postgres) BatchLimit() int { return p.limit }
