package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"beacon/internal/logger"
	"beacon/internal/models"
)

// schemaSQL lets telemetryd bootstrap its own table.
//
//go:embed schema.sql
var schemaSQL string

const insertSQL = `
	INSERT INTO telemetry_events
		(id, name, properties, occurred_at, session_id, device_id, user_id, schema_version, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
	ON CONFLICT (id) DO NOTHING`

// PostgresStore is the durable Store backed by a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and fails fast if the database is unreachable.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run repeatedly.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Insert writes all records in one transaction. Existing ids are skipped by
// the primary key constraint, which is what makes client re-sends safe.
func (p *PostgresStore) Insert(ctx context.Context, records []models.Record) (InsertResult, error) {
	var res InsertResult
	if len(records) == 0 {
		return res, nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		props := rec.Properties
		if props == nil {
			props = map[string]any{}
		}
		propsJSON, err := json.Marshal(props)
		if err != nil {
			return res, fmt.Errorf("encode properties for %s: %w", rec.ID, err)
		}
		batch.Queue(insertSQL,
			rec.ID, rec.Name, propsJSON, rec.OccurredAt,
			rec.SessionID, rec.DeviceID, rec.UserID, rec.SchemaVersion, rec.ReceivedAt,
		)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	br := tx.SendBatch(ctx, batch)
	for _, rec := range records {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return InsertResult{}, fmt.Errorf("insert %s: %w", rec.ID, err)
		}
		if tag.RowsAffected() == 1 {
			res.Inserted = append(res.Inserted, rec)
		} else {
			res.Duplicates++
		}
	}
	if err := br.Close(); err != nil {
		return InsertResult{}, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return InsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// DeleteAllForUser removes every record carrying userID.
func (p *PostgresStore) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrEmptyUserID
	}

	tag, err := p.pool.Exec(ctx, `DELETE FROM telemetry_events WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user records: %w", err)
	}

	log := logger.WithComponent("store")
	log.Info().
		Str("user_id", userID).
		Int64("deleted", tag.RowsAffected()).
		Msg("user records deleted")
	return tag.RowsAffected(), nil
}

// Ping is used by the readiness endpoint.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}
