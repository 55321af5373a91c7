package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append writes events and moves the market's seq and status projection in
// one transaction. The market row is locked so concurrent writers serialize
// and the loser sees domain.ErrVersionConflict.
func (s *EventStore) Append(ctx context.Context, marketID string, expectedSeq uint64, status domain.Status, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: append events %s: begin: %w", marketID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int64
	err = tx.QueryRow(ctx, `SELECT seq FROM markets WHERE id = $1 FOR UPDATE`, marketID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: append events %s: %w", marketID, domain.ErrNotFound)
		}
		return fmt.Errorf("postgres: append events %s: lock market: %w", marketID, err)
	}
	if uint64(current) != expectedSeq {
		return fmt.Errorf("postgres: append events %s: at seq %d, expected %d: %w",
			marketID, current, expectedSeq, domain.ErrVersionConflict)
	}

	batch := &pgx.Batch{}
	const insert = `INSERT INTO market_events (market_id, seq, kind, payload, created_at) VALUES ($1, $2, $3, $4, $5)`
	next := expectedSeq
	for _, ev := range events {
		next++
		if ev.Seq != next {
			return fmt.Errorf("postgres: append events %s: event seq %d, want %d: %w",
				marketID, ev.Seq, next, domain.ErrVersionConflict)
		}
		payload, err := domain.EncodeEvent(ev)
		if err != nil {
			return fmt.Errorf("postgres: append events %s: %w", marketID, err)
		}
		batch.Queue(insert, marketID, int64(ev.Seq), string(ev.Kind), payload, ev.At)
	}
	batch.Queue(`UPDATE markets SET seq = $2, status = $3, updated_at = $4 WHERE id = $1`,
		marketID, int64(next), status.String(), events[len(events)-1].At)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("postgres: append events %s: %w", marketID, domain.ErrVersionConflict)
			}
			return fmt.Errorf("postgres: append events %s: batch item %d: %w", marketID, i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: append events %s: close batch: %w", marketID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: append events %s: commit: %w", marketID, err)
	}
	return nil
}

// Load returns the market's events with seq greater than afterSeq.
func (s *EventStore) Load(ctx context.Context, marketID string, afterSeq uint64) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM market_events WHERE market_id = $1 AND seq > $2 ORDER BY seq`,
		marketID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("postgres: load events %s: %w", marketID, err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: load events %s: scan: %w", marketID, err)
		}
		ev, err := domain.DecodeEvent(payload)
		if err != nil {
			return nil, fmt.Errorf("postgres: load events %s: %w", marketID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load events %s rows: %w", marketID, err)
	}
	return events, nil
}
