// Package sqlite implements the domain store interfaces on an embedded SQLite
// database for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/alanyoungcy/oraclepool/internal/domain"
	"github.com/alanyoungcy/oraclepool/internal/store/sqlite/migrations"
)

// Store persists markets, their event logs and the audit log in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time keeps Append's read-check-write atomic.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// Create inserts a new market.
func (s *Store) Create(ctx context.Context, m domain.Market) error {
	outcomes, err := json.Marshal(m.Outcomes.Labels)
	if err != nil {
		return fmt.Errorf("sqlite: marshal outcomes: %w", err)
	}
	sink := ""
	if m.RemainderSink != (common.Address{}) {
		sink = m.RemainderSink.Hex()
	}
	created := toMillis(m.CreatedAt)

	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO markets (
			id, deadline, oracle_address, oracle_endpoint,
			identifier, ancillary, asset_address, asset_symbol, asset_decimals,
			outcomes, remainder_sink, status, seq, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		m.ID, toMillis(m.Deadline), m.Oracle.Address.Hex(), m.Oracle.Endpoint,
		m.Identifier.Hex(), m.Ancillary, m.Asset.Address.Hex(), m.Asset.Symbol, int(m.Asset.Decimals),
		string(outcomes), sink, domain.StatusOpen.String(), created, created,
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("sqlite: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: create market %s: %w", m.ID, err)
	}
	return nil
}

const marketCols = `id, deadline, oracle_address, oracle_endpoint,
	identifier, ancillary, asset_address, asset_symbol, asset_decimals,
	outcomes, remainder_sink, status, seq, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (domain.Market, error) {
	var (
		m                             domain.Market
		deadline, created, updated    int64
		oracleAddr, identifier, asset string
		outcomes, sink, status        string
		decimals                      int
		seq                           int64
	)
	err := row.Scan(
		&m.ID, &deadline, &oracleAddr, &m.Oracle.Endpoint,
		&identifier, &m.Ancillary, &asset, &m.Asset.Symbol, &decimals,
		&outcomes, &sink, &status, &seq, &created, &updated,
	)
	if err != nil {
		return domain.Market{}, err
	}

	m.Deadline = fromMillis(deadline)
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	m.Oracle.Address = common.HexToAddress(oracleAddr)
	m.Asset.Address = common.HexToAddress(asset)
	m.Asset.Decimals = uint8(decimals)
	if sink != "" {
		m.RemainderSink = common.HexToAddress(sink)
	}
	if m.Identifier, err = domain.IdentifierFromString(identifier); err != nil {
		return domain.Market{}, err
	}
	if err := json.Unmarshal([]byte(outcomes), &m.Outcomes.Labels); err != nil {
		return domain.Market{}, fmt.Errorf("decode outcomes: %w", err)
	}
	if m.Status, err = domain.ParseStatus(status); err != nil {
		return domain.Market{}, err
	}
	m.Seq = uint64(seq)
	return m, nil
}

// Get retrieves a market by id.
func (s *Store) Get(ctx context.Context, id string) (domain.Market, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE id = ?`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("sqlite: get market %s: %w", id, err)
	}
	return m, nil
}

// List returns markets newest first.
func (s *Store) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := withListOpts(`SELECT `+marketCols+` FROM markets WHERE 1=1`, "created_at DESC, id", opts)
	return s.queryMarkets(ctx, "list markets", query, args...)
}

// ListByStatus returns markets in any of the given statuses ordered by
// deadline.
func (s *Store) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Market, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = st.String()
	}
	query := `SELECT ` + marketCols + ` FROM markets WHERE status IN (` + strings.Join(marks, ", ") + `) ORDER BY deadline, id`
	return s.queryMarkets(ctx, "list markets by status", query, args...)
}

func (s *Store) queryMarkets(ctx context.Context, op, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s: scan: %w", op, err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s rows: %w", op, err)
	}
	return markets, nil
}

// Append writes events and advances the market's seq and status in one
// transaction.
func (s *Store) Append(ctx context.Context, marketID string, expectedSeq uint64, status domain.Status, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: append events %s: begin: %w", marketID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM markets WHERE id = ?`, marketID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: append events %s: %w", marketID, domain.ErrNotFound)
		}
		return fmt.Errorf("sqlite: append events %s: read seq: %w", marketID, err)
	}
	if uint64(current) != expectedSeq {
		return fmt.Errorf("sqlite: append events %s: at seq %d, expected %d: %w",
			marketID, current, expectedSeq, domain.ErrVersionConflict)
	}

	next := expectedSeq
	for _, ev := range events {
		next++
		if ev.Seq != next {
			return fmt.Errorf("sqlite: append events %s: event seq %d, want %d: %w",
				marketID, ev.Seq, next, domain.ErrVersionConflict)
		}
		payload, err := domain.EncodeEvent(ev)
		if err != nil {
			return fmt.Errorf("sqlite: append events %s: %w", marketID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO market_events (market_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			marketID, int64(ev.Seq), string(ev.Kind), string(payload), toMillis(ev.At),
		); err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("sqlite: append events %s: %w", marketID, domain.ErrVersionConflict)
			}
			return fmt.Errorf("sqlite: append events %s: insert seq %d: %w", marketID, ev.Seq, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE markets SET seq = ?, status = ?, updated_at = ? WHERE id = ?`,
		int64(next), status.String(), toMillis(events[len(events)-1].At), marketID,
	); err != nil {
		return fmt.Errorf("sqlite: append events %s: update market: %w", marketID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: append events %s: commit: %w", marketID, err)
	}
	return nil
}

// Load returns the market's events with seq greater than afterSeq.
func (s *Store) Load(ctx context.Context, marketID string, afterSeq uint64) ([]domain.Event, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT payload FROM market_events WHERE market_id = ? AND seq > ? ORDER BY seq`,
		marketID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("sqlite: load events %s: %w", marketID, err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: load events %s: scan: %w", marketID, err)
		}
		ev, err := domain.DecodeEvent([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("sqlite: load events %s: %w", marketID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load events %s rows: %w", marketID, err)
	}
	return events, nil
}

// Log appends an audit entry.
func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(detailJSON), toMillis(time.Now()),
	); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// ListAudit returns audit entries newest first.
func (s *Store) ListAudit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := withListOpts(`SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`,
		"created_at DESC, id DESC", opts)
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		e.CreatedAt = fromMillis(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries rows: %w", err)
	}
	return entries, nil
}

func withListOpts(query, orderBy string, opts domain.ListOpts) (string, []any) {
	var args []any
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, toMillis(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, toMillis(*opts.Until))
	}
	query += " ORDER BY " + orderBy
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}
	return query, args
}

var _ domain.Store = (*Store)(nil)
