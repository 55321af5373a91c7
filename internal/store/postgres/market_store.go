package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// Create inserts a new market. It fails with domain.ErrAlreadyExists if the
// id is taken.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	outcomes, err := json.Marshal(m.Outcomes.Labels)
	if err != nil {
		return fmt.Errorf("postgres: marshal outcomes: %w", err)
	}

	const query = `
		INSERT INTO markets (
			id, deadline, oracle_address, oracle_endpoint,
			identifier, ancillary, asset_address, asset_symbol, asset_decimals,
			outcomes, remainder_sink, status, seq, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, 0, $13, $13
		)`

	_, err = s.pool.Exec(ctx, query,
		m.ID, m.Deadline, m.Oracle.Address.Hex(), m.Oracle.Endpoint,
		m.Identifier.Hex(), m.Ancillary, m.Asset.Address.Hex(), m.Asset.Symbol, int16(m.Asset.Decimals),
		outcomes, sinkHex(m.RemainderSink), domain.StatusOpen.String(), m.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

func sinkHex(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

const marketCols = `id, deadline, oracle_address, oracle_endpoint,
	identifier, ancillary, asset_address, asset_symbol, asset_decimals,
	outcomes, remainder_sink, status, seq, created_at, updated_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                             domain.Market
		oracleAddr, identifier, asset string
		sink, status                  string
		decimals                      int16
		outcomes                      []byte
		seq                           int64
	)
	err := row.Scan(
		&m.ID, &m.Deadline, &oracleAddr, &m.Oracle.Endpoint,
		&identifier, &m.Ancillary, &asset, &m.Asset.Symbol, &decimals,
		&outcomes, &sink, &status, &seq, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}

	m.Oracle.Address = common.HexToAddress(oracleAddr)
	m.Asset.Address = common.HexToAddress(asset)
	m.Asset.Decimals = uint8(decimals)
	if sink != "" {
		m.RemainderSink = common.HexToAddress(sink)
	}
	if m.Identifier, err = domain.IdentifierFromString(identifier); err != nil {
		return domain.Market{}, err
	}
	if err := json.Unmarshal(outcomes, &m.Outcomes.Labels); err != nil {
		return domain.Market{}, fmt.Errorf("decode outcomes: %w", err)
	}
	if m.Status, err = domain.ParseStatus(status); err != nil {
		return domain.Market{}, err
	}
	m.Seq = uint64(seq)
	m.Deadline = m.Deadline.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

// Get retrieves a market by its primary key.
func (s *MarketStore) Get(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// List returns markets newest first with pagination and optional creation
// time filtering.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := withListOpts(`SELECT `+marketCols+` FROM markets WHERE 1=1`, "created_at DESC, id", opts)
	return s.query(ctx, "list markets", query, args...)
}

// ListByStatus returns markets in any of the given statuses ordered by
// deadline.
func (s *MarketStore) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Market, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = st.String()
	}
	return s.query(ctx, "list markets by status",
		`SELECT `+marketCols+` FROM markets WHERE status = ANY($1) ORDER BY deadline, id`, names)
}

func (s *MarketStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return markets, nil
}
