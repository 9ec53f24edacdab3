package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

const uniqueViolation = "23505"

const tradeColumns = `id, request_id, strategy, market_id, outcome, token_id, side,
	amount, max_price, expected_edge, fee_rate, status, shares, filled_usd, avg_price,
	fees, venue_order_id, reason, paper, created_at, updated_at`

// TradeStore implements domain.TradeStore using PostgreSQL. The unique
// constraint on request_id is the write-ahead claim.
type TradeStore struct {
	db DB
}

// NewTradeStore creates a TradeStore over db.
func NewTradeStore(db DB) *TradeStore {
	return &TradeStore{db: db}
}

// Insert writes rec and returns its id. A second insert for the same
// request id fails with domain.ErrAlreadyExists.
func (s *TradeStore) Insert(ctx context.Context, rec domain.TradeRecord) (string, error) {
	const query = `INSERT INTO trade_records (` + tradeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.RequestID, rec.Strategy, rec.MarketID, rec.Outcome, rec.TokenID, string(rec.Side),
		rec.Amount, rec.MaxPrice, rec.ExpectedEdge, rec.FeeRate, string(rec.Status), rec.Shares, rec.FilledUSD, rec.AvgPrice,
		rec.Fees, rec.VenueOrderID, rec.Reason, rec.Paper, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", domain.ErrAlreadyExists
		}
		return "", fmt.Errorf("postgres: insert trade %s: %w", rec.RequestID, err)
	}
	return rec.ID, nil
}

// Finalize writes the fill fields and terminal status of rec. The update
// only matches rows whose current status may legally move to rec.Status,
// so terminal rows are never rewritten.
func (s *TradeStore) Finalize(ctx context.Context, rec domain.TradeRecord) error {
	from := sourceStatuses(rec.Status)
	if len(from) == 0 {
		return domain.ErrInvalidTransition
	}

	const query = `UPDATE trade_records
		SET status = $2, shares = $3, filled_usd = $4, avg_price = $5, fees = $6,
			venue_order_id = $7, reason = $8, updated_at = $9
		WHERE request_id = $1 AND status = ANY($10)`

	tag, err := s.db.Exec(ctx, query,
		rec.RequestID, string(rec.Status), rec.Shares, rec.FilledUSD, rec.AvgPrice, rec.Fees,
		rec.VenueOrderID, rec.Reason, rec.UpdatedAt, from,
	)
	if err != nil {
		return fmt.Errorf("postgres: finalize trade %s: %w", rec.RequestID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM trade_records WHERE request_id = $1)`, rec.RequestID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: finalize trade %s: %w", rec.RequestID, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrInvalidTransition
}

// Query returns matching records, newest first.
func (s *TradeStore) Query(ctx context.Context, f domain.TradeFilter) ([]domain.TradeRecord, error) {
	query, args := buildTradeQuery(f)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query trades: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanTrade)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return recs, nil
}

// DeleteBefore removes records created before the cutoff. An empty status
// list matches every status.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time, statuses []domain.TradeStatus) (int64, error) {
	query := `DELETE FROM trade_records WHERE created_at < $1`
	args := []any{before}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statusStrings(statuses))
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

func buildTradeQuery(f domain.TradeFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusStrings(f.Statuses))
	}
	if f.Strategy != "" {
		add("strategy = $%d", f.Strategy)
	}
	if f.MarketID != "" {
		add("market_id = $%d", f.MarketID)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at < $%d", *f.Until)
	}

	var b strings.Builder
	b.WriteString("SELECT " + tradeColumns + " FROM trade_records")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func scanTrade(row pgx.CollectableRow) (domain.TradeRecord, error) {
	var (
		r      domain.TradeRecord
		side   string
		status string
	)
	err := row.Scan(
		&r.ID, &r.RequestID, &r.Strategy, &r.MarketID, &r.Outcome, &r.TokenID, &side,
		&r.Amount, &r.MaxPrice, &r.ExpectedEdge, &r.FeeRate, &status, &r.Shares, &r.FilledUSD, &r.AvgPrice,
		&r.Fees, &r.VenueOrderID, &r.Reason, &r.Paper, &r.CreatedAt, &r.UpdatedAt,
	)
	r.Side = domain.OrderSide(side)
	r.Status = domain.TradeStatus(status)
	return r, err
}

// sourceStatuses lists every status that may transition to target.
func sourceStatuses(target domain.TradeStatus) []string {
	var out []string
	for _, from := range []domain.TradeStatus{domain.TradeStatusPending, domain.TradeStatusSubmitted} {
		if domain.CanTransition(from, target) {
			out = append(out, string(from))
		}
	}
	return out
}

func statusStrings(statuses []domain.TradeStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var _ domain.TradeStore = (*TradeStore)(nil)
