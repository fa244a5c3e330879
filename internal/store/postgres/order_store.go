package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// OrderStore implements domain.OrderStore using PostgreSQL. Amounts and the
// salt are stored as NUMERIC and moved across the wire as text so no
// precision is lost.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a signed order. It returns domain.ErrAlreadyExists if the
// hash is already stored.
func (s *OrderStore) Create(ctx context.Context, rec domain.OrderRecord) error {
	const query = `
		INSERT INTO orders (
			hash, order_id, token_id, side, order_type, maker, signer,
			maker_amount, taker_amount, salt, signature, status, reason,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::numeric, $9::numeric, $10::numeric, $11, $12, $13,
			$14, $15
		)`

	_, err := s.pool.Exec(ctx, query,
		rec.Hash, nullable(rec.OrderID), rec.TokenID,
		rec.Side.String(), string(rec.OrderType), rec.Maker, rec.Signer,
		intText(rec.MakerAmount), intText(rec.TakerAmount), strconv.FormatUint(rec.Salt, 10),
		rec.Signature, string(rec.Status), rec.Reason,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: create order %s: %w", rec.Hash, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create order %s: %w", rec.Hash, err)
	}
	return nil
}

// UpdateStatus records the exchange's verdict on an order. An empty
// orderID keeps the stored one.
func (s *OrderStore) UpdateStatus(ctx context.Context, hash string, status domain.OrderStatus, orderID, reason string) error {
	const query = `
		UPDATE orders
		   SET status = $1,
		       order_id = COALESCE($2, order_id),
		       reason = $3,
		       updated_at = NOW()
		 WHERE hash = $4`

	tag, err := s.pool.Exec(ctx, query, string(status), nullable(orderID), reason, hash)
	if err != nil {
		return fmt.Errorf("postgres: update order status %s: %w", hash, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const orderSelectCols = `hash, COALESCE(order_id, ''), token_id, side, order_type, maker, signer,
	maker_amount::text, taker_amount::text, salt::text, signature, status, reason,
	created_at, updated_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.OrderRecord, error) {
	var (
		rec                      domain.OrderRecord
		side, orderType, status  string
		makerAmt, takerAmt, salt string
	)
	err := scanner.Scan(
		&rec.Hash, &rec.OrderID, &rec.TokenID, &side, &orderType, &rec.Maker, &rec.Signer,
		&makerAmt, &takerAmt, &salt, &rec.Signature, &status, &rec.Reason,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.OrderRecord{}, err
	}

	if rec.Side, err = domain.ParseSide(side); err != nil {
		return domain.OrderRecord{}, err
	}
	rec.OrderType = domain.OrderType(orderType)
	rec.Status = domain.OrderStatus(status)

	var ok bool
	if rec.MakerAmount, ok = new(big.Int).SetString(makerAmt, 10); !ok {
		return domain.OrderRecord{}, fmt.Errorf("maker_amount %q", makerAmt)
	}
	if rec.TakerAmount, ok = new(big.Int).SetString(takerAmt, 10); !ok {
		return domain.OrderRecord{}, fmt.Errorf("taker_amount %q", takerAmt)
	}
	if rec.Salt, err = strconv.ParseUint(salt, 10, 64); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("salt %q: %w", salt, err)
	}
	return rec, nil
}

// GetByHash retrieves a single order by its EIP-712 hash.
func (s *OrderStore) GetByHash(ctx context.Context, hash string) (domain.OrderRecord, error) {
	return s.getOne(ctx, "hash", hash)
}

// GetByOrderID retrieves a single order by the exchange-assigned ID.
func (s *OrderStore) GetByOrderID(ctx context.Context, orderID string) (domain.OrderRecord, error) {
	return s.getOne(ctx, "order_id", orderID)
}

func (s *OrderStore) getOne(ctx context.Context, col, val string) (domain.OrderRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE `+col+` = $1`, val)
	rec, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderRecord{}, domain.ErrNotFound
		}
		return domain.OrderRecord{}, fmt.Errorf("postgres: get order by %s %s: %w", col, val, err)
	}
	return rec, nil
}

// List returns orders newest first with pagination and optional time
// filtering.
func (s *OrderStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.OrderRecord, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders rows: %w", err)
	}
	return out, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
