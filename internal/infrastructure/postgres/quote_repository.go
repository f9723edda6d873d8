package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"quotepush/internal/domain/quote"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

type QuoteRepository struct {
	db *DB
}

func NewQuoteRepository(db *DB) *QuoteRepository {
	return &QuoteRepository{db: db}
}

const (
	requestColumns = `id, user_id, product_type, details, status, created_at, expires_at`
	quoteColumns   = `id, request_id, store_id, device_price, monthly_fee, tco_24_months,
		plan_name, special_benefits, notes, status, created_at, updated_at`
)

func scanRequest(row rowScanner) (*quote.Request, error) {
	var r quote.Request
	var status string
	var details []byte
	if err := row.Scan(&r.ID, &r.UserID, &r.ProductType, &details, &status, &r.CreatedAt, &r.ExpiresAt); err != nil {
		return nil, err
	}
	r.Status = quote.RequestStatus(status)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &r.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request details: %w", err)
		}
	}
	return &r, nil
}

func scanQuote(row rowScanner) (*quote.Quote, error) {
	var q quote.Quote
	var status string
	if err := row.Scan(&q.ID, &q.RequestID, &q.StoreID,
		&q.Details.DevicePrice, &q.Details.MonthlyFee, &q.Details.TCO24Months,
		&q.Details.PlanName, &q.Details.SpecialBenefits, &q.Details.Notes,
		&status, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	q.Status = quote.Status(status)
	return &q, nil
}

const storeColumns = `id, owner_id, name, created_at`

func scanStore(row rowScanner) (*quote.Store, error) {
	var s quote.Store
	if err := row.Scan(&s.ID, &s.OwnerID, &s.Name, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *QuoteRepository) GetStore(ctx context.Context, id string) (*quote.Store, error) {
	s, err := scanStore(r.db.QueryRowContext(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, quote.ErrStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}
	return s, nil
}

func (r *QuoteRepository) CreateStore(ctx context.Context, s *quote.Store) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stores (id, owner_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		s.ID, s.OwnerID, s.Name, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	return nil
}

func (r *QuoteRepository) ListStoresByOwner(ctx context.Context, ownerID string) ([]*quote.Store, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE owner_id = $1 ORDER BY created_at`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	defer rows.Close()

	stores := []*quote.Store{}
	for rows.Next() {
		s, err := scanStore(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan store: %w", err)
		}
		stores = append(stores, s)
	}
	return stores, rows.Err()
}

// CreateRequest serializes per user on a transaction-scoped advisory lock,
// so concurrent calls observe each other's inserts in the cooldown check.
func (r *QuoteRepository) CreateRequest(ctx context.Context, req *quote.Request, cooldown time.Duration) error {
	details, err := json.Marshal(req.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal request details: %w", err)
	}

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, req.UserID); err != nil {
			return fmt.Errorf("failed to lock user requests: %w", err)
		}

		if cooldown > 0 {
			var recent bool
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM quote_requests WHERE user_id = $1 AND created_at > $2)`,
				req.UserID, req.CreatedAt.Add(-cooldown),
			).Scan(&recent)
			if err != nil {
				return fmt.Errorf("failed to check request cooldown: %w", err)
			}
			if recent {
				return quote.ErrRequestCooldown
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO quote_requests (id, user_id, product_type, details, status, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, req.ID, req.UserID, req.ProductType, details, string(req.Status), req.CreatedAt, req.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to create quote request: %w", err)
		}
		return nil
	})
}

func (r *QuoteRepository) GetRequest(ctx context.Context, id string) (*quote.Request, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM quote_requests WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, quote.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quote request: %w", err)
	}
	return req, nil
}

func (r *QuoteRepository) ListRequestsByUser(ctx context.Context, userID string) ([]*quote.Request, error) {
	return r.listRequests(ctx,
		`SELECT `+requestColumns+` FROM quote_requests WHERE user_id = $1 ORDER BY created_at DESC`, userID,
	)
}

func (r *QuoteRepository) ListOpenRequests(ctx context.Context, productType string, now time.Time) ([]*quote.Request, error) {
	return r.listRequests(ctx, `
		SELECT `+requestColumns+` FROM quote_requests
		WHERE status = 'open' AND expires_at > $1 AND ($2::text = '' OR product_type = $2)
		ORDER BY created_at DESC
	`, now, productType)
}

func (r *QuoteRepository) listRequests(ctx context.Context, query string, args ...any) ([]*quote.Request, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list quote requests: %w", err)
	}
	defer rows.Close()

	requests := []*quote.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quote request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func (r *QuoteRepository) CloseRequest(ctx context.Context, id string) (*quote.Request, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx, `
		UPDATE quote_requests SET status = 'closed'
		WHERE id = $1 AND status = 'open'
		RETURNING `+requestColumns, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, quote.ErrRequestNotOpen
	}
	if err != nil {
		return nil, fmt.Errorf("failed to close quote request: %w", err)
	}
	return req, nil
}

func (r *QuoteRepository) ExpireRequests(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE quote_requests SET status = 'expired' WHERE status = 'open' AND expires_at < $1`, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire quote requests: %w", err)
	}
	return result.RowsAffected()
}

func (r *QuoteRepository) CreateQuote(ctx context.Context, q *quote.Quote) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO quotes (id, request_id, store_id, device_price, monthly_fee, tco_24_months,
			plan_name, special_benefits, notes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, q.ID, q.RequestID, q.StoreID, q.Details.DevicePrice, q.Details.MonthlyFee, q.Details.TCO24Months,
		q.Details.PlanName, q.Details.SpecialBenefits, q.Details.Notes, string(q.Status), q.CreatedAt, q.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return quote.ErrDuplicateQuote
		}
		return fmt.Errorf("failed to create quote: %w", err)
	}
	return nil
}

func (r *QuoteRepository) GetQuote(ctx context.Context, id string) (*quote.Quote, error) {
	q, err := scanQuote(r.db.QueryRowContext(ctx,
		`SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, quote.ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	return q, nil
}

func (r *QuoteRepository) ListQuotesByRequest(ctx context.Context, requestID string) ([]*quote.Quote, error) {
	return r.listQuotes(ctx,
		`SELECT `+quoteColumns+` FROM quotes WHERE request_id = $1 ORDER BY created_at`, requestID,
	)
}

func (r *QuoteRepository) ListQuotesByStore(ctx context.Context, storeID string) ([]*quote.Quote, error) {
	return r.listQuotes(ctx,
		`SELECT `+quoteColumns+` FROM quotes WHERE store_id = $1 ORDER BY created_at DESC`, storeID,
	)
}

func (r *QuoteRepository) listQuotes(ctx context.Context, query string, args ...any) ([]*quote.Quote, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list quotes: %w", err)
	}
	defer rows.Close()

	quotes := []*quote.Quote{}
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}

func (r *QuoteRepository) UpdateQuoteDetails(ctx context.Context, id string, d quote.Details) (*quote.Quote, error) {
	q, err := scanQuote(r.db.QueryRowContext(ctx, `
		UPDATE quotes
		SET device_price = $2, monthly_fee = $3, tco_24_months = $4,
		    plan_name = $5, special_benefits = $6, notes = $7, updated_at = NOW()
		WHERE id = $1 AND status IN ('sent', 'viewed')
		RETURNING `+quoteColumns,
		id, d.DevicePrice, d.MonthlyFee, d.TCO24Months, d.PlanName, d.SpecialBenefits, d.Notes,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, quote.ErrQuoteLocked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update quote: %w", err)
	}
	return q, nil
}

func statusStrings(statuses []quote.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (r *QuoteRepository) UpdateQuoteStatus(ctx context.Context, id string, from []quote.Status, to quote.Status) (*quote.Quote, error) {
	q, err := scanQuote(r.db.QueryRowContext(ctx, `
		UPDATE quotes SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+quoteColumns,
		id, string(to), pq.Array(statusStrings(from)),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, quote.ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update quote status: %w", err)
	}
	return q, nil
}

func (r *QuoteRepository) AcceptQuote(ctx context.Context, id string, from []quote.Status) (*quote.Quote, error) {
	var q *quote.Quote
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		q, err = scanQuote(tx.QueryRowContext(ctx, `
			UPDATE quotes SET status = 'accepted', updated_at = NOW()
			WHERE id = $1 AND status = ANY($2)
			RETURNING `+quoteColumns,
			id, pq.Array(statusStrings(from)),
		))
		if errors.Is(err, sql.ErrNoRows) {
			return quote.ErrInvalidTransition
		}
		if err != nil {
			return fmt.Errorf("failed to accept quote: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE quote_requests SET status = 'closed' WHERE id = $1 AND status = 'open'`, q.RequestID,
		)
		if err != nil {
			return fmt.Errorf("failed to close quote request: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return quote.ErrRequestNotOpen
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}
