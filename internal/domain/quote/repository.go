package quote

import (
	"context"
	"time"
)

// Repository defines data access for stores, requests and quotes.
type Repository interface {
	GetStore(ctx context.Context, id string) (*Store, error)
	CreateStore(ctx context.Context, s *Store) error
	ListStoresByOwner(ctx context.Context, ownerID string) ([]*Store, error)

	// CreateRequest inserts r unless the same user opened a request after
	// r.CreatedAt minus cooldown, in which case it returns ErrRequestCooldown.
	// The check and the insert are atomic per user.
	CreateRequest(ctx context.Context, r *Request, cooldown time.Duration) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	ListRequestsByUser(ctx context.Context, userID string) ([]*Request, error)
	// ListOpenRequests returns open, unexpired requests, newest first. An
	// empty productType matches every type.
	ListOpenRequests(ctx context.Context, productType string, now time.Time) ([]*Request, error)
	// CloseRequest moves an open request to closed. Returns ErrRequestNotOpen
	// when the request is not open.
	CloseRequest(ctx context.Context, id string) (*Request, error)
	// ExpireRequests moves every open request past its expiry to expired.
	ExpireRequests(ctx context.Context, now time.Time) (int64, error)

	// CreateQuote returns ErrDuplicateQuote when the store already answered.
	CreateQuote(ctx context.Context, q *Quote) error
	GetQuote(ctx context.Context, id string) (*Quote, error)
	ListQuotesByRequest(ctx context.Context, requestID string) ([]*Quote, error)
	ListQuotesByStore(ctx context.Context, storeID string) ([]*Quote, error)
	// UpdateQuoteDetails returns ErrQuoteLocked unless the quote is editable.
	UpdateQuoteDetails(ctx context.Context, id string, d Details) (*Quote, error)
	// UpdateQuoteStatus applies to only when the current status is one of from.
	// Returns ErrInvalidTransition otherwise.
	UpdateQuoteStatus(ctx context.Context, id string, from []Status, to Status) (*Quote, error)
	// AcceptQuote accepts the quote and closes its request in one transaction.
	AcceptQuote(ctx context.Context, id string, from []Status) (*Quote, error)
}

// Notifier tells the request owner a quote arrived. Implementations may
// deliver asynchronously.
type Notifier interface {
	QuoteSent(ctx context.Context, ev SentEvent) error
}
