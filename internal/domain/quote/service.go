package quote

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the request lifecycle settings.
type Config struct {
	RequestCooldown time.Duration
	RequestTTL      time.Duration
}

// Service contains the business logic for quote requests and quotes
type Service struct {
	repo     Repository
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewService creates a new quote service. notifier may be nil.
func NewService(repo Repository, notifier Notifier, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "quote"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// CreateRequest opens a quote request unless the user opened one within the
// cooldown window. The repository enforces the window atomically.
func (s *Service) CreateRequest(ctx context.Context, params CreateRequestParams) (*Request, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	productType := params.ProductType
	if productType == "" {
		productType = "phone"
	}

	r := &Request{
		ID:          s.newID(),
		UserID:      params.UserID,
		ProductType: productType,
		Details:     params.Details,
		Status:      RequestOpen,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.RequestTTL),
	}
	if err := s.repo.CreateRequest(ctx, r, s.cfg.RequestCooldown); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateStore onboards a retail partner. The caller becomes the owner.
func (s *Service) CreateStore(ctx context.Context, params CreateStoreParams) (*Store, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	store := &Store{
		ID:        s.newID(),
		OwnerID:   params.OwnerID,
		Name:      strings.TrimSpace(params.Name),
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreateStore(ctx, store); err != nil {
		return nil, err
	}
	s.logger.Info("store created", "store_id", store.ID, "owner_id", store.OwnerID)
	return store, nil
}

func (s *Service) ListStores(ctx context.Context, ownerID string) ([]*Store, error) {
	if ownerID == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.ListStoresByOwner(ctx, ownerID)
}

// ListOpenRequests is the partner feed: every open request that has not
// yet passed its expiry, optionally narrowed to one product type.
func (s *Service) ListOpenRequests(ctx context.Context, productType string) ([]*Request, error) {
	return s.repo.ListOpenRequests(ctx, strings.TrimSpace(productType), s.now().UTC())
}

// ListStoreQuotes returns every quote a store sent. Only the store owner
// may list them.
func (s *Service) ListStoreQuotes(ctx context.Context, storeID, callerID string) ([]*Quote, error) {
	if err := s.checkStoreOwner(ctx, storeID, callerID); err != nil {
		return nil, err
	}
	return s.repo.ListQuotesByStore(ctx, storeID)
}

// GetRequest returns a request visible to the caller. Open requests are
// visible to everyone; closed and expired ones only to the owner and to
// stores that quoted on them.
func (s *Service) GetRequest(ctx context.Context, id, callerID string) (*Request, error) {
	r, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID == callerID || r.Status == RequestOpen {
		return r, nil
	}
	if ok, err := s.quotedBy(ctx, id, callerID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrForbidden
	}
	return r, nil
}

func (s *Service) ListRequests(ctx context.Context, userID string) ([]*Request, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.ListRequestsByUser(ctx, userID)
}

// CloseRequest closes an open request owned by the caller.
func (s *Service) CloseRequest(ctx context.Context, id, callerID string) (*Request, error) {
	r, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != callerID {
		return nil, ErrForbidden
	}
	if r.Status != RequestOpen {
		return nil, ErrRequestNotOpen
	}
	return s.repo.CloseRequest(ctx, id)
}

// SendQuote persists a quote from the caller's store and notifies the
// request owner. Notification is best effort.
func (s *Service) SendQuote(ctx context.Context, params SendQuoteParams) (*Quote, error) {
	store, err := s.repo.GetStore(ctx, params.StoreID)
	if err != nil {
		return nil, err
	}
	if store.OwnerID != params.CallerID {
		return nil, ErrForbidden
	}

	req, err := s.repo.GetRequest(ctx, params.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status != RequestOpen {
		return nil, ErrRequestNotOpen
	}

	details := params.Details
	if err := details.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	q := &Quote{
		ID:        s.newID(),
		RequestID: req.ID,
		StoreID:   store.ID,
		Details:   details,
		Status:    StatusSent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateQuote(ctx, q); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		if err := s.notifier.QuoteSent(ctx, SentEvent{Quote: q, Request: req, Store: store}); err != nil {
			s.logger.Warn("quote notification failed", "quote_id", q.ID, "request_id", req.ID, "error", err)
		}
	}

	return q, nil
}

// UpdateQuote edits the details of a quote the caller's store sent.
func (s *Service) UpdateQuote(ctx context.Context, id, callerID string, d Details) (*Quote, error) {
	q, err := s.repo.GetQuote(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkStoreOwner(ctx, q.StoreID, callerID); err != nil {
		return nil, err
	}
	if !q.Status.Editable() {
		return nil, ErrQuoteLocked
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return s.repo.UpdateQuoteDetails(ctx, id, d)
}

// ListQuotesForRequest returns every quote on a request to its owner, and
// only the caller's own quotes to a store owner.
func (s *Service) ListQuotesForRequest(ctx context.Context, requestID, callerID string) ([]*Quote, error) {
	r, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	quotes, err := s.repo.ListQuotesByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.UserID == callerID {
		return quotes, nil
	}

	var own []*Quote
	for _, q := range quotes {
		store, err := s.repo.GetStore(ctx, q.StoreID)
		if err != nil {
			return nil, err
		}
		if store.OwnerID == callerID {
			own = append(own, q)
		}
	}
	if len(own) == 0 {
		return nil, ErrForbidden
	}
	return own, nil
}

func (s *Service) MarkViewed(ctx context.Context, id, callerID string) (*Quote, error) {
	return s.transition(ctx, id, callerID, StatusViewed)
}

// Accept accepts a quote and closes its request.
func (s *Service) Accept(ctx context.Context, id, callerID string) (*Quote, error) {
	return s.transition(ctx, id, callerID, StatusAccepted)
}

func (s *Service) Reject(ctx context.Context, id, callerID string) (*Quote, error) {
	return s.transition(ctx, id, callerID, StatusRejected)
}

// ExpireStale expires every open request past its expiry.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.repo.ExpireRequests(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired stale quote requests", "count", n)
	}
	return n, nil
}

func (s *Service) transition(ctx context.Context, id, callerID string, to Status) (*Quote, error) {
	q, err := s.repo.GetQuote(ctx, id)
	if err != nil {
		return nil, err
	}
	r, err := s.repo.GetRequest(ctx, q.RequestID)
	if err != nil {
		return nil, err
	}
	if r.UserID != callerID {
		return nil, ErrForbidden
	}
	if q.Status == to && to == StatusViewed {
		return q, nil
	}
	if !CanTransition(q.Status, to) {
		return nil, ErrInvalidTransition
	}

	from := sourcesFor(to)
	if to == StatusAccepted {
		if r.Status != RequestOpen {
			return nil, ErrRequestNotOpen
		}
		return s.repo.AcceptQuote(ctx, id, from)
	}
	return s.repo.UpdateQuoteStatus(ctx, id, from, to)
}

func (s *Service) checkStoreOwner(ctx context.Context, storeID, callerID string) error {
	store, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		return err
	}
	if store.OwnerID != callerID {
		return ErrForbidden
	}
	return nil
}

func (s *Service) quotedBy(ctx context.Context, requestID, callerID string) (bool, error) {
	quotes, err := s.repo.ListQuotesByRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	for _, q := range quotes {
		err := s.checkStoreOwner(ctx, q.StoreID, callerID)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrForbidden) {
			return false, err
		}
	}
	return false, nil
}
