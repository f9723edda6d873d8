package http

import (
	"errors"
	"log/slog"
	"net/http"

	"quotepush/internal/domain/quote"
)

type QuoteHandler struct {
	service *quote.Service
	logger  *slog.Logger
}

func NewQuoteHandler(service *quote.Service, logger *slog.Logger) *QuoteHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuoteHandler{service: service, logger: logger.With("component", "http.quote")}
}

type CreateRequestRequest struct {
	ProductType string               `json:"product_type"`
	Details     quote.RequestDetails `json:"details"`
}

type SendQuoteRequest struct {
	StoreID   string        `json:"store_id"`
	RequestID string        `json:"request_id"`
	Details   quote.Details `json:"details"`
}

type UpdateQuoteRequest struct {
	Details quote.Details `json:"details"`
}

// HandleRequests handles POST and GET /api/quote-requests.
func (h *QuoteHandler) HandleRequests(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req CreateRequestRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		created, err := h.service.CreateRequest(r.Context(), quote.CreateRequestParams{
			UserID:      userID,
			ProductType: req.ProductType,
			Details:     req.Details,
		})
		if err != nil {
			h.writeQuoteError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case http.MethodGet:
		requests, err := h.service.ListRequests(r.Context(), userID)
		if err != nil {
			h.writeQuoteError(w, err)
			return
		}
		if requests == nil {
			requests = []*quote.Request{}
		}
		writeJSON(w, http.StatusOK, requests)

	default:
		methodNotAllowed(w)
	}
}

// HandleOpenRequests handles GET /api/quote-requests/open, the partner feed.
// An optional product_type query parameter narrows the feed.
func (h *QuoteHandler) HandleOpenRequests(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	requests, err := h.service.ListOpenRequests(r.Context(), r.URL.Query().Get("product_type"))
	if err != nil {
		h.writeQuoteError(w, err)
		return
	}
	if requests == nil {
		requests = []*quote.Request{}
	}
	writeJSON(w, http.StatusOK, requests)
}

// HandleRequestByID handles GET /api/quote-requests/{id}.
func (h *QuoteHandler) HandleRequestByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	req, err := h.service.GetRequest(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeQuoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// HandleCloseRequest handles POST /api/quote-requests/{id}/close.
func (h *QuoteHandler) HandleCloseRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	closed, err := h.service.CloseRequest(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeQuoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

// HandleRequestQuotes handles GET /api/quote-requests/{id}/quotes.
func (h *QuoteHandler) HandleRequestQuotes(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	quotes, err := h.service.ListQuotesForRequest(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeQuoteError(w, err)
		return
	}
	if quotes == nil {
		quotes = []*quote.Quote{}
	}
	writeJSON(w, http.StatusOK, quotes)
}

// HandleStores handles GET /api/stores, listing the caller's storefronts.
// Stores are onboarded with the admin CLI.
func (h *QuoteHandler) HandleStores(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	stores, err := h.service.ListStores(r.Context(), userID)
	if err != nil {
		h.writeQuoteError(w, err)
		return
	}
	if stores == nil {
		stores = []*quote.Store{}
	}
	writeJSON(w, http.StatusOK, stores)
}

// HandleStoreQuotes handles GET /api/stores/{id}/quotes for the store owner.
func (h *QuoteHandler) HandleStoreQuotes(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	quotes, err := h.service.ListStoreQuotes(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeQuoteError(w, err)
		return
	}
	if quotes == nil {
		quotes = []*quote.Quote{}
	}
	writeJSON(w, http.StatusOK, quotes)
}

// HandleSendQuote handles POST /api/quotes from the business app.
func (h *QuoteHandler) HandleSendQuote(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req SendQuoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.StoreID == "" || req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "store_id and request_id are required")
		return
	}

	q, err := h.service.SendQuote(r.Context(), quote.SendQuoteParams{
		CallerID:  userID,
		StoreID:   req.StoreID,
		RequestID: req.RequestID,
		Details:   req.Details,
	})
	if err != nil {
		h.writeQuoteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

// HandleQuoteByID handles PATCH /api/quotes/{id}.
func (h *QuoteHandler) HandleQuoteByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}

	var req UpdateQuoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := h.service.UpdateQuote(r.Context(), r.PathValue("id"), userID, req.Details)
	if err != nil {
		h.writeQuoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// HandleQuoteAction handles POST /api/quotes/{id}/{action} where action is
// view, accept or reject.
func (h *QuoteHandler) HandleQuoteAction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	id := r.PathValue("id")
	var (
		q   *quote.Quote
		err error
	)
	switch r.PathValue("action") {
	case "view":
		q, err = h.service.MarkViewed(r.Context(), id, userID)
	case "accept":
		q, err = h.service.Accept(r.Context(), id, userID)
	case "reject":
		q, err = h.service.Reject(r.Context(), id, userID)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		h.writeQuoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *QuoteHandler) writeQuoteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quote.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, quote.ErrRequestNotFound),
		errors.Is(err, quote.ErrQuoteNotFound),
		errors.Is(err, quote.ErrStoreNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, quote.ErrDuplicateQuote),
		errors.Is(err, quote.ErrInvalidTransition),
		errors.Is(err, quote.ErrQuoteLocked),
		errors.Is(err, quote.ErrRequestNotOpen):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, quote.ErrRequestCooldown):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, quote.ErrInvalidDetails), errors.Is(err, quote.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("quote operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
