package quote

import (
	"errors"
	"strings"
	"time"
)

// RequestStatus is the lifecycle state of a quote request.
type RequestStatus string

const (
	RequestOpen    RequestStatus = "open"
	RequestClosed  RequestStatus = "closed"
	RequestExpired RequestStatus = "expired"
)

// Status is the lifecycle state of a quote.
type Status string

const (
	StatusSent     Status = "sent"
	StatusViewed   Status = "viewed"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// transitions lists the forward moves allowed from each status.
var transitions = map[Status][]Status{
	StatusSent:   {StatusViewed, StatusAccepted, StatusRejected},
	StatusViewed: {StatusAccepted, StatusRejected},
}

// Domain errors
var (
	ErrRequestNotFound   = errors.New("quote request not found")
	ErrQuoteNotFound     = errors.New("quote not found")
	ErrStoreNotFound     = errors.New("store not found")
	ErrForbidden         = errors.New("access forbidden")
	ErrRequestNotOpen    = errors.New("quote request is not open")
	ErrDuplicateQuote    = errors.New("store already sent a quote for this request")
	ErrQuoteLocked       = errors.New("quote can no longer be edited")
	ErrInvalidTransition = errors.New("invalid quote status transition")
	ErrRequestCooldown   = errors.New("a new quote request cannot be opened yet")
	ErrInvalidDetails    = errors.New("device_price and monthly_fee must be positive")
	ErrInvalidInput      = errors.New("invalid input")
)

// CanTransition reports whether a quote may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Editable reports whether quote details may still change.
func (s Status) Editable() bool {
	return s == StatusSent || s == StatusViewed
}

// sourcesFor returns every status that may move to target.
func sourcesFor(target Status) []Status {
	var out []Status
	for from, tos := range transitions {
		for _, to := range tos {
			if to == target {
				out = append(out, from)
			}
		}
	}
	return out
}

// Store is a retail partner's storefront.
type Store struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RequestDetails describes what the consumer is shopping for.
type RequestDetails struct {
	DeviceName string `json:"device_name"`
	Carrier    string `json:"carrier,omitempty"`
	Region     string `json:"region,omitempty"`
	DataUsage  string `json:"data_usage,omitempty"`
	Budget     int64  `json:"budget,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Request is a consumer's call for quotes.
type Request struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	ProductType string         `json:"product_type"`
	Details     RequestDetails `json:"details"`
	Status      RequestStatus  `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Details are the commercial terms of a quote. Amounts are in the smallest
// currency unit.
type Details struct {
	DevicePrice     int64  `json:"device_price"`
	MonthlyFee      int64  `json:"monthly_fee"`
	TCO24Months     int64  `json:"tco_24_months"`
	PlanName        string `json:"plan_name,omitempty"`
	SpecialBenefits string `json:"special_benefits,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// Validate checks the amounts and fills in the 24 month total when absent.
func (d *Details) Validate() error {
	if d.DevicePrice <= 0 || d.MonthlyFee <= 0 {
		return ErrInvalidDetails
	}
	if d.TCO24Months <= 0 {
		d.TCO24Months = d.DevicePrice + 24*d.MonthlyFee
	}
	return nil
}

// Quote is a store's answer to a request.
type Quote struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	StoreID   string    `json:"store_id"`
	Details   Details   `json:"details"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateStoreParams contains parameters for onboarding a retail partner
type CreateStoreParams struct {
	OwnerID string
	Name    string
}

func (p CreateStoreParams) Validate() error {
	if strings.TrimSpace(p.OwnerID) == "" || strings.TrimSpace(p.Name) == "" {
		return ErrInvalidInput
	}
	return nil
}

// CreateRequestParams contains parameters for opening a quote request
type CreateRequestParams struct {
	UserID      string
	ProductType string
	Details     RequestDetails
}

func (p CreateRequestParams) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return ErrInvalidInput
	}
	if strings.TrimSpace(p.Details.DeviceName) == "" {
		return ErrInvalidInput
	}
	return nil
}

// SendQuoteParams contains parameters for sending a quote
type SendQuoteParams struct {
	CallerID  string
	StoreID   string
	RequestID string
	Details   Details
}

// SentEvent carries what a notifier needs after a quote is persisted.
type SentEvent struct {
	Quote   *Quote
	Request *Request
	Store   *Store
}

// Toast types pushed to connected browsers.
const (
	ToastQuoteReceived = "quote_received"
	ToastQuoteUpdated  = "quote_updated"
)

// Toast is an in-app notice about a quote on one of the user's requests.
type Toast struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	QuoteID   string `json:"quote_id"`
	RequestID string `json:"request_id"`
	Status    Status `json:"status"`
}
