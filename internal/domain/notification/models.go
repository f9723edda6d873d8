package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the delivery channel a token belongs to.
type Kind string

const (
	KindWebPush Kind = "web-push"
	KindFCM     Kind = "fcm"
	KindExpo    Kind = "expo"
)

// AllKinds lists every supported channel kind in dispatch order.
var AllKinds = []Kind{KindWebPush, KindFCM, KindExpo}

var validKinds = map[Kind]struct{}{
	KindWebPush: {},
	KindFCM:     {},
	KindExpo:    {},
}

// DirectRecipient is the owner recorded for tokens supplied directly in a
// dispatch request instead of being resolved from the store.
const DirectRecipient = "direct"

// Data keys merged into the payload when a dispatch carries quote data.
const (
	DataType         = "type"
	DataQuoteID      = "quote_id"
	DataBusinessName = "business_name"
	DataAmount       = "amount"
	DataTimestamp    = "timestamp"

	TypeQuoteReceived = "quote_received"
)

// Domain errors
var (
	ErrDeviceTokenNotFound     = errors.New("device token not found")
	ErrInvalidKind             = errors.New("kind must be 'web-push', 'fcm' or 'expo'")
	ErrInvalidToken            = errors.New("device token is required")
	ErrInvalidUserID           = errors.New("user ID is required")
	ErrMissingSubscriptionKeys = errors.New("web push subscriptions require p256dh and auth keys")
	ErrInvalidPayload          = errors.New("notification title and body are required")
	ErrNoRecipients            = errors.New("no active tokens found")
	ErrChannelNotConfigured    = errors.New("channel not configured")
)

// DeviceToken is one registered push address of a user.
// For web push, Token holds the subscription endpoint.
type DeviceToken struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	Kind       Kind              `json:"kind"`
	Token      string            `json:"token"`
	P256dh     string            `json:"p256dh,omitempty"`
	Auth       string            `json:"auth,omitempty"`
	APNSToken  string            `json:"apns_token,omitempty"`
	DeviceInfo map[string]string `json:"device_info,omitempty"`
	IsActive   bool              `json:"is_active"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Ref returns the (kind, token) pair that identifies the physical address.
func (t *DeviceToken) Ref() TokenRef {
	return TokenRef{Kind: t.Kind, Token: t.Token}
}

// TokenRef addresses every stored row sharing a kind and token.
type TokenRef struct {
	Kind  Kind
	Token string
}

// RegisterParams contains parameters for registering a device token
type RegisterParams struct {
	UserID     string
	Kind       Kind
	Token      string
	P256dh     string
	Auth       string
	APNSToken  string
	DeviceInfo map[string]string
}

func (p RegisterParams) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return ErrInvalidUserID
	}
	if !p.Kind.Valid() {
		return ErrInvalidKind
	}
	if strings.TrimSpace(p.Token) == "" {
		return ErrInvalidToken
	}
	if p.Kind == KindWebPush && (p.P256dh == "" || p.Auth == "") {
		return ErrMissingSubscriptionKeys
	}
	return nil
}

func (k Kind) Valid() bool {
	_, ok := validKinds[k]
	return ok
}

// ParseKind accepts the canonical kind names plus "webpush" and "web".
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "webpush", "web":
		return KindWebPush, nil
	default:
		if !k.Valid() {
			return "", ErrInvalidKind
		}
		return k, nil
	}
}

// InferKind guesses the channel of a bare token supplied without a kind.
// Expo tokens are self-describing; everything else is treated as FCM.
func InferKind(token string) Kind {
	if strings.HasPrefix(token, "ExponentPushToken[") || strings.HasPrefix(token, "ExpoPushToken[") {
		return KindExpo
	}
	return KindFCM
}

// Payload is the user-visible part of a push notification. Channels ignore
// fields they do not support.
type Payload struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Icon        string `json:"icon,omitempty"`
	Image       string `json:"image,omitempty"`
	Badge       *int   `json:"badge,omitempty"`
	Sound       string `json:"sound,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	Tag         string `json:"tag,omitempty"`
	URL         string `json:"url,omitempty"`
	ClickAction string `json:"click_action,omitempty"`
	Color       string `json:"color,omitempty"`
}

// QuoteData is merged into the data map of quote-related notifications.
type QuoteData struct {
	QuoteID      string  `json:"quote_id"`
	BusinessName string  `json:"business_name"`
	Amount       float64 `json:"amount"`
}

// WebSubscription is a browser push subscription supplied directly by a caller.
type WebSubscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// DispatchRequest describes one fan-out. Recipients come from UserIDs
// (resolved through the token store), Tokens and Subscriptions (used as-is).
// A non-empty Kinds restricts delivery to those channels.
type DispatchRequest struct {
	UserIDs       []string
	Tokens        []string
	Subscriptions []WebSubscription
	Kinds         []Kind
	Notification  Payload
	Data          map[string]string
	QuoteData     *QuoteData
}

func (r DispatchRequest) Validate() error {
	if strings.TrimSpace(r.Notification.Title) == "" || strings.TrimSpace(r.Notification.Body) == "" {
		return ErrInvalidPayload
	}
	for _, k := range r.Kinds {
		if !k.Valid() {
			return ErrInvalidKind
		}
	}
	return nil
}

func (r DispatchRequest) allows(k Kind) bool {
	if len(r.Kinds) == 0 {
		return true
	}
	for _, allowed := range r.Kinds {
		if allowed == k {
			return true
		}
	}
	return false
}

// Message is one outbound notification addressed to one token. ID correlates
// the message with the Outcome the channel reports for it.
type Message struct {
	ID           string
	Kind         Kind
	Token        string
	P256dh       string
	Auth         string
	APNSToken    string
	Notification Payload
	Data         map[string]string
}

// Outcome is a channel's verdict for one Message.
type Outcome struct {
	MessageID  string
	Success    bool
	ProviderID string
	Error      string
	ErrorCode  string
	// Permanent marks a token the provider will never accept again.
	Permanent bool
}

// RecipientResult is the per-token entry of a DispatchResult.
type RecipientResult struct {
	UserID      string `json:"user_id"`
	Kind        Kind   `json:"kind"`
	Token       string `json:"token"`
	Success     bool   `json:"success"`
	MessageID   string `json:"message_id,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Deactivated bool   `json:"deactivated,omitempty"`
}

// DispatchResult aggregates one dispatch. It is never persisted.
type DispatchResult struct {
	Success     bool              `json:"success"`
	Sent        int               `json:"sent"`
	Failed      int               `json:"failed"`
	Deactivated int               `json:"deactivated"`
	Error       string            `json:"error,omitempty"`
	Results     []RecipientResult `json:"results"`
}

// StringifyData flattens arbitrary JSON values into the string map that
// every provider accepts. Strings are kept verbatim, other values are
// JSON encoded.
func StringifyData(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

// mergeData copies base and overlays quote fields. The input map is not modified.
func mergeData(base map[string]string, quote *QuoteData, now time.Time) map[string]string {
	out := make(map[string]string, len(base)+5)
	for k, v := range base {
		out[k] = v
	}
	if quote != nil {
		out[DataType] = TypeQuoteReceived
		out[DataQuoteID] = quote.QuoteID
		out[DataBusinessName] = quote.BusinessName
		out[DataAmount] = strconv.FormatFloat(quote.Amount, 'f', -1, 64)
		out[DataTimestamp] = now.UTC().Format(time.RFC3339)
	}
	return out
}
