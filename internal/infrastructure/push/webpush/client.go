// Package webpush delivers notifications to browser push subscriptions
// signed with VAPID keys.
package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	webpushgo "github.com/SherClockHolmes/webpush-go"

	"quotepush/internal/domain/notification"
	"quotepush/internal/infrastructure/push/pushhttp"
)

// ErrMissingKeys is returned when a client is built without a VAPID key pair.
var ErrMissingKeys = errors.New("VAPID public and private keys are required")

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subject identifies the sender, either a mailto: address or an https URL.
	Subject    string
	TTL        int
	Urgency    string
	HTTPClient *http.Client
}

// Client implements notification.PushChannel for web push subscriptions.
type Client struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        int
	urgency    webpushgo.Urgency
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, ErrMissingKeys
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 86400
	}
	urgency := webpushgo.Urgency(strings.ToLower(cfg.Urgency))
	switch urgency {
	case webpushgo.UrgencyVeryLow, webpushgo.UrgencyLow, webpushgo.UrgencyNormal, webpushgo.UrgencyHigh:
	case "":
		urgency = webpushgo.UrgencyHigh
	default:
		return nil, fmt.Errorf("invalid web push urgency %q", cfg.Urgency)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = pushhttp.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		publicKey:  cfg.VAPIDPublicKey,
		privateKey: cfg.VAPIDPrivateKey,
		// the library adds mailto: to anything that is not an https URL
		subscriber: strings.TrimPrefix(cfg.Subject, "mailto:"),
		ttl:        cfg.TTL,
		urgency:    urgency,
		httpClient: cfg.HTTPClient,
		logger:     logger.With("channel", "web-push"),
	}, nil
}

func (c *Client) Kind() notification.Kind {
	return notification.KindWebPush
}

// PublicKey is the application server key browsers subscribe with.
func (c *Client) PublicKey() string {
	return c.publicKey
}

type action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// payload is what the service worker receives in its push event.
type payload struct {
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Icon    string            `json:"icon,omitempty"`
	Image   string            `json:"image,omitempty"`
	Badge   *int              `json:"badge,omitempty"`
	Tag     string            `json:"tag,omitempty"`
	URL     string            `json:"url,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
	Actions []action          `json:"actions"`
}

func buildPayload(m notification.Message) ([]byte, error) {
	p := m.Notification
	return json.Marshal(payload{
		Title: p.Title,
		Body:  p.Body,
		Icon:  p.Icon,
		Image: p.Image,
		Badge: p.Badge,
		Tag:   p.Tag,
		URL:   p.URL,
		Data:  m.Data,
		Actions: []action{
			{Action: "view", Title: "View"},
			{Action: "close", Title: "Close"},
		},
	})
}

// Send encrypts and posts each message to its subscription endpoint in turn.
func (c *Client) Send(ctx context.Context, batch []notification.Message) ([]notification.Outcome, error) {
	outcomes := make([]notification.Outcome, len(batch))
	for i, m := range batch {
		outcomes[i] = c.sendOne(ctx, m)
	}
	return outcomes, nil
}

func (c *Client) sendOne(ctx context.Context, m notification.Message) notification.Outcome {
	body, err := buildPayload(m)
	if err != nil {
		return notification.Outcome{MessageID: m.ID, Error: err.Error()}
	}

	sub := &webpushgo.Subscription{
		Endpoint: m.Token,
		Keys: webpushgo.Keys{
			P256dh: m.P256dh,
			Auth:   m.Auth,
		},
	}
	resp, err := webpushgo.SendNotificationWithContext(ctx, body, sub, &webpushgo.Options{
		HTTPClient:      c.httpClient,
		Subscriber:      c.subscriber,
		TTL:             c.ttl,
		Urgency:         c.urgency,
		VAPIDPublicKey:  c.publicKey,
		VAPIDPrivateKey: c.privateKey,
	})
	if err != nil {
		c.logger.Warn("web push send failed", "error", err)
		return notification.Outcome{MessageID: m.ID, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		id := resp.Header.Get("Location")
		if id == "" {
			id = resp.Status
		}
		return notification.Outcome{MessageID: m.ID, Success: true, ProviderID: id}
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := fmt.Sprintf("push service returned %d", resp.StatusCode)
	if s := strings.TrimSpace(string(detail)); s != "" {
		msg += ": " + s
	}
	return notification.Outcome{
		MessageID: m.ID,
		Error:     msg,
		ErrorCode: fmt.Sprintf("HTTP_%d", resp.StatusCode),
		// 404 and 410 mean the subscription is gone for good.
		Permanent: resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone,
	}
}

// GenerateVAPIDKeys returns a new base64url encoded P-256 key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpushgo.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate VAPID keys: %w", err)
	}
	return publicKey, privateKey, nil
}
