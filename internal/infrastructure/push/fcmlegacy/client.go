// Package fcmlegacy delivers notifications through the Firebase legacy HTTP API.
package fcmlegacy

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"quotepush/internal/domain/notification"
	"quotepush/internal/infrastructure/push/pushhttp"
)

const (
	DefaultEndpoint = "https://fcm.googleapis.com/fcm/send"

	// maxRegistrationIDs is the legacy API limit per request.
	maxRegistrationIDs = 1000
)

var permanentErrors = map[string]struct{}{
	"NotRegistered":       {},
	"InvalidRegistration": {},
	"MessageTooBig":       {},
}

type Config struct {
	ServerKey  string
	Endpoint   string
	HTTPClient *http.Client
}

// Client implements notification.PushChannel for FCM tokens using a server key.
type Client struct {
	serverKey  string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = pushhttp.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		serverKey:  cfg.ServerKey,
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
		logger:     logger.With("channel", "fcm-legacy"),
	}
}

func (c *Client) Kind() notification.Kind {
	return notification.KindFCM
}

type legacyNotification struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Sound       string `json:"sound,omitempty"`
	Badge       string `json:"badge,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Image       string `json:"image,omitempty"`
	Color       string `json:"color,omitempty"`
	Tag         string `json:"tag,omitempty"`
	ClickAction string `json:"click_action,omitempty"`
}

type legacyRequest struct {
	RegistrationIDs []string           `json:"registration_ids"`
	Notification    legacyNotification `json:"notification"`
	Data            map[string]string  `json:"data,omitempty"`
	Priority        string             `json:"priority"`
}

type legacyResult struct {
	MessageID      string `json:"message_id"`
	RegistrationID string `json:"registration_id"`
	Error          string `json:"error"`
}

type legacyResponse struct {
	MulticastID int64          `json:"multicast_id"`
	Success     int            `json:"success"`
	Failure     int            `json:"failure"`
	Results     []legacyResult `json:"results"`
}

// Send groups messages that share a payload and posts each group as
// registration_ids requests of up to 1000 tokens.
func (c *Client) Send(ctx context.Context, batch []notification.Message) ([]notification.Outcome, error) {
	outcomes := make([]notification.Outcome, 0, len(batch))
	for _, group := range notification.GroupByPayload(batch) {
		outcomes = append(outcomes, c.sendGroup(ctx, group)...)
	}
	return outcomes, nil
}

func (c *Client) sendGroup(ctx context.Context, group []notification.Message) []notification.Outcome {
	outcomes := make([]notification.Outcome, 0, len(group))
	header := http.Header{"Authorization": []string{"key=" + c.serverKey}}

	for _, w := range pushhttp.Chunk(len(group), maxRegistrationIDs) {
		chunk := group[w[0]:w[1]]

		req := legacyRequest{
			RegistrationIDs: make([]string, len(chunk)),
			Notification:    buildNotification(chunk[0].Notification),
			Data:            chunk[0].Data,
			Priority:        "high",
		}
		for i, m := range chunk {
			req.RegistrationIDs[i] = m.Token
		}

		var resp legacyResponse
		if err := pushhttp.PostJSON(ctx, c.httpClient, c.endpoint, header, req, &resp); err != nil {
			c.logger.Error("fcm legacy request failed", "tokens", len(chunk), "error", err)
			outcomes = append(outcomes, notification.FailAll(chunk, err)...)
			continue
		}

		if len(resp.Results) != len(chunk) {
			c.logger.Warn("fcm legacy result count mismatch", "tokens", len(chunk), "results", len(resp.Results))
		}
		for i, m := range chunk {
			if i >= len(resp.Results) {
				outcomes = append(outcomes, notification.Outcome{MessageID: m.ID, Error: "no provider response"})
				continue
			}
			outcomes = append(outcomes, toOutcome(m.ID, resp.Results[i]))
		}
	}

	return outcomes
}

func buildNotification(p notification.Payload) legacyNotification {
	n := legacyNotification{
		Title:       p.Title,
		Body:        p.Body,
		Sound:       p.Sound,
		Icon:        p.Icon,
		Image:       p.Image,
		Color:       p.Color,
		Tag:         p.Tag,
		ClickAction: p.ClickAction,
	}
	if n.Sound == "" {
		n.Sound = "default"
	}
	if p.Badge != nil {
		n.Badge = strconv.Itoa(*p.Badge)
	}
	return n
}

func toOutcome(messageID string, r legacyResult) notification.Outcome {
	if r.Error == "" && r.MessageID != "" {
		return notification.Outcome{MessageID: messageID, Success: true, ProviderID: r.MessageID}
	}
	code := r.Error
	if code == "" {
		code = "UnknownError"
	}
	_, permanent := permanentErrors[code]
	return notification.Outcome{
		MessageID: messageID,
		Error:     code,
		ErrorCode: code,
		Permanent: permanent,
	}
}
