// Package fcmv1 delivers notifications through the FCM HTTP v1 API using a
// service account and a self-signed OAuth2 assertion.
package fcmv1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"quotepush/internal/domain/notification"
	"quotepush/internal/infrastructure/push/pushhttp"
)

const (
	DefaultEndpoint = "https://fcm.googleapis.com/v1"

	// defaultConcurrency bounds in-flight v1 requests; the API takes one
	// token per call.
	defaultConcurrency = 16
)

var permanentErrors = map[string]struct{}{
	"UNREGISTERED":       {},
	"INVALID_ARGUMENT":   {},
	"SENDER_ID_MISMATCH": {},
}

type Config struct {
	ProjectID   string
	Endpoint    string
	Concurrency int
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
}

// Client implements notification.PushChannel for FCM registration tokens.
type Client struct {
	projectID   string
	endpoint    string
	concurrency int
	tokens      oauth2.TokenSource
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("fcm v1 requires a project id")
	}
	if cfg.TokenSource == nil {
		return nil, errors.New("fcm v1 requires a token source")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = pushhttp.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		projectID:   cfg.ProjectID,
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		concurrency: cfg.Concurrency,
		tokens:      cfg.TokenSource,
		httpClient:  cfg.HTTPClient,
		logger:      logger.With("channel", "fcm-v1"),
	}, nil
}

// NewFromServiceAccount builds a client whose project defaults to the one
// named in the service account.
func NewFromServiceAccount(ctx context.Context, sa *ServiceAccount, projectID, endpoint string, logger *slog.Logger) (*Client, error) {
	httpClient := pushhttp.NewClient()
	ts, err := NewTokenSource(ctx, sa, httpClient)
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		projectID = sa.ProjectID
	}
	return NewClient(Config{
		ProjectID:   projectID,
		Endpoint:    endpoint,
		TokenSource: ts,
		HTTPClient:  httpClient,
	}, logger)
}

func (c *Client) Kind() notification.Kind {
	return notification.KindFCM
}

type v1Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Image string `json:"image,omitempty"`
}

type androidNotification struct {
	Sound             string `json:"sound,omitempty"`
	ChannelID         string `json:"channel_id,omitempty"`
	Icon              string `json:"icon,omitempty"`
	Color             string `json:"color,omitempty"`
	Tag               string `json:"tag,omitempty"`
	ClickAction       string `json:"click_action,omitempty"`
	NotificationCount *int   `json:"notification_count,omitempty"`
}

type androidConfig struct {
	Priority     string              `json:"priority"`
	Notification androidNotification `json:"notification"`
}

type apsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type aps struct {
	Alert apsAlert `json:"alert"`
	Sound string   `json:"sound,omitempty"`
	Badge *int     `json:"badge,omitempty"`
}

type apnsConfig struct {
	Headers map[string]string `json:"headers,omitempty"`
	Payload struct {
		Aps aps `json:"aps"`
	} `json:"payload"`
}

type fcmOptions struct {
	Link string `json:"link"`
}

type webpushConfig struct {
	FCMOptions fcmOptions `json:"fcm_options"`
}

type v1Message struct {
	Token        string            `json:"token"`
	Notification v1Notification    `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      androidConfig     `json:"android"`
	APNS         apnsConfig        `json:"apns"`
	Webpush      *webpushConfig    `json:"webpush,omitempty"`
}

type sendRequest struct {
	Message v1Message `json:"message"`
}

type sendResponse struct {
	Name string `json:"name"`
}

type errorDetail struct {
	Type      string `json:"@type"`
	ErrorCode string `json:"errorCode"`
}

type errorResponse struct {
	Error struct {
		Code    int           `json:"code"`
		Message string        `json:"message"`
		Status  string        `json:"status"`
		Details []errorDetail `json:"details"`
	} `json:"error"`
}

// Send posts one request per message with bounded concurrency. A failed
// token exchange fails the whole batch.
func (c *Client) Send(ctx context.Context, batch []notification.Message) ([]notification.Outcome, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth token exchange: %w", err)
	}

	url := fmt.Sprintf("%s/projects/%s/messages:send", c.endpoint, c.projectID)
	header := http.Header{"Authorization": []string{"Bearer " + tok.AccessToken}}

	outcomes := make([]notification.Outcome, len(batch))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, m := range batch {
		g.Go(func() error {
			outcomes[i] = c.sendOne(ctx, url, header, m)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, nil
}

func (c *Client) sendOne(ctx context.Context, url string, header http.Header, m notification.Message) notification.Outcome {
	var resp sendResponse
	err := pushhttp.PostJSON(ctx, c.httpClient, url, header, sendRequest{Message: buildMessage(m)}, &resp)
	if err == nil {
		return notification.Outcome{MessageID: m.ID, Success: true, ProviderID: resp.Name}
	}

	var se *pushhttp.StatusError
	if !errors.As(err, &se) {
		c.logger.Warn("fcm v1 request failed", "error", err)
		return notification.Outcome{MessageID: m.ID, Error: err.Error()}
	}

	code, msg := errorCode(se)
	_, permanent := permanentErrors[code]
	if msg == "" {
		msg = se.Error()
	}
	return notification.Outcome{
		MessageID: m.ID,
		Error:     msg,
		ErrorCode: code,
		Permanent: permanent,
	}
}

// errorCode prefers the FCM specific errorCode detail over the generic
// google.rpc status.
func errorCode(se *pushhttp.StatusError) (string, string) {
	var er errorResponse
	if err := json.Unmarshal(se.Body, &er); err != nil {
		return fmt.Sprintf("HTTP_%d", se.StatusCode), ""
	}
	for _, d := range er.Error.Details {
		if d.ErrorCode != "" {
			return d.ErrorCode, er.Error.Message
		}
	}
	if er.Error.Status != "" {
		return er.Error.Status, er.Error.Message
	}
	return fmt.Sprintf("HTTP_%d", se.StatusCode), er.Error.Message
}

func buildMessage(m notification.Message) v1Message {
	p := m.Notification
	sound := p.Sound
	if sound == "" {
		sound = "default"
	}
	channelID := p.ChannelID
	if channelID == "" {
		channelID = "default"
	}

	msg := v1Message{
		Token: m.Token,
		Notification: v1Notification{
			Title: p.Title,
			Body:  p.Body,
			Image: p.Image,
		},
		Data: m.Data,
		Android: androidConfig{
			Priority: "HIGH",
			Notification: androidNotification{
				Sound:             sound,
				ChannelID:         channelID,
				Icon:              p.Icon,
				Color:             p.Color,
				Tag:               p.Tag,
				ClickAction:       p.ClickAction,
				NotificationCount: p.Badge,
			},
		},
	}
	msg.APNS.Payload.Aps = aps{
		Alert: apsAlert{Title: p.Title, Body: p.Body},
		Sound: sound,
		Badge: p.Badge,
	}
	if m.APNSToken != "" {
		msg.APNS.Headers = map[string]string{"apns-priority": "10"}
	}
	if p.URL != "" {
		msg.Webpush = &webpushConfig{FCMOptions: fcmOptions{Link: p.URL}}
	}
	return msg
}
