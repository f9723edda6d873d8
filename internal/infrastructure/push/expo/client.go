// Package expo delivers notifications through the Expo push service.
package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"quotepush/internal/domain/notification"
	"quotepush/internal/infrastructure/push/pushhttp"
)

const (
	DefaultEndpoint = "https://exp.host/--/api/v2/push/send"

	// maxBatch is the number of messages Expo accepts per request.
	maxBatch = 100

	statusOK = "ok"
)

// Error codes after which a token is deactivated.
var permanentErrors = map[string]struct{}{
	"DeviceNotRegistered": {},
	"InvalidCredentials":  {},
	"MessageTooBig":       {},
}

type Config struct {
	Endpoint    string
	AccessToken string
	HTTPClient  *http.Client
}

// Client implements notification.PushChannel for Expo push tokens.
type Client struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
	logger      *slog.Logger
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
		endpoint:    cfg.Endpoint,
		accessToken: cfg.AccessToken,
		httpClient:  cfg.HTTPClient,
		logger:      logger.With("channel", "expo"),
	}
}

func (c *Client) Kind() notification.Kind {
	return notification.KindExpo
}

type message struct {
	To        string            `json:"to"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Sound     string            `json:"sound"`
	Badge     int               `json:"badge"`
	ChannelID string            `json:"channelId"`
	Priority  string            `json:"priority"`
}

type ticket struct {
	Status  string        `json:"status"`
	ID      string        `json:"id"`
	Message string        `json:"message"`
	Details ticketDetails `json:"details"`
}

type ticketDetails struct {
	Error string `json:"error"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Send posts the batch in chunks of 100. Expo answers with one ticket per
// message in request order; that order is mapped back to message IDs here.
func (c *Client) Send(ctx context.Context, batch []notification.Message) ([]notification.Outcome, error) {
	outcomes := make([]notification.Outcome, 0, len(batch))

	var header http.Header
	if c.accessToken != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.accessToken}}
	}

	for _, w := range pushhttp.Chunk(len(batch), maxBatch) {
		chunk := batch[w[0]:w[1]]

		msgs := make([]message, len(chunk))
		for i, m := range chunk {
			msgs[i] = buildMessage(m)
		}

		var resp response
		if err := pushhttp.PostJSON(ctx, c.httpClient, c.endpoint, header, msgs, &resp); err != nil {
			c.logger.Error("expo request failed", "messages", len(chunk), "error", err)
			outcomes = append(outcomes, notification.FailAll(chunk, err)...)
			continue
		}

		tickets, err := resp.tickets()
		if err != nil {
			outcomes = append(outcomes, notification.FailAll(chunk, err)...)
			continue
		}
		if len(tickets) != len(chunk) {
			c.logger.Warn("expo ticket count mismatch", "messages", len(chunk), "tickets", len(tickets))
		}

		for i, m := range chunk {
			if i >= len(tickets) {
				outcomes = append(outcomes, notification.Outcome{MessageID: m.ID, Error: "no provider response"})
				continue
			}
			outcomes = append(outcomes, toOutcome(m.ID, tickets[i]))
		}
	}

	return outcomes, nil
}

func buildMessage(m notification.Message) message {
	n := m.Notification
	msg := message{
		To:        m.Token,
		Title:     n.Title,
		Body:      n.Body,
		Data:      m.Data,
		Sound:     "default",
		Badge:     1,
		ChannelID: "default",
		Priority:  "high",
	}
	if n.Sound != "" {
		msg.Sound = n.Sound
	}
	if n.Badge != nil {
		msg.Badge = *n.Badge
	}
	if n.ChannelID != "" {
		msg.ChannelID = n.ChannelID
	}
	return msg
}

func toOutcome(messageID string, t ticket) notification.Outcome {
	if t.Status == statusOK {
		return notification.Outcome{MessageID: messageID, Success: true, ProviderID: t.ID}
	}
	code := t.Details.Error
	errMsg := t.Message
	if errMsg == "" {
		errMsg = code
	}
	if errMsg == "" {
		errMsg = "unknown expo error"
	}
	_, permanent := permanentErrors[code]
	return notification.Outcome{
		MessageID: messageID,
		Error:     errMsg,
		ErrorCode: code,
		Permanent: permanent,
	}
}

// tickets decodes data as an array, or as a single object when Expo
// answers a one-message request without wrapping it.
func (r response) tickets() ([]ticket, error) {
	data := bytes.TrimSpace(r.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		if len(r.Errors) > 0 {
			return nil, fmt.Errorf("expo rejected request: %s: %s", r.Errors[0].Code, r.Errors[0].Message)
		}
		return nil, fmt.Errorf("expo response has no data")
	}
	if data[0] == '{' {
		var t ticket
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to decode expo ticket: %w", err)
		}
		return []ticket{t}, nil
	}
	var ts []ticket
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("failed to decode expo tickets: %w", err)
	}
	return ts, nil
}
