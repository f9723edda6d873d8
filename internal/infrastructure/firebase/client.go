// Package firebase delivers FCM notifications through the Firebase Admin SDK.
package firebase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"quotepush/internal/domain/notification"
	"quotepush/internal/infrastructure/push/pushhttp"
)

const fcmBatchLimit = 500

// multicastSender is the part of *messaging.Client the channel uses.
type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Client implements notification.PushChannel using Firebase Cloud Messaging
type Client struct {
	msgClient multicastSender
	logger    *slog.Logger
	// errorCode classifies a per-token SDK error; empty means unclassified.
	errorCode func(error) string
}

// Credentials selects how the Firebase app authenticates. File wins over JSON.
type Credentials struct {
	File      string
	JSON      string
	ProjectID string
}

// NewClient initializes a Firebase app and returns an FCM channel.
func NewClient(ctx context.Context, creds Credentials, logger *slog.Logger) (*Client, error) {
	var opt option.ClientOption
	switch {
	case creds.File != "":
		opt = option.WithCredentialsFile(creds.File)
	case creds.JSON != "":
		opt = option.WithCredentialsJSON([]byte(creds.JSON))
	default:
		return nil, errors.New("firebase credentials are required")
	}

	var conf *firebase.Config
	if creds.ProjectID != "" {
		conf = &firebase.Config{ProjectID: creds.ProjectID}
	}

	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging client: %w", err)
	}

	return newClient(msgClient, logger), nil
}

func newClient(sender multicastSender, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		msgClient: sender,
		logger:    logger.With("channel", "fcm-sdk"),
		errorCode: sdkErrorCode,
	}
}

func (c *Client) Kind() notification.Kind {
	return notification.KindFCM
}

// Send groups messages that share a payload and sends each group as
// multicast requests of up to 500 tokens.
func (c *Client) Send(ctx context.Context, batch []notification.Message) ([]notification.Outcome, error) {
	outcomes := make([]notification.Outcome, 0, len(batch))

	var totalSuccess, totalFailure int
	for _, group := range notification.GroupByPayload(batch) {
		for _, w := range pushhttp.Chunk(len(group), fcmBatchLimit) {
			chunk := group[w[0]:w[1]]

			resp, err := c.msgClient.SendEachForMulticast(ctx, buildMulticast(chunk))
			if err != nil {
				c.logger.Error("fcm multicast failed", "tokens", len(chunk), "error", err)
				outcomes = append(outcomes, notification.FailAll(chunk, fmt.Errorf("failed to send FCM multicast: %w", err))...)
				totalFailure += len(chunk)
				continue
			}

			totalSuccess += resp.SuccessCount
			totalFailure += resp.FailureCount
			outcomes = append(outcomes, c.mapResponses(chunk, resp)...)
		}
	}

	c.logger.Info("fcm multicast", "success", totalSuccess, "failure", totalFailure)
	return outcomes, nil
}

// mapResponses pairs SDK responses with messages by position.
func (c *Client) mapResponses(chunk []notification.Message, resp *messaging.BatchResponse) []notification.Outcome {
	out := make([]notification.Outcome, len(chunk))
	for i, m := range chunk {
		if i >= len(resp.Responses) || resp.Responses[i] == nil {
			out[i] = notification.Outcome{MessageID: m.ID, Error: "no provider response"}
			continue
		}
		r := resp.Responses[i]
		if r.Success {
			out[i] = notification.Outcome{MessageID: m.ID, Success: true, ProviderID: r.MessageID}
			continue
		}

		o := notification.Outcome{MessageID: m.ID, Error: "unknown error"}
		if r.Error != nil {
			o.Error = r.Error.Error()
			o.ErrorCode = c.errorCode(r.Error)
		}
		switch o.ErrorCode {
		case "UNREGISTERED", "INVALID_ARGUMENT", "SENDER_ID_MISMATCH":
			o.Permanent = true
			c.logger.Info("invalid fcm token", "index", i, "code", o.ErrorCode)
		default:
			c.logger.Warn("fcm send error", "index", i, "error", r.Error)
		}
		out[i] = o
	}
	return out
}

func sdkErrorCode(err error) string {
	switch {
	case messaging.IsUnregistered(err):
		return "UNREGISTERED"
	case messaging.IsInvalidArgument(err):
		return "INVALID_ARGUMENT"
	case messaging.IsSenderIDMismatch(err):
		return "SENDER_ID_MISMATCH"
	case messaging.IsQuotaExceeded(err):
		return "QUOTA_EXCEEDED"
	case messaging.IsUnavailable(err):
		return "UNAVAILABLE"
	case messaging.IsInternal(err):
		return "INTERNAL"
	default:
		return ""
	}
}

// buildMulticast takes the payload from chunk[0]; callers group by payload first.
func buildMulticast(chunk []notification.Message) *messaging.MulticastMessage {
	tokens := make([]string, len(chunk))
	for i, m := range chunk {
		tokens[i] = m.Token
	}

	p := chunk[0].Notification
	sound := p.Sound
	if sound == "" {
		sound = "default"
	}
	channelID := p.ChannelID
	if channelID == "" {
		channelID = "default"
	}

	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title:    p.Title,
			Body:     p.Body,
			ImageURL: p.Image,
		},
		Data: chunk[0].Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:             sound,
				ChannelID:         channelID,
				Icon:              p.Icon,
				Color:             p.Color,
				Tag:               p.Tag,
				ClickAction:       p.ClickAction,
				NotificationCount: p.Badge,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: sound, Badge: p.Badge},
			},
		},
	}
	if p.URL != "" {
		msg.Webpush = &messaging.WebpushConfig{
			FCMOptions: &messaging.WebpushFCMOptions{Link: p.URL},
		}
	}
	return msg
}
