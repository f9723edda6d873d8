// Package push assembles the configured delivery channels.
package push

import (
	"context"
	"fmt"
	"log/slog"

	"quotepush/internal/domain/notification"
	"quotepush/internal/infrastructure/firebase"
	"quotepush/internal/infrastructure/push/expo"
	"quotepush/internal/infrastructure/push/fcmlegacy"
	"quotepush/internal/infrastructure/push/fcmv1"
	"quotepush/internal/infrastructure/push/webpush"
	"quotepush/internal/shared/config"
)

// Channels is the result of NewChannels.
type Channels struct {
	List []notification.PushChannel
	// VAPIDPublicKey is empty when web push is not configured.
	VAPIDPublicKey string
}

// NewChannels builds one channel per configured provider. A provider
// without credentials is skipped and its kind fails as not configured.
func NewChannels(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Channels, error) {
	out := &Channels{}

	if cfg.WebPush.Enabled() {
		wp, err := webpush.NewClient(webpush.Config{
			VAPIDPublicKey:  cfg.WebPush.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.WebPush.VAPIDPrivateKey,
			Subject:         cfg.WebPush.Subject,
			TTL:             cfg.WebPush.TTL,
			Urgency:         cfg.WebPush.Urgency,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize web push: %w", err)
		}
		out.List = append(out.List, wp)
		out.VAPIDPublicKey = wp.PublicKey()
		logger.Info("push channel enabled", "kind", notification.KindWebPush)
	} else {
		logger.Warn("web push disabled, VAPID keys not set")
	}

	if cfg.FCM.Enabled() {
		ch, err := newFCMChannel(ctx, cfg.FCM, logger)
		if err != nil {
			return nil, err
		}
		out.List = append(out.List, ch)
		logger.Info("push channel enabled", "kind", notification.KindFCM, "mode", cfg.FCM.Mode)
	} else {
		logger.Warn("fcm disabled, credentials not set", "mode", cfg.FCM.Mode)
	}

	if cfg.Expo.Enabled {
		out.List = append(out.List, expo.NewClient(expo.Config{
			Endpoint:    cfg.Expo.Endpoint,
			AccessToken: cfg.Expo.AccessToken,
		}, logger))
		logger.Info("push channel enabled", "kind", notification.KindExpo)
	}

	return out, nil
}

func newFCMChannel(ctx context.Context, cfg config.FCMConfig, logger *slog.Logger) (notification.PushChannel, error) {
	switch cfg.Mode {
	case config.FCMModeLegacy:
		return fcmlegacy.NewClient(fcmlegacy.Config{
			ServerKey: cfg.ServerKey,
			Endpoint:  cfg.LegacyEndpoint,
		}, logger), nil
	case config.FCMModeSDK:
		client, err := firebase.NewClient(ctx, firebase.Credentials{
			File:      cfg.CredentialsFile,
			JSON:      cfg.CredentialsJSON,
			ProjectID: cfg.ProjectID,
		}, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		sa, err := fcmv1.LoadServiceAccount(cfg.CredentialsFile, cfg.CredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to load FCM service account: %w", err)
		}
		client, err := fcmv1.NewFromServiceAccount(ctx, sa, cfg.ProjectID, cfg.V1Endpoint, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
