package notification

import "context"

// TokenStore defines the interface for device token data access.
// Defined in the domain layer, implemented in the infrastructure layer.
type TokenStore interface {
	// Register upserts on (user_id, kind, token), re-activating the row, and
	// deactivates rows of other users holding the same (kind, token).
	Register(ctx context.Context, params RegisterParams) (*DeviceToken, error)

	// ListActiveByUsers returns active tokens of the given users. An empty
	// kinds slice means every kind.
	ListActiveByUsers(ctx context.Context, userIDs []string, kinds []Kind) ([]*DeviceToken, error)

	ListByUser(ctx context.Context, userID string) ([]*DeviceToken, error)

	// Deactivate marks every active row matching one of refs inactive and
	// returns the number of rows changed.
	Deactivate(ctx context.Context, refs []TokenRef) (int64, error)

	// Unsubscribe deactivates the caller's own row. Returns ErrDeviceTokenNotFound
	// when the user holds no such token.
	Unsubscribe(ctx context.Context, userID string, kind Kind, token string) error
}
