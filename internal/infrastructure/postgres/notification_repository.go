package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"quotepush/internal/domain/notification"
)

// TokenRepository is the Postgres TokenStore.
type TokenRepository struct {
	db *DB
}

func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `id, user_id, kind, token, COALESCE(p256dh, ''), COALESCE(auth, ''), COALESCE(apns_token, ''),
	device_info, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*notification.DeviceToken, error) {
	var dt notification.DeviceToken
	var kind string
	var info []byte
	if err := row.Scan(&dt.ID, &dt.UserID, &kind, &dt.Token, &dt.P256dh, &dt.Auth, &dt.APNSToken,
		&info, &dt.IsActive, &dt.CreatedAt, &dt.UpdatedAt); err != nil {
		return nil, err
	}
	dt.Kind = notification.Kind(kind)
	if len(info) > 0 {
		if err := json.Unmarshal(info, &dt.DeviceInfo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device info: %w", err)
		}
	}
	return &dt, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Register upserts on (user_id, kind, token) and deactivates the same
// (kind, token) for every other user, in one transaction.
func (r *TokenRepository) Register(ctx context.Context, params notification.RegisterParams) (*notification.DeviceToken, error) {
	info := params.DeviceInfo
	if info == nil {
		info = map[string]string{}
	}
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device info: %w", err)
	}

	var dt *notification.DeviceToken
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE device_tokens SET is_active = false, updated_at = NOW()
			WHERE kind = $1 AND token = $2 AND user_id <> $3 AND is_active`,
			string(params.Kind), params.Token, params.UserID,
		)
		if err != nil {
			return fmt.Errorf("failed to reassign device token: %w", err)
		}

		query := `
			INSERT INTO device_tokens (id, user_id, kind, token, p256dh, auth, apns_token, device_info)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id, kind, token) DO UPDATE
				SET p256dh = EXCLUDED.p256dh,
				    auth = EXCLUDED.auth,
				    apns_token = EXCLUDED.apns_token,
				    device_info = EXCLUDED.device_info,
				    is_active = true,
				    updated_at = NOW()
			RETURNING ` + tokenColumns

		dt, err = scanToken(tx.QueryRowContext(ctx, query,
			uuid.NewString(), params.UserID, string(params.Kind), params.Token,
			nullable(params.P256dh), nullable(params.Auth), nullable(params.APNSToken), infoJSON,
		))
		if err != nil {
			return fmt.Errorf("failed to upsert device token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dt, nil
}

func kindStrings(kinds []notification.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func (r *TokenRepository) ListActiveByUsers(ctx context.Context, userIDs []string, kinds []notification.Kind) ([]*notification.DeviceToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + tokenColumns + `
		FROM device_tokens
		WHERE user_id = ANY($1) AND is_active = true
		  AND (cardinality($2::text[]) = 0 OR kind = ANY($2))
		ORDER BY user_id, updated_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(userIDs), pq.Array(kindStrings(kinds)))
	if err != nil {
		return nil, fmt.Errorf("failed to get device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*notification.DeviceToken
	for rows.Next() {
		dt, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device token: %w", err)
		}
		tokens = append(tokens, dt)
	}

	return tokens, rows.Err()
}

func (r *TokenRepository) ListByUser(ctx context.Context, userID string) ([]*notification.DeviceToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM device_tokens
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device tokens: %w", err)
	}
	defer rows.Close()

	tokens := []*notification.DeviceToken{}
	for rows.Next() {
		dt, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device token: %w", err)
		}
		tokens = append(tokens, dt)
	}

	return tokens, rows.Err()
}

// Deactivate marks every active row matching one of refs inactive.
func (r *TokenRepository) Deactivate(ctx context.Context, refs []notification.TokenRef) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	kinds := make([]string, len(refs))
	tokens := make([]string, len(refs))
	for i, ref := range refs {
		kinds[i] = string(ref.Kind)
		tokens[i] = ref.Token
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE device_tokens d
		SET is_active = false, updated_at = NOW()
		FROM unnest($1::text[], $2::text[]) AS ref(kind, token)
		WHERE d.kind = ref.kind AND d.token = ref.token AND d.is_active
	`, pq.Array(kinds), pq.Array(tokens))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate tokens: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}

func (r *TokenRepository) Unsubscribe(ctx context.Context, userID string, kind notification.Kind, token string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE device_tokens SET is_active = false, updated_at = NOW()
		WHERE user_id = $1 AND kind = $2 AND token = $3 AND is_active`,
		userID, string(kind), token,
	)
	if err != nil {
		return fmt.Errorf("failed to unsubscribe token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notification.ErrDeviceTokenNotFound
	}
	return nil
}
