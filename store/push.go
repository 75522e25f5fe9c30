package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/mohans/newsdigest/models"
)

// UpsertPushSubscription stores the endpoint (last writer wins on keys and
// expiration) and links it to userID.
func (s *SQLStore) UpsertPushSubscription(ctx context.Context, userID string, sub models.PushSubscription) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := exec(ctx, tx, s.sb.Insert("push_subscriptions").
			Columns("endpoint_hash", "endpoint", "p256dh", "auth", "expiration_time", "created_at", "updated_at").
			Values(sub.EndpointHash, sub.Endpoint, sub.P256dh, sub.Auth, nullTime(sub.ExpirationTime),
				sub.CreatedAt.UTC(), sub.UpdatedAt.UTC()).
			Suffix(`ON CONFLICT (endpoint_hash) DO UPDATE SET
				endpoint = excluded.endpoint,
				p256dh = excluded.p256dh,
				auth = excluded.auth,
				expiration_time = excluded.expiration_time,
				updated_at = excluded.updated_at`))
		if err != nil {
			return fmt.Errorf("upsert push subscription: %w", err)
		}
		_, err = exec(ctx, tx, s.sb.Insert("push_subscription_users").
			Columns("endpoint_hash", "user_id").
			Values(sub.EndpointHash, userID).
			Suffix("ON CONFLICT (endpoint_hash, user_id) DO NOTHING"))
		if err != nil {
			return fmt.Errorf("link push subscription: %w", err)
		}
		return nil
	})
}

// ListPushSubscriptions returns every endpoint linked to userID.
func (s *SQLStore) ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	rows, err := query(ctx, s.db, s.sb.
		Select("p.endpoint_hash", "p.endpoint", "p.p256dh", "p.auth", "p.expiration_time", "p.created_at", "p.updated_at").
		From("push_subscriptions p").
		Join("push_subscription_users u ON u.endpoint_hash = p.endpoint_hash").
		Where(sq.Eq{"u.user_id": userID}).
		OrderBy("p.created_at"))
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()
	out := []models.PushSubscription{}
	for rows.Next() {
		var sub models.PushSubscription
		var exp sql.NullTime
		if err := rows.Scan(&sub.EndpointHash, &sub.Endpoint, &sub.P256dh, &sub.Auth, &exp, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		sub.ExpirationTime = timePtr(exp)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountPushSubscriptions(ctx context.Context, userID string) (int, error) {
	row, err := queryRow(ctx, s.db, s.sb.Select("COUNT(*)").From("push_subscription_users").
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count push subscriptions: %w", err)
	}
	return n, nil
}

// DeletePushSubscription removes the endpoint for every user. Deleting a
// missing endpoint is not an error.
func (s *SQLStore) DeletePushSubscription(ctx context.Context, endpointHash string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := exec(ctx, tx, s.sb.Delete("push_subscription_users").Where(sq.Eq{"endpoint_hash": endpointHash})); err != nil {
			return fmt.Errorf("unlink push subscription: %w", err)
		}
		if _, err := exec(ctx, tx, s.sb.Delete("push_subscriptions").Where(sq.Eq{"endpoint_hash": endpointHash})); err != nil {
			return fmt.Errorf("delete push subscription: %w", err)
		}
		return nil
	})
}

// UnsubscribePush unlinks userID from the endpoint and deletes the endpoint
// once no user references it.
func (s *SQLStore) UnsubscribePush(ctx context.Context, userID, endpointHash string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := exec(ctx, tx, s.sb.Delete("push_subscription_users").
			Where(sq.Eq{"endpoint_hash": endpointHash, "user_id": userID}))
		if err != nil {
			return fmt.Errorf("unlink push subscription: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		row, err := queryRow(ctx, tx, s.sb.Select("COUNT(*)").From("push_subscription_users").
			Where(sq.Eq{"endpoint_hash": endpointHash}))
		if err != nil {
			return err
		}
		var remaining int
		if err := row.Scan(&remaining); err != nil {
			return fmt.Errorf("count subscribers: %w", err)
		}
		if remaining > 0 {
			return nil
		}
		if _, err := exec(ctx, tx, s.sb.Delete("push_subscriptions").Where(sq.Eq{"endpoint_hash": endpointHash})); err != nil {
			return fmt.Errorf("delete push subscription: %w", err)
		}
		return nil
	})
}
