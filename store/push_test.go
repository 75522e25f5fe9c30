package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohans/newsdigest/models"
)

func sub(hash string) models.PushSubscription {
	now := time.Now().UTC()
	return models.PushSubscription{
		EndpointHash: hash,
		Endpoint:     "https://push.example/" + hash,
		P256dh:       "key",
		Auth:         "auth",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestPushSubscriptions_SharedEndpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertPushSubscription(ctx, "u1", sub("h1")); err != nil {
		t.Fatalf("Upsert u1: %v", err)
	}
	updated := sub("h1")
	updated.Auth = "auth2"
	if err := s.UpsertPushSubscription(ctx, "u2", updated); err != nil {
		t.Fatalf("Upsert u2: %v", err)
	}
	// upserting twice for the same user is a no-op on the link
	if err := s.UpsertPushSubscription(ctx, "u2", updated); err != nil {
		t.Fatalf("Upsert u2 again: %v", err)
	}

	got, err := s.ListPushSubscriptions(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Auth != "auth2" {
		t.Fatalf("last writer should win: %+v", got)
	}
	if n, _ := s.CountPushSubscriptions(ctx, "u2"); n != 1 {
		t.Fatalf("want 1 subscription for u2 got %d", n)
	}

	if err := s.UnsubscribePush(ctx, "u1", "h1"); err != nil {
		t.Fatalf("Unsubscribe u1: %v", err)
	}
	if got, _ := s.ListPushSubscriptions(ctx, "u2"); len(got) != 1 {
		t.Fatalf("endpoint still used by u2 must survive: %+v", got)
	}
	if err := s.UnsubscribePush(ctx, "u2", "h1"); err != nil {
		t.Fatalf("Unsubscribe u2: %v", err)
	}
	if err := s.UnsubscribePush(ctx, "u2", "h1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound got %v", err)
	}
	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM push_subscriptions`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("orphan endpoint row left behind: n=%d err=%v", n, err)
	}
}

func TestDeletePushSubscription_AllUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	withExp := sub("h2")
	withExp.ExpirationTime = &exp
	_ = s.UpsertPushSubscription(ctx, "u1", withExp)
	_ = s.UpsertPushSubscription(ctx, "u2", withExp)

	got, _ := s.ListPushSubscriptions(ctx, "u1")
	if len(got) != 1 || got[0].ExpirationTime == nil || !got[0].ExpirationTime.Equal(exp) {
		t.Fatalf("expiration not stored: %+v", got)
	}
	if err := s.DeletePushSubscription(ctx, "h2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, u := range []string{"u1", "u2"} {
		if n, _ := s.CountPushSubscriptions(ctx, u); n != 0 {
			t.Fatalf("%s still subscribed", u)
		}
	}
	if err := s.DeletePushSubscription(ctx, "h2"); err != nil {
		t.Fatalf("deleting a missing endpoint: %v", err)
	}
}
