package newsdigest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mohans/newsdigest/logger"
	"github.com/mohans/newsdigest/models"
	"github.com/mohans/newsdigest/notify"
)

type recordingPush struct {
	mu   sync.Mutex
	err  error
	sent []models.Notification
}

func (p *recordingPush) Send(_ context.Context, _ models.PushSubscription, n models.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, n)
	return nil
}

// brokenSubs fails every subscription lookup.
type brokenSubs struct{ notify.SubscriptionStore }

func (brokenSubs) ListPushSubscriptions(context.Context, string) ([]models.PushSubscription, error) {
	return nil, errors.New("subscriptions unavailable")
}

type downBus struct{}

func (downBus) Publish(context.Context, string, models.Notification) error {
	return errors.New("redis down")
}

func (downBus) Subscribe(context.Context, func(string, models.Notification)) error { return nil }

func drainStream(s *notify.Stream) []models.Notification {
	var out []models.Notification
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == notify.KindNotification {
				out = append(out, *ev.Notification)
			}
		default:
			return out
		}
	}
}

func countByMessage(ns []models.Notification) map[string]int {
	m := make(map[string]int)
	for _, n := range ns {
		m[n.Message]++
	}
	return m
}

func TestDelivery_FailedRunReachesEachChannelOnce(t *testing.T) {
	cases := []struct {
		name     string
		breakSub bool
		bus      bool
		pushErr  error
		wantPush bool
	}{
		{name: "subscription store down", breakSub: true},
		{name: "bus down", bus: true, wantPush: true},
		{name: "push endpoint failing", pushErr: errors.New("push service 500")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			endpoint := "https://push.example.com/u1"
			now := time.Now().UTC()
			if err := h.store.UpsertPushSubscription(ctx, "u1", models.PushSubscription{
				EndpointHash: notify.EndpointHash(endpoint), Endpoint: endpoint,
				P256dh: "key", Auth: "auth", CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				t.Fatalf("UpsertPushSubscription: %v", err)
			}

			var subs notify.SubscriptionStore = h.store
			if tc.breakSub {
				subs = brokenSubs{h.store}
			}
			push := &recordingPush{err: tc.pushErr}
			hub := notify.NewHub(subs, push, notify.HubConfig{Buffer: 32}, logger.NewNop())
			if tc.bus {
				hub.UseBus(downBus{})
			}
			t.Cleanup(hub.Stop)
			h.pipeline.Sink = hub
			stream := hub.Register("u1")

			h.summ.err = errors.New("model overloaded")
			task := h.createTask(t, "u1", "chips")
			h.run(t)

			if e := h.executions(t, task.ID)[0]; e.Status != models.StatusFailed {
				t.Fatalf("status = %s, want FAILED", e.Status)
			}

			live := drainStream(stream)
			for msg, n := range countByMessage(live) {
				if n != 1 {
					t.Fatalf("live stream got %q %d times: %v", msg, n, live)
				}
			}
			var liveErrors int
			for _, n := range live {
				if n.Status == models.NotifyError {
					liveErrors++
				}
			}
			if liveErrors != 1 {
				t.Fatalf("live error events = %d, want 1", liveErrors)
			}

			push.mu.Lock()
			sent := append([]models.Notification(nil), push.sent...)
			push.mu.Unlock()
			if !tc.wantPush {
				if len(sent) != 0 {
					t.Fatalf("push sent %d notifications, want 0", len(sent))
				}
				return
			}
			if len(sent) != len(live) {
				t.Fatalf("push sent %d, live got %d", len(sent), len(live))
			}
			var pushErrors int
			for msg, n := range countByMessage(sent) {
				if n != 1 {
					t.Fatalf("push got %q %d times", msg, n)
				}
			}
			for _, n := range sent {
				if n.Status == models.NotifyError {
					pushErrors++
				}
			}
			if pushErrors != 1 {
				t.Fatalf("push error events = %d, want 1", pushErrors)
			}
		})
	}
}
