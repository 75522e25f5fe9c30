// Package notify fans notifications out to a user's live streams and web
// push subscriptions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mohans/newsdigest/logger"
	"github.com/mohans/newsdigest/metrics"
	"github.com/mohans/newsdigest/models"
)

// SubscriptionStore is the part of the push subscription store the hub
// needs.
type SubscriptionStore interface {
	ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpointHash string) error
}

// Bus replicates live notifications to every replica's hub.
type Bus interface {
	Publish(ctx context.Context, userID string, n models.Notification) error
	Subscribe(ctx context.Context, onMsg func(userID string, n models.Notification)) error
}

type HubConfig struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	// Buffer is the outbound queue length per stream.
	Buffer int
}

func (c HubConfig) withDefaults() HubConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.Buffer <= 0 {
		c.Buffer = 16
	}
	return c
}

// Hub owns the live stream registry and the push fan-out.
type Hub struct {
	subs SubscriptionStore
	push PushTransport
	bus  Bus
	cfg  HubConfig
	log  *logger.Logger
	now  func() time.Time

	mu      sync.RWMutex
	streams map[string]map[string]*Stream

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub builds a hub. push may be nil when web push is not configured.
func NewHub(subs SubscriptionStore, push PushTransport, cfg HubConfig, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		subs:    subs,
		push:    push,
		cfg:     cfg.withDefaults(),
		log:     log.With("component", "notify.Hub"),
		now:     time.Now,
		streams: make(map[string]map[string]*Stream),
		stop:    make(chan struct{}),
	}
}

// UseBus routes live notifications through b so streams held by other
// replicas receive them too. Call before Start.
func (h *Hub) UseBus(b Bus) { h.bus = b }

// Start runs the idle sweep and, with a bus, the forwarder.
func (h *Hub) Start(ctx context.Context) error {
	if h.bus != nil {
		if err := h.bus.Subscribe(ctx, func(userID string, n models.Notification) {
			h.Broadcast(userID, n)
		}); err != nil {
			return fmt.Errorf("subscribe notification bus: %w", err)
		}
	}
	h.wg.Add(1)
	go h.sweepLoop()
	return nil
}

// Stop ends the sweep loop and closes every stream.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopOnce.Do(func() { close(h.stop) })
	h.mu.Unlock()
	h.wg.Wait()
	h.mu.RLock()
	var all []*Stream
	for _, m := range h.streams {
		for _, s := range m {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.Close()
	}
}

// Register opens a live stream for userID. The stream unregisters itself
// when closed.
func (h *Hub) Register(userID string) *Stream {
	s := newStream(uuid.NewString(), userID, h.cfg.Buffer, h.now())
	h.mu.Lock()
	select {
	case <-h.stop:
		h.mu.Unlock()
		s.Close()
		return s
	default:
	}
	m, ok := h.streams[userID]
	if !ok {
		m = make(map[string]*Stream)
		h.streams[userID] = m
	}
	m[s.ID] = s
	// Stop closes h.stop under the same lock, so no Add follows its Wait
	h.wg.Add(1)
	h.mu.Unlock()
	metrics.LiveStreams.Inc()
	s.OnClose(func() { h.unregister(s) })

	go h.heartbeat(s)
	h.log.Debug("live stream registered", "user_id", userID, "stream_id", s.ID)
	return s
}

func (h *Hub) unregister(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.streams[s.UserID]
	if _, ok := m[s.ID]; !ok {
		return
	}
	delete(m, s.ID)
	if len(m) == 0 {
		delete(h.streams, s.UserID)
	}
	metrics.LiveStreams.Dec()
	h.log.Debug("live stream closed", "user_id", s.UserID, "stream_id", s.ID)
}

func (h *Hub) heartbeat(s *Stream) {
	defer h.wg.Done()
	t := time.NewTicker(h.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-s.Done():
			return
		case <-h.stop:
			return
		case <-t.C:
			s.offer(Event{Kind: KindHeartbeat, At: h.now()})
		}
	}
}

func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	t := time.NewTicker(h.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
			if n := h.Sweep(h.now()); n > 0 {
				h.log.Info("evicted idle live streams", "count", n)
			}
		}
	}
}

// Sweep closes streams whose last successful write is older than the idle
// timeout and returns how many it closed.
func (h *Hub) Sweep(now time.Time) int {
	h.mu.RLock()
	var idle []*Stream
	for _, m := range h.streams {
		for _, s := range m {
			if now.Sub(s.LastActivity()) > h.cfg.IdleTimeout {
				idle = append(idle, s)
			}
		}
	}
	h.mu.RUnlock()
	for _, s := range idle {
		s.Close()
	}
	return len(idle)
}

// Broadcast queues n on every live stream of userID held by this hub and
// returns how many accepted it. Full buffers drop the event.
func (h *Hub) Broadcast(userID string, n models.Notification) int {
	h.mu.RLock()
	targets := make([]*Stream, 0, len(h.streams[userID]))
	for _, s := range h.streams[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	ev := Event{Kind: KindNotification, Notification: &n, At: h.now()}
	sent := 0
	for _, s := range targets {
		if s.offer(ev) {
			sent++
		} else {
			metrics.RecordDelivery("stream", "dropped")
			h.log.Warn("live stream buffer full, dropping event", "user_id", userID, "stream_id", s.ID)
		}
	}
	if sent > 0 {
		metrics.RecordDelivery("stream", "sent")
	}
	return sent
}

// ConnectionCount returns the number of live streams of userID on this hub.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[userID])
}

// Deliver sends n over both channels concurrently. Channel failures are
// logged and counted, never returned, so a caller never redelivers to a
// channel that already got n.
func (h *Hub) Deliver(ctx context.Context, userID string, n models.Notification) error {
	var g errgroup.Group
	g.Go(func() error {
		if err := h.deliverLive(ctx, userID, n); err != nil {
			metrics.RecordDelivery("bus", "error")
			h.log.Warn("live delivery degraded", "user_id", userID, "task_id", n.TaskID, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := h.deliverPush(ctx, userID, n); err != nil {
			metrics.RecordDelivery("push", "error")
			h.log.Warn("push delivery failed", "user_id", userID, "task_id", n.TaskID, "error", err)
		}
		return nil
	})
	return g.Wait()
}

func (h *Hub) deliverLive(ctx context.Context, userID string, n models.Notification) error {
	if h.bus == nil {
		h.Broadcast(userID, n)
		return nil
	}
	if err := h.bus.Publish(ctx, userID, n); err != nil {
		// peers miss it, local streams still get it
		h.Broadcast(userID, n)
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// deliverPush sends n to every push subscription of userID. Expired and
// gone endpoints are deleted; one bad endpoint never stops the others.
func (h *Hub) deliverPush(ctx context.Context, userID string, n models.Notification) error {
	if h.push == nil || h.subs == nil {
		return nil
	}
	subs, err := h.subs.ListPushSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("list push subscriptions: %w", err)
	}
	now := h.now()
	for _, sub := range subs {
		log := h.log.With("user_id", userID, "endpoint_hash", sub.EndpointHash)
		if sub.Expired(now) {
			metrics.RecordDelivery("push", "expired")
			log.Info("deleting expired push subscription")
			h.deleteSubscription(ctx, sub.EndpointHash, log)
			continue
		}
		err := h.push.Send(ctx, sub, n)
		switch {
		case err == nil:
			metrics.RecordDelivery("push", "sent")
		case errors.Is(err, ErrGone):
			metrics.RecordDelivery("push", "gone")
			log.Info("deleting gone push subscription", "error", err)
			h.deleteSubscription(ctx, sub.EndpointHash, log)
		default:
			metrics.RecordDelivery("push", "error")
			log.Warn("push delivery failed", "error", err)
		}
	}
	return nil
}

func (h *Hub) deleteSubscription(ctx context.Context, hash string, log *logger.Logger) {
	if err := h.subs.DeletePushSubscription(ctx, hash); err != nil {
		log.Warn("delete push subscription failed", "error", err)
	}
}
