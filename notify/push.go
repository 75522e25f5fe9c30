package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/mohans/newsdigest/models"
)

// ErrGone means the push service no longer knows the endpoint.
var ErrGone = errors.New("push endpoint gone")

// PushTransport sends one notification to one subscription.
type PushTransport interface {
	Send(ctx context.Context, sub models.PushSubscription, n models.Notification) error
}

// EndpointHash is the stable key of a push endpoint.
func EndpointHash(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:])
}

// VAPIDConfig holds the application server keys.
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	// Subject is a mailto: or https: contact URI.
	Subject string
	TTL     time.Duration
}

// WebPushTransport delivers notifications with VAPID-signed web push.
type WebPushTransport struct {
	cfg    VAPIDConfig
	client *http.Client
}

func NewWebPushTransport(cfg VAPIDConfig, client *http.Client) *WebPushTransport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &WebPushTransport{cfg: cfg, client: client}
}

func (t *WebPushTransport) Send(ctx context.Context, sub models.PushSubscription, n models.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	urgency := webpush.UrgencyNormal
	if n.PushType == models.PushRefresh {
		urgency = webpush.UrgencyLow
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
	}, &webpush.Options{
		HTTPClient: t.client,
		// webpush-go adds the mailto: prefix itself
		Subscriber:      strings.TrimPrefix(t.cfg.Subject, "mailto:"),
		VAPIDPublicKey:  t.cfg.PublicKey,
		VAPIDPrivateKey: t.cfg.PrivateKey,
		TTL:             int(t.cfg.TTL.Seconds()),
		Urgency:         urgency,
	})
	if err != nil {
		return fmt.Errorf("web push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("web push status %d: %w", resp.StatusCode, ErrGone)
	case resp.StatusCode >= 300:
		return fmt.Errorf("web push status %d", resp.StatusCode)
	}
	return nil
}
