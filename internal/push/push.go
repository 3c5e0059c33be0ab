// Package push manages Web Push subscriptions and payload delivery.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sethvargo/go-retry"

	"blogwatch/internal/config"
	"blogwatch/internal/model"
	"blogwatch/internal/storage"
)

// ErrInvalidSubscription marks a subscription payload missing its endpoint or
// encryption keys. Surfaced to HTTP callers as a 400.
var ErrInvalidSubscription = errors.New("invalid subscription payload")

// errGone marks endpoints that rejected delivery permanently.
var errGone = errors.New("subscription gone")

// defaultTimeout bounds a single delivery attempt when the configuration
// does not provide one.
const defaultTimeout = 10 * time.Second

// SubscriptionPayload is the browser's PushSubscription JSON shape.
type SubscriptionPayload struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Validate checks the payload shape: endpoint and both keys must be present.
func (p SubscriptionPayload) Validate() error {
	if p.Endpoint == "" || p.Keys.P256dh == "" || p.Keys.Auth == "" {
		return ErrInvalidSubscription
	}
	return nil
}

// Payload is the JSON document delivered to the service worker.
type Payload struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Icon   string `json:"icon,omitempty"`
	URL    string `json:"url,omitempty"`
	PostID string `json:"post_id,omitempty"`
	Urgent bool   `json:"urgent,omitempty"`
}

// Outcome summarizes one Deliver call across a user's subscriptions.
type Outcome struct {
	Delivered int
	Pruned    int
	Failed    int
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager sends Web Push payloads and owns the subscription lifecycle.
// Endpoints that report themselves gone are pruned on the spot, so no
// separate cleanup job is needed.
type Manager struct {
	store      storage.Storage
	client     HTTPClient
	contact    string
	vapidPub   string
	vapidPriv  string
	ttl        int
	timeout    time.Duration
	maxRetries uint64
	retryDelay time.Duration
	log        *slog.Logger
}

// New creates a Manager from configuration with the default HTTP client.
func New(store storage.Storage, cfg *config.Config, log *slog.Logger) *Manager {
	return NewWithClient(store, cfg, http.DefaultClient, log)
}

// NewWithClient creates a Manager with a custom HTTP client (useful for testing).
func NewWithClient(store storage.Storage, cfg *config.Config, client HTTPClient, log *slog.Logger) *Manager {
	timeout := cfg.PushTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Manager{
		store:      store,
		client:     client,
		contact:    cfg.PushContact,
		vapidPub:   cfg.VAPIDPublicKey,
		vapidPriv:  cfg.VAPIDPrivateKey,
		ttl:        cfg.PushTTL,
		timeout:    timeout,
		maxRetries: uint64(cfg.PushMaxRetries),
		retryDelay: cfg.PushRetryDelay(),
		log:        log,
	}
}

// Subscribe validates and upserts a subscription keyed by (user, endpoint).
// Re-subscribing an existing endpoint rotates its keys instead of duplicating.
// Reports whether a new subscription was created.
func (m *Manager) Subscribe(ctx context.Context, userID string, payload SubscriptionPayload) (bool, error) {
	if err := payload.Validate(); err != nil {
		return false, err
	}
	sub := &model.PushSubscription{
		UserID:   userID,
		Endpoint: payload.Endpoint,
		P256dh:   payload.Keys.P256dh,
		Auth:     payload.Keys.Auth,
	}
	created, err := m.store.UpsertSubscription(ctx, sub)
	if err != nil {
		return false, fmt.Errorf("upsert subscription: %w", err)
	}
	m.log.Info("push subscription saved", "user", userID, "created", created)
	return created, nil
}

// Unsubscribe removes the subscription for the payload's endpoint.
func (m *Manager) Unsubscribe(ctx context.Context, userID string, payload SubscriptionPayload) error {
	if payload.Endpoint == "" {
		return ErrInvalidSubscription
	}
	if err := m.store.DeleteSubscription(ctx, userID, payload.Endpoint); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	m.log.Info("push subscription removed", "user", userID)
	return nil
}

// Deliver sends the payload to every subscription of the user. A user with
// zero subscriptions is a no-op. One dead endpoint never aborts delivery to
// the rest; per-subscription failures are logged and counted.
func (m *Manager) Deliver(ctx context.Context, userID string, payload Payload) Outcome {
	var out Outcome

	subs, err := m.store.ListSubscriptions(ctx, userID)
	if err != nil {
		m.log.Error("list subscriptions", "user", userID, "error", err)
		return out
	}

	body, err := json.Marshal(payload)
	if err != nil {
		m.log.Error("marshal push payload", "user", userID, "error", err)
		return out
	}

	for _, sub := range subs {
		switch err := m.send(ctx, sub, body); {
		case err == nil:
			out.Delivered++
			if err := m.store.TouchSubscription(ctx, userID, sub.Endpoint); err != nil {
				m.log.Warn("touch subscription", "endpoint", sub.Endpoint, "error", err)
			}
		case errors.Is(err, errGone):
			out.Pruned++
			m.log.Info("pruning dead push subscription", "user", userID, "endpoint", sub.Endpoint)
			if err := m.store.DeleteSubscription(ctx, userID, sub.Endpoint); err != nil {
				m.log.Error("delete dead subscription", "endpoint", sub.Endpoint, "error", err)
			}
		default:
			out.Failed++
			m.log.Error("push delivery failed", "user", userID, "endpoint", sub.Endpoint, "error", err)
		}
	}
	return out
}

// send attempts one delivery with bounded constant-delay retries on transient
// failures. Permanent rejections surface as errGone.
func (m *Manager) send(ctx context.Context, sub model.PushSubscription, body []byte) error {
	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}
	opts := &webpush.Options{
		HTTPClient:      m.client,
		Subscriber:      m.contact,
		TTL:             m.ttl,
		VAPIDPublicKey:  m.vapidPub,
		VAPIDPrivateKey: m.vapidPriv,
	}

	backoff := retry.WithMaxRetries(m.maxRetries, retry.NewConstant(m.retryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		// Each attempt gets its own deadline so a hung endpoint cannot
		// stall the poll cycle waiting on this delivery.
		attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()

		resp, err := webpush.SendNotificationWithContext(attemptCtx, body, target, opts)
		if err != nil {
			// Transport errors (including timeouts) may be transient.
			return retry.RetryableError(fmt.Errorf("send push: %w", err))
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone ||
			resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusRequestEntityTooLarge:
			return fmt.Errorf("%w: status %d", errGone, resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("push endpoint status %d", resp.StatusCode))
		default:
			return fmt.Errorf("push endpoint status %d", resp.StatusCode)
		}
	})
}
