// Package notifier fans new posts out to matching users as notifications.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"blogwatch/internal/filter"
	"blogwatch/internal/model"
	"blogwatch/internal/push"
	"blogwatch/internal/storage"
)

// maxMessageLength caps the notification message body.
const maxMessageLength = 75

// PushSender is the interface for delivering push payloads to a user.
type PushSender interface {
	Deliver(ctx context.Context, userID string, payload push.Payload) push.Outcome
}

// Notifier creates notification records and triggers push delivery.
type Notifier struct {
	store  storage.Storage
	pusher PushSender
	log    *slog.Logger
}

// New creates a Notifier.
func New(store storage.Storage, pusher PushSender, log *slog.Logger) *Notifier {
	return &Notifier{store: store, pusher: pusher, log: log}
}

// Fanout creates one notification per user the post should reach and returns
// the number created. Urgent posts bypass filtering and target every known
// user. Re-running fanout for the same post creates no duplicates; only a
// genuinely new notification triggers push delivery. Per-user failures are
// contained and never abort the batch.
func (n *Notifier) Fanout(ctx context.Context, post model.Post) (int, error) {
	allSettings, err := n.store.ListUserSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("list user settings: %w", err)
	}

	created := 0
	var wg sync.WaitGroup
	for _, settings := range allSettings {
		if !post.IsUrgent && !filter.Matches(post, settings) {
			continue
		}

		notif := buildNotification(post, settings.UserID)
		inserted, err := n.store.CreateNotification(ctx, &notif)
		if err != nil {
			n.log.Error("create notification", "user", settings.UserID, "post", post.ID, "error", err)
			continue
		}
		if !inserted {
			continue
		}
		created++

		if settings.PushEnabled {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				out := n.pusher.Deliver(ctx, userID, payloadFor(post, notif))
				if out.Failed > 0 || out.Pruned > 0 {
					n.log.Warn("push delivery incomplete",
						"user", userID, "delivered", out.Delivered, "pruned", out.Pruned, "failed", out.Failed)
				}
			}(settings.UserID)
		}
	}
	wg.Wait()

	if created > 0 {
		n.log.Info("fanned out post", "post", post.ID, "notifications", created, "urgent", post.IsUrgent)
	}
	return created, nil
}

// SendTest delivers a canned payload to the user's subscriptions so they can
// verify their settings.
func (n *Notifier) SendTest(ctx context.Context, userID string) push.Outcome {
	return n.pusher.Deliver(ctx, userID, push.Payload{
		Title: "Test Notification",
		Body:  "This is a test notification to verify your settings are working correctly.",
	})
}

func buildNotification(post model.Post, userID string) model.Notification {
	title := post.Title
	if post.IsUrgent {
		title = "URGENT: " + title
	}
	return model.Notification{
		UserID:   userID,
		PostID:   post.ID,
		Title:    title,
		Message:  truncate(post.Content, maxMessageLength),
		IsUrgent: post.IsUrgent,
	}
}

func payloadFor(post model.Post, notif model.Notification) push.Payload {
	p := push.Payload{
		Title:  notif.Title,
		Body:   notif.Message,
		URL:    post.Link,
		PostID: post.ID,
		Urgent: post.IsUrgent,
	}
	if post.HasImage {
		p.Icon = post.ImageURL
	}
	return p
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}
