// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"

	"blogwatch/internal/model"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	// SavePosts inserts the given posts, ignoring already-known IDs, and
	// returns only the genuinely new ones in their original order.
	SavePosts(ctx context.Context, posts []model.Post) ([]model.Post, error)
	LatestPosts(ctx context.Context, limit int) ([]model.Post, error)

	GetPollState(ctx context.Context) (*model.PollState, error)
	SavePollState(ctx context.Context, st *model.PollState) error

	GetUserSettings(ctx context.Context, userID string) (*model.UserSettings, error)
	ListUserSettings(ctx context.Context) ([]model.UserSettings, error)
	SaveUserSettings(ctx context.Context, s *model.UserSettings) error

	// CreateNotification inserts a notification unless one already exists
	// for the same (user, post) pair. Reports whether a row was created.
	CreateNotification(ctx context.Context, n *model.Notification) (bool, error)
	ListNotifications(ctx context.Context, userID string, limit int, unreadOnly bool) ([]model.Notification, error)
	CountNotifications(ctx context.Context, userID string, unreadOnly bool) (int, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) error

	// UpsertSubscription creates a subscription or refreshes the keys of an
	// existing (user, endpoint) pair. Reports whether a new row was created.
	UpsertSubscription(ctx context.Context, sub *model.PushSubscription) (bool, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) error
	ListSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
	HasSubscription(ctx context.Context, userID string) (bool, error)
	TouchSubscription(ctx context.Context, userID, endpoint string) error

	Close() error
}
