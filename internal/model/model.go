// Package model defines the domain types used across the application.
package model

import "time"

// Post represents a single blog post fetched from the monitored source.
// Posts are immutable once stored; a re-fetch of the same ID is the same post.
type Post struct {
	ID          string
	Title       string
	Content     string
	PublishedAt time.Time
	Link        string
	Location    string
	Department  string
	Category    string
	IsUrgent    bool
	HasImage    bool
	ImageURL    string
	Likes       int
	Comments    int
	CreatedAt   time.Time
}

// PollState is the singleton record tracking the poller across restarts.
type PollState struct {
	LastPollAt          *time.Time
	ConsecutiveFailures int
	LastError           string
	UpdatedAt           time.Time
}

// UserSettings holds one user's notification preferences.
// An enabled filter with an empty criteria set means "no restriction".
type UserSettings struct {
	UserID                string
	Language              string
	DesktopEnabled        bool
	PushEnabled           bool
	KeywordFilterEnabled  bool
	Keywords              []string
	LocationFilterEnabled bool
	Locations             []string
	UpdatedAt             time.Time
}

// DefaultSettings returns the settings applied to users who never saved any.
func DefaultSettings(userID string) UserSettings {
	return UserSettings{
		UserID:         userID,
		Language:       "en",
		DesktopEnabled: true,
		PushEnabled:    true,
	}
}

// Notification is one (user, post) delivery record.
type Notification struct {
	ID        int64
	UserID    string
	PostID    string
	Title     string
	Message   string
	IsUrgent  bool
	IsRead    bool
	CreatedAt time.Time
}

// PushSubscription is a browser-registered Web Push endpoint for a user.
// A user may hold several, one per device.
type PushSubscription struct {
	ID         int64
	UserID     string
	Endpoint   string
	P256dh     string
	Auth       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
