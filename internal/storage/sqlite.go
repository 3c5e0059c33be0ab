package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"blogwatch/internal/model"
	"blogwatch/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite handles one writer at a time; a single pooled connection also
	// keeps ":memory:" databases from being recreated per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SavePosts inserts posts inside one transaction and returns the new ones.
// The commit is the last step so a crash mid-cycle re-notifies instead of
// silently dropping posts.
func (s *SQLite) SavePosts(ctx context.Context, posts []model.Post) ([]model.Post, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	var fresh []model.Post
	for _, p := range posts {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO posts
			 (id, title, content, published_at, link, location, department, category,
			  is_urgent, has_image, image_url, likes, comments, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Title, p.Content, p.PublishedAt.UTC().Format(timeLayout), p.Link,
			p.Location, p.Department, p.Category,
			boolToInt(p.IsUrgent), boolToInt(p.HasImage), p.ImageURL, p.Likes, p.Comments, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert post %s: %w", p.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if n > 0 {
			p.CreatedAt, _ = time.Parse(timeLayout, now)
			fresh = append(fresh, p)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit posts: %w", err)
	}
	return fresh, nil
}

// LatestPosts returns the most recently published posts.
func (s *SQLite) LatestPosts(ctx context.Context, limit int) ([]model.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, content, published_at, link, location, department, category,
		        is_urgent, has_image, image_url, likes, comments, created_at
		 FROM posts ORDER BY published_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// GetPollState returns the singleton poll state, or a zero state when the
// process has never polled.
func (s *SQLite) GetPollState(ctx context.Context) (*model.PollState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_poll_at, consecutive_failures, last_error, updated_at FROM poll_state WHERE id = 1`,
	)
	var st model.PollState
	var lastPoll sql.NullString
	var updated string
	err := row.Scan(&lastPoll, &st.ConsecutiveFailures, &st.LastError, &updated)
	if err == sql.ErrNoRows {
		return &model.PollState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan poll state: %w", err)
	}
	if lastPoll.Valid {
		t, _ := time.Parse(timeLayout, lastPoll.String)
		st.LastPollAt = &t
	}
	st.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &st, nil
}

// SavePollState upserts the singleton poll state row.
func (s *SQLite) SavePollState(ctx context.Context, st *model.PollState) error {
	var lastPoll *string
	if st.LastPollAt != nil {
		v := st.LastPollAt.UTC().Format(timeLayout)
		lastPoll = &v
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO poll_state (id, last_poll_at, consecutive_failures, last_error, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   last_poll_at = excluded.last_poll_at,
		   consecutive_failures = excluded.consecutive_failures,
		   last_error = excluded.last_error,
		   updated_at = excluded.updated_at`,
		lastPoll, st.ConsecutiveFailures, st.LastError, now,
	)
	if err != nil {
		return fmt.Errorf("save poll state: %w", err)
	}
	return nil
}

// GetUserSettings returns a user's settings, or nil if the user never saved any.
func (s *SQLite) GetUserSettings(ctx context.Context, userID string) (*model.UserSettings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, language, desktop_enabled, push_enabled,
		        keyword_filter_enabled, keywords, location_filter_enabled, locations, updated_at
		 FROM user_settings WHERE user_id = ?`, userID,
	)
	st, err := scanSettings(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListUserSettings returns settings for every known user.
func (s *SQLite) ListUserSettings(ctx context.Context) ([]model.UserSettings, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, language, desktop_enabled, push_enabled,
		        keyword_filter_enabled, keywords, location_filter_enabled, locations, updated_at
		 FROM user_settings ORDER BY user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query user settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var all []model.UserSettings
	for rows.Next() {
		st, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, st)
	}
	return all, rows.Err()
}

// SaveUserSettings upserts a user's settings as a single all-or-nothing write.
func (s *SQLite) SaveUserSettings(ctx context.Context, st *model.UserSettings) error {
	keywords, err := json.Marshal(emptyIfNil(st.Keywords))
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	locations, err := json.Marshal(emptyIfNil(st.Locations))
	if err != nil {
		return fmt.Errorf("marshal locations: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_settings
		 (user_id, language, desktop_enabled, push_enabled,
		  keyword_filter_enabled, keywords, location_filter_enabled, locations, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   language = excluded.language,
		   desktop_enabled = excluded.desktop_enabled,
		   push_enabled = excluded.push_enabled,
		   keyword_filter_enabled = excluded.keyword_filter_enabled,
		   keywords = excluded.keywords,
		   location_filter_enabled = excluded.location_filter_enabled,
		   locations = excluded.locations,
		   updated_at = excluded.updated_at`,
		st.UserID, st.Language, boolToInt(st.DesktopEnabled), boolToInt(st.PushEnabled),
		boolToInt(st.KeywordFilterEnabled), string(keywords),
		boolToInt(st.LocationFilterEnabled), string(locations), now,
	)
	if err != nil {
		return fmt.Errorf("save user settings: %w", err)
	}
	st.UpdatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// CreateNotification inserts a notification, deduplicated on (user, post).
func (s *SQLite) CreateNotification(ctx context.Context, n *model.Notification) (bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notifications (user_id, post_id, title, message, is_urgent, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		n.UserID, n.PostID, n.Title, n.Message, boolToInt(n.IsUrgent), now,
	)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	n.ID = id
	n.CreatedAt, _ = time.Parse(timeLayout, now)
	return true, nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *SQLite) ListNotifications(ctx context.Context, userID string, limit int, unreadOnly bool) ([]model.Notification, error) {
	q := `SELECT id, user_id, post_id, title, message, is_urgent, is_read, created_at
	      FROM notifications WHERE user_id = ?`
	if unreadOnly {
		q += ` AND is_read = 0`
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []model.Notification
	for rows.Next() {
		var n model.Notification
		var isUrgent, isRead int
		var created string
		if err := rows.Scan(&n.ID, &n.UserID, &n.PostID, &n.Title, &n.Message, &isUrgent, &isRead, &created); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.IsUrgent = isUrgent == 1
		n.IsRead = isRead == 1
		n.CreatedAt, _ = time.Parse(timeLayout, created)
		list = append(list, n)
	}
	return list, rows.Err()
}

// CountNotifications counts a user's notifications, optionally unread only.
func (s *SQLite) CountNotifications(ctx context.Context, userID string, unreadOnly bool) (int, error) {
	q := `SELECT COUNT(*) FROM notifications WHERE user_id = ?`
	if unreadOnly {
		q += ` AND is_read = 0`
	}
	var count int
	if err := s.db.QueryRowContext(ctx, q, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

// MarkAllNotificationsRead flips the read flag on all of a user's notifications.
func (s *SQLite) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID,
	)
	if err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}

// UpsertSubscription creates or refreshes a push subscription. The insert
// yields to an existing (user, endpoint) row, so two concurrent subscribes
// never trip the UNIQUE constraint.
func (s *SQLite) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) (bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, endpoint) DO NOTHING`,
		sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return false, fmt.Errorf("last insert id: %w", err)
		}
		sub.ID = id
		sub.CreatedAt, _ = time.Parse(timeLayout, now)
		return true, nil
	}

	// Re-subscribing the same endpoint rotates the keys.
	_, err = s.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET p256dh = ?, auth = ?, last_used_at = ?
		 WHERE user_id = ? AND endpoint = ?`,
		sub.P256dh, sub.Auth, now, sub.UserID, sub.Endpoint,
	)
	if err != nil {
		return false, fmt.Errorf("update subscription: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`,
		sub.UserID, sub.Endpoint,
	).Scan(&sub.ID)
	if err != nil {
		return false, fmt.Errorf("lookup subscription: %w", err)
	}
	return false, nil
}

// DeleteSubscription removes a subscription by (user, endpoint).
func (s *SQLite) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`, userID, endpoint,
	)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns all push subscriptions for a user.
func (s *SQLite) ListSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, endpoint, p256dh, auth, created_at, last_used_at
		 FROM push_subscriptions WHERE user_id = ? ORDER BY id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.PushSubscription
	for rows.Next() {
		var sub model.PushSubscription
		var created string
		var lastUsed sql.NullString
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &created, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.CreatedAt, _ = time.Parse(timeLayout, created)
		if lastUsed.Valid {
			t, _ := time.Parse(timeLayout, lastUsed.String)
			sub.LastUsedAt = &t
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// HasSubscription reports whether the user holds at least one subscription.
func (s *SQLite) HasSubscription(ctx context.Context, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM push_subscriptions WHERE user_id = ?`, userID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return count > 0, nil
}

// TouchSubscription bumps the last-used timestamp after a successful delivery.
// Keyed by (user, endpoint) so two users sharing an endpoint never touch each
// other's rows.
func (s *SQLite) TouchSubscription(ctx context.Context, userID, endpoint string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET last_used_at = ? WHERE user_id = ? AND endpoint = ?`,
		now, userID, endpoint,
	)
	if err != nil {
		return fmt.Errorf("touch subscription: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPost(row scannable) (model.Post, error) {
	var p model.Post
	var published, created string
	var isUrgent, hasImage int
	err := row.Scan(&p.ID, &p.Title, &p.Content, &published, &p.Link, &p.Location,
		&p.Department, &p.Category, &isUrgent, &hasImage, &p.ImageURL, &p.Likes, &p.Comments, &created)
	if err != nil {
		return p, fmt.Errorf("scan post: %w", err)
	}
	p.IsUrgent = isUrgent == 1
	p.HasImage = hasImage == 1
	p.PublishedAt, _ = time.Parse(timeLayout, published)
	p.CreatedAt, _ = time.Parse(timeLayout, created)
	return p, nil
}

func scanSettings(row scannable) (model.UserSettings, error) {
	var st model.UserSettings
	var desktop, push, kwEnabled, locEnabled int
	var keywords, locations, updated string
	err := row.Scan(&st.UserID, &st.Language, &desktop, &push,
		&kwEnabled, &keywords, &locEnabled, &locations, &updated)
	if err != nil {
		return st, err
	}
	st.DesktopEnabled = desktop == 1
	st.PushEnabled = push == 1
	st.KeywordFilterEnabled = kwEnabled == 1
	st.LocationFilterEnabled = locEnabled == 1
	if err := json.Unmarshal([]byte(keywords), &st.Keywords); err != nil {
		return st, fmt.Errorf("unmarshal keywords: %w", err)
	}
	if err := json.Unmarshal([]byte(locations), &st.Locations); err != nil {
		return st, fmt.Errorf("unmarshal locations: %w", err)
	}
	st.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return st, nil
}
