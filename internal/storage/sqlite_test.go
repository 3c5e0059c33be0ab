package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"blogwatch/internal/model"
)

var ignorePostTS = cmpopts.IgnoreFields(model.Post{}, "CreatedAt")
var ignoreSettingsTS = cmpopts.IgnoreFields(model.UserSettings{}, "UpdatedAt")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func somePost(id, title string) model.Post {
	return model.Post{
		ID:          id,
		Title:       title,
		Content:     "content of " + title,
		PublishedAt: time.Date(2025, time.January, 5, 0, 0, 0, 0, time.UTC),
		Link:        "https://blog.example.com/" + id,
		Location:    "Budapest",
		Department:  "Engineering",
		Category:    "Maintenance",
	}
}

func TestSavePostsReturnsOnlyNew(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	a := somePost("a", "Post A")
	b := somePost("b", "Post B")
	c := somePost("c", "Post C")

	fresh, err := s.SavePosts(ctx, []model.Post{a, b})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if diff := cmp.Diff([]model.Post{a, b}, fresh, ignorePostTS); diff != "" {
		t.Errorf("first save mismatch (-want +got):\n%s", diff)
	}

	// Overlapping batch: only the genuinely new post comes back.
	fresh, err = s.SavePosts(ctx, []model.Post{a, b, c})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if diff := cmp.Diff([]model.Post{c}, fresh, ignorePostTS); diff != "" {
		t.Errorf("second save mismatch (-want +got):\n%s", diff)
	}

	// Fully seen batch yields nothing.
	fresh, err = s.SavePosts(ctx, []model.Post{a, b, c})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("expected no new posts, got %d", len(fresh))
	}
}

func TestSavePostsPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/posts.db"

	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	if _, err := s.SavePosts(ctx, []model.Post{somePost("a", "Post A")}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	fresh, err := s.SavePosts(ctx, []model.Post{somePost("a", "Post A"), somePost("b", "Post B")})
	if err != nil {
		t.Fatalf("save after reopen: %v", err)
	}
	if len(fresh) != 1 || fresh[0].ID != "b" {
		t.Fatalf("expected only post b to be new, got %+v", fresh)
	}
}

func TestLatestPosts(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	old := somePost("old", "Old Post")
	old.PublishedAt = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	recent := somePost("recent", "Recent Post")
	recent.PublishedAt = time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.SavePosts(ctx, []model.Post{old, recent}); err != nil {
		t.Fatalf("save: %v", err)
	}

	posts, err := s.LatestPosts(ctx, 1)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(posts) != 1 || posts[0].ID != "recent" {
		t.Fatalf("expected newest post only, got %+v", posts)
	}
}

func TestPollStateRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	st, err := s.GetPollState(ctx)
	if err != nil {
		t.Fatalf("get empty state: %v", err)
	}
	if st.ConsecutiveFailures != 0 || st.LastPollAt != nil {
		t.Fatalf("expected zero state, got %+v", st)
	}

	at := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SavePollState(ctx, &model.PollState{
		LastPollAt:          &at,
		ConsecutiveFailures: 3,
		LastError:           "fetch: timeout",
	}); err != nil {
		t.Fatalf("save state: %v", err)
	}

	st, err = s.GetPollState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.ConsecutiveFailures != 3 || st.LastError != "fetch: timeout" {
		t.Errorf("unexpected state: %+v", st)
	}
	if st.LastPollAt == nil || !st.LastPollAt.Equal(at) {
		t.Errorf("unexpected last poll time: %v", st.LastPollAt)
	}

	// A successful poll overwrites the failure streak.
	if err := s.SavePollState(ctx, &model.PollState{LastPollAt: &at}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	st, err = s.GetPollState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.ConsecutiveFailures != 0 || st.LastError != "" {
		t.Errorf("expected reset state, got %+v", st)
	}
}

func TestUserSettingsRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	got, err := s.GetUserSettings(ctx, "nobody")
	if err != nil {
		t.Fatalf("get missing settings: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown user, got %+v", got)
	}

	st := model.UserSettings{
		UserID:                "alice",
		Language:              "hu",
		DesktopEnabled:        true,
		PushEnabled:           true,
		KeywordFilterEnabled:  true,
		Keywords:              []string{"maintenance", "outage"},
		LocationFilterEnabled: true,
		Locations:             []string{"Budapest"},
	}
	if err := s.SaveUserSettings(ctx, &st); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	got, err = s.GetUserSettings(ctx, "alice")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if diff := cmp.Diff(&st, got, ignoreSettingsTS); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}

	// Upsert replaces the whole row, including emptied lists.
	st.Keywords = nil
	st.KeywordFilterEnabled = false
	if err := s.SaveUserSettings(ctx, &st); err != nil {
		t.Fatalf("resave settings: %v", err)
	}
	got, err = s.GetUserSettings(ctx, "alice")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if got.KeywordFilterEnabled || len(got.Keywords) != 0 {
		t.Errorf("expected cleared keyword filter, got %+v", got)
	}

	all, err := s.ListUserSettings(ctx)
	if err != nil {
		t.Fatalf("list settings: %v", err)
	}
	if len(all) != 1 || all[0].UserID != "alice" {
		t.Fatalf("unexpected settings list: %+v", all)
	}
}

func TestCreateNotificationDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	n := model.Notification{UserID: "alice", PostID: "a", Title: "Post A", Message: "content"}
	created, err := s.CreateNotification(ctx, &n)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created || n.ID == 0 {
		t.Fatalf("expected created notification with ID, got created=%v id=%d", created, n.ID)
	}

	dup := model.Notification{UserID: "alice", PostID: "a", Title: "Post A", Message: "content"}
	created, err = s.CreateNotification(ctx, &dup)
	if err != nil {
		t.Fatalf("create duplicate: %v", err)
	}
	if created {
		t.Error("expected duplicate to be ignored")
	}

	// Same post for another user is a distinct notification.
	other := model.Notification{UserID: "bob", PostID: "a", Title: "Post A", Message: "content"}
	created, err = s.CreateNotification(ctx, &other)
	if err != nil {
		t.Fatalf("create for other user: %v", err)
	}
	if !created {
		t.Error("expected notification for second user")
	}
}

func TestNotificationListingAndRead(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	for _, postID := range []string{"a", "b", "c"} {
		n := model.Notification{UserID: "alice", PostID: postID, Title: "Post " + postID, Message: "m"}
		if _, err := s.CreateNotification(ctx, &n); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	unread, err := s.CountNotifications(ctx, "alice", true)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if unread != 3 {
		t.Fatalf("expected 3 unread, got %d", unread)
	}

	list, err := s.ListNotifications(ctx, "alice", 2, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(list))
	}
	// Newest first.
	if list[0].PostID != "c" || list[1].PostID != "b" {
		t.Errorf("unexpected order: %s, %s", list[0].PostID, list[1].PostID)
	}

	if err := s.MarkAllNotificationsRead(ctx, "alice"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	unread, err = s.CountNotifications(ctx, "alice", true)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if unread != 0 {
		t.Errorf("expected 0 unread after mark, got %d", unread)
	}
	total, err := s.CountNotifications(ctx, "alice", false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 {
		t.Errorf("expected 3 total, got %d", total)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	sub := model.PushSubscription{
		UserID:   "alice",
		Endpoint: "https://push.example.com/sub/1",
		P256dh:   "p256dh-key",
		Auth:     "auth-secret",
	}
	created, err := s.UpsertSubscription(ctx, &sub)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created || sub.ID == 0 {
		t.Fatalf("expected new subscription, got created=%v id=%d", created, sub.ID)
	}

	has, err := s.HasSubscription(ctx, "alice")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !has {
		t.Error("expected user to have a subscription")
	}

	// Re-subscribing the same endpoint rotates keys without inserting.
	rotated := model.PushSubscription{
		UserID:   "alice",
		Endpoint: "https://push.example.com/sub/1",
		P256dh:   "new-p256dh",
		Auth:     "new-auth",
	}
	created, err = s.UpsertSubscription(ctx, &rotated)
	if err != nil {
		t.Fatalf("upsert existing: %v", err)
	}
	if created {
		t.Error("expected existing subscription to be updated, not created")
	}
	if rotated.ID != sub.ID {
		t.Errorf("expected resubscribe to report existing id %d, got %d", sub.ID, rotated.ID)
	}

	subs, err := s.ListSubscriptions(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].P256dh != "new-p256dh" || subs[0].Auth != "new-auth" {
		t.Errorf("expected rotated keys, got %+v", subs[0])
	}

	if err := s.TouchSubscription(ctx, "alice", sub.Endpoint); err != nil {
		t.Fatalf("touch: %v", err)
	}
	subs, err = s.ListSubscriptions(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if subs[0].LastUsedAt == nil {
		t.Error("expected last_used_at to be set after touch")
	}

	if err := s.DeleteSubscription(ctx, "alice", sub.Endpoint); err != nil {
		t.Fatalf("delete: %v", err)
	}
	has, err = s.HasSubscription(ctx, "alice")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if has {
		t.Error("expected subscription to be gone")
	}
}

func TestUpsertSubscriptionConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	// Two simultaneous subscribes of the same (user, endpoint) must both
	// succeed: one creates the row, the other refreshes it.
	const workers = 2
	errs := make(chan error, workers)
	createdCh := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := model.PushSubscription{
				UserID:   "alice",
				Endpoint: "https://push.example.com/sub/1",
				P256dh:   "p256dh-key",
				Auth:     "auth-secret",
			}
			created, err := s.UpsertSubscription(ctx, &sub)
			errs <- err
			createdCh <- created
		}()
	}
	wg.Wait()
	close(errs)
	close(createdCh)

	for err := range errs {
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	var createdCount int
	for created := range createdCh {
		if created {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Errorf("expected exactly one creation, got %d", createdCount)
	}

	subs, err := s.ListSubscriptions(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("expected 1 subscription, got %d", len(subs))
	}
}

func TestTouchSubscriptionScopedToUser(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	// Same endpoint registered by two users, e.g. a shared browser profile.
	endpoint := "https://push.example.com/sub/shared"
	for _, user := range []string{"alice", "bob"} {
		sub := model.PushSubscription{
			UserID:   user,
			Endpoint: endpoint,
			P256dh:   "p256dh-" + user,
			Auth:     "auth-" + user,
		}
		if _, err := s.UpsertSubscription(ctx, &sub); err != nil {
			t.Fatalf("upsert %s: %v", user, err)
		}
	}

	if err := s.TouchSubscription(ctx, "alice", endpoint); err != nil {
		t.Fatalf("touch: %v", err)
	}

	aliceSubs, err := s.ListSubscriptions(ctx, "alice")
	if err != nil {
		t.Fatalf("list alice: %v", err)
	}
	if aliceSubs[0].LastUsedAt == nil {
		t.Error("expected alice's subscription to be touched")
	}
	bobSubs, err := s.ListSubscriptions(ctx, "bob")
	if err != nil {
		t.Fatalf("list bob: %v", err)
	}
	if bobSubs[0].LastUsedAt != nil {
		t.Error("expected bob's subscription to stay untouched")
	}
}
