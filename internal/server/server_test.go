package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"blogwatch/internal/model"
	"blogwatch/internal/poller"
	"blogwatch/internal/push"
	"blogwatch/internal/storage"
)

type fakeSubs struct {
	created bool
	err     error
}

func (f *fakeSubs) Subscribe(_ context.Context, _ string, payload push.SubscriptionPayload) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if err := payload.Validate(); err != nil {
		return false, err
	}
	return f.created, nil
}

func (f *fakeSubs) Unsubscribe(_ context.Context, _ string, payload push.SubscriptionPayload) error {
	if payload.Endpoint == "" {
		return push.ErrInvalidSubscription
	}
	return f.err
}

type fakeTester struct {
	outcome push.Outcome
}

func (f *fakeTester) SendTest(context.Context, string) push.Outcome {
	return f.outcome
}

type fakeRefresher struct {
	err error
}

func (f *fakeRefresher) Refresh(context.Context) error {
	return f.err
}

func (f *fakeRefresher) Status() poller.Status {
	return poller.Status{Running: true, NextInterval: "15m0s"}
}

type serverHarness struct {
	store     storage.Storage
	subs      *fakeSubs
	refresher *fakeRefresher
	handler   http.Handler
}

func newHarness(t *testing.T) *serverHarness {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	subs := &fakeSubs{created: true}
	refresher := &fakeRefresher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(":0", store, subs, &fakeTester{outcome: push.Outcome{Delivered: 1}}, refresher, log)

	return &serverHarness{
		store:     store,
		subs:      subs,
		refresher: refresher,
		handler:   srv.routes(),
	}
}

func (h *serverHarness) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set(userKeyHeader, user)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealthcheckIsPublic(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMissingUserKeyIsRejected(t *testing.T) {
	h := newHarness(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/notifications/status"},
		{http.MethodPost, "/api/notifications/mark-read"},
		{http.MethodGet, "/api/notifications/settings"},
		{http.MethodPost, "/api/subscriptions"},
		{http.MethodPost, "/api/refresh"},
	}
	for _, p := range paths {
		rec := h.do(t, p.method, p.path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", p.method, p.path, rec.Code)
		}
	}
}

func TestNotificationStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for _, postID := range []string{"a", "b"} {
		n := model.Notification{UserID: "alice", PostID: postID, Title: "Post " + postID, Message: "m"}
		if _, err := h.store.CreateNotification(ctx, &n); err != nil {
			t.Fatalf("seed notification: %v", err)
		}
	}

	rec := h.do(t, http.MethodGet, "/api/notifications/status", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	body := decodeBody(t, rec)
	if body["unread_count"].(float64) != 2 {
		t.Errorf("unexpected unread_count: %v", body["unread_count"])
	}
	if body["total"].(float64) != 2 {
		t.Errorf("unexpected total: %v", body["total"])
	}
	if body["push_enabled"].(bool) {
		t.Error("expected push_enabled false without subscriptions")
	}
	latest := body["latest_notifications"].([]any)
	if len(latest) != 2 {
		t.Errorf("expected 2 notifications, got %d", len(latest))
	}
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	n := model.Notification{UserID: "alice", PostID: "a", Title: "Post A", Message: "m"}
	if _, err := h.store.CreateNotification(ctx, &n); err != nil {
		t.Fatalf("seed notification: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/api/notifications/mark-read", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["unread"].(float64) != 0 {
		t.Errorf("expected 0 unread, got %v", body["unread"])
	}
}

func TestGetSettingsReturnsDefaults(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/notifications/settings", "newcomer", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["language"] != "en" {
		t.Errorf("expected default language en, got %v", body["language"])
	}
	if body["desktopNotifications"] != true || body["pushNotifications"] != true {
		t.Errorf("expected notifications enabled by default, got %v", body)
	}
}

func TestSaveSettings(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{
			name: "valid payload",
			body: `{"language":"hu","desktopNotifications":true,"pushNotifications":false,
				"keywordFilter":{"enabled":true},"keywords":["maintenance","outage"],
				"locationFilter":{"enabled":true,"locations":["Budapest"]}}`,
			wantCode: http.StatusOK,
		},
		{
			name:     "malformed json",
			body:     `{"language":`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unsupported language",
			body:     `{"language":"de"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "keyword too short",
			body:     `{"language":"en","keywords":["ok"]}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name: "too many keywords",
			body: `{"language":"en","keywords":["keyword01","keyword02","keyword03","keyword04",
				"keyword05","keyword06","keyword07","keyword08","keyword09","keyword10",
				"keyword11","keyword12","keyword13","keyword14","keyword15","keyword16",
				"keyword17","keyword18","keyword19","keyword20","keyword21"]}`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/notifications/settings", "alice", tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body)
			}
		})
	}
}

func TestSaveSettingsRoundtrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	body := `{"language":"sv","desktopNotifications":false,"pushNotifications":true,
		"keywordFilter":{"enabled":true},"keywords":["incident"],
		"locationFilter":{"enabled":false,"locations":[]}}`
	rec := h.do(t, http.MethodPost, "/api/notifications/settings", "alice", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	st, err := h.store.GetUserSettings(ctx, "alice")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if st == nil {
		t.Fatal("expected stored settings")
	}
	if st.Language != "sv" || st.DesktopEnabled || !st.PushEnabled {
		t.Errorf("unexpected stored settings: %+v", st)
	}
	if !st.KeywordFilterEnabled || len(st.Keywords) != 1 || st.Keywords[0] != "incident" {
		t.Errorf("unexpected keyword filter: %+v", st)
	}
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t)

	valid := `{"endpoint":"https://push.example.com/1","keys":{"p256dh":"pk","auth":"secret"}}`

	rec := h.do(t, http.MethodPost, "/api/subscriptions", "alice", valid)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	// Upsert of an already-known endpoint reports 200.
	h.subs.created = false
	rec = h.do(t, http.MethodPost, "/api/subscriptions", "alice", valid)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/subscriptions", "alice", `{"endpoint":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/subscriptions", "alice", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodDelete, "/api/subscriptions", "alice", `{"endpoint":"https://push.example.com/1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodDelete, "/api/subscriptions", "alice", `{"endpoint":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRefresh(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/refresh", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("expected success, got %v", body)
	}

	h.refresher.err = poller.ErrBusy
	rec = h.do(t, http.MethodPost, "/api/refresh", "alice", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while busy, got %d", rec.Code)
	}

	h.refresher.err = errors.New("fetch: network error")
	rec = h.do(t, http.MethodPost, "/api/refresh", "alice", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on failure, got %d", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["success"] != false {
		t.Errorf("expected success=false, got %v", body)
	}
}

func TestTestNotification(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/test-notification", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["delivered"].(float64) != 1 {
		t.Errorf("expected delivered=1, got %v", body)
	}
}
