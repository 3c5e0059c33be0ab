package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"blogwatch/internal/model"
	"blogwatch/internal/poller"
	"blogwatch/internal/push"
)

const latestNotificationLimit = 10

func (s *Server) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNotificationStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userKey(r)

	unread, err := s.store.CountNotifications(ctx, user, true)
	if err != nil {
		s.internalError(w, r, "count unread notifications", err)
		return
	}
	total, err := s.store.CountNotifications(ctx, user, false)
	if err != nil {
		s.internalError(w, r, "count notifications", err)
		return
	}
	latest, err := s.store.ListNotifications(ctx, user, latestNotificationLimit, false)
	if err != nil {
		s.internalError(w, r, "list notifications", err)
		return
	}
	pushEnabled, err := s.store.HasSubscription(ctx, user)
	if err != nil {
		s.internalError(w, r, "check push subscription", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"unread_count":         unread,
		"total":                total,
		"latest_notifications": notificationsToPayload(latest),
		"push_enabled":         pushEnabled,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userKey(r)

	if err := s.store.MarkAllNotificationsRead(ctx, user); err != nil {
		s.internalError(w, r, "mark notifications read", err)
		return
	}
	unread, err := s.store.CountNotifications(ctx, user, true)
	if err != nil {
		s.internalError(w, r, "count unread notifications", err)
		return
	}
	s.log.Info("notifications marked read", "user", user)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "unread": unread})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	user := userKey(r)

	st, err := s.store.GetUserSettings(r.Context(), user)
	if err != nil {
		s.internalError(w, r, "get user settings", err)
		return
	}
	if st == nil {
		defaults := model.DefaultSettings(user)
		st = &defaults
	}
	writeJSON(w, http.StatusOK, settingsToPayload(*st))
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	user := userKey(r)

	var payload settingsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed settings payload"})
		return
	}

	settings, err := payload.validate(user)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
			return
		}
		s.internalError(w, r, "validate settings", err)
		return
	}

	if err := s.store.SaveUserSettings(r.Context(), settings); err != nil {
		s.internalError(w, r, "save user settings", err)
		return
	}
	s.log.Info("settings saved", "user", user)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	user := userKey(r)

	var payload push.SubscriptionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid subscription object"})
		return
	}

	created, err := s.subs.Subscribe(r.Context(), user, payload)
	if err != nil {
		if errors.Is(err, push.ErrInvalidSubscription) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid subscription object"})
			return
		}
		s.internalError(w, r, "subscribe", err)
		return
	}

	if created {
		writeJSON(w, http.StatusCreated, map[string]string{"message": "subscription successful"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "subscription already active"})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	user := userKey(r)

	var payload push.SubscriptionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid subscription object"})
		return
	}

	if err := s.subs.Unsubscribe(r.Context(), user, payload); err != nil {
		if errors.Is(err, push.ErrInvalidSubscription) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid subscription object"})
			return
		}
		s.internalError(w, r, "unsubscribe", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "subscription removed"})
}

// handleRefresh triggers one out-of-cycle poll. A failed refresh reports the
// error but leaves previously fetched content untouched.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.refresher.Refresh(r.Context())
	switch {
	case errors.Is(err, poller.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "refresh already in progress"})
	case err != nil:
		s.log.Error("manual refresh failed", "user", userKey(r), "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": s.refresher.Status()})
	}
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	out := s.tester.SendTest(r.Context(), userKey(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"delivered": out.Delivered,
		"pruned":    out.Pruned,
		"failed":    out.Failed,
	})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.log.Error(msg, "user", userKey(r), "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

type notificationPayload struct {
	ID        int64  `json:"id"`
	PostID    string `json:"post_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	IsUrgent  bool   `json:"is_urgent"`
	IsRead    bool   `json:"is_read"`
	CreatedAt string `json:"created_at"`
}

func notificationsToPayload(list []model.Notification) []notificationPayload {
	out := make([]notificationPayload, 0, len(list))
	for _, n := range list {
		out = append(out, notificationPayload{
			ID:        n.ID,
			PostID:    n.PostID,
			Title:     n.Title,
			Message:   n.Message,
			IsUrgent:  n.IsUrgent,
			IsRead:    n.IsRead,
			CreatedAt: n.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
