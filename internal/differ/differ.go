// Package differ decides which fetched posts are genuinely new.
package differ

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"blogwatch/internal/model"
	"blogwatch/internal/storage"
)

// Differ deduplicates fetched posts against the set of already-known post IDs
// and stamps the urgency flag. The known-keys set lives in the posts table,
// so the new-post decision and the state write commit atomically.
type Differ struct {
	store          storage.Storage
	urgentKeywords []string
	log            *slog.Logger
}

// New creates a Differ. urgentKeywords are matched case-insensitively against
// post titles and content.
func New(store storage.Storage, urgentKeywords []string, log *slog.Logger) *Differ {
	kw := make([]string, 0, len(urgentKeywords))
	for _, k := range urgentKeywords {
		if k = strings.TrimSpace(strings.ToLower(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return &Differ{store: store, urgentKeywords: kw, log: log}
}

// Diff returns only the posts whose ID has not been seen before, preserving
// source order. Urgency is computed here, once, before the post is stored.
func (d *Differ) Diff(ctx context.Context, fetched []model.Post) ([]model.Post, error) {
	for i := range fetched {
		if !fetched[i].IsUrgent {
			fetched[i].IsUrgent = d.isUrgent(fetched[i])
		}
	}

	fresh, err := d.store.SavePosts(ctx, fetched)
	if err != nil {
		return nil, fmt.Errorf("save posts: %w", err)
	}
	if len(fresh) > 0 {
		d.log.Info("detected new posts", "count", len(fresh), "fetched", len(fetched))
	}
	return fresh, nil
}

func (d *Differ) isUrgent(p model.Post) bool {
	text := strings.ToLower(p.Title + " " + p.Content)
	for _, kw := range d.urgentKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
