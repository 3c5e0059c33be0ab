// Package filter implements the per-user post matching engine.
package filter

import (
	"strings"

	"blogwatch/internal/model"
)

// Matches reports whether a post passes a user's filter settings.
//
// An enabled filter with an empty criteria set means "no restriction", not
// "match nothing". Enabled filters combine with AND; a disabled filter
// contributes no constraint. Matches is pure and safe to call concurrently.
func Matches(post model.Post, settings model.UserSettings) bool {
	if settings.KeywordFilterEnabled && !matchesKeywords(post, settings.Keywords) {
		return false
	}
	if settings.LocationFilterEnabled && !matchesLocation(post, settings.Locations) {
		return false
	}
	return true
}

// matchesKeywords passes when any keyword appears in the post's title or
// content, case-insensitively.
func matchesKeywords(post model.Post, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	text := strings.ToLower(post.Title + " " + post.Content)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// matchesLocation passes when the post's location is in the configured set.
// Posts without a location tag bypass location filtering entirely.
func matchesLocation(post model.Post, locations []string) bool {
	if len(locations) == 0 || post.Location == "" {
		return true
	}
	for _, loc := range locations {
		if strings.EqualFold(loc, post.Location) {
			return true
		}
	}
	return false
}
