package server

import (
	"fmt"

	"blogwatch/internal/model"
)

// Settings payload constraints.
const (
	maxKeywords      = 20
	minKeywordLength = 3
)

var allowedLanguages = map[string]bool{"en": true, "hu": true, "sv": true}

// ValidationError marks a malformed settings payload, surfaced as a 4xx.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// filterPayload is the enabled-flag-plus-criteria shape both filters share.
type filterPayload struct {
	Enabled   bool     `json:"enabled"`
	Locations []string `json:"locations,omitempty"`
}

// settingsPayload is the wire shape of user settings.
type settingsPayload struct {
	Language             string        `json:"language"`
	DesktopNotifications bool          `json:"desktopNotifications"`
	PushNotifications    bool          `json:"pushNotifications"`
	KeywordFilter        filterPayload `json:"keywordFilter"`
	Keywords             []string      `json:"keywords"`
	LocationFilter       filterPayload `json:"locationFilter"`
}

// validate checks the payload and converts it into the domain type.
// The write is all-or-nothing: any violation rejects the whole update.
func (p *settingsPayload) validate(userID string) (*model.UserSettings, error) {
	if !allowedLanguages[p.Language] {
		return nil, validationErrorf("unsupported language %q", p.Language)
	}
	if len(p.Keywords) > maxKeywords {
		return nil, validationErrorf("at most %d keywords allowed", maxKeywords)
	}
	for _, kw := range p.Keywords {
		if len(kw) < minKeywordLength {
			return nil, validationErrorf("keyword %q shorter than %d characters", kw, minKeywordLength)
		}
	}

	return &model.UserSettings{
		UserID:                userID,
		Language:              p.Language,
		DesktopEnabled:        p.DesktopNotifications,
		PushEnabled:           p.PushNotifications,
		KeywordFilterEnabled:  p.KeywordFilter.Enabled,
		Keywords:              p.Keywords,
		LocationFilterEnabled: p.LocationFilter.Enabled,
		Locations:             p.LocationFilter.Locations,
	}, nil
}

func settingsToPayload(st model.UserSettings) settingsPayload {
	return settingsPayload{
		Language:             st.Language,
		DesktopNotifications: st.DesktopEnabled,
		PushNotifications:    st.PushEnabled,
		KeywordFilter:        filterPayload{Enabled: st.KeywordFilterEnabled},
		Keywords:             st.Keywords,
		LocationFilter:       filterPayload{Enabled: st.LocationFilterEnabled, Locations: st.Locations},
	}
}
