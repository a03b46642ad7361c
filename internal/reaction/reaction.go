package reaction

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"huddle/api/internal/store"
)

// MaxEmojiRunes bounds an emoji marker. Multi-codepoint sequences such as flags,
// skin-tone modifiers and ZWJ families fit comfortably.
const MaxEmojiRunes = 8

var ErrInvalidEmoji = errors.New("emoji must be a single non-empty marker of at most 8 characters")

// Group is the aggregate of one emoji on a comment.
type Group struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds"`
}

func ValidateEmoji(emoji string) error {
	trimmed := strings.TrimSpace(emoji)
	if trimmed == "" || trimmed != emoji {
		return ErrInvalidEmoji
	}
	if utf8.RuneCountInString(trimmed) > MaxEmojiRunes {
		return ErrInvalidEmoji
	}
	if strings.IndexFunc(trimmed, unicode.IsSpace) >= 0 {
		return ErrInvalidEmoji
	}
	return nil
}

// RegisterValidation adds the "emoji" tag to v.
func RegisterValidation(v *validator.Validate) error {
	return v.RegisterValidation("emoji", func(fl validator.FieldLevel) bool {
		return ValidateEmoji(fl.Field().String()) == nil
	})
}

// GroupByEmoji folds reactions into one group per emoji, in order of each emoji's first
// appearance.
func GroupByEmoji(reactions []store.Reaction) []Group {
	groups := make([]Group, 0)
	position := map[string]int{}
	for _, r := range reactions {
		i, ok := position[r.Emoji]
		if !ok {
			i = len(groups)
			position[r.Emoji] = i
			groups = append(groups, Group{Emoji: r.Emoji, UserIDs: make([]string, 0, 1)})
		}
		groups[i].Count++
		groups[i].UserIDs = append(groups[i].UserIDs, r.UserID)
	}
	return groups
}

// ReactedBy reports whether userID has reacted with emoji.
func ReactedBy(reactions []store.Reaction, userID, emoji string) bool {
	for _, r := range reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}
