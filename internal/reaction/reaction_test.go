package reaction

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/api/internal/store"
)

func TestValidateEmoji(t *testing.T) {
	cases := []struct {
		emoji string
		ok    bool
	}{
		{emoji: "👍", ok: true},
		{emoji: "❤️", ok: true},
		{emoji: "👩‍👩‍👧‍👦", ok: true},
		{emoji: "🇫🇷", ok: true},
		{emoji: ":tada:", ok: true},
		{emoji: "", ok: false},
		{emoji: "   ", ok: false},
		{emoji: " 👍", ok: false},
		{emoji: "👍 👍", ok: false},
		{emoji: "too-long-marker", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.emoji, func(t *testing.T) {
			err := ValidateEmoji(tc.emoji)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidEmoji)
			}
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	v := validator.New()
	require.NoError(t, RegisterValidation(v))

	type body struct {
		Emoji string `validate:"emoji"`
	}
	assert.NoError(t, v.Struct(body{Emoji: "🎉"}))
	assert.Error(t, v.Struct(body{Emoji: "no way"}))
}

func TestGroupByEmojiKeepsFirstSeenOrder(t *testing.T) {
	reactions := []store.Reaction{
		{ID: "r1", UserID: "alice", Emoji: "👍"},
		{ID: "r2", UserID: "bob", Emoji: "🎉"},
		{ID: "r3", UserID: "carol", Emoji: "👍"},
	}

	groups := GroupByEmoji(reactions)
	require.Len(t, groups, 2)
	assert.Equal(t, Group{Emoji: "👍", Count: 2, UserIDs: []string{"alice", "carol"}}, groups[0])
	assert.Equal(t, Group{Emoji: "🎉", Count: 1, UserIDs: []string{"bob"}}, groups[1])
	assert.Empty(t, GroupByEmoji(nil))
}

func TestReactedBy(t *testing.T) {
	reactions := []store.Reaction{{UserID: "alice", Emoji: "👍"}}
	assert.True(t, ReactedBy(reactions, "alice", "👍"))
	assert.False(t, ReactedBy(reactions, "alice", "🎉"))
	assert.False(t, ReactedBy(reactions, "bob", "👍"))
}
