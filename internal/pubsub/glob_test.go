package pubsub

import (
	"testing"

	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"user.*", "user.login", true},
		{"user.*", "admin.login", false},
		{"user.*", "users.created", false},
		{"user.*", "user.", true},
		{"user.*", "user.profile.update", true},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"a?c", "abbc", false},
		{"news.*", "news.sports", true},
		{"news.*", "weather", false},
		{"*", "", true},
		{"*", "anything", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"exact", "inexact", false},
		{"*.log", "app.log", true},
		{"*.log", "app.log.1", false},
		{"[ab]x", "bx", true},
		{"[ab]x", "cx", false},
		{"{foo,bar}.events", "bar.events", true},
		{"literal\\*", "literal*", true},
		{"literal\\*", "literalX", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.topic))
		})
	}
}

func TestCompilePattern_Invalid(t *testing.T) {
	_, err := CompilePattern("[unclosed")
	assert.True(t, kverrors.Is(err, kverrors.ErrCodeMalformedRequest))
	assert.False(t, Match("[unclosed", "[unclosed"))
}
