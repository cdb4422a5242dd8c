package pubsub

import (
	"github.com/gobwas/glob"

	kverrors "github.com/devrev/hashkv/internal/errors"
)

// CompilePattern compiles a subscription pattern. Patterns are anchored:
// "*" matches any run of characters (dots included) and "?" exactly one.
// Character classes, alternatives and backslash escapes follow gobwas/glob.
func CompilePattern(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, kverrors.MalformedRequest("invalid pattern "+pattern, err).
			WithDetail("pattern", pattern)
	}
	return g, nil
}

// Match reports whether topic matches pattern. An invalid pattern matches
// nothing.
func Match(pattern, topic string) bool {
	g, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return g.Match(topic)
}
