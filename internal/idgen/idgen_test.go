package idgen

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var subdomainPattern = regexp.MustCompile(`^(?:[a-z0-9][a-z0-9-]{4,63}[a-z0-9]|[a-z0-9]{4,63})$`)

func TestRandomID_MatchesSubdomainSyntax(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := RandomID()
		assert.Regexp(t, subdomainPattern, id)
	}
}

func TestRandomID_IsVeryUnlikelyToCollide(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := RandomID()
		assert.False(t, seen[id], "unexpected collision on %q", id)
		seen[id] = true
	}
}
