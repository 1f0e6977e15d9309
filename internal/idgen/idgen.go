// Package idgen generates random, human-readable subdomain ids for tunnel
// clients that do not request a specific one. The adjective-noun pairing
// is local (nothing in the retrieved example pack ships a wordlist-based
// id generator), but the hex suffix that breaks ties between repeated
// pairings is drawn from github.com/google/uuid rather than hand-rolled,
// matching the teacher's id-generation dependency.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

var adjectives = []string{
	"quick", "lazy", "brave", "calm", "eager", "fuzzy", "gentle", "happy",
	"jolly", "kind", "lively", "merry", "nice", "proud", "quiet", "rapid",
	"silly", "tidy", "upbeat", "vivid", "witty", "young", "zesty", "bold",
}

var nouns = []string{
	"otter", "falcon", "comet", "meadow", "harbor", "lantern", "canyon",
	"ripple", "summit", "ember", "willow", "orbit", "thicket", "cinder",
	"pebble", "marsh", "glacier", "thistle", "brook", "quartz", "tundra",
	"dune", "grove", "reef",
}

// RandomID returns an adjective-noun-xxxx label (xxxx being the first four
// hex characters of a random UUID) matching the subdomain syntax the
// registry requires: lowercase, 4-65 chars, alphanumeric with interior
// hyphens.
func RandomID() string {
	adj := adjectives[mustInt(len(adjectives))]
	noun := nouns[mustInt(len(nouns))]
	suffix := uuid.New().String()[:4]
	return fmt.Sprintf("%s-%s-%s", adj, noun, suffix)
}

func mustInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand failing means the platform's entropy source is
		// broken; there is nothing sensible to fall back to.
		panic(fmt.Sprintf("idgen: crypto/rand: %v", err))
	}
	return int(v.Int64())
}
