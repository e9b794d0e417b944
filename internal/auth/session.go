// ABOUTME: Anonymous citizen session tokens: random bearer strings stored only as bcrypt hashes.
// ABOUTME: A token is handed to the citizen once, when their conversation is created.

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const sessionTokenBytes = 24

// Sessions issues and checks citizen session tokens.
type Sessions struct {
	cost int
}

// NewSessions creates a session issuer. A cost of zero uses bcrypt.DefaultCost.
func NewSessions(cost int) *Sessions {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	return &Sessions{cost: cost}
}

// Issue returns a new token and the hash to store.
func (s *Sessions) Issue() (token, hash string, err error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating session token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(token), s.cost)
	if err != nil {
		return "", "", fmt.Errorf("hashing session token: %w", err)
	}
	return token, string(h), nil
}

// Check reports whether token matches hash. Empty inputs never match.
func (s *Sessions) Check(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
