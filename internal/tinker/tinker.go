// Package tinker implements the signed, stateless per-client activity
// cookie. Per the redesign note, this is an HMAC-signed compact JSON blob
// with a monotonic iat, never stored server-side.
package tinker

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Level is derived from activity counters via a fixed step table.
type Level int

// levelSteps is the fixed step table mapping total wrote_count to a level.
var levelSteps = []int{0, 5, 20, 50, 150, 400, 1000}

func levelFor(wroteCount int) Level {
	lvl := Level(0)
	for _, step := range levelSteps {
		if wroteCount >= step {
			lvl++
		}
	}
	return lvl - 1
}

// Claims is the payload carried in the tinker-token cookie.
type Claims struct {
	jwt.RegisteredClaims
	AuthedToken         string `json:"authed_token"`
	WroteCount          int    `json:"wrote_count"`
	CreatedThreadCount  int    `json:"created_thread_count"`
	Level               int    `json:"level"`
	LastWroteAt         int64  `json:"last_wrote_at,omitempty"`
	LastThreadCreatedAt int64  `json:"last_thread_created_at,omitempty"`
}

// Signer issues and verifies tinker cookies.
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer with the given HMAC secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// New constructs a fresh tinker for a token's first write.
func (s *Signer) New(authedToken string, now time.Time, wroteThread bool) Claims {
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)},
		AuthedToken:       authedToken,
		WroteCount:        1,
		LastWroteAt:       now.Unix(),
	}
	if wroteThread {
		c.CreatedThreadCount = 1
		c.LastThreadCreatedAt = now.Unix()
	}
	c.Level = int(levelFor(c.WroteCount))
	return c
}

// Advance increments a previously-parsed tinker's counters for a new write.
func (s *Signer) Advance(c Claims, now time.Time, wroteThread bool) Claims {
	c.IssuedAt = jwt.NewNumericDate(now)
	c.WroteCount++
	c.LastWroteAt = now.Unix()
	if wroteThread {
		c.CreatedThreadCount++
		c.LastThreadCreatedAt = now.Unix()
	}
	c.Level = int(levelFor(c.WroteCount))
	return c
}

// Sign produces the compact JWT string to set as the tinker-token cookie.
func (s *Signer) Sign(c Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

// Parse verifies and decodes a tinker-token cookie value. An invalid
// signature or malformed token is an error; callers should treat that as
// "no tinker" rather than failing the request.
func (s *Signer) Parse(raw string) (Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return Claims{}, err
	}
	return c, nil
}
