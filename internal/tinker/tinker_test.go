package tinker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParseRoundTrip(t *testing.T) {
	s := NewSigner("supersecret")
	now := time.Now().Truncate(time.Second)

	c := s.New("authed-token-123", now, true)
	raw, err := s.Sign(c)
	require.NoError(t, err)

	parsed, err := s.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, c.AuthedToken, parsed.AuthedToken)
	assert.Equal(t, c.WroteCount, parsed.WroteCount)
	assert.Equal(t, c.CreatedThreadCount, parsed.CreatedThreadCount)
}

func TestParseRejectsTamperedSignature(t *testing.T) {
	s := NewSigner("supersecret")
	other := NewSigner("othersecret")
	now := time.Now()

	raw, err := s.Sign(s.New("tok", now, false))
	require.NoError(t, err)

	_, err = other.Parse(raw)
	assert.Error(t, err)
}

func TestAdvanceIncrementsCounters(t *testing.T) {
	s := NewSigner("secret")
	now := time.Now()

	c := s.New("tok", now, false)
	assert.Equal(t, 1, c.WroteCount)
	assert.Equal(t, 0, c.CreatedThreadCount)

	c = s.Advance(c, now.Add(time.Minute), true)
	assert.Equal(t, 2, c.WroteCount)
	assert.Equal(t, 1, c.CreatedThreadCount)
}

func TestLevelIncreasesWithWroteCount(t *testing.T) {
	assert.Equal(t, Level(0), levelFor(1))
	assert.Equal(t, Level(1), levelFor(5))
	assert.Equal(t, Level(6), levelFor(1000))
}
