package ngword

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchFindsSubstring(t *testing.T) {
	hit, found := Match("this has banned word", []string{"foo", "banned"})
	assert.True(t, found)
	assert.Equal(t, "banned", hit)
}

func TestMatchCaseSensitive(t *testing.T) {
	_, found := Match("this has BANNED word", []string{"banned"})
	assert.False(t, found)
}

func TestMatchNoHit(t *testing.T) {
	_, found := Match("clean text", []string{"foo", "bar"})
	assert.False(t, found)
}

func TestSplitCapMail(t *testing.T) {
	suffix, ok := SplitCapMail("sage#@mycap")
	assert.True(t, ok)
	assert.Equal(t, "mycap", suffix)

	_, ok = SplitCapMail("sage")
	assert.False(t, ok)
}

func TestSplitTrip(t *testing.T) {
	rest, suffix, ok := SplitTrip("name#triptext")
	assert.True(t, ok)
	assert.Equal(t, "name", rest)
	assert.Equal(t, "triptext", suffix)
}

func TestCapMarkerRecognizedInMail(t *testing.T) {
	mail := "sage#@mycap"
	_, hasCap := SplitCapMail(mail)
	assert.True(t, hasCap, "a mail field with #@ must resolve as a cap, not as a mail auth token")
}
