package identity

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReducedIPv4KeepsAllOctets(t *testing.T) {
	assert.Equal(t, "192.168.1.2", ReducedIP(net.ParseIP("192.168.1.2")))
}

func TestReducedIPv6KeepsFirstFourHextets(t *testing.T) {
	got := ReducedIP(net.ParseIP("2001:0db8:85a3:0000:0000:8a2e:0370:7334"))
	assert.Equal(t, "2001:0db8:85a3:0000", got)
}

func TestTripDeterministic(t *testing.T) {
	a := Trip("hello#trip")
	b := Trip("hello#trip")
	assert.Equal(t, a, b)
	assert.Len(t, a, 10)
}

func TestTripDiffersOnInput(t *testing.T) {
	assert.NotEqual(t, Trip("alpha"), Trip("beta"))
}

func TestAuthorIDDeterministicAndLength(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	a := AuthorID("news", at, "seed-1")
	b := AuthorID("news", at, "seed-1")
	assert.Equal(t, a, b)
	assert.Len(t, a, 8)
}

func TestAuthorIDDiffersBySeed(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.NotEqual(t, AuthorID("news", at, "seed-1"), AuthorID("news", at, "seed-2"))
}

func TestAuthorIDDiffersByDay(t *testing.T) {
	d1 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	d2 := time.Date(2024, 1, 3, 3, 4, 5, 0, time.UTC)
	assert.NotEqual(t, AuthorID("news", d1, "seed"), AuthorID("news", d2, "seed"))
}

func TestMetadentTagFormat(t *testing.T) {
	tag := MetadentTag(12345, "203.0.113.5", "Mozilla/5.0 Chrome/120.0", 42)
	assert.Len(t, tag, 9)
	assert.Equal(t, 1, countByte(tag, '-'))
	halves := splitOnce(tag, '-')
	assert.Len(t, halves[0], 4)
	assert.Len(t, halves[1], 4)
}

func TestDateSeedStableWithinWindow(t *testing.T) {
	t1 := time.Unix(1000*86400*7, 0)
	t2 := time.Unix(1000*86400*7+1000, 0)
	assert.Equal(t, DateSeed(t1, 7), DateSeed(t2, 7))
}

func TestDateSeedChangesAcrossWindow(t *testing.T) {
	t1 := time.Unix(1000*86400*7, 0)
	t2 := time.Unix(1001*86400*7, 0)
	assert.NotEqual(t, DateSeed(t1, 7), DateSeed(t2, 7))
}

func countByte(s string, b byte) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			n++
		}
	}
	return n
}

func splitOnce(s string, b byte) [2]string {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, ""}
}
