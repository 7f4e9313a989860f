// Package identity derives the per-post pseudonymous identifiers: the daily
// AuthorID, the tripcode shown in a poster's name, the reduced-IP used for
// session equality, and the metadent device/ASN/UA tag.
package identity

import (
	"crypto/des" //nolint:staticcheck // traditional crypt(3)-style trip, not used for security
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/eddist-go/eddist/internal/shiftjis"
)

// ReducedIP keeps all 4 octets of an IPv4 address, or the first 4 hextets
// of an IPv6 address, for use in same-session equality comparisons.
func ReducedIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	v6 := ip.To16()
	if v6 == nil {
		return ip.String()
	}
	parts := make([]string, 4)
	for i := 0; i < 4; i++ {
		parts[i] = fmt.Sprintf("%02x%02x", v6[i*2], v6[i*2+1])
	}
	return strings.Join(parts, ":")
}

// AuthorID derives the 8-character daily pseudonym from the board key, a
// JST-shifted date, and a per-session seed (the token's author_id_seed, or
// the reduced IP when no seed is available).
func AuthorID(boardKey string, at time.Time, seed string) string {
	jst := at.UTC().Add(9 * time.Hour)
	target := fmt.Sprintf("%d-%d-%d:%s:%s", jst.Year(), int(jst.Month()), jst.Day(), boardKey, seed)
	// Trip keys DES on only the first 8 bytes of its input, so the target is
	// digested first to make the board key and seed count.
	sum := md5.Sum([]byte(target))
	return Trip(base64.StdEncoding.EncodeToString(sum[:]))[:8]
}

const cryptAlphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Trip computes the crypt(3)-style tripcode for target: the Shift-JIS bytes
// of target are DES-keyed, a 2-character salt derived from those same bytes
// perturbs 25 rounds of block encryption, and the result is packed through
// the traditional crypt radix-64 alphabet. This is a DES-based construction
// in the spirit of the legacy unix crypt(3) trip hash; it does not aim for
// bit-for-bit parity with glibc's crypt(3) (see DESIGN.md).
func Trip(target string) string {
	sjisBytes, err := shiftjis.Encode(target)
	if err != nil {
		// Target contains characters with no Shift-JIS representation;
		// fall back to the raw UTF-8 bytes so the function stays total.
		sjisBytes = []byte(target)
	}

	salt := deriveSalt(sjisBytes)
	key := deriveKey(sjisBytes)

	block, err := des.NewCipher(key)
	if err != nil {
		// des.NewCipher only fails on a key of the wrong length, which
		// deriveKey never produces.
		panic(err)
	}

	state := make([]byte, 8)
	buf := make([]byte, 8)
	for round := 0; round < 25; round++ {
		block.Encrypt(buf, state)
		for i := range buf {
			buf[i] ^= salt[i%len(salt)]
		}
		copy(state, buf)
	}

	hash := packRadix64(state, 11)
	return hash[1:11]
}

// deriveSalt mirrors the original's salt derivation: bytes[1:3] of the
// Shift-JIS encoding (or none if too short), translated through the crypt
// salt-character ranges, used as the first two bytes mixed into each DES
// round.
func deriveSalt(sjisBytes []byte) []byte {
	var raw []byte
	if len(sjisBytes) >= 3 {
		raw = append(raw, sjisBytes[1], sjisBytes[2])
	}
	raw = append(raw, 'H', '.')

	salt := make([]byte, len(raw))
	for i, b := range raw {
		salt[i] = translateSaltByte(b)
	}
	if len(salt) < 2 {
		salt = append(salt, '.', '.')
	}
	return salt[:2]
}

func translateSaltByte(b byte) byte {
	switch {
	case b >= 0x3a && b <= 0x40:
		return b + 7
	case b >= 0x5b && b <= 0x60:
		return b + 6
	case b >= 46 && b <= 122:
		return b
	default:
		return 0x2e
	}
}

// deriveKey builds an 8-byte DES key from the first 8 Shift-JIS bytes of
// the target, zero-padded if shorter.
func deriveKey(sjisBytes []byte) []byte {
	key := make([]byte, 8)
	n := copy(key, sjisBytes)
	_ = n
	return key
}

// packRadix64 packs b's bits into n characters of the traditional crypt
// base64-like alphabet, most-significant 6 bits first.
func packRadix64(b []byte, n int) string {
	var bits uint64
	for i := 0; i < 8 && i < len(b); i++ {
		bits |= uint64(b[i]) << (56 - 8*i)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		shift := 58 - 6*i
		var idx uint64
		if shift >= 0 {
			idx = (bits >> uint(shift)) & 0x3f
		} else {
			idx = (bits << uint(-shift)) & 0x3f
		}
		out[i] = cryptAlphabet[idx]
	}
	return string(out)
}

// browserBuckets buckets a User-Agent string into one of 10 families for
// the metadent tag's single-character browser slot.
var browserBuckets = []string{"Chrome", "Firefox", "Safari", "Edge", "Opera", "MSIE", "Trident", "Bot", "Mobile", "Other"}

// MetadentTag derives the 9-character "XXYY-zABB" token from an ASN, IP
// family, User-Agent, and rotating date seed.
func MetadentTag(asn uint32, ipAddr, ua string, dateSeed uint32) string {
	ip := net.ParseIP(ipAddr)
	family := byte('4')
	if ip != nil && ip.To4() == nil {
		family = '6'
	}

	xx := encodeBase62Pair((asn + dateSeed) % (62 * 62))
	yy := encodeBase62Pair((ipPrefixHash(ipAddr) + dateSeed) % (62 * 62))

	bucket := browserBucket(ua)
	a := byte('0' + bucket)

	uaHash := md5.Sum([]byte(ua))
	bb := hexPairToAlnum(uaHash[:2])

	return fmt.Sprintf("%s%s-%c%c%s", xx, yy, family, a, bb)
}

func browserBucket(ua string) int {
	lower := strings.ToLower(ua)
	for i, name := range browserBuckets[:len(browserBuckets)-1] {
		if strings.Contains(lower, strings.ToLower(name)) {
			return i
		}
	}
	return len(browserBuckets) - 1
}

func ipPrefixHash(ipAddr string) uint32 {
	ip := net.ParseIP(ipAddr)
	if ip == nil {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		v6 := ip.To16()
		return uint32(v6[0])<<8 | uint32(v6[1])
	}
	return uint32(v4[0])<<8 | uint32(v4[1])
}

func encodeBase62Pair(n uint32) string {
	const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	hi := (n / 62) % 62
	lo := n % 62
	return string([]byte{alphabet[hi], alphabet[lo]})
}

func hexPairToAlnum(b []byte) string {
	const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	return string([]byte{alphabet[int(b[0])%62], alphabet[int(b[1])%62]})
}

// DateSeed rotates once every resetPeriodDays by reseeding a deterministic
// PRNG on unix_secs/86400/resetPeriodDays.
func DateSeed(t time.Time, resetPeriodDays int) uint32 {
	if resetPeriodDays <= 0 {
		resetPeriodDays = 7
	}
	window := t.Unix() / 86400 / int64(resetPeriodDays)
	r := rand.New(rand.NewSource(window))
	return r.Uint32()
}
