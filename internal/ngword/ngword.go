// Package ngword implements NG-word substring matching and #@ cap
// resolution.
package ngword

import (
	"strings"
)

// Match reports whether body contains any of the given NG words as a
// byte-wise, case-sensitive substring.
func Match(body string, words []string) (hit string, found bool) {
	for _, w := range words {
		if w != "" && strings.Contains(body, w) {
			return w, true
		}
	}
	return "", false
}

// SplitCapMail splits a mail field on "#@" into the mail portion (unused,
// capped mail fields carry no other content) and the cap suffix. ok is
// false if no "#@" delimiter is present.
func SplitCapMail(mail string) (suffix string, ok bool) {
	idx := strings.Index(mail, "#@")
	if idx < 0 {
		return "", false
	}
	return mail[idx+2:], true
}

// SplitTrip splits a display-name field on "#" into the visible name and
// the trip-source suffix. ok is false if no "#" is present. Used on the
// FROM field for tripcodes; callers resolving the mail field must check
// SplitCapMail first since a cap marker there takes precedence.
func SplitTrip(name string) (rest, suffix string, ok bool) {
	idx := strings.Index(name, "#")
	if idx < 0 {
		return name, "", false
	}
	return name[:idx], name[idx+1:], true
}
