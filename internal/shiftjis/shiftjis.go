// Package shiftjis translates between UTF-8 domain strings and the
// Shift-JIS bytes seen on the textboard wire, and renders the legacy dat
// line format.
package shiftjis

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/japanese"
)

var jaWeekday = [...]string{"日", "月", "火", "水", "木", "金", "土"}

// FormatDate renders a timestamp in the dat line's JST date format,
// "2006/01/02(月) 15:04:05.000".
func FormatDate(t time.Time) string {
	jst := t.In(time.FixedZone("JST", 9*60*60))
	return fmt.Sprintf("%s(%s) %s", jst.Format("2006/01/02"), jaWeekday[jst.Weekday()], jst.Format("15:04:05.000"))
}

// Encode converts a UTF-8 string to Shift-JIS bytes.
func Encode(s string) ([]byte, error) {
	b, err := japanese.ShiftJIS.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("shiftjis encode: %w", err)
	}
	return b, nil
}

// Decode converts Shift-JIS bytes to a UTF-8 string.
func Decode(b []byte) (string, error) {
	out, err := japanese.ShiftJIS.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("shiftjis decode: %w", err)
	}
	return string(out), nil
}

// ErrMalformedForm is returned when decode_form_body encounters an invalid
// percent-escape sequence.
var ErrMalformedForm = fmt.Errorf("malformed shift-jis form body")

// DecodeFormBody parses an application/x-www-form-urlencoded body whose
// percent-decoded bytes are Shift-JIS, not UTF-8. '+' decodes to space.
func DecodeFormBody(body []byte) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range bytes.Split(body, []byte("&")) {
		if len(pair) == 0 {
			continue
		}
		var key, val []byte
		if i := bytes.IndexByte(pair, '='); i >= 0 {
			key, val = pair[:i], pair[i+1:]
		} else {
			key, val = pair, nil
		}
		keyDec, err := percentDecodeSJISBytes(key)
		if err != nil {
			return nil, err
		}
		valDec, err := percentDecodeSJISBytes(val)
		if err != nil {
			return nil, err
		}
		keyStr, err := Decode(keyDec)
		if err != nil {
			return nil, err
		}
		valStr, err := Decode(valDec)
		if err != nil {
			return nil, err
		}
		out[keyStr] = valStr
	}
	return out, nil
}

// percentDecodeSJISBytes percent-decodes raw bytes ('+' -> space) without
// assuming UTF-8; the decoded bytes are still Shift-JIS and must be passed
// through Decode separately.
func percentDecodeSJISBytes(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case '+':
			out = append(out, ' ')
		case '%':
			if i+2 >= len(b) {
				return nil, ErrMalformedForm
			}
			n, err := strconv.ParseUint(string(b[i+1:i+3]), 16, 8)
			if err != nil {
				return nil, ErrMalformedForm
			}
			out = append(out, byte(n))
			i += 2
		default:
			out = append(out, b[i])
		}
	}
	return out, nil
}

// EncodeFormValue percent-encodes a UTF-8 string as a Shift-JIS form value,
// the inverse of DecodeFormBody's per-value decoding. Used only by tests to
// construct round-trip fixtures.
func EncodeFormValue(s string) (string, error) {
	sjis, err := Encode(s)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, c := range sjis {
		switch {
		case c == ' ':
			sb.WriteByte('+')
		case isUnreserved(c):
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String(), nil
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

const abone = "あぼーん"

// RenderInput is the minimal set of fields needed to render one dat line.
type RenderInput struct {
	AuthorName string
	Mail       string
	CreatedAt  string // pre-formatted date, e.g. "2024/01/02(火) 03:04:05.670" (see FormatDate)
	AuthorID   string
	Body       string
	IsAbone    bool
}

// RenderResLine produces "NAME<>MAIL<>DATE ID:AUTHORID<> BODY<> TITLE\n" in
// Shift-JIS. The title slot is non-empty only for the first response.
func RenderResLine(res RenderInput, defaultName string, title string) ([]byte, error) {
	name := res.AuthorName
	if name == "" {
		name = defaultName
	}
	mail := res.Mail
	if !strings.EqualFold(mail, "sage") {
		mail = ""
	}

	var line string
	if res.IsAbone {
		line = fmt.Sprintf("%s<>%s<>%s ID:%s<>%s<>%s\n", abone, abone, abone, abone, abone, title)
	} else {
		line = fmt.Sprintf("%s<>%s<>%s ID:%s<>%s<>%s\n", name, mail, res.CreatedAt, res.AuthorID, res.Body, title)
	}
	return Encode(line)
}

// numRefState is the state of the single left-to-right pass used by
// SanitizeBody/SanitizeName/SanitizeEmail to strip numeric character
// references that would otherwise encode control characters.
type numRefState int

const (
	stateNeutral numRefState = iota
	stateInNumRefUndef
	stateInNumRefHex
	stateInNumRefDec
)

// sanitizeCore applies the shared base sanitization: '<', '>' and '"' are
// entity-escaped ('&' is kept as is, so the pass is idempotent), CR is dropped, LF becomes either a literal or <br>,
// and malformed/LF-encoding numeric character references are deleted.
func sanitizeCore(s string, lfToBR bool) string {
	var out strings.Builder
	var ref strings.Builder
	state := stateNeutral

	flushRef := func(closed bool, isLF bool) {
		if isLF || !closed {
			// Either it explicitly encoded a line feed, or it was never
			// closed with ';' — both cases delete the fragment entirely.
			ref.Reset()
			state = stateNeutral
			return
		}
		out.WriteByte('&')
		out.WriteString(ref.String())
		out.WriteByte(';')
		ref.Reset()
		state = stateNeutral
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if state != stateNeutral {
			switch state {
			case stateInNumRefUndef:
				if c == '#' {
					ref.WriteRune(c)
					continue
				}
				if c == 'x' || c == 'X' {
					ref.WriteRune(c)
					state = stateInNumRefHex
					continue
				}
				if c >= '0' && c <= '9' {
					ref.WriteRune(c)
					state = stateInNumRefDec
					continue
				}
				flushRef(false, false)
				i--
				continue
			case stateInNumRefHex:
				if isHexDigit(c) {
					ref.WriteRune(c)
					continue
				}
				if c == ';' {
					isLF := isLFRef(ref.String(), true)
					flushRef(true, isLF)
					continue
				}
				flushRef(false, false)
				i--
				continue
			case stateInNumRefDec:
				if c >= '0' && c <= '9' {
					ref.WriteRune(c)
					continue
				}
				if c == ';' {
					isLF := isLFRef(ref.String(), false)
					flushRef(true, isLF)
					continue
				}
				flushRef(false, false)
				i--
				continue
			}
		}

		switch c {
		case '&':
			if i+1 < len(runes) && runes[i+1] == '#' {
				state = stateInNumRefUndef
				ref.Reset()
				ref.WriteRune('#')
				i++
				continue
			}
			out.WriteRune(c)
		case '<':
			out.WriteString("&lt;")
		case '>':
			out.WriteString("&gt;")
		case '"':
			out.WriteString("&quot;")
		case '\r':
			// dropped
		case '\n':
			if lfToBR {
				out.WriteString("<br>")
			}
		default:
			out.WriteRune(c)
		}
	}

	if state != stateNeutral {
		// unterminated reference at end of input: delete.
		_ = ref
	}

	return out.String()
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// isLFRef reports whether the accumulated reference body (without the
// leading "&#") denotes LF: decimal "10" (with any number of leading
// zeros) or hex "a"/"A" (with any number of leading zeros), case-insensitive.
func isLFRef(body string, hex bool) bool {
	rest := strings.TrimPrefix(body, "#")
	if hex {
		rest = strings.TrimPrefix(strings.TrimPrefix(rest, "x"), "X")
		rest = strings.TrimLeft(rest, "0")
		return strings.EqualFold(rest, "a")
	}
	rest = strings.TrimLeft(rest, "0")
	return rest == "10"
}

// SanitizeBody escapes HTML-reserved characters, maps LF to <br>, drops CR,
// and deletes numeric references that would encode LF or are left unclosed.
func SanitizeBody(s string) string {
	return sanitizeCore(s, true)
}

// SanitizeName applies the base sanitization (LF becomes empty, not <br>)
// plus name-specific substitutions for the cap/trip marker glyphs.
func SanitizeName(s string) string {
	base := sanitizeCore(s, false)
	base = strings.ReplaceAll(base, "★", "☆")
	base = strings.ReplaceAll(base, "◆", "◇")
	return base
}

// SanitizeEmail applies the base sanitization with LF mapped to empty.
func SanitizeEmail(s string) string {
	return sanitizeCore(s, false)
}
