package shiftjis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFormBodyRoundTrip(t *testing.T) {
	values := map[string]string{
		"MESSAGE": "こんにちは世界",
		"FROM":    "名無しさん",
		"mail":    "sage",
		"bbs":     "news",
	}

	var encoded string
	for k, v := range values {
		ek, err := EncodeFormValue(k)
		require.NoError(t, err)
		ev, err := EncodeFormValue(v)
		require.NoError(t, err)
		if encoded != "" {
			encoded += "&"
		}
		encoded += ek + "=" + ev
	}

	decoded, err := DecodeFormBody([]byte(encoded))
	require.NoError(t, err)
	assert.Equal(t, values, decoded)
}

func TestDecodeFormBodyPlusIsSpace(t *testing.T) {
	decoded, err := DecodeFormBody([]byte("MESSAGE=hello+world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", decoded["MESSAGE"])
}

func TestDecodeFormBodyMalformedEscape(t *testing.T) {
	_, err := DecodeFormBody([]byte("MESSAGE=%zz"))
	assert.ErrorIs(t, err, ErrMalformedForm)

	_, err = DecodeFormBody([]byte("MESSAGE=%4"))
	assert.ErrorIs(t, err, ErrMalformedForm)
}

func TestSanitizeBodyEscapesReserved(t *testing.T) {
	got := SanitizeBody(`<script>"test"</script>`)
	assert.Equal(t, `&lt;script&gt;&quot;test&quot;&lt;/script&gt;`, got)
}

func TestSanitizeBodyLFToBR(t *testing.T) {
	assert.Equal(t, "a<br>b", SanitizeBody("a\nb"))
}

func TestSanitizeBodyDropsCR(t *testing.T) {
	assert.Equal(t, "ab", SanitizeBody("a\rb"))
}

func TestSanitizeBodyDeletesLFNumericRef(t *testing.T) {
	assert.Equal(t, "ab", SanitizeBody("a&#10;b"))
	assert.Equal(t, "ab", SanitizeBody("a&#010;b"))
	assert.Equal(t, "ab", SanitizeBody("a&#x0A;b"))
	assert.Equal(t, "ab", SanitizeBody("a&#X00a;b"))
}

func TestSanitizeBodyKeepsOtherNumericRef(t *testing.T) {
	assert.Equal(t, "a&#65;b", SanitizeBody("a&#65;b"))
}

func TestSanitizeBodyDeletesUnterminatedNumericRef(t *testing.T) {
	assert.Equal(t, "ab", SanitizeBody("a&#65b"))
}

func TestSanitizeBodyIdempotent(t *testing.T) {
	in := `<b>x</b>&#10;&&#10;&#65;`
	once := SanitizeBody(in)
	twice := SanitizeBody(once)
	assert.Equal(t, once, twice)
}

func TestSanitizeNameReplacesMarkerGlyphs(t *testing.T) {
	got := SanitizeName("foo★bar◆baz")
	assert.Equal(t, "foo☆bar◇baz", got)
}

func TestRenderResLineAbone(t *testing.T) {
	line, err := RenderResLine(RenderInput{IsAbone: true}, "default", "title")
	require.NoError(t, err)
	decoded, err := Decode(line)
	require.NoError(t, err)
	assert.Contains(t, decoded, "あぼーん<>あぼーん<>あぼーん ID:あぼーん<>あぼーん<>title")
}

func TestRenderResLineUsesDefaultName(t *testing.T) {
	line, err := RenderResLine(RenderInput{CreatedAt: "2024/01/02", AuthorID: "abcd1234", Body: "hi"}, "名無しさん", "")
	require.NoError(t, err)
	decoded, err := Decode(line)
	require.NoError(t, err)
	assert.Contains(t, decoded, "名無しさん<>")
}

func TestRenderResLineSageKeptOthersBlanked(t *testing.T) {
	line, err := RenderResLine(RenderInput{Mail: "sage"}, "default", "")
	require.NoError(t, err)
	decoded, err := Decode(line)
	require.NoError(t, err)
	assert.Contains(t, decoded, "<>sage<>")

	line2, err := RenderResLine(RenderInput{Mail: "someone@example.com"}, "default", "")
	require.NoError(t, err)
	decoded2, err := Decode(line2)
	require.NoError(t, err)
	assert.Contains(t, decoded2, "<><>")
}
