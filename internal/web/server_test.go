package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginIPPrefersCfConnectingIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Cf-Connecting-IP", "203.0.113.9")
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", originIP(r))
}

func TestOriginIPFallsBackToForwardedForThenRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	assert.Equal(t, "198.51.100.1", originIP(r))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "192.0.2.1:54321"
	assert.Equal(t, "192.0.2.1", originIP(r2))
}

func TestUserAgentDefaultsWhenMissing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Del("User-Agent")
	assert.Equal(t, "unknown", userAgent(r))
}

func TestAsnNumParsesConfiguredHeader(t *testing.T) {
	s := &Server{cfg: Config{ASNHeader: "X-ASN-Num"}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-ASN-Num", "64512")
	assert.Equal(t, uint32(64512), s.asnNum(r))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, uint32(0), s.asnNum(r2))

	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("X-ASN-Num", "not-a-number")
	assert.Equal(t, uint32(0), s.asnNum(r3))
}

func TestCookieValueRoundTrip(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: cookieEdgeToken, Value: "abc123"})
	v := cookieValue(r, cookieEdgeToken)
	if assert.NotNil(t, v) {
		assert.Equal(t, "abc123", *v)
	}
	assert.Nil(t, cookieValue(r, cookieTinkerToken))
}

func TestSetCookieAndClearCookie(t *testing.T) {
	w := httptest.NewRecorder()
	setCookie(w, cookieEdgeToken, "tok")
	resp := w.Result()
	cookies := resp.Cookies()
	if assert.Len(t, cookies, 1) {
		assert.Equal(t, "tok", cookies[0].Value)
		assert.True(t, cookies[0].HttpOnly)
		assert.Greater(t, cookies[0].MaxAge, 0)
	}

	w2 := httptest.NewRecorder()
	clearCookie(w2, cookieEdgeToken)
	cleared := w2.Result().Cookies()
	if assert.Len(t, cleared, 1) {
		assert.Equal(t, "", cleared[0].Value)
		assert.Less(t, cleared[0].MaxAge, 0)
	}
}

func TestParseDatThreadNumber(t *testing.T) {
	n, ok := parseDatThreadNumber("1234567890.dat")
	assert.True(t, ok)
	assert.Equal(t, int64(1234567890), n)

	_, ok = parseDatThreadNumber("1234567890")
	assert.False(t, ok)

	_, ok = parseDatThreadNumber("notanumber.dat")
	assert.False(t, ok)
}
