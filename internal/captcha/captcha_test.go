package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		assert.Equal(t, "tok-123", r.FormValue("response"))
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	v := NewVerifier(2 * time.Second)
	p := ProviderConfig{
		Provider: "turnstile",
		Secret:   "s3cr3t",
		Verification: VerificationConfig{
			URL:    srv.URL,
			Method: MethodPost,
		},
	}

	err := v.Verify(context.Background(), p, "tok-123", "1.2.3.4")
	require.NoError(t, err)
}

func TestVerifyFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false})
	}))
	defer srv.Close()

	v := NewVerifier(2 * time.Second)
	p := ProviderConfig{Verification: VerificationConfig{URL: srv.URL}}

	err := v.Verify(context.Background(), p, "tok", "1.2.3.4")
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyNegateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"blocked": false})
	}))
	defer srv.Close()

	v := NewVerifier(2 * time.Second)
	p := ProviderConfig{Verification: VerificationConfig{URL: srv.URL, SuccessPath: "blocked", NegateSuccess: true}}

	err := v.Verify(context.Background(), p, "tok", "1.2.3.4")
	require.NoError(t, err)
}

func TestVerifyAllFailsOnAnyProvider(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer ok.Close()
	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false})
	}))
	defer fail.Close()

	v := NewVerifier(2 * time.Second)
	providers := []ProviderConfig{
		{Provider: "a", Verification: VerificationConfig{URL: ok.URL}},
		{Provider: "b", Verification: VerificationConfig{URL: fail.URL}},
	}

	err := v.VerifyAll(context.Background(), providers, map[string]string{"a": "x", "b": "y"}, "1.2.3.4")
	assert.Error(t, err)
}

func TestAnySkipsIPCheck(t *testing.T) {
	assert.False(t, AnySkipsIPCheck([]ProviderConfig{{Provider: "turnstile"}}))
	assert.True(t, AnySkipsIPCheck([]ProviderConfig{{Provider: "turnstile"}, {Provider: "monocle", SkipsIPCheck: true}}))
}

func TestPlaceholderResolution(t *testing.T) {
	p := ProviderConfig{SiteKey: "sk", Secret: "sec", BaseURL: "https://cap.example"}
	got := p.resolve("{{base_url}}/verify?site={{site_key}}&secret={{secret}}&r={{response}}&ip={{ip}}", "RESP", "9.9.9.9")
	assert.Equal(t, "https://cap.example/verify?site=sk&secret=sec&r=RESP&ip=9.9.9.9", got)
}
