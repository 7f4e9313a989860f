// Package captcha implements the config-driven CAPTCHA verifier-set
// evaluator used to gate auth-code activation.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// HTTPMethod is the verification request's HTTP method.
type HTTPMethod string

const (
	MethodPost HTTPMethod = "POST"
	MethodGet  HTTPMethod = "GET"
)

// RequestFormat is the verification request body encoding.
type RequestFormat string

const (
	FormatForm      RequestFormat = "form"
	FormatJSON      RequestFormat = "json"
	FormatPlainText RequestFormat = "plain_text"
)

// VerificationConfig describes how to call a provider's verification API.
// URL, Headers, and BodyTemplate all support {{base_url}}, {{site_key}},
// {{secret}}, {{response}}, {{ip}} placeholders.
type VerificationConfig struct {
	URL            string
	Method         HTTPMethod
	RequestFormat  RequestFormat
	Headers        map[string]string
	BodyTemplate   string
	SuccessPath    string
	IncludeIP      bool
	NegateSuccess  bool
}

// ProviderConfig is one configured CAPTCHA provider.
type ProviderConfig struct {
	Provider      string
	SiteKey       string
	Secret        string
	BaseURL       string
	SkipsIPCheck  bool // true for providers (e.g. Monocle/spur-style) that already assert IP consistency
	Verification  VerificationConfig
}

func (p ProviderConfig) resolve(template, response, ip string) string {
	r := strings.NewReplacer(
		"{{base_url}}", p.BaseURL,
		"{{site_key}}", p.SiteKey,
		"{{secret}}", p.Secret,
		"{{response}}", response,
		"{{ip}}", ip,
	)
	return r.Replace(template)
}

// Verifier evaluates one provider's verification API against a submitted
// response token.
type Verifier struct {
	client *http.Client
}

// NewVerifier builds a Verifier with the given HTTP timeout.
func NewVerifier(timeout time.Duration) *Verifier {
	return &Verifier{client: &http.Client{Timeout: timeout}}
}

// ErrVerificationFailed is returned when a provider's API reports failure
// or the response shape cannot be read.
var ErrVerificationFailed = fmt.Errorf("captcha verification failed")

// Verify calls the provider's verification endpoint for the given response
// token and client IP, and reports success per the configured success path.
func (v *Verifier) Verify(ctx context.Context, p ProviderConfig, response, ip string) error {
	cfg := p.Verification
	reqURL := p.resolve(cfg.URL, response, ip)

	var body io.Reader
	var contentType string

	switch cfg.RequestFormat {
	case FormatJSON:
		payload := map[string]string{"secret": p.Secret, "response": response}
		if cfg.IncludeIP {
			payload["remoteip"] = ip
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal captcha request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	case FormatPlainText:
		body = strings.NewReader(p.resolve(cfg.BodyTemplate, response, ip))
		contentType = "text/plain"
	default: // FormatForm
		form := url.Values{}
		form.Set("secret", p.Secret)
		form.Set("response", response)
		if cfg.IncludeIP {
			form.Set("remoteip", ip)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	method := string(cfg.Method)
	if method == "" {
		method = string(MethodPost)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, val := range cfg.Headers {
		req.Header.Set(k, p.resolve(val, response, ip))
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("captcha request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var parsed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode captcha response: %w", err)
	}

	path := cfg.SuccessPath
	if path == "" {
		path = "success"
	}
	ok, _ := parsed[path].(bool)
	if cfg.NegateSuccess {
		ok = !ok
	}
	if !ok {
		return ErrVerificationFailed
	}
	return nil
}

// VerifyAll runs every configured provider's verification in parallel for
// one submitted set of per-provider responses (keyed by provider name); any
// single failure fails the whole activation attempt.
func (v *Verifier) VerifyAll(ctx context.Context, providers []ProviderConfig, responses map[string]string, ip string) error {
	type result struct {
		provider string
		err      error
	}
	results := make(chan result, len(providers))

	for _, p := range providers {
		p := p
		go func() {
			results <- result{provider: p.Provider, err: v.Verify(ctx, p, responses[p.Provider], ip)}
		}()
	}

	var firstErr error
	for range providers {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("provider %s: %w", r.provider, r.err)
		}
	}
	return firstErr
}

// LoadProviders reads the configured set of CAPTCHA providers from a JSON
// file (an array of ProviderConfig). The original keeps this set in a SQL
// table editable from the admin UI; this server takes it from a config file
// instead, reloaded on each process start.
func LoadProviders(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read captcha config: %w", err)
	}
	var providers []ProviderConfig
	if err := json.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("parse captcha config: %w", err)
	}
	return providers, nil
}

// AnySkipsIPCheck reports whether any configured provider already performs
// its own IP-consistency check, in which case the caller should not
// additionally require reduced-IP equality.
func AnySkipsIPCheck(providers []ProviderConfig) bool {
	for _, p := range providers {
		if p.SkipsIPCheck {
			return true
		}
	}
	return false
}
