// Package ratelimit implements the per-token/per-IP creation span gate and
// the cached user-attribute restriction-rule matcher.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// SpanStore is the Redis-backed key store the span limiter uses: SET with
// EX, and existence check.
type SpanStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	SetEX(ctx context.Context, key string, value string, ttl time.Duration) error
}

// SpanLimiter enforces "at most one write per span" keyed by both an
// authed token and an origin IP; either key being within its span blocks
// the write. A span of 0 disables the check for that kind of write.
type SpanLimiter struct {
	store SpanStore
}

// NewSpanLimiter builds a SpanLimiter over the given key store.
func NewSpanLimiter(store SpanStore) *SpanLimiter {
	return &SpanLimiter{store: store}
}

// Allow reports whether a write may proceed for the given token/IP pair
// under the given span, without yet recording the write.
func (l *SpanLimiter) Allow(ctx context.Context, keyPrefix, token, ip string, span time.Duration) (bool, error) {
	if span <= 0 {
		return true, nil
	}
	tokenHit, err := l.store.Exists(ctx, keyPrefix+":"+token)
	if err != nil {
		return false, err
	}
	if tokenHit {
		return false, nil
	}
	ipHit, err := l.store.Exists(ctx, keyPrefix+":ip:"+ip)
	if err != nil {
		return false, err
	}
	return !ipHit, nil
}

// Record refreshes both the token and IP keys with expiry equal to span,
// called after a successful write.
func (l *SpanLimiter) Record(ctx context.Context, keyPrefix, token, ip string, span time.Duration) error {
	if span <= 0 {
		return nil
	}
	if err := l.store.SetEX(ctx, keyPrefix+":"+token, "1", span); err != nil {
		return fmt.Errorf("record token span: %w", err)
	}
	if err := l.store.SetEX(ctx, keyPrefix+":ip:"+ip, "1", span); err != nil {
		return fmt.Errorf("record ip span: %w", err)
	}
	return nil
}

// RuleType enumerates the supported user-attribute restriction rule kinds.
type RuleType string

const (
	RuleASN       RuleType = "ASN"
	RuleIP        RuleType = "IP"
	RuleIPCIDR    RuleType = "IP_CIDR"
	RuleUserAgent RuleType = "UserAgent"
)

// Rule is a single cached restriction rule.
type Rule struct {
	Name      string
	Type      RuleType
	Value     string
	ExpiresAt *time.Time
}

// Attrs is the request-derived attribute set a Rule is matched against.
type Attrs struct {
	IP        string
	ASN       string
	UserAgent string
}

func (r Rule) matches(a Attrs, now time.Time) bool {
	if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
		return false
	}
	switch r.Type {
	case RuleASN:
		return r.Value == a.ASN
	case RuleIP:
		return r.Value == a.IP
	case RuleIPCIDR:
		_, ipnet, err := net.ParseCIDR(r.Value)
		if err != nil {
			return false
		}
		ip := net.ParseIP(a.IP)
		return ip != nil && ipnet.Contains(ip)
	case RuleUserAgent:
		return strings.Contains(a.UserAgent, r.Value) || a.UserAgent == r.Value
	default:
		return false
	}
}

// RuleLoader fetches the authoritative rule list on refresh.
type RuleLoader func(ctx context.Context) ([]Rule, error)

// RestrictionCache holds a periodically refreshed list of active
// restriction rules, guarded by a read-write lock; readers never block
// each other and a failed refresh retains the previous list.
type RestrictionCache struct {
	mu    sync.RWMutex
	rules []Rule
	load  RuleLoader
}

// NewRestrictionCache builds a cache and performs an initial synchronous
// load.
func NewRestrictionCache(ctx context.Context, load RuleLoader) (*RestrictionCache, error) {
	c := &RestrictionCache{load: load}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh reloads the rule list; on error the previous list is retained.
func (c *RestrictionCache) Refresh(ctx context.Context) error {
	rules, err := c.load(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
	return nil
}

// RunRefreshLoop periodically calls Refresh until ctx is cancelled.
func (c *RestrictionCache) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx) // failure retains the prior cache
		}
	}
}

// Denied reports whether any active rule matches the given attributes.
func (c *RestrictionCache) Denied(a Attrs) bool {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rules {
		if r.matches(a, now) {
			return true
		}
	}
	return false
}
