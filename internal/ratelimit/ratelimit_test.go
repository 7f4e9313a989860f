package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	keys map[string]time.Time
}

func newFakeStore() *fakeStore { return &fakeStore{keys: map[string]time.Time{}} }

func (f *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	exp, ok := f.keys[key]
	if !ok {
		return false, nil
	}
	return time.Now().Before(exp), nil
}

func (f *fakeStore) SetEX(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.keys[key] = time.Now().Add(ttl)
	return nil
}

func TestSpanLimiterBlocksWithinSpan(t *testing.T) {
	store := newFakeStore()
	l := NewSpanLimiter(store)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "rate:res", "tok1", "1.2.3.4", time.Minute))

	ok, err := l.Allow(ctx, "rate:res", "tok1", "9.9.9.9", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSpanLimiterBlocksOnIPEvenWithDifferentToken(t *testing.T) {
	store := newFakeStore()
	l := NewSpanLimiter(store)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "rate:res", "tok1", "1.2.3.4", time.Minute))

	ok, err := l.Allow(ctx, "rate:res", "tok2", "1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSpanLimiterZeroSpanAlwaysAllows(t *testing.T) {
	store := newFakeStore()
	l := NewSpanLimiter(store)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "rate:res", "tok1", "1.2.3.4", 0))
	ok, err := l.Allow(ctx, "rate:res", "tok1", "1.2.3.4", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSpanLimiterAllowsAfterExpiry(t *testing.T) {
	store := newFakeStore()
	l := NewSpanLimiter(store)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "rate:res", "tok1", "1.2.3.4", 5*time.Millisecond))
	time.Sleep(15 * time.Millisecond)

	ok, err := l.Allow(ctx, "rate:res", "tok1", "1.2.3.4", 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRestrictionCacheMatchesASN(t *testing.T) {
	ctx := context.Background()
	c, err := NewRestrictionCache(ctx, func(ctx context.Context) ([]Rule, error) {
		return []Rule{{Name: "bad-asn", Type: RuleASN, Value: "64500"}}, nil
	})
	require.NoError(t, err)

	assert.True(t, c.Denied(Attrs{ASN: "64500"}))
	assert.False(t, c.Denied(Attrs{ASN: "64501"}))
}

func TestRestrictionCacheMatchesCIDR(t *testing.T) {
	ctx := context.Background()
	c, err := NewRestrictionCache(ctx, func(ctx context.Context) ([]Rule, error) {
		return []Rule{{Name: "bad-net", Type: RuleIPCIDR, Value: "203.0.113.0/24"}}, nil
	})
	require.NoError(t, err)

	assert.True(t, c.Denied(Attrs{IP: "203.0.113.42"}))
	assert.False(t, c.Denied(Attrs{IP: "198.51.100.1"}))
}

func TestRestrictionCacheExpiredRuleSkipped(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	c, err := NewRestrictionCache(ctx, func(ctx context.Context) ([]Rule, error) {
		return []Rule{{Name: "expired", Type: RuleIP, Value: "1.2.3.4", ExpiresAt: &past}}, nil
	})
	require.NoError(t, err)

	assert.False(t, c.Denied(Attrs{IP: "1.2.3.4"}))
}

func TestRestrictionCacheRefreshFailureRetainsPrevious(t *testing.T) {
	ctx := context.Background()
	calls := 0
	c, err := NewRestrictionCache(ctx, func(ctx context.Context) ([]Rule, error) {
		calls++
		return []Rule{{Name: "bad-ip", Type: RuleIP, Value: "1.2.3.4"}}, nil
	})
	require.NoError(t, err)

	c.load = func(ctx context.Context) ([]Rule, error) {
		return nil, assertErr
	}
	_ = c.Refresh(ctx)

	assert.True(t, c.Denied(Attrs{IP: "1.2.3.4"}))
}

var assertErr = errTest("refresh failed")

type errTest string

func (e errTest) Error() string { return string(e) }
