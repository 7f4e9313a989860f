package authtoken

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddist-go/eddist/internal/storage"
)

type fakeRepo struct {
	byToken map[string]*storage.AuthedToken
	byID    map[uuid.UUID]*storage.AuthedToken
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byToken: map[string]*storage.AuthedToken{}, byID: map[uuid.UUID]*storage.AuthedToken{}}
}

func (f *fakeRepo) InsertAuthedToken(ctx context.Context, t *storage.AuthedToken) error {
	cp := *t
	f.byToken[t.Token] = &cp
	f.byID[t.ID] = &cp
	return nil
}

func (f *fakeRepo) GetAuthedTokenByToken(ctx context.Context, token string) (*storage.AuthedToken, error) {
	t, ok := f.byToken[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (f *fakeRepo) ActivateToken(ctx context.Context, id uuid.UUID, authedUA string, now time.Time) error {
	t := f.byID[id]
	t.Validity = true
	t.AuthedAt = sql.NullTime{Time: now, Valid: true}
	t.AuthedUA = sql.NullString{String: authedUA, Valid: true}
	f.byToken[t.Token] = t
	return nil
}

func (f *fakeRepo) RevokeToken(ctx context.Context, id uuid.UUID) error {
	t := f.byID[id]
	t.Validity = false
	f.byToken[t.Token] = t
	return nil
}

func (f *fakeRepo) ListUnauthedTokensByAuthCode(ctx context.Context, authCode string) ([]*storage.AuthedToken, error) {
	var out []*storage.AuthedToken
	for _, t := range f.byID {
		if t.AuthCode == authCode && !t.Validity && !t.AuthedAt.Valid {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) DeleteAuthedTokens(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		t := f.byID[id]
		delete(f.byToken, t.Token)
		delete(f.byID, id)
	}
	return nil
}

type fakeOnetime struct {
	sets map[string]string
}

func (f *fakeOnetime) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.sets == nil {
		f.sets = map[string]string{}
	}
	f.sets[key] = value
	return nil
}

func TestValidateNoTokenIssuesPendingAndReturnsUnauthenticated(t *testing.T) {
	repo := newFakeRepo()
	store := New(repo, &fakeOnetime{}, 15*time.Minute)

	out, err := store.Validate(context.Background(), nil, "1.2.3.4", "ua", false, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Unauthenticated, out.Kind)
	assert.Len(t, out.AuthCode, 6)
	assert.NotEmpty(t, out.AuthToken)
	assert.Len(t, repo.byToken, 1)
}

func TestValidateUnknownTokenIsInvalid(t *testing.T) {
	repo := newFakeRepo()
	store := New(repo, &fakeOnetime{}, 15*time.Minute)

	tok := "does-not-exist"
	out, err := store.Validate(context.Background(), &tok, "1.2.3.4", "ua", false, time.Now())
	require.NoError(t, err)
	assert.Equal(t, InvalidAuthedToken, out.Kind)
}

func TestValidatePendingNotExpiredReturnsUnauthenticated(t *testing.T) {
	repo := newFakeRepo()
	store := New(repo, &fakeOnetime{}, 15*time.Minute)
	now := time.Now()

	issued, err := store.issue(context.Background(), "1.2.3.4", "ua", false, now)
	require.NoError(t, err)

	out, err := store.Validate(context.Background(), &issued.Token, "1.2.3.4", "ua", false, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Unauthenticated, out.Kind)
	assert.Equal(t, issued.AuthCode, out.AuthCode)
}

func TestValidatePendingExpiredReissues(t *testing.T) {
	repo := newFakeRepo()
	store := New(repo, &fakeOnetime{}, 15*time.Minute)
	now := time.Now()

	issued, err := store.issue(context.Background(), "1.2.3.4", "ua", false, now)
	require.NoError(t, err)

	out, err := store.Validate(context.Background(), &issued.Token, "1.2.3.4", "ua", false, now.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Unauthenticated, out.Kind)
	assert.NotEqual(t, issued.AuthCode, out.AuthCode)
	assert.Len(t, repo.byToken, 2)
}

func TestValidateRevokedToken(t *testing.T) {
	repo := newFakeRepo()
	store := New(repo, &fakeOnetime{}, 15*time.Minute)
	now := time.Now()

	issued, err := store.issue(context.Background(), "1.2.3.4", "ua", false, now)
	require.NoError(t, err)
	require.NoError(t, repo.ActivateToken(context.Background(), issued.ID, "ua", now))
	require.NoError(t, store.repo.RevokeToken(context.Background(), issued.ID))

	out, err := store.Validate(context.Background(), &issued.Token, "1.2.3.4", "ua", false, now)
	require.NoError(t, err)
	assert.Equal(t, RevokedAuthedToken, out.Kind)
}

func TestValidateActiveTokenPasses(t *testing.T) {
	repo := newFakeRepo()
	store := New(repo, &fakeOnetime{}, 15*time.Minute)
	now := time.Now()

	issued, err := store.issue(context.Background(), "1.2.3.4", "ua", false, now)
	require.NoError(t, err)
	require.NoError(t, repo.ActivateToken(context.Background(), issued.ID, "ua", now))

	out, err := store.Validate(context.Background(), &issued.Token, "1.2.3.4", "ua", false, now)
	require.NoError(t, err)
	assert.Equal(t, Valid, out.Kind)
	assert.True(t, out.Token.Validity)
}

func TestValidateRequiresUserRegistration(t *testing.T) {
	repo := newFakeRepo()
	onetime := &fakeOnetime{}
	store := New(repo, onetime, 15*time.Minute)
	now := time.Now()

	issued, err := store.issue(context.Background(), "1.2.3.4", "ua", true, now)
	require.NoError(t, err)
	require.NoError(t, repo.ActivateToken(context.Background(), issued.ID, "ua", now))

	out, err := store.Validate(context.Background(), &issued.Token, "1.2.3.4", "ua", true, now)
	require.NoError(t, err)
	assert.Equal(t, UserRegistrationRequired, out.Kind)
	assert.NotEmpty(t, out.OneTimeToken)
	assert.Len(t, onetime.sets, 1)
}

func TestActivateByCodeCollisionDeletesAll(t *testing.T) {
	repo := newFakeRepo()
	store := New(repo, &fakeOnetime{}, 15*time.Minute)
	now := time.Now()

	a, err := store.issue(context.Background(), "1.2.3.4", "ua", false, now)
	require.NoError(t, err)
	b, err := store.issue(context.Background(), "5.6.7.8", "ua2", false, now)
	require.NoError(t, err)
	b.AuthCode = a.AuthCode
	repo.byToken[b.Token] = b
	repo.byID[b.ID] = b

	result, _, err := store.ActivateByCode(context.Background(), a.AuthCode, "1.2.3.4", "ua", now, false)
	require.NoError(t, err)
	assert.Equal(t, AuthCodeCollision, result)
	assert.Empty(t, repo.byToken)
}

func TestActivateByCodeExpired(t *testing.T) {
	repo := newFakeRepo()
	store := New(repo, &fakeOnetime{}, 15*time.Minute)
	now := time.Now()

	issued, err := store.issue(context.Background(), "1.2.3.4", "ua", false, now)
	require.NoError(t, err)

	result, _, err := store.ActivateByCode(context.Background(), issued.AuthCode, "1.2.3.4", "ua", now.Add(20*time.Minute), false)
	require.NoError(t, err)
	assert.Equal(t, ExpiredActivationCode, result)
}

func TestActivateByCodeIPMismatchFails(t *testing.T) {
	repo := newFakeRepo()
	store := New(repo, &fakeOnetime{}, 15*time.Minute)
	now := time.Now()

	issued, err := store.issue(context.Background(), "1.2.3.4", "ua", false, now)
	require.NoError(t, err)

	result, _, err := store.ActivateByCode(context.Background(), issued.AuthCode, "9.9.9.9", "ua", now, false)
	require.NoError(t, err)
	assert.Equal(t, FailedToFindAuthedToken, result)
}

func TestActivateByCodeSuccess(t *testing.T) {
	repo := newFakeRepo()
	store := New(repo, &fakeOnetime{}, 15*time.Minute)
	now := time.Now()

	issued, err := store.issue(context.Background(), "1.2.3.4", "ua", false, now)
	require.NoError(t, err)

	result, activated, err := store.ActivateByCode(context.Background(), issued.AuthCode, "1.2.3.4", "ua", now, false)
	require.NoError(t, err)
	assert.Equal(t, Activated, result)
	assert.True(t, activated.Validity)
}
