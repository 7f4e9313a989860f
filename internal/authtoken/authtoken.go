// Package authtoken implements the authed-token state machine that gates
// every post: Pending tokens must be activated via a CAPTCHA-checked auth
// code before they can write, Active tokens may be Revoked, and a Pending
// token that outlives its activation window becomes terminal.
package authtoken

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/eddist-go/eddist/internal/identity"
	"github.com/eddist-go/eddist/internal/storage"
)

// Outcome is the result of validating a token on the post path. Exactly one
// of Token, AuthCode/AuthToken (Unauthenticated), or OneTimeToken
// (UserRegistrationRequired) is meaningful, selected by Kind.
type Outcome struct {
	Kind Kind

	Token *storage.AuthedToken // Kind == Valid

	AuthCode string // Kind == Unauthenticated
	AuthToken string

	OneTimeToken string // Kind == UserRegistrationRequired
}

// Kind enumerates the possible outcomes of Store.Validate.
type Kind int

const (
	Valid Kind = iota
	Unauthenticated
	InvalidAuthedToken
	RevokedAuthedToken
	UserRegistrationRequired
)

// Repository is the storage dependency authtoken needs.
type Repository interface {
	InsertAuthedToken(ctx context.Context, t *storage.AuthedToken) error
	GetAuthedTokenByToken(ctx context.Context, token string) (*storage.AuthedToken, error)
	ActivateToken(ctx context.Context, id uuid.UUID, authedUA string, now time.Time) error
	RevokeToken(ctx context.Context, id uuid.UUID) error
	ListUnauthedTokensByAuthCode(ctx context.Context, authCode string) ([]*storage.AuthedToken, error)
	DeleteAuthedTokens(ctx context.Context, ids []uuid.UUID) error
}

// OneTimeTokenStore is the short-TTL store backing user-registration
// linking (Redis SETEX in production).
type OneTimeTokenStore interface {
	SetEX(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Store is the authed-token state machine.
type Store struct {
	repo         Repository
	onetime      OneTimeTokenStore
	activationTTL time.Duration
}

// New builds a Store with the given activation TTL (e.g. 15 minutes).
func New(repo Repository, onetime OneTimeTokenStore, activationTTL time.Duration) *Store {
	return &Store{repo: repo, onetime: onetime, activationTTL: activationTTL}
}

func generateOpaqueToken() (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 32)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}

func generateAuthCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func generateOneTimeToken() (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 16)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}

func userLinkOnetimeKey(ott string) string {
	return "bbs:user_link_onetime:" + ott
}

// issue creates and persists a fresh Pending token.
func (s *Store) issue(ctx context.Context, ip, ua string, requireUserRegistration bool, now time.Time) (*storage.AuthedToken, error) {
	token, err := generateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	authCode, err := generateAuthCode()
	if err != nil {
		return nil, fmt.Errorf("generate auth code: %w", err)
	}

	t := &storage.AuthedToken{
		ID:                      uuid.New(),
		Token:                   token,
		AuthCode:                authCode,
		OriginIP:                ip,
		ReducedIP:               ip,
		WritingUA:               ua,
		AuthorIDSeed:            uuid.NewString(),
		CreatedAt:               now,
		Validity:                false,
		RequireUserRegistration: requireUserRegistration,
	}
	if err := s.repo.InsertAuthedToken(ctx, t); err != nil {
		return nil, fmt.Errorf("insert authed token: %w", err)
	}
	return t, nil
}

func (s *Store) unauthenticated(t *storage.AuthedToken) Outcome {
	return Outcome{Kind: Unauthenticated, AuthCode: t.AuthCode, AuthToken: t.Token}
}

// Validate implements the full check_validity flow used by the post
// ingestion pipeline.
func (s *Store) Validate(ctx context.Context, token *string, ip, ua string, requireUserRegistration bool, now time.Time) (Outcome, error) {
	if token == nil {
		t, err := s.issue(ctx, ip, ua, requireUserRegistration, now)
		if err != nil {
			return Outcome{}, err
		}
		return s.unauthenticated(t), nil
	}

	t, err := s.repo.GetAuthedTokenByToken(ctx, *token)
	if err != nil {
		if err == sql.ErrNoRows {
			return Outcome{Kind: InvalidAuthedToken}, nil
		}
		return Outcome{}, err
	}

	if !t.Validity {
		if t.AuthedAt.Valid {
			return Outcome{Kind: RevokedAuthedToken}, nil
		}
		if now.Sub(t.CreatedAt) >= s.activationTTL {
			fresh, err := s.issue(ctx, ip, ua, requireUserRegistration, now)
			if err != nil {
				return Outcome{}, err
			}
			return s.unauthenticated(fresh), nil
		}
		return s.unauthenticated(t), nil
	}

	if t.RequireUserRegistration && !t.RegisteredUserID.Valid {
		ott, err := generateOneTimeToken()
		if err != nil {
			return Outcome{}, err
		}
		if err := s.onetime.SetEX(ctx, userLinkOnetimeKey(ott), t.ID.String(), 3*time.Minute); err != nil {
			return Outcome{}, fmt.Errorf("store one-time link token: %w", err)
		}
		return Outcome{Kind: UserRegistrationRequired, OneTimeToken: ott}, nil
	}

	return Outcome{Kind: Valid, Token: t}, nil
}

// ActivationResult is the outcome of ActivateByCode.
type ActivationResult int

const (
	Activated ActivationResult = iota
	AuthCodeCollision
	ExpiredActivationCode
	FailedToFindAuthedToken
)

// ActivateByCode is the auth-code activation endpoint's post-CAPTCHA step:
// collision handling, expiry check, and the final Pending -> Active
// transition. Callers run CAPTCHA verification before calling this; the
// reduced-IP consistency check runs here unless skipIPCheck is set.
func (s *Store) ActivateByCode(ctx context.Context, authCode string, requestIP, authedUA string, now time.Time, skipIPCheck bool) (ActivationResult, *storage.AuthedToken, error) {
	candidates, err := s.repo.ListUnauthedTokensByAuthCode(ctx, authCode)
	if err != nil {
		return 0, nil, err
	}

	if len(candidates) > 1 {
		ids := make([]uuid.UUID, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		if err := s.repo.DeleteAuthedTokens(ctx, ids); err != nil {
			return 0, nil, err
		}
		return AuthCodeCollision, nil, nil
	}
	if len(candidates) == 0 {
		return FailedToFindAuthedToken, nil, nil
	}

	t := candidates[0]
	if now.Sub(t.CreatedAt) >= s.activationTTL {
		return ExpiredActivationCode, nil, nil
	}

	if !skipIPCheck && identity.ReducedIP(parseIPOrZero(t.OriginIP)) != identity.ReducedIP(parseIPOrZero(requestIP)) {
		return FailedToFindAuthedToken, nil, nil
	}

	if err := s.repo.ActivateToken(ctx, t.ID, authedUA, now); err != nil {
		return 0, nil, err
	}
	t.Validity = true
	t.AuthedUA.String = authedUA
	t.AuthedUA.Valid = true
	return Activated, t, nil
}

func parseIPOrZero(s string) (ip net.IP) {
	if p := net.ParseIP(s); p != nil {
		return p
	}
	return net.IPv4zero
}
