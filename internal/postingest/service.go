// Package postingest implements the post ingestion pipeline: the two entry
// points create_thread and create_response that validate a submission,
// gate it through the auth/rate/ng-word checks, write it through to the
// Redis serving cache, enqueue the durable SQL write, and publish the
// event for WebSocket fan-out.
package postingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/eddist-go/eddist/internal/authtoken"
	"github.com/eddist-go/eddist/internal/identity"
	"github.com/eddist-go/eddist/internal/ngword"
	"github.com/eddist-go/eddist/internal/ratelimit"
	"github.com/eddist-go/eddist/internal/shiftjis"
	"github.com/eddist-go/eddist/internal/storage"
	"github.com/eddist-go/eddist/internal/tinker"
)

// mustMarshal JSON-encodes v, which for the types this package passes it
// (ClientInfo, CreatingRes, PubSubItem) can never fail.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("postingest: unexpected marshal failure: %v", err))
	}
	return b
}

// BoardLookup resolves a board and its write configuration, with caching.
type BoardLookup interface {
	Get(ctx context.Context, boardKey string) (*storage.Board, *storage.BoardInfo, error)
}

// Repo is the subset of storage.DB the ingestion pipeline needs.
type Repo interface {
	GetThreadByNumber(ctx context.Context, boardID uuid.UUID, threadNumber int64) (*storage.Thread, error)
	InsertThreadWithFirstResponse(ctx context.Context, t *storage.Thread, r *storage.Response) error
	InsertResponse(ctx context.Context, r *storage.Response) error
	GetNgWordsForBoard(ctx context.Context, boardID uuid.UUID) ([]string, error)
	ListCapsForBoard(ctx context.Context, boardID uuid.UUID) ([]storage.Cap, error)
}

// RedisOps is the subset of Redis commands the write-through path needs.
type RedisOps interface {
	RPush(ctx context.Context, key string, value []byte) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Publish(ctx context.Context, channel string, payload []byte) error
	RPushFailure(ctx context.Context, payload []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Service implements create_thread and create_response.
type Service struct {
	boards          BoardLookup
	repo            Repo
	redis           RedisOps
	auth            *authtoken.Store
	spanLimiter     *ratelimit.SpanLimiter
	restrictions    *ratelimit.RestrictionCache
	tinker          *tinker.Signer
	listTTL         time.Duration
	emailAuthWindow time.Duration
	now             Clock
}

// New builds a Service. emailAuthWindow is how long a prohibited-UA
// mail-auth use is remembered before it may be replayed again; zero
// defaults to 30 days.
func New(boards BoardLookup, repo Repo, redis RedisOps, auth *authtoken.Store, spanLimiter *ratelimit.SpanLimiter,
	restrictions *ratelimit.RestrictionCache, tk *tinker.Signer, listTTL, emailAuthWindow time.Duration, now Clock) *Service {
	if now == nil {
		now = time.Now
	}
	if emailAuthWindow <= 0 {
		emailAuthWindow = 30 * 24 * time.Hour
	}
	return &Service{
		boards: boards, repo: repo, redis: redis, auth: auth, spanLimiter: spanLimiter,
		restrictions: restrictions, tinker: tk, listTTL: listTTL, emailAuthWindow: emailAuthWindow, now: now,
	}
}

// RequestMeta is the caller-derived connection/identity context common to
// thread and response submissions.
type RequestMeta struct {
	IPAddr                  string
	UserAgent               string
	ASNNum                  uint32
	AuthedTokenCookie       *string
	Tinker                  *tinker.Claims
	RequireUserRegistration bool
}

// CreateThreadInput is the decoded bbs.cgi form for a new thread.
type CreateThreadInput struct {
	BoardKey string
	Subject  string
	From     string
	Mail     string
	Body     string
	Meta     RequestMeta
}

// CreateResponseInput is the decoded bbs.cgi form for a response to an
// existing thread.
type CreateResponseInput struct {
	BoardKey     string
	ThreadNumber int64
	From         string
	Mail         string
	Body         string
	Meta         RequestMeta
}

// Output carries the fields the HTTP handler needs to finish the response:
// the tinker to re-cookie. The auth-code/token of an Unauthenticated outcome
// travel in the returned *Error instead.
type Output struct {
	Tinker tinker.Claims
}

func (s *Service) validateLengths(body, name, mail string, info *storage.BoardInfo) *Error {
	if len(body) > info.MaxResponseBodyBytes {
		return &Error{Kind: KindInvalidParam, ParamName: ParamBody}
	}
	if strings.Count(body, "\n")+1 > info.MaxResponseBodyLines {
		return &Error{Kind: KindInvalidParam, ParamName: ParamBody}
	}
	if len(name) > info.MaxAuthorNameBytes {
		return &Error{Kind: KindInvalidParam, ParamName: ParamFrom}
	}
	if len(mail) > info.MaxEmailBytes {
		return &Error{Kind: KindInvalidParam, ParamName: ParamMail}
	}
	return nil
}

// composedRes is the parsed, sanitized content of one post prior to auth
// resolution.
type composedRes struct {
	authorName  string
	tripSource  string
	hasTrip     bool
	mail        string
	capSource   string
	hasCap      bool
	body        string
	mailAuthToken string
}

// composeRes mirrors Res::new_from_res: splits the FROM field on '#' for a
// trip, and the mail field on '#' for either a cap ("#@suffix", which takes
// precedence) or a mail-provided auth token.
func composeRes(from, mail, body string) composedRes {
	var c composedRes
	c.body = shiftjis.SanitizeBody(body)

	if rest, suffix, ok := ngword.SplitTrip(shiftjis.SanitizeName(from)); ok {
		c.authorName, c.tripSource, c.hasTrip = rest, suffix, true
	} else {
		c.authorName = shiftjis.SanitizeName(from)
	}

	sanitizedMail := shiftjis.SanitizeEmail(mail)
	if suffix, ok := ngword.SplitCapMail(sanitizedMail); ok {
		c.mail = strings.SplitN(sanitizedMail, "#", 2)[0]
		c.capSource, c.hasCap = suffix, true
	} else if idx := strings.Index(sanitizedMail, "#"); idx >= 0 {
		c.mail = sanitizedMail[:idx]
		c.mailAuthToken = sanitizedMail[idx+1:]
	} else {
		c.mail = sanitizedMail
	}
	return c
}

func metadentDirective(body string) (string, storage.Metadent) {
	switch {
	case strings.Contains(body, "!metadent:vvv:"):
		return strings.Replace(body, "!metadent:vvv:", "!metadent:vvv - configured", 1), storage.MetadentVVVerbose
	case strings.Contains(body, "!metadent:vv:"):
		return strings.Replace(body, "!metadent:vv:", "!metadent:vv - configured", 1), storage.MetadentVVerbose
	case strings.Contains(body, "!metadent:v:"):
		return strings.Replace(body, "!metadent:v:", "!metadent:v - configured", 1), storage.MetadentVerbose
	default:
		return body, storage.MetadentNone
	}
}

// resolveAuthor finalizes the displayed author name: "base [ ★cap] [
// ◆trip]", matching pretty_author_name. The cap (from the mail field) and
// the trip (from the FROM field) are independent and both render when
// present — only cap-vs-mail-auth-token is mutually exclusive, decided
// earlier in composeRes.
func (s *Service) resolveAuthor(ctx context.Context, c composedRes, boardID uuid.UUID) (string, error) {
	name := c.authorName
	if c.hasCap {
		capName, ok, err := s.matchCap(ctx, boardID, c.capSource)
		if err != nil {
			return "", err
		}
		if ok {
			name += " ★" + capName
		}
	}
	if c.hasTrip {
		name += " ◆" + tripFn(c.tripSource)
	}
	return name, nil
}

// tripFn computes the display tripcode for a "#source" suffix. It is a
// package-level seam over internal/identity.Trip so tests can substitute a
// cheap stand-in instead of paying the DES cost on every composed post.
var tripFn = identity.Trip

// matchCap tries suffix against every cap configured on the board, each
// compared with bcrypt since the stored hashes are individually salted and
// can't be looked up by equality.
func (s *Service) matchCap(ctx context.Context, boardID uuid.UUID, suffix string) (string, bool, error) {
	caps, err := s.repo.ListCapsForBoard(ctx, boardID)
	if err != nil {
		return "", false, err
	}
	for _, c := range caps {
		if bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(suffix)) == nil {
			return c.Name, true, nil
		}
	}
	return "", false, nil
}

func (s *Service) checkNgWords(ctx context.Context, boardID uuid.UUID, body, subject string) (*Error, error) {
	words, err := s.repo.GetNgWordsForBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if _, found := ngword.Match(body, words); found {
		return &Error{Kind: KindNgWordDetected}, nil
	}
	if subject != "" {
		if _, found := ngword.Match(subject, words); found {
			return &Error{Kind: KindNgWordDetected}, nil
		}
	}
	return nil, nil
}

func (s *Service) writeThrough(ctx context.Context, boardKey string, threadNumber int64, line []byte) (int32, error) {
	key := fmt.Sprintf("thread:%s:%d", boardKey, threadNumber)
	n, err := s.redis.RPush(ctx, key, line)
	if err != nil {
		return 0, err
	}
	if err := s.redis.Expire(ctx, key, s.listTTL); err != nil {
		return 0, err
	}
	return int32(n), nil
}

func (s *Service) publish(ctx context.Context, cres CreatingRes) {
	item := PubSubItem{CreatingRes: &cres}
	payload := mustMarshal(item)
	_ = s.redis.Publish(ctx, "bbs:pubsubitem", payload) // logged upstream; dat readers still see the post
}

func (s *Service) finalizeTinker(meta RequestMeta, authedToken string, createdAt time.Time, wroteThread bool) tinker.Claims {
	if meta.Tinker != nil {
		return s.tinker.Advance(*meta.Tinker, createdAt, wroteThread)
	}
	return s.tinker.New(authedToken, createdAt, wroteThread)
}

// validateAuth runs steps 6-7 of the pipeline: token-state check, cap/NG
// gating is left to the caller since it needs the board ID. A cookie-borne
// token always wins over a mail-field ("#token") token when both are
// present, matching the original's cookie-first resolution.
func (s *Service) validateAuth(ctx context.Context, meta RequestMeta, mailAuthToken string, requireUserRegistration bool, now time.Time) (*storage.AuthedToken, *Error, error) {
	tokenStr := meta.AuthedTokenCookie
	if tokenStr == nil && mailAuthToken != "" {
		tokenStr = &mailAuthToken
	}
	outcome, err := s.auth.Validate(ctx, tokenStr, meta.IPAddr, meta.UserAgent, requireUserRegistration, now)
	if err != nil {
		return nil, nil, err
	}
	switch outcome.Kind {
	case authtoken.Valid:
		isEmailAuthed := meta.AuthedTokenCookie == nil && mailAuthToken != ""
		if bad, err := s.checkEmailAuthRestriction(ctx, isEmailAuthed, meta.UserAgent, outcome.Token.ID); err != nil {
			return nil, nil, err
		} else if bad != nil {
			return nil, bad, nil
		}
		return outcome.Token, nil, nil
	case authtoken.Unauthenticated:
		return nil, &Error{Kind: KindUnauthenticated, AuthCode: outcome.AuthCode, AuthToken: outcome.AuthToken}, nil
	case authtoken.InvalidAuthedToken:
		return nil, &Error{Kind: KindInvalidAuthedToken}, nil
	case authtoken.RevokedAuthedToken:
		return nil, &Error{Kind: KindRevokedAuthedToken}, nil
	case authtoken.UserRegistrationRequired:
		return nil, &Error{Kind: KindUserRegistrationRequired, OneTimeToken: outcome.OneTimeToken}, nil
	default:
		return nil, &Error{Kind: KindOther}, nil
	}
}

// emailAuthProhibitedUserAgents lists the client families known to replay a
// single mail-field ("#token") auth rather than completing activation
// normally, matching EMAIL_AUTH_PROHIBITED_USER_AGENTS.
var emailAuthProhibitedUserAgents = []string{
	"2chMate", "mae2c", "Geschar", "twinkle", "Ciisaa", "Mozilla/5.0",
}

func emailAuthUsedKey(authedTokenID uuid.UUID) string {
	return "bbs:email_auth_used:" + authedTokenID.String()
}

// checkEmailAuthRestriction enforces that a prohibited-UA client can replay
// a mail-field auth token at most once per 30-day window, grounded on
// EmailAuthRestrictionService.check_and_enforce_restriction. A Redis error
// while checking fails open, matching the original's "allow to prevent
// blocking legitimate users" fallback.
func (s *Service) checkEmailAuthRestriction(ctx context.Context, isEmailAuthed bool, ua string, authedTokenID uuid.UUID) (*Error, error) {
	if !isEmailAuthed || !matchesAny(ua, emailAuthProhibitedUserAgents) {
		return nil, nil
	}

	key := emailAuthUsedKey(authedTokenID)
	used, err := s.redis.Exists(ctx, key)
	if err != nil {
		return nil, nil
	}
	if used {
		return &Error{Kind: KindEmailAuthUnsupportedUA}, nil
	}
	if err := s.redis.SetEX(ctx, key, "", s.emailAuthWindow); err != nil {
		return nil, nil
	}
	return nil, nil
}

func matchesAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (s *Service) checkRestrictions(meta RequestMeta) *Error {
	if s.restrictions == nil {
		return nil
	}
	if s.restrictions.Denied(ratelimit.Attrs{IP: meta.IPAddr, ASN: fmt.Sprintf("%d", meta.ASNNum), UserAgent: meta.UserAgent}) {
		return &Error{Kind: KindRestricted}
	}
	return nil
}

// CreateThread implements create_thread: steps 1-2 and 4-11 of the
// pipeline (step 3 is response-only).
func (s *Service) CreateThread(ctx context.Context, in CreateThreadInput) (Output, *Error, error) {
	now := s.now()

	board, info, err := s.boards.Get(ctx, in.BoardKey)
	if err != nil {
		if err == sql.ErrNoRows {
			return Output{}, &Error{Kind: KindNotFound, NotFound: NotFoundBoard}, nil
		}
		return Output{}, nil, err
	}
	if info.ReadOnly {
		return Output{}, &Error{Kind: KindReadOnlyBoard}, nil
	}

	if bad := s.checkRestrictions(in.Meta); bad != nil {
		return Output{}, bad, nil
	}

	c := composeRes(in.From, in.Mail, in.Body)
	subject := shiftjis.SanitizeName(in.Subject)
	if bad := s.validateLengths(c.body, c.authorName, c.mail, info); bad != nil {
		return Output{}, bad, nil
	}
	if len(subject) > info.MaxThreadNameBytes {
		return Output{}, &Error{Kind: KindInvalidParam, ParamName: ParamSubject}, nil
	}

	threadNumber := now.Unix()
	if _, err := s.repo.GetThreadByNumber(ctx, board.ID, threadNumber); err == nil {
		return Output{}, &Error{Kind: KindSameTimeThreadCreation}, nil
	} else if err != sql.ErrNoRows {
		return Output{}, nil, err
	}

	body, metadent := metadentDirective(c.body)

	token, bad, err := s.validateAuth(ctx, in.Meta, c.mailAuthToken, false, now)
	if err != nil {
		return Output{}, nil, err
	}
	if bad != nil {
		return Output{}, bad, nil
	}

	authorName, err := s.resolveAuthor(ctx, c, board.ID)
	if err != nil {
		return Output{}, nil, err
	}

	if bad, err := s.checkNgWords(ctx, board.ID, body, subject); err != nil {
		return Output{}, nil, err
	} else if bad != nil {
		return Output{}, bad, nil
	}

	span := time.Duration(info.BaseThreadCreationSpanSec) * time.Second
	allowed, err := s.spanLimiter.Allow(ctx, "rate:thread", token.Token, in.Meta.IPAddr, span)
	if err != nil {
		return Output{}, nil, err
	}
	if !allowed {
		return Output{}, &Error{Kind: KindTooManyCreatingThread, Span: info.BaseThreadCreationSpanSec}, nil
	}

	threadID := uuid.New()
	resID := uuid.New()
	authorID := identity.AuthorID(in.BoardKey, now, token.AuthorIDSeed)
	clientInfoJSON := mustMarshal(ClientInfo{UserAgent: in.Meta.UserAgent, ASNNum: in.Meta.ASNNum, IPAddr: in.Meta.IPAddr})

	thread := &storage.Thread{
		ID: threadID, BoardID: board.ID, ThreadNumber: threadNumber, LastModifiedAt: now,
		SageLastModifiedAt: now, Title: subject, AuthedTokenID: token.ID, Metadent: metadent,
		ResponseCount: 1, Active: true,
	}
	response := &storage.Response{
		ID: resID, ThreadID: threadID, BoardID: board.ID, AuthedTokenID: token.ID,
		AuthorName: authorName, Mail: c.mail, Body: body, AuthorID: authorID, IPAddr: in.Meta.IPAddr,
		ClientInfo: clientInfoJSON, CreatedAt: now, ResOrder: 1,
	}

	if err := s.repo.InsertThreadWithFirstResponse(ctx, thread, response); err != nil {
		if err == storage.ErrDuplicateThread {
			return Output{}, &Error{Kind: KindSameTimeThreadCreation}, nil
		}
		return Output{}, nil, err
	}

	line, err := shiftjis.RenderResLine(shiftjis.RenderInput{
		AuthorName: authorName, Mail: c.mail, CreatedAt: shiftjis.FormatDate(now), AuthorID: authorID, Body: body,
	}, board.DefaultName, subject)
	if err != nil {
		return Output{}, nil, err
	}
	if _, err := s.writeThrough(ctx, in.BoardKey, threadNumber, line); err != nil {
		return Output{}, nil, err
	}

	cres := CreatingRes{
		ID: resID, CreatedAt: now, Body: body, Name: authorName, Mail: c.mail, AuthorID: authorID,
		AuthedTokenID: token.ID, IPAddr: in.Meta.IPAddr, ThreadID: threadID, BoardID: board.ID,
		ClientInfo: ClientInfo{UserAgent: in.Meta.UserAgent, ASNNum: in.Meta.ASNNum, IPAddr: in.Meta.IPAddr},
		ResOrder: 1,
	}
	s.publish(ctx, cres)

	if err := s.spanLimiter.Record(ctx, "rate:thread", token.Token, in.Meta.IPAddr, span); err != nil {
		return Output{}, nil, err
	}

	return Output{Tinker: s.finalizeTinker(in.Meta, token.Token, now, true)}, nil, nil
}

// CreateResponse implements create_response: all 11 pipeline steps except
// thread-number computation (step 4, thread-only).
func (s *Service) CreateResponse(ctx context.Context, in CreateResponseInput) (Output, *Error, error) {
	now := s.now()

	board, info, err := s.boards.Get(ctx, in.BoardKey)
	if err != nil {
		if err == sql.ErrNoRows {
			return Output{}, &Error{Kind: KindNotFound, NotFound: NotFoundBoard}, nil
		}
		return Output{}, nil, err
	}
	if info.ReadOnly {
		return Output{}, &Error{Kind: KindReadOnlyBoard}, nil
	}

	if bad := s.checkRestrictions(in.Meta); bad != nil {
		return Output{}, bad, nil
	}

	thread, err := s.repo.GetThreadByNumber(ctx, board.ID, in.ThreadNumber)
	if err != nil {
		if err == sql.ErrNoRows {
			return Output{}, &Error{Kind: KindNotFound, NotFound: NotFoundThread}, nil
		}
		return Output{}, nil, err
	}
	if !thread.Active || thread.Archived {
		return Output{}, &Error{Kind: KindInactiveThread}, nil
	}

	c := composeRes(in.From, in.Mail, in.Body)
	if bad := s.validateLengths(c.body, c.authorName, c.mail, info); bad != nil {
		return Output{}, bad, nil
	}

	token, bad, err := s.validateAuth(ctx, in.Meta, c.mailAuthToken, false, now)
	if err != nil {
		return Output{}, nil, err
	}
	if bad != nil {
		return Output{}, bad, nil
	}

	authorName, err := s.resolveAuthor(ctx, c, board.ID)
	if err != nil {
		return Output{}, nil, err
	}

	if bad, err := s.checkNgWords(ctx, board.ID, c.body, ""); err != nil {
		return Output{}, nil, err
	} else if bad != nil {
		return Output{}, bad, nil
	}

	span := time.Duration(info.BaseResponseCreationSpanSec) * time.Second
	allowed, err := s.spanLimiter.Allow(ctx, "rate:res", token.Token, in.Meta.IPAddr, span)
	if err != nil {
		return Output{}, nil, err
	}
	if !allowed {
		return Output{}, &Error{Kind: KindTooManyCreatingRes, Span: info.BaseResponseCreationSpanSec}, nil
	}

	resID := uuid.New()
	authorID := identity.AuthorID(in.BoardKey, now, token.AuthorIDSeed)
	clientInfo := ClientInfo{UserAgent: in.Meta.UserAgent, ASNNum: in.Meta.ASNNum, IPAddr: in.Meta.IPAddr}

	line, err := shiftjis.RenderResLine(shiftjis.RenderInput{
		AuthorName: authorName, Mail: c.mail, CreatedAt: shiftjis.FormatDate(now), AuthorID: authorID, Body: c.body,
	}, board.DefaultName, "")
	if err != nil {
		return Output{}, nil, err
	}
	resOrder, err := s.writeThrough(ctx, in.BoardKey, in.ThreadNumber, line)
	if err != nil {
		return Output{}, nil, err
	}

	response := &storage.Response{
		ID: resID, ThreadID: thread.ID, BoardID: board.ID, AuthedTokenID: token.ID,
		AuthorName: authorName, Mail: c.mail, Body: c.body, AuthorID: authorID, IPAddr: in.Meta.IPAddr,
		ClientInfo: mustMarshal(clientInfo), CreatedAt: now, ResOrder: resOrder,
	}
	if err := s.repo.InsertResponse(ctx, response); err != nil {
		cres := CreatingRes{
			ID: resID, CreatedAt: now, Body: c.body, Name: authorName, Mail: c.mail, AuthorID: authorID,
			AuthedTokenID: token.ID, IPAddr: in.Meta.IPAddr, ThreadID: thread.ID, BoardID: board.ID,
			ClientInfo: clientInfo, ResOrder: resOrder,
		}
		if pushErr := s.redis.RPushFailure(ctx, mustMarshal(cres)); pushErr != nil {
			return Output{}, nil, fmt.Errorf("sql insert failed (%v) and recovery buffer push failed: %w", err, pushErr)
		}
	}

	cres := CreatingRes{
		ID: resID, CreatedAt: now, Body: c.body, Name: authorName, Mail: c.mail, AuthorID: authorID,
		AuthedTokenID: token.ID, IPAddr: in.Meta.IPAddr, ThreadID: thread.ID, BoardID: board.ID,
		ClientInfo: clientInfo, ResOrder: resOrder,
	}
	s.publish(ctx, cres)

	if err := s.spanLimiter.Record(ctx, "rate:res", token.Token, in.Meta.IPAddr, span); err != nil {
		return Output{}, nil, err
	}

	return Output{Tinker: s.finalizeTinker(in.Meta, token.Token, now, false)}, nil, nil
}
