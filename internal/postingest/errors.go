package postingest

import (
	"fmt"
	"net/http"

	"github.com/eddist-go/eddist/internal/shiftjis"
)

// Kind enumerates the BbsCgiError variants, in spec.md §7 order.
type Kind int

const (
	KindInsufficientParam Kind = iota
	KindInvalidParam
	KindNotFound
	KindInactiveThread
	KindReadOnlyBoard
	KindSameTimeThreadCreation
	KindUnauthenticated
	KindInvalidAuthedToken
	KindRevokedAuthedToken
	KindUserRegistrationRequired
	KindNgWordDetected
	KindTooManyCreatingRes
	KindTooManyCreatingThread
	KindEmailAuthUnsupportedUA
	KindRestricted
	KindOther
)

// Error is the typed error surfaced by the post ingestion pipeline, carrying
// enough detail to render the Shift-JIS HTML error page and pick an HTTP
// status, mirroring the original's BbsCgiError.
type Error struct {
	Kind Kind

	ParamName string // InsufficientParam / InvalidParam
	NotFound  string // NotFound ("板" / "スレッド")
	AuthCode  string // Unauthenticated
	AuthToken string // Unauthenticated: sets edge-token cookie
	OneTimeToken string // UserRegistrationRequired
	Span      int    // TooManyCreatingRes / TooManyCreatingThread, in seconds
	Cause     error  // Other
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInsufficientParam:
		return fmt.Sprintf("bbs.cgiの呼び出しには'%s'が必要です", e.ParamName)
	case KindInvalidParam:
		return fmt.Sprintf("bbs.cgi呼び出し時の'%s'が不正です", e.ParamName)
	case KindNotFound:
		return fmt.Sprintf("対象の'%s'が見つかりません", e.NotFound)
	case KindInactiveThread:
		return "スレッドストッパーが働いたみたいなので書き込めません"
	case KindReadOnlyBoard:
		return "この板は書き込みが禁止されています"
	case KindSameTimeThreadCreation:
		return "既に同時刻にスレッドが作成されています"
	case KindUnauthenticated:
		return fmt.Sprintf("認証コード'%s'を用いて、以下のURLから認証を行ってください", e.AuthCode)
	case KindInvalidAuthedToken:
		return "与えられた認証トークンが不正です"
	case KindRevokedAuthedToken:
		return "その認証トークンは無効化されました"
	case KindUserRegistrationRequired:
		return "ユーザー登録が必要です"
	case KindNgWordDetected:
		return "NGワードが含まれています"
	case KindTooManyCreatingRes:
		return fmt.Sprintf("連投規制中です。%d秒後に書き込めます", e.Span)
	case KindTooManyCreatingThread:
		return fmt.Sprintf("スレッド作成規制中です。%d秒後に作成できます", e.Span)
	case KindEmailAuthUnsupportedUA:
		return "このブラウザではメール認証を複数回行うことはできません"
	case KindRestricted:
		return "この接続元からの書き込みは制限されています"
	default:
		return "内部エラーが発生しました"
	}
}

// StatusCode maps a Kind to its HTTP status, per spec.md §7.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindInsufficientParam, KindInvalidParam, KindInvalidAuthedToken:
		return http.StatusBadRequest
	case KindRevokedAuthedToken:
		return http.StatusForbidden
	case KindOther:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// ClearsCookies reports whether the error response must clear edge-token
// and tinker-token.
func (e *Error) ClearsCookies() bool {
	return e.Kind == KindInvalidAuthedToken
}

// SetsEdgeToken reports whether the error response must set a fresh
// edge-token cookie (the Unauthenticated flow).
func (e *Error) SetsEdgeToken() (string, bool) {
	if e.Kind == KindUnauthenticated {
		return e.AuthToken, true
	}
	return "", false
}

// RenderSJisHTML renders the Shift-JIS HTML error body the original serves
// for every BbsCgiError.
func (e *Error) RenderSJisHTML() ([]byte, error) {
	msg := e.Error()
	if e.Kind == KindOther {
		msg = "内部エラーが発生しました"
	}
	html := fmt.Sprintf(`<html><!-- 2ch_X:error -->
<head>
    <meta http-equiv="Content-Type" content="text/html; charset=x-sjis">
    <title>ＥＲＲＯＲ</title>
</head>
<body>
    エラー！<br>
    %s
</body>
</html>`, msg)
	return shiftjis.Encode(html)
}

// Parameter names, matching InsufficientParamType/InvalidParamType.
const (
	ParamSubmit  = "submit"
	ParamBbs     = "bbs"
	ParamSubject = "subject"
	ParamKey     = "key"
	ParamFrom    = "FROM"
	ParamMail    = "mail"
	ParamBody    = "MESSAGE"
)

// NotFound target names, matching NotFoundParamType.
const (
	NotFoundBoard  = "板"
	NotFoundThread = "スレッド"
)
