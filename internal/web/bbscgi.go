package web

import (
	"io"
	"net/http"
	"strconv"

	"github.com/eddist-go/eddist/internal/bbslog"
	"github.com/eddist-go/eddist/internal/postingest"
	"github.com/eddist-go/eddist/internal/shiftjis"
)

const (
	submitResponse = "書き込む"
	submitThread   = "新規スレッド作成"
)

// handleBbsCgi implements POST /test/bbs.cgi: the single write endpoint for
// both thread creation and responses, dispatched on the "submit" form
// value, mirroring the original's post_bbs_cgi.
func (s *Server) handleBbsCgi(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindOther, Cause: err})
		return
	}
	form, err := shiftjis.DecodeFormBody(raw)
	if err != nil {
		s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindInvalidParam, ParamName: postingest.ParamBody})
		return
	}

	submit, ok := form["submit"]
	if !ok {
		s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindInsufficientParam, ParamName: postingest.ParamSubmit})
		return
	}
	var isThread bool
	switch submit {
	case submitResponse:
		isThread = false
	case submitThread:
		isThread = true
	default:
		s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindInvalidParam, ParamName: postingest.ParamSubmit})
		return
	}

	boardKey, ok := form["bbs"]
	if !ok {
		s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindInsufficientParam, ParamName: postingest.ParamBbs})
		return
	}
	from, ok := form["FROM"]
	if !ok {
		s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindInsufficientParam, ParamName: postingest.ParamFrom})
		return
	}
	mail, ok := form["mail"]
	if !ok {
		s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindInsufficientParam, ParamName: postingest.ParamMail})
		return
	}
	body, ok := form["MESSAGE"]
	if !ok {
		s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindInsufficientParam, ParamName: postingest.ParamBody})
		return
	}

	meta := postingest.RequestMeta{
		IPAddr:            originIP(r),
		UserAgent:         userAgent(r),
		ASNNum:            s.asnNum(r),
		AuthedTokenCookie: cookieValue(r, cookieEdgeToken),
	}
	if raw := cookieValue(r, cookieTinkerToken); raw != nil {
		if claims, err := s.tinkerSign.Parse(*raw); err == nil {
			meta.Tinker = &claims
		}
	}

	var out postingest.Output
	var bad *postingest.Error
	if isThread {
		subject, ok := form["subject"]
		if !ok {
			s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindInsufficientParam, ParamName: postingest.ParamSubject})
			return
		}
		out, bad, err = s.posts.CreateThread(r.Context(), postingest.CreateThreadInput{
			BoardKey: boardKey, Subject: subject, From: from, Mail: mail, Body: body, Meta: meta,
		})
	} else {
		keyStr, ok := form["key"]
		if !ok {
			s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindInsufficientParam, ParamName: postingest.ParamKey})
			return
		}
		threadNumber, perr := strconv.ParseInt(keyStr, 10, 64)
		if perr != nil {
			s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindInvalidParam, ParamName: postingest.ParamKey})
			return
		}
		out, bad, err = s.posts.CreateResponse(r.Context(), postingest.CreateResponseInput{
			BoardKey: boardKey, ThreadNumber: threadNumber, From: from, Mail: mail, Body: body, Meta: meta,
		})
	}

	if err != nil {
		bbslog.For("web").WithField("error", err).Error("post ingestion failed")
		s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindOther, Cause: err})
		return
	}
	if bad != nil {
		s.writeBbsCgiError(w, bad)
		return
	}

	signed, err := s.tinkerSign.Sign(out.Tinker)
	if err != nil {
		bbslog.For("web").WithField("error", err).Error("failed to sign tinker cookie")
		s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindOther, Cause: err})
		return
	}
	setCookie(w, cookieTinkerToken, signed)
	setCookie(w, cookieEdgeToken, out.Tinker.AuthedToken)

	html := `<html><!-- 2ch_X:true -->
<head>
    <meta http-equiv="Content-Type" content="text/html; charset=x-sjis">
    <title>書きこみました</title>
</head>
<body>書きこみました</body>
</html>`
	sjis, err := shiftjis.Encode(html)
	if err != nil {
		bbslog.For("web").WithField("error", err).Error("failed to encode success body")
		s.writeBbsCgiError(w, &postingest.Error{Kind: postingest.KindOther, Cause: err})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=x-sjis")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sjis)
}

// writeBbsCgiError renders a postingest.Error as the Shift-JIS error page,
// applying its cookie side effects (clearing edge-token/tinker-token on
// InvalidAuthedToken, setting a fresh edge-token on Unauthenticated).
func (s *Server) writeBbsCgiError(w http.ResponseWriter, e *postingest.Error) {
	if e.ClearsCookies() {
		clearCookie(w, cookieEdgeToken)
		clearCookie(w, cookieTinkerToken)
	}
	if token, ok := e.SetsEdgeToken(); ok {
		setCookie(w, cookieEdgeToken, token)
	}
	body, err := e.RenderSJisHTML()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=x-sjis")
	w.WriteHeader(e.StatusCode())
	_, _ = w.Write(body)
}
