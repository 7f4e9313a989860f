package web

import (
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/eddist-go/eddist/internal/authtoken"
	"github.com/eddist-go/eddist/internal/bbslog"
	"github.com/eddist-go/eddist/internal/captcha"
)

// handleAuthCodeForm serves GET /auth-code: a minimal HTML form collecting
// the 6-digit auth code and every configured CAPTCHA provider's widget.
func (s *Server) handleAuthCodeForm(w http.ResponseWriter, r *http.Request) {
	var sb strings.Builder
	sb.WriteString("<html><head><title>認証コード入力</title></head><body>")
	sb.WriteString(`<form method="POST" action="/auth-code">`)
	sb.WriteString(`<input type="text" name="auth-code" maxlength="6" placeholder="認証コード">`)
	for _, p := range s.providers {
		fmt.Fprintf(&sb, `<input type="hidden" name="captcha-provider" value="%s">`, html.EscapeString(p.Provider))
		fmt.Fprintf(&sb, `<input type="text" name="captcha-response-%s" placeholder="%s">`,
			html.EscapeString(p.Provider), html.EscapeString(p.Provider))
	}
	sb.WriteString(`<button type="submit">送信</button></form></body></html>`)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// handleAuthCodeSubmit serves POST /auth-code: the CAPTCHA-gated activation
// endpoint implementing §4.4's auth-code activation flow.
func (s *Server) handleAuthCodeSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	authCode := r.PostForm.Get("auth-code")
	if authCode == "" {
		http.Error(w, "auth-code required", http.StatusBadRequest)
		return
	}

	responses := make(map[string]string, len(s.providers))
	for _, p := range s.providers {
		responses[p.Provider] = r.PostForm.Get("captcha-response-" + p.Provider)
	}

	ip := originIP(r)
	ctx := r.Context()

	if err := s.captcha.VerifyAll(ctx, s.providers, responses, ip); err != nil {
		bbslog.For("web").WithField("error", err).Warn("captcha verification failed")
		s.writeAuthCodeResult(w, "CAPTCHAの認証に失敗しました", http.StatusOK)
		return
	}

	skipIPCheck := captcha.AnySkipsIPCheck(s.providers)
	result, token, err := s.auth.ActivateByCode(ctx, authCode, ip, userAgent(r), time.Now(), skipIPCheck)
	if err != nil {
		bbslog.For("web").WithField("error", err).Error("activation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch result {
	case authtoken.Activated:
		setCookie(w, cookieEdgeToken, token.Token)
		s.writeAuthCodeResult(w, "認証が完了しました", http.StatusOK)
	case authtoken.AuthCodeCollision:
		s.writeAuthCodeResult(w, "認証コードが重複しています。もう一度書き込みをやり直してください", http.StatusOK)
	case authtoken.ExpiredActivationCode:
		s.writeAuthCodeResult(w, "認証コードの有効期限が切れています", http.StatusOK)
	case authtoken.FailedToFindAuthedToken:
		s.writeAuthCodeResult(w, "認証コードに対応するトークンが見つかりません", http.StatusOK)
	}
}

func (s *Server) writeAuthCodeResult(w http.ResponseWriter, message string, status int) {
	body := fmt.Sprintf("<html><body>%s</body></html>", html.EscapeString(message))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
