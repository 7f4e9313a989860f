// Package web is the HTTP surface: bbs.cgi post ingestion, board text
// endpoints, dat serving, auth-code activation, and the WebSocket update
// stream. Server keeps the teacher's own shape (config + dependencies +
// *http.ServeMux + *http.Server with explicit timeouts, Start/Shutdown
// lifecycle); every route and handler is rewritten for this domain.
package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eddist-go/eddist/internal/authtoken"
	"github.com/eddist-go/eddist/internal/bbslog"
	"github.com/eddist-go/eddist/internal/boardcache"
	"github.com/eddist-go/eddist/internal/captcha"
	"github.com/eddist-go/eddist/internal/config"
	"github.com/eddist-go/eddist/internal/datserve"
	"github.com/eddist-go/eddist/internal/fanout"
	"github.com/eddist-go/eddist/internal/postingest"
	"github.com/eddist-go/eddist/internal/storage"
	"github.com/eddist-go/eddist/internal/tinker"
)

const (
	cookieEdgeToken   = "edge-token"
	cookieTinkerToken = "tinker-token"
	cookieMaxAge      = 365 * 24 * time.Hour
)

// Server wires every HTTP dependency together and serves the textboard's
// external interface.
type Server struct {
	cfg Config

	boards     *boardcache.Cache
	repo       *storage.DB
	posts      *postingest.Service
	dats       *datserve.Service
	auth       *authtoken.Store
	captcha    *captcha.Verifier
	providers  []captcha.ProviderConfig
	tinkerSign *tinker.Signer
	hub        *fanout.Hub

	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader
}

// Config is the subset of config.Config the web server reads directly.
type Config struct {
	BindAddr  string
	ASNHeader string
}

// Deps bundles every collaborator New needs, avoiding an unwieldy
// constructor parameter list now that the surface has grown past the
// teacher's own dashboard dependencies.
type Deps struct {
	Boards    *boardcache.Cache
	Repo      *storage.DB
	Posts     *postingest.Service
	Dats      *datserve.Service
	Auth      *authtoken.Store
	Captcha   *captcha.Verifier
	Providers []captcha.ProviderConfig
	Tinker    *tinker.Signer
	Hub       *fanout.Hub
}

// New builds a Server and registers its routes.
func New(cfg config.Config, d Deps) *Server {
	s := &Server{
		cfg:        Config{BindAddr: cfg.BindAddr, ASNHeader: cfg.ASNHeader},
		boards:     d.Boards,
		repo:       d.Repo,
		posts:      d.Posts,
		dats:       d.Dats,
		auth:       d.Auth,
		captcha:    d.Captcha,
		providers:  d.Providers,
		tinkerSign: d.Tinker,
		hub:        d.Hub,
		mux:        http.NewServeMux(),
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	if s.cfg.ASNHeader == "" {
		s.cfg.ASNHeader = "X-ASN-Num"
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         s.cfg.BindAddr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the WebSocket stream needs no write deadline
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /test/bbs.cgi", s.handleBbsCgi)
	s.mux.HandleFunc("GET /{board_key}/subject.txt", s.handleSubjectTxt)
	s.mux.HandleFunc("GET /{board_key}/SETTING.TXT", s.handleSettingTxt)
	s.mux.HandleFunc("GET /{board_key}/head.txt", s.handleHeadTxt)
	s.mux.HandleFunc("GET /{board_key}/dat/{thread_id}", s.handleDat)
	s.mux.HandleFunc("GET /{board_key}/kako/{th4}/{th5}/{thread_id}", s.handleKakoDat)
	s.mux.HandleFunc("GET /auth-code", s.handleAuthCodeForm)
	s.mux.HandleFunc("POST /auth-code", s.handleAuthCodeSubmit)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// Start begins serving HTTP requests. It blocks until the server is shut
// down.
func (s *Server) Start() error {
	log := bbslog.For("web")
	log.WithField("addr", s.cfg.BindAddr).Info("listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// originIP resolves the client's address per spec.md §6: Cf-Connecting-IP
// first, then X-Forwarded-For, falling back to the connection's remote
// address.
func originIP(r *http.Request) string {
	if v := r.Header.Get("Cf-Connecting-IP"); v != "" {
		return v
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		return strings.TrimSpace(strings.Split(v, ",")[0])
	}
	host, _, err := splitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i], addr[i+1:], nil
	}
	return addr, "", fmt.Errorf("no port in address")
}

func userAgent(r *http.Request) string {
	if ua := r.Header.Get("User-Agent"); ua != "" {
		return ua
	}
	return "unknown"
}

func (s *Server) asnNum(r *http.Request) uint32 {
	v := r.Header.Get(s.cfg.ASNHeader)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func cookieValue(r *http.Request, name string) *string {
	c, err := r.Cookie(name)
	if err != nil {
		return nil
	}
	return &c.Value
}

func setCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		HttpOnly: true,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
}
