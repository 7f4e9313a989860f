package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/eddist-go/eddist/internal/bbslog"
	"github.com/eddist-go/eddist/internal/boardcache"
	"github.com/eddist-go/eddist/internal/datserve"
)

// parseDatThreadNumber strips the ".dat" suffix from a path segment and
// parses the remaining digits as a thread number.
func parseDatThreadNumber(seg string) (int64, bool) {
	n, ok := strings.CutSuffix(seg, ".dat")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(n, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// handleDat serves GET /{board_key}/dat/{thread_id}: the hot dat-serving
// read path, falling back to a 302 kako redirect or 404 per
// datserve.Service.GetDat.
func (s *Server) handleDat(w http.ResponseWriter, r *http.Request) {
	boardKey := r.PathValue("board_key")
	if !boardcache.ValidateBoardKey(boardKey) {
		http.NotFound(w, r)
		return
	}
	threadNumber, ok := parseDatThreadNumber(r.PathValue("thread_id"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	outcome, err := s.dats.GetDat(r.Context(), boardKey, threadNumber, r.Header.Get("Range"), userAgent(r))
	if err != nil {
		bbslog.For("web").WithField("error", err).Error("dat serve failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeDatOutcome(w, outcome, "s-maxage=1, max-age=5")
}

// handleKakoDat serves GET /{board_key}/kako/{a}/{b}/{thread_id}: archived
// dat objects read from object storage.
func (s *Server) handleKakoDat(w http.ResponseWriter, r *http.Request) {
	boardKey := r.PathValue("board_key")
	if !boardcache.ValidateBoardKey(boardKey) {
		http.NotFound(w, r)
		return
	}
	threadNumber, ok := parseDatThreadNumber(r.PathValue("thread_id"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	outcome, err := s.dats.GetKakoDat(r.Context(), boardKey, threadNumber)
	if err != nil {
		bbslog.For("web").WithField("error", err).Error("kako dat serve failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeDatOutcome(w, outcome, "s-maxage=3600")
}

// writeDatOutcome renders a datserve.Outcome as the HTTP response: the
// not-found/redirect cases per spec.md §4.8's kako redirect rule, or the
// dat body itself with the given Cache-Control (tighter for active
// threads, s-maxage=3600 for archived kako objects).
func (s *Server) writeDatOutcome(w http.ResponseWriter, outcome datserve.Outcome, cacheControl string) {
	switch outcome.Kind {
	case datserve.OutcomeNotFound:
		http.NotFound(w, nil)
	case datserve.OutcomeRedirect:
		w.Header().Set("Location", outcome.RedirectURL)
		w.WriteHeader(http.StatusFound)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=Shift_JIS")
		w.Header().Set("Cache-Control", cacheControl)
		if outcome.Partial {
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_, _ = w.Write(outcome.Data)
	}
}
