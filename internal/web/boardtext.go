package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/eddist-go/eddist/internal/bbslog"
	"github.com/eddist-go/eddist/internal/boardcache"
	"github.com/eddist-go/eddist/internal/shiftjis"
)

func (s *Server) writeSJisText(w http.ResponseWriter, body string) {
	encoded, err := shiftjis.Encode(body)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=x-sjis")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}

// handleSubjectTxt serves GET /{board_key}/subject.txt: one line per active
// thread, "{thread_number}.dat<>{title} ({response_count})\n", most
// recently bumped first, in the standard dat line "<>" field separator
// convention shiftjis.RenderResLine also uses.
func (s *Server) handleSubjectTxt(w http.ResponseWriter, r *http.Request) {
	boardKey := r.PathValue("board_key")
	if !boardcache.ValidateBoardKey(boardKey) {
		http.NotFound(w, r)
		return
	}

	board, _, err := s.boards.Get(r.Context(), boardKey)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	threads, err := s.repo.ListThreadsByBoard(r.Context(), board.ID)
	if err != nil {
		bbslog.For("web").WithField("error", err).Error("failed to list threads")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var sb strings.Builder
	for _, t := range threads {
		fmt.Fprintf(&sb, "%d.dat<>%s (%d)\n", t.ThreadNumber, t.Title, t.ResponseCount)
	}
	s.writeSJisText(w, sb.String())
}

// handleSettingTxt serves GET /{board_key}/SETTING.TXT: the board config
// snapshot clients use to populate their posting form, mirroring the
// original's get_setting_txt.
func (s *Server) handleSettingTxt(w http.ResponseWriter, r *http.Request) {
	boardKey := r.PathValue("board_key")
	if !boardcache.ValidateBoardKey(boardKey) {
		http.NotFound(w, r)
		return
	}

	board, _, err := s.boards.Get(r.Context(), boardKey)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	body := fmt.Sprintf("%s@%s\nBBS_TITLE=%s\nBBS_TITLE_ORIG=%s\nBBS_NONAME_NAME=%s\n",
		board.BoardKey, board.BoardKey, board.Name, board.Name, board.DefaultName)
	s.writeSJisText(w, body)
}

// handleHeadTxt serves GET /{board_key}/head.txt: the board's local rules
// text.
func (s *Server) handleHeadTxt(w http.ResponseWriter, r *http.Request) {
	boardKey := r.PathValue("board_key")
	if !boardcache.ValidateBoardKey(boardKey) {
		http.NotFound(w, r)
		return
	}

	_, info, err := s.boards.Get(r.Context(), boardKey)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	s.writeSJisText(w, info.LocalRules)
}
