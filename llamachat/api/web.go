package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness"
	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
	"github.com/ZanzyTHEbar/llamachat/llamachat/service"
)

type pageData struct {
	Theme   string
	Status  service.Status
	History []ports.Turn
	Error   string
	Message string // echoed back when the request failed
}

// Index renders the chat page for the caller's session.
func (s *Server) Index(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, http.StatusOK, pageData{})
}

// WebChat handles the form post and re-renders the page. Errors are shown in
// a banner; the stored history is always shown as it is.
func (s *Server) WebChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.renderPage(w, r, http.StatusBadRequest, pageData{Error: "Could not read the form."})
		return
	}
	message := r.PostForm.Get("message")

	result, err := s.app.Chat(r.Context(), SessionIDFromContext(r.Context()), message, nil)
	switch {
	case errors.Is(err, harness.ErrEmptyInput):
		s.renderPage(w, r, http.StatusBadRequest, pageData{Error: "Please enter a message."})
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("Web chat request failed")
		s.renderPage(w, r, http.StatusInternalServerError, pageData{Error: "Something went wrong: " + err.Error(), Message: message})
	default:
		s.renderPage(w, r, http.StatusOK, pageData{History: result.History})
	}
}

// WebClear empties the session and returns to the chat page.
func (s *Server) WebClear(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Clear(r.Context(), SessionIDFromContext(r.Context())); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Web clear failed")
		s.renderPage(w, r, http.StatusInternalServerError, pageData{Error: "Could not clear the history."})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, status int, data pageData) {
	data.Theme = s.cfg.Theme
	data.Status = s.app.Status()
	if data.History == nil {
		history, err := s.app.History(r.Context(), SessionIDFromContext(r.Context()))
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Failed to load history for page")
			if data.Error == "" {
				data.Error = "Could not load the conversation history."
			}
		}
		data.History = history
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.page.Execute(w, data); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to render page")
	}
}
