package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/ZanzyTHEbar/llamachat/llamachat/config"
	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness"
	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
	"github.com/ZanzyTHEbar/llamachat/llamachat/transcript"
)

const maxBodyBytes = 1 << 20

type chatResponse struct {
	Response            string       `json:"response"`
	ConversationHistory []ports.Turn `json:"conversation_history"`
	Mode                harness.Mode `json:"mode"`
	Failed              bool         `json:"failed,omitempty"`
	SessionID           string       `json:"session_id"`
}

// Chat handles POST /api/chat. Every body key other than message is a
// per-request sampling override.
func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	message, ok := body["message"].(string)
	if !ok {
		Error(w, http.StatusBadRequest, "missing message")
		return
	}
	delete(body, "message")

	sessionID := SessionIDFromContext(r.Context())
	result, err := s.app.Chat(r.Context(), sessionID, message, body)
	if err != nil {
		s.chatError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, chatResponse{
		Response:            result.Response,
		ConversationHistory: nonNil(result.History),
		Mode:                result.Mode,
		Failed:              result.Failed,
		SessionID:           sessionID,
	})
}

func (s *Server) chatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, harness.ErrEmptyInput):
		Error(w, http.StatusBadRequest, "message must not be empty")
	case errors.Is(err, config.ErrUnknownConfigKey), errors.Is(err, config.ErrInvalidSampling):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		hlog.FromRequest(r).Error().Err(err).Str("session_id", SessionIDFromContext(r.Context())).Msg("Chat request failed")
		Error(w, http.StatusInternalServerError, fmt.Sprintf("server error: %v", err))
	}
}

// Clear handles POST /api/clear.
func (s *Server) Clear(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Clear(r.Context(), SessionIDFromContext(r.Context())); err != nil {
		s.internal(w, r, "failed to clear history", err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "message": "Conversation history cleared"})
}

// History handles GET /api/history.
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	sessionID := SessionIDFromContext(r.Context())
	history, err := s.app.History(r.Context(), sessionID)
	if err != nil {
		s.internal(w, r, "failed to load history", err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"conversation_history": nonNil(history),
		"session_id":           sessionID,
	})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, s.app.Status())
}

// Config handles GET /api/config.
func (s *Server) Config(w http.ResponseWriter, r *http.Request) {
	view := s.app.ConfigView()
	JSON(w, http.StatusOK, struct {
		Config   any    `json:"config"`
		Theme    string `json:"theme"`
		HasModel bool   `json:"has_model"`
	}{Config: view, Theme: s.cfg.Theme, HasModel: s.app.Status().ModelLoaded})
}

func (s *Server) Sessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.app.Sessions(r.Context())
	if err != nil {
		s.internal(w, r, "failed to list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []ports.SessionInfo{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// Export handles GET /api/export and sends the transcript as a download.
func (s *Server) Export(w http.ResponseWriter, r *http.Request) {
	data, err := s.app.Export(r.Context(), SessionIDFromContext(r.Context()))
	if err != nil {
		s.internal(w, r, "failed to export history", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="chat_history.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Import handles POST /api/import; the body is a transcript document.
func (s *Server) Import(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read body")
		return
	}
	sessionID := SessionIDFromContext(r.Context())
	if err := s.app.Import(r.Context(), sessionID, data); err != nil {
		if errors.Is(err, transcript.ErrInvalidTranscript) || errors.Is(err, ports.ErrInvalidRole) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internal(w, r, "failed to import history", err)
		return
	}
	s.History(w, r)
}

// Reload handles POST /api/reload. A failed load answers 503 with the
// resulting status so clients can show why.
func (s *Server) Reload(w http.ResponseWriter, r *http.Request) {
	err := s.app.Reload(r.Context())
	status := s.app.Status()
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Model reload failed")
		JSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "status": status})
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Server) internal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	hlog.FromRequest(r).Error().Err(err).Msg(msg)
	Error(w, http.StatusInternalServerError, msg)
}

func nonNil(turns []ports.Turn) []ports.Turn {
	if turns == nil {
		return []ports.Turn{}
	}
	return turns
}
