// Package api provides HTTP handlers for CareCircle session endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/CareCircle/internal/models"
	"github.com/BTreeMap/CareCircle/internal/pipeline"
)

// healthHandler handles GET /health
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"status":          "healthy",
		"active_sessions": s.mgr.ActiveSessions(),
	}))
}

// sessionsHandler routes /sessions and /sessions/{id}/... requests.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sessionsHandler: routing request", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/sessions")
	path = strings.TrimPrefix(path, "/")
	segments := strings.Split(path, "/")

	if len(segments) == 0 || segments[0] == "" {
		// /sessions
		switch r.Method {
		case http.MethodPost:
			s.createSessionHandler(w, r)
		default:
			w.Header().Set("Allow", http.MethodPost)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	sessionID := segments[0]

	if len(segments) == 1 {
		// /sessions/{id}
		switch r.Method {
		case http.MethodGet:
			s.getSessionHandler(w, r, sessionID)
		case http.MethodDelete:
			s.endSessionHandler(w, r, sessionID)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if len(segments) == 2 {
		// /sessions/{id}/{action}
		switch segments[1] {
		case "user-turn":
			s.requirePost(w, r, sessionID, s.userTurnHandler)
		case "skip":
			s.requirePost(w, r, sessionID, s.skipHandler)
		case "advance":
			s.requirePost(w, r, sessionID, s.advanceHandler)
		case "transcript":
			if r.Method != http.MethodGet {
				w.Header().Set("Allow", http.MethodGet)
				writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
				return
			}
			s.transcriptHandler(w, r, sessionID)
		default:
			writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown session endpoint"))
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown session endpoint"))
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request, sessionID string, handler func(http.ResponseWriter, *http.Request, string)) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	handler(w, r, sessionID)
}

// createSessionHandler handles POST /sessions
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.createSessionHandler: roster validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	session, err := s.mgr.CreateSession(r.Context(), req.Roster)
	if err != nil {
		slog.Error("Server.createSessionHandler: failed to create session", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create session"))
		return
	}

	slog.Info("Server.createSessionHandler: session created", "session_id", session.ID, "agents", len(req.Roster)-models.FirstAgentSlotIndex)
	writeJSONResponse(w, http.StatusCreated, models.Success(sessionStatus(session)))
}

// getSessionHandler handles GET /sessions/{id}
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.mgr.Session(sessionID)
	if err != nil {
		writeJSONResponse(w, sessionErrorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessionStatus(session)))
}

// endSessionHandler handles DELETE /sessions/{id}
func (s *Server) endSessionHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.mgr.EndSession(r.Context(), sessionID); err != nil {
		writeJSONResponse(w, sessionErrorStatus(err), models.Error(err.Error()))
		return
	}
	slog.Info("Server.endSessionHandler: session ended", "session_id", sessionID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session ended", nil))
}

// userTurnHandler handles POST /sessions/{id}/user-turn
func (s *Server) userTurnHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.mgr.Session(sessionID)
	if err != nil {
		writeJSONResponse(w, sessionErrorStatus(err), models.Error(err.Error()))
		return
	}

	var req models.UserTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.userTurnHandler: failed to decode JSON", "error", err, "session_id", sessionID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.userTurnHandler: validation failed", "error", err, "session_id", sessionID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	turn, err := s.mgr.Pipeline().SubmitUserTurn(r.Context(), session, req.Content)
	if err != nil {
		slog.Error("Server.userTurnHandler: failed to record user turn", "error", err, "session_id", sessionID)
		writeJSONResponse(w, sessionErrorStatus(err), models.Error(err.Error()))
		return
	}

	slog.Info("Server.userTurnHandler: user turn recorded", "session_id", sessionID, "sequence", turn.SequenceNumber)
	writeJSONResponse(w, http.StatusOK, models.Success(turn))
}

// skipHandler handles POST /sessions/{id}/skip
func (s *Server) skipHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.mgr.Session(sessionID)
	if err != nil {
		writeJSONResponse(w, sessionErrorStatus(err), models.Error(err.Error()))
		return
	}
	session.Skip()
	slog.Debug("Server.skipHandler: playback skip requested", "session_id", sessionID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Playback skipped", nil))
}

// advanceHandler handles POST /sessions/{id}/advance. With until_user set,
// AI turns execute until the floor passes to the human participant.
func (s *Server) advanceHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.mgr.Session(sessionID)
	if err != nil {
		writeJSONResponse(w, sessionErrorStatus(err), models.Error(err.Error()))
		return
	}

	var req struct {
		UntilUser bool `json:"until_user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.advanceHandler: failed to decode JSON", "error", err, "session_id", sessionID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if req.UntilUser {
		turns, err := s.mgr.Pipeline().RunUntilUserTurn(r.Context(), session)
		if err != nil {
			slog.Error("Server.advanceHandler: run until user failed", "error", err, "session_id", sessionID, "executed", len(turns))
			writeJSONResponse(w, sessionErrorStatus(err), models.Error(err.Error()))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
			"turns":  turns,
			"status": sessionStatus(session),
		}))
		return
	}

	turn, err := s.mgr.Pipeline().ExecuteTurn(r.Context(), session)
	if errors.Is(err, pipeline.ErrTurnSkipped) {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Turn skipped", sessionStatus(session)))
		return
	}
	if err != nil {
		slog.Error("Server.advanceHandler: turn execution failed", "error", err, "session_id", sessionID)
		writeJSONResponse(w, sessionErrorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"turn":   turn,
		"status": sessionStatus(session),
	}))
}

// transcriptHandler handles GET /sessions/{id}/transcript
func (s *Server) transcriptHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.mgr.Session(sessionID)
	if err != nil {
		writeJSONResponse(w, sessionErrorStatus(err), models.Error(err.Error()))
		return
	}
	turns := session.Turns()
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"session_id": session.ID,
		"turns":      turns,
		"count":      len(turns),
	}))
}

// sessionStatus snapshots a live session for API consumers.
func sessionStatus(session *pipeline.Session) models.SessionStatus {
	return models.SessionStatus{
		SessionID:      session.ID,
		State:          string(session.State()),
		Phase:          session.Phase(),
		CurrentSpeaker: session.CurrentSpeaker(),
		TurnCount:      len(session.Turns()),
		Roster:         session.Roster(),
	}
}

// sessionErrorStatus maps session and pipeline errors to HTTP status codes.
func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrNoActiveSession):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrSessionEnded):
		return http.StatusGone
	case errors.Is(err, pipeline.ErrSessionAborted), errors.Is(err, pipeline.ErrAwaitingUser),
		errors.Is(err, pipeline.ErrTurnInProgress):
		return http.StatusConflict
	case errors.Is(err, models.ErrTurnContentTooLong):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
