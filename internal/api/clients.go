package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/docent/internal/session"
	"github.com/nugget/docent/internal/tour"
)

// AskRequest is the body of POST /v1/clients/{clientId}/ask.
type AskRequest struct {
	Text      string `json:"text"`
	RequestID string `json:"request_id,omitempty"`
	// Stream selects server-sent events; the default is one JSON reply.
	Stream bool `json:"stream,omitempty"`
}

// MoveRequest is the body of POST /v1/clients/{clientId}/move.
type MoveRequest struct {
	RequestID string  `json:"request_id,omitempty"`
	StopIndex *int    `json:"stop_index,omitempty"`
	StopName  string  `json:"stop_name,omitempty"`
	TimeoutS  float64 `json:"timeout_s,omitempty"`
}

// TourStartRequest is the body of POST /v1/clients/{clientId}/tour.
type TourStartRequest struct {
	Zone      string `json:"zone"`
	Profile   string `json:"profile"`
	DurationS int    `json:"duration_s"`
}

// TourCommandRequest is the body of POST /v1/clients/{clientId}/tour/command.
// Text is parsed like a spoken command; Action applies directly.
type TourCommandRequest struct {
	Text      string      `json:"text,omitempty"`
	Action    tour.Action `json:"action,omitempty"`
	StopIndex *int        `json:"stop_index,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	var req AskRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	askReq := session.AskRequest{ClientID: clientID, RequestID: req.RequestID, Text: req.Text}

	if req.Stream {
		s.streamAsk(w, r, askReq)
		return
	}

	res, err := s.orch.Ask(r.Context(), askReq, nil)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

// streamAsk sends each chunk as an SSE data event, then the final
// result as a "result" event and a [DONE] marker.
func (s *Server) streamAsk(w http.ResponseWriter, r *http.Request, req session.AskRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	rc := http.NewResponseController(w)

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	}

	res, err := s.orch.Ask(r.Context(), req, func(chunk string) error {
		start()
		if err := s.writeSSE(w, "", map[string]string{"chunk": chunk}); err != nil {
			return err
		}
		flusher.Flush()
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
		return nil
	})
	if err != nil && !started {
		s.sessionError(w, err)
		return
	}
	start()
	if err != nil {
		s.logger.Warn("ask stream failed", "client_id", req.ClientID, "request_id", res.RequestID, "error", err)
		_ = s.writeSSE(w, "error", map[string]string{"message": err.Error()})
	} else {
		_ = s.writeSSE(w, "result", res)
	}
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
		return err
	}
	return nil
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TimeoutS < 0 {
		s.errorResponse(w, http.StatusBadRequest, "timeout_s must not be negative")
		return
	}
	res, err := s.orch.Move(r.Context(), session.MoveRequest{
		ClientID:  r.PathValue("clientId"),
		RequestID: req.RequestID,
		StopIndex: req.StopIndex,
		StopName:  req.StopName,
		Timeout:   time.Duration(req.TimeoutS * float64(time.Second)),
	})
	if err != nil {
		s.sessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	ids := s.orch.Cancel(r.PathValue("clientId"), req.Reason)
	if ids == nil {
		ids = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"cancelled": ids}, s.logger)
}

func (s *Server) handleTourStart(w http.ResponseWriter, r *http.Request) {
	var req TourStartRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DurationS == 0 {
		req.DurationS = session.DefaultTourDurationS
	}
	st, err := s.orch.StartTour(r.Context(), r.PathValue("clientId"), req.Zone, req.Profile, req.DurationS)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, st, s.logger)
}

func (s *Server) handleTourResume(w http.ResponseWriter, r *http.Request) {
	st, ok, err := s.orch.Resume(r.Context(), r.PathValue("clientId"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "no tour to resume")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handleTourCommand(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	var req TourCommandRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var cmd tour.Command
	switch {
	case req.Action != "":
		cmd = tour.Command{
			Intent:     tour.IntentTourCommand,
			Action:     req.Action,
			Confidence: 1,
			StopIndex:  req.StopIndex,
		}
	case req.Text != "":
		st, _, err := s.orch.Tour(r.Context(), clientID)
		if err != nil {
			s.sessionError(w, err)
			return
		}
		cmd = s.orch.Commands.Parse(req.Text, st.Stops)
	default:
		s.errorResponse(w, http.StatusBadRequest, "text or action is required")
		return
	}

	st, err := s.orch.ApplyCommand(r.Context(), clientID, cmd)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"command": cmd, "tour": st}, s.logger)
}
