package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/docent/internal/events"
)

// Live stream tuning.
const (
	streamBuffer     = 128
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamPongWait   = 2 * streamPingPeriod
)

func (s *Server) handleEventsRecent(w http.ResponseWriter, r *http.Request) {
	limit, since, err := listParams(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"events": s.orch.Events.ListRecent(limit, since)}, s.logger)
}

func (s *Server) handleEventsForRequest(w http.ResponseWriter, r *http.Request) {
	limit, since, err := listParams(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("requestId")
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"request_id": id,
		"events":     s.orch.Events.ListEvents(id, limit, since),
	}, s.logger)
}

func (s *Server) handleLastError(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.orch.Events.LastError(r.PathValue("requestId"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "no error recorded")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rec, s.logger)
}

func (s *Server) handleTimings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("requestId")
	marks := s.orch.Timings.Get(id)
	if marks == nil {
		s.errorResponse(w, http.StatusNotFound, "no timings for request")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"request_id": id, "timings": marks}, s.logger)
}

func (s *Server) handleRequestInfo(w http.ResponseWriter, r *http.Request) {
	info, ok := s.orch.Registry.Info(r.PathValue("requestId"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown request")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, info, s.logger)
}

// handleEventStream upgrades to a WebSocket and forwards every new
// record, optionally filtered by client_id or request_id. Slow readers
// lose records rather than stall emitters.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	bus := s.orch.Events.Bus()
	if bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not enabled")
		return
	}
	clientID := r.URL.Query().Get("client_id")
	requestID := r.URL.Query().Get("request_id")

	// Subscribe before the handshake completes so a client sees every
	// record emitted after its dial returns.
	sub := bus.Subscribe(streamBuffer)
	defer bus.Unsubscribe(sub)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The read side only services control frames and notices the peer
	// going away.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
					!errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Debug("event stream read ended", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	s.logger.Debug("event stream opened", "client_id", clientID, "request_id", requestID)
	for {
		select {
		case rec, ok := <-sub:
			if !ok {
				return
			}
			if !matchRecord(rec, clientID, requestID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		}
	}
}

func matchRecord(rec events.Record, clientID, requestID string) bool {
	if clientID != "" && rec.ClientID != clientID {
		return false
	}
	if requestID != "" && rec.RequestID != requestID {
		return false
	}
	return true
}

func listParams(r *http.Request) (int, int64, error) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		return 0, 0, err
	}
	since, err := intParam(r, "since_ms", 0)
	if err != nil {
		return 0, 0, err
	}
	return int(limit), since, nil
}
