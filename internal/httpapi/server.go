// internal/httpapi/server.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/history"
	"github.com/user/agentlink/internal/types"
	"github.com/user/agentlink/pkg/backend"
	"github.com/user/agentlink/pkg/packet"
)

// Conn is the part of a connection the control surface drives.
type Conn interface {
	SendText(ctx context.Context, text string) (*packet.Packet, error)
	SendTrigger(ctx context.Context, name string, params ...packet.TriggerParameter) (*packet.Packet, error)
	Interrupt(ctx context.Context) error
	Close()
	State() connection.State
	History() []history.Item
	Transcript() string
	SessionState(ctx context.Context) (backend.SessionState, error)
}

// PacketLog is the read side of the packet log used by the debug API.
type PacketLog interface {
	types.PacketStore
	Sessions(ctx context.Context) ([]types.SessionID, error)
}

// Server is a local HTTP control surface for one running connection.
type Server struct {
	conn    Conn
	packets PacketLog
	metrics http.Handler
	mux     *http.ServeMux
}

// NewServer wires the routes. packets and metrics may be nil, in which case
// their endpoints report 503.
func NewServer(conn Conn, packets PacketLog, metrics http.Handler) *Server {
	s := &Server{
		conn:    conn,
		packets: packets,
		metrics: metrics,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /history", s.handleHistory)
	s.mux.HandleFunc("GET /transcript", s.handleTranscript)
	s.mux.HandleFunc("POST /send", s.handleSend)
	s.mux.HandleFunc("POST /trigger", s.handleTrigger)
	s.mux.HandleFunc("POST /interrupt", s.handleInterrupt)
	s.mux.HandleFunc("POST /close", s.handleClose)
	s.mux.HandleFunc("GET /state", s.handleState)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	s.mux.HandleFunc("GET /api/sessions/", s.handleAPISessionPackets)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "connection": s.conn.State().String()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	items := s.conn.History()
	if items == nil {
		items = []history.Item{}
	}
	writeJSON(w, items)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(s.conn.Transcript()))
}

type sendRequest struct {
	Text string `json:"text"`
}

type sendResponse struct {
	PacketID      string `json:"packet_id"`
	InteractionID string `json:"interaction_id"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, `{"error":"text is required"}`, http.StatusBadRequest)
		return
	}

	p, err := s.conn.SendText(r.Context(), req.Text)
	if err != nil {
		s.sendFailed(w, "send text", err)
		return
	}
	writeJSON(w, sendResponse{PacketID: p.ID.PacketID, InteractionID: p.ID.InteractionID})
}

type triggerRequest struct {
	Name   string                    `json:"name"`
	Params []packet.TriggerParameter `json:"params"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, `{"error":"name is required"}`, http.StatusBadRequest)
		return
	}

	p, err := s.conn.SendTrigger(r.Context(), req.Name, req.Params...)
	if err != nil {
		s.sendFailed(w, "send trigger", err)
		return
	}
	writeJSON(w, sendResponse{PacketID: p.ID.PacketID, InteractionID: p.ID.InteractionID})
}

func (s *Server) sendFailed(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, connection.ErrInactiveConnection) || errors.Is(err, connection.ErrConnectionClosed) {
		http.Error(w, `{"error":"connection is not active"}`, http.StatusConflict)
		return
	}
	slog.Error("httpapi "+op+" failed", "error", err)
	http.Error(w, `{"error":"internal server error"}`, http.StatusBadGateway)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.Interrupt(r.Context()); err != nil {
		slog.Error("httpapi interrupt failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.conn.Close()
	writeJSON(w, map[string]string{"status": s.conn.State().String()})
}

type stateResponse struct {
	State        []byte `json:"state"`
	CreationTime string `json:"creation_time,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.conn.SessionState(r.Context())
	if err != nil {
		slog.Error("httpapi fetch state failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusBadGateway)
		return
	}
	resp := stateResponse{State: st.State}
	if !st.CreationTime.IsZero() {
		resp.CreationTime = st.CreationTime.Format("2006-01-02T15:04:05Z07:00")
	}
	writeJSON(w, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, `{"error":"metrics not configured"}`, http.StatusServiceUnavailable)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

type sessionResponse struct {
	SessionID   string `json:"session_id"`
	PacketCount int64  `json:"packet_count"`
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if s.packets == nil {
		http.Error(w, `{"error":"debug API not configured"}`, http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	ids, err := s.packets.Sessions(ctx)
	if err != nil {
		slog.Error("list packet log sessions failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	result := make([]sessionResponse, 0, len(ids))
	for _, id := range ids {
		count, err := s.packets.Count(ctx, id)
		if err != nil {
			slog.Warn("count packets failed", "session_id", id, "error", err)
		}
		result = append(result, sessionResponse{SessionID: string(id), PacketCount: count})
	}
	writeJSON(w, result)
}

func (s *Server) handleAPISessionPackets(w http.ResponseWriter, r *http.Request) {
	if s.packets == nil {
		http.Error(w, `{"error":"debug API not configured"}`, http.StatusServiceUnavailable)
		return
	}

	// Path: /api/sessions/{id}/packets
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[1] != "packets" || parts[0] == "" {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	sessionID := types.SessionID(parts[0])

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.packets.Tail(r.Context(), sessionID, limit)
	if err != nil {
		slog.Error("tail packets failed", "session_id", sessionID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*types.PacketRecord{}
	}
	writeJSON(w, records)
}
