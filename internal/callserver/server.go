// Package callserver is the HTTP edge that accepts inbound telephony bridge
// connections and hands each one to the [callsupervisor.Supervisor] as a new
// call. Regional routing happens upstream before a call ever lands here;
// this package is the thin boundary where an already-routed connection
// becomes a concrete [telephony.Conn].
package callserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voicecore/callcore/internal/callsupervisor"
	"github.com/voicecore/callcore/pkg/telephony"
)

// Server upgrades inbound HTTP connections to the telephony WebSocket
// protocol and accepts each one into sup.
type Server struct {
	sup *callsupervisor.Supervisor
}

// New returns a Server that accepts calls into sup.
func New(sup *callsupervisor.Supervisor) *Server {
	return &Server{sup: sup}
}

// Handler returns the http.Handler to mount at the telephony bridge's
// webhook path (e.g. "/calls"). The caller selects which agent profile a
// connection is routed to via the "agent_profile" query parameter; the
// routing decision itself is made upstream of this process.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveCall)
}

func (s *Server) serveCall(w http.ResponseWriter, r *http.Request) {
	agentProfile := r.URL.Query().Get("agent_profile")
	if agentProfile == "" {
		http.Error(w, "missing agent_profile query parameter", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("telephony websocket accept failed", "err", err)
		return
	}

	conn := telephony.Accept(ws)

	startCtx, cancel := context.WithTimeout(r.Context(), telephony.ReadIdleTimeout)
	start, err := conn.WaitForStart(startCtx)
	cancel()
	if err != nil {
		slog.Warn("telephony handshake failed", "err", err)
		conn.Close()
		return
	}

	callID := start.CallID
	if callID == "" {
		callID = uuid.NewString()
	}

	if _, err := s.sup.AcceptCall(r.Context(), callID, agentProfile, conn); err != nil {
		slog.Error("accept_call failed", "call_id", callID, "agent_profile", agentProfile, "err", err)
		conn.Close()
		return
	}
	slog.Info("call accepted", "call_id", callID, "agent_profile", agentProfile, "from", start.From, "to", start.To)

	// The session now runs on the goroutine the Supervisor started; this
	// handler's only remaining job is to keep the underlying HTTP connection
	// (and therefore the WebSocket) open until the session ends, so it
	// blocks on the connection's lifetime rather than the request context.
	<-conn.Done()
}
