package api

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/luigilabs/luigid/internal/dispatch"
)

// handleAuditStream tails the audit log over a WebSocket. The connection
// went through the full pipeline like any other request; a dropped client
// just ends the subscription.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request, caller dispatch.Caller) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err, "remote", caller.RemoteAddr)
		return
	}
	defer conn.CloseNow()

	sub := s.auditLog.Subscribe()
	defer s.auditLog.Unsubscribe(sub)

	s.logger.Info("audit stream opened", "actor", caller.Username, "remote", caller.RemoteAddr)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				s.logger.Debug("audit stream closed", "error", err)
				return
			}
		}
	}
}
