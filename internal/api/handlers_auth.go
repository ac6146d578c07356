package api

import (
	"net/http"

	"github.com/luigilabs/luigid/internal/dispatch"
)

// handleTokenExchange trades an authenticated request for a short-lived
// session token. The pipeline has already verified the credential; all that
// remains is minting.
func (s *Server) handleTokenExchange(w http.ResponseWriter, _ *http.Request, caller dispatch.Caller) {
	issuer := s.guard.Tokens()
	if issuer == nil {
		s.writeError(w, http.StatusNotFound, "not_found", "session tokens are disabled")
		return
	}

	token, err := issuer.Issue(caller.Username)
	if err != nil {
		s.logger.Error("failed to issue token", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"token":      token,
		"expires_in": int(issuer.TTL().Seconds()),
	})
}
