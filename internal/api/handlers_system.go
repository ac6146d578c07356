package api

import (
	"net/http"

	"github.com/luigilabs/luigid/internal/dispatch"
	"github.com/luigilabs/luigid/internal/security"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ dispatch.Caller) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  "ok",
	})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request, _ dispatch.Caller) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"info":    s.collector.Collect(),
		"modules": s.registry.Len(),
	})
}

// confirmGate enforces the confirmation field on destructive operations.
func (s *Server) confirmGate(w http.ResponseWriter, r *http.Request) bool {
	if ferr := security.ValidateConfirm(r.Body); ferr != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "Confirmation Required", ferr.Error())
		return false
	}
	return true
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request, caller dispatch.Caller) {
	if !s.confirmGate(w, r) {
		return
	}
	if err := s.dispatcher.Reboot(opContext(r), caller); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"operation": "reboot",
		"result":    "initiated",
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request, caller dispatch.Caller) {
	if !s.confirmGate(w, r) {
		return
	}
	if err := s.dispatcher.Shutdown(opContext(r), caller); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"operation": "shutdown",
		"result":    "initiated",
	})
}

func (s *Server) handleSystemUpdate(w http.ResponseWriter, r *http.Request, caller dispatch.Caller) {
	res, err := s.dispatcher.SystemUpdate(opContext(r), caller)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"operation": "update",
		"output":    res.Stdout,
	})
}

func (s *Server) handleSensorReadings(w http.ResponseWriter, r *http.Request, _ dispatch.Caller) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "not_found", "sensor history is disabled")
		return
	}

	sensorID := r.URL.Query().Get("sensor")
	if sensorID != "" {
		if ferr := security.ValidateIdentifier("sensor", sensorID); ferr != nil {
			s.writeError(w, http.StatusBadRequest, "validation", "invalid request", ferr.Error())
			return
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := parsePositiveInt(raw, 1000)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "validation", "invalid request",
				"limit: must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	readings, err := s.store.Recent(sensorID, limit)
	if err != nil {
		s.logger.Error("failed to query readings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"readings": readings,
	})
}
