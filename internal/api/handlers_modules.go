package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/luigilabs/luigid/internal/dispatch"
	"github.com/luigilabs/luigid/internal/security"
)

// writeDispatchError maps dispatcher and sandbox errors onto the error
// taxonomy. Execution errors are summarized, never raw.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrUnknownModule):
		s.writeError(w, http.StatusNotFound, "not_found", "unknown module")
	case errors.Is(err, security.ErrNotWhitelisted),
		errors.Is(err, security.ErrVerbNotAllowed),
		errors.Is(err, security.ErrUnsafeArgument):
		s.writeError(w, http.StatusForbidden, "command_rejected", "operation not permitted")
	case errors.Is(err, security.ErrTimeout):
		s.writeError(w, http.StatusInternalServerError, "execution_timeout", "operation timed out")
	case errors.Is(err, security.ErrSpawn):
		s.writeError(w, http.StatusInternalServerError, "execution_failed", "operation could not be started")
	default:
		s.logger.Error("dispatch failed", "error", err)
		if s.cfg.Server.DevMode {
			s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

// moduleID validates the {id} route parameter before it reaches dispatch.
func (s *Server) moduleID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if ferr := security.ValidateIdentifier("id", id); ferr != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid request", ferr.Error())
		return "", false
	}
	return id, true
}

func (s *Server) handleModuleList(w http.ResponseWriter, _ *http.Request, _ dispatch.Caller) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"modules": s.registry.List(),
	})
}

func (s *Server) handleModuleStatus(w http.ResponseWriter, r *http.Request, _ dispatch.Caller) {
	id, ok := s.moduleID(w, r)
	if !ok {
		return
	}
	st, err := s.dispatcher.ModuleStatus(r.Context(), id)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  st,
	})
}

func (s *Server) handleModuleLogs(w http.ResponseWriter, r *http.Request, _ dispatch.Caller) {
	id, ok := s.moduleID(w, r)
	if !ok {
		return
	}
	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "validation", "invalid request",
				"lines: must be an integer between 1 and 1000")
			return
		}
		lines = n
	}
	out, err := s.dispatcher.ModuleLogs(r.Context(), id, lines)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"module":  id,
		"logs":    out,
	})
}

func (s *Server) handleModuleConfig(w http.ResponseWriter, r *http.Request, _ dispatch.Caller) {
	id, ok := s.moduleID(w, r)
	if !ok {
		return
	}
	files, err := s.dispatcher.ModuleConfig(id)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"module":  id,
		"files":   files,
	})
}

func (s *Server) handleModuleVerb(w http.ResponseWriter, r *http.Request, caller dispatch.Caller) {
	id, ok := s.moduleID(w, r)
	if !ok {
		return
	}
	verb := r.PathValue("verb")
	if ferr := security.ValidateIdentifier("verb", verb); ferr != nil {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid request", ferr.Error())
		return
	}
	if !dispatch.ServiceVerbs[verb] {
		s.writeError(w, http.StatusBadRequest, "validation", "invalid request",
			"verb: must be one of start, stop, restart, enable, disable")
		return
	}

	res, err := s.dispatcher.ServiceOp(opContext(r), caller, id, verb)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":   res.Success,
		"module":    id,
		"operation": verb,
		"exit_code": res.ExitCode,
		"output":    res.Stdout,
	})
}
