package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/luigilabs/luigid/internal/dispatch"
	"github.com/luigilabs/luigid/internal/security"
)

// securedHandler receives only requests that cleared the pipeline, together
// with the caller identity established by the authentication stage.
type securedHandler func(w http.ResponseWriter, r *http.Request, caller dispatch.Caller)

// errorBody is the stable error envelope every non-2xx response carries.
type errorBody struct {
	Success bool     `json:"success"`
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string, details ...string) {
	s.respondJSON(w, status, errorBody{Error: kind, Message: message, Details: details})
}

// remoteIP extracts the caller address. The gateway binds directly (no
// trusted proxy), so forwarding headers are deliberately ignored.
func remoteIP(r *http.Request) netip.Addr {
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		if a, err2 := netip.ParseAddr(r.RemoteAddr); err2 == nil {
			return a
		}
		return netip.Addr{}
	}
	return ap.Addr()
}

// runChain executes a pipeline chain for one HTTP request and writes the
// rejection response itself. It returns the established caller identity and
// whether the request may proceed.
func (s *Server) runChain(chain *security.Chain, mutating bool, w http.ResponseWriter, r *http.Request) (dispatch.Caller, bool) {
	req := &security.Request{
		RemoteIP:      remoteIP(r),
		Method:        r.Method,
		Path:          r.URL.Path,
		Mutating:      mutating,
		Authorization: r.Header.Get("Authorization"),
	}

	out := chain.Run(req)
	if req.Delay > 0 {
		time.Sleep(req.Delay)
	}
	if !out.OK {
		if out.Challenge {
			w.Header().Set("WWW-Authenticate", `Basic realm="luigid"`)
		}
		s.writeError(w, out.Status, out.ErrorKind, out.Message)
		return dispatch.Caller{}, false
	}

	return dispatch.Caller{
		Username:   req.Username,
		RemoteAddr: req.RemoteIP.String(),
	}, true
}

// secure wraps a handler with the full pipeline.
func (s *Server) secure(mutating bool, h securedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.runChain(s.chain, mutating, w, r)
		if !ok {
			return
		}
		h(w, r, caller)
	}
}

// open wraps a handler with the unauthenticated pipeline (IP filter and
// global rate tier only).
func (s *Server) open(h securedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.runChain(s.openChain, false, w, r)
		if !ok {
			return
		}
		h(w, r, caller)
	}
}

// opContext detaches a mutating operation from the request context: once a
// privileged command starts, a dropped client connection must not interrupt
// it. The sandbox still applies its own execution timeout.
func opContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// parsePositiveInt parses a query integer in (0, max].
func parsePositiveInt(raw string, max int) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 || n > max {
		return 0, fmt.Errorf("out of range")
	}
	return n, nil
}

// loggingMiddleware logs each request with a generated request ID.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

// recoverMiddleware is the single top-level handler for unexpected panics:
// full detail goes to the operational log, the caller gets a sanitized
// message. Stack detail leaves the process only in dev mode.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				s.logger.Error("panic in handler",
					"panic", rec,
					"path", r.URL.Path,
					"stack", string(stack),
				)
				if s.cfg.Server.DevMode {
					s.writeError(w, http.StatusInternalServerError, "internal",
						fmt.Sprintf("panic: %v", rec), string(stack))
					return
				}
				s.writeError(w, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
