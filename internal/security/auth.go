package security

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/luigilabs/luigid/internal/audit"
	"github.com/luigilabs/luigid/internal/config"
)

var (
	// ErrMissingCredential is returned when no credential header is present.
	ErrMissingCredential = errors.New("security: missing credential")
	// ErrMalformedCredential is returned for a header that cannot be decoded.
	ErrMalformedCredential = errors.New("security: malformed credential")
	// ErrBadCredential is returned when username or secret does not match.
	ErrBadCredential = errors.New("security: invalid username or secret")
)

// Guard validates a presented identity against the single statically
// configured credential. The stored secret may be plain text or a bcrypt
// hash; either way a mismatch takes the same code path regardless of which
// field differs.
type Guard struct {
	username     string
	secret       string
	secretHashed bool
	tokens       *TokenIssuer
	limiter      *Limiter
	auditLog     *audit.Log
}

// NewGuard builds the authentication guard from the loaded credential.
func NewGuard(cfg config.AuthConfig, limiter *Limiter, auditLog *audit.Log) *Guard {
	return &Guard{
		username:     cfg.Username,
		secret:       cfg.Secret,
		secretHashed: strings.HasPrefix(cfg.Secret, "$2"),
		tokens:       NewTokenIssuer(cfg),
		limiter:      limiter,
		auditLog:     auditLog,
	}
}

// Tokens exposes the session-token issuer, or nil when disabled.
func (g *Guard) Tokens() *TokenIssuer { return g.tokens }

// Verify compares the supplied pair against the configured credential.
// Both fields are always compared so the running time does not depend on
// which one mismatches. Equal-length inputs are compared by exhaustive
// XOR-accumulate; unequal lengths short-circuit, a known and accepted
// length side-channel.
func (g *Guard) Verify(username, secret string) bool {
	userOK := constantTimeEquals(username, g.username)
	var secretOK bool
	if g.secretHashed {
		secretOK = bcrypt.CompareHashAndPassword([]byte(g.secret), []byte(secret)) == nil
	} else {
		secretOK = constantTimeEquals(secret, g.secret)
	}
	return userOK && secretOK
}

func constantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// decodeBasic extracts the username/secret pair from a Basic credential header.
func decodeBasic(header string) (username, secret string, err error) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", ErrMalformedCredential
	}
	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", ErrMalformedCredential
	}
	pair := string(raw)
	idx := strings.IndexByte(pair, ':')
	if idx < 0 {
		return "", "", ErrMalformedCredential
	}
	return pair[:idx], pair[idx+1:], nil
}

func (g *Guard) Name() string { return "auth" }

// Check implements Stage. Every attempt, success or failure, produces an
// audit event. The failed-attempt tier is consulted before the credential is
// examined, so a throttled caller gets 429 even with correct credentials.
func (g *Guard) Check(req *Request) Outcome {
	addr := req.RemoteIP.String()

	if g.limiter.AuthBlocked(addr) {
		g.auditLog.Record(audit.Event{
			Kind:       audit.KindRateLimitExceeded,
			RemoteAddr: addr,
			Details:    map[string]any{"tier": "auth", "path": req.Path},
		})
		return Deny(http.StatusTooManyRequests, "rate_limited", "too many failed attempts")
	}

	if req.Authorization == "" {
		g.auditLog.Record(audit.Event{
			Kind:       audit.KindUnauthorized,
			RemoteAddr: addr,
			Details:    map[string]any{"reason": "missing_credential", "path": req.Path},
		})
		out := Deny(http.StatusUnauthorized, "unauthorized", "credential required")
		out.Challenge = true
		return out
	}

	// Bearer tokens issued by the token exchange are accepted in place of
	// the static credential.
	if token, ok := strings.CutPrefix(req.Authorization, "Bearer "); ok && g.tokens != nil {
		username, err := g.tokens.Validate(token)
		if err != nil {
			g.limiter.RecordAuthFailure(addr)
			g.auditLog.Record(audit.Event{
				Kind:       audit.KindAuthentication,
				RemoteAddr: addr,
				Details:    map[string]any{"method": "token", "error": err.Error()},
			})
			return Deny(http.StatusUnauthorized, "unauthorized", "invalid or expired token")
		}
		req.Username = username
		g.auditLog.Record(audit.Event{
			Kind:       audit.KindAuthentication,
			Actor:      username,
			RemoteAddr: addr,
			Success:    true,
			Details:    map[string]any{"method": "token"},
		})
		return Allow()
	}

	username, secret, err := decodeBasic(req.Authorization)
	if err != nil {
		g.limiter.RecordAuthFailure(addr)
		g.auditLog.Record(audit.Event{
			Kind:       audit.KindSecurityViolation,
			RemoteAddr: addr,
			Details:    map[string]any{"reason": "malformed_credential", "path": req.Path},
		})
		return Deny(http.StatusUnauthorized, "unauthorized", "malformed credential")
	}

	if !g.Verify(username, secret) {
		g.limiter.RecordAuthFailure(addr)
		g.auditLog.Record(audit.Event{
			Kind:       audit.KindAuthentication,
			RemoteAddr: addr,
			Details:    map[string]any{"method": "basic", "username": username},
		})
		return Deny(http.StatusUnauthorized, "unauthorized", "invalid username or secret")
	}

	req.Username = username
	g.auditLog.Record(audit.Event{
		Kind:       audit.KindAuthentication,
		Actor:      username,
		RemoteAddr: addr,
		Success:    true,
		Details:    map[string]any{"method": "basic"},
	})
	return Allow()
}
