// Package security implements the gateway's request pipeline: IP filtering,
// rate limiting, authentication, input validation, and the command sandbox.
// Everything here is constructed once at boot and read-only afterwards,
// except the rate-limiter counters, which are mutex-guarded.
package security

import (
	"net/netip"
	"time"
)

// Request carries the fields the pipeline stages need. Stages fill in what
// they learn (the authenticated username) as the request advances.
type Request struct {
	RemoteIP netip.Addr
	Method   string
	Path     string

	// Mutating marks state-changing routes, which pass the operation tier.
	Mutating bool

	// Authorization is the raw credential header, if any.
	Authorization string

	// Username is set by the authentication stage on success.
	Username string

	// Delay is set by the global rate stage when adaptive slowdown applies.
	// The transport layer sleeps for it before continuing.
	Delay time.Duration
}

// Outcome is the uniform result of a stage check.
type Outcome struct {
	OK        bool
	Status    int
	ErrorKind string
	Message   string

	// Challenge requests a WWW-Authenticate header on the response.
	Challenge bool
}

// Allow is the passing outcome.
func Allow() Outcome { return Outcome{OK: true} }

// Deny is a failing outcome with the given HTTP status, error kind, and message.
func Deny(status int, kind, message string) Outcome {
	return Outcome{Status: status, ErrorKind: kind, Message: message}
}

// Stage is one link in the request pipeline. Check must be safe for
// concurrent use and must emit its own audit events on failure.
type Stage interface {
	Name() string
	Check(req *Request) Outcome
}

// Chain runs stages in order and short-circuits on the first failure.
// The order is fixed at boot: filter, global rate, auth, operation rate.
type Chain struct {
	stages []Stage
}

// NewChain builds a chain over the given stages, in the order given.
func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: stages}
}

// Run checks every stage against req. The first failing outcome is returned
// and later stages never see the request.
func (c *Chain) Run(req *Request) Outcome {
	for _, s := range c.stages {
		if out := s.Check(req); !out.OK {
			return out
		}
	}
	return Allow()
}

// Stages exposes the ordered stage list for inspection in tests.
func (c *Chain) Stages() []Stage {
	return c.stages
}
