package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/luigilabs/luigid/internal/config"
)

var (
	// ErrNotWhitelisted is returned for an executable absent from the
	// startup whitelist. Nothing absent is ever silently skipped.
	ErrNotWhitelisted = errors.New("security: executable not whitelisted")
	// ErrVerbNotAllowed is returned for a service-control sub-verb outside
	// the verb whitelist.
	ErrVerbNotAllowed = errors.New("security: service verb not allowed")
	// ErrUnsafeArgument is returned when an argument carries shell
	// metacharacters. Arguments are passed as a list and never reach a
	// shell, so this is defense in depth, not the primary barrier.
	ErrUnsafeArgument = errors.New("security: unsafe argument")
	// ErrTimeout is returned when a command exceeded its deadline and was
	// terminated. Timeouts are always failures.
	ErrTimeout = errors.New("security: command timed out")
	// ErrSpawn is returned when the OS failed to start the process.
	ErrSpawn = errors.New("security: spawn failed")
)

// shellMetacharacters are rejected in any argument before spawning.
var shellMetacharacters = []string{
	"$(", "`", "&&", "||", ";", "|", ">", "<", "&", "\n", "\r",
}

// Result reports one completed (or failed) command execution.
type Result struct {
	Success  bool          `json:"success"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`

	// Err is set by the runner for OS-level spawn failures only.
	Err error `json:"-"`
}

// Runner is the backend that actually spawns a process. The production
// backend forks; tests swap in a recording double so whitelist and argument
// checks are exercised without spawning anything.
type Runner interface {
	Run(ctx context.Context, name string, args []string, timeout, grace time.Duration) Result
}

// Sandbox is the only code path permitted to spawn an OS process. The
// executable whitelist and the service-control verb whitelist are fixed when
// the sandbox is built and cannot grow afterwards.
type Sandbox struct {
	allowed        map[string]struct{}
	serviceControl string
	serviceVerbs   map[string]struct{}
	timeout        time.Duration
	grace          time.Duration
	runner         Runner
	logger         *slog.Logger
}

// NewSandbox builds the sandbox from the commands configuration.
// A nil runner selects the real process-spawning backend.
func NewSandbox(cfg config.CommandsConfig, timeout, grace time.Duration, runner Runner, logger *slog.Logger) *Sandbox {
	allowed := make(map[string]struct{}, len(cfg.Allowed))
	for _, c := range cfg.Allowed {
		allowed[c] = struct{}{}
	}
	verbs := make(map[string]struct{}, len(cfg.ServiceVerbs))
	for _, v := range cfg.ServiceVerbs {
		verbs[v] = struct{}{}
	}
	if runner == nil {
		runner = &execRunner{}
	}
	return &Sandbox{
		allowed:        allowed,
		serviceControl: cfg.ServiceControl,
		serviceVerbs:   verbs,
		timeout:        timeout,
		grace:          grace,
		runner:         runner,
		logger:         logger.With("component", "sandbox"),
	}
}

// validate applies every pre-spawn check: whitelist membership, the verb
// whitelist for the service-control executable, and the metacharacter scan.
func (s *Sandbox) validate(name string, args []string) error {
	if name == "" {
		return fmt.Errorf("%w: empty executable", ErrNotWhitelisted)
	}
	if strings.ContainsRune(name, '/') {
		// Whitelist entries are bare names; path-qualified requests are
		// rejected rather than resolved.
		return fmt.Errorf("%w: %q", ErrNotWhitelisted, name)
	}
	if _, ok := s.allowed[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotWhitelisted, name)
	}
	if name == s.serviceControl && len(args) > 0 {
		if _, ok := s.serviceVerbs[args[0]]; !ok {
			return fmt.Errorf("%w: %q", ErrVerbNotAllowed, args[0])
		}
	}
	for _, arg := range args {
		for _, meta := range shellMetacharacters {
			if strings.Contains(arg, meta) {
				return fmt.Errorf("%w: argument contains %q", ErrUnsafeArgument, meta)
			}
		}
	}
	return nil
}

// Run validates and executes one whitelisted command. Arguments are passed
// as an explicit list; no shell ever interprets them. A non-zero exit is not
// an error here, the caller decides; timeouts and spawn failures are.
func (s *Sandbox) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if err := s.validate(name, args); err != nil {
		s.logger.Warn("command rejected", "executable", name, "error", err)
		return Result{}, err
	}

	s.logger.Debug("executing command", "executable", name, "args", args)
	res := s.runner.Run(ctx, name, args, s.timeout, s.grace)

	switch {
	case res.TimedOut:
		s.logger.Error("command timed out", "executable", name, "duration", res.Duration)
		return res, fmt.Errorf("%w after %s", ErrTimeout, res.Duration.Round(time.Millisecond))
	case res.Err != nil:
		s.logger.Error("command failed to spawn", "executable", name, "error", res.Err)
		return res, fmt.Errorf("%w: %v", ErrSpawn, res.Err)
	}

	s.logger.Debug("command finished",
		"executable", name,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
	)
	return res, nil
}
