// Package dispatch maps validated, authenticated requests onto sandbox
// invocations. Every mutating operation produces its own audit event on top
// of whatever the pipeline stages already recorded; read-only operations
// read host state directly where possible and never touch the sandbox's
// mutating verbs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/luigilabs/luigid/internal/audit"
	"github.com/luigilabs/luigid/internal/registry"
	"github.com/luigilabs/luigid/internal/security"
)

// ErrUnknownModule is returned when the target is not in the registry.
var ErrUnknownModule = errors.New("dispatch: unknown module")

// ServiceVerbs are the mutating service-lifecycle verbs a caller may request.
var ServiceVerbs = map[string]bool{
	"start":   true,
	"stop":    true,
	"restart": true,
	"enable":  true,
	"disable": true,
}

// Caller identifies who asked for an operation, for auditing.
type Caller struct {
	Username   string
	RemoteAddr string
}

// Status is the read-only state of one module's service unit.
type Status struct {
	Module  registry.Module `json:"module"`
	Active  string          `json:"active"`
	Enabled string          `json:"enabled"`
}

// Dispatcher resolves operations to command invocations. Mutating operations
// on the same module are serialized by a per-target mutex; operations on
// different targets run concurrently.
type Dispatcher struct {
	sandbox    *security.Sandbox
	registry   *registry.Registry
	auditLog   *audit.Log
	logger     *slog.Logger
	svcControl string
	configRoot string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New creates a Dispatcher. configRoot is the directory holding per-module
// configuration (conventionally /etc/luigi).
func New(sandbox *security.Sandbox, reg *registry.Registry, auditLog *audit.Log, svcControl, configRoot string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sandbox:    sandbox,
		registry:   reg,
		auditLog:   auditLog,
		logger:     logger.With("component", "dispatch"),
		svcControl: svcControl,
		configRoot: configRoot,
		locks:      make(map[string]*sync.Mutex),
	}
}

// targetLock returns the mutex serializing mutating operations on id.
func (d *Dispatcher) targetLock(id string) *sync.Mutex {
	d.lockMu.Lock()
	defer d.lockMu.Unlock()
	m, ok := d.locks[id]
	if !ok {
		m = &sync.Mutex{}
		d.locks[id] = m
	}
	return m
}

// ServiceOp runs one lifecycle verb against a module's service unit.
// The verb has already passed input validation; the sandbox checks it again
// against its own verb whitelist.
func (d *Dispatcher) ServiceOp(ctx context.Context, caller Caller, moduleID, verb string) (security.Result, error) {
	mod, ok := d.registry.Get(moduleID)
	if !ok {
		return security.Result{}, fmt.Errorf("%w: %q", ErrUnknownModule, moduleID)
	}

	lock := d.targetLock(moduleID)
	lock.Lock()
	defer lock.Unlock()

	res, err := d.sandbox.Run(ctx, d.svcControl, verb, mod.Unit)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case !res.Success:
		outcome = "failure"
	}
	d.auditLog.Record(audit.Event{
		Kind:       audit.KindModuleOperation,
		Actor:      caller.Username,
		RemoteAddr: caller.RemoteAddr,
		Success:    err == nil && res.Success,
		Details: map[string]any{
			"operation": verb,
			"module":    moduleID,
			"unit":      mod.Unit,
			"result":    outcome,
		},
	})
	return res, err
}

// ModuleStatus reads a module's unit state. The query verbs are read-only;
// a non-zero exit simply means inactive or disabled, not an error.
func (d *Dispatcher) ModuleStatus(ctx context.Context, moduleID string) (Status, error) {
	mod, ok := d.registry.Get(moduleID)
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrUnknownModule, moduleID)
	}

	st := Status{Module: mod, Active: "unknown", Enabled: "unknown"}
	if res, err := d.sandbox.Run(ctx, d.svcControl, "is-active", mod.Unit); err == nil {
		st.Active = strings.TrimSpace(res.Stdout)
	}
	if res, err := d.sandbox.Run(ctx, d.svcControl, "is-enabled", mod.Unit); err == nil {
		st.Enabled = strings.TrimSpace(res.Stdout)
	}
	return st, nil
}

// ModuleLogs returns the last lines of a module's journal.
func (d *Dispatcher) ModuleLogs(ctx context.Context, moduleID string, lines int) (string, error) {
	mod, ok := d.registry.Get(moduleID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModule, moduleID)
	}
	if lines <= 0 || lines > 1000 {
		lines = 100
	}
	res, err := d.sandbox.Run(ctx, "journalctl", "-u", mod.Unit, "-n", strconv.Itoa(lines), "--no-pager", "-o", "short-iso")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// ModuleConfig reads a module's configuration files directly from disk.
// The registry path was validated at load time; it is checked again here and
// the resolved directory must stay inside the config root. Defense in depth:
// neither check relies on the other.
func (d *Dispatcher) ModuleConfig(moduleID string) (map[string]string, error) {
	mod, ok := d.registry.Get(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, moduleID)
	}

	rel := mod.Path
	if rel == "" {
		rel = mod.ID
	}
	if ferr := security.ValidatePathParam("path", rel); ferr != nil {
		return nil, fmt.Errorf("dispatch: module path rejected: %s", ferr.Reason)
	}
	dir := filepath.Join(d.configRoot, rel)
	if !strings.HasPrefix(dir, filepath.Clean(d.configRoot)+string(filepath.Separator)) {
		return nil, fmt.Errorf("dispatch: module path escapes config root")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read config dir: %w", err)
	}

	out := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".conf") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			d.logger.Warn("unreadable config file", "module", moduleID, "file", name, "error", err)
			continue
		}
		out[name] = string(data)
	}
	return out, nil
}

// Reboot triggers a host reboot. The confirmation gate has already passed.
// On success the audit record says "initiated": the process will not be
// around to record completion.
func (d *Dispatcher) Reboot(ctx context.Context, caller Caller) error {
	return d.powerOp(ctx, caller, "reboot", "reboot")
}

// Shutdown powers the host off.
func (d *Dispatcher) Shutdown(ctx context.Context, caller Caller) error {
	return d.powerOp(ctx, caller, "shutdown", "shutdown", "-h", "now")
}

func (d *Dispatcher) powerOp(ctx context.Context, caller Caller, operation, name string, args ...string) error {
	res, err := d.sandbox.Run(ctx, name, args...)

	result := "initiated"
	if err != nil || !res.Success {
		result = "error"
	}
	d.auditLog.Record(audit.Event{
		Kind:       audit.KindSystemOperation,
		Actor:      caller.Username,
		RemoteAddr: caller.RemoteAddr,
		Success:    result == "initiated",
		Details: map[string]any{
			"operation": operation,
			"result":    result,
		},
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("dispatch: %s exited %d", operation, res.ExitCode)
	}
	return nil
}

// SystemUpdate runs the fixed two-step package update sequence: refresh the
// index, then upgrade. The second step only runs if the first succeeded.
// Neither step is ever retried.
func (d *Dispatcher) SystemUpdate(ctx context.Context, caller Caller) (security.Result, error) {
	record := func(step, result string, success bool) {
		d.auditLog.Record(audit.Event{
			Kind:       audit.KindSystemOperation,
			Actor:      caller.Username,
			RemoteAddr: caller.RemoteAddr,
			Success:    success,
			Details: map[string]any{
				"operation": "update",
				"step":      step,
				"result":    result,
			},
		})
	}

	res, err := d.sandbox.Run(ctx, "apt-get", "update")
	if err != nil {
		record("index", "error", false)
		return res, err
	}
	if !res.Success {
		record("index", "failure", false)
		return res, fmt.Errorf("dispatch: index refresh exited %d", res.ExitCode)
	}
	record("index", "success", true)

	res, err = d.sandbox.Run(ctx, "apt-get", "upgrade", "-y")
	if err != nil {
		record("upgrade", "error", false)
		return res, err
	}
	if !res.Success {
		record("upgrade", "failure", false)
		return res, fmt.Errorf("dispatch: upgrade exited %d", res.ExitCode)
	}
	record("upgrade", "success", true)
	return res, nil
}

// UpdateCheck is the read-only scheduled variant: a simulated upgrade that
// reports pending packages without changing anything.
func (d *Dispatcher) UpdateCheck(ctx context.Context) (int, error) {
	res, err := d.sandbox.Run(ctx, "apt-get", "-s", "upgrade")
	if err != nil {
		return 0, err
	}
	pending := 0
	for line := range strings.Lines(res.Stdout) {
		if strings.HasPrefix(line, "Inst ") {
			pending++
		}
	}
	d.auditLog.Record(audit.Event{
		Kind:    audit.KindSystemOperation,
		Actor:   "scheduler",
		Success: true,
		Details: map[string]any{
			"operation": "update_check",
			"pending":   pending,
		},
	})
	return pending, nil
}
