package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/luigilabs/luigid/internal/audit"
	"github.com/luigilabs/luigid/internal/config"
	"github.com/luigilabs/luigid/internal/registry"
	"github.com/luigilabs/luigid/internal/security"
)

type fixture struct {
	dispatcher *Dispatcher
	runner     *security.RecordingRunner
	auditPath  string
	configRoot string
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, result security.Result) *fixture {
	t.Helper()

	regDir := t.TempDir()
	descriptor := "id: climate\nunit: luigi-climate.service\npath: climate\n"
	if err := os.WriteFile(filepath.Join(regDir, "climate.yaml"), []byte(descriptor), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Load(regDir, discard())
	if err != nil {
		t.Fatal(err)
	}

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	auditLog, err := audit.Open(auditPath, 1<<20, 3, discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditLog.Close() })

	runner := &security.RecordingRunner{Result: result}
	sandbox := security.NewSandbox(config.CommandsConfig{
		Allowed:        []string{"systemctl", "journalctl", "apt-get", "reboot", "shutdown"},
		ServiceControl: "systemctl",
		ServiceVerbs:   []string{"status", "is-active", "is-enabled", "start", "stop", "restart", "enable", "disable"},
	}, 30*time.Second, 5*time.Second, runner, discard())

	configRoot := t.TempDir()
	d := New(sandbox, reg, auditLog, "systemctl", configRoot, discard())
	return &fixture{dispatcher: d, runner: runner, auditPath: auditPath, configRoot: configRoot}
}

func (f *fixture) auditEvents(t *testing.T) []audit.Event {
	t.Helper()
	file, err := os.Open(f.auditPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	var events []audit.Event
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var e audit.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatal(err)
		}
		events = append(events, e)
	}
	return events
}

var testCaller = Caller{Username: "admin", RemoteAddr: "192.168.1.10"}

func TestServiceOp_RunsAndAudits(t *testing.T) {
	f := newFixture(t, security.Result{Success: true})

	res, err := f.dispatcher.ServiceOp(context.Background(), testCaller, "climate", "restart")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Error("expected success")
	}

	calls := f.runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one spawn, got %d", len(calls))
	}
	if calls[0].Name != "systemctl" || calls[0].Args[0] != "restart" || calls[0].Args[1] != "luigi-climate.service" {
		t.Errorf("unexpected invocation: %+v", calls[0])
	}

	events := f.auditEvents(t)
	if len(events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(events))
	}
	e := events[0]
	if e.Kind != audit.KindModuleOperation || e.Actor != "admin" || !e.Success {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.Details["result"] != "success" || e.Details["operation"] != "restart" {
		t.Errorf("unexpected details: %+v", e.Details)
	}
}

func TestServiceOp_UnknownModule(t *testing.T) {
	f := newFixture(t, security.Result{Success: true})

	_, err := f.dispatcher.ServiceOp(context.Background(), testCaller, "ghost", "start")
	if !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
	if len(f.runner.Calls()) != 0 {
		t.Error("unknown module must not spawn")
	}
}

func TestServiceOp_NonZeroExitAuditedAsFailure(t *testing.T) {
	f := newFixture(t, security.Result{ExitCode: 1, Stderr: "Job failed"})

	res, err := f.dispatcher.ServiceOp(context.Background(), testCaller, "climate", "start")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("expected failure result")
	}

	events := f.auditEvents(t)
	if len(events) != 1 || events[0].Success || events[0].Details["result"] != "failure" {
		t.Errorf("expected a failure audit event, got %+v", events)
	}
}

func TestModuleStatus_ReadsBothQueries(t *testing.T) {
	f := newFixture(t, security.Result{Success: true, Stdout: "active\n"})

	st, err := f.dispatcher.ModuleStatus(context.Background(), "climate")
	if err != nil {
		t.Fatal(err)
	}
	if st.Active != "active" {
		t.Errorf("Active = %q", st.Active)
	}
	calls := f.runner.Calls()
	if len(calls) != 2 || calls[0].Args[0] != "is-active" || calls[1].Args[0] != "is-enabled" {
		t.Errorf("unexpected queries: %+v", calls)
	}
}

func TestModuleLogs_ClampsLineCount(t *testing.T) {
	f := newFixture(t, security.Result{Success: true, Stdout: "journal output\n"})

	out, err := f.dispatcher.ModuleLogs(context.Background(), "climate", 50000)
	if err != nil {
		t.Fatal(err)
	}
	if out != "journal output\n" {
		t.Errorf("logs = %q", out)
	}
	calls := f.runner.Calls()
	if len(calls) != 1 || calls[0].Name != "journalctl" {
		t.Fatalf("expected one journalctl call, got %+v", calls)
	}
	for i, a := range calls[0].Args {
		if a == "-n" && calls[0].Args[i+1] != "100" {
			t.Errorf("out-of-range line count should clamp to the default, got %s", calls[0].Args[i+1])
		}
	}
}

func TestModuleConfig_ReadsConfFiles(t *testing.T) {
	f := newFixture(t, security.Result{})
	dir := filepath.Join(f.configRoot, "climate")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.conf"), []byte("interval = 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secret.key"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := f.dispatcher.ModuleConfig("climate")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files["main.conf"] != "interval = 30\n" {
		t.Errorf("unexpected config map: %+v", files)
	}
	if len(f.runner.Calls()) != 0 {
		t.Error("config reads must not spawn")
	}
}

func TestModuleConfig_MissingDirIsEmpty(t *testing.T) {
	f := newFixture(t, security.Result{})
	files, err := f.dispatcher.ModuleConfig("climate")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("expected empty map, got %+v", files)
	}
}

func TestReboot_AuditsInitiatedOnce(t *testing.T) {
	f := newFixture(t, security.Result{Success: true})

	if err := f.dispatcher.Reboot(context.Background(), testCaller); err != nil {
		t.Fatal(err)
	}

	calls := f.runner.Calls()
	if len(calls) != 1 || calls[0].Name != "reboot" {
		t.Fatalf("expected exactly one reboot invocation, got %+v", calls)
	}

	events := f.auditEvents(t)
	if len(events) != 1 {
		t.Fatalf("expected exactly one audit event, got %d", len(events))
	}
	e := events[0]
	if e.Kind != audit.KindSystemOperation || !e.Success || e.Details["result"] != "initiated" {
		t.Errorf("unexpected event: %+v", e)
	}
}

func TestShutdown_PassesHaltFlags(t *testing.T) {
	f := newFixture(t, security.Result{Success: true})
	if err := f.dispatcher.Shutdown(context.Background(), testCaller); err != nil {
		t.Fatal(err)
	}
	calls := f.runner.Calls()
	if len(calls) != 1 || calls[0].Name != "shutdown" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	if strings.Join(calls[0].Args, " ") != "-h now" {
		t.Errorf("args = %v", calls[0].Args)
	}
}

func TestSystemUpdate_TwoStepsInOrder(t *testing.T) {
	f := newFixture(t, security.Result{Success: true, Stdout: "done\n"})

	_, err := f.dispatcher.SystemUpdate(context.Background(), testCaller)
	if err != nil {
		t.Fatal(err)
	}

	calls := f.runner.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected two spawns, got %d", len(calls))
	}
	if calls[0].Args[0] != "update" {
		t.Errorf("first step should refresh the index, got %v", calls[0].Args)
	}
	if calls[1].Args[0] != "upgrade" || calls[1].Args[1] != "-y" {
		t.Errorf("second step should upgrade, got %v", calls[1].Args)
	}

	events := f.auditEvents(t)
	if len(events) != 2 {
		t.Fatalf("expected an audit event per step, got %d", len(events))
	}
	if events[0].Details["step"] != "index" || events[1].Details["step"] != "upgrade" {
		t.Errorf("unexpected step order: %+v", events)
	}
}

func TestSystemUpdate_IndexFailureStopsSequence(t *testing.T) {
	f := newFixture(t, security.Result{ExitCode: 100, Stderr: "Could not resolve host\n"})

	_, err := f.dispatcher.SystemUpdate(context.Background(), testCaller)
	if err == nil {
		t.Fatal("expected an error when the index refresh fails")
	}

	// The upgrade step never runs and the failure is never retried.
	calls := f.runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one spawn, got %d", len(calls))
	}

	events := f.auditEvents(t)
	if len(events) != 1 || events[0].Success || events[0].Details["result"] != "failure" {
		t.Errorf("expected one failure event, got %+v", events)
	}
}

func TestUpdateCheck_CountsPending(t *testing.T) {
	stdout := "Reading package lists...\nInst curl [8.0] (8.1)\nInst openssl [3.0] (3.1)\nConf curl (8.1)\n"
	f := newFixture(t, security.Result{Success: true, Stdout: stdout})

	pending, err := f.dispatcher.UpdateCheck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}

	calls := f.runner.Calls()
	if len(calls) != 1 || strings.Join(calls[0].Args, " ") != "-s upgrade" {
		t.Errorf("update check must simulate only: %+v", calls)
	}

	events := f.auditEvents(t)
	if len(events) != 1 || events[0].Actor != "scheduler" {
		t.Errorf("expected a scheduler-attributed event, got %+v", events)
	}
}
