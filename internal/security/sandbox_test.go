package security

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/luigilabs/luigid/internal/config"
)

func testCommandsConfig() config.CommandsConfig {
	return config.CommandsConfig{
		Allowed:        []string{"systemctl", "journalctl", "apt-get", "reboot", "shutdown"},
		ServiceControl: "systemctl",
		ServiceVerbs:   []string{"status", "is-active", "is-enabled", "start", "stop", "restart", "enable", "disable"},
	}
}

func newTestSandbox(runner Runner) *Sandbox {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSandbox(testCommandsConfig(), 30*time.Second, 5*time.Second, runner, logger)
}

func TestRun_WhitelistedCommand(t *testing.T) {
	runner := &RecordingRunner{Result: Result{Success: true}}
	sb := newTestSandbox(runner)

	res, err := sb.Run(context.Background(), "systemctl", "is-active", "foo.service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Error("expected success")
	}
	calls := runner.Calls()
	if len(calls) != 1 || calls[0].Name != "systemctl" {
		t.Errorf("expected exactly one systemctl call, got %+v", calls)
	}
}

func TestRun_UnlistedExecutableNeverSpawns(t *testing.T) {
	runner := &RecordingRunner{}
	sb := newTestSandbox(runner)

	_, err := sb.Run(context.Background(), "bash", "-c", "true")
	if !errors.Is(err, ErrNotWhitelisted) {
		t.Fatalf("expected ErrNotWhitelisted, got %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Error("rejected command must not spawn")
	}
}

func TestRun_PathQualifiedNameRejected(t *testing.T) {
	runner := &RecordingRunner{}
	sb := newTestSandbox(runner)

	if _, err := sb.Run(context.Background(), "/usr/bin/systemctl", "status"); !errors.Is(err, ErrNotWhitelisted) {
		t.Fatalf("expected ErrNotWhitelisted for path-qualified name, got %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Error("rejected command must not spawn")
	}
}

func TestRun_ServiceVerbWhitelist(t *testing.T) {
	runner := &RecordingRunner{}
	sb := newTestSandbox(runner)

	if _, err := sb.Run(context.Background(), "systemctl", "mask", "foo.service"); !errors.Is(err, ErrVerbNotAllowed) {
		t.Fatalf("expected ErrVerbNotAllowed, got %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Error("rejected verb must not spawn")
	}
}

func TestRun_VerbWhitelistOnlyBindsServiceControl(t *testing.T) {
	runner := &RecordingRunner{Result: Result{Success: true}}
	sb := newTestSandbox(runner)

	// journalctl's first argument is not a systemctl verb and must not be
	// checked against the verb whitelist.
	if _, err := sb.Run(context.Background(), "journalctl", "-u", "foo.service"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRun_ShellMetacharactersRejected(t *testing.T) {
	cases := [][]string{
		{"is-active", "foo.service; rm -rf /"},
		{"is-active", "foo$(id)"},
		{"is-active", "foo`id`"},
		{"is-active", "foo && bar"},
		{"is-active", "foo | bar"},
		{"is-active", "foo > /etc/passwd"},
		{"is-active", "foo\nbar"},
	}
	for _, args := range cases {
		runner := &RecordingRunner{}
		sb := newTestSandbox(runner)
		_, err := sb.Run(context.Background(), "systemctl", args...)
		if !errors.Is(err, ErrUnsafeArgument) {
			t.Errorf("args %q: expected ErrUnsafeArgument, got %v", args, err)
		}
		if len(runner.Calls()) != 0 {
			t.Errorf("args %q: rejected argument must not spawn", args)
		}
	}
}

func TestRun_TimeoutIsFailure(t *testing.T) {
	runner := &RecordingRunner{Result: Result{TimedOut: true, ExitCode: -1, Duration: 30 * time.Second}}
	sb := newTestSandbox(runner)

	_, err := sb.Run(context.Background(), "apt-get", "update")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRun_SpawnFailure(t *testing.T) {
	runner := &RecordingRunner{Result: Result{Err: errors.New("exec format error"), ExitCode: -1}}
	sb := newTestSandbox(runner)

	_, err := sb.Run(context.Background(), "apt-get", "update")
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	runner := &RecordingRunner{Result: Result{ExitCode: 3, Stdout: "inactive\n"}}
	sb := newTestSandbox(runner)

	res, err := sb.Run(context.Background(), "systemctl", "is-active", "foo.service")
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if res.Success || res.ExitCode != 3 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestExecRunner_CapturesOutput(t *testing.T) {
	var r execRunner
	res := r.Run(context.Background(), "echo", []string{"hello"}, 5*time.Second, time.Second)
	if !res.Success {
		t.Fatalf("echo should succeed: %+v", res)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestExecRunner_TimeoutKills(t *testing.T) {
	var r execRunner
	start := time.Now()
	res := r.Run(context.Background(), "sleep", []string{"10"}, 100*time.Millisecond, 100*time.Millisecond)
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timed-out command took far longer than timeout plus grace")
	}
}

func TestExecRunner_SpawnFailure(t *testing.T) {
	var r execRunner
	res := r.Run(context.Background(), "definitely-not-a-real-binary-xyz", nil, time.Second, time.Second)
	if res.Err == nil {
		t.Error("expected a spawn error for a missing binary")
	}
}
