package security

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/luigilabs/luigid/internal/audit"
	"github.com/luigilabs/luigid/internal/config"
)

func newTestAudit(t *testing.T) *audit.Log {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := audit.Open(filepath.Join(t.TempDir(), "audit.log"), 1<<20, 3, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testRateConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		GlobalLimit:        5,
		GlobalWindowSec:    60,
		AuthLimit:          5,
		AuthWindowSec:      300,
		OperationLimit:     3,
		OperationWindowSec: 60,
		SlowdownThreshold:  3,
		SlowdownStepMs:     100,
		SlowdownMaxMs:      300,
		SlowdownWindowSec:  60,
	}
}

func TestGlobalLimit_RejectsLimitPlusOne(t *testing.T) {
	l := NewLimiter(testRateConfig())
	for i := 0; i < 5; i++ {
		if !l.AllowGlobal("10.0.0.1") {
			t.Fatalf("request %d should be within the limit", i+1)
		}
	}
	if l.AllowGlobal("10.0.0.1") {
		t.Error("request limit+1 should be rejected")
	}
}

func TestGlobalLimit_WindowResets(t *testing.T) {
	l := NewLimiter(testRateConfig())
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 6; i++ {
		l.AllowGlobal("10.0.0.1")
	}
	now = now.Add(61 * time.Second)
	if !l.AllowGlobal("10.0.0.1") {
		t.Error("counter should reset after the window elapses")
	}
}

func TestGlobalLimit_AddressesIndependent(t *testing.T) {
	l := NewLimiter(testRateConfig())
	for i := 0; i < 6; i++ {
		l.AllowGlobal("10.0.0.1")
	}
	if !l.AllowGlobal("10.0.0.2") {
		t.Error("a different address must have its own counter")
	}
}

func TestAuthTier_OnlyFailuresCount(t *testing.T) {
	l := NewLimiter(testRateConfig())
	// Successful logins never increment the tier.
	for i := 0; i < 20; i++ {
		if l.AuthBlocked("10.0.0.1") {
			t.Fatal("address should not be blocked without failures")
		}
	}
	for i := 0; i < 5; i++ {
		l.RecordAuthFailure("10.0.0.1")
	}
	if !l.AuthBlocked("10.0.0.1") {
		t.Error("address should be blocked after exhausting the failure budget")
	}
}

func TestAuthTier_ExpiresWithWindow(t *testing.T) {
	l := NewLimiter(testRateConfig())
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		l.RecordAuthFailure("10.0.0.1")
	}
	now = now.Add(301 * time.Second)
	if l.AuthBlocked("10.0.0.1") {
		t.Error("failure budget should reset after the window elapses")
	}
}

func TestOperationLimit_SmallerWindow(t *testing.T) {
	l := NewLimiter(testRateConfig())
	for i := 0; i < 3; i++ {
		if !l.AllowOperation("10.0.0.1") {
			t.Fatalf("operation %d should pass", i+1)
		}
	}
	if l.AllowOperation("10.0.0.1") {
		t.Error("operation limit+1 should be rejected")
	}
	// The global tier is untouched by operation counting.
	if !l.AllowGlobal("10.0.0.1") {
		t.Error("global tier must be independent of the operation tier")
	}
}

func TestSlowdown_LinearAndCapped(t *testing.T) {
	l := NewLimiter(testRateConfig())

	var delays []time.Duration
	for i := 0; i < 8; i++ {
		delays = append(delays, l.SlowdownDelay("10.0.0.1"))
	}

	for i := 0; i < 3; i++ {
		if delays[i] != 0 {
			t.Errorf("request %d below threshold should have zero delay, got %v", i+1, delays[i])
		}
	}
	if delays[3] != 100*time.Millisecond {
		t.Errorf("first over-threshold delay = %v, want 100ms", delays[3])
	}
	if delays[4] != 200*time.Millisecond {
		t.Errorf("second over-threshold delay = %v, want 200ms", delays[4])
	}
	// Cap at 300ms.
	if delays[7] != 300*time.Millisecond {
		t.Errorf("delay should cap at 300ms, got %v", delays[7])
	}
}

func TestGlobalRateStage_DeniesWith429(t *testing.T) {
	l := NewLimiter(testRateConfig())
	stage := &GlobalRateStage{Limiter: l, Audit: newTestAudit(t)}

	req := &Request{RemoteIP: mustAddr(t, "10.0.0.9"), Path: "/api/modules"}
	for i := 0; i < 5; i++ {
		if out := stage.Check(req); !out.OK {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	out := stage.Check(req)
	if out.OK || out.Status != 429 {
		t.Errorf("expected 429 outcome, got %+v", out)
	}
}

func TestOperationRateStage_SkipsReadOnly(t *testing.T) {
	l := NewLimiter(testRateConfig())
	stage := &OperationRateStage{Limiter: l, Audit: newTestAudit(t)}

	req := &Request{RemoteIP: mustAddr(t, "10.0.0.9"), Path: "/api/modules", Mutating: false}
	for i := 0; i < 50; i++ {
		if out := stage.Check(req); !out.OK {
			t.Fatal("read-only requests must not consume the operation tier")
		}
	}
}
