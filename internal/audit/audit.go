// Package audit is the append-only record of every security-relevant decision
// the gateway makes. It is physically separate from operational logging: the
// slog logger is only used as a fallback channel when the audit file itself
// cannot be written, so a failed write is escalated rather than dropped.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind categorizes audit events.
type Kind string

const (
	KindAuthentication    Kind = "authentication"
	KindModuleOperation   Kind = "module_operation"
	KindSystemOperation   Kind = "system_operation"
	KindConfigChange      Kind = "config_change"
	KindSecurityViolation Kind = "security_violation"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindUnauthorized      Kind = "unauthorized_access"
)

// Anonymous is the actor recorded before a caller has authenticated.
const Anonymous = "anonymous"

// Event is a single append-only audit record. Events are never mutated or
// deleted once written.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       Kind           `json:"kind"`
	Actor      string         `json:"actor"`
	RemoteAddr string         `json:"remote_addr"`
	Success    bool           `json:"success"`
	Details    map[string]any `json:"details,omitempty"`
}

// Log appends events to a size-rotated file with owner-only permissions.
// Appends are serialized; concurrent callers never interleave records.
type Log struct {
	path           string
	maxSizeBytes   int64
	maxGenerations int
	fallback       *slog.Logger

	mu   sync.Mutex
	file *os.File
	size int64

	subsMu sync.RWMutex
	subs   map[chan Event]struct{}
}

// Open creates or opens the audit log at path. fallback receives events that
// could not be persisted and must not be nil.
func Open(path string, maxSizeBytes int64, maxGenerations int, fallback *slog.Logger) (*Log, error) {
	if maxSizeBytes <= 0 {
		maxSizeBytes = 5 * 1024 * 1024
	}
	if maxGenerations <= 0 {
		maxGenerations = 5
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat audit log: %w", err)
	}

	return &Log{
		path:           path,
		maxSizeBytes:   maxSizeBytes,
		maxGenerations: maxGenerations,
		fallback:       fallback.With("component", "audit"),
		file:           f,
		size:           info.Size(),
		subs:           make(map[chan Event]struct{}),
	}, nil
}

// Record appends one event. The event's ID and timestamp are assigned here.
// A persistence failure is escalated to the fallback logger with the full
// event payload so the record survives somewhere.
func (l *Log) Record(e Event) {
	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()
	if e.Actor == "" {
		e.Actor = Anonymous
	}

	line, err := json.Marshal(e)
	if err != nil {
		l.escalate(e, fmt.Errorf("marshal: %w", err))
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	// A failed rotation leaves the file nil; try to reopen on every append so
	// persistence recovers as soon as the path is writable again.
	if l.file == nil {
		if err := l.reopenLocked(); err != nil {
			l.mu.Unlock()
			l.escalate(e, err)
			l.notify(e)
			return
		}
	}
	if l.size+int64(len(line)) > l.maxSizeBytes {
		if err := l.rotateLocked(); err != nil {
			l.fallback.Error("audit rotation failed", "error", err)
		}
	}
	if l.file == nil {
		l.mu.Unlock()
		l.escalate(e, errors.New("audit log unavailable"))
		l.notify(e)
		return
	}
	n, err := l.file.Write(line)
	l.size += int64(n)
	l.mu.Unlock()

	if err != nil {
		l.escalate(e, err)
	}

	l.notify(e)
}

// Subscribe returns a channel receiving subsequent events. Slow subscribers
// miss events rather than block Record.
func (l *Log) Subscribe() chan Event {
	ch := make(chan Event, 64)
	l.subsMu.Lock()
	l.subs[ch] = struct{}{}
	l.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (l *Log) Unsubscribe(ch chan Event) {
	l.subsMu.Lock()
	if _, ok := l.subs[ch]; ok {
		delete(l.subs, ch)
		close(ch)
	}
	l.subsMu.Unlock()
}

func (l *Log) notify(e Event) {
	l.subsMu.RLock()
	defer l.subsMu.RUnlock()
	for ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Sweep rotates the log if it has exceeded its size bound. The scheduler
// calls this so an idle gateway still honors the retention policy.
func (l *Log) Sweep() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return l.reopenLocked()
	}
	if l.size <= l.maxSizeBytes {
		return nil
	}
	return l.rotateLocked()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Log) escalate(e Event, cause error) {
	l.fallback.Error("audit write failed; event preserved in operational log",
		"error", cause,
		"kind", e.Kind,
		"actor", e.Actor,
		"remote_addr", e.RemoteAddr,
		"success", e.Success,
		"details", e.Details,
	)
}

// rotateLocked shifts audit.log -> audit.log.1 -> ... -> audit.log.N,
// dropping the oldest generation. On any failure l.file is left nil and the
// next append retries the reopen. Caller holds l.mu.
func (l *Log) rotateLocked() error {
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			l.file = nil
			return fmt.Errorf("close for rotation: %w", err)
		}
		l.file = nil
	}

	oldest := fmt.Sprintf("%s.%d", l.path, l.maxGenerations)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("drop oldest generation: %w", err)
	}
	for i := l.maxGenerations - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", l.path, i)
		dst := fmt.Sprintf("%s.%d", l.path, i+1)
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("shift generation %d: %w", i, err)
		}
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate current: %w", err)
	}

	return l.reopenLocked()
}

// reopenLocked opens (or re-opens) the current log file and refreshes the
// tracked size. Caller holds l.mu.
func (l *Log) reopenLocked() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("reopen audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.size = info.Size()
	return nil
}
