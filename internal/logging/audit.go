package logging

import (
	"fmt"
	"sync"
	"time"
)

// AuditEventType names a structured audit record.
type AuditEventType string

const (
	AuditCallIssued   AuditEventType = "call_issued"
	AuditCallResolved AuditEventType = "call_resolved"
	AuditOrphan       AuditEventType = "orphan_response"
	AuditFanOut       AuditEventType = "fanout_complete"
	AuditTurn         AuditEventType = "session_turn"
)

// AuditEvent is one structured audit record.
type AuditEvent struct {
	Type       AuditEventType
	SessionID  string
	Method     string
	CallID     int64
	DurationMs int64
	Outcome    string // ok, remote, timeout, transport, protocol, closed
	Detail     string
}

// AuditLogger writes AuditEvents through the audit category as structured fields.
type AuditLogger struct {
	sessionID string
}

var (
	auditMu      sync.RWMutex
	auditSession string
)

// SetAuditSession tags every subsequent audit record with sessionID.
func SetAuditSession(sessionID string) {
	auditMu.Lock()
	auditSession = sessionID
	auditMu.Unlock()
}

// Audit returns the audit logger for the current session.
func Audit() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return &AuditLogger{sessionID: auditSession}
}

// Log writes a single event.
func (a *AuditLogger) Log(e AuditEvent) {
	l := Get(CategoryAudit)
	if l.sugar == nil {
		return
	}
	if e.SessionID == "" {
		e.SessionID = a.sessionID
	}
	l.sugar.Infow(string(e.Type),
		"session", e.SessionID,
		"method", e.Method,
		"call_id", e.CallID,
		"duration_ms", e.DurationMs,
		"outcome", e.Outcome,
		"detail", e.Detail,
	)
}

// CallResolved records the end of a correlated call.
func (a *AuditLogger) CallResolved(method string, id int64, took time.Duration, outcome string) {
	a.Log(AuditEvent{
		Type:       AuditCallResolved,
		Method:     method,
		CallID:     id,
		DurationMs: took.Milliseconds(),
		Outcome:    outcome,
	})
}

// Orphan records a response that matched no pending call.
func (a *AuditLogger) Orphan(id int64) {
	a.Log(AuditEvent{Type: AuditOrphan, CallID: id, Outcome: "discarded"})
}

// FanOut records an orchestrated query.
func (a *AuditLogger) FanOut(method string, jobs, failed int, took time.Duration) {
	outcome := "ok"
	switch {
	case failed == jobs:
		outcome = "failed"
	case failed > 0:
		outcome = "partial"
	}
	a.Log(AuditEvent{
		Type:       AuditFanOut,
		Method:     method,
		DurationMs: took.Milliseconds(),
		Outcome:    outcome,
		Detail:     formatCounts(jobs, failed),
	})
}

// Turn records a handled session input.
func (a *AuditLogger) Turn(operation string, took time.Duration, outcome string) {
	a.Log(AuditEvent{
		Type:       AuditTurn,
		Method:     operation,
		DurationMs: took.Milliseconds(),
		Outcome:    outcome,
	})
}

func formatCounts(jobs, failed int) string {
	return fmt.Sprintf("%d/%d succeeded", jobs-failed, jobs)
}
