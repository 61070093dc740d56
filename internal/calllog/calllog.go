// Package calllog records a per-call timeline of typed events, aggregated
// numeric metrics, and sanitized tool executions, and uploads the finished
// report to a configured webhook at end-of-call.
//
// One [Log] exists per call session. All methods are safe for concurrent use;
// the session, the stream handler, and the transfer flow all append to the
// same log. Timestamps are recorded as monotonic offsets from the call start
// so clock adjustments during a call cannot reorder the timeline.
package calllog

import (
	"strings"
	"sync"
	"time"
)

// EventType labels one timeline entry.
type EventType string

const (
	EventSessionStart      EventType = "SESSION_START"
	EventSessionReady      EventType = "SESSION_READY"
	EventSessionEnd        EventType = "SESSION_END"
	EventProviderConnected EventType = "PROVIDER_CONNECTED"
	EventProviderFailover  EventType = "PROVIDER_FAILOVER"
	EventProviderError     EventType = "PROVIDER_ERROR"
	EventAudioFirstIn      EventType = "AUDIO_FIRST_IN"
	EventAudioFirstOut     EventType = "AUDIO_FIRST_OUT"
	EventTranscriptUser    EventType = "TRANSCRIPT_USER"
	EventTranscriptAgent   EventType = "TRANSCRIPT_AGENT"
	EventBargeIn           EventType = "BARGE_IN"
	EventToolStart         EventType = "TOOL_START"
	EventToolDone          EventType = "TOOL_DONE"
	EventTransferInitiated EventType = "TRANSFER_INITIATED"
	EventTransferRinging   EventType = "TRANSFER_RINGING"
	EventTransferAnswered  EventType = "TRANSFER_ANSWERED"
	EventTransferCompleted EventType = "TRANSFER_COMPLETED"
	EventTransferResult    EventType = "TRANSFER_RESULT"
	EventMessageTaken      EventType = "MESSAGE_TAKEN"
	EventCallbackScheduled EventType = "CALLBACK_SCHEDULED"
	EventCallHangup        EventType = "CALL_HANGUP"
)

// Entry is one timeline event.
type Entry struct {
	// Offset is the monotonic time since the call started.
	Offset time.Duration `json:"offset_ms"`

	Type EventType `json:"type"`

	// Detail is a short free-form annotation ("openai", "accepted", ...).
	Detail string `json:"detail,omitempty"`
}

// Aggregate accumulates a named numeric series.
type Aggregate struct {
	Last  float64 `json:"last"`
	Sum   float64 `json:"sum"`
	Max   float64 `json:"max"`
	Min   float64 `json:"min"`
	Count int64   `json:"count"`
}

// Avg returns the running mean, or 0 for an empty series.
func (a *Aggregate) Avg() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// ToolExecution records one tool call with sanitized input and output.
type ToolExecution struct {
	Name     string        `json:"name"`
	CallID   string        `json:"call_id"`
	Offset   time.Duration `json:"offset_ms"`
	Duration time.Duration `json:"duration_ms"`
	Input    string        `json:"input,omitempty"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Log is the per-call record. Create with [New], feed during the call, and
// hand the [Report] to the webhook uploader when the call ends.
type Log struct {
	mu sync.Mutex

	callID      string
	tenantID    string
	secretaryID string
	callerID    string
	provider    string

	startedAt time.Time // wall clock, for the report header
	start     time.Time // monotonic base for offsets

	entries []Entry
	metrics map[string]*Aggregate
	tools   []ToolExecution

	userTurns  int
	agentTurns int
	finalState string
	outcome    string
}

// New starts a log for one call.
func New(callID, tenantID, secretaryID, callerID string) *Log {
	now := time.Now()
	return &Log{
		callID:      callID,
		tenantID:    tenantID,
		secretaryID: secretaryID,
		callerID:    callerID,
		startedAt:   now.UTC(),
		start:       now,
		metrics:     make(map[string]*Aggregate),
	}
}

// SetProvider records the provider that ultimately served the call.
func (l *Log) SetProvider(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.provider = name
}

// SetFinalState records the session's terminal state name.
func (l *Log) SetFinalState(state string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finalState = state
}

// SetOutcome records how the call ended ("hangup", "transferred",
// "message_taken", "service_unavailable", ...).
func (l *Log) SetOutcome(outcome string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcome = outcome
}

// Event appends a timeline entry at the current monotonic offset.
func (l *Log) Event(typ EventType, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{
		Offset: time.Since(l.start),
		Type:   typ,
		Detail: detail,
	})
	switch typ {
	case EventTranscriptUser:
		l.userTurns++
	case EventTranscriptAgent:
		l.agentTurns++
	}
}

// Observe folds one sample into the named aggregate series.
func (l *Log) Observe(name string, v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.metrics[name]
	if !ok {
		a = &Aggregate{Min: v, Max: v}
		l.metrics[name] = a
	}
	a.Last = v
	a.Sum += v
	a.Count++
	if v > a.Max {
		a.Max = v
	}
	if v < a.Min {
		a.Min = v
	}
}

// Tool records one completed tool execution. Input and output are sanitized
// before storage.
func (l *Log) Tool(name, callID string, started time.Time, input, output, errMsg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tools = append(l.tools, ToolExecution{
		Name:     name,
		CallID:   callID,
		Offset:   started.Sub(l.start),
		Duration: time.Since(started),
		Input:    Sanitize(input),
		Output:   Sanitize(output),
		Error:    errMsg,
	})
}

// Report is the immutable end-of-call snapshot marshalled into the
// voice_ai_call_log webhook payload.
type Report struct {
	CallID      string                `json:"call_id"`
	TenantID    string                `json:"tenant_id"`
	SecretaryID string                `json:"secretary_id"`
	CallerID    string                `json:"caller_id"`
	Provider    string                `json:"provider,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	Duration    time.Duration         `json:"duration_ms"`
	UserTurns   int                   `json:"user_turns"`
	AgentTurns  int                   `json:"agent_turns"`
	FinalState  string                `json:"final_state,omitempty"`
	Outcome     string                `json:"outcome,omitempty"`
	Timeline    []Entry               `json:"timeline"`
	Metrics     map[string]*Aggregate `json:"metrics,omitempty"`
	Tools       []ToolExecution       `json:"tools,omitempty"`
}

// Snapshot freezes the log into a report. Safe to call while the call is
// still appending; the returned slices are copies.
func (l *Log) Snapshot() *Report {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := &Report{
		CallID:      l.callID,
		TenantID:    l.tenantID,
		SecretaryID: l.secretaryID,
		CallerID:    l.callerID,
		Provider:    l.provider,
		StartedAt:   l.startedAt,
		Duration:    time.Since(l.start),
		UserTurns:   l.userTurns,
		AgentTurns:  l.agentTurns,
		FinalState:  l.finalState,
		Outcome:     l.outcome,
		Timeline:    append([]Entry(nil), l.entries...),
		Tools:       append([]ToolExecution(nil), l.tools...),
	}
	if len(l.metrics) > 0 {
		r.Metrics = make(map[string]*Aggregate, len(l.metrics))
		for k, v := range l.metrics {
			cp := *v
			r.Metrics[k] = &cp
		}
	}
	return r
}

// maxFieldLen caps stored tool I/O so one verbose tool cannot bloat the
// webhook payload.
const maxFieldLen = 2048

// secretMarkers are substrings of JSON keys whose values must not appear in
// call logs.
var secretMarkers = []string{"api_key", "apikey", "password", "token", "secret", "authorization"}

// Sanitize truncates s and blanks values of secret-looking JSON keys. The
// redaction is textual rather than a full JSON rewrite: tool inputs are
// sometimes partial or malformed JSON and must still be loggable.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	for _, marker := range secretMarkers {
		for from := 0; ; {
			i := strings.Index(lower[from:], marker)
			if i < 0 {
				break
			}
			i += from
			// Skip past the key and the following separator, then blank the
			// value up to the next delimiter.
			j := i + len(marker)
			for j < len(s) && (s[j] == '"' || s[j] == '\'' || s[j] == ':' || s[j] == '=' || s[j] == ' ') {
				j++
			}
			k := j
			for k < len(s) && s[k] != ',' && s[k] != '}' && s[k] != '&' && s[k] != '\n' {
				k++
			}
			if k > j {
				s = s[:j] + "[redacted]" + s[k:]
				lower = strings.ToLower(s)
				from = j + len("[redacted]")
			} else {
				from = j
			}
		}
	}
	if len(s) > maxFieldLen {
		s = s[:maxFieldLen] + "…(truncated)"
	}
	return s
}
