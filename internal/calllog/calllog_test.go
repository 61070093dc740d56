package calllog

import (
	"strings"
	"testing"
	"time"
)

func TestLog_TimelineOrderAndTurns(t *testing.T) {
	t.Parallel()

	l := New("call-1", "t1", "sec-1", "+5511999")
	l.Event(EventSessionStart, "")
	l.Event(EventProviderConnected, "openai")
	l.Event(EventTranscriptUser, "")
	l.Event(EventTranscriptAgent, "")
	l.Event(EventTranscriptUser, "")
	l.Event(EventCallHangup, "caller")
	l.SetOutcome("hangup")

	r := l.Snapshot()
	if len(r.Timeline) != 6 {
		t.Fatalf("timeline length = %d, want 6", len(r.Timeline))
	}
	for i := 1; i < len(r.Timeline); i++ {
		if r.Timeline[i].Offset < r.Timeline[i-1].Offset {
			t.Errorf("timeline not monotonic at %d: %v < %v", i, r.Timeline[i].Offset, r.Timeline[i-1].Offset)
		}
	}
	if r.UserTurns != 2 {
		t.Errorf("user turns = %d, want 2", r.UserTurns)
	}
	if r.AgentTurns != 1 {
		t.Errorf("agent turns = %d, want 1", r.AgentTurns)
	}
	if r.Timeline[1].Detail != "openai" {
		t.Errorf("detail = %q", r.Timeline[1].Detail)
	}
	if r.Outcome != "hangup" {
		t.Errorf("outcome = %q, want hangup", r.Outcome)
	}
}

func TestLog_Aggregates(t *testing.T) {
	t.Parallel()

	l := New("call-1", "t1", "sec-1", "")
	for _, v := range []float64{0.4, 1.2, 0.8} {
		l.Observe("response_latency", v)
	}

	r := l.Snapshot()
	a, ok := r.Metrics["response_latency"]
	if !ok {
		t.Fatal("aggregate missing")
	}
	if a.Count != 3 {
		t.Errorf("count = %d, want 3", a.Count)
	}
	if a.Last != 0.8 {
		t.Errorf("last = %v, want 0.8", a.Last)
	}
	if a.Min != 0.4 || a.Max != 1.2 {
		t.Errorf("min/max = %v/%v, want 0.4/1.2", a.Min, a.Max)
	}
	if got := a.Avg(); got < 0.79 || got > 0.81 {
		t.Errorf("avg = %v, want 0.8", got)
	}

	var empty Aggregate
	if empty.Avg() != 0 {
		t.Errorf("empty avg = %v, want 0", empty.Avg())
	}
}

func TestLog_SnapshotIsCopy(t *testing.T) {
	t.Parallel()

	l := New("call-1", "t1", "sec-1", "")
	l.Event(EventSessionStart, "")
	l.Observe("turns", 1)

	r := l.Snapshot()
	l.Event(EventCallHangup, "")
	l.Observe("turns", 2)

	if len(r.Timeline) != 1 {
		t.Errorf("snapshot timeline mutated: %d entries", len(r.Timeline))
	}
	if r.Metrics["turns"].Count != 1 {
		t.Errorf("snapshot aggregate mutated: count = %d", r.Metrics["turns"].Count)
	}
}

func TestLog_ToolSanitized(t *testing.T) {
	t.Parallel()

	l := New("call-1", "t1", "sec-1", "")
	started := time.Now().Add(-50 * time.Millisecond)
	l.Tool("transfer_call", "fc-1", started, `{"destination":"sales","api_key":"sk-secret"}`, `{"success":true}`, "")

	r := l.Snapshot()
	if len(r.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(r.Tools))
	}
	te := r.Tools[0]
	if strings.Contains(te.Input, "sk-secret") {
		t.Errorf("input leaked secret: %q", te.Input)
	}
	if !strings.Contains(te.Input, "[redacted]") {
		t.Errorf("input not redacted: %q", te.Input)
	}
	if te.Duration < 50*time.Millisecond {
		t.Errorf("duration = %v, want >= 50ms", te.Duration)
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		leak  string
		keeps string
	}{
		{
			name:  "json api key",
			in:    `{"name":"Ana","api_key":"sk-12345","dest":"sales"}`,
			leak:  "sk-12345",
			keeps: "Ana",
		},
		{
			name:  "query string token",
			in:    "number=123&token=abcdef&reason=support",
			leak:  "abcdef",
			keeps: "support",
		},
		{
			name:  "password assignment",
			in:    "password: hunter2, user: ana",
			leak:  "hunter2",
			keeps: "ana",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Sanitize(tt.in)
			if strings.Contains(got, tt.leak) {
				t.Errorf("Sanitize(%q) leaked %q: %q", tt.in, tt.leak, got)
			}
			if !strings.Contains(got, tt.keeps) {
				t.Errorf("Sanitize(%q) dropped %q: %q", tt.in, tt.keeps, got)
			}
		})
	}
}

func TestSanitize_Truncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", maxFieldLen+100)
	got := Sanitize(long)
	if len(got) >= len(long) {
		t.Errorf("long value not truncated: %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "(truncated)") {
		t.Errorf("missing truncation marker: %q", got[len(got)-30:])
	}

	if Sanitize("") != "" {
		t.Error("empty input must stay empty")
	}
}
