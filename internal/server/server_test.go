package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vocero-ai/vocero/internal/config"
	"github.com/vocero-ai/vocero/internal/session"
	"github.com/vocero-ai/vocero/pkg/events"
	"github.com/vocero-ai/vocero/pkg/fsm"
	"github.com/vocero-ai/vocero/pkg/provider"
	"github.com/vocero-ai/vocero/pkg/provider/mock"
)

const testStreamPath = "/stream/sec-1/call-1/%2B5511988887777"

type serverHarness struct {
	srv *Server
	ts  *httptest.Server

	mu           sync.Mutex
	drivers      map[string]*mock.Driver
	sessions     map[string]*session.Session
	factoryCalls int
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	h := &serverHarness{
		drivers:  make(map[string]*mock.Driver),
		sessions: make(map[string]*session.Session),
	}
	srv, err := New(Config{
		NewSession: h.buildSession,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.srv = srv
	h.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(h.ts.Close)
	t.Cleanup(func() { srv.stopAllSessions("test_cleanup") })
	return h
}

func (h *serverHarness) buildSession(ctx context.Context, p StreamParams) (*session.Session, error) {
	drv := mock.New()
	reg := provider.NewRegistry()
	drv.Register(reg, "mock")

	sess, err := session.New(session.Config{
		CallID:      p.CallUUID,
		TenantID:    "t1",
		CallerID:    p.CallerID,
		SecretaryID: p.SecretaryID,
		Secretary: &config.SecretaryConfig{
			TenantID:    "t1",
			SecretaryID: p.SecretaryID,
			DisplayName: "Clara",
			Prompt:      "Você é a Clara, secretária virtual.",
			Greeting:    "Olá! Como posso ajudar?",
			Provider:    "mock",
			Language:    "pt-BR",
			BargeIn:     true,
		},
		Credentials: map[string]config.ProviderCredentials{
			"mock": {Provider: "mock", APIKey: "k"},
		},
		Providers: reg,
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.drivers[p.CallUUID] = drv
	h.sessions[p.CallUUID] = sess
	h.factoryCalls++
	h.mu.Unlock()
	return sess, nil
}

func (h *serverHarness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + path
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func (h *serverHarness) driver(t *testing.T, callUUID string) *mock.Driver {
	t.Helper()
	var drv *mock.Driver
	waitUntil(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		drv = h.drivers[callUUID]
		return drv != nil && drv.Connected()
	}, "driver never connected for "+callUUID)
	return drv
}

func (h *serverHarness) session(callUUID string) *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[callUUID]
}

func (h *serverHarness) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.factoryCalls
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// readWireFrame reads text frames until one of the wanted type arrives.
func readWireFrame(t *testing.T, c *websocket.Conn, wantType string) wireFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v waiting for %q", err, wantType)
		}
		if typ != websocket.MessageText {
			continue
		}
		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if f.Type == wantType {
			return f
		}
	}
}

func writeControl(t *testing.T, c *websocket.Conn, msg controlMsg) {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal control: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("Write control: %v", err)
	}
}

func TestServer_BadStreamPathClosesWithPolicyViolation(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)
	c := h.dial(t, "/stream/only/two-segments")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("expected the server to close the connection")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v, want %v", got, websocket.StatusPolicyViolation)
	}
	if h.calls() != 0 {
		t.Fatalf("factory called %d times for a bad path", h.calls())
	}
}

func TestServer_InboundAudioReachesProvider(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)
	c := h.dial(t, testStreamPath)
	drv := h.driver(t, "call-1")

	// 60 ms of 16 kHz PCM in one write; the read loop re-cuts to 20 ms.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, make([]byte, 1920)); err != nil {
		t.Fatalf("Write audio: %v", err)
	}

	waitUntil(t, func() bool {
		total := 0
		for _, chunk := range drv.SentAudio() {
			total += len(chunk)
		}
		return total > 0
	}, "provider never received audio")
}

func TestServer_OutboundAudioFraming(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)
	c := h.dial(t, testStreamPath)
	drv := h.driver(t, "call-1")

	drv.EmitAudio(make([]byte, 960))

	pre := readWireFrame(t, c, "rawAudio")
	if pre.Data == nil || pre.Data.SampleRate != 16000 {
		t.Fatalf("rawAudio preamble = %+v", pre)
	}

	f := readWireFrame(t, c, "streamAudio")
	if f.Data == nil || f.Data.AudioDataType != "raw" || f.Data.SampleRate != 16000 {
		t.Fatalf("streamAudio frame = %+v", f)
	}
	pcm, err := base64.StdEncoding.DecodeString(f.Data.AudioData)
	if err != nil {
		t.Fatalf("decode audio payload: %v", err)
	}
	// 960 bytes at the provider's 24 kHz is 20 ms, 640 bytes at 16 kHz.
	if len(pcm) != 640 {
		t.Fatalf("payload = %d bytes, want 640", len(pcm))
	}
}

func TestServer_PCMUCodecEncodesULaw(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)
	c := h.dial(t, testStreamPath+"?codec=pcmu")
	drv := h.driver(t, "call-1")

	drv.EmitAudio(make([]byte, 960))

	f := readWireFrame(t, c, "streamAudioPCMU")
	payload, err := base64.StdEncoding.DecodeString(f.Data.AudioData)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	// One byte of μ-law per 16-bit sample.
	if len(payload) != 320 {
		t.Fatalf("payload = %d bytes, want 320", len(payload))
	}
}

func TestServer_BargeInSendsStopAudio(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)
	c := h.dial(t, testStreamPath)
	drv := h.driver(t, "call-1")
	sess := h.session("call-1")

	drv.EmitAudio(make([]byte, 960))
	waitUntil(t, func() bool {
		return sess.Machine().Is(fsm.Speaking)
	}, "session never reached speaking")

	drv.Emit(provider.Event{Type: provider.SpeechStarted})

	f := readWireFrame(t, c, "stopAudio")
	if f.Type != "stopAudio" {
		t.Fatalf("frame type = %q", f.Type)
	}
}

func TestServer_HangupControlEndsCall(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)
	c := h.dial(t, testStreamPath)
	h.driver(t, "call-1")
	sess := h.session("call-1")

	writeControl(t, c, controlMsg{Type: "hangup"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := c.Read(ctx)
		if err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
				t.Fatalf("close status = %v, want %v", got, websocket.StatusNormalClosure)
			}
			break
		}
	}

	waitUntil(t, func() bool { return !sess.Active() }, "session still active after hangup")
	waitUntil(t, func() bool {
		h.srv.mu.Lock()
		defer h.srv.mu.Unlock()
		_, ok := h.srv.calls["call-1"]
		return !ok
	}, "session never left the registry")
}

func TestServer_DTMFReachesSession(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)
	c := h.dial(t, testStreamPath)
	h.driver(t, "call-1")
	sess := h.session("call-1")

	got := make(chan bool, 1)
	go func() {
		_, ok := sess.Bus().WaitFor(context.Background(), events.DTMFReceived, 5*time.Second, func(e events.Event) bool {
			return e.String("digit") == "5"
		})
		got <- ok
	}()
	time.Sleep(50 * time.Millisecond)

	writeControl(t, c, controlMsg{Type: "dtmf", Digit: "5"})

	if !<-got {
		t.Fatal("dtmf event never reached the bus")
	}
}

func TestServer_ReattachDuringTransferReusesSession(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)
	c := h.dial(t, testStreamPath)
	h.driver(t, "call-1")
	sess := h.session("call-1")

	if !sess.Machine().Trigger(fsm.RequestTransfer, map[string]any{
		"destination": "Vendas",
		"caller_name": "Ana",
	}) {
		t.Fatal("could not enter transfer state")
	}

	// The switch drops the stream mid-transfer; the session must survive.
	c.CloseNow()
	waitUntil(t, func() bool {
		return h.srv.PendingBytes("call-1") == 0 && sess.Active()
	}, "session dropped after disconnect")

	c2 := h.dial(t, testStreamPath)
	drv := h.driver(t, "call-1")
	drv.EmitAudio(make([]byte, 960))
	readWireFrame(t, c2, "streamAudio")

	if h.calls() != 1 {
		t.Fatalf("factory called %d times, want 1", h.calls())
	}
	if !sess.Active() {
		t.Fatal("session not active after reattach")
	}
}

func TestServer_PendingBytesUnknownCall(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)
	if got := h.srv.PendingBytes("no-such-call"); got != 0 {
		t.Fatalf("PendingBytes = %d, want 0", got)
	}
}

func TestParseStreamPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want StreamParams
		ok   bool
	}{
		{"/stream/sec/call/+5511", StreamParams{"sec", "call", "+5511"}, true},
		{"/stream/sec/call", StreamParams{}, false},
		{"/stream/sec/call/id/extra", StreamParams{}, false},
		{"/stream//call/id", StreamParams{}, false},
		{"/other/sec/call/id", StreamParams{}, false},
	}
	for _, tc := range cases {
		got, ok := parseStreamPath(tc.path)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseStreamPath(%q) = %+v, %v; want %+v, %v", tc.path, got, ok, tc.want, tc.ok)
		}
	}
}
