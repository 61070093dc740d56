package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vocero-ai/vocero/pkg/provider"
	"github.com/vocero-ai/vocero/pkg/provider/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// connect dials a driver against srv and waits for session readiness. The
// server handler must send session.created as its first frame.
func connect(t *testing.T, srv *httptest.Server, cfg provider.Config) *openai.Driver {
	t.Helper()
	cfg.APIKey = "test-key"
	cfg.BaseURL = wsURL(srv)
	d, err := openai.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// nextEvent pulls one event off the driver's stream or fails the test.
func nextEvent(t *testing.T, d provider.Driver) provider.Event {
	t.Helper()
	select {
	case evt, ok := <-d.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return provider.Event{}
}

func sessionCreated() map[string]any {
	return map[string]any{"type": "session.created"}
}

// ── Construction ───────────────────────────────────────────────────────────────

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	_, err := openai.New(provider.Config{})
	if !provider.IsKind(err, provider.KindConfig) {
		t.Fatalf("New without key: err = %v; want config error", err)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsAuthHeadersAndModel(t *testing.T) {
	t.Parallel()

	type dialInfo struct {
		auth, beta, model string
	}
	info := make(chan dialInfo, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		info <- dialInfo{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		writeJSON(t, conn, sessionCreated())
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, provider.Config{Model: "gpt-4o-mini-realtime"})

	got := <-info
	if got.auth != "Bearer test-key" {
		t.Errorf("Authorization = %q; want Bearer test-key", got.auth)
	}
	if got.beta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q; want realtime=v1", got.beta)
	}
	if got.model != "gpt-4o-mini-realtime" {
		t.Errorf("model = %q; want gpt-4o-mini-realtime", got.model)
	}
}

func TestConnect_TimesOutWithoutSessionCreated(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Never send session.created.
		<-conn.CloseRead(context.Background()).Done()
	})

	d, err := openai.New(provider.Config{APIKey: "k", BaseURL: wsURL(srv)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = d.Connect(ctx)
	if !provider.IsKind(err, provider.KindTimeout) {
		t.Fatalf("Connect: err = %v; want provider timeout", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	d, err := openai.New(provider.Config{APIKey: "k", BaseURL: "ws://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := d.Connect(ctx); !provider.IsKind(err, provider.KindConnectFail) {
		t.Fatalf("Connect: err = %v; want connect fail", err)
	}
}

// ── Configure ─────────────────────────────────────────────────────────────────

func TestConfigure_SendsFullSessionUpdate(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, sessionCreated())
		var raw map[string]any
		readJSON(t, conn, &raw)
		got <- raw
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := connect(t, srv, provider.Config{
		Instructions: "You are the receptionist.",
		Voice:        "coral",
		Tools: []provider.ToolDefinition{
			{Name: "end_call", Description: "Hang up", Parameters: map[string]any{"type": "object"}},
		},
		MaxOutputTokens: 4096,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.Configure(ctx); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	raw := <-got
	if raw["type"] != "session.update" {
		t.Fatalf("type = %v; want session.update", raw["type"])
	}
	sess, _ := raw["session"].(map[string]any)
	if sess == nil {
		t.Fatal("session object missing")
	}
	if sess["instructions"] != "You are the receptionist." {
		t.Errorf("instructions = %v", sess["instructions"])
	}
	if sess["voice"] != "coral" {
		t.Errorf("voice = %v; want coral", sess["voice"])
	}
	if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v / %v; want pcm16", sess["input_audio_format"], sess["output_audio_format"])
	}
	if sess["tool_choice"] != "auto" {
		t.Errorf("tool_choice = %v; want auto", sess["tool_choice"])
	}
	tr, _ := sess["input_audio_transcription"].(map[string]any)
	if tr == nil || tr["model"] != "whisper-1" {
		t.Errorf("input_audio_transcription = %v; want whisper-1", sess["input_audio_transcription"])
	}
	td, _ := sess["turn_detection"].(map[string]any)
	if td == nil || td["type"] != "server_vad" {
		t.Errorf("turn_detection = %v; want server_vad", sess["turn_detection"])
	}
	tools, _ := sess["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v; want 1 entry", sess["tools"])
	}
	if mt := sess["max_response_output_tokens"]; mt != float64(4096) {
		t.Errorf("max_response_output_tokens = %v; want 4096", mt)
	}
}

// ── Outgoing messages ─────────────────────────────────────────────────────────

func TestSendAudio_Base64Append(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, sessionCreated())
		var raw map[string]any
		readJSON(t, conn, &raw)
		got <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	d := connect(t, srv, provider.Config{})

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := d.SendAudio(context.Background(), pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	raw := <-got
	if raw["type"] != "input_audio_buffer.append" {
		t.Fatalf("type = %v; want input_audio_buffer.append", raw["type"])
	}
	audio, _ := raw["audio"].(string)
	decoded, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		t.Fatalf("audio is not base64: %v", err)
	}
	if string(decoded) != string(pcm) {
		t.Errorf("decoded audio = %v; want %v", decoded, pcm)
	}
}

func TestSendFunctionResult_CreatesOutputItem(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, sessionCreated())
		var raw map[string]any
		readJSON(t, conn, &raw)
		got <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	d := connect(t, srv, provider.Config{})

	result := map[string]any{"success": true, "extension": "204"}
	if err := d.SendFunctionResult(context.Background(), "check_extension_available", result, "call_42"); err != nil {
		t.Fatalf("SendFunctionResult: %v", err)
	}

	raw := <-got
	if raw["type"] != "conversation.item.create" {
		t.Fatalf("type = %v; want conversation.item.create", raw["type"])
	}
	item, _ := raw["item"].(map[string]any)
	if item["type"] != "function_call_output" {
		t.Errorf("item type = %v; want function_call_output", item["type"])
	}
	if item["call_id"] != "call_42" {
		t.Errorf("call_id = %v; want call_42", item["call_id"])
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(item["output"].(string)), &out); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if out["success"] != true || out["extension"] != "204" {
		t.Errorf("output = %v", out)
	}
}

func TestInterrupt_SendsResponseCancel(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, sessionCreated())
		var raw map[string]any
		readJSON(t, conn, &raw)
		got <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	d := connect(t, srv, provider.Config{})

	if err := d.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if raw := <-got; raw["type"] != "response.cancel" {
		t.Errorf("type = %v; want response.cancel", raw["type"])
	}
}

func TestRequestResponse_WithInstructions(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, sessionCreated())
		var raw map[string]any
		readJSON(t, conn, &raw)
		got <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	d := connect(t, srv, provider.Config{})

	if err := d.RequestResponse(context.Background(), "Greet the caller in Portuguese."); err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}
	raw := <-got
	if raw["type"] != "response.create" {
		t.Fatalf("type = %v; want response.create", raw["type"])
	}
	resp, _ := raw["response"].(map[string]any)
	if resp == nil || resp["instructions"] != "Greet the caller in Portuguese." {
		t.Errorf("response = %v", raw["response"])
	}
}

// ── Incoming events ───────────────────────────────────────────────────────────

func TestEvents_AudioAndTranscripts(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30, 0x40}

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, sessionCreated())
		writeJSON(t, conn, map[string]any{"type": "response.created"})
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hel"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "lo"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.done"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "hi there",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := connect(t, srv, provider.Config{})

	if evt := nextEvent(t, d); evt.Type != provider.ResponseStarted {
		t.Fatalf("event 1 = %v; want response_started", evt.Type)
	}
	evt := nextEvent(t, d)
	if evt.Type != provider.AudioDelta || string(evt.Audio) != string(pcm) {
		t.Fatalf("event 2 = %v audio=%v; want audio_delta %v", evt.Type, evt.Audio, pcm)
	}
	if evt = nextEvent(t, d); evt.Type != provider.TranscriptDelta || evt.Text != "Hel" {
		t.Fatalf("event 3 = %v %q", evt.Type, evt.Text)
	}
	if evt = nextEvent(t, d); evt.Type != provider.TranscriptDelta || evt.Text != "lo" {
		t.Fatalf("event 4 = %v %q", evt.Type, evt.Text)
	}
	if evt = nextEvent(t, d); evt.Type != provider.TranscriptDone || evt.Text != "Hello" {
		t.Fatalf("event 5 = %v %q; want transcript_done Hello", evt.Type, evt.Text)
	}
	if evt = nextEvent(t, d); evt.Type != provider.AudioDone {
		t.Fatalf("event 6 = %v; want audio_done", evt.Type)
	}
	if evt = nextEvent(t, d); evt.Type != provider.ResponseDone {
		t.Fatalf("event 7 = %v; want response_done", evt.Type)
	}
	if evt = nextEvent(t, d); evt.Type != provider.UserTranscript || evt.Text != "hi there" {
		t.Fatalf("event 8 = %v %q; want user_transcript", evt.Type, evt.Text)
	}
}

func TestEvents_SpeechMarkers(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, sessionCreated())
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped"})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := connect(t, srv, provider.Config{})

	if evt := nextEvent(t, d); evt.Type != provider.SpeechStarted {
		t.Fatalf("event 1 = %v; want speech_started", evt.Type)
	}
	if evt := nextEvent(t, d); evt.Type != provider.SpeechStopped {
		t.Fatalf("event 2 = %v; want speech_stopped", evt.Type)
	}
}

func TestEvents_FunctionCallDeltaAccumulation(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, sessionCreated())
		writeJSON(t, conn, map[string]any{
			"type": "response.function_call_arguments.delta", "call_id": "c1",
			"name": "transfer_call", "delta": `{"destinat`,
		})
		writeJSON(t, conn, map[string]any{
			"type": "response.function_call_arguments.delta", "call_id": "c1",
			"delta": `ion":"sales"}`,
		})
		writeJSON(t, conn, map[string]any{
			"type": "response.function_call_arguments.done", "call_id": "c1",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := connect(t, srv, provider.Config{})

	evt := nextEvent(t, d)
	if evt.Type != provider.FunctionCall {
		t.Fatalf("event = %v; want function_call", evt.Type)
	}
	if evt.Name != "transfer_call" || evt.CallID != "c1" {
		t.Errorf("name=%q call_id=%q", evt.Name, evt.CallID)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(evt.Args), &args); err != nil {
		t.Fatalf("accumulated args %q do not parse: %v", evt.Args, err)
	}
	if args["destination"] != "sales" {
		t.Errorf("destination = %v; want sales", args["destination"])
	}
}

func TestEvents_RateLimitedError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, sessionCreated())
		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type": "error", "code": "rate_limit_exceeded", "message": "slow down",
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := connect(t, srv, provider.Config{})

	evt := nextEvent(t, d)
	if evt.Type != provider.RateLimited {
		t.Fatalf("event = %v; want rate_limited", evt.Type)
	}
	if evt.Reason != "slow down" {
		t.Errorf("reason = %q", evt.Reason)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, sessionCreated())
		<-conn.CloseRead(context.Background()).Done()
	})

	d := connect(t, srv, provider.Config{})

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := d.SendAudio(context.Background(), []byte{1, 2}); err == nil {
		t.Error("SendAudio after Close: want error")
	}
}
