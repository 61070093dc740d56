// Package elevenlabs implements the provider.Driver interface for the
// ElevenLabs Conversational AI platform.
//
// One WebSocket per conversation, addressed by agent id. Audio travels as
// base64-encoded PCM16 at 16 kHz. The platform drives its own agent config;
// this driver only overrides prompt, first message, language and voice via
// conversation_config_override. Keepalive pings carry a suggested delay
// (ping_ms) that the pong honours.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vocero-ai/vocero/pkg/provider"
)

// Compile-time assertion that Driver satisfies the provider interface.
var _ provider.Driver = (*Driver)(nil)

const (
	Name = "elevenlabs"

	defaultBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"

	sampleRate = 16000

	ackTimeout = 10 * time.Second
)

// Register installs the ElevenLabs factory in the given registry.
func Register(reg *provider.Registry) {
	reg.Register(Name, func(cfg provider.Config) (provider.Driver, error) {
		return New(cfg)
	})
}

// ── Driver ─────────────────────────────────────────────────────────────────────

// Driver is one ElevenLabs conversation.
type Driver struct {
	cfg    provider.Config
	url    string
	logger *slog.Logger

	conn   *websocket.Conn
	events chan provider.Event

	readyCh chan struct{} // closed on conversation_initiation_metadata
	fatalCh chan error

	mu     sync.Mutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates an unconnected ElevenLabs conversation driver.
func New(cfg provider.Config) (*Driver, error) {
	if cfg.APIKey == "" {
		return nil, &provider.Error{Kind: provider.KindConfig, Provider: Name, Message: "api key required"}
	}
	if cfg.AgentID == "" {
		return nil, &provider.Error{Kind: provider.KindConfig, Provider: Name, Message: "agent id required"}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, provider.Errf(provider.KindConfig, Name, err, "base url %q", baseURL)
	}
	q := u.Query()
	q.Set("agent_id", cfg.AgentID)
	u.RawQuery = q.Encode()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		cfg:     cfg,
		url:     u.String(),
		logger:  logger.With("component", "provider.elevenlabs"),
		events:  make(chan provider.Event, 64),
		readyCh: make(chan struct{}),
		fatalCh: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Name returns "elevenlabs".
func (d *Driver) Name() string { return Name }

// InputSampleRate returns the PCM rate SendAudio expects.
func (d *Driver) InputSampleRate() int { return sampleRate }

// OutputSampleRate returns the PCM rate of AudioDelta events.
func (d *Driver) OutputSampleRate() int { return sampleRate }

// Events returns the decoded event stream.
func (d *Driver) Events() <-chan provider.Event { return d.events }

// Connect dials the conversation endpoint and blocks until the platform
// sends conversation_initiation_metadata.
func (d *Driver) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"xi-api-key": []string{d.cfg.APIKey},
		},
	})
	if err != nil {
		return provider.Errf(provider.KindConnectFail, Name, err, "dial agent %s", d.cfg.AgentID)
	}
	conn.SetReadLimit(1 << 22)

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	go d.receiveLoop()

	select {
	case <-d.readyCh:
		d.logger.Info("conversation initiated", "agent_id", d.cfg.AgentID)
		return nil
	case err := <-d.fatalCh:
		d.Close()
		return err
	case <-ctx.Done():
		d.Close()
		return provider.Errf(provider.KindTimeout, Name, ctx.Err(), "waiting for conversation_initiation_metadata")
	case <-time.After(ackTimeout):
		d.Close()
		return provider.Errf(provider.KindTimeout, Name, nil, "no conversation_initiation_metadata within %s", ackTimeout)
	}
}

// ── Protocol message types ─────────────────────────────────────────────────────

type initiationClientData struct {
	Type     string          `json:"type"`
	Override *configOverride `json:"conversation_config_override,omitempty"`
}

type configOverride struct {
	Agent *agentOverride `json:"agent,omitempty"`
	TTS   *ttsOverride   `json:"tts,omitempty"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
	Language     string          `json:"language,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

type ttsOverride struct {
	VoiceID string `json:"voice_id,omitempty"`
}

type incomingMessage struct {
	Type string `json:"type"`

	AudioEvent          *audioEvent     `json:"audio_event,omitempty"`
	AgentResponseEvent  *responseEvent  `json:"agent_response_event,omitempty"`
	UserTranscriptEvent *userTranscript `json:"user_transcription_event,omitempty"`
	PingEvent           *pingEvent      `json:"ping_event,omitempty"`
	ClientToolCall      *clientToolCall `json:"client_tool_call,omitempty"`

	// error events
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type audioEvent struct {
	EventID     int    `json:"event_id"`
	AudioBase64 string `json:"audio_base_64"`
}

type responseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type userTranscript struct {
	UserTranscript string `json:"user_transcript"`
}

type pingEvent struct {
	EventID int `json:"event_id"`
	PingMs  int `json:"ping_ms,omitempty"`
}

type clientToolCall struct {
	ToolName   string         `json:"tool_name"`
	ToolCallID string         `json:"tool_call_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Configure overrides the agent's prompt, first message, language and voice
// for this conversation. The platform does not acknowledge the override.
func (d *Driver) Configure(ctx context.Context) error {
	override := &configOverride{}
	if d.cfg.Instructions != "" || d.cfg.Greeting != "" || d.cfg.Language != "" {
		override.Agent = &agentOverride{
			FirstMessage: d.cfg.Greeting,
			Language:     d.cfg.Language,
		}
		if d.cfg.Instructions != "" {
			override.Agent.Prompt = &promptOverride{Prompt: d.cfg.Instructions}
		}
	}
	if d.cfg.Voice != "" {
		override.TTS = &ttsOverride{VoiceID: d.cfg.Voice}
	}
	if override.Agent == nil && override.TTS == nil {
		return nil
	}

	msg := initiationClientData{
		Type:     "conversation_initiation_client_data",
		Override: override,
	}
	if err := d.writeJSON(msg); err != nil {
		return provider.Errf(provider.KindTransportClosed, Name, err, "conversation_config_override")
	}
	d.logger.Debug("conversation configured", "voice", d.cfg.Voice, "language", d.cfg.Language)
	return nil
}

// SendAudio delivers one PCM16 chunk as a user_audio_chunk message.
func (d *Driver) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	msg := map[string]string{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(pcm),
	}
	if err := d.writeJSON(msg); err != nil {
		return provider.Errf(provider.KindTransportClosed, Name, err, "user_audio_chunk")
	}
	return nil
}

// SendText injects a user text message.
func (d *Driver) SendText(ctx context.Context, text string) error {
	msg := map[string]string{"type": "user_message", "text": text}
	if err := d.writeJSON(msg); err != nil {
		return provider.Errf(provider.KindTransportClosed, Name, err, "user_message")
	}
	return nil
}

// SendFunctionResult returns a client tool's output for the given call id.
func (d *Driver) SendFunctionResult(ctx context.Context, name string, data any, callID string) error {
	result, err := json.Marshal(data)
	if err != nil {
		result = []byte(fmt.Sprintf(`{"error": %q}`, err.Error()))
	}
	msg := map[string]any{
		"type":         "client_tool_result",
		"tool_call_id": callID,
		"result":       string(result),
		"is_error":     false,
	}
	if err := d.writeJSON(msg); err != nil {
		return provider.Errf(provider.KindTransportClosed, Name, err, "client_tool_result %s", name)
	}
	return nil
}

// RequestResponse is a no-op beyond a contextual nudge: the platform decides
// when the agent speaks, so a non-empty instruction is delivered as a
// contextual update the agent folds into its next turn.
func (d *Driver) RequestResponse(ctx context.Context, instructions string) error {
	if instructions == "" {
		return nil
	}
	msg := map[string]string{"type": "contextual_update", "text": instructions}
	if err := d.writeJSON(msg); err != nil {
		return provider.Errf(provider.KindTransportClosed, Name, err, "contextual_update")
	}
	return nil
}

// Interrupt signals user activity, which aborts the agent's current
// utterance server-side.
func (d *Driver) Interrupt(ctx context.Context) error {
	if err := d.writeJSON(map[string]string{"type": "user_activity"}); err != nil {
		return provider.Errf(provider.KindTransportClosed, Name, err, "user_activity")
	}
	return nil
}

// Close terminates the conversation and closes the event channel. Idempotent.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		conn := d.conn
		d.mu.Unlock()

		d.cancel()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "conversation closed")
		}
	})
	return nil
}

// ── receive loop ───────────────────────────────────────────────────────────────

func (d *Driver) receiveLoop() {
	defer close(d.events)

	for {
		_, data, err := d.conn.Read(d.ctx)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.fatal(provider.Errf(provider.KindTransportClosed, Name, err, "read"))
			d.emit(provider.Event{Type: provider.SessionEnded, Reason: err.Error()})
			return
		}

		var msg incomingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		d.handleMessage(&msg)
	}
}

func (d *Driver) handleMessage(msg *incomingMessage) {
	switch msg.Type {
	case "conversation_initiation_metadata":
		select {
		case <-d.readyCh:
		default:
			close(d.readyCh)
		}

	case "audio":
		if msg.AudioEvent == nil || msg.AudioEvent.AudioBase64 == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
		if err != nil || len(audio) == 0 {
			return
		}
		d.emit(provider.Event{Type: provider.AudioDelta, Audio: audio})

	case "agent_response":
		// The protocol has no dedicated audio-done frame; agent_response is
		// the turn boundary, so it closes the audio stream and the response.
		if msg.AgentResponseEvent != nil && msg.AgentResponseEvent.AgentResponse != "" {
			d.emit(provider.Event{Type: provider.TranscriptDone, Text: msg.AgentResponseEvent.AgentResponse})
		}
		d.emit(provider.Event{Type: provider.AudioDone})
		d.emit(provider.Event{Type: provider.ResponseDone})

	case "user_transcript":
		if msg.UserTranscriptEvent != nil && msg.UserTranscriptEvent.UserTranscript != "" {
			d.emit(provider.Event{Type: provider.UserTranscript, Text: msg.UserTranscriptEvent.UserTranscript})
		}

	case "interruption":
		d.emit(provider.Event{Type: provider.SpeechStarted})

	case "vad_score":
		// High-rate scoring noise, not actionable.

	case "ping":
		if msg.PingEvent == nil {
			return
		}
		d.schedulePong(msg.PingEvent.EventID, msg.PingEvent.PingMs)

	case "tool_use", "client_tool_call":
		if msg.ClientToolCall == nil {
			return
		}
		args, err := json.Marshal(msg.ClientToolCall.Parameters)
		if err != nil {
			args = []byte("{}")
		}
		d.emit(provider.Event{
			Type:   provider.FunctionCall,
			Name:   msg.ClientToolCall.ToolName,
			Args:   string(args),
			CallID: msg.ClientToolCall.ToolCallID,
		})

	case "conversation_ended":
		d.emit(provider.Event{Type: provider.SessionEnded, Reason: "conversation_ended"})

	case "error":
		err := &provider.Error{Kind: provider.KindProtocol, Provider: Name, Message: fmt.Sprintf("%s (%s)", msg.Message, msg.Code)}
		if msg.Code == "rate_limit_exceeded" || msg.Code == "too_many_concurrent_requests" {
			d.emit(provider.Event{Type: provider.RateLimited, Reason: msg.Message})
			err.Kind = provider.KindRateLimited
		} else {
			d.emit(provider.Event{Type: provider.ErrorEvent, Err: err, Reason: msg.Message})
		}
		d.fatal(err)

	default:
		d.logger.Debug("unhandled message type", "type", msg.Type)
	}
}

// schedulePong answers a ping after the platform's suggested delay. The
// timer is abandoned (never fired into a closed conn: writeJSON checks) if
// the session closes first.
func (d *Driver) schedulePong(eventID, pingMs int) {
	send := func() {
		if err := d.writeJSON(map[string]any{"type": "pong", "event_id": eventID}); err != nil {
			d.logger.Debug("pong failed", "event_id", eventID, "error", err)
		}
	}
	if pingMs <= 0 {
		send()
		return
	}
	time.AfterFunc(time.Duration(pingMs)*time.Millisecond, send)
}

func (d *Driver) fatal(err error) {
	select {
	case d.fatalCh <- err:
	default:
	}
}

func (d *Driver) emit(evt provider.Event) {
	select {
	case d.events <- evt:
	case <-d.ctx.Done():
	}
}

func (d *Driver) writeJSON(v any) error {
	d.mu.Lock()
	conn, closed := d.conn, d.closed
	d.mu.Unlock()
	if closed || conn == nil {
		return fmt.Errorf("elevenlabs: conversation closed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal: %w", err)
	}
	return conn.Write(d.ctx, websocket.MessageText, data)
}
