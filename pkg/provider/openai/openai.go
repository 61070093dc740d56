// Package openai implements the provider.Driver interface for OpenAI's
// Realtime API.
//
// It holds a bidirectional WebSocket to the Realtime endpoint and exchanges
// JSON events per the Realtime protocol. Audio travels as base64-encoded
// PCM16 at 24 kHz in both directions. Function-call arguments stream as
// deltas keyed by call id and are surfaced as a single provider.FunctionCall
// event once complete.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vocero-ai/vocero/pkg/provider"
)

// Compile-time assertion that Driver satisfies the provider interface.
var _ provider.Driver = (*Driver)(nil)

const (
	Name = "openai"

	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	sampleRate = 24000

	// ackTimeout bounds the wait for session.created / session.updated.
	ackTimeout = 10 * time.Second
)

// Register installs the OpenAI factory in the given registry.
func Register(reg *provider.Registry) {
	reg.Register(Name, func(cfg provider.Config) (provider.Driver, error) {
		return New(cfg)
	})
}

// ── Driver ─────────────────────────────────────────────────────────────────────

// Driver is one OpenAI Realtime session.
type Driver struct {
	cfg    provider.Config
	model  string
	url    string
	logger *slog.Logger

	conn   *websocket.Conn
	events chan provider.Event

	readyCh   chan struct{} // closed on session.created
	updatedCh chan struct{} // signalled on session.updated
	fatalCh   chan error    // first fatal protocol error, buffered

	mu      sync.Mutex
	closed  bool
	txText  string            // assistant transcript delta accumulator
	fnArgs  map[string]string // function-call argument deltas by call_id
	fnNames map[string]string // function names by call_id

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates an unconnected OpenAI Realtime driver.
func New(cfg provider.Config) (*Driver, error) {
	if cfg.APIKey == "" {
		return nil, &provider.Error{Kind: provider.KindConfig, Provider: Name, Message: "api key required"}
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		cfg:       cfg,
		model:     model,
		url:       fmt.Sprintf("%s?model=%s", baseURL, model),
		logger:    logger.With("component", "provider.openai"),
		events:    make(chan provider.Event, 64),
		readyCh:   make(chan struct{}),
		updatedCh: make(chan struct{}, 1),
		fatalCh:   make(chan error, 1),
		fnArgs:    make(map[string]string),
		fnNames:   make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Name returns "openai".
func (d *Driver) Name() string { return Name }

// InputSampleRate returns the PCM rate SendAudio expects.
func (d *Driver) InputSampleRate() int { return sampleRate }

// OutputSampleRate returns the PCM rate of AudioDelta events.
func (d *Driver) OutputSampleRate() int { return sampleRate }

// Events returns the decoded event stream.
func (d *Driver) Events() <-chan provider.Event { return d.events }

// Connect dials the Realtime endpoint and blocks until the provider
// acknowledges the session with session.created.
func (d *Driver) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return provider.Errf(provider.KindConnectFail, Name, err, "dial %s", d.url)
	}
	// Realtime audio deltas can exceed the 32 KiB default.
	conn.SetReadLimit(1 << 22)

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	go d.receiveLoop()

	select {
	case <-d.readyCh:
		d.logger.Info("session created", "model", d.model)
		return nil
	case err := <-d.fatalCh:
		d.Close()
		return err
	case <-ctx.Done():
		d.Close()
		return provider.Errf(provider.KindTimeout, Name, ctx.Err(), "waiting for session.created")
	case <-time.After(ackTimeout):
		d.Close()
		return provider.Errf(provider.KindTimeout, Name, nil, "no session.created within %s", ackTimeout)
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	Transcription     *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection     map[string]any `json:"turn_detection,omitempty"`
	Tools             []oaiTool      `json:"tools"`
	ToolChoice        string         `json:"tool_choice,omitempty"`
	MaxOutputTokens   any            `json:"max_response_output_tokens,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// response.function_call_arguments.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.*
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// Configure pushes the full session parameters and waits for the
// provider's session.updated acknowledgement.
func (d *Driver) Configure(ctx context.Context) error {
	vad := d.cfg.VAD
	if vad == (provider.VADConfig{}) {
		vad = provider.DefaultVAD()
	}

	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Instructions:      d.cfg.Instructions,
		Voice:             d.cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Transcription:     &transcription{Model: "whisper-1"},
		TurnDetection: map[string]any{
			"type":                "server_vad",
			"threshold":           vad.Threshold,
			"prefix_padding_ms":   vad.PrefixPaddingMs,
			"silence_duration_ms": vad.SilenceMs,
		},
		Tools:      toOAITools(d.cfg.Tools),
		ToolChoice: "auto",
	}
	if d.cfg.MaxOutputTokens > 0 {
		params.MaxOutputTokens = d.cfg.MaxOutputTokens
	}

	if err := d.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params}); err != nil {
		return provider.Errf(provider.KindTransportClosed, Name, err, "session.update")
	}

	select {
	case <-d.updatedCh:
		d.logger.Debug("session configured", "tools", len(d.cfg.Tools), "voice", d.cfg.Voice)
		return nil
	case err := <-d.fatalCh:
		return err
	case <-ctx.Done():
		return provider.Errf(provider.KindTimeout, Name, ctx.Err(), "waiting for session.updated")
	case <-time.After(ackTimeout):
		return provider.Errf(provider.KindTimeout, Name, nil, "no session.updated within %s", ackTimeout)
	}
}

// SendAudio delivers one PCM16 chunk to the input audio buffer.
func (d *Driver) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	err := d.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return provider.Errf(provider.KindTransportClosed, Name, err, "input_audio_buffer.append")
	}
	return nil
}

// SendText injects a user text message and requests a response to it.
func (d *Driver) SendText(ctx context.Context, text string) error {
	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	}
	if err := d.writeJSON(msg); err != nil {
		return provider.Errf(provider.KindTransportClosed, Name, err, "conversation.item.create")
	}
	return d.RequestResponse(ctx, "")
}

// SendFunctionResult returns a tool's output for the given call id. It does
// not request a follow-up response; callers decide whether the tool result
// warrants one.
func (d *Driver) SendFunctionResult(ctx context.Context, name string, data any, callID string) error {
	output, err := json.Marshal(data)
	if err != nil {
		output = []byte(fmt.Sprintf(`{"error": %q}`, err.Error()))
	}
	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	}
	if err := d.writeJSON(msg); err != nil {
		return provider.Errf(provider.KindTransportClosed, Name, err, "function_call_output %s", name)
	}
	return nil
}

// RequestResponse asks the model to respond now. A non-empty instructions
// string replaces the utterance the model would otherwise produce.
func (d *Driver) RequestResponse(ctx context.Context, instructions string) error {
	msg := responseCreateMessage{Type: "response.create"}
	if instructions != "" {
		msg.Response = &responseParams{Instructions: instructions}
	}
	if err := d.writeJSON(msg); err != nil {
		return provider.Errf(provider.KindTransportClosed, Name, err, "response.create")
	}
	return nil
}

// Interrupt cancels the in-progress response.
func (d *Driver) Interrupt(ctx context.Context) error {
	if err := d.writeJSON(map[string]string{"type": "response.cancel"}); err != nil {
		return provider.Errf(provider.KindTransportClosed, Name, err, "response.cancel")
	}
	return nil
}

// Close terminates the session and closes the event channel. Idempotent.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		conn := d.conn
		d.mu.Unlock()

		d.cancel()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}
	})
	return nil
}

// ── receive loop ───────────────────────────────────────────────────────────────

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel and closes it on exit.
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

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		d.handleServerEvent(&evt)
	}
}

func (d *Driver) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		d.mu.Lock()
		select {
		case <-d.readyCh:
		default:
			close(d.readyCh)
		}
		d.mu.Unlock()

	case "session.updated":
		select {
		case d.updatedCh <- struct{}{}:
		default:
		}

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			return
		}
		d.emit(provider.Event{Type: provider.AudioDelta, Audio: audio})

	case "response.audio.done":
		d.emit(provider.Event{Type: provider.AudioDone})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		d.mu.Lock()
		d.txText += evt.Delta
		d.mu.Unlock()
		d.emit(provider.Event{Type: provider.TranscriptDelta, Text: evt.Delta})

	case "response.audio_transcript.done":
		d.mu.Lock()
		text := d.txText
		d.txText = ""
		d.mu.Unlock()
		if text != "" {
			d.emit(provider.Event{Type: provider.TranscriptDone, Text: text})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			d.emit(provider.Event{Type: provider.UserTranscript, Text: evt.Transcript})
		}

	case "input_audio_buffer.speech_started":
		d.emit(provider.Event{Type: provider.SpeechStarted})

	case "input_audio_buffer.speech_stopped":
		d.emit(provider.Event{Type: provider.SpeechStopped})

	case "response.created":
		d.emit(provider.Event{Type: provider.ResponseStarted})

	case "response.done":
		d.emit(provider.Event{Type: provider.ResponseDone})

	case "response.function_call_arguments.delta":
		d.mu.Lock()
		d.fnArgs[evt.CallID] += evt.Delta
		if evt.Name != "" {
			d.fnNames[evt.CallID] = evt.Name
		}
		d.mu.Unlock()

	case "response.function_call_arguments.done":
		d.mu.Lock()
		args := evt.Arguments
		if args == "" {
			args = d.fnArgs[evt.CallID]
		}
		name := evt.Name
		if name == "" {
			name = d.fnNames[evt.CallID]
		}
		delete(d.fnArgs, evt.CallID)
		delete(d.fnNames, evt.CallID)
		d.mu.Unlock()
		d.emit(provider.Event{Type: provider.FunctionCall, Name: name, Args: args, CallID: evt.CallID})

	case "error":
		d.handleErrorEvent(evt)
	}
}

func (d *Driver) handleErrorEvent(evt *serverEvent) {
	msg, code := "unknown error", ""
	if evt.Error != nil {
		if evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		code = evt.Error.Code
	}

	if code == "rate_limit_exceeded" {
		d.logger.Warn("rate limited", "message", msg)
		d.emit(provider.Event{Type: provider.RateLimited, Reason: msg})
		d.fatal(&provider.Error{Kind: provider.KindRateLimited, Provider: Name, Message: msg})
		return
	}

	err := &provider.Error{Kind: provider.KindProtocol, Provider: Name, Message: fmt.Sprintf("%s (%s)", msg, code)}
	if code == "invalid_api_key" || code == "invalid_authentication" {
		err.Kind = provider.KindAuthFail
	}
	d.logger.Warn("provider error event", "code", code, "message", msg)
	d.emit(provider.Event{Type: provider.ErrorEvent, Err: err, Reason: msg})
	d.fatal(err)
}

// fatal records the first fatal error for Connect/Configure waiters.
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

// writeJSON marshals v and writes it as a text WebSocket message.
func (d *Driver) writeJSON(v any) error {
	d.mu.Lock()
	conn, closed := d.conn, d.closed
	d.mu.Unlock()
	if closed || conn == nil {
		return fmt.Errorf("openai: session closed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return conn.Write(d.ctx, websocket.MessageText, data)
}

// toOAITools converts provider tool definitions to the Realtime tool format.
func toOAITools(tools []provider.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}
