// Package provider defines the realtime conversational-AI driver interface
// and the event stream drivers translate provider wire protocols into.
//
// A driver wraps one provider WebSocket session: it accepts raw PCM audio
// at its declared input rate, emits [Event] values (audio deltas,
// transcripts, speech markers, function calls) on a channel, and accepts
// text, function results, and interruption requests mid-session. Sessions
// are long-lived (the length of a phone call) and a driver instance serves
// exactly one session.
//
// All implementations must be safe for concurrent use: the session's
// provider reader consumes Events while the audio path calls SendAudio.
package provider

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// EventType tags the variant of an [Event].
type EventType string

const (
	AudioDelta      EventType = "audio_delta"      // Audio holds a PCM16 chunk
	AudioDone       EventType = "audio_done"       // utterance audio complete
	TranscriptDelta EventType = "transcript_delta" // Text holds a partial assistant transcript
	TranscriptDone  EventType = "transcript_done"  // Text holds the full assistant transcript
	UserTranscript  EventType = "user_transcript"  // Text holds a final user transcript
	SpeechStarted   EventType = "speech_started"   // provider VAD detected user speech
	SpeechStopped   EventType = "speech_stopped"
	ResponseStarted EventType = "response_started"
	ResponseDone    EventType = "response_done"
	FunctionCall    EventType = "function_call" // Name/Args/CallID are set
	RateLimited     EventType = "rate_limited"
	ErrorEvent      EventType = "error" // Err is set
	SessionEnded    EventType = "session_ended"
)

// Event is one provider-side occurrence, already decoded from the wire.
// Only the fields relevant to Type are populated.
type Event struct {
	Type   EventType
	Audio  []byte
	Text   string
	Name   string
	Args   string // raw JSON arguments of a function call
	CallID string
	Err    error
	Reason string
}

// ToolDefinition describes one function the model may invoke.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is the JSON-schema object describing the arguments.
	Parameters map[string]any
}

// VADConfig tunes provider-side voice activity detection.
type VADConfig struct {
	Threshold       float64
	PrefixPaddingMs int
	SilenceMs       int
}

// DefaultVAD returns the server-VAD tuning used when a secretary config
// does not override it.
func DefaultVAD() VADConfig {
	return VADConfig{Threshold: 0.5, PrefixPaddingMs: 300, SilenceMs: 500}
}

// Config is the immutable per-session driver configuration.
type Config struct {
	// APIKey authenticates against the provider.
	APIKey string

	// Model selects the provider model (OpenAI). Optional.
	Model string

	// AgentID selects a pre-provisioned agent (ElevenLabs). Optional.
	AgentID string

	// BaseURL overrides the provider endpoint, primarily for tests.
	BaseURL string

	// Instructions is the fully assembled system prompt.
	Instructions string

	// Voice is the provider voice id.
	Voice string

	// Language is a BCP-47-ish language hint ("pt-BR", "en").
	Language string

	// Greeting is the first utterance the agent opens with, where the
	// provider supports a first message natively.
	Greeting string

	// Tools is the function set offered to the model.
	Tools []ToolDefinition

	// VAD tunes turn detection. Zero value means [DefaultVAD].
	VAD VADConfig

	// MaxOutputTokens caps one response; zero means unlimited.
	MaxOutputTokens int

	Logger *slog.Logger
}

// Driver is the capability set every realtime provider implements.
type Driver interface {
	// Connect opens the provider WebSocket and returns once the
	// provider signals session readiness.
	Connect(ctx context.Context) error

	// Configure pushes prompt, voice, VAD, and tools, and waits for the
	// provider's acknowledgement where the protocol has one.
	Configure(ctx context.Context) error

	// SendAudio pushes one PCM16 chunk at [Driver.InputSampleRate].
	SendAudio(ctx context.Context, pcm []byte) error

	// SendText injects a user text message.
	SendText(ctx context.Context, text string) error

	// SendFunctionResult returns a tool's output for the given call id.
	SendFunctionResult(ctx context.Context, name string, data any, callID string) error

	// RequestResponse asks the model to produce a response now. A
	// non-empty instructions string replaces the next utterance wholesale.
	RequestResponse(ctx context.Context, instructions string) error

	// Interrupt cancels the in-progress response (barge-in).
	Interrupt(ctx context.Context) error

	// Events returns the decoded event stream. The channel is closed
	// when the session terminates.
	Events() <-chan Event

	// Close tears the session down. Idempotent.
	Close() error

	// InputSampleRate is the PCM rate SendAudio expects, in Hz.
	InputSampleRate() int

	// OutputSampleRate is the PCM rate of AudioDelta events, in Hz.
	OutputSampleRate() int

	// Name identifies the provider ("openai", "elevenlabs").
	Name() string
}

// Factory constructs a driver for one session.
type Factory func(cfg Config) (Driver, error)

// Registry maps provider names to factories. It is populated at startup
// and append-only afterwards, so lookups need no locking in practice; the
// mutex guards the init phase.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New constructs a driver for the named provider.
func (r *Registry) New(name string, cfg Config) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindConfig, Provider: name, Message: "unknown provider"}
	}
	return f(cfg)
}

// Known returns the registered provider names, sorted.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
