// Package session implements the per-call orchestrator. A Session owns one
// event bus, state machine, heartbeat supervisor, and provider driver, and
// bridges switch-side audio into the provider and provider events back out.
// The WebSocket layer talks to a Session through HandleAudioInput,
// SetOutput, and Stop; everything else happens on the Session's own task
// tree.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocero-ai/vocero/internal/calllog"
	"github.com/vocero-ai/vocero/internal/config"
	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/internal/resilience"
	"github.com/vocero-ai/vocero/internal/tools"
	"github.com/vocero-ai/vocero/pkg/audio"
	"github.com/vocero-ai/vocero/pkg/events"
	"github.com/vocero-ai/vocero/pkg/fsm"
	"github.com/vocero-ai/vocero/pkg/heartbeat"
	"github.com/vocero-ai/vocero/pkg/provider"
)

// switchSampleRate is the PCM16 rate of switch-side audio, both directions.
const switchSampleRate = 16000

// bargeInDebounce suppresses interrupts for speech spikes shorter than this.
const bargeInDebounce = 200 * time.Millisecond

// Role tags a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TranscriptEntry is one finalized utterance.
type TranscriptEntry struct {
	Role Role
	Text string
	At   time.Time
}

// Config is the immutable per-call session configuration.
type Config struct {
	CallID      string
	TenantID    string
	CallerID    string
	SecretaryID string

	Secretary *config.SecretaryConfig

	// Credentials maps provider name to the credentials used to dial it.
	// The secretary's primary and fallback providers must each have an
	// entry.
	Credentials map[string]config.ProviderCredentials

	// TransferRules enables the generated transfer tool and the handoff
	// flow. Nil disables transfers.
	TransferRules *config.TransferRules

	Defaults config.SessionDefaults

	// OutsideHours marks the call as arriving outside business hours; the
	// greeting is then replaced by OutsideHoursMessage and the agent is
	// steered toward taking a message.
	OutsideHours        bool
	OutsideHoursMessage string

	Providers *provider.Registry
	Uploader  *calllog.Uploader
	Metrics   *observe.Metrics
	Logger    *slog.Logger

	// Handoff is invoked by the transfer tools. Wired by the server layer
	// to the transfer manager. Nil disables transfers regardless of rules.
	Handoff func(ctx context.Context, req tools.HandoffRequest) error

	// ExtensionCheck resolves check_extension_available against the switch.
	ExtensionCheck func(ctx context.Context, extension string) (bool, error)

	// Hold and Unhold pause and resume the caller-side audio stream.
	Hold   func(ctx context.Context) error
	Unhold func(ctx context.Context) error

	// ExtraTools are registered alongside the built-in set. Used by the
	// transfer manager to expose accept_transfer / reject_transfer on the
	// auxiliary attendant session.
	ExtraTools []*tools.Tool
}

// Output carries the per-connection outbound hooks the WS layer wires in.
// Reconnects during a transfer replace the whole set via SetOutput.
type Output struct {
	// Audio delivers one resampled PCM16 chunk tagged with its playback
	// generation.
	Audio func(generation uint64, pcm []byte)

	// AudioDone signals the end of one utterance (flush sentinel).
	AudioDone func()

	// Stop tells the switch to discard queued playback (barge-in,
	// transfer). The new current generation is included.
	Stop func(generation uint64, reason string)
}

// Session is the per-call orchestrator.
type Session struct {
	cfg    Config
	logger *slog.Logger

	bus       *events.Bus
	machine   *fsm.Machine
	heart     *heartbeat.Supervisor
	registry  *tools.Registry
	log       *calllog.Log
	chain     *resilience.DriverChain
	startedAt time.Time

	generation atomic.Uint64
	firstAudio atomic.Bool
	active     atomic.Bool

	mu           sync.Mutex
	driver       provider.Driver
	out          Output
	inResample   *audio.Resampler
	outResample  *audio.Resampler
	transcript   []TranscriptEntry
	userTurns    int
	agentTurns   int
	silenceTries int
	outcome      string
	inBytes      int64
	outBytes     int64

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a session. The driver is not dialed until Start.
func New(cfg Config) (*Session, error) {
	if cfg.Secretary == nil {
		return nil, fmt.Errorf("session: secretary config is required")
	}
	if cfg.CallID == "" || cfg.TenantID == "" {
		return nil, fmt.Errorf("session: call id and tenant id are required")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("session: provider registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "call_id", cfg.CallID, "tenant_id", cfg.TenantID)
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Session{
		cfg:     cfg,
		logger:  logger,
		bus:     events.New(logger),
		machine: fsm.New(logger),
		log:     calllog.New(cfg.CallID, cfg.TenantID, cfg.SecretaryID, cfg.CallerID),
		done:    make(chan struct{}),
	}
	s.heart = heartbeat.New(s.bus, heartbeat.Config{}, logger)
	s.registry = tools.NewRegistry()

	s.machine.SetGuard(fsm.RequestTransfer, func(_ fsm.Trigger, data map[string]any) bool {
		dest, _ := data["destination"].(string)
		caller, _ := data["caller_name"].(string)
		return dest != "" && caller != ""
	})
	s.machine.OnChange(func(tr fsm.Transition, data map[string]any) {
		s.bus.Emit(events.Event{Type: events.StateChanged, Data: map[string]any{
			"from": string(tr.From), "to": string(tr.To), "trigger": string(tr.Trigger),
		}})
	})

	if err := s.registerTools(); err != nil {
		return nil, err
	}
	return s, nil
}

// Bus exposes the call's event bus to the transfer manager and WS layer.
func (s *Session) Bus() *events.Bus { return s.bus }

// Machine exposes the lifecycle state machine.
func (s *Session) Machine() *fsm.Machine { return s.machine }

// Heartbeat exposes the supervisor, used for transfer timeout scopes.
func (s *Session) Heartbeat() *heartbeat.Supervisor { return s.heart }

// CallLog exposes the timeline logger.
func (s *Session) CallLog() *calllog.Log { return s.log }

// Generation returns the current playback generation.
func (s *Session) Generation() uint64 { return s.generation.Load() }

// AdvanceGeneration invalidates all queued outbound audio and returns the
// new generation.
func (s *Session) AdvanceGeneration() uint64 { return s.generation.Add(1) }

// Active reports whether the session is running and has not been stopped.
func (s *Session) Active() bool { return s.active.Load() }

// Done is closed when the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// SetOutput installs the outbound hooks for the current WS connection.
func (s *Session) SetOutput(out Output) {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
}

// Outcome returns the call outcome recorded so far ("hangup",
// "message_taken", "transferred", ...). Empty until set.
func (s *Session) Outcome() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// SetOutcome records the call outcome. First writer wins.
func (s *Session) SetOutcome(outcome string) {
	s.mu.Lock()
	if s.outcome == "" {
		s.outcome = outcome
	}
	s.mu.Unlock()
}

// Transcript returns a copy of the finalized utterances so far.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Start dials the provider chain, configures the driver, and launches the
// session task tree. It returns once the provider is ready and the greeting
// has been requested.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.startedAt = time.Now()
	s.machine.Trigger(fsm.Connect, nil)
	s.log.Event(calllog.EventSessionStart, s.cfg.CallerID)
	s.cfg.Metrics.ActiveSessions.Add(ctx, 1)

	drv, name, err := s.dialChain(ctx)
	if err != nil {
		// Failed dials still leave a call report so the webhook consumer
		// sees the attempt.
		s.stopOnce.Do(func() {
			s.machine.Trigger(fsm.ForceEnd, map[string]any{"reason": "provider_dial_failed"})
			s.log.Event(calllog.EventSessionEnd, "provider_dial_failed")
			s.log.SetFinalState(string(fsm.Ended))
			s.SetOutcome("service_unavailable")
			s.log.SetOutcome("service_unavailable")
			cancel()

			bg := context.WithoutCancel(ctx)
			s.cfg.Metrics.ActiveSessions.Add(bg, -1)
			s.cfg.Metrics.RecordCall(bg, s.cfg.TenantID, s.chainName(), "service_unavailable")
			if s.cfg.Uploader.Enabled() {
				s.cfg.Uploader.UploadReport(s.log.Snapshot())
			}
			close(s.done)
		})
		return fmt.Errorf("session: provider dial: %w", err)
	}
	s.installDriver(drv, name)
	s.machine.Trigger(fsm.ConnectOK, nil)
	s.log.Event(calllog.EventProviderConnected, name)
	s.bus.Emit(events.Event{Type: events.ProviderConnected, Data: map[string]any{"provider": name}})

	s.machine.Trigger(fsm.SessionReady, nil)
	s.log.Event(calllog.EventSessionReady, "")
	s.active.Store(true)

	s.heart.Start(ctx)
	go s.providerLoop(ctx)
	go s.watchdogs(ctx)

	if err := s.requestGreeting(ctx); err != nil {
		s.logger.Warn("greeting request failed", "error", err)
	}
	return nil
}

// dialChain builds the failover chain from the secretary's primary and
// fallback providers and dials the first healthy one. Each dial attempt
// connects and configures before the driver counts as live.
func (s *Session) dialChain(ctx context.Context) (provider.Driver, string, error) {
	s.chain = resilience.NewDriverChain(s.logger, resilience.BreakerConfig{})

	names := append([]string{s.cfg.Secretary.Provider}, s.cfg.Secretary.Fallbacks...)
	for _, name := range names {
		creds, ok := s.cfg.Credentials[name]
		if !ok {
			s.logger.Warn("no credentials for provider, skipping", "provider", name)
			continue
		}
		name := name
		s.chain.Add(name, func(ctx context.Context) (provider.Driver, error) {
			return s.dialOne(ctx, name, creds)
		})
	}
	return s.chain.Dial(ctx)
}

func (s *Session) dialOne(ctx context.Context, name string, creds config.ProviderCredentials) (provider.Driver, error) {
	sec := s.cfg.Secretary
	vad := provider.DefaultVAD()
	if sec.VADThreshold > 0 {
		vad.Threshold = sec.VADThreshold
	}
	if sec.VADSilenceMs > 0 {
		vad.SilenceMs = sec.VADSilenceMs
	}
	if sec.VADPrefixMs > 0 {
		vad.PrefixPaddingMs = sec.VADPrefixMs
	}

	drv, err := s.cfg.Providers.New(name, provider.Config{
		APIKey:          creds.APIKey,
		Model:           creds.Model,
		AgentID:         creds.AgentID,
		BaseURL:         creds.BaseURL,
		Instructions:    BuildPrompt(sec, s.cfg.TransferRules),
		Voice:           sec.Voice,
		Language:        sec.Language,
		Greeting:        s.greetingText(),
		Tools:           s.registry.Definitions(),
		VAD:             vad,
		MaxOutputTokens: sec.MaxOutputTokens,
		Logger:          s.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := drv.Connect(ctx); err != nil {
		drv.Close()
		return nil, err
	}
	if err := drv.Configure(ctx); err != nil {
		drv.Close()
		return nil, err
	}
	return drv, nil
}

// installDriver swaps the live driver and rebuilds both resamplers for its
// rates. Compare-and-set semantics: the caller owns the old driver.
func (s *Session) installDriver(drv provider.Driver, name string) {
	s.mu.Lock()
	s.driver = drv
	s.inResample = audio.NewResampler(switchSampleRate, drv.InputSampleRate())
	s.outResample = audio.NewResampler(drv.OutputSampleRate(), switchSampleRate)
	s.mu.Unlock()
	s.log.SetProvider(name)
}

func (s *Session) currentDriver() provider.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

// greetingText picks the configured greeting, replaced by the out-of-hours
// message when the call arrived outside business hours.
func (s *Session) greetingText() string {
	if s.cfg.OutsideHours {
		if s.cfg.OutsideHoursMessage != "" {
			return s.cfg.OutsideHoursMessage
		}
		if s.cfg.Secretary.OutOfHoursGreeting != "" {
			return s.cfg.Secretary.OutOfHoursGreeting
		}
	}
	return s.cfg.Secretary.Greeting
}

// requestGreeting asks the provider for the opening utterance. Providers
// with a native first message (ElevenLabs) already have it from Config; the
// instruction override covers the rest.
func (s *Session) requestGreeting(ctx context.Context) error {
	greeting := s.greetingText()
	if greeting == "" {
		return nil
	}
	drv := s.currentDriver()
	if drv == nil {
		return nil
	}
	return drv.RequestResponse(ctx, greeting)
}

// RequestUtterance asks the provider to speak now, optionally with an
// instruction that replaces the utterance wholesale. Used by the transfer
// manager when handing the conversation back after a rejected transfer.
func (s *Session) RequestUtterance(ctx context.Context, instruction string) error {
	drv := s.currentDriver()
	if drv == nil {
		return fmt.Errorf("session: no live driver")
	}
	return drv.RequestResponse(ctx, instruction)
}

// Stop ends the session: provider closed, heartbeat stopped, final log
// uploaded. Idempotent; safe from any goroutine.
func (s *Session) Stop(reason string) {
	s.stopOnce.Do(func() {
		s.active.Store(false)
		s.logger.Info("session stopping", "reason", reason)

		if s.machine.CanTrigger(fsm.EndCall) {
			s.machine.Trigger(fsm.EndCall, map[string]any{"reason": reason})
			s.machine.Trigger(fsm.Finished, nil)
		} else {
			s.machine.Trigger(fsm.ForceEnd, map[string]any{"reason": reason})
		}
		s.log.Event(calllog.EventSessionEnd, reason)
		s.log.SetFinalState(string(s.machine.State()))

		s.heart.Stop()
		if drv := s.currentDriver(); drv != nil {
			drv.Close()
		}
		if s.cancel != nil {
			s.cancel()
		}

		s.mu.Lock()
		outcome := s.outcome
		if outcome == "" {
			outcome = "hangup"
			s.outcome = outcome
		}
		inBytes, outBytes := s.inBytes, s.outBytes
		s.mu.Unlock()
		s.log.SetOutcome(outcome)

		ctx := context.Background()
		s.cfg.Metrics.ActiveSessions.Add(ctx, -1)
		s.cfg.Metrics.RecordCall(ctx, s.cfg.TenantID, s.chainName(), outcome)
		s.cfg.Metrics.RecordAudio(ctx, s.cfg.TenantID, "in", int(inBytes))
		s.cfg.Metrics.RecordAudio(ctx, s.cfg.TenantID, "out", int(outBytes))

		if s.cfg.Uploader.Enabled() {
			s.cfg.Uploader.UploadReport(s.log.Snapshot())
		}
		s.bus.Emit(events.Event{Type: events.CallEnded, Data: map[string]any{"reason": reason}})
		close(s.done)
	})
}

func (s *Session) chainName() string {
	if s.chain == nil {
		return ""
	}
	return s.chain.Current()
}

// watchdogs enforces max call duration.
func (s *Session) watchdogs(ctx context.Context) {
	maxDur := s.cfg.Secretary.MaxDuration
	if maxDur <= 0 {
		maxDur = s.cfg.Defaults.MaxDuration
	}
	if maxDur <= 0 {
		return
	}
	timer := time.NewTimer(maxDur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		s.logger.Warn("max call duration reached", "limit", maxDur)
		s.Stop("max_duration")
	}
}

func (s *Session) maxTurns() int {
	if s.cfg.Secretary.MaxTurns > 0 {
		return s.cfg.Secretary.MaxTurns
	}
	return s.cfg.Defaults.MaxTurns
}

func (s *Session) messageHangupDelay() time.Duration {
	if s.cfg.Secretary.MessageHangupDelay > 0 {
		return s.cfg.Secretary.MessageHangupDelay
	}
	if s.cfg.Defaults.MessageHangupDelay > 0 {
		return s.cfg.Defaults.MessageHangupDelay
	}
	return 10 * time.Second
}
