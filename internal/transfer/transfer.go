// Package transfer implements the attended call-transfer flow: resolve the
// spoken destination, pause the caller leg, originate and announce to the
// attendant through a second provider session, and either bridge the legs
// or resume the caller with an explanation.
//
// A Manager is a child of one call's Session and never outlives it; Run is
// invoked from the transfer tool handler and blocks until the attempt
// settles.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vocero-ai/vocero/internal/calllog"
	"github.com/vocero-ai/vocero/internal/config"
	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/internal/session"
	"github.com/vocero-ai/vocero/internal/switchctl"
	"github.com/vocero-ai/vocero/internal/tools"
	"github.com/vocero-ai/vocero/pkg/events"
	"github.com/vocero-ai/vocero/pkg/fsm"
	"github.com/vocero-ai/vocero/pkg/provider"
)

// Result classifies how a transfer attempt settled.
type Result string

const (
	ResultAccepted Result = "accepted"
	ResultRejected Result = "rejected"
	ResultTimeout  Result = "timeout"
	ResultFailed   Result = "failed"
	ResultCanceled Result = "canceled"
)

const existsPollInterval = 250 * time.Millisecond

// Config wires a Manager to its call.
type Config struct {
	Control switchctl.Control

	// Session is the caller-leg session the transfer belongs to.
	Session *session.Session

	// CallUUID is the caller-leg channel uuid on the switch.
	CallUUID    string
	CallerID    string
	TenantID    string
	SecretaryID string

	Secretary   *config.SecretaryConfig
	Credentials map[string]config.ProviderCredentials
	Rules       *config.TransferRules
	Defaults    config.SessionDefaults
	Settings    config.TransferConfig

	Providers *provider.Registry
	Metrics   *observe.Metrics
	Logger    *slog.Logger

	// DialPrefix is prepended to external numbers when originating.
	DialPrefix string

	// StreamBase is the externally reachable base URL of the WS bridge,
	// used to point the attendant leg's audio stream back at this process.
	StreamBase string

	// RegisterAux and UnregisterAux expose the attendant session to the WS
	// server so the switch's b-leg stream connection attaches to it by
	// channel uuid.
	RegisterAux   func(callUUID string, s *session.Session)
	UnregisterAux func(callUUID string)

	// PendingBytes reports the outbound stream queue occupancy for one
	// leg's connection, keyed by channel uuid. Used by the speech drains.
	PendingBytes func(callUUID string) int

	// Now is replaceable in tests.
	Now func() time.Time
}

// Manager runs one transfer attempt.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	acceptCh chan struct{}
	rejectCh chan string

	mu          sync.Mutex
	bUUID       string
	aux         *session.Session
	rejectCount int

	teardownOnce sync.Once
}

// New validates the wiring and builds a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Control == nil {
		return nil, fmt.Errorf("transfer: switch control is required")
	}
	if cfg.Session == nil || cfg.CallUUID == "" {
		return nil, fmt.Errorf("transfer: session and call uuid are required")
	}
	if cfg.Rules == nil || len(cfg.Rules.Destinations) == 0 {
		return nil, fmt.Errorf("transfer: no destinations configured")
	}
	if cfg.Secretary == nil || cfg.Providers == nil {
		return nil, fmt.Errorf("transfer: secretary config and provider registry are required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Settings.OriginateTimeout <= 0 {
		cfg.Settings.OriginateTimeout = 30 * time.Second
	}
	if cfg.Settings.DecisionTimeout <= 0 {
		cfg.Settings.DecisionTimeout = 45 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "transfer", "call_id", cfg.CallUUID),
		now:      now,
		acceptCh: make(chan struct{}, 1),
		rejectCh: make(chan string, 1),
	}, nil
}

// Run executes one transfer attempt end to end. It blocks until the
// attempt settles and returns nil only when the legs were bridged (or the
// blind transfer was issued).
func (m *Manager) Run(ctx context.Context, req tools.HandoffRequest) error {
	sess := m.cfg.Session
	start := m.now()

	dest, err := Resolve(m.cfg.Rules, req.Destination, start)
	if err != nil {
		return m.failEarly(ctx, start, req, err)
	}
	m.logger.Info("transfer resolved", "requested", req.Destination, "destination", dest.Name)

	if !m.cfg.Rules.Announced {
		return m.blind(ctx, start, dest)
	}

	sess.Machine().Trigger(fsm.TransferValid, map[string]any{"destination": dest.Name})

	// Let the in-flight filler reach the caller before the leg goes quiet.
	m.callerDrainer().Wait(ctx)
	sess.AdvanceGeneration()
	if err := m.cfg.Control.AudioStream(ctx, m.cfg.CallUUID, switchctl.StreamPause, "", switchctl.Rate16k); err != nil {
		m.logger.Warn("pause caller stream failed", "error", err)
	}

	bUUID, err := m.originate(ctx, dest, req)
	if err != nil {
		return m.abort(ctx, start, dest, ResultFailed, err)
	}
	m.mu.Lock()
	m.bUUID = bUUID
	m.mu.Unlock()

	evCh, cancelSub := m.cfg.Control.Subscribe("CHANNEL_ANSWER", "CHANNEL_HANGUP")
	defer cancelSub()

	if err := m.waitForLeg(ctx, bUUID, evCh); err != nil {
		m.teardownB(ctx)
		if ctx.Err() != nil || !sess.Active() {
			return m.canceled(ctx, start, err)
		}
		return m.abort(ctx, start, dest, ResultFailed, err)
	}

	sess.Machine().Trigger(fsm.TransferRinging, nil)
	sess.CallLog().Event(calllog.EventTransferRinging, dest.Name)
	sess.Bus().Emit(events.Event{Type: events.TransferRinging, Data: map[string]any{
		"destination": dest.Name, "b_leg": bUUID,
	}})

	aux, err := m.startAux(ctx, dest, req, bUUID)
	if err != nil {
		m.teardownB(ctx)
		return m.abort(ctx, start, dest, ResultFailed, err)
	}

	res, cause := m.decide(ctx, aux, evCh, bUUID)
	switch res {
	case ResultAccepted:
		return m.complete(ctx, start, dest, bUUID)
	case ResultCanceled:
		m.teardownB(ctx)
		return m.canceled(ctx, start, cause)
	default:
		return m.abort(ctx, start, dest, res, cause)
	}
}

// ── phases ──

// originate dials the attendant leg parked, with the original caller's id
// and hangup_after_bridge so the switch propagates hangups once bridged.
// Origination variables ride in the dial string, so the timeout argument
// stays zero.
func (m *Manager) originate(ctx context.Context, dest *config.TransferDestination, req tools.HandoffRequest) (string, error) {
	dial := fmt.Sprintf(
		"{origination_caller_id_number=%s,origination_caller_id_name=%s,originate_timeout=%d,hangup_after_bridge=true,ignore_early_media=true}%s",
		m.cfg.CallerID, m.cfg.CallerID,
		int(m.cfg.Settings.OriginateTimeout.Seconds()),
		DialString(dest, m.cfg.DialPrefix),
	)
	uuid, err := m.cfg.Control.Originate(ctx, dial, "&park()", 0)
	if err != nil {
		return "", fmt.Errorf("transfer: originate %s: %w", dest.Name, err)
	}
	return uuid, nil
}

// waitForLeg polls for the attendant channel up to the originate timeout,
// aborting early when the caller hangs up.
func (m *Manager) waitForLeg(ctx context.Context, bUUID string, evCh <-chan switchctl.Event) error {
	sess := m.cfg.Session
	scoped, cancel := sess.Heartbeat().TimeoutScope(ctx, "transfer_originate", m.cfg.Settings.OriginateTimeout)
	defer cancel()

	ticker := time.NewTicker(existsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			exists, err := m.cfg.Control.UUIDExists(scoped, bUUID)
			if err != nil {
				return fmt.Errorf("transfer: poll b-leg: %w", err)
			}
			if exists {
				return nil
			}
		case ev, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			if ev.Name == "CHANNEL_HANGUP" && ev.UUID == m.cfg.CallUUID {
				return fmt.Errorf("transfer: caller hung up while dialing")
			}
			if ev.Name == "CHANNEL_HANGUP" && ev.UUID == bUUID {
				return fmt.Errorf("transfer: attendant leg hung up while dialing")
			}
		case <-sess.Done():
			return fmt.Errorf("transfer: session ended while dialing")
		case <-scoped.Done():
			if scoped.Err() == context.DeadlineExceeded {
				return fmt.Errorf("transfer: no answer within %s", m.cfg.Settings.OriginateTimeout)
			}
			return scoped.Err()
		}
	}
}

// startAux builds and starts the attendant-facing session on the b-leg: a
// second provider driver primed with an announcement prompt and the
// accept/reject tools, fed by a second switch audio stream.
func (m *Manager) startAux(ctx context.Context, dest *config.TransferDestination, req tools.HandoffRequest, bUUID string) (*session.Session, error) {
	base := m.cfg.Secretary
	lang := base.Language
	sec := &config.SecretaryConfig{
		TenantID:     m.cfg.TenantID,
		SecretaryID:  m.cfg.SecretaryID,
		DisplayName:  base.DisplayName,
		Prompt:       announcementPrompt(dest, req, lang),
		Greeting:     announcementGreeting(req, lang),
		Provider:     base.Provider,
		Fallbacks:    base.Fallbacks,
		Voice:        base.Voice,
		Language:     lang,
		BargeIn:      true,
		VADThreshold: base.VADThreshold,
		VADSilenceMs: base.VADSilenceMs,
		VADPrefixMs:  base.VADPrefixMs,
	}

	aux, err := session.New(session.Config{
		CallID:      bUUID,
		TenantID:    m.cfg.TenantID,
		CallerID:    m.cfg.CallerID,
		SecretaryID: m.cfg.SecretaryID,
		Secretary:   sec,
		Credentials: m.cfg.Credentials,
		Defaults:    m.cfg.Defaults,
		Providers:   m.cfg.Providers,
		Metrics:     m.cfg.Metrics,
		Logger:      m.logger.With("leg", "b"),
		ExtraTools: []*tools.Tool{
			tools.AcceptTransfer(func() {
				select {
				case m.acceptCh <- struct{}{}:
				default:
				}
			}),
			tools.RejectTransfer(func(reason string) {
				select {
				case m.rejectCh <- reason:
				default:
				}
			}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: build attendant session: %w", err)
	}

	if m.cfg.RegisterAux != nil {
		m.cfg.RegisterAux(bUUID, aux)
	}
	if err := aux.Start(ctx); err != nil {
		if m.cfg.UnregisterAux != nil {
			m.cfg.UnregisterAux(bUUID)
		}
		return nil, fmt.Errorf("transfer: start attendant session: %w", err)
	}
	m.mu.Lock()
	m.aux = aux
	m.mu.Unlock()

	if m.cfg.StreamBase != "" {
		if err := m.cfg.Control.AudioStream(ctx, bUUID, switchctl.StreamStart, m.streamURL(bUUID), switchctl.Rate16k); err != nil {
			return nil, fmt.Errorf("transfer: start attendant stream: %w", err)
		}
	}
	return aux, nil
}

// decide waits for the attendant's verdict. The provider's accept/reject
// tool calls are cross-checked against what the attendant actually said:
// an accept while the transcript carries a refusal token flips to reject,
// and a reject with no refusal token (or a bare greeting) is ignored once
// and re-asked.
func (m *Manager) decide(ctx context.Context, aux *session.Session, evCh <-chan switchctl.Event, bUUID string) (Result, error) {
	sess := m.cfg.Session
	scoped, cancel := sess.Heartbeat().TimeoutScope(ctx, "transfer_decision", m.cfg.Settings.DecisionTimeout)
	defer cancel()

	for {
		select {
		case <-m.acceptCh:
			said := m.attendantSaid(aux)
			if ContainsRefusal(said) {
				m.logger.Info("accept overridden by refusal token", "transcript", said)
				return ResultRejected, fmt.Errorf("transfer: attendant refused")
			}
			m.markAnswered()
			return ResultAccepted, nil

		case reason := <-m.rejectCh:
			m.markAnswered()
			said := m.attendantSaid(aux)
			m.mu.Lock()
			first := m.rejectCount == 0
			m.rejectCount++
			m.mu.Unlock()
			// A greeting-looking transcript means the attendant was still
			// answering the phone, not the announcement, even when it also
			// carries a refusal-shaped word.
			if first && (ContainsGreeting(said) || !ContainsRefusal(said)) {
				m.logger.Info("reject looked premature, asking again",
					"reason", reason, "transcript", said)
				if err := aux.RequestUtterance(ctx, secondChancePrompt(m.cfg.Secretary.Language)); err != nil {
					return ResultRejected, fmt.Errorf("transfer: rejected: %s", reason)
				}
				continue
			}
			return ResultRejected, fmt.Errorf("transfer: rejected: %s", reason)

		case ev, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			switch {
			case ev.Name == "CHANNEL_ANSWER" && ev.UUID == bUUID:
				m.markAnswered()
			case ev.Name == "CHANNEL_HANGUP" && ev.UUID == bUUID:
				return ResultRejected, fmt.Errorf("transfer: attendant hung up")
			case ev.Name == "CHANNEL_HANGUP" && ev.UUID == m.cfg.CallUUID:
				return ResultCanceled, fmt.Errorf("transfer: caller hung up")
			}

		case <-aux.Done():
			return ResultFailed, fmt.Errorf("transfer: attendant session ended: %s", aux.Outcome())

		case <-sess.Done():
			return ResultCanceled, fmt.Errorf("transfer: session ended")

		case <-scoped.Done():
			if scoped.Err() == context.DeadlineExceeded {
				return ResultTimeout, fmt.Errorf("transfer: no decision within %s", m.cfg.Settings.DecisionTimeout)
			}
			return ResultCanceled, scoped.Err()
		}
	}
}

// ── outcomes ──

// complete bridges the legs. Queued attendant-side audio is dropped, both
// streams stop, and hangup_after_bridge takes over hangup propagation.
func (m *Manager) complete(ctx context.Context, start time.Time, dest *config.TransferDestination, bUUID string) error {
	sess := m.cfg.Session
	sess.Machine().Trigger(fsm.TransferAccept, nil)
	sess.AdvanceGeneration()

	if err := m.cfg.Control.AudioStream(ctx, m.cfg.CallUUID, switchctl.StreamStop, "", switchctl.Rate16k); err != nil {
		m.logger.Warn("stop caller stream failed", "error", err)
	}
	if err := m.cfg.Control.AudioStream(ctx, bUUID, switchctl.StreamStop, "", switchctl.Rate16k); err != nil {
		m.logger.Warn("stop attendant stream failed", "error", err)
	}
	m.closeAux("transfer_accepted")

	if err := m.cfg.Control.Bridge(ctx, m.cfg.CallUUID, bUUID); err != nil {
		m.killLeg(ctx, bUUID)
		return m.abort(ctx, start, dest, ResultFailed, fmt.Errorf("transfer: bridge: %w", err))
	}
	sess.Machine().Trigger(fsm.TransferBridged, nil)

	sess.CallLog().Event(calllog.EventTransferCompleted, dest.Name)
	sess.CallLog().Event(calllog.EventTransferResult, string(ResultAccepted))
	sess.Bus().Emit(events.Event{Type: events.TransferAccepted, Data: map[string]any{"destination": dest.Name}})
	sess.Bus().Emit(events.Event{Type: events.TransferCompleted, Data: map[string]any{"destination": dest.Name}})
	sess.SetOutcome("transferred")
	m.cfg.Metrics.RecordTransfer(ctx, m.cfg.TenantID, string(ResultAccepted), m.now().Sub(start).Seconds())
	m.logger.Info("transfer bridged", "destination", dest.Name, "b_leg", bUUID)
	return nil
}

// abort tears the attendant side down and returns the caller to listening
// with an explanation. Resume is attempted on the paused stream first; a
// fresh start reattaches through the server when resume fails.
func (m *Manager) abort(ctx context.Context, start time.Time, dest *config.TransferDestination, res Result, cause error) error {
	sess := m.cfg.Session
	m.farewellAttendant(ctx, res)
	m.teardownB(ctx)

	if sess.Active() {
		if err := m.cfg.Control.AudioStream(ctx, m.cfg.CallUUID, switchctl.StreamResume, "", switchctl.Rate16k); err != nil {
			m.logger.Warn("resume caller stream failed, starting fresh", "error", err)
			if err := m.cfg.Control.AudioStream(ctx, m.cfg.CallUUID, switchctl.StreamStart, m.streamURL(m.cfg.CallUUID), switchctl.Rate16k); err != nil {
				m.logger.Error("restart caller stream failed", "error", err)
			}
		}
	}

	sess.Machine().Trigger(fsm.TransferAbort, map[string]any{"result": string(res)})
	sess.CallLog().Event(calllog.EventTransferResult, string(res))
	sess.Bus().Emit(events.Event{Type: busType(res), Data: map[string]any{"cause": errString(cause)}})
	m.cfg.Metrics.RecordTransfer(ctx, m.cfg.TenantID, string(res), m.now().Sub(start).Seconds())

	if sess.Active() {
		if err := sess.RequestUtterance(ctx, resumeInstruction(m.cfg.Secretary.Language, dest, res)); err != nil {
			m.logger.Warn("resume utterance failed", "error", err)
		}
	}
	if cause == nil {
		cause = fmt.Errorf("transfer: %s", res)
	}
	m.logger.Info("transfer aborted", "result", res, "cause", cause)
	return cause
}

// canceled is the caller-hung-up path: nothing to resume, nothing to say.
func (m *Manager) canceled(ctx context.Context, start time.Time, cause error) error {
	sess := m.cfg.Session
	sess.CallLog().Event(calllog.EventTransferResult, string(ResultCanceled))
	m.cfg.Metrics.RecordTransfer(ctx, m.cfg.TenantID, string(ResultCanceled), m.now().Sub(start).Seconds())
	if cause == nil {
		cause = fmt.Errorf("transfer: canceled")
	}
	m.logger.Info("transfer canceled", "cause", cause)
	return cause
}

// failEarly handles resolution failures before anything touched the switch.
func (m *Manager) failEarly(ctx context.Context, start time.Time, req tools.HandoffRequest, cause error) error {
	sess := m.cfg.Session
	lang := m.cfg.Secretary.Language

	var closed *ErrDestinationClosed
	detail := "no_destination"
	instruction := noDestinationInstruction(lang, req.Destination)
	if errors.As(cause, &closed) {
		detail = "closed"
		instruction = closedInstruction(lang, closed)
	}

	sess.Machine().Trigger(fsm.TransferAbort, map[string]any{"result": detail})
	sess.CallLog().Event(calllog.EventTransferResult, detail)
	sess.Bus().Emit(events.Event{Type: events.TransferFailed, Data: map[string]any{"cause": errString(cause)}})
	m.cfg.Metrics.RecordTransfer(ctx, m.cfg.TenantID, detail, m.now().Sub(start).Seconds())

	if err := sess.RequestUtterance(ctx, instruction); err != nil {
		m.logger.Warn("resolution-failure utterance failed", "error", err)
	}
	return cause
}

// blind transfers the caller without an announcement.
func (m *Manager) blind(ctx context.Context, start time.Time, dest *config.TransferDestination) error {
	sess := m.cfg.Session
	sess.Machine().Trigger(fsm.TransferValid, map[string]any{"destination": dest.Name})
	m.callerDrainer().Wait(ctx)

	dialplanCtx := dest.Context
	if dialplanCtx == "" {
		dialplanCtx = "internal"
	}
	if err := m.cfg.Control.Transfer(ctx, m.cfg.CallUUID, dest.Number, "XML", dialplanCtx); err != nil {
		return m.abort(ctx, start, dest, ResultFailed, fmt.Errorf("transfer: blind: %w", err))
	}

	sess.CallLog().Event(calllog.EventTransferCompleted, dest.Name)
	sess.CallLog().Event(calllog.EventTransferResult, string(ResultAccepted))
	sess.Bus().Emit(events.Event{Type: events.TransferCompleted, Data: map[string]any{"destination": dest.Name}})
	sess.SetOutcome("transferred")
	m.cfg.Metrics.RecordTransfer(ctx, m.cfg.TenantID, string(ResultAccepted), m.now().Sub(start).Seconds())
	sess.Stop("transferred")
	return nil
}

// ── teardown ──

// farewellAttendant speaks the courtesy farewell to a live attendant and
// drains it before the leg is killed.
func (m *Manager) farewellAttendant(ctx context.Context, res Result) {
	if res == ResultCanceled || m.cfg.Settings.CourtesyFarewell == "" {
		return
	}
	m.mu.Lock()
	aux := m.aux
	m.mu.Unlock()
	if aux == nil || !aux.Active() {
		return
	}
	if err := aux.RequestUtterance(ctx, m.cfg.Settings.CourtesyFarewell); err != nil {
		m.logger.Debug("attendant farewell failed", "error", err)
		return
	}
	d := &Drainer{
		Bus:          aux.Bus(),
		PendingBytes: m.legPending(m.currentBUUID()),
		SampleRate:   16000,
		Logger:       m.logger,
	}
	d.Wait(ctx)
}

// teardownB kills the attendant leg and session. Idempotent; every failure
// branch funnels through here.
func (m *Manager) teardownB(ctx context.Context) {
	m.teardownOnce.Do(func() {
		m.mu.Lock()
		bUUID := m.bUUID
		aux := m.aux
		m.mu.Unlock()

		if bUUID == "" {
			return
		}
		// The call context may already be cancelled on the hangup paths.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := m.cfg.Control.AudioStream(ctx, bUUID, switchctl.StreamStop, "", switchctl.Rate16k); err != nil {
			m.logger.Debug("stop attendant stream failed", "error", err)
		}
		if aux != nil {
			aux.Stop("transfer_done")
		}
		if m.cfg.UnregisterAux != nil {
			m.cfg.UnregisterAux(bUUID)
		}
		m.killLeg(ctx, bUUID)
	})
}

func (m *Manager) killLeg(ctx context.Context, uuid string) {
	if exists, err := m.cfg.Control.UUIDExists(ctx, uuid); err != nil || !exists {
		return
	}
	if err := m.cfg.Control.Kill(ctx, uuid, "NORMAL_CLEARING"); err != nil {
		m.logger.Warn("kill attendant leg failed", "error", err)
	}
}

// closeAux stops the attendant session without killing the channel; used
// on accept, where the leg lives on inside the bridge.
func (m *Manager) closeAux(reason string) {
	m.teardownOnce.Do(func() {})
	m.mu.Lock()
	bUUID := m.bUUID
	aux := m.aux
	m.mu.Unlock()
	if aux != nil {
		aux.Stop(reason)
	}
	if m.cfg.UnregisterAux != nil && bUUID != "" {
		m.cfg.UnregisterAux(bUUID)
	}
}

// ── helpers ──

func (m *Manager) markAnswered() {
	sess := m.cfg.Session
	if !sess.Machine().Is(fsm.TransferringAnnouncing) {
		return
	}
	if sess.Machine().Trigger(fsm.TransferAnswered, nil) {
		sess.CallLog().Event(calllog.EventTransferAnswered, "")
		sess.Bus().Emit(events.Event{Type: events.TransferAnswered, Data: nil})
	}
}

// attendantSaid joins the attendant's recent utterances for the token
// safety checks. The attendant is the "user" of the auxiliary session.
func (m *Manager) attendantSaid(aux *session.Session) string {
	entries := aux.Transcript()
	var parts []string
	for _, e := range entries {
		if e.Role == session.RoleUser {
			parts = append(parts, e.Text)
		}
	}
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	return strings.Join(parts, " ")
}

func (m *Manager) callerDrainer() *Drainer {
	return &Drainer{
		Bus:          m.cfg.Session.Bus(),
		PendingBytes: m.legPending(m.cfg.CallUUID),
		SampleRate:   16000,
		Logger:       m.logger,
	}
}

// legPending adapts the uuid-keyed occupancy lookup to one leg.
func (m *Manager) legPending(uuid string) func() int {
	if m.cfg.PendingBytes == nil {
		return nil
	}
	return func() int { return m.cfg.PendingBytes(uuid) }
}

func (m *Manager) currentBUUID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bUUID
}

func (m *Manager) streamURL(uuid string) string {
	return fmt.Sprintf("%s/stream/%s/%s/%s",
		strings.TrimRight(m.cfg.StreamBase, "/"),
		m.cfg.SecretaryID, uuid, url.PathEscape(m.cfg.CallerID))
}

func busType(res Result) events.Type {
	switch res {
	case ResultRejected:
		return events.TransferRejected
	case ResultTimeout:
		return events.TransferTimeout
	default:
		return events.TransferFailed
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ── spoken text ──

func announcementGreeting(req tools.HandoffRequest, lang string) string {
	caller := req.CallerName
	if portuguese(lang) {
		if caller == "" {
			caller = "Uma pessoa"
		}
		if req.Reason != "" {
			return fmt.Sprintf("%s na linha sobre %s. Você pode atender agora?", caller, req.Reason)
		}
		return fmt.Sprintf("%s na linha. Você pode atender agora?", caller)
	}
	if caller == "" {
		caller = "Someone"
	}
	if req.Reason != "" {
		return fmt.Sprintf("%s on the line about %s. Can you take the call now?", caller, req.Reason)
	}
	return fmt.Sprintf("%s on the line. Can you take the call now?", caller)
}

func announcementPrompt(dest *config.TransferDestination, req tools.HandoffRequest, lang string) string {
	if portuguese(lang) {
		return fmt.Sprintf(
			"Você está anunciando uma transferência de chamada para %s. "+
				"O chamador é %s. Pergunte se a pessoa pode atender agora. "+
				"Se ela aceitar, chame accept_transfer. Se ela recusar ou não puder atender, chame reject_transfer. "+
				"Seja breve.",
			dest.Name, callerOr(req.CallerName, "desconhecido"))
	}
	return fmt.Sprintf(
		"You are announcing a call transfer to %s. The caller is %s. "+
			"Ask whether they can take the call now. If they accept, call accept_transfer. "+
			"If they decline or cannot take it, call reject_transfer. Be brief.",
		dest.Name, callerOr(req.CallerName, "unknown"))
}

func secondChancePrompt(lang string) string {
	if portuguese(lang) {
		return "Pergunte novamente: a pessoa pode atender a ligação agora, ou prefere que você anote um recado?"
	}
	return "Ask again: can they take this call now, or would they prefer you take a message?"
}

func resumeInstruction(lang string, dest *config.TransferDestination, res Result) string {
	name := ""
	if dest != nil {
		name = dest.Name
	}
	if portuguese(lang) {
		if res == ResultTimeout {
			return fmt.Sprintf("Informe que %s não atendeu no momento e ofereça anotar um recado.", nameOr(name, "o setor"))
		}
		return fmt.Sprintf("Informe que %s não pode atender agora e ofereça anotar um recado.", nameOr(name, "o setor"))
	}
	if res == ResultTimeout {
		return fmt.Sprintf("Tell the caller that %s did not answer and offer to take a message.", nameOr(name, "the destination"))
	}
	return fmt.Sprintf("Tell the caller that %s cannot take the call right now and offer to take a message.", nameOr(name, "the destination"))
}

func noDestinationInstruction(lang, requested string) string {
	if portuguese(lang) {
		return fmt.Sprintf("Informe que não encontrou o destino %q e pergunte para quem devemos transferir, ou ofereça anotar um recado.", requested)
	}
	return fmt.Sprintf("Tell the caller you could not find %q and ask who they want, or offer to take a message.", requested)
}

func closedInstruction(lang string, closed *ErrDestinationClosed) string {
	if closed.Message != "" {
		if portuguese(lang) {
			return fmt.Sprintf("Informe ao chamador: %s. Ofereça anotar um recado.", closed.Message)
		}
		return fmt.Sprintf("Tell the caller: %s. Offer to take a message.", closed.Message)
	}
	if portuguese(lang) {
		return fmt.Sprintf("Informe que %s está fora do horário de atendimento e ofereça anotar um recado.", closed.Name)
	}
	return fmt.Sprintf("Tell the caller that %s is outside business hours and offer to take a message.", closed.Name)
}

func portuguese(lang string) bool {
	return strings.HasPrefix(strings.ToLower(lang), "pt")
}

func callerOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
