package session

import (
	"context"
	"time"

	"github.com/vocero-ai/vocero/internal/calllog"
	"github.com/vocero-ai/vocero/pkg/events"
	"github.com/vocero-ai/vocero/pkg/fsm"
	"github.com/vocero-ai/vocero/pkg/provider"
)

// providerLoop consumes the driver's event stream until the session ends.
// It survives a driver swap: a closed event channel is re-fetched from the
// current driver, so a failover is transparent to the loop.
func (s *Session) providerLoop(ctx context.Context) {
	silence := time.NewTimer(s.silenceTimeout())
	defer silence.Stop()

	var speechStarted time.Time
	var lastSpeechStop time.Time

	for {
		drv := s.currentDriver()
		if drv == nil {
			return
		}
		select {
		case <-ctx.Done():
			return

		case <-silence.C:
			if s.handleSilence(ctx) {
				silence.Reset(s.silenceTimeout())
			}

		case evt, ok := <-drv.Events():
			if !ok {
				// Channel closed under us. Either the session is stopping
				// or a failover installed a new driver.
				if !s.active.Load() {
					return
				}
				if s.currentDriver() == drv {
					s.Stop("provider_closed")
					return
				}
				continue
			}
			s.heart.MarkProviderResponse()

			switch evt.Type {
			case provider.AudioDelta:
				s.machine.Trigger(fsm.AIStartSpeaking, nil)
				s.deliverAudio(evt.Audio)

			case provider.AudioDone:
				s.flushAudio()

			case provider.TranscriptDone:
				s.recordTranscript(RoleAssistant, evt.Text)

			case provider.UserTranscript:
				s.recordTranscript(RoleUser, evt.Text)
				s.resetSilence(silence)
				if s.checkTurnCap() {
					return
				}

			case provider.SpeechStarted:
				speechStarted = time.Now()
				s.machine.Trigger(fsm.UserSpoke, nil)
				s.resetSilence(silence)
				s.bus.Emit(events.Event{Type: events.UserSpeechStarted, Data: nil})
				s.scheduleBargeIn(ctx)

			case provider.SpeechStopped:
				lastSpeechStop = time.Now()
				s.bus.Emit(events.Event{Type: events.UserSpeechStopped, Data: nil})
				if !speechStarted.IsZero() {
					s.log.Observe("user_speech_ms", float64(time.Since(speechStarted).Milliseconds()))
				}

			case provider.ResponseStarted:
				s.machine.Trigger(fsm.AIStartSpeaking, nil)
				s.bus.Emit(events.Event{Type: events.AudioGenStarted, Data: nil})
				if !lastSpeechStop.IsZero() {
					latency := time.Since(lastSpeechStop)
					s.heart.RecordLatency(latency)
					s.cfg.Metrics.ResponseLatency.Record(ctx, latency.Seconds())
					s.log.Observe("response_latency_ms", float64(latency.Milliseconds()))
				}

			case provider.ResponseDone:
				s.machine.Trigger(fsm.AIStopSpeaking, nil)
				s.mu.Lock()
				s.agentTurns++
				s.mu.Unlock()

			case provider.FunctionCall:
				go s.dispatchTool(ctx, drv, evt)

			case provider.RateLimited:
				s.handleProviderFailure(ctx, "rate_limited")

			case provider.ErrorEvent:
				s.logger.Error("provider error", "error", evt.Err)
				s.log.Event(calllog.EventProviderError, errString(evt.Err))
				s.bus.Emit(events.Event{Type: events.ProviderError, Data: map[string]any{
					"error": errString(evt.Err),
				}})
				if provider.Retryable(evt.Err) {
					s.handleProviderFailure(ctx, errString(evt.Err))
				}

			case provider.SessionEnded:
				s.logger.Info("provider ended session", "reason", evt.Reason)
				s.Stop("provider_ended")
				return
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// scheduleBargeIn arms a debounced interrupt: the provider must still be
// speaking when the debounce window elapses, so short noise spikes do not
// cut the agent off.
func (s *Session) scheduleBargeIn(ctx context.Context) {
	if !s.cfg.Secretary.BargeIn || !s.machine.Is(fsm.Speaking, fsm.Processing) {
		return
	}
	time.AfterFunc(bargeInDebounce, func() {
		if !s.active.Load() || !s.machine.Is(fsm.Speaking, fsm.Processing) {
			return
		}
		s.bargeIn(ctx, "user_speech")
	})
}

// recordTranscript appends one finalized utterance and bumps the matching
// turn counter.
func (s *Session) recordTranscript(role Role, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, TranscriptEntry{Role: role, Text: text, At: time.Now()})
	if role == RoleUser {
		s.userTurns++
	}
	s.mu.Unlock()

	switch role {
	case RoleUser:
		s.log.Event(calllog.EventTranscriptUser, text)
		s.bus.Emit(events.Event{Type: events.UserTranscript, Data: map[string]any{"text": text}})
	case RoleAssistant:
		s.log.Event(calllog.EventTranscriptAgent, text)
		s.bus.Emit(events.Event{Type: events.AgentTranscript, Data: map[string]any{"text": text}})
	}
}

// checkTurnCap ends the call once the user turn budget is spent. Returns
// true when the session was stopped.
func (s *Session) checkTurnCap() bool {
	max := s.maxTurns()
	if max <= 0 {
		return false
	}
	s.mu.Lock()
	turns := s.userTurns
	s.mu.Unlock()
	if turns < max {
		return false
	}
	s.logger.Info("max turns reached", "turns", turns)
	s.Stop("max_turns")
	return true
}

func (s *Session) silenceTimeout() time.Duration {
	if s.cfg.Defaults.SilenceTimeout > 0 {
		return s.cfg.Defaults.SilenceTimeout
	}
	return 20 * time.Second
}

func (s *Session) resetSilence(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(s.silenceTimeout())
	s.mu.Lock()
	s.silenceTries = 0
	s.mu.Unlock()
}

// handleSilence fires the silence fallback: reprompt up to the retry cap,
// then end the call. Returns true when the loop should re-arm the timer.
func (s *Session) handleSilence(ctx context.Context) bool {
	if !s.active.Load() || s.machine.InTransfer() || s.machine.Is(fsm.OnHold) {
		return true
	}
	s.mu.Lock()
	s.silenceTries++
	tries := s.silenceTries
	s.mu.Unlock()

	retries := s.cfg.Defaults.SilenceRetries
	if retries <= 0 {
		retries = 2
	}
	if tries > retries {
		s.logger.Info("caller silent beyond retries, ending call", "tries", tries)
		s.Stop("silence")
		return false
	}

	s.logger.Debug("silence fallback reprompt", "attempt", tries)
	drv := s.currentDriver()
	if drv != nil {
		if err := drv.RequestResponse(ctx, silenceReprompt(s.cfg.Secretary.Language)); err != nil {
			s.logger.Warn("silence reprompt failed", "error", err)
		}
	}
	return true
}

// handleProviderFailure swaps to the next provider in the chain when the
// failure is a failover candidate and no audio has reached the caller yet;
// after first audio the swap would be audible, so the error only logs.
func (s *Session) handleProviderFailure(ctx context.Context, cause string) {
	if s.firstAudio.Load() {
		s.logger.Warn("provider failure after first audio, no failover", "cause", cause)
		return
	}
	old := s.currentDriver()
	drv, name, err := s.chain.Failover(ctx)
	if err != nil {
		s.logger.Error("provider failover exhausted", "cause", cause, "error", err)
		s.Stop("provider_failed")
		return
	}

	s.installDriver(drv, name)
	if old != nil {
		old.Close()
	}
	s.cfg.Metrics.Failovers.Add(ctx, 1)
	s.log.Event(calllog.EventProviderFailover, name)
	s.bus.Emit(events.Event{Type: events.ProviderConnected, Data: map[string]any{
		"provider": name, "failover": true,
	}})
	s.logger.Info("provider failover complete", "provider", name, "cause", cause)

	if err := s.requestGreeting(ctx); err != nil {
		s.logger.Warn("greeting request after failover failed", "error", err)
	}
}
