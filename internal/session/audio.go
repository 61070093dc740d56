package session

import (
	"context"
	"time"

	"github.com/vocero-ai/vocero/internal/calllog"
	"github.com/vocero-ai/vocero/pkg/audio"
	"github.com/vocero-ai/vocero/pkg/events"
	"github.com/vocero-ai/vocero/pkg/fsm"
)

// HandleAudioInput takes one raw PCM16 mono 16 kHz chunk from the switch,
// normalizes, resamples to the driver's input rate, and pushes it to the
// provider. Called from the WS reader goroutine.
func (s *Session) HandleAudioInput(ctx context.Context, pcm []byte) {
	if len(pcm) == 0 || !s.active.Load() {
		return
	}
	s.heart.MarkAudioReceived()
	s.heart.MarkWSActivity()

	s.mu.Lock()
	if s.inBytes == 0 {
		s.log.Event(calllog.EventAudioFirstIn, "")
	}
	s.inBytes += int64(len(pcm))
	drv := s.driver
	rs := s.inResample
	s.mu.Unlock()
	if drv == nil {
		return
	}

	out := audio.Normalize(pcm, audio.DefaultNormalizeConfig())
	if rs != nil && rs.SourceRate() != rs.TargetRate() {
		out = rs.Resample(out)
	}
	if len(out) == 0 {
		return
	}
	if err := drv.SendAudio(ctx, out); err != nil {
		s.logger.Warn("send audio to provider failed", "error", err)
	}
}

// HandleDTMF surfaces one DTMF digit on the bus.
func (s *Session) HandleDTMF(digit string) {
	s.heart.MarkWSActivity()
	s.bus.Emit(events.Event{Type: events.DTMFReceived, Data: map[string]any{"digit": digit}})
}

// HandleHangup is the switch-side hangup notification.
func (s *Session) HandleHangup() {
	s.log.Event(calllog.EventCallHangup, "switch")
	s.bus.Emit(events.Event{Type: events.CallHangup, Data: nil})
	s.Stop("hangup")
}

// deliverAudio resamples one provider audio delta to the switch rate and
// hands it to the current output hooks under the current generation.
func (s *Session) deliverAudio(pcm []byte) {
	gen := s.generation.Load()

	s.mu.Lock()
	rs := s.outResample
	out := s.out
	s.mu.Unlock()

	if rs != nil && rs.SourceRate() != rs.TargetRate() {
		pcm = rs.Resample(pcm)
	}
	if len(pcm) == 0 {
		return
	}

	if s.firstAudio.CompareAndSwap(false, true) {
		s.log.Event(calllog.EventAudioFirstOut, "")
		s.log.Observe("first_audio_ms", float64(time.Since(s.startedAt).Milliseconds()))
		s.bus.Emit(events.Event{Type: events.AudioFirstOutput, Data: nil})
	}

	s.mu.Lock()
	s.outBytes += int64(len(pcm))
	s.mu.Unlock()

	if out.Audio != nil {
		out.Audio(gen, pcm)
	}
	s.bus.Emit(events.Event{Type: events.AudioSent, Data: map[string]any{"bytes": len(pcm)}})
}

// flushAudio signals the end of one utterance to the sender.
func (s *Session) flushAudio() {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out.AudioDone != nil {
		out.AudioDone()
	}
	s.bus.Emit(events.Event{Type: events.AudioGenDone, Data: nil})
}

// bargeIn cancels the in-progress response: advance the generation so
// queued chunks are dropped, tell the switch to stop playback, and
// interrupt the provider. Debounced by the caller.
func (s *Session) bargeIn(ctx context.Context, reason string) {
	gen := s.AdvanceGeneration()
	s.machine.Trigger(fsm.AIStopSpeaking, map[string]any{"reason": reason})
	s.log.Event(calllog.EventBargeIn, reason)

	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out.Stop != nil {
		out.Stop(gen, reason)
	}
	if drv := s.currentDriver(); drv != nil {
		if err := drv.Interrupt(ctx); err != nil {
			s.logger.Debug("provider interrupt failed", "error", err)
		}
	}
	s.bus.Emit(events.Event{Type: events.BargeIn, Data: map[string]any{
		"reason": reason, "generation": gen,
	}})
}
