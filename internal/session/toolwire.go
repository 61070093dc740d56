package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vocero-ai/vocero/internal/calllog"
	"github.com/vocero-ai/vocero/internal/tools"
	"github.com/vocero-ai/vocero/pkg/events"
	"github.com/vocero-ai/vocero/pkg/fsm"
	"github.com/vocero-ai/vocero/pkg/provider"
)

// endCallDelay lets the farewell drain before the session stops after an
// end_call tool invocation.
const endCallDelay = 5 * time.Second

// registerTools wires the built-in tool set into the session's registry.
func (s *Session) registerTools() error {
	deps := tools.Deps{
		EndCall: func(reason string) {
			s.log.Event(calllog.EventToolDone, "end_call")
			s.delayedStop("function_end", endCallDelay)
		},
		Handoff:          s.startHandoff,
		TakeMessage:      s.takeMessage,
		Hold:             s.holdCall,
		Unhold:           s.unholdCall,
		CheckExtension:   s.checkExtension,
		ScheduleCallback: s.scheduleCallback,
	}
	if info := s.cfg.Secretary.BusinessInfo; info != "" {
		deps.BusinessInfo = func() string { return info }
	}

	for _, t := range tools.Builtin(deps) {
		if err := s.registry.Register(t); err != nil {
			return fmt.Errorf("session: register tools: %w", err)
		}
	}
	if s.cfg.Handoff != nil {
		if t := tools.TransferCall(s.cfg.TransferRules, deps); t != nil {
			if err := s.registry.Register(t); err != nil {
				return fmt.Errorf("session: register tools: %w", err)
			}
		}
	}
	for _, t := range s.cfg.ExtraTools {
		if err := s.registry.Register(t); err != nil {
			return fmt.Errorf("session: register tools: %w", err)
		}
	}
	return nil
}

// dispatchTool validates, executes, and answers one provider function call.
func (s *Session) dispatchTool(ctx context.Context, drv provider.Driver, evt provider.Event) {
	s.log.Event(calllog.EventToolStart, evt.Name)
	s.bus.Emit(events.Event{Type: events.FunctionCallStarted, Data: map[string]any{
		"name": evt.Name, "call_id": evt.CallID,
	}})

	// Speak a filler while slow tools run so the caller never hears dead
	// air. The filler is replaced, not queued, when the tool finishes fast.
	if t, ok := s.registry.Get(evt.Name); ok && len(t.Fillers) > 0 {
		if err := drv.RequestResponse(ctx, t.Fillers[0]); err != nil {
			s.logger.Debug("filler request failed", "tool", evt.Name, "error", err)
		}
	}

	started := time.Now()
	res := s.registry.Dispatch(ctx, evt.Name, evt.CallID, evt.Args)

	status := "ok"
	if !res.Success {
		status = "error"
	}
	s.cfg.Metrics.RecordToolCall(ctx, evt.Name, status)

	output, err := json.Marshal(res)
	if err != nil {
		output = []byte(fmt.Sprintf("{%q:%q}", "error", err))
	}
	s.log.Tool(evt.Name, evt.CallID, started, evt.Args, string(output), res.Error)
	s.log.Event(calllog.EventToolDone, evt.Name)

	if err := drv.SendFunctionResult(ctx, evt.Name, res, evt.CallID); err != nil {
		s.logger.Warn("send function result failed", "tool", evt.Name, "error", err)
	}

	switch {
	case res.Instruction != "":
		if err := drv.RequestResponse(ctx, res.Instruction); err != nil {
			s.logger.Warn("instruction response failed", "tool", evt.Name, "error", err)
		}
	case s.wantsResponse(evt.Name, res):
		if err := drv.RequestResponse(ctx, ""); err != nil {
			s.logger.Warn("tool follow-up response failed", "tool", evt.Name, "error", err)
		}
	}

	s.bus.Emit(events.Event{Type: events.FunctionCallDone, Data: map[string]any{
		"name": evt.Name, "call_id": evt.CallID, "success": res.Success,
	}})
}

// wantsResponse resolves the requires_response default against any explicit
// override on the result.
func (s *Session) wantsResponse(name string, res tools.Result) bool {
	if res.ShouldRespond != nil {
		return *res.ShouldRespond
	}
	t, ok := s.registry.Get(name)
	return ok && t.RequiresResponse
}

// delayedStop stops the session after d, unless it already stopped.
func (s *Session) delayedStop(reason string, d time.Duration) {
	time.AfterFunc(d, func() {
		if s.active.Load() {
			s.Stop(reason)
		}
	})
}

// ── tool handlers ──

func (s *Session) startHandoff(ctx context.Context, req tools.HandoffRequest) error {
	if s.cfg.Handoff == nil {
		return fmt.Errorf("session: transfers are not configured")
	}
	data := map[string]any{
		"destination": req.Destination,
		"caller_name": req.CallerName,
		"reason":      req.Reason,
	}
	if !s.machine.Trigger(fsm.RequestTransfer, data) {
		return fmt.Errorf("session: cannot transfer from state %s", s.machine.State())
	}
	s.log.Event(calllog.EventTransferInitiated, req.Destination)
	s.bus.Emit(events.Event{Type: events.TransferInitiated, Data: data})
	return s.cfg.Handoff(ctx, req)
}

func (s *Session) takeMessage(ctx context.Context, req tools.MessageRequest) error {
	msg := &calllog.Message{
		CallID:      s.cfg.CallID,
		TenantID:    s.cfg.TenantID,
		SecretaryID: s.cfg.SecretaryID,
		CallerID:    s.cfg.CallerID,
		CallerName:  req.CallerName,
		Ticket:      calllog.NewTicket(req.CallerName, req.Message, req.Urgency),
		TakenAt:     time.Now().UTC(),
	}
	s.cfg.Uploader.UploadMessage(msg)
	s.log.Event(calllog.EventMessageTaken, req.CallerName)
	s.SetOutcome("message_taken")
	s.delayedStop("message_taken", s.messageHangupDelay())
	return nil
}

func (s *Session) scheduleCallback(ctx context.Context, req tools.CallbackRequest) error {
	cb := &calllog.Callback{
		CallID:      s.cfg.CallID,
		TenantID:    s.cfg.TenantID,
		SecretaryID: s.cfg.SecretaryID,
		CallerID:    s.cfg.CallerID,
		CallerName:  req.CallerName,
		Number:      req.Number,
		Reason:      req.Reason,
		PreferredAt: req.PreferredAt,
		ScheduledAt: time.Now().UTC(),
	}
	s.cfg.Uploader.UploadCallback(cb)
	s.log.Event(calllog.EventCallbackScheduled, req.Number)
	s.cfg.Metrics.Callbacks.Add(ctx, 1)
	return nil
}

func (s *Session) holdCall(ctx context.Context) error {
	if s.cfg.Hold != nil {
		if err := s.cfg.Hold(ctx); err != nil {
			return err
		}
	}
	s.machine.Trigger(fsm.Hold, nil)
	s.bus.Emit(events.Event{Type: events.CallHeld, Data: nil})
	return nil
}

func (s *Session) unholdCall(ctx context.Context) error {
	if s.cfg.Unhold != nil {
		if err := s.cfg.Unhold(ctx); err != nil {
			return err
		}
	}
	s.machine.Trigger(fsm.Unhold, nil)
	s.bus.Emit(events.Event{Type: events.CallUnheld, Data: nil})
	return nil
}

func (s *Session) checkExtension(ctx context.Context, extension string) (bool, error) {
	s.cfg.Metrics.ExtensionChecks.Add(ctx, 1)
	if s.cfg.ExtensionCheck == nil {
		return false, fmt.Errorf("session: extension checks are not configured")
	}
	return s.cfg.ExtensionCheck(ctx, extension)
}
