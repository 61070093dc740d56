package transfer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vocero-ai/vocero/internal/config"
	"github.com/vocero-ai/vocero/internal/session"
	"github.com/vocero-ai/vocero/internal/switchctl"
	"github.com/vocero-ai/vocero/internal/tools"
	"github.com/vocero-ai/vocero/pkg/fsm"
	"github.com/vocero-ai/vocero/pkg/provider"
	"github.com/vocero-ai/vocero/pkg/provider/mock"
)

const (
	aLeg = "a-leg-uuid"
	bLeg = "b-leg-uuid"
)

type transferHarness struct {
	ctl  *switchctl.Mock
	sess *session.Session
	mgr  *Manager
	aDrv *mock.Driver
	bDrv *mock.Driver

	mu           sync.Mutex
	registered   []string
	unregistered []string
}

// newTransferHarness starts a caller-leg session against one mock driver
// and wires a Manager whose auxiliary session will receive the second one.
func newTransferHarness(t *testing.T, mutate func(*Config)) *transferHarness {
	t.Helper()

	h := &transferHarness{
		ctl:  switchctl.NewMock(),
		aDrv: mock.New(),
		bDrv: mock.New(),
	}
	h.ctl.Responses["originate"] = "+OK " + bLeg
	h.ctl.Exists[bLeg] = true

	reg := provider.NewRegistry()
	queue := []*mock.Driver{h.aDrv, h.bDrv}
	var qmu sync.Mutex
	reg.Register("mock", func(provider.Config) (provider.Driver, error) {
		qmu.Lock()
		defer qmu.Unlock()
		d := queue[0]
		if len(queue) > 1 {
			queue = queue[1:]
		}
		return d, nil
	})

	sec := &config.SecretaryConfig{
		TenantID:    "t1",
		SecretaryID: "sec-1",
		DisplayName: "Clara",
		Prompt:      "Você é a Clara, secretária virtual.",
		Greeting:    "Olá! Como posso ajudar?",
		Provider:    "mock",
		Language:    "pt-BR",
		BargeIn:     true,
	}
	rules := testRules()
	creds := map[string]config.ProviderCredentials{"mock": {Provider: "mock", APIKey: "k"}}

	var mgr *Manager
	sess, err := session.New(session.Config{
		CallID:        aLeg,
		TenantID:      "t1",
		CallerID:      "5511988887777",
		SecretaryID:   "sec-1",
		Secretary:     sec,
		Credentials:   creds,
		TransferRules: rules,
		Providers:     reg,
		Handoff: func(ctx context.Context, req tools.HandoffRequest) error {
			return mgr.Run(ctx, req)
		},
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}

	cfg := Config{
		Control:     h.ctl,
		Session:     sess,
		CallUUID:    aLeg,
		CallerID:    "5511988887777",
		TenantID:    "t1",
		SecretaryID: "sec-1",
		Secretary:   sec,
		Credentials: creds,
		Rules:       rules,
		Providers:   reg,
		Settings: config.TransferConfig{
			OriginateTimeout: 2 * time.Second,
			DecisionTimeout:  5 * time.Second,
			CourtesyFarewell: "Obrigado, tenha um bom dia.",
		},
		StreamBase: "ws://bridge:8085",
		RegisterAux: func(uuid string, _ *session.Session) {
			h.mu.Lock()
			h.registered = append(h.registered, uuid)
			h.mu.Unlock()
		},
		UnregisterAux: func(uuid string) {
			h.mu.Lock()
			h.unregistered = append(h.unregistered, uuid)
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr, err = New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.sess, h.mgr = sess, mgr

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("session Start() error = %v", err)
	}
	t.Cleanup(func() { sess.Stop("test_cleanup") })
	return h
}

// run triggers the transfer FSM edge and starts Run in the background.
func (h *transferHarness) run(t *testing.T, req tools.HandoffRequest) <-chan error {
	t.Helper()
	if !h.sess.Machine().Trigger(fsm.RequestTransfer, map[string]any{
		"destination": req.Destination,
		"caller_name": callerOr(req.CallerName, "Ana"),
	}) {
		t.Fatalf("RequestTransfer denied from state %s", h.sess.Machine().State())
	}
	errCh := make(chan error, 1)
	go func() { errCh <- h.mgr.Run(context.Background(), req) }()
	return errCh
}

func (h *transferHarness) await(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("transfer did not settle")
		return nil
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRun_AcceptedBridgesLegs(t *testing.T) {
	t.Parallel()

	h := newTransferHarness(t, nil)
	errCh := h.run(t, tools.HandoffRequest{Destination: "Vendas", CallerName: "Bob", Reason: "orçamento"})

	waitUntil(t, h.bDrv.Connected, "attendant driver never connected")
	responses := h.bDrv.Responses()
	if len(responses) == 0 || !strings.Contains(responses[0], "Bob na linha sobre orçamento") {
		t.Fatalf("announcement = %v", responses)
	}

	h.bDrv.EmitFunctionCall("accept_transfer", `{}`, "dec-1")
	if err := h.await(t, errCh); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := h.sess.Machine().State(); got != fsm.Bridged {
		t.Fatalf("state = %s, want %s", got, fsm.Bridged)
	}
	if h.sess.Outcome() != "transferred" {
		t.Fatalf("outcome = %q", h.sess.Outcome())
	}
	if cmds := h.ctl.CommandsMatching("uuid_bridge " + aLeg + " " + bLeg); len(cmds) != 1 {
		t.Fatalf("bridge commands = %v", h.ctl.Commands())
	}
	if cmds := h.ctl.CommandsMatching("uuid_audio_stream " + aLeg + " pause"); len(cmds) != 1 {
		t.Fatalf("caller stream was not paused: %v", h.ctl.Commands())
	}
	if cmds := h.ctl.CommandsMatching("uuid_audio_stream " + bLeg + " start"); len(cmds) != 1 {
		t.Fatalf("attendant stream was not started: %v", h.ctl.Commands())
	}
	if len(h.ctl.CommandsMatching("uuid_kill")) != 0 {
		t.Fatalf("accepted transfer must not kill the attendant leg: %v", h.ctl.Commands())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.registered) != 1 || h.registered[0] != bLeg {
		t.Fatalf("registered aux sessions = %v", h.registered)
	}
	if len(h.unregistered) != 1 || h.unregistered[0] != bLeg {
		t.Fatalf("unregistered aux sessions = %v", h.unregistered)
	}
}

func TestRun_RejectedResumesCallerWithFarewell(t *testing.T) {
	t.Parallel()

	h := newTransferHarness(t, nil)
	errCh := h.run(t, tools.HandoffRequest{Destination: "Vendas", CallerName: "Ana"})

	waitUntil(t, h.bDrv.Connected, "attendant driver never connected")
	h.bDrv.Emit(provider.Event{Type: provider.UserTranscript, Text: "agora não, estou em reunião"})
	h.bDrv.EmitFunctionCall("reject_transfer", `{"reason":"em reunião"}`, "dec-1")

	if err := h.await(t, errCh); err == nil {
		t.Fatal("Run() returned nil for a rejected transfer")
	}

	if got := h.sess.Machine().State(); got != fsm.Listening {
		t.Fatalf("state = %s, want %s", got, fsm.Listening)
	}
	bResponses := h.bDrv.Responses()
	if len(bResponses) < 2 || bResponses[len(bResponses)-1] != "Obrigado, tenha um bom dia." {
		t.Fatalf("attendant farewell missing: %v", bResponses)
	}
	if cmds := h.ctl.CommandsMatching("uuid_kill " + bLeg); len(cmds) != 1 {
		t.Fatalf("attendant leg not killed: %v", h.ctl.Commands())
	}
	if cmds := h.ctl.CommandsMatching("uuid_audio_stream " + aLeg + " resume"); len(cmds) != 1 {
		t.Fatalf("caller stream not resumed: %v", h.ctl.Commands())
	}
	aResponses := h.aDrv.Responses()
	last := aResponses[len(aResponses)-1]
	if !strings.Contains(last, "recado") {
		t.Fatalf("caller was not offered a message: %q", last)
	}
}

func TestRun_RejectWithoutRefusalGetsSecondChance(t *testing.T) {
	t.Parallel()

	h := newTransferHarness(t, nil)
	errCh := h.run(t, tools.HandoffRequest{Destination: "Financeiro"})

	waitUntil(t, h.bDrv.Connected, "attendant driver never connected")

	// The attendant only greeted; the model's first reject is ignored and
	// the question is asked once more.
	h.bDrv.Emit(provider.Event{Type: provider.UserTranscript, Text: "alô, bom dia"})
	h.bDrv.EmitFunctionCall("reject_transfer", `{}`, "dec-1")

	waitUntil(t, func() bool {
		for _, r := range h.bDrv.Responses() {
			if strings.Contains(r, "Pergunte novamente") {
				return true
			}
		}
		return false
	}, "second-chance prompt never sent")

	h.bDrv.Emit(provider.Event{Type: provider.UserTranscript, Text: "não, não posso mesmo"})
	h.bDrv.EmitFunctionCall("reject_transfer", `{"reason":"ocupado"}`, "dec-2")

	if err := h.await(t, errCh); err == nil {
		t.Fatal("Run() returned nil for a rejected transfer")
	}
	if got := h.sess.Machine().State(); got != fsm.Listening {
		t.Fatalf("state = %s, want %s", got, fsm.Listening)
	}
}

func TestRun_GreetingWithRefusalStillGetsSecondChance(t *testing.T) {
	t.Parallel()

	h := newTransferHarness(t, nil)
	errCh := h.run(t, tools.HandoffRequest{Destination: "Financeiro", CallerName: "Ana"})

	waitUntil(t, h.bDrv.Connected, "attendant driver never connected")

	// A greeting in the transcript means the attendant was still picking up
	// the phone, so the refusal-shaped words do not confirm the reject yet.
	h.bDrv.Emit(provider.Event{Type: provider.UserTranscript, Text: "bom dia... não posso agora"})
	h.bDrv.EmitFunctionCall("reject_transfer", `{}`, "dec-1")

	waitUntil(t, func() bool {
		for _, r := range h.bDrv.Responses() {
			if strings.Contains(r, "Pergunte novamente") {
				return true
			}
		}
		return false
	}, "second-chance prompt never sent")

	h.bDrv.Emit(provider.Event{Type: provider.UserTranscript, Text: "não, estou ocupado"})
	h.bDrv.EmitFunctionCall("reject_transfer", `{"reason":"ocupado"}`, "dec-2")

	if err := h.await(t, errCh); err == nil {
		t.Fatal("Run() returned nil for a rejected transfer")
	}
}

func TestRun_AcceptOverriddenByRefusalToken(t *testing.T) {
	t.Parallel()

	h := newTransferHarness(t, nil)
	errCh := h.run(t, tools.HandoffRequest{Destination: "Vendas"})

	waitUntil(t, h.bDrv.Connected, "attendant driver never connected")
	h.bDrv.Emit(provider.Event{Type: provider.UserTranscript, Text: "não posso atender agora"})
	h.bDrv.EmitFunctionCall("accept_transfer", `{}`, "dec-1")

	if err := h.await(t, errCh); err == nil {
		t.Fatal("accept with a refusal transcript must not bridge")
	}
	if len(h.ctl.CommandsMatching("uuid_bridge")) != 0 {
		t.Fatalf("legs were bridged despite refusal: %v", h.ctl.Commands())
	}
	if got := h.sess.Machine().State(); got != fsm.Listening {
		t.Fatalf("state = %s, want %s", got, fsm.Listening)
	}
}

func TestRun_DecisionTimeoutResumesCaller(t *testing.T) {
	t.Parallel()

	h := newTransferHarness(t, func(cfg *Config) {
		cfg.Settings.DecisionTimeout = 300 * time.Millisecond
		cfg.Settings.CourtesyFarewell = ""
	})
	errCh := h.run(t, tools.HandoffRequest{Destination: "Vendas"})

	err := h.await(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "no decision") {
		t.Fatalf("Run() error = %v, want decision timeout", err)
	}
	if cmds := h.ctl.CommandsMatching("uuid_kill " + bLeg); len(cmds) != 1 {
		t.Fatalf("attendant leg not killed on timeout: %v", h.ctl.Commands())
	}
	if got := h.sess.Machine().State(); got != fsm.Listening {
		t.Fatalf("state = %s, want %s", got, fsm.Listening)
	}
}

func TestRun_CallerHangupKillsAttendantLeg(t *testing.T) {
	t.Parallel()

	h := newTransferHarness(t, nil)
	errCh := h.run(t, tools.HandoffRequest{Destination: "Vendas"})

	waitUntil(t, h.bDrv.Connected, "attendant driver never connected")
	h.ctl.Emit(switchctl.Event{Name: "CHANNEL_HANGUP", UUID: aLeg})

	err := h.await(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "caller hung up") {
		t.Fatalf("Run() error = %v, want caller hangup", err)
	}
	if cmds := h.ctl.CommandsMatching("uuid_kill " + bLeg); len(cmds) != 1 {
		t.Fatalf("attendant leg not killed: %v", h.ctl.Commands())
	}
	if len(h.ctl.CommandsMatching("uuid_audio_stream "+aLeg+" resume")) != 0 {
		t.Fatalf("dead caller leg must not be resumed: %v", h.ctl.Commands())
	}
}

func TestRun_OriginateFailureAborts(t *testing.T) {
	t.Parallel()

	h := newTransferHarness(t, nil)
	h.ctl.Responses["originate"] = "-ERR DESTINATION_OUT_OF_ORDER"

	errCh := h.run(t, tools.HandoffRequest{Destination: "Vendas"})
	err := h.await(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "originate") {
		t.Fatalf("Run() error = %v, want originate failure", err)
	}
	if got := h.sess.Machine().State(); got != fsm.Listening {
		t.Fatalf("state = %s, want %s", got, fsm.Listening)
	}
	if cmds := h.ctl.CommandsMatching("uuid_audio_stream " + aLeg + " resume"); len(cmds) != 1 {
		t.Fatalf("caller stream not resumed: %v", h.ctl.Commands())
	}
}

func TestRun_ClosedDestinationExplainsAndStays(t *testing.T) {
	t.Parallel()

	sunday := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	h := newTransferHarness(t, func(cfg *Config) {
		cfg.Rules = &config.TransferRules{
			Announced: true,
			Destinations: []config.TransferDestination{{
				Kind:   config.DestExtension,
				Name:   "Vendas",
				Number: "101",
				Hours: &config.TimeCondition{
					Start:         "09:00",
					End:           "18:00",
					Days:          []int{1, 2, 3, 4, 5},
					Timezone:      "UTC",
					ClosedMessage: "Vendas atende de segunda a sexta.",
				},
			}},
		}
		cfg.Now = func() time.Time { return sunday }
	})

	errCh := h.run(t, tools.HandoffRequest{Destination: "Vendas"})
	err := h.await(t, errCh)

	var closed *ErrDestinationClosed
	if !errors.As(err, &closed) {
		t.Fatalf("Run() error = %v, want ErrDestinationClosed", err)
	}
	if got := h.sess.Machine().State(); got != fsm.Listening {
		t.Fatalf("state = %s, want %s", got, fsm.Listening)
	}
	if len(h.ctl.CommandsMatching("originate")) != 0 {
		t.Fatalf("closed destination must not be dialed: %v", h.ctl.Commands())
	}
	responses := h.aDrv.Responses()
	last := responses[len(responses)-1]
	if !strings.Contains(last, "Vendas atende de segunda a sexta.") {
		t.Fatalf("closed message not relayed: %q", last)
	}
}

func TestRun_BlindTransferHandsOff(t *testing.T) {
	t.Parallel()

	h := newTransferHarness(t, func(cfg *Config) {
		rules := testRules()
		rules.Announced = false
		cfg.Rules = rules
	})
	errCh := h.run(t, tools.HandoffRequest{Destination: "Vendas"})

	if err := h.await(t, errCh); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if cmds := h.ctl.CommandsMatching("uuid_transfer " + aLeg + " 101"); len(cmds) != 1 {
		t.Fatalf("blind transfer not issued: %v", h.ctl.Commands())
	}
	if h.sess.Outcome() != "transferred" {
		t.Fatalf("outcome = %q", h.sess.Outcome())
	}
	select {
	case <-h.sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop after blind transfer")
	}
}
