package heartbeat_test

import (
	"context"
	"testing"
	"time"

	"github.com/vocero-ai/vocero/pkg/events"
	"github.com/vocero-ai/vocero/pkg/heartbeat"
)

func TestSupervisor_EmitsDegradedOnAudioSilence(t *testing.T) {
	t.Parallel()

	bus := events.New(nil)
	degraded := make(chan events.Event, 4)
	bus.On(events.ConnectionDegraded, func(e events.Event) { degraded <- e })

	s := heartbeat.New(bus, heartbeat.Config{
		CheckInterval:    10 * time.Millisecond,
		AudioSilence:     30 * time.Millisecond,
		ProviderSilence:  time.Hour,
		DegradedDebounce: time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection_degraded event after silence threshold")
	}

	// Debounced: no immediate second event.
	select {
	case <-degraded:
		t.Fatal("degraded event repeated inside debounce window")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSupervisor_MarkAudioSuppressesDegraded(t *testing.T) {
	t.Parallel()

	bus := events.New(nil)
	degraded := make(chan events.Event, 1)
	bus.On(events.ConnectionDegraded, func(e events.Event) { degraded <- e })

	s := heartbeat.New(bus, heartbeat.Config{
		CheckInterval:    10 * time.Millisecond,
		AudioSilence:     80 * time.Millisecond,
		ProviderSilence:  time.Hour,
		DegradedDebounce: time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case <-degraded:
			t.Fatal("degraded despite continuous audio activity")
		case <-deadline:
			return
		case <-time.After(20 * time.Millisecond):
			s.MarkAudioReceived()
		}
	}
}

func TestSupervisor_ProviderTimeout(t *testing.T) {
	t.Parallel()

	bus := events.New(nil)
	timeouts := make(chan events.Event, 1)
	bus.On(events.ProviderTimeout, func(e events.Event) { timeouts <- e })

	s := heartbeat.New(bus, heartbeat.Config{
		CheckInterval:    10 * time.Millisecond,
		AudioSilence:     time.Hour,
		ProviderSilence:  30 * time.Millisecond,
		DegradedDebounce: time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	select {
	case <-timeouts:
	case <-time.After(2 * time.Second):
		t.Fatal("no provider_timeout event")
	}
}

func TestTimeoutScope_EmitsTransferTimeoutOnExpiry(t *testing.T) {
	t.Parallel()

	bus := events.New(nil)
	fired := make(chan events.Event, 1)
	bus.On(events.TransferTimeout, func(e events.Event) { fired <- e })

	s := heartbeat.New(bus, heartbeat.Config{}, nil)
	_, cancel := s.TimeoutScope(context.Background(), "transfer_decision", 20*time.Millisecond)
	defer cancel()

	select {
	case e := <-fired:
		if e.String("scope") != "transfer_decision" {
			t.Errorf("scope = %q", e.String("scope"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transfer scope expiry did not emit transfer_timeout")
	}
}

func TestTimeoutScope_CancelledScopeStaysSilent(t *testing.T) {
	t.Parallel()

	bus := events.New(nil)
	fired := make(chan events.Event, 1)
	bus.On(events.TransferTimeout, func(e events.Event) { fired <- e })

	s := heartbeat.New(bus, heartbeat.Config{}, nil)
	_, cancel := s.TimeoutScope(context.Background(), "transfer_originate", time.Hour)
	cancel()

	select {
	case <-fired:
		t.Fatal("cancelled scope emitted transfer_timeout")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimeoutScope_NonTransferScopeStaysOffBus(t *testing.T) {
	t.Parallel()

	bus := events.New(nil)
	fired := make(chan events.Event, 1)
	bus.On(events.TransferTimeout, func(e events.Event) { fired <- e })

	s := heartbeat.New(bus, heartbeat.Config{}, nil)
	_, cancel := s.TimeoutScope(context.Background(), "greeting", 10*time.Millisecond)
	defer cancel()

	select {
	case <-fired:
		t.Fatal("non-transfer scope emitted transfer_timeout")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSupervisor_StatsLatencyAverage(t *testing.T) {
	t.Parallel()

	s := heartbeat.New(events.New(nil), heartbeat.Config{}, nil)
	s.RecordLatency(100 * time.Millisecond)
	s.RecordLatency(300 * time.Millisecond)
	if avg := s.Stats().AvgLatency; avg != 200*time.Millisecond {
		t.Errorf("avg latency = %v, want 200ms", avg)
	}
}
