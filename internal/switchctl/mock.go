package switchctl

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Compile-time interface check.
var _ Control = (*Mock)(nil)

// Mock is a scriptable Control for tests. It records every issued command
// and answers from a table of canned responses.
type Mock struct {
	mu sync.Mutex

	// Responses maps a command prefix to its response body. The longest
	// matching prefix wins; unmatched commands answer "+OK".
	Responses map[string]string

	// Errs maps a command prefix to a forced error.
	Errs map[string]error

	// Exists answers UUIDExists per uuid; unknown uuids report false.
	Exists map[string]bool

	commands []string

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	closed bool
}

// NewMock returns an empty mock. All maps may be populated after creation
// but before concurrent use.
func NewMock() *Mock {
	return &Mock{
		Responses: make(map[string]string),
		Errs:      make(map[string]error),
		Exists:    make(map[string]bool),
		subs:      make(map[int]*subscriber),
	}
}

// Commands returns a copy of every command issued so far.
func (m *Mock) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// CommandsMatching returns issued commands that start with prefix.
func (m *Mock) CommandsMatching(prefix string) []string {
	var out []string
	for _, cmd := range m.Commands() {
		if strings.HasPrefix(cmd, prefix) {
			out = append(out, cmd)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Emit delivers an event to matching subscribers, as the switch would.
func (m *Mock) Emit(ev Event) {
	if ev.Headers == nil {
		ev.Headers = map[string]string{}
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, sub := range m.subs {
		if len(sub.names) > 0 {
			if _, ok := sub.names[ev.Name]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (m *Mock) ExecuteAPI(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	var (
		best     string
		bestBody string
		bestErr  error
	)
	for prefix, body := range m.Responses {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > len(best) {
			best, bestBody, bestErr = prefix, body, nil
		}
	}
	for prefix, err := range m.Errs {
		if strings.HasPrefix(cmd, prefix) && len(prefix) >= len(best) {
			best, bestBody, bestErr = prefix, "", err
		}
	}
	m.mu.Unlock()

	if bestErr != nil {
		return "", bestErr
	}
	if best == "" {
		return "+OK", nil
	}
	return bestBody, nil
}

func (m *Mock) UUIDExists(ctx context.Context, uuid string) (bool, error) {
	if _, err := m.ExecuteAPI(ctx, "uuid_exists "+uuid); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Exists[uuid], nil
}

func (m *Mock) Subscribe(names ...string) (<-chan Event, func()) {
	sub := &subscriber{
		names: make(map[string]struct{}, len(names)),
		ch:    make(chan Event, 64),
	}
	for _, n := range names {
		sub.names[strings.ToUpper(n)] = struct{}{}
	}

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub.ch)
		}
		m.subMu.Unlock()
	}
	return sub.ch, cancel
}

func (m *Mock) AudioStream(ctx context.Context, uuid string, action StreamAction, streamURL string, rate StreamRate) error {
	cmd := fmt.Sprintf("uuid_audio_stream %s %s", uuid, action)
	if action == StreamStart {
		cmd = fmt.Sprintf("uuid_audio_stream %s start %s mono %s", uuid, streamURL, rate)
	}
	body, err := m.ExecuteAPI(ctx, cmd)
	if err != nil {
		return err
	}
	if !apiOK(body) {
		return apiErr("uuid_audio_stream "+string(action), body)
	}
	return nil
}

func (m *Mock) Originate(ctx context.Context, dialString, destination string, timeoutSec int) (string, error) {
	body, err := m.ExecuteAPI(ctx, fmt.Sprintf("originate %s %s", dialString, destination))
	if err != nil {
		return "", err
	}
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "+OK") {
		return "", apiErr("originate", body)
	}
	uuid := strings.TrimSpace(strings.TrimPrefix(body, "+OK"))
	if uuid == "" {
		uuid = "mock-b-leg"
	}
	return uuid, nil
}

func (m *Mock) Bridge(ctx context.Context, aUUID, bUUID string) error {
	return m.simple(ctx, fmt.Sprintf("uuid_bridge %s %s", aUUID, bUUID))
}

func (m *Mock) Transfer(ctx context.Context, uuid, extension, dialplan, context_ string) error {
	return m.simple(ctx, strings.TrimSpace(fmt.Sprintf("uuid_transfer %s %s %s %s", uuid, extension, dialplan, context_)))
}

func (m *Mock) Kill(ctx context.Context, uuid, cause string) error {
	return m.simple(ctx, strings.TrimSpace(fmt.Sprintf("uuid_kill %s %s", uuid, cause)))
}

func (m *Mock) SetVar(ctx context.Context, uuid, name, value string) error {
	return m.simple(ctx, fmt.Sprintf("uuid_setvar %s %s %s", uuid, name, value))
}

func (m *Mock) Displace(ctx context.Context, uuid, action, path string) error {
	return m.simple(ctx, strings.TrimSpace(fmt.Sprintf("uuid_displace %s %s %s", uuid, action, path)))
}

func (m *Mock) Broadcast(ctx context.Context, uuid, path, leg string) error {
	return m.simple(ctx, fmt.Sprintf("uuid_broadcast %s %s %s", uuid, path, leg))
}

func (m *Mock) simple(ctx context.Context, cmd string) error {
	body, err := m.ExecuteAPI(ctx, cmd)
	if err != nil {
		return err
	}
	if !apiOK(body) {
		return apiErr(firstWord(cmd), body)
	}
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.subMu.Lock()
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub.ch)
	}
	m.subMu.Unlock()
	return nil
}
