package switchctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Control = (*Client)(nil)

// subscriber buffers events for one Subscribe caller.
type subscriber struct {
	names map[string]struct{} // empty matches all events
	ch    chan Event
}

// Client is an inbound event-socket client. One connection serves the whole
// process: api commands are answered in order, events fan out to
// subscribers.
type Client struct {
	logger *slog.Logger
	conn   net.Conn
	br     *bufio.Reader

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   []chan rawMessage

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	done      chan struct{}
	closeOnce sync.Once
}

// rawMessage is one framed event-socket message.
type rawMessage struct {
	headers textproto.MIMEHeader
	body    []byte
}

// Dial connects and authenticates against the switch event socket, then
// subscribes to all plain events and starts the read loop.
func Dial(ctx context.Context, addr, password string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("switchctl: dial %s: %w", addr, err)
	}

	c := &Client{
		logger: logger.With("component", "switchctl"),
		conn:   conn,
		br:     bufio.NewReader(conn),
		subs:   make(map[int]*subscriber),
		done:   make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	if err := c.handshake(password); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	go c.readLoop()
	return c, nil
}

// handshake runs synchronously before the read loop starts, so it reads
// replies directly off the wire.
func (c *Client) handshake(password string) error {
	msg, err := c.readMessage()
	if err != nil {
		return fmt.Errorf("switchctl: read greeting: %w", err)
	}
	if ct := msg.headers.Get("Content-Type"); ct != "auth/request" {
		return fmt.Errorf("switchctl: unexpected greeting %q", ct)
	}

	if err := c.write("auth " + password); err != nil {
		return err
	}
	msg, err = c.readMessage()
	if err != nil {
		return fmt.Errorf("switchctl: read auth reply: %w", err)
	}
	if reply := msg.headers.Get("Reply-Text"); !strings.HasPrefix(reply, "+OK") {
		return fmt.Errorf("switchctl: auth rejected: %s", reply)
	}

	if err := c.write("event plain ALL"); err != nil {
		return err
	}
	msg, err = c.readMessage()
	if err != nil {
		return fmt.Errorf("switchctl: read event subscribe reply: %w", err)
	}
	if reply := msg.headers.Get("Reply-Text"); !strings.HasPrefix(reply, "+OK") {
		return fmt.Errorf("switchctl: event subscribe rejected: %s", reply)
	}
	return nil
}

// Close tears down the connection and all subscriber channels.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

// ExecuteAPI runs one api command and returns the raw response body.
func (c *Client) ExecuteAPI(ctx context.Context, cmd string) (string, error) {
	reply := make(chan rawMessage, 1)

	c.pendingMu.Lock()
	c.pending = append(c.pending, reply)
	c.pendingMu.Unlock()

	if err := c.write("api " + cmd); err != nil {
		c.dropPending(reply)
		return "", err
	}

	select {
	case msg := <-reply:
		return string(msg.body), nil
	case <-ctx.Done():
		c.dropPending(reply)
		return "", fmt.Errorf("switchctl: api %q: %w", firstWord(cmd), ctx.Err())
	case <-c.done:
		return "", fmt.Errorf("switchctl: api %q: connection closed", firstWord(cmd))
	}
}

// UUIDExists reports whether the channel is still alive.
func (c *Client) UUIDExists(ctx context.Context, uuid string) (bool, error) {
	body, err := c.ExecuteAPI(ctx, "uuid_exists "+uuid)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(body) == "true", nil
}

// Subscribe returns a buffered channel of events and a cancel function.
// With no names, every event matches.
func (c *Client) Subscribe(names ...string) (<-chan Event, func()) {
	sub := &subscriber{
		names: make(map[string]struct{}, len(names)),
		ch:    make(chan Event, 64),
	}
	for _, n := range names {
		sub.names[strings.ToUpper(n)] = struct{}{}
	}

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub.ch)
		}
		c.subMu.Unlock()
	}
	return sub.ch, cancel
}

// AudioStream drives uuid_audio_stream on a channel.
func (c *Client) AudioStream(ctx context.Context, uuid string, action StreamAction, streamURL string, rate StreamRate) error {
	cmd := fmt.Sprintf("uuid_audio_stream %s %s", uuid, action)
	if action == StreamStart {
		cmd = fmt.Sprintf("uuid_audio_stream %s start %s mono %s", uuid, streamURL, rate)
	}
	body, err := c.ExecuteAPI(ctx, cmd)
	if err != nil {
		return err
	}
	if !apiOK(body) {
		return apiErr("uuid_audio_stream "+string(action), body)
	}
	return nil
}

// Originate starts an outbound leg and returns the new channel UUID from the
// "+OK <uuid>" response.
func (c *Client) Originate(ctx context.Context, dialString, destination string, timeoutSec int) (string, error) {
	var b strings.Builder
	b.WriteString("originate ")
	if timeoutSec > 0 {
		fmt.Fprintf(&b, "{originate_timeout=%d,ignore_early_media=true}", timeoutSec)
	}
	b.WriteString(dialString)
	b.WriteString(" ")
	b.WriteString(destination)

	body, err := c.ExecuteAPI(ctx, b.String())
	if err != nil {
		return "", err
	}
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "+OK") {
		return "", apiErr("originate", body)
	}
	uuid := strings.TrimSpace(strings.TrimPrefix(body, "+OK"))
	if uuid == "" {
		return "", fmt.Errorf("switchctl: originate: response carried no uuid")
	}
	return uuid, nil
}

// Bridge joins two answered legs.
func (c *Client) Bridge(ctx context.Context, aUUID, bUUID string) error {
	return c.simpleAPI(ctx, fmt.Sprintf("uuid_bridge %s %s", aUUID, bUUID))
}

// Transfer moves a channel to a dialplan extension.
func (c *Client) Transfer(ctx context.Context, uuid, extension, dialplan, context_ string) error {
	cmd := fmt.Sprintf("uuid_transfer %s %s", uuid, extension)
	if dialplan != "" {
		cmd += " " + dialplan
		if context_ != "" {
			cmd += " " + context_
		}
	}
	return c.simpleAPI(ctx, cmd)
}

// Kill hangs up a channel. An empty cause uses the switch default.
func (c *Client) Kill(ctx context.Context, uuid, cause string) error {
	cmd := "uuid_kill " + uuid
	if cause != "" {
		cmd += " " + cause
	}
	return c.simpleAPI(ctx, cmd)
}

// SetVar sets a channel variable.
func (c *Client) SetVar(ctx context.Context, uuid, name, value string) error {
	return c.simpleAPI(ctx, fmt.Sprintf("uuid_setvar %s %s %s", uuid, name, value))
}

// Displace starts or stops file playback layered over a channel.
func (c *Client) Displace(ctx context.Context, uuid, action, path string) error {
	cmd := fmt.Sprintf("uuid_displace %s %s", uuid, action)
	if action == "start" {
		cmd = fmt.Sprintf("uuid_displace %s start %s 0 mux", uuid, path)
	}
	return c.simpleAPI(ctx, cmd)
}

// Broadcast plays a file into one or both legs of a channel.
func (c *Client) Broadcast(ctx context.Context, uuid, path, leg string) error {
	if leg == "" {
		leg = "aleg"
	}
	return c.simpleAPI(ctx, fmt.Sprintf("uuid_broadcast %s %s %s", uuid, path, leg))
}

func (c *Client) simpleAPI(ctx context.Context, cmd string) error {
	body, err := c.ExecuteAPI(ctx, cmd)
	if err != nil {
		return err
	}
	if !apiOK(body) {
		return apiErr(firstWord(cmd), body)
	}
	return nil
}

// ── wire plumbing ──

func (c *Client) write(cmd string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write([]byte(cmd + "\n\n")); err != nil {
		return fmt.Errorf("switchctl: write: %w", err)
	}
	return nil
}

func (c *Client) dropPending(target chan rawMessage) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, ch := range c.pending {
		if ch == target {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Client) popPending() chan rawMessage {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	ch := c.pending[0]
	c.pending = c.pending[1:]
	return ch
}

// readMessage reads one framed message: MIME headers, blank line, optional
// Content-Length body.
func (c *Client) readMessage() (rawMessage, error) {
	tp := textproto.NewReader(c.br)
	headers, err := tp.ReadMIMEHeader()
	if err != nil {
		return rawMessage{}, err
	}

	msg := rawMessage{headers: headers}
	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return rawMessage{}, fmt.Errorf("bad Content-Length %q", cl)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(c.br, body); err != nil {
			return rawMessage{}, err
		}
		msg.body = body
	}
	return msg, nil
}

func (c *Client) readLoop() {
	defer func() {
		c.Close()
		// Unblock anyone still waiting on a reply.
		c.pendingMu.Lock()
		c.pending = nil
		c.pendingMu.Unlock()

		c.subMu.Lock()
		for id, sub := range c.subs {
			delete(c.subs, id)
			close(sub.ch)
		}
		c.subMu.Unlock()
	}()

	for {
		msg, err := c.readMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("event socket read failed", "error", err)
			}
			return
		}

		switch msg.headers.Get("Content-Type") {
		case "api/response", "command/reply":
			if ch := c.popPending(); ch != nil {
				ch <- msg
			}
		case "text/event-plain":
			c.dispatch(parseEvent(msg.body))
		case "text/disconnect-notice":
			c.logger.Info("switch sent disconnect notice")
			return
		default:
			// Unknown frame types are skipped.
		}
	}
}

func (c *Client) dispatch(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, sub := range c.subs {
		if len(sub.names) > 0 {
			if _, ok := sub.names[ev.Name]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: drop rather than stall the reader.
		}
	}
}

// parseEvent decodes a plain-text event body into headers.
func parseEvent(body []byte) Event {
	ev := Event{Headers: make(map[string]string)}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		ev.Headers[key] = value
	}
	ev.Name = ev.Headers["Event-Name"]
	ev.UUID = ev.Headers["Unique-ID"]
	return ev
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
