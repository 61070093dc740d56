// Package switchctl is the FreeSWITCH control plane of the bridge. It
// speaks the inbound event-socket protocol over TCP: authentication, api
// command round-trips, and plain-text event subscription.
//
// Sessions and the transfer flow depend only on the [Control] interface so
// tests can substitute the [Mock] and any other switch with a compatible
// control API can be adapted.
package switchctl

import (
	"context"
	"fmt"
	"strings"
)

// StreamAction controls a uuid_audio_stream invocation.
type StreamAction string

const (
	StreamStart  StreamAction = "start"
	StreamStop   StreamAction = "stop"
	StreamPause  StreamAction = "pause"
	StreamResume StreamAction = "resume"
)

// StreamRate selects the sampling rate the switch sends on the stream.
type StreamRate string

const (
	Rate8k  StreamRate = "8k"
	Rate16k StreamRate = "16k"
)

// Event is one switch event, parsed into its headers.
type Event struct {
	// Name is the Event-Name header ("CHANNEL_ANSWER", "CHANNEL_HANGUP", ...).
	Name string

	// UUID is the Unique-ID header when present.
	UUID string

	// Headers holds all event headers, URL-decoded.
	Headers map[string]string
}

// Control is the switch control surface the rest of the bridge uses.
type Control interface {
	// ExecuteAPI runs one api command and returns its raw response body.
	ExecuteAPI(ctx context.Context, cmd string) (string, error)

	// UUIDExists reports whether the channel is still alive on the switch.
	UUIDExists(ctx context.Context, uuid string) (bool, error)

	// Subscribe returns a channel of switch events and a cancel function.
	// Slow subscribers lose events rather than stalling the reader.
	Subscribe(names ...string) (<-chan Event, func())

	// AudioStream drives uuid_audio_stream for the given channel.
	AudioStream(ctx context.Context, uuid string, action StreamAction, url string, rate StreamRate) error

	// Originate starts an outbound leg and returns its channel UUID.
	Originate(ctx context.Context, dialString, destination string, timeoutSec int) (string, error)

	// Bridge joins two answered legs.
	Bridge(ctx context.Context, aUUID, bUUID string) error

	// Transfer moves a channel to a dialplan extension.
	Transfer(ctx context.Context, uuid, extension, dialplan, context_ string) error

	// Kill hangs up a channel with the given cause.
	Kill(ctx context.Context, uuid, cause string) error

	// SetVar sets a channel variable.
	SetVar(ctx context.Context, uuid, name, value string) error

	// Displace starts or stops uuid_displace playback on a channel.
	Displace(ctx context.Context, uuid, action, path string) error

	// Broadcast plays a file into one or both legs of a channel.
	Broadcast(ctx context.Context, uuid, path, leg string) error

	// Close tears down the control connection.
	Close() error
}

// apiOK reports whether an api response body is a success ("+OK ...").
func apiOK(body string) bool {
	return strings.HasPrefix(strings.TrimSpace(body), "+OK")
}

// apiErr extracts the failure cause from a "-ERR <cause>" response body.
func apiErr(cmd, body string) error {
	body = strings.TrimSpace(body)
	cause := strings.TrimSpace(strings.TrimPrefix(body, "-ERR"))
	if cause == "" {
		cause = body
	}
	return fmt.Errorf("switchctl: %s: %s", cmd, cause)
}
