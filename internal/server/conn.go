package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/vocero-ai/vocero/internal/session"
	"github.com/vocero-ai/vocero/pkg/audio"
	"github.com/vocero-ai/vocero/pkg/events"
)

// queueCap bounds the outbound queue; at 20 ms per frame this is roughly
// ten seconds of audio. On overflow the oldest item is dropped.
const queueCap = 512

// warmupMillis is how much audio is pushed unpaced at the start of each
// connection so the switch-side jitter buffer fills before pacing kicks in.
const warmupMillis = 40

type itemKind uint8

const (
	kindFrame itemKind = iota
	kindStop
	kindFlush
	kindShutdown
)

type outItem struct {
	kind itemKind
	gen  uint64
	pcm  []byte
}

// wireFrame is one outbound JSON message to the switch.
type wireFrame struct {
	Type string     `json:"type"`
	Data *wireAudio `json:"data,omitempty"`
}

type wireAudio struct {
	AudioDataType string `json:"audioDataType,omitempty"`
	SampleRate    int    `json:"sampleRate,omitempty"`
	AudioData     string `json:"audioData,omitempty"`
}

// streamConn owns the outbound half of one switch connection: a bounded
// FIFO of generation-tagged frames and sentinels, drained by a single
// sender goroutine that paces against the realtime clock.
type streamConn struct {
	ws     *websocket.Conn
	sess   *session.Session
	logger *slog.Logger
	pcmu   bool

	queue   chan outItem
	pending atomic.Int64
	dropped atomic.Int64

	shutdownOnce sync.Once
}

func newStreamConn(ws *websocket.Conn, sess *session.Session, logger *slog.Logger, pcmu bool) *streamConn {
	return &streamConn{
		ws:     ws,
		sess:   sess,
		logger: logger,
		pcmu:   pcmu,
		queue:  make(chan outItem, queueCap),
	}
}

// output builds the hook set the session delivers through.
func (c *streamConn) output() session.Output {
	return session.Output{
		Audio: func(gen uint64, pcm []byte) {
			c.enqueue(outItem{kind: kindFrame, gen: gen, pcm: pcm})
		},
		AudioDone: func() {
			c.enqueue(outItem{kind: kindFlush})
		},
		Stop: func(gen uint64, reason string) {
			c.enqueue(outItem{kind: kindStop, gen: gen})
		},
	}
}

func (c *streamConn) enqueue(it outItem) {
	if it.kind == kindFrame {
		c.pending.Add(int64(len(it.pcm)))
	}
	for {
		select {
		case c.queue <- it:
			return
		default:
		}
		select {
		case old := <-c.queue:
			if old.kind == kindFrame {
				c.pending.Add(-int64(len(old.pcm)))
				c.dropped.Add(1)
			}
		default:
		}
	}
}

// shutdown asks the sender to exit once the queue ahead of it is handled.
func (c *streamConn) shutdown() {
	c.shutdownOnce.Do(func() {
		c.enqueue(outItem{kind: kindShutdown})
	})
}

func (c *streamConn) pendingBytes() int {
	return int(c.pending.Load())
}

// sender drains the queue. Frames of a superseded generation are dropped,
// never reordered; a stop sentinel clears everything queued and tells the
// switch to cut playback; a flush sentinel marks the end of an utterance
// and emits playback-done once the switch-side lead has played out.
func (c *streamConn) sender(ctx context.Context) {
	pacer := audio.NewPacer(audio.DefaultPacerConfig())
	bytesPerMs := audio.BytesPerMillisecond(16000)
	var started bool
	var sentMillis int

	for {
		var it outItem
		select {
		case <-ctx.Done():
			return
		case it = <-c.queue:
		}

		switch it.kind {
		case kindShutdown:
			return

		case kindStop:
			c.discardQueuedFrames()
			pacer.Reset()
			sentMillis = 0
			started = false
			if err := c.writeJSON(ctx, wireFrame{Type: "stopAudio"}); err != nil {
				return
			}

		case kindFlush:
			if lead := pacer.Lead(); lead > 0 {
				select {
				case <-time.After(lead):
				case <-ctx.Done():
					return
				}
			}
			c.sess.Bus().Emit(events.Event{Type: events.AudioPlaybackDone, Data: nil})

		case kindFrame:
			if it.gen != c.sess.Generation() {
				c.pending.Add(-int64(len(it.pcm)))
				continue
			}
			if !started {
				if err := c.writeJSON(ctx, wireFrame{Type: "rawAudio", Data: &wireAudio{SampleRate: 16000}}); err != nil {
					return
				}
				pacer.Start()
				started = true
			}
			if sentMillis >= warmupMillis {
				if err := pacer.Wait(ctx); err != nil {
					return
				}
			}
			if err := c.writeAudio(ctx, it.pcm); err != nil {
				c.logger.Debug("stream write failed", "error", err)
				return
			}
			frameMs := len(it.pcm) / bytesPerMs
			sentMillis += frameMs
			pacer.OnSent(time.Duration(frameMs) * time.Millisecond)
			c.pending.Add(-int64(len(it.pcm)))
		}
	}
}

func (c *streamConn) writeAudio(ctx context.Context, pcm []byte) error {
	if c.pcmu {
		return c.writeJSON(ctx, wireFrame{Type: "streamAudioPCMU", Data: &wireAudio{
			AudioData: base64.StdEncoding.EncodeToString(audio.Linear16ToULaw(pcm)),
		}})
	}
	return c.writeJSON(ctx, wireFrame{Type: "streamAudio", Data: &wireAudio{
		AudioDataType: "raw",
		SampleRate:    16000,
		AudioData:     base64.StdEncoding.EncodeToString(pcm),
	}})
}

func (c *streamConn) writeJSON(ctx context.Context, f wireFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, b)
}

// discardQueuedFrames empties whatever is immediately available. Sentinels
// caught in the sweep are dropped too; the stop supersedes them.
func (c *streamConn) discardQueuedFrames() {
	for {
		select {
		case old := <-c.queue:
			if old.kind == kindFrame {
				c.pending.Add(-int64(len(old.pcm)))
			}
		default:
			return
		}
	}
}
