package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/vocero-ai/vocero/pkg/audio"
)

// controlMsg is an inbound text frame from the switch.
type controlMsg struct {
	Type  string `json:"type"`
	Digit string `json:"digit,omitempty"`
}

// handleStream is the per-connection entry point. The WebSocket is
// accepted before path validation so a bad path can be answered with a
// proper close code instead of an HTTP error the switch ignores.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	p, ok := parseStreamPath(r.URL.Path)
	if !ok {
		s.logger.Warn("bad stream path", "path", r.URL.Path)
		c.Close(websocket.StatusPolicyViolation, "bad stream path")
		return
	}
	logger := s.logger.With("call_id", p.CallUUID, "secretary_id", p.SecretaryID)

	sess, created, err := s.attach(r.Context(), p)
	if err != nil {
		logger.Error("session attach failed", "error", err)
		c.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pcmu := r.URL.Query().Get("codec") == "pcmu"
	conn := newStreamConn(c, sess, logger, pcmu)
	s.setConn(p.CallUUID, conn)
	defer s.clearConn(p.CallUUID, conn)

	sess.SetOutput(conn.output())
	go conn.sender(ctx)

	s.cfg.Metrics.ActiveStreams.Add(ctx, 1)
	defer s.cfg.Metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)

	if created {
		// The session outlives this connection; a transfer drops and
		// reopens the stream while the call keeps running.
		if err := sess.Start(context.WithoutCancel(r.Context())); err != nil {
			logger.Error("session start failed", "error", err)
			s.Unregister(p.CallUUID)
			conn.shutdown()
			c.Close(websocket.StatusInternalError, "session start failed")
			return
		}
	}

	// Close the socket when the session ends so the switch tears the
	// stream down instead of feeding a dead session.
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err = s.readLoop(ctx, c, conn, sess)
	conn.shutdown()

	switch {
	case !sess.Active():
		c.Close(websocket.StatusNormalClosure, "call ended")
	case err != nil && ctx.Err() == nil:
		logger.Warn("stream read failed", "error", err)
		c.Close(websocket.StatusInternalError, "read failed")
		// A mid-transfer disconnect is expected; the session stays
		// registered for reattach. Outside a transfer the call is over.
		if !sess.Machine().InTransfer() {
			sess.HandleHangup()
		}
	default:
		c.Close(websocket.StatusNormalClosure, "stream closed")
	}
}

// readLoop pumps inbound frames until the connection or context ends.
// Binary frames are audio in arbitrary chunk sizes, re-cut to 20 ms before
// entering the session. Text frames are control JSON.
func (s *Server) readLoop(ctx context.Context, c *websocket.Conn, conn *streamConn, sess sessionSink) error {
	chunker := audio.NewChunker(audio.FrameBytes(16000))
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			for _, frame := range chunker.Write(data) {
				sess.HandleAudioInput(ctx, frame)
			}
		case websocket.MessageText:
			var msg controlMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Debug("unparseable control frame", "error", err)
				continue
			}
			switch msg.Type {
			case "metadata":
				// Legacy preamble; the path already carries everything.
			case "dtmf":
				sess.HandleDTMF(msg.Digit)
			case "hangup":
				sess.HandleHangup()
				return nil
			default:
				s.logger.Debug("unknown control frame", "type", msg.Type)
			}
		}
	}
}

// sessionSink is the slice of the session surface the read loop touches.
type sessionSink interface {
	HandleAudioInput(ctx context.Context, pcm []byte)
	HandleDTMF(digit string)
	HandleHangup()
}
