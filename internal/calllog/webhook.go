package calllog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Webhook event names.
const (
	eventCallLog  = "voice_ai_call_log"
	eventMessage  = "voice_ai_message"
	eventCallback = "voice_ai_callback"
)

// Ticket is the message body the receiving system files. Subject follows
// the "Recado de <caller>" convention the downstream ticketing expects.
type Ticket struct {
	Type     string `json:"type"`
	Subject  string `json:"subject"`
	Message  string `json:"message"`
	Priority string `json:"priority"`
}

// Message is the payload for a take_message tool result.
type Message struct {
	CallID      string    `json:"call_id"`
	TenantID    string    `json:"tenant_id"`
	SecretaryID string    `json:"secretary_id"`
	CallerID    string    `json:"caller_id"`
	CallerName  string    `json:"caller_name,omitempty"`
	Ticket      Ticket    `json:"ticket"`
	TakenAt     time.Time `json:"taken_at"`
}

// NewTicket builds a message ticket for a named caller.
func NewTicket(callerName, message, priority string) Ticket {
	if priority == "" {
		priority = "normal"
	}
	return Ticket{
		Type:     "message",
		Subject:  "Recado de " + callerName,
		Message:  message,
		Priority: priority,
	}
}

// Callback is the payload for a schedule_callback tool result.
type Callback struct {
	CallID      string    `json:"call_id"`
	TenantID    string    `json:"tenant_id"`
	SecretaryID string    `json:"secretary_id"`
	CallerID    string    `json:"caller_id"`
	CallerName  string    `json:"caller_name,omitempty"`
	Number      string    `json:"number"`
	Reason      string    `json:"reason,omitempty"`
	PreferredAt string    `json:"preferred_at,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Uploader posts call artifacts to the configured webhook. Delivery is
// fire-and-forget: failures are logged and never affect the call. A nil
// *Uploader or an empty URL disables upload, so call sites need no guards.
type Uploader struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewUploader creates an uploader for the given webhook URL. An empty URL
// yields a disabled uploader. timeout is clamped to [5s, 10s].
func NewUploader(url string, timeout time.Duration, logger *slog.Logger) *Uploader {
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "calllog.uploader"),
	}
}

// Enabled reports whether a webhook URL is configured.
func (u *Uploader) Enabled() bool {
	return u != nil && u.url != ""
}

// UploadReport posts the end-of-call report in the background.
func (u *Uploader) UploadReport(report *Report) {
	u.send(eventCallLog, report)
}

// UploadMessage posts a taken message in the background.
func (u *Uploader) UploadMessage(msg *Message) {
	u.send(eventMessage, msg)
}

// UploadCallback posts a scheduled callback in the background.
func (u *Uploader) UploadCallback(cb *Callback) {
	u.send(eventCallback, cb)
}

func (u *Uploader) send(event string, payload any) {
	if !u.Enabled() {
		return
	}
	go func() {
		if err := u.post(context.Background(), event, payload); err != nil {
			u.logger.Warn("webhook delivery failed", "event", event, "error", err)
		}
	}()
}

// post performs one synchronous webhook POST. Exported logic kept separate
// from send so tests can exercise it without goroutine timing.
func (u *Uploader) post(ctx context.Context, event string, payload any) error {
	// The delivery id lets the receiver deduplicate retried posts.
	body, err := json.Marshal(struct {
		ID    string `json:"id"`
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{ID: uuid.NewString(), Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("calllog: marshal %s: %w", event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("calllog: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("calllog: post %s: %w", event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("calllog: post %s: unexpected status %d", event, resp.StatusCode)
	}
	return nil
}
