package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vocero-ai/vocero/pkg/provider"
)

// ErrExhausted is returned when every entry of a [DriverChain] failed or
// had an open breaker.
var ErrExhausted = errors.New("resilience: all providers exhausted")

// DialFunc builds a connected, configured driver for one session attempt.
type DialFunc func(ctx context.Context) (provider.Driver, error)

type chainEntry struct {
	name    string
	dial    DialFunc
	breaker *Breaker
}

// DriverChain holds an ordered list of provider dialers, primary first.
// Dial walks the list, skipping entries with open breakers, and stops at
// the first entry that yields a live driver. Failover retries from the
// entry after the one currently in use, so a rate-limited primary is not
// re-dialed mid-call.
type DriverChain struct {
	logger *slog.Logger
	cfg    BreakerConfig

	mu      sync.Mutex
	entries []chainEntry
	current int // index of the entry whose driver is live, -1 before Dial
}

// NewDriverChain creates an empty chain. cfg seeds each entry's breaker.
func NewDriverChain(logger *slog.Logger, cfg BreakerConfig) *DriverChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &DriverChain{
		logger:  logger.With("component", "resilience.chain"),
		cfg:     cfg,
		current: -1,
	}
}

// Add appends one provider dialer. Entries are tried in insertion order.
func (c *DriverChain) Add(name string, dial DialFunc) {
	bc := c.cfg
	bc.Name = name
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, chainEntry{
		name:    name,
		dial:    dial,
		breaker: NewBreaker(bc),
	})
}

// Dial connects the first healthy entry. It returns the driver and the
// entry's name. Errors that are not failover candidates abort the walk.
func (c *DriverChain) Dial(ctx context.Context) (provider.Driver, string, error) {
	return c.dialFrom(ctx, 0)
}

// Failover abandons the current entry and dials the next one. The caller
// is responsible for closing the abandoned driver.
func (c *DriverChain) Failover(ctx context.Context) (provider.Driver, string, error) {
	c.mu.Lock()
	start := c.current + 1
	c.mu.Unlock()
	return c.dialFrom(ctx, start)
}

// Current returns the name of the live entry, or "" before the first Dial.
func (c *DriverChain) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current < 0 || c.current >= len(c.entries) {
		return ""
	}
	return c.entries[c.current].name
}

func (c *DriverChain) dialFrom(ctx context.Context, start int) (provider.Driver, string, error) {
	c.mu.Lock()
	entries := make([]chainEntry, len(c.entries))
	copy(entries, c.entries)
	c.mu.Unlock()

	if start >= len(entries) {
		return nil, "", ErrExhausted
	}

	var lastErr error
	for i := start; i < len(entries); i++ {
		entry := entries[i]

		var drv provider.Driver
		err := entry.breaker.Do(func() error {
			var dialErr error
			drv, dialErr = entry.dial(ctx)
			return dialErr
		})
		if err == nil {
			c.mu.Lock()
			c.current = i
			c.mu.Unlock()
			if i > start || start > 0 {
				c.logger.Info("provider selected via failover", "provider", entry.name)
			}
			return drv, entry.name, nil
		}

		lastErr = err
		switch {
		case errors.Is(err, ErrOpen):
			c.logger.Debug("skipping provider, breaker open", "provider", entry.name)
		case provider.Retryable(err):
			c.logger.Warn("provider dial failed, trying next", "provider", entry.name, "error", err)
		default:
			// Hard failures (auth, protocol, transport) are not failover
			// candidates and end the walk.
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}
