package engine

import "time"

// Reconnect backoff bounds.
const (
	DefaultReconnectBase = time.Second
	DefaultReconnectMax  = 30 * time.Second
)

// ReconnectDelay returns min(base*2^attempt, max).
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// scheduleReconnect arms the next retry timer, or reports exhaustion once
// MaxReconnects attempts have failed.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.opts.MaxReconnects {
		attempts := c.attempts
		c.mu.Unlock()
		c.log.Warn().Int("attempts", attempts).Msg("giving up on engine reconnect")
		c.emit(Event{Kind: EventReconnectExhausted, Attempt: attempts})
		return
	}

	delay := ReconnectDelay(c.attempts, c.opts.ReconnectBase, c.opts.ReconnectMax)
	c.attempts++
	attempt := c.attempts
	c.stopRetryLocked()
	gen := c.retryGen
	c.retryTimer = time.AfterFunc(delay, func() {
		c.retry(gen)
	})
	c.mu.Unlock()

	c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("engine reconnect scheduled")
	c.emit(Event{Kind: EventReconnectScheduled, Attempt: attempt, Delay: delay})
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.retryGen {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.mu.Unlock()

	switch err := c.Connect(c.ctx); err {
	case nil, ErrClientClosed, ErrConnecting:
	default:
		c.scheduleReconnect()
	}
}

// stopRetryLocked invalidates any armed retry timer. c.mu must be held.
func (c *Client) stopRetryLocked() {
	c.retryGen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}
