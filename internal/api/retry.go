package api

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds the retry state machine.
type RetryPolicy struct {
	MaxAttempts int           // Total attempts including the first
	BaseDelay   time.Duration // Delay before the first retry
	MaxDelay    time.Duration // Cap applied before jitter
	Jitter      float64       // Fractional jitter, 0.25 = ±25%
}

// DefaultRetryPolicy matches the gateway's published rate-limit guidance:
// five attempts, one second doubling up to a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      0.25,
	}
}

// Delay returns the wait before retry number retry (1-based) given a
// uniform sample r in [0,1). Without jitter the sequence is non-decreasing:
// BaseDelay, 2*BaseDelay, 4*BaseDelay, ... capped at MaxDelay.
func (p RetryPolicy) Delay(retry int, r float64) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := p.BaseDelay
	for i := 1; i < retry && (p.MaxDelay <= 0 || d < p.MaxDelay) && d < time.Duration(1<<62); i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + p.Jitter*(2*r-1)))
	}
	return d
}

// CallState is a state of one Fetch call.
type CallState int

const (
	StatePending CallState = iota
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s CallState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("CallState(%d)", int(s))
}

// Transition records entry into State during a call.
type Transition struct {
	Endpoint string
	Attempt  int
	State    CallState
	Delay    time.Duration // Backoff chosen, for StateRetrying
	Err      error         // Cause, for StateRetrying and StateFailed
}

func (c *Client) transition(t Transition) {
	if c.observer != nil {
		c.observer(t)
	}
}

// response is a successful HTTP exchange.
type response struct {
	body      []byte
	csrfToken string
}

// doWithRetry drives one call through the retry state machine.
func (c *Client) doWithRetry(ctx context.Context, name string, attempt func(context.Context) (*response, error)) (*response, error) {
	maxAttempts := c.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for n := 1; ; n++ {
		c.transition(Transition{Endpoint: name, Attempt: n, State: StatePending})

		resp, err := attempt(ctx)
		if err == nil {
			c.transition(Transition{Endpoint: name, Attempt: n, State: StateSucceeded})
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			c.transition(Transition{Endpoint: name, Attempt: n, State: StateFailed, Err: ctxErr})
			return nil, fmt.Errorf("%s: %w", name, ctxErr)
		}
		if !retryable(err) {
			c.transition(Transition{Endpoint: name, Attempt: n, State: StateFailed, Err: err})
			return nil, err
		}
		if n >= maxAttempts {
			exhausted := &RetriesExhaustedError{Attempts: n, Last: err}
			c.transition(Transition{Endpoint: name, Attempt: n, State: StateFailed, Err: exhausted})
			return nil, exhausted
		}

		delay := c.policy.Delay(n, c.jitter())
		if apiErr, ok := err.(*APIError); ok && apiErr.RetryAfter > delay {
			delay = apiErr.RetryAfter
			if c.policy.MaxDelay > 0 && delay > c.policy.MaxDelay {
				delay = c.policy.MaxDelay
			}
		}
		c.transition(Transition{Endpoint: name, Attempt: n, State: StateRetrying, Delay: delay, Err: err})
		c.logger.Debug("retrying gateway request",
			"endpoint", name,
			"attempt", n,
			"backoff", delay,
			"error", err,
		)

		if err := c.sleep(ctx, delay); err != nil {
			c.transition(Transition{Endpoint: name, Attempt: n, State: StateFailed, Err: err})
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
}
