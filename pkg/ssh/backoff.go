package ssh

import (
	"errors"
	"time"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh/knownhosts"
)

var _ backoff.BackOff = (*linearBackOff)(nil)

// linearBackOff grows the delay by a fixed increment after every failure and
// stops once timeout has elapsed since Reset. A delay is never longer than the
// time left before the deadline.
type linearBackOff struct {
	clock     backoff.Clock
	initial   time.Duration
	increment time.Duration
	timeout   time.Duration

	start time.Time
	delay time.Duration
}

func newLinearBackOff(clock backoff.Clock, initial, increment, timeout time.Duration) *linearBackOff {
	b := &linearBackOff{
		clock:     clock,
		initial:   initial,
		increment: increment,
		timeout:   timeout,
	}
	b.Reset()
	return b
}

func (b *linearBackOff) Reset() {
	b.start = b.clock.Now()
	b.delay = b.initial
}

func (b *linearBackOff) NextBackOff() time.Duration {
	elapsed := b.clock.Now().Sub(b.start)
	if elapsed >= b.timeout {
		return backoff.Stop
	}
	b.delay += b.increment
	next := b.delay
	if remaining := b.timeout - elapsed; next > remaining {
		next = remaining
	}
	return next
}

// attemptOutcome is the result of one dial attempt: a connection, or an error
// that is either worth retrying or final.
type attemptOutcome struct {
	conn      Conn
	err       error
	retryable bool
}

func succeeded(conn Conn) attemptOutcome { return attemptOutcome{conn: conn} }

func retryable(err error) attemptOutcome { return attemptOutcome{err: err, retryable: true} }

func fatal(err error) attemptOutcome { return attemptOutcome{err: err} }

// classifyDialError decides whether a failed attempt may be retried. Transport
// failures (dial timeouts included), protocol and authentication failures are
// retried; unusable parameters and host key mismatches are not. Cancellation
// is judged by the caller's context, never by the error.
func classifyDialError(err error) attemptOutcome {
	var paramErr *ParameterError
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	switch {
	case errors.As(err, &paramErr):
		return fatal(err)
	case errors.As(err, &keyErr), errors.As(err, &revoked):
		return fatal(err)
	case errors.Is(err, domain.ErrMissingCredentials):
		return fatal(err)
	}
	return retryable(err)
}
