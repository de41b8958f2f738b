package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/ssh/knownhosts"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func TestLinearBackOffGrowsByIncrement(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	b := newLinearBackOff(clock, 1500*time.Millisecond, time.Second, time.Minute)

	var got []time.Duration
	for range 4 {
		d := b.NextBackOff()
		got = append(got, d)
		clock.now = clock.now.Add(d)
	}
	assert.Equal(t, []time.Duration{
		2500 * time.Millisecond,
		3500 * time.Millisecond,
		4500 * time.Millisecond,
		5500 * time.Millisecond,
	}, got)
}

func TestLinearBackOffNeverSleepsPastDeadline(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	b := newLinearBackOff(clock, 0, 4*time.Second, 10*time.Second)

	assert.Equal(t, 4*time.Second, b.NextBackOff())
	clock.now = clock.now.Add(4 * time.Second)
	// 8s wanted, 6s left.
	assert.Equal(t, 6*time.Second, b.NextBackOff())
	clock.now = clock.now.Add(6 * time.Second)
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestLinearBackOffReset(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	b := newLinearBackOff(clock, 0, time.Second, 5*time.Second)
	clock.now = clock.now.Add(time.Hour)
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "auth", err: errors.New("ssh: handshake failed: ssh: unable to authenticate"), retryable: true},
		{name: "refused", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, retryable: true},
		{name: "eof", err: fmt.Errorf("ssh: handshake failed: %w", errors.New("EOF")), retryable: true},
		{name: "dial timeout", err: &net.OpError{Op: "dial", Net: "tcp", Err: dialTimeout{}}, retryable: true},
		{name: "wrapped deadline", err: fmt.Errorf("dial: %w", context.DeadlineExceeded), retryable: true},
		{name: "bad key", err: &ParameterError{What: "private key", Err: errors.New("bad pem")}},
		{name: "host key mismatch", err: fmt.Errorf("ssh: handshake failed: %w", &knownhosts.KeyError{})},
		{name: "revoked", err: &knownhosts.RevokedError{}},
		{name: "no credentials", err: domain.ErrMissingCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := classifyDialError(tt.err)
			assert.Equal(t, tt.retryable, outcome.retryable)
			assert.Equal(t, tt.err, outcome.err)
			assert.Nil(t, outcome.conn)
		})
	}
}

// dialTimeout behaves like the net package's connect timeout, which also
// matches context.DeadlineExceeded.
type dialTimeout struct{}

func (dialTimeout) Error() string   { return "i/o timeout" }
func (dialTimeout) Timeout() bool   { return true }
func (dialTimeout) Temporary() bool { return true }
func (dialTimeout) Is(err error) bool {
	return err == context.DeadlineExceeded
}
