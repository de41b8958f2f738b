package guest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/Rudd3r/lisrc/pkg/internal/mocks"
	"github.com/Rudd3r/lisrc/pkg/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fleetHarness struct {
	mu         sync.Mutex
	transports map[string]*mocks.Transport
}

func (h *fleetHarness) open(handler func(host string) mocks.Handler, dialErrs map[string][]error) SessionFactory {
	return func(host string) (Session, error) {
		if host == "bad host" {
			return nil, domain.ErrMissingHost
		}
		transport := mocks.NewTransport(handler(host))
		transport.DialErrors = dialErrs[host]
		params := domain.NewConnectionParameters(host, "root")
		params.Password = "secret"
		params.Timeout = 50 * time.Millisecond
		params.ChannelTimeout = time.Second
		m, err := ssh.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), params,
			ssh.WithTransport(transport), ssh.WithBackoff(0, 10*time.Millisecond))
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		h.transports[host] = transport
		return m, nil
	}
}

func newFleetHarness() *fleetHarness {
	return &fleetHarness{transports: map[string]*mocks.Transport{}}
}

func TestFleetExecute(t *testing.T) {
	h := newFleetHarness()
	handler := func(host string) mocks.Handler {
		return func(string) (*mocks.Channel, error) {
			if host == "10.0.0.3" {
				return mocks.NewChannel("", "boom", 1), nil
			}
			return mocks.NewChannel(host+"\n", "", 0), nil
		}
	}
	fleet := NewFleet(slog.New(slog.NewTextHandler(io.Discard, nil)), h.open(handler, nil), 2)

	hosts := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "bad host"}
	results := fleet.Execute(context.Background(), hosts, "hostname")
	require.Len(t, results, 4)

	for i, host := range hosts {
		assert.Equal(t, host, results[i].Host)
	}
	require.NoError(t, results[0].Err)
	assert.Equal(t, "10.0.0.1\n", results[0].Result.StdoutString())
	require.NoError(t, results[1].Err)
	assert.Equal(t, "10.0.0.2\n", results[1].Result.StdoutString())

	var failed *domain.CommandFailedError
	require.ErrorAs(t, results[2].Err, &failed)
	assert.Equal(t, "boom", string(failed.Stderr))
	assert.ErrorIs(t, results[3].Err, domain.ErrMissingHost)

	for host, transport := range h.transports {
		for _, conn := range transport.Conns() {
			assert.True(t, conn.Closed(), "session for %s left open", host)
		}
	}
}

func TestFleetExecuteOptions(t *testing.T) {
	h := newFleetHarness()
	handler := func(string) mocks.Handler {
		return func(string) (*mocks.Channel, error) { return mocks.NewChannel("", "", 3), nil }
	}
	fleet := NewFleet(slog.New(slog.NewTextHandler(io.Discard, nil)), h.open(handler, nil), 1)

	results := fleet.Execute(context.Background(), []string{"10.0.0.1"}, "false", ssh.IgnoreExitStatus())
	require.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Result.ExitStatus)
}

func TestFleetValidate(t *testing.T) {
	h := newFleetHarness()
	handler := func(string) mocks.Handler { return nil }
	refused := errors.New("dial tcp 10.0.0.2:22: connect: connection refused")
	dialErrs := map[string][]error{"10.0.0.2": {refused, refused, refused, refused, refused, refused, refused, refused}}
	fleet := NewFleet(slog.New(slog.NewTextHandler(io.Discard, nil)), h.open(handler, dialErrs), 0)

	results := fleet.Validate(context.Background(), []string{"10.0.0.1", "10.0.0.2"})
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Nil(t, results[0].Result)

	var timeout *domain.ConnectionTimeoutError
	assert.ErrorAs(t, results[1].Err, &timeout)
}

type countingSession struct {
	Session
	active, peak *atomic.Int32
}

func (s countingSession) Execute(context.Context, string, ...ssh.ExecOption) (*domain.CommandResult, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return &domain.CommandResult{}, nil
}

func (countingSession) Close() error { return nil }

func TestFleetRespectsParallelLimit(t *testing.T) {
	var active, peak atomic.Int32
	open := func(string) (Session, error) {
		return countingSession{active: &active, peak: &peak}, nil
	}
	fleet := NewFleet(slog.New(slog.NewTextHandler(io.Discard, nil)), open, 2)

	results := fleet.Execute(context.Background(), []string{"a", "b", "c", "d", "e"}, "true")
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), active.Load())
}
