package guest

import (
	"context"
	"log/slog"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/Rudd3r/lisrc/pkg/ssh"
	"golang.org/x/sync/errgroup"
)

// Session is a remote guest that can be validated and released.
type Session interface {
	Remote
	ValidateAuthentication(ctx context.Context) error
	Close() error
}

var _ Session = (*ssh.Manager)(nil)

// SessionFactory opens a session for one guest.
type SessionFactory func(host string) (Session, error)

type HostResult struct {
	Host   string
	Result *domain.CommandResult
	Err    error
}

// Fleet runs the same operation against many guests. Each guest gets its own
// session; results are returned in the order the hosts were given.
type Fleet struct {
	log      *slog.Logger
	open     SessionFactory
	parallel int
}

func NewFleet(log *slog.Logger, open SessionFactory, parallel int) *Fleet {
	if parallel < 1 {
		parallel = 1
	}
	return &Fleet{log: log, open: open, parallel: parallel}
}

// Execute runs command on every host. A failure on one host does not stop the
// others.
func (f *Fleet) Execute(ctx context.Context, hosts []string, command string, opts ...ssh.ExecOption) []HostResult {
	return f.each(ctx, hosts, func(ctx context.Context, s Session) (*domain.CommandResult, error) {
		return s.Execute(ctx, command, opts...)
	})
}

// Validate checks that every host accepts the configured credentials.
func (f *Fleet) Validate(ctx context.Context, hosts []string) []HostResult {
	return f.each(ctx, hosts, func(ctx context.Context, s Session) (*domain.CommandResult, error) {
		return nil, s.ValidateAuthentication(ctx)
	})
}

func (f *Fleet) each(ctx context.Context, hosts []string, fn func(context.Context, Session) (*domain.CommandResult, error)) []HostResult {
	results := make([]HostResult, len(hosts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallel)
	for i, host := range hosts {
		results[i].Host = host
		g.Go(func() error {
			results[i].Result, results[i].Err = f.run(ctx, host, fn)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (f *Fleet) run(ctx context.Context, host string, fn func(context.Context, Session) (*domain.CommandResult, error)) (*domain.CommandResult, error) {
	s, err := f.open(host)
	if err != nil {
		f.log.Error("failed to open session", "host", host, "error", err)
		return nil, err
	}
	defer func() {
		if err := s.Close(); err != nil {
			f.log.Warn("failed to close session", "host", host, "error", err)
		}
	}()
	result, err := fn(ctx, s)
	if err != nil {
		f.log.Warn("guest operation failed", "host", host, "error", err)
	}
	return result, err
}
