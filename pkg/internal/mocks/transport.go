package mocks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/Rudd3r/lisrc/pkg/ssh"
)

var (
	_ ssh.Transport    = (*Transport)(nil)
	_ ssh.Conn         = (*Conn)(nil)
	_ ssh.Channel      = (*Channel)(nil)
	_ ssh.FileTransfer = (*FileTransfer)(nil)
)

var (
	ErrConnBroken      = errors.New("connection broken")
	ErrStreamsNotDrain = errors.New("exit status requested before output was drained")
)

// Handler scripts the channel returned for a command.
type Handler func(command string) (*Channel, error)

// Transport is a scripted ssh.Transport. Dial fails with each of DialErrors in
// turn and then succeeds.
type Transport struct {
	mu sync.Mutex

	DialErrors []error
	Poll       bool
	Handler    Handler
	Files      *FileTransfer
	// OnDial runs before every attempt with the 1-based attempt number.
	OnDial func(attempt int)

	dials int
	conns []*Conn
}

func NewTransport(handler Handler) *Transport {
	if !testing.Testing() {
		panic(fmt.Errorf("NewTransport cannot be used outside test"))
	}
	return &Transport{
		Poll:    true,
		Handler: handler,
		Files:   NewFileTransfer(),
	}
}

func (t *Transport) SupportsReadinessPoll() bool { return t.Poll }

func (t *Transport) Dial(ctx context.Context, _ domain.ConnectionParameters) (ssh.Conn, error) {
	t.mu.Lock()
	t.dials++
	attempt := t.dials
	hook := t.OnDial
	var err error
	if len(t.DialErrors) > 0 {
		err = t.DialErrors[0]
		t.DialErrors = t.DialErrors[1:]
	}
	t.mu.Unlock()

	if hook != nil {
		hook(attempt)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}

	conn := &Conn{transport: t}
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	return conn, nil
}

// Dials returns the number of connection attempts so far.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// Conns returns every connection handed out so far.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

type Conn struct {
	transport *Transport

	mu       sync.Mutex
	commands []string
	broken   bool
	closed   bool
}

func (c *Conn) OpenChannel(command string) (ssh.Channel, error) {
	c.mu.Lock()
	if c.broken || c.closed {
		c.mu.Unlock()
		return nil, ErrConnBroken
	}
	c.commands = append(c.commands, command)
	c.mu.Unlock()

	if c.transport.Handler == nil {
		return NewChannel("", "", 0), nil
	}
	ch, err := c.transport.Handler(command)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Conn) OpenFileTransfer() (ssh.FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken || c.closed {
		return nil, ErrConnBroken
	}
	return c.transport.Files, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Break makes every later channel or transfer request fail, as a dropped
// connection would.
func (c *Conn) Break() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Channel is a scripted remote command. ExitStatus fails with
// ErrStreamsNotDrain unless both streams have already returned io.EOF.
type Channel struct {
	stdout *stream
	stderr *stream
	status int

	mu          sync.Mutex
	closed      bool
	statusCalls int
}

// NewChannel returns a command that has already written stdout and stderr and
// exited with status.
func NewChannel(stdout, stderr string, status int) *Channel {
	return &Channel{
		stdout: &stream{r: bytes.NewReader([]byte(stdout))},
		stderr: &stream{r: bytes.NewReader([]byte(stderr))},
		status: status,
	}
}

// NewHangingChannel returns a command whose streams stay open until the
// channel is closed.
func NewHangingChannel() *Channel {
	release := make(chan struct{})
	return &Channel{
		stdout: &stream{r: &blockingReader{release: release}},
		stderr: &stream{r: &blockingReader{release: release}},
		status: -1,
	}
}

// NewTricklingChannel returns a command that writes one line to stdout every
// interval, count times, and then exits 0.
func NewTricklingChannel(line string, interval time.Duration, count int) *Channel {
	return &Channel{
		stdout: &stream{r: &tricklingReader{line: []byte(line), interval: interval, left: count}},
		stderr: &stream{r: bytes.NewReader(nil)},
	}
}

// NewFailingStreamChannel returns a command whose stdout fails with err.
func NewFailingStreamChannel(err error) *Channel {
	return &Channel{
		stdout: &stream{r: &errReader{err: err}},
		stderr: &stream{r: bytes.NewReader(nil)},
	}
}

func (c *Channel) Stdout() io.Reader { return c.stdout }

func (c *Channel) Stderr() io.Reader { return c.stderr }

func (c *Channel) ExitStatus() (int, error) {
	c.mu.Lock()
	c.statusCalls++
	c.mu.Unlock()
	if !c.stdout.drained() || !c.stderr.drained() {
		return -1, ErrStreamsNotDrain
	}
	return c.status, nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if r, ok := c.stdout.r.(*blockingReader); ok {
		close(r.release)
	}
	return nil
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) StatusCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusCalls
}

// stream records whether its reader has reached EOF.
type stream struct {
	r io.Reader

	mu  sync.Mutex
	eof bool
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if errors.Is(err, io.EOF) {
		s.mu.Lock()
		s.eof = true
		s.mu.Unlock()
	}
	return n, err
}

func (s *stream) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eof
}

type blockingReader struct {
	release chan struct{}
}

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.release
	return 0, io.EOF
}

type tricklingReader struct {
	line     []byte
	interval time.Duration
	left     int
}

func (r *tricklingReader) Read(p []byte) (int, error) {
	if r.left == 0 {
		return 0, io.EOF
	}
	time.Sleep(r.interval)
	r.left--
	return copy(p, r.line), nil
}

type errReader struct {
	err error
}

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }
