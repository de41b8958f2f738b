package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

const readBufferSize = 1024

type streamID int

const (
	streamStdout streamID = iota
	streamStderr
)

type chunk struct {
	stream streamID
	data   []byte
	err    error
}

// pump forwards everything read from r as chunks, ending with a chunk that
// carries the terminating error (io.EOF on a clean close).
func pump(r io.Reader, stream streamID, out chan<- chunk, done <-chan struct{}) {
	for {
		buf := make([]byte, readBufferSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case out <- chunk{stream: stream, data: buf[:n]}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case out <- chunk{stream: stream, err: err}:
			case <-done:
			}
			return
		}
	}
}

// pollDrain waits on both output streams at once until each has reached EOF.
// Every ChannelTimeout without output the overall deadline, counted from start,
// is checked; once it has passed the command is abandoned.
func (m *Manager) pollDrain(ctx context.Context, ch Channel, command string, start time.Time) ([]byte, []byte, error) {
	chunks := make(chan chunk)
	done := make(chan struct{})
	defer close(done)

	go pump(ch.Stdout(), streamStdout, chunks, done)
	go pump(ch.Stderr(), streamStderr, chunks, done)

	var stdout, stderr bytes.Buffer
	idle := time.NewTimer(m.params.ChannelTimeout)
	defer idle.Stop()

	for open := 2; open > 0; {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()

		case c := <-chunks:
			switch c.stream {
			case streamStdout:
				stdout.Write(c.data)
			case streamStderr:
				stderr.Write(c.data)
			}
			if c.err != nil {
				if !errors.Is(c.err, io.EOF) {
					return nil, nil, fmt.Errorf("read command output: %w", c.err)
				}
				open--
			}
			idle.Reset(m.params.ChannelTimeout)

		case <-idle.C:
			if m.clock.Now().Sub(start) >= m.params.Timeout {
				return nil, nil, &domain.CommandTimeoutError{
					Command: command,
					Host:    m.params.Host,
					Timeout: m.params.Timeout,
				}
			}
			idle.Reset(m.params.ChannelTimeout)
		}
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// blockingDrain reads stdout to EOF and then stderr to EOF. It has no idle or
// overall deadline, so Timeout is not enforced and no CommandTimeoutError is
// returned.
func blockingDrain(ch Channel) ([]byte, []byte, error) {
	stdout, err := io.ReadAll(ch.Stdout())
	if err != nil {
		return nil, nil, fmt.Errorf("read stdout: %w", err)
	}
	stderr, err := io.ReadAll(ch.Stderr())
	if err != nil {
		return nil, nil, fmt.Errorf("read stderr: %w", err)
	}
	return stdout, stderr, nil
}

// ErrUndecodableOutput is returned when command output is not valid in the
// requested encoding.
var ErrUndecodableOutput = errors.New("output is not valid in the requested encoding")

type decodeFunc func([]byte) ([]byte, error)

// newDecoder resolves an encoding label once, before anything runs remotely.
// Decoding is strict: bytes that do not belong to the encoding fail instead of
// becoming U+FFFD.
func newDecoder(name string) (decodeFunc, error) {
	if name == "" {
		return func(b []byte) ([]byte, error) { return b, nil }, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", name, err)
	}
	if canonical, _ := htmlindex.Name(enc); canonical == "utf-8" {
		return func(b []byte) ([]byte, error) {
			if len(b) == 0 {
				return b, nil
			}
			out, _, err := transform.Bytes(encoding.UTF8Validator, b)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrUndecodableOutput, err)
			}
			return out, nil
		}, nil
	}
	return func(b []byte) ([]byte, error) {
		if len(b) == 0 {
			return b, nil
		}
		out, err := enc.NewDecoder().Bytes(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUndecodableOutput, err)
		}
		if bytes.ContainsRune(out, utf8.RuneError) {
			return nil, ErrUndecodableOutput
		}
		return out, nil
	}, nil
}
