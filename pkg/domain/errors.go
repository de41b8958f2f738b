package domain

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionTimeoutError is returned once an authenticated connection could not
// be established before the overall deadline. Err holds the last attempt's cause.
type ConnectionTimeoutError struct {
	Host     string
	User     string
	Attempts int
	Err      error
}

func (e *ConnectionTimeoutError) Error() string {
	msg := fmt.Sprintf("connection to %s@%s timed out after %d attempts", e.User, e.Host, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionTimeoutError) Unwrap() error { return e.Err }

// CommandTimeoutError is returned when a command's output was not fully drained
// before the deadline. The remote process is left running.
type CommandTimeoutError struct {
	Command string
	Host    string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %q on host %s did not finish within %s", e.Command, e.Host, e.Timeout)
}

// CommandFailedError carries the full output of a command that exited non-zero.
type CommandFailedError struct {
	Command    string
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

func (e *CommandFailedError) Error() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "command %q failed with exit status %d", e.Command, e.ExitStatus)
	_, _ = fmt.Fprintf(&b, "\nstdout:\n%s", e.Stdout)
	_, _ = fmt.Fprintf(&b, "\nstderr:\n%s", e.Stderr)
	return b.String()
}

// TransferFailedError wraps any failure of a file upload.
type TransferFailedError struct {
	Source      string
	Destination string
	Err         error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("failed to copy %s to %s: %v", e.Source, e.Destination, e.Err)
}

func (e *TransferFailedError) Unwrap() error { return e.Err }
