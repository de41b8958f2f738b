package domain

// CommandResult is the drained output of a finished command. Stdout and Stderr
// hold decoded text when Encoding is set and the raw bytes otherwise.
type CommandResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
	Encoding   string
}

func (r *CommandResult) StdoutString() string { return string(r.Stdout) }

func (r *CommandResult) StderrString() string { return string(r.Stderr) }

// Classify turns a finished command into a result, or a *CommandFailedError when
// it exited non-zero and the caller did not opt out. Streams are never truncated.
func Classify(command string, exitStatus int, stdout, stderr []byte, ignoreExitStatus bool) (*CommandResult, error) {
	if exitStatus != 0 && !ignoreExitStatus {
		return nil, &CommandFailedError{
			Command:    command,
			ExitStatus: exitStatus,
			Stdout:     stdout,
			Stderr:     stderr,
		}
	}
	return &CommandResult{
		Stdout:     stdout,
		Stderr:     stderr,
		ExitStatus: exitStatus,
	}, nil
}
