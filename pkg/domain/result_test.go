package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Run("zero exit is success", func(t *testing.T) {
		result, err := Classify("cmd", 0, []byte("out"), []byte("err"), false)
		require.NoError(t, err)
		assert.Equal(t, &CommandResult{Stdout: []byte("out"), Stderr: []byte("err"), ExitStatus: 0}, result)
	})

	t.Run("non-zero exit fails with both streams", func(t *testing.T) {
		_, err := Classify("cmd", 1, []byte("out"), []byte("err"), false)
		var failed *CommandFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, 1, failed.ExitStatus)
		assert.Equal(t, "cmd", failed.Command)
		assert.Equal(t, []byte("out"), failed.Stdout)
		assert.Equal(t, []byte("err"), failed.Stderr)
	})

	t.Run("non-zero exit ignored", func(t *testing.T) {
		result, err := Classify("cmd", 1, []byte("out"), []byte("err"), true)
		require.NoError(t, err)
		assert.Equal(t, 1, result.ExitStatus)
		assert.Equal(t, "out", result.StdoutString())
		assert.Equal(t, "err", result.StderrString())
	})

	t.Run("same input same outcome", func(t *testing.T) {
		for _, status := range []int{0, 1, 2, 127, 255, -1} {
			for _, ignore := range []bool{false, true} {
				r1, err1 := Classify("c", status, []byte("o"), []byte("e"), ignore)
				r2, err2 := Classify("c", status, []byte("o"), []byte("e"), ignore)
				assert.Equal(t, r1, r2)
				assert.Equal(t, err1, err2)
				assert.Equal(t, status == 0 || ignore, err1 == nil)
			}
		}
	})

	t.Run("large output is not truncated", func(t *testing.T) {
		big := []byte(strings.Repeat("z", 1<<20))
		_, err := Classify("cmd", 2, big, big, false)
		var failed *CommandFailedError
		require.ErrorAs(t, err, &failed)
		assert.Len(t, failed.Stdout, 1<<20)
		assert.Contains(t, err.Error(), string(big))
	})
}

func TestErrorMessages(t *testing.T) {
	cause := errors.New("unable to authenticate")
	connErr := &ConnectionTimeoutError{Host: "10.0.0.1", User: "root", Attempts: 4, Err: cause}
	assert.Equal(t, "connection to root@10.0.0.1 timed out after 4 attempts: unable to authenticate", connErr.Error())
	assert.ErrorIs(t, connErr, cause)

	cmdErr := &CommandTimeoutError{Command: "sleep 10", Host: "10.0.0.1", Timeout: 5 * time.Second}
	assert.Equal(t, `command "sleep 10" on host 10.0.0.1 did not finish within 5s`, cmdErr.Error())

	failed := &CommandFailedError{Command: "false", ExitStatus: 1, Stdout: []byte("o"), Stderr: []byte("e")}
	assert.Equal(t, "command \"false\" failed with exit status 1\nstdout:\no\nstderr:\ne", failed.Error())

	transfer := &TransferFailedError{Source: "a", Destination: "/b/a", Err: cause}
	assert.ErrorIs(t, transfer, cause)
	assert.Contains(t, transfer.Error(), "/b/a")
}
