package ssh_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/Rudd3r/lisrc/pkg/internal/sshtest"
	"github.com/Rudd3r/lisrc/pkg/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func startServer(t *testing.T, cfg sshtest.Config) (*sshtest.Server, domain.ConnectionParameters) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if cfg.Passwords == nil {
		cfg.Passwords = map[string]string{"tester": "testpass"}
	}
	server := sshtest.Start(t, ctx, discardLogger(), cfg)

	params := domain.NewConnectionParameters("127.0.0.1", "tester")
	params.Port = server.Port()
	params.Password = "testpass"
	params.Timeout = 10 * time.Second
	params.ChannelTimeout = 2 * time.Second
	return server, params
}

func TestIntegrationExecute(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	_, params := startServer(t, sshtest.Config{})
	m, err := ssh.NewManager(discardLogger(), params)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	ctx := context.Background()

	result, err := m.Execute(ctx, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.StdoutString())

	result, err = m.Execute(ctx, "echo out; echo err >&2; exit 0")
	require.NoError(t, err)
	assert.Equal(t, "out\n", result.StdoutString())
	assert.Equal(t, "err\n", result.StderrString())

	_, err = m.Execute(ctx, "echo broken >&2; exit 7")
	var failed *domain.CommandFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 7, failed.ExitStatus)
	assert.Equal(t, "broken\n", string(failed.Stderr))

	result, err = m.Execute(ctx, "exit 7", ssh.IgnoreExitStatus())
	require.NoError(t, err)
	assert.Equal(t, 7, result.ExitStatus)
}

func TestIntegrationLargeOutputOnBothStreams(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	_, params := startServer(t, sshtest.Config{})
	m, err := ssh.NewManager(discardLogger(), params)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	// stderr alone exceeds the channel window while stdout is still open.
	result, err := m.Execute(context.Background(),
		"head -c 3000000 /dev/zero | tr '\\0' a; head -c 3000000 /dev/zero | tr '\\0' b >&2")
	require.NoError(t, err)
	assert.Len(t, result.Stdout, 3000000)
	assert.Len(t, result.Stderr, 3000000)
}

func TestIntegrationBlockingReads(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	_, params := startServer(t, sshtest.Config{})
	m, err := ssh.NewManager(discardLogger(), params,
		ssh.WithTransport(&ssh.NativeTransport{BlockingReads: true}))
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	result, err := m.Execute(context.Background(), "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", result.StdoutString())
	assert.Equal(t, "err\n", result.StderrString())
}

func TestIntegrationCommandTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	_, params := startServer(t, sshtest.Config{})
	params.Timeout = 500 * time.Millisecond
	params.ChannelTimeout = 100 * time.Millisecond
	m, err := ssh.NewManager(discardLogger(), params)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	_, err = m.Execute(context.Background(), "sleep 5")
	var timeout *domain.CommandTimeoutError
	assert.ErrorAs(t, err, &timeout)
}

func TestIntegrationRetriesRejectedLogins(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	server, params := startServer(t, sshtest.Config{RejectLogins: 2})
	m, err := ssh.NewManager(discardLogger(), params, ssh.WithBackoff(0, 50*time.Millisecond))
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.NoError(t, m.ValidateAuthentication(context.Background()))
	assert.Equal(t, 1, server.Logins())
}

func TestIntegrationConnectionTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	_, params := startServer(t, sshtest.Config{})
	params.Password = "wrong"
	params.Timeout = 300 * time.Millisecond
	m, err := ssh.NewManager(discardLogger(), params, ssh.WithBackoff(0, 50*time.Millisecond))
	require.NoError(t, err)

	err = m.ValidateAuthentication(context.Background())
	var timeout *domain.ConnectionTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Greater(t, timeout.Attempts, 1)
}

func TestIntegrationRetriesDialTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = lis.Close() }()

	params := domain.NewConnectionParameters("127.0.0.1", "tester")
	params.Port = lis.Addr().(*net.TCPAddr).Port
	params.Password = "testpass"
	params.Timeout = 300 * time.Millisecond
	params.ChannelTimeout = time.Nanosecond
	m, err := ssh.NewManager(discardLogger(), params, ssh.WithBackoff(0, 50*time.Millisecond))
	require.NoError(t, err)

	err = m.ValidateAuthentication(context.Background())
	var timeout *domain.ConnectionTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Greater(t, timeout.Attempts, 1)
}

func TestIntegrationPublicKeyAndKnownHosts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := gossh.NewPublicKey(pub)
	require.NoError(t, err)
	block, err := gossh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	server, params := startServer(t, sshtest.Config{
		AuthorizedKeys: map[string][]gossh.PublicKey{"tester": {sshPub}},
	})
	params.Password = ""
	params.PrivateKey = pem.EncodeToMemory(block)

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(params.Addr())}, server.HostKey())
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0o600))
	params.InsecureIgnoreHostKey = false
	params.KnownHostsFile = knownHosts

	m, err := ssh.NewManager(discardLogger(), params)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	result, err := m.Execute(context.Background(), "echo key")
	require.NoError(t, err)
	assert.Equal(t, "key\n", result.StdoutString())
}

func TestIntegrationUnknownHostKeyIsFatal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	_, params := startServer(t, sshtest.Config{})
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(knownHosts, nil, 0o600))
	params.InsecureIgnoreHostKey = false
	params.KnownHostsFile = knownHosts

	m, err := ssh.NewManager(discardLogger(), params)
	require.NoError(t, err)

	start := time.Now()
	err = m.ValidateAuthentication(context.Background())
	require.Error(t, err)
	var timeout *domain.ConnectionTimeoutError
	assert.False(t, errors.As(err, &timeout))
	var keyErr *knownhosts.KeyError
	assert.ErrorAs(t, err, &keyErr)
	assert.Less(t, time.Since(start), params.Timeout)
}

func TestIntegrationCopy(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	_, params := startServer(t, sshtest.Config{})
	m, err := ssh.NewManager(discardLogger(), params)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	remoteDir := filepath.Join(t.TempDir(), "nested", "dir")
	src := writeLocal(t, "payload.txt", "payload contents\n")

	result, err := m.Copy(context.Background(), src, remoteDir)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	got, err := os.ReadFile(filepath.Join(remoteDir, "payload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload contents\n", string(got))

	result, err = m.Copy(context.Background(), src, remoteDir)
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	out, err := m.Execute(context.Background(), "cat "+filepath.Join(remoteDir, "payload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload contents\n", out.StdoutString())
}
