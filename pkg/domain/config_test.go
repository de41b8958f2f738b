package domain

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	t.Run("creates config with default values", func(t *testing.T) {
		config := NewDefaultConfig()

		require.NotNil(t, config)
		assert.NotEmpty(t, config.ConfigDir)
		assert.Equal(t, slog.LevelWarn, config.LogLevel)
		assert.Equal(t, DefaultSSHUser, config.SSHUser)
		assert.Equal(t, DefaultSSHPort, config.SSHPort)
		assert.Equal(t, Duration(DefaultSSHTimeout), config.SSHTimeout)
		assert.Equal(t, Duration(DefaultSSHChannelTimeout), config.SSHChannelTimeout)
		assert.Equal(t, Duration(DefaultRetryInitialDelay), config.RetryInitialDelay)
		assert.Equal(t, Duration(DefaultRetryIncrement), config.RetryIncrement)
		assert.Equal(t, DefaultParallel, config.Parallel)
		assert.Equal(t, DefaultWinRMPort, config.WinRMPort)
		assert.True(t, config.SSHInsecureIgnoreHostKey)
		assert.False(t, config.Help)
	})

	t.Run("creates different instances", func(t *testing.T) {
		config1 := NewDefaultConfig()
		config2 := NewDefaultConfig()
		assert.NotSame(t, config1, config2)
		assert.Equal(t, config1.SSHTimeout, config2.SSHTimeout)
	})
}

func TestConfigLoad(t *testing.T) {
	t.Run("creates config file if not exists", func(t *testing.T) {
		tmpDir := t.TempDir()

		config := &Config{}
		require.NoError(t, config.Load(tmpDir))

		cfgPath := filepath.Join(tmpDir, "config.json")
		assert.FileExists(t, cfgPath)
		assert.Equal(t, tmpDir, config.ConfigDir)
		assert.Equal(t, Duration(DefaultSSHTimeout), config.SSHTimeout)
	})

	t.Run("loads existing config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfgPath := filepath.Join(tmpDir, "config.json")
		data := `{
  "SSHUser": "lisa",
  "SSHTimeout": "2m",
  "SSHChannelTimeout": "5s",
  "Parallel": 8,
  "WinRMUser": "Administrator",
  "InsecureSSHPassword": "from-file",
  "LogLevel": "DEBUG"
}`
		require.NoError(t, os.WriteFile(cfgPath, []byte(data), 0600))

		config := &Config{}
		require.NoError(t, config.Load(tmpDir))

		assert.Equal(t, "lisa", config.SSHUser)
		assert.Equal(t, Duration(2*time.Minute), config.SSHTimeout)
		assert.Equal(t, Duration(5*time.Second), config.SSHChannelTimeout)
		assert.Equal(t, 8, config.Parallel)
		assert.Equal(t, "Administrator", config.WinRMUser)
		assert.Equal(t, "from-file", config.SSHPassword())
		assert.Equal(t, slog.LevelDebug, config.LogLevel)
		// Unset fields keep their defaults.
		assert.Equal(t, DefaultWinRMPort, config.WinRMPort)
	})

	t.Run("returns error if config path is a directory", func(t *testing.T) {
		tmpDir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(tmpDir, "config.json"), 0755))

		config := &Config{}
		err := config.Load(tmpDir)
		assert.ErrorContains(t, err, "is a directory")
	})

	t.Run("returns error for invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "config.json"), []byte("{invalid"), 0600))

		config := &Config{}
		err := config.Load(tmpDir)
		assert.ErrorContains(t, err, "failed to unmarshal")
	})

	t.Run("environment overrides file", func(t *testing.T) {
		tmpDir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "config.json"),
			[]byte(`{"SSHUser":"lisa","InsecureSSHPassword":"from-file"}`), 0600))
		t.Setenv(EnvSSHUser, "root")
		t.Setenv(EnvSSHPassword, "from-env")

		config := &Config{}
		require.NoError(t, config.Load(tmpDir))
		assert.Equal(t, "root", config.SSHUser)
		assert.Equal(t, "from-env", config.SSHPassword())
	})
}

func TestConfigLoadEnv(t *testing.T) {
	t.Run("loads all environment variables", func(t *testing.T) {
		t.Setenv(EnvLogFile, "/var/log/lisrc.log")
		t.Setenv(EnvSSHUser, "lisa")
		t.Setenv(EnvSSHKeyFile, "/keys/id_ed25519")
		t.Setenv(EnvSSHTimeout, "120")
		t.Setenv(EnvSSHChannelTimeout, "15s")
		t.Setenv(EnvWinRMUser, "Administrator")
		t.Setenv(EnvWinRMPassword, "hunter2")
		t.Setenv(EnvParallel, "16")
		t.Setenv(EnvLogLevel, "DEBUG")

		config := NewDefaultConfig()
		require.NoError(t, config.loadEnv())

		assert.Equal(t, "/var/log/lisrc.log", config.LogFile)
		assert.Equal(t, "lisa", config.SSHUser)
		assert.Equal(t, "/keys/id_ed25519", config.SSHKeyFile)
		assert.Equal(t, Duration(120*time.Second), config.SSHTimeout)
		assert.Equal(t, Duration(15*time.Second), config.SSHChannelTimeout)
		assert.Equal(t, "Administrator", config.WinRMUser)
		assert.Equal(t, "hunter2", config.WinRMPassword())
		assert.Equal(t, 16, config.Parallel)
		assert.Equal(t, slog.LevelDebug, config.LogLevel)
	})

	t.Run("secret store password from environment or config", func(t *testing.T) {
		config := NewDefaultConfig()
		config.InsecureSecretStorePassword = "from-config"
		require.NoError(t, config.loadEnv())
		assert.Equal(t, "from-config", config.SecretStorePassword())

		t.Setenv(EnvSecretStorePassword, "from-env")
		require.NoError(t, config.loadEnv())
		assert.Equal(t, "from-env", config.SecretStorePassword())
		assert.True(t, config.HasSecretStorePassword())
	})

	t.Run("returns error for invalid timeout", func(t *testing.T) {
		t.Setenv(EnvSSHTimeout, "soon")
		config := NewDefaultConfig()
		assert.ErrorContains(t, config.loadEnv(), EnvSSHTimeout)
	})

	t.Run("returns error for invalid parallelism", func(t *testing.T) {
		for _, v := range []string{"zero", "0", "-2"} {
			t.Setenv(EnvParallel, v)
			config := NewDefaultConfig()
			assert.ErrorContains(t, config.loadEnv(), EnvParallel, v)
		}
	})

	t.Run("returns error for invalid log level", func(t *testing.T) {
		t.Setenv(EnvLogLevel, "INVALID_LEVEL")
		config := NewDefaultConfig()
		assert.ErrorContains(t, config.loadEnv(), "invalid log level")
	})
}

func TestConfigSaveOmitsRuntimePasswords(t *testing.T) {
	tmpDir := t.TempDir()
	config := NewDefaultConfig()
	config.ConfigDir = tmpDir
	config.SetSSHPassword("runtime-only")
	config.SetWinRMPassword("runtime-only")
	config.SetSecretStorePassword("runtime-only")
	config.SetSSHPrivateKey([]byte("runtime-only"))
	require.NoError(t, config.Save())

	data, err := os.ReadFile(filepath.Join(tmpDir, "config.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "runtime-only")
	assert.NotContains(t, string(data), "InsecureSSHPassword")
	assert.NotContains(t, string(data), "InsecureSecretStorePassword")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "5m0s", decoded["SSHTimeout"])
}

func TestConfigConnectionParameters(t *testing.T) {
	config := NewDefaultConfig()
	config.SSHUser = "lisa"
	config.SSHPort = 2222
	config.SSHKeyFile = "/keys/id"
	config.SSHTimeout = Duration(time.Minute)
	config.SSHChannelTimeout = Duration(3 * time.Second)
	config.SetSSHPassword("pw")

	p := config.ConnectionParameters("10.1.2.3")
	assert.Equal(t, "10.1.2.3", p.Host)
	assert.Equal(t, "lisa", p.User)
	assert.Equal(t, "pw", p.Password)
	assert.Equal(t, "/keys/id", p.PrivateKeyFile)
	assert.Equal(t, time.Minute, p.Timeout)
	assert.Equal(t, 3*time.Second, p.ChannelTimeout)
	assert.Equal(t, "10.1.2.3:2222", p.Addr())
	require.NoError(t, p.Validate())

	w := config.WinRMParameters("hyperv01")
	assert.Equal(t, "hyperv01:5986", w.Addr())
	assert.ErrorIs(t, w.Validate(), ErrMissingUser)
}
