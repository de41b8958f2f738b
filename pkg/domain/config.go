package domain

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	AppName = "lisrc"

	DefaultSSHUser           = "root"
	DefaultRetryInitialDelay = 1500 * time.Millisecond
	DefaultRetryIncrement    = time.Second
	DefaultParallel          = 4

	EnvConfigDir         = "LISRC_CONFIG_DIR"
	EnvLogLevel          = "LISRC_LOG_LEVEL"
	EnvLogFile           = "LISRC_LOG_FILE"
	EnvSSHUser           = "LISRC_SSH_USER"
	EnvSSHPassword       = "LISRC_SSH_PASSWORD"
	EnvSSHKeyFile        = "LISRC_SSH_KEY_FILE"
	EnvSSHTimeout        = "LISRC_SSH_TIMEOUT"
	EnvSSHChannelTimeout = "LISRC_SSH_CHANNEL_TIMEOUT"
	EnvWinRMUser         = "LISRC_WINRM_USER"
	EnvWinRMPassword     = "LISRC_WINRM_PASSWORD"
	EnvParallel          = "LISRC_PARALLEL"

	EnvSecretStorePassword = "LISRC_SECRET_STORE_PASSWORD"

	secretStoreFileName = "secrets.kdbx"
)

type Config struct {
	ConfigDir string
	LogLevel  slog.Level
	LogFile   string

	SSHUser                  string
	SSHPort                  int
	SSHKeyFile               string
	SSHUseAgent              bool
	SSHTimeout               Duration
	SSHChannelTimeout        Duration
	SSHInsecureIgnoreHostKey bool
	SSHKnownHostsFile        string
	RetryInitialDelay        Duration
	RetryIncrement           Duration
	Parallel                 int

	WinRMUser             string
	WinRMPort             int
	WinRMHTTPS            bool
	WinRMInsecure         bool
	WinRMOperationTimeout Duration

	InsecureSSHPassword         string `json:",omitempty"`
	InsecureWinRMPassword       string `json:",omitempty"`
	InsecureSecretStorePassword string `json:",omitempty"`

	Help                bool `json:"-"`
	sshPassword         string
	sshPrivateKey       []byte
	winrmPassword       string
	secretStorePassword string
}

func (c *Config) SSHPassword() string { return c.sshPassword }

func (c *Config) SetSSHPassword(password string) { c.sshPassword = password }

func (c *Config) SSHPrivateKey() []byte { return c.sshPrivateKey }

// SetSSHPrivateKey supplies PEM key material that takes the place of a key file.
func (c *Config) SetSSHPrivateKey(key []byte) { c.sshPrivateKey = key }

func (c *Config) WinRMPassword() string { return c.winrmPassword }

func (c *Config) SetWinRMPassword(password string) { c.winrmPassword = password }

func (c *Config) SecretStorePassword() string { return c.secretStorePassword }

func (c *Config) SetSecretStorePassword(password string) { c.secretStorePassword = password }

func (c *Config) HasSecretStorePassword() bool { return c.secretStorePassword != "" }

// SecretStoreFile is the path of the encrypted credential store.
func (c *Config) SecretStoreFile() string {
	return filepath.Join(c.ConfigDir, secretStoreFileName)
}

func NewDefaultConfig() *Config {
	configDir, _ := UserConfigDir()
	return &Config{
		ConfigDir:                configDir,
		LogLevel:                 slog.LevelWarn,
		SSHUser:                  DefaultSSHUser,
		SSHPort:                  DefaultSSHPort,
		SSHTimeout:               Duration(DefaultSSHTimeout),
		SSHChannelTimeout:        Duration(DefaultSSHChannelTimeout),
		SSHInsecureIgnoreHostKey: true,
		RetryInitialDelay:        Duration(DefaultRetryInitialDelay),
		RetryIncrement:           Duration(DefaultRetryIncrement),
		Parallel:                 DefaultParallel,
		WinRMPort:                DefaultWinRMPort,
		WinRMHTTPS:               true,
		WinRMInsecure:            true,
		WinRMOperationTimeout:    Duration(DefaultWinRMOperationTimeout),
	}
}

func (c *Config) Load(configDir string) error {
	*c = *NewDefaultConfig()
	if configDir == "" {
		configDir, _ = UserConfigDir()
	}
	if configDir == "" {
		return fmt.Errorf("failed to determine config directory")
	}
	c.ConfigDir = configDir
	if err := EnsureDir(c.ConfigDir); err != nil {
		return fmt.Errorf("failed to ensure config dir: %w", err)
	}
	cfgPath := filepath.Join(c.ConfigDir, "config.json")
	if cfgFileInfo, err := os.Stat(cfgPath); err == nil && cfgFileInfo.IsDir() {
		return fmt.Errorf("config file path is a directory")
	} else if err == nil {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err = json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	} else if os.IsNotExist(err) {
		if err := c.Save(); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("failed to stat config path: %w", err)
	}

	return c.loadEnv()
}

// Save writes the config to disk
func (c *Config) Save() error {
	if c.ConfigDir == "" {
		return fmt.Errorf("config directory not set")
	}
	if err := EnsureDir(c.ConfigDir); err != nil {
		return fmt.Errorf("failed to ensure config dir: %w", err)
	}
	cfgPath := filepath.Join(c.ConfigDir, "config.json")
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(cfgPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	if configDir := os.Getenv(EnvConfigDir); configDir != "" {
		c.ConfigDir = configDir
	}
	if logFile := os.Getenv(EnvLogFile); logFile != "" {
		c.LogFile = logFile
	}
	if user := os.Getenv(EnvSSHUser); user != "" {
		c.SSHUser = user
	}
	if keyFile := os.Getenv(EnvSSHKeyFile); keyFile != "" {
		c.SSHKeyFile = keyFile
	}
	if timeout := os.Getenv(EnvSSHTimeout); timeout != "" {
		d, err := ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", EnvSSHTimeout, err)
		}
		c.SSHTimeout = Duration(d)
	}
	if timeout := os.Getenv(EnvSSHChannelTimeout); timeout != "" {
		d, err := ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", EnvSSHChannelTimeout, err)
		}
		c.SSHChannelTimeout = Duration(d)
	}
	if user := os.Getenv(EnvWinRMUser); user != "" {
		c.WinRMUser = user
	}
	if parallel := os.Getenv(EnvParallel); parallel != "" {
		n, err := strconv.Atoi(parallel)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid value for %s: %s", EnvParallel, parallel)
		}
		c.Parallel = n
	}
	// Passwords: environment first, then the config file. The secret store is
	// consulted later, once the target user is known.
	if pass := os.Getenv(EnvSSHPassword); pass != "" {
		c.sshPassword = pass
	} else {
		c.sshPassword = c.InsecureSSHPassword
	}
	if pass := os.Getenv(EnvWinRMPassword); pass != "" {
		c.winrmPassword = pass
	} else {
		c.winrmPassword = c.InsecureWinRMPassword
	}
	if pass := os.Getenv(EnvSecretStorePassword); pass != "" {
		c.secretStorePassword = pass
	} else {
		c.secretStorePassword = c.InsecureSecretStorePassword
	}
	if logLevel := os.Getenv(EnvLogLevel); logLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}
	return nil
}

// ConnectionParameters builds guest connection parameters for host from the config.
func (c *Config) ConnectionParameters(host string) ConnectionParameters {
	p := NewConnectionParameters(host, c.SSHUser)
	p.Port = c.SSHPort
	p.Password = c.sshPassword
	p.PrivateKey = c.sshPrivateKey
	p.PrivateKeyFile = c.SSHKeyFile
	p.UseAgent = c.SSHUseAgent
	p.Timeout = time.Duration(c.SSHTimeout)
	p.ChannelTimeout = time.Duration(c.SSHChannelTimeout)
	p.InsecureIgnoreHostKey = c.SSHInsecureIgnoreHostKey
	p.KnownHostsFile = c.SSHKnownHostsFile
	return p
}

// WinRMParameters builds management endpoint parameters for host from the config.
func (c *Config) WinRMParameters(host string) WinRMParameters {
	p := NewWinRMParameters(host, c.WinRMUser, c.winrmPassword)
	p.Port = c.WinRMPort
	p.HTTPS = c.WinRMHTTPS
	p.Insecure = c.WinRMInsecure
	p.OperationTimeout = time.Duration(c.WinRMOperationTimeout)
	return p
}
