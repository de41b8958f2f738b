package domain

// GuestAuth holds the SSH flags shared by every guest command.
type GuestAuth struct {
	User           string
	Password       bool
	IdentityFile   string
	Agent          bool
	Timeout        Duration
	ChannelTimeout Duration
	StrictHostKeys bool
}

type CommandExec struct {
	GuestAuth
	Hosts            []string
	Command          string
	IgnoreExitStatus bool
	Raw              bool
	Encoding         string
	Parallel         int
}

type CommandCopy struct {
	GuestAuth
	Host      string
	Source    string
	RemoteDir string
}

type CommandValidate struct {
	GuestAuth
	Hosts []string
}

type CommandDetect struct {
	GuestAuth
	Host string
}

// HostAuth holds the WinRM flags shared by every host command.
type HostAuth struct {
	User     string
	Password bool
	Port     int
	NoHTTPS  bool
}

type CommandHostRun struct {
	HostAuth
	Host    string
	Command string
}

type CommandHostPowerShell struct {
	HostAuth
	Host      string
	Args      []string
	Params    map[string]string
	Attribute string
}

// CommandSecret names a secret store entry: a secret kind and the user it
// belongs to. KeyFile supplies the key for the ssh-key kind.
type CommandSecret struct {
	Kind    string
	User    string
	KeyFile string
}

type CommandSecretList struct{}
