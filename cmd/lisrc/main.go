package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Rudd3r/lisrc/pkg/args"
	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/Rudd3r/lisrc/pkg/guest"
	"github.com/Rudd3r/lisrc/pkg/secrets"
	"github.com/Rudd3r/lisrc/pkg/ssh"
	"github.com/Rudd3r/lisrc/pkg/winrm"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

func main() {
	(&args.Root{
		Description: "Remote command execution against LIS test guests and Hyper-V hosts",
		Commands: []args.Command{
			&args.Cmd[domain.CommandExec]{
				Names:            []string{"exec"},
				Description:      "Run a command on one or more guests over SSH",
				ShortDescription: "Run a command on guests",
				Flags: func(cfg *domain.CommandExec, flags *flag.FlagSet) {
					guestAuthFlags(&cfg.GuestAuth, flags)
					flags.BoolVar(
						&cfg.IgnoreExitStatus,
						"ignore-exit-status", false,
						"Do not fail on a non-zero exit status",
					)
					flags.BoolVar(
						&cfg.Raw,
						"raw", false,
						"Print output bytes without decoding",
					)
					flags.StringVar(
						&cfg.Encoding,
						"encoding", domain.DefaultEncoding,
						"Character encoding of the remote output",
					)
					flags.IntVar(
						&cfg.Parallel,
						"parallel", 0,
						"Number of guests to run on at once (default from config)",
					)
				},
				PositionalArgs: []*args.PositionalArg[domain.CommandExec]{
					{
						Name:        "host",
						Description: "Guest address",
						Required:    true,
						Multiple:    true,
						Parse: args.UntilTerminator(func(cfg *domain.CommandExec, vals []string) error {
							cfg.Hosts = vals
							return nil
						}),
					},
					{
						Name:        "command",
						Description: "Command line, after --",
						Required:    true,
						Parse: args.Rest(func(cfg *domain.CommandExec, vals []string) error {
							cfg.Command = strings.Join(vals, " ")
							return nil
						}),
					},
				},
				Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandExec) error {
					if err := applyGuestAuth(log, cfg, cmdCfg.GuestAuth); err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					parallel := cmdCfg.Parallel
					if parallel < 1 {
						parallel = cfg.Parallel
					}
					opts := []ssh.ExecOption{ssh.WithEncoding(cmdCfg.Encoding)}
					if cmdCfg.Raw {
						opts = append(opts, ssh.RawOutput())
					}
					if cmdCfg.IgnoreExitStatus {
						opts = append(opts, ssh.IgnoreExitStatus())
					}

					fleet := guest.NewFleet(log, sessionFactory(log, cfg, parallel), parallel)
					results := fleet.Execute(ctx, cmdCfg.Hosts, cmdCfg.Command, opts...)
					return printResults(results)
				},
			},
			&args.Cmd[domain.CommandCopy]{
				Names:            []string{"copy", "cp"},
				Description:      "Upload a file to a guest directory. Identical files are not transferred again.",
				ShortDescription: "Upload a file to a guest",
				Flags: func(cfg *domain.CommandCopy, flags *flag.FlagSet) {
					guestAuthFlags(&cfg.GuestAuth, flags)
				},
				PositionalArgs: []*args.PositionalArg[domain.CommandCopy]{
					{
						Name:        "host",
						Description: "Guest address",
						Required:    true,
						Parse: args.One(func(cfg *domain.CommandCopy, val string) error {
							cfg.Host = val
							return nil
						}),
					},
					{
						Name:        "source",
						Description: "Local file",
						Required:    true,
						Parse: args.One(func(cfg *domain.CommandCopy, val string) error {
							cfg.Source = val
							return nil
						}),
					},
					{
						Name:        "remote_dir",
						Description: "Destination directory on the guest",
						Required:    true,
						Parse: args.One(func(cfg *domain.CommandCopy, val string) error {
							cfg.RemoteDir = val
							return nil
						}),
					},
				},
				Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandCopy) error {
					if err := applyGuestAuth(log, cfg, cmdCfg.GuestAuth); err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					m, err := newManager(log, cfg, cmdCfg.Host, nil)
					if err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					defer func() { _ = m.Close() }()

					result, err := m.Copy(ctx, cmdCfg.Source, cmdCfg.RemoteDir)
					if err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					if result.Skipped {
						fmt.Printf("%s is up to date\n", result.Destination)
						return nil
					}
					fmt.Printf("%s (%s)\n", result.Destination, domain.FormatSizeBytes(result.Bytes))
					return nil
				},
			},
			&args.Cmd[domain.CommandValidate]{
				Names:            []string{"validate"},
				Description:      "Check that guests accept SSH logins with the configured credentials",
				ShortDescription: "Check SSH logins",
				Flags: func(cfg *domain.CommandValidate, flags *flag.FlagSet) {
					guestAuthFlags(&cfg.GuestAuth, flags)
				},
				PositionalArgs: []*args.PositionalArg[domain.CommandValidate]{
					{
						Name:        "host",
						Description: "Guest address",
						Required:    true,
						Multiple:    true,
						Parse: args.UntilTerminator(func(cfg *domain.CommandValidate, vals []string) error {
							cfg.Hosts = vals
							return nil
						}),
					},
				},
				Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandValidate) error {
					if err := applyGuestAuth(log, cfg, cmdCfg.GuestAuth); err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					fleet := guest.NewFleet(log, sessionFactory(log, cfg, cfg.Parallel), cfg.Parallel)
					results := fleet.Validate(ctx, cmdCfg.Hosts)

					var failed bool
					w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
					_, _ = fmt.Fprintln(w, "HOST\tSTATUS\t")
					for _, r := range results {
						status := "ok"
						if r.Err != nil {
							status = r.Err.Error()
							failed = true
						}
						_, _ = fmt.Fprintf(w, "%s\t%s\t\n", r.Host, status)
					}
					_ = w.Flush()
					if failed {
						return errors.New("validation failed")
					}
					return nil
				},
			},
			&args.Cmd[domain.CommandDetect]{
				Names:            []string{"detect"},
				Description:      "Detect the Linux distribution of a guest",
				ShortDescription: "Detect guest distribution",
				Flags: func(cfg *domain.CommandDetect, flags *flag.FlagSet) {
					guestAuthFlags(&cfg.GuestAuth, flags)
				},
				PositionalArgs: []*args.PositionalArg[domain.CommandDetect]{
					{
						Name:        "host",
						Description: "Guest address",
						Required:    true,
						Parse: args.One(func(cfg *domain.CommandDetect, val string) error {
							cfg.Host = val
							return nil
						}),
					},
				},
				Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandDetect) error {
					if err := applyGuestAuth(log, cfg, cmdCfg.GuestAuth); err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					m, err := newManager(log, cfg, cmdCfg.Host, nil)
					if err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					defer func() { _ = m.Close() }()

					variant, err := guest.NewClient(log, m).Detect(ctx)
					if err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					fmt.Println(variant)
					return nil
				},
			},
			&args.ParentCommand{
				Names:            []string{"host"},
				Description:      "Run commands on a Hyper-V host over WinRM",
				ShortDescription: "Hyper-V host commands",
				SubCommands: []args.Command{
					&args.Cmd[domain.CommandHostRun]{
						Names:            []string{"run"},
						Description:      "Run a command on the host",
						ShortDescription: "Run a command on the host",
						Flags: func(cfg *domain.CommandHostRun, flags *flag.FlagSet) {
							hostAuthFlags(&cfg.HostAuth, flags)
						},
						PositionalArgs: []*args.PositionalArg[domain.CommandHostRun]{
							{
								Name:        "host",
								Description: "Host address",
								Required:    true,
								Parse: args.One(func(cfg *domain.CommandHostRun, val string) error {
									cfg.Host = val
									return nil
								}),
							},
							{
								Name:        "command",
								Description: "Command line",
								Required:    true,
								Parse: args.Rest(func(cfg *domain.CommandHostRun, vals []string) error {
									cfg.Command = strings.Join(vals, " ")
									return nil
								}),
							},
						},
						Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandHostRun) error {
							session, err := newWinRMSession(log, cfg, cmdCfg.Host, cmdCfg.HostAuth)
							if err != nil {
								_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
								return err
							}
							stdout, stderr, status, err := session.RunCommand(ctx, cmdCfg.Command)
							if err != nil {
								_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
								return err
							}
							_, _ = fmt.Fprint(os.Stdout, stdout)
							_, _ = fmt.Fprint(os.Stderr, stderr)
							if status != 0 {
								return fmt.Errorf("exit status %d", status)
							}
							return nil
						},
					},
					&args.Cmd[domain.CommandHostPowerShell]{
						Names:            []string{"ps", "powershell"},
						Description:      "Run a PowerShell cmdlet on the host, e.g. host ps HOST -P Name=guest -- Get-VM",
						ShortDescription: "Run PowerShell on the host",
						Flags: func(cfg *domain.CommandHostPowerShell, flags *flag.FlagSet) {
							hostAuthFlags(&cfg.HostAuth, flags)
							flags.VarP(
								args.NewKeyValueValue(&cfg.Params),
								"param", "P",
								"Cmdlet parameter as Name=Value, may be repeated",
							)
							flags.StringVar(
								&cfg.Attribute,
								"attribute", "",
								"Print only this attribute of the cmdlet result",
							)
						},
						PositionalArgs: []*args.PositionalArg[domain.CommandHostPowerShell]{
							{
								Name:        "host",
								Description: "Host address",
								Required:    true,
								Parse: args.One(func(cfg *domain.CommandHostPowerShell, val string) error {
									cfg.Host = val
									return nil
								}),
							},
							{
								Name:        "cmdlet",
								Description: "Cmdlet and arguments",
								Required:    true,
								Multiple:    true,
								Parse: args.Rest(func(cfg *domain.CommandHostPowerShell, vals []string) error {
									cfg.Args = vals
									return nil
								}),
							},
						},
						Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandHostPowerShell) error {
							session, err := newWinRMSession(log, cfg, cmdCfg.Host, cmdCfg.HostAuth)
							if err != nil {
								_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
								return err
							}
							var out string
							if cmdCfg.Attribute != "" {
								out, err = session.PowerShellAttribute(ctx, strings.Join(cmdCfg.Args, " "), cmdCfg.Attribute, cmdCfg.Params)
							} else {
								out, err = session.RunPowerShell(ctx, cmdCfg.Args, cmdCfg.Params)
							}
							if err != nil {
								_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
								return err
							}
							_, _ = fmt.Fprint(os.Stdout, out)
							return nil
						},
					},
				},
			},
			&args.ParentCommand{
				Names:            []string{"secrets"},
				Description:      "Manage guest and host credentials in the encrypted secret store",
				ShortDescription: "Manage stored credentials",
				SubCommands: []args.Command{
					&args.Cmd[domain.CommandSecret]{
						Names:            []string{"set"},
						Description:      "Store a secret for KIND (ssh, ssh-key or winrm) and USER",
						ShortDescription: "Store a secret",
						Flags: func(cfg *domain.CommandSecret, flags *flag.FlagSet) {
							flags.StringVar(&cfg.KeyFile, "key-file", "", "Private key to store for the ssh-key kind")
						},
						PositionalArgs: secretArgs(),
						Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandSecret) error {
							err := setSecret(cfg, cmdCfg)
							if err != nil {
								_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
								return err
							}
							log.Info("stored secret", "kind", cmdCfg.Kind, "user", cmdCfg.User)
							return nil
						},
					},
					&args.Cmd[domain.CommandSecret]{
						Names:            []string{"delete", "rm"},
						Description:      "Remove the stored secret for KIND (ssh, ssh-key or winrm) and USER",
						ShortDescription: "Remove a stored secret",
						PositionalArgs:   secretArgs(),
						Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandSecret) error {
							key, err := domain.SecretKey(cmdCfg.Kind, cmdCfg.User)
							if err == nil {
								err = secrets.UpdateSecretStore(cfg, func(store *secrets.SecretStore) error {
									return store.DeleteSecret(key)
								})
							}
							if err != nil {
								_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
								return err
							}
							log.Info("removed secret", "kind", cmdCfg.Kind, "user", cmdCfg.User)
							return nil
						},
					},
					&args.Cmd[domain.CommandSecretList]{
						Names:            []string{"list", "ls"},
						Description:      "List the stored secrets",
						ShortDescription: "List stored secrets",
						Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, _ *domain.CommandSecretList) error {
							keys, err := listSecrets(cfg)
							if err != nil {
								_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
								return err
							}
							for _, key := range keys {
								fmt.Println(key)
							}
							return nil
						},
					},
				},
			},
		},
	}).Run()
}

func guestAuthFlags(auth *domain.GuestAuth, flags *flag.FlagSet) {
	flags.StringVarP(&auth.User, "user", "u", "", "Guest user (default from config)")
	flags.BoolVarP(&auth.Password, "password", "p", false, "Prompt for the guest password")
	flags.StringVarP(&auth.IdentityFile, "identity", "i", "", "Private key file")
	flags.BoolVar(&auth.Agent, "agent", false, "Authenticate with the SSH agent")
	flags.Var(args.NewDurationValue(0, &auth.Timeout), "timeout", "Overall connect and command timeout (default from config)")
	flags.Var(args.NewDurationValue(0, &auth.ChannelTimeout), "channel-timeout", "Per-read idle timeout (default from config)")
	flags.BoolVar(&auth.StrictHostKeys, "strict-host-keys", false, "Verify host keys against known_hosts")
}

func hostAuthFlags(auth *domain.HostAuth, flags *flag.FlagSet) {
	flags.StringVar(&auth.User, "winrm-user", "", "Host user (default from config)")
	flags.BoolVar(&auth.Password, "winrm-password", false, "Prompt for the host password")
	flags.IntVar(&auth.Port, "winrm-port", 0, "WinRM port (default from config)")
	flags.BoolVar(&auth.NoHTTPS, "no-https", false, "Use plain HTTP")
}

func secretArgs() []*args.PositionalArg[domain.CommandSecret] {
	return []*args.PositionalArg[domain.CommandSecret]{
		{
			Name:        "kind",
			Description: "ssh, ssh-key or winrm",
			Required:    true,
			Parse: args.One(func(cfg *domain.CommandSecret, val string) error {
				cfg.Kind = val
				return nil
			}),
		},
		{
			Name:        "user",
			Description: "User name",
			Required:    true,
			Parse: args.One(func(cfg *domain.CommandSecret, val string) error {
				cfg.User = val
				return nil
			}),
		},
	}
}

// applyGuestAuth layers command flags over the config and fills credentials
// from a prompt or the secret store.
func applyGuestAuth(log *slog.Logger, cfg *domain.Config, auth domain.GuestAuth) error {
	if auth.User != "" {
		cfg.SSHUser = auth.User
	}
	if auth.IdentityFile != "" {
		cfg.SSHKeyFile = auth.IdentityFile
	}
	if auth.Agent {
		cfg.SSHUseAgent = true
	}
	if auth.Timeout > 0 {
		cfg.SSHTimeout = auth.Timeout
	}
	if auth.ChannelTimeout > 0 {
		cfg.SSHChannelTimeout = auth.ChannelTimeout
	}
	if auth.StrictHostKeys {
		cfg.SSHInsecureIgnoreHostKey = false
		if cfg.SSHKnownHostsFile == "" {
			knownHosts, err := domain.DefaultKnownHostsFile()
			if err != nil {
				return err
			}
			cfg.SSHKnownHostsFile = knownHosts
		}
	}
	if auth.Password {
		password, err := secrets.PromptPassword(os.Stdin, os.Stderr, fmt.Sprintf("Password for %s: ", cfg.SSHUser))
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		cfg.SetSSHPassword(password)
	}
	secrets.LoadCredentials(log, cfg)
	return nil
}

// ensureStorePassword offers to create a store password when none is set up.
func ensureStorePassword(cfg *domain.Config) error {
	err := secrets.EnsurePasswordFromConfig(cfg)
	if errors.Is(err, secrets.ErrStorePasswordNotConfigured) {
		return secrets.SetupSecretStorePassword(os.Stdin, os.Stderr, cfg)
	}
	return err
}

func setSecret(cfg *domain.Config, cmdCfg *domain.CommandSecret) error {
	key, err := domain.SecretKey(cmdCfg.Kind, cmdCfg.User)
	if err != nil {
		return err
	}
	var update func(store *secrets.SecretStore) error
	if cmdCfg.Kind == domain.SecretKindSSHKey {
		if cmdCfg.KeyFile == "" {
			return errors.New("--key-file is required for the ssh-key kind")
		}
		pemData, err := os.ReadFile(cmdCfg.KeyFile)
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
		update = func(store *secrets.SecretStore) error { return store.SetSSHKey(key, pemData) }
	} else {
		password, err := secrets.PromptPassword(os.Stdin, os.Stderr,
			fmt.Sprintf("Password for %s user %s: ", cmdCfg.Kind, cmdCfg.User))
		if err != nil {
			return err
		}
		update = func(store *secrets.SecretStore) error { return store.SetSecret(key, password) }
	}
	if err = ensureStorePassword(cfg); err != nil {
		return err
	}
	return secrets.UpdateSecretStore(cfg, update)
}

func listSecrets(cfg *domain.Config) ([]string, error) {
	if _, err := os.Stat(cfg.SecretStoreFile()); os.IsNotExist(err) {
		return nil, nil
	}
	if err := secrets.EnsurePasswordFromConfig(cfg); err != nil {
		return nil, err
	}
	store, err := secrets.OpenSecretStore(cfg.SecretStoreFile(), cfg.SecretStorePassword())
	if err != nil {
		return nil, err
	}
	keys, err := store.ListSecrets()
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

func newManager(log *slog.Logger, cfg *domain.Config, host string, limiter *rate.Limiter) (*ssh.Manager, error) {
	opts := []ssh.ManagerOption{
		ssh.WithBackoff(time.Duration(cfg.RetryInitialDelay), time.Duration(cfg.RetryIncrement)),
	}
	if limiter != nil {
		opts = append(opts, ssh.WithDialLimiter(limiter))
	}
	return ssh.NewManager(log, cfg.ConnectionParameters(host), opts...)
}

// sessionFactory opens one Manager per guest; all of them share a dial limiter
// so a large fleet does not open every connection in the same instant.
func sessionFactory(log *slog.Logger, cfg *domain.Config, parallel int) guest.SessionFactory {
	limiter := rate.NewLimiter(rate.Limit(parallel), parallel)
	return func(host string) (guest.Session, error) {
		return newManager(log, cfg, host, limiter)
	}
}

func printResults(results []guest.HostResult) error {
	var failed int
	for _, r := range results {
		if len(results) > 1 {
			fmt.Printf("==> %s <==\n", r.Host)
		}
		result := r.Result
		var cmdErr *domain.CommandFailedError
		if errors.As(r.Err, &cmdErr) {
			result = &domain.CommandResult{Stdout: cmdErr.Stdout, Stderr: cmdErr.Stderr, ExitStatus: cmdErr.ExitStatus}
		}
		if result != nil {
			_, _ = os.Stdout.Write(result.Stdout)
			_, _ = os.Stderr.Write(result.Stderr)
		}
		if r.Err != nil {
			failed++
			_, _ = fmt.Fprintf(os.Stderr, "%s: %s\n", r.Host, r.Err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("command failed on %d of %d hosts", failed, len(results))
	}
	return nil
}

func newWinRMSession(log *slog.Logger, cfg *domain.Config, host string, auth domain.HostAuth) (*winrm.Session, error) {
	if auth.User != "" {
		cfg.WinRMUser = auth.User
	}
	if auth.Port != 0 {
		cfg.WinRMPort = auth.Port
	}
	if auth.NoHTTPS {
		cfg.WinRMHTTPS = false
		if auth.Port == 0 && cfg.WinRMPort == domain.DefaultWinRMPort {
			cfg.WinRMPort = domain.DefaultWinRMHTTPPort
		}
	}
	if auth.Password {
		password, err := secrets.PromptPassword(os.Stdin, os.Stderr, fmt.Sprintf("Password for %s on %s: ", cfg.WinRMUser, host))
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		cfg.SetWinRMPassword(password)
	}
	secrets.LoadCredentials(log, cfg)
	return winrm.NewSession(log, cfg.WinRMParameters(host))
}
