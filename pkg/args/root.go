package args

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/Rudd3r/lisrc/pkg/domain"
	flag "github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

var globalFlags *flag.FlagSet

type Command interface {
	Call(ctx context.Context, log *slog.Logger, cfg *domain.Config, args []string) error
	Usage() Usage
}

type Usage struct {
	Names []string
	Usage string
}

type Root struct {
	Description string
	Commands    []Command

	cfg *domain.Config
}

func (r *Root) Run() {

	var exit int
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		if rcv := recover(); rcv != nil {
			panic(rcv)
		}
		os.Exit(exit)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	cfgDir, err := getConfigDirectory(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		exit = 1
		return
	}

	r.cfg = &domain.Config{}
	if err = r.cfg.Load(cfgDir); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		exit = 1
		return
	}
	r.handleGlobalFlags(os.Args)

	log, closer := NewLogger(r.cfg, os.Stderr)
	defer func() { _ = closer.Close() }()

	if len(os.Args) > 1 {
		commandName := strings.ToLower(strings.TrimSpace(os.Args[1]))
		for _, cmd := range r.Commands {
			for _, name := range cmd.Usage().Names {
				if name == commandName {
					if err := cmd.Call(ctx, log, r.cfg, os.Args[2:]); err != nil {
						exit = 1
					}
					return
				}
			}
		}
	}

	r.help()
}

// NewLogger builds the process logger. Records go to the rotated log file when
// one is configured and to stderr otherwise.
func NewLogger(cfg *domain.Config, stderr io.Writer) (*slog.Logger, io.Closer) {
	logCfg := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogLevel == slog.LevelDebug {
		logCfg.AddSource = true
	}
	if cfg.LogFile == "" {
		return slog.New(slog.NewTextHandler(stderr, logCfg)), io.NopCloser(nil)
	}
	file := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	return slog.New(slog.NewTextHandler(file, logCfg)), file
}

func (r *Root) handleGlobalFlags(argv []string) {
	var verbose bool
	var debug bool

	globalFlags = flag.NewFlagSet("global", flag.ContinueOnError)
	globalFlags.BoolP("help", "h", false, "Show this help")
	globalFlags.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	globalFlags.BoolVar(&debug, "debug", false, "Debug output")
	globalFlags.StringVar(&r.cfg.ConfigDir, "config-dir", r.cfg.ConfigDir, "Path to config dir")
	globalFlags.StringVar(&r.cfg.LogFile, "log-file", r.cfg.LogFile, "Write logs to a rotated file instead of stderr")
	// Global flags may follow the command name, next to its own flags.
	globalFlags.ParseErrorsAllowlist = flag.ParseErrorsAllowlist{UnknownFlags: true}
	_ = globalFlags.ParseAll(argv, func(flag *flag.Flag, value string) error {
		_ = globalFlags.Set(flag.Name, value)
		return nil
	})

	if verbose {
		r.cfg.LogLevel = slog.LevelInfo
	}
	if debug {
		r.cfg.LogLevel = slog.LevelDebug
	}
}

func getConfigDirectory(argv []string) (cfgDir string, err error) {
	cfgDir, _ = domain.UserConfigDir()
	f := flag.NewFlagSet("", flag.ContinueOnError)
	f.BoolP("help", "h", false, "Show this help")
	f.StringVar(&cfgDir, "config-dir", cfgDir, "Path to config dir")
	f.ParseErrorsAllowlist = flag.ParseErrorsAllowlist{UnknownFlags: true}
	_ = f.ParseAll(argv, func(flag *flag.Flag, value string) error {
		_ = f.Set(flag.Name, value)
		return nil
	})
	if cfgDir == "" {
		return cfgDir, errors.New("cannot determine config directory")
	}
	return cfgDir, nil
}

func (r *Root) help() {
	_, _ = fmt.Fprintf(os.Stderr, "USAGE: %s COMMAND [OPTIONS]\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "\n")
	_, _ = fmt.Fprintf(os.Stderr, "%s\n", r.Description)
	_, _ = fmt.Fprintf(os.Stderr, "\n")
	_, _ = fmt.Fprintf(os.Stderr, "Commands:\n")
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 1, ' ', tabwriter.AlignRight|tabwriter.Debug)
	for _, cmd := range r.Commands {
		usage := cmd.Usage()
		_, _ = fmt.Fprintln(w, strings.Join(usage.Names, ","), "\t", usage.Usage)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(os.Stderr, "\n")
	_, _ = fmt.Fprintf(os.Stderr, "Global Options:\n")
	_, _ = fmt.Fprintf(os.Stderr, "%s", globalFlags.FlagUsagesWrapped(0))
}
