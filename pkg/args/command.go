package args

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/Rudd3r/lisrc/pkg/domain"
	flag "github.com/spf13/pflag"
)

var _ Command = (*Cmd[interface{}])(nil)

var _ Command = (*ParentCommand)(nil)

// ArgsTerminator separates arguments from a trailing command line.
const ArgsTerminator = "--"

type PositionalArg[V any] struct {
	Name        string
	Description string
	Multiple    bool
	Required    bool
	Parse       func(args []string, cfg *V) (next []string, err error)
}

type ParentCommand struct {
	Names            []string
	Description      string
	ShortDescription string
	SubCommands      []Command
}

func (c *ParentCommand) Call(ctx context.Context, log *slog.Logger, cfg *domain.Config, args []string) error {
	if len(args) > 0 {
		commandName := strings.ToLower(strings.TrimSpace(args[0]))
		for _, cmd := range c.SubCommands {
			for _, name := range cmd.Usage().Names {
				if name == commandName {
					return cmd.Call(ctx, log, cfg, args[1:])
				}
			}
		}
	}
	c.help()
	return nil
}

func (c *ParentCommand) help() {
	_, _ = fmt.Fprintf(os.Stderr, "USAGE: %s COMMAND", strings.Join(c.Names, ","))
	if c.Description != "" {
		_, _ = fmt.Fprintf(os.Stderr, "\n")
		_, _ = fmt.Fprintf(os.Stderr, "\n")
		_, _ = fmt.Fprint(os.Stderr, c.Description)
		_, _ = fmt.Fprintf(os.Stderr, "\n")
	}
	_, _ = fmt.Fprintf(os.Stderr, "\n")
	_, _ = fmt.Fprintf(os.Stderr, "Commands:\n")
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 1, ' ', tabwriter.AlignRight|tabwriter.Debug)
	for _, cmd := range c.SubCommands {
		usage := cmd.Usage()
		_, _ = fmt.Fprintln(w, strings.Join(usage.Names, ","), "\t", usage.Usage)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(os.Stderr, "\n")
	_, _ = fmt.Fprintf(os.Stderr, "Global Options:\n")
	_, _ = fmt.Fprintf(os.Stderr, "%s", globalFlags.FlagUsagesWrapped(0))
}

func (c *ParentCommand) Usage() Usage {
	return Usage{
		Names: slices.Clone(c.Names),
		Usage: c.ShortDescription,
	}
}

type Cmd[V any] struct {
	Names            []string
	Description      string
	ShortDescription string
	Flags            func(cfg *V, flags *flag.FlagSet)
	PositionalArgs   []*PositionalArg[V]
	Run              func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *V) error

	cmdCfg *V
	flags  *flag.FlagSet
	ctx    context.Context
	log    *slog.Logger
}

func (c *Cmd[V]) Call(ctx context.Context, log *slog.Logger, cfg *domain.Config, args []string) error {

	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.log = log
	c.ctx = ctx
	c.cmdCfg = new(V)
	if c.Flags != nil {
		c.Flags(c.cmdCfg, c.flags)
	}
	c.addGlobalFlags()
	c.flags.Init("", flag.ContinueOnError)
	c.flags.Usage = func() {}
	if err := c.flags.Parse(args); err != nil {
		c.help(err)
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	// pflag drops the "--" terminator; keep it so an argument can claim
	// everything after it.
	positionalArgs := c.flags.Args()
	if dash := c.flags.ArgsLenAtDash(); dash >= 0 {
		positionalArgs = slices.Insert(slices.Clone(positionalArgs), dash, ArgsTerminator)
	}

	if err := c.parsePositional(positionalArgs); err != nil {
		c.help(err)
		return err
	}

	return c.Run(c.ctx, c.log, cfg, c.cmdCfg)
}

// addGlobalFlags lets the command parser accept global flags. Their values
// were already applied by Root.
func (c *Cmd[V]) addGlobalFlags() {
	if globalFlags == nil {
		return
	}
	globalFlags.VisitAll(func(f *flag.Flag) {
		if f.Name == "help" || c.flags.Lookup(f.Name) != nil {
			return
		}
		c.flags.AddFlag(f)
	})
}

func (c *Cmd[V]) commandFlagUsages() string {
	own := flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.VisitAll(func(f *flag.Flag) {
		if globalFlags != nil && globalFlags.Lookup(f.Name) == f {
			return
		}
		own.AddFlag(f)
	})
	return own.FlagUsagesWrapped(0)
}

func (c *Cmd[V]) parsePositional(args []string) error {
	var err error
	for _, arg := range c.PositionalArgs {
		if len(args) == 0 {
			if arg.Required {
				return fmt.Errorf("missing required argument %s", strings.ToUpper(arg.Name))
			}
			continue
		}
		if args, err = arg.Parse(args, c.cmdCfg); err != nil {
			return err
		}
	}
	if len(args) > 0 {
		return fmt.Errorf("command takes no additional positional arguments")
	}
	return nil
}

func (c *Cmd[V]) help(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "USAGE: %s", strings.Join(c.Names, ","))
	if c.flags.HasFlags() {
		_, _ = fmt.Fprintf(os.Stderr, " [OPTIONS]")
	}
	if len(c.PositionalArgs) > 0 {
		for _, cmd := range c.PositionalArgs {
			_, _ = fmt.Fprintf(os.Stderr, " ")
			if !cmd.Required {
				_, _ = fmt.Fprintf(os.Stderr, "[")
			}
			_, _ = fmt.Fprintf(os.Stderr, "%s", strings.ToUpper(cmd.Name))
			if !cmd.Required {
				_, _ = fmt.Fprintf(os.Stderr, "]")
			}
			if cmd.Multiple && cmd.Required {
				_, _ = fmt.Fprintf(os.Stderr, " [%s...]", strings.ToUpper(cmd.Name))
			}
		}
	}
	_, _ = fmt.Fprintf(os.Stderr, "\n")
	_, _ = fmt.Fprintf(os.Stderr, "\n")
	_, _ = fmt.Fprintf(os.Stderr, "%s\n", c.Description)
	_, _ = fmt.Fprintf(os.Stderr, "\n")

	if len(c.PositionalArgs) > 0 {
		_, _ = fmt.Fprintf(os.Stderr, "Arguments:\n")
		for _, cmd := range c.PositionalArgs {
			_, _ = fmt.Fprintf(os.Stderr, " %s: %s", strings.ToUpper(cmd.Name), cmd.Description)
			var modifiers []string
			if cmd.Multiple {
				modifiers = append(modifiers, "MULTIPLE")
			}
			if cmd.Required {
				modifiers = append(modifiers, "REQUIRED")
			}
			if len(modifiers) > 0 {
				_, _ = fmt.Fprintf(os.Stderr, " [%s]", strings.Join(modifiers, ","))
			}
			_, _ = fmt.Fprintf(os.Stderr, "\n")
		}
		_, _ = fmt.Fprintf(os.Stderr, "\n")
	}

	if usages := c.commandFlagUsages(); usages != "" {
		_, _ = fmt.Fprintf(os.Stderr, "Options:\n")
		_, _ = fmt.Fprintf(os.Stderr, "%s", usages)
		_, _ = fmt.Fprintf(os.Stderr, "\n")
	}
	_, _ = fmt.Fprintf(os.Stderr, "Global Options:\n")
	_, _ = fmt.Fprintf(os.Stderr, "%s", globalFlags.FlagUsagesWrapped(0))

	if err != nil && !errors.Is(err, flag.ErrHelp) {
		_, _ = fmt.Fprintf(os.Stderr, "\n")
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		_, _ = fmt.Fprintf(os.Stderr, "\n")
	}
}

func (c *Cmd[V]) Usage() Usage {
	return Usage{
		Names: slices.Clone(c.Names),
		Usage: c.ShortDescription,
	}
}
