// Package distro identifies the Linux distribution of a guest and maps it to
// the command dialect used to manage it.
package distro

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Rudd3r/lisrc/pkg/assets"
	"github.com/Rudd3r/lisrc/pkg/domain"
)

type Variant int

const (
	Default Variant = iota
	Debian
	Fedora
	RedHat7
	Suse
)

func (v Variant) String() string {
	switch v {
	case Debian:
		return "debian"
	case Fedora:
		return "fedora"
	case RedHat7:
		return "redhat7"
	case Suse:
		return "suse"
	default:
		return "default"
	}
}

type rule struct {
	match   *regexp.Regexp
	exclude *regexp.Regexp
	variant Variant
}

// rules are evaluated in order and the first match wins.
var rules = []rule{
	{
		match:   regexp.MustCompile(`(?i)^(red hat|oracle|fedora)`),
		exclude: regexp.MustCompile(`(?i)^red hat 7`),
		variant: Fedora,
	},
	{match: regexp.MustCompile(`(?i)^(opensuse|suse linux)`), variant: Suse},
	{match: regexp.MustCompile(`(?i)^(debian|ubuntu)`), variant: Debian},
	{match: regexp.MustCompile(`(?i)^red hat 7`), variant: RedHat7},
}

// Classify maps the detection script's output to a Variant.
func Classify(osName string) Variant {
	osName = strings.TrimSpace(osName)
	for _, r := range rules {
		if !r.match.MatchString(osName) {
			continue
		}
		if r.exclude != nil && r.exclude.MatchString(osName) {
			continue
		}
		return r.variant
	}
	return Default
}

// ScriptRunner uploads a script to the guest and runs it.
type ScriptRunner interface {
	ExecuteScript(ctx context.Context, name string, content []byte, args ...string) (*domain.CommandResult, error)
}

// Detect runs the embedded detection script and returns the variant together
// with the lowercased name the script reported.
func Detect(ctx context.Context, r ScriptRunner) (Variant, string, error) {
	result, err := r.ExecuteScript(ctx, assets.GetOSScript, assets.GetOS())
	if err != nil {
		return Default, "", fmt.Errorf("detect distribution: %w", err)
	}
	name := strings.ToLower(strings.TrimSpace(result.StdoutString()))
	return Classify(name), name, nil
}
