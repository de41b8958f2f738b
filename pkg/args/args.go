package args

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/Rudd3r/lisrc/pkg/domain"
)

type StringValue struct {
	val string
	p   *string
	f   func(val string) (string, error)
}

func NewStringValueFunc(val string, p *string, f func(val string) (string, error)) *StringValue {
	*p = val
	return &StringValue{val: val, p: p, f: f}
}

func (s *StringValue) Set(val string) (err error) {
	s.val, err = s.f(val)
	return err
}
func (s *StringValue) Type() string {
	return "string"
}

func (s *StringValue) String() string { return s.val }

// NewDurationValue accepts Go durations ("90s") and bare seconds ("300").
func NewDurationValue(val time.Duration, d *domain.Duration) *StringValue {
	var durationStr string
	*d = domain.Duration(val)
	return NewStringValueFunc(val.String(), &durationStr, func(s string) (string, error) {
		parsed, err := domain.ParseDuration(s)
		if err != nil {
			return s, fmt.Errorf("unable to parse duration, %w", err)
		}
		if parsed <= 0 {
			return s, fmt.Errorf("duration must be positive: %s", s)
		}
		*d = domain.Duration(parsed)
		return s, nil
	})
}

// KeyValueValue collects repeated key=value flags into a map.
type KeyValueValue struct {
	m *map[string]string
}

func NewKeyValueValue(m *map[string]string) *KeyValueValue {
	return &KeyValueValue{m: m}
}

func (p *KeyValueValue) Set(val string) error {
	key, value, ok := strings.Cut(val, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("invalid parameter %q (expected key=value)", val)
	}
	if *p.m == nil {
		*p.m = make(map[string]string)
	}
	(*p.m)[key] = value
	return nil
}

func (p *KeyValueValue) Type() string {
	return "key=value"
}

func (p *KeyValueValue) String() string {
	if p.m == nil || len(*p.m) == 0 {
		return ""
	}
	var result []string
	for _, k := range slices.Sorted(maps.Keys(*p.m)) {
		result = append(result, k+"="+(*p.m)[k])
	}
	return strings.Join(result, ",")
}

// One consumes a single positional argument.
func One[V any](set func(cfg *V, val string) error) func(args []string, cfg *V) ([]string, error) {
	return func(args []string, cfg *V) ([]string, error) {
		if args[0] == ArgsTerminator {
			return args, fmt.Errorf("unexpected %s", ArgsTerminator)
		}
		return args[1:], set(cfg, args[0])
	}
}

// UntilTerminator consumes arguments up to the "--" terminator or the end.
func UntilTerminator[V any](set func(cfg *V, vals []string) error) func(args []string, cfg *V) ([]string, error) {
	return func(args []string, cfg *V) ([]string, error) {
		i := slices.Index(args, ArgsTerminator)
		if i < 0 {
			i = len(args)
		}
		if i == 0 {
			return args, fmt.Errorf("expected at least one argument before %s", ArgsTerminator)
		}
		return args[i:], set(cfg, slices.Clone(args[:i]))
	}
}

// Rest consumes every remaining argument, dropping a leading "--".
func Rest[V any](set func(cfg *V, vals []string) error) func(args []string, cfg *V) ([]string, error) {
	return func(args []string, cfg *V) ([]string, error) {
		if args[0] == ArgsTerminator {
			args = args[1:]
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("expected arguments after %s", ArgsTerminator)
		}
		return nil, set(cfg, slices.Clone(args))
	}
}
