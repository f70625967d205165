package retention

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPolicy is returned for malformed retention policies.
var ErrInvalidPolicy = errors.New("invalid retention policy")

// Policy selects the versions to keep: the N newest, every version younger
// than Within, or the union of both.
type Policy struct {
	N      int           `json:"n,omitempty" yaml:"n,omitempty"`
	Within time.Duration `json:"within,omitempty" yaml:"within,omitempty"`
}

// KeepN keeps the n newest versions.
func KeepN(n int) Policy { return Policy{N: n} }

// KeepWithin keeps every version younger than d.
func KeepWithin(d time.Duration) Policy { return Policy{Within: d} }

// Validate rejects negative fields and the empty policy.
func (p Policy) Validate() error {
	if p.N < 0 {
		return fmt.Errorf("%w: n must be >= 0, got %d", ErrInvalidPolicy, p.N)
	}
	if p.Within < 0 {
		return fmt.Errorf("%w: within must be >= 0, got %s", ErrInvalidPolicy, p.Within)
	}
	if p.N == 0 && p.Within == 0 {
		return fmt.Errorf("%w: set n, within or both", ErrInvalidPolicy)
	}
	return nil
}

func (p Policy) String() string {
	var parts []string
	if p.N > 0 {
		parts = append(parts, "n="+strconv.Itoa(p.N))
	}
	if p.Within > 0 {
		parts = append(parts, "within="+p.Within.String())
	}
	return strings.Join(parts, ",")
}

// ParsePolicy reads the compact forms "5", "n=5", "30d", "within=12h" and
// "n=5,within=30d".
func ParsePolicy(s string) (Policy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Policy{}, fmt.Errorf("%w: empty", ErrInvalidPolicy)
	}
	var p Policy
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		key, val, hasKey := strings.Cut(part, "=")
		if !hasKey {
			val = key
			if _, err := strconv.Atoi(val); err == nil {
				key = "n"
			} else {
				key = "within"
			}
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "n", "keep_n", "keep":
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil {
				return Policy{}, fmt.Errorf("%w: n=%q is not an integer", ErrInvalidPolicy, val)
			}
			p.N = n
		case "within", "keep_within":
			d, err := ParseDuration(val)
			if err != nil {
				return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
			}
			p.Within = d
		default:
			return Policy{}, fmt.Errorf("%w: unknown key %q in %q", ErrInvalidPolicy, key, s)
		}
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

var dayWeek = regexp.MustCompile(`(\d+(?:\.\d+)?)([dw])`)

// ParseDuration extends time.ParseDuration with d (24h) and w (7d) units.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var convErr error
	expanded := dayWeek.ReplaceAllStringFunc(s, func(m string) string {
		sub := dayWeek.FindStringSubmatch(m)
		n, err := strconv.ParseFloat(sub[1], 64)
		if err != nil {
			convErr = err
			return m
		}
		hours := n * 24
		if sub[2] == "w" {
			hours *= 7
		}
		return strconv.FormatFloat(hours, 'f', -1, 64) + "h"
	})
	if convErr != nil {
		return 0, fmt.Errorf("duration %q: %w", s, convErr)
	}
	d, err := time.ParseDuration(expanded)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", s, err)
	}
	return d, nil
}

// FromAny accepts every policy surface: integers, compact strings, Policy
// values and decoded config maps with "n" and "within" keys.
func FromAny(v any) (Policy, error) {
	var p Policy
	switch t := v.(type) {
	case nil:
		return Policy{}, fmt.Errorf("%w: missing", ErrInvalidPolicy)
	case Policy:
		p = t
	case *Policy:
		if t == nil {
			return Policy{}, fmt.Errorf("%w: missing", ErrInvalidPolicy)
		}
		p = *t
	case int:
		p = Policy{N: t}
	case int64:
		p = Policy{N: int(t)}
	case float64:
		if t != math.Trunc(t) {
			return Policy{}, fmt.Errorf("%w: %v is not a whole number", ErrInvalidPolicy, t)
		}
		p = Policy{N: int(t)}
	case time.Duration:
		p = Policy{Within: t}
	case string:
		return ParsePolicy(t)
	case map[string]any:
		for k, raw := range t {
			switch k {
			case "n", "keep_n":
				n, ok := toInt(raw)
				if !ok {
					return Policy{}, fmt.Errorf("%w: bad n %v", ErrInvalidPolicy, raw)
				}
				p.N = n
			case "within", "keep_within":
				s, ok := raw.(string)
				if !ok {
					return Policy{}, fmt.Errorf("%w: within must be a duration string", ErrInvalidPolicy)
				}
				d, err := ParseDuration(s)
				if err != nil {
					return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
				}
				p.Within = d
			default:
				return Policy{}, fmt.Errorf("%w: unknown key %q", ErrInvalidPolicy, k)
			}
		}
	default:
		return Policy{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidPolicy, v)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		return int(t), t == math.Trunc(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}
