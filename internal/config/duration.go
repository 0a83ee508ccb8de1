package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a config.Duration scalar accepting the ns/us/ms/s/m/h/d/w
// suffixes spec.md §6 specifies (default seconds when the value is a bare
// number), dropping into both YAML and INI unmarshaling via
// encoding.TextUnmarshaler.
type Duration time.Duration

var durationUnits = map[string]time.Duration{
	"ns": time.Nanosecond,
	"us": time.Microsecond,
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
}

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}

	unit := "s"
	numPart := s
	for _, suffix := range []string{"ns", "us", "ms", "s", "m", "h", "d", "w"} {
		if strings.HasSuffix(s, suffix) {
			candidate := strings.TrimSuffix(s, suffix)
			if _, err := strconv.ParseFloat(candidate, 64); err == nil {
				unit = suffix
				numPart = candidate
				break
			}
		}
	}

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	mult, ok := durationUnits[unit]
	if !ok {
		return fmt.Errorf("invalid duration unit in %q", s)
	}

	*d = Duration(value * float64(mult))
	return nil
}

// UnmarshalYAML lets Duration unmarshal from a scalar node whether it was
// written as a quoted/bare suffix string ("30s") or a bare number (30,
// meaning 30 seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}
