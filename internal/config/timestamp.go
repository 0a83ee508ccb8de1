package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Timestamp is a config.Timestamp scalar accepting
// "YYYY-MM-DD[T ]hh:mm:ss[Z|±HH[:MM]]" (spec.md §6), dropping into both
// YAML and INI unmarshaling via encoding.TextUnmarshaler. No atapp.* key in
// the current tree needs one, but the scalar type exists for any config
// field that does.
type Timestamp time.Time

var timestampLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

func (t Timestamp) AsTime() time.Time { return time.Time(t) }

func (t Timestamp) String() string { return time.Time(t).Format(time.RFC3339) }

func (t Timestamp) MarshalText() ([]byte, error) {
	return []byte(time.Time(t).Format(time.RFC3339)), nil
}

func (t *Timestamp) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = Timestamp(parsed)
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

func (t *Timestamp) UnmarshalYAML(value *yaml.Node) error {
	return t.UnmarshalText([]byte(value.Value))
}
