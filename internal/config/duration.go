package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses an optional non-negative duration; empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, _, err := ParseOptionalDuration(path, raw)
	return d, err
}

// ParseOptionalDuration is ParseDurationField that also reports whether raw
// was set, so an explicit "0s" can be told apart from an omitted field.
func ParseOptionalDuration(path, raw string) (time.Duration, bool, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, true, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, true, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
