package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is either a cron expression (robfig/cron) or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule string resolved to a cron expression or an
// interval. Source records how it was read: "cron", "duration" or "hhmm".
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string
}

// 5 or 6 cron fields (seconds optional) plus @descriptors.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// hours may exceed a day: "36:00" is a 36h interval.
var reInterval = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)

var errNonPositive = errors.New("interval must be > 0")

// ValidateSchedule reports whether AddSchedule would accept raw.
func ValidateSchedule(raw string) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if ps.Kind != SpecCron {
		return nil
	}
	if _, err := specParser.Parse(ps.Cron); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", ps.Cron, err)
	}
	return nil
}

// ParseSchedule reads raw as:
//   - "cron:<expr>", or anything with whitespace or a leading '@': cron
//   - "interval:<v>", "every:<v>", or a bare v: an interval, where v is a Go
//     duration ("55m") or HH:MM ("02:30" = 2h30m)
//
// Cron syntax is checked by ValidateSchedule, not here.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest == "" {
			return ParsedSpec{}, errors.New("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
	}
	for _, p := range []string{"interval:", "every:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			return parseInterval(rest)
		}
	}
	if strings.ContainsAny(s, " \t\r\n") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m'): %w", raw, err)
	}
	return ps, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	ps := ParsedSpec{Kind: SpecInterval, Source: "duration"}
	if m := reInterval.FindStringSubmatch(v); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		ps.Every, ps.Source = time.Duration(h)*time.Hour+time.Duration(mins)*time.Minute, "hhmm"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '55m')", v)
		}
		ps.Every = d
	}
	if ps.Every <= 0 {
		return ParsedSpec{}, errNonPositive
	}
	return ps, nil
}
