package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration parses and renders the plane's duration syntax: \d+(ms|s|m|h|d).
// It marshals to/from YAML as that compact string form rather than Go's
// "1h30m0s" rendering, matching the external configuration contract.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	var i int
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("duration %q: missing numeric prefix", s)
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", s, err)
	}
	unit := s[i:]
	var mult time.Duration
	switch unit {
	case "ms":
		mult = time.Millisecond
	case "s":
		mult = time.Second
	case "m":
		mult = time.Minute
	case "h":
		mult = time.Hour
	case "d":
		mult = 24 * time.Hour
	default:
		return 0, fmt.Errorf("duration %q: unrecognized unit %q", s, unit)
	}
	return Duration(time.Duration(n) * mult), nil
}

// String renders a human-readable approximation, e.g. "1.5h" for 90m.
func (d Duration) String() string {
	std := time.Duration(d)
	switch {
	case std >= 24*time.Hour:
		return trimFloat(float64(std)/float64(24*time.Hour)) + "d"
	case std >= time.Hour:
		return trimFloat(float64(std)/float64(time.Hour)) + "h"
	case std >= time.Minute:
		return trimFloat(float64(std)/float64(time.Minute)) + "m"
	case std >= time.Second:
		return trimFloat(float64(std)/float64(time.Second)) + "s"
	default:
		return trimFloat(float64(std)/float64(time.Millisecond)) + "ms"
	}
}

func trimFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	return s
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
