package config

import (
	"fmt"
	"strings"
	"time"
)

// Bounds for duration fields. Zero means unset and selects the default.
var (
	drainTimeoutRange   = durationRange{min: time.Second, max: time.Hour}
	connectTimeoutRange = durationRange{max: 5 * time.Minute}
	busyTimeoutRange    = durationRange{max: time.Minute}
	notifyTimeoutRange  = durationRange{max: time.Minute}
	retentionRange      = durationRange{min: time.Hour}
)

type durationRange struct{ min, max time.Duration }

// ParseDurationField parses a non-negative Go duration; empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, durationRange{})
}

// ParseDurationOrDefault is ParseDurationField with def for unset values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func parseDuration(path, raw string, r durationRange) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	case d == 0:
		return 0, nil
	case r.min > 0 && d < r.min:
		return 0, fmt.Errorf("%s: %s is below the minimum of %s", path, d, r.min)
	case r.max > 0 && d > r.max:
		return 0, fmt.Errorf("%s: %s exceeds the maximum of %s", path, d, r.max)
	}
	return d, nil
}
