package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued fields (scheduler.default_retry_delay, per-trigger
// retry_delay, storage.busy_timeout, "every:" trigger intervals) are Go
// duration strings such as "250ms" or "1m30s". Both helpers carry the
// field path into the error so a rejected config names the offending key.

// ParseDurationField parses one duration field. An empty or blank value
// means unset and yields zero; negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is unset or zero.
// Used for fields jobmill has a built-in fallback for, like the scheduler
// retry delay.
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
