package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields (lock_ttl, staleness_bound, retry.base, platform windows)
// stay plain strings in Config so the yaml and json schemas match; they are
// resolved here at wiring time, with the config path carried into the error.

// ParseDurationField resolves one duration string. Empty means unset and
// returns zero. Negative values are rejected: no engine duration (a TTL, a
// rate window, a backoff) can meaningfully be negative.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: bad duration %q (want Go form, e.g. \"30s\", \"2m\", \"24h\")", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField for fields that carry an
// engine default when the config leaves them out. An explicit "0s" also
// takes the default; fields where zero is meaningful (staleness_bound
// disabling expiration) document that the default IS zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
