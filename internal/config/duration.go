package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Duration parses a timing setting. It takes Go durations ("500ms", "2m")
// and bare numbers of seconds ("30", "1.5"), the form station files carried
// over from older deployments use. Empty is zero.
func Duration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		secs, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || math.Abs(secs) > math.MaxInt64/float64(time.Second) {
			return 0, &ConfigurationError{Field: field, Reason: fmt.Sprintf("invalid duration %q", raw)}
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d < 0 {
		return 0, &ConfigurationError{Field: field, Reason: fmt.Sprintf("negative duration %q", raw)}
	}
	return d, nil
}

// DurationOr is Duration with def standing in for an empty or zero setting.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
