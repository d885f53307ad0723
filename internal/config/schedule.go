package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultScanInterval is the supervisor cycle when scan_interval is unset.
const DefaultScanInterval = 5 * time.Second

type SpecKind int

const (
	SpecInterval SpecKind = iota
	SpecCron
)

// Schedule decides when the next supervisor cycle runs.
type Schedule struct {
	Kind   SpecKind
	Source string // "default", "duration", "hhmm" or "cron"
	Every  time.Duration
	cron   cron.Schedule
}

// Next returns the next cycle time after now.
func (s Schedule) Next(now time.Time) time.Time {
	if s.Kind == SpecCron && s.cron != nil {
		return s.cron.Next(now)
	}
	every := s.Every
	if every <= 0 {
		every = DefaultScanInterval
	}
	return now.Add(every)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts a Go duration ("10s"), "HH:MM" as an interval, a
// five-field cron expression or a descriptor ("@every 1m", "@hourly").
// The prefixes "interval:" and "cron:" force the interpretation.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{Kind: SpecInterval, Source: "default", Every: DefaultScanInterval}, nil
	}
	if rest, ok := strings.CutPrefix(s, "cron:"); ok {
		return parseCron(strings.TrimSpace(rest))
	}
	if rest, ok := strings.CutPrefix(s, "interval:"); ok {
		s = strings.TrimSpace(rest)
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("scan_interval: duration must be > 0")
		}
		return Schedule{Kind: SpecInterval, Source: "duration", Every: d}, nil
	}
	if strings.Count(s, ":") == 1 && !strings.ContainsAny(s, " *@") {
		h, m, err := parseHHMM(s)
		if err != nil {
			return Schedule{}, err
		}
		d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		if d <= 0 {
			return Schedule{}, fmt.Errorf("scan_interval: %q is an empty interval", raw)
		}
		return Schedule{Kind: SpecInterval, Source: "hhmm", Every: d}, nil
	}
	return parseCron(s)
}

func parseCron(s string) (Schedule, error) {
	sched, err := cronParser.Parse(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("scan_interval: invalid schedule %q: %w", s, err)
	}
	return Schedule{Kind: SpecCron, Source: "cron", cron: sched}, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
