package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the top-level settings that can be verified without
// touching station media. Durations and the scan schedule must parse and
// the storage driver must be known.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := ParseSchedule(cfg.ScanInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := Duration(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := Duration("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	for path, raw := range map[string]string{
		"http.read_timeout":  cfg.HTTP.ReadTimeout,
		"http.write_timeout": cfg.HTTP.WriteTimeout,
		"http.idle_timeout":  cfg.HTTP.IdleTimeout,
	} {
		if _, err := Duration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Pacer.RatePerSec < 0 || cfg.Pacer.Burst < 0 {
		errs = append(errs, errors.New("pacer: rate_per_sec and burst must be >= 0"))
	}
	if sf := cfg.StationFolder; sf != nil && strings.TrimSpace(sf.Folder) == "" {
		errs = append(errs, errors.New("stationfolder.folder: required"))
	}
	return errors.Join(errs...)
}
