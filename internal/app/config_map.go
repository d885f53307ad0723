package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"airwave/internal/config"
	"airwave/internal/httpapi"
	"airwave/internal/notifier"
	"airwave/internal/stations"
	"airwave/internal/storage"
	kit "airwave/internal/transport"
	"airwave/internal/transport/telegram"
	logx "airwave/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	path := cfg.Logging.File.Path
	enabled := cfg.Logging.File.Enabled
	// The top-level "log" key names the log file when logging.file is unset.
	if strings.TrimSpace(path) == "" && strings.TrimSpace(cfg.Log) != "" {
		path = cfg.Log
		enabled = true
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !enabled,
		File:    logx.FileConfig{Enabled: enabled, Path: path},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func logTarget(cfg *config.Config) kit.ChatTarget {
	thread := cfg.Logging.Telegram.ThreadID
	if thread == 0 {
		thread = cfg.Telegram.ThreadID
	}
	return kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: thread}
}

func notifyTarget(cfg *config.Config) kit.ChatTarget {
	return kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: poll,
		APIURL:      cfg.Telegram.APIURL,
	}, nil
}

// mapNotifierConfig parses the notifier section. An omitted section runs
// the notifier enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, errors.New("notifier: workers, queue_size, rate_per_sec, retry_max and dedup_max_entries must be >= 0")
	}
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	var err error
	if out.RetryBase, err = config.DurationOr("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.DurationOr("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.DurationOr("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// mapStorageConfig resolves the storage section. The bool is false when
// storage is disabled.
func mapStorageConfig(cfg *config.Config, baseDir string) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		if path == "" {
			path = "./data"
		}
	case "sqlite":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: resolvePath(baseDir, path), BusyTimeout: busy}, true, nil
}

func resolvePath(base, p string) string {
	if p == "" || base == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// plan is everything derived from one config revision that the station
// layer needs. Building it is the full validation of a reload.
type plan struct {
	stations []config.Station
	settings stations.Settings
	http     httpapi.Config
	notifier notifier.Config
}

// buildPlan resolves stations and parses every section. Station
// resolution errors are returned separately so the caller can honor
// ignore_errors.
func buildPlan(cfg *config.Config, baseDir string) (plan, []error, error) {
	if err := config.Validate(cfg); err != nil {
		return plan{}, nil, err
	}
	var p plan
	var err error
	if p.settings, err = stations.SettingsFrom(cfg, baseDir); err != nil {
		return plan{}, nil, err
	}
	if p.http, err = httpapi.FromConfig(cfg.HTTP); err != nil {
		return plan{}, nil, err
	}
	if p.notifier, err = mapNotifierConfig(cfg); err != nil {
		return plan{}, nil, err
	}
	if _, _, err = mapStorageConfig(cfg, baseDir); err != nil {
		return plan{}, nil, err
	}
	if _, err = mapTelegramConfig(cfg); err != nil {
		return plan{}, nil, err
	}
	list, stErrs := config.ResolveStations(cfg, baseDir)
	p.stations = list
	return p, stErrs, nil
}
