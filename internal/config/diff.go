package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "airwave/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (tokens, source passwords) are
// never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) || oldCfg.Log != newCfg.Log {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID ||
		oldCfg.Telegram.Control != newCfg.Telegram.Control ||
		oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.chat_set", newCfg.Telegram.ChatID != 0),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if s := newCfg.Storage; s != nil {
			attrs = append(attrs, logx.String("storage.driver", s.Driver))
		}
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.Token, nh.Token = "", ""
	if !reflect.DeepEqual(oh, nh) || (oldCfg.HTTP.Token != "") != (newCfg.HTTP.Token != "") {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}

	if oldCfg.ScanInterval != newCfg.ScanInterval ||
		oldCfg.IgnoreErrors != newCfg.IgnoreErrors ||
		!reflect.DeepEqual(oldCfg.MaxRetry, newCfg.MaxRetry) ||
		oldCfg.M3U != newCfg.M3U ||
		oldCfg.StatusDir != newCfg.StatusDir ||
		oldCfg.Pacer != newCfg.Pacer {
		changed = append(changed, "supervisor")
		attrs = append(attrs,
			logx.String("scan_interval", newCfg.ScanInterval),
			logx.Bool("ignore_errors", newCfg.IgnoreErrors.Bool()),
		)
		if newCfg.MaxRetry != nil {
			attrs = append(attrs, logx.Int("max_retry", newCfg.MaxRetry.Int()))
		}
	}

	if !jsonEqual(oldCfg.Station, newCfg.Station) ||
		!reflect.DeepEqual(oldCfg.StationConfig, newCfg.StationConfig) ||
		!reflect.DeepEqual(oldCfg.StationFolder, newCfg.StationFolder) ||
		!jsonEqual(oldCfg.StationDefaults, newCfg.StationDefaults) {
		changed = append(changed, "stations")
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	return changed, attrs
}

// DiffStations compares two resolved station sets by name.
func DiffStations(oldSet, newSet []Station) (added, removed, changed []string) {
	om := make(map[string]Station, len(oldSet))
	for _, s := range oldSet {
		om[s.Name] = s
	}
	nm := make(map[string]Station, len(newSet))
	for _, s := range newSet {
		nm[s.Name] = s
		o, ok := om[s.Name]
		switch {
		case !ok:
			added = append(added, s.Name)
		case !reflect.DeepEqual(o, s):
			changed = append(changed, s.Name)
		}
	}
	for name := range om {
		if _, ok := nm[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed
}

func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
