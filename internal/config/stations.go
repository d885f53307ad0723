package config

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ConfigurationError reports an invalid or conflicting station definition.
type ConfigurationError struct {
	Station string
	Field   string
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Station != "" {
		b.WriteString(" in station ")
		b.WriteString(e.Station)
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Known stream formats.
var formats = map[string]bool{"mp3": true, "ogg": true}

const (
	ReadFast    = "fast"
	ReadSlow    = "slow"
	ReadProcess = "process"
)

// MergeDefaults combines setting with def. Keys present in setting win;
// nested maps present on both sides are merged recursively.
func MergeDefaults(setting, def map[string]any) map[string]any {
	out := make(map[string]any, len(setting)+len(def))
	for k, v := range def {
		out[k] = cloneValue(v)
	}
	for k, v := range setting {
		sm, sok := v.(map[string]any)
		dm, dok := out[k].(map[string]any)
		if sok && dok {
			out[k] = MergeDefaults(sm, dm)
			continue
		}
		out[k] = v
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i := range x {
			s[i] = cloneValue(x[i])
		}
		return s
	default:
		return v
	}
}

// ReplaceAll substitutes "{key}" placeholders in every string reachable from v.
// Unknown placeholders are left as-is.
func ReplaceAll(v any, repl map[string]string) any {
	switch x := v.(type) {
	case string:
		if !strings.Contains(x, "{") {
			return x
		}
		for k, r := range repl {
			x = strings.ReplaceAll(x, "{"+k+"}", r)
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = ReplaceAll(x[i], repl)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = ReplaceAll(vv, repl)
		}
		return out
	default:
		return v
	}
}

// StatusDirPath returns the directory holding station status files.
func (c *Config) StatusDirPath() string {
	if d := strings.TrimSpace(c.StatusDir); d != "" {
		return d
	}
	if l := strings.TrimSpace(c.Log); l != "" {
		return filepath.Dir(l)
	}
	return "."
}

// StatusPath is the status artifact path for a station name.
func StatusPath(dir, name string) string {
	sum := md5.Sum([]byte(name))
	return filepath.Join(dir, hex.EncodeToString(sum[:]))
}

// ResolveStations expands every statically configured station: the station
// block plus stationconfig files. Defaults are merged and names resolved.
// Per-station failures are returned alongside the stations that resolved;
// the caller decides whether they are fatal.
func ResolveStations(cfg *Config, baseDir string) ([]Station, []error) {
	if cfg == nil {
		return nil, nil
	}
	raws := append([]json.RawMessage(nil), cfg.Station...)
	var errs []error
	for _, p := range cfg.StationConfig {
		more, err := loadStationFiles(resolvePath(baseDir, p))
		if err != nil {
			errs = append(errs, &ConfigurationError{Field: "stationconfig", Err: err})
			continue
		}
		raws = append(raws, more...)
	}

	statusDir := cfg.StatusDirPath()
	taken := map[string]bool{}
	out := make([]Station, 0, len(raws))
	for i, raw := range raws {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			errs = append(errs, &ConfigurationError{Field: fmt.Sprintf("station[%d]", i), Err: err})
			continue
		}
		if len(cfg.StationDefaults) > 0 {
			m = MergeDefaults(m, cfg.StationDefaults)
		}
		st, err := decodeStation(m)
		if err != nil {
			errs = append(errs, &ConfigurationError{Station: stationLabel(m, i), Err: err})
			continue
		}

		name := strings.TrimSpace(st.Name)
		if name == "" {
			name = autoname(st.Info.ShortName, taken)
		}
		if name == "" {
			errs = append(errs, &ConfigurationError{Station: stationLabel(m, i), Field: "name", Reason: "missing name and info.short_name"})
			continue
		}
		if taken[name] {
			errs = append(errs, &ConfigurationError{Station: name, Field: "name", Reason: "at least 2 stations with the same name"})
			continue
		}
		taken[name] = true
		st.Name = name
		st.ApplyDefaults()
		st.StatusFile = StatusPath(statusDir, name)
		out = append(out, st)
	}
	return out, errs
}

// DiscoveredStation builds the definition for a station created from a
// media subfolder. "{station_name}" and "{path}" are substituted in the
// station defaults.
func DiscoveredStation(cfg *Config, folder string) (Station, error) {
	name := filepath.Base(filepath.Clean(folder))
	m := map[string]any{}
	if cfg != nil && len(cfg.StationDefaults) > 0 {
		m = MergeDefaults(m, cfg.StationDefaults)
	}
	repl := map[string]string{"station_name": name, "path": folder}
	for k, v := range m {
		if strings.Contains(k, "folder") || k == "control" {
			continue
		}
		m[k] = ReplaceAll(v, repl)
	}
	media, _ := m["media"].(map[string]any)
	if media == nil {
		media = map[string]any{}
	}
	media["source"] = folder
	delete(media, "dir")
	m["media"] = media

	st, err := decodeStation(m)
	if err != nil {
		return Station{}, &ConfigurationError{Station: name, Err: err}
	}
	st.Name = name
	st.ApplyDefaults()
	statusDir := "."
	if cfg != nil {
		statusDir = cfg.StatusDirPath()
	}
	st.StatusFile = StatusPath(statusDir, name)
	return st, nil
}

func autoname(short string, taken map[string]bool) string {
	prefix := strings.TrimSpace(short)
	if prefix == "" {
		return ""
	}
	name := prefix
	for y := 2; taken[name]; y++ {
		name = fmt.Sprintf("%s %d", prefix, y)
	}
	return name
}

func stationLabel(m map[string]any, i int) string {
	if n, ok := m["name"].(string); ok && n != "" {
		return n
	}
	if info, ok := m["info"].(map[string]any); ok {
		if n, ok := info["short_name"].(string); ok && n != "" {
			return n
		}
	}
	return fmt.Sprintf("#%d", i)
}

// decodeStation strictly decodes a raw station map.
func decodeStation(m map[string]any) (Station, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return Station{}, err
	}
	var st Station
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&st); err != nil {
		return Station{}, err
	}
	return st, nil
}

func resolvePath(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

// loadStationFiles reads station definitions from a file, or from every
// regular file of a directory (sorted by name).
func loadStationFiles(path string) ([]json.RawMessage, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return loadStationFile(path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var out []json.RawMessage
	for _, n := range names {
		more, err := loadStationFile(filepath.Join(path, n))
		if err != nil {
			return nil, err
		}
		out = append(out, more...)
	}
	return out, nil
}

func loadStationFile(path string) ([]json.RawMessage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	jb, err = unwrapRoot(jb)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var doc struct {
		Station RawStations `json:"station"`
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc.Station, nil
}

// ApplyDefaults fills optional station fields.
func (s *Station) ApplyDefaults() {
	s.Media.Format = strings.ToLower(strings.TrimSpace(s.Media.Format))
	if s.Media.Format == "" {
		s.Media.Format = "mp3"
	}
	if s.Media.Bitrate <= 0 {
		s.Media.Bitrate = 128
	}
	s.Media.ReadMode = strings.ToLower(strings.TrimSpace(s.Media.ReadMode))
	if s.Media.ReadMode == "" {
		if strings.TrimSpace(s.Media.Decoder) != "" {
			s.Media.ReadMode = ReadProcess
		} else {
			s.Media.ReadMode = ReadSlow
		}
	}
	if strings.TrimSpace(s.Server.Type) == "" {
		s.Server.Type = "icecast"
	}
	if strings.TrimSpace(s.Server.User) == "" {
		s.Server.User = "source"
	}
	if strings.TrimSpace(s.Info.Name) == "" {
		s.Info.Name = s.Name
	}
	if strings.TrimSpace(s.Info.ShortName) == "" {
		s.Info.ShortName = s.Name
	}
	s.RSS.Dir = strings.TrimSpace(s.RSS.Dir)
}

// Validate checks that the station can be streamed.
func (s Station) Validate() error {
	fail := func(field, reason string) error {
		return &ConfigurationError{Station: s.Name, Field: field, Reason: reason}
	}
	if strings.TrimSpace(s.Name) == "" {
		return fail("name", "required")
	}
	if s.Media.Path() == "" {
		return fail("media.source", "required")
	}
	if !formats[s.Media.Format] {
		return fail("media.format", fmt.Sprintf("unknown format %q", s.Media.Format))
	}
	switch s.Media.ReadMode {
	case ReadFast, ReadSlow:
	case ReadProcess:
		if strings.TrimSpace(s.Media.Decoder) == "" {
			return fail("media.decoder", "required for read_mode process")
		}
	default:
		return fail("media.read_mode", fmt.Sprintf("unknown mode %q", s.Media.ReadMode))
	}
	if strings.TrimSpace(s.Server.Host) == "" {
		return fail("server.host", "required")
	}
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return fail("server.port", "must be 1-65535")
	}
	if strings.Trim(strings.TrimSpace(s.Server.Mountpoint), "/") == "" {
		return fail("server.mountpoint", "required")
	}
	if t := strings.ToLower(s.Server.Type); t != "icecast" {
		return fail("server.type", fmt.Sprintf("unsupported server type %q", s.Server.Type))
	}
	if s.Relay.Mode.Bool() && strings.TrimSpace(s.Relay.URL) == "" {
		return fail("relay.url", "required when relay is enabled")
	}
	if s.Jingles.Mode.Bool() && strings.TrimSpace(s.Jingles.Dir) == "" {
		return fail("jingles.dir", "required when jingles are enabled")
	}
	return nil
}

// ListenURL is the public URL listeners use for the station.
func (s Station) ListenURL() string {
	return fmt.Sprintf("http://%s:%d/%s", s.Server.Host, s.Server.Port.Int(), strings.TrimLeft(s.Server.Mount(s.Media.Format), "/"))
}

// EffectiveMaxRetry returns the station override or the global value.
// Nil means unlimited.
func (s Station) EffectiveMaxRetry(global *int) *int {
	if s.MaxRetry != nil {
		return IntPtr(s.MaxRetry)
	}
	return global
}
