package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Config is the top-level daemon configuration.
//
// The station block is kept raw until ResolveStations runs, because station
// defaults and templating operate on untyped maps before the strict decode.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Log is the log file path. Its directory is the default status dir.
	Log       string `json:"log,omitempty"`
	StatusDir string `json:"status_dir,omitempty"`
	M3U       string `json:"m3u,omitempty"`

	IgnoreErrors Flag `json:"ignore_errors,omitempty"`
	// MaxRetry: absent or negative means unlimited restarts.
	MaxRetry *FlexInt `json:"max_retry,omitempty"`

	// ScanInterval is a Go duration, "HH:MM" or a cron expression. Default 5s.
	ScanInterval string `json:"scan_interval,omitempty"`

	Pacer PacerConfig `json:"pacer"`

	Station         RawStations          `json:"station,omitempty"`
	StationConfig   StringList           `json:"stationconfig,omitempty"`
	StationFolder   *StationFolderConfig `json:"stationfolder,omitempty"`
	StationDefaults map[string]any       `json:"stationdefaults,omitempty"`

	Telegram TelegramConfig  `json:"telegram"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	HTTP     HTTPConfig      `json:"http"`
	Systemd  SystemdConfig   `json:"systemd"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// PacerConfig bounds the shared pacing signal. Zero rate means unbounded.
type PacerConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type StationFolderConfig struct {
	Folder       string `json:"folder"`
	LiveCreation Flag   `json:"livecreation,omitempty"`
	// Watch kicks the supervisor early when the folder changes.
	Watch Flag `json:"watch,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// ChatID receives station notifications and alert log lines.
	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int   `json:"thread_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	APIURL      string `json:"api_url,omitempty"`
	// Control enables the /next /relay /stations commands.
	Control bool `json:"control,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted the notifier runs with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls play history and dedup persistence.
//
//	"storage": { "driver": "sqlite", "path": "./airwave.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the HTTP API.
//
// Token guards mutating routes. Binding to a non-loopback address without a
// token requires allow_insecure.
type HTTPConfig struct {
	Enabled       bool     `json:"enabled"`
	Addr          string   `json:"addr,omitempty"` // default: "127.0.0.1:8090"
	Token         string   `json:"token,omitempty"`
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	AllowOrigins  []string `json:"allow_origins,omitempty"`
	Pprof         bool     `json:"pprof,omitempty"`
	Metrics       *bool    `json:"metrics,omitempty"` // default true

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// Station is one fully resolved station definition.
type Station struct {
	Name     string        `json:"name,omitempty"`
	MaxRetry *FlexInt      `json:"max_retry,omitempty"`
	Info     StationInfo   `json:"info"`
	Media    MediaConfig   `json:"media"`
	Jingles  JinglesConfig `json:"jingles"`
	Server   ServerConfig  `json:"server"`
	Relay    RelayConfig   `json:"relay"`
	Control  ControlConfig `json:"control"`
	Twitter  TwitterConfig `json:"twitter"`
	RSS      RSSConfig     `json:"rss"`

	// StatusFile is filled during resolution: <status_dir>/<md5(name)>.
	StatusFile string `json:"-"`
}

type StationInfo struct {
	ShortName   string `json:"short_name,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Genre       string `json:"genre,omitempty"`
}

type MediaConfig struct {
	Source     string  `json:"source,omitempty"`
	Dir        string  `json:"dir,omitempty"` // alias of source
	Format     string  `json:"format,omitempty"`
	Bitrate    FlexInt `json:"bitrate,omitempty"`
	OggQuality FlexInt `json:"ogg_quality,omitempty"`
	Samplerate FlexInt `json:"samplerate,omitempty"`
	Voices     FlexInt `json:"voices,omitempty"`
	Shuffle    Flag    `json:"shuffle,omitempty"`
	// ReadMode is fast, slow or process.
	ReadMode string `json:"read_mode,omitempty"`
	// Decoder is the decode command; "{path}" is replaced by the item path,
	// otherwise the path is appended as the last argument.
	Decoder string `json:"decoder,omitempty"`
}

// Path returns the configured media source, preferring source over dir.
func (m MediaConfig) Path() string {
	if s := strings.TrimSpace(m.Source); s != "" {
		return s
	}
	return strings.TrimSpace(m.Dir)
}

type JinglesConfig struct {
	Mode    Flag   `json:"mode,omitempty"`
	Shuffle Flag   `json:"shuffle,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

type ServerConfig struct {
	Host           string  `json:"host,omitempty"`
	Port           FlexInt `json:"port,omitempty"`
	SourcePassword string  `json:"sourcepassword,omitempty"`
	User           string  `json:"user,omitempty"`
	Mountpoint     string  `json:"mountpoint,omitempty"`
	Public         Flag    `json:"public,omitempty"`
	Type           string  `json:"type,omitempty"`
	// AppendType appends ".<format>" to the mountpoint.
	AppendType Flag `json:"appendtype,omitempty"`
}

// Mount returns the mountpoint with a leading slash and the optional format suffix.
func (s ServerConfig) Mount(format string) string {
	m := "/" + strings.TrimLeft(strings.TrimSpace(s.Mountpoint), "/")
	if s.AppendType.Bool() && format != "" && !strings.HasSuffix(m, "."+format) {
		m += "." + format
	}
	return m
}

type RelayConfig struct {
	Mode Flag   `json:"mode,omitempty"`
	URL  string `json:"url,omitempty"`
}

type ControlConfig struct {
	Mode Flag `json:"mode,omitempty"`
}

type TwitterConfig struct {
	Mode Flag   `json:"mode,omitempty"`
	Tags string `json:"tags,omitempty"`
}

// RSSConfig enables the metadata feeds. Nothing is written while Dir is
// empty. With Enclosure on, feed items link to the media file under
// <info.url>/media/ instead of the per-file metadata document.
type RSSConfig struct {
	Dir       string `json:"dir,omitempty"`
	Enclosure Flag   `json:"enclosure,omitempty"`
}

// Flag accepts booleans, 0/1 and their string forms.
type Flag bool

func (f Flag) Bool() bool { return bool(f) }

func (f *Flag) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		*f = true
	case "0", "false", "no", "off", "", "null":
		*f = false
	default:
		return fmt.Errorf("invalid flag value %s", string(b))
	}
	return nil
}

// FlexInt accepts JSON numbers and numeric strings.
type FlexInt int

func (n FlexInt) Int() int { return int(n) }

func (n *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("invalid integer value %s", string(b))
		}
		v = int(f)
	}
	*n = FlexInt(v)
	return nil
}

// IntPtr returns nil for a nil FlexInt pointer, else its value.
func IntPtr(n *FlexInt) *int {
	if n == nil {
		return nil
	}
	v := int(*n)
	return &v
}

// RawStations holds station definitions given as a single object or a list.
type RawStations []json.RawMessage

func (r *RawStations) UnmarshalJSON(b []byte) error {
	t := strings.TrimSpace(string(b))
	switch {
	case t == "null" || t == "":
		*r = nil
		return nil
	case strings.HasPrefix(t, "["):
		var list []json.RawMessage
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*r = list
		return nil
	case strings.HasPrefix(t, "{"):
		*r = RawStations{json.RawMessage(append([]byte(nil), b...))}
		return nil
	default:
		return fmt.Errorf("station: expected object or list")
	}
}

// StringList accepts a single string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if strings.TrimSpace(one) == "" {
			*l = nil
		} else {
			*l = StringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = many
	return nil
}
