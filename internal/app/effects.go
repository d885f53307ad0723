package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"airwave/internal/config"
	"airwave/internal/eventbus"
	"airwave/internal/feed"
	"airwave/internal/media"
	"airwave/internal/notifier"
	"airwave/internal/station"
	"airwave/internal/storage"
	kit "airwave/internal/transport"
	logx "airwave/pkg/logx"
)

// Notifier is the part of notifier.Service the effect sink uses.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// effectSink fans station side effects out to the bus, play history,
// listener notifications, RSS feeds and the per-station status file. It
// runs on each worker's side goroutine, never on the streaming path.
type effectSink struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	notif Notifier
	feeds feed.Writer

	mu       sync.RWMutex
	stations map[string]config.Station
	chat     kit.ChatTarget
}

func newEffectSink(log logx.Logger, bus eventbus.Bus, store storage.Store, notif Notifier) *effectSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &effectSink{log: log, bus: bus, store: store, notif: notif, stations: map[string]config.Station{}}
}

// Register records the definition a station runs with. It is used for
// notification gating, tags and the status file path.
func (s *effectSink) Register(st config.Station) {
	s.mu.Lock()
	s.stations[st.Name] = st
	s.mu.Unlock()
}

// Forget drops a removed station.
func (s *effectSink) Forget(name string) {
	s.mu.Lock()
	delete(s.stations, name)
	s.mu.Unlock()
}

// SetChat sets the notification target. A zero target disables
// notifications.
func (s *effectSink) SetChat(to kit.ChatTarget) {
	s.mu.Lock()
	s.chat = to
	s.mu.Unlock()
}

func (s *effectSink) lookup(name string) (config.Station, kit.ChatTarget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stations[name]
	return st, s.chat, ok
}

func (s *effectSink) HandleEffect(ctx context.Context, e station.Effect) {
	switch e.Kind {
	case station.EffectState:
		s.publish(eventbus.StationState, e.Station, map[string]string{"state": e.State.String(), "err": e.Err})
		if e.State == station.Stopped {
			s.publish(eventbus.StationStopped, e.Station, nil)
		}
	case station.EffectTrackStarted:
		s.publish(eventbus.TrackStarted, e.Station, e.Item)
		s.recordPlay(ctx, e)
		st, chat, ok := s.lookup(e.Station)
		if !ok {
			return
		}
		s.writeStatus(st, e)
		if e.Relay {
			return
		}
		if err := s.feeds.Current(st, e.Item); err != nil {
			s.log.Warn("rss feed write failed", logx.String("station", st.Name), logx.Err(err))
		}
		if e.Jingle {
			return
		}
		s.notify(ctx, st, chat, notifier.NowPlaying(e.Item.Song(), e.Item.Artist, st.Info.ShortName))
	case station.EffectPlaylist:
		s.publish(eventbus.PlaylistRebuilt, e.Station, map[string]int{"items": len(e.Paths)})
		if st, _, ok := s.lookup(e.Station); ok && feed.Enabled(st) {
			s.writePlaylistFeed(st, e.Paths)
		}
	case station.EffectTrackAdded:
		s.publish(eventbus.TrackAdded, e.Station, e.Item)
		if st, chat, ok := s.lookup(e.Station); ok {
			s.notify(ctx, st, chat, notifier.NewTrack(e.Item.Song(), e.Item.Artist, st.Info.ShortName))
		}
	}
}

func (s *effectSink) writePlaylistFeed(st config.Station, paths []string) {
	list := make([]media.Descriptor, 0, len(paths))
	for _, p := range paths {
		d, err := media.Describe(p, st.Media.Bitrate.Int())
		if err != nil {
			continue
		}
		list = append(list, d)
	}
	if err := s.feeds.Playlist(st, list); err != nil {
		s.log.Warn("rss playlist write failed", logx.String("station", st.Name), logx.Err(err))
	}
}

func (s *effectSink) publish(typ, name string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Station: name, Data: data})
}

func (s *effectSink) recordPlay(ctx context.Context, e station.Effect) {
	if s.store == nil {
		return
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	rec := storage.PlayRecord{
		At:         at,
		Station:    e.Station,
		RunID:      e.RunID,
		Path:       e.Item.Path,
		Title:      e.Item.Title,
		Artist:     e.Item.Artist,
		Album:      e.Item.Album,
		Jingle:     e.Jingle,
		Relay:      e.Relay,
		DurationMS: e.Item.Duration.Milliseconds(),
	}
	if err := s.store.AppendPlay(ctx, rec); err != nil {
		s.log.Warn("play history write failed", logx.String("station", e.Station), logx.Err(err))
	}
}

func (s *effectSink) notify(ctx context.Context, st config.Station, chat kit.ChatTarget, text string) {
	if s.notif == nil || chat.IsZero() || !st.Twitter.Mode.Bool() {
		return
	}
	msg := notifier.Compose(text, notifier.ParseTags(st.Twitter.Tags), st.ListenURL())
	err := s.notif.Notify(ctx, kit.Notification{
		Channel: "telegram",
		Target:  chat,
		Station: st.Name,
		Text:    msg,
		Options: &kit.SendOptions{DisablePreview: true},
	})
	if err != nil {
		s.log.Debug("notification not queued", logx.String("station", st.Name), logx.Err(err))
	}
}

type statusDoc struct {
	Station   string    `json:"station"`
	RunID     string    `json:"run_id"`
	Updated   time.Time `json:"updated"`
	Path      string    `json:"path"`
	Song      string    `json:"song"`
	Jingle    bool      `json:"jingle,omitempty"`
	Relay     bool      `json:"relay,omitempty"`
	ListenURL string    `json:"listen_url"`
}

// writeStatus replaces the station's status file with the current item.
func (s *effectSink) writeStatus(st config.Station, e station.Effect) {
	if st.StatusFile == "" {
		return
	}
	b, err := json.Marshal(statusDoc{
		Station:   st.Name,
		RunID:     e.RunID,
		Updated:   e.Time,
		Path:      e.Item.Path,
		Song:      e.Item.Song(),
		Jingle:    e.Jingle,
		Relay:     e.Relay,
		ListenURL: st.ListenURL(),
	})
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(st.StatusFile), 0o755); err != nil {
		s.log.Warn("status dir create failed", logx.String("station", st.Name), logx.Err(err))
		return
	}
	tmp := st.StatusFile + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		s.log.Warn("status write failed", logx.String("station", st.Name), logx.Err(err))
		return
	}
	if err := os.Rename(tmp, st.StatusFile); err != nil {
		_ = os.Remove(tmp)
		s.log.Warn("status write failed", logx.String("station", st.Name), logx.Err(err))
	}
}

// stationObserver keeps the effect sink in step with the stations the
// supervisor runs and reports restarts and removals to metrics and the bus.
type stationObserver struct {
	sink    *effectSink
	metrics interface {
		Restarted(station string)
		Forget(station string)
	}
	bus eventbus.Bus
}

func (o stationObserver) Configured(st config.Station) {
	if o.sink != nil {
		o.sink.Register(st)
	}
}

func (o stationObserver) Restarted(name string) {
	if o.metrics != nil {
		o.metrics.Restarted(name)
	}
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.StationRestarted, Station: name})
	}
}

func (o stationObserver) Forget(name string) {
	if o.sink != nil {
		o.sink.Forget(name)
	}
	if o.metrics != nil {
		o.metrics.Forget(name)
	}
}
