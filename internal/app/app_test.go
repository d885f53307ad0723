package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"airwave/internal/config"
	"airwave/internal/eventbus"
	"airwave/internal/feed"
	"airwave/internal/media"
	"airwave/internal/station"
	"airwave/internal/stations"
	"airwave/internal/storage"
	kit "airwave/internal/transport"
	logx "airwave/pkg/logx"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []kit.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n kit.Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()
	return nil
}

func testStation(t *testing.T, name string, twitter bool) config.Station {
	t.Helper()
	st := config.Station{
		Name:   name,
		Info:   config.StationInfo{ShortName: name},
		Media:  config.MediaConfig{Source: t.TempDir(), Format: "mp3"},
		Server: config.ServerConfig{Host: "radio.local", Port: 8000, Mountpoint: name},
		Twitter: config.TwitterConfig{
			Mode: config.Flag(twitter),
			Tags: "radio live",
		},
	}
	st.StatusFile = config.StatusPath(t.TempDir(), name)
	return st
}

func trackEffect(name string, jingle bool) station.Effect {
	return station.Effect{
		Kind:    station.EffectTrackStarted,
		Station: name,
		RunID:   "r1",
		Time:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Item:    media.Descriptor{Path: "/m/so_what.mp3", Title: "So_What", Artist: "Miles Davis"},
		Jingle:  jingle,
	}
}

func TestEffectSinkTrackStarted(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	store, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	notif := &fakeNotifier{}

	sink := newEffectSink(logx.Nop(), bus, store, notif)
	st := testStation(t, "jazz", true)
	sink.Register(st)
	sink.SetChat(kit.ChatTarget{ChatID: 42})

	sink.HandleEffect(context.Background(), trackEffect("jazz", false))

	ev := <-events
	if ev.Type != eventbus.TrackStarted || ev.Station != "jazz" {
		t.Fatalf("event = %+v", ev)
	}

	plays, err := store.RecentPlays(context.Background(), "jazz", 10)
	if err != nil || len(plays) != 1 || plays[0].Artist != "Miles Davis" || plays[0].RunID != "r1" {
		t.Fatalf("plays = %+v err=%v", plays, err)
	}

	if len(notif.sent) != 1 {
		t.Fatalf("notifications = %+v", notif.sent)
	}
	n := notif.sent[0]
	want := "Now playing: Miles Davis : So What #MilesDavis #jazz #radio #live http://radio.local:8000/jazz"
	if n.Text != want || n.Target.ChatID != 42 || n.Station != "jazz" {
		t.Fatalf("notification = %q (%+v)", n.Text, n)
	}

	b, err := os.ReadFile(st.StatusFile)
	if err != nil {
		t.Fatalf("status file: %v", err)
	}
	var doc statusDoc
	if err := json.Unmarshal(b, &doc); err != nil || doc.Station != "jazz" || doc.Path != "/m/so_what.mp3" {
		t.Fatalf("status doc = %s", b)
	}
}

func TestEffectSinkNotificationGating(t *testing.T) {
	notif := &fakeNotifier{}
	sink := newEffectSink(logx.Nop(), nil, nil, notif)
	quiet := testStation(t, "quiet", false)
	loud := testStation(t, "loud", true)
	sink.Register(quiet)
	sink.Register(loud)

	// No chat configured.
	sink.HandleEffect(context.Background(), trackEffect("loud", false))
	sink.SetChat(kit.ChatTarget{ChatID: 1})
	// twitter.mode off.
	sink.HandleEffect(context.Background(), trackEffect("quiet", false))
	// Jingles are not announced.
	sink.HandleEffect(context.Background(), trackEffect("loud", true))
	// Unknown station.
	sink.HandleEffect(context.Background(), trackEffect("ghost", false))
	if len(notif.sent) != 0 {
		t.Fatalf("unexpected notifications: %+v", notif.sent)
	}

	sink.HandleEffect(context.Background(), station.Effect{
		Kind:    station.EffectTrackAdded,
		Station: "loud",
		Item:    media.Descriptor{Path: "/m/new.mp3", Title: "new_one"},
	})
	if len(notif.sent) != 1 || !strings.HasPrefix(notif.sent[0].Text, "New track ! new one") {
		t.Fatalf("notifications = %+v", notif.sent)
	}
}

type idleWorker struct {
	name string
	done chan struct{}
}

func (w *idleWorker) Name() string                 { return w.name }
func (w *idleWorker) Alive() bool                  { return true }
func (w *idleWorker) Stopped() bool                { return false }
func (w *idleWorker) Stop()                        {}
func (w *idleWorker) Done() <-chan struct{}        { return w.done }
func (w *idleWorker) Control(string, string) error { return nil }
func (w *idleWorker) Snapshot() station.Snapshot   { return station.Snapshot{Name: w.name} }

type idleFactory struct{}

func (idleFactory) Start(_ context.Context, st config.Station) (stations.Worker, error) {
	return &idleWorker{name: st.Name, done: make(chan struct{})}, nil
}

func TestDiscoveredStationGetsSideEffects(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "rock"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "rock", "rock1.mp3"), []byte("ID3\x03\x00\x00\x00\x00\x00\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	statusDir := t.TempDir()
	cfg := &config.Config{
		StatusDir: statusDir,
		StationDefaults: map[string]any{
			"info":    map[string]any{"short_name": "{station_name}"},
			"server":  map[string]any{"host": "radio.local", "port": 8000, "mountpoint": "{station_name}"},
			"twitter": map[string]any{"mode": 1},
		},
	}

	notif := &fakeNotifier{}
	sink := newEffectSink(logx.Nop(), nil, nil, notif)
	sink.SetChat(kit.ChatTarget{ChatID: 7})
	sup := stations.New(logx.Nop(), idleFactory{}, stationObserver{sink: sink}, nil, stations.Settings{Config: cfg, Folder: root})
	_ = sup.Scan(context.Background())

	sink.HandleEffect(context.Background(), trackEffect("rock", false))

	if _, err := os.Stat(config.StatusPath(statusDir, "rock")); err != nil {
		t.Fatalf("discovered station has no status file: %v", err)
	}
	if st, ok := sup.Status("rock"); !ok || !st.StatusFile {
		t.Fatalf("status = %+v", st)
	}
	if len(notif.sent) != 1 || !strings.HasSuffix(notif.sent[0].Text, "http://radio.local:8000/rock") {
		t.Fatalf("notifications = %+v", notif.sent)
	}

	stationObserver{sink: sink}.Forget("rock")
	sink.HandleEffect(context.Background(), trackEffect("rock", false))
	if len(notif.sent) != 1 {
		t.Fatalf("forgotten station still announced")
	}
}

func TestEffectSinkWritesFeeds(t *testing.T) {
	st := testStation(t, "jazz", false)
	st.RSS.Dir = t.TempDir()
	for _, n := range []string{"a.mp3", "b.mp3"} {
		if err := os.WriteFile(filepath.Join(st.Media.Source, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	sink := newEffectSink(logx.Nop(), nil, nil, nil)
	sink.Register(st)

	sink.HandleEffect(context.Background(), station.Effect{
		Kind:    station.EffectPlaylist,
		Station: "jazz",
		Paths:   []string{filepath.Join(st.Media.Source, "b.mp3"), filepath.Join(st.Media.Source, "a.mp3")},
	})
	b, err := os.ReadFile(feed.PlaylistPath(st))
	if err != nil {
		t.Fatalf("playlist feed: %v", err)
	}
	if i, j := strings.Index(string(b), "b.mp3"), strings.Index(string(b), "a.mp3"); i < 0 || j < 0 || i > j {
		t.Fatalf("playlist feed order:\n%s", b)
	}

	sink.HandleEffect(context.Background(), trackEffect("jazz", true))
	if _, err := os.Stat(feed.CurrentPath(st)); err != nil {
		t.Fatalf("jingle did not update the current feed: %v", err)
	}
	if _, err := os.Stat(feed.MetadataPath(st, "so_what.mp3")); err != nil {
		t.Fatalf("metadata document: %v", err)
	}

	relay := trackEffect("jazz", false)
	relay.Relay = true
	relay.Item = media.Descriptor{Path: "http://upstream/live", FileName: "live"}
	sink.HandleEffect(context.Background(), relay)
	if _, err := os.Stat(feed.MetadataPath(st, "live")); !os.IsNotExist(err) {
		t.Fatalf("relay wrote a metadata document: %v", err)
	}
}

func TestEffectSinkStateEvents(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	sink := newEffectSink(logx.Nop(), bus, nil, nil)
	sink.HandleEffect(context.Background(), station.Effect{Kind: station.EffectState, Station: "jazz", State: station.Stopped})
	if ev := <-events; ev.Type != eventbus.StationState {
		t.Fatalf("event = %+v", ev)
	}
	if ev := <-events; ev.Type != eventbus.StationStopped {
		t.Fatalf("event = %+v", ev)
	}
}

func TestMapNotifierConfig(t *testing.T) {
	got, err := mapNotifierConfig(&config.Config{})
	if err != nil || !got.Enabled || got.Workers != 2 || got.DedupWindow != time.Minute {
		t.Fatalf("defaults = %+v err=%v", got, err)
	}
	got, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Enabled: true, Workers: 4, RetryBase: "2s"}})
	if err != nil || got.Workers != 4 || got.RetryBase != 2*time.Second || got.QueueSize != 512 {
		t.Fatalf("override = %+v err=%v", got, err)
	}
	if _, err := mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{RetryBase: "soon"}}); err == nil {
		t.Fatalf("expected duration error")
	}
	if _, err := mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Workers: -1}}); err == nil {
		t.Fatalf("expected bounds error")
	}
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		in      *config.StorageConfig
		enabled bool
		path    string
		wantErr bool
	}{
		{in: nil},
		{in: &config.StorageConfig{Driver: "none"}},
		{in: &config.StorageConfig{Driver: "file"}, enabled: true, path: "/etc/airwave/data"},
		{in: &config.StorageConfig{Driver: "SQLite", Path: "db/airwave.db"}, enabled: true, path: "/etc/airwave/db/airwave.db"},
		{in: &config.StorageConfig{Driver: "sqlite", Path: "/var/lib/airwave.db"}, enabled: true, path: "/var/lib/airwave.db"},
		{in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{in: &config.StorageConfig{Driver: "postgres"}, wantErr: true},
	}
	for _, c := range cases {
		sc, enabled, err := mapStorageConfig(&config.Config{Storage: c.in}, "/etc/airwave")
		if (err != nil) != c.wantErr || enabled != c.enabled || (enabled && sc.Path != c.path) {
			t.Fatalf("%+v: sc=%+v enabled=%v err=%v", c.in, sc, enabled, err)
		}
	}
}

func TestMapLogConfigUsesLogKey(t *testing.T) {
	got := mapLogConfig(&config.Config{Log: "/var/log/airwave.log"})
	if !got.File.Enabled || got.File.Path != "/var/log/airwave.log" || got.Console {
		t.Fatalf("log cfg = %+v", got)
	}
	got = mapLogConfig(&config.Config{})
	if got.File.Enabled || !got.Console {
		t.Fatalf("default log cfg = %+v", got)
	}
}

const appConfig = `{
  "logging": {"level": "error", "console": true},
  "status_dir": %q,
  "ignore_errors": %s,
  "station": [
    {"name": "jazz", "media": {"source": "/srv/jazz"}, "server": {"host": "127.0.0.1", "port": 1, "mountpoint": "jazz"}},
    {"name": "jazz", "media": {"source": "/srv/jazz2"}, "server": {"host": "127.0.0.1", "port": 1, "mountpoint": "jazz2"}}
  ]
}`

func writeConfig(t *testing.T, ignore string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "airwave.json")
	body := strings.Replace(strings.Replace(appConfig, "%q", `"`+dir+`"`, 1), "%s", ignore, 1)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewAppRejectsDuplicateStations(t *testing.T) {
	if _, err := NewApp(writeConfig(t, "0")); err == nil || !strings.Contains(err.Error(), "same name") {
		t.Fatalf("expected duplicate station error, got %v", err)
	}
}

func TestAppStartStopWithIgnoreErrors(t *testing.T) {
	a, err := NewApp(writeConfig(t, "1"))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if a.adapter != nil || a.ctrl != nil || a.notif.Enabled() {
		t.Fatalf("telegram pieces should be off without a token")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(a.stations.Statuses()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("statuses = %+v", a.stations.Statuses())
		}
		time.Sleep(10 * time.Millisecond)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, "test"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("app context not canceled")
	}
}
