package stations

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"airwave/internal/config"
	"airwave/internal/station"
	logx "airwave/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) count(msg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Count(s.b.String(), `"message":"`+msg+`"`)
}

type fakeWorker struct {
	name     string
	alive    atomic.Bool
	stopped  atomic.Bool
	stops    atomic.Int32
	commands []string
	mu       sync.Mutex
	done     chan struct{}
	once     sync.Once
}

func newFakeWorker(name string) *fakeWorker {
	w := &fakeWorker{name: name, done: make(chan struct{})}
	w.alive.Store(true)
	return w
}

func (w *fakeWorker) Name() string  { return w.name }
func (w *fakeWorker) Alive() bool   { return w.alive.Load() }
func (w *fakeWorker) Stopped() bool { return w.stopped.Load() }
func (w *fakeWorker) Stop() {
	w.stops.Add(1)
	w.die()
}
func (w *fakeWorker) Done() <-chan struct{} { return w.done }
func (w *fakeWorker) Control(cmd, value string) error {
	w.mu.Lock()
	w.commands = append(w.commands, cmd+"="+value)
	w.mu.Unlock()
	return nil
}
func (w *fakeWorker) Snapshot() station.Snapshot {
	return station.Snapshot{Name: w.name, State: "streaming"}
}

func (w *fakeWorker) die() {
	w.alive.Store(false)
	w.once.Do(func() { close(w.done) })
}

type fakeFactory struct {
	mu      sync.Mutex
	workers map[string][]*fakeWorker
	failFor map[string]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{workers: map[string][]*fakeWorker{}, failFor: map[string]error{}}
}

func (f *fakeFactory) Start(_ context.Context, cfg config.Station) (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[cfg.Name]; err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := newFakeWorker(cfg.Name)
	f.workers[cfg.Name] = append(f.workers[cfg.Name], w)
	return w, nil
}

func (f *fakeFactory) starts(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers[name])
}

func (f *fakeFactory) last(name string) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws := f.workers[name]
	if len(ws) == 0 {
		return nil
	}
	return ws[len(ws)-1]
}

type fakeObserver struct {
	restarts atomic.Int32
	forgot   atomic.Int32

	mu         sync.Mutex
	configured []config.Station
}

func (o *fakeObserver) Restarted(string) { o.restarts.Add(1) }
func (o *fakeObserver) Forget(string)    { o.forgot.Add(1) }

func (o *fakeObserver) Configured(st config.Station) {
	o.mu.Lock()
	o.configured = append(o.configured, st)
	o.mu.Unlock()
}

func (o *fakeObserver) configuredNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.configured))
	for _, st := range o.configured {
		out = append(out, st.Name)
	}
	return out
}

func jazz(dir string) config.Station {
	st := config.Station{Name: "jazz"}
	st.Media.Source = dir
	st.Server.Host = "localhost"
	st.Server.Port = 8000
	st.Server.Mountpoint = "jazz"
	st.ApplyDefaults()
	return st
}

func intPtr(v int) *int { return &v }

func newTestSupervisor(t *testing.T, stations []config.Station, settings Settings) (*Supervisor, *fakeFactory, *syncBuffer, *fakeObserver) {
	t.Helper()
	buf := &syncBuffer{}
	f := newFakeFactory()
	obs := &fakeObserver{}
	return New(logx.NewWriter(buf, "debug"), f, obs, stations, settings), f, buf, obs
}

func TestMaxRetryScenario(t *testing.T) {
	ctx := context.Background()
	s, f, logs, obs := newTestSupervisor(t, []config.Station{jazz(t.TempDir())}, Settings{MaxRetry: intPtr(2)})

	if err := s.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	for i := 0; i < 5; i++ {
		f.last("jazz").die()
		if err := s.Scan(ctx); err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
	}

	if got := f.starts("jazz"); got != 3 {
		t.Fatalf("starts = %d, want 3", got)
	}
	if logs.count("Restarting station jazz (try 1)") != 1 || logs.count("Restarting station jazz (try 2)") != 1 {
		t.Fatalf("missing restart lines:\n%s", logs.b.String())
	}
	if logs.count("Restarting station jazz (try 3)") != 0 {
		t.Fatalf("restarted beyond budget")
	}
	if got := logs.count("Station jazz is stopped and will not be restarted."); got != 1 {
		t.Fatalf("stop lines = %d, want 1", got)
	}
	if obs.restarts.Load() != 2 {
		t.Fatalf("observer restarts = %d", obs.restarts.Load())
	}
	st, _ := s.Status("jazz")
	if !st.Stopped {
		t.Fatalf("status not stopped: %+v", st)
	}
}

func TestZeroMaxRetryNeverRestarts(t *testing.T) {
	ctx := context.Background()
	s, f, logs, _ := newTestSupervisor(t, []config.Station{jazz(t.TempDir())}, Settings{MaxRetry: intPtr(0)})
	_ = s.Scan(ctx)
	f.last("jazz").die()
	_ = s.Scan(ctx)
	_ = s.Scan(ctx)
	if f.starts("jazz") != 1 {
		t.Fatalf("starts = %d", f.starts("jazz"))
	}
	if logs.count("Station jazz is stopped and will not be restarted.") != 1 {
		t.Fatalf("expected one stop line")
	}
}

func TestUnlimitedRetries(t *testing.T) {
	for name, settings := range map[string]Settings{
		"absent":   {},
		"negative": {MaxRetry: intPtr(-1)},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, f, logs, _ := newTestSupervisor(t, []config.Station{jazz(t.TempDir())}, settings)
			_ = s.Scan(ctx)
			for i := 0; i < 25; i++ {
				f.last("jazz").die()
				_ = s.Scan(ctx)
			}
			if f.starts("jazz") != 26 {
				t.Fatalf("starts = %d, want 26", f.starts("jazz"))
			}
			if logs.count("Restarting station jazz (try 25)") != 1 {
				t.Fatalf("missing try 25")
			}
			if logs.count("Station jazz is stopped and will not be restarted.") != 0 {
				t.Fatalf("unexpected stop")
			}
		})
	}
}

func TestStationOverrideBeatsGlobalRetry(t *testing.T) {
	st := jazz(t.TempDir())
	one := config.FlexInt(1)
	st.MaxRetry = &one
	s, f, _, _ := newTestSupervisor(t, []config.Station{st}, Settings{MaxRetry: intPtr(10)})
	ctx := context.Background()
	_ = s.Scan(ctx)
	for i := 0; i < 4; i++ {
		f.last("jazz").die()
		_ = s.Scan(ctx)
	}
	if f.starts("jazz") != 2 {
		t.Fatalf("starts = %d, want 2", f.starts("jazz"))
	}
}

func TestAliveResetsRetryCount(t *testing.T) {
	ctx := context.Background()
	s, f, logs, _ := newTestSupervisor(t, []config.Station{jazz(t.TempDir())}, Settings{MaxRetry: intPtr(1)})
	_ = s.Scan(ctx)
	for i := 0; i < 3; i++ {
		f.last("jazz").die()
		_ = s.Scan(ctx) // restart, try 1
		_ = s.Scan(ctx) // alive, retries reset
	}
	if logs.count("Restarting station jazz (try 1)") != 3 {
		t.Fatalf("expected three first retries:\n%s", logs.b.String())
	}
	if logs.count("Station jazz is stopped and will not be restarted.") != 0 {
		t.Fatalf("unexpected stop")
	}
}

func TestPermanentStopIsNotRestarted(t *testing.T) {
	ctx := context.Background()
	s, f, logs, _ := newTestSupervisor(t, []config.Station{jazz(t.TempDir())}, Settings{})
	_ = s.Scan(ctx)
	w := f.last("jazz")
	w.stopped.Store(true)
	w.die()
	for i := 0; i < 3; i++ {
		_ = s.Scan(ctx)
	}
	if f.starts("jazz") != 1 {
		t.Fatalf("permanently stopped station was recreated")
	}
	if logs.count("Station jazz is stopped and will not be restarted.") != 1 {
		t.Fatalf("expected one stop line")
	}
}

func TestValidationErrorLoggedOnceUntilConfigChanges(t *testing.T) {
	ctx := context.Background()
	bad := jazz("")
	s, f, logs, _ := newTestSupervisor(t, []config.Station{bad}, Settings{IgnoreErrors: true})

	err := s.Scan(ctx)
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	_ = s.Scan(ctx)
	_ = s.Scan(ctx)
	if got := logs.count("Error validating station jazz"); got != 1 {
		t.Fatalf("validation lines = %d, want 1", got)
	}

	s.applyUpdate(update{stations: []config.Station{jazz(t.TempDir())}, settings: Settings{IgnoreErrors: true}})
	if err := s.Scan(ctx); err != nil {
		t.Fatalf("fixed config still failing: %v", err)
	}
	if f.starts("jazz") != 1 {
		t.Fatalf("fixed station not started")
	}
}

func TestRunAbortsOnConfigErrorWithoutIgnoreErrors(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t, []config.Station{jazz("")}, Settings{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Run(ctx); err == nil {
		t.Fatalf("expected startup failure")
	}
}

func TestDuplicateNamesRejected(t *testing.T) {
	dir := t.TempDir()
	s, f, logs, _ := newTestSupervisor(t, []config.Station{jazz(dir), jazz(dir)}, Settings{})
	_ = s.Scan(context.Background())
	if f.starts("jazz") != 1 {
		t.Fatalf("starts = %d", f.starts("jazz"))
	}
	if logs.count("invalid station configuration") != 1 {
		t.Fatalf("duplicate not reported")
	}
}

func TestDiscoveryNeedsAudio(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "rock"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "empty_folder"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "rock", "rock1.mp3"), []byte("ID3\x03\x00\x00\x00\x00\x00\x00"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{StationDefaults: map[string]any{
		"server": map[string]any{"host": "localhost", "port": 8000, "mountpoint": "{station_name}"},
	}}
	s, f, _, _ := newTestSupervisor(t, nil, Settings{Config: cfg, Folder: root})
	ctx := context.Background()
	_ = s.Scan(ctx)
	_ = s.Scan(ctx)

	got := s.Statuses()
	if len(got) != 1 || got[0].Name != "rock" || !got[0].Discovered {
		t.Fatalf("statuses = %+v", got)
	}
	if got[0].ListenURL != "http://localhost:8000/rock" {
		t.Fatalf("listen url = %q", got[0].ListenURL)
	}
	if f.starts("rock") != 1 || f.starts("empty_folder") != 0 {
		t.Fatalf("unexpected starts")
	}

	// Without livecreation later folders are ignored.
	if err := os.MkdirAll(filepath.Join(root, "pop"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "pop", "p.mp3"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_ = s.Scan(ctx)
	if _, ok := s.Status("pop"); ok {
		t.Fatalf("pop discovered without livecreation")
	}

	s.settings.LiveCreation = true
	_ = s.Scan(ctx)
	if _, ok := s.Status("pop"); !ok {
		t.Fatalf("pop not discovered with livecreation")
	}
}

func TestM3URegeneratedOnMembershipChange(t *testing.T) {
	m3u := filepath.Join(t.TempDir(), "stations.m3u")
	st := jazz(t.TempDir())
	st.Info.Name = "Jazz Radio"
	s, f, _, _ := newTestSupervisor(t, []config.Station{st}, Settings{M3U: m3u, MaxRetry: intPtr(0)})
	ctx := context.Background()
	_ = s.Scan(ctx)

	b, err := os.ReadFile(m3u)
	if err != nil {
		t.Fatal(err)
	}
	want := "#EXTM3U\n#EXTINF:-1,Jazz Radio\nhttp://localhost:8000/jazz\n"
	if string(b) != want {
		t.Fatalf("m3u = %q, want %q", b, want)
	}

	f.last("jazz").die()
	_ = s.Scan(ctx)
	b, _ = os.ReadFile(m3u)
	if string(b) != "#EXTM3U\n" {
		t.Fatalf("stopped station still listed: %q", b)
	}
}

func TestControlRouting(t *testing.T) {
	on := jazz(t.TempDir())
	on.Control.Mode = true
	off := jazz(t.TempDir())
	off.Name = "blues"
	off.Server.Mountpoint = "blues"
	s, f, _, _ := newTestSupervisor(t, []config.Station{on, off}, Settings{})
	_ = s.Scan(context.Background())

	if err := s.Control("jazz", "next", "1"); err != nil {
		t.Fatalf("control: %v", err)
	}
	if got := f.last("jazz").commands; len(got) != 1 || got[0] != "next=1" {
		t.Fatalf("commands = %v", got)
	}
	if err := s.Control("blues", "next", "1"); !errors.Is(err, ErrControlDisabled) {
		t.Fatalf("expected ErrControlDisabled, got %v", err)
	}
	if err := s.Control("nope", "next", "1"); !errors.Is(err, ErrUnknownStation) {
		t.Fatalf("expected ErrUnknownStation, got %v", err)
	}
	f.last("jazz").die()
	if err := s.Control("jazz", "next", "1"); !errors.Is(err, station.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestApplyAddsRemovesAndRebuilds(t *testing.T) {
	ctx := context.Background()
	a := jazz(t.TempDir())
	b := jazz(t.TempDir())
	b.Name = "blues"
	b.Server.Mountpoint = "blues"
	s, f, _, obs := newTestSupervisor(t, []config.Station{a, b}, Settings{})
	_ = s.Scan(ctx)
	oldJazz := f.last("jazz")
	oldBlues := f.last("blues")

	a2 := a
	a2.Info.Genre = "bebop"
	s.applyUpdate(update{stations: []config.Station{a2}})
	_ = s.Scan(ctx)

	if oldBlues.stops.Load() != 1 || obs.forgot.Load() != 1 {
		t.Fatalf("removed station not stopped")
	}
	if _, ok := s.Status("blues"); ok {
		t.Fatalf("blues still listed")
	}
	if oldJazz.stops.Load() != 1 || f.starts("jazz") != 2 {
		t.Fatalf("changed station not rebuilt")
	}

	// An identical config keeps the running worker.
	s.applyUpdate(update{stations: []config.Station{a2}})
	_ = s.Scan(ctx)
	if f.starts("jazz") != 2 {
		t.Fatalf("unchanged station rebuilt")
	}
}

func TestRunPicksUpApply(t *testing.T) {
	sched, err := config.ParseSchedule("10ms")
	if err != nil {
		t.Fatal(err)
	}
	s, f, _, _ := newTestSupervisor(t, nil, Settings{Schedule: sched})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Apply([]config.Station{jazz(t.TempDir())}, Settings{Schedule: sched})
	deadline := time.Now().Add(2 * time.Second)
	for f.starts("jazz") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("station never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.last("jazz").stops.Load() != 1 {
		t.Fatalf("shutdown did not stop workers")
	}
}

func TestDiscoveredStationsReachObserver(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "rock"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "rock", "rock1.mp3"), []byte("ID3\x03\x00\x00\x00\x00\x00\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	statusDir := t.TempDir()
	cfg := &config.Config{StatusDir: statusDir}
	s, f, _, obs := newTestSupervisor(t, []config.Station{jazz(t.TempDir())}, Settings{Config: cfg, Folder: root})
	ctx := context.Background()
	_ = s.Scan(ctx)

	if got := strings.Join(obs.configuredNames(), ","); got != "jazz,rock" {
		t.Fatalf("configured = %q", got)
	}
	obs.mu.Lock()
	rock := obs.configured[1]
	obs.mu.Unlock()
	if rock.StatusFile != config.StatusPath(statusDir, "rock") {
		t.Fatalf("rock status file = %q", rock.StatusFile)
	}

	// A restart announces the station again.
	f.last("rock").die()
	_ = s.Scan(ctx)
	if got := strings.Join(obs.configuredNames(), ","); got != "jazz,rock,rock" {
		t.Fatalf("configured after restart = %q", got)
	}
}
