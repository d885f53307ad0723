// Package stations owns the station set: it creates workers, watches their
// liveness, restarts them under the retry policy and discovers new stations
// from the station folder.
package stations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"airwave/internal/config"
	"airwave/internal/media"
	"airwave/internal/station"
	logx "airwave/pkg/logx"
)

var (
	ErrUnknownStation  = errors.New("unknown station")
	ErrControlDisabled = errors.New("remote control disabled for station")
)

// Worker is a running station as seen by the supervisor.
type Worker interface {
	Name() string
	Alive() bool
	Stopped() bool
	Stop()
	Done() <-chan struct{}
	Control(cmd, value string) error
	Snapshot() station.Snapshot
}

// Factory builds and starts a worker. Configuration problems are reported
// as *config.ConfigurationError.
type Factory interface {
	Start(ctx context.Context, cfg config.Station) (Worker, error)
}

// Observer is told about the stations the supervisor runs. Configured is
// called with the resolved definition before every worker start, so it
// also covers discovered stations and rebuilt ones.
type Observer interface {
	Configured(cfg config.Station)
	Restarted(station string)
	Forget(station string)
}

// Settings are the supervisor-level knobs, refreshed on reconfiguration.
type Settings struct {
	// Config is used for discovery templating (stationdefaults, status dir).
	Config *config.Config

	// MaxRetry nil means unlimited restarts.
	MaxRetry     *int
	IgnoreErrors bool
	M3U          string

	Folder       string
	LiveCreation bool
	WatchFolder  bool

	Schedule config.Schedule
}

// SettingsFrom derives Settings from a loaded config. Relative paths are
// resolved against baseDir.
func SettingsFrom(cfg *config.Config, baseDir string) (Settings, error) {
	sched, err := config.ParseSchedule(cfg.ScanInterval)
	if err != nil {
		return Settings{}, err
	}
	s := Settings{
		Config:       cfg,
		MaxRetry:     config.IntPtr(cfg.MaxRetry),
		IgnoreErrors: cfg.IgnoreErrors.Bool(),
		M3U:          resolve(baseDir, cfg.M3U),
		Schedule:     sched,
	}
	if f := cfg.StationFolder; f != nil {
		s.Folder = resolve(baseDir, f.Folder)
		s.LiveCreation = f.LiveCreation.Bool()
		s.WatchFolder = f.Watch.Bool()
	}
	return s, nil
}

func resolve(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

// Status is the supervisor's view of one station.
type Status struct {
	Name       string            `json:"name"`
	ListenURL  string            `json:"listen_url"`
	Discovered bool              `json:"discovered,omitempty"`
	Retries    int               `json:"retries"`
	Stopped    bool              `json:"stopped,omitempty"`
	Invalid    string            `json:"invalid,omitempty"`
	Control    bool              `json:"control"`
	// StatusFile reports whether the station's status artifact exists.
	StatusFile bool              `json:"status_file"`
	Worker     *station.Snapshot `json:"worker,omitempty"`
}

// entry is the runtime record of a station. Only the loop goroutine
// touches it.
type entry struct {
	cfg        config.Station
	worker     Worker
	retries    int
	stopped    bool
	invalid    string
	discovered bool
}

type update struct {
	stations []config.Station
	settings Settings
}

// Supervisor owns all stations. Create with New, drive with Run.
type Supervisor struct {
	log      logx.Logger
	factory  Factory
	observer Observer

	// loop-owned
	settings  Settings
	entries   map[string]*entry
	cycles    int
	lastM3U   string
	stopWatch context.CancelFunc
	watchDir  string

	updates chan update
	kick    chan struct{}

	viewMu sync.RWMutex
	view   map[string]*entry
}

// New builds a supervisor for the given static stations.
func New(log logx.Logger, factory Factory, observer Observer, stations []config.Station, settings Settings) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Supervisor{
		log:      log,
		factory:  factory,
		observer: observer,
		settings: settings,
		entries:  map[string]*entry{},
		updates:  make(chan update, 1),
		kick:     make(chan struct{}, 1),
		view:     map[string]*entry{},
	}
	for _, err := range s.merge(stations) {
		s.log.Error("invalid station configuration", logx.Err(err))
	}
	return s
}

// Apply replaces the station set and settings. It is safe to call from any
// goroutine; the change is picked up by the loop before its next cycle.
func (s *Supervisor) Apply(stations []config.Station, settings Settings) {
	u := update{stations: stations, settings: settings}
	for {
		select {
		case s.updates <- u:
			s.Kick()
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// Kick requests an early cycle.
func (s *Supervisor) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run cycles until ctx is done. The first cycle runs immediately. With
// ignore_errors off, a configuration error in the first cycle is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.shutdown()

	if err := s.Scan(ctx); err != nil && !s.settings.IgnoreErrors {
		return err
	}
	s.syncWatcher(ctx)

	for {
		next := s.settings.Schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case u := <-s.updates:
			timer.Stop()
			s.applyUpdate(u)
			s.syncWatcher(ctx)
		case <-s.kick:
			timer.Stop()
		case <-timer.C:
		}
		_ = s.Scan(ctx)
	}
}

// Scan runs one supervisor cycle. It returns the configuration errors met
// while creating workers for the first time.
func (s *Supervisor) Scan(ctx context.Context) error {
	if s.settings.Folder != "" && (s.cycles == 0 || s.settings.LiveCreation) {
		s.discover()
	}
	s.cycles++

	var errs []error
	for _, name := range s.names() {
		if ctx.Err() != nil {
			break
		}
		e := s.entries[name]
		switch {
		case e.invalid != "" || e.stopped:
			continue
		case e.worker == nil:
			if err := s.start(ctx, name, e); err != nil {
				errs = append(errs, err)
			}
		case e.worker.Alive():
			e.retries = 0
		case e.worker.Stopped():
			s.markStopped(name, e)
		case s.canRetry(e):
			e.retries++
			s.log.Warn(fmt.Sprintf("Restarting station %s (try %d)", name, e.retries), logx.String("station", name), logx.String("last_error", e.worker.Snapshot().LastError))
			if s.observer != nil {
				s.observer.Restarted(name)
			}
			if err := s.start(ctx, name, e); err != nil {
				errs = append(errs, err)
			}
		default:
			s.markStopped(name, e)
		}
	}

	s.publish()
	s.writeM3U()
	return errors.Join(errs...)
}

func (s *Supervisor) canRetry(e *entry) bool {
	limit := e.cfg.EffectiveMaxRetry(s.settings.MaxRetry)
	return limit == nil || *limit < 0 || e.retries < *limit
}

func (s *Supervisor) markStopped(name string, e *entry) {
	if e.stopped {
		return
	}
	e.stopped = true
	s.log.Error(fmt.Sprintf("Station %s is stopped and will not be restarted.", name), logx.String("station", name), logx.Int("retries", e.retries))
}

func (s *Supervisor) start(ctx context.Context, name string, e *entry) error {
	if s.observer != nil {
		s.observer.Configured(e.cfg)
	}
	w, err := s.factory.Start(ctx, e.cfg)
	if err != nil {
		var ce *config.ConfigurationError
		if errors.As(err, &ce) {
			e.invalid = err.Error()
			e.worker = nil
			s.log.Error(fmt.Sprintf("Error validating station %s", name), logx.String("station", name), logx.Err(err))
			return err
		}
		// Anything else counts as a dead run; the next cycle retries.
		s.log.Warn("station start failed", logx.String("station", name), logx.Err(err))
		e.worker = deadWorker{name: name, err: err}
		return nil
	}
	e.worker = w
	s.log.Info(fmt.Sprintf("Started station %s", name), logx.String("station", name))
	return nil
}

// discover adds a station for each station-folder subdirectory holding at
// least one audio file. Known names are never re-created.
func (s *Supervisor) discover() {
	dirs, err := os.ReadDir(s.settings.Folder)
	if err != nil {
		s.log.Warn("station folder unreadable", logx.String("folder", s.settings.Folder), logx.Err(err))
		return
	}
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		name := d.Name()
		if _, ok := s.entries[name]; ok {
			continue
		}
		path := filepath.Join(s.settings.Folder, name)
		if !media.FolderContainsMusic(path) {
			continue
		}
		st, err := config.DiscoveredStation(s.settings.Config, path)
		if err != nil {
			s.entries[name] = &entry{cfg: st, invalid: err.Error(), discovered: true}
			s.log.Error(fmt.Sprintf("Error validating station %s", name), logx.String("station", name), logx.Err(err))
			continue
		}
		s.log.Info("station discovered", logx.String("station", name), logx.String("path", path))
		s.entries[name] = &entry{cfg: st, discovered: true}
	}
}

// merge replaces the static station set. Changed stations are stopped and
// rebuilt with a fresh retry budget; discovered stations survive unless a
// static definition takes their name.
func (s *Supervisor) merge(stations []config.Station) []error {
	var errs []error
	next := make(map[string]config.Station, len(stations))
	for _, st := range stations {
		if _, dup := next[st.Name]; dup {
			errs = append(errs, &config.ConfigurationError{Station: st.Name, Field: "name", Reason: "at least 2 stations with the same name"})
			continue
		}
		next[st.Name] = st
	}

	for name, e := range s.entries {
		st, keep := next[name]
		switch {
		case !keep && e.discovered:
			continue
		case !keep:
			s.remove(name, e)
		case !e.discovered && sameStation(e.cfg, st):
			continue
		default:
			s.log.Info("station configuration changed", logx.String("station", name))
			s.retire(e)
			s.entries[name] = &entry{cfg: st}
		}
	}
	for name, st := range next {
		if _, ok := s.entries[name]; !ok {
			s.entries[name] = &entry{cfg: st}
		}
	}
	return errs
}

func sameStation(a, b config.Station) bool {
	_, _, changed := config.DiffStations([]config.Station{a}, []config.Station{b})
	return len(changed) == 0 && a.StatusFile == b.StatusFile
}

func (s *Supervisor) remove(name string, e *entry) {
	s.log.Info("station removed", logx.String("station", name))
	s.retire(e)
	delete(s.entries, name)
	if s.observer != nil {
		s.observer.Forget(name)
	}
}

// retire stops a worker and waits briefly so its mountpoint is released.
func (s *Supervisor) retire(e *entry) {
	if e.worker == nil {
		return
	}
	e.worker.Stop()
	select {
	case <-e.worker.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("station did not stop in time", logx.String("station", e.worker.Name()))
	}
}

func (s *Supervisor) applyUpdate(u update) {
	s.settings = u.settings
	for _, err := range s.merge(u.stations) {
		s.log.Error("invalid station configuration", logx.Err(err))
	}
}

func (s *Supervisor) names() []string {
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// publish copies the entries for readers outside the loop.
func (s *Supervisor) publish() {
	view := make(map[string]*entry, len(s.entries))
	for name, e := range s.entries {
		cp := *e
		view[name] = &cp
	}
	s.viewMu.Lock()
	s.view = view
	s.viewMu.Unlock()
}

// enabled lists the stations that are configured to stream.
func (s *Supervisor) enabled() []config.Station {
	var out []config.Station
	for _, name := range s.names() {
		e := s.entries[name]
		if e.invalid != "" || e.stopped {
			continue
		}
		out = append(out, e.cfg)
	}
	return out
}

// M3U renders the aggregate playlist for stations.
func M3U(stations []config.Station) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, st := range stations {
		fmt.Fprintf(&b, "#EXTINF:-1,%s\n%s\n", st.Info.Name, st.ListenURL())
	}
	return b.String()
}

// writeM3U rewrites the aggregate playlist when the enabled set changed.
func (s *Supervisor) writeM3U() {
	if s.settings.M3U == "" {
		return
	}
	body := M3U(s.enabled())
	if body == s.lastM3U {
		return
	}
	if err := writeFileAtomic(s.settings.M3U, []byte(body)); err != nil {
		s.log.Warn("m3u write failed", logx.String("path", s.settings.M3U), logx.Err(err))
		return
	}
	s.lastM3U = body
	s.log.Debug("m3u updated", logx.String("path", s.settings.M3U))
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// syncWatcher starts, restarts or stops the station folder watcher.
func (s *Supervisor) syncWatcher(ctx context.Context) {
	want := ""
	if s.settings.WatchFolder && s.settings.LiveCreation {
		want = s.settings.Folder
	}
	if want == s.watchDir {
		return
	}
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	s.watchDir = want
	if want == "" {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	s.stopWatch = cancel
	log := s.log.With(logx.String("comp", "stationfolder"))
	go func() {
		_ = config.WatchDir(wctx, want, log, func(ev fsnotify.Event) {
			if ev.Name == "" || ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				s.Kick()
			}
		})
	}()
}

func (s *Supervisor) shutdown() {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	for _, name := range s.names() {
		if w := s.entries[name].worker; w != nil {
			w.Stop()
		}
	}
	for _, name := range s.names() {
		if w := s.entries[name].worker; w != nil {
			select {
			case <-w.Done():
			case <-time.After(5 * time.Second):
				s.log.Warn("station did not stop in time", logx.String("station", name))
			}
		}
	}
}

// Control forwards a remote command to a running station.
func (s *Supervisor) Control(name, cmd, value string) error {
	s.viewMu.RLock()
	e, ok := s.view[name]
	s.viewMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStation, name)
	}
	if !e.cfg.Control.Mode.Bool() {
		return fmt.Errorf("%w: %q", ErrControlDisabled, name)
	}
	if e.worker == nil || !e.worker.Alive() {
		return fmt.Errorf("%s: %w", name, station.ErrStopped)
	}
	return e.worker.Control(cmd, value)
}

// Statuses returns every known station ordered by name.
func (s *Supervisor) Statuses() []Status {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	out := make([]Status, 0, len(s.view))
	for _, e := range s.view {
		out = append(out, statusOf(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status returns one station.
func (s *Supervisor) Status(name string) (Status, bool) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	e, ok := s.view[name]
	if !ok {
		return Status{}, false
	}
	return statusOf(e), true
}

// Playlist renders the aggregate playlist of the enabled stations.
func (s *Supervisor) Playlist() string {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	names := make([]string, 0, len(s.view))
	for name, e := range s.view {
		if e.invalid == "" && !e.stopped {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	list := make([]config.Station, 0, len(names))
	for _, n := range names {
		list = append(list, s.view[n].cfg)
	}
	return M3U(list)
}

func statusOf(e *entry) Status {
	st := Status{
		Name:       e.cfg.Name,
		ListenURL:  e.cfg.ListenURL(),
		Discovered: e.discovered,
		Retries:    e.retries,
		Stopped:    e.stopped,
		Invalid:    e.invalid,
		Control:    e.cfg.Control.Mode.Bool(),
	}
	if e.cfg.StatusFile != "" {
		_, err := os.Stat(e.cfg.StatusFile)
		st.StatusFile = err == nil
	}
	if e.worker != nil {
		snap := e.worker.Snapshot()
		st.Worker = &snap
	}
	return st
}

// deadWorker stands in for a worker whose start failed.
type deadWorker struct {
	name string
	err  error
}

var closedCh = func() chan struct{} { c := make(chan struct{}); close(c); return c }()

func (d deadWorker) Name() string                 { return d.name }
func (d deadWorker) Alive() bool                  { return false }
func (d deadWorker) Stopped() bool                { return false }
func (d deadWorker) Stop()                        {}
func (d deadWorker) Done() <-chan struct{}        { return closedCh }
func (d deadWorker) Control(string, string) error { return station.ErrStopped }
func (d deadWorker) Snapshot() station.Snapshot {
	return station.Snapshot{Name: d.name, State: station.Stopped.String(), LastError: d.err.Error()}
}
