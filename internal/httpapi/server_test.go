package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"airwave/internal/eventbus"
	"airwave/internal/notifier"
	"airwave/internal/station"
	"airwave/internal/stations"
	"airwave/internal/storage"
	logx "airwave/pkg/logx"
)

type fakeStations struct {
	mu    sync.Mutex
	calls []string
	list  []stations.Status
}

func (f *fakeStations) Statuses() []stations.Status { return f.list }

func (f *fakeStations) Status(name string) (stations.Status, bool) {
	for _, s := range f.list {
		if s.Name == name {
			return s, true
		}
	}
	return stations.Status{}, false
}

func (f *fakeStations) Control(name, cmd, value string) error {
	switch name {
	case "locked":
		return fmt.Errorf("%w: %q", stations.ErrControlDisabled, name)
	case "dead":
		return station.ErrStopped
	}
	if _, ok := f.Status(name); !ok {
		return fmt.Errorf("%w: %q", stations.ErrUnknownStation, name)
	}
	f.mu.Lock()
	f.calls = append(f.calls, name+" "+cmd+" "+value)
	f.mu.Unlock()
	return nil
}

func (f *fakeStations) Playlist() string { return "#EXTM3U\n" }

type fakeHistory struct{ plays []storage.PlayRecord }

func (f fakeHistory) RecentPlays(_ context.Context, st string, limit int) ([]storage.PlayRecord, error) {
	var out []storage.PlayRecord
	for _, p := range f.plays {
		if p.Station == st {
			out = append(out, p)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestService(cfg Config, deps Deps) *Service {
	if deps.Stations == nil {
		deps.Stations = &fakeStations{list: []stations.Status{
			{Name: "jazz", Control: true, Worker: &station.Snapshot{Name: "jazz", State: "streaming"}},
			{Name: "rock"},
		}}
	}
	return New(cfg, deps, logx.Nop())
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReadRoutes(t *testing.T) {
	hist := fakeHistory{plays: []storage.PlayRecord{
		{Station: "jazz", Title: "a"}, {Station: "jazz", Title: "b"}, {Station: "rock", Title: "c"},
	}}
	svc := newTestService(Config{}, Deps{History: hist, Started: time.Now()})
	h := svc.Handler()

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil || rec.Code != 200 {
		t.Fatalf("health: %d %s", rec.Code, rec.Body)
	}
	if health["stations"].(float64) != 2 || health["streaming"].(float64) != 1 {
		t.Fatalf("health = %v", health)
	}

	rec = do(t, h, http.MethodGet, "/stations", "", nil)
	var list []stations.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 2 {
		t.Fatalf("stations: %s", rec.Body)
	}

	if rec = do(t, h, http.MethodGet, "/stations/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown station = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/stations/jazz/history?limit=1", "", nil)
	var plays []storage.PlayRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &plays); err != nil || len(plays) != 1 || plays[0].Title != "a" {
		t.Fatalf("history: %d %s", rec.Code, rec.Body)
	}
	if rec = do(t, h, http.MethodGet, "/stations/jazz/history?limit=x", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/playlist.m3u", "", nil)
	if rec.Body.String() != "#EXTM3U\n" || rec.Header().Get("Content-Type") != "audio/x-mpegurl" {
		t.Fatalf("playlist: %q %q", rec.Body, rec.Header().Get("Content-Type"))
	}
}

func TestHistoryWithoutStorage(t *testing.T) {
	h := newTestService(Config{}, Deps{}).Handler()
	if rec := do(t, h, http.MethodGet, "/stations/jazz/history", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}
}

type fakeAnnouncements []notifier.HistoryItem

func (f fakeAnnouncements) Recent() []notifier.HistoryItem { return f }

func TestNotificationsRoute(t *testing.T) {
	h := newTestService(Config{}, Deps{}).Handler()
	if rec := do(t, h, http.MethodGet, "/notifications", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("without notifier = %d", rec.Code)
	}

	ann := fakeAnnouncements{{Station: "jazz", Text: "Now playing: x"}}
	h = newTestService(Config{}, Deps{Announcements: ann}).Handler()
	rec := do(t, h, http.MethodGet, "/notifications", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var got []notifier.HistoryItem
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || len(got) != 1 || got[0].Text != "Now playing: x" {
		t.Fatalf("body = %s (%v)", rec.Body, err)
	}
}

func TestControlRoutes(t *testing.T) {
	st := &fakeStations{list: []stations.Status{{Name: "jazz"}, {Name: "locked"}}}
	h := newTestService(Config{Token: "s3cret"}, Deps{Stations: st}).Handler()
	auth := map[string]string{"Authorization": "Bearer s3cret"}

	if rec := do(t, h, http.MethodPost, "/stations/jazz/next", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/stations/jazz/next", "", auth); rec.Code != http.StatusOK {
		t.Fatalf("next = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/stations/jazz/next?token=s3cret&value=3", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("next with query token = %d %s", rec.Code, rec.Body)
	}
	hdr := map[string]string{"Authorization": "Bearer s3cret", "Content-Type": "application/json"}
	if rec := do(t, h, http.MethodPost, "/stations/jazz/relay", `{"value":"1"}`, hdr); rec.Code != http.StatusOK {
		t.Fatalf("relay = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/stations/jazz/relay", "", auth); rec.Code != http.StatusBadRequest {
		t.Fatalf("relay without value = %d", rec.Code)
	}

	want := []string{"jazz next 1", "jazz next 3", "jazz relay 1"}
	if strings.Join(st.calls, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %v", st.calls)
	}

	cases := map[string]int{
		"/stations/nope/next":   http.StatusNotFound,
		"/stations/locked/next": http.StatusForbidden,
		"/stations/dead/next":   http.StatusConflict,
	}
	for path, code := range cases {
		if rec := do(t, h, http.MethodPost, path, "", auth); rec.Code != code {
			t.Fatalf("%s = %d, want %d", path, rec.Code, code)
		}
	}
}

func TestMetricsAndPprofToggle(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("airwave_up 1\n")) })

	h := newTestService(Config{Metrics: true, Pprof: true, Token: "t"}, Deps{Metrics: metrics}).Handler()
	if rec := do(t, h, http.MethodGet, "/metrics", "", nil); rec.Code != 200 || !strings.Contains(rec.Body.String(), "airwave_up") {
		t.Fatalf("metrics = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/debug/pprof/", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("pprof without token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/debug/pprof/?token=t", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof = %d", rec.Code)
	}

	h = newTestService(Config{}, Deps{Metrics: metrics}).Handler()
	if rec := do(t, h, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics disabled = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/debug/pprof/", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h := newTestService(Config{AllowOrigins: []string{"http://radio.example"}}, Deps{}).Handler()
	rec := do(t, h, http.MethodGet, "/stations", "", map[string]string{"Origin": "http://radio.example"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://radio.example" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestEventStream(t *testing.T) {
	bus := eventbus.New()
	srv := httptest.NewServer(newTestService(Config{}, Deps{Bus: bus}).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?station=jazz"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade; publish until it lands.
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				bus.Publish(eventbus.Event{Type: eventbus.TrackStarted, Station: "rock"})
				bus.Publish(eventbus.Event{Type: eventbus.TrackStarted, Station: "jazz", Data: "So What"})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev eventbus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Station != "jazz" || ev.Type != eventbus.TrackStarted || ev.Data != "So What" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestLifecycle(t *testing.T) {
	svc := newTestService(Config{}, Deps{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	t.Cleanup(func() { svc.Stop(context.Background()) })

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatalf("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
		addr = svc.Addr()
	}
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}

	svc.Reconfigure(ctx, Config{Enabled: false})
	if a := svc.Addr(); a != "" {
		t.Fatalf("still listening on %s", a)
	}
}

func TestInsecureBindRefused(t *testing.T) {
	if err := checkBind(Config{Addr: "0.0.0.0:8090"}); err == nil {
		t.Fatalf("expected refusal")
	}
	for _, c := range []Config{
		{Addr: "0.0.0.0:8090", Token: "x"},
		{Addr: "0.0.0.0:8090", AllowInsecure: true},
		{Addr: "localhost:8090"},
		{},
	} {
		if err := checkBind(c); err != nil {
			t.Fatalf("%+v: %v", c, err)
		}
	}
}
