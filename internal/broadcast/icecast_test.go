package broadcast

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeIcecast struct {
	mu       sync.Mutex
	headers  http.Header
	user     string
	pass     string
	song     string
	mount    string
	body     chan []byte
	rejectPU bool
}

func newFakeIcecast() *fakeIcecast { return &fakeIcecast{body: make(chan []byte, 1)} }

func (f *fakeIcecast) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, _ := r.BasicAuth()
	switch {
	case r.Method == http.MethodPut:
		f.mu.Lock()
		f.headers = r.Header.Clone()
		f.user, f.pass, f.mount = user, pass, r.URL.Path
		reject := f.rejectPU
		f.mu.Unlock()
		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = http.NewResponseController(w).EnableFullDuplex()
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		b, _ := io.ReadAll(r.Body)
		f.body <- b
	case r.URL.Path == "/admin/metadata":
		f.mu.Lock()
		f.song = r.URL.Query().Get("song")
		f.mu.Unlock()
		if r.URL.Query().Get("mode") != "updinfo" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, "<iceresponse><return>1</return></iceresponse>")
	default:
		http.NotFound(w, r)
	}
}

func newClient(t *testing.T, srv *httptest.Server) *IcecastClient {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	p, _ := strconv.Atoi(port)
	return NewIcecast(IcecastConfig{
		Host:     host,
		Port:     p,
		Password: "hackme",
		Mount:    "jazz",
		Info:     Info{Name: "Jazz", Genre: "jazz", Format: "mp3", Bitrate: 128, Public: true},
		Client:   srv.Client(),
	})
}

func TestIcecastStreamsChunks(t *testing.T) {
	fake := newFakeIcecast()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, s := range []string{"hello ", "world"} {
		if err := c.Send(ctx, []byte(s)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case b := <-fake.body:
		if string(b) != "hello world" {
			t.Fatalf("body = %q", b)
		}
	case <-ctx.Done():
		t.Fatalf("server never saw the body")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.user != "source" || fake.pass != "hackme" || fake.mount != "/jazz" {
		t.Fatalf("auth/mount = %s/%s %s", fake.user, fake.pass, fake.mount)
	}
	if fake.headers.Get("Content-Type") != "audio/mpeg" || fake.headers.Get("Ice-Name") != "Jazz" || fake.headers.Get("Ice-Public") != "1" {
		t.Fatalf("headers = %v", fake.headers)
	}
	if fake.headers.Get("Ice-Audio-Info") != "bitrate=128" {
		t.Fatalf("audio info = %q", fake.headers.Get("Ice-Audio-Info"))
	}
}

func TestIcecastOpenRejected(t *testing.T) {
	fake := newFakeIcecast()
	fake.rejectPU = true
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Open(ctx); err == nil {
		t.Fatalf("expected open failure")
	}
	if err := c.Send(ctx, []byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send on failed channel = %v", err)
	}
}

func TestIcecastSetMetadata(t *testing.T) {
	fake := newFakeIcecast()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newClient(t, srv)

	if err := c.SetMetadata(context.Background(), "Miles Davis : So What"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.song != "Miles Davis : So What" {
		t.Fatalf("song = %q", fake.song)
	}
}

func TestSyncDelay(t *testing.T) {
	start := time.Unix(0, 0)
	// 16000 bytes at 128 kbps is one second of audio.
	if d := syncDelay(start, 16000, 128, start.Add(250*time.Millisecond)); d != 750*time.Millisecond {
		t.Fatalf("delay = %v", d)
	}
	if d := syncDelay(start, 16000, 128, start.Add(2*time.Second)); d > 0 {
		t.Fatalf("behind schedule should not wait: %v", d)
	}
	if d := syncDelay(start, 16000, 0, start); d != 0 {
		t.Fatalf("unknown bitrate should not wait: %v", d)
	}
}
