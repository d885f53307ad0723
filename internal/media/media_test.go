package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func drainSource(t *testing.T, src ChunkSource) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	ctx := context.Background()
	for {
		chunk, err := src.Next(ctx)
		if err != nil {
			return out.Bytes(), err
		}
		if len(chunk) == 0 {
			t.Fatalf("empty chunk")
		}
		out.Write(chunk)
	}
}

func TestLocalFileFastAndSlowAgree(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 10_000)
	rand.New(rand.NewSource(1)).Read(data)
	path := writeFile(t, dir, "a.mp3", data)

	for _, sizes := range [][2]int{{64, 1024}, {100, 300}, {7, 7}, {4096, 10_000}} {
		var got [2][]byte
		for i, mode := range []ReadMode{Fast, Slow} {
			c, err := openFile(path, mode, sizes[0], sizes[1])
			if err != nil {
				t.Fatal(err)
			}
			out, err := drainSource(t, c)
			if !errors.Is(err, io.EOF) {
				t.Fatalf("terminal err = %v", err)
			}
			_ = c.Close()
			got[i] = out
		}
		if !bytes.Equal(got[0], data) || !bytes.Equal(got[1], data) {
			t.Fatalf("sizes %v: reassembly mismatch (fast=%d slow=%d)", sizes, len(got[0]), len(got[1]))
		}
	}
}

func TestLocalFileChunkSizesBounded(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.mp3", make([]byte, 250))
	c, err := openFile(path, Slow, 100, 160)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	var sizes []int
	for {
		chunk, err := c.Next(context.Background())
		if err != nil {
			break
		}
		sizes = append(sizes, len(chunk))
	}
	want := []int{100, 60, 90}
	if len(sizes) != len(want) {
		t.Fatalf("sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("sizes = %v, want %v", sizes, want)
		}
	}
}

func TestLocalFileEmpty(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.mp3", nil)
	for _, mode := range []ReadMode{Fast, Slow} {
		c, err := OpenFile(path, mode)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Next(context.Background()); !errors.Is(err, io.EOF) {
			t.Fatalf("err = %v", err)
		}
		_ = c.Close()
	}
}

func TestProcessChunkerStreamsStdout(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	data := bytes.Repeat([]byte("0123456789"), 20_000)
	path := writeFile(t, t.TempDir(), "a.mp3", data)

	p, err := StartProcess(context.Background(), "cat {path}", path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	out, err := drainSource(t, p)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("output mismatch: %d vs %d", len(out), len(data))
	}
}

func TestProcessChunkerFailure(t *testing.T) {
	if _, err := exec.LookPath("ls"); err != nil {
		t.Skip("ls not available")
	}
	missing := filepath.Join(t.TempDir(), "missing.mp3")
	p, err := StartProcess(context.Background(), "ls", missing)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	_, err = drainSource(t, p)
	var se *StreamCommandError
	if !errors.As(err, &se) {
		t.Fatalf("want StreamCommandError, got %v", err)
	}
	if se.Path != missing || se.Stderr == "" {
		t.Fatalf("unexpected error %+v", se)
	}
}

func TestCommandArgs(t *testing.T) {
	got := commandArgs("ffmpeg -i {path} -f mp3 -", "/a b.mp3")
	if len(got) != 6 || got[2] != "/a b.mp3" {
		t.Fatalf("args = %q", got)
	}
	got = commandArgs("decode --quiet", "/x.ogg")
	if got[len(got)-1] != "/x.ogg" {
		t.Fatalf("path not appended: %q", got)
	}
}

func TestRelayChunker(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	r, err := OpenRelay(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	out, err := drainSource(t, r)
	var re *RelayError
	if !errors.As(err, &re) || !errors.Is(err, io.EOF) || re.URL != srv.URL {
		t.Fatalf("terminal err = %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("relay payload mismatch")
	}
}

func TestRelayChunkerBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := OpenRelay(context.Background(), srv.Client(), srv.URL)
	var re *RelayError
	if !errors.As(err, &re) {
		t.Fatalf("want RelayError, got %v", err)
	}
}

func TestRelayRingDropsOldest(t *testing.T) {
	r := &RelayChunker{ring: make(chan []byte, 2)}
	r.push([]byte("1"))
	r.push([]byte("2"))
	r.push([]byte("3"))
	if r.Dropped() != 1 {
		t.Fatalf("dropped = %d", r.Dropped())
	}
	if got := string(<-r.ring); got != "2" {
		t.Fatalf("oldest kept = %q", got)
	}
}

func TestRelayCloseStopsPuller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	r, err := OpenRelay(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() { _ = r.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}
}

func TestDescribeFallsBackToFileName(t *testing.T) {
	path := writeFile(t, t.TempDir(), "Blue_in_Green.mp3", make([]byte, 16000))
	d, err := Describe(path, 128)
	if err != nil {
		t.Fatal(err)
	}
	if d.Title != "Blue_in_Green" || d.Song() != "Blue in Green" {
		t.Fatalf("title=%q song=%q", d.Title, d.Song())
	}
	if d.Duration != time.Second {
		t.Fatalf("duration = %v", d.Duration)
	}
	d.Artist = "Miles Davis"
	if d.Song() != "Miles Davis : Blue_in_Green" {
		t.Fatalf("song = %q", d.Song())
	}
}

func TestMIMEAndFolderDetection(t *testing.T) {
	dir := t.TempDir()
	rock := filepath.Join(dir, "rock")
	empty := filepath.Join(dir, "empty_folder")
	for _, d := range []string{rock, empty} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, rock, "rock1.mp3", []byte("x"))
	writeFile(t, empty, "notes.txt", []byte("hello"))

	if !FolderContainsMusic(rock) || FolderContainsMusic(empty) {
		t.Fatalf("folder detection wrong")
	}
	if MIME("a.OGG") != "audio/ogg" || FormatMIME("mp3") != "audio/mpeg" {
		t.Fatalf("ext table wrong")
	}
	sniff := writeFile(t, dir, "track.bin", append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), make([]byte, 64)...))
	if !IsAudio(sniff) {
		t.Fatalf("ID3 content not sniffed as audio: %q", MIME(sniff))
	}
	if !MatchesFormat("/x/A.MP3", "mp3") || !MatchesFormat("a.opus", "ogg") || MatchesFormat("a.mp3", "ogg") {
		t.Fatalf("MatchesFormat wrong")
	}
}
