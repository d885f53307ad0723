package broadcast

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"airwave/internal/media"
)

// IcecastConfig addresses one Icecast mountpoint.
type IcecastConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Mount    string
	Info     Info
	// Client performs the source PUT and admin requests; nil uses a default.
	Client *http.Client
}

// IcecastClient is a Channel speaking the Icecast HTTP PUT source protocol.
type IcecastClient struct {
	cfg    IcecastConfig
	client *http.Client

	mu      sync.Mutex
	pw      *io.PipeWriter
	done    chan error
	started time.Time
	sent    int64
}

func NewIcecast(cfg IcecastConfig) *IcecastClient {
	c := cfg.Client
	if c == nil {
		c = &http.Client{}
	}
	if cfg.User == "" {
		cfg.User = "source"
	}
	if !strings.HasPrefix(cfg.Mount, "/") {
		cfg.Mount = "/" + cfg.Mount
	}
	return &IcecastClient{cfg: cfg, client: c}
}

func (c *IcecastClient) baseURL() string {
	return "http://" + net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Open starts the source PUT and waits until the server accepts it.
func (c *IcecastClient) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.pw != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPut, c.baseURL()+c.cfg.Mount, pr)
	if err != nil {
		return err
	}
	req.ContentLength = -1
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	c.setHeaders(req.Header)

	accepted := make(chan error, 1)
	done := make(chan error, 1)
	go func() {
		resp, err := c.client.Do(req)
		if err != nil {
			_ = pr.CloseWithError(err)
			accepted <- err
			done <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			err := fmt.Errorf("icecast %s: http status %d", c.cfg.Mount, resp.StatusCode)
			_ = pr.CloseWithError(err)
			accepted <- err
			done <- err
			return
		}
		accepted <- nil
		// The server keeps the response open for the lifetime of the source.
		_, err = io.Copy(io.Discard, resp.Body)
		_ = pr.CloseWithError(io.ErrClosedPipe)
		done <- err
	}()

	select {
	case err := <-accepted:
		if err != nil {
			_ = pw.Close()
			return err
		}
	case <-ctx.Done():
		_ = pw.CloseWithError(ctx.Err())
		return ctx.Err()
	}

	c.mu.Lock()
	c.pw = pw
	c.done = done
	c.started = time.Now()
	c.sent = 0
	c.mu.Unlock()
	return nil
}

func (c *IcecastClient) setHeaders(h http.Header) {
	info := c.cfg.Info
	h.Set("Content-Type", media.FormatMIME(info.Format))
	h.Set("User-Agent", "airwave")
	h.Set("Ice-Name", info.Name)
	h.Set("Ice-Description", info.Description)
	h.Set("Ice-Genre", info.Genre)
	h.Set("Ice-Url", info.URL)
	if info.Public {
		h.Set("Ice-Public", "1")
	} else {
		h.Set("Ice-Public", "0")
	}
	var ai []string
	if info.Bitrate > 0 {
		ai = append(ai, "bitrate="+strconv.Itoa(info.Bitrate))
	}
	if info.Samplerate > 0 {
		ai = append(ai, "samplerate="+strconv.Itoa(info.Samplerate))
	}
	if info.Channels > 0 {
		ai = append(ai, "channels="+strconv.Itoa(info.Channels))
	}
	if info.OggQuality > 0 {
		ai = append(ai, "quality="+strconv.Itoa(info.OggQuality))
	}
	if len(ai) > 0 {
		h.Set("Ice-Audio-Info", strings.Join(ai, ";"))
	}
	if info.Bitrate > 0 {
		h.Set("Ice-Bitrate", strconv.Itoa(info.Bitrate))
	}
}

// Send writes one chunk to the source connection.
func (c *IcecastClient) Send(ctx context.Context, chunk []byte) error {
	c.mu.Lock()
	pw := c.pw
	c.mu.Unlock()
	if pw == nil {
		return ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := pw.Write(chunk)
	c.mu.Lock()
	c.sent += int64(n)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("icecast %s: send: %w", c.cfg.Mount, err)
	}
	return nil
}

// Sync sleeps until the bytes sent so far match the stream bitrate.
func (c *IcecastClient) Sync(ctx context.Context) error {
	c.mu.Lock()
	started, sent := c.started, c.sent
	c.mu.Unlock()
	wait := syncDelay(started, sent, c.cfg.Info.Bitrate, time.Now())
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// syncDelay is how long to wait so that sent bytes are not ahead of real
// time at bitrateKbps.
func syncDelay(started time.Time, sent int64, bitrateKbps int, now time.Time) time.Duration {
	if bitrateKbps <= 0 || started.IsZero() {
		return 0
	}
	due := time.Duration(float64(sent*8) / float64(bitrateKbps*1000) * float64(time.Second))
	return due - now.Sub(started)
}

// SetMetadata updates the song title through the admin interface.
func (c *IcecastClient) SetMetadata(ctx context.Context, song string) error {
	q := url.Values{}
	q.Set("mount", c.cfg.Mount)
	q.Set("mode", "updinfo")
	q.Set("song", song)
	q.Set("charset", "UTF-8")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/admin/metadata?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("icecast %s: metadata: %w", c.cfg.Mount, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("icecast %s: metadata: http status %d", c.cfg.Mount, resp.StatusCode)
	}
	return nil
}

// Close ends the source connection.
func (c *IcecastClient) Close() error {
	c.mu.Lock()
	pw, done := c.pw, c.done
	c.pw, c.done = nil, nil
	c.mu.Unlock()
	if pw == nil {
		return nil
	}
	_ = pw.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}
