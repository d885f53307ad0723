package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

const relayRing = 8

// RelayChunker pulls a remote stream in the background and serves chunks
// from a small ring. When the ring is full the oldest chunk is dropped so a
// slow consumer stays close to live.
type RelayChunker struct {
	url    string
	cancel context.CancelFunc
	ring   chan []byte
	wg     sync.WaitGroup

	mu      sync.Mutex
	pullErr error

	dropped atomic.Uint64
}

// OpenRelay connects to url and starts the puller. client may be nil.
func OpenRelay(ctx context.Context, client *http.Client, url string) (*RelayChunker, error) {
	if client == nil {
		client = http.DefaultClient
	}
	pctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, &RelayError{URL: url, Err: err}
	}
	req.Header.Set("Icy-MetaData", "0")
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, &RelayError{URL: url, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		_ = resp.Body.Close()
		cancel()
		return nil, &RelayError{URL: url, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	r := &RelayChunker{url: url, cancel: cancel, ring: make(chan []byte, relayRing)}
	r.wg.Add(1)
	go r.pull(pctx, resp.Body)
	return r, nil
}

func (r *RelayChunker) pull(ctx context.Context, body io.ReadCloser) {
	defer r.wg.Done()
	defer close(r.ring)
	defer body.Close()

	for {
		buf := make([]byte, SubChunkSize)
		n, err := body.Read(buf)
		if n > 0 {
			r.push(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			r.mu.Lock()
			r.pullErr = err
			r.mu.Unlock()
			return
		}
	}
}

func (r *RelayChunker) push(chunk []byte) {
	for {
		select {
		case r.ring <- chunk:
			return
		default:
		}
		select {
		case <-r.ring:
			r.dropped.Add(1)
		default:
		}
	}
}

// Next returns the next buffered chunk. The sequence ends with a
// *RelayError wrapping io.EOF or the transport error.
func (r *RelayChunker) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-r.ring:
		if ok {
			return chunk, nil
		}
	}
	r.mu.Lock()
	err := r.pullErr
	r.mu.Unlock()
	if err == nil || errors.Is(err, io.EOF) {
		err = io.EOF
	}
	return nil, &RelayError{URL: r.url, Err: err}
}

// Dropped counts chunks discarded because the consumer fell behind.
func (r *RelayChunker) Dropped() uint64 { return r.dropped.Load() }

func (r *RelayChunker) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}
